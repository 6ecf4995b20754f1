// Package server exposes the HTTP API: health, readiness, poll cycle status,
// metrics and the admin endpoints used to manage tracked channels. It injects
// correlation IDs into request contexts for consistent logging.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/onnwee/livewatch/config"
)

// NewMux returns the HTTP handler with all routes.
func NewMux(cfg *config.Config, deps Deps) http.Handler {
	h := NewHandlers(deps)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(withCorrelation)
	if c := corsHandler(cfg.CORSAllowedOrigins); c != nil {
		r.Use(c)
	}

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.HandleHealthz)
	r.Get("/readyz", h.HandleReadyz)
	r.Get("/status", h.HandleStatus)

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.RealIP)
		r.Use(adminAuth(newAuthConfig(cfg)))
		r.Use(rateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Get("/monitor", h.HandleAdminMonitor)
		r.Route("/tenants/{tenant}", func(r chi.Router) {
			r.Get("/", h.HandleGetTenant)
			r.Delete("/", h.HandleDeleteTenant)
			r.Put("/channel", h.HandleSetChannel)
			r.Put("/role", h.HandleSetRole)
			r.Put("/message", h.HandleSetMessage)
			r.Post("/test-notification", h.HandleTestNotification)
			r.Post("/entities", h.HandleAddEntity)
			r.Route("/entities/{handle}", func(r chi.Router) {
				r.Delete("/", h.HandleRemoveEntity)
				r.Put("/message", h.HandleSetEntityMessage)
				r.Get("/sessions", h.HandleEntitySessions)
			})
		})
	})

	return otelhttp.NewHandler(r, "http-server",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, cfg *config.Config, deps Deps) error {
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      NewMux(cfg, deps),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", cfg.HTTPAddr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
