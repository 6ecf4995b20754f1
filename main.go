// Command livewatch polls Twitch for the live status of every tracked channel and
// keeps one Discord notification per live session in step with it.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs versioned migrations.
//   - Starts the poll scheduler (monitor) and the Discord session.
//   - Exposes an HTTP server with /healthz, /readyz, /status, /metrics and the
//     admin tracking API.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/livewatch/cache"
	"github.com/onnwee/livewatch/config"
	"github.com/onnwee/livewatch/db"
	"github.com/onnwee/livewatch/monitor"
	"github.com/onnwee/livewatch/notify"
	"github.com/onnwee/livewatch/server"
	"github.com/onnwee/livewatch/telemetry"
	"github.com/onnwee/livewatch/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("livewatch", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB
	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Migrate(ctx, database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}
	store := db.NewStore(database)

	// Twitch
	tokens := &twitchapi.TokenSource{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		Timeout:      cfg.RequestTimeout,
	}
	helix := &twitchapi.HelixClient{
		AppTokenSource: tokens,
		ClientID:       cfg.TwitchClientID,
		RequestTimeout: cfg.RequestTimeout,
		MaxAttempts:    cfg.RequestMaxAttempts,
	}
	tctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	if tok, err := tokens.Authenticate(tctx); err != nil {
		// The monitor re-authenticates on the next cycle.
		slog.Warn("twitch app token fetch failed", slog.Any("err", err))
	} else if len(tok) > 6 {
		slog.Info("twitch app token acquired", slog.String("tail", "***"+tok[len(tok)-6:]))
	}
	cancel()

	// Profile cache
	profiles := newProfileCache(ctx, cfg)

	// Discord
	var (
		messenger notify.Messenger
		checker   server.ChannelChecker
	)
	if cfg.DiscordToken != "" {
		session, err := notify.NewDiscordSession(cfg.DiscordToken)
		if err != nil {
			slog.Error("discord session setup failed", slog.Any("err", err))
			os.Exit(1)
		}
		notify.OnGuildJoined(session, func(guildID string) {
			if err := store.EnsureTenant(context.Background(), guildID); err != nil {
				slog.Warn("failed to register tenant", slog.String("tenant", guildID), slog.Any("err", err))
			}
		})
		notify.OnGuildRemoved(session, func(guildID string) {
			if err := store.DeleteTenant(context.Background(), guildID); err != nil {
				slog.Error("failed to remove tenant after guild removal", slog.String("tenant", guildID), slog.Any("err", err))
				return
			}
			slog.Info("tenant removed after guild removal", slog.String("tenant", guildID), slog.String("component", "notify"))
		})
		if err := session.Open(); err != nil {
			slog.Error("discord gateway connect failed", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := session.Close(); err != nil {
				slog.Warn("discord session close", slog.Any("err", err))
			}
		}()
		dm := &notify.DiscordMessenger{
			Session:     session,
			Timeout:     cfg.RequestTimeout,
			MaxAttempts: cfg.RequestMaxAttempts,
		}
		messenger, checker = dm, dm
	} else {
		slog.Warn("DISCORD_TOKEN not set; notifications will be logged, not delivered")
		messenger = &notify.LogMessenger{}
	}

	// Monitor
	mon := monitor.New(store, helix, notify.NewDispatcher(messenger, store), profiles, monitor.OptionsFromConfig(cfg))
	mon.Start(ctx)
	slog.Info("monitor started",
		slog.Duration("interval", cfg.CheckInterval),
		slog.String("keyword", cfg.TitleKeyword),
		slog.String("edit_policy", cfg.EditPolicy))

	// HTTP server (health/readiness/status/metrics/admin)
	go func() {
		if err := server.Start(ctx, cfg, server.Deps{
			DB:       database,
			Store:    store,
			Monitor:  mon,
			Profiles: helix,
			Channels: checker,
		}); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
	mon.Stop()
}

// newProfileCache returns a Redis-backed cache when REDIS_ADDR is set and
// reachable, otherwise an in-process one.
func newProfileCache(ctx context.Context, cfg *config.Config) cache.ProfileCache {
	if cfg.RedisAddr == "" {
		return cache.NewMemoryProfileCache(cfg.ProfileCacheTTL)
	}
	rc := &cache.RedisProfileCache{
		Client: cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB),
		TTL:    cfg.ProfileCacheTTL,
	}
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rc.Ping(pctx); err != nil {
		slog.Warn("redis unavailable; using in-memory profile cache", slog.String("addr", cfg.RedisAddr), slog.Any("err", err))
		_ = rc.Client.Close()
		return cache.NewMemoryProfileCache(cfg.ProfileCacheTTL)
	}
	slog.Info("using redis profile cache", slog.String("addr", cfg.RedisAddr))
	return rc
}
