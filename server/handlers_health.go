package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/onnwee/livewatch/monitor"
)

// staleCycles is how many poll intervals may pass without a completed cycle
// before the service reports not ready.
const staleCycles = 3

// HandleHealthz responds to liveness check requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness check requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"poll_cycle", func() error {
			at, err := h.store.LastHeartbeat(r.Context())
			if err != nil {
				return err
			}
			if at.IsZero() {
				return errors.New("no completed poll cycle")
			}
			limit := staleCycles * h.monitor.Interval()
			if age := h.now().Sub(at); age > limit {
				return fmt.Errorf("last poll cycle completed %s ago (limit %s)", age.Round(time.Second), limit)
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	IntervalSeconds float64              `json:"interval_seconds"`
	LastCycle       *monitor.CycleReport `json:"last_cycle"`
}

// HandleStatus reports the poll interval and the outcome of the last cycle.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		IntervalSeconds: h.monitor.Interval().Seconds(),
		LastCycle:       h.monitor.LastReport(),
	})
}
