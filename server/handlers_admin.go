package server

import (
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/onnwee/livewatch/db"
	"github.com/onnwee/livewatch/monitor"
	"github.com/onnwee/livewatch/notify"
	"github.com/onnwee/livewatch/telemetry"
)

const (
	defaultSessionLimit = 10
	maxSessionLimit     = 100
	maxTemplateLen      = 2000
)

// Twitch logins are 3 to 25 word characters.
var handlePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,25}$`)

type tenantResponse struct {
	Config   *db.TenantConfig   `json:"config"`
	Entities []db.TrackedEntity `json:"entities"`
}

type messageResponse struct {
	Message string `json:"message"`
	Preview string `json:"preview"`
}

type monitorResponse struct {
	IntervalSeconds float64              `json:"interval_seconds"`
	LastHeartbeat   *time.Time           `json:"last_heartbeat,omitempty"`
	LastCycle       *monitor.CycleReport `json:"last_cycle"`
}

// writeStoreError maps persistence errors onto HTTP statuses.
func (h *Handlers) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, db.ErrAlreadyTracked):
		writeError(w, http.StatusConflict, err.Error())
	default:
		telemetry.LoggerWithCorr(r.Context()).Error("admin request failed",
			slog.String("path", r.URL.Path), slog.Any("err", err), slog.String("component", "http"))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// tenantConfig returns the stored configuration or an empty one for unknown tenants.
func (h *Handlers) tenantConfig(r *http.Request, tenantID string) (*db.TenantConfig, error) {
	cfg, err := h.store.GetTenantConfig(r.Context(), tenantID)
	if errors.Is(err, db.ErrNotFound) {
		return &db.TenantConfig{TenantID: tenantID}, nil
	}
	return cfg, err
}

// HandleAdminMonitor reports scheduler state for operators.
func (h *Handlers) HandleAdminMonitor(w http.ResponseWriter, r *http.Request) {
	resp := monitorResponse{
		IntervalSeconds: h.monitor.Interval().Seconds(),
		LastCycle:       h.monitor.LastReport(),
	}
	at, err := h.store.LastHeartbeat(r.Context())
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if !at.IsZero() {
		resp.LastHeartbeat = &at
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleGetTenant returns a tenant's configuration and tracked channels.
func (h *Handlers) HandleGetTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	cfg, err := h.store.GetTenantConfig(r.Context(), tenantID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	entities, err := h.store.ListTenantEntities(r.Context(), tenantID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if entities == nil {
		entities = []db.TrackedEntity{}
	}
	writeJSON(w, http.StatusOK, tenantResponse{Config: cfg, Entities: entities})
}

// HandleDeleteTenant removes a tenant with its tracked channels and history.
func (h *Handlers) HandleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	if err := h.store.DeleteTenant(r.Context(), tenantID); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("tenant deleted", slog.String("tenant", tenantID), slog.String("component", "http"))
	w.WriteHeader(http.StatusNoContent)
}

// HandleSetChannel sets the notification channel, verifying access first when a
// channel checker is available.
func (h *Handlers) HandleSetChannel(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	var req struct {
		ChannelID string `json:"channel_id"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.ChannelID = strings.TrimSpace(req.ChannelID)
	if req.ChannelID == "" {
		writeError(w, http.StatusBadRequest, "channel_id is required")
		return
	}
	if h.channels != nil {
		if err := h.channels.CheckChannel(r.Context(), req.ChannelID); err != nil {
			if notify.IsChannelUnavailable(err) || errors.Is(err, notify.ErrNotFound) {
				writeError(w, http.StatusUnprocessableEntity, err.Error())
				return
			}
			telemetry.LoggerWithCorr(r.Context()).Warn("channel check failed",
				slog.String("channel", req.ChannelID), slog.Any("err", err), slog.String("component", "http"))
			writeError(w, http.StatusBadGateway, "could not verify channel")
			return
		}
	}
	if err := h.store.SetNotificationChannel(r.Context(), tenantID, req.ChannelID); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	cfg, err := h.tenantConfig(r, tenantID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// HandleSetRole sets or clears (empty role_id) the mention role.
func (h *Handlers) HandleSetRole(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	var req struct {
		RoleID string `json:"role_id"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.SetMentionRole(r.Context(), tenantID, strings.TrimSpace(req.RoleID)); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	cfg, err := h.tenantConfig(r, tenantID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// HandleSetMessage sets or clears the tenant default template and returns a preview.
func (h *Handlers) HandleSetMessage(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	msg, ok := decodeTemplate(w, r)
	if !ok {
		return
	}
	if err := h.store.SetDefaultMessage(r.Context(), tenantID, msg); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	cfg, err := h.tenantConfig(r, tenantID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{
		Message: msg,
		Preview: notify.Preview(msg, "", "", cfg.MentionRoleID),
	})
}

// HandleAddEntity starts tracking a Twitch channel after resolving it on Twitch.
func (h *Handlers) HandleAddEntity(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	var req struct {
		Handle string `json:"handle"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	handle := strings.TrimSpace(req.Handle)
	if !handlePattern.MatchString(handle) {
		writeError(w, http.StatusBadRequest, "handle must be 3-25 letters, digits or underscores")
		return
	}

	users, err := h.profiles.GetUserProfiles(r.Context(), []string{handle})
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("twitch user lookup failed",
			slog.String("handle", handle), slog.Any("err", err), slog.String("component", "http"))
		writeError(w, http.StatusBadGateway, "twitch lookup failed")
		return
	}
	if len(users) == 0 {
		writeError(w, http.StatusNotFound, "twitch channel not found")
		return
	}
	u := users[0]
	e, err := h.store.AddTrackedEntity(r.Context(), tenantID, u.Login, u.DisplayName, u.ProfileImageURL)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("channel tracked",
		slog.String("tenant", tenantID), slog.String("handle", e.Handle), slog.String("component", "http"))
	writeJSON(w, http.StatusCreated, e)
}

// HandleRemoveEntity stops tracking a channel.
func (h *Handlers) HandleRemoveEntity(w http.ResponseWriter, r *http.Request) {
	tenantID, handle := chi.URLParam(r, "tenant"), chi.URLParam(r, "handle")
	if err := h.store.RemoveTrackedEntity(r.Context(), tenantID, handle); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSetEntityMessage sets or clears a per-channel template override.
func (h *Handlers) HandleSetEntityMessage(w http.ResponseWriter, r *http.Request) {
	tenantID, handle := chi.URLParam(r, "tenant"), chi.URLParam(r, "handle")
	msg, ok := decodeTemplate(w, r)
	if !ok {
		return
	}
	if err := h.store.SetEntityMessage(r.Context(), tenantID, handle, msg); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	e, err := h.store.GetTrackedEntity(r.Context(), tenantID, handle)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	cfg, err := h.tenantConfig(r, tenantID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{
		Message: msg,
		Preview: notify.Preview(notify.ResolveTemplate(e, cfg), e.Name(), e.Handle, cfg.MentionRoleID),
	})
}

// HandleEntitySessions lists recent live sessions of a channel, newest first.
func (h *Handlers) HandleEntitySessions(w http.ResponseWriter, r *http.Request) {
	tenantID, handle := chi.URLParam(r, "tenant"), chi.URLParam(r, "handle")
	limit := parseIntQuery(r, "limit", defaultSessionLimit)
	if limit <= 0 {
		limit = defaultSessionLimit
	}
	if limit > maxSessionLimit {
		limit = maxSessionLimit
	}
	e, err := h.store.GetTrackedEntity(r.Context(), tenantID, handle)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	sessions, err := h.store.RecentSessions(r.Context(), e.ID, limit)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []db.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// HandleTestNotification posts a test notification for a tracked channel.
func (h *Handlers) HandleTestNotification(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	var req struct {
		Handle string `json:"handle"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ref, err := h.monitor.SendTestNotification(r.Context(), tenantID, strings.TrimSpace(req.Handle))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, ref)
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "channel is not tracked")
	case errors.Is(err, monitor.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "twitch user not found")
	case notify.IsChannelUnavailable(err):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		telemetry.LoggerWithCorr(r.Context()).Warn("test notification failed",
			slog.String("tenant", tenantID), slog.Any("err", err), slog.String("component", "http"))
		writeError(w, http.StatusBadGateway, "test notification failed")
	}
}

// decodeTemplate reads {"message": ...}; an empty message clears the override.
func decodeTemplate(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req struct {
		Message string `json:"message"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	msg := strings.TrimSpace(req.Message)
	if len([]rune(msg)) > maxTemplateLen {
		writeError(w, http.StatusBadRequest, "message must be at most 2000 characters")
		return "", false
	}
	return msg, true
}
