package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/livewatch/db"
)

// MemoryStore is an in-memory stand-in for db.Store with the same semantics for
// the calls the monitor and the admin API make. FailOps forces the named
// operations to return a PersistenceError.
type MemoryStore struct {
	mu        sync.Mutex
	nextID    int64
	entities  map[string]*db.TrackedEntity
	tenants   map[string]*db.TenantConfig
	sessions  map[int64][]db.SessionRecord
	kv        map[string]string
	writes    map[string]int
	heartbeat time.Time

	FailOps map[string]bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: map[string]*db.TrackedEntity{},
		tenants:  map[string]*db.TenantConfig{},
		sessions: map[int64][]db.SessionRecord{},
		kv:       map[string]string{},
		writes:   map[string]int{},
		FailOps:  map[string]bool{},
	}
}

func entityKey(tenantID, handle string) string { return tenantID + "/" + db.NormalizeHandle(handle) }

func (s *MemoryStore) fail(op string) error {
	s.writes[op]++
	if s.FailOps[op] {
		return &db.PersistenceError{Op: op, Err: errors.New("forced failure")}
	}
	return nil
}

// Writes reports how many times op was called.
func (s *MemoryStore) Writes(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[op]
}

func (s *MemoryStore) entity(tenantID, handle string) (*db.TrackedEntity, error) {
	e, ok := s.entities[entityKey(tenantID, handle)]
	if !ok {
		return nil, db.ErrNotFound
	}
	return e, nil
}

func copyEntity(e *db.TrackedEntity) db.TrackedEntity {
	out := *e
	if e.Notification != nil {
		ref := *e.Notification
		out.Notification = &ref
	}
	return out
}

// Put inserts or replaces an entity verbatim, assigning an id when missing.
func (s *MemoryStore) Put(e db.TrackedEntity) *db.TrackedEntity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == 0 {
		s.nextID++
		e.ID = s.nextID
	}
	e.Handle = db.NormalizeHandle(e.Handle)
	if _, ok := s.tenants[e.TenantID]; !ok {
		s.tenants[e.TenantID] = &db.TenantConfig{TenantID: e.TenantID}
	}
	s.entities[entityKey(e.TenantID, e.Handle)] = &e
	out := copyEntity(&e)
	return &out
}

// PutTenant inserts or replaces a tenant configuration.
func (s *MemoryStore) PutTenant(cfg db.TenantConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[cfg.TenantID] = &cfg
}

// Entity returns a snapshot of one entity, or nil.
func (s *MemoryStore) Entity(tenantID, handle string) *db.TrackedEntity {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entity(tenantID, handle)
	if err != nil {
		return nil
	}
	out := copyEntity(e)
	return &out
}

func (s *MemoryStore) ListAllTrackedEntities(_ context.Context) ([]db.TrackedEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("list_entities"); err != nil {
		return nil, err
	}
	return s.listLocked(""), nil
}

func (s *MemoryStore) ListTenantEntities(_ context.Context, tenantID string) ([]db.TrackedEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(tenantID), nil
}

func (s *MemoryStore) listLocked(tenantID string) []db.TrackedEntity {
	out := make([]db.TrackedEntity, 0, len(s.entities))
	for _, e := range s.entities {
		if tenantID != "" && e.TenantID != tenantID {
			continue
		}
		out = append(out, copyEntity(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].Handle < out[j].Handle
	})
	return out
}

func (s *MemoryStore) GetTrackedEntity(_ context.Context, tenantID, handle string) (*db.TrackedEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entity(tenantID, handle)
	if err != nil {
		return nil, err
	}
	out := copyEntity(e)
	return &out, nil
}

func (s *MemoryStore) GetTenantConfig(_ context.Context, tenantID string) (*db.TenantConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.tenants[tenantID]
	if !ok {
		return nil, db.ErrNotFound
	}
	out := *c
	return &out, nil
}

func (s *MemoryStore) SetLiveState(_ context.Context, tenantID, handle string, isLive bool, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("set_live_state"); err != nil {
		return err
	}
	if isLive && sessionID == "" {
		return &db.PersistenceError{Op: "set_live_state", Err: errors.New("live state requires a session id")}
	}
	e, err := s.entity(tenantID, handle)
	if err != nil {
		return err
	}
	e.IsLive = isLive
	e.LastSessionID = ""
	if isLive {
		e.LastSessionID = sessionID
	}
	return nil
}

func (s *MemoryStore) SetProfile(_ context.Context, tenantID, handle, displayName, avatarURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("set_profile"); err != nil {
		return err
	}
	e, err := s.entity(tenantID, handle)
	if err != nil {
		return err
	}
	e.DisplayName, e.AvatarURL = displayName, avatarURL
	return nil
}

func (s *MemoryStore) SetNotificationRef(_ context.Context, tenantID, handle string, ref db.NotificationRef, m db.Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("set_notification_ref"); err != nil {
		return err
	}
	e, err := s.entity(tenantID, handle)
	if err != nil {
		return err
	}
	e.Notification = &ref
	e.Last = m
	return nil
}

func (s *MemoryStore) UpdateObservedMetrics(_ context.Context, tenantID, handle string, m db.Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("update_metrics"); err != nil {
		return err
	}
	e, err := s.entity(tenantID, handle)
	if err != nil {
		return err
	}
	e.Last = m
	return nil
}

func (s *MemoryStore) ClearNotificationRef(_ context.Context, tenantID, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("clear_notification_ref"); err != nil {
		return err
	}
	e, err := s.entity(tenantID, handle)
	if err != nil {
		return err
	}
	e.Notification = nil
	e.Last = db.Metrics{}
	return nil
}

func (s *MemoryStore) AppendSessionHistory(_ context.Context, entityID int64, sessionID, title, category string, viewerCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("append_session"); err != nil {
		return err
	}
	for _, r := range s.sessions[entityID] {
		if r.SessionID == sessionID {
			return nil
		}
	}
	rec := db.SessionRecord{
		ID:          int64(len(s.sessions[entityID]) + 1),
		EntityID:    entityID,
		SessionID:   sessionID,
		Title:       title,
		Category:    category,
		ViewerCount: viewerCount,
		StartedAt:   time.Now(),
	}
	s.sessions[entityID] = append(s.sessions[entityID], rec)
	return nil
}

// RecentSessions returns newest first.
func (s *MemoryStore) RecentSessions(_ context.Context, entityID int64, limit int) ([]db.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.sessions[entityID]
	out := make([]db.SessionRecord, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AddTrackedEntity(_ context.Context, tenantID, handle, displayName, avatarURL string) (*db.TrackedEntity, error) {
	s.mu.Lock()
	if _, ok := s.entities[entityKey(tenantID, handle)]; ok {
		s.mu.Unlock()
		return nil, db.ErrAlreadyTracked
	}
	s.mu.Unlock()
	return s.Put(db.TrackedEntity{TenantID: tenantID, Handle: handle, DisplayName: displayName, AvatarURL: avatarURL}), nil
}

func (s *MemoryStore) RemoveTrackedEntity(_ context.Context, tenantID, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entity(tenantID, handle)
	if err != nil {
		return err
	}
	delete(s.sessions, e.ID)
	delete(s.entities, entityKey(tenantID, handle))
	return nil
}

func (s *MemoryStore) SetEntityMessage(_ context.Context, tenantID, handle, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entity(tenantID, handle)
	if err != nil {
		return err
	}
	e.CustomMessage = message
	return nil
}

func (s *MemoryStore) tenantLocked(tenantID string) *db.TenantConfig {
	c, ok := s.tenants[tenantID]
	if !ok {
		c = &db.TenantConfig{TenantID: tenantID}
		s.tenants[tenantID] = c
	}
	return c
}

func (s *MemoryStore) SetNotificationChannel(_ context.Context, tenantID, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.tenantLocked(tenantID)
	c.NotificationChannelID = channelID
	c.LastDeliveryError, c.LastDeliveryErrorAt = "", nil
	return nil
}

func (s *MemoryStore) SetMentionRole(_ context.Context, tenantID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenantLocked(tenantID).MentionRoleID = roleID
	return nil
}

func (s *MemoryStore) SetDefaultMessage(_ context.Context, tenantID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenantLocked(tenantID).CustomMessage = message
	return nil
}

func (s *MemoryStore) SetDeliveryError(_ context.Context, tenantID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.tenants[tenantID]
	if !ok {
		return nil
	}
	c.LastDeliveryError = message
	c.LastDeliveryErrorAt = nil
	if message != "" {
		now := time.Now()
		c.LastDeliveryErrorAt = &now
	}
	return nil
}

func (s *MemoryStore) DeleteTenant(_ context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entities {
		if e.TenantID == tenantID {
			delete(s.sessions, e.ID)
			delete(s.entities, k)
		}
	}
	delete(s.tenants, tenantID)
	return nil
}

func (s *MemoryStore) RecordHeartbeat(_ context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("heartbeat"); err != nil {
		return err
	}
	s.heartbeat = at
	return nil
}

func (s *MemoryStore) LastHeartbeat(_ context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeat, nil
}
