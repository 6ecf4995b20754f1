package notify

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/livewatch/db"
	"github.com/onnwee/livewatch/twitchapi"
)

type fakeMessenger struct {
	mu       sync.Mutex
	sent     []Message
	edits    []Embed
	sendErr  error
	editErr  error
	nextID   int
	channels []string
}

func (f *fakeMessenger) Send(_ context.Context, channelID string, msg Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.nextID++
	f.sent = append(f.sent, msg)
	f.channels = append(f.channels, channelID)
	return "m" + strconv.Itoa(f.nextID), nil
}

func (f *fakeMessenger) Edit(_ context.Context, _, _ string, embed Embed) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.edits = append(f.edits, embed)
	return nil
}

type fakeStore struct {
	refs         map[string]db.NotificationRef
	metrics      map[string]db.Metrics
	cleared      []string
	deliveryErrs map[string]string
	setRefErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{refs: map[string]db.NotificationRef{}, metrics: map[string]db.Metrics{}, deliveryErrs: map[string]string{}}
}

func (f *fakeStore) SetNotificationRef(_ context.Context, tenantID, handle string, ref db.NotificationRef, m db.Metrics) error {
	if f.setRefErr != nil {
		return f.setRefErr
	}
	f.refs[tenantID+"/"+handle] = ref
	f.metrics[tenantID+"/"+handle] = m
	return nil
}

func (f *fakeStore) UpdateObservedMetrics(_ context.Context, tenantID, handle string, m db.Metrics) error {
	f.metrics[tenantID+"/"+handle] = m
	return nil
}

func (f *fakeStore) ClearNotificationRef(_ context.Context, tenantID, handle string) error {
	delete(f.refs, tenantID+"/"+handle)
	delete(f.metrics, tenantID+"/"+handle)
	f.cleared = append(f.cleared, tenantID+"/"+handle)
	return nil
}

func (f *fakeStore) SetDeliveryError(_ context.Context, tenantID, message string) error {
	f.deliveryErrs[tenantID] = message
	return nil
}

func testFixtures() (*db.TrackedEntity, *twitchapi.Stream, *db.TenantConfig) {
	return &db.TrackedEntity{ID: 1, TenantID: "g1", Handle: "foo", DisplayName: "Foo"},
		&twitchapi.Stream{ID: "s1", UserLogin: "foo", UserName: "Foo", Title: "Playing Chess", GameName: "Chess", ViewerCount: 10},
		&db.TenantConfig{TenantID: "g1", NotificationChannelID: "c1"}
}

func newTestDispatcher(t *testing.T, m *fakeMessenger, s *fakeStore) (*Dispatcher, *quartz.Mock) {
	clk := quartz.NewMock(t)
	clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return &Dispatcher{Messenger: m, Store: s, Clock: clk}, clk
}

func TestEmitRecordsReference(t *testing.T) {
	m, s := &fakeMessenger{}, newFakeStore()
	d, clk := newTestDispatcher(t, m, s)
	e, st, cfg := testFixtures()

	ref, err := d.Emit(context.Background(), e, st, cfg)
	require.NoError(t, err)
	assert.Equal(t, db.NotificationRef{ChannelID: "c1", MessageID: "m1"}, *ref)
	assert.Equal(t, *ref, s.refs["g1/foo"])
	assert.Equal(t, db.Metrics{Title: "Playing Chess", Category: "Chess", ViewerCount: 10, ObservedAt: clk.Now()}, s.metrics["g1/foo"])
	assert.Equal(t, ref, e.Notification)
	require.Len(t, m.sent, 1)
	assert.Equal(t, "Foo is now live on Twitch!", m.sent[0].Content)
	assert.Equal(t, []string{"c1"}, m.channels)
}

func TestSendDoesNotRecord(t *testing.T) {
	m, s := &fakeMessenger{}, newFakeStore()
	d, _ := newTestDispatcher(t, m, s)
	e, st, cfg := testFixtures()

	ref, err := d.Send(context.Background(), e, st, cfg)
	require.NoError(t, err)
	assert.NotNil(t, ref)
	assert.Empty(t, s.refs)
	assert.Nil(t, e.Notification)
}

func TestEmitWithoutChannel(t *testing.T) {
	m, s := &fakeMessenger{}, newFakeStore()
	d, _ := newTestDispatcher(t, m, s)
	e, st, _ := testFixtures()

	_, err := d.Emit(context.Background(), e, st, &db.TenantConfig{TenantID: "g1"})
	require.Error(t, err)
	assert.True(t, IsChannelUnavailable(err))
	assert.Empty(t, m.sent)
	assert.Empty(t, s.refs)
	assert.Contains(t, s.deliveryErrs["g1"], "no notification channel")
}

func TestEmitChannelErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"channel deleted", ErrNotFound},
		{"missing permissions", &ChannelUnavailableError{ChannelID: "c1", Reason: "Missing Permissions"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, s := &fakeMessenger{sendErr: tt.err}, newFakeStore()
			d, _ := newTestDispatcher(t, m, s)
			e, st, cfg := testFixtures()

			_, err := d.Emit(context.Background(), e, st, cfg)
			assert.True(t, IsChannelUnavailable(err))
			assert.NotEmpty(t, s.deliveryErrs["g1"])
			assert.Empty(t, s.refs)
		})
	}
}

func TestEmitClearsPreviousDeliveryError(t *testing.T) {
	m, s := &fakeMessenger{}, newFakeStore()
	d, _ := newTestDispatcher(t, m, s)
	e, st, cfg := testFixtures()
	cfg.LastDeliveryError = "channel c0 unavailable"
	s.deliveryErrs["g1"] = cfg.LastDeliveryError

	_, err := d.Emit(context.Background(), e, st, cfg)
	require.NoError(t, err)
	assert.Equal(t, "", s.deliveryErrs["g1"])
}

func TestEmitPersistFailureReturnsReference(t *testing.T) {
	m, s := &fakeMessenger{}, newFakeStore()
	s.setRefErr = &db.PersistenceError{Op: "set_notification_ref", Err: errors.New("down")}
	d, _ := newTestDispatcher(t, m, s)
	e, st, cfg := testFixtures()

	ref, err := d.Emit(context.Background(), e, st, cfg)
	require.Error(t, err)
	var pe *db.PersistenceError
	assert.ErrorAs(t, err, &pe)
	assert.NotNil(t, ref)
	assert.Nil(t, e.Notification)
}

func TestUpdateEditsAndRecordsMetrics(t *testing.T) {
	m, s := &fakeMessenger{}, newFakeStore()
	d, clk := newTestDispatcher(t, m, s)
	e, st, _ := testFixtures()
	e.Notification = &db.NotificationRef{ChannelID: "c1", MessageID: "m1"}
	st.ViewerCount = 50

	require.NoError(t, d.Update(context.Background(), e, st))
	require.Len(t, m.edits, 1)
	assert.Equal(t, "Twitch • Last update", m.edits[0].Footer)
	assert.Equal(t, 50, s.metrics["g1/foo"].ViewerCount)
	assert.Equal(t, clk.Now(), e.Last.ObservedAt)
}

func TestUpdateMessageGoneClearsReference(t *testing.T) {
	m, s := &fakeMessenger{editErr: ErrNotFound}, newFakeStore()
	d, _ := newTestDispatcher(t, m, s)
	e, st, _ := testFixtures()
	e.Notification = &db.NotificationRef{ChannelID: "c1", MessageID: "m1"}
	s.refs["g1/foo"] = *e.Notification

	require.NoError(t, d.Update(context.Background(), e, st))
	assert.Nil(t, e.Notification)
	assert.Empty(t, s.refs)
	assert.Equal(t, []string{"g1/foo"}, s.cleared)
	assert.Empty(t, m.sent, "a vanished message must not be re-sent")
}

func TestUpdateOtherErrorKeepsReference(t *testing.T) {
	m, s := &fakeMessenger{editErr: errors.New("timeout")}, newFakeStore()
	d, _ := newTestDispatcher(t, m, s)
	e, st, _ := testFixtures()
	e.Notification = &db.NotificationRef{ChannelID: "c1", MessageID: "m1"}

	require.Error(t, d.Update(context.Background(), e, st))
	assert.NotNil(t, e.Notification)
	assert.Empty(t, s.cleared)
}

func TestUpdateChannelUnavailableRecordsDeliveryError(t *testing.T) {
	m, s := &fakeMessenger{editErr: &ChannelUnavailableError{ChannelID: "c1", Reason: "Missing Permissions"}}, newFakeStore()
	d, _ := newTestDispatcher(t, m, s)
	e, st, _ := testFixtures()
	e.Notification = &db.NotificationRef{ChannelID: "c1", MessageID: "m1"}

	err := d.Update(context.Background(), e, st)
	assert.True(t, IsChannelUnavailable(err))
	assert.NotEmpty(t, s.deliveryErrs["g1"])
	assert.NotNil(t, e.Notification)
	assert.Empty(t, s.cleared)
}

func TestUpdateWithoutReferenceIsNoop(t *testing.T) {
	m, s := &fakeMessenger{}, newFakeStore()
	d, _ := newTestDispatcher(t, m, s)
	e, st, _ := testFixtures()

	require.NoError(t, d.Update(context.Background(), e, st))
	assert.Empty(t, m.edits)
}

func TestClear(t *testing.T) {
	m, s := &fakeMessenger{}, newFakeStore()
	d, _ := newTestDispatcher(t, m, s)
	e, _, _ := testFixtures()
	e.Notification = &db.NotificationRef{ChannelID: "c1", MessageID: "m1"}
	e.Last = db.Metrics{Title: "x", ViewerCount: 3}

	require.NoError(t, d.Clear(context.Background(), e))
	assert.Nil(t, e.Notification)
	assert.Equal(t, db.Metrics{}, e.Last)
	assert.Equal(t, []string{"g1/foo"}, s.cleared)
}
