package testutil

import (
	"context"
	"strconv"
	"sync"

	"github.com/onnwee/livewatch/notify"
)

// SentMessage is one message captured by FakeMessenger.
type SentMessage struct {
	ChannelID string
	ID        string
	Message   notify.Message
}

// EditedMessage is one edit captured by FakeMessenger.
type EditedMessage struct {
	ChannelID string
	MessageID string
	Embed     notify.Embed
}

// FakeMessenger records sends and edits in memory. SendErr and EditErr, when set,
// are returned instead of recording. Deleted message ids report notify.ErrNotFound
// on edit.
type FakeMessenger struct {
	mu       sync.Mutex
	sent     []SentMessage
	edits    []EditedMessage
	deleted  map[string]bool
	next     int
	attempts int
	editTry  int

	SendErr error
	EditErr error
}

// NewFakeMessenger returns an empty recorder.
func NewFakeMessenger() *FakeMessenger {
	return &FakeMessenger{deleted: map[string]bool{}}
}

// Send implements notify.Messenger.
func (f *FakeMessenger) Send(_ context.Context, channelID string, msg notify.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.SendErr != nil {
		return "", f.SendErr
	}
	f.next++
	id := "msg-" + strconv.Itoa(f.next)
	f.sent = append(f.sent, SentMessage{ChannelID: channelID, ID: id, Message: msg})
	return id, nil
}

// Edit implements notify.Messenger.
func (f *FakeMessenger) Edit(_ context.Context, channelID, messageID string, embed notify.Embed) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.editTry++
	if f.EditErr != nil {
		return f.EditErr
	}
	if f.deleted[messageID] {
		return notify.ErrNotFound
	}
	f.edits = append(f.edits, EditedMessage{ChannelID: channelID, MessageID: messageID, Embed: embed})
	return nil
}

// Delete simulates a moderator removing a message.
func (f *FakeMessenger) Delete(messageID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleted == nil {
		f.deleted = map[string]bool{}
	}
	f.deleted[messageID] = true
}

// Sent returns a copy of the captured sends.
func (f *FakeMessenger) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentMessage(nil), f.sent...)
}

// Edits returns a copy of the captured edits.
func (f *FakeMessenger) Edits() []EditedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]EditedMessage(nil), f.edits...)
}

// SendAttempts counts Send calls, failed ones included.
func (f *FakeMessenger) SendAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// EditAttempts counts Edit calls, failed ones included.
func (f *FakeMessenger) EditAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.editTry
}
