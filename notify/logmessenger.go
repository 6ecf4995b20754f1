package notify

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
)

// LogMessenger logs notifications instead of delivering them. It stands in for
// Discord when no bot token is configured.
type LogMessenger struct {
	next atomic.Int64
}

// Send implements Messenger.
func (m *LogMessenger) Send(_ context.Context, channelID string, msg Message) (string, error) {
	id := "log-" + strconv.FormatInt(m.next.Add(1), 10)
	slog.Info("notification not delivered (no discord token)",
		slog.String("channel", channelID), slog.String("message", id),
		slog.String("content", msg.Content), slog.String("title", msg.Embed.Title),
		slog.String("component", "notify"))
	return id, nil
}

// Edit implements Messenger.
func (m *LogMessenger) Edit(_ context.Context, channelID, messageID string, embed Embed) error {
	slog.Debug("notification edit not delivered (no discord token)",
		slog.String("channel", channelID), slog.String("message", messageID),
		slog.String("title", embed.Title), slog.String("component", "notify"))
	return nil
}
