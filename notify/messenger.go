// Package notify renders live notifications and manages their lifecycle on the
// chat side: send on go-live, edit while live, forget on go-offline.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound reports that the referenced message or channel no longer exists.
var ErrNotFound = errors.New("notify: message or channel not found")

// ChannelUnavailableError reports a destination that is not configured, cannot be
// resolved, or lacks the permissions to post embeds. It is surfaced to the tenant
// configuration and never retried by the monitor.
type ChannelUnavailableError struct {
	ChannelID string
	Reason    string
	Err       error
}

func (e *ChannelUnavailableError) Error() string {
	if e.ChannelID == "" {
		return "channel unavailable: " + e.Reason
	}
	return fmt.Sprintf("channel %s unavailable: %s", e.ChannelID, e.Reason)
}

func (e *ChannelUnavailableError) Unwrap() error { return e.Err }

// IsChannelUnavailable reports whether err is (or wraps) a ChannelUnavailableError.
func IsChannelUnavailable(err error) bool {
	var cu *ChannelUnavailableError
	return errors.As(err, &cu)
}

// EmbedField is one inline name/value pair of an embed.
type EmbedField struct {
	Name   string
	Value  string
	Inline bool
}

// Embed is the rich card attached to a notification.
type Embed struct {
	Color       int
	AuthorName  string
	AuthorIcon  string
	AuthorURL   string
	Title       string
	URL         string
	Description string
	ImageURL    string
	Fields      []EmbedField
	Footer      string
	Timestamp   time.Time
}

// Message is a complete outbound notification.
type Message struct {
	Content string
	Embed   Embed
	// MentionRoleIDs are the roles the content is allowed to ping.
	MentionRoleIDs []string
}

// Messenger is the outbound chat boundary. Send returns the new message id. Both
// calls return ErrNotFound when the channel or message vanished and a
// *ChannelUnavailableError when the bot may not post there.
type Messenger interface {
	Send(ctx context.Context, channelID string, msg Message) (string, error)
	Edit(ctx context.Context, channelID, messageID string, embed Embed) error
}
