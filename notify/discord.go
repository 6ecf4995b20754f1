package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/cenkalti/backoff/v4"
)

const (
	defaultDiscordTimeout  = 10 * time.Second
	defaultDiscordAttempts = 3
	defaultDiscordInterval = 500 * time.Millisecond

	// RequiredPermissions are needed to post live notifications.
	RequiredPermissions = discordgo.PermissionViewChannel | discordgo.PermissionSendMessages | discordgo.PermissionEmbedLinks
)

// DiscordMessenger posts notifications through a discordgo session. Each call gets
// a bounded timeout and a bounded number of attempts for transient failures;
// discordgo itself waits out rate limits.
type DiscordMessenger struct {
	Session *discordgo.Session

	Timeout       time.Duration
	MaxAttempts   int
	RetryInterval time.Duration
}

// NewDiscordSession creates a bot session that only subscribes to guild events.
func NewDiscordSession(token string) (*discordgo.Session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds
	return s, nil
}

// OnGuildJoined calls fn for every guild the bot is in, on connect and when added.
func OnGuildJoined(s *discordgo.Session, fn func(guildID string)) func() {
	return s.AddHandler(func(_ *discordgo.Session, ev *discordgo.GuildCreate) {
		if ev.Guild == nil {
			return
		}
		fn(ev.ID)
	})
}

// OnGuildRemoved calls fn when the bot is removed from a guild. Guild outages
// (Unavailable) are ignored.
func OnGuildRemoved(s *discordgo.Session, fn func(guildID string)) func() {
	return s.AddHandler(func(_ *discordgo.Session, ev *discordgo.GuildDelete) {
		if ev.Guild == nil || ev.Unavailable {
			return
		}
		fn(ev.ID)
	})
}

// Send implements Messenger.
func (m *DiscordMessenger) Send(ctx context.Context, channelID string, msg Message) (string, error) {
	data := &discordgo.MessageSend{
		Content: msg.Content,
		Embeds:  []*discordgo.MessageEmbed{toDiscordEmbed(msg.Embed)},
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Roles: msg.MentionRoleIDs,
		},
	}
	var id string
	err := m.retry(ctx, func(actx context.Context) error {
		sent, err := m.Session.ChannelMessageSendComplex(channelID, data, discordgo.WithContext(actx))
		if err != nil {
			return err
		}
		id = sent.ID
		return nil
	}, channelID)
	return id, err
}

// Edit implements Messenger. Only the embed is replaced; the content keeps its
// original mention.
func (m *DiscordMessenger) Edit(ctx context.Context, channelID, messageID string, embed Embed) error {
	embeds := []*discordgo.MessageEmbed{toDiscordEmbed(embed)}
	edit := &discordgo.MessageEdit{ID: messageID, Channel: channelID, Embeds: &embeds}
	return m.retry(ctx, func(actx context.Context) error {
		_, err := m.Session.ChannelMessageEditComplex(edit, discordgo.WithContext(actx))
		return err
	}, channelID)
}

// CheckChannel verifies the bot can post embeds to channelID.
func (m *DiscordMessenger) CheckChannel(ctx context.Context, channelID string) error {
	if m.Session.State == nil || m.Session.State.User == nil {
		return errors.New("discord session not ready")
	}
	perms, err := m.Session.UserChannelPermissions(m.Session.State.User.ID, channelID, discordgo.WithContext(ctx))
	if err != nil {
		return classifyDiscordError(channelID, err)
	}
	if perms&RequiredPermissions != RequiredPermissions {
		return &ChannelUnavailableError{ChannelID: channelID, Reason: "missing View Channel, Send Messages or Embed Links permission"}
	}
	return nil
}

func (m *DiscordMessenger) retry(ctx context.Context, call func(context.Context) error, channelID string) error {
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = defaultDiscordTimeout
	}
	attempts := m.MaxAttempts
	if attempts <= 0 {
		attempts = defaultDiscordAttempts
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = defaultDiscordInterval
	if m.RetryInterval > 0 {
		eb.InitialInterval = m.RetryInterval
	}
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	op := func() error {
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := call(actx)
		if err == nil {
			return nil
		}
		cerr := classifyDiscordError(channelID, err)
		if retryableDiscord(ctx, err) {
			slog.Debug("discord request failed; retrying", slog.String("channel", channelID), slog.Any("err", err), slog.String("component", "notify"))
			return cerr
		}
		return backoff.Permanent(cerr)
	}
	return backoff.Retry(op, b)
}

// classifyDiscordError maps REST failures onto ErrNotFound and ChannelUnavailableError.
func classifyDiscordError(channelID string, err error) error {
	var rerr *discordgo.RESTError
	if !errors.As(err, &rerr) {
		return err
	}
	if rerr.Message != nil {
		switch rerr.Message.Code {
		case discordgo.ErrCodeUnknownChannel, discordgo.ErrCodeUnknownMessage:
			return fmt.Errorf("%w: %s", ErrNotFound, rerr.Message.Message)
		case discordgo.ErrCodeMissingAccess, discordgo.ErrCodeMissingPermissions:
			return &ChannelUnavailableError{ChannelID: channelID, Reason: rerr.Message.Message, Err: err}
		}
	}
	if rerr.Response != nil {
		switch rerr.Response.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case http.StatusForbidden:
			return &ChannelUnavailableError{ChannelID: channelID, Reason: "forbidden", Err: err}
		}
	}
	return err
}

func retryableDiscord(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var rerr *discordgo.RESTError
	if errors.As(err, &rerr) {
		if rerr.Response == nil {
			return true
		}
		code := rerr.Response.StatusCode
		return code == http.StatusTooManyRequests || code >= 500
	}
	// Transport failures and per-attempt timeouts.
	return true
}

func toDiscordEmbed(e Embed) *discordgo.MessageEmbed {
	out := &discordgo.MessageEmbed{
		Type:        discordgo.EmbedTypeRich,
		Title:       e.Title,
		URL:         e.URL,
		Description: e.Description,
		Color:       e.Color,
	}
	if e.AuthorName != "" {
		out.Author = &discordgo.MessageEmbedAuthor{Name: e.AuthorName, IconURL: e.AuthorIcon, URL: e.AuthorURL}
	}
	if e.ImageURL != "" {
		out.Image = &discordgo.MessageEmbedImage{URL: e.ImageURL}
	}
	for _, f := range e.Fields {
		out.Fields = append(out.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	if e.Footer != "" {
		out.Footer = &discordgo.MessageEmbedFooter{Text: e.Footer}
	}
	if !e.Timestamp.IsZero() {
		out.Timestamp = e.Timestamp.UTC().Format(time.RFC3339)
	}
	return out
}
