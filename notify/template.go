package notify

import (
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/livewatch/db"
	"github.com/onnwee/livewatch/twitchapi"
)

const (
	// DefaultTemplate is used when neither the entity nor the tenant set one.
	DefaultTemplate = "{streamer} is now live on Twitch!"
	// MentionPlaceholder is replaced with the tenant's mention role.
	MentionPlaceholder = "@role"

	twitchPurple = 0x9146FF

	maxContentLen = 2000
	maxTitleLen   = 256
	maxFieldLen   = 1024

	thumbnailWidth  = "1280"
	thumbnailHeight = "720"
)

// ChannelURL is the public Twitch URL of handle.
func ChannelURL(handle string) string { return "https://twitch.tv/" + handle }

// ResolveTemplate picks the entity override, else the tenant default, else DefaultTemplate.
func ResolveTemplate(e *db.TrackedEntity, cfg *db.TenantConfig) string {
	if e != nil && strings.TrimSpace(e.CustomMessage) != "" {
		return e.CustomMessage
	}
	if cfg != nil && strings.TrimSpace(cfg.CustomMessage) != "" {
		return cfg.CustomMessage
	}
	return DefaultTemplate
}

// Vars are the values substituted into a template.
type Vars struct {
	Streamer string
	Game     string
	Title    string
	URL      string
	// MentionRoleID replaces @role; empty removes the placeholder.
	MentionRoleID string
}

// Render substitutes {streamer}, {game}, {title}, {url} and @role, trims the result
// and truncates it to the 2000 character message limit.
func Render(tmpl string, v Vars) string {
	game := v.Game
	if game == "" {
		game = "No game"
	}
	title := v.Title
	if title == "" {
		title = "Untitled"
	}
	mention := ""
	if v.MentionRoleID != "" {
		mention = "<@&" + v.MentionRoleID + ">"
	}
	out := strings.NewReplacer(
		"{streamer}", v.Streamer,
		"{game}", game,
		"{title}", title,
		"{url}", v.URL,
		MentionPlaceholder, mention,
	).Replace(tmpl)
	return truncate(strings.TrimSpace(out), maxContentLen)
}

// Preview renders tmpl with placeholder values, the way a configuration command
// shows what a template will look like.
func Preview(tmpl, streamer, handle, mentionRoleID string) string {
	if tmpl == "" {
		tmpl = DefaultTemplate
	}
	if mentionRoleID == "" && strings.Contains(tmpl, MentionPlaceholder) {
		tmpl = strings.ReplaceAll(tmpl, MentionPlaceholder, "@Role")
	}
	if streamer == "" {
		streamer = "StreamerName"
	}
	url := "https://twitch.tv/streamer"
	if handle != "" {
		url = ChannelURL(handle)
	}
	return Render(tmpl, Vars{Streamer: streamer, Game: "Game Name", Title: "Stream Title", URL: url, MentionRoleID: mentionRoleID})
}

// BuildMessage renders the full notification for a live stream.
func BuildMessage(e *db.TrackedEntity, s *twitchapi.Stream, cfg *db.TenantConfig, now time.Time) Message {
	var roleID string
	if cfg != nil {
		roleID = cfg.MentionRoleID
	}
	content := Render(ResolveTemplate(e, cfg), Vars{
		Streamer:      streamerName(e, s),
		Game:          s.GameName,
		Title:         s.Title,
		URL:           ChannelURL(e.Handle),
		MentionRoleID: roleID,
	})
	msg := Message{Content: content, Embed: BuildEmbed(e, s, now, false)}
	if roleID != "" {
		msg.MentionRoleIDs = []string{roleID}
	}
	return msg
}

// BuildEmbed renders the rich card. Edits mark the footer as a later update.
func BuildEmbed(e *db.TrackedEntity, s *twitchapi.Stream, now time.Time, isUpdate bool) Embed {
	url := ChannelURL(e.Handle)
	title := s.Title
	if title == "" {
		title = "Untitled"
	}
	game := s.GameName
	description := "Playing **No game**"
	if game != "" {
		description = "Playing **" + game + "**"
	}
	fieldGame := game
	if fieldGame == "" {
		fieldGame = "N/A"
	}
	footer := "Twitch"
	if isUpdate {
		footer = "Twitch • Last update"
	}
	return Embed{
		Color:       twitchPurple,
		AuthorName:  streamerName(e, s),
		AuthorIcon:  e.AvatarURL,
		AuthorURL:   url,
		Title:       truncate(title, maxTitleLen),
		URL:         url,
		Description: description,
		ImageURL:    ThumbnailURL(s.ThumbnailURL, now),
		Fields: []EmbedField{
			{Name: "👥 Viewers", Value: strconv.Itoa(s.ViewerCount), Inline: true},
			{Name: "🎮 Game", Value: truncate(fieldGame, maxFieldLen), Inline: true},
		},
		Footer:    footer,
		Timestamp: now,
	}
}

// ThumbnailURL fills the {width}x{height} template and appends a cache-busting
// timestamp so chat clients fetch a fresh preview on every edit.
func ThumbnailURL(tmpl string, now time.Time) string {
	if tmpl == "" {
		return ""
	}
	u := strings.NewReplacer("{width}", thumbnailWidth, "{height}", thumbnailHeight).Replace(tmpl)
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + "t=" + strconv.FormatInt(now.UnixMilli(), 10)
}

func streamerName(e *db.TrackedEntity, s *twitchapi.Stream) string {
	if s != nil && s.UserName != "" {
		return s.UserName
	}
	return e.Name()
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
