package notify

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/livewatch/db"
	"github.com/onnwee/livewatch/twitchapi"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		vars Vars
		want string
	}{
		{
			name: "all placeholders",
			tmpl: "@role {streamer} plays {game}: {title} {url}",
			vars: Vars{Streamer: "Foo", Game: "Chess", Title: "Blitz", URL: "https://twitch.tv/foo", MentionRoleID: "42"},
			want: "<@&42> Foo plays Chess: Blitz https://twitch.tv/foo",
		},
		{
			name: "mention removed without role",
			tmpl: "@role {streamer} is live",
			vars: Vars{Streamer: "Foo"},
			want: "Foo is live",
		},
		{
			name: "empty game and title fall back",
			tmpl: "{game} / {title}",
			vars: Vars{},
			want: "No game / Untitled",
		},
		{
			name: "repeated placeholders",
			tmpl: "{streamer}! {streamer}!",
			vars: Vars{Streamer: "Foo"},
			want: "Foo! Foo!",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.tmpl, tt.vars))
		})
	}
}

func TestRenderTruncatesTo2000(t *testing.T) {
	out := Render(strings.Repeat("é", 2500), Vars{})
	assert.Equal(t, 2000, len([]rune(out)))
}

func TestResolveTemplate(t *testing.T) {
	e := &db.TrackedEntity{CustomMessage: "entity"}
	cfg := &db.TenantConfig{CustomMessage: "tenant"}

	assert.Equal(t, "entity", ResolveTemplate(e, cfg))
	assert.Equal(t, "tenant", ResolveTemplate(&db.TrackedEntity{}, cfg))
	assert.Equal(t, DefaultTemplate, ResolveTemplate(&db.TrackedEntity{}, &db.TenantConfig{}))
	assert.Equal(t, DefaultTemplate, ResolveTemplate(&db.TrackedEntity{CustomMessage: "  "}, nil))
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "@Role Foo is live at https://twitch.tv/foo", Preview("@role {streamer} is live at {url}", "Foo", "foo", ""))
	assert.Equal(t, "<@&7> StreamerName is now live on Twitch!", Preview("@role "+DefaultTemplate, "", "", "7"))
}

func TestBuildMessage(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e := &db.TrackedEntity{TenantID: "g1", Handle: "foo", DisplayName: "Foo", AvatarURL: "https://img/foo.png"}
	s := &twitchapi.Stream{
		ID:           "s1",
		UserLogin:    "foo",
		UserName:     "FooLive",
		GameName:     strings.Repeat("g", 1100),
		Title:        strings.Repeat("t", 300),
		ViewerCount:  1234,
		ThumbnailURL: "https://static-cdn.jtvnw.net/previews-ttv/live_user_foo-{width}x{height}.jpg",
	}
	cfg := &db.TenantConfig{TenantID: "g1", NotificationChannelID: "c1", MentionRoleID: "99", CustomMessage: "@role {streamer} is live!"}

	msg := BuildMessage(e, s, cfg, now)
	assert.Equal(t, "<@&99> FooLive is live!", msg.Content)
	assert.Equal(t, []string{"99"}, msg.MentionRoleIDs)

	em := msg.Embed
	assert.Equal(t, 0x9146FF, em.Color)
	assert.Equal(t, "FooLive", em.AuthorName)
	assert.Equal(t, "https://img/foo.png", em.AuthorIcon)
	assert.Equal(t, "https://twitch.tv/foo", em.AuthorURL)
	assert.Equal(t, "https://twitch.tv/foo", em.URL)
	assert.Len(t, em.Title, 256)
	assert.True(t, strings.HasPrefix(em.Description, "Playing **ggg"))
	assert.Equal(t, "https://static-cdn.jtvnw.net/previews-ttv/live_user_foo-1280x720.jpg?t=1714564800000", em.ImageURL)
	require.Len(t, em.Fields, 2)
	assert.Equal(t, "👥 Viewers", em.Fields[0].Name)
	assert.Equal(t, "1234", em.Fields[0].Value)
	assert.Equal(t, "🎮 Game", em.Fields[1].Name)
	assert.Len(t, em.Fields[1].Value, 1024)
	assert.Equal(t, "Twitch", em.Footer)
	assert.Equal(t, now, em.Timestamp)
}

func TestBuildEmbedUpdateAndFallbacks(t *testing.T) {
	e := &db.TrackedEntity{Handle: "foo"}
	s := &twitchapi.Stream{}
	em := BuildEmbed(e, s, time.Now(), true)

	assert.Equal(t, "foo", em.AuthorName)
	assert.Equal(t, "Untitled", em.Title)
	assert.Equal(t, "Playing **No game**", em.Description)
	assert.Equal(t, "N/A", em.Fields[1].Value)
	assert.Equal(t, "0", em.Fields[0].Value)
	assert.Equal(t, "Twitch • Last update", em.Footer)
	assert.Empty(t, em.ImageURL)
}
