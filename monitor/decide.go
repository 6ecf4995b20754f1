// Package monitor runs the live-status poll loop: it fetches tracked channels,
// asks Twitch which of them are live, and drives each channel's notification
// through send, edit and clear.
package monitor

import (
	"math"
	"strings"
	"time"

	"github.com/onnwee/livewatch/config"
	"github.com/onnwee/livewatch/db"
	"github.com/onnwee/livewatch/twitchapi"
)

// State is the presence state of a tracked entity, derived from its stored row.
type State int

const (
	Offline State = iota
	// LiveSuppressed is live with no outstanding notification (filtered out,
	// undeliverable, or its message was removed).
	LiveSuppressed
	// LiveNotified is live with an outstanding notification.
	LiveNotified
)

func (s State) String() string {
	switch s {
	case Offline:
		return "offline"
	case LiveSuppressed:
		return "live_suppressed"
	case LiveNotified:
		return "live_notified"
	default:
		return "unknown"
	}
}

// StateOf derives the state of e.
func StateOf(e *db.TrackedEntity) State {
	switch {
	case !e.IsLive:
		return Offline
	case e.Notification != nil:
		return LiveNotified
	default:
		return LiveSuppressed
	}
}

// Action is what the reconciler does for one entity in one cycle.
type Action int

const (
	ActionNone Action = iota
	// ActionStart records a new session and emits when the filter passes.
	ActionStart
	// ActionResume emits for a live session that was suppressed until now.
	ActionResume
	// ActionUpdate edits the outstanding notification.
	ActionUpdate
	// ActionEnd clears any notification and marks the entity offline.
	ActionEnd
	// ActionRepair drops a reference left on an offline row.
	ActionRepair
)

func (a Action) String() string {
	return [...]string{"none", "start", "resume", "update", "end", "repair"}[a]
}

// Decision is the outcome of Decide.
type Decision struct {
	From   State
	Action Action
	// Emit is set with ActionStart when the title passes the filter.
	Emit bool
	// NewSession is set when a live entity reports a different session id
	// without an offline observation in between.
	NewSession bool
	// Frozen is set when a notified entity's title no longer passes the filter.
	Frozen bool
}

// Policy holds the tunables of the state machine.
type Policy struct {
	// Keyword must appear in the title (case-insensitive) for a notification;
	// empty accepts every title.
	Keyword string
	// UpdateInterval is the minimum time between edits of one notification.
	UpdateInterval time.Duration
	// ViewerDelta is the relative viewer change that warrants an edit.
	ViewerDelta float64
	// EditPolicy is config.EditChanged or config.EditAlways.
	EditPolicy string
}

// DefaultPolicy matches the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{UpdateInterval: 10 * time.Minute, ViewerDelta: 0.20, EditPolicy: config.EditChanged}
}

// PolicyFromConfig builds a Policy from cfg.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		Keyword:        cfg.TitleKeyword,
		UpdateInterval: cfg.UpdateInterval,
		ViewerDelta:    cfg.ViewerDeltaThreshold,
		EditPolicy:     cfg.EditPolicy,
	}
}

// FilterPasses reports whether title qualifies for a notification.
func (p Policy) FilterPasses(title string) bool {
	kw := strings.TrimSpace(p.Keyword)
	if kw == "" {
		return true
	}
	return strings.Contains(strings.ToLower(title), strings.ToLower(kw))
}

// Changed reports whether s differs enough from the last rendered metrics to
// warrant an edit.
func (p Policy) Changed(last db.Metrics, s *twitchapi.Stream) bool {
	if s.Title != last.Title || s.GameName != last.Category {
		return true
	}
	return SignificantViewerChange(last.ViewerCount, s.ViewerCount, p.ViewerDelta)
}

// SignificantViewerChange reports a relative change of at least threshold. Any
// change from zero is significant.
func SignificantViewerChange(prev, cur int, threshold float64) bool {
	if prev == 0 {
		return cur != prev
	}
	delta := math.Abs(float64(cur-prev)) / float64(prev)
	return delta >= threshold
}

// Decide computes the transition for e given the current snapshot s (nil when
// the channel is offline).
func Decide(e *db.TrackedEntity, s *twitchapi.Stream, p Policy, now time.Time) Decision {
	d := Decision{From: StateOf(e)}
	if s == nil {
		switch {
		case e.IsLive:
			d.Action = ActionEnd
		case e.Notification != nil:
			d.Action = ActionRepair
		}
		return d
	}

	passes := p.FilterPasses(s.Title)
	switch d.From {
	case Offline:
		d.Action = ActionStart
		d.Emit = passes
		return d
	case LiveSuppressed:
		d.NewSession = s.ID != e.LastSessionID
		if passes {
			d.Action = ActionResume
		}
	case LiveNotified:
		d.NewSession = s.ID != e.LastSessionID
		if !passes {
			d.Frozen = true
			return d
		}
		if now.Sub(e.Last.ObservedAt) < p.UpdateInterval {
			return d
		}
		if p.EditPolicy == config.EditAlways || p.Changed(e.Last, s) {
			d.Action = ActionUpdate
		}
	}
	return d
}
