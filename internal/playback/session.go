// Package playback owns the lifecycle of an utterance becoming audible.
//
// A Controller admits at most one active session at a time. Every state
// change happens on the controller's event loop; synthesis backends and the
// audio sink run on their own goroutines and report back into that loop,
// tagged with the session they belong to. Anything tagged for a session that
// is no longer active is dropped.
package playback

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// SessionID identifies one Speak call. IDs increase in submission order.
type SessionID uint64

func (id SessionID) String() string { return strconv.FormatUint(uint64(id), 10) }

type Status int

const (
	StatusPending Status = iota
	StatusSynthesizing
	StatusPlaying
	StatusCompleted
	StatusInterrupted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSynthesizing:
		return "synthesizing"
	case StatusPlaying:
		return "playing"
	case StatusCompleted:
		return "completed"
	case StatusInterrupted:
		return "interrupted"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusInterrupted || s == StatusFailed
}

// Options selects how the text is spoken.
type Options struct {
	Voice    string  `json:"voice,omitempty"`
	Language string  `json:"language,omitempty"`
	Style    string  `json:"style,omitempty"`
	Rate     float64 `json:"rate,omitempty"`
}

func (o Options) withDefaults(d Options) Options {
	if o.Voice == "" {
		o.Voice = d.Voice
	}
	if o.Language == "" {
		o.Language = d.Language
	}
	if o.Style == "" {
		o.Style = d.Style
	}
	if o.Rate == 0 {
		o.Rate = d.Rate
	}
	return o
}

// Session is a point-in-time copy of a playback session.
type Session struct {
	ID            SessionID
	Text          string
	Options       Options
	Status        Status
	BytesReceived int64
	Reason        string
	Paused        bool
	CreatedAt     time.Time
	EndedAt       time.Time

	// Position and Duration are only filled for the active session when the
	// sink implements Clock.
	Position time.Duration
	Duration time.Duration
}

// session is the loop-owned mutable state behind a Session.
type session struct {
	id      SessionID
	text    string
	options Options
	status  Status
	bytes   int64
	reason  string
	paused  bool
	created time.Time
	ended   time.Time

	cancel      context.CancelFunc
	canceled    bool
	forwarded   bool
	backendDone bool
	span        trace.Span
	traceID     string
}

func (s *session) snapshot() Session {
	return Session{
		ID:            s.id,
		Text:          s.text,
		Options:       s.options,
		Status:        s.status,
		BytesReceived: s.bytes,
		Reason:        s.reason,
		Paused:        s.paused,
		CreatedAt:     s.created,
		EndedAt:       s.ended,
	}
}

// transition moves s to next unless s is already terminal.
func (s *session) transition(next Status) bool {
	if s.status.Terminal() || s.status == next {
		return false
	}
	s.status = next
	return true
}

// cancelBackend signals the backend once; later calls are no-ops.
func (s *session) cancelBackend() bool {
	if s.canceled {
		return false
	}
	s.canceled = true
	s.cancel()
	return true
}
