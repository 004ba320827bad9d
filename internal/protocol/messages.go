package protocol

import (
	"strings"
	"time"
)

// SpeakRequest asks the playback runtime to speak text, interrupting
// whatever is playing.
type SpeakRequest struct {
	RequestID string  `json:"request_id,omitempty"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice,omitempty"`
	Language  string  `json:"language,omitempty"`
	Style     string  `json:"style,omitempty"`
	Rate      float64 `json:"rate,omitempty"`
}

// SpeakReply carries the admitted session or the reason it was rejected.
type SpeakReply struct {
	RequestID string `json:"request_id"`
	SessionID uint64 `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Ack answers stop, pause and resume requests.
type Ack struct {
	OK bool `json:"ok"`
}

// PlaybackEvent mirrors a controller event on the bus.
type PlaybackEvent struct {
	SessionID uint64    `json:"session_id"`
	Kind      string    `json:"kind"`
	Bytes     int       `json:"bytes,omitempty"`
	Total     int64     `json:"total,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Text      string    `json:"text,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether e ends its session.
func (e PlaybackEvent) Terminal() bool {
	switch e.Kind {
	case "completed", "interrupted", "failed":
		return true
	}
	return false
}

const DefaultSubjectPrefix = "playback"

// Subjects names the control subjects under a prefix.
type Subjects struct {
	Prefix string
}

func NewSubjects(prefix string) Subjects {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return Subjects{Prefix: prefix}
}

func (s Subjects) Speak() string  { return s.Prefix + ".speak" }
func (s Subjects) Stop() string   { return s.Prefix + ".stop" }
func (s Subjects) Pause() string  { return s.Prefix + ".pause" }
func (s Subjects) Resume() string { return s.Prefix + ".resume" }

// Event returns the subject events of kind are published on.
func (s Subjects) Event(kind string) string { return s.Prefix + ".events." + kind }

// Events returns a wildcard matching every event subject.
func (s Subjects) Events() string { return s.Prefix + ".events.>" }
