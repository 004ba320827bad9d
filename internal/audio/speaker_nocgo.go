//go:build nocgo
// +build nocgo

package audio

import (
	"errors"
	"log/slog"
	"time"
)

// SpeakerSink is unavailable in builds without cgo.
type SpeakerSink struct{ NullSink }

func NewSpeakerSink(Format, time.Duration, *slog.Logger) (*SpeakerSink, error) {
	return nil, errors.New("speaker sink requires a cgo build")
}

func (s *SpeakerSink) Close() error { return nil }
