// Package audio provides playback sinks for signed 16-bit little-endian PCM.
package audio

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-playback/internal/config"
	"github.com/loqalabs/loqa-playback/internal/playback"
)

// Format describes interleaved signed 16-bit little-endian PCM.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) bytesPerSecond() int64 {
	return int64(f.SampleRate) * int64(f.Channels) * 2
}

// Duration returns how long n bytes take to play.
func (f Format) Duration(n int64) time.Duration {
	bps := f.bytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n * int64(time.Second) / bps)
}

// Bytes returns the byte count for d, rounded down to a whole frame.
func (f Format) Bytes(d time.Duration) int64 {
	n := f.bytesPerSecond() * int64(d) / int64(time.Second)
	frame := int64(f.Channels * 2)
	if frame > 0 {
		n -= n % frame
	}
	return n
}

func (f Format) validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return fmt.Errorf("invalid pcm format %d Hz x %d channels", f.SampleRate, f.Channels)
	}
	return nil
}

// New builds the sink selected by cfg.Mode.
func New(cfg config.SinkConfig, format Format, logger *slog.Logger) (playback.Sink, error) {
	if err := format.validate(); err != nil {
		return nil, err
	}
	buffer := time.Duration(cfg.BufferMS) * time.Millisecond
	switch cfg.Mode {
	case "", "null":
		return NewNullSink(format, true), nil
	case "exec":
		sink, err := NewExecSink(cfg.Command, format, logger)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case "speaker":
		sink, err := NewSpeakerSink(format, buffer, logger)
		if err != nil {
			return nil, err
		}
		return sink, nil
	default:
		return nil, fmt.Errorf("unknown sink mode %q", cfg.Mode)
	}
}
