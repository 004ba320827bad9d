package tts

import (
	"context"
	"errors"
	"fmt"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	SessionID string
	Text      string
	Voice     string
	Language  string
	Style     string
	Rate      float64
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	SessionID  string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
//
// The chunk channel is closed when synthesis ends. The error channel then
// yields the terminal result: nothing (or nil) when synthesis completed,
// ctx.Err() when the request was canceled, any other error on failure.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Validator is implemented by synthesizers that can reject a request
// before any audio is produced.
type Validator interface {
	Validate(req SynthRequest) error
}

var (
	ErrUnsupportedVoice    = errors.New("unsupported voice")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrInvalidRate         = errors.New("speaking rate out of range")
)

const (
	minRate = 0.5
	maxRate = 2.0
)

// Catalog lists the voices and languages a backend accepts. An empty list
// accepts any value.
type Catalog struct {
	voices    map[string]struct{}
	languages map[string]struct{}
}

func NewCatalog(voices, languages []string) Catalog {
	return Catalog{voices: toSet(voices), languages: toSet(languages)}
}

func (c Catalog) Validate(req SynthRequest) error {
	if req.Voice != "" && len(c.voices) > 0 {
		if _, ok := c.voices[req.Voice]; !ok {
			return fmt.Errorf("%w: %q", ErrUnsupportedVoice, req.Voice)
		}
	}
	if req.Language != "" && len(c.languages) > 0 {
		if _, ok := c.languages[req.Language]; !ok {
			return fmt.Errorf("%w: %q", ErrUnsupportedLanguage, req.Language)
		}
	}
	if req.Rate != 0 && (req.Rate < minRate || req.Rate > maxRate) {
		return fmt.Errorf("%w: %.2f (want %.1f-%.1f)", ErrInvalidRate, req.Rate, minRate, maxRate)
	}
	return nil
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
