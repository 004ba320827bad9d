package tts

import (
	"context"
	"time"
)

type mockSynth struct {
	sampleRate int
	channels   int
	chunks     int
	chunkBytes int
	interval   time.Duration
	catalog    Catalog
}

// NewMockSynth streams chunks of silence at a steady interval. It never
// fails on its own, which makes it the default backend for local runs.
func NewMockSynth(sampleRate, channels, chunks int, chunkDuration time.Duration, catalog Catalog) Synthesizer {
	if chunks <= 0 {
		chunks = 1
	}
	bytesPerSecond := sampleRate * channels * 2
	chunkBytes := int(int64(bytesPerSecond) * int64(chunkDuration) / int64(time.Second))
	chunkBytes -= chunkBytes % 2
	return &mockSynth{
		sampleRate: sampleRate,
		channels:   channels,
		chunks:     chunks,
		chunkBytes: chunkBytes,
		interval:   chunkDuration / 4,
		catalog:    catalog,
	}
}

func (m *mockSynth) Validate(req SynthRequest) error {
	return m.catalog.Validate(req)
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for i := 0; i < m.chunks; i++ {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case <-time.After(m.interval):
			}
			chunk := SynthChunk{
				SessionID:  req.SessionID,
				Sequence:   i,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        make([]byte, m.chunkBytes),
				Final:      i == m.chunks-1,
			}
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case chunks <- chunk:
			}
		}
	}()
	return chunks, errs
}
