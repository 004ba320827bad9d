//go:build !nocgo
// +build !nocgo

package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// oto allows one context per process, fixed to the format it was opened with.
var (
	otoOnce   sync.Once
	otoCtx    *oto.Context
	otoFormat Format
	otoErr    error
)

func otoContext(format Format, buffer time.Duration) (*oto.Context, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   format.SampleRate,
			ChannelCount: format.Channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   buffer,
		})
		if err != nil {
			otoErr = fmt.Errorf("open audio device: %w", err)
			return
		}
		<-ready
		otoCtx = ctx
		otoFormat = format
	})
	if otoErr != nil {
		return nil, otoErr
	}
	if otoFormat != format {
		return nil, fmt.Errorf("audio device already opened at %d Hz x %d channels", otoFormat.SampleRate, otoFormat.Channels)
	}
	return otoCtx, nil
}

// SpeakerSink plays through the default output device. The device reads
// from an in-memory queue that is padded with silence while it is empty,
// so the player never hits EOF between chunks.
type SpeakerSink struct {
	format Format
	ctx    *oto.Context
	log    *slog.Logger

	mu       sync.Mutex
	player   *oto.Player
	gen      uint64 // bumped whenever player is replaced
	stream   streamLedger
	finished bool
	abort    chan struct{}
}

func NewSpeakerSink(format Format, buffer time.Duration, logger *slog.Logger) (*SpeakerSink, error) {
	ctx, err := otoContext(format, buffer)
	if err != nil {
		return nil, err
	}
	s := &SpeakerSink{
		format: format,
		ctx:    ctx,
		log:    logger.With(slog.String("component", "sink-speaker")),
		abort:  make(chan struct{}),
	}
	s.player = ctx.NewPlayer(&speakerReader{sink: s})
	s.player.Play()
	return s, nil
}

type speakerReader struct {
	sink *SpeakerSink
	gen  uint64
}

// Read feeds a replaced player nothing but silence.
func (r *speakerReader) Read(p []byte) (int, error) {
	s := r.sink
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.gen == s.gen {
		s.stream.fill(p)
	} else {
		clear(p)
	}
	return len(p), nil
}

func (s *SpeakerSink) Append(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player == nil {
		return errors.New("speaker sink closed")
	}
	if s.finished {
		s.rewindLocked()
	}
	s.stream.push(pcm)
	return nil
}

func (s *SpeakerSink) Finish() (<-chan struct{}, error) {
	s.mu.Lock()
	s.finished = true
	abort := s.abort
	s.mu.Unlock()

	ended := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			if s.drainedFor(abort) {
				close(ended)
				return
			}
			select {
			case <-abort:
				return
			case <-ticker.C:
			}
		}
	}()
	return ended, nil
}

// Reset swaps in a fresh player so audio already handed to the device is
// dropped along with the queue.
func (s *SpeakerSink) Reset() error {
	s.mu.Lock()
	old := s.player
	s.rewindLocked()
	s.stream.restart()
	s.gen++
	gen := s.gen
	s.mu.Unlock()
	if old == nil {
		return nil
	}
	old.Pause()
	err := old.Close()

	player := s.ctx.NewPlayer(&speakerReader{sink: s, gen: gen})
	player.Play()
	s.mu.Lock()
	s.player = player
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("close player: %w", err)
	}
	return nil
}

func (s *SpeakerSink) Pause() error {
	if p := s.current(); p != nil {
		p.Pause()
	}
	return nil
}

func (s *SpeakerSink) Resume() error {
	if p := s.current(); p != nil {
		p.Play()
	}
	return nil
}

func (s *SpeakerSink) Position() time.Duration {
	player, buffered := s.buffered()
	s.mu.Lock()
	defer s.mu.Unlock()
	if player == nil || player != s.player {
		return s.format.Duration(s.stream.read)
	}
	return s.format.Duration(s.stream.played(buffered))
}

func (s *SpeakerSink) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format.Duration(s.stream.queued)
}

// Close releases the player. The device context stays open for the process.
func (s *SpeakerSink) Close() error {
	s.mu.Lock()
	player := s.player
	s.player = nil
	s.rewindLocked()
	s.mu.Unlock()
	if player == nil {
		return nil
	}
	return player.Close()
}

func (s *SpeakerSink) current() *oto.Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.player
}

// buffered samples the device buffer without s.mu held, because the player
// calls Read under its own lock.
func (s *SpeakerSink) buffered() (*oto.Player, int64) {
	player := s.current()
	if player == nil {
		return nil, 0
	}
	return player, int64(player.BufferedSize())
}

// drainedFor reports whether the stream finished with abort has played out.
// A stream that was reset since never drains.
func (s *SpeakerSink) drainedFor(abort chan struct{}) bool {
	player, buffered := s.buffered()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abort != abort || player == nil || player != s.player {
		return false
	}
	return s.stream.drained(buffered)
}

func (s *SpeakerSink) rewindLocked() {
	close(s.abort)
	s.abort = make(chan struct{})
	s.stream.rewind()
	s.finished = false
}
