package audio

import (
	"sync"
	"time"
)

const pollInterval = 10 * time.Millisecond

// NullSink discards audio. When paced it pretends to play in real time, so
// streams end after their audible duration and can be paused or cut short.
type NullSink struct {
	format Format
	paced  bool
	now    func() time.Time

	mu       sync.Mutex
	bytes    int64
	started  time.Time
	pausedAt time.Time
	held     time.Duration
	finished bool
	abort    chan struct{}
}

func NewNullSink(format Format, paced bool) *NullSink {
	return &NullSink{format: format, paced: paced, now: time.Now, abort: make(chan struct{})}
}

func (s *NullSink) Append(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		s.rewindLocked()
	}
	if s.started.IsZero() {
		s.started = s.now()
	}
	s.bytes += int64(len(pcm))
	return nil
}

func (s *NullSink) Finish() (<-chan struct{}, error) {
	s.mu.Lock()
	s.finished = true
	abort := s.abort
	s.mu.Unlock()

	ended := make(chan struct{})
	if !s.paced {
		close(ended)
		return ended, nil
	}
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

func (s *NullSink) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewindLocked()
	return nil
}

func (s *NullSink) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pausedAt.IsZero() {
		s.pausedAt = s.now()
	}
	return nil
}

func (s *NullSink) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pausedAt.IsZero() {
		s.held += s.now().Sub(s.pausedAt)
		s.pausedAt = time.Time{}
	}
	return nil
}

func (s *NullSink) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked()
}

func (s *NullSink) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format.Duration(s.bytes)
}

// drainedFor reports whether the stream finished with abort has played
// out. A stream that was reset since never drains.
func (s *NullSink) drainedFor(abort chan struct{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abort != abort {
		return false
	}
	return s.pausedAt.IsZero() && s.positionLocked() >= s.format.Duration(s.bytes)
}

func (s *NullSink) positionLocked() time.Duration {
	if s.started.IsZero() {
		return 0
	}
	if !s.paced {
		return s.format.Duration(s.bytes)
	}
	at := s.now()
	if !s.pausedAt.IsZero() {
		at = s.pausedAt
	}
	pos := at.Sub(s.started) - s.held
	if total := s.format.Duration(s.bytes); pos > total {
		pos = total
	}
	if pos < 0 {
		pos = 0
	}
	return pos
}

func (s *NullSink) rewindLocked() {
	close(s.abort)
	s.abort = make(chan struct{})
	s.bytes = 0
	s.started = time.Time{}
	s.pausedAt = time.Time{}
	s.held = 0
	s.finished = false
}
