package audio

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-playback/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

var mono16k = Format{SampleRate: 16000, Channels: 1}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream to end")
	}
}

func assertOpen(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("stream ended early")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestFormat(t *testing.T) {
	f := Format{SampleRate: 24000, Channels: 1}
	if got := f.Duration(48000); got != time.Second {
		t.Fatalf("duration = %v, want 1s", got)
	}
	if got := f.Bytes(40 * time.Millisecond); got != 1920 {
		t.Fatalf("bytes = %d, want 1920", got)
	}
	stereo := Format{SampleRate: 44100, Channels: 2}
	if got := stereo.Bytes(time.Millisecond); got%4 != 0 {
		t.Fatalf("bytes %d not frame aligned", got)
	}
	if (Format{}).Duration(100) != 0 {
		t.Fatal("expected zero duration for empty format")
	}
}

func TestNullSinkUnpaced(t *testing.T) {
	s := NewNullSink(mono16k, false)
	if err := s.Append(make([]byte, 3200)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if s.Duration() != 100*time.Millisecond {
		t.Fatalf("duration = %v", s.Duration())
	}
	ended, err := s.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	waitClosed(t, ended)
	if err := s.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if s.Position() != 0 || s.Duration() != 0 {
		t.Fatalf("reset did not rewind: %v/%v", s.Position(), s.Duration())
	}
}

func TestNullSinkPacedPlaysInRealTime(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	s := NewNullSink(mono16k, true)
	s.now = clock.Now

	if err := s.Append(make([]byte, 6400)); err != nil { // 200ms
		t.Fatalf("append: %v", err)
	}
	ended, _ := s.Finish()
	clock.Advance(50 * time.Millisecond)
	if got := s.Position(); got != 50*time.Millisecond {
		t.Fatalf("position = %v, want 50ms", got)
	}
	assertOpen(t, ended)

	if err := s.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	clock.Advance(time.Second)
	if got := s.Position(); got != 50*time.Millisecond {
		t.Fatalf("paused position moved to %v", got)
	}
	assertOpen(t, ended)

	if err := s.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	clock.Advance(150 * time.Millisecond)
	waitClosed(t, ended)
	if got := s.Position(); got != 200*time.Millisecond {
		t.Fatalf("position = %v, want 200ms", got)
	}
}

func TestNullSinkResetAbandonsStream(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	s := NewNullSink(mono16k, true)
	s.now = clock.Now

	_ = s.Append(make([]byte, 3200))
	ended, _ := s.Finish()
	if err := s.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	clock.Advance(time.Second)
	assertOpen(t, ended)

	_ = s.Append(make([]byte, 320))
	if s.Duration() != 10*time.Millisecond {
		t.Fatalf("new stream duration = %v", s.Duration())
	}
}

func TestNullSinkResetWhileWaitingForDrain(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	s := NewNullSink(mono16k, true)
	s.now = clock.Now

	_ = s.Append(make([]byte, 3200)) // 100ms
	ended, _ := s.Finish()
	clock.Advance(40 * time.Millisecond)
	assertOpen(t, ended)

	if err := s.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	clock.Advance(time.Second)
	assertOpen(t, ended)
}

func TestNullSinkAppendAfterFinishStartsNewStream(t *testing.T) {
	s := NewNullSink(mono16k, false)
	_ = s.Append(make([]byte, 3200))
	ended, _ := s.Finish()
	waitClosed(t, ended)
	_ = s.Append(make([]byte, 320))
	if s.Duration() != 10*time.Millisecond {
		t.Fatalf("duration = %v, want 10ms", s.Duration())
	}
}

func TestExecSinkPipesAudio(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.pcm")
	s, err := NewExecSink("sh -c 'cat > "+out+"'", mono16k, newLogger())
	if err != nil {
		t.Fatalf("new exec sink: %v", err)
	}
	for _, chunk := range []string{"hello ", "world"} {
		if err := s.Append([]byte(chunk)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	ended, err := s.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	waitClosed(t, ended)

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("player received %q", data)
	}
}

func TestExecSinkExpandsFormat(t *testing.T) {
	out := filepath.Join(t.TempDir(), "args.txt")
	s, err := NewExecSink("sh -c 'cat >/dev/null; echo {rate} {channels} > "+out+"'", Format{SampleRate: 22050, Channels: 2}, newLogger())
	if err != nil {
		t.Fatalf("new exec sink: %v", err)
	}
	_ = s.Append([]byte{0, 0, 0, 0})
	ended, _ := s.Finish()
	waitClosed(t, ended)
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "22050 2\n" {
		t.Fatalf("unexpected args %q", data)
	}
}

func TestExecSinkResetKillsPlayer(t *testing.T) {
	s, err := NewExecSink("sh -c 'cat >/dev/null; sleep 30'", mono16k, newLogger())
	if err != nil {
		t.Fatalf("new exec sink: %v", err)
	}
	_ = s.Append([]byte("pcm"))
	ended, _ := s.Finish()
	assertOpen(t, ended)

	start := time.Now()
	if err := s.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("reset waited for the player to finish")
	}
	waitClosed(t, ended)

	// The sink is usable again after a reset.
	if err := s.Append([]byte("more")); err != nil {
		t.Fatalf("append after reset: %v", err)
	}
	_ = s.Reset()
}

func TestExecSinkFinishWithoutAudio(t *testing.T) {
	s, err := NewExecSink("cat", mono16k, newLogger())
	if err != nil {
		t.Fatalf("new exec sink: %v", err)
	}
	ended, err := s.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	waitClosed(t, ended)
}

func TestExecSinkRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecSink("  ", mono16k, newLogger()); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestNewSink(t *testing.T) {
	sink, err := New(config.SinkConfig{Mode: "null"}, mono16k, newLogger())
	if err != nil {
		t.Fatalf("null sink: %v", err)
	}
	if _, ok := sink.(*NullSink); !ok {
		t.Fatalf("unexpected sink type %T", sink)
	}
	if _, err := New(config.SinkConfig{Mode: "exec"}, mono16k, newLogger()); err == nil {
		t.Fatal("expected error for exec sink without command")
	}
	if _, err := New(config.SinkConfig{Mode: "tape"}, mono16k, newLogger()); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if _, err := New(config.SinkConfig{Mode: "null"}, Format{}, newLogger()); err == nil {
		t.Fatal("expected error for empty format")
	}
}
