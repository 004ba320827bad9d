package eventstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-playback/internal/config"
	"github.com/loqalabs/loqa-playback/internal/playback"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "events.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.StartSession(ctx, Session{ID: 1}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if _, err := es.GetSession(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionTimeline(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()
	created := time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC)

	if err := es.StartSession(ctx, Session{ID: 7, Text: "hello", Voice: "en-US-JennyNeural", Language: "en-US", CreatedAt: created}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	for _, evt := range []Event{
		{SessionID: 7, Kind: "started", CreatedAt: created},
		{SessionID: 7, Kind: "chunk", Bytes: 10, Total: 10},
		{SessionID: 7, Kind: "completed", Total: 10},
	} {
		if err := es.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	if err := es.EndSession(ctx, 7, "completed", "", 10, created.Add(time.Second)); err != nil {
		t.Fatalf("end session: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, 7, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Kind != "started" || events[2].Kind != "completed" {
		t.Fatalf("unexpected order: %+v", events)
	}
	if !events[0].CreatedAt.Equal(created) {
		t.Fatalf("timestamp round trip lost precision: %v", events[0].CreatedAt)
	}
	if events[1].Bytes != 10 {
		t.Fatalf("unexpected chunk bytes %d", events[1].Bytes)
	}

	sess, err := es.GetSession(ctx, 7)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != "completed" || sess.Bytes != 10 || sess.Text != "hello" {
		t.Fatalf("unexpected session %+v", sess)
	}
	if !sess.EndedAt.Equal(created.Add(time.Second)) {
		t.Fatalf("unexpected ended_at %v", sess.EndedAt)
	}
}

func TestEndUnknownSession(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent"})
	err := es.EndSession(context.Background(), 42, "failed", "boom", 0, time.Time{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.StartSession(ctx, Session{ID: 1}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: 1, Kind: "started"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.StartSession(ctx, Session{ID: 2}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, 1, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	if _, err := es.GetSession(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old session gone, got %v", err)
	}
	if _, err := es.GetSession(ctx, 2); err != nil {
		t.Fatalf("expected new session kept: %v", err)
	}
}

func TestSessionRetentionDropsPreviousRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	first, err := Open(ctx, config.EventStoreConfig{Path: path, RetentionMode: "session"}, newLogger())
	if err != nil {
		t.Fatalf("open first: %v", err)
	}
	if err := first.StartSession(ctx, Session{ID: 1, Text: "from the first run"}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	firstRun := first.RunID()
	_ = first.Close()

	second := openStore(t, config.EventStoreConfig{Path: path, RetentionMode: "session"})
	if second.RunID() == firstRun {
		t.Fatal("expected a new run id")
	}
	var count int
	if err := second.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&count); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected previous run pruned, found %d sessions", count)
	}
	// Ids restart per run without colliding.
	if err := second.StartSession(ctx, Session{ID: 1, Text: "from the second run"}); err != nil {
		t.Fatalf("start session: %v", err)
	}
}

func TestRecorder(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	bus := playback.NewEventBus(newLogger())
	rec := NewRecorder(es, bus, false, newLogger())

	now := time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)
	bus.Publish(playback.Event{Kind: playback.EventSessionStarted, SessionID: 3, Text: "record me",
		Options: playback.Options{Voice: "en-IN-AnanyaNeural", Language: "en-IN"}, Time: now})
	bus.Publish(playback.Event{Kind: playback.EventChunkReceived, SessionID: 3, Bytes: 4, Total: 4, Time: now})
	bus.Publish(playback.Event{Kind: playback.EventSessionInterrupted, SessionID: 3, Total: 4, Reason: "stopped", Time: now.Add(time.Second)})
	bus.Close()
	rec.Close()

	ctx := context.Background()
	events, err := es.ListSessionEvents(ctx, 3, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].Kind != "started" || events[1].Kind != "interrupted" {
		t.Fatalf("unexpected events %+v", events)
	}
	sess, err := es.GetSession(ctx, 3)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != "interrupted" || sess.Reason != "stopped" || sess.Bytes != 4 || sess.Voice != "en-IN-AnanyaNeural" {
		t.Fatalf("unexpected session %+v", sess)
	}
}
