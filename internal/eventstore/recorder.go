package eventstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-playback/internal/playback"
)

const writeTimeout = 2 * time.Second

// Recorder writes controller events into a Store.
type Recorder struct {
	store  *Store
	events *playback.EventBus
	log    *slog.Logger
	subID  playback.SubscriptionID
	chunks bool
}

// NewRecorder subscribes to events. Chunk events are only stored when
// withChunks is set; their byte counts always reach the session summary.
func NewRecorder(store *Store, events *playback.EventBus, withChunks bool, log *slog.Logger) *Recorder {
	r := &Recorder{
		store:  store,
		events: events,
		log:    log.With(slog.String("component", "event-recorder")),
		chunks: withChunks,
	}
	r.subID = events.Subscribe(r.record)
	return r
}

func (r *Recorder) Close() {
	if r.subID != 0 {
		r.events.Unsubscribe(r.subID)
		r.subID = 0
	}
}

func (r *Recorder) record(evt playback.Event) {
	if evt.Kind == playback.EventChunkReceived && !r.chunks {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	id := uint64(evt.SessionID)
	if evt.Kind == playback.EventSessionStarted {
		err := r.store.StartSession(ctx, Session{
			ID:        id,
			Text:      evt.Text,
			Voice:     evt.Options.Voice,
			Language:  evt.Options.Language,
			TraceID:   evt.TraceID,
			CreatedAt: evt.Time,
		})
		if err != nil {
			r.log.Warn("failed to record session", slog.Uint64("session", id), slog.String("error", err.Error()))
			return
		}
	}
	if err := r.store.AppendEvent(ctx, Event{
		SessionID: id,
		Kind:      string(evt.Kind),
		Bytes:     evt.Bytes,
		Total:     evt.Total,
		Reason:    evt.Reason,
		TraceID:   evt.TraceID,
		CreatedAt: evt.Time,
	}); err != nil {
		r.log.Warn("failed to record event",
			slog.Uint64("session", id),
			slog.String("kind", string(evt.Kind)),
			slog.String("error", err.Error()))
		return
	}
	if evt.Terminal() {
		status := terminalStatus(evt.Kind)
		if err := r.store.EndSession(ctx, id, status, evt.Reason, evt.Total, evt.Time); err != nil {
			r.log.Warn("failed to close session record", slog.Uint64("session", id), slog.String("error", err.Error()))
		}
	}
}

func terminalStatus(kind playback.EventKind) string {
	switch kind {
	case playback.EventSessionCompleted:
		return playback.StatusCompleted.String()
	case playback.EventSessionInterrupted:
		return playback.StatusInterrupted.String()
	default:
		return playback.StatusFailed.String()
	}
}
