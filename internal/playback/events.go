package playback

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type EventKind string

const (
	EventSessionStarted     EventKind = "started"
	EventChunkReceived      EventKind = "chunk"
	EventSessionPaused      EventKind = "paused"
	EventSessionResumed     EventKind = "resumed"
	EventSessionCompleted   EventKind = "completed"
	EventSessionInterrupted EventKind = "interrupted"
	EventSessionFailed      EventKind = "failed"
)

// Event is a state-change notification for one session.
type Event struct {
	Kind      EventKind
	SessionID SessionID
	Bytes     int   // chunk size, ChunkReceived only
	Total     int64 // bytes forwarded so far
	Reason    string
	Text      string  // SessionStarted only
	Options   Options // SessionStarted only
	TraceID   string
	Time      time.Time
}

// Terminal reports whether e is the last event of its session.
func (e Event) Terminal() bool {
	switch e.Kind {
	case EventSessionCompleted, EventSessionInterrupted, EventSessionFailed:
		return true
	}
	return false
}

type Listener func(Event)

type SubscriptionID uint64

// EventBus fans events out to subscribers. Each subscriber owns an unbounded
// queue drained by its own goroutine, so delivery order per subscriber equals
// publish order and a slow listener never stalls the publisher.
type EventBus struct {
	mu     sync.Mutex
	next   SubscriptionID
	subs   map[SubscriptionID]*subscriber
	closed bool
	wg     sync.WaitGroup
	log    *slog.Logger
}

type subscriber struct {
	id       SubscriptionID
	listener Listener
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Event
	draining bool // deliver what is queued, then exit
	dropped  bool // exit without delivering
}

func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subs: make(map[SubscriptionID]*subscriber),
		log:  log.With(slog.String("component", "playback-events")),
	}
}

// Subscribe registers listener. It returns 0 when the bus is closed.
func (b *EventBus) Subscribe(listener Listener) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	b.next++
	sub := &subscriber{id: b.next, listener: listener}
	sub.cond = sync.NewCond(&sub.mu)
	b.subs[sub.id] = sub
	b.wg.Add(1)
	go b.deliver(sub)
	return sub.id
}

// Unsubscribe stops delivery to the subscription. Events still queued for it
// are discarded. Safe to call from inside the listener.
func (b *EventBus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if !ok {
		return
	}
	sub.mu.Lock()
	sub.dropped = true
	sub.queue = nil
	sub.cond.Signal()
	sub.mu.Unlock()
}

func (b *EventBus) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		sub.mu.Lock()
		sub.queue = append(sub.queue, evt)
		sub.cond.Signal()
		sub.mu.Unlock()
	}
}

// Close delivers everything already published and then stops all
// subscribers. Must not be called from a listener.
func (b *EventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[SubscriptionID]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		sub.draining = true
		sub.cond.Signal()
		sub.mu.Unlock()
	}
	b.wg.Wait()
}

func (b *EventBus) deliver(sub *subscriber) {
	defer b.wg.Done()
	for {
		sub.mu.Lock()
		for len(sub.queue) == 0 && !sub.draining && !sub.dropped {
			sub.cond.Wait()
		}
		if sub.dropped || (sub.draining && len(sub.queue) == 0) {
			sub.mu.Unlock()
			return
		}
		batch := sub.queue
		sub.queue = nil
		sub.mu.Unlock()

		for _, evt := range batch {
			sub.mu.Lock()
			dropped := sub.dropped
			sub.mu.Unlock()
			if dropped {
				return
			}
			b.call(sub, evt)
		}
	}
}

func (b *EventBus) call(sub *subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("event listener panicked",
				slog.Uint64("subscription", uint64(sub.id)),
				slog.String("event", string(evt.Kind)),
				slog.String("error", fmt.Sprint(r)))
		}
	}()
	sub.listener(evt)
}
