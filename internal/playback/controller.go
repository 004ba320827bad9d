package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/loqalabs/loqa-playback/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config tunes a Controller.
type Config struct {
	HistorySize int     // terminal sessions kept for lookup
	QueueSize   int     // buffered controller messages
	Defaults    Options // applied to empty option fields
}

// Controller is the single authority for what is audible right now.
type Controller struct {
	cfg     Config
	backend tts.Synthesizer
	sink    *sinkWorker
	events  *EventBus
	log     *slog.Logger
	tracer  trace.Tracer
	metrics *controllerMetrics

	inbox     chan message
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	pumps     sync.WaitGroup
	closeOnce sync.Once

	// Owned by run.
	nextID  SessionID
	active  *session
	history *lru.Cache[SessionID, Session]
}

type message interface{}

type speakMsg struct {
	text    string
	options Options
	reply   chan SessionID
}

type stopMsg struct{ reply chan struct{} }

type pauseMsg struct {
	resume bool
	reply  chan struct{}
}

type queryMsg struct {
	id     SessionID
	active bool
	reply  chan querySnapshot
}

type querySnapshot struct {
	session Session
	ok      bool
}

type synthStartedMsg struct{ id SessionID }

type chunkMsg struct {
	id  SessionID
	pcm []byte
}

type synthDoneMsg struct {
	id  SessionID
	err error
}

type sinkEndedMsg struct{ id SessionID }

type sinkFailedMsg struct {
	id  SessionID
	err error
}

// NewController starts a controller that drives sink with audio from
// backend and publishes session events on events.
func NewController(parent context.Context, backend tts.Synthesizer, sink Sink, events *EventBus, cfg Config, log *slog.Logger) (*Controller, error) {
	if backend == nil || sink == nil || events == nil {
		return nil, errors.New("playback controller requires a backend, a sink and an event bus")
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 64
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	history, err := lru.New[SessionID, Session](cfg.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("create session history: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	c := &Controller{
		cfg:     cfg,
		backend: backend,
		events:  events,
		log:     log.With(slog.String("component", "playback-controller")),
		tracer:  otel.Tracer(instrumentationName),
		inbox:   make(chan message, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		history: history,
	}
	if c.metrics, err = newControllerMetrics(); err != nil {
		c.log.Warn("failed to initialize metrics", slogError(err))
	}
	c.sink = newSinkWorker(sink, func(msg message) { c.post(msg) }, c.log)

	go c.run()
	return c, nil
}

// Speak interrupts whatever is active and starts a new session for text.
// It returns as soon as the session is admitted; outcomes are published on
// the event bus.
func (c *Controller) Speak(ctx context.Context, text string, opts Options) (SessionID, error) {
	if strings.TrimSpace(text) == "" {
		return 0, ErrEmptyText
	}
	opts = opts.withDefaults(c.cfg.Defaults)
	if v, ok := c.backend.(tts.Validator); ok {
		if err := v.Validate(synthRequest(0, text, opts)); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
		}
	}

	reply := make(chan SessionID, 1)
	if err := c.send(ctx, speakMsg{text: text, options: opts, reply: reply}); err != nil {
		return 0, err
	}
	select {
	case id := <-reply:
		return id, nil
	case <-c.done:
		select {
		case id := <-reply:
			return id, nil
		default:
			return 0, ErrClosed
		}
	}
}

// Stop interrupts the active session. Without one it does nothing.
func (c *Controller) Stop() {
	reply := make(chan struct{}, 1)
	c.roundTrip(stopMsg{reply: reply}, reply)
}

// Pause holds playback of the active session if the sink supports it.
func (c *Controller) Pause() {
	reply := make(chan struct{}, 1)
	c.roundTrip(pauseMsg{reply: reply}, reply)
}

// Resume continues a paused session.
func (c *Controller) Resume() {
	reply := make(chan struct{}, 1)
	c.roundTrip(pauseMsg{resume: true, reply: reply}, reply)
}

// Session returns the active or a recently finished session by id.
func (c *Controller) Session(id SessionID) (Session, bool) {
	return c.query(queryMsg{id: id})
}

// Active returns the active session, including sink progress when available.
func (c *Controller) Active() (Session, bool) {
	return c.query(queryMsg{active: true})
}

// Close interrupts the active session and stops the controller.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
		c.pumps.Wait()
		c.sink.close()
	})
}

func (c *Controller) query(msg queryMsg) (Session, bool) {
	reply := make(chan querySnapshot, 1)
	msg.reply = reply
	if err := c.send(context.Background(), msg); err != nil {
		return Session{}, false
	}
	select {
	case snap := <-reply:
		return snap.session, snap.ok
	case <-c.done:
		return Session{}, false
	}
}

func (c *Controller) roundTrip(msg message, reply <-chan struct{}) {
	if err := c.send(context.Background(), msg); err != nil {
		return
	}
	select {
	case <-reply:
	case <-c.done:
	}
}

func (c *Controller) send(ctx context.Context, msg message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.inbox <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) post(msg message) bool {
	select {
	case c.inbox <- msg:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			c.interrupt("controller closed")
			return
		case msg := <-c.inbox:
			c.handle(msg)
		}
	}
}

func (c *Controller) handle(msg message) {
	switch m := msg.(type) {
	case speakMsg:
		m.reply <- c.admit(m.text, m.options)
	case stopMsg:
		c.interrupt("stopped")
		m.reply <- struct{}{}
	case pauseMsg:
		c.setPaused(!m.resume)
		m.reply <- struct{}{}
	case queryMsg:
		m.reply <- c.snapshot(m)
	case synthStartedMsg:
		if s := c.current(m.id); s != nil && s.status == StatusPending {
			s.transition(StatusSynthesizing)
		}
	case chunkMsg:
		c.forward(m)
	case synthDoneMsg:
		c.synthDone(m)
	case sinkEndedMsg:
		if s := c.current(m.id); s != nil && s.backendDone {
			c.finalize(s, StatusCompleted, "")
		}
	case sinkFailedMsg:
		if s := c.current(m.id); s != nil {
			s.cancelBackend()
			c.fail(s, "sink: "+m.err.Error())
		}
	}
}

// current returns the active session if it carries id.
func (c *Controller) current(id SessionID) *session {
	if c.active == nil || c.active.id != id {
		return nil
	}
	return c.active
}

// admit runs the interruption protocol: the old session is canceled and
// the sink reset before the new session takes the active slot.
func (c *Controller) admit(text string, opts Options) SessionID {
	c.interrupt("superseded")

	c.nextID++
	id := c.nextID
	ctx, cancel := context.WithCancel(c.ctx)
	ctx, span := c.tracer.Start(ctx, "playback.session", trace.WithAttributes(
		attribute.String("playback.session_id", id.String()),
		attribute.String("playback.voice", opts.Voice),
		attribute.String("playback.language", opts.Language),
		attribute.Int("playback.text_length", len(text)),
	))
	s := &session{
		id:      id,
		text:    text,
		options: opts,
		status:  StatusPending,
		created: time.Now().UTC(),
		cancel:  cancel,
		span:    span,
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		s.traceID = sc.TraceID().String()
	}
	c.active = s
	c.publish(s, Event{Kind: EventSessionStarted, Text: text, Options: opts})
	c.metrics.session(StatusPending)

	c.pumps.Add(1)
	go c.pump(ctx, id, synthRequest(id, text, opts))
	return id
}

// interrupt cancels the active session, if any, and hard-cuts the sink.
func (c *Controller) interrupt(reason string) {
	s := c.active
	if s == nil {
		return
	}
	s.cancelBackend()
	c.sink.reset(s.id)
	c.finalize(s, StatusInterrupted, reason)
}

func (c *Controller) forward(m chunkMsg) {
	s := c.current(m.id)
	if s == nil {
		// Only the active session can be non-terminal, so there is nothing
		// left to transition for a stale id.
		c.metrics.staleChunk()
		c.log.Debug("dropping stale chunk",
			slog.String("session", m.id.String()),
			slog.Int("bytes", len(m.pcm)))
		return
	}
	n := len(m.pcm)
	s.bytes += int64(n)
	s.forwarded = true
	if s.status != StatusPlaying {
		s.transition(StatusPlaying)
	}
	c.sink.append(s.id, m.pcm)
	c.metrics.forwarded(n)
	c.publish(s, Event{Kind: EventChunkReceived, Bytes: n, Total: s.bytes})
}

func (c *Controller) synthDone(m synthDoneMsg) {
	s := c.current(m.id)
	if s == nil {
		return
	}
	switch {
	case m.err == nil:
		s.backendDone = true
		c.sink.finish(s.id)
	case errors.Is(m.err, context.Canceled):
		if s.forwarded {
			c.sink.reset(s.id)
		}
		c.finalize(s, StatusInterrupted, "synthesis canceled")
	default:
		c.fail(s, m.err.Error())
	}
}

func (c *Controller) fail(s *session, reason string) {
	if s.forwarded {
		c.sink.reset(s.id)
	}
	c.finalize(s, StatusFailed, reason)
}

func (c *Controller) finalize(s *session, status Status, reason string) {
	if !s.transition(status) {
		return
	}
	s.reason = reason
	s.paused = false
	s.ended = time.Now().UTC()
	s.cancel()
	if c.active == s {
		c.active = nil
	}
	c.history.Add(s.id, s.snapshot())

	var kind EventKind
	switch status {
	case StatusCompleted:
		kind = EventSessionCompleted
	case StatusInterrupted:
		kind = EventSessionInterrupted
	default:
		kind = EventSessionFailed
	}
	c.publish(s, Event{Kind: kind, Reason: reason, Total: s.bytes})
	c.metrics.session(status)

	s.span.SetAttributes(
		attribute.String("playback.status", status.String()),
		attribute.Int64("playback.bytes", s.bytes),
	)
	attrs := []any{
		slog.String("session", s.id.String()),
		slog.String("status", status.String()),
		slog.Int64("bytes", s.bytes),
	}
	if status == StatusFailed {
		s.span.SetStatus(codes.Error, reason)
		c.log.Warn("playback session failed", append(attrs, slog.String("reason", reason))...)
	} else {
		c.log.Info("playback session ended", attrs...)
	}
	s.span.End()
}

func (c *Controller) setPaused(paused bool) {
	s := c.active
	if s == nil || s.status != StatusPlaying || s.paused == paused {
		return
	}
	if _, ok := c.sink.pauser(); !ok {
		return
	}
	s.paused = paused
	if paused {
		c.sink.pause(s.id)
		c.publish(s, Event{Kind: EventSessionPaused, Total: s.bytes})
		return
	}
	c.sink.resume(s.id)
	c.publish(s, Event{Kind: EventSessionResumed, Total: s.bytes})
}

func (c *Controller) snapshot(m queryMsg) querySnapshot {
	if m.active || (c.active != nil && c.active.id == m.id) {
		if c.active == nil {
			return querySnapshot{}
		}
		snap := c.active.snapshot()
		if clock, ok := c.sink.clock(); ok {
			snap.Position = clock.Position()
			snap.Duration = clock.Duration()
		}
		return querySnapshot{session: snap, ok: true}
	}
	snap, ok := c.history.Get(m.id)
	return querySnapshot{session: snap, ok: ok}
}

func (c *Controller) publish(s *session, evt Event) {
	evt.SessionID = s.id
	evt.TraceID = s.traceID
	evt.Time = time.Now().UTC()
	c.events.Publish(evt)
}

// pump relays one backend stream into the loop. It gives up on the stream
// once the controller stops, even if the backend never closes it.
func (c *Controller) pump(ctx context.Context, id SessionID, req tts.SynthRequest) {
	defer c.pumps.Done()

	chunks, errs := c.backend.Synthesize(ctx, req)
	if !c.post(synthStartedMsg{id: id}) {
		return
	}
	var result error
	for chunks != nil || errs != nil {
		select {
		case <-c.done:
			return
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if len(chunk.PCM) == 0 {
				continue
			}
			if !c.post(chunkMsg{id: id, pcm: chunk.PCM}) {
				return
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil && result == nil {
				result = err
			}
		}
	}
	c.post(synthDoneMsg{id: id, err: result})
}

func synthRequest(id SessionID, text string, opts Options) tts.SynthRequest {
	req := tts.SynthRequest{
		Text:     text,
		Voice:    opts.Voice,
		Language: opts.Language,
		Style:    opts.Style,
		Rate:     opts.Rate,
	}
	if id != 0 {
		req.SessionID = id.String()
	}
	return req
}
