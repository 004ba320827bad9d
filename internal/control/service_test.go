package control

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-playback/internal/audio"
	"github.com/loqalabs/loqa-playback/internal/bus"
	"github.com/loqalabs/loqa-playback/internal/config"
	"github.com/loqalabs/loqa-playback/internal/natsserver"
	"github.com/loqalabs/loqa-playback/internal/playback"
	"github.com/loqalabs/loqa-playback/internal/protocol"
	"github.com/loqalabs/loqa-playback/internal/tts"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	client   *bus.Client
	subjects protocol.Subjects
	events   chan protocol.PlaybackEvent
}

func newFixture(t *testing.T, chunks int) *fixture {
	t.Helper()
	log := newLogger()

	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	busCfg := config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}
	serviceConn, err := bus.Connect(context.Background(), busCfg, "control-test", log)
	if err != nil {
		t.Fatalf("connect service: %v", err)
	}
	t.Cleanup(serviceConn.Close)
	client, err := bus.Connect(context.Background(), busCfg, "control-test-client", log)
	if err != nil {
		t.Fatalf("connect client: %v", err)
	}
	t.Cleanup(client.Close)

	format := audio.Format{SampleRate: 16000, Channels: 1}
	synth := tts.NewMockSynth(format.SampleRate, format.Channels, chunks, 8*time.Millisecond, tts.NewCatalog(nil, []string{"en-US"}))
	events := playback.NewEventBus(log)
	ctrl, err := playback.NewController(context.Background(), synth, audio.NewNullSink(format, false), events, playback.Config{
		Defaults: playback.Options{Language: "en-US"},
	}, log)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}

	svc := NewService(context.Background(), config.ControlConfig{Enabled: true, SubjectPrefix: "test.playback"}, serviceConn, ctrl, events, log)
	if err := svc.Start(); err != nil {
		t.Fatalf("start control: %v", err)
	}
	t.Cleanup(func() {
		svc.Close()
		ctrl.Close()
		events.Close()
	})
	if !svc.Healthy() {
		t.Fatal("expected healthy control service")
	}

	f := &fixture{
		client:   client,
		subjects: protocol.NewSubjects("test.playback"),
		events:   make(chan protocol.PlaybackEvent, 1024),
	}
	sub, err := client.Conn().Subscribe(f.subjects.Events(), func(msg *nats.Msg) {
		var evt protocol.PlaybackEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			t.Errorf("decode event: %v", err)
			return
		}
		if !strings.HasSuffix(msg.Subject, "."+evt.Kind) {
			t.Errorf("event %s published on %s", evt.Kind, msg.Subject)
		}
		select {
		case f.events <- evt:
		default:
		}
	})
	if err != nil {
		t.Fatalf("subscribe events: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return f
}

func (f *fixture) speak(t *testing.T, req protocol.SpeakRequest) protocol.SpeakReply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var reply protocol.SpeakReply
	if err := f.client.RequestJSON(ctx, f.subjects.Speak(), req, &reply); err != nil {
		t.Fatalf("speak request: %v", err)
	}
	return reply
}

// waitFor returns the first event of kind for session, skipping others.
func (f *fixture) waitFor(t *testing.T, session uint64, kind string) protocol.PlaybackEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-f.events:
			if evt.SessionID == session && evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s on session %d", kind, session)
			return protocol.PlaybackEvent{}
		}
	}
}

func TestSpeakOverBus(t *testing.T) {
	f := newFixture(t, 3)

	reply := f.speak(t, protocol.SpeakRequest{RequestID: "req-1", Text: "hello from the bus"})
	if reply.Error != "" {
		t.Fatalf("unexpected error: %s", reply.Error)
	}
	if reply.SessionID != 1 || reply.RequestID != "req-1" {
		t.Fatalf("unexpected reply %+v", reply)
	}

	started := f.waitFor(t, 1, "started")
	if started.Text != "hello from the bus" {
		t.Fatalf("started text = %q", started.Text)
	}
	done := f.waitFor(t, 1, "completed")
	if done.Total != 3*256 {
		t.Fatalf("completed total = %d, want %d", done.Total, 3*256)
	}
	if done.Timestamp.IsZero() {
		t.Fatal("expected event timestamp")
	}
}

func TestSpeakRejectedOverBus(t *testing.T) {
	f := newFixture(t, 3)

	reply := f.speak(t, protocol.SpeakRequest{Text: "  "})
	if !strings.Contains(reply.Error, "text must not be empty") {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if reply.RequestID == "" {
		t.Fatal("expected generated request id")
	}

	reply = f.speak(t, protocol.SpeakRequest{Text: "hola", Language: "es-ES"})
	if !strings.Contains(reply.Error, "invalid options") || reply.SessionID != 0 {
		t.Fatalf("unexpected reply %+v", reply)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := f.client.Conn().RequestWithContext(ctx, f.subjects.Speak(), []byte("{not json"))
	if err != nil {
		t.Fatalf("raw request: %v", err)
	}
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !strings.HasPrefix(reply.Error, "invalid request") {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestStopOverBus(t *testing.T) {
	f := newFixture(t, 10000)

	reply := f.speak(t, protocol.SpeakRequest{Text: "a very long story"})
	if reply.Error != "" {
		t.Fatalf("unexpected error: %s", reply.Error)
	}
	f.waitFor(t, reply.SessionID, "chunk")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var ack protocol.Ack
	if err := f.client.RequestJSON(ctx, f.subjects.Stop(), struct{}{}, &ack); err != nil {
		t.Fatalf("stop request: %v", err)
	}
	if !ack.OK {
		t.Fatal("expected ok ack")
	}
	evt := f.waitFor(t, reply.SessionID, "interrupted")
	if evt.Reason != "stopped" {
		t.Fatalf("unexpected reason %q", evt.Reason)
	}
}

func TestSpeakInterruptsOverBus(t *testing.T) {
	f := newFixture(t, 10000)

	first := f.speak(t, protocol.SpeakRequest{Text: "first"})
	f.waitFor(t, first.SessionID, "started")
	second := f.speak(t, protocol.SpeakRequest{Text: "second"})
	if second.SessionID <= first.SessionID {
		t.Fatalf("ids not increasing: %d then %d", first.SessionID, second.SessionID)
	}
	evt := f.waitFor(t, first.SessionID, "interrupted")
	if evt.Reason != "superseded" {
		t.Fatalf("unexpected reason %q", evt.Reason)
	}
	f.waitFor(t, second.SessionID, "started")
}

func TestDisabledService(t *testing.T) {
	svc := NewService(context.Background(), config.ControlConfig{Enabled: false}, nil, nil, nil, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start disabled: %v", err)
	}
	if !svc.Healthy() {
		t.Fatal("disabled service should report healthy")
	}
	svc.Close()
}
