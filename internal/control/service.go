// Package control exposes a playback controller on the NATS bus.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-playback/internal/bus"
	"github.com/loqalabs/loqa-playback/internal/config"
	"github.com/loqalabs/loqa-playback/internal/playback"
	"github.com/loqalabs/loqa-playback/internal/protocol"
	"github.com/nats-io/nats.go"
)

const speakTimeout = 5 * time.Second

// Player is the part of the controller the bus can drive.
type Player interface {
	Speak(ctx context.Context, text string, opts playback.Options) (playback.SessionID, error)
	Stop()
	Pause()
	Resume()
}

type Service struct {
	cfg      config.ControlConfig
	subjects protocol.Subjects
	bus      *bus.Client
	player   Player
	events   *playback.EventBus
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	subID  playback.SubscriptionID
	mu     sync.Mutex
}

func NewService(parent context.Context, cfg config.ControlConfig, busClient *bus.Client, player Player, events *playback.EventBus, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		subjects: protocol.NewSubjects(cfg.SubjectPrefix),
		bus:      busClient,
		player:   player,
		events:   events,
		logger:   log.With(slog.String("component", "playback-control")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{s.subjects.Speak(), s.handleSpeak},
		{s.subjects.Stop(), s.ack(s.player.Stop)},
		{s.subjects.Pause(), s.ack(s.player.Pause)},
		{s.subjects.Resume(), s.ack(s.player.Resume)},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(h.subject, h.handler)
		if err != nil {
			s.drainLocked()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	s.subID = s.events.Subscribe(s.forward)
	s.logger.Info("playback control started", slog.String("prefix", s.subjects.Prefix))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subID != 0 {
		s.events.Unsubscribe(s.subID)
		s.subID = 0
	}
	s.drainLocked()
}

func (s *Service) Healthy() bool {
	if !s.cfg.Enabled {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) > 0 && s.bus.Healthy()
}

func (s *Service) drainLocked() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) handleSpeak(msg *nats.Msg) {
	var req protocol.SpeakRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speak request", slogError(err))
		s.reply(msg, protocol.SpeakReply{Error: "invalid request: " + err.Error()})
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(s.ctx, speakTimeout)
	defer cancel()
	id, err := s.player.Speak(ctx, req.Text, playback.Options{
		Voice:    req.Voice,
		Language: req.Language,
		Style:    req.Style,
		Rate:     req.Rate,
	})
	reply := protocol.SpeakReply{RequestID: req.RequestID, SessionID: uint64(id)}
	if err != nil {
		reply.Error = err.Error()
		level := slog.LevelWarn
		if errors.Is(err, playback.ErrEmptyText) || errors.Is(err, playback.ErrInvalidOptions) {
			level = slog.LevelInfo
		}
		s.logger.Log(s.ctx, level, "speak request rejected",
			slog.String("request_id", req.RequestID), slogError(err))
	} else {
		s.logger.Debug("speak request admitted",
			slog.String("request_id", req.RequestID),
			slog.String("session", id.String()))
	}
	s.reply(msg, reply)
}

func (s *Service) ack(action func()) nats.MsgHandler {
	return func(msg *nats.Msg) {
		action()
		s.reply(msg, protocol.Ack{OK: true})
	}
}

func (s *Service) reply(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slogError(err))
	}
}

// forward mirrors controller events onto the bus.
func (s *Service) forward(evt playback.Event) {
	subject := s.subjects.Event(string(evt.Kind))
	if err := s.bus.PublishJSON(subject, ToProtocol(evt)); err != nil {
		s.logger.Warn("failed to publish playback event",
			slog.String("subject", subject), slogError(err))
	}
}

// ToProtocol converts a controller event to its wire form.
func ToProtocol(evt playback.Event) protocol.PlaybackEvent {
	return protocol.PlaybackEvent{
		SessionID: uint64(evt.SessionID),
		Kind:      string(evt.Kind),
		Bytes:     evt.Bytes,
		Total:     evt.Total,
		Reason:    evt.Reason,
		Text:      evt.Text,
		TraceID:   evt.TraceID,
		Timestamp: evt.Time,
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
