package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-playback/internal/audio"
	"github.com/loqalabs/loqa-playback/internal/bus"
	"github.com/loqalabs/loqa-playback/internal/config"
	"github.com/loqalabs/loqa-playback/internal/control"
	"github.com/loqalabs/loqa-playback/internal/eventstore"
	"github.com/loqalabs/loqa-playback/internal/natsserver"
	"github.com/loqalabs/loqa-playback/internal/playback"
	"github.com/loqalabs/loqa-playback/internal/tts"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	servers []*http.Server
	ready   atomic.Bool
	wg      sync.WaitGroup

	// Torn down in reverse order.
	closers []func()

	control *control.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// NewLogger builds the JSON logger at the configured level.
func NewLogger(cfg config.TelemetryConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer r.teardown()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.onClose(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	})

	events, err := r.startEvents(ctx)
	if err != nil {
		return err
	}

	synth, err := tts.New(r.cfg.TTS, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create tts backend: %w", err)
	}
	format := audio.Format{SampleRate: r.cfg.TTS.SampleRate, Channels: r.cfg.TTS.Channels}
	sink, err := audio.New(r.cfg.Sink, format, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create audio sink: %w", err)
	}
	if closer, ok := sink.(io.Closer); ok {
		r.onClose(func() { _ = closer.Close() })
	}

	ctrl, err := playback.NewController(ctx, synth, sink, events, playback.Config{
		HistorySize: r.cfg.Playback.HistorySize,
		QueueSize:   r.cfg.Playback.QueueSize,
		Defaults:    playback.Options{Voice: r.cfg.TTS.Voice, Language: r.cfg.TTS.Language},
	}, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create playback controller: %w", err)
	}
	r.onClose(ctrl.Close)
	r.logger.Info("playback controller started",
		slog.String("tts", r.cfg.TTS.Mode),
		slog.String("sink", r.cfg.Sink.Mode))

	if err := r.startControl(ctx, ctrl, events); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if tel.metrics != nil {
		mux.Handle("/metrics", tel.metrics)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.serve(addr, mux)
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && bind != addr && tel.metrics != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", tel.metrics)
		r.serve(bind, metricsMux)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range r.servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	return nil
}

func (r *Runtime) serve(addr string, handler http.Handler) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.servers = append(r.servers, srv)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
}

// startEvents creates the event bus with the timeline recorder attached.
// The bus is closed before the recorder so events published during
// shutdown still reach the store.
func (r *Runtime) startEvents(ctx context.Context) (*playback.EventBus, error) {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}
	r.onClose(func() {
		if err := store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	})
	events := playback.NewEventBus(r.logger)
	rec := eventstore.NewRecorder(store, events, r.cfg.EventStore.RecordChunks, r.logger)
	r.onClose(rec.Close)
	r.onClose(events.Close)

	if r.cfg.EventStore.RetentionMode != "ephemeral" {
		r.schedulePrune(ctx, store)
	}
	return events, nil
}

func (r *Runtime) schedulePrune(ctx context.Context, store *eventstore.Store) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := store.Prune(ctx); err != nil && ctx.Err() == nil {
					r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

func (r *Runtime) startControl(ctx context.Context, ctrl *playback.Controller, events *playback.EventBus) error {
	if !r.cfg.Control.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	if embedded != nil {
		r.onClose(embedded.Shutdown)
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	r.onClose(client.Close)

	svc := control.NewService(ctx, r.cfg.Control, client, ctrl, events, r.logger)
	if err := svc.Start(); err != nil {
		return fmt.Errorf("failed to start playback control: %w", err)
	}
	r.onClose(svc.Close)
	r.control = svc
	return nil
}

func (r *Runtime) onClose(fn func()) {
	r.closers = append(r.closers, fn)
}

func (r *Runtime) teardown() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.control == nil || r.control.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
