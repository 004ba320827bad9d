package tts

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-playback/internal/config"
)

// New builds the synthesizer selected by cfg.Mode.
func New(cfg config.TTSConfig, logger *slog.Logger) (Synthesizer, error) {
	catalog := NewCatalog(cfg.Voices, cfg.Languages)
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels, cfg.MockChunks, time.Duration(cfg.ChunkDurationMS)*time.Millisecond, catalog), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels, catalog)
	case "azure":
		return NewAzureSynth(AzureOptions{
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			SubscriptionKey: cfg.SubscriptionKey,
			DefaultVoice:    cfg.Voice,
			DefaultLanguage: cfg.Language,
			SampleRate:      cfg.SampleRate,
			ChunkBytes:      cfg.ChunkBytes,
			Timeout:         time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
			Catalog:         catalog,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}
