package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	// PrometheusBind starts a dedicated metrics listener; /metrics is
	// always served on the HTTP server too.
	PrometheusBind string `yaml:"prometheus_bind"`
	TraceStdout    bool   `yaml:"trace_stdout"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	TTS         TTSConfig        `yaml:"tts"`
	Sink        SinkConfig       `yaml:"sink"`
	Playback    PlaybackConfig   `yaml:"playback"`
	Control     ControlConfig    `yaml:"control"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	RecordChunks  bool   `yaml:"record_chunks"`
}

type TTSConfig struct {
	Mode             string   `yaml:"mode"` // mock, exec, azure
	Command          string   `yaml:"command"`
	Region           string   `yaml:"region"`
	Endpoint         string   `yaml:"endpoint"`
	SubscriptionKey  string   `yaml:"subscription_key"`
	Voice            string   `yaml:"voice"`
	Language         string   `yaml:"language"`
	Voices           []string `yaml:"voices"`
	Languages        []string `yaml:"languages"`
	SampleRate       int      `yaml:"sample_rate"`
	Channels         int      `yaml:"channels"`
	ChunkDurationMS  int      `yaml:"chunk_duration_ms"`
	ChunkBytes       int      `yaml:"chunk_bytes"`
	MockChunks       int      `yaml:"mock_chunks"`
	RequestTimeoutMS int      `yaml:"request_timeout_ms"`
}

type SinkConfig struct {
	Mode     string `yaml:"mode"` // null, exec, speaker
	Command  string `yaml:"command"`
	BufferMS int    `yaml:"buffer_ms"`
}

type PlaybackConfig struct {
	HistorySize int `yaml:"history_size"`
	QueueSize   int `yaml:"queue_size"`
}

type ControlConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-playback",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: "",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-playback.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		TTS: TTSConfig{
			Mode:             "mock",
			Voice:            "en-US-JennyNeural",
			Language:         "en-US",
			SampleRate:       24000,
			Channels:         1,
			ChunkDurationMS:  400,
			ChunkBytes:       4800,
			MockChunks:       5,
			RequestTimeoutMS: 30000,
		},
		Sink: SinkConfig{
			Mode:     "null",
			BufferMS: 50,
		},
		Playback: PlaybackConfig{
			HistorySize: 64,
			QueueSize:   64,
		},
		Control: ControlConfig{
			Enabled:       true,
			SubjectPrefix: "playback",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.EventStore.RecordChunks, "LOQA_EVENT_STORE_RECORD_CHUNKS")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Region, "LOQA_TTS_REGION")
	overrideString(&cfg.TTS.Endpoint, "LOQA_TTS_ENDPOINT")
	overrideString(&cfg.TTS.SubscriptionKey, "LOQA_TTS_SUBSCRIPTION_KEY")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideString(&cfg.TTS.Language, "LOQA_TTS_LANGUAGE")
	overrideStringSlice(&cfg.TTS.Voices, "LOQA_TTS_VOICES")
	overrideStringSlice(&cfg.TTS.Languages, "LOQA_TTS_LANGUAGES")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkDurationMS, "LOQA_TTS_CHUNK_DURATION_MS")
	overrideInt(&cfg.TTS.ChunkBytes, "LOQA_TTS_CHUNK_BYTES")
	overrideInt(&cfg.TTS.MockChunks, "LOQA_TTS_MOCK_CHUNKS")
	overrideInt(&cfg.TTS.RequestTimeoutMS, "LOQA_TTS_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.Sink.Mode, "LOQA_SINK_MODE")
	overrideString(&cfg.Sink.Command, "LOQA_SINK_COMMAND")
	overrideInt(&cfg.Sink.BufferMS, "LOQA_SINK_BUFFER_MS")
	overrideInt(&cfg.Playback.HistorySize, "LOQA_PLAYBACK_HISTORY_SIZE")
	overrideInt(&cfg.Playback.QueueSize, "LOQA_PLAYBACK_QUEUE_SIZE")
	overrideBool(&cfg.Control.Enabled, "LOQA_CONTROL_ENABLED")
	overrideString(&cfg.Control.SubjectPrefix, "LOQA_CONTROL_SUBJECT_PREFIX")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port != -1 && (cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535) {
			return errors.New("bus.port must be between 1 and 65535 (or -1 for any free port) when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if bind := cfg.Telemetry.PrometheusBind; bind != "" && !strings.Contains(bind, ":") {
		return fmt.Errorf("telemetry.prometheus_bind %q must be host:port", bind)
	}
	switch cfg.TTS.Mode {
	case "mock", "exec", "azure":
	default:
		return errors.New("tts.mode must be one of mock|exec|azure")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.Mode == "azure" {
		if cfg.TTS.SubscriptionKey == "" {
			return errors.New("tts.subscription_key must be set when mode=azure")
		}
		if cfg.TTS.Region == "" && cfg.TTS.Endpoint == "" {
			return errors.New("tts.region or tts.endpoint must be set when mode=azure")
		}
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.TTS.ChunkBytes <= 0 || cfg.TTS.ChunkBytes%2 != 0 {
		return errors.New("tts.chunk_bytes must be a positive even number")
	}
	switch cfg.Sink.Mode {
	case "null", "exec", "speaker":
	default:
		return errors.New("sink.mode must be one of null|exec|speaker")
	}
	if cfg.Sink.Mode == "exec" && cfg.Sink.Command == "" {
		return errors.New("sink.command must be set when mode=exec")
	}
	if cfg.Playback.HistorySize <= 0 {
		return errors.New("playback.history_size must be >= 1")
	}
	if cfg.Playback.QueueSize <= 0 {
		return errors.New("playback.queue_size must be >= 1")
	}
	if cfg.Control.Enabled && strings.TrimSpace(cfg.Control.SubjectPrefix) == "" {
		return errors.New("control.subject_prefix must not be empty when control is enabled")
	}
	return nil
}
