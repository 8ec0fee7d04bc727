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
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind         string `yaml:"bind"`
	Port         int    `yaml:"port"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

type AuthConfig struct {
	Header  string   `yaml:"header"`
	APIKeys []string `yaml:"api_keys"`
}

type Config struct {
	ServiceName string           `yaml:"service_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Auth        AuthConfig       `yaml:"auth"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Audio       AudioConfig      `yaml:"audio"`
	Features    FeaturesConfig   `yaml:"features"`
	Model       ModelConfig      `yaml:"model"`
	Language    LanguageConfig   `yaml:"language"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	QueueGroup     string   `yaml:"queue_group"`
	Stream         string   `yaml:"stream"`
}

// NodeConfig identifies this instance to its peers on the bus.
type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRecords    int    `yaml:"max_records"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	StoreFeatures bool   `yaml:"store_features"`
}

// AudioConfig controls decoding and normalization of incoming clips.
type AudioConfig struct {
	SampleRate         int    `yaml:"sample_rate"`
	MinDurationMS      int    `yaml:"min_duration_ms"`
	Decoder            string `yaml:"decoder"` // native, exec
	TranscodeCommand   string `yaml:"transcode_command"`
	TranscodeTimeoutMS int    `yaml:"transcode_timeout_ms"`
}

// FeaturesConfig holds the analysis windows and bounds used by the extractors.
type FeaturesConfig struct {
	FrameLength      int     `yaml:"frame_length"`
	HopLength        int     `yaml:"hop_length"`
	PitchFmin        float64 `yaml:"pitch_fmin"`
	PitchFmax        float64 `yaml:"pitch_fmax"`
	PitchFrameLength int     `yaml:"pitch_frame_length"`
	PitchHopLength   int     `yaml:"pitch_hop_length"`
	PitchThreshold   float64 `yaml:"pitch_threshold"`
	RolloffPercent   float64 `yaml:"rolloff_percent"`
	HPSSFFTSize      int     `yaml:"hpss_fft_size"`
	HPSSHopLength    int     `yaml:"hpss_hop_length"`
	HPSSKernel       int     `yaml:"hpss_kernel"`
}

type ModelConfig struct {
	Path          string `yaml:"path"`
	Trees         int    `yaml:"trees"`
	MaxDepth      int    `yaml:"max_depth"`
	Seed          uint64 `yaml:"seed"`
	ClassBalanced bool   `yaml:"class_balanced"`
	MinSamples    int    `yaml:"min_samples"`
}

type LanguageConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Default() Config {
	return Config{
		ServiceName: "voiceguard",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:         "0.0.0.0",
			Port:         5000,
			MaxBodyBytes: 32 << 20,
		},
		Auth: AuthConfig{
			Header: "X-API-KEY",
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			QueueGroup:     "voiceguard",
			Stream:         "VOICEGUARD_DETECTIONS",
		},
		Node: NodeConfig{
			ID:                "voiceguard-1",
			HeartbeatInterval: 5000,
			HeartbeatTimeout:  15000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/voiceguard.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxRecords:    100000,
		},
		Audio: AudioConfig{
			SampleRate:         16000,
			MinDurationMS:      500,
			Decoder:            "native",
			TranscodeTimeoutMS: 30000,
		},
		Features: FeaturesConfig{
			FrameLength:      1024,
			HopLength:        256,
			PitchFmin:        50,
			PitchFmax:        350,
			PitchFrameLength: 2048,
			PitchHopLength:   512,
			PitchThreshold:   0.1,
			RolloffPercent:   0.85,
			HPSSFFTSize:      2048,
			HPSSHopLength:    512,
			HPSSKernel:       31,
		},
		Model: ModelConfig{
			Path:          "./voice_model.msgpack",
			Trees:         200,
			MaxDepth:      10,
			Seed:          42,
			ClassBalanced: true,
			MinSamples:    4,
		},
		Language: LanguageConfig{
			Enabled: true,
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
	overrideString(&cfg.ServiceName, "VOICEGUARD_SERVICE_NAME")
	overrideString(&cfg.Environment, "VOICEGUARD_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICEGUARD_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICEGUARD_HTTP_PORT")
	overrideInt(&cfg.HTTP.Port, "PORT")
	overrideInt64(&cfg.HTTP.MaxBodyBytes, "VOICEGUARD_HTTP_MAX_BODY_BYTES")
	overrideString(&cfg.Auth.Header, "VOICEGUARD_AUTH_HEADER")
	overrideStringSlice(&cfg.Auth.APIKeys, "VOICEGUARD_AUTH_API_KEYS")
	overrideString(&cfg.Telemetry.LogLevel, "VOICEGUARD_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICEGUARD_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICEGUARD_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOICEGUARD_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "VOICEGUARD_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VOICEGUARD_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICEGUARD_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOICEGUARD_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOICEGUARD_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICEGUARD_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICEGUARD_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICEGUARD_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICEGUARD_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICEGUARD_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.QueueGroup, "VOICEGUARD_BUS_QUEUE_GROUP")
	overrideString(&cfg.Bus.Stream, "VOICEGUARD_BUS_STREAM")
	overrideString(&cfg.Node.ID, "VOICEGUARD_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "VOICEGUARD_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "VOICEGUARD_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "VOICEGUARD_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "VOICEGUARD_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "VOICEGUARD_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRecords, "VOICEGUARD_EVENT_STORE_MAX_RECORDS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "VOICEGUARD_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.EventStore.StoreFeatures, "VOICEGUARD_EVENT_STORE_STORE_FEATURES")
	overrideInt(&cfg.Audio.SampleRate, "VOICEGUARD_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.MinDurationMS, "VOICEGUARD_AUDIO_MIN_DURATION_MS")
	overrideString(&cfg.Audio.Decoder, "VOICEGUARD_AUDIO_DECODER")
	overrideString(&cfg.Audio.TranscodeCommand, "VOICEGUARD_AUDIO_TRANSCODE_COMMAND")
	overrideInt(&cfg.Audio.TranscodeTimeoutMS, "VOICEGUARD_AUDIO_TRANSCODE_TIMEOUT_MS")
	overrideFloat(&cfg.Features.PitchFmin, "VOICEGUARD_FEATURES_PITCH_FMIN")
	overrideFloat(&cfg.Features.PitchFmax, "VOICEGUARD_FEATURES_PITCH_FMAX")
	overrideString(&cfg.Model.Path, "VOICEGUARD_MODEL_PATH")
	overrideInt(&cfg.Model.Trees, "VOICEGUARD_MODEL_TREES")
	overrideInt(&cfg.Model.MaxDepth, "VOICEGUARD_MODEL_MAX_DEPTH")
	overrideInt(&cfg.Model.MinSamples, "VOICEGUARD_MODEL_MIN_SAMPLES")
	overrideBool(&cfg.Language.Enabled, "VOICEGUARD_LANGUAGE_ENABLED")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		return errors.New("http.max_body_bytes must be positive")
	}
	if strings.TrimSpace(cfg.Auth.Header) == "" {
		return errors.New("auth.header must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.QueueGroup == "" {
			return errors.New("bus.queue_group must not be empty")
		}
		if strings.TrimSpace(cfg.Node.ID) == "" {
			return errors.New("node.id must not be empty when the bus is enabled")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty when retention_mode=persistent")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.EventStore.MaxRecords < 0 {
		return errors.New("event_store.max_records must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.MinDurationMS < 0 {
		return errors.New("audio.min_duration_ms must be >= 0")
	}
	switch cfg.Audio.Decoder {
	case "native":
	case "exec":
		if cfg.Audio.TranscodeCommand == "" {
			return errors.New("audio.transcode_command must be set when decoder=exec")
		}
	default:
		return errors.New("audio.decoder must be one of native|exec")
	}
	if err := validateFeatures(cfg.Features, cfg.Audio.SampleRate); err != nil {
		return err
	}
	if cfg.Model.Path == "" {
		return errors.New("model.path must not be empty")
	}
	if cfg.Model.Trees <= 0 {
		return errors.New("model.trees must be positive")
	}
	if cfg.Model.MaxDepth <= 0 {
		return errors.New("model.max_depth must be positive")
	}
	if cfg.Model.MinSamples < 2 {
		return errors.New("model.min_samples must be >= 2")
	}
	return nil
}

func validateFeatures(f FeaturesConfig, sampleRate int) error {
	if f.FrameLength <= 0 || f.HopLength <= 0 {
		return errors.New("features.frame_length and features.hop_length must be positive")
	}
	if f.PitchFmin <= 0 || f.PitchFmax <= f.PitchFmin {
		return errors.New("features.pitch_fmin must be positive and below features.pitch_fmax")
	}
	if f.PitchFmax >= float64(sampleRate)/2 {
		return errors.New("features.pitch_fmax must be below the Nyquist frequency")
	}
	if f.PitchFrameLength <= 0 || f.PitchHopLength <= 0 {
		return errors.New("features.pitch_frame_length and features.pitch_hop_length must be positive")
	}
	if float64(f.PitchFrameLength) <= float64(sampleRate)/f.PitchFmin {
		return errors.New("features.pitch_frame_length must exceed one period of features.pitch_fmin")
	}
	if f.PitchThreshold <= 0 || f.PitchThreshold >= 1 {
		return errors.New("features.pitch_threshold must be in (0, 1)")
	}
	if f.RolloffPercent <= 0 || f.RolloffPercent >= 1 {
		return errors.New("features.rolloff_percent must be in (0, 1)")
	}
	if f.HPSSFFTSize <= 0 || f.HPSSHopLength <= 0 || f.HPSSHopLength > f.HPSSFFTSize {
		return errors.New("features.hpss_hop_length must be positive and no larger than features.hpss_fft_size")
	}
	if f.HPSSKernel <= 0 || f.HPSSKernel%2 == 0 {
		return errors.New("features.hpss_kernel must be a positive odd number")
	}
	return nil
}
