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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	ServiceName   string              `yaml:"service_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	Capture       CaptureConfig       `yaml:"capture"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Advisor       AdvisorConfig       `yaml:"advisor"`
	History       HistoryConfig       `yaml:"history"`
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

type CaptureConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Backend      string  `yaml:"backend"` // mock, portaudio
	RemoteDevice string  `yaml:"remote_device"`
	MixMode      string  `yaml:"mix_mode"` // split, mixed
	LocalGain    float64 `yaml:"local_gain"`
	RemoteGain   float64 `yaml:"remote_gain"`
	TapDir       string  `yaml:"tap_dir"`
}

type TranscriptionConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Endpoint          string  `yaml:"endpoint"`
	TokenEndpoint     string  `yaml:"token_endpoint"`
	APIKey            string  `yaml:"api_key"`
	ModelID           string  `yaml:"model_id"`
	VADSilenceSecs    float64 `yaml:"vad_silence_threshold_secs"`
	IncludeTimestamps bool    `yaml:"include_timestamps"`
	KeepaliveMS       int     `yaml:"keepalive_interval_ms"`
}

type AdvisorConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Mode         string  `yaml:"mode"` // mock, ollama, exec
	Endpoint     string  `yaml:"endpoint"`
	Command      string  `yaml:"command"`
	Model        string  `yaml:"model"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
	SystemPrompt string  `yaml:"system_prompt"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		ServiceName: "sidecue-core",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Capture: CaptureConfig{
			Enabled:    false,
			Backend:    "mock",
			MixMode:    "split",
			LocalGain:  1.0,
			RemoteGain: 1.0,
		},
		Transcription: TranscriptionConfig{
			Enabled:        false,
			Endpoint:       "wss://api.scribe.example/v1/stream",
			TokenEndpoint:  "https://api.scribe.example/v1/token",
			ModelID:        "scribe_v1",
			VADSilenceSecs: 1.2,
			KeepaliveMS:    5000,
		},
		Advisor: AdvisorConfig{
			Enabled:     false,
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   512,
			Temperature: 0.3,
		},
		History: HistoryConfig{
			Path:          "./data/sidecue-history.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
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
	overrideString(&cfg.ServiceName, "SIDECUE_SERVICE_NAME")
	overrideString(&cfg.Environment, "SIDECUE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SIDECUE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SIDECUE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SIDECUE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SIDECUE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SIDECUE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "SIDECUE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SIDECUE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SIDECUE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SIDECUE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SIDECUE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SIDECUE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SIDECUE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SIDECUE_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Capture.Enabled, "SIDECUE_CAPTURE_ENABLED")
	overrideString(&cfg.Capture.Backend, "SIDECUE_CAPTURE_BACKEND")
	overrideString(&cfg.Capture.RemoteDevice, "SIDECUE_CAPTURE_REMOTE_DEVICE")
	overrideString(&cfg.Capture.MixMode, "SIDECUE_CAPTURE_MIX_MODE")
	overrideFloat(&cfg.Capture.LocalGain, "SIDECUE_CAPTURE_LOCAL_GAIN")
	overrideFloat(&cfg.Capture.RemoteGain, "SIDECUE_CAPTURE_REMOTE_GAIN")
	overrideString(&cfg.Capture.TapDir, "SIDECUE_CAPTURE_TAP_DIR")
	overrideBool(&cfg.Transcription.Enabled, "SIDECUE_TRANSCRIPTION_ENABLED")
	overrideString(&cfg.Transcription.Endpoint, "SIDECUE_TRANSCRIPTION_ENDPOINT")
	overrideString(&cfg.Transcription.TokenEndpoint, "SIDECUE_TRANSCRIPTION_TOKEN_ENDPOINT")
	overrideString(&cfg.Transcription.APIKey, "SIDECUE_TRANSCRIPTION_API_KEY")
	overrideString(&cfg.Transcription.ModelID, "SIDECUE_TRANSCRIPTION_MODEL_ID")
	overrideFloat(&cfg.Transcription.VADSilenceSecs, "SIDECUE_TRANSCRIPTION_VAD_SILENCE_SECS")
	overrideBool(&cfg.Transcription.IncludeTimestamps, "SIDECUE_TRANSCRIPTION_INCLUDE_TIMESTAMPS")
	overrideInt(&cfg.Transcription.KeepaliveMS, "SIDECUE_TRANSCRIPTION_KEEPALIVE_MS")
	overrideBool(&cfg.Advisor.Enabled, "SIDECUE_ADVISOR_ENABLED")
	overrideString(&cfg.Advisor.Mode, "SIDECUE_ADVISOR_MODE")
	overrideString(&cfg.Advisor.Endpoint, "SIDECUE_ADVISOR_ENDPOINT")
	overrideString(&cfg.Advisor.Command, "SIDECUE_ADVISOR_COMMAND")
	overrideString(&cfg.Advisor.Model, "SIDECUE_ADVISOR_MODEL")
	overrideInt(&cfg.Advisor.MaxTokens, "SIDECUE_ADVISOR_MAX_TOKENS")
	overrideFloat(&cfg.Advisor.Temperature, "SIDECUE_ADVISOR_TEMPERATURE")
	overrideString(&cfg.Advisor.SystemPrompt, "SIDECUE_ADVISOR_SYSTEM_PROMPT")
	overrideString(&cfg.History.Path, "SIDECUE_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "SIDECUE_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "SIDECUE_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxSessions, "SIDECUE_HISTORY_MAX_SESSIONS")
	overrideBool(&cfg.History.VacuumOnStart, "SIDECUE_HISTORY_VACUUM_ON_START")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Capture.Enabled {
		switch cfg.Capture.Backend {
		case "mock", "portaudio":
		default:
			return errors.New("capture.backend must be one of mock|portaudio")
		}
		switch cfg.Capture.MixMode {
		case "split", "mixed":
		default:
			return errors.New("capture.mix_mode must be one of split|mixed")
		}
		if cfg.Capture.LocalGain < 0 || cfg.Capture.LocalGain > 1 {
			return errors.New("capture.local_gain must be in [0,1]")
		}
		if cfg.Capture.RemoteGain < 0 || cfg.Capture.RemoteGain > 1 {
			return errors.New("capture.remote_gain must be in [0,1]")
		}
	}
	if cfg.Transcription.Enabled {
		if cfg.Transcription.Endpoint == "" {
			return errors.New("transcription.endpoint must not be empty")
		}
		if cfg.Transcription.ModelID == "" {
			return errors.New("transcription.model_id must not be empty")
		}
		if cfg.Transcription.KeepaliveMS <= 0 {
			return errors.New("transcription.keepalive_interval_ms must be positive")
		}
		if cfg.Transcription.VADSilenceSecs < 0 {
			return errors.New("transcription.vad_silence_threshold_secs must be >= 0")
		}
	}
	if cfg.Advisor.Enabled {
		switch cfg.Advisor.Mode {
		case "mock", "ollama", "exec":
		default:
			return errors.New("advisor.mode must be one of mock|ollama|exec")
		}
		if cfg.Advisor.Mode == "ollama" && cfg.Advisor.Endpoint == "" {
			return errors.New("advisor.endpoint must be set when mode=ollama")
		}
		if cfg.Advisor.Mode == "exec" && cfg.Advisor.Command == "" {
			return errors.New("advisor.command must be set when mode=exec")
		}
		if cfg.Advisor.MaxTokens < 0 {
			return errors.New("advisor.max_tokens must be >= 0")
		}
	}
	if cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	return nil
}
