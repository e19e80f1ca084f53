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
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Voice       VoiceConfig      `yaml:"voice"`
	STT         STTConfig        `yaml:"stt"`
	Google      GoogleConfig     `yaml:"google"`
	Remote      RemoteConfig     `yaml:"remote"`
	Events      EventsConfig     `yaml:"events"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// VoiceConfig selects the recognition capability behind the controller.
type VoiceConfig struct {
	Language    string `yaml:"language"`
	Provider    string `yaml:"provider"` // scripted, mock, exec, google, remote, none
	AudioSource string `yaml:"audio_source"`
	WAVPath     string `yaml:"wav_path"`
}

type STTConfig struct {
	// ServeBus runs a recognizer as an stt.stream node on the bus: the exec
	// recognizer when Command is set, the mock one otherwise.
	ServeBus        bool   `yaml:"serve_bus"`
	Command         string `yaml:"command"`
	ModelPath       string `yaml:"model_path"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	PartialEveryMS  int    `yaml:"partial_every_ms"`
	PublishInterim  bool   `yaml:"publish_interim"`
	TimeoutMS       int    `yaml:"timeout_ms"`
}

type GoogleConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	Endpoint        string `yaml:"endpoint"`
	Model           string `yaml:"model"`
}

type RemoteConfig struct {
	Capability       string `yaml:"capability"`
	SilenceTimeoutMS int    `yaml:"silence_timeout_ms"`
	FinalTimeoutMS   int    `yaml:"final_timeout_ms"`
}

type EventsConfig struct {
	NATS  bool        `yaml:"nats"`
	Store bool        `yaml:"store"`
	Kafka KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8081,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9092",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-voice-1",
			Role:              "voice",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "voice.input", Tier: "balanced"},
			},
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-voice.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Voice: VoiceConfig{
			Language:    "en-US",
			Provider:    "scripted",
			AudioSource: "bus",
		},
		STT: STTConfig{
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
			PartialEveryMS:  800,
			PublishInterim:  true,
			TimeoutMS:       45000,
		},
		Remote: RemoteConfig{
			Capability:       "stt.stream",
			SilenceTimeoutMS: 8000,
			FinalTimeoutMS:   5000,
		},
		Events: EventsConfig{
			NATS:  true,
			Store: true,
			Kafka: KafkaConfig{
				Topic: "loqa.voice.events",
			},
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
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Voice.Language, "LOQA_VOICE_LANGUAGE")
	overrideString(&cfg.Voice.Provider, "LOQA_VOICE_PROVIDER")
	overrideString(&cfg.Voice.AudioSource, "LOQA_VOICE_AUDIO_SOURCE")
	overrideString(&cfg.Voice.WAVPath, "LOQA_VOICE_WAV_PATH")
	overrideBool(&cfg.STT.ServeBus, "LOQA_STT_SERVE_BUS")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "LOQA_STT_CHANNELS")
	overrideInt(&cfg.STT.FrameDurationMS, "LOQA_STT_FRAME_DURATION_MS")
	overrideInt(&cfg.STT.PartialEveryMS, "LOQA_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "LOQA_STT_PUBLISH_INTERIM")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideString(&cfg.Google.CredentialsFile, "LOQA_GOOGLE_CREDENTIALS_FILE")
	overrideString(&cfg.Google.Endpoint, "LOQA_GOOGLE_ENDPOINT")
	overrideString(&cfg.Google.Model, "LOQA_GOOGLE_MODEL")
	overrideString(&cfg.Remote.Capability, "LOQA_REMOTE_CAPABILITY")
	overrideInt(&cfg.Remote.SilenceTimeoutMS, "LOQA_REMOTE_SILENCE_TIMEOUT_MS")
	overrideInt(&cfg.Remote.FinalTimeoutMS, "LOQA_REMOTE_FINAL_TIMEOUT_MS")
	overrideBool(&cfg.Events.NATS, "LOQA_EVENTS_NATS")
	overrideBool(&cfg.Events.Store, "LOQA_EVENTS_STORE")
	overrideBool(&cfg.Events.Kafka.Enabled, "LOQA_EVENTS_KAFKA_ENABLED")
	overrideStringSlice(&cfg.Events.Kafka.Brokers, "LOQA_EVENTS_KAFKA_BROKERS")
	overrideString(&cfg.Events.Kafka.Topic, "LOQA_EVENTS_KAFKA_TOPIC")
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

// NeedsBus reports whether the configured components require a NATS connection.
func (c Config) NeedsBus() bool {
	if c.Voice.Provider == "remote" || c.Events.NATS || c.STT.ServeBus {
		return true
	}
	switch c.Voice.Provider {
	case "mock", "exec", "google":
		return c.Voice.AudioSource == "bus"
	}
	return false
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	} else if cfg.NeedsBus() {
		return errors.New("bus.enabled must be true for the configured voice provider, audio source or nats events")
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if strings.TrimSpace(cfg.Voice.Language) == "" {
		return errors.New("voice.language must not be empty")
	}
	switch cfg.Voice.Provider {
	case "scripted", "remote", "none":
	case "mock", "exec", "google":
		switch cfg.Voice.AudioSource {
		case "bus":
		case "wav":
			if cfg.Voice.WAVPath == "" {
				return errors.New("voice.wav_path must be set when audio_source=wav")
			}
		default:
			return errors.New("voice.audio_source must be one of bus|wav")
		}
	default:
		return errors.New("voice.provider must be one of scripted|mock|exec|google|remote|none")
	}
	if cfg.Voice.Provider == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when voice.provider=exec")
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if cfg.STT.Channels <= 0 {
		return errors.New("stt.channels must be positive")
	}
	if cfg.STT.FrameDurationMS <= 0 {
		return errors.New("stt.frame_duration_ms must be positive")
	}
	if cfg.Voice.Provider == "remote" {
		if cfg.Remote.Capability == "" {
			return errors.New("remote.capability must not be empty")
		}
		if cfg.Remote.SilenceTimeoutMS < 0 || cfg.Remote.FinalTimeoutMS < 0 {
			return errors.New("remote timeouts must be >= 0")
		}
	}
	if cfg.Events.Kafka.Enabled {
		if len(cfg.Events.Kafka.Brokers) == 0 {
			return errors.New("events.kafka.brokers must not be empty when kafka is enabled")
		}
		if cfg.Events.Kafka.Topic == "" {
			return errors.New("events.kafka.topic must not be empty when kafka is enabled")
		}
	}
	return nil
}
