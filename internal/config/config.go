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
	LogLevel         string  `yaml:"log_level"`
	TraceExporter    string  `yaml:"trace_exporter"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
	OTLPEndpoint     string  `yaml:"otlp_endpoint"`
	OTLPInsecure     bool    `yaml:"otlp_insecure"`
	PrometheusBind   string  `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind   string `yaml:"bind"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Storage     StorageConfig    `yaml:"storage"`
	Engine      EngineConfig     `yaml:"engine"`
	Voice       VoiceConfig      `yaml:"voice"`
	Artifact    ArtifactConfig   `yaml:"artifact"`
	Jobs        JobsConfig       `yaml:"jobs"`
	Fleet       FleetConfig      `yaml:"fleet"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
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
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	PrivacyScope  string `yaml:"privacy_scope"`
}

// StorageConfig locates the scratch space shared by voice copies, segments and
// assembled outputs.
type StorageConfig struct {
	WorkDir string `yaml:"work_dir"`
}

type EngineConfig struct {
	Mode             string `yaml:"mode"` // mock, exec
	Command          string `yaml:"command"`
	Model            string `yaml:"model"`
	Device           string `yaml:"device"` // auto, cpu, cuda
	AcceptLicense    bool   `yaml:"accept_license"`
	SampleRate       int    `yaml:"sample_rate"`
	Channels         int    `yaml:"channels"`
	StartupTimeoutMS int    `yaml:"startup_timeout_ms"`
}

type VoiceConfig struct {
	TimeoutMS int   `yaml:"timeout_ms"`
	MaxBytes  int64 `yaml:"max_bytes"`
	Attempts  int   `yaml:"attempts"`
}

type ArtifactConfig struct {
	Mode      string `yaml:"mode"` // dir, objectstore
	Directory string `yaml:"directory"`
	BaseURL   string `yaml:"base_url"`
	Bucket    string `yaml:"bucket"`
}

type JobsConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Concurrency      int    `yaml:"max_concurrency"`
	TimeoutMS        int    `yaml:"timeout_ms"`
	QueueGroup       string `yaml:"queue_group"`
	WebhookTimeoutMS int    `yaml:"webhook_timeout_ms"`
}

// FleetConfig controls how this worker advertises itself to its peers on the bus.
type FleetConfig struct {
	WorkerID            string `yaml:"worker_id"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			TraceExporter:    "none",
			TraceSampleRatio: 1,
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "0.0.0.0",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-voice-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxJobs:       10000,
			PrivacyScope:  "internal",
		},
		Storage: StorageConfig{
			WorkDir: os.TempDir(),
		},
		Engine: EngineConfig{
			Mode:             "mock",
			Model:            "tts_models/multilingual/multi-dataset/xtts_v2",
			Device:           "auto",
			SampleRate:       24000,
			Channels:         1,
			StartupTimeoutMS: 120000,
		},
		Voice: VoiceConfig{
			TimeoutMS: 60000,
			MaxBytes:  50 << 20,
			Attempts:  3,
		},
		Artifact: ArtifactConfig{
			Mode:      "dir",
			Directory: "./data/artifacts",
			BaseURL:   "http://localhost:8080/artifacts",
			Bucket:    "loqa-voice-artifacts",
		},
		Jobs: JobsConfig{
			Enabled:          true,
			Concurrency:      1,
			TimeoutMS:        600000,
			QueueGroup:       "loqa-voice-workers",
			WebhookTimeoutMS: 10000,
		},
		Fleet: FleetConfig{
			HeartbeatIntervalMS: 5000,
			HeartbeatTimeoutMS:  15000,
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
	overrideString(&cfg.HTTP.APIKey, "LOQA_HTTP_API_KEY")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_TELEMETRY_TRACE_EXPORTER")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "LOQA_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxJobs, "LOQA_EVENT_STORE_MAX_JOBS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.EventStore.PrivacyScope, "LOQA_EVENT_STORE_PRIVACY_SCOPE")
	overrideString(&cfg.Storage.WorkDir, "LOQA_STORAGE_WORK_DIR")
	overrideString(&cfg.Engine.Mode, "LOQA_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "LOQA_ENGINE_COMMAND")
	overrideString(&cfg.Engine.Model, "LOQA_ENGINE_MODEL")
	overrideString(&cfg.Engine.Device, "LOQA_ENGINE_DEVICE")
	overrideBool(&cfg.Engine.AcceptLicense, "LOQA_ENGINE_ACCEPT_LICENSE")
	overrideInt(&cfg.Engine.SampleRate, "LOQA_ENGINE_SAMPLE_RATE")
	overrideInt(&cfg.Engine.Channels, "LOQA_ENGINE_CHANNELS")
	overrideInt(&cfg.Engine.StartupTimeoutMS, "LOQA_ENGINE_STARTUP_TIMEOUT_MS")
	overrideInt(&cfg.Voice.TimeoutMS, "LOQA_VOICE_TIMEOUT_MS")
	overrideInt64(&cfg.Voice.MaxBytes, "LOQA_VOICE_MAX_BYTES")
	overrideInt(&cfg.Voice.Attempts, "LOQA_VOICE_ATTEMPTS")
	overrideString(&cfg.Artifact.Mode, "LOQA_ARTIFACT_MODE")
	overrideString(&cfg.Artifact.Directory, "LOQA_ARTIFACT_DIRECTORY")
	overrideString(&cfg.Artifact.BaseURL, "LOQA_ARTIFACT_BASE_URL")
	overrideString(&cfg.Artifact.Bucket, "LOQA_ARTIFACT_BUCKET")
	overrideBool(&cfg.Jobs.Enabled, "LOQA_JOBS_ENABLED")
	overrideInt(&cfg.Jobs.Concurrency, "LOQA_JOBS_MAX_CONCURRENCY")
	overrideInt(&cfg.Jobs.TimeoutMS, "LOQA_JOBS_TIMEOUT_MS")
	overrideString(&cfg.Jobs.QueueGroup, "LOQA_JOBS_QUEUE_GROUP")
	overrideInt(&cfg.Jobs.WebhookTimeoutMS, "LOQA_JOBS_WEBHOOK_TIMEOUT_MS")
	overrideString(&cfg.Fleet.WorkerID, "LOQA_FLEET_WORKER_ID")
	overrideInt(&cfg.Fleet.HeartbeatIntervalMS, "LOQA_FLEET_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Fleet.HeartbeatTimeoutMS, "LOQA_FLEET_HEARTBEAT_TIMEOUT_MS")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
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
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
		if cfg.Bus.StoreDir == "" {
			return errors.New("bus.store_dir must not be empty when embedded mode is enabled")
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
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Storage.WorkDir == "" {
		return errors.New("storage.work_dir must not be empty")
	}
	switch cfg.Engine.Mode {
	case "mock", "exec":
	default:
		return errors.New("engine.mode must be one of mock|exec")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	switch cfg.Engine.Device {
	case "auto", "cpu", "cuda":
	default:
		return errors.New("engine.device must be one of auto|cpu|cuda")
	}
	if cfg.Engine.SampleRate <= 0 {
		return errors.New("engine.sample_rate must be positive")
	}
	if cfg.Engine.Channels <= 0 {
		return errors.New("engine.channels must be positive")
	}
	if cfg.Voice.MaxBytes <= 0 {
		return errors.New("voice.max_bytes must be positive")
	}
	if cfg.Voice.Attempts <= 0 {
		return errors.New("voice.attempts must be >= 1")
	}
	switch cfg.Artifact.Mode {
	case "dir":
		if cfg.Artifact.Directory == "" {
			return errors.New("artifact.directory must be set when mode=dir")
		}
	case "objectstore":
		if cfg.Artifact.Bucket == "" {
			return errors.New("artifact.bucket must be set when mode=objectstore")
		}
	default:
		return errors.New("artifact.mode must be one of dir|objectstore")
	}
	if cfg.Jobs.Enabled {
		if cfg.Jobs.Concurrency <= 0 {
			return errors.New("jobs.max_concurrency must be >= 1")
		}
		if cfg.Jobs.TimeoutMS < 0 {
			return errors.New("jobs.timeout_ms must be >= 0")
		}
	}
	if cfg.Fleet.HeartbeatIntervalMS <= 0 {
		return errors.New("fleet.heartbeat_interval_ms must be positive")
	}
	if cfg.Fleet.HeartbeatTimeoutMS <= cfg.Fleet.HeartbeatIntervalMS {
		return errors.New("fleet.heartbeat_timeout_ms must exceed the heartbeat interval")
	}
	return nil
}
