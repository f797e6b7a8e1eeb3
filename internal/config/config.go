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
	Traces         string `yaml:"traces"` // none, stdout, otlp
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind               string   `yaml:"bind"`
	Port               int      `yaml:"port"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	STT          STTConfig          `yaml:"stt"`
	Stream       StreamConfig       `yaml:"stream"`
	SessionStore SessionStoreConfig `yaml:"session_store"`
	Leases       LeaseConfig        `yaml:"leases"`
	Reconcile    ReconcileConfig    `yaml:"reconcile"`
	Recording    RecordingConfig    `yaml:"recording"`
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
}

// STTConfig selects the recognizer engine and the audio format it accepts.
type STTConfig struct {
	Engine             string `yaml:"engine"` // mock, exec
	Command            string `yaml:"command"`
	ModelPath          string `yaml:"model_path"`
	ModelName          string `yaml:"model_name"`
	Language           string `yaml:"language"`
	SampleRate         int    `yaml:"sample_rate"`
	AllowedSampleRates []int  `yaml:"allowed_sample_rates"`
	Channels           int    `yaml:"channels"`
	UtteranceMS        int    `yaml:"utterance_ms"`
	// DecodeTimeoutMS bounds one exchange with the exec helper.
	DecodeTimeoutMS    int    `yaml:"decode_timeout_ms"`
}

type StreamConfig struct {
	IdleTimeoutMS     int   `yaml:"idle_timeout_ms"`
	WriteTimeoutMS    int   `yaml:"write_timeout_ms"`
	PingIntervalMS    int   `yaml:"ping_interval_ms"`
	FinalizeTimeoutMS int   `yaml:"finalize_timeout_ms"`
	MaxChunkBytes     int64 `yaml:"max_chunk_bytes"`
}

type SessionStoreConfig struct {
	Driver        string `yaml:"driver"` // sqlite, postgres
	Path          string `yaml:"path"`
	DSN           string `yaml:"dsn"`
	AutoMigrate   bool   `yaml:"auto_migrate"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	ListMaxLimit  int    `yaml:"list_max_limit"`
}

type LeaseConfig struct {
	Backend         string `yaml:"backend"` // memory, redis
	RedisAddr       string `yaml:"redis_addr"`
	RedisPassword   string `yaml:"redis_password"`
	RedisDB         int    `yaml:"redis_db"`
	TTLMS           int    `yaml:"ttl_ms"`
	RenewIntervalMS int    `yaml:"renew_interval_ms"`
}

type ReconcileConfig struct {
	Enabled    bool `yaml:"enabled"`
	IntervalMS int  `yaml:"interval_ms"`
	GraceMS    int  `yaml:"grace_ms"`
}

type RecordingConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-transcribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:               "0.0.0.0",
			Port:               8000,
			CORSAllowedOrigins: []string{"*"},
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			Traces:         "none",
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
		},
		STT: STTConfig{
			Engine:             "mock",
			ModelName:          "vosk-small-en",
			Language:           "en",
			SampleRate:         16000,
			AllowedSampleRates: []int{8000, 16000, 44100, 48000},
			Channels:           1,
			UtteranceMS:        2000,
			DecodeTimeoutMS:    10000,
		},
		Stream: StreamConfig{
			IdleTimeoutMS:     30000,
			WriteTimeoutMS:    5000,
			PingIntervalMS:    15000,
			FinalizeTimeoutMS: 10000,
			MaxChunkBytes:     1 << 20,
		},
		SessionStore: SessionStoreConfig{
			Driver:       "sqlite",
			Path:         "./data/transcribe.db",
			AutoMigrate:  true,
			ListMaxLimit: 500,
		},
		Leases: LeaseConfig{
			Backend:         "memory",
			RedisAddr:       "localhost:6379",
			TTLMS:           30000,
			RenewIntervalMS: 10000,
		},
		Reconcile: ReconcileConfig{
			Enabled: true,
			GraceMS: 60000,
		},
		Recording: RecordingConfig{
			Directory: "./data/recordings",
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
	overrideStringSlice(&cfg.HTTP.CORSAllowedOrigins, "LOQA_HTTP_CORS_ALLOWED_ORIGINS")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.Traces, "LOQA_TELEMETRY_TRACES")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.STT.Engine, "LOQA_STT_ENGINE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.ModelName, "LOQA_STT_MODEL_NAME")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideIntSlice(&cfg.STT.AllowedSampleRates, "LOQA_STT_ALLOWED_SAMPLE_RATES")
	overrideInt(&cfg.STT.Channels, "LOQA_STT_CHANNELS")
	overrideInt(&cfg.STT.UtteranceMS, "LOQA_STT_UTTERANCE_MS")
	overrideInt(&cfg.STT.DecodeTimeoutMS, "LOQA_STT_DECODE_TIMEOUT_MS")
	overrideInt(&cfg.Stream.IdleTimeoutMS, "LOQA_STREAM_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Stream.WriteTimeoutMS, "LOQA_STREAM_WRITE_TIMEOUT_MS")
	overrideInt(&cfg.Stream.PingIntervalMS, "LOQA_STREAM_PING_INTERVAL_MS")
	overrideInt(&cfg.Stream.FinalizeTimeoutMS, "LOQA_STREAM_FINALIZE_TIMEOUT_MS")
	overrideInt64(&cfg.Stream.MaxChunkBytes, "LOQA_STREAM_MAX_CHUNK_BYTES")
	overrideString(&cfg.SessionStore.Driver, "LOQA_SESSION_STORE_DRIVER")
	overrideString(&cfg.SessionStore.Path, "LOQA_SESSION_STORE_PATH")
	overrideString(&cfg.SessionStore.DSN, "LOQA_SESSION_STORE_DSN")
	overrideString(&cfg.SessionStore.DSN, "DATABASE_URL")
	overrideBool(&cfg.SessionStore.AutoMigrate, "LOQA_SESSION_STORE_AUTO_MIGRATE")
	overrideInt(&cfg.SessionStore.RetentionDays, "LOQA_SESSION_STORE_RETENTION_DAYS")
	overrideInt(&cfg.SessionStore.MaxSessions, "LOQA_SESSION_STORE_MAX_SESSIONS")
	overrideInt(&cfg.SessionStore.ListMaxLimit, "LOQA_SESSION_STORE_LIST_MAX_LIMIT")
	overrideString(&cfg.Leases.Backend, "LOQA_LEASES_BACKEND")
	overrideString(&cfg.Leases.RedisAddr, "LOQA_LEASES_REDIS_ADDR")
	overrideString(&cfg.Leases.RedisPassword, "LOQA_LEASES_REDIS_PASSWORD")
	overrideInt(&cfg.Leases.RedisDB, "LOQA_LEASES_REDIS_DB")
	overrideInt(&cfg.Leases.TTLMS, "LOQA_LEASES_TTL_MS")
	overrideInt(&cfg.Leases.RenewIntervalMS, "LOQA_LEASES_RENEW_INTERVAL_MS")
	overrideBool(&cfg.Reconcile.Enabled, "LOQA_RECONCILE_ENABLED")
	overrideInt(&cfg.Reconcile.IntervalMS, "LOQA_RECONCILE_INTERVAL_MS")
	overrideInt(&cfg.Reconcile.GraceMS, "LOQA_RECONCILE_GRACE_MS")
	overrideBool(&cfg.Recording.Enabled, "LOQA_RECORDING_ENABLED")
	overrideString(&cfg.Recording.Directory, "LOQA_RECORDING_DIRECTORY")
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

func overrideIntSlice(target *[]int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		var parsed []int
		for _, p := range strings.Split(value, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return
			}
			parsed = append(parsed, n)
		}
		if len(parsed) > 0 {
			*target = parsed
		}
	}
}

// SampleRateAllowed reports whether rate is one the recognizer accepts.
func (c STTConfig) SampleRateAllowed(rate int) bool {
	if rate <= 0 {
		return false
	}
	if len(c.AllowedSampleRates) == 0 {
		return rate == c.SampleRate
	}
	for _, allowed := range c.AllowedSampleRates {
		if allowed == rate {
			return true
		}
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
	switch cfg.Telemetry.Traces {
	case "none", "stdout", "otlp":
	default:
		return errors.New("telemetry.traces must be one of none|stdout|otlp")
	}
	if cfg.Telemetry.Traces == "otlp" && cfg.Telemetry.OTLPEndpoint == "" {
		return errors.New("telemetry.otlp_endpoint must be set when traces=otlp")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.STT.Engine {
	case "mock", "exec":
	default:
		return errors.New("stt.engine must be one of mock|exec")
	}
	if cfg.STT.Engine == "exec" {
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when engine=exec")
		}
		if cfg.STT.ModelPath == "" {
			return errors.New("stt.model_path must be set when engine=exec")
		}
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if !cfg.STT.SampleRateAllowed(cfg.STT.SampleRate) {
		return errors.New("stt.sample_rate must be listed in stt.allowed_sample_rates")
	}
	if cfg.STT.Channels <= 0 {
		return errors.New("stt.channels must be positive")
	}
	if cfg.STT.Engine == "mock" && cfg.STT.UtteranceMS <= 0 {
		return errors.New("stt.utterance_ms must be positive when engine=mock")
	}
	if cfg.STT.DecodeTimeoutMS < 0 {
		return errors.New("stt.decode_timeout_ms must be >= 0")
	}
	if cfg.Stream.IdleTimeoutMS < 0 {
		return errors.New("stream.idle_timeout_ms must be >= 0")
	}
	if cfg.Stream.WriteTimeoutMS <= 0 {
		return errors.New("stream.write_timeout_ms must be positive")
	}
	if cfg.Stream.FinalizeTimeoutMS <= 0 {
		return errors.New("stream.finalize_timeout_ms must be positive")
	}
	if cfg.Stream.MaxChunkBytes <= 0 {
		return errors.New("stream.max_chunk_bytes must be positive")
	}
	switch cfg.SessionStore.Driver {
	case "sqlite":
		if cfg.SessionStore.Path == "" {
			return errors.New("session_store.path must not be empty when driver=sqlite")
		}
	case "postgres":
		if cfg.SessionStore.DSN == "" {
			return errors.New("session_store.dsn must not be empty when driver=postgres")
		}
	default:
		return errors.New("session_store.driver must be one of sqlite|postgres")
	}
	if cfg.SessionStore.RetentionDays < 0 {
		return errors.New("session_store.retention_days must be >= 0")
	}
	if cfg.SessionStore.MaxSessions < 0 {
		return errors.New("session_store.max_sessions must be >= 0")
	}
	if cfg.SessionStore.ListMaxLimit <= 0 {
		return errors.New("session_store.list_max_limit must be positive")
	}
	switch cfg.Leases.Backend {
	case "memory":
	case "redis":
		if cfg.Leases.RedisAddr == "" {
			return errors.New("leases.redis_addr must be set when backend=redis")
		}
	default:
		return errors.New("leases.backend must be one of memory|redis")
	}
	if cfg.Leases.TTLMS <= 0 {
		return errors.New("leases.ttl_ms must be positive")
	}
	if cfg.Leases.RenewIntervalMS <= 0 || cfg.Leases.RenewIntervalMS >= cfg.Leases.TTLMS {
		return errors.New("leases.renew_interval_ms must be positive and shorter than leases.ttl_ms")
	}
	if cfg.Reconcile.IntervalMS < 0 {
		return errors.New("reconcile.interval_ms must be >= 0")
	}
	if cfg.Reconcile.GraceMS < 0 {
		return errors.New("reconcile.grace_ms must be >= 0")
	}
	if cfg.Recording.Enabled && cfg.Recording.Directory == "" {
		return errors.New("recording.directory must not be empty when recording is enabled")
	}
	return nil
}
