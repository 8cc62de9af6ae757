package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPort matches the port the gateway has always shipped with.
const DefaultPort = 35248

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
}

// GatewayConfig configures the public synthesis listener.
type GatewayConfig struct {
	Bind           string `yaml:"bind"`
	Port           int    `yaml:"port"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	MaxLineBytes   int    `yaml:"max_line_bytes"`
	MaxBodyBytes   int    `yaml:"max_body_bytes"`
	MaxConnections int    `yaml:"max_connections"`
}

// AdminConfig configures the health/metrics/listener-control HTTP server.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type SynthesisConfig struct {
	Mode          string `yaml:"mode"` // mock, exec, remote
	Command       string `yaml:"command"`
	Workers       int    `yaml:"workers"`
	QueueDepth    int    `yaml:"queue_depth"`
	TimeoutMS     int    `yaml:"timeout_ms"`
	TempDir       string `yaml:"temp_dir"`
	DefaultLocale string `yaml:"default_locale"`
	SampleRate    int    `yaml:"sample_rate"`
	MockDelayMS   int    `yaml:"mock_delay_ms"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	PublishEvents  bool     `yaml:"publish_events"`
}

// RelayConfig exposes the local engine to other gateways over the bus.
type RelayConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Subject          string `yaml:"subject"`
	QueueGroup       string `yaml:"queue_group"`
	ObjectBucket     string `yaml:"object_bucket"`
	InlineLimitBytes int    `yaml:"inline_limit_bytes"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	Gateway     GatewayConfig   `yaml:"gateway"`
	Admin       AdminConfig     `yaml:"admin"`
	Synthesis   SynthesisConfig `yaml:"synthesis"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Relay       RelayConfig     `yaml:"relay"`
	Store       StoreConfig     `yaml:"store"`
}

// NeedsBus reports whether any enabled component talks to NATS.
func (c Config) NeedsBus() bool {
	return c.Synthesis.Mode == "remote" || c.Relay.Enabled || c.Bus.PublishEvents
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-tts-gateway",
		Environment: "development",
		Gateway: GatewayConfig{
			Bind:           "0.0.0.0",
			Port:           DefaultPort,
			ReadTimeoutMS:  15000,
			WriteTimeoutMS: 30000,
			MaxLineBytes:   8 << 10,
			MaxBodyBytes:   1 << 20,
			MaxConnections: 64,
		},
		Admin: AdminConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    35249,
		},
		Synthesis: SynthesisConfig{
			Mode:        "mock",
			Workers:     1,
			QueueDepth:  32,
			TimeoutMS:   60000,
			SampleRate:  22050,
			MockDelayMS: 50,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Relay: RelayConfig{
			Subject:          "tts.synthesize",
			QueueGroup:       "tts-relay",
			ObjectBucket:     "tts-audio",
			InlineLimitBytes: 512 << 10,
		},
		Store: StoreConfig{
			Path:          "./data/tts-gateway.db",
			RetentionDays: 7,
			MaxJobs:       5000,
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
	overrideString(&cfg.RuntimeName, "TTSGATE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "TTSGATE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.Gateway.Bind, "TTSGATE_GATEWAY_BIND")
	overrideInt(&cfg.Gateway.Port, "TTSGATE_GATEWAY_PORT")
	overrideInt(&cfg.Gateway.ReadTimeoutMS, "TTSGATE_GATEWAY_READ_TIMEOUT_MS")
	overrideInt(&cfg.Gateway.WriteTimeoutMS, "TTSGATE_GATEWAY_WRITE_TIMEOUT_MS")
	overrideInt(&cfg.Gateway.MaxLineBytes, "TTSGATE_GATEWAY_MAX_LINE_BYTES")
	overrideInt(&cfg.Gateway.MaxBodyBytes, "TTSGATE_GATEWAY_MAX_BODY_BYTES")
	overrideInt(&cfg.Gateway.MaxConnections, "TTSGATE_GATEWAY_MAX_CONNECTIONS")
	overrideBool(&cfg.Admin.Enabled, "TTSGATE_ADMIN_ENABLED")
	overrideString(&cfg.Admin.Bind, "TTSGATE_ADMIN_BIND")
	overrideInt(&cfg.Admin.Port, "TTSGATE_ADMIN_PORT")
	overrideString(&cfg.Synthesis.Mode, "TTSGATE_SYNTHESIS_MODE")
	overrideString(&cfg.Synthesis.Command, "TTSGATE_SYNTHESIS_COMMAND")
	overrideInt(&cfg.Synthesis.Workers, "TTSGATE_SYNTHESIS_WORKERS")
	overrideInt(&cfg.Synthesis.QueueDepth, "TTSGATE_SYNTHESIS_QUEUE_DEPTH")
	overrideInt(&cfg.Synthesis.TimeoutMS, "TTSGATE_SYNTHESIS_TIMEOUT_MS")
	overrideString(&cfg.Synthesis.TempDir, "TTSGATE_SYNTHESIS_TEMP_DIR")
	overrideString(&cfg.Synthesis.DefaultLocale, "TTSGATE_SYNTHESIS_DEFAULT_LOCALE")
	overrideInt(&cfg.Synthesis.SampleRate, "TTSGATE_SYNTHESIS_SAMPLE_RATE")
	overrideInt(&cfg.Synthesis.MockDelayMS, "TTSGATE_SYNTHESIS_MOCK_DELAY_MS")
	overrideString(&cfg.Telemetry.LogLevel, "TTSGATE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "TTSGATE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "TTSGATE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "TTSGATE_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Bus.Embedded, "TTSGATE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "TTSGATE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "TTSGATE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "TTSGATE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "TTSGATE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "TTSGATE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "TTSGATE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "TTSGATE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "TTSGATE_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.PublishEvents, "TTSGATE_BUS_PUBLISH_EVENTS")
	overrideBool(&cfg.Relay.Enabled, "TTSGATE_RELAY_ENABLED")
	overrideString(&cfg.Relay.Subject, "TTSGATE_RELAY_SUBJECT")
	overrideString(&cfg.Relay.QueueGroup, "TTSGATE_RELAY_QUEUE_GROUP")
	overrideString(&cfg.Relay.ObjectBucket, "TTSGATE_RELAY_OBJECT_BUCKET")
	overrideInt(&cfg.Relay.InlineLimitBytes, "TTSGATE_RELAY_INLINE_LIMIT_BYTES")
	overrideString(&cfg.Store.Path, "TTSGATE_STORE_PATH")
	overrideInt(&cfg.Store.RetentionDays, "TTSGATE_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxJobs, "TTSGATE_STORE_MAX_JOBS")
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

// ValidListenPort reports whether port may be used for the public listener.
// Privileged ports and 65535 are excluded.
func ValidListenPort(port int) bool {
	return port > 1024 && port < 65535
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if !ValidListenPort(cfg.Gateway.Port) {
		return errors.New("gateway.port must be between 1025 and 65534")
	}
	if cfg.Gateway.ReadTimeoutMS <= 0 || cfg.Gateway.WriteTimeoutMS <= 0 {
		return errors.New("gateway timeouts must be positive")
	}
	if cfg.Gateway.MaxLineBytes < 256 {
		return errors.New("gateway.max_line_bytes must be >= 256")
	}
	if cfg.Gateway.MaxBodyBytes <= 0 {
		return errors.New("gateway.max_body_bytes must be positive")
	}
	if cfg.Gateway.MaxConnections < 0 {
		return errors.New("gateway.max_connections must be >= 0")
	}
	if cfg.Admin.Enabled {
		if cfg.Admin.Port <= 0 || cfg.Admin.Port > 65535 {
			return errors.New("admin.port must be between 1 and 65535")
		}
		if cfg.Admin.Port == cfg.Gateway.Port {
			return errors.New("admin.port must differ from gateway.port")
		}
	}
	switch cfg.Synthesis.Mode {
	case "mock", "exec", "remote":
	default:
		return errors.New("synthesis.mode must be one of mock|exec|remote")
	}
	if cfg.Synthesis.Mode == "exec" && strings.TrimSpace(cfg.Synthesis.Command) == "" {
		return errors.New("synthesis.command must be set when mode=exec")
	}
	if cfg.Synthesis.Workers <= 0 {
		return errors.New("synthesis.workers must be >= 1")
	}
	if cfg.Synthesis.QueueDepth <= 0 {
		return errors.New("synthesis.queue_depth must be >= 1")
	}
	if cfg.Synthesis.TimeoutMS <= 0 {
		return errors.New("synthesis.timeout_ms must be positive")
	}
	if cfg.Synthesis.SampleRate <= 0 {
		return errors.New("synthesis.sample_rate must be positive")
	}
	if cfg.Synthesis.MockDelayMS < 0 {
		return errors.New("synthesis.mock_delay_ms must be >= 0")
	}
	if cfg.NeedsBus() {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Relay.Enabled {
		if cfg.Relay.Subject == "" {
			return errors.New("relay.subject must not be empty when relay is enabled")
		}
		if cfg.Synthesis.Mode == "remote" {
			return errors.New("relay cannot serve a remote synthesis backend")
		}
		if cfg.Relay.InlineLimitBytes <= 0 {
			return errors.New("relay.inline_limit_bytes must be positive")
		}
	}
	if cfg.Synthesis.Mode == "remote" && cfg.Relay.Subject == "" {
		return errors.New("relay.subject must name the remote synthesis subject")
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Store.MaxJobs < 0 {
		return errors.New("store.max_jobs must be >= 0")
	}
	return nil
}
