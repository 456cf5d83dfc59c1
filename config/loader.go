// Package config loads the service configuration: defaults, then an
// optional YAML file, then environment variables. The environment names
// are bound per-field with literal env tags because the recognised
// variables share no common prefix.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Stream    StreamConfig    `yaml:"stream"`
	Engine    EngineConfig    `yaml:"engine"`
	LLM       LLMConfig       `yaml:"llm"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Perf      PerfConfig      `yaml:"perf"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	EnableLegacySSE bool          `yaml:"enable_legacy_sse" env:"ENABLE_LEGACY_SSE"`
}

// AuthConfig configures the request edge.
type AuthConfig struct {
	APIKey            string   `yaml:"api_key" env:"ASSIST_API_KEY"`
	APIKeys           []string `yaml:"api_keys" env:"ASSIST_API_KEYS"`
	HMACSecret        string   `yaml:"hmac_secret" env:"HMAC_SECRET"`
	HMACMaxSkewMS     int      `yaml:"hmac_max_skew_ms" env:"HMAC_MAX_SKEW_MS"`
	RedisNonceEnabled bool     `yaml:"redis_nonce_enabled" env:"REDIS_HMAC_NONCE_ENABLED"`
	AdminToken        string   `yaml:"admin_token" env:"ADMIN_TOKEN"`
	ShareSecret       string   `yaml:"share_secret" env:"SHARE_SECRET"`
}

// Keys merges the single-key and multi-key settings into one list.
func (a AuthConfig) Keys() []string {
	var keys []string
	if a.APIKey != "" {
		keys = append(keys, a.APIKey)
	}
	for _, k := range a.APIKeys {
		k = strings.TrimSpace(k)
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// HMACMaxSkew returns the skew window as a duration.
func (a AuthConfig) HMACMaxSkew() time.Duration {
	return time.Duration(a.HMACMaxSkewMS) * time.Millisecond
}

// RateLimitConfig configures the per-key token buckets. Stream requests
// carry a stricter capacity.
type RateLimitConfig struct {
	Capacity           float64 `yaml:"capacity" env:"RATE_LIMIT_CAPACITY"`
	RefillPerSec       float64 `yaml:"refill_per_sec" env:"RATE_LIMIT_REFILL_PER_SEC"`
	StreamCapacity     float64 `yaml:"stream_capacity" env:"RATE_LIMIT_STREAM_CAPACITY"`
	StreamRefillPerSec float64 `yaml:"stream_refill_per_sec" env:"RATE_LIMIT_STREAM_REFILL_PER_SEC"`
}

// StreamConfig configures the SSE live-resume channel.
type StreamConfig struct {
	RingCapacity     int           `yaml:"ring_capacity" env:"STREAM_RING_CAPACITY"`
	HeartbeatEvery   time.Duration `yaml:"heartbeat_every"`
	ResumeRetention  time.Duration `yaml:"resume_retention"`
	GateWindow       time.Duration `yaml:"gate_window"`
	GateFailFastMode bool          `yaml:"gate_fail_fast" env:"STREAM_GATE_FAIL_FAST"`
}

// EngineConfig configures the downstream validation engine (ISL).
type EngineConfig struct {
	BaseURL                 string `yaml:"base_url" env:"ISL_BASE_URL"`
	TimeoutMS               int    `yaml:"timeout_ms" env:"ISL_TIMEOUT_MS"`
	MaxRetries              int    `yaml:"max_retries" env:"ISL_MAX_RETRIES"`
	CausalValidationEnabled bool   `yaml:"causal_validation_enabled" env:"CEE_CAUSAL_VALIDATION_ENABLED"`
}

// Timeout returns the engine timeout as a duration.
func (e EngineConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutMS) * time.Millisecond
}

// LLMConfig selects the provider and models.
type LLMConfig struct {
	Provider           string        `yaml:"provider" env:"LLM_PROVIDER"`
	Model              string        `yaml:"model" env:"LLM_MODEL"`
	ModelDraft         string        `yaml:"model_draft" env:"CEE_MODEL_DRAFT"`
	ModelClarification string        `yaml:"model_clarification" env:"CEE_MODEL_CLARIFICATION"`
	AnthropicAPIKey    string        `yaml:"anthropic_api_key" env:"ANTHROPIC_API_KEY"`
	OpenAIAPIKey       string        `yaml:"openai_api_key" env:"OPENAI_API_KEY"`
	BaseURL            string        `yaml:"base_url" env:"BASE_URL"`
	DraftTimeout       time.Duration `yaml:"draft_timeout"`
	MaxRepairRetries   int           `yaml:"max_repair_retries"`
}

// DraftModel resolves the model used for the draft task, preferring the
// task-specific override.
func (l LLMConfig) DraftModel() string {
	if l.ModelDraft != "" {
		return l.ModelDraft
	}
	return l.Model
}

// RedisConfig configures the shared cache backend.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" env:"REDIS_ENABLED"`
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// TelemetryConfig configures the OTel SDK.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"TELEMETRY_ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"TELEMETRY_SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"TELEMETRY_SAMPLE_RATE"`
}

// PerfConfig parameterises the load-generation harness.
type PerfConfig struct {
	TargetURL   string `yaml:"target_url" env:"PERF_TARGET_URL"`
	DurationSec int    `yaml:"duration_sec" env:"PERF_DURATION_SEC"`
	Concurrent  int    `yaml:"concurrent" env:"PERF_CONCURRENT"`
	Mode        string `yaml:"mode" env:"PERF_MODE"`
}

// Loader builds a Config from defaults, file and environment.
type Loader struct {
	configPath string
	validators []func(*Config) error
}

// NewLoader creates a Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithValidator appends an extra validator.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration: defaults, then the YAML file when one
// is set, then environment variables, then validation with clamping.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, err
		}
	}
	if err := setFieldsFromEnv(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// setFieldsFromEnv walks the struct and applies the literal env tag of
// each field. Struct fields recurse whether or not they carry a tag.
func setFieldsFromEnv(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := setFieldsFromEnv(field); err != nil {
				return err
			}
			continue
		}

		envKey := fieldType.Tag.Get("env")
		if envKey == "" || envKey == "-" {
			continue
		}
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// Validate applies the documented clamps and consistency checks.
func (c *Config) Validate() error {
	if c.Engine.TimeoutMS < 100 {
		c.Engine.TimeoutMS = 100
	}
	if c.Engine.TimeoutMS > 30000 {
		c.Engine.TimeoutMS = 30000
	}
	if c.Engine.MaxRetries < 0 {
		c.Engine.MaxRetries = 0
	}
	if c.Engine.MaxRetries > 5 {
		c.Engine.MaxRetries = 5
	}
	if c.Auth.HMACMaxSkewMS <= 0 {
		c.Auth.HMACMaxSkewMS = 300000
	}

	switch c.LLM.Provider {
	case "anthropic", "openai", "fixtures":
	case "":
		c.LLM.Provider = "fixtures"
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLM.Provider)
	}

	switch c.Perf.Mode {
	case "", "dry", "full":
	default:
		return fmt.Errorf("unknown PERF_MODE %q", c.Perf.Mode)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	return nil
}

// MustLoad loads the configuration or panics; used by main.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads defaults plus environment only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}
