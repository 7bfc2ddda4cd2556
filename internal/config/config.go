// Package config loads service configuration from an optional YAML file,
// fills unset values from defaults and applies environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"riskwatch/internal/pipeline"
)

// DefaultSubjects are the industries monitored by scheduled passes
var DefaultSubjects = []string{
	"Automotive",
	"Technology",
	"Healthcare",
	"Manufacturing",
	"Energy",
	"Pharmaceuticals",
	"Semiconductors",
}

// DefaultUrgencyMarker is prepended to alerts when severity reaches the urgency threshold
const DefaultUrgencyMarker = pipeline.DefaultUrgencyMarker

// Config is the root configuration
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	HTTP      HTTPConfig      `yaml:"http"`
	Worker    WorkerConfig    `yaml:"worker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Providers ProvidersConfig `yaml:"providers"`
}

type DatabaseConfig struct {
	URL             string   `yaml:"url"` // sqlite://path or postgres://...
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	LogLevel        string   `yaml:"log_level"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// WorkerConfig configures the async execution backend
type WorkerConfig struct {
	Concurrency     int      `yaml:"concurrency"`
	QueueSize       int      `yaml:"queue_size"`
	MaxRetries      int      `yaml:"max_retries"`
	Backoff         Duration `yaml:"backoff"`          // base delay; attempt n waits base*n*n
	Timeout         Duration `yaml:"timeout"`          // wall-clock budget per attempt
	RequeueInterval Duration `yaml:"requeue_interval"` // how often tasks that missed the queue are handed over again
}

type SchedulerConfig struct {
	Disabled        bool     `yaml:"disabled"`
	Cron            string   `yaml:"cron"`
	Timezone        string   `yaml:"timezone"`
	Subjects        []string `yaml:"subjects"`
	FreshnessWindow Duration `yaml:"freshness_window"`
	ForceUpdate     bool     `yaml:"force_update"`
}

type PipelineConfig struct {
	UrgencyThreshold int    `yaml:"urgency_threshold"`
	UrgencyMarker    string `yaml:"urgency_marker"`
}

type ProvidersConfig struct {
	Search SearchProviderConfig `yaml:"search"`
	LLM    LLMProviderConfig    `yaml:"llm"`
}

type SearchProviderConfig struct {
	BaseURL    string   `yaml:"base_url"`
	APIKeyEnv  string   `yaml:"api_key_env"`
	MaxResults int      `yaml:"max_results"`
	Timeout    Duration `yaml:"timeout"`
}

type LLMProviderConfig struct {
	BaseURL   string   `yaml:"base_url"`
	Model     string   `yaml:"model"`
	APIKeyEnv string   `yaml:"api_key_env"`
	Timeout   Duration `yaml:"timeout"`
}

// Duration is a time.Duration that unmarshals from YAML strings (e.g. "60s", "168h").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the standard time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Defaults returns the built-in configuration
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			URL:             "sqlite://./riskwatch.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: Duration(5 * time.Minute),
			LogLevel:        "WARN",
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		Worker: WorkerConfig{
			Concurrency:     4,
			QueueSize:       256,
			MaxRetries:      3,
			Backoff:         Duration(20 * time.Second),
			Timeout:         Duration(10 * time.Minute),
			RequeueInterval: Duration(time.Minute),
		},
		Scheduler: SchedulerConfig{
			Cron:            "0 9 * * *",
			Timezone:        "UTC",
			Subjects:        append([]string(nil), DefaultSubjects...),
			FreshnessWindow: Duration(7 * 24 * time.Hour),
		},
		Pipeline: PipelineConfig{
			UrgencyThreshold: 8,
			UrgencyMarker:    DefaultUrgencyMarker,
		},
		Providers: ProvidersConfig{
			Search: SearchProviderConfig{
				BaseURL:    "https://api.tavily.com",
				APIKeyEnv:  "TAVILY_API_KEY",
				MaxResults: 5,
				Timeout:    Duration(60 * time.Second),
			},
			LLM: LLMProviderConfig{
				BaseURL:   "https://generativelanguage.googleapis.com",
				Model:     "gemini-1.5-flash",
				APIKeyEnv: "GOOGLE_API_KEY",
				Timeout:   Duration(120 * time.Second),
			},
		},
	}
}

// Load reads path (if non-empty), merges defaults into unset fields and
// applies environment overrides.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		parsed, err := Parse(data)
		if err != nil {
			return nil, err
		}
		cfg = *parsed
	} else {
		cfg = Defaults()
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes YAML bytes and fills zero values from Defaults
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	defaults := Defaults()
	if err := mergo.Merge(&cfg, defaults); err != nil {
		return nil, fmt.Errorf("failed to merge config defaults: %w", err)
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a component
func (c *Config) Validate() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker.max_retries must not be negative, got %d", c.Worker.MaxRetries)
	}
	if c.Worker.RequeueInterval.Duration() < time.Second {
		return fmt.Errorf("worker.requeue_interval must be at least 1s, got %v", c.Worker.RequeueInterval.Duration())
	}
	if c.Pipeline.UrgencyThreshold < 1 || c.Pipeline.UrgencyThreshold > 10 {
		return fmt.Errorf("pipeline.urgency_threshold must be within 1-10, got %d", c.Pipeline.UrgencyThreshold)
	}
	if c.Scheduler.FreshnessWindow.Duration() <= 0 {
		return fmt.Errorf("scheduler.freshness_window must be positive")
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Database.LogLevel = strings.ToUpper(v)
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("SCHEDULE_CRON"); v != "" {
		cfg.Scheduler.Cron = v
	}
	if v := os.Getenv("SCHEDULE_SUBJECTS"); v != "" {
		cfg.Scheduler.Subjects = splitList(v)
	}
	cfg.Database.MaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)
	cfg.Database.ConnMaxLifetime = Duration(getEnvDuration("DB_CONN_MAX_LIFETIME", cfg.Database.ConnMaxLifetime.Duration()))
	cfg.Worker.Concurrency = getEnvInt("WORKER_CONCURRENCY", cfg.Worker.Concurrency)
	cfg.Worker.Timeout = Duration(getEnvDuration("WORKER_TIMEOUT", cfg.Worker.Timeout.Duration()))
	cfg.Worker.Backoff = Duration(getEnvDuration("RETRY_BACKOFF", cfg.Worker.Backoff.Duration()))
	cfg.Scheduler.FreshnessWindow = Duration(getEnvDuration("FRESHNESS_WINDOW", cfg.Scheduler.FreshnessWindow.Duration()))
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration from environment variable with default fallback
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
