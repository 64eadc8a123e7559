package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type AuthConfig struct {
	Enabled bool     `yaml:"enabled"`
	APIKeys []string `yaml:"apiKeys"`
}

// RateLimitConfig limits calls to the control API, not outbound fetches.
type RateLimitConfig struct {
	DefaultPerMinute int `yaml:"defaultPerMinute"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// IdentityConfig is one outbound request identity in the rotation.
type IdentityConfig struct {
	UserAgent      string            `yaml:"userAgent"`
	AcceptLanguage string            `yaml:"acceptLanguage"`
	Headers        map[string]string `yaml:"headers"`
}

// FetcherConfig controls how a single item identifier is fetched.
type FetcherConfig struct {
	// Engine selects the fetch implementation: "http" or "browser".
	Engine string `yaml:"engine"`
	// URLTemplate must contain the {id} placeholder.
	URLTemplate   string           `yaml:"urlTemplate"`
	TimeoutMs     int              `yaml:"timeoutMs"`
	BrowserURL    string           `yaml:"browserURL"`
	RespectRobots bool             `yaml:"respectRobots"`
	Identities    []IdentityConfig `yaml:"identities"`
}

type JobConfig struct {
	BatchSize       int `yaml:"batchSize"`
	MaxAttempts     int `yaml:"maxAttempts"`
	CheckpointEvery int `yaml:"checkpointEvery"`
	RecentErrors    int `yaml:"recentErrors"`
	ClaimTTLSeconds int `yaml:"claimTTLSeconds"`
	MaxItems        int `yaml:"maxItems"`
}

// WindowConfig restricts processing to a time-of-day range in an IANA
// time zone. Start after End means the window wraps midnight.
type WindowConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Start    string `yaml:"start"`
	End      string `yaml:"end"`
	Timezone string `yaml:"timezone"`
}

type ThrottleConfig struct {
	MinDelayMs int          `yaml:"minDelayMs"`
	MaxDelayMs int          `yaml:"maxDelayMs"`
	MaxPerHour int          `yaml:"maxPerHour"`
	MaxPerDay  int          `yaml:"maxPerDay"`
	Window     WindowConfig `yaml:"window"`
}

type BreakerConfig struct {
	Threshold       int  `yaml:"threshold"`
	CooldownSeconds int  `yaml:"cooldownSeconds"`
	HalfOpenProbe   bool `yaml:"halfOpenProbe"`
}

type HealthConfig struct {
	IntervalSeconds int     `yaml:"intervalSeconds"`
	LowSuccessRate  float64 `yaml:"lowSuccessRate"`
	RedisKeyPrefix  string  `yaml:"redisKeyPrefix"`
	TTLSeconds      int     `yaml:"ttlSeconds"`
}

// RetentionConfig controls TTL-like deletion of finished jobs so that
// the database does not grow without bound over time.
type RetentionConfig struct {
	Enabled                bool `yaml:"enabled"`
	CleanupIntervalMinutes int  `yaml:"cleanupIntervalMinutes"`
	Days                   int  `yaml:"days"`
}

type WorkerConfig struct {
	ResumeOnStart bool `yaml:"resumeOnStart"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Log       LogConfig       `yaml:"log"`
	Fetcher   FetcherConfig   `yaml:"fetcher"`
	Job       JobConfig       `yaml:"job"`
	Throttle  ThrottleConfig  `yaml:"throttle"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Health    HealthConfig    `yaml:"health"`
	Retention RetentionConfig `yaml:"retention"`
	Worker    WorkerConfig    `yaml:"worker"`
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Load reads, defaults and validates the YAML config at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values with working defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Fetcher.Engine == "" {
		c.Fetcher.Engine = "http"
	}
	if c.Fetcher.TimeoutMs <= 0 {
		c.Fetcher.TimeoutMs = 30000
	}
	if c.Job.BatchSize <= 0 {
		c.Job.BatchSize = 50
	}
	if c.Job.MaxAttempts <= 0 {
		c.Job.MaxAttempts = 3
	}
	if c.Job.CheckpointEvery <= 0 {
		c.Job.CheckpointEvery = 10
	}
	if c.Job.RecentErrors <= 0 {
		c.Job.RecentErrors = 10
	}
	if c.Job.ClaimTTLSeconds <= 0 {
		c.Job.ClaimTTLSeconds = 900
	}
	if c.Throttle.Window.Timezone == "" {
		c.Throttle.Window.Timezone = "UTC"
	}
	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = 5
	}
	if c.Breaker.CooldownSeconds <= 0 {
		c.Breaker.CooldownSeconds = 300
	}
	if c.Health.IntervalSeconds <= 0 {
		c.Health.IntervalSeconds = 30
	}
	if c.Health.LowSuccessRate <= 0 {
		c.Health.LowSuccessRate = 0.8
	}
	if c.Health.RedisKeyPrefix == "" {
		c.Health.RedisKeyPrefix = "harvest:health"
	}
	if c.Health.TTLSeconds <= 0 {
		c.Health.TTLSeconds = 300
	}
	if c.Retention.CleanupIntervalMinutes <= 0 {
		c.Retention.CleanupIntervalMinutes = 60
	}
}

// Validate checks the settings the job processor cannot run without.
func (c *Config) Validate() error {
	var problems []string

	if c.Database.DSN == "" {
		problems = append(problems, "database.dsn is required")
	}
	if err := c.ValidateJob(); err != nil {
		problems = append(problems, strings.TrimPrefix(err.Error(), ErrInvalid.Error()+": "))
	}
	switch c.Fetcher.Engine {
	case "http", "browser":
	default:
		problems = append(problems, fmt.Sprintf("fetcher.engine %q must be http or browser", c.Fetcher.Engine))
	}
	if !strings.Contains(c.Fetcher.URLTemplate, "{id}") {
		problems = append(problems, "fetcher.urlTemplate must contain {id}")
	}
	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		problems = append(problems, "auth.apiKeys is required when auth is enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// ValidateJob checks only the settings the orchestrator needs to create
// and drive a job. It is run again before every Start so a bad runtime
// config fails before anything is persisted.
func (c *Config) ValidateJob() error {
	var problems []string

	if c.Job.BatchSize <= 0 {
		problems = append(problems, "job.batchSize must be positive")
	}
	if c.Job.MaxAttempts <= 0 {
		problems = append(problems, "job.maxAttempts must be positive")
	}
	t := c.Throttle
	if t.MinDelayMs < 0 || t.MaxDelayMs < 0 {
		problems = append(problems, "throttle delays must not be negative")
	}
	if t.MaxDelayMs < t.MinDelayMs {
		problems = append(problems, "throttle.maxDelayMs must be >= minDelayMs")
	}
	if t.MaxPerHour < 0 || t.MaxPerDay < 0 {
		problems = append(problems, "throttle quotas must not be negative")
	}
	if t.Window.Enabled {
		if _, err := ParseClock(t.Window.Start); err != nil {
			problems = append(problems, "throttle.window.start: "+err.Error())
		}
		if _, err := ParseClock(t.Window.End); err != nil {
			problems = append(problems, "throttle.window.end: "+err.Error())
		}
		if _, err := time.LoadLocation(t.Window.Timezone); err != nil {
			problems = append(problems, "throttle.window.timezone: "+err.Error())
		}
	}
	if c.Breaker.Threshold <= 0 {
		problems = append(problems, "breaker.threshold must be positive")
	}
	if c.Breaker.CooldownSeconds < 0 {
		problems = append(problems, "breaker.cooldownSeconds must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (t ThrottleConfig) MinDelay() time.Duration {
	return time.Duration(t.MinDelayMs) * time.Millisecond
}

func (t ThrottleConfig) MaxDelay() time.Duration {
	return time.Duration(t.MaxDelayMs) * time.Millisecond
}

func (b BreakerConfig) Cooldown() time.Duration {
	return time.Duration(b.CooldownSeconds) * time.Second
}

func (j JobConfig) ClaimTTL() time.Duration {
	return time.Duration(j.ClaimTTLSeconds) * time.Second
}

func (h HealthConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}
