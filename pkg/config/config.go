// Package config loads the daemon configuration and publishes it as an
// atomically swappable snapshot: readers always see one consistent config,
// admin edits publish a new snapshot instead of mutating fields in place.
package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/promptmux/promptmux/pkg/banword"
	"github.com/promptmux/promptmux/pkg/models"
)

// Config is one immutable configuration snapshot.
type Config struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`

	Store struct {
		Type          string `yaml:"type"` // memory, sqlite, postgres, redis
		DSN           string `yaml:"dsn"`
		RedisPassword string `yaml:"redis_password"`
		RedisDB       int    `yaml:"redis_db"`
	} `yaml:"store"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
		File  bool   `yaml:"file"`
	} `yaml:"log"`

	Tracing struct {
		Enabled     bool   `yaml:"enabled"`
		Endpoint    string `yaml:"endpoint"` // OTLP HTTP, e.g. localhost:4318
		Environment string `yaml:"environment"`
	} `yaml:"tracing"`

	// Global webhook for job state changes; per-job URLs override it.
	NotifyURL string `yaml:"notify_url"`

	// Account selection rule: BestWaitIdle, RoundRobin, Random, Weight.
	SelectionRule string `yaml:"selection_rule"`

	// Bearer token required on the HTTP API; empty disables auth.
	APISecret string `yaml:"api_secret"`

	// Requests per second per client IP on the submit endpoints.
	SubmitRPS float64 `yaml:"submit_rps"`

	BannedWords []string            `yaml:"banned_words"`
	Domains     []banword.DomainTag `yaml:"domains"`

	// Bootstrap accounts; the admin API manages the rest.
	Accounts []*models.Account `yaml:"accounts"`

	// Terminal jobs older than this are pruned.
	Retention Duration `yaml:"retention"`
}

// Duration decodes YAML durations from "720h" strings or plain seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = Duration(time.Duration(n) * time.Second)
	return nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func defaults() *Config {
	c := &Config{}
	c.Server.Host = "0.0.0.0"
	c.Server.Port = 8086
	c.Store.Type = "sqlite"
	c.Store.DSN = "promptmux.db"
	c.Log.Level = "INFO"
	c.SelectionRule = "BestWaitIdle"
	c.SubmitRPS = 5
	c.Retention = Duration(30 * 24 * time.Hour)
	return c
}

// Load reads the YAML file (if present) and applies environment overrides
// with the PROMPTMUX_ prefix.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix("PROMPTMUX")
	v.AutomaticEnv()
	if s := v.GetString("HOST"); s != "" {
		cfg.Server.Host = s
	}
	if p := v.GetInt("PORT"); p != 0 {
		cfg.Server.Port = p
	}
	if s := v.GetString("STORE_TYPE"); s != "" {
		cfg.Store.Type = s
	}
	if s := v.GetString("STORE_DSN"); s != "" {
		cfg.Store.DSN = s
	}
	if s := v.GetString("REDIS_PASSWORD"); s != "" {
		cfg.Store.RedisPassword = s
	}
	if s := v.GetString("LOG_LEVEL"); s != "" {
		cfg.Log.Level = s
	}
	if s := v.GetString("NOTIFY_URL"); s != "" {
		cfg.NotifyURL = s
	}
	if s := v.GetString("API_SECRET"); s != "" {
		cfg.APISecret = s
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Type {
	case "memory", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	return nil
}

// Provider publishes config snapshots.
type Provider struct {
	current atomic.Pointer[Config]
}

// NewProvider seeds the provider with the initial snapshot.
func NewProvider(initial *Config) *Provider {
	p := &Provider{}
	p.current.Store(initial)
	return p
}

// Snapshot returns the current config. The returned value must not be
// mutated; publish changes with Swap.
func (p *Provider) Snapshot() *Config {
	return p.current.Load()
}

// Swap publishes a new snapshot.
func (p *Provider) Swap(next *Config) {
	p.current.Store(next)
}
