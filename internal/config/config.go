// Package config provides YAML-based configuration loading for the dispatch
// service, with environment overrides for secrets.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration, loaded from autodoc.yaml.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Server    ServerConfig    `yaml:"server"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Log       LogConfig       `yaml:"log"`
}

// DatabaseConfig selects the store driver and its connection settings.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // mysql (default), postgres, sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"` // sqlite file, or ":memory:"
}

// SweeperConfig holds the canonical expiration thresholds. A zero
// StaleAcceptanceAfter or MaxLiveDuration disables that rule.
type SweeperConfig struct {
	UnattendedAfter      time.Duration `yaml:"unattended_after"`
	ExpireAfter          time.Duration `yaml:"expire_after"`
	OrphanGrace          time.Duration `yaml:"orphan_grace"`
	StaleAcceptanceAfter time.Duration `yaml:"stale_acceptance_after"`
	MaxLiveDuration      time.Duration `yaml:"max_live_duration"`
	Schedule             string        `yaml:"schedule"`
	Disabled             bool          `yaml:"disabled"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	JWTSecret      string   `yaml:"jwt_secret"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// BroadcastConfig enables the optional out-of-process publishers. The
// in-process event stream is always on.
type BroadcastConfig struct {
	Redis   RedisConfig `yaml:"redis"`
	AMQP    AMQPConfig  `yaml:"amqp"`
	Command string      `yaml:"command"` // shell template run per event, e.g. "notify-send {{.Type}}"
}

// RedisConfig configures the Redis pub/sub publisher. Empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// AMQPConfig configures the RabbitMQ fanout publisher. Empty URL disables it.
type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// LogConfig configures the logrus logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json (default) or text
}

// Default thresholds.
const (
	DefaultUnattendedAfter      = 5 * time.Minute
	DefaultExpireAfter          = 120 * time.Minute
	DefaultOrphanGrace          = time.Minute
	DefaultStaleAcceptanceAfter = 30 * time.Minute
	DefaultMaxLiveDuration      = 3 * time.Hour
	DefaultSchedule             = "* * * * *"
)

// Environment variables that override file values.
const (
	EnvDBPassword = "AUTODOC_DB_PASSWORD"
	EnvJWTSecret  = "AUTODOC_JWT_SECRET"
	EnvRedisAddr  = "AUTODOC_REDIS_ADDR"
	EnvAMQPURL    = "AUTODOC_AMQP_URL"
	EnvLogLevel   = "AUTODOC_LOG_LEVEL"
)

// Load reads a YAML config file from path, applies a sibling .env file and
// environment overrides, and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load %s: %w", envFile, err)
	}
	return parse(data, os.Getenv)
}

// Parse unmarshals YAML bytes into a validated Config without consulting
// the environment.
func Parse(data []byte) (*Config, error) {
	return parse(data, nil)
}

func parse(data []byte, getenv func(string) string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if getenv != nil {
		cfg.applyEnv(getenv)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides secrets and endpoints from the environment.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvDBPassword); v != "" {
		c.Database.Password = v
	}
	if v := getenv(EnvJWTSecret); v != "" {
		c.Server.JWTSecret = v
	}
	if v := getenv(EnvRedisAddr); v != "" {
		c.Broadcast.Redis.Addr = v
	}
	if v := getenv(EnvAMQPURL); v != "" {
		c.Broadcast.AMQP.URL = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	d := &c.Database
	if d.Driver == "" {
		d.Driver = "mysql"
	}
	if d.Host == "" && d.Driver != "sqlite" {
		d.Host = "127.0.0.1"
	}
	if d.Port == 0 {
		switch d.Driver {
		case "mysql":
			d.Port = 3306
		case "postgres":
			d.Port = 5432
		}
	}
	if d.Name == "" && d.Driver != "sqlite" {
		d.Name = "autodoc"
	}
	if d.Path == "" && d.Driver == "sqlite" {
		d.Path = "autodoc.db"
	}

	s := &c.Sweeper
	if s.UnattendedAfter == 0 {
		s.UnattendedAfter = DefaultUnattendedAfter
	}
	if s.ExpireAfter == 0 {
		s.ExpireAfter = DefaultExpireAfter
	}
	if s.OrphanGrace == 0 {
		s.OrphanGrace = DefaultOrphanGrace
	}
	if s.Schedule == "" {
		s.Schedule = DefaultSchedule
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Broadcast.Redis.Channel == "" {
		c.Broadcast.Redis.Channel = "autodoc.requests"
	}
	if c.Broadcast.AMQP.Exchange == "" {
		c.Broadcast.AMQP.Exchange = "autodoc.requests"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// validate checks that all fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not one of mysql, postgres, sqlite", c.Database.Driver))
	}

	s := c.Sweeper
	if s.UnattendedAfter < 0 || s.ExpireAfter < 0 || s.OrphanGrace < 0 ||
		s.StaleAcceptanceAfter < 0 || s.MaxLiveDuration < 0 {
		errs = append(errs, "sweeper thresholds must not be negative")
	}
	if s.UnattendedAfter >= s.ExpireAfter {
		errs = append(errs, fmt.Sprintf("sweeper.unattended_after (%s) must be shorter than sweeper.expire_after (%s)", s.UnattendedAfter, s.ExpireAfter))
	}
	if _, err := ParseSchedule(s.Schedule); err != nil {
		errs = append(errs, fmt.Sprintf("sweeper.schedule: %v", err))
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not one of json, text", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSchedule parses a standard 5-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	return scheduleParser.Parse(expr)
}
