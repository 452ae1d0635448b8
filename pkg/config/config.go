// Package config loads the kestrel server configuration from a YAML file,
// KESTREL_ environment variables and bound command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/psantana5/kestrel/pkg/coordinator"
	"github.com/psantana5/kestrel/pkg/resolver"
	"github.com/psantana5/kestrel/pkg/scheduler"
	"github.com/psantana5/kestrel/pkg/store"
	tlsutil "github.com/psantana5/kestrel/pkg/tls"
	"github.com/psantana5/kestrel/pkg/tracing"
)

// EnvPrefix is the prefix of every environment override
const EnvPrefix = "KESTREL"

// Config is the server configuration
type Config struct {
	Server      ServerConfig       `mapstructure:"server"`
	TLS         tlsutil.Config     `mapstructure:"tls"`
	Store       store.Config       `mapstructure:"store"`
	Catalog     string             `mapstructure:"catalog"` // YAML seed file, optional
	Jobs        JobsConfig         `mapstructure:"jobs"`
	Coordinator coordinator.Config `mapstructure:"coordinator"`
	Scheduler   SchedulerConfig    `mapstructure:"scheduler"`
	Auth        AuthConfig         `mapstructure:"auth"`
	RateLimit   RateLimitConfig    `mapstructure:"rate_limit"`
	Log         LogConfig          `mapstructure:"log"`
	Tracing     tracing.Config     `mapstructure:"tracing"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// JobsConfig holds the resolution defaults
type JobsConfig struct {
	DefaultMemory         int    `mapstructure:"default_memory"`
	MaxMemory             int    `mapstructure:"max_memory"`
	Directory             string `mapstructure:"directory"`
	ArchivePrefix         string `mapstructure:"archive_prefix"`
	DefaultTimeoutSeconds int    `mapstructure:"default_timeout_seconds"`
	Selector              string `mapstructure:"selector"` // lowest-id or random
	SelectorSeed          int64  `mapstructure:"selector_seed"`
}

// SchedulerConfig configures admission and the unclaimed job reaper
type SchedulerConfig struct {
	scheduler.Config `mapstructure:",squash"`

	Counter string                `mapstructure:"counter"` // local or redis
	Redis   scheduler.RedisConfig `mapstructure:"redis"`
}

// AuthConfig configures API keys and claim tokens
type AuthConfig struct {
	// APIKeys protect job submission and kill, empty disables the check
	APIKeys   []string `mapstructure:"api_keys"`
	TokenCost int      `mapstructure:"token_cost"`
}

// RateLimitConfig is the per client request limit
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// LogConfig configures the server logger
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
	File   string `mapstructure:"file"`
}

// SetDefaults registers every default on v
func SetDefaults(v *viper.Viper) {
	props := resolver.DefaultProperties()
	sched := scheduler.DefaultConfig()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.dsn", "kestrel.db")
	v.SetDefault("store.max_open_conns", 25)
	v.SetDefault("store.max_idle_conns", 5)
	v.SetDefault("store.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("jobs.default_memory", props.DefaultMemory)
	v.SetDefault("jobs.max_memory", props.MaxMemory)
	v.SetDefault("jobs.directory", props.JobsDirectory)
	v.SetDefault("jobs.archive_prefix", props.ArchivePrefix)
	v.SetDefault("jobs.default_timeout_seconds", props.DefaultTimeoutSeconds)
	v.SetDefault("jobs.selector", "lowest-id")

	v.SetDefault("coordinator.user_limit_enabled", false)
	v.SetDefault("coordinator.user_active_limit", 100)

	v.SetDefault("scheduler.max_system_memory", sched.MaxSystemMemory)
	v.SetDefault("scheduler.claim_timeout", sched.ClaimTimeout)
	v.SetDefault("scheduler.reap_interval", sched.ReapInterval)
	v.SetDefault("scheduler.counter", "local")
	v.SetDefault("scheduler.redis.addr", "localhost:6379")
	v.SetDefault("scheduler.redis.key_prefix", "kestrel")

	v.SetDefault("auth.token_cost", 0)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.rps", 50.0)
	v.SetDefault("rate_limit.burst", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("tracing.service_name", "kestrel-server")
	v.SetDefault("tracing.insecure", true)
}

// Load reads path, if set, into v and decodes the result. Environment
// variables such as KESTREL_STORE_DSN override file values.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the decoded configuration
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	switch c.Store.Type {
	case "memory", "sqlite", "postgres", "postgresql":
	default:
		errs = append(errs, fmt.Errorf("store.type %q is not one of memory, sqlite, postgres", c.Store.Type))
	}
	if (c.Store.Type == "postgres" || c.Store.Type == "postgresql") && c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required for postgres"))
	}
	if c.Jobs.DefaultMemory <= 0 {
		errs = append(errs, errors.New("jobs.default_memory must be positive"))
	}
	if c.Jobs.MaxMemory > 0 && c.Jobs.DefaultMemory > c.Jobs.MaxMemory {
		errs = append(errs, fmt.Errorf("jobs.default_memory %d exceeds jobs.max_memory %d", c.Jobs.DefaultMemory, c.Jobs.MaxMemory))
	}
	if c.Jobs.Selector != "lowest-id" && c.Jobs.Selector != "random" {
		errs = append(errs, fmt.Errorf("jobs.selector %q is not one of lowest-id, random", c.Jobs.Selector))
	}
	if c.Coordinator.UserLimitEnabled && c.Coordinator.UserActiveLimit <= 0 {
		errs = append(errs, errors.New("coordinator.user_active_limit must be positive when the limit is enabled"))
	}
	if c.Scheduler.Counter != "local" && c.Scheduler.Counter != "redis" {
		errs = append(errs, fmt.Errorf("scheduler.counter %q is not one of local, redis", c.Scheduler.Counter))
	}
	if c.Scheduler.ReapInterval <= 0 {
		errs = append(errs, errors.New("scheduler.reap_interval must be positive"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("rate_limit.rps and rate_limit.burst must be positive"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of json, console", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ResolverProperties converts the jobs section for the resolver
func (c *Config) ResolverProperties() resolver.Properties {
	return resolver.Properties{
		DefaultMemory:         c.Jobs.DefaultMemory,
		MaxMemory:             c.Jobs.MaxMemory,
		JobsDirectory:         c.Jobs.Directory,
		ArchivePrefix:         c.Jobs.ArchivePrefix,
		DefaultTimeoutSeconds: c.Jobs.DefaultTimeoutSeconds,
	}
}

// Selector builds the configured tie-break selector
func (c *Config) Selector() resolver.Selector {
	seed := c.Jobs.SelectorSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return resolver.NewSelector(c.Jobs.Selector, seed)
}

// JSONLogs reports whether logs are written as JSON
func (c *Config) JSONLogs() bool {
	return c.Log.Format == "json"
}
