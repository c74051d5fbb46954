package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/psantana5/schedopt/pkg/artifacts"
	"github.com/psantana5/schedopt/pkg/auth"
	"github.com/psantana5/schedopt/pkg/executor"
	"github.com/psantana5/schedopt/pkg/ratelimit"
	"github.com/psantana5/schedopt/pkg/resources"
	"github.com/psantana5/schedopt/pkg/store"
	tlsutil "github.com/psantana5/schedopt/pkg/tls"
)

// EnvPrefix is prepended to every environment override, e.g.
// SCHEDOPT_SERVER_ADDR for server.addr
const EnvPrefix = "SCHEDOPT"

// Environments
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

// Config is the complete optimizer service configuration
type Config struct {
	Env       string           `mapstructure:"env"`
	Server    ServerConfig     `mapstructure:"server"`
	Log       LogConfig        `mapstructure:"log"`
	Auth      AuthConfig       `mapstructure:"auth"`
	RateLimit RateLimitConfig  `mapstructure:"rate_limit"`
	Store     store.Config     `mapstructure:"store"`
	Executor  ExecutorConfig   `mapstructure:"executor"`
	Retention RetentionConfig  `mapstructure:"retention"`
	Tracing   TracingConfig    `mapstructure:"tracing"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Artifacts artifacts.Config `mapstructure:"artifacts"`
	Profiles  ProfilesConfig   `mapstructure:"profiles"`
}

type ServerConfig struct {
	Addr            string         `mapstructure:"addr"`
	MaxBodyBytes    int64          `mapstructure:"max_body_bytes"`
	ReadTimeout     time.Duration  `mapstructure:"read_timeout"`
	IdleTimeout     time.Duration  `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration  `mapstructure:"shutdown_timeout"`
	Heartbeat       time.Duration  `mapstructure:"heartbeat"` // SSE keep-alive comment interval
	TLS             tlsutil.Config `mapstructure:"tls"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
	File  bool   `mapstructure:"file"`
}

type AuthConfig struct {
	JWTSecret string           `mapstructure:"jwt_secret"`
	Issuer    string           `mapstructure:"issuer"`
	Audience  string           `mapstructure:"audience"`
	APIKeys   []auth.KeyConfig `mapstructure:"api_keys"`
}

type RateLimitConfig struct {
	Submissions  int           `mapstructure:"submissions"`
	Window       time.Duration `mapstructure:"window"`
	KeyBySubject bool          `mapstructure:"key_by_subject"`
	Backend      string        `mapstructure:"backend"` // "memory" or "redis"
	Redis        RedisConfig   `mapstructure:"redis"`
	ReadRPS      float64       `mapstructure:"read_rps"`
	ReadBurst    int           `mapstructure:"read_burst"`

	// TrustedProxies lists the CIDRs whose X-Forwarded-For is believed.
	// Empty keys every request on its direct peer.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type RedisConfig struct {
	Addrs    []string `mapstructure:"addrs"`
	Password string   `mapstructure:"password"`
	DB       int      `mapstructure:"db"`
	Prefix   string   `mapstructure:"prefix"`
}

type ExecutorConfig struct {
	executor.Config `mapstructure:",squash"`
	Memory          resources.Limits `mapstructure:"memory"`
}

type RetentionConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	MaxAge         time.Duration `mapstructure:"max_age"`
	Interval       time.Duration `mapstructure:"interval"`
	VacuumInterval time.Duration `mapstructure:"vacuum_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type ProfilesConfig struct {
	File string `mapstructure:"file"` // empty uses the built-in catalog
}

// DevMode reports whether permission checks are relaxed
func (c *Config) DevMode() bool {
	return c.Env == EnvDevelopment || c.Env == EnvTest
}

// SetDefaults registers every default on v so env overrides resolve for all keys
func SetDefaults(v *viper.Viper) {
	ex := executor.DefaultConfig()
	defaults := map[string]interface{}{
		"env": EnvProduction,

		"server.addr":             ":8080",
		"server.max_body_bytes":   10 << 20,
		"server.read_timeout":     30 * time.Second,
		"server.idle_timeout":     2 * time.Minute,
		"server.shutdown_timeout": 30 * time.Second,
		"server.heartbeat":        15 * time.Second,
		"server.tls.enabled":      false,
		"server.tls.cert_file":    "",
		"server.tls.key_file":     "",
		"server.tls.ca_file":      "",
		"server.tls.client_auth":  false,

		"log.level": "info",
		"log.json":  false,
		"log.file":  false,

		"auth.jwt_secret": "",
		"auth.issuer":     "schedopt",
		"auth.audience":   "",
		"auth.api_keys":   []interface{}{},

		"rate_limit.submissions":     10,
		"rate_limit.window":          60 * time.Second,
		"rate_limit.key_by_subject":  false,
		"rate_limit.backend":         "memory",
		"rate_limit.redis.addrs":     []string{},
		"rate_limit.redis.password":  "",
		"rate_limit.redis.db":        0,
		"rate_limit.redis.prefix":    "schedopt:ratelimit:",
		"rate_limit.read_rps":        20.0,
		"rate_limit.read_burst":      40,
		"rate_limit.trusted_proxies": []string{},

		"store.type":               "sqlite",
		"store.dsn":                "schedopt.db",
		"store.max_open_conns":     25,
		"store.max_idle_conns":     5,
		"store.conn_max_lifetime":  5 * time.Minute,
		"store.conn_max_idle_time": time.Minute,

		"executor.workers":                 ex.Workers,
		"executor.queue_size":              ex.QueueSize,
		"executor.default_time_limit":      ex.DefaultTimeLimit,
		"executor.max_time_limit":          ex.MaxTimeLimit,
		"executor.memory.min_available_mb": 256,
		"executor.memory.max_used_percent": 95.0,

		"retention.enabled":         true,
		"retention.max_age":         24 * time.Hour,
		"retention.interval":        time.Hour,
		"retention.vacuum_interval": 7 * 24 * time.Hour,
		"retention.batch_size":      100,

		"tracing.enabled":      false,
		"tracing.endpoint":     "localhost:4318",
		"tracing.service_name": "schedopt",
		"tracing.insecure":     true,
		"tracing.sample_ratio": 1.0,

		"metrics.enabled": true,
		"metrics.path":    "/metrics",

		"artifacts.type":       "none",
		"artifacts.dir":        "./artifacts",
		"artifacts.bucket":     "",
		"artifacts.prefix":     "runs",
		"artifacts.region":     "us-east-1",
		"artifacts.endpoint":   "",
		"artifacts.access_key": "",
		"artifacts.secret_key": "",

		"profiles.file": "",
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Load reads configuration from path (or the default search locations
// when empty), the environment and any flags already bound on v.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("schedopt")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".schedopt"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot run with
func (c *Config) Validate() error {
	var errs []error
	switch c.Env {
	case EnvProduction, EnvDevelopment, EnvTest:
	default:
		errs = append(errs, fmt.Errorf("env must be production, development or test, got %q", c.Env))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("server.max_body_bytes must be positive"))
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Auth.JWTSecret == "" && len(c.Auth.APIKeys) == 0 && !c.DevMode() {
		errs = append(errs, errors.New("auth.jwt_secret or auth.api_keys is required outside development"))
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 16 bytes"))
	}
	if c.RateLimit.Submissions <= 0 || c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.submissions and rate_limit.window must be positive"))
	}
	if _, err := ratelimit.NewClientIP(c.RateLimit.TrustedProxies); err != nil {
		errs = append(errs, fmt.Errorf("rate_limit.trusted_proxies: %w", err))
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if len(c.RateLimit.Redis.Addrs) == 0 {
			errs = append(errs, errors.New("rate_limit.redis.addrs is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("rate_limit.backend must be memory or redis, got %q", c.RateLimit.Backend))
	}
	switch c.Store.Type {
	case "memory", "sqlite", "postgres", "postgresql":
	default:
		errs = append(errs, fmt.Errorf("store.type must be memory, sqlite or postgres, got %q", c.Store.Type))
	}
	if c.Executor.Workers <= 0 || c.Executor.QueueSize <= 0 {
		errs = append(errs, errors.New("executor.workers and executor.queue_size must be positive"))
	}
	if c.Executor.DefaultTimeLimit <= 0 || c.Executor.MaxTimeLimit < c.Executor.DefaultTimeLimit {
		errs = append(errs, errors.New("executor.max_time_limit must be at least executor.default_time_limit, which must be positive"))
	}
	if c.Retention.Enabled && (c.Retention.MaxAge <= 0 || c.Retention.Interval <= 0) {
		errs = append(errs, errors.New("retention.max_age and retention.interval must be positive"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be between 0 and 1"))
	}
	switch c.Artifacts.Type {
	case "none", "":
	case "file":
		if c.Artifacts.Dir == "" {
			errs = append(errs, errors.New("artifacts.dir is required for file artifacts"))
		}
	case "s3":
		if c.Artifacts.Bucket == "" {
			errs = append(errs, errors.New("artifacts.bucket is required for s3 artifacts"))
		}
	default:
		errs = append(errs, fmt.Errorf("artifacts.type must be none, file or s3, got %q", c.Artifacts.Type))
	}
	return errors.Join(errs...)
}
