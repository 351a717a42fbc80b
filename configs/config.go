package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"lenrd/pkg/auth"
	"lenrd/pkg/logger"
	tracing "lenrd/pkg/observability"
	"lenrd/pkg/storage/gormstore"
)

// EnvPrefix prefixes every environment override, e.g. LENRD_LENR_BINARY.
const EnvPrefix = "LENRD"

// Archive types.
const (
	ArchiveNone  = "none"
	ArchiveLocal = "local"
	ArchiveS3    = "s3"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Lenr     LenrConfig     `mapstructure:"lenr"`
	Shutdown ShutdownConfig `mapstructure:"shutdown"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Log      LogConfig      `mapstructure:"log"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	Mode         string        `mapstructure:"mode"` // gin mode: debug, release, test
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	EventBuffer  int           `mapstructure:"event_buffer"`
}

// AuthConfig enables bearer-token auth on the API when JWTSecret is set.
type AuthConfig struct {
	JWTSecret   string        `mapstructure:"jwt_secret"`
	Issuer      string        `mapstructure:"issuer"`
	TokenExpiry time.Duration `mapstructure:"token_expiry"`
}

// LenrConfig describes the deployment binary and the target passed to it.
type LenrConfig struct {
	Binary      string        `mapstructure:"binary"`
	Repo        string        `mapstructure:"repo"`
	Branch      string        `mapstructure:"branch"`
	KillTimeout time.Duration `mapstructure:"kill_timeout"`
	WaitDelay   time.Duration `mapstructure:"wait_delay"`
}

type ShutdownConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`    // 0 waits forever
	KillAfter time.Duration `mapstructure:"kill_after"` // 0 never kills
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	Path            string        `mapstructure:"path"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

type ArchiveConfig struct {
	Type string   `mapstructure:"type"`
	Dir  string   `mapstructure:"dir"`
	S3   S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Endpoint     string  `mapstructure:"endpoint"`
	Insecure     bool    `mapstructure:"insecure"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
	Environment  string  `mapstructure:"environment"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.event_buffer", 64)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "lenrd")
	v.SetDefault("auth.token_expiry", 24*time.Hour)

	v.SetDefault("lenr.binary", "lenr")
	v.SetDefault("lenr.repo", "")
	v.SetDefault("lenr.branch", "")
	v.SetDefault("lenr.kill_timeout", 2*time.Second)
	v.SetDefault("lenr.wait_delay", 5*time.Second)

	v.SetDefault("shutdown.timeout", 0)
	v.SetDefault("shutdown.kill_after", 0)

	v.SetDefault("database.driver", gormstore.DriverSQLite)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 0)
	v.SetDefault("database.user", "lenrd")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "lenrd")
	v.SetDefault("database.path", "./data/lenrd.db")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "lenrd:jobs")

	v.SetDefault("archive.type", ArchiveNone)
	v.SetDefault("archive.dir", "./data/output")
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.prefix", "jobs/")
	v.SetDefault("archive.s3.region", "us-east-1")
	v.SetDefault("archive.s3.endpoint", "")
	v.SetDefault("archive.s3.access_key", "")
	v.SetDefault("archive.s3.secret_key", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sampling_rate", 1.0)
	v.SetDefault("tracing.environment", "development")
}

// LoadConfig reads the YAML file at path, when given, and applies LENRD_*
// environment overrides on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

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
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Lenr.Binary) == "" {
		errs = append(errs, errors.New("lenr.binary must be set"))
	}
	if c.Lenr.KillTimeout <= 0 {
		errs = append(errs, errors.New("lenr.kill_timeout must be positive"))
	}
	if c.Lenr.WaitDelay < 0 {
		errs = append(errs, errors.New("lenr.wait_delay must not be negative"))
	}
	if c.Shutdown.Timeout < 0 || c.Shutdown.KillAfter < 0 {
		errs = append(errs, errors.New("shutdown durations must not be negative"))
	}
	switch c.Database.Driver {
	case gormstore.DriverSQLite, gormstore.DriverMySQL, gormstore.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not one of sqlite, mysql, postgres", c.Database.Driver))
	}
	switch c.Archive.Type {
	case ArchiveNone, ArchiveLocal:
	case ArchiveS3:
		if c.Archive.S3.Bucket == "" {
			errs = append(errs, errors.New("archive.s3.bucket must be set for the s3 archive"))
		}
	default:
		errs = append(errs, fmt.Errorf("archive.type %q is not one of none, local, s3", c.Archive.Type))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr must be set when redis is enabled"))
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, errors.New("tracing.sampling_rate must be between 0 and 1"))
	}
	return errors.Join(errs...)
}

func (c *Config) GormConfig() gormstore.Config {
	d := c.Database
	return gormstore.Config{
		Driver:          d.Driver,
		DSN:             d.DSN,
		Host:            d.Host,
		Port:            d.Port,
		User:            d.User,
		Password:        d.Password,
		Name:            d.Name,
		Path:            d.Path,
		MaxIdleConns:    d.MaxIdleConns,
		MaxOpenConns:    d.MaxOpenConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
		LogLevel:        d.LogLevel,
		Tracing:         c.Tracing.Enabled,
	}
}

func (c *Config) LoggerConfig(service string) logger.Config {
	cfg := logger.DefaultConfig(service)
	cfg.Level = c.Log.Level
	cfg.Encoding = c.Log.Format
	if c.Log.File != "" {
		cfg.OutputPath = c.Log.File
	}
	cfg.MaxSizeMB = c.Log.MaxSizeMB
	cfg.MaxBackups = c.Log.MaxBackups
	cfg.MaxAgeDays = c.Log.MaxAgeDays
	cfg.Compress = c.Log.Compress
	return cfg
}

func (c *Config) TracingConfig(service, version string) tracing.Config {
	cfg := tracing.DefaultConfig(service)
	cfg.ServiceVersion = version
	cfg.Environment = c.Tracing.Environment
	cfg.Endpoint = c.Tracing.Endpoint
	cfg.Insecure = c.Tracing.Insecure
	cfg.Enabled = c.Tracing.Enabled
	cfg.SamplingRate = c.Tracing.SamplingRate
	return cfg
}

func (c *Config) JWTConfig() auth.JWTConfig {
	cfg := auth.DefaultJWTConfig()
	cfg.SecretKey = c.Auth.JWTSecret
	cfg.Issuer = c.Auth.Issuer
	cfg.TokenExpiry = c.Auth.TokenExpiry
	return cfg
}
