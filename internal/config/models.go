package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/shakram02/sqlgateway"
)

// EnvConfig locates the configuration file.
type EnvConfig struct {
	ConfigFile string `env:"SQLGW_CONFIG" validate:"omitempty,filepath"`
}

// Config is the root of the configuration file.
type Config struct {
	Engine     string           `yaml:"engine" validate:"required,oneof=postgres postgresql pg mysql mariadb sqlite sqlite3 sqlserver mssql oracle"`
	Connection ConnectionConfig `yaml:"connection"`
	Pool       PoolConfig       `yaml:"pool"`
	Retry      RetryConfig      `yaml:"retry"`
	Query      QueryConfig      `yaml:"query"`
	Cache      CacheConfig      `yaml:"cache"`
	Log        LogConfig        `yaml:"log"`
}

type ConnectionConfig struct {
	Name     string            `yaml:"name"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port" validate:"gte=0,lte=65535"`
	Database string            `yaml:"database"`
	User     string            `yaml:"user"`
	Password string            `yaml:"password"`
	Path     string            `yaml:"path"`
	Schema   string            `yaml:"schema"`
	SSLMode  string            `yaml:"ssl_mode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	Flavor   string            `yaml:"flavor" validate:"omitempty,oneof=mysql mariadb"`
	Options  map[string]string `yaml:"options"`
}

type PoolConfig struct {
	Min            int           `yaml:"min" default:"0" validate:"gte=0,ltefield=Max"`
	Max            int           `yaml:"max" default:"10" validate:"gte=1"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" default:"5m" validate:"gt=0"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" default:"30s" validate:"gt=0"`
}

type RetryConfig struct {
	Attempts  int           `yaml:"attempts" default:"3" validate:"gte=1,lte=10"`
	BaseDelay time.Duration `yaml:"base_delay" default:"500ms" validate:"gt=0"`
}

type QueryConfig struct {
	MaxRows int           `yaml:"max_rows" default:"1000" validate:"gte=1"`
	Timeout time.Duration `yaml:"timeout" default:"30s" validate:"gte=0"`
}

type CacheConfig struct {
	Enabled bool          `yaml:"enabled" default:"true"`
	TTL     time.Duration `yaml:"ttl" default:"5m" validate:"gt=0"`
	Backend string        `yaml:"backend" default:"memory" validate:"oneof=memory redis"`
	Redis   RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr   string `yaml:"addr" default:"localhost:6379" validate:"omitempty,hostname_port"`
	DB     int    `yaml:"db" default:"0" validate:"gte=0"`
	Prefix string `yaml:"prefix" default:"sqlgw:"`
}

type LogConfig struct {
	Level        string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	QueryLog     bool   `yaml:"query_log"`
	QueryLogSize int    `yaml:"query_log_size" default:"100" validate:"gte=1"`
	MaxSQLLength int    `yaml:"max_sql_length" default:"500" validate:"gte=1"`
}

// SlogLevel maps Level onto a slog level.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GatewayConnection converts to the gateway's connection settings.
func (c *Config) GatewayConnection() sqlgateway.ConnectionConfig {
	return sqlgateway.ConnectionConfig{
		Name:     c.Connection.Name,
		Host:     c.Connection.Host,
		Port:     c.Connection.Port,
		Database: c.Connection.Database,
		User:     c.Connection.User,
		Password: c.Connection.Password,
		Path:     c.Connection.Path,
		Schema:   c.Connection.Schema,
		SSLMode:  c.Connection.SSLMode,
		Flavor:   c.Connection.Flavor,
		Options:  c.Connection.Options,
	}
}

// GatewayPool converts the pool section.
func (c *Config) GatewayPool() sqlgateway.PoolConfig {
	return sqlgateway.PoolConfig{
		Min:            c.Pool.Min,
		Max:            c.Pool.Max,
		IdleTimeout:    c.Pool.IdleTimeout,
		AcquireTimeout: c.Pool.AcquireTimeout,
	}
}

// GatewayRetry converts the retry section.
func (c *Config) GatewayRetry() sqlgateway.RetryConfig {
	return sqlgateway.RetryConfig{Attempts: c.Retry.Attempts, BaseDelay: c.Retry.BaseDelay}
}
