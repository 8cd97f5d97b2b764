// Package config loads application configuration from a YAML file and
// FLOWMESH_-prefixed environment variables, env taking precedence.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// APIConfig defines the API server configuration.
type APIConfig struct {
	ListenAddress  string        `mapstructure:"listen_address"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
}

// DatabaseConfig selects and configures the execution state store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres | memory
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig configures the Redis wake-up queue.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QueueConfig selects the wake-up scheduler backend.
type QueueConfig struct {
	Kind      string      `mapstructure:"kind"` // redis | sqs | none
	Redis     RedisConfig `mapstructure:"redis"`
	SQSURL    string      `mapstructure:"sqs_url"`
	AWSRegion string      `mapstructure:"aws_region"`
}

// WorkerConfig tunes the resume worker.
type WorkerConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ScanInterval    time.Duration `mapstructure:"scan_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// ConnectorConfig declares one HTTP connector endpoint.
type ConnectorConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// NotifyConfig configures webhook event delivery.
type NotifyConfig struct {
	DefaultURL string `mapstructure:"default_url"`
}

// Config holds the complete application configuration.
type Config struct {
	Environment string                     `mapstructure:"environment"`
	API         APIConfig                  `mapstructure:"api"`
	Database    DatabaseConfig             `mapstructure:"database"`
	Queue       QueueConfig                `mapstructure:"queue"`
	Worker      WorkerConfig               `mapstructure:"worker"`
	Connectors  map[string]ConnectorConfig `mapstructure:"connectors"`
	Notify      NotifyConfig               `mapstructure:"notify"`
}

// Load reads configuration from the given file (optional) and environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FLOWMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	v.SetDefault("api.listen_address", ":8080")
	v.SetDefault("api.read_timeout", 30*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)
	v.SetDefault("api.idle_timeout", 90*time.Second)
	v.SetDefault("api.rate_limit", 100.0)
	v.SetDefault("api.rate_limit_burst", 150)

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("queue.kind", "none")
	v.SetDefault("queue.redis.address", "localhost:6379")
	v.SetDefault("queue.redis.db", 0)
	v.SetDefault("queue.aws_region", "us-east-1")

	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.scan_interval", 15*time.Second)
	v.SetDefault("worker.batch_size", 32)
	v.SetDefault("worker.refresh_interval", time.Minute)

	v.SetDefault("notify.default_url", "")
}
