package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Sessions      SessionsConfig      `mapstructure:"sessions"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Delivery      DeliveryConfig      `mapstructure:"delivery"`
	ConversionAPI ConversionAPIConfig `mapstructure:"conversion_api"`
	Alerting      AlertingConfig      `mapstructure:"alerting"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Retention     RetentionConfig     `mapstructure:"retention"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	AdminToken   string        `mapstructure:"admin_token"`
}

type StorageConfig struct {
	Driver   string         `mapstructure:"driver"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type SessionsConfig struct {
	// Driver is "sql" (same database as the queue) or "redis".
	Driver string        `mapstructure:"driver"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type RedisConfig struct {
	URL       string `mapstructure:"url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type DeliveryConfig struct {
	BatchSize       int             `mapstructure:"batch_size"`
	Concurrency     int             `mapstructure:"concurrency"`
	PollInterval    time.Duration   `mapstructure:"poll_interval"`
	MaxAttempts     int             `mapstructure:"max_attempts"`
	RetrySchedule   []time.Duration `mapstructure:"retry_schedule"`
	StaleTimeout    time.Duration   `mapstructure:"stale_timeout"`
	InlineBatchSize int             `mapstructure:"inline_batch_size"`
}

type ConversionAPIConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	Timeout       time.Duration `mapstructure:"timeout"`
	SigningSecret string        `mapstructure:"signing_secret"`
}

type AlertingConfig struct {
	WebhookURL      string        `mapstructure:"webhook_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	SummaryInterval time.Duration `mapstructure:"summary_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RetentionConfig struct {
	OrderTTL time.Duration `mapstructure:"order_ttl"`
}

func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("convrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/convrelay")
	}

	setDefaults(v)

	v.SetEnvPrefix("CONVRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DefaultRetrySchedule is the delay before the next attempt, indexed by the
// number of attempts already made minus one.
var DefaultRetrySchedule = []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	8 * time.Minute,
	32 * time.Minute,
	2 * time.Hour,
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "./data/convrelay.db")
	v.SetDefault("storage.postgres.max_open_conns", 25)
	v.SetDefault("storage.postgres.max_idle_conns", 5)
	v.SetDefault("storage.postgres.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("sessions.driver", "sql")
	v.SetDefault("sessions.ttl", 30*24*time.Hour)

	v.SetDefault("redis.url", "localhost:6379")
	v.SetDefault("redis.key_prefix", "convrelay")

	v.SetDefault("delivery.batch_size", 20)
	v.SetDefault("delivery.concurrency", 4)
	v.SetDefault("delivery.poll_interval", 10*time.Second)
	v.SetDefault("delivery.max_attempts", 5)
	v.SetDefault("delivery.retry_schedule", DefaultRetrySchedule)
	v.SetDefault("delivery.stale_timeout", 10*time.Minute)
	v.SetDefault("delivery.inline_batch_size", 5)

	v.SetDefault("conversion_api.base_url", "https://api.example-affiliates.com/v1")
	v.SetDefault("conversion_api.timeout", 15*time.Second)

	v.SetDefault("alerting.timeout", 5*time.Second)
	v.SetDefault("alerting.summary_interval", time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("retention.order_ttl", 90*24*time.Hour)
}
