// Package config loads the service configuration from an optional YAML file,
// a .env file and the process environment. Environment variables use the key
// path with dots replaced by underscores, e.g. REDIS_ADDR for redis.addr.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Matching  MatchingConfig  `mapstructure:"matching"`
	Session   SessionConfig   `mapstructure:"session"`
	Signaling SignalingConfig `mapstructure:"signaling"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Sweeper   SweeperConfig   `mapstructure:"sweeper"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// APIKey guards the control surface via the X-API-Key header. Empty disables the check.
	APIKey     string `mapstructure:"api_key"`
	InstanceID string `mapstructure:"instance_id"`
}

type DatabaseConfig struct {
	// Driver is one of postgres, mysql, sqlite.
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type QueueConfig struct {
	// Backend is redis or memory.
	Backend   string        `mapstructure:"backend"`
	TicketTTL time.Duration `mapstructure:"ticket_ttl"`
}

type MatchingConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	BatchSize         int           `mapstructure:"batch_size"`
	CooldownEnabled   bool          `mapstructure:"cooldown_enabled"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
	ImmediateAttempts int           `mapstructure:"immediate_attempts"`
	ImmediateDelay    time.Duration `mapstructure:"immediate_delay"`
}

type SessionConfig struct {
	LookupTTL       time.Duration `mapstructure:"lookup_ttl"`
	MessageRefLimit int           `mapstructure:"message_ref_limit"`
	MessageRefTTL   time.Duration `mapstructure:"message_ref_ttl"`
}

type SignalingConfig struct {
	TokenSecret string        `mapstructure:"token_secret"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
	RoomTTL     time.Duration `mapstructure:"room_ttl"`
	CallDomain  string        `mapstructure:"call_domain"`
	SendBuffer  int           `mapstructure:"send_buffer"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type TelegramConfig struct {
	BotToken   string `mapstructure:"bot_token"`
	Language   string `mapstructure:"language"`
	LocalesDir string `mapstructure:"locales_dir"`
}

type SweeperConfig struct {
	RoomsSchedule string `mapstructure:"rooms_schedule"`
	QueueSchedule string `mapstructure:"queue_schedule"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	hostname, _ := os.Hostname()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.instance_id", hostname)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost user=user password=password dbname=pairchat port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("queue.backend", "redis")
	v.SetDefault("queue.ticket_ttl", 300*time.Second)

	v.SetDefault("matching.interval", time.Second)
	v.SetDefault("matching.batch_size", 5)
	v.SetDefault("matching.cooldown_enabled", true)
	v.SetDefault("matching.cooldown", 7*time.Hour)
	v.SetDefault("matching.immediate_attempts", 3)
	v.SetDefault("matching.immediate_delay", 500*time.Millisecond)

	v.SetDefault("session.lookup_ttl", 24*time.Hour)
	v.SetDefault("session.message_ref_limit", 200)
	v.SetDefault("session.message_ref_ttl", 48*time.Hour)

	v.SetDefault("signaling.token_secret", "")
	v.SetDefault("signaling.token_ttl", time.Hour)
	v.SetDefault("signaling.room_ttl", time.Hour)
	v.SetDefault("signaling.call_domain", "http://localhost:8080")
	v.SetDefault("signaling.send_buffer", 64)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "session-events")

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.language", "en")
	v.SetDefault("telegram.locales_dir", "")

	v.SetDefault("sweeper.rooms_schedule", "@every 1m")
	v.SetDefault("sweeper.queue_schedule", "@every 5m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration. An empty path means defaults plus environment only.
// A missing .env file is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	// A comma separated KAFKA_BROKERS arrives as a single element.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	switch c.Queue.Backend {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend))
	}
	if c.Queue.TicketTTL <= 0 {
		errs = append(errs, errors.New("queue.ticket_ttl must be positive"))
	}
	if c.Matching.Interval <= 0 {
		errs = append(errs, errors.New("matching.interval must be positive"))
	}
	if c.Matching.BatchSize <= 0 {
		errs = append(errs, errors.New("matching.batch_size must be positive"))
	}
	if c.Session.MessageRefLimit <= 0 {
		errs = append(errs, errors.New("session.message_ref_limit must be positive"))
	}
	if c.Signaling.TokenTTL <= 0 || c.Signaling.RoomTTL <= 0 {
		errs = append(errs, errors.New("signaling ttls must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
