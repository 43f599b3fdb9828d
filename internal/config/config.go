package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Session  SessionConfig
	Queue    QueueConfig
	Log      LogConfig
	Redis    RedisConfig
	AMQP     AMQPConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	Path string
}

const (
	DriverWhatsmeow = "whatsmeow"
	DriverWebhook   = "webhook"
)

type SessionConfig struct {
	Driver           string
	Dir              string
	MediaDir         string
	WebhookURL       string
	ReconnectDelay   time.Duration
	ReconnectBackoff time.Duration
}

type QueueConfig struct {
	SendInterval  time.Duration
	MaxAttempts   int
	PollInterval  time.Duration
	BatchSize     int
	SendTimeout   time.Duration
	ReconcileSpec string
}

type LogConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type AMQPConfig struct {
	Enabled  bool
	URL      string
	Exchange string
}

// Load reads the configuration from the environment. Unset keys take their defaults.
func Load() (*Config, error) {
	e := &env{}
	cfg := &Config{
		Server: ServerConfig{
			Address: e.str("APP_ADDR", ":4000"),
		},
		Database: DatabaseConfig{
			Path: e.str("APP_DB_PATH", "data/campaigns.sqlite"),
		},
		Session: SessionConfig{
			Driver:           strings.ToLower(e.str("SESSION_DRIVER", DriverWhatsmeow)),
			Dir:              e.str("SESSIONS_DIR", "data/sessions"),
			MediaDir:         e.str("MEDIA_DIR", "data/media"),
			WebhookURL:       os.Getenv("WEBHOOK_URL"),
			ReconnectDelay:   e.seconds("RECONNECT_DELAY_SECONDS", 5),
			ReconnectBackoff: e.seconds("RECONNECT_BACKOFF_SECONDS", 30),
		},
		Queue: QueueConfig{
			SendInterval:  e.millis("SEND_DELAY_MS", 1200),
			MaxAttempts:   e.integer("MAX_ATTEMPTS", 3),
			PollInterval:  e.millis("POLL_INTERVAL_MS", 1000),
			BatchSize:     e.integer("QUEUE_BATCH_SIZE", 5),
			SendTimeout:   e.seconds("SEND_TIMEOUT_SECONDS", 60),
			ReconcileSpec: e.str("RECONCILE_SPEC", "@every 1m"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(e.str("LOG_LEVEL", "info")),
			Format: strings.ToLower(e.str("LOG_FORMAT", "console")),
		},
		Redis: loadRedisConfig(e),
		AMQP:  loadAMQPConfig(e),
	}
	if e.err != nil {
		return nil, e.err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig(e *env) RedisConfig {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}
	}
	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       e.integer("REDIS_DB", 0),
		TTL:      e.seconds("REDIS_TTL_SECONDS", 86400),
	}
}

func loadAMQPConfig(e *env) AMQPConfig {
	url := os.Getenv("AMQP_URL")
	if url == "" {
		return AMQPConfig{Enabled: false}
	}
	return AMQPConfig{
		Enabled:  true,
		URL:      url,
		Exchange: e.str("AMQP_EXCHANGE", "waflow.events"),
	}
}

func validate(cfg *Config) error {
	switch cfg.Session.Driver {
	case DriverWhatsmeow:
	case DriverWebhook:
		if cfg.Session.WebhookURL == "" {
			return fmt.Errorf("WEBHOOK_URL is required when SESSION_DRIVER=%s", DriverWebhook)
		}
	default:
		return fmt.Errorf("SESSION_DRIVER must be %s or %s, got %q", DriverWhatsmeow, DriverWebhook, cfg.Session.Driver)
	}

	positive := []struct {
		key string
		ok  bool
	}{
		{"SEND_DELAY_MS", cfg.Queue.SendInterval > 0},
		{"MAX_ATTEMPTS", cfg.Queue.MaxAttempts > 0},
		{"POLL_INTERVAL_MS", cfg.Queue.PollInterval > 0},
		{"QUEUE_BATCH_SIZE", cfg.Queue.BatchSize > 0},
		{"SEND_TIMEOUT_SECONDS", cfg.Queue.SendTimeout > 0},
		{"RECONNECT_DELAY_SECONDS", cfg.Session.ReconnectDelay > 0},
		{"RECONNECT_BACKOFF_SECONDS", cfg.Session.ReconnectBackoff > 0},
	}
	for _, p := range positive {
		if !p.ok {
			return fmt.Errorf("%s must be > 0", p.key)
		}
	}
	if cfg.Redis.Enabled && cfg.Redis.TTL <= 0 {
		return fmt.Errorf("REDIS_TTL_SECONDS must be > 0")
	}
	switch cfg.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be console or json, got %q", cfg.Log.Format)
	}
	return nil
}

// env collects the first parse error so Load can report it after reading every key.
type env struct {
	err error
}

func (e *env) str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (e *env) integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		if e.err == nil {
			e.err = fmt.Errorf("invalid int for env %s: %s", key, v)
		}
		return def
	}
	return i
}

func (e *env) seconds(key string, def int) time.Duration {
	return time.Duration(e.integer(key, def)) * time.Second
}

func (e *env) millis(key string, def int) time.Duration {
	return time.Duration(e.integer(key, def)) * time.Millisecond
}
