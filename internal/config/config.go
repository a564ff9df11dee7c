package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	env "github.com/caarlos0/env/v7"
	"github.com/joho/godotenv"
)

// DevSecretKey is accepted only when Debug is on.
const DevSecretKey = "dev-insecure-key"

var (
	ErrSecretKeyRequired = errors.New("SECRET_KEY must be set when DEBUG is off")
	ErrDatabaseRequired  = errors.New("DATABASE_URL must be set when DEBUG is off")
)

type Config struct {
	SecretKey     string        `env:"SECRET_KEY"`
	Debug         bool          `env:"DEBUG" envDefault:"false"`
	AllowedHosts  []string      `env:"ALLOWED_HOSTS" envSeparator:","`
	HTTPAddr      string        `env:"HTTP_ADDR" envDefault:":8000"`
	DatabaseURL   string        `env:"DATABASE_URL"`
	ProvisionPath string        `env:"PROVISION_PATH" envDefault:"config/provision.yaml"`
	DemoUsersPath string        `env:"DEMO_USERS_PATH" envDefault:"config/demo_users.yaml"`
	LogLevel      string        `env:"LOG_LEVEL" envDefault:"info"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"12h"`
	Login         LoginConfig
	Kafka         KafkaConfig
}

type LoginConfig struct {
	Burst  int           `env:"LOGIN_BURST" envDefault:"5"`
	Refill time.Duration `env:"LOGIN_REFILL" envDefault:"30s"`
}

type KafkaConfig struct {
	Brokers    []string `env:"KAFKA_BROKERS" envSeparator:","`
	AuditTopic string   `env:"KAFKA_AUDIT_TOPIC" envDefault:"junta.audit"`
}

// Load reads an optional .env file at envPath, then the process environment.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
	}
	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := c.finish(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) finish() error {
	c.AllowedHosts = trimAll(c.AllowedHosts)
	if c.Debug {
		if c.SecretKey == "" {
			c.SecretKey = DevSecretKey
		}
		if len(c.AllowedHosts) == 0 {
			c.AllowedHosts = []string{"127.0.0.1", "localhost"}
		}
		return nil
	}
	if c.SecretKey == "" || c.SecretKey == DevSecretKey {
		return ErrSecretKeyRequired
	}
	if c.DatabaseURL == "" {
		return ErrDatabaseRequired
	}
	return nil
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
