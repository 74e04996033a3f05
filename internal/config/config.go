package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"

	DefaultMongoDatabase       = "messenger"
	DefaultSendRateLimit       = 30
	DefaultSendRateWindow      = 10 * time.Second
	DefaultNotificationWorkers = 4
)

type Config struct {
	ServerAddr     string
	StoreDriver    string
	DatabaseDSN    string
	MongoDatabase  string
	SigningKey     []byte
	AllowedOrigins []string

	// NatsURL enables cross-process delivery when set.
	NatsURL string
	// RedisAddr enables rate limiting of sends when set.
	RedisAddr      string
	SendRateLimit  int
	SendRateWindow time.Duration

	NotificationWorkers int
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("signing secret is empty")
	}
	return key, nil
}

// NewConfig builds a configuration from the required settings. Optional
// settings start at their defaults and are checked by Validate.
func NewConfig(serverAddr, storeDriver, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	cfg := &Config{
		ServerAddr:          serverAddr,
		StoreDriver:         storeDriver,
		DatabaseDSN:         databaseDSN,
		MongoDatabase:       DefaultMongoDatabase,
		SigningKey:          signingKey,
		AllowedOrigins:      allowedOrigins,
		SendRateLimit:       DefaultSendRateLimit,
		SendRateWindow:      DefaultSendRateWindow,
		NotificationWorkers: DefaultNotificationWorkers,
	}
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = StoreMemory
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory:
	case StorePostgres, StoreMongo:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("database DSN cannot be empty for store %q", c.StoreDriver)
		}
	default:
		return fmt.Errorf("unknown store %q", c.StoreDriver)
	}

	if c.StoreDriver == StoreMongo && c.MongoDatabase == "" {
		return fmt.Errorf("mongo database name cannot be empty")
	}
	if c.RedisAddr != "" {
		if c.SendRateLimit <= 0 {
			return fmt.Errorf("send rate limit must be positive")
		}
		if c.SendRateWindow < time.Millisecond {
			return fmt.Errorf("send rate window must be at least 1ms")
		}
	}
	if c.NotificationWorkers <= 0 {
		return fmt.Errorf("notification workers must be positive")
	}

	return nil
}
