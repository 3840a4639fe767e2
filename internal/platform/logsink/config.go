package logsink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openearth-labs/openearth-go/internal/platform/env"
)

type Config struct {
	Enabled      bool
	Addr         string
	Password     string
	DB           int
	HistoryTTL   time.Duration
	HistoryLimit int
}

func ConfigFromEnv() (Config, error) {
	enabled, err := env.Bool("OPENEARTH_REDIS_ENABLED", true)
	if err != nil {
		return Config{}, err
	}
	db, err := env.Int("OPENEARTH_REDIS_DB", 0)
	if err != nil {
		return Config{}, err
	}
	ttl, err := env.Duration("OPENEARTH_LOG_HISTORY_TTL", time.Hour)
	if err != nil {
		return Config{}, err
	}
	limit, err := env.Int("OPENEARTH_LOG_HISTORY_LIMIT", 10000)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Enabled:      enabled,
		Addr:         env.String("OPENEARTH_REDIS_ADDR", "localhost:6379"),
		Password:     env.String("OPENEARTH_REDIS_PASSWORD", ""),
		DB:           db,
		HistoryTTL:   ttl,
		HistoryLimit: limit,
	}
	if !cfg.Enabled {
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("redis address is required")
	}
	if c.DB < 0 {
		return errors.New("redis db must be >= 0")
	}
	if c.HistoryTTL <= 0 {
		return errors.New("history ttl must be > 0")
	}
	if c.HistoryLimit < 0 {
		return errors.New("history limit must be >= 0")
	}
	return nil
}

// NewRedisClient connects and pings the server.
func NewRedisClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}
