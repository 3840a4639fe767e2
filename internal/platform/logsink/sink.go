// Package logsink streams job log lines to live subscribers and keeps a
// bounded history per channel so late subscribers can replay it.
package logsink

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sink publishes one log message on a channel.
type Sink interface {
	Publish(ctx context.Context, channel, message string) error
}

// Channel is the pub/sub channel of a job owned by username.
func Channel(username, jobID string) string {
	return username + ":" + jobID
}

// HistoryKey is the list holding the replay history of channel.
func HistoryKey(channel string) string {
	return channel + ":hist"
}

// RedisSink publishes with PUBLISH and appends to a capped history list.
type RedisSink struct {
	client *redis.Client
	ttl    time.Duration
	limit  int
}

func NewRedisSink(client *redis.Client, cfg Config) *RedisSink {
	if client == nil {
		return nil
	}
	return &RedisSink{client: client, ttl: cfg.HistoryTTL, limit: cfg.HistoryLimit}
}

func (s *RedisSink) Publish(ctx context.Context, channel, message string) error {
	if s == nil || s.client == nil {
		return errors.New("redis sink not initialized")
	}
	key := HistoryKey(channel)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, channel, message)
		pipe.RPush(ctx, key, message)
		if s.limit > 0 {
			pipe.LTrim(ctx, key, int64(-s.limit), -1)
		}
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	return err
}

// History returns the retained messages of channel, oldest first.
func (s *RedisSink) History(ctx context.Context, channel string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis sink not initialized")
	}
	return s.client.LRange(ctx, HistoryKey(channel), 0, -1).Result()
}

// MemorySink keeps published messages in memory.
type MemorySink struct {
	mu      sync.Mutex
	limit   int
	history map[string][]string
}

// NewMemorySink retains at most limit messages per channel; zero keeps all.
func NewMemorySink(limit int) *MemorySink {
	return &MemorySink{limit: limit, history: map[string][]string{}}
}

func (s *MemorySink) Publish(_ context.Context, channel, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := append(s.history[channel], message)
	if s.limit > 0 && len(h) > s.limit {
		h = h[len(h)-s.limit:]
	}
	s.history[channel] = h
	return nil
}

func (s *MemorySink) History(_ context.Context, channel string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history[channel]), nil
}

var (
	_ Sink = (*RedisSink)(nil)
	_ Sink = (*MemorySink)(nil)
)
