// Package config loads process configuration from the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/chatrelay-go/broker"
	"github.com/ggoodman/chatrelay-go/broker/redisbroker"
	"github.com/ggoodman/chatrelay-go/internal/logctx"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Common holds the settings shared by every program.
type Common struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// QueuePrefix for all stream keys. ENV: CHAT_QUEUE_PREFIX
	QueuePrefix string `env:"CHAT_QUEUE_PREFIX,default=chat:queue:"`
	// QueueGroup is the consumer group. ENV: CHAT_QUEUE_GROUP
	QueueGroup string `env:"CHAT_QUEUE_GROUP,default=chat"`
	// ClaimMinIdle before abandoned entries are redelivered. ENV: CHAT_QUEUE_CLAIM_MIN_IDLE
	ClaimMinIdle time.Duration `env:"CHAT_QUEUE_CLAIM_MIN_IDLE,default=30s"`
	// WorkQueue carries commands. ENV: CHAT_WORK_QUEUE
	WorkQueue string `env:"CHAT_WORK_QUEUE,default=chat_service_queue"`
	// ReplyQueue carries replies. ENV: CHAT_REPLY_QUEUE
	ReplyQueue string `env:"CHAT_REPLY_QUEUE,default=response_queue"`
	// LogLevel is debug, info, warn or error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
	// LogFormat is json or text. ENV: LOG_FORMAT
	LogFormat string `env:"LOG_FORMAT,default=json"`
}

// Gateway configures cmd/chat-gateway and the gateway half of cmd/chat-local.
type Gateway struct {
	Common

	// HTTPAddr to listen on. ENV: HTTP_ADDR
	HTTPAddr string `env:"HTTP_ADDR,default=:5000"`
	// RequestTimeout bounds the wait for each reply. ENV: CHAT_REQUEST_TIMEOUT
	RequestTimeout time.Duration `env:"CHAT_REQUEST_TIMEOUT,default=5s"`
	// ShutdownTimeout bounds graceful HTTP shutdown. ENV: HTTP_SHUTDOWN_TIMEOUT
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT,default=10s"`
}

// Worker configures cmd/chat-worker and the worker half of cmd/chat-local.
type Worker struct {
	Common

	// Concurrency is the number of session lanes. ENV: WORKER_CONCURRENCY
	Concurrency int `env:"WORKER_CONCURRENCY,default=4"`
	// ReplayCacheSize bounds the redelivery cache; 0 disables it. ENV: REPLAY_CACHE_SIZE
	ReplayCacheSize int `env:"REPLAY_CACHE_SIZE,default=4096"`
	// ReplayCacheTTL is how long a reply stays replayable. ENV: REPLAY_CACHE_TTL
	ReplayCacheTTL time.Duration `env:"REPLAY_CACHE_TTL,default=10m"`
	// MetricsAddr serves /metrics; empty disables it. ENV: METRICS_ADDR
	MetricsAddr string `env:"METRICS_ADDR,default=:9090"`
}

// LoadGateway reads Gateway from the environment.
func LoadGateway() (Gateway, error) {
	var cfg Gateway
	if err := decode(&cfg); err != nil {
		return Gateway{}, err
	}
	if cfg.RequestTimeout <= 0 {
		return Gateway{}, fmt.Errorf("CHAT_REQUEST_TIMEOUT must be positive, got %s", cfg.RequestTimeout)
	}
	return cfg, nil
}

// LoadWorker reads Worker from the environment.
func LoadWorker() (Worker, error) {
	var cfg Worker
	if err := decode(&cfg); err != nil {
		return Worker{}, err
	}
	if cfg.Concurrency <= 0 {
		return Worker{}, fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", cfg.Concurrency)
	}
	return cfg, nil
}

func decode(target any) error {
	// Every field has a default, so an empty environment is fine.
	if err := envdecode.Decode(target); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("decode env: %w", err)
	}
	return nil
}

// Logger builds the process logger writing to w.
func (c Common) Logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(c.LogFormat) {
	case "json", "":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	return logctx.New(h), nil
}

// RedisBroker connects to Redis and checks that it answers.
func (c Common) RedisBroker(ctx context.Context) (*redisbroker.Broker, error) {
	client := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: redis ping %s: %w", broker.ErrUnavailable, c.RedisAddr, err)
	}
	return redisbroker.New(redisbroker.Config{
		Client:       client,
		KeyPrefix:    c.QueuePrefix,
		Group:        c.QueueGroup,
		ClaimMinIdle: c.ClaimMinIdle,
	}), nil
}
