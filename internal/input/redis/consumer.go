package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"threatwatch/internal/connection"
)

// Config configures the Redis push link.
type Config struct {
	Addr         string
	Password     string
	DB           int
	Key          string
	BlockTimeout time.Duration
}

// Dialer opens list-based push links. The detection pipeline RPUSHes alert
// records onto Key; each link BLPOPs them in delivery order.
type Dialer struct {
	opts         *redis.Options
	key          string
	blockTimeout time.Duration
}

// NewDialer creates a Redis dialer.
func NewDialer(cfg Config) (*Dialer, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("redis key is required")
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}

	return &Dialer{
		opts: &redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		},
		key:          cfg.Key,
		blockTimeout: cfg.BlockTimeout,
	}, nil
}

// Dial connects and pings the server.
func (d *Dialer) Dial(ctx context.Context) (connection.Link, error) {
	client := redis.NewClient(d.opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", d.opts.Addr, err)
	}
	return &Consumer{client: client, key: d.key, blockTimeout: d.blockTimeout}, nil
}

// Consumer wraps a Redis list popper.
type Consumer struct {
	client       *redis.Client
	key          string
	blockTimeout time.Duration
}

// Receive blocks until one message is popped. Idle BLPOP timeouts are not
// errors; anything else ends the link.
func (c *Consumer) Receive(ctx context.Context) ([]byte, error) {
	for {
		payload, err := c.Pop(ctx)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			return payload, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// Pop pops one message from the list. It returns nil, nil on timeout.
func (c *Consumer) Pop(ctx context.Context) ([]byte, error) {
	res, err := c.client.BLPop(ctx, c.blockTimeout, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

// Close closes the consumer.
func (c *Consumer) Close() error {
	return c.client.Close()
}
