// Package publish pushes snapshot batches to a Redis pub/sub channel so
// consumers outside the dashboard process can follow the live quantities.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shaunagostinho/candash/internal/config"
	"github.com/shaunagostinho/candash/internal/pipeline"
)

// publisher is the part of *redis.Client the Publisher needs.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Publisher is a pipeline sink for a Redis channel.
type Publisher struct {
	client  publisher
	channel string
	close   func() error
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg config.RedisConfig) (*Publisher, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	p := NewPublisher(rdb, cfg.Channel)
	p.close = rdb.Close
	return p, nil
}

// NewPublisher wraps an existing client.
func NewPublisher(client publisher, channel string) *Publisher {
	return &Publisher{client: client, channel: channel}
}

func (p *Publisher) Name() string { return "redis" }

// Publish sends msg as JSON.
func (p *Publisher) Publish(ctx context.Context, msg pipeline.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", p.channel, err)
	}
	return nil
}

// Close releases the connection pool when the Publisher owns it.
func (p *Publisher) Close() error {
	if p.close != nil {
		return p.close()
	}
	return nil
}
