package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	appconfig "marketlens/config"
	"marketlens/internal/channel"
	"marketlens/logger"
	"marketlens/models"
)

const publishTimeout = 2 * time.Second

// RedisPublisher bridges snapshots and state changes to Redis. Every value
// is published on a pub/sub channel and stored under a "latest" key so late
// subscribers can read the current view.
type RedisPublisher struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *logger.Log
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(ctx context.Context, cfg appconfig.RedisConfig) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return NewRedisPublisherWithClient(client, cfg.Prefix, cfg.LatestTTL), nil
}

func NewRedisPublisherWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisPublisher {
	if prefix == "" {
		prefix = "marketlens"
	}
	return &RedisPublisher{client: client, prefix: prefix, ttl: ttl, log: logger.GetLogger()}
}

func (p *RedisPublisher) BookChannel(symbol string) string {
	return fmt.Sprintf("%s:%s:book", p.prefix, symbol)
}

func (p *RedisPublisher) TradesChannel(symbol string) string {
	return fmt.Sprintf("%s:%s:trades", p.prefix, symbol)
}

func (p *RedisPublisher) StateChannel() string {
	return p.prefix + ":state"
}

func latestKey(channel string) string {
	return channel + ":latest"
}

func (p *RedisPublisher) PublishBook(ctx context.Context, snap models.BookSnapshot) error {
	return p.publish(ctx, p.BookChannel(snap.Symbol), snap)
}

func (p *RedisPublisher) PublishTrades(ctx context.Context, snap models.TradeSnapshot) error {
	return p.publish(ctx, p.TradesChannel(snap.Symbol), snap)
}

func (p *RedisPublisher) PublishState(ctx context.Context, change models.StateChange) error {
	return p.publish(ctx, p.StateChannel(), change)
}

func (p *RedisPublisher) publish(ctx context.Context, channel string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", channel, err)
	}
	pipe := p.client.TxPipeline()
	pipe.Set(ctx, latestKey(channel), payload, p.ttl)
	pipe.Publish(ctx, channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	logger.RecordChannelMessage("redis", len(payload))
	return nil
}

// Subscriber adapts the publisher to the snapshot dispatcher. Publish
// failures are logged and never stall the dispatcher for long.
func (p *RedisPublisher) Subscriber() channel.Subscriber {
	log := p.log.WithComponent("redis_publisher")
	run := func(kind string, fn func(ctx context.Context) error) {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.WithError(err).WithField("kind", kind).Warn("redis publish failed")
		}
	}
	return channel.Subscriber{
		Name: "redis",
		OnBook: func(s models.BookSnapshot) {
			run("book", func(ctx context.Context) error { return p.PublishBook(ctx, s) })
		},
		OnTrades: func(s models.TradeSnapshot) {
			run("trades", func(ctx context.Context) error { return p.PublishTrades(ctx, s) })
		},
		OnState: func(c models.StateChange) {
			run("state", func(ctx context.Context) error { return p.PublishState(ctx, c) })
		},
	}
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
