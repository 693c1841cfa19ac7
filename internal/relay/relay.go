// Package relay publishes the validated message firehose to the external
// gossip layer over Redis pub/sub. Publishes are fire-and-forget: the tick
// loop never blocks on the relay and failures are logged and dropped.
package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openwalc/arena-server/internal/models"
)

var (
	relayPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_relay_published_total",
		Help: "Total number of messages published to the relay",
	})

	relayErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_relay_errors_total",
		Help: "Total number of relay publish failures",
	})
)

// Publisher is the firehose consumed by remote peers.
type Publisher interface {
	Publish(msg *models.WorldMessage)
	Presence(agentCount, observerCount int)
	Close() error
}

// RedisPublisher gossips every applied message on a pub/sub channel and
// mirrors room presence under a TTL key for remote dashboards.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *zap.SugaredLogger
}

func NewRedis(redisURL, channel string, logger *zap.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisPublisher{
		client:  redis.NewClient(opts),
		channel: channel,
		logger:  logger.Sugar(),
	}, nil
}

func (p *RedisPublisher) Publish(msg *models.WorldMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Errorw("Relay marshal failed", "worldType", msg.WorldType, "agent", msg.AgentID, "error", err)
		relayErrors.Inc()
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
			p.logger.Warnw("Relay publish failed", "worldType", msg.WorldType, "agent", msg.AgentID, "error", err)
			relayErrors.Inc()
			return
		}
		relayPublished.Inc()
	}()
}

func (p *RedisPublisher) Presence(agentCount, observerCount int) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pipe := p.client.Pipeline()
		pipe.Set(ctx, p.channel+":agents", agentCount, 30*time.Second)
		pipe.Set(ctx, p.channel+":observers", observerCount, 30*time.Second)
		if _, err := pipe.Exec(ctx); err != nil {
			p.logger.Debugw("Presence mirror failed", "error", err)
		}
	}()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Nop is the development fallback when no Redis is configured.
type Nop struct{}

func (Nop) Publish(*models.WorldMessage) {}
func (Nop) Presence(int, int)            {}
func (Nop) Close() error                 { return nil }
