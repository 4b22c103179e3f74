// Package redis fans snapshots out to Redis pub/sub. Each emit is
// published on screener:snapshot:<exchange> and mirrored into a
// latest-value key with a TTL so late subscribers can catch up. A
// circuit breaker keeps a flapping Redis from stalling the emit path;
// snapshots are latest-wins, so while the circuit is open only the
// newest payload is held for replay.
package redis

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"perpscreener/internal/metrics"
)

const (
	snapshotChannelPrefix = "screener:snapshot:"
	latestKeyPrefix       = "screener:latest:"
	latestTTL             = 5 * time.Minute
	publishTimeout        = 5 * time.Second

	breakerMaxFailures  = 5
	breakerResetTimeout = 10 * time.Second
)

// Config configures the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Publisher publishes one exchange's snapshot stream.
type Publisher struct {
	client   *goredis.Client
	exchange string
	cb       *CircuitBreaker
	met      *metrics.Metrics

	// publishFn is swappable for tests.
	publishFn func(ctx context.Context, payload []byte) error

	mu      sync.Mutex
	pending []byte
}

// NewPublisher connects and pings Redis.
func NewPublisher(cfg Config, exchange string, met *metrics.Metrics) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Printf("[redis] connected to %s", cfg.Addr)

	p := &Publisher{
		client:   client,
		exchange: exchange,
		met:      met,
	}
	p.publishFn = p.publishToRedis
	p.wireBreaker(breakerMaxFailures, breakerResetTimeout)
	return p, nil
}

func (p *Publisher) wireBreaker(maxFailures int, resetTimeout time.Duration) {
	p.cb = NewCircuitBreaker(maxFailures, resetTimeout)
	p.cb.OnStateChange = func(from, to State) {
		log.Printf("[redis] circuit breaker %s -> %s", from, to)
		if to == StateClosed {
			go p.replayPending()
		}
	}
}

// Client exposes the connection for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// Run consumes an aggregator subscription until ctx is cancelled or
// the channel closes.
func (p *Publisher) Run(ctx context.Context, ch <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			p.Publish(ctx, payload)
		}
	}
}

// Publish sends one snapshot through the circuit breaker. When the
// circuit is open, the payload replaces any held one and is replayed
// on close.
func (p *Publisher) Publish(ctx context.Context, payload []byte) {
	err := p.cb.Execute(func() error {
		return p.publishFn(ctx, payload)
	})
	if err == nil {
		return
	}
	if err == ErrCircuitOpen {
		p.mu.Lock()
		p.pending = payload
		p.mu.Unlock()
		return
	}
	log.Printf("[redis] publish %s: %v", p.exchange, err)
}

func (p *Publisher) publishToRedis(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	start := time.Now()
	pipe := p.client.Pipeline()
	pipe.Publish(ctx, snapshotChannelPrefix+p.exchange, payload)
	pipe.Set(ctx, latestKeyPrefix+p.exchange, payload, latestTTL)
	_, err := pipe.Exec(ctx)
	if p.met != nil {
		p.met.RedisPublishDur.Observe(time.Since(start).Seconds())
		if err == nil {
			p.met.SnapshotsTotal.WithLabelValues(p.exchange).Inc()
		}
	}
	return err
}

func (p *Publisher) replayPending() {
	p.mu.Lock()
	payload := p.pending
	p.pending = nil
	p.mu.Unlock()
	if payload == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.publishFn(ctx, payload); err != nil {
		log.Printf("[redis] replay %s: %v", p.exchange, err)
	}
}

// Close releases the connection.
func (p *Publisher) Close() error { return p.client.Close() }
