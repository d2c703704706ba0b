// Package redis provides the fast duplicate check consulted at event
// ingestion. Keys live under a TTL at least twice the dedup bucket width, so
// a webhook redelivered inside the window is dropped before it costs a
// database round trip. The durable applied-event journal in sqlite remains
// the source of truth; this layer only sheds load.
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"fundflow/internal/model"
)

// DeduperConfig configures the redis-backed deduper.
type DeduperConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Deduper implements model.Deduper on redis SET NX.
type Deduper struct {
	client *goredis.Client
	ttl    time.Duration
}

// Client returns the underlying client for health checks.
func (d *Deduper) Client() *goredis.Client { return d.client }

// NewDeduper connects to redis and pings the server.
func NewDeduper(cfg DeduperConfig) (*Deduper, error) {
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

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	log.Printf("[redis] deduper connected to %s (ttl %v)", cfg.Addr, ttl)
	return &Deduper{client: client, ttl: ttl}, nil
}

// Admit returns true the first time a key is seen within the TTL window.
// On redis failure it admits the event and lets the durable journal catch
// the duplicate — availability over strictness here.
func (d *Deduper) Admit(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, "dedup:"+key, 1, d.ttl).Result()
	if err != nil {
		log.Printf("[redis] dedup check failed, admitting event: %v", err)
		return true, nil
	}
	return ok, nil
}

// Close releases the client.
func (d *Deduper) Close() error {
	return d.client.Close()
}

var _ model.Deduper = (*Deduper)(nil)
