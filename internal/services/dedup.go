package services

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Ananth-NQI/wabot/internal/clock"
)

// Deduper remembers inbound event ids for a short time so redelivered
// webhooks are processed once.
type Deduper interface {
	// FirstSeen records id and reports whether it was new.
	FirstSeen(ctx context.Context, id string) (bool, error)
}

// RedisDeduper keeps ids as Redis keys with a TTL.
type RedisDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, prefix: "wabot:inbound:", ttl: ttl}
}

func (d *RedisDeduper) FirstSeen(ctx context.Context, id string) (bool, error) {
	return d.client.SetNX(ctx, d.prefix+id, 1, d.ttl).Result()
}

// MemoryDeduper is the single-process fallback.
type MemoryDeduper struct {
	clock clock.Clock
	ttl   time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryDeduper(clk clock.Clock, ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{clock: clk, ttl: ttl, seen: make(map[string]time.Time)}
}

func (d *MemoryDeduper) FirstSeen(_ context.Context, id string) (bool, error) {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.seen[id]; ok && now.Sub(at) < d.ttl {
		return false, nil
	}
	d.seen[id] = now
	return true, nil
}

// Sweep forgets ids older than the TTL.
func (d *MemoryDeduper) Sweep() int {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for id, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, id)
			n++
		}
	}
	return n
}
