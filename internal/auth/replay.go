package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayGuard remembers signatures that were already accepted.
type ReplayGuard interface {
	// Claim marks sig as used for ttl. It reports false when sig was
	// claimed before and has not expired.
	Claim(ctx context.Context, sig string, ttl time.Duration) (bool, error)
}

// MemoryReplayGuard is a process-local ReplayGuard. It only protects a
// single server instance.
type MemoryReplayGuard struct {
	mu        sync.Mutex
	seen      map[string]time.Time // signature -> expiry
	lastPrune time.Time
	now       func() time.Time
}

// NewMemoryReplayGuard creates an empty guard. A nil now uses time.Now.
func NewMemoryReplayGuard(now func() time.Time) *MemoryReplayGuard {
	if now == nil {
		now = time.Now
	}
	return &MemoryReplayGuard{seen: make(map[string]time.Time), now: now}
}

func (g *MemoryReplayGuard) Claim(_ context.Context, sig string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now.Sub(g.lastPrune) > ttl {
		for s, exp := range g.seen {
			if !now.Before(exp) {
				delete(g.seen, s)
			}
		}
		g.lastPrune = now
	}

	if exp, ok := g.seen[sig]; ok && now.Before(exp) {
		return false, nil
	}
	g.seen[sig] = now.Add(ttl)
	return true, nil
}

// Len returns the number of remembered signatures, expired ones included
// until the next prune.
func (g *MemoryReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// RedisReplayGuard shares used signatures across server instances with
// SET NX EX.
type RedisReplayGuard struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisReplayGuard creates a guard storing keys under predicta:sig:.
func NewRedisReplayGuard(rdb *redis.Client) *RedisReplayGuard {
	return &RedisReplayGuard{rdb: rdb, prefix: "predicta:sig:"}
}

func (g *RedisReplayGuard) Claim(ctx context.Context, sig string, ttl time.Duration) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, g.prefix+sig, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("auth: replay check: %w", err)
	}
	return ok, nil
}
