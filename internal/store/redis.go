package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/predicta/internal/address"
	"github.com/atmx/predicta/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache. Updates
// go to the primary and invalidate every record they touched once the
// primary has committed; reads check Redis first then fall back to the
// primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write path (update primary, invalidate cache) ---

func (s *CachedStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	var touched []string
	err := s.primary.Update(ctx, func(tx Tx) error {
		touched = touched[:0]
		return fn(&trackingTx{Tx: tx, touched: &touched})
	})
	if err != nil {
		return err
	}
	if len(touched) > 0 {
		s.rdb.Del(ctx, touched...)
	}
	return nil
}

// trackingTx records the cache keys of every record written through it.
type trackingTx struct {
	Tx
	touched *[]string
}

func (t *trackingTx) touch(keys ...string) { *t.touched = append(*t.touched, keys...) }

func (t *trackingTx) InitMarket(m *model.Market) error {
	t.touch(marketKey(m.Address))
	return t.Tx.InitMarket(m)
}

func (t *trackingTx) PutMarket(m *model.Market) error {
	t.touch(marketKey(m.Address))
	return t.Tx.PutMarket(m)
}

func (t *trackingTx) InitRegistry(r *model.Registry) error {
	t.touch(registryKey(r.Address))
	return t.Tx.InitRegistry(r)
}

func (t *trackingTx) PutRegistry(r *model.Registry) error {
	t.touch(registryKey(r.Address))
	return t.Tx.PutRegistry(r)
}

func (t *trackingTx) InitEscrow(addr, market address.Address) error {
	t.touch(escrowKey(addr))
	return t.Tx.InitEscrow(addr, market)
}

func (t *trackingTx) Transfer(from, to address.Address, lamports uint64) error {
	t.touch(escrowKey(to))
	return t.Tx.Transfer(from, to, lamports)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, addr address.Address) (*model.Market, error) {
	var m model.Market
	if s.cached(ctx, marketKey(addr), &m) {
		return &m, nil
	}

	// Cache miss: read from primary.
	mp, err := s.primary.GetMarket(ctx, addr)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, marketKey(addr), mp)
	return mp, nil
}

func (s *CachedStore) GetRegistry(ctx context.Context, addr address.Address) (*model.Registry, error) {
	var r model.Registry
	if s.cached(ctx, registryKey(addr), &r) {
		return &r, nil
	}

	rp, err := s.primary.GetRegistry(ctx, addr)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, registryKey(addr), rp)
	return rp, nil
}

func (s *CachedStore) GetEscrow(ctx context.Context, addr address.Address) (*model.Escrow, error) {
	var e model.Escrow
	if s.cached(ctx, escrowKey(addr), &e) {
		return &e, nil
	}

	ep, err := s.primary.GetEscrow(ctx, addr)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, escrowKey(addr), ep)
	return ep, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) Balance(ctx context.Context, addr address.Address) (uint64, error) {
	return s.primary.Balance(ctx, addr)
}

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListEvents(ctx context.Context, market address.Address) ([]model.PredictionPlaced, error) {
	return s.primary.ListEvents(ctx, market)
}

func (s *CachedStore) Close() error {
	return s.primary.Close()
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func marketKey(a address.Address) string   { return fmt.Sprintf("predicta:market:%s", a) }
func registryKey(a address.Address) string { return fmt.Sprintf("predicta:registry:%s", a) }
func escrowKey(a address.Address) string   { return fmt.Sprintf("predicta:escrow:%s", a) }
