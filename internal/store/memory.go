package store

import (
	"context"
	"fmt"
	"math/bits"
	"sort"
	"sync"

	"github.com/atmx/predicta/internal/address"
	"github.com/atmx/predicta/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Update holds the write lock for the whole callback and applies the staged
// writes only when the callback succeeds.
type MemoryStore struct {
	mu         sync.RWMutex
	markets    map[address.Address]model.Market
	registries map[address.Address]model.Registry
	escrows    map[address.Address]model.Escrow
	accounts   map[address.Address]uint64
	events     []model.PredictionPlaced
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:    make(map[address.Address]model.Market),
		registries: make(map[address.Address]model.Registry),
		escrows:    make(map[address.Address]model.Escrow),
		accounts:   make(map[address.Address]uint64),
	}
}

func (s *MemoryStore) Update(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		base:       s,
		markets:    make(map[address.Address]model.Market),
		registries: make(map[address.Address]model.Registry),
		escrows:    make(map[address.Address]model.Escrow),
		accounts:   make(map[address.Address]uint64),
	}
	if err := fn(tx); err != nil {
		return err
	}

	for a, m := range tx.markets {
		s.markets[a] = m
	}
	for a, r := range tx.registries {
		s.registries[a] = r
	}
	for a, e := range tx.escrows {
		s.escrows[a] = e
	}
	for a, v := range tx.accounts {
		s.accounts[a] = v
	}
	s.events = append(s.events, tx.events...)
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, addr address.Address) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[addr]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", addr, ErrNotFound)
	}
	return &m, nil
}

func (s *MemoryStore) GetRegistry(_ context.Context, addr address.Address) (*model.Registry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.registries[addr]
	if !ok {
		return nil, fmt.Errorf("registry %s: %w", addr, ErrNotFound)
	}
	return cloneRegistry(r), nil
}

func (s *MemoryStore) GetEscrow(_ context.Context, addr address.Address) (*model.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.escrows[addr]
	if !ok {
		return nil, fmt.Errorf("escrow %s: %w", addr, ErrNotFound)
	}
	return &e, nil
}

func (s *MemoryStore) Balance(_ context.Context, addr address.Address) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.escrows[addr]; ok {
		return e.Lamports, nil
	}
	return s.accounts[addr], nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, m)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].EndTime > markets[j].EndTime
	})
	return markets, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, market address.Address) ([]model.PredictionPlaced, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PredictionPlaced
	for _, e := range s.events {
		if e.Market == market {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) Close() error { return nil }

// memTx stages writes on top of the store's maps. The store's write lock is
// held for its whole lifetime.
type memTx struct {
	base       *MemoryStore
	markets    map[address.Address]model.Market
	registries map[address.Address]model.Registry
	escrows    map[address.Address]model.Escrow
	accounts   map[address.Address]uint64
	events     []model.PredictionPlaced
}

func (tx *memTx) taken(a address.Address) bool {
	if _, ok := tx.markets[a]; ok {
		return true
	}
	if _, ok := tx.registries[a]; ok {
		return true
	}
	if _, ok := tx.escrows[a]; ok {
		return true
	}
	if _, ok := tx.base.markets[a]; ok {
		return true
	}
	if _, ok := tx.base.registries[a]; ok {
		return true
	}
	_, ok := tx.base.escrows[a]
	return ok
}

func (tx *memTx) Market(addr address.Address) (*model.Market, error) {
	if m, ok := tx.markets[addr]; ok {
		return &m, nil
	}
	if m, ok := tx.base.markets[addr]; ok {
		return &m, nil
	}
	return nil, fmt.Errorf("market %s: %w", addr, ErrNotFound)
}

func (tx *memTx) InitMarket(m *model.Market) error {
	if tx.taken(m.Address) {
		return fmt.Errorf("market %s: %w", m.Address, ErrAlreadyInitialized)
	}
	tx.markets[m.Address] = *m
	return nil
}

func (tx *memTx) PutMarket(m *model.Market) error {
	if _, err := tx.Market(m.Address); err != nil {
		return err
	}
	tx.markets[m.Address] = *m
	return nil
}

func (tx *memTx) Registry(addr address.Address) (*model.Registry, error) {
	if r, ok := tx.registries[addr]; ok {
		return cloneRegistry(r), nil
	}
	if r, ok := tx.base.registries[addr]; ok {
		return cloneRegistry(r), nil
	}
	return nil, fmt.Errorf("registry %s: %w", addr, ErrNotFound)
}

func (tx *memTx) InitRegistry(r *model.Registry) error {
	if tx.taken(r.Address) {
		return fmt.Errorf("registry %s: %w", r.Address, ErrAlreadyInitialized)
	}
	tx.registries[r.Address] = *cloneRegistry(*r)
	return nil
}

func (tx *memTx) PutRegistry(r *model.Registry) error {
	if _, err := tx.Registry(r.Address); err != nil {
		return err
	}
	tx.registries[r.Address] = *cloneRegistry(*r)
	return nil
}

func (tx *memTx) Escrow(addr address.Address) (*model.Escrow, error) {
	if e, ok := tx.escrows[addr]; ok {
		return &e, nil
	}
	if e, ok := tx.base.escrows[addr]; ok {
		return &e, nil
	}
	return nil, fmt.Errorf("escrow %s: %w", addr, ErrNotFound)
}

func (tx *memTx) InitEscrow(addr, market address.Address) error {
	if tx.taken(addr) {
		return fmt.Errorf("escrow %s: %w", addr, ErrAlreadyInitialized)
	}
	tx.escrows[addr] = model.Escrow{Address: addr, Market: market}
	return nil
}

func (tx *memTx) balance(addr address.Address) uint64 {
	if v, ok := tx.accounts[addr]; ok {
		return v
	}
	return tx.base.accounts[addr]
}

func (tx *memTx) Transfer(from, to address.Address, lamports uint64) error {
	have := tx.balance(from)
	if have < lamports {
		return fmt.Errorf("transfer from %s: %w (have %d, need %d)", from, ErrInsufficientFunds, have, lamports)
	}

	if e, err := tx.Escrow(to); err == nil {
		sum, carry := bits.Add64(e.Lamports, lamports, 0)
		if carry != 0 {
			return fmt.Errorf("escrow %s: %w", to, ErrBalanceOverflow)
		}
		e.Lamports = sum
		tx.escrows[to] = *e
	} else if err := tx.Credit(to, lamports); err != nil {
		return err
	}

	tx.accounts[from] = tx.balance(from) - lamports
	return nil
}

func (tx *memTx) Credit(addr address.Address, lamports uint64) error {
	sum, carry := bits.Add64(tx.balance(addr), lamports, 0)
	if carry != 0 {
		return fmt.Errorf("account %s: %w", addr, ErrBalanceOverflow)
	}
	tx.accounts[addr] = sum
	return nil
}

func (tx *memTx) AppendEvent(ev *model.PredictionPlaced) error {
	ev.Sequence = uint64(len(tx.base.events)+len(tx.events)) + 1
	tx.events = append(tx.events, *ev)
	return nil
}

func cloneRegistry(r model.Registry) *model.Registry {
	r.Markets = append([]address.Address(nil), r.Markets...)
	return &r
}
