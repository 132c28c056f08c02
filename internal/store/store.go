// Package store defines the persistence interface for the engine.
// Implementations include PostgreSQL (source of truth), LevelDB (embedded),
// Redis (read-through cache over either) and in-memory (for testing).
//
// All mutation happens inside Update: the callback stages reads and writes
// against a Tx and the backend commits every staged write in one step, or
// none of them. Backends guarantee that two Update calls touching the same
// record never both observe the same pre-state and both commit.
package store

import (
	"context"
	"errors"

	"github.com/atmx/predicta/internal/address"
	"github.com/atmx/predicta/internal/model"
)

var (
	// ErrNotFound is returned when no record exists at an address.
	ErrNotFound = errors.New("store: record not found")

	// ErrAlreadyInitialized is returned when initialising an address that
	// already holds a record.
	ErrAlreadyInitialized = errors.New("store: address already initialized")

	// ErrInsufficientFunds is returned when a transfer source cannot cover
	// the amount.
	ErrInsufficientFunds = errors.New("store: insufficient funds")

	// ErrBalanceOverflow is returned when a credit would overflow uint64.
	ErrBalanceOverflow = errors.New("store: balance overflow")
)

// Tx is the view of storage available inside one atomic unit.
type Tx interface {
	// Market loads a market record.
	Market(addr address.Address) (*model.Market, error)

	// InitMarket creates a market record at m.Address. It fails with
	// ErrAlreadyInitialized if the address is taken by any record.
	InitMarket(m *model.Market) error

	// PutMarket overwrites an existing market record.
	PutMarket(m *model.Market) error

	// Registry loads a registry record.
	Registry(addr address.Address) (*model.Registry, error)

	// InitRegistry creates a registry record at r.Address.
	InitRegistry(r *model.Registry) error

	// PutRegistry overwrites an existing registry record.
	PutRegistry(r *model.Registry) error

	// Escrow loads an escrow record.
	Escrow(addr address.Address) (*model.Escrow, error)

	// InitEscrow creates an empty escrow at addr for market.
	InitEscrow(addr, market address.Address) error

	// Transfer moves lamports out of the account balance at from into the
	// escrow at to, or into the account balance at to when no escrow lives
	// there. It fails with ErrInsufficientFunds when from cannot cover the
	// amount and with ErrBalanceOverflow when to cannot hold it.
	Transfer(from, to address.Address, lamports uint64) error

	// Credit adds lamports to a plain account balance, creating it if needed.
	Credit(addr address.Address, lamports uint64) error

	// AppendEvent adds ev to the event log, assigning its sequence number.
	AppendEvent(ev *model.PredictionPlaced) error
}

// Store is the persistence interface.
type Store interface {
	// Update runs fn inside one atomic unit. If fn returns an error nothing
	// it staged is persisted and the error is returned unchanged.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// GetMarket retrieves a market by address.
	GetMarket(ctx context.Context, addr address.Address) (*model.Market, error)

	// GetRegistry retrieves a registry by address.
	GetRegistry(ctx context.Context, addr address.Address) (*model.Registry, error)

	// GetEscrow retrieves an escrow by address.
	GetEscrow(ctx context.Context, addr address.Address) (*model.Escrow, error)

	// Balance returns the lamports held at addr, escrow or account.
	// Unknown addresses hold zero.
	Balance(ctx context.Context, addr address.Address) (uint64, error)

	// ListMarkets returns all markets.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// ListEvents returns the events of one market in sequence order.
	ListEvents(ctx context.Context, market address.Address) ([]model.PredictionPlaced, error)

	// Close releases backend resources.
	Close() error
}
