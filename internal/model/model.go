// Package model defines the record types shared across the engine.
// Native value is counted in lamports (uint64) and never as float64.
package model

import (
	"github.com/atmx/predicta/internal/address"
)

// MaxNameLen bounds every string stored in a MarketRecord. The bound also
// keeps team names and match ids usable as derivation seeds.
const MaxNameLen = 32

// MaxMarkets is the fixed capacity of one RegistryRecord.
const MaxMarkets = 100

// Side is the outcome a stake backs.
type Side uint8

const (
	SideTeamA Side = 1 // "yes"
	SideTeamB Side = 2 // "no"
)

// Valid reports whether s names one of the two outcomes.
func (s Side) Valid() bool {
	return s == SideTeamA || s == SideTeamB
}

func (s Side) String() string {
	switch s {
	case SideTeamA:
		return "team_a"
	case SideTeamB:
		return "team_b"
	default:
		return "invalid"
	}
}

// Winner records the resolved outcome. Nothing in the engine sets it yet.
type Winner uint8

const (
	WinnerUnresolved Winner = 0
	WinnerTeamA      Winner = 1
	WinnerTeamB      Winner = 2
)

// Market is the state of one binary market. Authority and EndTime are fixed
// at creation; TotalYes/TotalNo only grow, and only through a stake.
type Market struct {
	Address   address.Address `json:"address"`
	Authority address.Address `json:"authority"`
	TeamA     string          `json:"team_a"`
	TeamB     string          `json:"team_b"`
	League    string          `json:"league"`
	MatchID   string          `json:"match_id"`
	StartTime int64           `json:"start_time"`
	EndTime   int64           `json:"end_time"`
	Resolved  bool            `json:"resolved"`
	Winner    Winner          `json:"winner"`
	TotalYes  uint64          `json:"total_yes"`
	TotalNo   uint64          `json:"total_no"`
	Nonce     uint8           `json:"address_nonce"`
}

// Open reports whether the market accepts stakes at unix time now.
func (m *Market) Open(now int64) bool {
	return !m.Resolved && now < m.EndTime
}

// Registry is the bounded, append-only list of markets created by one
// authority. It references markets by address only.
type Registry struct {
	Address   address.Address   `json:"address"`
	Authority address.Address   `json:"authority"`
	Markets   []address.Address `json:"markets"`
	Nonce     uint8             `json:"address_nonce"`
}

// Contains reports whether market is already registered.
func (r *Registry) Contains(market address.Address) bool {
	for _, m := range r.Markets {
		if m == market {
			return true
		}
	}
	return false
}

// Full reports whether the registry is at capacity.
func (r *Registry) Full() bool {
	return len(r.Markets) >= MaxMarkets
}

// Escrow holds the value staked on one market. Market is informational: the
// escrow address is always re-derived from the market address.
type Escrow struct {
	Address  address.Address `json:"address"`
	Market   address.Address `json:"market"`
	Lamports uint64          `json:"lamports"`
}

// PredictionPlaced is emitted for every accepted stake. Indexers rely on it
// for off-chain accounting.
type PredictionPlaced struct {
	ID        string          `json:"id"`
	Sequence  uint64          `json:"sequence"`
	Market    address.Address `json:"market"`
	Predictor address.Address `json:"predictor"`
	Side      Side            `json:"side"`
	Amount    uint64          `json:"amount"`
	PlacedAt  int64           `json:"placed_at"`
}
