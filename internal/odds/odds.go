// Package odds derives display figures from a market's stake totals:
// parimutuel implied probabilities, payout multipliers and SOL amounts.
//
// All figures use shopspring/decimal, never float64. Totals are lamports;
// nothing here feeds back into a transition.
package odds

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL = 1_000_000_000

var (
	// ErrNegativeAmount is returned when converting a negative SOL amount.
	ErrNegativeAmount = errors.New("odds: amount must not be negative")

	// ErrAmountOverflow is returned when a SOL amount exceeds the lamport range.
	ErrAmountOverflow = errors.New("odds: amount exceeds the lamport range")

	// ErrSubLamport is returned when a SOL amount is finer than one lamport.
	ErrSubLamport = errors.New("odds: amount is finer than one lamport")

	// MinProbability and MaxProbability bound displayed probabilities so a
	// one-sided pool never shows as certain.
	MinProbability = decimal.NewFromFloat(0.001)
	MaxProbability = decimal.NewFromFloat(0.999)

	// Scale is the number of decimal places for probabilities and multipliers.
	Scale int32 = 8

	lamportsPerSOL = decimal.NewFromInt(LamportsPerSOL)
	maxLamports    = decimal.NewFromUint64(math.MaxUint64)
	half           = decimal.NewFromFloat(0.5)
)

// Quote is the parimutuel view of one market.
type Quote struct {
	PoolSOL     decimal.Decimal `json:"pool_sol"`
	YesSOL      decimal.Decimal `json:"yes_sol"`
	NoSOL       decimal.Decimal `json:"no_sol"`
	Probability Pair            `json:"probability"`
	// Payout is the gross return per unit staked if that side wins and the
	// pool stays as it is. Zero when nobody backs the side yet.
	Payout Pair `json:"payout"`
}

// Pair holds one figure per side.
type Pair struct {
	TeamA decimal.Decimal `json:"team_a"`
	TeamB decimal.Decimal `json:"team_b"`
}

// Implied computes the quote for the given totals. An empty pool is an even
// market.
func Implied(totalYes, totalNo uint64) Quote {
	yes := decimal.NewFromUint64(totalYes)
	no := decimal.NewFromUint64(totalNo)
	pool := yes.Add(no)

	q := Quote{
		PoolSOL: LamportsToSOL(totalYes).Add(LamportsToSOL(totalNo)),
		YesSOL:  LamportsToSOL(totalYes),
		NoSOL:   LamportsToSOL(totalNo),
	}

	if pool.IsZero() {
		q.Probability = Pair{TeamA: half, TeamB: half}
		q.Payout = Pair{TeamA: decimal.Zero, TeamB: decimal.Zero}
		return q
	}

	pYes := clamp(yes.DivRound(pool, Scale))
	q.Probability = Pair{TeamA: pYes, TeamB: decimal.NewFromInt(1).Sub(pYes)}
	q.Payout = Pair{TeamA: multiplier(pool, yes), TeamB: multiplier(pool, no)}
	return q
}

func multiplier(pool, side decimal.Decimal) decimal.Decimal {
	if side.IsZero() {
		return decimal.Zero
	}
	return pool.DivRound(side, Scale)
}

func clamp(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(MinProbability) {
		return MinProbability
	}
	if p.GreaterThan(MaxProbability) {
		return MaxProbability
	}
	return p
}

// LamportsToSOL converts lamports to SOL exactly.
func LamportsToSOL(lamports uint64) decimal.Decimal {
	return decimal.NewFromUint64(lamports).Div(lamportsPerSOL)
}

// SOLToLamports converts a SOL amount to lamports. Amounts must be
// non-negative, representable in uint64, and whole lamports.
func SOLToLamports(sol decimal.Decimal) (uint64, error) {
	if sol.IsNegative() {
		return 0, ErrNegativeAmount
	}
	l := sol.Mul(lamportsPerSOL)
	if !l.Equal(l.Truncate(0)) {
		return 0, ErrSubLamport
	}
	if l.GreaterThan(maxLamports) {
		return 0, ErrAmountOverflow
	}
	return l.BigInt().Uint64(), nil
}
