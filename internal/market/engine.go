// Package market implements the two mutating transitions of the prediction
// engine (market creation and stake placement) and the registry lookup.
//
// Every transition validates its inputs, then reads the records it touches
// once inside a single store.Update, computes the next state and stages it.
// The store commits everything or nothing. Value is counted in lamports and
// accumulated with checked arithmetic: an overflowing stake is rejected, it
// is never capped.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/predicta/internal/address"
	"github.com/atmx/predicta/internal/events"
	"github.com/atmx/predicta/internal/metrics"
	"github.com/atmx/predicta/internal/model"
	"github.com/atmx/predicta/internal/store"
)

// Engine runs transitions against a Store. It holds no mutable state of its
// own; per-record exclusion is the store's job.
type Engine struct {
	store   store.Store
	program address.Address
	now     func() time.Time
	pub     events.Publisher
	log     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock used for temporal checks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPublisher sets where committed PredictionPlaced events are delivered.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine creates an engine whose records are derived under program.
func NewEngine(st store.Store, program address.Address, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		program: program,
		now:     time.Now,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Program returns the program identity records are derived under.
func (e *Engine) Program() address.Address { return e.program }

// Store returns the underlying store for direct record reads.
func (e *Engine) Store() store.Store { return e.store }

// APIMarket holds the inputs of the API-sourced creation variant.
type APIMarket struct {
	TeamA     string `json:"team_a"`
	TeamB     string `json:"team_b"`
	League    string `json:"league"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`
	MatchID   string `json:"match_id"`
}

// CreateMarket creates a market addressed by (authority, teamA, teamB),
// registers it under the authority's registry and opens its escrow.
// The caller must already have authenticated authority.
func (e *Engine) CreateMarket(ctx context.Context, authority address.Address, teamA, teamB string, endTime int64) (*model.Market, error) {
	start := time.Now()
	defer observe("create_market", start)

	if err := e.validateCreate(teamA, teamB, endTime); err != nil {
		return nil, reject("create_market", err)
	}

	d, err := address.Market(e.program, authority, teamA, teamB)
	if err != nil {
		return nil, reject("create_market", err)
	}

	m := &model.Market{
		Address:   d.Address,
		Authority: authority,
		TeamA:     teamA,
		TeamB:     teamB,
		EndTime:   endTime,
		Nonce:     d.Nonce,
	}
	if err := e.create(ctx, m); err != nil {
		return nil, reject("create_market", err)
	}

	metrics.MarketsCreatedTotal.WithLabelValues("teams").Inc()
	e.log.Info("market created",
		"market", m.Address.String(),
		"authority", authority.String(),
		"team_a", teamA,
		"team_b", teamB,
		"end_time", endTime,
	)
	return m, nil
}

// CreateMarketFromAPI creates a market for an externally listed fixture.
// The market is addressed by (authority, match id) so one fixture maps to at
// most one market per authority.
func (e *Engine) CreateMarketFromAPI(ctx context.Context, authority address.Address, in APIMarket) (*model.Market, error) {
	start := time.Now()
	defer observe("create_market_from_api", start)

	if err := e.validateCreate(in.TeamA, in.TeamB, in.EndTime); err != nil {
		return nil, reject("create_market_from_api", err)
	}
	if len(in.MatchID) > model.MaxNameLen {
		return nil, reject("create_market_from_api", ErrMatchIDTooLong)
	}
	if len(in.League) > model.MaxNameLen {
		return nil, reject("create_market_from_api", ErrLeagueTooLong)
	}

	d, err := address.MarketForMatch(e.program, authority, in.MatchID)
	if err != nil {
		return nil, reject("create_market_from_api", err)
	}

	m := &model.Market{
		Address:   d.Address,
		Authority: authority,
		TeamA:     in.TeamA,
		TeamB:     in.TeamB,
		League:    in.League,
		MatchID:   in.MatchID,
		StartTime: in.StartTime,
		EndTime:   in.EndTime,
		Nonce:     d.Nonce,
	}
	if err := e.create(ctx, m); err != nil {
		return nil, reject("create_market_from_api", err)
	}

	metrics.MarketsCreatedTotal.WithLabelValues("api").Inc()
	e.log.Info("market created",
		"market", m.Address.String(),
		"authority", authority.String(),
		"match_id", in.MatchID,
		"league", in.League,
		"team_a", in.TeamA,
		"team_b", in.TeamB,
		"start_time", in.StartTime,
		"end_time", in.EndTime,
	)
	return m, nil
}

func (e *Engine) validateCreate(teamA, teamB string, endTime int64) error {
	if endTime <= e.now().Unix() {
		return ErrEndTimeMustBeInFuture
	}
	if strings.TrimSpace(teamA) == "" || strings.TrimSpace(teamB) == "" {
		return ErrEmptyTeamName
	}
	if len(teamA) > model.MaxNameLen || len(teamB) > model.MaxNameLen {
		return ErrTeamNameTooLong
	}
	return nil
}

// create stages the market, the registry append and the escrow in one unit.
func (e *Engine) create(ctx context.Context, m *model.Market) error {
	regD, err := address.Registry(e.program, m.Authority)
	if err != nil {
		return err
	}
	vaultD, err := address.Vault(e.program, m.Address)
	if err != nil {
		return err
	}

	return e.store.Update(ctx, func(tx store.Tx) error {
		if err := tx.InitMarket(m); err != nil {
			return err
		}

		reg, err := tx.Registry(regD.Address)
		fresh := false
		switch {
		case errors.Is(err, store.ErrNotFound):
			reg = &model.Registry{Address: regD.Address, Authority: m.Authority, Nonce: regD.Nonce}
			fresh = true
		case err != nil:
			return err
		case reg.Authority != m.Authority:
			return fmt.Errorf("registry %s: %w", regD.Address, ErrRegistryAuthorityMismatch)
		}

		if reg.Full() {
			return ErrRegistryFull
		}
		if reg.Contains(m.Address) {
			return ErrMarketAlreadyRegistered
		}
		reg.Markets = append(reg.Markets, m.Address)

		if fresh {
			err = tx.InitRegistry(reg)
		} else {
			err = tx.PutRegistry(reg)
		}
		if err != nil {
			return err
		}

		return tx.InitEscrow(vaultD.Address, m.Address)
	})
}

// GetMarketsForAuthority checks that registry is the registry derived from
// caller and that it exists and is owned by caller. It returns nothing else;
// the registry itself is read by address.
func (e *Engine) GetMarketsForAuthority(ctx context.Context, caller, registry address.Address) error {
	d, err := address.Registry(e.program, caller)
	if err != nil {
		return err
	}
	if d.Address != registry {
		return fmt.Errorf("registry %s for %s: %w", registry, caller, ErrRegistryAddressMismatch)
	}

	reg, err := e.store.GetRegistry(ctx, registry)
	if err != nil {
		return err
	}
	if reg.Nonce != d.Nonce || reg.Authority != caller {
		return fmt.Errorf("registry %s for %s: %w", registry, caller, ErrRegistryAddressMismatch)
	}
	return nil
}

// MarketsForAuthority reads the authority's registry at its derived address
// and loads every listed market, latest end time first. An authority that
// never created a market has none.
func (e *Engine) MarketsForAuthority(ctx context.Context, authority address.Address) ([]model.Market, error) {
	d, err := address.Registry(e.program, authority)
	if err != nil {
		return nil, err
	}

	reg, err := e.store.GetRegistry(ctx, d.Address)
	if errors.Is(err, store.ErrNotFound) {
		return []model.Market{}, nil
	}
	if err != nil {
		return nil, err
	}

	markets := make([]model.Market, 0, len(reg.Markets))
	for _, addr := range reg.Markets {
		m, err := e.store.GetMarket(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("registry %s lists %s: %w", d.Address, addr, err)
		}
		markets = append(markets, *m)
	}
	sort.SliceStable(markets, func(i, j int) bool {
		return markets[i].EndTime > markets[j].EndTime
	})
	return markets, nil
}

// PlacePrediction stakes amount lamports from predictor on side of the
// market. The total update, the transfer into the market's escrow and the
// event log entry commit together. The event is then published; a publish
// failure is logged and does not fail the stake.
func (e *Engine) PlacePrediction(ctx context.Context, predictor, market address.Address, side model.Side, amount uint64) (*model.PredictionPlaced, error) {
	start := time.Now()
	defer observe("place_prediction", start)

	if !side.Valid() {
		return nil, reject("place_prediction", ErrInvalidSide)
	}
	if amount == 0 {
		return nil, reject("place_prediction", ErrInvalidAmount)
	}

	vault, err := address.Vault(e.program, market)
	if err != nil {
		return nil, reject("place_prediction", err)
	}

	now := e.now().Unix()
	ev := &model.PredictionPlaced{
		ID:        uuid.NewString(),
		Market:    market,
		Predictor: predictor,
		Side:      side,
		Amount:    amount,
		PlacedAt:  now,
	}

	err = e.store.Update(ctx, func(tx store.Tx) error {
		m, err := tx.Market(market)
		if err != nil {
			return err
		}
		if m.Resolved {
			return ErrMarketAlreadyResolved
		}
		if now >= m.EndTime {
			return ErrMarketClosed
		}

		total := &m.TotalYes
		if side == model.SideTeamB {
			total = &m.TotalNo
		}
		sum, carry := bits.Add64(*total, amount, 0)
		if carry != 0 {
			return fmt.Errorf("%s total of %s: %w", side, market, ErrInvalidAmount)
		}
		*total = sum

		if err := tx.PutMarket(m); err != nil {
			return err
		}
		if _, err := tx.Escrow(vault.Address); err != nil {
			return err
		}
		if err := tx.Transfer(predictor, vault.Address, amount); err != nil {
			return err
		}
		return tx.AppendEvent(ev)
	})
	if err != nil {
		return nil, reject("place_prediction", err)
	}

	metrics.PredictionsTotal.WithLabelValues(side.String()).Inc()
	metrics.StakedLamportsTotal.WithLabelValues(side.String()).Add(float64(amount))
	e.log.Info("prediction placed",
		"event_id", ev.ID,
		"sequence", ev.Sequence,
		"market", market.String(),
		"predictor", predictor.String(),
		"side", side.String(),
		"amount", amount,
	)

	if e.pub != nil {
		if err := e.pub.Publish(ctx, *ev); err != nil {
			var sinkErr *events.SinkError
			sink := "publisher"
			if errors.As(err, &sinkErr) {
				sink = sinkErr.Sink
			}
			metrics.PublishFailures.WithLabelValues(sink).Inc()
			e.log.Error("publish prediction event", "event_id", ev.ID, "error", err)
		}
	}
	return ev, nil
}

func reject(op string, err error) error {
	metrics.TransitionRejections.WithLabelValues(op, Code(err)).Inc()
	return err
}

func observe(op string, start time.Time) {
	metrics.TransitionLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
