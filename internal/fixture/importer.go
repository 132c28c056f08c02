package fixture

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/predicta/internal/address"
	"github.com/atmx/predicta/internal/market"
	"github.com/atmx/predicta/internal/metrics"
	"github.com/atmx/predicta/internal/model"
	"github.com/atmx/predicta/internal/store"
)

// Creator is the transition the importer drives.
type Creator interface {
	CreateMarketFromAPI(ctx context.Context, authority address.Address, in market.APIMarket) (*model.Market, error)
}

// Outcome of one fixture.
const (
	OutcomeCreated   = "created"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
)

// Result reports what happened to one fixture.
type Result struct {
	MatchID string           `json:"match_id"`
	Outcome string           `json:"outcome"`
	Market  *address.Address `json:"market,omitempty"`
	Code    string           `json:"code,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// Importer creates markets for fixtures on behalf of one authority.
type Importer struct {
	creator  Creator
	duration time.Duration
	workers  int
	log      *slog.Logger
}

// NewImporter creates an importer. Markets close duration after kick-off;
// at most workers creations run at once.
func NewImporter(c Creator, duration time.Duration, workers int, log *slog.Logger) *Importer {
	if workers <= 0 {
		workers = 4
	}
	if log == nil {
		log = slog.Default()
	}
	return &Importer{creator: c, duration: duration, workers: workers, log: log}
}

// Import creates one market per match. A fixture that already has a market
// is reported as a duplicate; no fixture's failure stops the others. Results
// keep the order of matches. Only context cancellation is returned as an
// error.
func (im *Importer) Import(ctx context.Context, authority address.Address, matches []Match) ([]Result, error) {
	results := make([]Result, len(matches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(im.workers)

	for i, m := range matches {
		i, m := i, m
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = im.importOne(gctx, authority, m)
			metrics.FixturesImported.WithLabelValues(results[i].Outcome).Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func (im *Importer) importOne(ctx context.Context, authority address.Address, m Match) Result {
	res := Result{MatchID: strconv.FormatInt(m.ID, 10)}

	in, err := m.ToMarket(im.duration)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		return res
	}

	created, err := im.creator.CreateMarketFromAPI(ctx, authority, in)
	switch {
	case err == nil:
		res.Outcome = OutcomeCreated
		res.Market = &created.Address
	case errors.Is(err, store.ErrAlreadyInitialized):
		res.Outcome = OutcomeDuplicate
		res.Code = market.Code(err)
	default:
		res.Outcome = OutcomeFailed
		res.Code = market.Code(err)
		res.Error = err.Error()
		im.log.Warn("fixture import failed", "match_id", res.MatchID, "error", err)
	}
	return res
}
