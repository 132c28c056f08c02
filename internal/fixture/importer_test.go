package fixture_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/predicta/internal/address"
	"github.com/atmx/predicta/internal/fixture"
	"github.com/atmx/predicta/internal/market"
	"github.com/atmx/predicta/internal/store"
)

var program = address.MustParse("2hakTPzFyYLXDE2WRw2aJBaTmC8wEGpinLLmECd8CGNR")

func newIdentity(t *testing.T) address.Address {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	a, err := address.FromBytes(pub)
	require.NoError(t, err)
	return a
}

func TestImporter_Import(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Date(2030, 8, 1, 0, 0, 0, 0, time.UTC)
	engine := market.NewEngine(st, program, market.WithClock(func() time.Time { return now }))
	im := fixture.NewImporter(engine, 2*time.Hour, 2, nil)
	authority := newIdentity(t)

	matches := []fixture.Match{
		{ID: 10, UTCDate: "2030-08-15T19:00:00Z", Status: fixture.StatusTimed,
			HomeTeam: fixture.Team{Name: "Arsenal FC"}, AwayTeam: fixture.Team{Name: "Chelsea FC"},
			Competition: fixture.Competition{Name: "Premier League"}},
		{ID: 11, UTCDate: "2030-08-15T21:00:00Z", Status: fixture.StatusScheduled,
			HomeTeam: fixture.Team{Name: strings.Repeat("Very Long Club Name ", 3)}, AwayTeam: fixture.Team{Name: "Rivals"},
			Competition: fixture.Competition{Name: "Cup"}},
		{ID: 12, UTCDate: "2030-08-01T00:00:00Z", Status: fixture.StatusTimed,
			HomeTeam: fixture.Team{Name: "Late"}, AwayTeam: fixture.Team{Name: "Kickoff"}},
	}

	results, err := im.Import(context.Background(), authority, matches)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "10", results[0].MatchID)
	assert.Equal(t, fixture.OutcomeCreated, results[0].Outcome)
	require.NotNil(t, results[0].Market)

	assert.Equal(t, fixture.OutcomeFailed, results[1].Outcome)
	assert.Equal(t, "TeamNameTooLong", results[1].Code)

	// Kick-off now, so the market would close two hours from now: allowed.
	assert.Equal(t, fixture.OutcomeCreated, results[2].Outcome)

	// Re-importing reports duplicates instead of failing.
	again, err := im.Import(context.Background(), authority, matches[:1])
	require.NoError(t, err)
	assert.Equal(t, fixture.OutcomeDuplicate, again[0].Outcome)

	markets, err := engine.MarketsForAuthority(context.Background(), authority)
	require.NoError(t, err)
	assert.Len(t, markets, 2)
	assert.Equal(t, "Premier League", markets[0].League)
}

func TestImporter_CancelledContext(t *testing.T) {
	engine := market.NewEngine(store.NewMemoryStore(), program)
	im := fixture.NewImporter(engine, 0, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := im.Import(ctx, newIdentity(t), []fixture.Match{{ID: 1, Status: fixture.StatusTimed}})
	assert.ErrorIs(t, err, context.Canceled)
}
