// Package fixture turns upcoming football fixtures from football-data.org
// into API-sourced markets.
package fixture

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/atmx/predicta/internal/market"
)

// Fixture statuses that still accept markets.
const (
	StatusTimed     = "TIMED"
	StatusScheduled = "SCHEDULED"
)

// DefaultDuration is how long after kick-off a fixture's market closes.
const DefaultDuration = 2 * time.Hour

var (
	ErrNotUpcoming  = errors.New("fixture: match is not scheduled")
	ErrMissingTeams = errors.New("fixture: match has no team names")
	ErrBadKickoff   = errors.New("fixture: invalid kick-off time")
)

// Match is one entry of the /v4/matches response, reduced to the fields the
// importer reads.
type Match struct {
	ID          int64       `json:"id"`
	UTCDate     string      `json:"utcDate"`
	Status      string      `json:"status"`
	HomeTeam    Team        `json:"homeTeam"`
	AwayTeam    Team        `json:"awayTeam"`
	Competition Competition `json:"competition"`
}

type Team struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	ShortName string `json:"shortName"`
}

type Competition struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Code string `json:"code"`
}

// Upcoming reports whether the match has not started yet.
func (m Match) Upcoming() bool {
	return m.Status == StatusTimed || m.Status == StatusScheduled
}

// ToMarket maps the match to creation inputs: home team as team A, away
// team as team B, competition name as league and the numeric id as match
// id. The market closes duration after kick-off.
func (m Match) ToMarket(duration time.Duration) (market.APIMarket, error) {
	if !m.Upcoming() {
		return market.APIMarket{}, fmt.Errorf("%w: %d is %s", ErrNotUpcoming, m.ID, m.Status)
	}
	teamA := strings.TrimSpace(m.HomeTeam.Name)
	teamB := strings.TrimSpace(m.AwayTeam.Name)
	if teamA == "" || teamB == "" {
		return market.APIMarket{}, fmt.Errorf("%w: %d", ErrMissingTeams, m.ID)
	}
	kickoff, err := time.Parse(time.RFC3339, m.UTCDate)
	if err != nil {
		return market.APIMarket{}, fmt.Errorf("%w: %d: %q", ErrBadKickoff, m.ID, m.UTCDate)
	}
	if duration <= 0 {
		duration = DefaultDuration
	}

	return market.APIMarket{
		TeamA:     teamA,
		TeamB:     teamB,
		League:    strings.TrimSpace(m.Competition.Name),
		StartTime: kickoff.Unix(),
		EndTime:   kickoff.Add(duration).Unix(),
		MatchID:   strconv.FormatInt(m.ID, 10),
	}, nil
}
