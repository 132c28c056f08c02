package fixture_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/predicta/internal/fixture"
)

const matchesJSON = `{
  "matches": [
    {"id": 1, "utcDate": "2030-08-15T19:00:00Z", "status": "TIMED",
     "homeTeam": {"name": "Arsenal FC"}, "awayTeam": {"name": "Chelsea FC"},
     "competition": {"name": "Premier League", "code": "PL"}},
    {"id": 2, "utcDate": "2030-08-10T19:00:00Z", "status": "FINISHED",
     "homeTeam": {"name": "Liverpool FC"}, "awayTeam": {"name": "Everton FC"},
     "competition": {"name": "Premier League", "code": "PL"}},
    {"id": 3, "utcDate": "2030-08-16T15:00:00Z", "status": "SCHEDULED",
     "homeTeam": {"name": "Real Madrid CF"}, "awayTeam": {"name": "FC Barcelona"},
     "competition": {"name": "Primera Division", "code": "PD"}}
  ]
}`

func TestClient_Upcoming(t *testing.T) {
	var gotToken, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v4/matches", r.URL.Path)
		gotToken = r.Header.Get("X-Auth-Token")
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(matchesJSON))
	}))
	defer srv.Close()

	c := fixture.NewClient(srv.URL+"/", "secret-token", time.Second)
	matches, err := c.Upcoming(context.Background(), fixture.Query{
		DateFrom:     time.Date(2030, 8, 15, 0, 0, 0, 0, time.UTC),
		Competitions: []string{"PL", "PD"},
	})
	require.NoError(t, err)

	assert.Equal(t, "secret-token", gotToken)
	assert.Equal(t, "competitions=PL%2CPD&dateFrom=2030-08-15", gotQuery)
	require.Len(t, matches, 2)
	assert.Equal(t, int64(1), matches[0].ID)
	assert.Equal(t, int64(3), matches[1].ID)
	assert.Equal(t, "Primera Division", matches[1].Competition.Name)
}

func TestClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"The resource you are looking for is restricted."}`, http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := fixture.NewClient(srv.URL, "", time.Second).Matches(context.Background(), fixture.Query{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
}
