package fixture

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the football-data.org API root.
const DefaultBaseURL = "https://api.football-data.org"

// Client fetches fixtures from football-data.org.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client. An empty baseURL selects DefaultBaseURL.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

type matchesResponse struct {
	Matches []Match `json:"matches"`
}

// Query narrows the match listing. Zero values are omitted.
type Query struct {
	DateFrom     time.Time
	DateTo       time.Time
	Competitions []string
}

// Matches returns the listed matches in the order the API reports them.
func (c *Client) Matches(ctx context.Context, q Query) ([]Match, error) {
	params := url.Values{}
	if !q.DateFrom.IsZero() {
		params.Set("dateFrom", q.DateFrom.UTC().Format("2006-01-02"))
	}
	if !q.DateTo.IsZero() {
		params.Set("dateTo", q.DateTo.UTC().Format("2006-01-02"))
	}
	if len(q.Competitions) > 0 {
		params.Set("competitions", strings.Join(q.Competitions, ","))
	}

	endpoint := c.baseURL + "/v4/matches"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("fixture: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("X-Auth-Token", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fixture: fetch matches: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fixture: fetch matches: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out matchesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("fixture: decode matches: %w", err)
	}
	return out.Matches, nil
}

// Upcoming returns only matches that have not kicked off.
func (c *Client) Upcoming(ctx context.Context, q Query) ([]Match, error) {
	all, err := c.Matches(ctx, q)
	if err != nil {
		return nil, err
	}
	upcoming := all[:0]
	for _, m := range all {
		if m.Upcoming() {
			upcoming = append(upcoming, m)
		}
	}
	return upcoming, nil
}
