// Package api provides the HTTP handlers for creating markets, placing
// predictions and reading records, plus the WebSocket hub that streams
// committed events.
//
// All SOL figures use shopspring/decimal; raw amounts are lamports.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/predicta/internal/address"
	"github.com/atmx/predicta/internal/auth"
	"github.com/atmx/predicta/internal/fixture"
	"github.com/atmx/predicta/internal/market"
	"github.com/atmx/predicta/internal/model"
	"github.com/atmx/predicta/internal/odds"
)

// FixtureSource lists upcoming fixtures. *fixture.Client implements it.
type FixtureSource interface {
	Upcoming(ctx context.Context, q fixture.Query) ([]fixture.Match, error)
}

// Faucet gates the development airdrop endpoint.
type Faucet struct {
	Enabled     bool
	MaxLamports uint64
}

// Service serves the HTTP surface of one engine.
type Service struct {
	engine   *market.Engine
	hub      *WSHub // optional
	fixtures FixtureSource
	importer *fixture.Importer
	faucet   Faucet
	now      func() time.Time
	log      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithHub broadcasts market creations to WebSocket clients and serves /ws.
func WithHub(h *WSHub) Option { return func(s *Service) { s.hub = h } }

// WithFixtures enables POST /fixtures/import.
func WithFixtures(src FixtureSource, im *fixture.Importer) Option {
	return func(s *Service) {
		s.fixtures = src
		s.importer = im
	}
}

// WithFaucet configures the airdrop endpoint.
func WithFaucet(f Faucet) Option { return func(s *Service) { s.faucet = f } }

// WithClock sets the clock used to report whether markets are open.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

// NewService creates the HTTP service.
func NewService(engine *market.Engine, opts ...Option) *Service {
	s := &Service{
		engine: engine,
		now:    time.Now,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register mounts the routes on r. Mutating routes run behind authn, which
// must put the caller identity in the request context (auth.Verifier does).
func (s *Service) Register(r chi.Router, authn func(http.Handler) http.Handler) {
	r.Get("/markets", s.ListMarkets)
	r.Get("/markets/{address}", s.GetMarket)
	r.Get("/markets/{address}/raw", s.GetMarketRaw)
	r.Get("/markets/{address}/escrow", s.GetEscrow)
	r.Get("/markets/{address}/predictions", s.ListPredictions)
	r.Get("/authorities/{authority}/markets", s.AuthorityMarkets)
	r.Get("/addresses/{kind}", s.DeriveAddress)
	r.Get("/accounts/{address}/balance", s.GetBalance)
	r.Post("/accounts/{address}/airdrop", s.Airdrop)
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Group(func(r chi.Router) {
		r.Use(authn)
		r.Post("/markets", s.CreateMarket)
		r.Post("/markets/from-api", s.CreateMarketFromAPI)
		r.Post("/markets/{address}/predictions", s.PlacePrediction)
		r.Post("/registry/verify", s.VerifyRegistry)
		r.Post("/fixtures/import", s.ImportFixtures)
	})
}

// --- Response types ---

// MarketView is a market with its escrow address and display odds.
type MarketView struct {
	model.Market
	Escrow address.Address `json:"escrow"`
	Open   bool            `json:"open"`
	Odds   odds.Quote      `json:"odds"`
}

func (s *Service) view(m model.Market) (MarketView, error) {
	vault, err := address.Vault(s.engine.Program(), m.Address)
	if err != nil {
		return MarketView{}, err
	}
	return MarketView{
		Market: m,
		Escrow: vault.Address,
		Open:   m.Open(s.now().Unix()),
		Odds:   odds.Implied(m.TotalYes, m.TotalNo),
	}, nil
}

func (s *Service) views(markets []model.Market) ([]MarketView, error) {
	out := make([]MarketView, 0, len(markets))
	for _, m := range markets {
		v, err := s.view(m)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// --- Helpers ---

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, msg, code string, status int) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// writeEngineError reports a transition or store failure under its stable
// error name.
func (s *Service) writeEngineError(w http.ResponseWriter, err error) {
	code := market.Code(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	writeError(w, err.Error(), code, status)
}

func statusFor(code string) int {
	switch code {
	case "EmptyTeamName", "TeamNameTooLong", "MatchIdTooLong", "LeagueTooLong",
		"EndTimeMustBeInFuture", "InvalidSide", "InvalidAmount":
		return http.StatusBadRequest
	case "RegistryAuthorityMismatch", "ConstraintSeeds":
		return http.StatusForbidden
	case "AccountNotInitialized":
		return http.StatusNotFound
	case "AccountAlreadyInitialized", "RegistryFull", "MarketAlreadyRegistered",
		"MarketClosed", "MarketAlreadyResolved", "BalanceOverflow":
		return http.StatusConflict
	case "InsufficientFunds":
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// caller returns the authenticated identity placed by the auth middleware.
func caller(w http.ResponseWriter, r *http.Request) (address.Address, bool) {
	id, ok := auth.Identity(r.Context())
	if !ok {
		writeError(w, "missing caller identity", "Unauthorized", http.StatusUnauthorized)
	}
	return id, ok
}

// pathAddress parses the named URL parameter as an address.
func pathAddress(w http.ResponseWriter, r *http.Request, name string) (address.Address, bool) {
	a, err := address.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, "invalid "+name+": "+err.Error(), "InvalidAddress", http.StatusBadRequest)
		return address.Zero, false
	}
	return a, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var syntax *json.SyntaxError
		msg := "invalid request body"
		if errors.As(err, &syntax) {
			msg = "malformed JSON"
		}
		writeError(w, msg, "BadRequest", http.StatusBadRequest)
		return false
	}
	return true
}
