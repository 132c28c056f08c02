package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/predicta/internal/address"
	"github.com/atmx/predicta/internal/fixture"
	"github.com/atmx/predicta/internal/odds"
	"github.com/atmx/predicta/internal/store"
)

// AddressResponse is returned by GET /addresses/{kind}.
type AddressResponse struct {
	Kind    string          `json:"kind"`
	Program address.Address `json:"program"`
	Address address.Address `json:"address"`
	Nonce   uint8           `json:"nonce"`
}

// BalanceResponse reports the lamports held at an address.
type BalanceResponse struct {
	Address  address.Address `json:"address"`
	Lamports uint64          `json:"lamports"`
	SOL      decimal.Decimal `json:"sol"`
}

// AirdropRequest is the JSON body for POST /accounts/{address}/airdrop.
type AirdropRequest struct {
	Lamports uint64 `json:"lamports"`
}

// ImportRequest is the JSON body for POST /fixtures/import. Dates are
// YYYY-MM-DD; empty means the provider's default window.
type ImportRequest struct {
	DateFrom     string   `json:"date_from"`
	DateTo       string   `json:"date_to"`
	Competitions []string `json:"competitions"`
}

// ImportResponse summarises one import run.
type ImportResponse struct {
	Fetched    int              `json:"fetched"`
	Created    int              `json:"created"`
	Duplicates int              `json:"duplicates"`
	Failed     int              `json:"failed"`
	Results    []fixture.Result `json:"results"`
}

// DeriveAddress handles GET /api/v1/addresses/{kind}
//
//	market:   ?authority=&team_a=&team_b=  or  ?authority=&match_id=
//	registry: ?authority=
//	vault:    ?market=
func (s *Service) DeriveAddress(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := chi.URLParam(r, "kind")
	program := s.engine.Program()

	param := func(name string) (address.Address, bool) {
		a, err := address.Parse(q.Get(name))
		if err != nil {
			writeError(w, "invalid "+name+": "+err.Error(), "InvalidAddress", http.StatusBadRequest)
			return address.Zero, false
		}
		return a, true
	}

	var (
		d   address.Derived
		err error
	)
	switch kind {
	case address.NamespaceMarket:
		authority, ok := param("authority")
		if !ok {
			return
		}
		if matchID := q.Get("match_id"); matchID != "" {
			d, err = address.MarketForMatch(program, authority, matchID)
		} else {
			d, err = address.Market(program, authority, q.Get("team_a"), q.Get("team_b"))
		}
	case address.NamespaceRegistry:
		authority, ok := param("authority")
		if !ok {
			return
		}
		d, err = address.Registry(program, authority)
	case address.NamespaceVault:
		m, ok := param("market")
		if !ok {
			return
		}
		d, err = address.Vault(program, m)
	default:
		writeError(w, "unknown address kind "+kind, "NotFound", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err.Error(), "InvalidSeeds", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, AddressResponse{Kind: kind, Program: program, Address: d.Address, Nonce: d.Nonce})
}

// GetBalance handles GET /api/v1/accounts/{address}/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	lamports, err := s.engine.Store().Balance(r.Context(), addr)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Address: addr, Lamports: lamports, SOL: odds.LamportsToSOL(lamports)})
}

// Airdrop handles POST /api/v1/accounts/{address}/airdrop. Development only.
func (s *Service) Airdrop(w http.ResponseWriter, r *http.Request) {
	if !s.faucet.Enabled {
		writeError(w, "faucet is disabled", "FaucetDisabled", http.StatusForbidden)
		return
	}
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	var req AirdropRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Lamports == 0 || req.Lamports > s.faucet.MaxLamports {
		writeError(w, "lamports must be between 1 and the faucet maximum", "InvalidAmount", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	err := s.engine.Store().Update(ctx, func(tx store.Tx) error {
		return tx.Credit(addr, req.Lamports)
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	lamports, err := s.engine.Store().Balance(ctx, addr)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.log.Info("airdrop", "address", addr.String(), "lamports", req.Lamports, "balance", lamports)
	writeJSON(w, http.StatusOK, BalanceResponse{Address: addr, Lamports: lamports, SOL: odds.LamportsToSOL(lamports)})
}

// ImportFixtures handles POST /api/v1/fixtures/import: upcoming fixtures
// become API-sourced markets owned by the caller.
func (s *Service) ImportFixtures(w http.ResponseWriter, r *http.Request) {
	if s.fixtures == nil || s.importer == nil {
		writeError(w, "fixture import is not configured", "Unavailable", http.StatusServiceUnavailable)
		return
	}
	authority, ok := caller(w, r)
	if !ok {
		return
	}
	var req ImportRequest
	if !decode(w, r, &req) {
		return
	}

	q := fixture.Query{Competitions: req.Competitions}
	var err error
	if q.DateFrom, err = parseDate(req.DateFrom); err != nil {
		writeError(w, "invalid date_from", "BadRequest", http.StatusBadRequest)
		return
	}
	if q.DateTo, err = parseDate(req.DateTo); err != nil {
		writeError(w, "invalid date_to", "BadRequest", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	matches, err := s.fixtures.Upcoming(ctx, q)
	if err != nil {
		s.log.Error("fetch fixtures", "error", err)
		writeError(w, err.Error(), "UpstreamUnavailable", http.StatusBadGateway)
		return
	}

	results, err := s.importer.Import(ctx, authority, matches)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	resp := ImportResponse{Fetched: len(matches), Results: results}
	for _, res := range results {
		switch res.Outcome {
		case fixture.OutcomeCreated:
			resp.Created++
		case fixture.OutcomeDuplicate:
			resp.Duplicates++
		case fixture.OutcomeFailed:
			resp.Failed++
		}
	}
	if resp.Results == nil {
		resp.Results = []fixture.Result{}
	}

	s.log.Info("fixtures imported",
		"authority", authority.String(),
		"fetched", resp.Fetched,
		"created", resp.Created,
		"duplicates", resp.Duplicates,
		"failed", resp.Failed,
	)
	writeJSON(w, http.StatusOK, resp)
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.DateOnly, s)
}
