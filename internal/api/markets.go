package api

import (
	"encoding/base64"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/atmx/predicta/internal/address"
	"github.com/atmx/predicta/internal/market"
	"github.com/atmx/predicta/internal/model"
	"github.com/atmx/predicta/internal/odds"
)

// --- Request types ---

// CreateMarketRequest is the JSON body for POST /markets.
type CreateMarketRequest struct {
	TeamA   string `json:"team_a"`
	TeamB   string `json:"team_b"`
	EndTime int64  `json:"end_time"` // unix seconds
}

// PlacePredictionRequest is the JSON body for POST /markets/{address}/predictions.
// Exactly one of Amount (lamports) and AmountSOL should be set.
type PlacePredictionRequest struct {
	Side      model.Side `json:"side"` // 1 = team A, 2 = team B
	Amount    uint64     `json:"amount,omitempty"`
	AmountSOL string     `json:"amount_sol,omitempty"`
}

// VerifyRegistryRequest is the JSON body for POST /registry/verify.
type VerifyRegistryRequest struct {
	Registry address.Address `json:"registry"`
}

// --- Handlers ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	authority, ok := caller(w, r)
	if !ok {
		return
	}
	var req CreateMarketRequest
	if !decode(w, r, &req) {
		return
	}

	m, err := s.engine.CreateMarket(r.Context(), authority, req.TeamA, req.TeamB, req.EndTime)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.created(w, m)
}

// CreateMarketFromAPI handles POST /api/v1/markets/from-api
func (s *Service) CreateMarketFromAPI(w http.ResponseWriter, r *http.Request) {
	authority, ok := caller(w, r)
	if !ok {
		return
	}
	var req market.APIMarket
	if !decode(w, r, &req) {
		return
	}

	m, err := s.engine.CreateMarketFromAPI(r.Context(), authority, req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.created(w, m)
}

func (s *Service) created(w http.ResponseWriter, m *model.Market) {
	v, err := s.view(*m)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:    MsgMarketCreated,
			Market:  m.Address,
			TeamA:   m.TeamA,
			TeamB:   m.TeamB,
			EndTime: m.EndTime,
		})
	}
	writeJSON(w, http.StatusCreated, v)
}

// ListMarkets handles GET /api/v1/markets. Optional query parameters:
// authority (only that authority's registry) and open=true.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		markets []model.Market
		err     error
	)
	if a := r.URL.Query().Get("authority"); a != "" {
		authority, perr := address.Parse(a)
		if perr != nil {
			writeError(w, "invalid authority: "+perr.Error(), "InvalidAddress", http.StatusBadRequest)
			return
		}
		markets, err = s.engine.MarketsForAuthority(ctx, authority)
	} else {
		markets, err = s.engine.Store().ListMarkets(ctx)
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	if open, _ := strconv.ParseBool(r.URL.Query().Get("open")); open {
		now := s.now().Unix()
		filtered := markets[:0]
		for _, m := range markets {
			if m.Open(now) {
				filtered = append(filtered, m)
			}
		}
		markets = filtered
	}

	out, err := s.views(markets)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GetMarket handles GET /api/v1/markets/{address}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	m, err := s.engine.Store().GetMarket(r.Context(), addr)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	v, err := s.view(*m)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// GetMarketRaw handles GET /api/v1/markets/{address}/raw and returns the
// persisted record layout, base64 encoded.
func (s *Service) GetMarketRaw(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	m, err := s.engine.Store().GetMarket(r.Context(), addr)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	data, err := m.MarshalBinary()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":  addr,
		"size":     len(data),
		"encoding": "base64",
		"data":     base64.StdEncoding.EncodeToString(data),
	})
}

// GetEscrow handles GET /api/v1/markets/{address}/escrow
func (s *Service) GetEscrow(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	vault, err := address.Vault(s.engine.Program(), addr)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	e, err := s.engine.Store().GetEscrow(r.Context(), vault.Address)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		model.Escrow
		Nonce uint8           `json:"address_nonce"`
		SOL   decimal.Decimal `json:"sol"`
	}{*e, vault.Nonce, odds.LamportsToSOL(e.Lamports)})
}

// ListPredictions handles GET /api/v1/markets/{address}/predictions
func (s *Service) ListPredictions(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	ctx := r.Context()
	if _, err := s.engine.Store().GetMarket(ctx, addr); err != nil {
		s.writeEngineError(w, err)
		return
	}
	evs, err := s.engine.Store().ListEvents(ctx, addr)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if evs == nil {
		evs = []model.PredictionPlaced{}
	}
	writeJSON(w, http.StatusOK, evs)
}

// PlacePrediction handles POST /api/v1/markets/{address}/predictions
func (s *Service) PlacePrediction(w http.ResponseWriter, r *http.Request) {
	predictor, ok := caller(w, r)
	if !ok {
		return
	}
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	var req PlacePredictionRequest
	if !decode(w, r, &req) {
		return
	}

	amount := req.Amount
	if req.AmountSOL != "" {
		if amount != 0 {
			writeError(w, "set either amount or amount_sol", "BadRequest", http.StatusBadRequest)
			return
		}
		sol, err := decimal.NewFromString(req.AmountSOL)
		if err != nil {
			writeError(w, "invalid amount_sol: "+err.Error(), "InvalidAmount", http.StatusBadRequest)
			return
		}
		amount, err = odds.SOLToLamports(sol)
		if err != nil {
			writeError(w, err.Error(), "InvalidAmount", http.StatusBadRequest)
			return
		}
	}

	ev, err := s.engine.PlacePrediction(r.Context(), predictor, addr, req.Side, amount)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

// VerifyRegistry handles POST /api/v1/registry/verify. It succeeds only if
// the given registry is the caller's own.
func (s *Service) VerifyRegistry(w http.ResponseWriter, r *http.Request) {
	authority, ok := caller(w, r)
	if !ok {
		return
	}
	var req VerifyRegistryRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.GetMarketsForAuthority(r.Context(), authority, req.Registry); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"registry":  req.Registry,
		"authority": authority,
		"verified":  true,
	})
}

// AuthorityMarkets handles GET /api/v1/authorities/{authority}/markets,
// latest end time first.
func (s *Service) AuthorityMarkets(w http.ResponseWriter, r *http.Request) {
	authority, ok := pathAddress(w, r, "authority")
	if !ok {
		return
	}
	markets, err := s.engine.MarketsForAuthority(r.Context(), authority)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	out, err := s.views(markets)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
