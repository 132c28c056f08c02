package api_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/predicta/internal/address"
	"github.com/atmx/predicta/internal/api"
	"github.com/atmx/predicta/internal/auth"
	"github.com/atmx/predicta/internal/fixture"
	"github.com/atmx/predicta/internal/market"
	"github.com/atmx/predicta/internal/model"
	"github.com/atmx/predicta/internal/store"
)

var program = address.MustParse("2hakTPzFyYLXDE2WRw2aJBaTmC8wEGpinLLmECd8CGNR")

const nowUnix = 1_700_000_000

type testEnv struct {
	router chi.Router
	store  *store.MemoryStore
	now    time.Time
}

type stubFixtures struct {
	matches []fixture.Match
	err     error
}

func (s *stubFixtures) Upcoming(context.Context, fixture.Query) ([]fixture.Match, error) {
	return s.matches, s.err
}

// newTestEnv creates a Service over an in-memory store with signatures
// enforced and a fixed clock.
func newTestEnv(t *testing.T, opts ...api.Option) *testEnv {
	t.Helper()
	now := time.Unix(nowUnix, 0)
	clock := func() time.Time { return now }

	ms := store.NewMemoryStore()
	engine := market.NewEngine(ms, program, market.WithClock(clock))
	opts = append([]api.Option{api.WithClock(clock), api.WithFaucet(api.Faucet{Enabled: true, MaxLamports: 100 * 1_000_000_000})}, opts...)
	svc := api.NewService(engine, opts...)

	verifier := &auth.Verifier{Required: true, MaxSkew: time.Minute, Now: clock}
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		svc.Register(r, verifier.Middleware)
	})
	return &testEnv{router: r, store: ms, now: now}
}

func newKey(t *testing.T, seed byte) (ed25519.PrivateKey, address.Address) {
	t.Helper()
	priv := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize))
	id, err := address.FromBytes(priv.Public().(ed25519.PublicKey))
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	return priv, id
}

// do sends a request; when priv is non-nil the request is signed.
func (e *testEnv) do(t *testing.T, method, path string, body any, priv ed25519.PrivateKey) *httptest.ResponseRecorder {
	t.Helper()
	var buf []byte
	if body != nil {
		var err error
		if buf, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	if priv != nil {
		if err := auth.SignRequest(req, priv, e.now); err != nil {
			t.Fatalf("sign: %v", err)
		}
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

type errBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
	if got := decodeBody[errBody](t, w); got.Code != code {
		t.Errorf("expected code %s, got %s (%s)", code, got.Code, got.Error)
	}
}

func (e *testEnv) createMarket(t *testing.T, priv ed25519.PrivateKey, teamA, teamB string, endTime int64) api.MarketView {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/markets", api.CreateMarketRequest{TeamA: teamA, TeamB: teamB, EndTime: endTime}, priv)
	if w.Code != http.StatusCreated {
		t.Fatalf("create market: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return decodeBody[api.MarketView](t, w)
}

func (e *testEnv) airdrop(t *testing.T, to address.Address, lamports uint64) {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/accounts/"+to.String()+"/airdrop", api.AirdropRequest{Lamports: lamports}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("airdrop: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Market creation ---

func TestCreateMarket(t *testing.T) {
	env := newTestEnv(t)
	priv, authority := newKey(t, 1)

	v := env.createMarket(t, priv, "Arsenal", "Chelsea", nowUnix+3600)

	want, _ := address.Market(program, authority, "Arsenal", "Chelsea")
	if v.Address != want.Address || v.Nonce != want.Nonce {
		t.Errorf("market address: got %s/%d, want %s/%d", v.Address, v.Nonce, want.Address, want.Nonce)
	}
	if v.Authority != authority {
		t.Errorf("authority: got %s, want %s", v.Authority, authority)
	}
	vault, _ := address.Vault(program, v.Address)
	if v.Escrow != vault.Address {
		t.Errorf("escrow: got %s, want %s", v.Escrow, vault.Address)
	}
	if !v.Open {
		t.Error("new market should be open")
	}
	if v.Odds.Probability.TeamA.String() != "0.5" {
		t.Errorf("empty pool probability: got %s, want 0.5", v.Odds.Probability.TeamA)
	}
	if _, err := env.store.GetEscrow(context.Background(), vault.Address); err != nil {
		t.Errorf("escrow not created: %v", err)
	}
}

func TestCreateMarket_Unsigned(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/markets", api.CreateMarketRequest{TeamA: "A", TeamB: "B", EndTime: nowUnix + 60}, nil)
	expectError(t, w, http.StatusUnauthorized, "Unauthorized")
}

func TestCreateMarket_Validation(t *testing.T) {
	env := newTestEnv(t)
	priv, _ := newKey(t, 1)

	tests := []struct {
		name string
		req  api.CreateMarketRequest
		code string
	}{
		{"past end time", api.CreateMarketRequest{TeamA: "A", TeamB: "B", EndTime: nowUnix}, "EndTimeMustBeInFuture"},
		{"blank team", api.CreateMarketRequest{TeamA: "  ", TeamB: "B", EndTime: nowUnix + 60}, "EmptyTeamName"},
		{"long team", api.CreateMarketRequest{TeamA: string(bytes.Repeat([]byte("x"), 33)), TeamB: "B", EndTime: nowUnix + 60}, "TeamNameTooLong"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/markets", tt.req, priv)
			expectError(t, w, http.StatusBadRequest, tt.code)
		})
	}
}

func TestCreateMarket_Duplicate(t *testing.T) {
	env := newTestEnv(t)
	priv, _ := newKey(t, 1)
	env.createMarket(t, priv, "A", "B", nowUnix+60)

	w := env.do(t, "POST", "/api/v1/markets", api.CreateMarketRequest{TeamA: "A", TeamB: "B", EndTime: nowUnix + 120}, priv)
	expectError(t, w, http.StatusConflict, "AccountAlreadyInitialized")
}

func TestCreateMarketFromAPI(t *testing.T) {
	env := newTestEnv(t)
	priv, authority := newKey(t, 1)

	in := market.APIMarket{TeamA: "Inter", TeamB: "Milan", League: "Serie A", StartTime: nowUnix + 60, EndTime: nowUnix + 7260, MatchID: "4242"}
	w := env.do(t, "POST", "/api/v1/markets/from-api", in, priv)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	v := decodeBody[api.MarketView](t, w)
	want, _ := address.MarketForMatch(program, authority, "4242")
	if v.Address != want.Address {
		t.Errorf("address: got %s, want %s", v.Address, want.Address)
	}
	if v.League != "Serie A" || v.MatchID != "4242" {
		t.Errorf("unexpected fields: %+v", v.Market)
	}

	in.MatchID = string(bytes.Repeat([]byte("9"), 33))
	expectError(t, env.do(t, "POST", "/api/v1/markets/from-api", in, priv), http.StatusBadRequest, "MatchIdTooLong")
}

// --- Reads ---

func TestGetMarket_NotFound(t *testing.T) {
	env := newTestEnv(t)
	_, id := newKey(t, 9)
	expectError(t, env.do(t, "GET", "/api/v1/markets/"+id.String(), nil, nil), http.StatusNotFound, "AccountNotInitialized")
}

func TestGetMarket_InvalidAddress(t *testing.T) {
	env := newTestEnv(t)
	expectError(t, env.do(t, "GET", "/api/v1/markets/not-an-address", nil, nil), http.StatusBadRequest, "InvalidAddress")
}

func TestGetMarketRaw(t *testing.T) {
	env := newTestEnv(t)
	priv, authority := newKey(t, 1)
	v := env.createMarket(t, priv, "Lakers", "Celtics", nowUnix+60)

	w := env.do(t, "GET", "/api/v1/markets/"+v.Address.String()+"/raw", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decodeBody[struct {
		Size int    `json:"size"`
		Data string `json:"data"`
	}](t, w)
	if resp.Size != model.MarketSize {
		t.Errorf("size: got %d, want %d", resp.Size, model.MarketSize)
	}
	raw, err := base64.StdEncoding.DecodeString(resp.Data)
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	var m model.Market
	if err := m.UnmarshalBinary(raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Authority != authority || m.TeamA != "Lakers" || m.TeamB != "Celtics" || m.EndTime != nowUnix+60 {
		t.Errorf("decoded market mismatch: %+v", m)
	}
}

func TestListMarkets(t *testing.T) {
	env := newTestEnv(t)
	privA, authorityA := newKey(t, 1)
	privB, _ := newKey(t, 2)
	env.createMarket(t, privA, "A", "B", nowUnix+60)
	env.createMarket(t, privA, "C", "D", nowUnix+600)
	env.createMarket(t, privB, "E", "F", nowUnix+300)

	all := decodeBody[[]api.MarketView](t, env.do(t, "GET", "/api/v1/markets", nil, nil))
	if len(all) != 3 {
		t.Fatalf("expected 3 markets, got %d", len(all))
	}

	mine := decodeBody[[]api.MarketView](t, env.do(t, "GET", "/api/v1/authorities/"+authorityA.String()+"/markets", nil, nil))
	if len(mine) != 2 {
		t.Fatalf("expected 2 markets, got %d", len(mine))
	}
	if mine[0].EndTime < mine[1].EndTime {
		t.Error("markets should be sorted by end time, latest first")
	}

	filtered := decodeBody[[]api.MarketView](t, env.do(t, "GET", "/api/v1/markets?authority="+authorityA.String(), nil, nil))
	if len(filtered) != 2 {
		t.Errorf("authority filter: expected 2, got %d", len(filtered))
	}
}

func TestAuthorityMarkets_NoRegistry(t *testing.T) {
	env := newTestEnv(t)
	_, id := newKey(t, 7)
	w := env.do(t, "GET", "/api/v1/authorities/"+id.String()+"/markets", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := bytes.TrimSpace(w.Body.Bytes()); string(got) != "[]" {
		t.Errorf("expected empty list, got %s", got)
	}
}

func TestDeriveAddress(t *testing.T) {
	env := newTestEnv(t)
	_, authority := newKey(t, 1)

	reg, _ := address.Registry(program, authority)
	w := env.do(t, "GET", "/api/v1/addresses/registry?authority="+authority.String(), nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	got := decodeBody[api.AddressResponse](t, w)
	if got.Address != reg.Address || got.Nonce != reg.Nonce || got.Program != program {
		t.Errorf("registry: got %+v, want %s/%d", got, reg.Address, reg.Nonce)
	}

	mkt, _ := address.Market(program, authority, "A", "B")
	got = decodeBody[api.AddressResponse](t, env.do(t, "GET", "/api/v1/addresses/market?authority="+authority.String()+"&team_a=A&team_b=B", nil, nil))
	if got.Address != mkt.Address {
		t.Errorf("market: got %s, want %s", got.Address, mkt.Address)
	}

	vault, _ := address.Vault(program, mkt.Address)
	got = decodeBody[api.AddressResponse](t, env.do(t, "GET", "/api/v1/addresses/vault?market="+mkt.Address.String(), nil, nil))
	if got.Address != vault.Address {
		t.Errorf("vault: got %s, want %s", got.Address, vault.Address)
	}

	expectError(t, env.do(t, "GET", "/api/v1/addresses/position", nil, nil), http.StatusNotFound, "NotFound")
}

// --- Registry verification ---

func TestVerifyRegistry(t *testing.T) {
	env := newTestEnv(t)
	privA, authorityA := newKey(t, 1)
	_, authorityB := newKey(t, 2)
	env.createMarket(t, privA, "A", "B", nowUnix+60)

	own, _ := address.Registry(program, authorityA)
	w := env.do(t, "POST", "/api/v1/registry/verify", api.VerifyRegistryRequest{Registry: own.Address}, privA)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	other, _ := address.Registry(program, authorityB)
	w = env.do(t, "POST", "/api/v1/registry/verify", api.VerifyRegistryRequest{Registry: other.Address}, privA)
	expectError(t, w, http.StatusForbidden, "ConstraintSeeds")
}

// --- Predictions ---

func TestPlacePrediction(t *testing.T) {
	env := newTestEnv(t)
	privA, _ := newKey(t, 1)
	privP, predictor := newKey(t, 2)
	v := env.createMarket(t, privA, "A", "B", nowUnix+60)
	env.airdrop(t, predictor, 5_000_000_000)

	path := "/api/v1/markets/" + v.Address.String() + "/predictions"
	w := env.do(t, "POST", path, api.PlacePredictionRequest{Side: model.SideTeamA, AmountSOL: "1.5"}, privP)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	ev := decodeBody[model.PredictionPlaced](t, w)
	if ev.Amount != 1_500_000_000 || ev.Predictor != predictor || ev.Side != model.SideTeamA {
		t.Errorf("unexpected event: %+v", ev)
	}

	w = env.do(t, "POST", path, api.PlacePredictionRequest{Side: model.SideTeamB, Amount: 500_000_000}, privP)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	got := decodeBody[api.MarketView](t, env.do(t, "GET", "/api/v1/markets/"+v.Address.String(), nil, nil))
	if got.TotalYes != 1_500_000_000 || got.TotalNo != 500_000_000 {
		t.Errorf("totals: yes=%d no=%d", got.TotalYes, got.TotalNo)
	}
	if got.Odds.Probability.TeamA.String() != "0.75" {
		t.Errorf("probability: got %s, want 0.75", got.Odds.Probability.TeamA)
	}

	escrow := decodeBody[model.Escrow](t, env.do(t, "GET", "/api/v1/markets/"+v.Address.String()+"/escrow", nil, nil))
	if escrow.Lamports != 2_000_000_000 {
		t.Errorf("escrow lamports: got %d, want 2000000000", escrow.Lamports)
	}

	bal := decodeBody[api.BalanceResponse](t, env.do(t, "GET", "/api/v1/accounts/"+predictor.String()+"/balance", nil, nil))
	if bal.Lamports != 3_000_000_000 {
		t.Errorf("predictor balance: got %d, want 3000000000", bal.Lamports)
	}

	evs := decodeBody[[]model.PredictionPlaced](t, env.do(t, "GET", path, nil, nil))
	if len(evs) != 2 || evs[0].Sequence >= evs[1].Sequence {
		t.Errorf("expected 2 events in order, got %+v", evs)
	}
}

func TestPlacePrediction_ReplayedRequestMovesFundsOnce(t *testing.T) {
	env := newTestEnv(t)
	privA, _ := newKey(t, 1)
	privP, predictor := newKey(t, 2)
	v := env.createMarket(t, privA, "A", "B", nowUnix+60)
	env.airdrop(t, predictor, 10_000)

	path := "/api/v1/markets/" + v.Address.String() + "/predictions"
	body, _ := json.Marshal(api.PlacePredictionRequest{Side: model.SideTeamA, Amount: 1_000})
	signed := httptest.NewRequest("POST", path, bytes.NewReader(body))
	if err := auth.SignRequest(signed, privP, env.now); err != nil {
		t.Fatalf("sign: %v", err)
	}

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", path, bytes.NewReader(body))
		req.Header = signed.Header.Clone()
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		if i == 0 {
			if w.Code != http.StatusCreated {
				t.Fatalf("first delivery: expected 201, got %d: %s", w.Code, w.Body.String())
			}
			continue
		}
		expectError(t, w, http.StatusUnauthorized, "Replayed")
	}

	got := decodeBody[api.MarketView](t, env.do(t, "GET", "/api/v1/markets/"+v.Address.String(), nil, nil))
	if got.TotalYes != 1_000 {
		t.Errorf("total_yes: got %d, want 1000", got.TotalYes)
	}
	bal := decodeBody[api.BalanceResponse](t, env.do(t, "GET", "/api/v1/accounts/"+predictor.String()+"/balance", nil, nil))
	if bal.Lamports != 9_000 {
		t.Errorf("predictor balance: got %d, want 9000", bal.Lamports)
	}
}

func TestPlacePrediction_Rejections(t *testing.T) {
	env := newTestEnv(t)
	privA, _ := newKey(t, 1)
	privP, predictor := newKey(t, 2)
	v := env.createMarket(t, privA, "A", "B", nowUnix+60)
	env.airdrop(t, predictor, 1_000)
	path := "/api/v1/markets/" + v.Address.String() + "/predictions"

	expectError(t, env.do(t, "POST", path, api.PlacePredictionRequest{Side: 3, Amount: 10}, privP), http.StatusBadRequest, "InvalidSide")
	expectError(t, env.do(t, "POST", path, api.PlacePredictionRequest{Side: model.SideTeamA}, privP), http.StatusBadRequest, "InvalidAmount")
	expectError(t, env.do(t, "POST", path, api.PlacePredictionRequest{Side: model.SideTeamA, AmountSOL: "0.0000000001"}, privP), http.StatusBadRequest, "InvalidAmount")
	expectError(t, env.do(t, "POST", path, api.PlacePredictionRequest{Side: model.SideTeamA, Amount: 2_000}, privP), http.StatusPaymentRequired, "InsufficientFunds")

	_, unknown := newKey(t, 8)
	expectError(t, env.do(t, "POST", "/api/v1/markets/"+unknown.String()+"/predictions", api.PlacePredictionRequest{Side: model.SideTeamA, Amount: 10}, privP), http.StatusNotFound, "AccountNotInitialized")

	got := decodeBody[api.MarketView](t, env.do(t, "GET", "/api/v1/markets/"+v.Address.String(), nil, nil))
	if got.TotalYes != 0 || got.TotalNo != 0 {
		t.Errorf("rejected stakes changed totals: yes=%d no=%d", got.TotalYes, got.TotalNo)
	}
}

// --- Faucet ---

func TestAirdrop_Disabled(t *testing.T) {
	env := newTestEnv(t, api.WithFaucet(api.Faucet{}))
	_, id := newKey(t, 3)
	expectError(t, env.do(t, "POST", "/api/v1/accounts/"+id.String()+"/airdrop", api.AirdropRequest{Lamports: 1}, nil), http.StatusForbidden, "FaucetDisabled")
}

func TestAirdrop_OverLimit(t *testing.T) {
	env := newTestEnv(t)
	_, id := newKey(t, 3)
	expectError(t, env.do(t, "POST", "/api/v1/accounts/"+id.String()+"/airdrop", api.AirdropRequest{Lamports: 101 * 1_000_000_000}, nil), http.StatusBadRequest, "InvalidAmount")
}

// --- Fixture import ---

func upcomingMatch(id int64, home, away string) fixture.Match {
	return fixture.Match{
		ID:          id,
		UTCDate:     "2030-08-10T15:00:00Z",
		Status:      fixture.StatusTimed,
		HomeTeam:    fixture.Team{Name: home},
		AwayTeam:    fixture.Team{Name: away},
		Competition: fixture.Competition{Name: "Premier League"},
	}
}

func TestImportFixtures(t *testing.T) {
	src := &stubFixtures{matches: []fixture.Match{
		upcomingMatch(1001, "Arsenal", "Chelsea"),
		upcomingMatch(1002, "Liverpool", "Everton"),
	}}

	// The importer needs the engine, so the service is assembled by hand.
	now := func() time.Time { return time.Unix(nowUnix, 0) }
	ms := store.NewMemoryStore()
	engine := market.NewEngine(ms, program, market.WithClock(now))
	im := fixture.NewImporter(engine, fixture.DefaultDuration, 2, nil)
	svc := api.NewService(engine, api.WithClock(now), api.WithFixtures(src, im))
	verifier := &auth.Verifier{Required: true, MaxSkew: time.Minute, Now: now}
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) { svc.Register(r, verifier.Middleware) })
	env := &testEnv{router: r, store: ms, now: now()}

	priv, authority := newKey(t, 1)
	w := env.do(t, "POST", "/api/v1/fixtures/import", api.ImportRequest{DateFrom: "2030-08-01", DateTo: "2030-08-31"}, priv)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody[api.ImportResponse](t, w)
	if resp.Fetched != 2 || resp.Created != 2 || resp.Duplicates != 0 {
		t.Errorf("first import: %+v", resp)
	}

	resp = decodeBody[api.ImportResponse](t, env.do(t, "POST", "/api/v1/fixtures/import", api.ImportRequest{}, priv))
	if resp.Created != 0 || resp.Duplicates != 2 {
		t.Errorf("second import should only find duplicates: %+v", resp)
	}

	markets, err := engine.MarketsForAuthority(context.Background(), authority)
	if err != nil {
		t.Fatalf("markets: %v", err)
	}
	if len(markets) != 2 {
		t.Errorf("expected 2 markets, got %d", len(markets))
	}

	expectError(t, env.do(t, "POST", "/api/v1/fixtures/import", api.ImportRequest{DateFrom: "August"}, priv), http.StatusBadRequest, "BadRequest")

	src.err = errors.New("upstream down")
	expectError(t, env.do(t, "POST", "/api/v1/fixtures/import", api.ImportRequest{Competitions: []string{"PL"}}, priv), http.StatusBadGateway, "UpstreamUnavailable")
}

func TestImportFixtures_NotConfigured(t *testing.T) {
	env := newTestEnv(t)
	priv, _ := newKey(t, 1)
	expectError(t, env.do(t, "POST", "/api/v1/fixtures/import", api.ImportRequest{}, priv), http.StatusServiceUnavailable, "Unavailable")
}
