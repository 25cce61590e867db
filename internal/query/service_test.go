package query_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perpvault/internal/custody"
	"perpvault/internal/event"
	"perpvault/internal/fixed"
	"perpvault/internal/oracle"
	"perpvault/internal/persistence"
	"perpvault/internal/product"
	"perpvault/internal/query"
	"perpvault/internal/trading"
	"perpvault/internal/vault"
)

type stubReader struct {
	rows []persistence.EventRow
}

func (s *stubReader) LoadEventsFrom(_ context.Context, from int64, limit int) ([]persistence.EventRow, error) {
	var out []persistence.EventRow
	for _, r := range s.rows {
		if r.Sequence >= from && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *stubReader) LoadEventsByKey(_ context.Context, key string, limit int) ([]persistence.EventRow, error) {
	var out []persistence.EventRow
	for _, r := range s.rows {
		if r.Key == key && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

type apiEnv struct {
	server *httptest.Server
	engine *trading.Engine
	ledger *custody.Ledger
	oracle *oracle.Fixture
	reader *stubReader
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	products := product.NewRegistry()
	vaults := vault.NewRegistry()
	ledger := custody.NewLedger()
	fixture := &oracle.Fixture{Prices: map[string]int64{"BTC-USD": 50_000 * fixed.PriceScale}}
	engine := trading.NewEngine(products, vaults, ledger, fixture, nil, zerolog.Nop(), nil)
	engine.SetClock(func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) })

	if err := products.Add(product.Product{
		ID:                      1,
		MaxLeverage:             fixed.ScaleLeverage(100),
		FeeBps:                  50,
		Feed:                    "BTC-USD",
		LiquidationThresholdBps: 8000,
		LiquidationBountyBps:    500,
		Active:                  true,
	}); err != nil {
		t.Fatalf("add product: %v", err)
	}
	if err := vaults.Add(vault.Vault{
		ID:               1,
		Base:             "USDC",
		Cap:              fixed.ScaleUnits(100_000),
		MaxOpenInterest:  fixed.ScaleUnits(20_000),
		MaxDailyDrawdown: 10000,
		Active:           true,
	}); err != nil {
		t.Fatalf("add vault: %v", err)
	}

	reader := &stubReader{}
	svc := query.NewService(engine, reader, zerolog.Nop(), nil)
	server := httptest.NewServer(svc.Router())
	t.Cleanup(server.Close)
	return &apiEnv{server: server, engine: engine, ledger: ledger, oracle: fixture, reader: reader}
}

func (e *apiEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *apiEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func (e *apiEnv) openPosition(t *testing.T, owner uuid.UUID) uint64 {
	t.Helper()
	if err := e.ledger.Deposit(owner, "USDC", fixed.ScaleUnits(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	resp := e.post(t, "/v1/orders", query.OrderRequest{
		Owner:     owner,
		VaultID:   1,
		ProductID: 1,
		IsLong:    true,
		Margin:    "100",
		Leverage:  "50",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("open status: got %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	return decode[query.OrderResponse](t, resp).PositionID
}

func TestSubmitOrder_OpensPosition(t *testing.T) {
	e := newAPIEnv(t)
	owner := uuid.New()
	id := e.openPosition(t, owner)

	resp := e.get(t, fmt.Sprintf("/v1/positions/%d", id))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status: got %d", resp.StatusCode)
	}
	pos := decode[query.PositionResponse](t, resp)
	if pos.Price != "50250" {
		t.Errorf("price: got %q, want %q", pos.Price, "50250")
	}
	if pos.Margin != "100" {
		t.Errorf("margin: got %q, want %q", pos.Margin, "100")
	}
	if pos.Leverage != "50" {
		t.Errorf("leverage: got %q, want %q", pos.Leverage, "50")
	}
	if pos.Notional != "5000" {
		t.Errorf("notional: got %q, want %q", pos.Notional, "5000")
	}
}

func TestSubmitOrder_BadDecimalRejected(t *testing.T) {
	e := newAPIEnv(t)
	resp := e.post(t, "/v1/orders", query.OrderRequest{
		Owner:     uuid.New(),
		VaultID:   1,
		ProductID: 1,
		Margin:    "100.0000001",
		Leverage:  "50",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: got %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestSubmitOrder_InsufficientFunds(t *testing.T) {
	e := newAPIEnv(t)
	resp := e.post(t, "/v1/orders", query.OrderRequest{
		Owner:     uuid.New(),
		VaultID:   1,
		ProductID: 1,
		IsLong:    true,
		Margin:    "100",
		Leverage:  "50",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status: got %d, want %d", resp.StatusCode, http.StatusUnprocessableEntity)
	}
}

func TestSubmitOrder_StaleOracle(t *testing.T) {
	e := newAPIEnv(t)
	e.oracle.Err = oracle.ErrStalePrice
	owner := uuid.New()
	if err := e.ledger.Deposit(owner, "USDC", fixed.ScaleUnits(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	resp := e.post(t, "/v1/orders", query.OrderRequest{
		Owner:     owner,
		VaultID:   1,
		ProductID: 1,
		IsLong:    true,
		Margin:    "100",
		Leverage:  "50",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestClosePosition_ReturnsPayout(t *testing.T) {
	e := newAPIEnv(t)
	owner := uuid.New()
	id := e.openPosition(t, owner)

	resp := e.post(t, fmt.Sprintf("/v1/positions/%d/close", id), query.CloseRequest{
		Owner:     owner,
		FullClose: true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("close status: got %d", resp.StatusCode)
	}
	payout := decode[query.PayoutResponse](t, resp)
	// Round trip at a flat price loses only the taker fee on both legs.
	if payout.Payout != "50.248757" {
		t.Errorf("payout: got %q, want %q", payout.Payout, "50.248757")
	}

	resp = e.get(t, fmt.Sprintf("/v1/positions/%d", id))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("closed position status: got %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestClosePosition_WrongOwnerForbidden(t *testing.T) {
	e := newAPIEnv(t)
	id := e.openPosition(t, uuid.New())

	resp := e.post(t, fmt.Sprintf("/v1/positions/%d/close", id), query.CloseRequest{
		Owner:     uuid.New(),
		FullClose: true,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status: got %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
}

func TestAddMargin_ReturnsUpdatedPosition(t *testing.T) {
	e := newAPIEnv(t)
	owner := uuid.New()
	id := e.openPosition(t, owner)

	resp := e.post(t, fmt.Sprintf("/v1/positions/%d/margin", id), query.MarginRequest{
		Owner:  owner,
		Amount: "100",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	pos := decode[query.PositionResponse](t, resp)
	if pos.Margin != "200" {
		t.Errorf("margin: got %q, want %q", pos.Margin, "200")
	}
	if pos.Leverage != "25" {
		t.Errorf("leverage: got %q, want %q", pos.Leverage, "25")
	}
	if pos.Notional != "5000" {
		t.Errorf("notional: got %q, want %q", pos.Notional, "5000")
	}
}

func TestLiquidate_NotLiquidatableIsBadRequest(t *testing.T) {
	e := newAPIEnv(t)
	id := e.openPosition(t, uuid.New())

	resp := e.post(t, fmt.Sprintf("/v1/positions/%d/liquidate", id), query.OwnerRequest{
		Owner: uuid.New(),
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: got %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestLiquidate_PaysBounty(t *testing.T) {
	e := newAPIEnv(t)
	id := e.openPosition(t, uuid.New())
	e.oracle.Prices["BTC-USD"] = 49_446 * fixed.PriceScale

	resp := e.post(t, fmt.Sprintf("/v1/positions/%d/liquidate", id), query.OwnerRequest{
		Owner: uuid.New(),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	payout := decode[query.PayoutResponse](t, resp)
	if payout.Payout != "5" {
		t.Errorf("bounty: got %q, want %q", payout.Payout, "5")
	}
}

func TestDepositWithdrawBalance(t *testing.T) {
	e := newAPIEnv(t)
	owner := uuid.New()

	resp := e.post(t, "/v1/deposits", query.TransferRequest{
		Owner: owner, Asset: "USDC", Amount: "250.5",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deposit status: got %d", resp.StatusCode)
	}
	bal := decode[query.BalanceResponse](t, resp)
	if bal.Balance != "250.5" {
		t.Errorf("balance after deposit: got %q, want %q", bal.Balance, "250.5")
	}

	resp = e.post(t, "/v1/withdrawals", query.TransferRequest{
		Owner: owner, Asset: "USDC", Amount: "100",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("withdraw status: got %d", resp.StatusCode)
	}
	bal = decode[query.BalanceResponse](t, resp)
	if bal.Balance != "150.5" {
		t.Errorf("balance after withdraw: got %q, want %q", bal.Balance, "150.5")
	}

	resp = e.get(t, fmt.Sprintf("/v1/users/%s/balance?asset=USDC", owner))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("balance status: got %d", resp.StatusCode)
	}
	bal = decode[query.BalanceResponse](t, resp)
	if bal.Balance != "150.5" {
		t.Errorf("balance query: got %q, want %q", bal.Balance, "150.5")
	}
}

func TestWithdraw_OverdraftUnprocessable(t *testing.T) {
	e := newAPIEnv(t)
	resp := e.post(t, "/v1/withdrawals", query.TransferRequest{
		Owner: uuid.New(), Asset: "USDC", Amount: "1",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status: got %d, want %d", resp.StatusCode, http.StatusUnprocessableEntity)
	}
}

func TestUserPositions_ListsOwned(t *testing.T) {
	e := newAPIEnv(t)
	owner := uuid.New()
	first := e.openPosition(t, owner)
	other := uuid.New()
	e.openPosition(t, other)

	resp := e.get(t, fmt.Sprintf("/v1/users/%s/positions", owner))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	positions := decode[[]query.PositionResponse](t, resp)
	if len(positions) != 1 {
		t.Fatalf("positions: got %d, want 1", len(positions))
	}
	if positions[0].ID != first {
		t.Errorf("position id: got %d, want %d", positions[0].ID, first)
	}

	resp = e.get(t, fmt.Sprintf("/v1/users/%s/positions?vault=1", owner))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("vault filter status: got %d", resp.StatusCode)
	}
	positions = decode[[]query.PositionResponse](t, resp)
	if len(positions) != 1 {
		t.Errorf("vault 1 positions: got %d, want 1", len(positions))
	}

	resp = e.get(t, fmt.Sprintf("/v1/users/%s/positions?vault=2", owner))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("empty vault status: got %d", resp.StatusCode)
	}
	positions = decode[[]query.PositionResponse](t, resp)
	if len(positions) != 0 {
		t.Errorf("vault 2 positions: got %d, want 0", len(positions))
	}

	resp = e.get(t, fmt.Sprintf("/v1/users/%s/positions?vault=bogus", owner))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad vault filter status: got %d", resp.StatusCode)
	}
}

func TestVaultAdminAndStake(t *testing.T) {
	e := newAPIEnv(t)

	resp := e.post(t, "/v1/vaults", query.VaultRequest{
		ID:              2,
		Base:            "USDT",
		Cap:             "50000",
		MaxOpenInterest: "1000",
		Active:          true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add vault status: got %d", resp.StatusCode)
	}
	v := decode[query.VaultResponse](t, resp)
	if v.Cap != "50000" {
		t.Errorf("cap: got %q, want %q", v.Cap, "50000")
	}

	staker := uuid.New()
	if err := e.ledger.Deposit(staker, "USDT", fixed.ScaleUnits(500)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	resp = e.post(t, "/v1/vaults/2/stake", query.StakeRequest{Owner: staker, Amount: "500"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stake status: got %d", resp.StatusCode)
	}
	v = decode[query.VaultResponse](t, resp)
	if v.Balance != "500" {
		t.Errorf("vault balance: got %q, want %q", v.Balance, "500")
	}
	if v.TotalStaked != "500" {
		t.Errorf("total staked: got %q, want %q", v.TotalStaked, "500")
	}

	resp = e.post(t, "/v1/vaults/2/unstake", query.StakeRequest{Owner: staker, Amount: "200"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unstake status: got %d", resp.StatusCode)
	}
	payout := decode[query.PayoutResponse](t, resp)
	if payout.Payout != "200" {
		t.Errorf("unstake payout: got %q, want %q", payout.Payout, "200")
	}
}

func TestVaultDuplicateConflict(t *testing.T) {
	e := newAPIEnv(t)
	resp := e.post(t, "/v1/vaults", query.VaultRequest{
		ID:              1,
		Base:            "USDC",
		Cap:             "1000",
		MaxOpenInterest: "100",
		Active:          true,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status: got %d, want %d", resp.StatusCode, http.StatusConflict)
	}
}

func TestProductAdmin(t *testing.T) {
	e := newAPIEnv(t)
	resp := e.post(t, "/v1/products", query.ProductRequest{
		ID:                      2,
		MaxLeverage:             "20",
		FeeBps:                  25,
		Feed:                    "ETH-USD",
		LiquidationThresholdBps: 9000,
		Active:                  true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add status: got %d", resp.StatusCode)
	}
	p := decode[query.ProductResponse](t, resp)
	if p.MaxLeverage != "20" {
		t.Errorf("max leverage: got %q, want %q", p.MaxLeverage, "20")
	}

	resp = e.get(t, "/v1/products/2")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status: got %d", resp.StatusCode)
	}
	p = decode[query.ProductResponse](t, resp)
	if p.Feed != "ETH-USD" {
		t.Errorf("feed: got %q, want %q", p.Feed, "ETH-USD")
	}

	resp = e.get(t, "/v1/products/99")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing product status: got %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestEvents_ReadsFromLog(t *testing.T) {
	e := newAPIEnv(t)
	e.reader.rows = []persistence.EventRow{
		{Sequence: 1, EventType: event.TypePositionOpened.String(), Key: "1", Payload: []byte(`{"position_id":1}`), Timestamp: time.Now().UTC()},
		{Sequence: 2, EventType: event.TypePositionClosed.String(), Key: "1", Payload: []byte(`{"position_id":1}`), Timestamp: time.Now().UTC()},
	}

	resp := e.get(t, "/v1/events?from=2")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	rows := decode[[]map[string]any](t, resp)
	if len(rows) != 1 {
		t.Fatalf("rows: got %d, want 1", len(rows))
	}
	if got := rows[0]["event_type"]; got != event.TypePositionClosed.String() {
		t.Errorf("event type: got %v", got)
	}

	resp = e.get(t, "/v1/events?limit=zero")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status: got %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}
