package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/custodia/vault-engine/internal/api"
	"github.com/custodia/vault-engine/internal/auth"
	"github.com/custodia/vault-engine/internal/fuse"
	"github.com/custodia/vault-engine/internal/model"
	"github.com/custodia/vault-engine/internal/quote"
	"github.com/custodia/vault-engine/internal/vault"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newServer builds a service over a fresh engine: substrate 0x01 granted to
// market 1 at price 1, fuse "mm" approved, balance fuse "holdings" assigned.
// Keys: "strategist-key" routes capital, "admin-key" manages configuration,
// "user-key" deposits and redeems.
func newServer(t *testing.T) (*httptest.Server, *vault.Engine) {
	t.Helper()
	ctx := context.Background()

	s1, err := model.SubstrateFromHex("0x01")
	if err != nil {
		t.Fatalf("bad substrate: %v", err)
	}
	quoter := quote.NewStaticQuoter()
	quoter.SetQuote(s1, d(1))
	catalog := fuse.NewCatalog().
		AddStrategy(fuse.NewMoneyMarketFuse("mm", quoter)).
		AddBalance(fuse.NewHoldingsBalanceFuse("holdings", quoter))

	engine, err := vault.New(ctx, vault.Options{Catalog: catalog})
	if err != nil {
		t.Fatalf("engine init failed: %v", err)
	}
	if _, err := engine.GrantSubstrates(ctx, 1, s1); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if _, err := engine.AddFuses(ctx, "mm"); err != nil {
		t.Fatalf("add fuses failed: %v", err)
	}
	if err := engine.SetBalanceFuse(ctx, 1, "holdings"); err != nil {
		t.Fatalf("set balance fuse failed: %v", err)
	}

	authority := auth.NewStaticAuthority(
		map[string]string{
			"strategist-key": "strategist",
			"admin-key":      "admin",
			"user-key":       "user",
		},
		map[string][]auth.Operation{
			"strategist": {auth.OpExecuteBatch},
			"admin": {
				auth.OpManageSubstrates, auth.OpManageFuses,
				auth.OpManageDependencies, auth.OpManageLimits,
				auth.OpConfigureWithdrawals,
			},
			"user": {auth.OpDeposit, auth.OpRedeem},
		},
	)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		api.NewService(engine, authority).Routes(r)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, engine
}

func do(t *testing.T, srv *httptest.Server, method, path, key string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body failed: %v", err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("build request failed: %v", err)
	}
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
}

func TestAuthorizationPerOperation(t *testing.T) {
	srv, _ := newServer(t)

	batch := map[string]any{"instructions": []model.Instruction{}}

	// No key at all.
	if resp := do(t, srv, http.MethodPost, "/api/v1/vault/execute", "", batch); resp.StatusCode != http.StatusForbidden {
		t.Errorf("no key: status %d, want 403", resp.StatusCode)
	}
	// Valid key, wrong role.
	if resp := do(t, srv, http.MethodPost, "/api/v1/vault/execute", "user-key", batch); resp.StatusCode != http.StatusForbidden {
		t.Errorf("wrong role: status %d, want 403", resp.StatusCode)
	}
	// The strategist routes capital but does not manage fuses.
	fuses := map[string]any{"fuse_ids": []string{"mm"}}
	if resp := do(t, srv, http.MethodPost, "/api/v1/config/fuses/remove", "strategist-key", fuses); resp.StatusCode != http.StatusForbidden {
		t.Errorf("strategist on config: status %d, want 403", resp.StatusCode)
	}
	// Informational reads need no key.
	if resp := do(t, srv, http.MethodGet, "/api/v1/vault/total-assets", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("open read: status %d, want 200", resp.StatusCode)
	}
}

func TestDepositExecuteRedeemFlow(t *testing.T) {
	srv, _ := newServer(t)

	resp := do(t, srv, http.MethodPost, "/api/v1/vault/deposit", "user-key", map[string]string{"amount": "1000"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deposit: status %d", resp.StatusCode)
	}
	var dep map[string]decimal.Decimal
	decode(t, resp, &dep)
	if !dep["shares"].Equal(d(1000)) {
		t.Errorf("shares = %s, want 1000", dep["shares"])
	}

	batch := map[string]any{"instructions": []map[string]any{{
		"fuse_id":   "mm",
		"market":    1,
		"substrate": "0x0000000000000000000000000000000000000000000000000000000000000001",
		"action":    "enter",
		"amount":    "400",
	}}}
	resp = do(t, srv, http.MethodPost, "/api/v1/vault/execute", "strategist-key", batch)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute: status %d", resp.StatusCode)
	}
	var receipt model.BatchReceipt
	decode(t, resp, &receipt)
	if receipt.Phase != model.PhaseCommitted {
		t.Errorf("phase = %s, want committed", receipt.Phase)
	}
	if !receipt.TotalAfter.Equal(d(1000)) {
		t.Errorf("total after = %s, want 1000", receipt.TotalAfter)
	}

	resp = do(t, srv, http.MethodPost, "/api/v1/vault/redeem", "user-key", map[string]string{"shares": "300"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("redeem: status %d", resp.StatusCode)
	}
	var red api.RedeemResponse
	decode(t, resp, &red)
	if !red.Paid.Equal(d(300)) || !red.Remaining.IsZero() {
		t.Errorf("paid %s remaining %s, want 300 and 0", red.Paid, red.Remaining)
	}

	resp = do(t, srv, http.MethodGet, "/api/v1/vault/total-assets", "", nil)
	var total map[string]decimal.Decimal
	decode(t, resp, &total)
	if !total["total_assets"].Equal(d(700)) {
		t.Errorf("total = %s, want 700", total["total_assets"])
	}
}

func TestExecuteRejectionCarriesReceipt(t *testing.T) {
	srv, _ := newServer(t)

	batch := map[string]any{"instructions": []map[string]any{{
		"fuse_id":   "ghost",
		"market":    1,
		"substrate": "0x01",
		"action":    "enter",
		"amount":    "10",
	}}}
	resp := do(t, srv, http.MethodPost, "/api/v1/vault/execute", "strategist-key", batch)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status %d, want 409", resp.StatusCode)
	}
	var body struct {
		Error   string             `json:"error"`
		Receipt model.BatchReceipt `json:"receipt"`
	}
	decode(t, resp, &body)
	if body.Error == "" {
		t.Error("expected an error message")
	}
	if body.Receipt.Phase != model.PhaseAborted {
		t.Errorf("receipt phase = %s, want aborted", body.Receipt.Phase)
	}
	if body.Receipt.FailedPhase != model.PhaseValidating {
		t.Errorf("failed phase = %s, want validating", body.Receipt.FailedPhase)
	}
}

func TestConfigEndpoints(t *testing.T) {
	srv, engine := newServer(t)

	grant := map[string]any{"market": 2, "substrates": []string{
		"0x0000000000000000000000000000000000000000000000000000000000000002",
	}}
	resp := do(t, srv, http.MethodPost, "/api/v1/config/substrates/grant", "admin-key", grant)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("grant: status %d", resp.StatusCode)
	}
	var changed map[string]int
	decode(t, resp, &changed)
	if changed["changed"] != 1 {
		t.Errorf("changed = %d, want 1", changed["changed"])
	}

	resp = do(t, srv, http.MethodGet, "/api/v1/config/substrates?market=2", "", nil)
	var listed struct {
		Market     model.MarketID    `json:"market"`
		Substrates []model.Substrate `json:"substrates"`
	}
	decode(t, resp, &listed)
	if len(listed.Substrates) != 1 {
		t.Fatalf("substrates = %v", listed.Substrates)
	}

	// A dependency cycle is rejected as a conflict.
	dep := func(market, on int) map[string]any {
		return map[string]any{"market": market, "depends_on": []int{on}}
	}
	if resp := do(t, srv, http.MethodPut, "/api/v1/config/dependencies", "admin-key", dep(1, 2)); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("dependencies: status %d", resp.StatusCode)
	}
	if resp := do(t, srv, http.MethodPut, "/api/v1/config/dependencies", "admin-key", dep(2, 1)); resp.StatusCode != http.StatusConflict {
		t.Errorf("cycle: status %d, want 409", resp.StatusCode)
	}

	// Limits round trip.
	limits := map[string]any{"limits": []map[string]any{{"market": 1, "limit_bps": 5000}}}
	if resp := do(t, srv, http.MethodPut, "/api/v1/config/limits", "admin-key", limits); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("set limits: status %d", resp.StatusCode)
	}
	if resp := do(t, srv, http.MethodPost, "/api/v1/config/limits/activate", "admin-key", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("activate: status %d", resp.StatusCode)
	}
	got, active := engine.Limits()
	if !active || len(got) != 1 || got[0].LimitBps != 5000 {
		t.Errorf("limits = %v active %v", got, active)
	}

	// Bad bps is a client error.
	bad := map[string]any{"limits": []map[string]any{{"market": 1, "limit_bps": 20000}}}
	if resp := do(t, srv, http.MethodPut, "/api/v1/config/limits", "admin-key", bad); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limits: status %d, want 400", resp.StatusCode)
	}

	// Removing a fuse referenced by the cascade is a conflict.
	casc := map[string]any{"entries": []map[string]any{{
		"fuse_id":   "mm",
		"market":    1,
		"substrate": "0x0000000000000000000000000000000000000000000000000000000000000001",
	}}}
	if resp := do(t, srv, http.MethodPut, "/api/v1/config/cascade", "admin-key", casc); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("set cascade: status %d", resp.StatusCode)
	}
	remove := map[string]any{"fuse_ids": []string{"mm"}}
	if resp := do(t, srv, http.MethodPost, "/api/v1/config/fuses/remove", "admin-key", remove); resp.StatusCode != http.StatusConflict {
		t.Errorf("remove referenced fuse: status %d, want 409", resp.StatusCode)
	}
}

func TestMarketIDValidation(t *testing.T) {
	srv, _ := newServer(t)

	if resp := do(t, srv, http.MethodGet, "/api/v1/vault/markets/abc/value", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad market id: status %d, want 400", resp.StatusCode)
	}
	if resp := do(t, srv, http.MethodGet, "/api/v1/vault/actions", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing filters: status %d, want 400", resp.StatusCode)
	}
}

func TestActionsEndpoint(t *testing.T) {
	srv, _ := newServer(t)

	do(t, srv, http.MethodPost, "/api/v1/vault/deposit", "user-key", map[string]string{"amount": "500"})
	batch := map[string]any{"instructions": []map[string]any{{
		"fuse_id":   "mm",
		"market":    1,
		"substrate": "0x0000000000000000000000000000000000000000000000000000000000000001",
		"action":    "enter",
		"amount":    "200",
	}}}
	resp := do(t, srv, http.MethodPost, "/api/v1/vault/execute", "strategist-key", batch)
	var receipt model.BatchReceipt
	decode(t, resp, &receipt)

	resp = do(t, srv, http.MethodGet, "/api/v1/vault/actions?batch="+receipt.BatchID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("actions by batch: status %d", resp.StatusCode)
	}
	var records []model.ActionRecord
	decode(t, resp, &records)
	if len(records) != 1 || records[0].FuseID != "mm" {
		t.Fatalf("unexpected records: %+v", records)
	}

	resp = do(t, srv, http.MethodGet, "/api/v1/vault/actions?market=1", "", nil)
	decode(t, resp, &records)
	if len(records) != 1 {
		t.Errorf("expected 1 record for market 1, got %d", len(records))
	}

	// An untouched market has an empty ledger, not a null one.
	resp = do(t, srv, http.MethodGet, "/api/v1/vault/actions?market=42", "", nil)
	var raw json.RawMessage
	decode(t, resp, &raw)
	if string(bytes.TrimSpace(raw)) != "[]" {
		t.Errorf("empty ledger = %s, want []", raw)
	}
}
