// Package api provides the HTTP surface of the vault engine: the privileged
// execution and configuration entry points, the informational reads, and
// the websocket event stream. Every privileged handler consults the
// permission authority under its own named operation before touching the
// engine.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/custodia/vault-engine/internal/auth"
	"github.com/custodia/vault-engine/internal/book"
	"github.com/custodia/vault-engine/internal/cascade"
	"github.com/custodia/vault-engine/internal/depgraph"
	"github.com/custodia/vault-engine/internal/guard"
	"github.com/custodia/vault-engine/internal/model"
	"github.com/custodia/vault-engine/internal/registry"
	"github.com/custodia/vault-engine/internal/valuation"
	"github.com/custodia/vault-engine/internal/vault"
)

// callerHeader carries the API key identifying the caller to the
// permission authority.
const callerHeader = "X-API-Key"

// Service routes HTTP requests into the engine. A mutex serializes
// top-level calls (single-instance); the engine's own gate handles hostile
// reentry from fuses.
type Service struct {
	engine    *vault.Engine
	authority auth.Authority
	mu        sync.Mutex
}

// NewService creates the HTTP service.
func NewService(engine *vault.Engine, authority auth.Authority) *Service {
	return &Service{engine: engine, authority: authority}
}

// Routes mounts all endpoints under the given router.
func (s *Service) Routes(r chi.Router) {
	r.Get("/vault/total-assets", s.GetTotalAssets)
	r.Get("/vault/markets/{marketID}/value", s.GetMarketValue)
	r.Get("/vault/actions", s.GetActions)
	r.Post("/vault/execute", s.ExecuteBatch)
	r.Post("/vault/deposit", s.Deposit)
	r.Post("/vault/redeem", s.Redeem)

	r.Route("/config", func(r chi.Router) {
		r.Get("/substrates", s.ListSubstrates)
		r.Post("/substrates/grant", s.GrantSubstrates)
		r.Post("/substrates/revoke", s.RevokeSubstrates)
		r.Get("/fuses", s.ListFuses)
		r.Post("/fuses/add", s.AddFuses)
		r.Post("/fuses/remove", s.RemoveFuses)
		r.Post("/balance-fuses", s.SetBalanceFuse)
		r.Put("/dependencies", s.SetDependencies)
		r.Get("/limits", s.GetLimits)
		r.Put("/limits", s.SetLimits)
		r.Post("/limits/activate", s.ActivateLimits)
		r.Post("/limits/deactivate", s.DeactivateLimits)
		r.Put("/cascade", s.SetCascade)
		r.Get("/cascade", s.GetCascade)
	})
}

// --- Reads ---

// GetTotalAssets handles GET /api/v1/vault/total-assets.
// Informational read: fail-open, a broken venue counts as zero.
func (s *Service) GetTotalAssets(w http.ResponseWriter, r *http.Request) {
	total, err := s.engine.TotalAssets(r.Context(), valuation.PolicyFailOpen)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"total_assets": total})
}

// GetMarketValue handles GET /api/v1/vault/markets/{marketID}/value.
func (s *Service) GetMarketValue(w http.ResponseWriter, r *http.Request) {
	market, ok := parseMarketID(w, chi.URLParam(r, "marketID"))
	if !ok {
		return
	}
	value, err := s.engine.MarketValue(r.Context(), market)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"value": value})
}

// GetActions handles GET /api/v1/vault/actions?market=N or ?batch=ID.
func (s *Service) GetActions(w http.ResponseWriter, r *http.Request) {
	if batchID := r.URL.Query().Get("batch"); batchID != "" {
		records, err := s.engine.ActionsByBatch(r.Context(), batchID)
		if err != nil {
			writeError(w, "failed to load action ledger", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, emptyIfNil(records))
		return
	}
	market, ok := parseMarketID(w, r.URL.Query().Get("market"))
	if !ok {
		return
	}
	records, err := s.engine.ActionsByMarket(r.Context(), market)
	if err != nil {
		writeError(w, "failed to load action ledger", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, emptyIfNil(records))
}

// --- Execution ---

// ExecuteBatchRequest is the JSON body for POST /vault/execute.
type ExecuteBatchRequest struct {
	Instructions []model.Instruction `json:"instructions"`
}

// ExecuteBatch handles POST /api/v1/vault/execute (strategist role).
func (s *Service) ExecuteBatch(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.OpExecuteBatch) {
		return
	}
	var req ExecuteBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	receipt, err := s.engine.ExecuteBatch(r.Context(), req.Instructions)
	s.mu.Unlock()

	if err != nil {
		status := statusFor(err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"error":   err.Error(),
			"receipt": receipt,
		})
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// DepositRequest is the JSON body for POST /vault/deposit.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// Deposit handles POST /api/v1/vault/deposit.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.OpDeposit) {
		return
	}
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	shares, err := s.engine.Deposit(r.Context(), req.Amount)
	s.mu.Unlock()

	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"shares": shares})
}

// RedeemRequest is the JSON body for POST /vault/redeem.
type RedeemRequest struct {
	Shares decimal.Decimal `json:"shares"`
}

// RedeemResponse reports how much of the redemption was servable. A
// non-zero remaining amount is a partially-serviced withdrawal, not an
// error.
type RedeemResponse struct {
	Paid      decimal.Decimal `json:"paid"`
	Remaining decimal.Decimal `json:"remaining"`
}

// Redeem handles POST /api/v1/vault/redeem.
func (s *Service) Redeem(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.OpRedeem) {
		return
	}
	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	paid, remaining, err := s.engine.Redeem(r.Context(), req.Shares)
	s.mu.Unlock()

	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, RedeemResponse{Paid: paid, Remaining: remaining})
}

// --- Configuration: substrates ---

// SubstratesRequest is the JSON body for grant/revoke calls.
type SubstratesRequest struct {
	Market     model.MarketID    `json:"market"`
	Substrates []model.Substrate `json:"substrates"`
}

// GrantSubstrates handles POST /api/v1/config/substrates/grant.
func (s *Service) GrantSubstrates(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.OpManageSubstrates) {
		return
	}
	var req SubstratesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	changed, err := s.engine.GrantSubstrates(r.Context(), req.Market, req.Substrates...)
	s.mu.Unlock()
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"changed": changed})
}

// RevokeSubstrates handles POST /api/v1/config/substrates/revoke.
func (s *Service) RevokeSubstrates(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.OpManageSubstrates) {
		return
	}
	var req SubstratesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	changed, err := s.engine.RevokeSubstrates(r.Context(), req.Market, req.Substrates...)
	s.mu.Unlock()
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"changed": changed})
}

// ListSubstrates handles GET /api/v1/config/substrates?market=N.
func (s *Service) ListSubstrates(w http.ResponseWriter, r *http.Request) {
	market, ok := parseMarketID(w, r.URL.Query().Get("market"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market":     market,
		"substrates": s.engine.GrantedSubstrates(market),
	})
}

// --- Configuration: fuses ---

// FusesRequest is the JSON body for fuse add/remove calls.
type FusesRequest struct {
	FuseIDs []string `json:"fuse_ids"`
}

// AddFuses handles POST /api/v1/config/fuses/add.
func (s *Service) AddFuses(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.OpManageFuses) {
		return
	}
	var req FusesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	changed, err := s.engine.AddFuses(r.Context(), req.FuseIDs...)
	s.mu.Unlock()
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"changed": changed})
}

// RemoveFuses handles POST /api/v1/config/fuses/remove.
func (s *Service) RemoveFuses(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.OpManageFuses) {
		return
	}
	var req FusesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	changed, err := s.engine.RemoveFuses(r.Context(), req.FuseIDs...)
	s.mu.Unlock()
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"changed": changed})
}

// ListFuses handles GET /api/v1/config/fuses.
func (s *Service) ListFuses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"fuses": s.engine.ApprovedFuses()})
}

// BalanceFuseRequest is the JSON body for POST /config/balance-fuses.
type BalanceFuseRequest struct {
	Market model.MarketID `json:"market"`
	FuseID string         `json:"fuse_id"` // empty removes the assignment
}

// SetBalanceFuse handles POST /api/v1/config/balance-fuses.
func (s *Service) SetBalanceFuse(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.OpManageFuses) {
		return
	}
	var req BalanceFuseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	var err error
	if req.FuseID == "" {
		err = s.engine.RemoveBalanceFuse(r.Context(), req.Market)
	} else {
		err = s.engine.SetBalanceFuse(r.Context(), req.Market, req.FuseID)
	}
	s.mu.Unlock()
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Configuration: dependency graph ---

// DependenciesRequest is the JSON body for PUT /config/dependencies.
type DependenciesRequest struct {
	Market    model.MarketID   `json:"market"`
	DependsOn []model.MarketID `json:"depends_on"`
}

// SetDependencies handles PUT /api/v1/config/dependencies.
func (s *Service) SetDependencies(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.OpManageDependencies) {
		return
	}
	var req DependenciesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	err := s.engine.SetDependencies(r.Context(), req.Market, req.DependsOn)
	s.mu.Unlock()
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Configuration: concentration limits ---

// LimitsRequest is the JSON body for PUT /config/limits.
type LimitsRequest struct {
	Limits []model.MarketLimit `json:"limits"`
}

// SetLimits handles PUT /api/v1/config/limits.
func (s *Service) SetLimits(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.OpManageLimits) {
		return
	}
	var req LimitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	err := s.engine.SetLimits(r.Context(), req.Limits)
	s.mu.Unlock()
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ActivateLimits handles POST /api/v1/config/limits/activate.
func (s *Service) ActivateLimits(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.OpManageLimits) {
		return
	}
	s.mu.Lock()
	err := s.engine.ActivateLimits(r.Context())
	s.mu.Unlock()
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeactivateLimits handles POST /api/v1/config/limits/deactivate.
func (s *Service) DeactivateLimits(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.OpManageLimits) {
		return
	}
	s.mu.Lock()
	err := s.engine.DeactivateLimits(r.Context())
	s.mu.Unlock()
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetLimits handles GET /api/v1/config/limits.
func (s *Service) GetLimits(w http.ResponseWriter, r *http.Request) {
	limits, active := s.engine.Limits()
	writeJSON(w, http.StatusOK, map[string]any{
		"limits": limits,
		"active": active,
	})
}

// --- Configuration: withdrawal cascade ---

// CascadeRequest is the JSON body for PUT /config/cascade.
type CascadeRequest struct {
	Entries []model.CascadeEntry `json:"entries"`
}

// SetCascade handles PUT /api/v1/config/cascade. Gated by the withdrawal
// configuration role — narrower than the strategist, since misconfiguration
// here directly risks user funds during redemption.
func (s *Service) SetCascade(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.OpConfigureWithdrawals) {
		return
	}
	var req CascadeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	err := s.engine.ConfigureCascade(r.Context(), req.Entries)
	s.mu.Unlock()
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetCascade handles GET /api/v1/config/cascade.
func (s *Service) GetCascade(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.engine.CascadeEntries()})
}

// --- Helpers ---

func (s *Service) authorize(w http.ResponseWriter, r *http.Request, op auth.Operation) bool {
	caller := r.Header.Get(callerHeader)
	if caller == "" || !s.authority.Authorized(caller, op) {
		writeError(w, auth.ErrNotAuthorized.Error(), http.StatusForbidden)
		return false
	}
	return true
}

// statusFor maps engine errors onto HTTP statuses. Whitelist, limit, and
// reference violations are conflicts; bad amounts are client errors; a
// fail-closed valuation is a dependency outage.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrSubstrateNotGranted),
		errors.Is(err, registry.ErrFuseNotApproved),
		errors.Is(err, registry.ErrStillReferenced),
		errors.Is(err, registry.ErrNoBalanceFuse),
		errors.Is(err, registry.ErrMarketHasPositions),
		errors.Is(err, guard.ErrConcentrationLimitExceeded),
		errors.Is(err, depgraph.ErrDependencyCycle),
		errors.Is(err, cascade.ErrNotLiquidityFuse),
		errors.Is(err, vault.ErrReentrantCall),
		errors.Is(err, vault.ErrInsufficientShares),
		errors.Is(err, vault.ErrZeroNetWorth),
		errors.Is(err, book.ErrInsufficientIdle),
		errors.Is(err, book.ErrInsufficientPosition):
		return http.StatusConflict
	case errors.Is(err, vault.ErrInvalidAmount),
		errors.Is(err, guard.ErrInvalidLimit),
		errors.Is(err, model.ErrInvalidSubstrate):
		return http.StatusBadRequest
	case errors.Is(err, valuation.ErrValuationUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parseMarketID(w http.ResponseWriter, raw string) (model.MarketID, bool) {
	if raw == "" {
		writeError(w, "market is required", http.StatusBadRequest)
		return 0, false
	}
	market, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, "invalid market id", http.StatusBadRequest)
		return 0, false
	}
	return model.MarketID(market), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func emptyIfNil(records []model.ActionRecord) []model.ActionRecord {
	if records == nil {
		return []model.ActionRecord{}
	}
	return records
}
