// Package httpapi exposes the contract ledger over REST.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	app "github.com/findermarket/ledger-core/internal/app"
	"github.com/findermarket/ledger-core/internal/app/domain/contract"
	"github.com/findermarket/ledger-core/internal/app/domain/ledger"
	"github.com/findermarket/ledger-core/internal/app/domain/settings"
	"github.com/findermarket/ledger-core/internal/app/domain/withdrawal"
	"github.com/findermarket/ledger-core/internal/app/metrics"
	"github.com/findermarket/ledger-core/internal/app/storage"
)

// Config carries the HTTP edge settings.
type Config struct {
	// JWTSecret signs and verifies bearer tokens (HS256).
	JWTSecret []byte
	// APIKeyHash is the bcrypt hash of the service API key. Callers presenting
	// the matching X-API-Key act as admin. Empty disables API-key auth.
	APIKeyHash string
	// WebhookSecret authenticates payment-gateway callbacks. Empty disables
	// the webhook route.
	WebhookSecret string
	// RateLimit and RateBurst bound per-caller request rates.
	RateLimit rate.Limit
	RateBurst int
	// AuditFile, when set, persists the admin audit trail as JSONL.
	AuditFile string
}

// handler bundles the HTTP endpoints for the application services.
type handler struct {
	app   *app.Application
	cfg   Config
	audit *auditLog
}

// NewHandler returns the ledger REST API as an http.Handler.
func NewHandler(application *app.Application, cfg Config) (http.Handler, error) {
	sink, err := newFileAuditSink(cfg.AuditFile)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	h := &handler{app: application, cfg: cfg, audit: newAuditLog(0, sink)}

	r := mux.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(metrics.InstrumentHandler)

	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	if cfg.WebhookSecret != "" {
		r.HandleFunc("/payments/webhook", h.paymentsWebhook).Methods(http.MethodPost)
	}

	api := r.PathPrefix("/").Subrouter()
	api.Use(h.authenticate)
	api.Use(newRateLimiter(cfg.RateLimit, cfg.RateBurst).middleware)
	api.Use(h.auditMiddleware)

	api.HandleFunc("/proposals", h.requireRole(RoleFinder, h.submitProposal)).Methods(http.MethodPost)
	api.HandleFunc("/proposals/{id}/accept", h.requireRole(RoleClient, h.acceptProposal)).Methods(http.MethodPost)
	api.HandleFunc("/proposals/{id}/withdraw", h.requireRole(RoleFinder, h.withdrawProposal)).Methods(http.MethodPost)
	api.HandleFunc("/finds/{id}/proposals", h.listProposals).Methods(http.MethodGet)
	api.HandleFunc("/finds/{id}/publish", h.requireRole(RoleClient, h.publishFind)).Methods(http.MethodPost)

	api.HandleFunc("/contracts/{id}", h.getContract).Methods(http.MethodGet)
	api.HandleFunc("/contracts/{id}/release", h.requireRole(RoleClient, h.releaseContract)).Methods(http.MethodPost)
	api.HandleFunc("/contracts/{id}/refund", h.requireRole(RoleClient, h.refundContract)).Methods(http.MethodPost)
	api.HandleFunc("/contracts/{id}/complete", h.requireRole(RoleClient, h.completeContract)).Methods(http.MethodPost)

	api.HandleFunc("/finder/withdrawals", h.requireRole(RoleFinder, h.requestWithdrawal)).Methods(http.MethodPost)
	api.HandleFunc("/finder/withdrawals", h.requireRole(RoleFinder, h.listOwnWithdrawals)).Methods(http.MethodGet)

	api.HandleFunc("/accounts/{owner}/balance", h.ownerBalance).Methods(http.MethodGet)

	api.HandleFunc("/admin/withdrawals", h.requireRole(RoleAdmin, h.listWithdrawals)).Methods(http.MethodGet)
	api.HandleFunc("/admin/withdrawals/{id}/approve", h.requireRole(RoleAdmin, h.approveWithdrawal)).Methods(http.MethodPost)
	api.HandleFunc("/admin/withdrawals/{id}/reject", h.requireRole(RoleAdmin, h.rejectWithdrawal)).Methods(http.MethodPost)
	api.HandleFunc("/admin/settings", h.requireRole(RoleAdmin, h.putSettings)).Methods(http.MethodPut)
	api.HandleFunc("/admin/settings", h.requireRole(RoleAdmin, h.getSettings)).Methods(http.MethodGet)
	api.HandleFunc("/admin/grant-tokens", h.requireRole(RoleAdmin, h.grantTokens)).Methods(http.MethodPost)
	api.HandleFunc("/admin/distribute-monthly-tokens", h.requireRole(RoleAdmin, h.distributeMonthly)).Methods(http.MethodPost)
	api.HandleFunc("/admin/transactions", h.requireRole(RoleAdmin, h.listTransactions)).Methods(http.MethodGet)
	api.HandleFunc("/admin/contracts", h.requireRole(RoleAdmin, h.listContracts)).Methods(http.MethodGet)
	api.HandleFunc("/admin/audit", h.requireRole(RoleAdmin, h.listAudit)).Methods(http.MethodGet)

	return r, nil
}

// idempotencyKey prefers the caller-provided X-Idempotency-Key and falls back
// to the given derivation. Mutations with no natural key get a random one, so
// only explicit retries replay.
func idempotencyKey(r *http.Request, fallback string) string {
	if key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key")); key != "" {
		return key
	}
	if fallback != "" {
		return fallback
	}
	return uuid.NewString()
}

// --- proposals --------------------------------------------------------------

func (h *handler) submitProposal(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	var payload struct {
		FindID string `json:"find_id"`
		Amount int64  `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	p, replayed, err := h.app.Proposals.Submit(r.Context(), idempotencyKey(r, ""), payload.FindID, id.Subject, payload.Amount)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, p)
}

func (h *handler) acceptProposal(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	proposalID := mux.Vars(r)["id"]

	result, err := h.app.Escrow.AcceptAndFund(r.Context(), idempotencyKey(r, proposalID+":accept"), proposalID, id.Subject)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) withdrawProposal(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	p, err := h.app.Proposals.Withdraw(r.Context(), mux.Vars(r)["id"], id.Subject)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) listProposals(w http.ResponseWriter, r *http.Request) {
	proposals, err := h.app.Proposals.ListForFind(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, proposals)
}

func (h *handler) publishFind(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	findID := mux.Vars(r)["id"]
	var payload struct {
		BudgetMax int64 `json:"budget_max"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	opID := idempotencyKey(r, findID+":publish")
	if err := h.app.Proposals.GateFindPosting(r.Context(), opID, id.Subject, payload.BudgetMax); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"find_id": findID, "status": "published"})
}

// --- contracts --------------------------------------------------------------

func (h *handler) getContract(w http.ResponseWriter, r *http.Request) {
	c, err := h.app.Escrow.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	if id, _ := identityFrom(r.Context()); id.Role != RoleAdmin && c.ClientID != id.Subject && c.FinderID != id.Subject {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *handler) releaseContract(w http.ResponseWriter, r *http.Request) {
	h.settleContract(w, r, "release", h.app.Escrow.Release)
}

func (h *handler) refundContract(w http.ResponseWriter, r *http.Request) {
	h.settleContract(w, r, "refund", h.app.Escrow.Refund)
}

func (h *handler) settleContract(w http.ResponseWriter, r *http.Request, action string,
	settle func(ctx context.Context, opID, contractID string) (contract.Contract, error)) {
	contractID := mux.Vars(r)["id"]
	if err := h.authorizeContractParty(w, r, contractID); err != nil {
		return
	}

	c, err := settle(r.Context(), idempotencyKey(r, contractID+":"+action), contractID)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// authorizeContractParty rejects callers who are neither a party to the
// contract nor admin. A non-nil return means the response is already written.
func (h *handler) authorizeContractParty(w http.ResponseWriter, r *http.Request, contractID string) error {
	id, _ := identityFrom(r.Context())
	if id.Role == RoleAdmin {
		return nil
	}
	c, err := h.app.Escrow.Get(r.Context(), contractID)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return err
	}
	if c.ClientID != id.Subject {
		w.WriteHeader(http.StatusForbidden)
		return fmt.Errorf("forbidden")
	}
	return nil
}

func (h *handler) completeContract(w http.ResponseWriter, r *http.Request) {
	contractID := mux.Vars(r)["id"]
	if err := h.authorizeContractParty(w, r, contractID); err != nil {
		return
	}
	c, err := h.app.Escrow.Complete(r.Context(), contractID)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// --- withdrawals ------------------------------------------------------------

func (h *handler) requestWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	var payload struct {
		Amount        int64  `json:"amount"`
		PaymentMethod string `json:"payment_method"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	req, err := h.app.Withdrawals.Request(r.Context(), id.Subject, payload.Amount, payload.PaymentMethod)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *handler) listOwnWithdrawals(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	reqs, err := h.app.Withdrawals.List(r.Context(), storage.WithdrawalFilter{FinderID: id.Subject})
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (h *handler) listWithdrawals(w http.ResponseWriter, r *http.Request) {
	filter := storage.WithdrawalFilter{
		Status:   withdrawal.Status(r.URL.Query().Get("status")),
		FinderID: r.URL.Query().Get("finder_id"),
		Limit:    queryInt(r, "limit"),
	}
	reqs, err := h.app.Withdrawals.List(r.Context(), filter)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (h *handler) approveWithdrawal(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["id"]
	req, err := h.app.Withdrawals.Approve(r.Context(), idempotencyKey(r, requestID+":approve"), requestID)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *handler) rejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req, err := h.app.Withdrawals.Reject(r.Context(), mux.Vars(r)["id"], payload.Reason)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// --- balances ---------------------------------------------------------------

func (h *handler) ownerBalance(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	owner := mux.Vars(r)["owner"]
	if id.Role != RoleAdmin && owner != id.Subject {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	kind := ledger.OwnerKind(r.URL.Query().Get("kind"))
	if kind == "" {
		switch id.Role {
		case RoleFinder:
			kind = ledger.OwnerFinder
		default:
			kind = ledger.OwnerClient
		}
	}

	type walletView struct {
		Balance   int64 `json:"balance"`
		Held      int64 `json:"held,omitempty"`
		Available int64 `json:"available"`
	}
	view := make(map[string]walletView, 2)
	for _, asset := range []ledger.Asset{ledger.AssetToken, ledger.AssetCash} {
		acct, err := h.app.Ledger.GetAccount(r.Context(), ledger.AccountID(kind, owner, asset))
		if errors.Is(err, ledger.ErrNotFound) {
			view[string(asset)] = walletView{}
			continue
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		view[string(asset)] = walletView{Balance: acct.Balance, Held: acct.Held, Available: acct.Available()}
	}
	writeJSON(w, http.StatusOK, view)
}

// --- admin ------------------------------------------------------------------

func (h *handler) putSettings(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	var snap settings.Snapshot
	if err := decodeJSON(r.Body, &snap); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snap.CreatedBy = id.Subject

	created, err := h.app.Settings.Create(r.Context(), snap)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) getSettings(w http.ResponseWriter, r *http.Request) {
	snap, err := h.app.Settings.Current(r.Context())
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) grantTokens(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	var payload struct {
		RecipientID   string `json:"recipient_id"`
		RecipientKind string `json:"recipient_kind"`
		Amount        int64  `json:"amount"`
		Reason        string `json:"reason"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	g, replayed, err := h.app.Grants.Grant(r.Context(), idempotencyKey(r, ""),
		payload.RecipientID, ledger.OwnerKind(payload.RecipientKind), payload.Amount, payload.Reason, id.Subject)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, g)
}

func (h *handler) distributeMonthly(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Year  int `json:"year"`
		Month int `json:"month"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Year == 0 {
		now := time.Now().UTC()
		payload.Year, payload.Month = now.Year(), int(now.Month())
	}

	result, err := h.app.Distribution.DistributeForMonth(r.Context(), payload.Year, payload.Month)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	filter := storage.TransactionFilter{
		AccountID:  r.URL.Query().Get("account_id"),
		Kind:       ledger.Kind(r.URL.Query().Get("kind")),
		ContractID: r.URL.Query().Get("contract_id"),
		Limit:      queryInt(r, "limit"),
		Offset:     queryInt(r, "offset"),
	}
	txs, err := h.app.Ledger.ListTransactions(r.Context(), filter)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (h *handler) listContracts(w http.ResponseWriter, r *http.Request) {
	filter := storage.ContractFilter{
		Status:   contract.Status(r.URL.Query().Get("status")),
		ClientID: r.URL.Query().Get("client_id"),
		FinderID: r.URL.Query().Get("finder_id"),
		FindID:   r.URL.Query().Get("find_id"),
		Limit:    queryInt(r, "limit"),
	}
	contracts, err := h.app.Escrow.List(r.Context(), filter)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, contracts)
}

func (h *handler) listAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.audit.listLimit(queryInt(r, "limit")))
}

// --- helpers ----------------------------------------------------------------

func queryInt(r *http.Request, name string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(name))
	return n
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// errorStatus maps domain sentinels to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrInvalidStateTransition),
		errors.Is(err, ledger.ErrAccountFrozen),
		errors.Is(err, ledger.ErrDuplicateOperation):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrSettingsUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrExternalPayout):
		return http.StatusBadGateway
	}
	return http.StatusBadRequest
}
