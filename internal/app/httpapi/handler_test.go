package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/crypto/bcrypt"

	app "github.com/findermarket/ledger-core/internal/app"
	"github.com/findermarket/ledger-core/internal/app/domain/ledger"
	"github.com/findermarket/ledger-core/internal/app/domain/settings"
	"github.com/findermarket/ledger-core/pkg/logger"
)

const (
	testJWTSecret     = "test-jwt-secret"
	testAPIKey        = "test-api-key"
	testWebhookSecret = "test-webhook-secret"
)

type capturingRail struct {
	captured int
}

func (r *capturingRail) Capture(_ context.Context, clientID string, amount int64, reference string) (string, error) {
	r.captured++
	return fmt.Sprintf("cap-%s", reference), nil
}

func newTestHandler(t *testing.T) (http.Handler, *app.Application) {
	t.Helper()

	application, err := app.New(app.Stores{}, app.Options{PaymentRail: &capturingRail{}}, logger.NewDefault("test"))
	require.NoError(t, err)

	_, err = application.Settings.Create(context.Background(), settings.Snapshot{
		ProposalTokenCost:     10,
		FindertokenPrice:      100,
		PlatformFeePct:        10,
		ClientChargePct:       2.5,
		FinderChargePct:       5,
		HighBudgetThreshold:   1_000_000,
		HighBudgetTokenCost:   50,
		MonthlyTokenAllotment: 100,
		EffectiveAt:           time.Now().UTC().AddDate(-1, 0, 0),
		CreatedBy:             "seed",
	})
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	require.NoError(t, err)

	h, err := NewHandler(application, Config{
		JWTSecret:     []byte(testJWTSecret),
		APIKeyHash:    string(hash),
		WebhookSecret: testWebhookSecret,
		RateLimit:     1000,
		RateBurst:     1000,
	})
	require.NoError(t, err)
	return h, application
}

func signToken(t *testing.T, subject, role string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := tok.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func doRequest(t *testing.T, h http.Handler, method, path, token string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// seedFinderCash credits a finder cash wallet directly through the ledger.
func seedFinderCash(t *testing.T, application *app.Application, finderID string, amount int64) {
	t.Helper()
	ctx := context.Background()
	_, err := application.Ledger.EnsureAccount(ctx, ledger.OwnerFinder, finderID, ledger.AssetCash)
	require.NoError(t, err)
	_, _, err = application.Ledger.Post(ctx, ledger.Transaction{
		ID:        uuid.NewString(),
		AccountID: ledger.AccountID(ledger.OwnerFinder, finderID, ledger.AssetCash),
		Amount:    amount,
		Kind:      ledger.KindEscrowRelease,
	})
	require.NoError(t, err)
}

func TestHealthzIsPublic(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doRequest(t, h, http.MethodGet, "/healthz", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", gjson.Get(rec.Body.String(), "status").String())
}

func TestMissingCredentialsRejected(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doRequest(t, h, http.MethodGet, "/admin/settings", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRoleEnforced(t *testing.T) {
	h, _ := newTestHandler(t)
	finder := signToken(t, "finder-1", RoleFinder)

	rec := doRequest(t, h, http.MethodGet, "/admin/settings", finder, nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Admin passes the finder gate too.
	rec = doRequest(t, h, http.MethodGet, "/admin/settings", signToken(t, "admin-1", RoleAdmin), nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyActsAsAdmin(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodGet, "/admin/settings", "", nil, map[string]string{"X-API-Key": testAPIKey})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/admin/settings", "", nil, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestContractLifecycleOverHTTP(t *testing.T) {
	h, _ := newTestHandler(t)
	admin := signToken(t, "admin-1", RoleAdmin)
	finder := signToken(t, "finder-1", RoleFinder)
	client := signToken(t, "client-1", RoleClient)

	// Grant the finder submission tokens.
	rec := doRequest(t, h, http.MethodPost, "/admin/grant-tokens", admin, map[string]interface{}{
		"recipient_id":   "finder-1",
		"recipient_kind": "finder",
		"amount":         50,
		"reason":         "onboarding",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doRequest(t, h, http.MethodPost, "/proposals", finder, map[string]interface{}{
		"find_id": "find-1",
		"amount":  100000,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	proposalID := gjson.Get(rec.Body.String(), "id").String()
	require.NotEmpty(t, proposalID)

	// Accepting funds through the payment rail: the client has no balance.
	rec = doRequest(t, h, http.MethodPost, "/proposals/"+proposalID+"/accept", client, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, gjson.Get(rec.Body.String(), "payment_captured").Bool())
	contractID := gjson.Get(rec.Body.String(), "contract.id").String()
	require.NotEmpty(t, contractID)
	assert.Equal(t, "held", gjson.Get(rec.Body.String(), "contract.escrow_status").String())

	rec = doRequest(t, h, http.MethodPost, "/contracts/"+contractID+"/release", client, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "released", gjson.Get(rec.Body.String(), "escrow_status").String())

	// The derived idempotency key makes a bare retry a replay, not a failure.
	rec = doRequest(t, h, http.MethodPost, "/contracts/"+contractID+"/release", client, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// A forced fresh key is a genuine second release and must be rejected.
	rec = doRequest(t, h, http.MethodPost, "/contracts/"+contractID+"/release", client, nil,
		map[string]string{"X-Idempotency-Key": "fresh-release-attempt"})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	// 100000 at 10% platform / 5% finder charge nets the finder 85000.
	rec = doRequest(t, h, http.MethodGet, "/accounts/finder-1/balance", finder, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(85000), gjson.Get(rec.Body.String(), "cash.available").Int())
	assert.Equal(t, int64(40), gjson.Get(rec.Body.String(), "token.balance").Int())
}

func TestBalanceVisibilityScoped(t *testing.T) {
	h, _ := newTestHandler(t)
	finder := signToken(t, "finder-1", RoleFinder)

	rec := doRequest(t, h, http.MethodGet, "/accounts/finder-2/balance", finder, nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/accounts/finder-1/balance", signToken(t, "admin-1", RoleAdmin), nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWithdrawalFlowOverHTTP(t *testing.T) {
	h, application := newTestHandler(t)
	admin := signToken(t, "admin-1", RoleAdmin)
	finder := signToken(t, "finder-1", RoleFinder)

	seedFinderCash(t, application, "finder-1", 50000)

	rec := doRequest(t, h, http.MethodPost, "/finder/withdrawals", finder, map[string]interface{}{
		"amount":         40000,
		"payment_method": "bank_transfer",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	requestID := gjson.Get(rec.Body.String(), "id").String()

	// Held funds cannot back a second request.
	rec = doRequest(t, h, http.MethodPost, "/finder/withdrawals", finder, map[string]interface{}{
		"amount":         20000,
		"payment_method": "bank_transfer",
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	rec = doRequest(t, h, http.MethodPost, "/admin/withdrawals/"+requestID+"/approve", admin, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "processing", gjson.Get(rec.Body.String(), "status").String())

	rec = doRequest(t, h, http.MethodGet, "/finder/withdrawals", finder, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), gjson.Get(rec.Body.String(), "#").Int())
}

func TestWebhookTokenPurchase(t *testing.T) {
	h, _ := newTestHandler(t)
	payload := map[string]interface{}{
		"type":      "token_purchase.completed",
		"reference": "gw-12345",
		"user_id":   "client-9",
		"user_kind": "client",
		"amount":    1000,
	}

	rec := doRequest(t, h, http.MethodPost, "/payments/webhook", "", payload,
		map[string]string{"X-Webhook-Secret": testWebhookSecret})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, gjson.Get(rec.Body.String(), "replayed").Bool())

	// Gateway retries replay, they never double-credit.
	rec = doRequest(t, h, http.MethodPost, "/payments/webhook", "", payload,
		map[string]string{"X-Webhook-Secret": testWebhookSecret})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gjson.Get(rec.Body.String(), "replayed").Bool())

	rec = doRequest(t, h, http.MethodPost, "/payments/webhook", "", payload,
		map[string]string{"X-Webhook-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDistributeMonthlyEndpoint(t *testing.T) {
	h, application := newTestHandler(t)
	admin := signToken(t, "admin-1", RoleAdmin)

	seedFinderCash(t, application, "finder-1", 1000)

	rec := doRequest(t, h, http.MethodPost, "/admin/distribute-monthly-tokens", admin, map[string]interface{}{
		"year":  2026,
		"month": 8,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(1), gjson.Get(rec.Body.String(), "distributed").Int())

	rec = doRequest(t, h, http.MethodPost, "/admin/distribute-monthly-tokens", admin, map[string]interface{}{
		"year":  2026,
		"month": 8,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(0), gjson.Get(rec.Body.String(), "distributed").Int())
	assert.Equal(t, int64(1), gjson.Get(rec.Body.String(), "already_distributed").Int())
}

func TestAuditTrailRecordsMutations(t *testing.T) {
	h, _ := newTestHandler(t)
	admin := signToken(t, "admin-1", RoleAdmin)

	doRequest(t, h, http.MethodPost, "/admin/grant-tokens", admin, map[string]interface{}{
		"recipient_id":   "finder-1",
		"recipient_kind": "finder",
		"amount":         5,
		"reason":         "test",
	}, nil)

	rec := doRequest(t, h, http.MethodGet, "/admin/audit", admin, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := gjson.Parse(rec.Body.String()).Array()
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, "/admin/grant-tokens", last.Get("path").String())
	assert.Equal(t, "admin-1", last.Get("user").String())
}
