package httpapi

import (
	"crypto/subtle"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/findermarket/ledger-core/internal/app/domain/ledger"
)

const maxWebhookBody = 1 << 20

// paymentsWebhook receives payment-gateway callbacks. Gateways retry until
// they see a 2xx, so every event must be safe to deliver more than once; the
// gateway reference doubles as the idempotency key.
func (h *handler) paymentsWebhook(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get("X-Webhook-Secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(h.cfg.WebhookSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid webhook secret"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json payload"))
		return
	}

	event := gjson.GetBytes(body, "type").String()
	reference := gjson.GetBytes(body, "reference").String()
	if reference == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("reference is required"))
		return
	}

	switch event {
	case "token_purchase.completed":
		userID := gjson.GetBytes(body, "user_id").String()
		userKind := ledger.OwnerKind(gjson.GetBytes(body, "user_kind").String())
		amount := gjson.GetBytes(body, "amount").Int()

		tx, replayed, err := h.app.Grants.Purchase(r.Context(), reference, userID, userKind, amount)
		if err != nil {
			writeError(w, errorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"transaction_id": tx.ID,
			"replayed":       replayed,
		})

	case "payment.captured":
		// Escrow captures confirm synchronously during funding; the async
		// notification only acknowledges.
		writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})

	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}
