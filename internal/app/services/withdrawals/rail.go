package withdrawals

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/findermarket/ledger-core/internal/app/domain/withdrawal"
)

// HTTPRail initiates and tracks payouts against a JSON payout-gateway API.
//
//	POST {base}/payouts            -> {"reference": "...", "status": "..."}
//	GET  {base}/payouts/{reference} -> {"status": "...", "message": "..."}
//
// Statuses: "completed", "failed", anything else counts as still pending.
type HTTPRail struct {
	baseURL string
	apiKey  string
	client  *http.Client

	mu   sync.Mutex
	refs map[string]string // withdrawal id -> gateway reference
}

var _ PayoutResolver = (*HTTPRail)(nil)

// NewHTTPRail creates a rail client. client may be nil.
func NewHTTPRail(baseURL, apiKey string, client *http.Client) *HTTPRail {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPRail{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  client,
		refs:    make(map[string]string),
	}
}

// Resolve initiates the payout on first sight of a request and polls the
// gateway for the outcome afterwards.
func (r *HTTPRail) Resolve(ctx context.Context, req withdrawal.Request) (bool, bool, string, time.Duration, error) {
	r.mu.Lock()
	ref, initiated := r.refs[req.ID]
	r.mu.Unlock()

	if !initiated {
		body, err := r.initiate(ctx, req)
		if err != nil {
			return false, false, "", 30 * time.Second, err
		}
		ref = gjson.GetBytes(body, "reference").String()
		if ref == "" {
			return false, false, "", 30 * time.Second, fmt.Errorf("payout gateway returned no reference")
		}
		r.mu.Lock()
		r.refs[req.ID] = ref
		r.mu.Unlock()

		// Some gateways settle synchronously.
		if gjson.GetBytes(body, "status").String() == "completed" {
			r.forget(req.ID)
			return true, true, ref, 0, nil
		}
		return false, false, "", 15 * time.Second, nil
	}

	body, err := r.check(ctx, ref)
	if err != nil {
		return false, false, "", 30 * time.Second, err
	}
	switch gjson.GetBytes(body, "status").String() {
	case "completed":
		r.forget(req.ID)
		return true, true, ref, 0, nil
	case "failed":
		r.forget(req.ID)
		return true, false, gjson.GetBytes(body, "message").String(), 30 * time.Second, nil
	default:
		return false, false, "", 15 * time.Second, nil
	}
}

func (r *HTTPRail) initiate(ctx context.Context, req withdrawal.Request) ([]byte, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"withdrawal_id": req.ID,
		"amount":        req.Amount,
		"method":        req.PaymentMethod,
		"finder_id":     req.FinderID,
	})
	if err != nil {
		return nil, err
	}
	return r.do(ctx, http.MethodPost, r.baseURL+"/payouts", bytes.NewReader(payload))
}

func (r *HTTPRail) check(ctx context.Context, ref string) ([]byte, error) {
	return r.do(ctx, http.MethodGet, r.baseURL+"/payouts/"+ref, nil)
}

func (r *HTTPRail) do(ctx context.Context, method, url string, body io.Reader) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("payout gateway %s %s: status %d: %s", method, url, resp.StatusCode, gjson.GetBytes(raw, "message").String())
	}
	return raw, nil
}

func (r *HTTPRail) forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.refs, id)
}
