package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/settlement/internal/config"
	obsmetrics "github.com/smallbiznis/settlement/internal/observability/metrics"
	"github.com/smallbiznis/settlement/internal/ratelimit"
	"github.com/smallbiznis/settlement/internal/settlementtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const adminToken = "admin-secret"

func newTestServer(t *testing.T, mutate func(*config.Config)) (*settlementtest.Stack, *gin.Engine) {
	t.Helper()
	return newMeteredTestServer(t, mutate, nil)
}

func newMeteredTestServer(t *testing.T, mutate func(*config.Config), metrics *obsmetrics.Metrics) (*settlementtest.Stack, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := settlementtest.DefaultConfig()
	cfg.AdminToken = adminToken
	cfg.Webhook.RequestsPerMinute = 6000
	cfg.Webhook.Burst = 100
	if mutate != nil {
		mutate(&cfg)
	}
	st := settlementtest.NewStack(t, cfg, nil)

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())
	NewServer(ServerParams{
		Gin:         engine,
		Cfg:         cfg,
		Log:         st.Log,
		PurchaseSvc: st.Purchases,
		BatchSvc:    st.Batches,
		TierSvc:     st.Tier,
		TreasurySvc: st.Treasury,
		WebhookSvc:  st.Webhooks,
		Limiter:     ratelimit.NewWebhookLimiter(cfg, nil, st.Log),
		ObsMetrics:  metrics,
	})
	return st, engine
}

func do(engine *gin.Engine, method, path string, body []byte, headers http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func admin() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+adminToken)
	return h
}

func signedStripe(t *testing.T, st *settlementtest.Stack, event map[string]any) ([]byte, http.Header) {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	ts := st.Clock.Now().Unix()
	mac := hmac.New(sha256.New, []byte(settlementtest.StripeSecret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	h := http.Header{}
	h.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return payload, h
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, rec)
	payload, ok := body["error"].(map[string]any)
	require.True(t, ok, rec.Body.String())
	return payload["type"].(string)
}

func TestWebhookResponses(t *testing.T) {
	st, engine := newTestServer(t, nil)

	orphan := map[string]any{
		"id":   "evt_orphan",
		"type": "payment_intent.succeeded",
		"data": map[string]any{"object": map[string]any{"id": "pi_missing", "amount_received": 500}},
	}
	payload, headers := signedStripe(t, st, orphan)
	rec := do(engine, http.MethodPost, "/webhooks/stripe", payload, headers)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	ignored, ignoredHeaders := signedStripe(t, st, map[string]any{
		"id":   "evt_ignored",
		"type": "customer.created",
		"data": map[string]any{"object": map[string]any{"id": "cus_1"}},
	})
	rec = do(engine, http.MethodPost, "/webhooks/stripe", ignored, ignoredHeaders)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(engine, http.MethodPost, "/webhooks/stripe", append(payload, ' '), headers)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", errorType(t, rec))

	rec = do(engine, http.MethodPost, "/webhooks/paypal", payload, headers)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	garbage, garbageHeaders := signedStripe(t, st, map[string]any{"type": "charge.refunded"})
	rec = do(engine, http.MethodPost, "/webhooks/stripe", garbage, garbageHeaders)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", errorType(t, rec))
}

func TestWebhookReplayAnswersOK(t *testing.T) {
	st, engine := newTestServer(t, nil)
	contentID, _ := st.SoloContent(t, "4.99", 0)
	p := st.PaidPurchase(t, contentID, "4.99", "0.46")

	refund := map[string]any{
		"id":   "evt_refund",
		"type": "charge.refunded",
		"data": map[string]any{"object": map[string]any{
			"id":              "ch_1",
			"payment_intent":  p.StripePaymentIntentID,
			"amount":          p.GrossAmount.Shift(2).IntPart(),
			"amount_refunded": p.GrossAmount.Shift(2).IntPart(),
			"refunded":        true,
		}},
	}
	payload, headers := signedStripe(t, st, refund)
	for i := 0; i < 2; i++ {
		rec := do(engine, http.MethodPost, "/webhooks/stripe", payload, headers)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "ok", decode(t, rec)["status"])
	}
}

func TestWebhookRateLimit(t *testing.T) {
	st, engine := newTestServer(t, func(cfg *config.Config) {
		cfg.Webhook.RequestsPerMinute = 60
		cfg.Webhook.Burst = 1
	})
	payload, headers := signedStripe(t, st, map[string]any{
		"id":   "evt_limit",
		"type": "customer.created",
		"data": map[string]any{"object": map[string]any{"id": "cus_1"}},
	})

	rec := do(engine, http.MethodPost, "/webhooks/stripe", payload, headers)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(engine, http.MethodPost, "/webhooks/stripe", payload, headers)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// limits are per provider
	rec = do(engine, http.MethodPost, "/webhooks/bridge", []byte(`{}`), http.Header{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookRateLimitCountsDecisions(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	metrics, err := obsmetrics.New(obsmetrics.Config{}, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)
	st, engine := newMeteredTestServer(t, func(cfg *config.Config) {
		cfg.Webhook.RequestsPerMinute = 60
		cfg.Webhook.Burst = 1
	}, metrics)
	payload, headers := signedStripe(t, st, map[string]any{
		"id":   "evt_counted",
		"type": "customer.created",
		"data": map[string]any{"object": map[string]any{"id": "cus_1"}},
	})

	for i := 0; i < 3; i++ {
		do(engine, http.MethodPost, "/webhooks/stripe", payload, headers)
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Equal(t, int64(1), counterTotal(rm, "settlement_rate_limit_allowed_total"))
	assert.Equal(t, int64(2), counterTotal(rm, "settlement_rate_limit_denied_total"))
}

func counterTotal(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if m.Name != name || !ok {
				continue
			}
			for _, point := range sum.DataPoints {
				total += point.Value
			}
		}
	}
	return total
}

func TestGetPurchaseAndBatch(t *testing.T) {
	st, engine := newTestServer(t, nil)
	contentID, _ := st.SoloContent(t, "4.99", 0)
	p := st.PaidPurchase(t, contentID, "4.99", "0.46")

	rec := do(engine, http.MethodGet, "/api/purchases/"+p.ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, string(p.Status), data["status"])

	rec = do(engine, http.MethodGet, "/api/purchases/"+st.Node.Generate().String(), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(engine, http.MethodGet, "/api/purchases/not-an-id", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(engine, http.MethodGet, "/api/batches/"+st.Node.Generate().String(), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTierRoutes(t *testing.T) {
	st, engine := newTestServer(t, nil)

	rec := do(engine, http.MethodGet, "/api/tiers/"+st.Node.Generate().String()+"/progress", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, "standard", data["tier"])

	rec = do(engine, http.MethodGet, "/api/tiers/founding", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, decode(t, rec)["data"], "slots_remaining")
}

func TestAdminRoutesRequireToken(t *testing.T) {
	_, engine := newTestServer(t, nil)

	rec := do(engine, http.MethodGet, "/admin/treasury/latest", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	wrong := http.Header{}
	wrong.Set("Authorization", "Bearer nope")
	rec = do(engine, http.MethodGet, "/admin/treasury/latest", nil, wrong)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	_, closed := newTestServer(t, func(cfg *config.Config) { cfg.AdminToken = "" })
	rec = do(closed, http.MethodGet, "/admin/treasury/latest", nil, admin())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTreasuryAdminRoutes(t *testing.T) {
	_, engine := newTestServer(t, nil)

	rec := do(engine, http.MethodGet, "/admin/treasury/latest", nil, admin())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(engine, http.MethodPost, "/admin/treasury/reconcile", nil, admin())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, "healthy", first["health"])

	rec = do(engine, http.MethodPost, "/admin/treasury/reconcile", nil, admin())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first["id"], decode(t, rec)["data"].(map[string]any)["id"])

	rec = do(engine, http.MethodGet, "/admin/treasury/snapshots?page_size=5", nil, admin())
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["data"], 1)
	assert.Equal(t, false, body["page_info"].(map[string]any)["has_more"])

	rec = do(engine, http.MethodGet, "/admin/treasury/snapshots?page_size=-1", nil, admin())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(engine, http.MethodGet, "/admin/treasury/snapshots?page_token=garbage", nil, admin())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryPurchase(t *testing.T) {
	st, engine := newTestServer(t, nil)
	contentID, _ := st.SoloContent(t, "4.99", 0)
	p := st.PaidPurchase(t, contentID, "4.99", "0.46")
	path := "/admin/purchases/" + p.ID.String() + "/retry"

	rec := do(engine, http.MethodPost, path, nil, admin())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "completed", decode(t, rec)["data"].(map[string]any)["status"])
	assert.Equal(t, 1, st.Settler.Calls())

	rec = do(engine, http.MethodPost, path, nil, admin())
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "purchase_not_settleable", decode(t, rec)["error"].(map[string]any)["message"])

	rec = do(engine, http.MethodPost, path+"?resume=maybe", nil, admin())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
