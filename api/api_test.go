package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/api"
	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/gateway"
	"github.com/xraph/entitle/signature"
	"github.com/xraph/entitle/store/memory"
	"github.com/xraph/entitle/tier"
)

const secret = "whsec_api_test"

func setup(t *testing.T) (*mux.Router, *entitle.Engine) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tiers, err := tier.NewLoader("../tier/testdata/tiers.yaml", nil)
	require.NoError(t, err)

	eng := entitle.New(memory.New(), tiers, entitle.WithLogger(logger))
	gw := gateway.New(eng,
		gateway.WithDecoder("generic", gateway.NewHMACDecoder(secret, 0)),
		gateway.WithLogger(logger),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "entitle_test_total", Help: "test"}))

	h := api.NewHandlers(eng, gw, api.WithGatherer(reg), api.WithLogger(logger))
	return api.NewRouter(h), eng
}

func do(router http.Handler, method, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func ingest(t *testing.T, eng *entitle.Engine, events ...*event.Event) {
	t.Helper()
	ctx := context.Background()
	for _, e := range events {
		_, err := eng.Ingest(ctx, e)
		require.NoError(t, err)
	}
	_, err := eng.ProcessPending(ctx)
	require.NoError(t, err)
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestEntitlementsRoute(t *testing.T) {
	router, eng := setup(t)
	at := time.Now().Add(-time.Hour).UTC()
	ingest(t, eng,
		&event.Event{ID: "evt_1", CustomerID: "cus_a", Type: event.TypeSubscriptionCreated, OccurredAt: at,
			Payload: event.Payload{Tier: "growth"}},
	)

	rr := do(router, http.MethodGet, "/v1/customers/cus_a/entitlements", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decode(t, rr)
	assert.Equal(t, "growth", body["tier"])
	assert.Equal(t, "active", body["status"])
	assert.EqualValues(t, 1, body["subscription_version"])
	assert.NotEmpty(t, rr.Header().Get(api.RequestIDHeader))

	rr = do(router, http.MethodGet, "/v1/customers/cus_missing/entitlements", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestWebhookRoute(t *testing.T) {
	router, eng := setup(t)
	raw, err := json.Marshal(map[string]any{
		"event_id":    "evt_hook",
		"customer_id": "cus_b",
		"event_type":  "subscription_created",
		"occurred_at": time.Now().Add(-time.Minute).UTC(),
		"payload":     map[string]any{"tier": "starter"},
	})
	require.NoError(t, err)

	hdr := http.Header{}
	hdr.Set(gateway.HMACHeader, signature.Header(secret, time.Now(), raw))

	rr := do(router, http.MethodPost, "/webhooks/generic", raw, hdr)
	assert.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	rr = do(router, http.MethodPost, "/webhooks/generic", raw, hdr)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(router, http.MethodPost, "/webhooks/paddle", raw, hdr)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	_, err = eng.ProcessPending(context.Background())
	require.NoError(t, err)
	sub, err := eng.Subscription(context.Background(), "cus_b")
	require.NoError(t, err)
	assert.Equal(t, "starter", sub.Tier)
}

func TestAdminRoutes(t *testing.T) {
	router, eng := setup(t)
	at := time.Now().Add(-2 * time.Hour).UTC()
	ingest(t, eng,
		&event.Event{ID: "evt_1", CustomerID: "cus_a", Type: event.TypeSubscriptionCreated, OccurredAt: at,
			Payload: event.Payload{Tier: "starter", Trial: true}},
		&event.Event{ID: "evt_2", CustomerID: "cus_a", Type: event.TypePaymentSucceeded, OccurredAt: at.Add(time.Minute)},
	)

	rr := do(router, http.MethodGet, "/admin/customers/cus_a/subscription", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	sub := decode(t, rr)
	assert.Equal(t, "active", sub["status"])
	assert.EqualValues(t, 2, sub["version"])

	rr = do(router, http.MethodGet, "/admin/customers/cus_a/records?outcome=applied", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 2, decode(t, rr)["count"])

	rr = do(router, http.MethodGet, "/admin/customers/cus_a/records?lineage=evt_1", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 2, decode(t, rr)["count"])

	rr = do(router, http.MethodGet, "/admin/customers/cus_a/records?lineage=evt_other", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 0, decode(t, rr)["count"])

	rr = do(router, http.MethodGet, "/admin/customers/cus_a/entitlements?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.EqualValues(t, 1, body["count"])
	assert.EqualValues(t, 1, body["limit"])

	for _, path := range []string{"/admin/notifications?status=pending", "/admin/divergences?reported=true"} {
		rr = do(router, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusOK, rr.Code, path)
		assert.EqualValues(t, 0, decode(t, rr)["count"], path)
	}

	rr = do(router, http.MethodGet, "/admin/customers/cus_missing/subscription", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(router, http.MethodGet, "/admin/customers/cus_a/records?limit=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(router, http.MethodDelete, "/admin/customers/cus_a/subscription", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	router, eng := setup(t)

	rr := do(router, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(router, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "entitle_test_total")

	require.NoError(t, eng.Store().Close())
	rr = do(router, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	router, _ := setup(t)
	hdr := http.Header{}
	hdr.Set(api.RequestIDHeader, "req-123")

	rr := do(router, http.MethodGet, "/healthz", nil, hdr)
	assert.Equal(t, "req-123", rr.Header().Get(api.RequestIDHeader))
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", entitle.ErrSubscriptionNotFound), http.StatusNotFound},
		{entitle.ValidationError{Field: "limit", Message: "bad"}, http.StatusBadRequest},
		{entitle.ErrInvalidInput, http.StatusBadRequest},
		{entitle.ErrLedgerUnavailable, http.StatusServiceUnavailable},
		{entitle.ErrStoreClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, api.StatusCode(tt.err), tt.err.Error())
	}
}
