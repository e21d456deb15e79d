package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/gateway"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/signature"
	"github.com/xraph/entitle/store/memory"
	"github.com/xraph/entitle/tier"
)

const secret = "whsec_gateway_test"

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type rejections struct {
	mu      sync.Mutex
	reasons []error
}

func (r *rejections) Name() string { return "rejections" }

func (r *rejections) OnIngestRejected(_ context.Context, _ string, reason error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
	return nil
}

func newGateway(t *testing.T, ingester gateway.Ingester) (*gateway.Gateway, *rejections) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := plugin.NewRegistry().WithLogger(logger)
	rec := &rejections{}
	require.NoError(t, reg.Register(rec))

	dec := gateway.NewHMACDecoder(secret, time.Minute).WithClock(func() time.Time { return now })
	return gateway.New(ingester,
		gateway.WithDecoder("generic", dec),
		gateway.WithPlugins(reg),
		gateway.WithLogger(logger),
	), rec
}

func newEngine(t *testing.T) *entitle.Engine {
	t.Helper()
	tiers, err := tier.NewLoader("../tier/testdata/tiers.yaml", nil)
	require.NoError(t, err)
	return entitle.New(memory.New(), tiers,
		entitle.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func body(t *testing.T, eventID string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"event_id":    eventID,
		"customer_id": "cus_a",
		"event_type":  "subscription_created",
		"occurred_at": now.Add(-time.Minute),
		"payload":     map[string]any{"tier": "starter", "trial": true},
	})
	require.NoError(t, err)
	return raw
}

func sign(raw []byte) string { return signature.Header(secret, now, raw) }

func TestIngestAcceptsAndDedupes(t *testing.T) {
	eng := newEngine(t)
	g, _ := newGateway(t, eng)
	ctx := context.Background()
	raw := body(t, "evt_1")

	first := g.Ingest(ctx, "generic", raw, sign(raw))
	require.True(t, first.Accepted(), "reason: %v", first.Reason)
	assert.False(t, first.Duplicate)
	assert.Equal(t, "evt_1", first.EventID)

	second := g.Ingest(ctx, "generic", raw, sign(raw))
	require.True(t, second.Accepted())
	assert.True(t, second.Duplicate)

	stored, err := eng.Event(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, event.TypeSubscriptionCreated, stored.Type)
	assert.Equal(t, "starter", stored.Payload.Tier)
	assert.True(t, stored.Payload.Trial)
	assert.Equal(t, event.SourceProvider, stored.Source)
}

func TestIngestRejections(t *testing.T) {
	raw := body(t, "evt_1")
	stale := signature.Header(secret, now.Add(-time.Hour), raw)

	tests := []struct {
		name     string
		provider string
		raw      []byte
		sig      string
		want     error
	}{
		{"missing signature", "generic", raw, "", entitle.ErrAuthenticationFailed},
		{"wrong secret", "generic", raw, signature.Header("other", now, raw), entitle.ErrAuthenticationFailed},
		{"replayed", "generic", raw, stale, entitle.ErrAuthenticationFailed},
		{"not json", "generic", []byte("{"), sign([]byte("{")), entitle.ErrMalformedPayload},
		{"unknown provider", "paddle", raw, sign(raw), gateway.ErrUnknownProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, rec := newGateway(t, newEngine(t))
			res := g.Ingest(context.Background(), tt.provider, tt.raw, tt.sig)
			assert.False(t, res.Accepted())
			assert.ErrorIs(t, res.Reason, tt.want)
			assert.Len(t, rec.reasons, 1)
		})
	}
}

func TestIngestInvalidEventIsMalformed(t *testing.T) {
	g, _ := newGateway(t, newEngine(t))
	raw := []byte(`{"event_id":"evt_1","customer_id":"cus_a","event_type":"refund_issued","occurred_at":"2026-03-01T11:00:00Z"}`)

	res := g.Ingest(context.Background(), "generic", raw, sign(raw))
	assert.False(t, res.Accepted())
	assert.ErrorIs(t, res.Reason, entitle.ErrMalformedPayload)
}

type failingIngester struct{}

func (failingIngester) Ingest(context.Context, *event.Event) (entitle.Receipt, error) {
	return entitle.Receipt{}, errors.New("connection refused")
}

func TestHandlerStatusCodes(t *testing.T) {
	raw := body(t, "evt_1")

	tests := []struct {
		name     string
		ingester gateway.Ingester
		provider string
		sig      string
		repeat   bool
		want     int
	}{
		{"first receipt", nil, "generic", sign(raw), false, http.StatusAccepted},
		{"duplicate", nil, "generic", sign(raw), true, http.StatusOK},
		{"bad signature", nil, "generic", "t=1,v1=00", false, http.StatusUnauthorized},
		{"unknown provider", nil, "paddle", sign(raw), false, http.StatusNotFound},
		{"ledger down", failingIngester{}, "generic", sign(raw), false, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ingester := tt.ingester
			if ingester == nil {
				ingester = newEngine(t)
			}
			g, _ := newGateway(t, ingester)
			h := g.Handler(tt.provider)

			send := func() *httptest.ResponseRecorder {
				req := httptest.NewRequest(http.MethodPost, "/webhooks/"+tt.provider, bytes.NewReader(raw))
				req.Header.Set(gateway.HMACHeader, tt.sig)
				rr := httptest.NewRecorder()
				h.ServeHTTP(rr, req)
				return rr
			}

			rr := send()
			if tt.repeat {
				rr = send()
			}
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
		})
	}
}

func TestHandlerMalformedBody(t *testing.T) {
	g, _ := newGateway(t, newEngine(t))
	raw := []byte("not json")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/generic", bytes.NewReader(raw))
	req.Header.Set(gateway.HMACHeader, sign(raw))
	rr := httptest.NewRecorder()
	g.Handler("generic").ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlerRejectsGet(t *testing.T) {
	g, _ := newGateway(t, newEngine(t))

	rr := httptest.NewRecorder()
	g.Handler("generic").ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/webhooks/generic", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
