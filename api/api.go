// Package api exposes entitle over HTTP: provider webhooks, the
// entitlement read path for product services, read-only admin listings,
// health and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/gateway"
	"github.com/xraph/entitle/notify"
	"github.com/xraph/entitle/reconcile"
	"github.com/xraph/entitle/subscription"
)

// Engine is the part of *entitle.Engine the handlers read from.
type Engine interface {
	Entitlements(ctx context.Context, customerID string) (*entitlement.Set, error)
	EntitlementHistory(ctx context.Context, customerID string, opts entitlement.ListOpts) ([]*entitlement.Set, error)
	Subscription(ctx context.Context, customerID string) (*subscription.Subscription, error)
	Records(ctx context.Context, customerID string, opts event.ListOpts) ([]*event.Record, error)
	Notifications(ctx context.Context, opts notify.ListOpts) ([]*notify.Notification, error)
	Divergences(ctx context.Context, opts reconcile.ListOpts) ([]*reconcile.Divergence, error)
	Health(ctx context.Context) error
}

var _ Engine = (*entitle.Engine)(nil)

// Handlers serves the entitle HTTP surface.
type Handlers struct {
	engine   Engine
	gateway  *gateway.Gateway
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// Option configures Handlers.
type Option func(*Handlers)

// WithGatherer sets the registry served on /metrics. Without one the
// default Prometheus registry is served.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Handlers) { h.gatherer = g }
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandlers creates Handlers. A nil gateway disables webhook routes.
func NewHandlers(engine Engine, gw *gateway.Gateway, opts ...Option) *Handlers {
	h := &Handlers{
		engine:   engine,
		gateway:  gw,
		gatherer: prometheus.DefaultGatherer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers every route on router.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	if h.gateway != nil {
		router.HandleFunc("/webhooks/{provider}", h.webhook).Methods(http.MethodPost)
	}

	router.HandleFunc("/v1/customers/{customer_id}/entitlements", h.getEntitlements).Methods(http.MethodGet)

	admin := router.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/customers/{customer_id}/subscription", h.getSubscription).Methods(http.MethodGet)
	admin.HandleFunc("/customers/{customer_id}/records", h.listRecords).Methods(http.MethodGet)
	admin.HandleFunc("/customers/{customer_id}/entitlements", h.listEntitlementHistory).Methods(http.MethodGet)
	admin.HandleFunc("/notifications", h.listNotifications).Methods(http.MethodGet)
	admin.HandleFunc("/divergences", h.listDivergences).Methods(http.MethodGet)

	router.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

// NewRouter returns a router with every route registered behind the
// request ID and access log middleware.
func NewRouter(h *Handlers) *mux.Router {
	router := mux.NewRouter()
	router.Use(RequestID, AccessLog(h.logger))
	h.RegisterRoutes(router)
	return router
}

// webhook handles POST /webhooks/{provider}
func (h *Handlers) webhook(w http.ResponseWriter, r *http.Request) {
	h.gateway.Handler(mux.Vars(r)["provider"]).ServeHTTP(w, r)
}

// getEntitlements handles GET /v1/customers/{customer_id}/entitlements
func (h *Handlers) getEntitlements(w http.ResponseWriter, r *http.Request) {
	set, err := h.engine.Entitlements(r.Context(), mux.Vars(r)["customer_id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

// getSubscription handles GET /admin/customers/{customer_id}/subscription
func (h *Handlers) getSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.engine.Subscription(r.Context(), mux.Vars(r)["customer_id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// listRecords handles GET /admin/customers/{customer_id}/records
func (h *Handlers) listRecords(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	opts := event.ListOpts{
		Outcome: event.Outcome(r.URL.Query().Get("outcome")),
		Lineage: r.URL.Query().Get("lineage"),
		Limit:   limit,
		Offset:  offset,
	}

	records, err := h.engine.Records(r.Context(), mux.Vars(r)["customer_id"], opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeList(w, "records", records, limit, offset)
}

// listEntitlementHistory handles GET /admin/customers/{customer_id}/entitlements
func (h *Handlers) listEntitlementHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	sets, err := h.engine.EntitlementHistory(r.Context(), mux.Vars(r)["customer_id"],
		entitlement.ListOpts{Limit: limit, Offset: offset})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeList(w, "entitlements", sets, limit, offset)
}

// listNotifications handles GET /admin/notifications
func (h *Handlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	opts := notify.ListOpts{
		Status:     notify.Status(q.Get("status")),
		CustomerID: q.Get("customer_id"),
		Sink:       q.Get("sink"),
		Limit:      limit,
		Offset:     offset,
	}

	notifications, err := h.engine.Notifications(r.Context(), opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeList(w, "notifications", notifications, limit, offset)
}

// listDivergences handles GET /admin/divergences
func (h *Handlers) listDivergences(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	reported, _ := strconv.ParseBool(r.URL.Query().Get("reported")) //nolint:errcheck // absent means all

	divergences, err := h.engine.Divergences(r.Context(), reconcile.ListOpts{
		ReportedOnly: reported,
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeList(w, "divergences", divergences, limit, offset)
}

// healthz handles GET /healthz
func (h *Handlers) healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Health(r.Context()); err != nil {
		h.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// maxPageSize caps list queries.
const maxPageSize = 500

func page(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	limit, offset = 100, 0
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			return 0, 0, entitle.ValidationError{Field: "limit", Message: "must be a positive integer"}
		}
		limit = min(limit, maxPageSize)
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, entitle.ValidationError{Field: "offset", Message: "must be a non-negative integer"}
		}
	}
	return limit, offset, nil
}

// StatusCode maps an engine error onto an HTTP status.
func StatusCode(err error) int {
	var verr entitle.ValidationError
	switch {
	case entitle.IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &verr), errors.Is(err, entitle.ErrInvalidInput):
		return http.StatusBadRequest
	case entitle.IsRetryable(err), errors.Is(err, entitle.ErrStoreClosed), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusCode(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", RequestIDFrom(r.Context()),
			"error", err,
		)
		msg = http.StatusText(code)
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeList[T any](w http.ResponseWriter, name string, items []T, limit, offset int) {
	writeJSON(w, http.StatusOK, map[string]any{
		name:     items,
		"count":  len(items),
		"limit":  limit,
		"offset": offset,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // client went away
}
