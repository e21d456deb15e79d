// Package gateway receives provider webhooks, authenticates and decodes
// them, and hands the resulting events to the engine's ledger.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/plugin"
)

// ErrUnknownProvider is returned for deliveries addressed to a provider
// with no registered decoder.
var ErrUnknownProvider = errors.New("gateway: unknown provider")

// Ingester appends events to the ledger. *entitle.Engine implements it.
type Ingester interface {
	Ingest(ctx context.Context, e *event.Event) (entitle.Receipt, error)
}

// Status is the gateway's verdict on one delivery.
type Status string

const (
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Result describes what happened to one delivery. An accepted result means
// the event is durably ledgered.
type Result struct {
	Status    Status `json:"status"`
	EventID   string `json:"event_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Queued    bool   `json:"queued,omitempty"`
	// Reason wraps one of the entitle ingestion sentinels when rejected.
	Reason error `json:"-"`
}

// Accepted reports whether the delivery was ledgered.
func (r Result) Accepted() bool { return r.Status == StatusAccepted }

// Gateway routes deliveries to per-provider decoders.
type Gateway struct {
	ingester Ingester
	decoders map[string]Decoder
	plugins  *plugin.Registry
	logger   *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithDecoder registers the decoder for a provider name.
func WithDecoder(provider string, d Decoder) Option {
	return func(g *Gateway) { g.decoders[provider] = d }
}

// WithPlugins emits rejection hooks on reg.
func WithPlugins(reg *plugin.Registry) Option {
	return func(g *Gateway) { g.plugins = reg }
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// New creates a Gateway in front of ingester.
func New(ingester Ingester, opts ...Option) *Gateway {
	g := &Gateway{
		ingester: ingester,
		decoders: make(map[string]Decoder),
		plugins:  plugin.NewRegistry(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Providers returns the registered provider names sorted.
func (g *Gateway) Providers() []string {
	names := make([]string, 0, len(g.decoders))
	for name := range g.decoders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Decoder returns the decoder registered for provider.
func (g *Gateway) Decoder(provider string) (Decoder, bool) {
	d, ok := g.decoders[provider]
	return d, ok
}

// Ingest authenticates, decodes and ledgers one delivery. Redelivery of an
// already ledgered event is accepted as a duplicate.
func (g *Gateway) Ingest(ctx context.Context, provider string, raw []byte, sig string) Result {
	dec, ok := g.decoders[provider]
	if !ok {
		return g.reject(ctx, provider, "", fmt.Errorf("%w: %w: %q", entitle.ErrMalformedPayload, ErrUnknownProvider, provider))
	}

	ev, err := dec.Decode(ctx, raw, sig)
	if err != nil {
		return g.reject(ctx, provider, "", err)
	}

	receipt, err := g.ingester.Ingest(ctx, ev)
	if err != nil {
		return g.reject(ctx, provider, ev.ID, err)
	}

	if receipt.Duplicate {
		g.logger.Debug("duplicate delivery accepted", "provider", provider, "event_id", ev.ID)
	} else {
		g.logger.Info("event accepted",
			"provider", provider,
			"event_id", ev.ID,
			"customer_id", ev.CustomerID,
			"event_type", ev.Type,
		)
	}
	return Result{
		Status:    StatusAccepted,
		EventID:   receipt.EventID,
		Duplicate: receipt.Duplicate,
		Queued:    receipt.Queued,
	}
}

func (g *Gateway) reject(ctx context.Context, provider, eventID string, reason error) Result {
	if !entitle.IsRejection(reason) && !errors.Is(reason, entitle.ErrLedgerUnavailable) {
		reason = fmt.Errorf("%w: %w", entitle.ErrLedgerUnavailable, reason)
	}

	attrs := []any{"provider", provider, "error", reason}
	if eventID != "" {
		attrs = append(attrs, "event_id", eventID)
	}
	switch {
	case errors.Is(reason, entitle.ErrAuthenticationFailed):
		g.logger.Warn("webhook authentication failed", attrs...)
	case errors.Is(reason, entitle.ErrLedgerUnavailable):
		g.logger.Error("webhook not ledgered", attrs...)
	default:
		g.logger.Warn("webhook rejected", attrs...)
	}

	g.plugins.EmitIngestRejected(ctx, provider, reason)
	return Result{Status: StatusRejected, EventID: eventID, Reason: reason}
}
