package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/signature"
)

// Decoder authenticates and parses one provider's webhook deliveries.
// Errors wrap entitle.ErrAuthenticationFailed or entitle.ErrMalformedPayload.
type Decoder interface {
	// SignatureHeader names the HTTP header that carries the signature.
	SignatureHeader() string
	Decode(ctx context.Context, raw []byte, sig string) (*event.Event, error)
}

// HMACHeader is the signature header of the generic JSON format.
const HMACHeader = "Entitle-Signature"

// HMACDecoder accepts the provider-neutral JSON event format signed with
// the signature package's "t=<unix>,v1=<hex>" scheme.
type HMACDecoder struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// NewHMACDecoder creates a decoder for payloads signed with secret. A zero
// tolerance uses signature.DefaultTolerance.
func NewHMACDecoder(secret string, tolerance time.Duration) *HMACDecoder {
	if tolerance == 0 {
		tolerance = signature.DefaultTolerance
	}
	return &HMACDecoder{secret: secret, tolerance: tolerance, now: time.Now}
}

// WithClock replaces the clock used for the replay window.
func (d *HMACDecoder) WithClock(now func() time.Time) *HMACDecoder {
	d.now = now
	return d
}

func (d *HMACDecoder) SignatureHeader() string { return HMACHeader }

// wireEvent is the JSON form of an inbound event.
type wireEvent struct {
	EventID      string          `json:"event_id"`
	CustomerID   string          `json:"customer_id"`
	EventType    string          `json:"event_type"`
	OccurredAt   time.Time       `json:"occurred_at"`
	SequenceHint int64           `json:"sequence_hint"`
	Payload      json.RawMessage `json:"payload"`
}

type wirePayload struct {
	Tier        string `json:"tier"`
	Trial       bool   `json:"trial"`
	ProviderRef string `json:"provider_ref"`
}

func (d *HMACDecoder) Decode(_ context.Context, raw []byte, sig string) (*event.Event, error) {
	if err := signature.Verify(sig, raw, d.secret, d.tolerance, d.now()); err != nil {
		return nil, fmt.Errorf("%w: %w", entitle.ErrAuthenticationFailed, err)
	}

	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", entitle.ErrMalformedPayload, err)
	}
	var p wirePayload
	if len(w.Payload) > 0 {
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: payload: %w", entitle.ErrMalformedPayload, err)
		}
	}

	return &event.Event{
		ID:           w.EventID,
		CustomerID:   w.CustomerID,
		Type:         event.Type(w.EventType),
		OccurredAt:   w.OccurredAt.UTC(),
		SequenceHint: w.SequenceHint,
		Source:       event.SourceProvider,
		Payload: event.Payload{
			Tier:        p.Tier,
			Trial:       p.Trial,
			ProviderRef: p.ProviderRef,
			Data:        w.Payload,
		},
	}, nil
}
