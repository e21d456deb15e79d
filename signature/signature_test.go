package signature_test

import (
	"errors"
	"testing"
	"time"

	"github.com/xraph/entitle/signature"
)

func TestVerify(t *testing.T) {
	now := time.Unix(1_770_000_000, 0)
	payload := []byte(`{"event_id":"evt_1"}`)
	good := signature.Header("whsec_test", now, payload)

	tests := []struct {
		name    string
		header  string
		payload []byte
		secret  string
		at      time.Time
		wantErr error
	}{
		{"valid", good, payload, "whsec_test", now, nil},
		{"valid within tolerance", good, payload, "whsec_test", now.Add(4 * time.Minute), nil},
		{"missing", "", payload, "whsec_test", now, signature.ErrMissingHeader},
		{"garbage", "nonsense", payload, "whsec_test", now, signature.ErrMalformedHeader},
		{"bad timestamp", "t=abc,v1=00", payload, "whsec_test", now, signature.ErrMalformedHeader},
		{"no digest", "t=1770000000", payload, "whsec_test", now, signature.ErrMalformedHeader},
		{"expired", good, payload, "whsec_test", now.Add(10 * time.Minute), signature.ErrTimestampExpired},
		{"future", good, payload, "whsec_test", now.Add(-10 * time.Minute), signature.ErrTimestampExpired},
		{"wrong secret", good, payload, "whsec_other", now, signature.ErrMismatch},
		{"tampered payload", good, []byte(`{"event_id":"evt_2"}`), "whsec_test", now, signature.ErrMismatch},
		{"rotated secret", good + ",v1=deadbeef", payload, "whsec_test", now, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := signature.Verify(tt.header, tt.payload, tt.secret, signature.DefaultTolerance, tt.at)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifyWithoutTolerance(t *testing.T) {
	signedAt := time.Unix(1_000_000, 0)
	payload := []byte("x")
	h := signature.Header("s", signedAt, payload)
	if err := signature.Verify(h, payload, "s", 0, time.Now()); err != nil {
		t.Errorf("zero tolerance should skip timestamp check: %v", err)
	}
}
