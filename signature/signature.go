// Package signature implements the timestamped HMAC-SHA256 scheme used on
// both inbound webhooks and outbound notifications.
//
// The header value has the form "t=<unix seconds>,v1=<hex digest>" where the
// digest covers "<t>.<payload>". Several v1 entries may be present while a
// secret is being rotated.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingHeader    = errors.New("signature: missing header")
	ErrMalformedHeader  = errors.New("signature: malformed header")
	ErrTimestampExpired = errors.New("signature: timestamp outside tolerance")
	ErrMismatch         = errors.New("signature: no matching signature")
)

// DefaultTolerance bounds how far a signed timestamp may drift from now.
const DefaultTolerance = 5 * time.Minute

// Compute returns the hex digest for payload signed at t.
func Compute(secret string, t time.Time, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(t.Unix(), 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Header returns the full header value for payload signed at t.
func Header(secret string, t time.Time, payload []byte) string {
	return fmt.Sprintf("t=%d,v1=%s", t.Unix(), Compute(secret, t, payload))
}

// Verify checks header against payload. A zero tolerance disables the
// timestamp check.
func Verify(header string, payload []byte, secret string, tolerance time.Duration, now time.Time) error {
	if header == "" {
		return ErrMissingHeader
	}

	var (
		ts   int64
		have bool
		sigs []string
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return fmt.Errorf("%w: %q", ErrMalformedHeader, part)
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: timestamp %q", ErrMalformedHeader, v)
			}
			ts, have = n, true
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if !have || len(sigs) == 0 {
		return ErrMalformedHeader
	}

	signedAt := time.Unix(ts, 0)
	if tolerance > 0 {
		drift := now.Sub(signedAt)
		if drift < 0 {
			drift = -drift
		}
		if drift > tolerance {
			return ErrTimestampExpired
		}
	}

	expected := []byte(Compute(secret, signedAt, payload))
	for _, sig := range sigs {
		if hmac.Equal(expected, []byte(sig)) {
			return nil
		}
	}
	return ErrMismatch
}
