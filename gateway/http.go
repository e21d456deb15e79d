package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/xraph/entitle"
)

// MaxBodyBytes caps the size of a webhook body.
const MaxBodyBytes = 1 << 20

type response struct {
	Status    Status `json:"status"`
	EventID   string `json:"event_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StatusCode maps a result to its HTTP status: 2xx only for ledgered
// events.
func StatusCode(r Result) int {
	switch {
	case r.Accepted() && r.Duplicate:
		return http.StatusOK
	case r.Accepted():
		return http.StatusAccepted
	case errors.Is(r.Reason, ErrUnknownProvider):
		return http.StatusNotFound
	case errors.Is(r.Reason, entitle.ErrAuthenticationFailed):
		return http.StatusUnauthorized
	case errors.Is(r.Reason, entitle.ErrMalformedPayload):
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

// Handler serves deliveries for one provider.
func (g *Gateway) Handler(provider string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, response{Status: StatusRejected, Error: "method not allowed"})
			return
		}

		header := HMACHeader
		if dec, ok := g.decoders[provider]; ok {
			header = dec.SignatureHeader()
		}

		r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, response{Status: StatusRejected, Error: "failed to read request body"})
			return
		}

		res := g.Ingest(r.Context(), provider, raw, r.Header.Get(header))
		out := response{Status: res.Status, EventID: res.EventID, Duplicate: res.Duplicate}
		if res.Reason != nil {
			out.Error = publicReason(res.Reason)
		}
		writeJSON(w, StatusCode(res), out)
	})
}

// publicReason hides internal detail from the provider.
func publicReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownProvider):
		return "unknown provider"
	case errors.Is(err, entitle.ErrAuthenticationFailed):
		return "authentication failed"
	case errors.Is(err, entitle.ErrMalformedPayload):
		return err.Error()
	default:
		return "ledger unavailable"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // the status line is already written
}
