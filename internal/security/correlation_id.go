package security

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const (
	CorrelationIDHeader = "X-Correlation-ID"
	// ILP-over-HTTP callers identify a request with Request-Id; it doubles
	// as the correlation id when no X-Correlation-ID is sent.
	ilpRequestIDHeader = "Request-Id"

	maxCorrelationIDLength = 128
)

type correlationIDKey struct{}

// CorrelationID tags each request with an id taken from the caller or
// generated, echoes it in the response and stores it in the context.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get(CorrelationIDHeader)
		if cid == "" {
			cid = r.Header.Get(ilpRequestIDHeader)
		}
		if !validCorrelationID(cid) {
			cid = uuid.NewString()
		}

		w.Header().Set(CorrelationIDHeader, cid)
		next.ServeHTTP(w, r.WithContext(WithCorrelationID(r.Context(), cid)))
	})
}

func WithCorrelationID(ctx context.Context, cid string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, cid)
}

func CorrelationIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(correlationIDKey{}).(string)
	return s
}

// validCorrelationID accepts short printable ASCII ids; anything else would
// end up verbatim in logs and the audit chain.
func validCorrelationID(s string) bool {
	if s == "" || len(s) > maxCorrelationIDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e {
			return false
		}
	}
	return true
}
