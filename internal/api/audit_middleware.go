package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/example/ilp-node/internal/auth"
	"github.com/example/ilp-node/internal/security"
)

// statusWriter records the status and body size of a response.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

// Hijack lets BTP upgrade its connection through the logging middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// AuditMiddleware appends one chained audit entry per admin request,
// naming the OAuth client when the request was authenticated.
func AuditMiddleware(a Auditor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)

			client := "-"
			if ai, ok := auth.AuthInfoFromContext(r.Context()); ok {
				client = ai.ClientID
			}
			a.Appendf(map[string]string{
				"event":  "admin_request",
				"cid":    security.CorrelationIDFromContext(r.Context()),
				"client": client,
				"method": r.Method,
				"path":   r.URL.Path,
				"status": strconv.Itoa(sw.status),
				"dur_ms": strconv.FormatInt(time.Since(start).Milliseconds(), 10),
			})
		})
	}
}
