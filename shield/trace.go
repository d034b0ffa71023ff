package shield

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/embedfix/kit"
)

// TraceHeader carries the trace ID on requests and responses.
const TraceHeader = "X-Trace-ID"

// TraceID gives every request a trace ID, reusing a well-formed incoming
// X-Trace-ID. The ID is stored under kit.TraceIDKey, echoed in the response
// and attached to a per-request logger stored under LoggerKey.
func TraceID(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get(TraceHeader)
			if !validTraceID(traceID) {
				traceID = newTraceID()
			}

			ctx := kit.WithTraceID(r.Context(), traceID)
			w.Header().Set(TraceHeader, traceID)

			reqLogger := logger.With(
				"trace_id", traceID,
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			ctx = context.WithValue(ctx, LoggerKey, reqLogger)
			reqLogger.Debug("request")

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func newTraceID() string {
	id := make([]byte, 8)
	rand.Read(id)
	return hex.EncodeToString(id)
}

func validTraceID(s string) bool {
	if len(s) < 8 || len(s) > 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
