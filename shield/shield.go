// Package shield provides the HTTP middleware used in front of embedfix's
// own endpoints and its rewriting proxy: security headers, body limits,
// request tracing and HEAD handling.
//
// Usage:
//
//	r := chi.NewRouter()
//	r.Group(func(r chi.Router) {
//	    for _, mw := range shield.APIStack(logger, 10<<20) {
//	        r.Use(mw)
//	    }
//	    r.Post("/rebuild", ...)
//	})
package shield

import (
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// APIStack is the middleware stack for embedfix's own endpoints, ordered
// HeadToGet → SecurityHeaders → MaxBody → TraceID.
func APIStack(logger *slog.Logger, maxBody int64) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(maxBody),
		TraceID(logger),
	}
}

// ProxyStack is the stack for proxied pages. It sets no response headers:
// the upstream's own headers are authoritative there.
func ProxyStack(logger *slog.Logger, maxBody int64) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		MaxBody(maxBody),
		TraceID(logger),
	}
}
