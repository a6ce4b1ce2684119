// Package shield provides the HTTP middleware stack domguard mounts in front
// of its API and popup assets: security headers, request body caps, request
// tracing, and HEAD method handling.
//
// Usage:
//
//	r := chi.NewRouter()
//	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
//	r.Use(shield.MaxBody(64 * 1024))
//	r.Use(shield.TraceID)
//	r.Use(shield.HeadToGet)
//
// Or apply the default stack in one call:
//
//	for _, mw := range shield.DefaultStack() {
//	    r.Use(mw)
//	}
package shield

import (
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultStack returns the standard middleware stack for a domguard service,
// ordered HeadToGet → SecurityHeaders → MaxBody → TraceID.
func DefaultStack() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(64 * 1024),
		TraceID,
	}
}
