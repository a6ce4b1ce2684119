package shield

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/domguard/kit"
)

// TraceID tags every request with a short random ID. The ID goes into the
// X-Trace-ID response header, the context (kit.TraceIDKey), and a
// per-request logger carrying method, path, and caller address, so one
// popup action can be followed through the service log.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf [4]byte
		rand.Read(buf[:])
		id := hex.EncodeToString(buf[:])

		w.Header().Set("X-Trace-ID", id)
		logger := slog.Default().With(
			"trace_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)
		logger.Info("request")

		ctx := kit.WithTraceID(r.Context(), id)
		ctx = context.WithValue(ctx, LoggerKey, logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetLogger returns the per-request logger, or slog.Default() outside a
// request.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
