package kit

import "context"

// Context keys for call identity. The HTTP layer stamps a trace ID per
// request; MCP transports stamp a session ID and a transport name per
// connection. The service layer reads them back when tagging logs, so one
// popup action can be followed across surfaces.
type contextKey string

const (
	TransportKey contextKey = "kit_transport" // "http", "mcp", "mcp_quic"
	TraceIDKey   contextKey = "kit_trace_id"
	SessionIDKey contextKey = "kit_session_id"
)

// WithTransport records which surface a call came in on.
func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}

// GetTransport reports the calling surface. Unstamped contexts are HTTP,
// the default surface.
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

// WithTraceID tags the context with a per-request trace ID.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}

// GetTraceID returns the trace ID, or "" outside a traced request.
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

// WithSessionID tags the context with a per-connection session ID.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey, id)
}

// GetSessionID returns the session ID, or "" outside an MCP session.
func GetSessionID(ctx context.Context) string {
	v, _ := ctx.Value(SessionIDKey).(string)
	return v
}
