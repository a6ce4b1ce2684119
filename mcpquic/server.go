package mcpquic

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/quic-go/quic-go"

	"github.com/hazyhaar/domguard/idgen"
	"github.com/hazyhaar/domguard/kit"
)

// Listener accepts MCP sessions over QUIC and hands each one to a shared
// mcp.Server. cmd/domguard starts one when an MCP address is configured.
//
// The SDK owns the JSON-RPC read/write loop through its Transport and
// Connection interfaces; streamTransport wraps mcp.IOTransport around the
// QUIC stream, and sessionConn supplies the session ID the wrapped
// connection lacks.
type Listener struct {
	listener *quic.Listener
	mcpSrv   *mcp.Server
	logger   *slog.Logger
	newID    idgen.Generator
}

// Option configures a Listener.
type Option func(*Listener)

// WithIDGenerator overrides the session ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *Listener) { l.newID = gen }
}

// NewListener binds addr and prepares to serve mcpSrv over it. Serve
// starts accepting.
func NewListener(addr string, tlsCfg *tls.Config, mcpSrv *mcp.Server, logger *slog.Logger, opts ...Option) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ql, err := quic.ListenAddr(addr, tlsCfg, ProductionQUICConfig())
	if err != nil {
		return nil, err
	}
	l := &Listener{
		listener: ql,
		mcpSrv:   mcpSrv,
		logger:   logger,
		newID:    idgen.NanoID(8),
	}
	for _, o := range opts {
		o(l)
	}
	logger.Info("MCP QUIC listener ready", "addr", ql.Addr().String())
	return l, nil
}

// Addr returns the bound address, useful when listening on port 0.
func (l *Listener) Addr() net.Addr { return l.listener.Addr() }

// Serve accepts connections until ctx ends or the listener closes.
func (l *Listener) Serve(ctx context.Context) error {
	for {
		conn, err := l.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Error("QUIC accept error", "error", err)
			continue
		}

		// The TLS config may advertise more than one protocol when the
		// certificate is shared with an HTTP/3 endpoint.
		alpn := conn.ConnectionState().TLS.NegotiatedProtocol
		if alpn != ALPNProtocolMCP {
			conn.CloseWithError(ConnErrorUnsupportedALPN, "unsupported ALPN: "+alpn)
			continue
		}

		go l.serveConn(ctx, conn)
	}
}

func (l *Listener) Close() error {
	return l.listener.Close()
}

// serveConn runs one connection as one MCP session: accept the stream,
// check the preamble, then let the SDK drive the session to its end.
func (l *Listener) serveConn(ctx context.Context, conn *quic.Conn) {
	remote := conn.RemoteAddr().String()
	l.logger.Info("MCP connection accepted", "remote", remote)

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		l.logger.Error("MCP accept stream failed", "remote", remote, "error", err)
		conn.CloseWithError(ConnErrorInternal, "stream accept failed")
		return
	}

	if err := ValidateMagicBytes(stream); err != nil {
		l.logger.Error("MCP magic bytes invalid", "remote", remote, "error", err)
		stream.CancelWrite(StreamErrorProtocolConfusion)
		stream.CancelRead(StreamErrorProtocolConfusion)
		conn.CloseWithError(ConnErrorProtocolViolation, "invalid magic bytes")
		return
	}

	sessionID := "quic_" + l.newID()
	l.logger.Info("MCP session starting", "session", sessionID, "remote", remote)

	// Session identity rides the context so service-layer logs carry it.
	ctx = kit.WithTransport(ctx, "mcp_quic")
	ctx = kit.WithSessionID(ctx, sessionID)

	ss, err := l.mcpSrv.Connect(ctx, &streamTransport{stream: stream, sessionID: sessionID}, nil)
	if err != nil {
		l.logger.Error("MCP connect failed", "session", sessionID, "error", err)
		stream.Close()
		return
	}

	if err := ss.Wait(); err != nil {
		l.logger.Debug("MCP session ended with error", "session", sessionID, "error", err)
	}
	l.logger.Info("MCP session ended", "session", sessionID, "remote", remote)
}

// streamTransport implements mcp.Transport for an accepted QUIC stream.
type streamTransport struct {
	stream    *quic.Stream
	sessionID string
}

func (t *streamTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	iot := &mcp.IOTransport{
		Reader: io.NopCloser(t.stream),
		Writer: streamWriteCloser{t.stream},
	}
	conn, err := iot.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &sessionConn{Connection: conn, id: t.sessionID}, nil
}

// sessionConn overrides SessionID on the SDK's connection, which would
// otherwise report an empty ID.
type sessionConn struct {
	mcp.Connection
	id string
}

func (c *sessionConn) SessionID() string { return c.id }

// streamWriteCloser adapts a *quic.Stream to io.WriteCloser. Closing the
// write side signals end of session to the peer without tearing down the
// read side mid-message.
type streamWriteCloser struct{ stream *quic.Stream }

func (w streamWriteCloser) Write(p []byte) (int, error) { return w.stream.Write(p) }

func (w streamWriteCloser) Close() error { return w.stream.Close() }
