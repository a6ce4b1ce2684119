package mcpquic

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/quic-go/quic-go"
)

// handshakeTimeout bounds the MCP initialize exchange after the QUIC
// handshake succeeded.
const handshakeTimeout = 10 * time.Second

// Client dials a domguard MCP listener over QUIC. Connect performs the
// QUIC handshake, the stream preamble and the MCP initialize exchange; the
// resulting session carries all subsequent calls.
type Client struct {
	addr    string
	tlsCfg  *tls.Config
	conn    *quic.Conn
	stream  *quic.Stream
	session *mcp.ClientSession
}

// NewClient prepares a client for addr. A nil tlsCfg verifies the server
// certificate; pass ClientTLSConfig(true) for self-signed servers.
func NewClient(addr string, tlsCfg *tls.Config) *Client {
	if tlsCfg == nil {
		tlsCfg = ClientTLSConfig(false)
	}
	return &Client{addr: addr, tlsCfg: tlsCfg}
}

// Connect establishes the session. The client is unusable until it
// returns nil.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}

	transport := &mcp.IOTransport{
		Reader: io.NopCloser(c.stream),
		Writer: streamWriteCloser{c.stream},
	}
	mcpClient := mcp.NewClient(&mcp.Implementation{
		Name:    "domguard-quic-client",
		Version: "1.0.0",
	}, nil)

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	session, err := mcpClient.Connect(hctx, transport, nil)
	if err != nil {
		c.closeTransport()
		return fmt.Errorf("mcpquic: initialize: %w", err)
	}
	c.session = session
	return nil
}

// dial opens the connection and the session stream, and writes the
// preamble. On any failure the connection is closed with the matching
// application error code.
func (c *Client) dial(ctx context.Context) error {
	conn, err := quic.DialAddr(ctx, c.addr, c.tlsCfg, ProductionQUICConfig())
	if err != nil {
		return fmt.Errorf("mcpquic: dial %s: %w", c.addr, err)
	}

	remote := conn.RemoteAddr().String()

	if alpn := conn.ConnectionState().TLS.NegotiatedProtocol; alpn != ALPNProtocolMCP {
		conn.CloseWithError(ConnErrorUnsupportedALPN, "bad ALPN")
		return &ConnectionError{
			RemoteAddr: remote,
			Code:       ConnErrorUnsupportedALPN,
			Err:        fmt.Errorf("%w: got %q", ErrUnsupportedALPN, alpn),
		}
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(ConnErrorProtocolViolation, "stream open failed")
		return &ConnectionError{
			RemoteAddr: remote,
			Code:       ConnErrorProtocolViolation,
			Err:        fmt.Errorf("open stream: %w", err),
		}
	}

	if err := SendMagicBytes(stream); err != nil {
		stream.Close()
		conn.CloseWithError(ConnErrorProtocolViolation, "magic bytes failed")
		return err
	}

	c.conn = conn
	c.stream = stream
	return nil
}

// ListTools reports the server's tool surface.
func (c *Client) ListTools(ctx context.Context) (*mcp.ListToolsResult, error) {
	if c.session == nil {
		return nil, ErrNotConnected
	}
	return c.session.ListTools(ctx, nil)
}

// CallTool invokes one tool by name.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if c.session == nil {
		return nil, ErrNotConnected
	}
	return c.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
}

// Ping checks session liveness.
func (c *Client) Ping(ctx context.Context) error {
	if c.session == nil {
		return ErrNotConnected
	}
	return c.session.Ping(ctx, nil)
}

// Close ends the session and tears down the connection.
func (c *Client) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return c.closeTransport()
}

func (c *Client) closeTransport() error {
	if c.stream != nil {
		c.stream.Close()
	}
	if c.conn != nil {
		c.conn.CloseWithError(ConnErrorNoError, "client closing")
	}
	return nil
}
