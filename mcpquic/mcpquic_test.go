package mcpquic

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/domguard/kit"
)

// WHAT: the stream preamble round-trips through a buffer.
// WHY: the magic bytes are what keeps stray non-MCP traffic off the port.
func TestStreamPreamble_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := SendMagicBytes(&buf); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := buf.String(); got != MagicBytesMCP {
		t.Fatalf("preamble: got %q, want %q", got, MagicBytesMCP)
	}
	if err := ValidateMagicBytes(&buf); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

// WHAT: wrong or truncated preambles are rejected; full-length mismatches
// carry the sentinel.
func TestValidateMagicBytes_Rejects(t *testing.T) {
	tests := []struct {
		name         string
		in           string
		wantSentinel bool
	}{
		{"http request line", "GET ", true},
		{"http2 preface", "PRI ", true},
		{"truncated", "MC", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMagicBytes(strings.NewReader(tt.in))
			if err == nil {
				t.Fatalf("%q accepted", tt.in)
			}
			if tt.wantSentinel && !errors.Is(err, ErrInvalidMagicBytes) {
				t.Fatalf("got %v, want ErrInvalidMagicBytes", err)
			}
		})
	}
}

// WHAT: both ends share idle timeout and keepalive, and 0-RTT stays off.
// WHY: 0-RTT data is replayable and tool calls are not replay-safe.
func TestProductionQUICConfig(t *testing.T) {
	cfg := ProductionQUICConfig()
	if cfg.MaxIdleTimeout != DefaultIdleTimeout {
		t.Fatalf("idle timeout: got %v, want %v", cfg.MaxIdleTimeout, DefaultIdleTimeout)
	}
	if cfg.KeepAlivePeriod != DefaultKeepAlive {
		t.Fatalf("keepalive: got %v, want %v", cfg.KeepAlivePeriod, DefaultKeepAlive)
	}
	if cfg.Allow0RTT {
		t.Fatal("0-RTT enabled")
	}
}

// WHAT: the self-signed config carries one ephemeral certificate, TLS 1.3
// and the MCP ALPN.
func TestSelfSignedTLSConfig(t *testing.T) {
	cfg, err := SelfSignedTLSConfig()
	if err != nil {
		t.Fatalf("SelfSignedTLSConfig: %v", err)
	}
	if got := len(cfg.Certificates); got != 1 {
		t.Fatalf("certificates: got %d, want 1", got)
	}
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Fatalf("min version: got %x, want TLS 1.3", cfg.MinVersion)
	}
	if !slices.Contains(cfg.NextProtos, ALPNProtocolMCP) {
		t.Fatalf("ALPN %q missing from %v", ALPNProtocolMCP, cfg.NextProtos)
	}
}

// WHAT: the client config verifies by default and only skips verification
// when asked.
func TestClientTLSConfig(t *testing.T) {
	tests := []struct {
		name     string
		insecure bool
	}{
		{"secure", false},
		{"insecure", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ClientTLSConfig(tt.insecure)
			if cfg.InsecureSkipVerify != tt.insecure {
				t.Fatalf("InsecureSkipVerify: got %v, want %v", cfg.InsecureSkipVerify, tt.insecure)
			}
			if cfg.MinVersion != tls.VersionTLS13 {
				t.Fatalf("min version: got %x, want TLS 1.3", cfg.MinVersion)
			}
			if !slices.Contains(cfg.NextProtos, ALPNProtocolMCP) {
				t.Fatalf("ALPN missing from %v", cfg.NextProtos)
			}
		})
	}
}

// WHAT: H3TLSConfig swaps the ALPN to h3 on a clone, keeping the
// certificate and leaving the base untouched.
// WHY: one certificate can serve both the MCP listener and an HTTP/3
// endpoint.
func TestH3TLSConfig(t *testing.T) {
	base, err := SelfSignedTLSConfig()
	if err != nil {
		t.Fatalf("SelfSignedTLSConfig: %v", err)
	}

	h3 := H3TLSConfig(base)
	if len(h3.NextProtos) != 1 || h3.NextProtos[0] != "h3" {
		t.Fatalf("ALPN: got %v, want [h3]", h3.NextProtos)
	}
	if len(h3.Certificates) != len(base.Certificates) {
		t.Fatal("certificate not carried over")
	}
	if slices.Contains(base.NextProtos, "h3") {
		t.Fatal("base config mutated")
	}
}

// WHAT: ConnectionError reports the remote and the close code, and
// unwraps to the cause.
func TestConnectionError(t *testing.T) {
	cause := errors.New("timeout")
	ce := &ConnectionError{
		RemoteAddr: "127.0.0.1:8443",
		Code:       ConnErrorProtocolViolation,
		Err:        cause,
	}

	msg := ce.Error()
	if !strings.Contains(msg, "127.0.0.1:8443") {
		t.Fatalf("remote missing: %s", msg)
	}
	if !strings.Contains(msg, "0x03") {
		t.Fatalf("code missing: %s", msg)
	}
	if !errors.Is(ce, cause) {
		t.Fatal("cause not unwrapped")
	}
}

// WHAT: client calls before Connect fail with ErrNotConnected.
func TestClient_NotConnected(t *testing.T) {
	c := NewClient("127.0.0.1:1", nil)
	ctx := context.Background()

	if _, err := c.ListTools(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("ListTools: got %v", err)
	}
	if _, err := c.CallTool(ctx, "list_tabs", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("CallTool: got %v", err)
	}
	if err := c.Ping(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Ping: got %v", err)
	}
}

// WHAT: a nil TLS config means server verification on.
func TestNewClient_DefaultsToVerification(t *testing.T) {
	c := NewClient("localhost:8443", nil)
	if c.tlsCfg == nil || c.tlsCfg.InsecureSkipVerify {
		t.Fatal("default client TLS must verify the server")
	}
}

// WHAT: a client session against a live listener on loopback: initialize,
// ping, list tools, call one and read its result.
// WHY: proves the preamble, ALPN and SDK plumbing agree end to end, the
// same path agent clients take to drive the guard.
func TestSessionRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("loopback QUIC test")
	}

	tlsCfg, err := SelfSignedTLSConfig()
	if err != nil {
		t.Fatalf("tls: %v", err)
	}

	srv := mcp.NewServer(&mcp.Implementation{Name: "domguard-test", Version: "0.0.0"}, nil)
	tool := &mcp.Tool{
		Name:        "list_tabs",
		Description: "List attachable tabs",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		return []map[string]string{{"id": "T1", "url": "https://example.com/"}}, nil
	}
	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: struct{}{}}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l, err := NewListener("127.0.0.1:0", tlsCfg, srv, logger)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	go l.Serve(ctx)

	c := NewClient(l.Addr().String(), ClientTLSConfig(true))
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	tools, err := c.ListTools(ctx)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools.Tools) != 1 || tools.Tools[0].Name != "list_tabs" {
		t.Fatalf("tools: %+v", tools.Tools)
	}

	res, err := c.CallTool(ctx, "list_tabs", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.IsError {
		t.Fatalf("tool error: %+v", res.Content)
	}
	tc, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("content: got %T, want *mcp.TextContent", res.Content[0])
	}
	var rows []map[string]string
	if err := json.Unmarshal([]byte(tc.Text), &rows); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(rows) != 1 || rows[0]["id"] != "T1" {
		t.Fatalf("rows: %v", rows)
	}
}
