// Package mcpquic carries MCP sessions over QUIC. domguard exposes its tool
// surface on a QUIC listener so agent clients can drive the guard without
// going through the HTTP API.
//
// Wire layout: one bidirectional stream per session, prefixed by four magic
// bytes, then the SDK's JSON-RPC framing. ALPN pins the protocol version.
package mcpquic

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// ALPNProtocolMCP is the TLS ALPN token for MCP-over-QUIC.
	ALPNProtocolMCP = "mcp-quic-v1"

	// MagicBytesMCP opens every MCP stream, distinguishing it from stray
	// HTTP/3 or other traffic on the same port.
	MagicBytesMCP = "MCP1"

	// MaxMessageSize caps a single JSON-RPC message.
	MaxMessageSize = 10 * 1024 * 1024

	// DefaultIdleTimeout closes connections with no activity.
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultKeepAlive keeps NAT bindings warm between calls.
	DefaultKeepAlive = 30 * time.Second
)

// Connection-level application error codes.
const (
	ConnErrorNoError           quic.ApplicationErrorCode = 0x00
	ConnErrorInternal          quic.ApplicationErrorCode = 0x01
	ConnErrorUnsupportedALPN   quic.ApplicationErrorCode = 0x02
	ConnErrorProtocolViolation quic.ApplicationErrorCode = 0x03
)

// StreamErrorProtocolConfusion aborts a stream whose first bytes are not the
// MCP magic.
const StreamErrorProtocolConfusion quic.StreamErrorCode = 0x10

var (
	// ErrInvalidMagicBytes is returned when a stream does not open with MagicBytesMCP.
	ErrInvalidMagicBytes = errors.New("mcpquic: invalid magic bytes")

	// ErrUnsupportedALPN is returned when the peer negotiated a different protocol.
	ErrUnsupportedALPN = errors.New("mcpquic: unsupported ALPN protocol")

	// ErrNotConnected is returned for client calls before Connect.
	ErrNotConnected = errors.New("mcpquic: not connected")
)

// ConnectionError wraps a transport failure with the remote address and the
// application error code used to close the connection.
type ConnectionError struct {
	RemoteAddr string
	Code       quic.ApplicationErrorCode
	Err        error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mcpquic: connection %s (code 0x%02x): %v", e.RemoteAddr, uint64(e.Code), e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SendMagicBytes writes the MCP stream preamble.
func SendMagicBytes(w io.Writer) error {
	if _, err := io.WriteString(w, MagicBytesMCP); err != nil {
		return fmt.Errorf("mcpquic: send magic bytes: %w", err)
	}
	return nil
}

// ValidateMagicBytes reads the stream preamble and checks it.
func ValidateMagicBytes(r io.Reader) error {
	buf := make([]byte, len(MagicBytesMCP))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("mcpquic: read magic bytes: %w", err)
	}
	if string(buf) != MagicBytesMCP {
		return fmt.Errorf("%w: got %q", ErrInvalidMagicBytes, buf)
	}
	return nil
}

// ProductionQUICConfig returns the QUIC tuning used on both ends.
// 0-RTT stays off: tool calls are not replay-safe.
func ProductionQUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  DefaultIdleTimeout,
		KeepAlivePeriod: DefaultKeepAlive,
		Allow0RTT:       false,
	}
}

// SelfSignedTLSConfig generates an ephemeral P-256 certificate and returns a
// TLS 1.3 server config advertising the MCP ALPN. Suitable for localhost and
// development; production deployments should supply real certificates.
func SelfSignedTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("mcpquic: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("mcpquic: serial: %w", err)
	}

	tmpl := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "domguard-mcp"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("mcpquic: create certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  key,
		}},
		NextProtos: []string{ALPNProtocolMCP},
		MinVersion: tls.VersionTLS13,
	}, nil
}

// ServerTLSConfig loads a certificate pair and returns a TLS 1.3 server
// config advertising the MCP ALPN.
func ServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("mcpquic: load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocolMCP},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientTLSConfig returns the client-side TLS config. insecure skips server
// certificate verification, for self-signed development servers.
func ClientTLSConfig(insecure bool) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: insecure,
		NextProtos:         []string{ALPNProtocolMCP},
		MinVersion:         tls.VersionTLS13,
	}
}

// H3TLSConfig clones base with the ALPN replaced by "h3", for sharing a
// certificate between the MCP listener and an HTTP/3 endpoint.
func H3TLSConfig(base *tls.Config) *tls.Config {
	cfg := base.Clone()
	cfg.NextProtos = []string{"h3"}
	return cfg
}
