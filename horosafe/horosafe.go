// Package horosafe holds the input hardening domguard applies at its trust
// boundaries: page URLs supplied by users and agents get SSRF checks before
// the service fetches or opens them, tab identifiers are validated before
// they become storage keys, and fetched bodies are read with a hard cap.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
)

// MaxResponseBody is the default cap for HTTP response body reads (1 MiB).
const MaxResponseBody int64 = 1 << 20

// ErrSSRF is returned when a URL targets a private/loopback address.
var ErrSSRF = errors.New("horosafe: URL targets a private or loopback address")

// ErrUnsafeScheme is returned when a URL uses a non-HTTP(S) scheme.
var ErrUnsafeScheme = errors.New("horosafe: only http and https schemes are allowed")

// ValidateURL checks that rawURL is http or https with a hostname that does
// not land on a private or loopback address. Hostnames are resolved so an
// internal name cannot smuggle a private target past a literal-IP check.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("horosafe: invalid URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return ErrUnsafeScheme
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("horosafe: URL has no host")
	}

	if ip := net.ParseIP(host); ip != nil {
		if privateIP(ip) {
			return ErrSSRF
		}
		return nil
	}

	// A DNS failure passes: the caller hits the same failure at connect
	// time, with a better error.
	addrs, err := net.LookupHost(host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && privateIP(ip) {
			return ErrSSRF
		}
	}
	return nil
}

// ValidateIdentifier vets strings that end up as storage keys or path
// segments, like tab IDs and blocked-map keys. Alphanumerics, underscore,
// hyphen and dot only, 256 bytes at most.
func ValidateIdentifier(s string) error {
	if s == "" {
		return errors.New("horosafe: identifier must not be empty")
	}
	if len(s) > 256 {
		return fmt.Errorf("horosafe: identifier too long (%d > 256)", len(s))
	}
	for i, r := range s {
		if !identChar(r) {
			return fmt.Errorf("horosafe: invalid character %q at %d in identifier", r, i)
		}
	}
	return nil
}

// LimitedReadAll reads at most maxBytes from r and errors when the limit
// is exceeded, instead of truncating silently.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("horosafe: response exceeds %d bytes", maxBytes)
	}
	return data, nil
}

func identChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}

// privateIP reports whether ip is unreachable-from-outside address space:
// loopback, RFC 1918 and ULA ranges, link-local, or unspecified (0.0.0.0
// connects to localhost on most systems).
func privateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}
