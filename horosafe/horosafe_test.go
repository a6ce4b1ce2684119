package horosafe

import (
	"errors"
	"net"
	"strings"
	"testing"
)

// WHAT: URLs are rejected by scheme and by private/loopback target;
// ordinary public URLs pass.
// WHY: Open and Audit take URLs from users and agents, and the service
// must not be a proxy into the network it runs on.
func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr error // nil means any error is acceptable for wantFail
		ok      bool
	}{
		{"https", "https://example.com/page", nil, true},
		{"http", "http://example.com/app.js", nil, true},
		{"ftp", "ftp://evil.com/data", ErrUnsafeScheme, false},
		{"javascript", "javascript:alert(1)", ErrUnsafeScheme, false},
		{"chrome", "chrome://settings", ErrUnsafeScheme, false},
		{"loopback", "http://127.0.0.1/admin", ErrSSRF, false},
		{"private 10", "http://10.0.0.1/internal", ErrSSRF, false},
		{"private 192", "http://192.168.1.1/api", ErrSSRF, false},
		{"private 172", "http://172.16.0.1/secret", ErrSSRF, false},
		{"v6 loopback", "http://[::1]/api", ErrSSRF, false},
		{"unspecified", "http://0.0.0.0/", ErrSSRF, false},
		{"no host", "http:///path", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if tt.ok {
				if err != nil {
					t.Fatalf("ValidateURL(%q): %v", tt.url, err)
				}
				return
			}
			if err == nil {
				t.Fatalf("ValidateURL(%q) accepted", tt.url)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateURL(%q): got %v, want %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

// WHAT: identifiers allow the characters tab IDs and map keys use, and
// reject everything that could escape a key or a path segment.
func TestValidateIdentifier(t *testing.T) {
	for _, good := range []string{"blocked_AB12CD.0", "T1", "a-b_c.d"} {
		if err := ValidateIdentifier(good); err != nil {
			t.Fatalf("ValidateIdentifier(%q): %v", good, err)
		}
	}
	for _, bad := range []string{"", "../etc/passwd", "has spaces", "semi;colon", strings.Repeat("a", 257)} {
		if err := ValidateIdentifier(bad); err == nil {
			t.Fatalf("ValidateIdentifier(%q) accepted", bad)
		}
	}
}

// WHAT: reads under the cap come back whole; reads over it error instead
// of truncating.
func TestLimitedReadAll(t *testing.T) {
	body := strings.Repeat("x", 100)

	got, err := LimitedReadAll(strings.NewReader(body), 200)
	if err != nil {
		t.Fatalf("under cap: %v", err)
	}
	if len(got) != 100 {
		t.Fatalf("length: got %d, want 100", len(got))
	}

	if _, err := LimitedReadAll(strings.NewReader(body), 99); err == nil {
		t.Fatal("over cap accepted")
	}

	// Exactly at the cap is fine.
	if _, err := LimitedReadAll(strings.NewReader(body), 100); err != nil {
		t.Fatalf("at cap: %v", err)
	}
}

// WHAT: the address classifier covers loopback, RFC 1918, ULA, link-local
// and unspecified, and lets public space through.
func TestPrivateIP(t *testing.T) {
	tests := []struct {
		ip      string
		private bool
	}{
		{"127.0.0.1", true},
		{"10.0.0.1", true},
		{"172.16.0.1", true},
		{"192.168.0.1", true},
		{"169.254.1.1", true},
		{"0.0.0.0", true},
		{"::1", true},
		{"fc00::1", true},
		{"fe80::1", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"2606:4700::1111", false},
	}
	for _, tt := range tests {
		ip := net.ParseIP(tt.ip)
		if ip == nil {
			t.Fatalf("parse %q", tt.ip)
		}
		if got := privateIP(ip); got != tt.private {
			t.Errorf("privateIP(%s): got %v, want %v", tt.ip, got, tt.private)
		}
	}
}
