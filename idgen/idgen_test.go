package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

// WHAT: NanoID mints IDs of the requested length from the base-36
// alphabet, without collisions over a small sample.
func TestNanoID(t *testing.T) {
	gen := NanoID(8)
	seen := make(map[string]struct{}, 1000)
	for range 1000 {
		id := gen()
		if len(id) != 8 {
			t.Fatalf("length: got %d in %q", len(id), id)
		}
		for _, c := range id {
			if (c < '0' || c > '9') && (c < 'a' || c > 'z') {
				t.Fatalf("character %q in %q", c, id)
			}
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate %q", id)
		}
		seen[id] = struct{}{}
	}
}

// WHAT: UUIDv7 mints parseable version-7 UUIDs.
// WHY: event IDs must sort by time in the log.
func TestUUIDv7(t *testing.T) {
	id := UUIDv7()()
	u, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("parse %q: %v", id, err)
	}
	if got := u.Version(); got != 7 {
		t.Fatalf("version: got %d, want 7", got)
	}
}

// WHAT: Prefixed prepends the type tag, leaving the inner ID intact.
func TestPrefixed(t *testing.T) {
	id := Prefixed("evt_", NanoID(8))()
	if !strings.HasPrefix(id, "evt_") {
		t.Fatalf("prefix missing in %q", id)
	}
	if len(id) != len("evt_")+8 {
		t.Fatalf("length: got %d in %q", len(id), id)
	}
}

// WHAT: the package default mints UUIDv7.
func TestDefault(t *testing.T) {
	u, err := uuid.Parse(Default())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := u.Version(); got != 7 {
		t.Fatalf("version: got %d, want 7", got)
	}
}
