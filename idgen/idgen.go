// Package idgen mints the string identifiers domguard hands out: event IDs
// in the guard log and MCP session tags. Everything that needs an ID takes
// a Generator, so the strategy is a wiring decision rather than a
// compile-time one.
package idgen

import (
	"crypto/rand"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// Default is UUIDv7: time-sortable and globally unique. Event IDs compose
// a prefix on top of it.
var Default Generator = UUIDv7()

// UUIDv7 returns a Generator minting RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// NanoID returns a Generator minting base-36 IDs of the given length, for
// places where a UUID is too verbose, like per-connection session tags.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i, b := range buf {
			buf[i] = alphabet[int(b)%len(alphabet)]
		}
		return string(buf)
	}
}

// Prefixed prepends a fixed type tag to every ID, like "evt_".
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}
