// Package auth gates the HTTP surface behind a single shared password.
//
// There are no user accounts. The popup either runs on a trusted local
// machine (no password configured, no gate installed) or on a shared
// network where one password covers the whole API. Only the bcrypt hash
// of that password is ever held in memory.
package auth

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword hashes a cleartext password for Middleware. Callers should
// discard the cleartext once they hold the hash.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

// Middleware enforces HTTP Basic auth against hash on every request. The
// username is ignored; only the password counts. Rejections carry a Basic
// challenge so browsers prompt instead of failing silently.
func Middleware(hash []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, pass, ok := r.BasicAuth()
			if !ok || bcrypt.CompareHashAndPassword(hash, []byte(pass)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="domguard"`)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
