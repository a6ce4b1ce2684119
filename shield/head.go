package shield

import "net/http"

// HeadToGet rewrites HEAD to GET before routing. chi matches handlers by
// method, so probes that HEAD /healthz or the popup page would otherwise
// get 405; net/http strips the body from HEAD responses on its own.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}
