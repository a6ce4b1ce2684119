// CLAUDE:SUMMARY Blocked map type: URL -> true, with apply/clone/normalize helpers.
package store

// Map is one tab's blocked map: script URL -> blocked. Only true entries are
// stored; unblocking a URL deletes its key, so absence means allowed.
type Map map[string]bool

// Blocked reports whether url is blocked.
func (m Map) Blocked(url string) bool {
	return m[url]
}

// Apply sets or clears the blocked flag for url in place.
func (m Map) Apply(url string, blocked bool) {
	if blocked {
		m[url] = true
		return
	}
	delete(m, url)
}

// Clone returns an independent copy.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Normalize drops false entries so only blocked URLs remain. Stored JSON
// written by other tooling may carry explicit false values.
func (m Map) Normalize() {
	for k, v := range m {
		if !v {
			delete(m, k)
		}
	}
}

// URLs returns the blocked URLs in unspecified order.
func (m Map) URLs() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
