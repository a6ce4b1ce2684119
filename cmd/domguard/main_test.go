package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/domguard"
	"github.com/hazyhaar/domguard/internal/browser"
	"github.com/hazyhaar/domguard/internal/inspect"
	"github.com/hazyhaar/domguard/internal/store"
)

// stubTab is a minimal Tab for router tests; service-level behavior is
// covered in the root package.
type stubTab struct {
	key     string
	info    domguard.TabInfo
	scripts []inspect.Script
	html    string
}

func (t *stubTab) Key() string { return t.key }

func (t *stubTab) Info(context.Context) (domguard.TabInfo, error) { return t.info, nil }

func (t *stubTab) Scripts(context.Context) ([]inspect.Script, error) {
	return t.scripts, nil
}

func (t *stubTab) Arm(context.Context, store.Map) error { return nil }

func (t *stubTab) Sync(context.Context, store.Map) error { return nil }

func (t *stubTab) Disarm(context.Context) error { return nil }

func (t *stubTab) Navigate(context.Context, string) error { return nil }

func (t *stubTab) Reload(context.Context) error { return nil }

func (t *stubTab) HTML(context.Context) (string, error) { return t.html, nil }

func (t *stubTab) PDF(context.Context) ([]byte, error) { return nil, nil }

func (t *stubTab) Close() error { return nil }

type stubBrowser struct {
	active *stubTab
	tabs   map[string]*stubTab
}

func (b *stubBrowser) Active(context.Context) (domguard.Tab, error) {
	if b.active == nil {
		return nil, browser.ErrNoActiveTab
	}
	return b.active, nil
}

func (b *stubBrowser) Attach(_ context.Context, key string) (domguard.Tab, error) {
	if t, ok := b.tabs[key]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s", domguard.ErrTabNotFound, key)
}

func (b *stubBrowser) Open(context.Context) (domguard.Tab, error) {
	return nil, browser.ErrNoBrowser
}

func (b *stubBrowser) List(context.Context) ([]domguard.TabInfo, error) {
	infos := make([]domguard.TabInfo, 0, len(b.tabs))
	for _, t := range b.tabs {
		infos = append(infos, t.info)
	}
	return infos, nil
}

func (b *stubBrowser) Armed() []string { return nil }

func (b *stubBrowser) Reset() {}

func (b *stubBrowser) Close(context.Context) error { return nil }

func testRouter(t *testing.T, b domguard.Browser, st store.Store) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := domguard.New(b, st, nil, logger)
	t.Cleanup(func() { svc.Close() })
	return newRouter(svc, nil)
}

func listedBrowser() *stubBrowser {
	tab := &stubTab{
		key:  "T1",
		info: domguard.TabInfo{ID: "T1", URL: "https://example.com/", Title: "Example"},
		scripts: []inspect.Script{
			{URL: "https://cdn.example.com/app.js", Name: "app.js"},
		},
		html: "<html><body><h1>Example</h1></body></html>",
	}
	return &stubBrowser{active: tab, tabs: map[string]*stubTab{"T1": tab}}
}

func TestRouter_PopupListed(t *testing.T) {
	// WHAT: GET /api/popup returns the listed view for the active tab.
	// WHY: The popup UI renders exactly this JSON; state and rows must be there.
	r := testRouter(t, listedBrowser(), store.NewMemory())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/popup", nil))

	if w.Code != 200 {
		t.Fatalf("status: got %d, want 200: %s", w.Code, w.Body.String())
	}
	var view struct {
		State string `json:"state"`
		Rows  []struct {
			URL     string `json:"url"`
			Blocked bool   `json:"blocked"`
		} `json:"rows"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.State != "listed" {
		t.Errorf("state: got %q, want listed", view.State)
	}
	if len(view.Rows) != 1 || view.Rows[0].URL != "https://cdn.example.com/app.js" {
		t.Errorf("rows: got %+v", view.Rows)
	}
}

func TestRouter_PopupNoTab(t *testing.T) {
	// WHAT: Without an active tab the popup route answers 200 with the
	// no-tab view.
	// WHY: Missing tab is a view state, not an HTTP failure.
	r := testRouter(t, &stubBrowser{}, store.NewMemory())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/popup", nil))

	if w.Code != 200 {
		t.Fatalf("status: got %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "no_tab") {
		t.Errorf("body: got %s, want no_tab state", w.Body.String())
	}
}

func TestRouter_PopupUnknownTab(t *testing.T) {
	// WHAT: An explicit unknown tab reference is 404.
	// WHY: Unlike the empty-key case, a named tab that is gone is a bad
	// reference.
	r := testRouter(t, listedBrowser(), store.NewMemory())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/popup?tab=GONE", nil))

	if w.Code != 404 {
		t.Errorf("status: got %d, want 404: %s", w.Code, w.Body.String())
	}
}

func TestRouter_ToggleAndInvalid(t *testing.T) {
	// WHAT: POST /api/blocked updates the map; a relative URL is rejected
	// with 422.
	// WHY: The map must only ever hold absolute URLs, enforced at the edge.
	st := store.NewMemory()
	r := testRouter(t, listedBrowser(), st)

	body := `{"tab":"T1","url":"https://cdn.example.com/app.js","blocked":true}`
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/blocked", strings.NewReader(body)))
	if w.Code != 200 {
		t.Fatalf("toggle: got %d: %s", w.Code, w.Body.String())
	}
	m, _ := st.Get(context.Background(), store.KeyFor("T1"))
	if !m.Blocked("https://cdn.example.com/app.js") {
		t.Errorf("map not updated: %v", m)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/blocked",
		strings.NewReader(`{"tab":"T1","url":"app.js","blocked":true}`)))
	if w.Code != 422 {
		t.Errorf("relative url: got %d, want 422: %s", w.Code, w.Body.String())
	}
}

func TestRouter_SnapshotMarkdown(t *testing.T) {
	// WHAT: The snapshot route answers with the markdown content type and a
	// converted body.
	// WHY: Clients pick a parser from Content-Type.
	r := testRouter(t, listedBrowser(), store.NewMemory())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/tabs/T1/snapshot?format=markdown", nil))

	if w.Code != 200 {
		t.Fatalf("status: got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/markdown; charset=utf-8" {
		t.Errorf("content type: got %q", ct)
	}
	if !strings.Contains(w.Body.String(), "Example") {
		t.Errorf("body: got %q, want converted heading", w.Body.String())
	}
}

func TestRouter_Prune(t *testing.T) {
	// WHAT: POST /api/prune drops stored maps whose tab is gone and reports
	// the count.
	// WHY: Per-tab keys outlive their tabs; this is the cleanup path.
	ctx := context.Background()
	st := store.NewMemory()
	st.Set(ctx, store.KeyFor("DEAD"), store.Map{"https://x.test/a.js": true})
	st.Set(ctx, store.KeyFor("T1"), store.Map{"https://x.test/b.js": true})
	r := testRouter(t, listedBrowser(), st)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/prune", nil))

	if w.Code != 200 {
		t.Fatalf("status: got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["pruned"] != 1 {
		t.Errorf("pruned: got %d, want 1", resp["pruned"])
	}
	if m, _ := st.Get(ctx, store.KeyFor("T1")); !m.Blocked("https://x.test/b.js") {
		t.Errorf("live tab map pruned: %v", m)
	}
}

func TestRouter_BasicAuth(t *testing.T) {
	// WHAT: With a password hash set, requests without credentials get 401
	// and a challenge; the right password passes.
	// WHY: The popup may face a shared network; the gate is all-or-nothing.
	hash, err := bcrypt.GenerateFromPassword([]byte("sesame"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := domguard.New(&stubBrowser{}, store.NewMemory(), nil, logger)
	t.Cleanup(func() { svc.Close() })
	r := newRouter(svc, hash)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != 401 {
		t.Fatalf("no creds: got %d, want 401", w.Code)
	}
	if got := w.Header().Get("WWW-Authenticate"); !strings.Contains(got, "Basic") {
		t.Errorf("challenge: got %q", got)
	}

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.SetBasicAuth("popup", "sesame")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Errorf("with creds: got %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestStatusFor(t *testing.T) {
	// WHAT: Service errors map to 404/422, everything else to 502.
	// WHY: The popup distinguishes bad references from a broken browser.
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", domguard.ErrTabNotFound), 404},
		{fmt.Errorf("wrap: %w", domguard.ErrInvalidInput), 422},
		{browser.ErrNoActiveTab, 404},
		{fmt.Errorf("cdp broke"), 502},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Errorf("statusFor(%v): got %d, want %d", c.err, got, c.want)
		}
	}
}
