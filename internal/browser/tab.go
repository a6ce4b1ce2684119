// CLAUDE:SUMMARY Tab handles: attach to existing pages, open new ones, resolve the active tab, reload, capture HTML/PDF.
package browser

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

const (
	navTimeout   = 30 * time.Second
	probeTimeout = 2 * time.Second
)

// Tab wraps a Rod page attached to one browser tab. The CDP target ID is the
// stable per-tab key used by blocked maps and the HTTP API.
type Tab struct {
	Page *rod.Page
}

// TabInfo describes one attachable tab.
type TabInfo struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Active bool   `json:"active"`
}

// Key returns the CDP target ID identifying this tab.
func (t *Tab) Key() string {
	return string(t.Page.TargetID)
}

// Info returns the tab's target ID, URL and title.
func (t *Tab) Info(ctx context.Context) (TabInfo, error) {
	info, err := t.Page.Context(ctx).Info()
	if err != nil {
		return TabInfo{}, fmt.Errorf("browser: tab info: %w", err)
	}
	return TabInfo{ID: t.Key(), URL: info.URL, Title: info.Title}, nil
}

// Reload reloads the tab and waits for the load event. Guards are re-armed
// by the on-new-document hook, not by this call.
func (t *Tab) Reload(ctx context.Context) error {
	navCtx, cancel := context.WithTimeout(ctx, navTimeout)
	defer cancel()

	page := t.Page.Context(navCtx)
	if err := page.Reload(); err != nil {
		return fmt.Errorf("browser: reload: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("browser: reload wait: %w", err)
	}
	return nil
}

// HTML returns the full serialized DOM of the tab.
func (t *Tab) HTML(ctx context.Context) (string, error) {
	res, err := t.Page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", fmt.Errorf("browser: get dom: %w", err)
	}
	return res.Value.Str(), nil
}

// PDF renders the tab to PDF via Chrome's print pipeline.
func (t *Tab) PDF(ctx context.Context) ([]byte, error) {
	r, err := t.Page.Context(ctx).PDF(&proto.PagePrintToPDF{
		PrintBackground: true,
	})
	if err != nil {
		return nil, fmt.Errorf("browser: print pdf: %w", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("browser: read pdf stream: %w", err)
	}
	return data, nil
}

// Close closes the underlying browser tab.
func (t *Tab) Close() error {
	return t.Page.Close()
}

// Attach attaches to an existing tab by target ID.
func (m *Manager) Attach(ctx context.Context, targetID string) (*Tab, error) {
	b := m.Browser()
	if b == nil {
		return nil, ErrNoBrowser
	}

	pages, err := b.Pages()
	if err != nil {
		return nil, fmt.Errorf("browser: list pages: %w", err)
	}
	for _, p := range pages {
		if string(p.TargetID) == targetID {
			return &Tab{Page: p.Context(ctx)}, nil
		}
	}
	return nil, fmt.Errorf("browser: tab %q: %w", targetID, ErrNoActiveTab)
}

// NewPage creates a blank tab without navigating anywhere. Callers that
// inject on-new-document scripts do so on the blank page, so the first
// navigation already runs them. Tabs opened by domguard get stealth
// scripts when the manager is configured for them.
func (m *Manager) NewPage(ctx context.Context) (*Tab, error) {
	b := m.Browser()
	if b == nil {
		return nil, ErrNoBrowser
	}

	var page *rod.Page
	var err error
	if m.cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	return &Tab{Page: page.Context(ctx)}, nil
}

// Navigate loads url in the tab and waits for the load event.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, navTimeout)
	defer cancel()

	page := t.Page.Context(navCtx)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("browser: load %s: %w", url, err)
	}
	return nil
}

// Open creates a new tab and navigates it to url.
func (m *Manager) Open(ctx context.Context, url string) (*Tab, error) {
	t, err := m.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	if err := t.Navigate(ctx, url); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// Tabs lists all attachable page targets. The focused visible tab, if any,
// is marked active.
func (m *Manager) Tabs(ctx context.Context) ([]TabInfo, error) {
	b := m.Browser()
	if b == nil {
		return nil, ErrNoBrowser
	}

	pages, err := b.Pages()
	if err != nil {
		return nil, fmt.Errorf("browser: list pages: %w", err)
	}

	activeID := ""
	if p := pickActive(ctx, pages); p != nil {
		activeID = string(p.TargetID)
	}

	infos := make([]TabInfo, 0, len(pages))
	for _, p := range pages {
		info, err := p.Context(ctx).Info()
		if err != nil {
			continue
		}
		infos = append(infos, TabInfo{
			ID:     string(p.TargetID),
			URL:    info.URL,
			Title:  info.Title,
			Active: string(p.TargetID) == activeID,
		})
	}
	return infos, nil
}

// ActiveTab resolves the tab the user is looking at: the visible focused
// page, else the only visible page, else the only page. Returns
// ErrNoActiveTab when the browser has no page to attach to.
func (m *Manager) ActiveTab(ctx context.Context) (*Tab, error) {
	b := m.Browser()
	if b == nil {
		return nil, ErrNoBrowser
	}

	pages, err := b.Pages()
	if err != nil {
		return nil, fmt.Errorf("browser: list pages: %w", err)
	}
	if len(pages) == 0 {
		return nil, ErrNoActiveTab
	}

	if p := pickActive(ctx, pages); p != nil {
		return &Tab{Page: p.Context(ctx)}, nil
	}
	if len(pages) == 1 {
		return &Tab{Page: pages[0].Context(ctx)}, nil
	}
	return nil, ErrNoActiveTab
}

// pickActive probes each page for visibility and focus. Pages that fail the
// probe (crashed, chrome internals with scripting disabled) are skipped.
func pickActive(ctx context.Context, pages rod.Pages) *rod.Page {
	var visible *rod.Page
	for _, p := range pages {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		res, err := p.Context(probeCtx).Eval(`() => ({
			visible: document.visibilityState === "visible",
			focused: document.hasFocus(),
		})`)
		cancel()
		if err != nil {
			continue
		}
		if !res.Value.Get("visible").Bool() {
			continue
		}
		if res.Value.Get("focused").Bool() {
			return p
		}
		if visible == nil {
			visible = p
		}
	}
	return visible
}
