// CLAUDE:SUMMARY Browser/Tab interfaces plus the rod-backed Bridge: tab handles, per-tab guard registry, report-to-event wiring.
package domguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hazyhaar/domguard/internal/browser"
	"github.com/hazyhaar/domguard/internal/events"
	"github.com/hazyhaar/domguard/internal/guard"
	"github.com/hazyhaar/domguard/internal/inspect"
	"github.com/hazyhaar/domguard/internal/store"
)

// TabInfo describes one attachable tab.
type TabInfo = browser.TabInfo

// Tab is one browser tab the service can inspect and guard.
type Tab interface {
	// Key is the stable per-tab identifier (the CDP target ID).
	Key() string
	Info(ctx context.Context) (TabInfo, error)
	// Scripts enumerates the external script sources of the live document.
	Scripts(ctx context.Context) ([]inspect.Script, error)
	// Arm installs the guard probe with the given map; Sync pushes an
	// updated map into an armed page; Disarm uninstalls.
	Arm(ctx context.Context, m store.Map) error
	Sync(ctx context.Context, m store.Map) error
	Disarm(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	HTML(ctx context.Context) (string, error)
	PDF(ctx context.Context) ([]byte, error)
	Close() error
}

// Browser hands out tabs. The rod-backed implementation is Bridge; tests
// substitute fakes.
type Browser interface {
	// Active resolves the tab the user is looking at. Returns
	// browser.ErrNoActiveTab when there is nothing to attach to.
	Active(ctx context.Context) (Tab, error)
	// Attach binds to an existing tab by key. Returns ErrTabNotFound for
	// unknown keys.
	Attach(ctx context.Context, key string) (Tab, error)
	// Open creates a blank tab. Callers arm it before navigating so the
	// first document already runs guarded.
	Open(ctx context.Context) (Tab, error)
	List(ctx context.Context) ([]TabInfo, error)
	// Armed lists the keys of tabs with an installed guard.
	Armed() []string
	// Reset abandons all guard state without touching pages. For browser
	// recycles, where the pages are already gone.
	Reset()
	Close(ctx context.Context) error
}

// Bridge implements Browser on top of a rod browser manager. It owns one
// Guard per guarded tab and records probe reports to the event log.
type Bridge struct {
	mgr    *browser.Manager
	events *events.Log
	logger *slog.Logger

	mu     sync.Mutex
	guards map[string]*guard.Guard
}

// NewBridge wraps a started browser manager. events may be nil.
func NewBridge(mgr *browser.Manager, ev *events.Log, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		mgr:    mgr,
		events: ev,
		logger: logger,
		guards: make(map[string]*guard.Guard),
	}
}

// Active resolves the focused visible tab.
func (b *Bridge) Active(ctx context.Context) (Tab, error) {
	t, err := b.mgr.ActiveTab(ctx)
	if err != nil {
		return nil, err
	}
	return &rodTab{tab: t, bridge: b}, nil
}

// Attach binds to an existing tab by target ID.
func (b *Bridge) Attach(ctx context.Context, key string) (Tab, error) {
	t, err := b.mgr.Attach(ctx, key)
	if err != nil {
		if errors.Is(err, browser.ErrNoActiveTab) {
			return nil, fmt.Errorf("%w: %s", ErrTabNotFound, key)
		}
		return nil, err
	}
	return &rodTab{tab: t, bridge: b}, nil
}

// Open creates a blank tab, stealth-prepared when the manager is
// configured for it.
func (b *Bridge) Open(ctx context.Context) (Tab, error) {
	t, err := b.mgr.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	return &rodTab{tab: t, bridge: b}, nil
}

// List enumerates attachable page targets.
func (b *Bridge) List(ctx context.Context) ([]TabInfo, error) {
	return b.mgr.Tabs(ctx)
}

// Armed lists the keys of currently guarded tabs.
func (b *Bridge) Armed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.guards))
	for k := range b.guards {
		keys = append(keys, k)
	}
	return keys
}

// Reset drops every guard without page calls. The recycle callback runs
// this after the old browser process is unreachable.
func (b *Bridge) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, g := range b.guards {
		g.Drop()
	}
	b.guards = make(map[string]*guard.Guard)
}

// Close disarms every guard while the browser is still reachable, then
// shuts the browser connection down.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	guards := b.guards
	b.guards = make(map[string]*guard.Guard)
	b.mu.Unlock()

	for key, g := range guards {
		if err := g.Disarm(ctx); err != nil {
			b.logger.Warn("bridge: disarm on close", "tab", key, "error", err)
		}
	}
	return b.mgr.Close()
}

// guardFor returns the guard bound to t, creating one on first use.
func (b *Bridge) guardFor(t *browser.Tab) *guard.Guard {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := t.Key()
	if g, ok := b.guards[key]; ok {
		return g
	}
	g := guard.New(guard.Config{
		Tab:      t,
		OnReport: func(rep guard.Report) { b.recordReport(key, rep) },
		Logger:   b.logger,
	})
	b.guards[key] = g
	return g
}

// dropGuard forgets the guard for key. The caller already disarmed it.
func (b *Bridge) dropGuard(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.guards, key)
}

// recordReport turns a probe report into a script event.
func (b *Bridge) recordReport(tabKey string, rep guard.Report) {
	if b.events == nil {
		return
	}
	op := events.OpRemoved
	if rep.Op == guard.OpArmed {
		op = events.OpArmed
	}
	b.events.Record(&events.Event{
		TabKey:    tabKey,
		ScriptURL: rep.URL,
		Op:        op,
		Phase:     rep.Phase,
	})
}

// rodTab adapts a browser.Tab to the Tab interface, routing guard calls
// through the bridge registry.
type rodTab struct {
	tab    *browser.Tab
	bridge *Bridge
}

func (t *rodTab) Key() string { return t.tab.Key() }

func (t *rodTab) Info(ctx context.Context) (TabInfo, error) {
	return t.tab.Info(ctx)
}

func (t *rodTab) Scripts(ctx context.Context) ([]inspect.Script, error) {
	return inspect.Page(ctx, t.tab)
}

func (t *rodTab) Arm(ctx context.Context, m store.Map) error {
	return t.bridge.guardFor(t.tab).Arm(ctx, m)
}

func (t *rodTab) Sync(ctx context.Context, m store.Map) error {
	return t.bridge.guardFor(t.tab).Sync(ctx, m)
}

func (t *rodTab) Disarm(ctx context.Context) error {
	err := t.bridge.guardFor(t.tab).Disarm(ctx)
	t.bridge.dropGuard(t.tab.Key())
	return err
}

func (t *rodTab) Navigate(ctx context.Context, url string) error {
	return t.tab.Navigate(ctx, url)
}

func (t *rodTab) Reload(ctx context.Context) error {
	return t.tab.Reload(ctx)
}

func (t *rodTab) HTML(ctx context.Context) (string, error) {
	return t.tab.HTML(ctx)
}

func (t *rodTab) PDF(ctx context.Context) ([]byte, error) {
	return t.tab.PDF(ctx)
}

func (t *rodTab) Close() error {
	if g := t.bridge.peekGuard(t.tab.Key()); g != nil {
		g.Drop()
		t.bridge.dropGuard(t.tab.Key())
	}
	return t.tab.Close()
}

// peekGuard returns the guard for key without creating one.
func (b *Bridge) peekGuard(key string) *guard.Guard {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.guards[key]
}
