// CLAUDE:SUMMARY Main Service orchestrator: popup loading sequence, toggle/save/refresh, tab ops, events, prune.
// Package domguard lists the external scripts of browser tabs and enforces
// per-tab blocked maps inside the live pages.
//
// The service drives a Chromium instance over CDP. Opening the popup view
// runs the loading sequence: resolve a tab, enumerate its script elements,
// read the tab's blocked map and render one row per script. Toggling a row
// updates the map and removes matching elements from the live DOM; removal
// is DOM-level, so scripts that already executed stay executed and
// unblocking takes effect on the next reload.
package domguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"

	"github.com/hazyhaar/domguard/horosafe"
	"github.com/hazyhaar/domguard/internal/browser"
	"github.com/hazyhaar/domguard/internal/events"
	"github.com/hazyhaar/domguard/internal/inspect"
	"github.com/hazyhaar/domguard/internal/popup"
	"github.com/hazyhaar/domguard/internal/store"
	"github.com/hazyhaar/domguard/kit"
)

// Config configures the Service.
type Config struct {
	// EvalTimeout bounds every script evaluation the service runs in a
	// page. Default: 10s.
	EvalTimeout time.Duration
}

func (c *Config) defaults() {
	if c.EvalTimeout <= 0 {
		c.EvalTimeout = 10 * time.Second
	}
}

// Service is the main domguard orchestrator.
type Service struct {
	browser Browser
	store   store.Store
	config  *Config
	logger  *slog.Logger

	events       *events.Log
	urlValidator func(string) error
	httpClient   *http.Client
	mdConverter  *converter.Converter
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithEvents wires the script event log.
func WithEvents(ev *events.Log) ServiceOption {
	return func(svc *Service) { svc.events = ev }
}

// WithURLValidator overrides validation of user-supplied page URLs.
func WithURLValidator(fn func(string) error) ServiceOption {
	return func(svc *Service) { svc.urlValidator = fn }
}

// WithHTTPClient sets the client audits fetch pages with.
func WithHTTPClient(c *http.Client) ServiceOption {
	return func(svc *Service) { svc.httpClient = c }
}

// New creates a domguard Service.
func New(b Browser, st store.Store, cfg *Config, logger *slog.Logger, opts ...ServiceOption) *Service {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	svc := &Service{
		browser:      b,
		store:        st,
		config:       cfg,
		logger:       logger,
		urlValidator: horosafe.ValidateURL,
		mdConverter: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.httpClient == nil {
		svc.httpClient = newAuditClient(svc.urlValidator)
	}
	return svc
}

// Popup runs the loading sequence and returns the popup view: resolve the
// tab (the active one when tabKey is empty), enumerate its external
// scripts, read the blocked map and mark each row. The no-tab,
// not-inspectable and empty outcomes are views, not errors; an explicitly
// named tab that does not exist is ErrTabNotFound.
func (svc *Service) Popup(ctx context.Context, tabKey string) (popup.View, error) {
	tab, info, err := svc.resolveTab(ctx, tabKey)
	if err != nil {
		if tabKey == "" && noTab(err) {
			return popup.NoActiveTab(), nil
		}
		return popup.View{}, err
	}

	if err := inspect.Inspectable(info.URL); err != nil {
		return popup.NotInspectable(info), nil
	}

	ectx, cancel := svc.evalCtx(ctx)
	scripts, err := tab.Scripts(ectx)
	cancel()
	if err != nil {
		svc.logWith(ctx).Warn("script enumeration failed", "tab", tab.Key(), "url", info.URL, "error", err)
		return popup.NotInspectable(info), nil
	}

	m := svc.loadMap(ctx, tab.Key())

	// A tab with blocked entries gets its guard installed on first look,
	// so the persisted map is enforced and reloads stay guarded.
	if len(m) > 0 {
		ectx, cancel := svc.evalCtx(ctx)
		if err := tab.Arm(ectx, m); err != nil {
			svc.logWith(ctx).Warn("guard arm on popup failed", "tab", tab.Key(), "error", err)
		}
		cancel()
	}

	return popup.Build(info, scripts, m), nil
}

// Toggle flips one URL's blocked flag, pushes the updated map into the
// live page and returns the new map. A storage failure is logged and the
// call is a no-op: the prior map comes back unchanged.
func (svc *Service) Toggle(ctx context.Context, tabKey, scriptURL string, blocked bool) (store.Map, error) {
	if err := validateScriptURL(scriptURL); err != nil {
		return nil, err
	}
	tab, info, err := svc.resolveTab(ctx, tabKey)
	if err != nil {
		return nil, err
	}

	m, err := svc.store.Update(ctx, store.KeyFor(tab.Key()), scriptURL, blocked)
	if err != nil {
		svc.logWith(ctx).Error("toggle write failed, keeping prior map",
			"tab", tab.Key(), "url", scriptURL, "error", err)
		return svc.loadMap(ctx, tab.Key()), nil
	}

	ectx, cancel := svc.evalCtx(ctx)
	if err := tab.Sync(ectx, m); err != nil {
		svc.logWith(ctx).Warn("guard sync after toggle failed", "tab", tab.Key(), "error", err)
	}
	cancel()

	op := events.OpBlocked
	if !blocked {
		op = events.OpUnblocked
	}
	svc.record(&events.Event{TabKey: tab.Key(), PageURL: info.URL, ScriptURL: scriptURL, Op: op})

	return m, nil
}

// Save writes a full blocked map for the tab and syncs the live page.
func (svc *Service) Save(ctx context.Context, tabKey string, m store.Map) error {
	for u := range m {
		if err := validateScriptURL(u); err != nil {
			return err
		}
	}
	tab, info, err := svc.resolveTab(ctx, tabKey)
	if err != nil {
		return err
	}
	return svc.saveTab(ctx, tab, info, m)
}

func (svc *Service) saveTab(ctx context.Context, tab Tab, info TabInfo, m store.Map) error {
	if err := svc.store.Set(ctx, store.KeyFor(tab.Key()), m); err != nil {
		svc.logWith(ctx).Error("save write failed, keeping prior map", "tab", tab.Key(), "error", err)
		return nil
	}

	ectx, cancel := svc.evalCtx(ctx)
	if err := tab.Sync(ectx, m); err != nil {
		svc.logWith(ctx).Warn("guard sync after save failed", "tab", tab.Key(), "error", err)
	}
	cancel()

	svc.record(&events.Event{
		TabKey:  tab.Key(),
		PageURL: info.URL,
		Op:      events.OpSaved,
		Detail:  fmt.Sprintf("%d blocked", len(m)),
	})
	return nil
}

// Refresh optionally saves a map, then reloads the tab. The guard is armed
// with the stored map before the reload so the new document comes up with
// blocked scripts already removed.
func (svc *Service) Refresh(ctx context.Context, tabKey string, save bool, m store.Map) error {
	if save {
		for u := range m {
			if err := validateScriptURL(u); err != nil {
				return err
			}
		}
	}
	tab, info, err := svc.resolveTab(ctx, tabKey)
	if err != nil {
		return err
	}

	if save {
		if err := svc.saveTab(ctx, tab, info, m); err != nil {
			return err
		}
	}

	current := svc.loadMap(ctx, tab.Key())
	ectx, cancel := svc.evalCtx(ctx)
	if err := tab.Arm(ectx, current); err != nil {
		svc.logWith(ctx).Warn("guard arm before reload failed", "tab", tab.Key(), "error", err)
	}
	cancel()

	return tab.Reload(ctx)
}

// Tabs lists attachable page targets.
func (svc *Service) Tabs(ctx context.Context) ([]TabInfo, error) {
	return svc.browser.List(ctx)
}

// Open creates a guarded tab and navigates it to pageURL. The guard is
// armed on the blank page first, so the document never runs unguarded.
func (svc *Service) Open(ctx context.Context, pageURL string) (TabInfo, error) {
	if err := svc.urlValidator(pageURL); err != nil {
		return TabInfo{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	tab, err := svc.browser.Open(ctx)
	if err != nil {
		return TabInfo{}, err
	}

	m := svc.loadMap(ctx, tab.Key())
	ectx, cancel := svc.evalCtx(ctx)
	err = tab.Arm(ectx, m)
	cancel()
	if err != nil {
		tab.Close()
		return TabInfo{}, fmt.Errorf("domguard: arm new tab: %w", err)
	}

	if err := tab.Navigate(ctx, pageURL); err != nil {
		tab.Close()
		return TabInfo{}, err
	}
	return tab.Info(ctx)
}

// Events returns recent script events, newest first.
func (svc *Service) Events(ctx context.Context, tabKey string, limit int) ([]*events.Event, error) {
	if svc.events == nil {
		return []*events.Event{}, nil
	}
	f := &events.Filter{Limit: limit}
	if tabKey != "" {
		if err := horosafe.ValidateIdentifier(tabKey); err != nil {
			return nil, fmt.Errorf("%w: tab key: %v", ErrInvalidInput, err)
		}
		f.TabKey = &tabKey
	}
	return svc.events.Query(ctx, f)
}

// Prune drops blocked maps whose tab no longer exists and returns how many
// were removed.
func (svc *Service) Prune(ctx context.Context) (int, error) {
	infos, err := svc.browser.List(ctx)
	if err != nil {
		return 0, err
	}
	live := make(map[string]bool, len(infos))
	for _, info := range infos {
		live[info.ID] = true
	}

	keys, err := svc.store.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("domguard: list keys: %w", err)
	}

	pruned := 0
	for _, key := range keys {
		tabKey, ok := store.TabFromKey(key)
		if !ok || live[tabKey] {
			continue
		}
		if err := svc.store.Remove(ctx, key); err != nil {
			svc.logger.Warn("prune remove failed", "key", key, "error", err)
			continue
		}
		svc.record(&events.Event{TabKey: tabKey, Op: events.OpPruned})
		pruned++
	}
	return pruned, nil
}

// Resync pushes stored maps back into every armed tab. Run when another
// process wrote the local store; last write wins.
func (svc *Service) Resync(ctx context.Context) {
	for _, key := range svc.browser.Armed() {
		tab, err := svc.browser.Attach(ctx, key)
		if err != nil {
			svc.logger.Warn("resync attach failed", "tab", key, "error", err)
			continue
		}
		m := svc.loadMap(ctx, key)
		ectx, cancel := svc.evalCtx(ctx)
		if err := tab.Sync(ectx, m); err != nil {
			svc.logger.Warn("resync failed", "tab", key, "error", err)
		}
		cancel()
	}
}

// Close disarms all guards and shuts the browser connection down.
func (svc *Service) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := svc.browser.Close(ctx)
	svc.logger.Info("service closed")
	return err
}

// resolveTab binds to the named tab, or the active one for an empty key.
func (svc *Service) resolveTab(ctx context.Context, tabKey string) (Tab, TabInfo, error) {
	var tab Tab
	var err error
	if tabKey == "" {
		tab, err = svc.browser.Active(ctx)
	} else {
		if err := horosafe.ValidateIdentifier(tabKey); err != nil {
			return nil, TabInfo{}, fmt.Errorf("%w: tab key: %v", ErrInvalidInput, err)
		}
		tab, err = svc.browser.Attach(ctx, tabKey)
	}
	if err != nil {
		return nil, TabInfo{}, err
	}

	info, err := tab.Info(ctx)
	if err != nil {
		return nil, TabInfo{}, fmt.Errorf("domguard: tab info: %w", err)
	}
	return tab, info, nil
}

// logWith returns the service logger tagged with whatever identity the
// context carries: a trace ID from the HTTP layer, a session ID and
// transport from MCP.
func (svc *Service) logWith(ctx context.Context) *slog.Logger {
	log := svc.logger
	if id := kit.GetTraceID(ctx); id != "" {
		log = log.With("trace", id)
	}
	if id := kit.GetSessionID(ctx); id != "" {
		log = log.With("session", id)
	}
	if tr := kit.GetTransport(ctx); tr != "http" {
		log = log.With("transport", tr)
	}
	return log
}

// loadMap reads the tab's blocked map. Storage failures degrade to the
// empty map so the popup stays usable.
func (svc *Service) loadMap(ctx context.Context, tabKey string) store.Map {
	m, err := svc.store.Get(ctx, store.KeyFor(tabKey))
	if err != nil {
		svc.logger.Error("map read failed, treating as empty", "tab", tabKey, "error", err)
		return store.Map{}
	}
	return m
}

// record writes an event when the log is wired.
func (svc *Service) record(e *events.Event) {
	if svc.events == nil {
		return
	}
	svc.events.Record(e)
}

func (svc *Service) evalCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, svc.config.EvalTimeout)
}

// noTab reports whether err means there is nothing to attach to.
func noTab(err error) bool {
	return errors.Is(err, browser.ErrNoActiveTab) || errors.Is(err, browser.ErrNoBrowser)
}

// validateScriptURL checks that a blocked-map key is an absolute script
// URL. Relative references must be resolved against the page before they
// get here.
func validateScriptURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: script url: %v", ErrInvalidInput, err)
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return fmt.Errorf("%w: script url %q has no host", ErrInvalidInput, raw)
		}
	case "file":
	default:
		return fmt.Errorf("%w: script url %q is not absolute", ErrInvalidInput, raw)
	}
	return nil
}
