// CLAUDE:SUMMARY Per-tab guard: injects the removal probe, re-arms across reloads, pumps removal reports.
// Package guard enforces blocked maps inside pages. A Guard is bound to one
// tab: it injects a probe that removes blocked script elements, installs a
// MutationObserver for scripts added later, and registers the probe to run
// again on every new document so reloads and navigations stay guarded.
//
// Enforcement is DOM-level only. Scripts that executed before the probe ran
// stay executed; unblocking never reinserts an element. Reload is the reset.
package guard

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/domguard/internal/browser"
	"github.com/hazyhaar/domguard/internal/store"
)

//go:embed guard.js
var guardJS []byte

// bindingName is the Runtime binding the probe reports removals through.
const bindingName = "__domguard_binding"

// Config for creating a Guard.
type Config struct {
	Tab *browser.Tab
	// OnReport receives every probe report. Optional.
	OnReport func(Report)
	Logger   *slog.Logger
}

// Guard keeps one tab's blocked map enforced.
type Guard struct {
	tab      *browser.Tab
	onReport func(Report)
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	armed    bool
	newDocID proto.PageScriptIdentifier
}

// New creates a Guard for the given tab. Call Arm to start enforcing.
func New(cfg Config) *Guard {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Guard{
		tab:      cfg.Tab,
		onReport: cfg.OnReport,
		logger:   cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Arm pushes the blocked map into the tab and injects the probe: sweep now,
// observe future insertions, and re-run on every new document. Arming with
// an empty map still installs the probe so later syncs take effect fast.
func (g *Guard) Arm(ctx context.Context, m store.Map) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.armLocked(ctx, m)
}

func (g *Guard) armLocked(ctx context.Context, m store.Map) error {
	page := g.tab.Page

	if !g.armed {
		err := proto.RuntimeAddBinding{Name: bindingName}.Call(page)
		if err != nil {
			g.logger.Warn("guard: addBinding failed (may already exist)", "error", err)
		}
		go g.listenBinding()
	}

	if err := g.pushMap(ctx, m); err != nil {
		return err
	}

	if _, err := page.Context(ctx).Eval(string(guardJS)); err != nil {
		return fmt.Errorf("guard: inject probe: %w", err)
	}

	if err := g.registerNewDocLocked(ctx, m); err != nil {
		return err
	}

	g.armed = true
	g.logger.Debug("guard: armed", "tab", g.tab.Key(), "blocked", len(m))
	return nil
}

// Sync pushes an updated blocked map into the live page and sweeps. Newly
// blocked scripts are removed immediately; unblocked ones stay gone until
// the tab reloads.
func (g *Guard) Sync(ctx context.Context, m store.Map) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.armed {
		return g.armLocked(ctx, m)
	}

	if err := g.pushMap(ctx, m); err != nil {
		return err
	}
	if _, err := g.tab.Page.Context(ctx).Eval(
		`() => { window.__domguard_sweep && window.__domguard_sweep(); }`); err != nil {
		return fmt.Errorf("guard: sweep: %w", err)
	}

	return g.registerNewDocLocked(ctx, m)
}

// Disarm disconnects the observer, drops the new-document hook and stops
// the report pump. Already-removed scripts stay removed.
func (g *Guard) Disarm(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.newDocID != "" {
		err := proto.PageRemoveScriptToEvaluateOnNewDocument{
			Identifier: g.newDocID,
		}.Call(g.tab.Page)
		if err != nil {
			g.logger.Warn("guard: remove new-document script", "error", err)
		}
		g.newDocID = ""
	}

	if g.armed {
		_, err := g.tab.Page.Context(ctx).Eval(
			`() => { window.__domguard_disarm && window.__domguard_disarm(); }`)
		if err != nil {
			g.logger.Warn("guard: disarm probe", "error", err)
		}
	}

	g.armed = false
	g.cancel()
	return nil
}

// Drop abandons the guard without touching the page. For tabs that are
// already gone: a closed tab or a recycled browser.
func (g *Guard) Drop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = false
	g.newDocID = ""
	g.cancel()
}

// TabKey returns the key of the guarded tab.
func (g *Guard) TabKey() string {
	return g.tab.Key()
}

// pushMap sets the blocked set the probe reads.
func (g *Guard) pushMap(ctx context.Context, m store.Map) error {
	_, err := g.tab.Page.Context(ctx).Eval(setupScript(m))
	if err != nil {
		return fmt.Errorf("guard: push blocked map: %w", err)
	}
	return nil
}

// registerNewDocLocked replaces the on-new-document script with one carrying
// the current map, so reloads come up already guarded.
func (g *Guard) registerNewDocLocked(ctx context.Context, m store.Map) error {
	page := g.tab.Page

	if g.newDocID != "" {
		err := proto.PageRemoveScriptToEvaluateOnNewDocument{
			Identifier: g.newDocID,
		}.Call(page)
		if err != nil {
			g.logger.Warn("guard: replace new-document script", "error", err)
		}
		g.newDocID = ""
	}

	res, err := proto.PageAddScriptToEvaluateOnNewDocument{
		Source: setupScript(m) + "\n" + string(guardJS),
	}.Call(page)
	if err != nil {
		return fmt.Errorf("guard: register new-document script: %w", err)
	}
	g.newDocID = res.Identifier
	return nil
}

// setupScript builds the statement that seeds the probe's blocked set.
func setupScript(m store.Map) string {
	raw, err := json.Marshal(m)
	if err != nil {
		raw = []byte("{}")
	}
	return fmt.Sprintf("window.__domguard_blocked = %s;", raw)
}

// listenBinding receives probe reports via Runtime.bindingCalled.
func (g *Guard) listenBinding() {
	page := g.tab.Page
	page.Context(g.ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != bindingName {
			return
		}
		for _, rep := range DecodeReports([]byte(e.Payload)) {
			g.logger.Debug("guard: report",
				"tab", g.tab.Key(), "op", rep.Op, "url", rep.URL, "phase", rep.Phase)
			if g.onReport != nil {
				g.onReport(rep)
			}
		}
	})()
}
