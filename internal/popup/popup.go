// CLAUDE:SUMMARY Builds the popup view: script rows with blocked flags, or one of the info/error states.
// Package popup builds the view the popup UI renders: one row per external
// script with its blocked flag, or an info state when there is nothing to
// list. Page-controlled text (titles, display names) is reduced to plain
// text before it leaves the service; script URLs are passed through
// verbatim because they are the blocked-map keys.
package popup

import (
	"html"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/domguard/internal/browser"
	"github.com/hazyhaar/domguard/internal/inspect"
	"github.com/hazyhaar/domguard/internal/store"
)

// View states.
const (
	StateListed = "listed" // rows carry the scripts
	StateEmpty  = "empty"  // page has no external scripts
	StateNoTab  = "no_tab" // nothing to attach to
	StateError  = "error"  // page exists but cannot be inspected
)

// Messages shown for non-listed states.
const (
	MsgNoScripts      = "No external JS files found."
	MsgNoActiveTab    = "No active tab found."
	MsgNotInspectable = "Cannot inspect this page."
)

var strict = bluemonday.StrictPolicy()

// Row is one script entry in the popup.
type Row struct {
	URL     string `json:"url"`
	Name    string `json:"name"`
	Blocked bool   `json:"blocked"`
}

// Tab identifies the inspected tab in the view.
type Tab struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// View is the complete popup state.
type View struct {
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
	Tab     *Tab   `json:"tab,omitempty"`
	Rows    []Row  `json:"rows"`
}

// Build assembles the view for an inspected tab. Scripts keep their
// enumeration order; zero scripts yields the empty state.
func Build(tab browser.TabInfo, scripts []inspect.Script, m store.Map) View {
	v := View{
		Tab:  viewTab(tab),
		Rows: make([]Row, 0, len(scripts)),
	}
	for _, s := range scripts {
		v.Rows = append(v.Rows, Row{
			URL:     s.URL,
			Name:    plainText(s.Name),
			Blocked: m.Blocked(s.URL),
		})
	}
	if len(v.Rows) == 0 {
		v.State = StateEmpty
		v.Message = MsgNoScripts
		return v
	}
	v.State = StateListed
	return v
}

// NoActiveTab is the view when no tab could be resolved.
func NoActiveTab() View {
	return View{State: StateNoTab, Message: MsgNoActiveTab, Rows: []Row{}}
}

// NotInspectable is the view for pages that refuse injected script.
func NotInspectable(tab browser.TabInfo) View {
	return View{
		State:   StateError,
		Message: MsgNotInspectable,
		Tab:     viewTab(tab),
		Rows:    []Row{},
	}
}

func viewTab(tab browser.TabInfo) *Tab {
	return &Tab{ID: tab.ID, URL: tab.URL, Title: plainText(tab.Title)}
}

// plainText strips markup and restores entities, leaving display text.
func plainText(s string) string {
	return html.UnescapeString(strict.Sanitize(s))
}
