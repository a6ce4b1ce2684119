// CLAUDE:SUMMARY Enumerates external script URLs: live CDP probe on a tab, static HTML parser for audits.
// Package inspect enumerates the external scripts a page loads: every
// <script> element carrying a src attribute, as absolute URLs.
//
// The live path evaluates a probe in an attached tab, so the browser itself
// resolves relative URLs. The static path parses fetched HTML and resolves
// against the page URL, for audits that never attach.
package inspect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/domguard/internal/browser"
)

// ErrNotInspectable is returned for pages domguard cannot script, like
// chrome:// and about: pages.
var ErrNotInspectable = errors.New("inspect: page cannot be inspected")

// Script is one external script reference.
type Script struct {
	// URL is the absolute script URL, the key in blocked maps.
	URL string `json:"url"`
	// Name is the display name: the last path segment of the URL.
	Name string `json:"name"`
}

// enumScripts collects the resolved src of every external script element.
const enumScripts = `() => Array.from(document.querySelectorAll("script[src]")).map(s => s.src)`

// Inspectable reports whether a page with the given URL can be scripted.
func Inspectable(pageURL string) error {
	u, err := url.Parse(pageURL)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrNotInspectable, pageURL)
	}
	switch u.Scheme {
	case "http", "https", "file":
		return nil
	}
	return fmt.Errorf("%w: scheme %q", ErrNotInspectable, u.Scheme)
}

// Page enumerates external scripts in an attached tab. A page with no
// external scripts yields an empty slice and no error.
func Page(ctx context.Context, tab *browser.Tab) ([]Script, error) {
	info, err := tab.Info(ctx)
	if err != nil {
		return nil, err
	}
	if err := Inspectable(info.URL); err != nil {
		return nil, err
	}

	res, err := tab.Page.Context(ctx).Eval(enumScripts)
	if err != nil {
		return nil, fmt.Errorf("inspect: enumerate scripts: %w", err)
	}

	var urls []string
	for _, v := range res.Value.Arr() {
		urls = append(urls, v.Str())
	}
	return build(urls), nil
}

// Document enumerates external scripts in raw HTML, resolving relative
// src attributes against base.
func Document(r io.Reader, base string) ([]Script, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("inspect: base url %q: %w", base, err)
	}

	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("inspect: parse html: %w", err)
	}

	var urls []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Script {
			if src := attrVal(n, "src"); src != "" {
				if ref, err := url.Parse(src); err == nil {
					urls = append(urls, baseURL.ResolveReference(ref).String())
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return build(urls), nil
}

func attrVal(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

// build dedups URLs preserving first-seen order and derives display names.
func build(urls []string) []Script {
	seen := make(map[string]bool, len(urls))
	out := make([]Script, 0, len(urls))
	for _, u := range urls {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, Script{URL: u, Name: scriptName(u)})
	}
	return out
}

// scriptName derives a display name: the last path segment, the host when
// the path has none, or the raw URL as a last resort.
func scriptName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	path := strings.TrimSuffix(u.Path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[i+1:]
	}
	if path != "" {
		return path
	}
	if u.Host != "" {
		return u.Host
	}
	return rawURL
}
