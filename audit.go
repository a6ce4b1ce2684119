// CLAUDE:SUMMARY Browserless audit: validated HTTP fetch of a page, static enumeration of its script sources.
package domguard

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hazyhaar/domguard/horosafe"
	"github.com/hazyhaar/domguard/internal/inspect"
)

const auditUserAgent = "domguard/1.0"

// Audit lists the external script sources of a page without a browser
// attached: the document is fetched over HTTP and parsed statically.
// Scripts inserted at runtime do not appear; attach a tab for those.
func (svc *Service) Audit(ctx context.Context, pageURL string) ([]inspect.Script, error) {
	return auditPage(ctx, svc.httpClient, svc.urlValidator, pageURL)
}

// AuditPage is the standalone form of Audit for callers without a Service,
// such as the audit CLI mode. A nil client gets a validating default.
func AuditPage(ctx context.Context, client *http.Client, pageURL string) ([]inspect.Script, error) {
	if client == nil {
		client = newAuditClient(horosafe.ValidateURL)
	}
	return auditPage(ctx, client, horosafe.ValidateURL, pageURL)
}

func auditPage(ctx context.Context, client *http.Client, validate func(string) error, pageURL string) ([]inspect.Script, error) {
	if err := validate(pageURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("domguard: audit request: %w", err)
	}
	req.Header.Set("User-Agent", auditUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("domguard: audit fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("domguard: audit fetch %s: status %d", pageURL, resp.StatusCode)
	}

	body, err := horosafe.LimitedReadAll(resp.Body, horosafe.MaxResponseBody)
	if err != nil {
		return nil, fmt.Errorf("domguard: audit read %s: %w", pageURL, err)
	}

	// Relative srcs resolve against the final URL, not the requested one.
	base := pageURL
	if resp.Request != nil && resp.Request.URL != nil {
		base = resp.Request.URL.String()
	}
	return inspect.Document(bytes.NewReader(body), base)
}

// newAuditClient builds an HTTP client that re-validates every redirect
// hop, so a public page cannot bounce the audit into a private address.
func newAuditClient(validate func(string) error) *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects (%d)", len(via))
			}
			if err := validate(req.URL.String()); err != nil {
				return fmt.Errorf("redirect blocked: %w", err)
			}
			return nil
		},
	}
}
