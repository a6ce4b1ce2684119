package domguard

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/hazyhaar/domguard/internal/store"
)

func TestSnapshot_Markdown(t *testing.T) {
	// WHAT: The markdown snapshot converts the tab's DOM, resolving links
	// against the page URL.
	// WHY: The capture must reflect the guarded document, not the network
	// copy of the page.
	ctx := context.Background()
	tab := pageTab("T1", "https://example.com/page")
	tab.html = `<html><body><h1>Title</h1><p>Hello <a href="/next">there</a></p></body></html>`
	svc := newTestService(&fakeBrowser{active: tab}, store.NewMemory())

	data, contentType, err := svc.Snapshot(ctx, "", FormatMarkdown)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !strings.HasPrefix(contentType, "text/markdown") {
		t.Errorf("content type: got %q", contentType)
	}
	md := string(data)
	if !strings.Contains(md, "# Title") {
		t.Errorf("markdown missing heading:\n%s", md)
	}
	if !strings.Contains(md, "https://example.com/next") {
		t.Errorf("relative link should resolve against the page URL:\n%s", md)
	}
}

func TestSnapshot_RejectsCorruptPDF(t *testing.T) {
	// WHAT: A print result that is not a valid PDF fails the snapshot.
	// WHY: A truncated print job must not leave as a valid-looking file.
	ctx := context.Background()
	tab := pageTab("T1", "https://example.com/page")
	tab.pdf = []byte("not a pdf at all")
	svc := newTestService(&fakeBrowser{active: tab}, store.NewMemory())

	if _, _, err := svc.Snapshot(ctx, "", FormatPDF); err == nil {
		t.Error("corrupt pdf should fail validation")
	}
}

func TestSnapshot_UnknownFormat(t *testing.T) {
	// WHAT: Unknown formats are invalid input.
	// WHY: The format picks the capture pipeline; there is no default here.
	ctx := context.Background()
	tab := pageTab("T1", "https://example.com/page")
	svc := newTestService(&fakeBrowser{active: tab}, store.NewMemory())

	_, _, err := svc.Snapshot(ctx, "", "docx")
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("error: got %v, want ErrInvalidInput", err)
	}
}
