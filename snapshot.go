// CLAUDE:SUMMARY Guarded-page capture: DOM to Markdown, or Chrome print-to-PDF validated through pdfcpu.
package domguard

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Snapshot formats.
const (
	FormatMarkdown = "markdown"
	FormatPDF      = "pdf"
)

// Snapshot captures the current document of a tab, blocked scripts
// removed, as Markdown or PDF. It returns the payload and its content
// type.
func (svc *Service) Snapshot(ctx context.Context, tabKey, format string) ([]byte, string, error) {
	tab, info, err := svc.resolveTab(ctx, tabKey)
	if err != nil {
		return nil, "", err
	}

	switch format {
	case FormatMarkdown:
		data, err := svc.snapshotMarkdown(ctx, tab, info)
		return data, "text/markdown; charset=utf-8", err
	case FormatPDF:
		data, err := svc.snapshotPDF(ctx, tab)
		return data, "application/pdf", err
	default:
		return nil, "", fmt.Errorf("%w: format %q (want %q or %q)",
			ErrInvalidInput, format, FormatMarkdown, FormatPDF)
	}
}

func (svc *Service) snapshotMarkdown(ctx context.Context, tab Tab, info TabInfo) ([]byte, error) {
	ectx, cancel := svc.evalCtx(ctx)
	defer cancel()

	html, err := tab.HTML(ectx)
	if err != nil {
		return nil, fmt.Errorf("domguard: snapshot dom: %w", err)
	}

	md, err := svc.mdConverter.ConvertString(html, converter.WithDomain(info.URL))
	if err != nil {
		return nil, fmt.Errorf("domguard: convert markdown: %w", err)
	}
	return []byte(strings.TrimSpace(md) + "\n"), nil
}

// snapshotPDF prints the tab through Chrome, then round-trips the result
// through pdfcpu so a truncated print job cannot leave as a valid-looking
// file.
func (svc *Service) snapshotPDF(ctx context.Context, tab Tab) ([]byte, error) {
	raw, err := tab.PDF(ctx)
	if err != nil {
		return nil, fmt.Errorf("domguard: snapshot print: %w", err)
	}

	pdfCtx, err := api.ReadValidateAndOptimize(bytes.NewReader(raw), model.NewDefaultConfiguration())
	if err != nil {
		return nil, fmt.Errorf("domguard: validate pdf: %w", err)
	}

	var buf bytes.Buffer
	if err := api.WriteContext(pdfCtx, &buf); err != nil {
		return nil, fmt.Errorf("domguard: write pdf: %w", err)
	}
	return buf.Bytes(), nil
}
