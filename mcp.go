// CLAUDE:SUMMARY MCP tool surface: popup, toggle, tabs, open, refresh, audit and snapshot as MCP tools.
package domguard

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/domguard/internal/store"
	"github.com/hazyhaar/domguard/kit"
)

// RegisterMCP registers all domguard tools on an MCP server.
func (svc *Service) RegisterMCP(srv *mcp.Server) {
	svc.registerPopup(srv)
	svc.registerToggle(srv)
	svc.registerTabs(srv)
	svc.registerOpen(srv)
	svc.registerRefresh(srv)
	svc.registerAudit(srv)
	svc.registerSnapshot(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// mcpContext tags tool calls from transports that do not stamp their own
// identity, like stdio. QUIC sessions arrive already tagged.
func mcpContext(ctx context.Context) context.Context {
	if ctx.Value(kit.TransportKey) == nil {
		ctx = kit.WithTransport(ctx, "mcp")
	}
	return ctx
}

func (svc *Service) registerPopup(srv *mcp.Server) {
	type req struct {
		Tab string `json:"tab"`
	}

	tool := &mcp.Tool{
		Name:        "domguard_popup",
		Description: "List the external script sources of a tab with their blocked flags",
		InputSchema: inputSchema(map[string]any{
			"tab": map[string]any{"type": "string", "description": "Tab ID; empty for the active tab"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.Popup(ctx, p.Tab)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p, EnrichCtx: mcpContext}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerToggle(srv *mcp.Server) {
	type req struct {
		Tab     string `json:"tab"`
		URL     string `json:"url"`
		Blocked bool   `json:"blocked"`
	}

	tool := &mcp.Tool{
		Name:        "domguard_toggle",
		Description: "Block or unblock one script URL in a tab; blocking removes matching script elements from the live page",
		InputSchema: inputSchema(map[string]any{
			"tab":     map[string]any{"type": "string", "description": "Tab ID; empty for the active tab"},
			"url":     map[string]any{"type": "string", "description": "Absolute script URL"},
			"blocked": map[string]any{"type": "boolean", "description": "true to block, false to unblock"},
		}, []string{"url", "blocked"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.Toggle(ctx, p.Tab, p.URL, p.Blocked)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p, EnrichCtx: mcpContext}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerTabs(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "domguard_tabs",
		Description: "List attachable browser tabs",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		return svc.Tabs(ctx)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if len(r.Params.Arguments) > 0 {
			if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &p, EnrichCtx: mcpContext}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerOpen(srv *mcp.Server) {
	type req struct {
		URL string `json:"url"`
	}

	tool := &mcp.Tool{
		Name:        "domguard_open",
		Description: "Open a URL in a new guarded tab; its blocked map is enforced from the first document on",
		InputSchema: inputSchema(map[string]any{
			"url": map[string]any{"type": "string", "description": "Page URL to open"},
		}, []string{"url"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.Open(ctx, p.URL)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p, EnrichCtx: mcpContext}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerRefresh(srv *mcp.Server) {
	type req struct {
		Tab     string          `json:"tab"`
		Save    bool            `json:"save"`
		Blocked map[string]bool `json:"blocked"`
	}

	tool := &mcp.Tool{
		Name:        "domguard_refresh",
		Description: "Reload a tab with its blocked map enforced; optionally save a full map first",
		InputSchema: inputSchema(map[string]any{
			"tab":     map[string]any{"type": "string", "description": "Tab ID; empty for the active tab"},
			"save":    map[string]any{"type": "boolean", "description": "Save the given map before reloading"},
			"blocked": map[string]any{"type": "object", "description": "Blocked map: absolute script URL to true"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if err := svc.Refresh(ctx, p.Tab, p.Save, store.Map(p.Blocked)); err != nil {
			return nil, err
		}
		return map[string]string{"status": "reloaded"}, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p, EnrichCtx: mcpContext}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerAudit(srv *mcp.Server) {
	type req struct {
		URL string `json:"url"`
	}

	tool := &mcp.Tool{
		Name:        "domguard_audit",
		Description: "List the script sources of a page by fetching it over HTTP, without a browser",
		InputSchema: inputSchema(map[string]any{
			"url": map[string]any{"type": "string", "description": "Page URL to audit"},
		}, []string{"url"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.Audit(ctx, p.URL)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p, EnrichCtx: mcpContext}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerSnapshot(srv *mcp.Server) {
	type req struct {
		Tab    string `json:"tab"`
		Format string `json:"format"`
	}
	type resp struct {
		ContentType string `json:"content_type"`
		// Markdown is returned verbatim; PDF bytes are base64.
		Data string `json:"data"`
	}

	tool := &mcp.Tool{
		Name:        "domguard_snapshot",
		Description: "Capture a tab's guarded document as markdown or pdf",
		InputSchema: inputSchema(map[string]any{
			"tab":    map[string]any{"type": "string", "description": "Tab ID; empty for the active tab"},
			"format": map[string]any{"type": "string", "description": "markdown or pdf (default markdown)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		format := p.Format
		if format == "" {
			format = FormatMarkdown
		}
		data, contentType, err := svc.Snapshot(ctx, p.Tab, format)
		if err != nil {
			return nil, err
		}
		out := resp{ContentType: contentType}
		if format == FormatPDF {
			out.Data = base64.StdEncoding.EncodeToString(data)
		} else {
			out.Data = string(data)
		}
		return out, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p, EnrichCtx: mcpContext}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
