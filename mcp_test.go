package domguard

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/domguard/internal/inspect"
	"github.com/hazyhaar/domguard/internal/popup"
	"github.com/hazyhaar/domguard/internal/store"
)

var testImpl = &mcp.Implementation{Name: "domguard-test", Version: "0.1.0"}

// mcpSession registers the domguard tools on an in-memory MCP server and
// returns a connected client session.
func mcpSession(t *testing.T, svc *Service) *mcp.ClientSession {
	t.Helper()

	srv := mcp.NewServer(testImpl, nil)
	svc.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()

	go func() {
		_ = srv.Run(ctx, serverT)
	}()

	client := mcp.NewClient(testImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })

	return session
}

// callTool invokes a tool and returns the JSON text from the first TextContent.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if err := result.GetError(); err != nil {
		t.Fatalf("CallTool(%s) tool error: %v", name, err)
	}
	if len(result.Content) == 0 {
		t.Fatalf("CallTool(%s): empty content", name)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent, got %T", name, result.Content[0])
	}
	return tc.Text
}

func TestMCP_Popup(t *testing.T) {
	// WHAT: domguard_popup returns the popup view over MCP.
	// WHY: Agent callers get the same state machine output as the UI.
	tab := pageTab("T1", "https://example.com/page",
		inspect.Script{URL: "https://cdn.a/x.js", Name: "x.js"})
	svc := newTestService(&fakeBrowser{active: tab}, store.NewMemory())
	session := mcpSession(t, svc)

	text := callTool(t, session, "domguard_popup", map[string]any{})

	var v popup.View
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.State != popup.StateListed {
		t.Errorf("state: got %q, want %q", v.State, popup.StateListed)
	}
	if len(v.Rows) != 1 || v.Rows[0].URL != "https://cdn.a/x.js" {
		t.Errorf("rows: got %+v", v.Rows)
	}
}

func TestMCP_ToggleRoundTrip(t *testing.T) {
	// WHAT: domguard_toggle blocks a URL and returns the updated map.
	// WHY: The tool mirrors the checkbox, including the stored result.
	tab := pageTab("T1", "https://example.com/page")
	st := store.NewMemory()
	svc := newTestService(&fakeBrowser{active: tab}, st)
	session := mcpSession(t, svc)

	text := callTool(t, session, "domguard_toggle", map[string]any{
		"url":     "https://cdn.a/x.js",
		"blocked": true,
	})

	var m store.Map
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !m.Blocked("https://cdn.a/x.js") {
		t.Errorf("map: got %v", m)
	}

	stored, _ := st.Get(context.Background(), store.KeyFor("T1"))
	if !stored.Blocked("https://cdn.a/x.js") {
		t.Errorf("store: got %v", stored)
	}
}

func TestMCP_Toggle_InvalidURLIsToolError(t *testing.T) {
	// WHAT: A relative URL surfaces as a tool error, not a protocol error.
	// WHY: Endpoint failures must stay inside the tool result.
	tab := pageTab("T1", "https://example.com/page")
	svc := newTestService(&fakeBrowser{active: tab}, store.NewMemory())
	session := mcpSession(t, svc)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "domguard_toggle",
		Arguments: map[string]any{"url": "/app.js", "blocked": true},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.GetError() == nil {
		t.Error("expected a tool error for a relative URL")
	}
}

func TestMCP_Tabs(t *testing.T) {
	// WHAT: domguard_tabs lists attachable tabs.
	// WHY: Agents pick a tab before toggling.
	tab := pageTab("T1", "https://example.com/page")
	svc := newTestService(&fakeBrowser{tabs: map[string]*fakeTab{"T1": tab}}, store.NewMemory())
	session := mcpSession(t, svc)

	text := callTool(t, session, "domguard_tabs", map[string]any{})

	var infos []TabInfo
	if err := json.Unmarshal([]byte(text), &infos); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != "T1" {
		t.Errorf("tabs: got %+v", infos)
	}
}

func TestMCP_Refresh(t *testing.T) {
	// WHAT: domguard_refresh saves a map and reloads the tab.
	// WHY: One tool call covers the popup's save-and-refresh action.
	tab := pageTab("T1", "https://example.com/page")
	st := store.NewMemory()
	svc := newTestService(&fakeBrowser{active: tab}, st)
	session := mcpSession(t, svc)

	callTool(t, session, "domguard_refresh", map[string]any{
		"save":    true,
		"blocked": map[string]bool{"https://cdn.a/x.js": true},
	})

	stored, _ := st.Get(context.Background(), store.KeyFor("T1"))
	if !stored.Blocked("https://cdn.a/x.js") {
		t.Errorf("store: got %v", stored)
	}

	reloaded := false
	for _, c := range tab.calls {
		if c == "reload" {
			reloaded = true
		}
	}
	if !reloaded {
		t.Errorf("tab should reload, got calls %v", tab.calls)
	}
}

func TestMCP_Snapshot_Markdown(t *testing.T) {
	// WHAT: domguard_snapshot defaults to markdown and returns it verbatim.
	// WHY: Agents consume the guarded document as text.
	tab := pageTab("T1", "https://example.com/page")
	tab.html = `<html><body><h1>Captured</h1></body></html>`
	svc := newTestService(&fakeBrowser{active: tab}, store.NewMemory())
	session := mcpSession(t, svc)

	text := callTool(t, session, "domguard_snapshot", map[string]any{})

	var out struct {
		ContentType string `json:"content_type"`
		Data        string `json:"data"`
	}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.ContentType != "text/markdown; charset=utf-8" {
		t.Errorf("content type: got %q", out.ContentType)
	}
	if out.Data == "" || out.Data[0] != '#' {
		t.Errorf("data: got %q", out.Data)
	}
}
