package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/blockchat/internal/retrieval"
	"github.com/kalambet/blockchat/internal/thread"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *testEnv) {
	t.Helper()
	env := newTestEnv(t, &mockCompleter{})
	return MCPDeps{
		Threads: env.threads,
		Pages:   env.store,
		Search:  env.search,
	}, env
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func callTool(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), req mcp.CallToolRequest) *mcp.CallToolResult {
	t.Helper()
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return result
}

// --- tests ---

func TestMCPTool_ListThreads(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	a := env.appendMessage(t, thread.RoleUser, "q", thread.AppendOptions{})
	env.appendMessage(t, thread.RoleUser, "fork q", thread.AppendOptions{ThreadID: "fork-1", ReferenceID: a})

	result := callTool(t, mcpListThreads(deps), makeCallToolRequest("list_threads", map[string]interface{}{
		"page": "notes",
	}))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var got []ThreadSummary
	if err := json.Unmarshal([]byte(toolText(t, result)), &got); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 threads, got %d", len(got))
	}
	if got[1].ThreadID != "fork-1" || got[1].ReferenceID != a {
		t.Errorf("fork summary = %+v", got[1])
	}
}

func TestMCPTool_ListThreads_MissingPage(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result := callTool(t, mcpListThreads(deps), makeCallToolRequest("list_threads", map[string]interface{}{}))
	if !result.IsError {
		t.Fatal("expected error for missing page")
	}

	result = callTool(t, mcpListThreads(deps), makeCallToolRequest("list_threads", map[string]interface{}{
		"page": "no-such-page",
	}))
	if !result.IsError {
		t.Fatal("expected error for unknown page")
	}
}

func TestMCPTool_GetThread(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	q := env.appendMessage(t, thread.RoleUser, "q", thread.AppendOptions{})
	env.appendMessage(t, thread.RoleAssistant, "main answer", thread.AppendOptions{})
	env.appendMessage(t, thread.RoleAssistant, "fork answer", thread.AppendOptions{ThreadID: "fork-1", ReferenceID: q})

	tests := []struct {
		name string
		args map[string]interface{}
		want []string
	}{
		{"main by default", map[string]interface{}{"page": env.page.ID}, []string{"q", "main answer"}},
		{"fork", map[string]interface{}{"page": env.page.ID, "thread_id": "fork-1"}, []string{"q", "fork answer"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := callTool(t, mcpGetThread(deps), makeCallToolRequest("get_thread", tt.args))
			if result.IsError {
				t.Fatalf("unexpected error: %s", toolText(t, result))
			}
			var got ThreadView
			if err := json.Unmarshal([]byte(toolText(t, result)), &got); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if len(got.Messages) != len(tt.want) {
				t.Fatalf("got %d messages, want %d", len(got.Messages), len(tt.want))
			}
			for i, w := range tt.want {
				if got.Messages[i].Content != w {
					t.Errorf("message %d = %q, want %q", i, got.Messages[i].Content, w)
				}
			}
		})
	}
}

func TestMCPTool_GetThread_Unknown(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	result := callTool(t, mcpGetThread(deps), makeCallToolRequest("get_thread", map[string]interface{}{
		"page":      env.page.ID,
		"thread_id": "nope",
	}))
	if !result.IsError {
		t.Fatal("expected error for unknown thread")
	}
}

func TestMCPTool_ForkThread(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	a := env.appendMessage(t, thread.RoleUser, "q", thread.AppendOptions{})

	result := callTool(t, mcpForkThread(deps), makeCallToolRequest("fork_thread", map[string]interface{}{
		"page":               env.page.ID,
		"reference_block_id": a,
	}))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if len(toolText(t, result)) < 20 {
		t.Fatalf("expected thread id, got: %s", toolText(t, result))
	}

	result = callTool(t, mcpForkThread(deps), makeCallToolRequest("fork_thread", map[string]interface{}{
		"page":               env.page.ID,
		"reference_block_id": "nope",
	}))
	if !result.IsError {
		t.Fatal("expected error for unknown reference block")
	}
}

func TestMCPTool_SearchMessages(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	env.search.hits = []retrieval.Hit{
		{BlockID: "b1", PageID: "p1", Text: "Go is great", Score: 0.95},
		{BlockID: "b2", PageID: "p2", Text: "Prefer short answers", Score: 0.8},
	}

	result := callTool(t, mcpSearchMessages(deps), makeCallToolRequest("search_messages", map[string]interface{}{
		"query": "go",
		"limit": 500,
	}))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var hits []json.RawMessage
	if err := json.Unmarshal([]byte(toolText(t, result)), &hits); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if env.search.lastTopK != maxSearchLimit {
		t.Errorf("topK = %d, want %d", env.search.lastTopK, maxSearchLimit)
	}
}

func TestMCPTool_SearchMessages_Empty(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result := callTool(t, mcpSearchMessages(deps), makeCallToolRequest("search_messages", map[string]interface{}{
		"query": "anything",
	}))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if got := toolText(t, result); got != "[]" {
		t.Fatalf("expected '[]', got %s", got)
	}
}

func TestMCPTool_SearchMessages_Errors(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	env.search.err = errors.New("embedder down")

	result := callTool(t, mcpSearchMessages(deps), makeCallToolRequest("search_messages", map[string]interface{}{
		"query": "x",
	}))
	if !result.IsError || !strings.Contains(toolText(t, result), "embedder down") {
		t.Fatalf("expected search error, got %s", toolText(t, result))
	}

	deps.Search = nil
	result = callTool(t, mcpSearchMessages(deps), makeCallToolRequest("search_messages", map[string]interface{}{
		"query": "x",
	}))
	if !result.IsError {
		t.Fatal("expected error without a searcher")
	}
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	s := NewMCPServer(deps)

	tools := s.ListTools()
	for _, name := range []string{"list_threads", "get_thread", "fork_thread", "search_messages"} {
		if _, ok := tools[name]; !ok {
			t.Errorf("tool %s not registered", name)
		}
	}
}
