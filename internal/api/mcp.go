package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/blockchat/internal/chat"
	"github.com/kalambet/blockchat/internal/thread"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Threads *thread.Service
	Pages   PageResolver
	Search  chat.Searcher // optional; if nil, search_messages returns an error
}

// NewMCPServer creates an MCP server exposing the threads of chat pages.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"blockchat",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("blockchat stores AI conversations as blocks of a page. Each page holds a main thread and any number of forks."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_threads",
			mcp.WithDescription("List the threads of a page with their fork point and integrity."),
			mcp.WithString("page", mcp.Description("Page id or name"), mcp.Required()),
		),
		mcpListThreads(deps),
	)

	s.AddTool(
		mcp.NewTool("get_thread",
			mcp.WithDescription("Return the messages of one thread, including the history inherited from the threads it forked from."),
			mcp.WithString("page", mcp.Description("Page id or name"), mcp.Required()),
			mcp.WithString("thread_id", mcp.Description("Thread id; omit for the main thread")),
		),
		mcpGetThread(deps),
	)

	s.AddTool(
		mcp.NewTool("fork_thread",
			mcp.WithDescription("Allocate a new thread id forking after the given block. The fork is created by the first message sent into it."),
			mcp.WithString("page", mcp.Description("Page id or name"), mcp.Required()),
			mcp.WithString("reference_block_id", mcp.Description("Block the new thread continues from"), mcp.Required()),
		),
		mcpForkThread(deps),
	)

	s.AddTool(
		mcp.NewTool("search_messages",
			mcp.WithDescription("Semantically search indexed chat messages across pages."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			mcp.WithString("page", mcp.Description("Restrict results to one page id")),
		),
		mcpSearchMessages(deps),
	)

	return s
}

func (deps MCPDeps) resolvePage(ctx context.Context, ref string) (string, error) {
	if deps.Pages == nil {
		return ref, nil
	}
	p, err := deps.Pages.ResolvePage(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolving page %s: %w", ref, err)
	}
	return p.ID, nil
}

func mcpListThreads(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ref, err := req.RequireString("page")
		if err != nil {
			return mcpError("page is required"), nil
		}
		page, err := deps.resolvePage(ctx, ref)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		threads, err := deps.Threads.GetAllThreadsInPage(ctx, page)
		if err != nil {
			return mcpError(fmt.Sprintf("listing threads failed: %v", err)), nil
		}
		return mcpJSON(summarizeThreads(threads))
	}
}

func mcpGetThread(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ref, err := req.RequireString("page")
		if err != nil {
			return mcpError("page is required"), nil
		}
		page, err := deps.resolvePage(ctx, ref)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		t, err := deps.Threads.GetThreadByThreadID(ctx, req.GetString("thread_id", thread.MainThread), page)
		if err != nil {
			return mcpError(fmt.Sprintf("loading thread failed: %v", err)), nil
		}
		return mcpJSON(viewThread(t))
	}
}

func mcpForkThread(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ref, err := req.RequireString("page")
		if err != nil {
			return mcpError("page is required"), nil
		}
		blockID, err := req.RequireString("reference_block_id")
		if err != nil {
			return mcpError("reference_block_id is required"), nil
		}
		page, err := deps.resolvePage(ctx, ref)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		id, err := deps.Threads.ForkThread(ctx, blockID, page)
		if err != nil {
			return mcpError(fmt.Sprintf("fork failed: %v", err)), nil
		}
		return mcpText(id), nil
	}
}

func mcpSearchMessages(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Search == nil {
			return mcpError("search not available: no embedding model configured"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		hits, err := deps.Search.Search(ctx, query, clampLimit(req.GetInt("limit", defaultSearchLimit)), req.GetString("page", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(hits) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(hits)
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
