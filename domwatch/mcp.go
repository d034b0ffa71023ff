package domwatch

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/embedfix/kit"
)

// RegisterMCP exposes page observation as MCP tools:
// embedfix_observe, embedfix_unobserve, embedfix_kick and embedfix_pages.
func (w *Watcher) RegisterMCP(srv *mcp.Server) {
	w.registerObserveTool(srv)
	w.registerUnobserveTool(srv)
	w.registerKickTool(srv)
	w.registerPagesTool(srv)
}

type observeReq struct {
	URL          string `json:"url"`
	PageID       string `json:"page_id"`
	StealthLevel string `json:"stealth_level"`
}

func (w *Watcher) registerObserveTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "embedfix_observe",
		Description: "Open a page and keep its Elementor YouTube frames fixed. Static pages are rewritten once; dynamic pages are watched in a browser tab.",
		InputSchema: kit.InputSchema(map[string]any{
			"url":           map[string]any{"type": "string", "description": "Page URL"},
			"page_id":       map[string]any{"type": "string", "description": "Identifier used in reports (default: the URL)"},
			"stealth_level": map[string]any{"type": "string", "enum": []string{"auto", "0", "1", "2"}},
		}, "url"),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*observeReq)
		if r.URL == "" {
			return nil, errors.New("url is required")
		}
		page := PageConfig{ID: r.PageID, URL: r.URL, StealthLevel: r.StealthLevel}
		if page.ID == "" {
			page.ID = page.URL
		}
		// Observers outlive the tool call.
		level, err := w.ObservePage(w.baseContext(), page)
		if err != nil {
			return nil, err
		}
		return map[string]string{"status": "observing", "page_id": page.ID, "level": level.String()}, nil
	}

	kit.RegisterMCPTool(srv, tool, kit.Chain(kit.Logging(w.logger, tool.Name))(endpoint), kit.DecodeJSON[observeReq]())
}

type unobserveReq struct {
	PageID string `json:"page_id"`
}

func (w *Watcher) registerUnobserveTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "embedfix_unobserve",
		Description: "Stop watching a page opened in the browser.",
		InputSchema: kit.InputSchema(map[string]any{
			"page_id": map[string]any{"type": "string"},
		}, "page_id"),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*unobserveReq)
		return map[string]bool{"stopped": w.StopPage(r.PageID)}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[unobserveReq]())
}

type kickReq struct {
	PageID string `json:"page_id"`
}

func (w *Watcher) registerKickTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "embedfix_kick",
		Description: "Run a rebuild pass now on a page watched in the browser.",
		InputSchema: kit.InputSchema(map[string]any{
			"page_id": map[string]any{"type": "string"},
		}, "page_id"),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*kickReq)
		return map[string]bool{"kicked": w.Kick(r.PageID)}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[kickReq]())
}

func (w *Watcher) registerPagesTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "embedfix_pages",
		Description: "List pages currently watched in the browser with their completed pass counts.",
		InputSchema: kit.InputSchema(map[string]any{}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		return map[string]any{"pages": w.Pages()}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[struct{}]())
}

func (w *Watcher) baseContext() context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ctx
}
