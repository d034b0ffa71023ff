// Package mcpserver exposes the rebuild operation as MCP tools so agents can
// fix or inspect markup without a browser.
package mcpserver

import (
	"context"
	"errors"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/embedfix/htmltree"
	"github.com/hazyhaar/embedfix/kit"
	"github.com/hazyhaar/embedfix/metrics"
	"github.com/hazyhaar/embedfix/rebuild"
)

// Implementation identifies the server to clients.
var Implementation = &mcp.Implementation{Name: "embedfix", Version: "1.0.0"}

// NewServer returns an MCP server with the embedfix tools registered.
func NewServer(rb *rebuild.Rebuilder, rec metrics.Recorder, logger *slog.Logger) *mcp.Server {
	srv := mcp.NewServer(Implementation, nil)
	Register(srv, rb, rec, logger)
	return srv
}

// Register adds embedfix_rebuild and embedfix_inspect to srv.
func Register(srv *mcp.Server, rb *rebuild.Rebuilder, rec metrics.Recorder, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &tools{rb: rb, rec: metrics.OrNoop(rec), logger: logger}
	t.registerRebuild(srv)
	t.registerInspect(srv)
}

type tools struct {
	rb     *rebuild.Rebuilder
	rec    metrics.Recorder
	logger *slog.Logger
}

// --- rebuild ---

type rebuildReq struct {
	HTML string `json:"html"`
}

type rebuildResp struct {
	HTML    string                 `json:"html"`
	Rebuilt []rebuild.Replacement  `json:"rebuilt"`
	Skipped map[rebuild.Reason]int `json:"skipped"`
}

func (t *tools) registerRebuild(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "embedfix_rebuild",
		Description: "Rebuild the Elementor YouTube iframes of an HTML document or fragment and return the fixed markup. Frames already fixed are left alone.",
		InputSchema: kit.InputSchema(map[string]any{
			"html": map[string]any{"type": "string", "description": "HTML document or fragment"},
		}, "html"),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*rebuildReq)
		if r.HTML == "" {
			return nil, errors.New("html is required")
		}
		out, res, err := htmltree.Rewrite([]byte(r.HTML), t.rb, t.logger)
		if err != nil {
			return nil, err
		}
		t.rec.ObservePass("mcp", rebuild.TriggerManual, res, 0)

		resp := rebuildResp{HTML: string(out), Rebuilt: res.Rebuilt, Skipped: res.Skipped}
		if resp.Rebuilt == nil {
			resp.Rebuilt = []rebuild.Replacement{}
		}
		if resp.Skipped == nil {
			resp.Skipped = map[rebuild.Reason]int{}
		}
		return resp, nil
	}

	kit.RegisterMCPTool(srv, tool, kit.Chain(kit.Logging(t.logger, tool.Name))(endpoint), kit.DecodeJSON[rebuildReq]())
}

// --- inspect ---

type inspectReq struct {
	Src string `json:"src"`
}

type inspectResp struct {
	Qualifies  bool           `json:"qualifies"`
	Identifier string         `json:"identifier,omitempty"`
	Locator    string         `json:"locator,omitempty"`
	Reason     rebuild.Reason `json:"reason,omitempty"`
}

func (t *tools) registerInspect(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "embedfix_inspect",
		Description: "Tell whether a frame src would be rebuilt, and into which locator.",
		InputSchema: kit.InputSchema(map[string]any{
			"src": map[string]any{"type": "string", "description": "The iframe src attribute"},
		}, "src"),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*inspectReq)
		rep, reason := t.rb.Plan(srcOnly(r.Src))
		if reason != rebuild.Qualified {
			return inspectResp{Reason: reason}, nil
		}
		return inspectResp{Qualifies: true, Identifier: rep.Identifier, Locator: rep.Src}, nil
	}

	kit.RegisterMCPTool(srv, tool, kit.Chain(kit.Logging(t.logger, tool.Name))(endpoint), kit.DecodeJSON[inspectReq]())
}

// srcOnly is an unmarked element carrying only a src.
type srcOnly string

func (s srcOnly) Attr(name string) (string, bool) {
	if name == "src" && s != "" {
		return string(s), true
	}
	return "", false
}

func (srcOnly) Replace(rebuild.Replacement) error {
	return errors.New("mcpserver: inspect never replaces")
}
