// Command embedfix rebuilds Elementor YouTube frames wherever HTML lives:
// in files, behind a reverse proxy, in live browser tabs, or for MCP agents.
//
// Usage:
//
//	embedfix rewrite page.html -w             # fix files in place
//	cat page.html | embedfix rewrite          # stdin to stdout
//	embedfix fetch https://example.com        # GET, fix, print
//	embedfix watch ./public                   # keep a static tree fixed
//	embedfix observe --url https://example.com
//	embedfix serve --upstream http://origin:8081
//	embedfix mcp --browser
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/hazyhaar/embedfix/config"
	"github.com/hazyhaar/embedfix/rebuild"
	"github.com/hazyhaar/embedfix/sink"
)

var version = "dev"

// CLI is the root command line.
type CLI struct {
	Config   string           `short:"c" help:"Configuration file path (YAML)" type:"path"`
	LogLevel string           `name:"log-level" help:"Log level: debug, info, warn, error" default:"info" enum:"debug,info,warn,error"`
	Version  kong.VersionFlag `name:"version" help:"Show version and exit"`

	Rewrite RewriteCmd `cmd:"" help:"Fix HTML files, or stdin to stdout"`
	Fetch   FetchCmd   `cmd:"" help:"Fetch a page over HTTP and print the fixed markup"`
	Watch   WatchCmd   `cmd:"" help:"Keep the HTML files under directories fixed"`
	Observe ObserveCmd `cmd:"" help:"Keep live pages fixed in a browser"`
	Serve   ServeCmd   `cmd:"" help:"Run the rewriting reverse proxy and the rebuild API"`
	MCP     MCPCmd     `cmd:"" name:"mcp" help:"Serve the MCP tools over stdio"`
}

// Globals is what every command's Run receives.
type Globals struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config *config.Config
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("embedfix"),
		kong.Description("Rebuild Elementor YouTube frames into clean embeds."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	logger := newLogger(cli.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		logger.Error("embedfix: load config", "error", err)
		os.Exit(1)
	}

	err = kctx.Run(&Globals{Ctx: ctx, Logger: logger, Config: cfg})
	if err != nil {
		logger.Error("embedfix: fatal", "command", kctx.Command(), "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// rebuilder builds the Rebuilder from the rebuild section.
func (g *Globals) rebuilder() (*rebuild.Rebuilder, error) {
	rb, err := rebuild.New(g.Config.Rebuild.Options(), g.Logger)
	if err != nil {
		return nil, fmt.Errorf("rebuild options: %w", err)
	}
	return rb, nil
}

// sinks builds the configured sinks. With none configured, fallback is
// used when non-nil.
func (g *Globals) sinks(fallback sink.Sink) []sink.Sink {
	var out []sink.Sink
	for _, sc := range g.Config.Sinks {
		switch sc.Type {
		case "stdout":
			out = append(out, sink.NewStdout(os.Stdout))
		case "webhook":
			out = append(out, sink.NewWebhook(sc.URL, sink.WithWebhookLogger(g.Logger)))
		}
	}
	if len(out) == 0 && fallback != nil {
		out = append(out, fallback)
	}
	return out
}
