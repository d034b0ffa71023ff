package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/embedfix/config"
	"github.com/hazyhaar/embedfix/domwatch"
	"github.com/hazyhaar/embedfix/fetcher"
	"github.com/hazyhaar/embedfix/fswatch"
	"github.com/hazyhaar/embedfix/htmltree"
	"github.com/hazyhaar/embedfix/idgen"
	"github.com/hazyhaar/embedfix/mcpserver"
	"github.com/hazyhaar/embedfix/metrics"
	"github.com/hazyhaar/embedfix/proxy"
	"github.com/hazyhaar/embedfix/rebuild"
	"github.com/hazyhaar/embedfix/sink"
)

// RewriteCmd implements 'rewrite'.
type RewriteCmd struct {
	Files   []string `arg:"" optional:"" type:"existingfile" help:"HTML files; stdin when none"`
	InPlace bool     `short:"w" help:"Write results back to the files instead of stdout"`
}

func (c *RewriteCmd) Run(g *Globals) error {
	rb, err := g.rebuilder()
	if err != nil {
		return err
	}
	if len(c.Files) == 0 {
		return rewriteStream(rb, g, os.Stdin, os.Stdout)
	}
	for _, path := range c.Files {
		src, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out, res, err := htmltree.Rewrite(src, rb, g.Logger)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		g.Logger.Info("rewrite", "path", path, "rebuilt", len(res.Rebuilt), "skipped", res.SkippedTotal())
		if !c.InPlace {
			if _, err := os.Stdout.Write(out); err != nil {
				return err
			}
			continue
		}
		if res.Changed() {
			if err := fswatch.WriteFile(path, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func rewriteStream(rb *rebuild.Rebuilder, g *Globals, r io.Reader, w io.Writer) error {
	src, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	out, res, err := htmltree.Rewrite(src, rb, g.Logger)
	if err != nil {
		return err
	}
	g.Logger.Info("rewrite", "rebuilt", len(res.Rebuilt), "skipped", res.SkippedTotal())
	_, err = w.Write(out)
	return err
}

// FetchCmd implements 'fetch'.
type FetchCmd struct {
	URL       string        `arg:"" help:"Page URL"`
	Output    string        `short:"o" help:"Write the fixed page to this file instead of stdout" type:"path"`
	UserAgent string        `name:"user-agent" help:"User-Agent header"`
	Timeout   time.Duration `help:"Request timeout" default:"30s"`
	MaxBody   int64         `name:"max-body" help:"Largest body accepted, in bytes" default:"10485760"`
}

func (c *FetchCmd) Run(g *Globals) error {
	rb, err := g.rebuilder()
	if err != nil {
		return err
	}
	opts := []fetcher.Option{
		fetcher.WithRebuilder(rb),
		fetcher.WithMaxBody(c.MaxBody),
		fetcher.WithLogger(g.Logger),
	}
	if c.UserAgent != "" {
		opts = append(opts, fetcher.WithUserAgent(c.UserAgent))
	}

	ctx := g.Ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	res, err := fetcher.New(opts...).Fetch(ctx, c.URL, idgen.New())
	if err != nil {
		return err
	}
	switch res.Verdict {
	case fetcher.VerdictTruncated:
		return fmt.Errorf("fetch: %s: body larger than %d bytes, raise --max-body", c.URL, c.MaxBody)
	case fetcher.VerdictShell, fetcher.VerdictDeferred:
		g.Logger.Warn("fetch: frames are created by scripts, try 'observe'", "url", c.URL, "verdict", res.Verdict)
	}

	out, pass, err := htmltree.Rewrite(res.Snapshot.HTML, rb, g.Logger)
	if err != nil {
		return err
	}
	g.Logger.Info("fetch", "url", c.URL, "status", res.StatusCode, "verdict", res.Verdict,
		"frames", res.Frames, "rebuilt", len(pass.Rebuilt), "skipped", pass.SkippedTotal())

	if c.Output != "" {
		return fswatch.WriteFile(c.Output, out)
	}
	_, err = os.Stdout.Write(out)
	return err
}

// WatchCmd implements 'watch'.
type WatchCmd struct {
	Dirs []string `arg:"" optional:"" type:"existingdir" help:"Directories to watch; watch.dirs from the config when none"`
}

func (c *WatchCmd) Run(g *Globals) error {
	rb, err := g.rebuilder()
	if err != nil {
		return err
	}
	dirs := c.Dirs
	if len(dirs) == 0 {
		dirs = g.Config.Watch.Dirs
	}
	router := sink.NewRouter(g.Logger, g.sinks(nil)...)
	defer router.Close()

	w, err := fswatch.New(fswatch.Config{
		Dirs:       dirs,
		Extensions: g.Config.Watch.Extensions,
		Debounce:   g.Config.Watch.Debounce,
		Rebuilder:  rb,
		Sink:       router,
		Logger:     g.Logger,
	})
	if err != nil {
		return err
	}
	return w.Run(g.Ctx)
}

// ObserveCmd implements 'observe'.
type ObserveCmd struct {
	URL   string `help:"Observe a single URL instead of the configured pages"`
	Level string `help:"Stealth level for --url: auto, 0, 1 or 2" default:"auto" enum:"auto,0,1,2"`
}

func (c *ObserveCmd) Run(g *Globals) error {
	rb, err := g.rebuilder()
	if err != nil {
		return err
	}
	cfg := *g.Config
	if c.URL != "" {
		cfg.Pages = []config.PageConfig{{
			ID:               idgen.New(),
			URL:              c.URL,
			StealthLevel:     c.Level,
			SnapshotInterval: time.Hour,
		}}
	}
	if len(cfg.Pages) == 0 {
		return fmt.Errorf("observe: no page configured, pass --url or add pages to the config")
	}

	w := domwatch.New(&cfg, rb, g.Logger, g.sinks(sink.NewStdout(os.Stdout))...)
	if err := w.Start(g.Ctx); err != nil {
		return err
	}
	<-g.Ctx.Done()
	w.Stop()
	return nil
}

// ServeCmd implements 'serve'.
type ServeCmd struct {
	Listen   string `help:"Listen address; proxy.listen from the config when empty"`
	Upstream string `help:"Origin base URL; proxy.upstream from the config when empty"`
}

func (c *ServeCmd) Run(g *Globals) error {
	rb, err := g.rebuilder()
	if err != nil {
		return err
	}
	listen, upstream := c.Listen, c.Upstream
	if listen == "" {
		listen = g.Config.Proxy.Listen
	}
	if upstream == "" {
		upstream = g.Config.Proxy.Upstream
	}

	rec := metrics.NewPrometheusRecorder(nil)
	router := sink.NewRouter(g.Logger, g.sinks(nil)...)
	defer router.Close()

	srv, err := proxy.New(proxy.Config{
		Upstream:     upstream,
		MaxBodyBytes: g.Config.Proxy.MaxBodyBytes,
		Rebuilder:    rb,
		Recorder:     rec,
		Metrics:      rec.Handler(),
		Sink:         router,
		Logger:       g.Logger,
	})
	if err != nil {
		return err
	}
	return srv.ListenAndServe(g.Ctx, listen)
}

// MCPCmd implements 'mcp'.
type MCPCmd struct {
	Browser bool `help:"Also expose the live page tools, backed by a browser"`
}

func (c *MCPCmd) Run(g *Globals) error {
	rb, err := g.rebuilder()
	if err != nil {
		return err
	}
	srv := mcpserver.NewServer(rb, nil, g.Logger)

	if c.Browser {
		// stdout carries the protocol
		var sinks []sink.Sink
		for _, s := range g.sinks(nil) {
			if _, ok := s.(*sink.Stdout); !ok {
				sinks = append(sinks, s)
			}
		}
		w := domwatch.New(g.Config, rb, g.Logger, sinks...)
		if err := w.Start(g.Ctx); err != nil {
			return err
		}
		defer w.Stop()
		w.RegisterMCP(srv)
	}
	return srv.Run(g.Ctx, &mcp.StdioTransport{})
}
