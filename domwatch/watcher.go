// Package domwatch keeps live web pages fixed. For each configured page it
// either rewrites the static HTML once (stealth level 0) or drives a Chrome
// tab whose video frames are rebuilt on load and after every DOM change.
//
// Reports about each pass go to sinks (stdout, webhook, callback).
package domwatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/embedfix/domwatch/internal/browser"
	"github.com/hazyhaar/embedfix/domwatch/internal/observer"
	"github.com/hazyhaar/embedfix/fetcher"
	"github.com/hazyhaar/embedfix/htmltree"
	"github.com/hazyhaar/embedfix/idgen"
	"github.com/hazyhaar/embedfix/metrics"
	"github.com/hazyhaar/embedfix/rebuild"
	"github.com/hazyhaar/embedfix/report"
	"github.com/hazyhaar/embedfix/sink"
)

// Watcher is the top-level orchestrator. It owns the browser, one observer
// per browser-backed page, and the sink router.
type Watcher struct {
	cfg   *Config
	rb    *rebuild.Rebuilder
	mgr   *browser.Manager
	fetch *fetcher.Fetcher
	sinkR *sink.Router
	rec   metrics.Recorder

	mu        sync.Mutex
	ctx       context.Context
	browserUp bool
	observers map[string]pageObserver
	livePages map[string]livePage
	open      func(PageConfig, browser.StealthLevel) (pageObserver, error)
	httpSeq   atomic.Uint64
	logger    *slog.Logger
}

// pageObserver is the part of observer.Observer the Watcher drives.
type pageObserver interface {
	Stop()
	Kick()
	Passes() uint64
}

type livePage struct {
	cfg   PageConfig
	level browser.StealthLevel
}

// New creates a Watcher. Chrome is only launched once a page needs it.
func New(cfg *Config, rb *rebuild.Rebuilder, logger *slog.Logger, sinks ...sink.Sink) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	level := browser.LevelHeadless
	if cfg.Browser.Stealth == "headful" {
		level = browser.LevelHeadful
	}
	for _, p := range cfg.Pages {
		if p.StealthLevel == "2" {
			level = browser.LevelHeadful
		}
	}

	mgr := browser.NewManager(browser.Config{
		RemoteURL:        cfg.Browser.Remote,
		MemoryLimit:      cfg.Browser.MemoryLimit,
		RecycleInterval:  cfg.Browser.RecycleInterval,
		ResourceBlocking: cfg.Browser.ResourceBlocking,
		Stealth:          level,
		XvfbDisplay:      cfg.Browser.XvfbDisplay,
		Logger:           logger,
	})

	w := &Watcher{
		cfg:       cfg,
		rb:        rb,
		mgr:       mgr,
		fetch:     fetcher.New(fetcher.WithRebuilder(rb), fetcher.WithLogger(logger)),
		sinkR:     sink.NewRouter(logger, sinks...),
		rec:       metrics.NoopRecorder{},
		ctx:       context.Background(),
		observers: make(map[string]pageObserver),
		livePages: make(map[string]livePage),
		logger:    logger,
	}
	w.open = w.openTab
	return w
}

// SetRecorder routes pass metrics to r.
func (w *Watcher) SetRecorder(r metrics.Recorder) {
	w.rec = metrics.OrNoop(r)
}

// Start fixes every configured page. A page that fails is logged and
// skipped. ctx bounds the lifetime of observers and the browser monitor.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()

	for _, page := range w.cfg.Pages {
		if _, err := w.ObservePage(ctx, page); err != nil {
			w.logger.Error("domwatch: failed to observe page", "url", page.URL, "error", err)
		}
	}
	return nil
}

// ObservePage fixes a single page and returns the acquisition level used.
func (w *Watcher) ObservePage(ctx context.Context, page PageConfig) (browser.StealthLevel, error) {
	if page.ID == "" {
		page.ID = page.URL
	}
	level, fetched, err := w.resolve(ctx, page)
	if err != nil {
		return level, err
	}
	if level == browser.LevelHTTP {
		return level, w.fixHTTP(ctx, page, fetched)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ensureBrowserLocked(); err != nil {
		return level, err
	}
	if old, ok := w.observers[page.ID]; ok {
		old.Stop()
		delete(w.observers, page.ID)
		delete(w.livePages, page.ID)
	}
	if err := w.openLocked(page, level); err != nil {
		return level, err
	}
	w.livePages[page.ID] = livePage{cfg: page, level: level}
	return level, nil
}

// StopPage stops observing a page. It reports whether the page was observed.
func (w *Watcher) StopPage(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	obs, ok := w.observers[id]
	if !ok {
		return false
	}
	obs.Stop()
	delete(w.observers, id)
	delete(w.livePages, id)
	return true
}

// PageStatus describes a browser-observed page.
type PageStatus struct {
	ID     string `json:"page_id"`
	Passes uint64 `json:"passes"`
}

// Pages lists browser-observed pages sorted by ID.
func (w *Watcher) Pages() []PageStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]PageStatus, 0, len(w.observers))
	for id, obs := range w.observers {
		out = append(out, PageStatus{ID: id, Passes: obs.Passes()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Kick forces a manual pass on an observed page. It reports whether the
// page was observed.
func (w *Watcher) Kick(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	obs, ok := w.observers[id]
	if ok {
		obs.Kick()
	}
	return ok
}

// Stop shuts down all observers, the sinks and the browser.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for id, obs := range w.observers {
		obs.Stop()
		w.logger.Info("domwatch: stopped observer", "id", id)
	}
	w.observers = make(map[string]pageObserver)

	w.sinkR.Close()
	w.mgr.Close()
}

// resolve picks the acquisition level. For auto it fetches over HTTP first
// and stays there only when the served HTML already carries frames; the
// fetched result is handed back so it is not refetched.
func (w *Watcher) resolve(ctx context.Context, page PageConfig) (browser.StealthLevel, *fetcher.Result, error) {
	level, err := browser.ParseLevel(page.StealthLevel)
	if err != nil {
		return level, nil, err
	}
	if level != browser.LevelAuto {
		return level, nil, nil
	}

	res, err := w.fetch.Fetch(ctx, page.URL, page.ID)
	if err != nil {
		w.logger.Warn("domwatch: auto-detect fetch failed, escalating to headless",
			"url", page.URL, "error", err)
		return browser.LevelHeadless, nil, nil
	}
	if res.Verdict != fetcher.VerdictStatic {
		w.logger.Info("domwatch: static HTML not enough, escalating to headless",
			"url", page.URL, "verdict", res.Verdict)
		return browser.LevelHeadless, nil, nil
	}
	return browser.LevelHTTP, res, nil
}

// fixHTTP rewrites the static HTML once and reports the result.
func (w *Watcher) fixHTTP(ctx context.Context, page PageConfig, fetched *fetcher.Result) error {
	if fetched == nil {
		var err error
		if fetched, err = w.fetch.Fetch(ctx, page.URL, page.ID); err != nil {
			return err
		}
	}

	start := time.Now()
	out, res, err := htmltree.Rewrite(fetched.Snapshot.HTML, w.rb, w.logger)
	if err != nil {
		return fmt.Errorf("domwatch: rewrite %s: %w", page.URL, err)
	}
	took := time.Since(start)
	w.rec.ObservePass("http", rebuild.TriggerReady, res, took)

	snap := fetched.Snapshot
	snap.HTML = out
	snap.HTMLHash = report.HashHTML(out)
	if err := w.sinkR.SendSnapshot(ctx, snap); err != nil {
		return err
	}

	if res.Changed() {
		pass := report.NewPass(idgen.Pass(), "http", page.URL, page.ID, w.httpSeq.Add(1),
			rebuild.TriggerReady, res, took)
		pass.SnapshotRef = snap.ID
		if err := w.sinkR.Send(ctx, pass); err != nil {
			return err
		}
	}

	w.logger.Info("domwatch: HTTP page fixed",
		"url", page.URL, "rebuilt", len(res.Rebuilt), "size", len(out))
	return nil
}

func (w *Watcher) ensureBrowserLocked() error {
	if w.browserUp {
		return nil
	}
	if _, err := w.mgr.Start(w.ctx); err != nil {
		return fmt.Errorf("domwatch: start browser: %w", err)
	}
	w.mgr.SetRecycleCallback(&browser.RecycleCallback{
		BeforeRecycle: w.stopObservers,
		AfterRecycle:  func(*rod.Browser) { w.reconnectObservers() },
	})
	w.browserUp = true
	return nil
}

func (w *Watcher) openLocked(page PageConfig, level browser.StealthLevel) error {
	obs, err := w.open(page, level)
	if err != nil {
		return err
	}
	w.observers[page.ID] = obs
	w.logger.Info("domwatch: observing page", "url", page.URL, "id", page.ID, "stealth", level)
	return nil
}

// openTab opens a browser tab for page and starts its observer.
func (w *Watcher) openTab(page PageConfig, level browser.StealthLevel) (pageObserver, error) {
	tab, err := browser.OpenTab(w.mgr, page.URL, page.ID, level)
	if err != nil {
		return nil, fmt.Errorf("domwatch: open tab: %w", err)
	}

	obs := observer.New(w.ctx, observer.Config{
		Tab:              tab,
		Rebuilder:        w.rb,
		Sink:             w.sinkR,
		Recorder:         w.rec,
		DebounceWindow:   w.cfg.Debounce.Window,
		DebounceMax:      w.cfg.Debounce.MaxBuffer,
		SnapshotInterval: page.SnapshotInterval,
		Logger:           w.logger,
	})
	if err := obs.Start(); err != nil {
		return nil, fmt.Errorf("domwatch: start observer: %w", err)
	}
	return obs, nil
}

func (w *Watcher) stopObservers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, obs := range w.observers {
		obs.Stop()
	}
	w.observers = make(map[string]pageObserver)
}

// reconnectObservers reopens every browser-backed page after a relaunch.
// Each reopened page gets a fresh ready pass.
func (w *Watcher) reconnectObservers() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for id, lp := range w.livePages {
		if err := w.openLocked(lp.cfg, lp.level); err != nil {
			w.logger.Error("domwatch: reconnect observer failed", "id", id, "error", err)
		}
	}
}
