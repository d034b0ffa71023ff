// Package observer keeps one browser tab fixed: it exposes the tab as a
// rebuild.Document, turns DOM events into mutation triggers and emits a
// report for every pass that replaced something.
package observer

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/embedfix/domwatch/internal/browser"
	"github.com/hazyhaar/embedfix/idgen"
	"github.com/hazyhaar/embedfix/metrics"
	"github.com/hazyhaar/embedfix/rebuild"
	"github.com/hazyhaar/embedfix/report"
	"github.com/hazyhaar/embedfix/sink"
)

// observerJS is a function expression installing a MutationObserver that
// calls the binding on every structural change.
//
//go:embed observer.js
var observerJS string

const bindingName = "__embedfix_binding"

// Config for creating an Observer.
type Config struct {
	Tab              *browser.Tab
	Rebuilder        *rebuild.Rebuilder
	Sink             sink.Sink
	Recorder         metrics.Recorder
	DebounceWindow   time.Duration
	DebounceMax      int
	SnapshotInterval time.Duration
	Logger           *slog.Logger
}

// Observer manages one tab.
type Observer struct {
	tab    *browser.Tab
	rb     *rebuild.Rebuilder
	sink   sink.Sink
	rec    metrics.Recorder
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	rawCh      chan source
	docResetCh chan struct{}
	ready      chan struct{}
	mutations  chan struct{}

	debouncer *debouncer
	loop      *rebuild.Loop

	seq         atomic.Uint64
	snapshotRef atomic.Value // string

	snapshotInterval time.Duration
}

// New creates an Observer for the given tab. ctx bounds its lifetime.
func New(ctx context.Context, cfg Config) *Observer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = time.Hour
	}

	ctx, cancel := context.WithCancel(ctx)
	o := &Observer{
		tab:              cfg.Tab,
		rb:               cfg.Rebuilder,
		sink:             cfg.Sink,
		rec:              metrics.OrNoop(cfg.Recorder),
		logger:           cfg.Logger.With("url", cfg.Tab.PageURL, "page_id", cfg.Tab.PageID),
		ctx:              ctx,
		cancel:           cancel,
		rawCh:            make(chan source, 4096),
		docResetCh:       make(chan struct{}, 1),
		ready:            make(chan struct{}),
		mutations:        make(chan struct{}, 1),
		snapshotInterval: cfg.SnapshotInterval,
	}
	o.debouncer = newDebouncer(debounceConfig{
		Window:    cfg.DebounceWindow,
		MaxBuffer: cfg.DebounceMax,
	}, o.onFlush)
	o.loop = rebuild.NewLoop(o.rb, &pageDoc{ctx: ctx, page: o.tab.Page}, rebuild.LoopConfig{
		Ready:     o.ready,
		Mutations: o.mutations,
		OnPass:    o.onPass,
		Logger:    o.logger,
	})
	return o
}

// Start subscribes to DOM changes, loads the page and fires the ready
// trigger once it has loaded. Changes made while the page is still loading
// are not lost: the observer is installed before navigation.
func (o *Observer) Start() error {
	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(o.tab.Page); err != nil {
		return fmt.Errorf("observer: add binding: %w", err)
	}
	if _, err := o.tab.Page.EvalOnNewDocument("(" + observerJS + ")()"); err != nil {
		return fmt.Errorf("observer: install mutation observer: %w", err)
	}
	go o.listenBinding()
	go o.listenCDP()

	o.loop.Start()
	go o.run()

	if err := o.tab.Load(o.ctx); err != nil {
		o.Stop()
		return err
	}
	if err := o.trackDOM(); err != nil {
		o.logger.Warn("observer: DOM tracking unavailable, relying on the page observer", "error", err)
	}
	close(o.ready)
	return nil
}

// Stop ends observation and closes the tab. In-flight passes are aborted.
func (o *Observer) Stop() {
	o.cancel()
	o.loop.Stop()
	if err := o.tab.Close(); err != nil {
		o.logger.Debug("observer: close tab", "error", err)
	}
}

// Kick forces a pass.
func (o *Observer) Kick() { o.loop.Kick() }

// Passes returns the number of completed passes.
func (o *Observer) Passes() uint64 { return o.loop.Passes() }

// trackDOM requests the whole tree so CDP reports inserts at any depth.
func (o *Observer) trackDOM() error {
	depth := -1
	doc, err := proto.DOMGetDocument{Depth: &depth, Pierce: false}.Call(o.tab.Page)
	if err != nil {
		return fmt.Errorf("DOM.getDocument: %w", err)
	}
	o.logger.Debug("observer: DOM tracking initialised", "root", doc.Root.NodeID)
	return nil
}

func (o *Observer) run() {
	snapTicker := time.NewTicker(o.snapshotInterval)
	defer snapTicker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case src := <-o.rawCh:
			o.debouncer.add(src)
		case <-o.debouncer.timerC():
			o.debouncer.flush()
		case <-o.docResetCh:
			o.handleDocReset()
		case <-snapTicker.C:
			o.emitSnapshot()
		}
	}
}

func (o *Observer) onFlush(batch map[source]int) {
	o.logger.Debug("observer: mutation batch", "cdp", batch[sourceCDP], "js", batch[sourceJS])
	o.notify()
}

func (o *Observer) notify() {
	select {
	case o.mutations <- struct{}{}:
	default:
	}
}

// onPass runs on the loop goroutine after each pass.
func (o *Observer) onPass(trigger rebuild.Trigger, res rebuild.Result, took time.Duration) {
	o.rec.ObservePass("browser", trigger, res, took)

	if res.Changed() {
		ref, _ := o.snapshotRef.Load().(string)
		pass := report.NewPass(idgen.Pass(), "browser", o.tab.PageURL, o.tab.PageID,
			o.seq.Add(1), trigger, res, took)
		pass.SnapshotRef = ref
		if err := o.sink.Send(o.ctx, pass); err != nil {
			o.logger.Error("observer: send pass failed", "error", err)
		}
		o.logger.Info("observer: frames rebuilt", "trigger", trigger, "count", len(res.Rebuilt))
	}
	if trigger == rebuild.TriggerReady {
		o.emitSnapshot()
	}
}

func (o *Observer) emitSnapshot() {
	html, err := o.tab.HTML(o.ctx)
	if err != nil {
		o.logger.Error("observer: get DOM for snapshot", "error", err)
		return
	}

	snap := report.Snapshot{
		ID:        idgen.Snapshot(),
		PageURL:   o.tab.PageURL,
		PageID:    o.tab.PageID,
		HTML:      html,
		HTMLHash:  report.HashHTML(html),
		Timestamp: time.Now().UnixMilli(),
	}
	o.snapshotRef.Store(snap.ID)

	if err := o.sink.SendSnapshot(o.ctx, snap); err != nil {
		o.logger.Error("observer: send snapshot failed", "error", err)
	}
	o.logger.Info("observer: snapshot emitted", "id", snap.ID, "size", len(html))
}
