package rebuild

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Trigger names what caused a pass.
type Trigger string

const (
	TriggerReady    Trigger = "ready"
	TriggerMutation Trigger = "mutation"
	TriggerManual   Trigger = "manual"
)

// PassFunc is called after every pass, on the loop goroutine.
type PassFunc func(trigger Trigger, res Result, took time.Duration)

// LoopConfig wires a Document's triggers into a Loop.
type LoopConfig struct {
	// Ready fires once, when the document is first usable. A send or a
	// close both count. After that the loop stops listening to it.
	Ready <-chan struct{}
	// Mutations fires once per batch of structural changes. Closing it
	// stops mutation-driven passes.
	Mutations <-chan struct{}
	// OnPass receives every pass result. Optional.
	OnPass PassFunc
	Logger *slog.Logger
}

// Loop owns a Document and serialises every pass over it on a single
// goroutine, so no two passes ever overlap. A pass that replaces elements
// usually causes the host to report a mutation, which leads to one more
// pass that finds every element already marked.
type Loop struct {
	rb     *Rebuilder
	doc    Document
	cfg    LoopConfig
	manual chan struct{}
	stop   chan struct{}
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	passes    atomic.Uint64
}

// NewLoop creates a Loop. Call Start to begin listening.
func NewLoop(rb *Rebuilder, doc Document, cfg LoopConfig) *Loop {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		rb:     rb,
		doc:    doc,
		cfg:    cfg,
		manual: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start registers both triggers. Calling it more than once has no effect.
func (l *Loop) Start() {
	l.startOnce.Do(func() { go l.run() })
}

// Stop tears the triggers down and waits for an in-flight pass to finish.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	// A loop that never started has no goroutine to close done.
	l.startOnce.Do(func() { close(l.done) })
	<-l.done
}

// Kick requests a pass outside of the host triggers. Requests made while a
// pass is pending are coalesced.
func (l *Loop) Kick() {
	select {
	case l.manual <- struct{}{}:
	default:
	}
}

// Passes returns the number of completed passes.
func (l *Loop) Passes() uint64 { return l.passes.Load() }

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) run() {
	defer close(l.done)

	ready := l.cfg.Ready
	mutations := l.cfg.Mutations

	for {
		// A pending ready wins over mutations and kicks queued at the same time.
		if ready != nil {
			select {
			case <-l.stop:
				return
			case <-ready:
				ready = nil
				l.pass(TriggerReady)
				continue
			default:
			}
		}

		select {
		case <-l.stop:
			return
		case <-ready:
			ready = nil
			l.pass(TriggerReady)
		case _, ok := <-mutations:
			if !ok {
				mutations = nil
				continue
			}
			l.pass(TriggerMutation)
		case <-l.manual:
			l.pass(TriggerManual)
		}
	}
}

func (l *Loop) pass(trigger Trigger) {
	start := time.Now()
	res, err := l.rb.Rebuild(l.doc)
	took := time.Since(start)
	l.passes.Add(1)

	if err != nil {
		l.cfg.Logger.Warn("rebuild: pass failed", "trigger", trigger, "error", err)
		return
	}
	if l.cfg.OnPass != nil {
		l.cfg.OnPass(trigger, res, took)
	}
}
