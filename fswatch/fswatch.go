// Package fswatch keeps static HTML files fixed. The directories are scanned
// once on start, then every created or written .html/.htm file is fixed
// again after the directory has been quiet for the debounce window. Files
// are only written when a pass replaced something, so the event caused by
// our own write leads to a pass that changes nothing.
package fswatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hazyhaar/embedfix/htmltree"
	"github.com/hazyhaar/embedfix/idgen"
	"github.com/hazyhaar/embedfix/metrics"
	"github.com/hazyhaar/embedfix/rebuild"
	"github.com/hazyhaar/embedfix/report"
	"github.com/hazyhaar/embedfix/sink"
)

// Config configures a Watcher.
type Config struct {
	Dirs       []string
	Extensions []string // default .html, .htm
	Debounce   time.Duration
	Rebuilder  *rebuild.Rebuilder
	Sink       sink.Sink
	Recorder   metrics.Recorder
	Logger     *slog.Logger
}

// Watcher fixes HTML files under a set of directories.
type Watcher struct {
	cfg  Config
	exts map[string]bool
	seq  atomic.Uint64

	mu    sync.Mutex
	dirty map[string]struct{}
	timer *time.Timer
	kick  chan struct{}
}

// New validates cfg.
func New(cfg Config) (*Watcher, error) {
	if cfg.Rebuilder == nil {
		return nil, errors.New("fswatch: a rebuilder is required")
	}
	if len(cfg.Dirs) == 0 {
		return nil, errors.New("fswatch: no directory to watch")
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = []string{".html", ".htm"}
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 300 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Recorder = metrics.OrNoop(cfg.Recorder)

	exts := make(map[string]bool, len(cfg.Extensions))
	for _, e := range cfg.Extensions {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = true
	}
	return &Watcher{
		cfg:   cfg,
		exts:  exts,
		dirty: make(map[string]struct{}),
		kick:  make(chan struct{}, 1),
	}, nil
}

// Run watches until ctx is done. The initial scan runs after the watches are
// in place so no write can fall between the two.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fswatch: %w", err)
	}
	defer fsw.Close()

	var files []string
	for _, dir := range w.cfg.Dirs {
		found, err := w.addTree(fsw, dir)
		if err != nil {
			return err
		}
		files = append(files, found...)
	}
	w.cfg.Logger.Info("fswatch: watching", "dirs", w.cfg.Dirs, "files", len(files))
	w.fixAll(ctx, files, rebuild.TriggerReady)

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.cfg.Logger.Warn("fswatch: watcher error", "error", err)
		case <-w.kick:
			w.fixAll(ctx, w.takeDirty(), rebuild.TriggerMutation)
		}
	}
}

func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	if ev.Has(fsnotify.Create) {
		if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
			found, err := w.addTree(fsw, ev.Name)
			if err != nil {
				w.cfg.Logger.Warn("fswatch: watch new directory", "dir", ev.Name, "error", err)
			}
			w.markDirty(found...)
			return
		}
	}
	if w.wanted(ev.Name) {
		w.markDirty(ev.Name)
	}
}

// addTree watches dir and its subdirectories and returns the HTML files
// found under it.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			if err := fsw.Add(path); err != nil {
				return fmt.Errorf("fswatch: watch %s: %w", path, err)
			}
			return nil
		}
		if w.wanted(path) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func (w *Watcher) wanted(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return w.exts[strings.ToLower(filepath.Ext(base))]
}

func (w *Watcher) markDirty(paths ...string) {
	if len(paths) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range paths {
		w.dirty[p] = struct{}{}
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.cfg.Debounce, func() {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	})
}

func (w *Watcher) takeDirty() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.dirty))
	for p := range w.dirty {
		out = append(out, p)
	}
	w.dirty = make(map[string]struct{})
	sort.Strings(out)
	return out
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) fixAll(ctx context.Context, files []string, trigger rebuild.Trigger) {
	for _, path := range files {
		if ctx.Err() != nil {
			return
		}
		if _, err := w.FixFile(ctx, path, trigger); err != nil {
			w.cfg.Logger.Warn("fswatch: fix file", "path", path, "error", err)
		}
	}
}

// FixFile runs one pass over a file and writes it back when something was
// replaced. A file removed in the meantime is not an error.
func (w *Watcher) FixFile(ctx context.Context, path string, trigger rebuild.Trigger) (rebuild.Result, error) {
	src, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return rebuild.Result{}, nil
	}
	if err != nil {
		return rebuild.Result{}, fmt.Errorf("fswatch: read: %w", err)
	}

	start := time.Now()
	out, res, err := htmltree.Rewrite(src, w.cfg.Rebuilder, w.cfg.Logger)
	if err != nil {
		return res, err
	}
	took := time.Since(start)
	w.cfg.Recorder.ObservePass("file", trigger, res, took)

	if !res.Changed() {
		return res, nil
	}
	if err := WriteFile(path, out); err != nil {
		return res, err
	}
	w.cfg.Logger.Info("fswatch: file fixed", "path", path, "rebuilt", len(res.Rebuilt), "trigger", trigger)

	if w.cfg.Sink != nil {
		pass := report.NewPass(idgen.Pass(), "file", path, "", w.seq.Add(1), trigger, res, took)
		if err := w.cfg.Sink.Send(ctx, pass); err != nil {
			w.cfg.Logger.Error("fswatch: send pass failed", "error", err)
		}
	}
	return res, nil
}

// WriteFile replaces path atomically with data, keeping its permissions.
func WriteFile(path string, data []byte) error {
	mode := fs.FileMode(0o644)
	if st, err := os.Stat(path); err == nil {
		mode = st.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".embedfix-*.tmp")
	if err != nil {
		return fmt.Errorf("fswatch: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("fswatch: write temp: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("fswatch: chmod temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("fswatch: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("fswatch: replace %s: %w", path, err)
	}
	return nil
}
