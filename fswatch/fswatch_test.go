package fswatch

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/embedfix/rebuild"
	"github.com/hazyhaar/embedfix/report"
	"github.com/hazyhaar/embedfix/sink"
)

func pageWith(id string) []byte {
	return []byte(`<!DOCTYPE html><html><body><iframe class="elementor-video" src="https://www.youtube.com/embed/` + id + `"></iframe></body></html>`)
}

type passLog struct {
	mu     sync.Mutex
	passes []report.Pass
}

func (l *passLog) sink() sink.Sink {
	return sink.NewCallback(func(_ context.Context, p report.Pass) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.passes = append(l.passes, p)
		return nil
	}, nil)
}

func (l *passLog) snapshot() []report.Pass {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]report.Pass(nil), l.passes...)
}

func fixed(path string) bool {
	data, err := os.ReadFile(path)
	return err == nil && bytes.Contains(data, []byte(`data-yt-fixed="1"`))
}

func TestRun_ScanThenWatch(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "index.html")
	require.NoError(t, os.WriteFile(existing, pageWith("first"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), pageWith("ignored"), 0o644))

	log := &passLog{}
	w, err := New(Config{
		Dirs:      []string{dir},
		Debounce:  20 * time.Millisecond,
		Rebuilder: rebuild.Default(nil),
		Sink:      log.sink(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	require.Eventually(t, func() bool { return fixed(existing) }, 2*time.Second, 10*time.Millisecond)
	st, err := os.Stat(existing)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm(), "permissions kept")

	sub := filepath.Join(dir, "blog")
	require.NoError(t, os.Mkdir(sub, 0o755))
	late := filepath.Join(sub, "post.htm")
	require.NoError(t, os.WriteFile(late, pageWith("late"), 0o644))
	require.Eventually(t, func() bool { return fixed(late) }, 3*time.Second, 10*time.Millisecond)

	txt, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, string(pageWith("ignored")), string(txt))

	// Our own writes converge: one changed pass per file, nothing after.
	time.Sleep(150 * time.Millisecond)
	passes := log.snapshot()
	require.Len(t, passes, 2)
	assert.Equal(t, rebuild.TriggerReady, passes[0].Trigger)
	assert.Equal(t, existing, passes[0].PageURL)
	assert.Equal(t, rebuild.TriggerMutation, passes[1].Trigger)
	assert.Equal(t, late, passes[1].PageURL)
}

func TestFixFile_UnchangedIsNotWritten(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.html")
	src := []byte(`<html><body><p>nothing here</p></body></html>`)
	require.NoError(t, os.WriteFile(path, src, 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	w, err := New(Config{Dirs: []string{dir}, Rebuilder: rebuild.Default(nil)})
	require.NoError(t, err)

	res, err := w.FixFile(context.Background(), path, rebuild.TriggerManual)
	require.NoError(t, err)
	assert.False(t, res.Changed())

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, st.ModTime().Equal(old), "file left alone")
}

func TestFixFile_Missing(t *testing.T) {
	w, err := New(Config{Dirs: []string{t.TempDir()}, Rebuilder: rebuild.Default(nil)})
	require.NoError(t, err)
	_, err = w.FixFile(context.Background(), filepath.Join(t.TempDir(), "gone.html"), rebuild.TriggerMutation)
	assert.NoError(t, err)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Dirs: []string{"."}})
	assert.Error(t, err)
	_, err = New(Config{Rebuilder: rebuild.Default(nil)})
	assert.Error(t, err)

	w, err := New(Config{Dirs: []string{"."}, Rebuilder: rebuild.Default(nil), Extensions: []string{"XHTML"}})
	require.NoError(t, err)
	assert.True(t, w.wanted("/a/b/page.xhtml"))
	assert.False(t, w.wanted("/a/b/page.html"))
	assert.False(t, w.wanted("/a/.hidden.xhtml"))
}
