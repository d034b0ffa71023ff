package main

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/embedfix/config"
	"github.com/hazyhaar/embedfix/sink"
)

const frame = `<iframe class="elementor-video" src="https://www.youtube.com/embed/abc?feature=oembed"></iframe>`

func testGlobals(t *testing.T) *Globals {
	t.Helper()
	return &Globals{
		Ctx:    context.Background(),
		Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
		Config: config.Default(),
	}
}

func TestRewriteStream(t *testing.T) {
	g := testGlobals(t)
	rb, err := g.rebuilder()
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, rewriteStream(rb, g, strings.NewReader(frame), &out))
	assert.Contains(t, out.String(), `data-yt-fixed="1"`)
	assert.Contains(t, out.String(), "embed/abc?rel=0&amp;playsinline=1")
}

func TestRewriteCmd_InPlace(t *testing.T) {
	g := testGlobals(t)
	dir := t.TempDir()
	fixed := filepath.Join(dir, "a.html")
	clean := filepath.Join(dir, "b.html")
	require.NoError(t, os.WriteFile(fixed, []byte(frame), 0o640))
	require.NoError(t, os.WriteFile(clean, []byte("<p>none</p>"), 0o644))

	cmd := &RewriteCmd{Files: []string{fixed, clean}, InPlace: true}
	require.NoError(t, cmd.Run(g))

	data, err := os.ReadFile(fixed)
	require.NoError(t, err)
	assert.Contains(t, string(data), `data-yt-fixed="1"`)
	st, err := os.Stat(fixed)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), st.Mode().Perm())

	data, err = os.ReadFile(clean)
	require.NoError(t, err)
	assert.Equal(t, "<p>none</p>", string(data))
}

func TestRebuilder_RejectsBadOptions(t *testing.T) {
	g := testGlobals(t)
	g.Config.Rebuild.ClassMarker = "two words"
	_, err := g.rebuilder()
	require.Error(t, err)
}

func TestSinks(t *testing.T) {
	g := testGlobals(t)
	fallback := sink.NewStdout(&bytes.Buffer{})

	got := g.sinks(fallback)
	require.Len(t, got, 1)
	assert.Same(t, fallback, got[0])
	assert.Empty(t, g.sinks(nil))

	g.Config.Sinks = []config.SinkConfig{
		{Type: "stdout"},
		{Type: "webhook", URL: "http://127.0.0.1:1/hook"},
	}
	got = g.sinks(fallback)
	require.Len(t, got, 2)
	assert.IsType(t, &sink.Stdout{}, got[0])
	assert.IsType(t, &sink.Webhook{}, got[1])
}

func TestNewLogger(t *testing.T) {
	ctx := context.Background()
	assert.True(t, newLogger("debug").Enabled(ctx, slog.LevelDebug))
	assert.False(t, newLogger("info").Enabled(ctx, slog.LevelDebug))
	assert.False(t, newLogger("ERROR").Enabled(ctx, slog.LevelWarn))
}

func TestFetchCmd(t *testing.T) {
	page := "<!DOCTYPE html><html><body><main><p>" + strings.Repeat("Lorem ipsum dolor sit amet. ", 20) + "</p>" + frame + "</main></body></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(page))
	}))
	defer srv.Close()
	g := testGlobals(t)

	out := filepath.Join(t.TempDir(), "fixed.html")
	require.NoError(t, (&FetchCmd{URL: srv.URL, Output: out, MaxBody: 1 << 20}).Run(g))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(got), `data-yt-fixed="1"`)

	err = (&FetchCmd{URL: srv.URL, Output: out, MaxBody: 64}).Run(g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--max-body")
}

func TestRewriteStream_ConfiguredTagAndMarker(t *testing.T) {
	g := testGlobals(t)
	g.Config.Rebuild.TagName = "amp-iframe"
	g.Config.Rebuild.MarkerValue = "yes"
	rb, err := g.rebuilder()
	require.NoError(t, err)

	src := `<amp-iframe class="elementor-video" src="https://www.youtube.com/embed/abc"></amp-iframe>` + frame
	var out bytes.Buffer
	require.NoError(t, rewriteStream(rb, g, strings.NewReader(src), &out))
	assert.Contains(t, out.String(), `<amp-iframe class="elementor-video"`)
	assert.Contains(t, out.String(), `data-yt-fixed="yes"`)
	assert.Contains(t, out.String(), `feature=oembed`, "plain iframes are left alone")
}
