package domwatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/embedfix/config"
	"github.com/hazyhaar/embedfix/domwatch/internal/browser"
	"github.com/hazyhaar/embedfix/fetcher"
	"github.com/hazyhaar/embedfix/rebuild"
	"github.com/hazyhaar/embedfix/report"
	"github.com/hazyhaar/embedfix/sink"
)

const filler = `<p>Lorem ipsum dolor sit amet, consectetur adipiscing elit. Sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat.</p>
<p>Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum.</p>`

func staticPage(body string) string {
	return "<!DOCTYPE html><html><head><title>t</title></head><body><main>" + filler + body + "</main></body></html>"
}

type collected struct {
	mu     sync.Mutex
	passes []report.Pass
	snaps  []report.Snapshot
}

func (c *collected) sink() sink.Sink {
	return sink.NewCallback(
		func(_ context.Context, p report.Pass) error {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.passes = append(c.passes, p)
			return nil
		},
		func(_ context.Context, s report.Snapshot) error {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.snaps = append(c.snaps, s)
			return nil
		},
	)
}

func serve(t *testing.T, pages map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newWatcher(t *testing.T, out *collected) *Watcher {
	t.Helper()
	w := New(config.Default(), rebuild.Default(nil), nil, out.sink())
	t.Cleanup(w.Stop)
	return w
}

func TestObservePage_HTTPLevelRewritesAndReports(t *testing.T) {
	srv := serve(t, map[string]string{
		"/video": staticPage(`<iframe class="elementor-video" src="https://www.youtube.com/embed/abc?feature=oembed"></iframe>`),
	})
	out := &collected{}
	w := newWatcher(t, out)

	level, err := w.ObservePage(context.Background(), PageConfig{URL: srv.URL + "/video", StealthLevel: "0"})
	require.NoError(t, err)
	assert.Equal(t, browser.LevelHTTP, level)

	require.Len(t, out.snaps, 1)
	assert.Contains(t, string(out.snaps[0].HTML), `data-yt-fixed="1"`)
	assert.Equal(t, report.HashHTML(out.snaps[0].HTML), out.snaps[0].HTMLHash)

	require.Len(t, out.passes, 1)
	p := out.passes[0]
	assert.Equal(t, "http", p.Host)
	assert.Equal(t, srv.URL+"/video", p.PageID, "page ID defaults to the URL")
	assert.Equal(t, rebuild.TriggerReady, p.Trigger)
	assert.Equal(t, uint64(1), p.Seq)
	assert.Equal(t, out.snaps[0].ID, p.SnapshotRef)
	require.Len(t, p.Rebuilt, 1)
	assert.Equal(t, "abc", p.Rebuilt[0].Identifier)
}

func TestObservePage_NothingToFixSendsOnlySnapshot(t *testing.T) {
	srv := serve(t, map[string]string{"/plain": staticPage("")})
	out := &collected{}
	w := newWatcher(t, out)

	_, err := w.ObservePage(context.Background(), PageConfig{URL: srv.URL + "/plain", StealthLevel: "0"})
	require.NoError(t, err)
	assert.Len(t, out.snaps, 1)
	assert.Empty(t, out.passes)
}

func TestResolve_Auto(t *testing.T) {
	srv := serve(t, map[string]string{
		"/static": staticPage(`<iframe class="elementor-video" src="https://www.youtube.com/embed/x"></iframe>`),
		"/noframe": staticPage(""),
		"/lazy":    staticPage(`<div class="elementor-widget elementor-widget-video"><div class="elementor-wrapper"></div></div>`),
		"/spa":     `<!DOCTYPE html><html><body><div id="root"></div><script src="/app.js"></script></body></html>`,
	})
	w := newWatcher(t, &collected{})
	ctx := context.Background()

	cases := []struct {
		path    string
		want    browser.StealthLevel
		fetched bool
	}{
		{"/static", browser.LevelHTTP, true},
		{"/noframe", browser.LevelHeadless, false},
		{"/lazy", browser.LevelHeadless, false},
		{"/spa", browser.LevelHeadless, false},
		{"/missing", browser.LevelHeadless, false},
	}
	for _, c := range cases {
		level, res, err := w.resolve(ctx, PageConfig{URL: srv.URL + c.path, StealthLevel: "auto"})
		require.NoError(t, err, c.path)
		assert.Equal(t, c.want, level, c.path)
		assert.Equal(t, c.fetched, res != nil, c.path)
		if res != nil {
			assert.Equal(t, fetcher.VerdictStatic, res.Verdict, c.path)
			assert.Equal(t, 1, res.Pending, c.path)
		}
	}
}

func TestResolve_Explicit(t *testing.T) {
	w := newWatcher(t, &collected{})
	level, res, err := w.resolve(context.Background(), PageConfig{URL: "http://unused", StealthLevel: "2"})
	require.NoError(t, err)
	assert.Equal(t, browser.LevelHeadful, level)
	assert.Nil(t, res)

	_, _, err = w.resolve(context.Background(), PageConfig{URL: "http://unused", StealthLevel: "7"})
	assert.Error(t, err)
}

func TestRegisterMCP(t *testing.T) {
	srv := serve(t, map[string]string{
		"/video": staticPage(`<iframe class="elementor-video" src="https://www.youtube.com/embed/abc"></iframe>`),
	})
	out := &collected{}
	w := newWatcher(t, out)

	server := mcp.NewServer(&mcp.Implementation{Name: "domwatch-test", Version: "0.1.0"}, nil)
	w.RegisterMCP(server)
	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = server.Run(ctx, serverT) }()

	cs, err := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "0.1.0"}, nil).Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })

	call := func(name string, args map[string]any) string {
		res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
		require.NoError(t, err)
		require.False(t, res.IsError, name)
		return res.Content[0].(*mcp.TextContent).Text
	}

	got := call("embedfix_observe", map[string]any{"url": srv.URL + "/video", "page_id": "home", "stealth_level": "0"})
	assert.JSONEq(t, `{"status":"observing","page_id":"home","level":"http"}`, got)
	assert.Len(t, out.passes, 1)

	assert.JSONEq(t, `{"pages":[]}`, call("embedfix_pages", map[string]any{}))
	assert.JSONEq(t, `{"stopped":false}`, call("embedfix_unobserve", map[string]any{"page_id": "home"}))
	assert.JSONEq(t, `{"kicked":false}`, call("embedfix_kick", map[string]any{"page_id": "home"}))
	assert.True(t, strings.HasPrefix(out.passes[0].ID, "pass_"))

	tab := &fakeObserver{passes: 3}
	w.mu.Lock()
	w.observers["tab"] = tab
	w.mu.Unlock()
	assert.JSONEq(t, `{"kicked":true}`, call("embedfix_kick", map[string]any{"page_id": "tab"}))
	assert.Equal(t, 1, tab.kicks)
	assert.JSONEq(t, `{"pages":[{"page_id":"tab","passes":3}]}`, call("embedfix_pages", map[string]any{}))
}

type fakeObserver struct {
	stops  int
	kicks  int
	passes uint64
}

func (f *fakeObserver) Stop()          { f.stops++ }
func (f *fakeObserver) Kick()          { f.kicks++ }
func (f *fakeObserver) Passes() uint64 { return f.passes }

func TestObservePage_FailedReopenDropsPreviousObserver(t *testing.T) {
	w := newWatcher(t, &collected{})
	page := PageConfig{ID: "home", URL: "http://unused", StealthLevel: "1"}

	old := &fakeObserver{}
	w.browserUp = true
	w.observers["home"] = old
	w.livePages["home"] = livePage{cfg: page, level: browser.LevelHeadless}
	w.open = func(PageConfig, browser.StealthLevel) (pageObserver, error) {
		return nil, errors.New("tab crashed")
	}

	_, err := w.ObservePage(context.Background(), page)
	require.Error(t, err)
	assert.Equal(t, 1, old.stops)
	assert.Empty(t, w.Pages())
	assert.False(t, w.StopPage("home"))
	assert.NotContains(t, w.livePages, "home")

	w.Stop()
	assert.Equal(t, 1, old.stops, "a replaced observer is not stopped again")
}

func TestObservePage_ReopenReplacesObserver(t *testing.T) {
	w := newWatcher(t, &collected{})
	page := PageConfig{ID: "home", URL: "http://unused", StealthLevel: "1"}

	old, fresh := &fakeObserver{}, &fakeObserver{passes: 1}
	w.browserUp = true
	w.observers["home"] = old
	w.open = func(PageConfig, browser.StealthLevel) (pageObserver, error) { return fresh, nil }

	level, err := w.ObservePage(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, browser.LevelHeadless, level)
	assert.Equal(t, 1, old.stops)
	assert.Equal(t, []PageStatus{{ID: "home", Passes: 1}}, w.Pages())
	assert.True(t, w.Kick("home"))
	assert.Equal(t, 1, fresh.kicks)
}
