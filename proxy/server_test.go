package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/embedfix/metrics"
	"github.com/hazyhaar/embedfix/rebuild"
	"github.com/hazyhaar/embedfix/report"
	"github.com/hazyhaar/embedfix/sink"
)

const page = `<!DOCTYPE html><html><head><title>p</title></head><body>` +
	`<iframe class="elementor-video" src="https://www.youtube.com/embed/abc?feature=oembed"></iframe>` +
	`</body></html>`

type origin struct {
	mu             sync.Mutex
	acceptEncoding string
}

func (o *origin) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.acceptEncoding = r.Header.Get("Accept-Encoding")
		o.mu.Unlock()
		w.Header().Set("Content-Type", "text/html; charset=UTF-8")
		w.Header().Set("ETag", `"orig"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(page)))
		io.WriteString(w, page)
	})
	mux.HandleFunc("/style.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		io.WriteString(w, `.elementor-video{}`)
	})
	mux.HandleFunc("/big", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, page+strings.Repeat(" ", 4096))
	})
	return mux
}

func newProxy(t *testing.T, cfg Config) (*httptest.Server, *origin) {
	t.Helper()
	o := &origin{}
	up := httptest.NewServer(o.handler())
	t.Cleanup(up.Close)

	cfg.Upstream = up.URL
	if cfg.Rebuilder == nil {
		cfg.Rebuilder = rebuild.Default(nil)
	}
	s, err := New(cfg)
	require.NoError(t, err)

	front := httptest.NewServer(s.Handler())
	t.Cleanup(front.Close)
	return front, o
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "br")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestProxy_RewritesHTML(t *testing.T) {
	var mu sync.Mutex
	var passes []report.Pass
	front, o := newProxy(t, Config{
		Sink: sink.NewCallback(func(_ context.Context, p report.Pass) error {
			mu.Lock()
			defer mu.Unlock()
			passes = append(passes, p)
			return nil
		}, nil),
	})

	resp, body := get(t, front.URL+"/page")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `src="https://www.youtube.com/embed/abc?rel=0&amp;playsinline=1"`)
	assert.Contains(t, body, `data-yt-fixed="1"`)
	assert.Equal(t, int64(len(body)), resp.ContentLength)
	assert.Equal(t, "1", resp.Header.Get(HeaderRebuilt))
	assert.Empty(t, resp.Header.Get("ETag"))
	assert.Empty(t, resp.Header.Get("X-Frame-Options"), "proxied pages keep the origin's headers")

	o.mu.Lock()
	assert.Empty(t, o.acceptEncoding)
	o.mu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, passes, 1)
	assert.Equal(t, "proxy", passes[0].Host)
	assert.Equal(t, "/page", passes[0].PageURL)
	assert.Equal(t, rebuild.TriggerReady, passes[0].Trigger)
}

func TestProxy_PassesThroughOtherContent(t *testing.T) {
	front, _ := newProxy(t, Config{})

	resp, body := get(t, front.URL+"/style.css")
	assert.Equal(t, `.elementor-video{}`, body)
	assert.Empty(t, resp.Header.Get(HeaderRebuilt))

	resp, _ = get(t, front.URL+"/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProxy_OversizedBodyUntouched(t *testing.T) {
	front, _ := newProxy(t, Config{MaxBodyBytes: 512})

	_, body := get(t, front.URL+"/big")
	assert.Contains(t, body, `src="https://www.youtube.com/embed/abc?feature=oembed"`)
	assert.Len(t, body, len(page)+4096)
}

func TestRebuildEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := metrics.NewPrometheusRecorder(reg)
	front, _ := newProxy(t, Config{Recorder: rec, Metrics: rec.Handler()})

	frag := `<div><iframe class="elementor-video" src="https://www.youtube.com/embed/x"></iframe>` +
		`<iframe class="elementor-video" src="https://vimeo.com/1"></iframe></div>`
	resp, err := http.Post(front.URL+"/rebuild", "text/html", strings.NewReader(frag))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get(HeaderRebuilt))
	assert.Equal(t, "1", resp.Header.Get(HeaderSkipped))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Trace-ID"))
	assert.True(t, strings.HasPrefix(string(body), "<div><iframe"), string(body))
	assert.Contains(t, string(body), `data-yt-fixed="1"`)

	_, metricsBody := get(t, front.URL+"/metrics")
	assert.Contains(t, metricsBody, `embedfix_replacements_total{host="proxy"} 1`)
}

func TestRebuildEndpoint_TooLarge(t *testing.T) {
	front, _ := newProxy(t, Config{MaxBodyBytes: 16})
	resp, err := http.Post(front.URL+"/rebuild", "text/html", strings.NewReader(strings.Repeat("x", 64)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	front, _ := newProxy(t, Config{})
	resp, body := get(t, front.URL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, body)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Rebuilder: rebuild.Default(nil), Upstream: "not a url"})
	assert.Error(t, err)

	s, err := New(Config{Rebuilder: rebuild.Default(nil)})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "no upstream, no catch-all")
}
