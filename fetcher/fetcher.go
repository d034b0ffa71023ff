// Package fetcher is the browserless acquisition path (stealth level 0): a
// single GET whose body can be fixed in memory when the server already
// renders the video frames.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/embedfix/htmltree"
	"github.com/hazyhaar/embedfix/idgen"
	"github.com/hazyhaar/embedfix/rebuild"
	"github.com/hazyhaar/embedfix/report"
)

// Verdict says whether a fetched page can be fixed without a browser.
type Verdict string

const (
	// VerdictStatic: the served HTML already carries target frames.
	VerdictStatic Verdict = "static"
	// VerdictNoFrames: a readable page with nothing to fix.
	VerdictNoFrames Verdict = "no_frames"
	// VerdictDeferred: a video widget whose frame is created by script.
	VerdictDeferred Verdict = "deferred"
	// VerdictShell: the page is rendered client-side.
	VerdictShell Verdict = "shell"
	// VerdictTruncated: the body is larger than the read cap.
	VerdictTruncated Verdict = "truncated"
)

// Result is the outcome of an HTTP fetch.
type Result struct {
	Snapshot     report.Snapshot
	Verdict      Verdict
	Frames       int // target frames in the served HTML
	Pending      int // frames a rebuild would replace
	StatusCode   int
	ETag         string
	LastModified string
}

// Fetcher performs HTTP GETs and classifies the bodies.
type Fetcher struct {
	client  *http.Client
	ua      string
	maxBody int64
	rb      *rebuild.Rebuilder
	logger  *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets a custom HTTP client.
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.ua = ua }
}

// WithMaxBody caps how many body bytes are read. Larger bodies get
// VerdictTruncated. Default: 10 MiB.
func WithMaxBody(n int64) Option {
	return func(f *Fetcher) { f.maxBody = n }
}

// WithRebuilder sets the Rebuilder whose target selection and planning are
// used to count frames.
func WithRebuilder(rb *rebuild.Rebuilder) Option {
	return func(f *Fetcher) { f.rb = rb }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:  &http.Client{Timeout: 30 * time.Second},
		ua:      "Mozilla/5.0 (compatible; embedfix/1.0)",
		maxBody: 10 << 20,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	if f.rb == nil {
		f.rb = rebuild.Default(f.logger)
	}
	return f
}

// Fetch GETs a URL and returns its body as a Snapshot with a Verdict.
// Non-2xx responses are errors: there is nothing to fix on them.
func (f *Fetcher) Fetch(ctx context.Context, pageURL, pageID string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetcher: new request: %w", err)
	}
	req.Header.Set("User-Agent", f.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetcher: do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetcher: %s: status %d", pageURL, resp.StatusCode)
	}

	body, truncated, err := readCapped(resp.Body, f.maxBody)
	if err != nil {
		return nil, fmt.Errorf("fetcher: read body: %w", err)
	}

	res := &Result{
		Snapshot: report.Snapshot{
			ID:        idgen.Snapshot(),
			PageURL:   pageURL,
			PageID:    pageID,
			HTML:      body,
			HTMLHash:  report.HashHTML(body),
			Timestamp: time.Now().UnixMilli(),
		},
		StatusCode:   resp.StatusCode,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}
	if truncated {
		res.Verdict = VerdictTruncated
	} else {
		res.Verdict, res.Frames, res.Pending = f.classify(body)
	}

	f.logger.Debug("fetcher: fetched",
		"url", pageURL, "status", resp.StatusCode, "size", len(body),
		"verdict", res.Verdict, "frames", res.Frames, "pending", res.Pending)
	return res, nil
}

// classify decides the Verdict and counts target frames and the ones a
// rebuild would replace.
func (f *Fetcher) classify(body []byte) (Verdict, int, int) {
	s := scanHTML(body)
	if s.shell(len(body)) {
		return VerdictShell, 0, 0
	}

	doc, err := htmltree.ParseAuto(body, f.logger)
	if err != nil {
		return VerdictShell, 0, 0
	}
	opts := f.rb.Options()
	els, err := doc.Query(opts.TagName, opts.ClassMarker)
	if err != nil {
		return VerdictShell, 0, 0
	}
	if len(els) == 0 {
		if s.widget {
			return VerdictDeferred, 0, 0
		}
		return VerdictNoFrames, 0, 0
	}

	pending := 0
	for _, el := range els {
		if _, reason := f.rb.Plan(el); reason == rebuild.Qualified {
			pending++
		}
	}
	return VerdictStatic, len(els), pending
}

func readCapped(r io.Reader, limit int64) ([]byte, bool, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(body)) > limit {
		return body[:limit], true, nil
	}
	return body, false, nil
}
