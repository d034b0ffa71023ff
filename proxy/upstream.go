package proxy

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/hazyhaar/embedfix/htmltree"
	"github.com/hazyhaar/embedfix/rebuild"
	"github.com/hazyhaar/embedfix/shield"
)

// newUpstream builds the reverse proxy to the origin site. Requests go out
// without Accept-Encoding so HTML comes back uncompressed and can be
// rewritten; every other response streams through untouched.
func (s *Server) newUpstream(upstream string) (*httputil.ReverseProxy, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("proxy: invalid upstream %q: %w", upstream, err)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("proxy: upstream %q has no host", upstream)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DisableCompression = true

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Header.Del("Accept-Encoding")
		},
		Transport:      transport,
		ModifyResponse: s.rewriteResponse,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			shield.GetLogger(r.Context()).Error("proxy: upstream error", "error", err)
			http.Error(w, "Service temporarily unavailable", http.StatusBadGateway)
		},
	}, nil
}

// rewriteResponse fixes the frames of an HTML response in place and sets
// Content-Length to the new size. Bodies over the size cap, encoded bodies
// and anything that fails to parse are passed through unchanged.
func (s *Server) rewriteResponse(resp *http.Response) error {
	if !rewritable(resp) {
		return nil
	}
	logger := shield.GetLogger(resp.Request.Context())

	head, err := io.ReadAll(io.LimitReader(resp.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("proxy: read upstream body: %w", err)
	}
	if int64(len(head)) > s.cfg.MaxBodyBytes {
		logger.Debug("proxy: body over limit, not rewritten", "limit", s.cfg.MaxBodyBytes)
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(head), resp.Body), resp.Body}
		return nil
	}
	resp.Body.Close()

	start := time.Now()
	out, res, err := htmltree.Rewrite(head, s.cfg.Rebuilder, logger)
	if err != nil {
		logger.Warn("proxy: rewrite failed, serving original", "error", err)
		out, res = head, rebuild.Result{}
	}
	s.observe(resp.Request, rebuild.TriggerReady, res, time.Since(start))

	if res.Changed() {
		resp.Header.Del("ETag")
		resp.Header.Set(HeaderRebuilt, strconv.Itoa(len(res.Rebuilt)))
	}
	resp.Body = io.NopCloser(bytes.NewReader(out))
	resp.ContentLength = int64(len(out))
	resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
	resp.TransferEncoding = nil
	return nil
}

func rewritable(resp *http.Response) bool {
	if resp.Request != nil && resp.Request.Method == http.MethodHead {
		return false
	}
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified {
		return false
	}
	if enc := resp.Header.Get("Content-Encoding"); enc != "" && enc != "identity" {
		return false
	}
	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return err == nil && (mt == "text/html" || mt == "application/xhtml+xml")
}
