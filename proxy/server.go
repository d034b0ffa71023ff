// Package proxy serves embedfix over HTTP: a rewriting reverse proxy in
// front of an origin site, plus a small API to rewrite posted HTML.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/embedfix/htmltree"
	"github.com/hazyhaar/embedfix/idgen"
	"github.com/hazyhaar/embedfix/metrics"
	"github.com/hazyhaar/embedfix/rebuild"
	"github.com/hazyhaar/embedfix/report"
	"github.com/hazyhaar/embedfix/shield"
	"github.com/hazyhaar/embedfix/sink"
)

// Response headers describing what a rewrite did.
const (
	HeaderRebuilt = "X-Embedfix-Rebuilt"
	HeaderSkipped = "X-Embedfix-Skipped"
)

// Config configures a Server.
type Config struct {
	// Upstream is the origin base URL. Empty disables the proxy route.
	Upstream     string
	MaxBodyBytes int64
	Rebuilder    *rebuild.Rebuilder
	Recorder     metrics.Recorder
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Sink receives a report for every rewrite that changed something.
	Sink   sink.Sink
	Logger *slog.Logger
}

// Server is the HTTP front end.
type Server struct {
	cfg    Config
	router chi.Router
	seq    atomic.Uint64
}

// New builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Rebuilder == nil {
		return nil, errors.New("proxy: a rebuilder is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	cfg.Recorder = metrics.OrNoop(cfg.Recorder)

	s := &Server{cfg: cfg}

	var upstream *httputil.ReverseProxy
	if cfg.Upstream != "" {
		var err error
		if upstream, err = s.newUpstream(cfg.Upstream); err != nil {
			return nil, err
		}
	}

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		for _, mw := range shield.APIStack(cfg.Logger, cfg.MaxBodyBytes) {
			r.Use(mw)
		}
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		if cfg.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", cfg.Metrics)
		}
		r.Post("/rebuild", s.handleRebuild)
	})
	if upstream != nil {
		r.Group(func(r chi.Router) {
			for _, mw := range shield.ProxyStack(cfg.Logger, cfg.MaxBodyBytes) {
				r.Use(mw)
			}
			r.Handle("/*", upstream)
		})
	}
	s.router = r
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is done, then drains in-flight
// requests for up to ten seconds.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.cfg.Logger.Info("proxy: listening", "addr", addr, "upstream", s.cfg.Upstream)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("proxy: listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("proxy: shutdown: %w", err)
	}
	return nil
}

// handleRebuild rewrites the posted HTML and returns it.
func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}

	start := time.Now()
	out, res, err := htmltree.Rewrite(body, s.cfg.Rebuilder, shield.GetLogger(r.Context()))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.observe(r, rebuild.TriggerManual, res, time.Since(start))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set(HeaderRebuilt, strconv.Itoa(len(res.Rebuilt)))
	w.Header().Set(HeaderSkipped, strconv.Itoa(res.SkippedTotal()))
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// observe records metrics and reports changed passes.
func (s *Server) observe(r *http.Request, trigger rebuild.Trigger, res rebuild.Result, took time.Duration) {
	s.cfg.Recorder.ObservePass("proxy", trigger, res, took)
	if !res.Changed() || s.cfg.Sink == nil {
		return
	}
	pass := report.NewPass(idgen.Pass(), "proxy", r.URL.Path, "", s.seq.Add(1), trigger, res, took)
	if err := s.cfg.Sink.Send(r.Context(), pass); err != nil {
		shield.GetLogger(r.Context()).Error("proxy: send pass failed", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
