// Package browser owns the Chrome process used to fix live pages: launch or
// connect via Rod, watch memory, uptime and liveness, and relaunch when any
// of them goes wrong so observers can reopen their tabs.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// StealthLevel selects how a page is acquired.
type StealthLevel int

const (
	LevelAuto     StealthLevel = -1 // try HTTP, escalate to headless
	LevelHTTP     StealthLevel = 0  // no browser
	LevelHeadless StealthLevel = 1  // Rod headless + stealth
	LevelHeadful  StealthLevel = 2  // Rod headful + Xvfb
)

func (l StealthLevel) String() string {
	switch l {
	case LevelAuto:
		return "auto"
	case LevelHTTP:
		return "http"
	case LevelHeadless:
		return "headless"
	case LevelHeadful:
		return "headful"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel reads a page stealth_level setting.
func ParseLevel(s string) (StealthLevel, error) {
	switch s {
	case "", "auto":
		return LevelAuto, nil
	case "0":
		return LevelHTTP, nil
	case "1":
		return LevelHeadless, nil
	case "2":
		return LevelHeadful, nil
	}
	return LevelAuto, fmt.Errorf("browser: unknown stealth level %q", s)
}

var errClosed = errors.New("browser: manager is closed")

// Config configures the browser manager.
type Config struct {
	// RemoteURL is the DevTools WebSocket URL of an existing Chrome.
	// Empty launches a local one.
	RemoteURL string

	// MemoryLimit is the summed JS heap, in bytes, above which Chrome is
	// relaunched. Default: 1GB.
	MemoryLimit int64

	// RecycleInterval is the maximum lifetime of a Chrome process. Default: 4h.
	RecycleInterval time.Duration

	// CheckInterval is how often memory, uptime and liveness are checked.
	// Default: 30s.
	CheckInterval time.Duration

	// ResourceBlocking lists resource types tabs refuse to load
	// (images, fonts, media, stylesheets).
	ResourceBlocking []string

	Stealth     StealthLevel
	XvfbDisplay string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = 1 << 30
	}
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = 4 * time.Hour
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.XvfbDisplay == "" {
		c.XvfbDisplay = ":99"
	}
	if c.Stealth < LevelHeadless {
		c.Stealth = LevelHeadless
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RecycleCallback lets the owner of the tabs react to a relaunch.
type RecycleCallback struct {
	// BeforeRecycle runs before Chrome is killed.
	BeforeRecycle func()
	// AfterRecycle runs once the new Chrome is connected.
	AfterRecycle func(browser *rod.Browser)
}

// Manager manages Chrome lifecycle.
type Manager struct {
	cfg     Config
	mu      sync.RWMutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	xvfb    *exec.Cmd
	startAt time.Time
	closed  bool
	cb      *RecycleCallback

	recycling sync.Mutex
}

// NewManager creates a browser Manager. Call Start to launch Chrome.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// SetRecycleCallback sets the callback for recycle events.
func (m *Manager) SetRecycleCallback(cb *RecycleCallback) {
	m.mu.Lock()
	m.cb = cb
	m.mu.Unlock()
}

// Start launches Chrome (or connects to a remote instance) and starts the
// health monitor, which lives until ctx is done.
func (m *Manager) Start(ctx context.Context) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errClosed
	}
	b, err := m.launch()
	if err != nil {
		return nil, err
	}
	m.browser = b
	m.startAt = time.Now()

	go m.monitor(ctx)
	return b, nil
}

// Browser returns the current Rod browser handle, nil when not started.
func (m *Manager) Browser() *rod.Browser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser
}

// Recycle relaunches Chrome. The callbacks run without the manager lock
// held so they may open tabs.
func (m *Manager) Recycle(reason string) error {
	m.recycling.Lock()
	defer m.recycling.Unlock()

	m.mu.RLock()
	closed, cb, up := m.closed, m.cb, time.Since(m.startAt)
	m.mu.RUnlock()
	if closed {
		return errClosed
	}

	m.cfg.Logger.Info("browser: recycling", "reason", reason, "uptime", up)
	if cb != nil && cb.BeforeRecycle != nil {
		cb.BeforeRecycle()
	}

	m.mu.Lock()
	m.cleanup()
	b, err := m.launch()
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("browser: relaunch: %w", err)
	}
	m.browser = b
	m.startAt = time.Now()
	m.mu.Unlock()

	if cb != nil && cb.AfterRecycle != nil {
		cb.AfterRecycle(b)
	}
	m.cfg.Logger.Info("browser: recycled")
	return nil
}

// Close shuts down Chrome and Xvfb.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cleanup()
	return nil
}

func (m *Manager) launch() (*rod.Browser, error) {
	log := m.cfg.Logger

	if m.cfg.Stealth == LevelHeadful && m.cfg.RemoteURL == "" {
		if err := m.startXvfb(); err != nil {
			return nil, fmt.Errorf("browser: xvfb: %w", err)
		}
	}

	wsURL := m.cfg.RemoteURL
	if wsURL != "" {
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().
			Headless(m.cfg.Stealth != LevelHeadful).
			Set("disable-blink-features", "AutomationControlled").
			// Autoplay of the rebuilt frames must not wait for a gesture.
			Set("autoplay-policy", "no-user-gesture-required")
		if m.cfg.Stealth == LevelHeadful {
			l = l.Env("DISPLAY=" + m.cfg.XvfbDisplay)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("browser: launched local chrome", "url", wsURL, "stealth", m.cfg.Stealth)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		log.Warn("browser: ignore cert errors failed", "error", err)
	}
	return b, nil
}

func (m *Manager) cleanup() {
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	m.stopXvfb()
}

func (m *Manager) monitor(ctx context.Context) {
	log := m.cfg.Logger
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.RLock()
		b, closed, startAt := m.browser, m.closed, m.startAt
		m.mu.RUnlock()
		if closed {
			return
		}

		reason := ""
		switch {
		case b == nil || !alive(b):
			reason = "crash"
		case time.Since(startAt) > m.cfg.RecycleInterval:
			reason = "interval"
		default:
			used, err := heapUsage(b)
			if err != nil {
				log.Debug("browser: heap check failed", "error", err)
			} else if used > m.cfg.MemoryLimit {
				log.Info("browser: memory limit exceeded", "used", used, "limit", m.cfg.MemoryLimit)
				reason = "memory"
			}
		}
		if reason == "" {
			continue
		}
		if err := m.Recycle(reason); err != nil {
			log.Error("browser: recycle failed", "reason", reason, "error", err)
		}
	}
}

func alive(b *rod.Browser) bool {
	_, err := proto.BrowserGetVersion{}.Call(b)
	return err == nil
}

// heapUsage sums the used JS heap of every open page.
func heapUsage(b *rod.Browser) (int64, error) {
	pages, err := b.Pages()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, p := range pages {
		res, err := p.Eval(`() => (performance.memory ? performance.memory.usedJSHeapSize : 0)`)
		if err != nil {
			continue
		}
		total += int64(res.Value.Int())
	}
	return total, nil
}
