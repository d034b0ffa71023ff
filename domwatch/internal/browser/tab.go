package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Tab is a browser page opened for one configured page. It is created blank
// so observers can subscribe to DOM events before the first navigation.
type Tab struct {
	Page    *rod.Page
	PageURL string
	PageID  string
	Stealth StealthLevel

	mgr    *Manager
	hijack *rod.HijackRouter
}

// OpenTab creates a blank tab with stealth and resource blocking applied.
func OpenTab(mgr *Manager, pageURL, pageID string, level StealthLevel) (*Tab, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}

	var (
		page *rod.Page
		err  error
	)
	if level >= LevelHeadless {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	t := &Tab{Page: page, PageURL: pageURL, PageID: pageID, Stealth: level, mgr: mgr}
	if len(mgr.cfg.ResourceBlocking) > 0 {
		t.hijack = blockResources(page, mgr.cfg.ResourceBlocking)
	}
	return t, nil
}

// Load navigates to the tab's URL and waits for the load event. A load
// timeout is only logged: a slow tracker must not hold up the fix.
func (t *Tab) Load(ctx context.Context) error {
	navCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := t.Page.Context(navCtx).Navigate(t.PageURL); err != nil {
		return fmt.Errorf("browser: navigate %s: %w", t.PageURL, err)
	}
	if err := t.Page.Context(navCtx).WaitLoad(); err != nil {
		t.mgr.cfg.Logger.Warn("browser: wait load timeout", "url", t.PageURL, "error", err)
	}
	return nil
}

// HTML serialises the current DOM.
func (t *Tab) HTML(ctx context.Context) ([]byte, error) {
	res, err := t.Page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return nil, fmt.Errorf("browser: get DOM: %w", err)
	}
	return []byte(res.Value.Str()), nil
}

// Close closes the tab.
func (t *Tab) Close() error {
	if t.hijack != nil {
		_ = t.hijack.Stop()
	}
	if t.Page != nil {
		return t.Page.Close()
	}
	return nil
}
