package sink

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hazyhaar/embedfix/report"
)

// Delivery headers. The delivery ID is the pass or snapshot ID and stays the
// same across retries, so receivers can drop duplicates.
const (
	HeaderEvent    = "X-Embedfix-Event"
	HeaderDelivery = "X-Embedfix-Delivery"
	HeaderAttempt  = "X-Embedfix-Attempt"
	HeaderPage     = "X-Embedfix-Page"
)

// Webhook POSTs report envelopes to a URL. Network errors, 5xx, 408 and 429
// are retried with exponential backoff; other 4xx answers are final.
type Webhook struct {
	url        string
	client     *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

// WebhookOption configures a Webhook sink.
type WebhookOption func(*Webhook)

// WithWebhookRetries sets the maximum number of retries. Default: 3.
func WithWebhookRetries(n int) WebhookOption {
	return func(w *Webhook) { w.maxRetries = n }
}

// WithWebhookBackoff sets the first retry delay; later delays double. Default: 1s.
func WithWebhookBackoff(d time.Duration) WebhookOption {
	return func(w *Webhook) { w.backoff = d }
}

// WithWebhookClient sets the HTTP client.
func WithWebhookClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// WithWebhookLogger sets a custom logger.
func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(w *Webhook) { w.logger = l }
}

// NewWebhook creates a Webhook sink targeting url.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		backoff:    time.Second,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Send delivers a pass. Passes that rebuilt nothing are still delivered;
// hosts decide what to report.
func (w *Webhook) Send(ctx context.Context, pass report.Pass) error {
	return w.deliver(ctx, delivery{event: "pass", id: pass.ID, page: pass.PageURL, data: pass})
}

// SendSnapshot delivers a snapshot of the fixed document.
func (w *Webhook) SendSnapshot(ctx context.Context, snap report.Snapshot) error {
	return w.deliver(ctx, delivery{event: "snapshot", id: snap.ID, page: snap.PageURL, data: snap})
}

func (w *Webhook) Close() error { return nil }

type delivery struct {
	event string
	id    string
	page  string
	data  any
}

// permanentError marks an answer that retrying cannot change.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

func (w *Webhook) deliver(ctx context.Context, d delivery) error {
	body, err := report.Marshal(d.event, d.data)
	if err != nil {
		return fmt.Errorf("webhook: marshal %s: %w", d.event, err)
	}

	var lastErr error
	for attempt := 1; attempt <= w.maxRetries+1; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(w.backoff << uint(attempt-2)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = w.attempt(ctx, d, body, attempt)
		if lastErr == nil {
			return nil
		}
		if _, ok := lastErr.(permanentError); ok {
			w.logger.Error("webhook: delivery rejected", "event", d.event, "id", d.id, "error", lastErr)
			return lastErr
		}
		w.logger.Warn("webhook: delivery failed", "event", d.event, "id", d.id, "attempt", attempt, "error", lastErr)
	}
	return fmt.Errorf("webhook: %s %s undelivered after %d attempts: %w", d.event, d.id, w.maxRetries+1, lastErr)
}

func (w *Webhook) attempt(ctx context.Context, d delivery, body []byte, n int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return permanentError{fmt.Errorf("webhook: new request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, d.event)
	req.Header.Set(HeaderAttempt, strconv.Itoa(n))
	if d.id != "" {
		req.Header.Set(HeaderDelivery, d.id)
	}
	if d.page != "" {
		req.Header.Set(HeaderPage, d.page)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return permanentError{fmt.Errorf("webhook: rejected with status %d", resp.StatusCode)}
	}
	return fmt.Errorf("webhook: status %d", resp.StatusCode)
}
