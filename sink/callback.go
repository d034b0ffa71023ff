package sink

import (
	"context"

	"github.com/hazyhaar/embedfix/report"
)

// PassFunc is called for each pass.
type PassFunc func(ctx context.Context, pass report.Pass) error

// SnapshotFunc is called for each snapshot.
type SnapshotFunc func(ctx context.Context, snap report.Snapshot) error

// Callback delivers reports as plain function calls, for embedding embedfix
// in another process without any serialisation.
type Callback struct {
	onPass     PassFunc
	onSnapshot SnapshotFunc
}

// NewCallback creates a Callback sink. Either handler may be nil.
func NewCallback(onPass PassFunc, onSnapshot SnapshotFunc) *Callback {
	return &Callback{onPass: onPass, onSnapshot: onSnapshot}
}

func (c *Callback) Send(ctx context.Context, pass report.Pass) error {
	if c.onPass != nil {
		return c.onPass(ctx, pass)
	}
	return nil
}

func (c *Callback) SendSnapshot(ctx context.Context, snap report.Snapshot) error {
	if c.onSnapshot != nil {
		return c.onSnapshot(ctx, snap)
	}
	return nil
}

func (c *Callback) Close() error { return nil }
