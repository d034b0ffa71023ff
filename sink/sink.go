// Package sink delivers rebuild reports to their consumers: JSON lines on a
// writer, a webhook, or an in-process callback. A Router fans out to several.
package sink

import (
	"context"

	"github.com/hazyhaar/embedfix/report"
)

// Sink is the output interface shared by every host.
type Sink interface {
	Send(ctx context.Context, pass report.Pass) error
	SendSnapshot(ctx context.Context, snap report.Snapshot) error
	Close() error
}
