// Package metrics counts rebuild passes, replacements and skips per host.
package metrics

import (
	"time"

	"github.com/hazyhaar/embedfix/rebuild"
)

// Recorder receives one call per completed pass.
type Recorder interface {
	ObservePass(host string, trigger rebuild.Trigger, res rebuild.Result, took time.Duration)
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

func (NoopRecorder) ObservePass(string, rebuild.Trigger, rebuild.Result, time.Duration) {}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
