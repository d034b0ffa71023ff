// Package report defines what embedfix hosts emit about their work. These
// types are the contract with sinks and with anything reading the JSON
// lines or webhook payloads.
package report

import (
	"time"

	"github.com/hazyhaar/embedfix/rebuild"
)

// Pass records one rebuild pass over a page or file.
type Pass struct {
	ID string `json:"id"`
	// Host is browser, http, file or proxy.
	Host string `json:"host"`
	// PageURL is the page URL or, for files, the path.
	PageURL string `json:"page_url"`
	PageID  string `json:"page_id,omitempty"`
	// Seq increases monotonically per page; gaps mean lost reports.
	Seq        uint64                 `json:"seq"`
	Trigger    rebuild.Trigger        `json:"trigger"`
	Matched    int                    `json:"matched"`
	Rebuilt    []rebuild.Replacement  `json:"rebuilt,omitempty"`
	Skipped    map[rebuild.Reason]int `json:"skipped,omitempty"`
	DurationMs float64                `json:"duration_ms"`
	Timestamp  int64                  `json:"timestamp"` // epoch milliseconds
	// SnapshotRef is the ID of the last snapshot of the same page.
	SnapshotRef string `json:"snapshot_ref,omitempty"`
}

// FromResult copies a rebuild result into a Pass.
func FromResult(p *Pass, res rebuild.Result) {
	p.Matched = res.Matched
	p.Rebuilt = res.Rebuilt
	if len(res.Skipped) > 0 {
		p.Skipped = res.Skipped
	}
}

// NewPass fills a Pass for one completed pass, stamped now.
func NewPass(id, host, pageURL, pageID string, seq uint64, trigger rebuild.Trigger, res rebuild.Result, took time.Duration) Pass {
	p := Pass{
		ID:         id,
		Host:       host,
		PageURL:    pageURL,
		PageID:     pageID,
		Seq:        seq,
		Trigger:    trigger,
		DurationMs: float64(took.Microseconds()) / 1000,
		Timestamp:  time.Now().UnixMilli(),
	}
	FromResult(&p, res)
	return p
}
