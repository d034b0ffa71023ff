package sink

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/hazyhaar/embedfix/report"
)

// Stdout writes one JSON envelope per line to an io.Writer.
type Stdout struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdout creates a Stdout sink. If w is nil, os.Stdout is used.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{enc: json.NewEncoder(w)}
}

func (s *Stdout) Send(_ context.Context, pass report.Pass) error {
	return s.write(report.Envelope{Type: "pass", Data: pass})
}

func (s *Stdout) SendSnapshot(_ context.Context, snap report.Snapshot) error {
	return s.write(report.Envelope{Type: "snapshot", Data: snap})
}

func (s *Stdout) Close() error { return nil }

func (s *Stdout) write(env report.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(env)
}
