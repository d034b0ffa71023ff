package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/hazyhaar/embedfix/rebuild"
)

func TestPrometheusRecorder_ObservePass(t *testing.T) {
	pr := NewPrometheusRecorder(nil)

	pr.ObservePass("file", rebuild.TriggerReady, rebuild.Result{
		Matched: 4,
		Rebuilt: []rebuild.Replacement{{Identifier: "a"}, {Identifier: "b"}},
		Skipped: map[rebuild.Reason]int{rebuild.ReasonForeignHost: 1, rebuild.ReasonProcessed: 1},
	}, 2*time.Millisecond)
	pr.ObservePass("file", rebuild.TriggerMutation, rebuild.Result{
		Skipped: map[rebuild.Reason]int{rebuild.ReasonProcessed: 2},
	}, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(pr.passes.WithLabelValues("file", "ready")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pr.passes.WithLabelValues("file", "mutation")))
	assert.Equal(t, 2.0, testutil.ToFloat64(pr.replacements.WithLabelValues("file")))
	assert.Equal(t, 3.0, testutil.ToFloat64(pr.skipped.WithLabelValues("file", "processed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pr.skipped.WithLabelValues("file", "foreign_host")))
	assert.Equal(t, 1, testutil.CollectAndCount(pr.duration))
}

func TestOrNoop(t *testing.T) {
	r := OrNoop(nil)
	assert.IsType(t, NoopRecorder{}, r)
	r.ObservePass("x", rebuild.TriggerManual, rebuild.Result{}, 0)

	pr := NewPrometheusRecorder(nil)
	assert.Same(t, pr, OrNoop(pr))
}
