package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/embedfix/rebuild"
)

// PrometheusRecorder implements Recorder with Prometheus collectors.
type PrometheusRecorder struct {
	reg          *prom.Registry
	passes       *prom.CounterVec
	replacements *prom.CounterVec
	skipped      *prom.CounterVec
	duration     *prom.HistogramVec
}

// NewPrometheusRecorder registers the embedfix collectors on reg. A nil reg
// gets a fresh registry.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		reg: reg,
		passes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "embedfix",
			Name:      "passes_total",
			Help:      "Rebuild passes by host and trigger",
		}, []string{"host", "trigger"}),
		replacements: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "embedfix",
			Name:      "replacements_total",
			Help:      "Frames replaced by a rebuilt element",
		}, []string{"host"}),
		skipped: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "embedfix",
			Name:      "skipped_total",
			Help:      "Matched frames left in place, by reason",
		}, []string{"host", "reason"}),
		duration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "embedfix",
			Name:      "pass_duration_seconds",
			Help:      "Duration of a single rebuild pass",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"host"}),
	}
	reg.MustRegister(pr.passes, pr.replacements, pr.skipped, pr.duration)
	return pr
}

func (p *PrometheusRecorder) ObservePass(host string, trigger rebuild.Trigger, res rebuild.Result, took time.Duration) {
	p.passes.WithLabelValues(host, string(trigger)).Inc()
	if n := len(res.Rebuilt); n > 0 {
		p.replacements.WithLabelValues(host).Add(float64(n))
	}
	for reason, n := range res.Skipped {
		p.skipped.WithLabelValues(host, string(reason)).Add(float64(n))
	}
	p.duration.WithLabelValues(host).Observe(took.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
