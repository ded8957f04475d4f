// Package metrics registers and exposes qmemmand's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "qmemmand"

// Registry wraps a private prometheus.Registry (rather than the global
// default) so tests can construct independent instances.
type Registry struct {
	reg *prometheus.Registry

	XenFreeBytes     prometheus.Gauge
	DomainsTracked   prometheus.Gauge
	BalanceRuns      prometheus.Counter
	BalanceApplied   prometheus.Counter
	BalloonSucceeded prometheus.Counter
	BalloonFailed    prometheus.Counter
	NoProgressCount  prometheus.Gauge
	SlowReactCount   prometheus.Gauge
}

// New builds and registers the metric set.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		XenFreeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "xen_free_bytes",
			Help:      "Last observed hypervisor-free memory, in bytes.",
		}),
		DomainsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "domains_tracked",
			Help:      "Number of domains currently tracked by SystemState.",
		}),
		BalanceRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "balance_runs_total",
			Help:      "Number of do_balance invocations.",
		}),
		BalanceApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "balance_applied_total",
			Help:      "Number of do_balance invocations that passed the significance filter and were applied.",
		}),
		BalloonSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "balloon_requests_succeeded_total",
			Help:      "Number of ballooning requests that succeeded.",
		}),
		BalloonFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "balloon_requests_failed_total",
			Help:      "Number of ballooning requests that failed.",
		}),
		NoProgressCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "no_progress_domains",
			Help:      "Number of domains currently flagged no_progress.",
		}),
		SlowReactCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "slow_react_domains",
			Help:      "Number of domains currently flagged slow_memset_react.",
		}),
	}

	r.reg.MustRegister(
		r.XenFreeBytes,
		r.DomainsTracked,
		r.BalanceRuns,
		r.BalanceApplied,
		r.BalloonSucceeded,
		r.BalloonFailed,
		r.NoProgressCount,
		r.SlowReactCount,
	)
	return r
}

// Handler returns the /metrics HTTP handler built on this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// The methods below satisfy qmemman.Metrics structurally, without this
// package importing qmemman: State only needs a sink with this method
// set, not a concrete dependency on Prometheus.

func (r *Registry) SetXenFreeBytes(bytes uint64)   { r.XenFreeBytes.Set(float64(bytes)) }
func (r *Registry) SetDomainsTracked(n int)        { r.DomainsTracked.Set(float64(n)) }
func (r *Registry) IncBalanceRuns()                { r.BalanceRuns.Inc() }
func (r *Registry) IncBalanceApplied()             { r.BalanceApplied.Inc() }
func (r *Registry) SetNoProgressCount(n int)       { r.NoProgressCount.Set(float64(n)) }
func (r *Registry) SetSlowReactCount(n int)        { r.SlowReactCount.Set(float64(n)) }

func (r *Registry) IncBalloonResult(succeeded bool) {
	if succeeded {
		r.BalloonSucceeded.Inc()
	} else {
		r.BalloonFailed.Inc()
	}
}
