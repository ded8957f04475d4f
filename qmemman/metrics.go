package qmemman

// Metrics is the narrow set of counters/gauges State reports to, kept as
// an interface so this package never imports the concrete Prometheus
// registry in package metrics. A nil Metrics is valid: every call site
// guards against it.
type Metrics interface {
	SetXenFreeBytes(bytes uint64)
	SetDomainsTracked(n int)
	IncBalanceRuns()
	IncBalanceApplied()
	IncBalloonResult(succeeded bool)
	SetNoProgressCount(n int)
	SetSlowReactCount(n int)
}

// SetMetrics attaches a Metrics sink. Safe to call once before the
// watcher/server goroutines start.
func (s *State) SetMetrics(m Metrics) {
	s.Lock()
	defer s.Unlock()
	s.metrics = m
}

func (s *State) reportDomainGaugesLocked() {
	if s.metrics == nil {
		return
	}
	var noProgress, slowReact int
	for _, d := range s.domains {
		if d.NoProgress {
			noProgress++
		}
		if d.SlowMemsetReact {
			slowReact++
		}
	}
	s.metrics.SetDomainsTracked(len(s.domains))
	s.metrics.SetNoProgressCount(noProgress)
	s.metrics.SetSlowReactCount(slowReact)
}
