package qmemman

const (
	// privilegedDomainID is domain 0, the host/control domain.
	privilegedDomainID = 0

	miB = 1024 * 1024

	// minDonationThreshold is the minimum surplus a donor must hold
	// before it is worth asking it to release memory in the scarcity
	// regime; below this it has likely already converged.
	minDonationThreshold = 10 * miB

	// shrinkFactor is applied to surplus-regime distributions before
	// integer truncation so rounding never pushes the sum above free.
	shrinkFactor = 0.999
)

// Tuning holds the operator-configurable and fixed constants the
// Allocator needs. The daemon builds this from config.Config.
type Tuning struct {
	CacheFactor  float64 // preference multiplier over mem_used
	MinPrefmem   uint64  // floor preference for non-privileged domains, bytes
	Dom0MemBoost uint64  // additive bonus for the privileged domain, bytes
	SafetyFactor float64 // >1, applied to donor shares in Balloon
}

// Allocator is a pure function set over a snapshot of tracked domains. It
// holds no mutable state beyond its tuning constants, which are captured
// by value.
type Allocator struct {
	Tuning Tuning
}

// Target is one (domain, new target bytes) instruction produced by the
// Allocator, to be applied by State via SetMemTarget.
type Target struct {
	ID    int
	Bytes uint64
}

// eligible reports whether a domain participates in allocation decisions:
// domains with no meminfo report yet, or that have stopped making
// progress, are excluded from both donor and acceptor roles.
func eligible(d *Domain) bool {
	return d.HasReported() && !d.NoProgress
}

// prefmem computes a domain's preferred memory in bytes.
func (a *Allocator) prefmem(id int, memUsed uint64, memMaximum uint64) uint64 {
	pref := float64(memUsed) * a.Tuning.CacheFactor
	if id == privilegedDomainID {
		want := uint64(pref) + a.Tuning.Dom0MemBoost
		if want > memMaximum {
			return memMaximum
		}
		return want
	}
	want := uint64(pref)
	if want > memMaximum {
		want = memMaximum
	}
	if want < a.Tuning.MinPrefmem {
		want = a.Tuning.MinPrefmem
	}
	return want
}

// need returns preferred - mem_actual; positive means "wants more."
func (a *Allocator) need(id int, d *Domain) int64 {
	pref := a.prefmem(id, *d.MemUsed, d.MemMaximum)
	return int64(pref) - int64(d.MemActual)
}

// Balloon computes the set of donor target-sets needed to free at least
// requestBytes of hypervisor memory. Returns nil if no combination of
// eligible donors can satisfy the request.
func (a *Allocator) Balloon(requestBytes uint64, domains map[int]*Domain) []Target {
	if requestBytes == 0 {
		return nil
	}

	type donor struct {
		id      int
		surplus uint64 // -need, i.e. how much this domain can give up
	}

	var donors []donor
	var available uint64
	for id, d := range domains {
		if !eligible(d) {
			continue
		}
		n := a.need(id, d)
		if n < 0 {
			surplus := uint64(-n)
			donors = append(donors, donor{id: id, surplus: surplus})
			available += surplus
		}
	}

	if available < requestBytes {
		return nil
	}

	targets := make([]Target, 0, len(donors))
	for _, dn := range donors {
		share := float64(dn.surplus) * (float64(requestBytes) / float64(available)) * a.Tuning.SafetyFactor
		d := domains[dn.id]
		newTarget := int64(d.MemActual) - int64(share)
		if newTarget < 0 {
			newTarget = 0
		}
		targets = append(targets, Target{ID: dn.id, Bytes: uint64(newTarget)})
	}
	return targets
}

// Balance computes the full steady-state redistribution: donors first,
// acceptors second, per the ordering the caller depends on (donors must
// release before acceptors grow).
func (a *Allocator) Balance(freeBytes int64, domains map[int]*Domain) []Target {
	type entry struct {
		id   int
		d    *Domain
		need int64
		pref uint64
	}

	var entries []entry
	var totalNeed int64
	for id, d := range domains {
		if !eligible(d) {
			continue
		}
		n := a.need(id, d)
		pref := a.prefmem(id, *d.MemUsed, d.MemMaximum)
		entries = append(entries, entry{id: id, d: d, need: n, pref: pref})
		totalNeed += n
	}

	var donors, acceptors []Target

	if freeBytes-totalNeed > 0 {
		// Surplus regime: distribute the excess proportionally to
		// preference across every eligible domain, clamped by mem_maximum,
		// with iterative spill-over for domains that hit their cap. A
		// domain already over its preference still takes part (it starts
		// at its own preference like everyone else) and is only sorted
		// into donors vs acceptors afterward, by comparing its computed
		// target against its current actual.
		surplus := float64(freeBytes - totalNeed)

		type cand struct {
			id      int
			pref    uint64
			max     uint64
			current uint64 // running target, starts at preferred
		}
		var cands []cand
		var prefSum uint64
		for _, e := range entries {
			cands = append(cands, cand{id: e.id, pref: e.pref, max: e.d.MemMaximum, current: e.pref})
			prefSum += e.pref
		}

		remaining := surplus
		for iterations := 0; remaining > 1 && iterations < 8; iterations++ {
			if prefSum == 0 {
				break
			}
			var spill float64
			var headroomSum uint64
			for i := range cands {
				if cands[i].current >= cands[i].max {
					continue
				}
				headroomSum += cands[i].max - cands[i].current
			}
			if headroomSum == 0 {
				break
			}
			distributed := remaining * shrinkFactor
			for i := range cands {
				if cands[i].current >= cands[i].max {
					continue
				}
				headroom := cands[i].max - cands[i].current
				share := distributed * (float64(cands[i].pref) / float64(prefSum))
				if share > float64(headroom) {
					spill += share - float64(headroom)
					share = float64(headroom)
				}
				cands[i].current += uint64(share)
			}
			remaining = spill
			if spill == 0 {
				break
			}
		}

		// Classify post-hoc: a domain whose computed target still sits
		// below its current actual is a donor (it must shrink even in a
		// surplus), everyone else is an acceptor.
		for _, c := range cands {
			d := domains[c.id]
			if c.current < d.MemActual {
				donors = append(donors, Target{ID: c.id, Bytes: c.current})
			} else {
				acceptors = append(acceptors, Target{ID: c.id, Bytes: c.current})
			}
		}
	} else {
		// Scarcity regime: donors release down to exactly their
		// preference (skipping negligible surpluses), the combined
		// yield plus existing free is redistributed to acceptors
		// proportionally, clamped by mem_maximum.
		var squeezed float64
		if freeBytes > 0 {
			squeezed = float64(freeBytes)
		}

		var acceptorCands []entry
		for _, e := range entries {
			if e.need < 0 {
				surplus := uint64(-e.need)
				if surplus < minDonationThreshold {
					continue
				}
				donors = append(donors, Target{ID: e.id, Bytes: e.pref})
				squeezed += float64(surplus)
			} else if e.need > 0 {
				acceptorCands = append(acceptorCands, e)
			}
		}

		var prefSum uint64
		for _, e := range acceptorCands {
			prefSum += e.pref
		}
		if prefSum > 0 {
			for _, e := range acceptorCands {
				share := squeezed * (float64(e.pref) / float64(prefSum))
				newTarget := uint64(share)
				if newTarget > e.d.MemMaximum {
					newTarget = e.d.MemMaximum
				}
				acceptors = append(acceptors, Target{ID: e.id, Bytes: newTarget})
			}
		}
	}

	out := make([]Target, 0, len(donors)+len(acceptors))
	out = append(out, donors...)
	out = append(out, acceptors...)
	return out
}
