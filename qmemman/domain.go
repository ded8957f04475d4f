// Package qmemman implements the memory-balancing core: parsing guest
// meminfo reports, computing balloon/balance targets, and driving both
// off a mutex-guarded view of tracked domains.
package qmemman

// Domain is the per-guest bookkeeping record tracked by State. It mirrors
// the fields a balancing decision actually needs: what the guest last
// reported, what we last asked it to target, and whether it is currently
// failing to converge.
type Domain struct {
	ID int

	// MemUsed is the guest-reported "used" figure from its last meminfo
	// report, in bytes. Nil means no report has arrived yet.
	MemUsed *uint64

	// MemCurrent is the guest's currently configured memory, in bytes.
	MemCurrent uint64

	// MemActual is max(MemCurrent, LastTarget), in bytes: the most memory
	// the guest may be using at any moment.
	MemActual uint64

	// MemMaximum is the ceiling the guest can be grown to, in bytes. Falls
	// back through hotplug-max -> static-max -> total physical memory.
	MemMaximum uint64

	// LastTarget is the most recent balloon target we requested, in bytes.
	LastTarget uint64

	// UseHotplug is true when MemMaximum came from the hotplug-max
	// xenstore key rather than the static maximum.
	UseHotplug bool

	// NoProgress is set when a domain has stopped moving toward its
	// last requested target.
	NoProgress bool

	// SlowMemsetReact is set when a domain is converging but slower than
	// expected.
	SlowMemsetReact bool
}

// HasReported reports whether at least one meminfo update has been
// received for this domain.
func (d *Domain) HasReported() bool {
	return d.MemUsed != nil
}

// clearConvergenceErrors clears the NoProgress/SlowMemsetReact markers
// once MemActual has come back under the recovery threshold. Both flags
// are cleared under the same condition.
func (d *Domain) clearConvergenceErrors(recoveryThresholdBytes uint64) {
	if d.MemActual < d.LastTarget+recoveryThresholdBytes {
		d.NoProgress = false
		d.SlowMemsetReact = false
	}
}
