package qmemman

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Constants holds the fixed tuning values from SPEC_FULL.md §6 that are
// not operator-configurable, plus the hint and override file paths carried
// by config.Config. The operator-configurable values go to Tuning instead.
type Constants struct {
	XenFreeReserveBytes uint64
	XenFreeMinimumBytes uint64
	BalloonDelay        time.Duration
	OverheadFactor      float64
	CheckPeriodS        int
	CheckMBS            int

	HintFilePath     string
	OverrideFilePath string

	// StaticMaxAdjustBytes is added above a requested target when
	// setting a domain's ceiling (headroom for the guest kernel).
	StaticMaxAdjustBytes uint64

	// HotplugOffsetBytes is subtracted from the published target when a
	// domain uses hotplug-max, per spec.md §9's resolved open question.
	HotplugOffsetBytes uint64

	MinUnderPrefStepBytes uint64
	MinTotalTransferBytes uint64
}

// State is the mutex-wrapped handle that replaces the original daemon's
// global singleton + global lock. Both the watcher and the server hold a
// shared pointer to the same State and take its lock before touching
// domains. There is no finer-grained locking.
type State struct {
	*sync.Mutex

	domains map[int]*Domain

	hv    Hypervisor
	store Store
	alloc *Allocator

	constants Constants

	totalPhysicalMemoryBytes uint64

	// forceReenumerate is the "ordering linchpin" from spec.md §4.4/§4.5:
	// set by the server when a client disconnects, consulted by the
	// watcher's meminfo handler before it acts on a per-domain event, so
	// that a newly granted VM is registered before the next balance runs.
	forceReenumerate atomic.Bool

	metrics Metrics
	log     *logrus.Entry
}

// NewState constructs a State with total physical memory read once up
// front, per spec.md §4.6's ALL_PHYS_MEM-at-init behavior. A read failure
// here is logged and treated as zero, not fatal: the daemon still starts,
// degraded until restarted.
func NewState(ctx context.Context, hv Hypervisor, store Store, alloc *Allocator, c Constants, log *logrus.Entry) *State {
	total, err := hv.TotalMemoryKiB(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to read total physical memory at startup; using 0")
		total = 0
	}
	return &State{
		Mutex:                    &sync.Mutex{},
		domains:                  make(map[int]*Domain),
		hv:                       hv,
		store:                    store,
		alloc:                    alloc,
		constants:                c,
		totalPhysicalMemoryBytes: total * kib,
		log:                      log,
	}
}

// SetForceReenumerate sets the ordering flag. Called by RequestServer on
// client disconnect.
func (s *State) SetForceReenumerate() { s.forceReenumerate.Store(true) }

// ConsumeForceReenumerate reads and clears the flag in one step.
func (s *State) ConsumeForceReenumerate() bool { return s.forceReenumerate.Swap(false) }

// AddDomain initializes a tracked entry for id, seeding LastTarget from
// the hypervisor-published target key if present.
func (s *State) AddDomain(ctx context.Context, id int) {
	s.Lock()
	defer s.Unlock()
	s.addDomainLocked(ctx, id)
}

func (s *State) addDomainLocked(ctx context.Context, id int) {
	if _, exists := s.domains[id]; exists {
		return
	}
	d := &Domain{ID: id}
	if raw, ok, err := s.store.Read(ctx, targetKey(id)); err == nil && ok {
		if kibVal, perr := strconv.ParseUint(raw, 10, 64); perr == nil {
			d.LastTarget = kibVal * kib
		}
	}
	s.domains[id] = d
}

// RemoveDomain drops the entry for id. No-op if absent.
func (s *State) RemoveDomain(id int) {
	s.Lock()
	defer s.Unlock()
	delete(s.domains, id)
}

// TrackedIDs returns the currently tracked domain ids.
func (s *State) TrackedIDs() []int {
	s.Lock()
	defer s.Unlock()
	ids := make([]int, 0, len(s.domains))
	for id := range s.domains {
		ids = append(ids, id)
	}
	return ids
}

func targetKey(id int) string       { return domainKey(id, "memory/target") }
func staticMaxKey(id int) string    { return domainKey(id, "memory/static-max") }
func hotplugMaxKey(id int) string   { return domainKey(id, "memory/hotplug-max") }
func meminfoKey(id int) string      { return domainKey(id, "memory/meminfo") }
func domainKey(id int, leaf string) string {
	return "/local/domain/" + strconv.Itoa(id) + "/" + leaf
}

// RefreshMemActual updates mem_current/mem_actual/mem_maximum for every
// domain the hypervisor currently enumerates.
func (s *State) RefreshMemActual(ctx context.Context) error {
	s.Lock()
	defer s.Unlock()
	return s.refreshMemActualLocked(ctx)
}

func (s *State) refreshMemActualLocked(ctx context.Context) error {
	infos, err := s.hv.ListDomains(ctx)
	if err != nil {
		return errors.Wrap(err, "list domains")
	}

	for _, info := range infos {
		d, ok := s.domains[info.ID]
		if !ok {
			continue
		}
		d.MemCurrent = info.MemKiB * kib
		d.MemActual = d.MemCurrent
		if d.MemActual < d.LastTarget {
			d.MemActual = d.LastTarget
		}

		maxBytes, useHotplug, err := s.resolveMaximum(ctx, info.ID)
		if err != nil {
			s.log.WithError(err).WithField("domain", info.ID).Debug("transient error resolving max memory")
			continue
		}
		d.MemMaximum = maxBytes
		d.UseHotplug = useHotplug
	}
	s.reportDomainGaugesLocked()
	return nil
}

// resolveMaximum follows the hotplug-max -> static-max -> total physical
// memory fallback chain from spec.md §4.3.
func (s *State) resolveMaximum(ctx context.Context, id int) (bytes uint64, useHotplug bool, err error) {
	if raw, ok, err := s.store.Read(ctx, hotplugMaxKey(id)); err == nil && ok {
		if v, perr := strconv.ParseUint(raw, 10, 64); perr == nil {
			return v * kib, true, nil
		}
	}
	if raw, ok, err := s.store.Read(ctx, staticMaxKey(id)); err == nil && ok {
		if v, perr := strconv.ParseUint(raw, 10, 64); perr == nil {
			return v * kib, false, nil
		}
	}
	return s.totalPhysicalMemoryBytes, false, nil
}

// FreeHostMemory returns hypervisor-free bytes scaled by the overhead
// factor, minus the sum of assigned-but-unused reserve across domains.
func (s *State) FreeHostMemory(ctx context.Context) (uint64, error) {
	s.Lock()
	defer s.Unlock()
	return s.freeHostMemoryLocked(ctx)
}

func (s *State) freeHostMemoryLocked(ctx context.Context) (uint64, error) {
	freeKiB, err := s.hv.FreeMemoryKiB(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "read free memory")
	}
	freeBytes := freeKiB * kib

	if freeBytes < s.constants.XenFreeMinimumBytes {
		s.log.WithField("free_bytes", freeBytes).Error("hypervisor free memory below minimum reserve")
	}

	scaled := uint64(float64(freeBytes) * s.constants.OverheadFactor)

	var reserved uint64
	for _, d := range s.domains {
		if d.LastTarget > d.MemCurrent {
			reserved += d.LastTarget - d.MemCurrent
		}
	}

	var free uint64
	if scaled >= reserved {
		free = scaled - reserved
	}
	if s.metrics != nil {
		s.metrics.SetXenFreeBytes(free)
	}
	return free, nil
}

// SetMemTarget records the new target and pushes it to the hypervisor and
// the published memory/target key. Hypervisor errors are swallowed here;
// they are the expected shape of a domain tearing down mid-cycle.
func (s *State) SetMemTarget(ctx context.Context, id int, bytes uint64) {
	d, ok := s.domains[id]
	if !ok {
		return
	}
	d.LastTarget = bytes

	targetKiB := bytes / kib
	ceilingKiB := targetKiB + s.constants.StaticMaxAdjustBytes/kib

	if err := s.hv.SetMemTarget(ctx, id, ceilingKiB, targetKiB); err != nil {
		s.log.WithError(err).WithField("domain", id).Debug("transient error setting mem target")
	}

	publishKiB := targetKiB
	if d.UseHotplug && publishKiB > s.constants.HotplugOffsetBytes/kib {
		publishKiB -= s.constants.HotplugOffsetBytes / kib
	}
	if err := s.store.Write(ctx, targetKey(id), strconv.FormatUint(publishKiB, 10)); err != nil {
		s.log.WithError(err).WithField("domain", id).Debug("transient error publishing target")
	}
	if d.UseHotplug {
		if err := s.store.Write(ctx, staticMaxKey(id), strconv.FormatUint(targetKiB, 10)); err != nil {
			s.log.WithError(err).WithField("domain", id).Debug("transient error publishing static-max")
		}
	}
}

// InhibitGrowth scans every domain after a successful ballooning request
// and clamps any target that would let the domain reclaim the memory the
// caller just reserved.
func (s *State) InhibitGrowth(ctx context.Context) {
	s.Lock()
	defer s.Unlock()
	s.inhibitGrowthLocked(ctx)
}

// RefreshMeminfo updates mem_used from a raw guest report and triggers a
// balance.
func (s *State) RefreshMeminfo(ctx context.Context, id int, raw []byte) {
	s.Lock()
	d, ok := s.domains[id]
	if !ok {
		s.Unlock()
		return
	}
	used, err := ParseMeminfo(raw)
	if err != nil {
		d.MemUsed = nil
		s.Unlock()
		s.log.WithError(err).WithField("domain", id).Warn("malformed meminfo report")
		return
	}
	d.MemUsed = &used
	s.Unlock()

	s.DoBalance(ctx)
}

// clearOutdatedErrorMarkers clears NoProgress/SlowMemsetReact for domains
// that have converged back under the recovery threshold. Must be called
// with the lock held.
func (s *State) clearOutdatedErrorMarkersLocked() {
	threshold := s.constants.XenFreeReserveBytes / 4
	for _, d := range s.domains {
		d.clearConvergenceErrors(threshold)
	}
}

// snapshotActuals captures mem_actual for every domain, used by do_balloon
// and do_balance to detect lack of progress between iterations.
func (s *State) snapshotActualsLocked() map[int]uint64 {
	snap := make(map[int]uint64, len(s.domains))
	for id, d := range s.domains {
		snap[id] = d.MemActual
	}
	return snap
}

// DoBalloon is the external-request state machine (spec.md §4.3.1). It
// acquires the lock itself; callers that already hold it (RequestServer,
// which keeps the lock for the whole connection) must use
// DoBalloonLocked instead.
func (s *State) DoBalloon(ctx context.Context, requestBytes uint64) bool {
	s.Lock()
	defer s.Unlock()
	return s.DoBalloonLocked(ctx, requestBytes)
}

// DoBalloonLocked runs the same state machine as DoBalloon but assumes
// the caller already holds the lock and keeps holding it for the whole
// run, including across the balloon_delay sleep between iterations, per
// spec.md §5's suspension-point rules.
func (s *State) DoBalloonLocked(ctx context.Context, requestBytes uint64) bool {
	ok := s.doBalloonLockedInner(ctx, requestBytes)
	if s.metrics != nil {
		s.metrics.IncBalloonResult(ok)
	}
	return ok
}

func (s *State) doBalloonLockedInner(ctx context.Context, requestBytes uint64) bool {
	checkPeriod := int(float64(s.constants.CheckPeriodS) / s.constants.BalloonDelay.Seconds())
	if checkPeriod < 1 {
		checkPeriod = 1
	}
	ring := make([]uint64, checkPeriod)

	for iteration := 0; ; iteration++ {
		if err := s.refreshMemActualLocked(ctx); err != nil {
			s.log.WithError(err).Debug("transient error refreshing actuals")
		}
		free, err := s.freeHostMemoryLocked(ctx)
		if err != nil {
			s.log.WithError(err).Warn("transient error reading free memory")
			return false
		}

		if free >= requestBytes+s.constants.XenFreeMinimumBytes {
			s.inhibitGrowthLocked(ctx)
			return true
		}

		if iteration >= checkPeriod {
			threshold := ring[iteration%checkPeriod] + uint64(s.constants.CheckPeriodS*s.constants.CheckMBS)*miB
			if free < threshold {
				s.log.WithField("free_bytes", free).Warn("balloon request made insufficient progress")
				return false
			}
		}
		ring[iteration%checkPeriod] = free

		before := s.snapshotActualsLocked()

		need := int64(requestBytes) + int64(s.constants.XenFreeReserveBytes) - int64(free)
		if need < 0 {
			need = 0
		}
		targets := s.alloc.Balloon(uint64(need), s.domains)
		if len(targets) == 0 {
			s.log.Warn("no eligible donors to satisfy balloon request")
			return false
		}

		for _, t := range targets {
			s.SetMemTarget(ctx, t.ID, t.Bytes)
		}

		if err := s.refreshMemActualLocked(ctx); err != nil {
			s.log.WithError(err).Debug("transient error refreshing actuals post-apply")
		}
		for id, d := range s.domains {
			if prev, ok := before[id]; ok && prev == d.MemActual {
				d.NoProgress = true
			}
		}

		time.Sleep(s.constants.BalloonDelay)
	}
}

func (s *State) inhibitGrowthLocked(ctx context.Context) {
	margin := s.constants.XenFreeReserveBytes / 4
	for id, d := range s.domains {
		if d.MemActual+margin < d.LastTarget {
			s.SetMemTarget(ctx, id, d.MemActual)
		}
	}
}

// DoBalance is the steady-state redistribution loop (spec.md §4.3.2).
func (s *State) DoBalance(ctx context.Context) {
	if _, err := os.Stat(s.constants.OverrideFilePath); err == nil {
		return
	}

	s.Lock()
	defer s.Unlock()

	if s.metrics != nil {
		s.metrics.IncBalanceRuns()
	}

	if err := s.refreshMemActualLocked(ctx); err != nil {
		s.log.WithError(err).Debug("transient error refreshing actuals")
	}
	s.clearOutdatedErrorMarkersLocked()

	free, err := s.freeHostMemoryLocked(ctx)
	if err != nil {
		s.log.WithError(err).Warn("transient error reading free memory")
		return
	}

	available := int64(free) - int64(s.constants.XenFreeReserveBytes)
	targets := s.alloc.Balance(available, s.domains)

	if !s.isBalanceSignificantLocked(free, targets) {
		return
	}

	if s.metrics != nil {
		s.metrics.IncBalanceApplied()
	}

	s.applyBalanceLocked(ctx, targets)
	s.writeHintFileLocked(ctx)
}

// isBalanceSignificantLocked implements the significance filter from
// spec.md §4.3.2 step 4.
func (s *State) isBalanceSignificantLocked(free uint64, targets []Target) bool {
	if int64(s.constants.XenFreeReserveBytes)-int64(free) > int64(s.constants.MinUnderPrefStepBytes) {
		return true
	}

	var totalDelta uint64
	for _, t := range targets {
		d, ok := s.domains[t.ID]
		if !ok {
			continue
		}
		delta := int64(t.Bytes) - int64(d.MemActual)
		if delta > int64(s.constants.MinUnderPrefStepBytes) {
			return true
		}
		if delta < 0 {
			totalDelta += uint64(-delta)
		} else {
			totalDelta += uint64(delta)
		}
	}

	var freeDelta uint64
	if free > s.constants.XenFreeReserveBytes {
		freeDelta = free - s.constants.XenFreeReserveBytes
	} else {
		freeDelta = s.constants.XenFreeReserveBytes - free
	}

	return totalDelta+freeDelta > s.constants.MinTotalTransferBytes
}

// applyBalanceLocked applies donor requests, then waits for the reserve to
// recover before each acceptor grows, per spec.md §4.3.2 step 5.
func (s *State) applyBalanceLocked(ctx context.Context, targets []Target) {
	for _, t := range targets {
		d, ok := s.domains[t.ID]
		if !ok {
			continue
		}
		isDonor := t.Bytes < d.MemActual
		if !isDonor {
			continue
		}
		s.SetMemTarget(ctx, t.ID, t.Bytes)
	}

	donorSnapshot := make(map[int]uint64)
	for _, t := range targets {
		if d, ok := s.domains[t.ID]; ok && t.Bytes < d.MemActual {
			donorSnapshot[t.ID] = d.MemActual
		}
	}

	for _, t := range targets {
		d, ok := s.domains[t.ID]
		if !ok {
			continue
		}
		if t.Bytes < d.MemActual {
			continue // already applied as donor above
		}

		if !s.waitForDonorsLocked(ctx, t, donorSnapshot) {
			return
		}
		s.SetMemTarget(ctx, t.ID, t.Bytes)
	}
}

// waitForDonorsLocked retries up to 5 times waiting for the reserve to
// recover enough to safely grow an acceptor. On exhaustion it classifies
// stuck donors and clamps the acceptor to what is safely available, then
// reports false so the caller stops applying further acceptors.
func (s *State) waitForDonorsLocked(ctx context.Context, acceptor Target, donorSnapshot map[int]uint64) bool {
	d := s.domains[acceptor.ID]
	growth := int64(acceptor.Bytes) - int64(d.MemActual)

	const maxRetries = 5
	for attempt := 0; attempt < maxRetries; attempt++ {
		free, err := s.freeHostMemoryLocked(ctx)
		if err != nil {
			return false
		}
		if float64(int64(free)-growth) >= 0.9*float64(s.constants.XenFreeReserveBytes) {
			return true
		}

		time.Sleep(s.constants.BalloonDelay)

		if err := s.refreshMemActualLocked(ctx); err != nil {
			s.log.WithError(err).Debug("transient error refreshing actuals during donor wait")
		}
	}

	quarterReserve := s.constants.XenFreeReserveBytes / 4
	for id, prev := range donorSnapshot {
		dd, ok := s.domains[id]
		if !ok {
			continue
		}
		if dd.MemActual > dd.LastTarget+quarterReserve {
			if dd.MemActual == prev {
				dd.NoProgress = true
			} else {
				dd.SlowMemsetReact = true
			}
		}
	}

	free, err := s.freeHostMemoryLocked(ctx)
	if err == nil {
		safe := int64(free) + int64(d.MemActual) - int64(s.constants.XenFreeReserveBytes)
		if safe < 0 {
			safe = 0
		}
		s.SetMemTarget(ctx, acceptor.ID, uint64(safe))
	}
	return false
}

// writeHintFileLocked persists total_available_memory for out-of-process
// consumers, atomically (write to .tmp, chmod, rename).
func (s *State) writeHintFileLocked(ctx context.Context) {
	free, err := s.freeHostMemoryLocked(ctx)
	if err != nil {
		return
	}

	path := s.constants.HintFilePath
	if path == "" {
		return
	}
	tmp := path + ".tmp"

	content := strconv.FormatUint(free, 10) + "\n"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		s.log.WithError(err).Warn("failed to write hint file")
		return
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		s.log.WithError(err).Warn("failed to chmod hint file")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.log.WithError(err).Warn("failed to swap in hint file")
	}
}

// EnsureParentDir is a small helper used by main to make sure the socket
// directory exists before the daemon binds to it.
func EnsureParentDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
