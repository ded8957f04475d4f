package qmemman

import (
	"context"
	"strconv"

	"github.com/sirupsen/logrus"
)

// EventKind tags a fired watch event. This replaces the original daemon's
// ad-hoc "stored callback + param" dispatch record with a closed variant
// that a switch can exhaustively match on.
type EventKind int

const (
	// EventDomainList fires when the aggregate introduce/release keys
	// change: the watcher must re-enumerate live domains.
	EventDomainList EventKind = iota
	// EventMeminfo fires when a single domain's memory/meminfo key
	// changes.
	EventMeminfo
)

// Event is the tagged variant dispatched by Watcher's run loop.
type Event struct {
	Kind EventKind
	// DomainID is only meaningful when Kind == EventMeminfo.
	DomainID int
}

const (
	introduceDomainKey = "@introduceDomain"
	releaseDomainKey   = "@releaseDomain"
	domainsBasePath    = "/local/domain"
)

// Watcher is the single cooperative event loop over the hypervisor key-
// value store. It owns the per-domain meminfo subscription set and drives
// State's balancing/balloon routines as events arrive.
type Watcher struct {
	state *State
	store Store
	log   *logrus.Entry

	// meminfoWatches tracks which domain ids currently have an active
	// meminfo subscription, so Run can diff against a fresh enumeration.
	meminfoWatches map[int]context.CancelFunc
}

// NewWatcher constructs a Watcher bound to state and store.
func NewWatcher(state *State, store Store, log *logrus.Entry) *Watcher {
	return &Watcher{
		state:          state,
		store:          store,
		log:            log,
		meminfoWatches: make(map[int]context.CancelFunc),
	}
}

// Run subscribes to the two aggregate keys and blocks dispatching events
// until ctx is cancelled. It returns only on cancellation, a fatal
// subscription error, or when either aggregate watch channel is closed.
func (w *Watcher) Run(ctx context.Context) error {
	introduceCh, err := w.store.Watch(ctx, introduceDomainKey)
	if err != nil {
		return err
	}
	releaseCh, err := w.store.Watch(ctx, releaseDomainKey)
	if err != nil {
		return err
	}

	// Bootstrap: treat startup itself as a domain-list-changed event so
	// the tracked set and subscriptions are seeded before the first
	// per-domain event could possibly arrive.
	w.handleDomainListChanged(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-introduceCh:
			if !ok {
				return nil
			}
			w.dispatch(ctx, Event{Kind: EventDomainList})
		case _, ok := <-releaseCh:
			if !ok {
				return nil
			}
			w.dispatch(ctx, Event{Kind: EventDomainList})
		}
	}
}

func (w *Watcher) dispatch(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventDomainList:
		w.handleDomainListChanged(ctx)
	case EventMeminfo:
		w.handleMeminfoFired(ctx, ev.DomainID)
	}
}

// handleDomainListChanged re-enumerates live domains, registers/drops
// meminfo subscriptions to match, and then balances. Per spec.md §4.4,
// this must fully drain before a queued per-domain event is honored,
// which is why it is invoked synchronously from Run's select loop rather
// than being fanned out.
func (w *Watcher) handleDomainListChanged(ctx context.Context) {
	current, err := w.enumerateLiveDomains(ctx)
	if err != nil || len(current) == 0 {
		// Hypervisor transient or momentarily empty view: do nothing,
		// the next fired event will retry.
		return
	}

	tracked := w.state.TrackedIDs()
	trackedSet := make(map[int]bool, len(tracked))
	for _, id := range tracked {
		trackedSet[id] = true
	}
	currentSet := make(map[int]bool, len(current))
	for _, id := range current {
		currentSet[id] = true
	}

	for _, id := range current {
		if trackedSet[id] {
			continue
		}
		w.subscribeMeminfo(ctx, id)
		w.state.AddDomain(ctx, id)
	}
	for _, id := range tracked {
		if currentSet[id] {
			continue
		}
		w.unsubscribeMeminfo(id)
		w.state.RemoveDomain(id)
	}

	w.state.DoBalance(ctx)
}

// enumerateLiveDomains lists domain ids from the store, filtering out
// stale directories left behind by a teardown race (spec.md §4.6).
func (w *Watcher) enumerateLiveDomains(ctx context.Context) ([]int, error) {
	children, err := w.store.Directory(ctx, domainsBasePath)
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		return nil, nil
	}

	var ids []int
	for _, field := range children {
		id, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		if _, ok, err := w.store.Read(ctx, domainKey(id, "domid")); err != nil || !ok {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (w *Watcher) subscribeMeminfo(ctx context.Context, id int) {
	if _, exists := w.meminfoWatches[id]; exists {
		return
	}
	watchCtx, cancel := context.WithCancel(ctx)
	w.meminfoWatches[id] = cancel

	ch, err := w.store.Watch(watchCtx, meminfoKey(id))
	if err != nil {
		w.log.WithError(err).WithField("domain", id).Warn("failed to subscribe to meminfo key")
		return
	}
	go func(id int, ch <-chan string) {
		for {
			select {
			case <-watchCtx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				w.handleMeminfoFired(ctx, id)
			}
		}
	}(id, ch)
}

func (w *Watcher) unsubscribeMeminfo(id int) {
	if cancel, ok := w.meminfoWatches[id]; ok {
		cancel()
		delete(w.meminfoWatches, id)
	}
}

// handleMeminfoFired honors the ordering guarantee from spec.md §4.4/
// §4.5: if the server has flagged that a re-enumeration is overdue (a
// client just disconnected after a grant), process that first so the new
// domain is registered before this meminfo update is allowed to balance.
func (w *Watcher) handleMeminfoFired(ctx context.Context, id int) {
	if w.state.ConsumeForceReenumerate() {
		w.handleDomainListChanged(ctx)
	}

	raw, ok, err := w.store.Read(ctx, meminfoKey(id))
	if err != nil || !ok || raw == "" {
		return
	}
	w.state.RefreshMeminfo(ctx, id, []byte(raw))
}
