package qmemman

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnumerateLiveDomainsFiltersStaleDirectories(t *testing.T) {
	store := newFakeStore()
	store.children[domainsBasePath] = []string{"1", "2", "not-a-number"}
	store.values[domainKey(1, "domid")] = "1" // live
	// domain 2 has no domid key: teardown race, must be filtered out.

	s := newTestState(t, &fakeHypervisor{}, store)
	w := NewWatcher(s, store, testLogger())

	ids, err := w.enumerateLiveDomains(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1}, ids)
}

func TestEnumerateLiveDomainsEmptyDirectoryReturnsNil(t *testing.T) {
	store := newFakeStore()
	s := newTestState(t, &fakeHypervisor{}, store)
	w := NewWatcher(s, store, testLogger())

	ids, err := w.enumerateLiveDomains(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestHandleDomainListChangedAddsAndRemovesDomains(t *testing.T) {
	store := newFakeStore()
	store.children[domainsBasePath] = []string{"7"}
	store.values[domainKey(7, "domid")] = "1"

	s := newTestState(t, &fakeHypervisor{}, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.AddDomain(ctx, 5) // previously tracked, no longer present
	w := NewWatcher(s, store, testLogger())

	w.handleDomainListChanged(ctx)

	assert.ElementsMatch(t, []int{7}, s.TrackedIDs())
	_, stillWatching5 := w.meminfoWatches[5]
	assert.False(t, stillWatching5)
	_, watching7 := w.meminfoWatches[7]
	assert.True(t, watching7)
}

func TestHandleDomainListChangedLeavesStateUntouchedOnTransientEmptyView(t *testing.T) {
	store := newFakeStore()
	// No children published at all: looks like a transient hypervisor hiccup.
	s := newTestState(t, &fakeHypervisor{}, store)
	ctx := context.Background()
	s.AddDomain(ctx, 9)

	w := NewWatcher(s, store, testLogger())
	w.handleDomainListChanged(ctx)

	assert.ElementsMatch(t, []int{9}, s.TrackedIDs(), "a momentarily empty enumeration must not evict tracked domains")
}

func TestHandleMeminfoFiredReenumeratesWhenForced(t *testing.T) {
	store := newFakeStore()
	store.children[domainsBasePath] = []string{"3"}
	store.values[domainKey(3, "domid")] = "1"
	store.values[meminfoKey(3)] = "102400"

	s := newTestState(t, &fakeHypervisor{}, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(s, store, testLogger())
	s.SetForceReenumerate()

	w.handleMeminfoFired(ctx, 3)

	assert.ElementsMatch(t, []int{3}, s.TrackedIDs(), "forced re-enumeration must register domain 3 before the meminfo update is applied")
}
