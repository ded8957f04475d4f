package qmemman

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memUsed(n uint64) *uint64 { return &n }

func defaultTuning() Tuning {
	return Tuning{
		CacheFactor:  1.3,
		MinPrefmem:   200 * miB,
		Dom0MemBoost: 350 * miB,
		SafetyFactor: 1.05,
	}
}

func TestBalloonZeroRequestReturnsEmpty(t *testing.T) {
	a := &Allocator{Tuning: defaultTuning()}
	domains := map[int]*Domain{
		1: {ID: 1, MemUsed: memUsed(100 * miB), MemActual: 500 * miB, MemMaximum: 1000 * miB},
	}
	assert.Empty(t, a.Balloon(0, domains))
}

func TestBalloonNoDomainsReturnsEmpty(t *testing.T) {
	a := &Allocator{Tuning: defaultTuning()}
	assert.Empty(t, a.Balloon(100*miB, map[int]*Domain{}))
}

func TestBalloonInsufficientDonorsReturnsNil(t *testing.T) {
	a := &Allocator{Tuning: defaultTuning()}
	domains := map[int]*Domain{
		1: {ID: 1, MemUsed: memUsed(100 * miB), MemActual: 150 * miB, MemMaximum: 1000 * miB},
	}
	// prefmem(1) = max(130MiB, 200MiB) = 200MiB >= MemActual(150MiB), so no surplus at all.
	assert.Nil(t, a.Balloon(500*miB, domains))
}

func TestBalloonIneligibleDomainsExcluded(t *testing.T) {
	a := &Allocator{Tuning: defaultTuning()}
	domains := map[int]*Domain{
		1: {ID: 1, MemUsed: nil, MemActual: 900 * miB, MemMaximum: 1000 * miB}, // no report yet
		2: {ID: 2, MemUsed: memUsed(50 * miB), MemActual: 900 * miB, MemMaximum: 1000 * miB, NoProgress: true},
	}
	assert.Nil(t, a.Balloon(100*miB, domains))
}

func TestBalloonDistributesProportionallyAcrossDonors(t *testing.T) {
	a := &Allocator{Tuning: Tuning{CacheFactor: 1.0, MinPrefmem: 0, Dom0MemBoost: 0, SafetyFactor: 1.0}}
	domains := map[int]*Domain{
		1: {ID: 1, MemUsed: memUsed(100 * miB), MemActual: 600 * miB, MemMaximum: 1000 * miB},
		2: {ID: 2, MemUsed: memUsed(100 * miB), MemActual: 400 * miB, MemMaximum: 1000 * miB},
	}
	targets := a.Balloon(300*miB, domains)
	assert.Len(t, targets, 2)

	byID := map[int]uint64{}
	for _, tg := range targets {
		byID[tg.ID] = tg.Bytes
	}
	// Domain 1 has 500MiB surplus, domain 2 has 300MiB surplus; 800MiB total
	// available for a 300MiB request, split proportionally.
	assert.InDelta(t, float64(600*miB)-300*miB*(500.0/800.0), float64(byID[1]), float64(miB))
	assert.InDelta(t, float64(400*miB)-300*miB*(300.0/800.0), float64(byID[2]), float64(miB))
}

func TestBalancePutsDonorsBeforeAcceptors(t *testing.T) {
	a := &Allocator{Tuning: defaultTuning()}
	domains := map[int]*Domain{
		// Domain 1 is far over its preference: a sizeable donor.
		1: {ID: 1, MemUsed: memUsed(50 * miB), MemActual: 900 * miB, MemMaximum: 1500 * miB},
		// Domain 2 is under its preference: an acceptor.
		2: {ID: 2, MemUsed: memUsed(300 * miB), MemActual: 50 * miB, MemMaximum: 2000 * miB},
	}
	// Free memory deeply negative forces the scarcity regime, where donors
	// are released to their preference before the yield is redistributed.
	targets := a.Balance(-500*miB, domains)
	if assert.Len(t, targets, 2) {
		assert.Equal(t, 1, targets[0].ID, "donor target must be applied before the acceptor's")
		assert.Equal(t, 2, targets[1].ID)
	}
}

func TestBalanceSurplusRegimeRespectsMemMaximum(t *testing.T) {
	a := &Allocator{Tuning: Tuning{CacheFactor: 1.0, MinPrefmem: 0, Dom0MemBoost: 0, SafetyFactor: 1.0}}
	domains := map[int]*Domain{
		1: {ID: 1, MemUsed: memUsed(100 * miB), MemActual: 100 * miB, MemMaximum: 150 * miB},
		2: {ID: 2, MemUsed: memUsed(100 * miB), MemActual: 100 * miB, MemMaximum: 2000 * miB},
	}
	// Plenty of free memory: domain 1 should be clamped at its low ceiling
	// and the rest of the surplus should spill over to domain 2.
	targets := a.Balance(3000*miB, domains)

	byID := map[int]uint64{}
	for _, tg := range targets {
		byID[tg.ID] = tg.Bytes
	}
	assert.LessOrEqual(t, byID[1], uint64(150*miB))
	assert.Greater(t, byID[2], uint64(100*miB))
}

func TestBalanceSurplusRegimeStillShrinksAnOverPrefDonor(t *testing.T) {
	a := &Allocator{Tuning: Tuning{CacheFactor: 1.0, MinPrefmem: 0, Dom0MemBoost: 0, SafetyFactor: 1.0}}
	domains := map[int]*Domain{
		// Domain 1 is already far over its preference: even with plenty of
		// free memory overall, it must still be handed a target below its
		// current actual, i.e. it must appear as a donor.
		1: {ID: 1, MemUsed: memUsed(10 * miB), MemActual: 500 * miB, MemMaximum: 2000 * miB},
		// Domain 2 is under its preference: an acceptor.
		2: {ID: 2, MemUsed: memUsed(300 * miB), MemActual: 50 * miB, MemMaximum: 2000 * miB},
	}
	targets := a.Balance(1000*miB, domains)

	byID := map[int]uint64{}
	for _, tg := range targets {
		byID[tg.ID] = tg.Bytes
	}
	require.Contains(t, byID, 1)
	require.Contains(t, byID, 2)
	assert.Less(t, byID[1], uint64(500*miB), "domain 1 must still shrink even in the surplus regime")
	assert.Greater(t, byID[2], uint64(50*miB))

	// Donor targets are always applied before acceptor targets.
	var sawAcceptor bool
	for _, tg := range targets {
		if tg.ID == 2 {
			sawAcceptor = true
		}
		if tg.ID == 1 {
			assert.False(t, sawAcceptor, "donor target must come before the acceptor's")
		}
	}
}

func TestBalanceScarcityRegimeSkipsNegligibleDonors(t *testing.T) {
	a := &Allocator{Tuning: defaultTuning()}
	domains := map[int]*Domain{
		// Surplus of 1MiB (prefmem 260MiB), well under minDonationThreshold:
		// must not be asked to donate.
		1: {ID: 1, MemUsed: memUsed(200 * miB), MemActual: 260*miB + miB, MemMaximum: 1000 * miB},
		2: {ID: 2, MemUsed: memUsed(400 * miB), MemActual: 100 * miB, MemMaximum: 1000 * miB},
	}
	targets := a.Balance(-50*miB, domains)
	for _, tg := range targets {
		assert.NotEqual(t, 1, tg.ID, "negligible surplus must not be treated as a donor")
	}
}

func TestPrefmemDom0BoostedPreferenceClampsToMax(t *testing.T) {
	a := &Allocator{Tuning: defaultTuning()}
	got := a.prefmem(privilegedDomainID, 1000*miB, 1200*miB)
	assert.Equal(t, uint64(1200*miB), got, "prefmem must clamp to MemMaximum even for dom0")
}

func TestPrefmemNonPrivilegedFloorsAtMinPrefmem(t *testing.T) {
	a := &Allocator{Tuning: defaultTuning()}
	got := a.prefmem(7, 1*miB, 1000*miB)
	assert.Equal(t, a.Tuning.MinPrefmem, got)
}
