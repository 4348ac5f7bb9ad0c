package controlloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/baikal/gpuslo/internal/state"
	"github.com/baikal/gpuslo/internal/statstore"
)

type fakeMetrics struct {
	mu        sync.Mutex
	snap      map[int]float64
	hits      int
	purgeArgs []map[int]struct{}
}

func (f *fakeMetrics) Snapshot(ctx context.Context) map[int]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits++
	return f.snap
}

func (f *fakeMetrics) PurgeStale(active map[int]struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purgeArgs = append(f.purgeArgs, active)
}

func (f *fakeMetrics) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits
}

func (f *fakeMetrics) purgeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.purgeArgs)
}

type fakeTracker struct {
	mu         sync.Mutex
	violations []state.Violation
	advances   int
}

func (f *fakeTracker) Advance(snapshot map[int]float64) []state.Violation {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advances++
	return f.violations
}

func (f *fakeTracker) Summary() map[state.FSMState]int {
	return map[state.FSMState]int{state.Normal: 1}
}

type fakeMitigator struct {
	mu    sync.Mutex
	calls []state.Violation
}

func (f *fakeMitigator) Mitigate(ctx context.Context, v state.Violation) []statstore.ActionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, v)
	return []statstore.ActionRecord{{Kind: statstore.ActionIOThrottle, Success: true}}
}

func (f *fakeMitigator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestRunTicksAndStopsOnContextCancel(t *testing.T) {
	metrics := &fakeMetrics{snap: map[int]float64{1: 10}}
	tracker := &fakeTracker{}
	mitigator := &fakeMitigator{}
	store := statstore.New(10)

	loop := New(metrics, tracker, mitigator, store, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()

	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if metrics.count() < 2 {
		t.Fatalf("expected at least 2 ticks, got %d", metrics.count())
	}
}

func TestTickMitigatesEachViolation(t *testing.T) {
	metrics := &fakeMetrics{snap: map[int]float64{1: 10}}
	tracker := &fakeTracker{violations: []state.Violation{
		{VictimTenant: 1, VictimDevice: "GPU-0"},
		{VictimTenant: 2, VictimDevice: "GPU-0"},
	}}
	mitigator := &fakeMitigator{}
	store := statstore.New(10)

	loop := New(metrics, tracker, mitigator, store, time.Second)
	loop.tick(context.Background())

	if mitigator.count() != 2 {
		t.Fatalf("expected 2 mitigate calls, got %d", mitigator.count())
	}
}

func TestTickSkipsRemainingStepsOnEmptySnapshot(t *testing.T) {
	metrics := &fakeMetrics{snap: map[int]float64{}}
	tracker := &fakeTracker{}
	mitigator := &fakeMitigator{}
	store := statstore.New(10)

	loop := New(metrics, tracker, mitigator, store, time.Second)
	loop.tick(context.Background())

	if tracker.advances != 0 {
		t.Fatalf("expected Advance not called on empty snapshot, got %d calls", tracker.advances)
	}
	if metrics.purgeCalls() != 0 {
		t.Fatalf("expected PurgeStale not called on empty snapshot, got %d calls", metrics.purgeCalls())
	}
}

func TestTickPurgesStaleWithSnapshotKeys(t *testing.T) {
	metrics := &fakeMetrics{snap: map[int]float64{1: 10, 2: 20}}
	tracker := &fakeTracker{}
	mitigator := &fakeMitigator{}
	store := statstore.New(10)

	loop := New(metrics, tracker, mitigator, store, time.Second)
	loop.tick(context.Background())

	if metrics.purgeCalls() != 1 {
		t.Fatalf("expected PurgeStale called once, got %d calls", metrics.purgeCalls())
	}
	got := metrics.purgeArgs[0]
	if _, ok := got[1]; !ok {
		t.Fatal("expected tenant 1 in PurgeStale active set")
	}
	if _, ok := got[2]; !ok {
		t.Fatal("expected tenant 2 in PurgeStale active set")
	}
	if len(got) != 2 {
		t.Fatalf("expected exactly 2 active tenants, got %d", len(got))
	}
}
