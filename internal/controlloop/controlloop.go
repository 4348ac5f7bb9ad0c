// Package controlloop drives the poll/evaluate/mitigate tick that ties
// metrics collection, the tenant FSM, and mitigation together.
package controlloop

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/baikal/gpuslo/internal/state"
	"github.com/baikal/gpuslo/internal/statstore"
)

// MetricsSource supplies one latency sample per active tenant per tick.
// Per-tenant read failures are omitted from the snapshot, not surfaced as
// an error: a degraded snapshot still lets the tick proceed for every
// tenant that could be read.
type MetricsSource interface {
	Snapshot(ctx context.Context) map[int]float64
	PurgeStale(active map[int]struct{})
}

// Tracker advances the tenant FSM and emits Violations for this tick.
type Tracker interface {
	Advance(snapshot map[int]float64) []state.Violation
	Summary() map[state.FSMState]int
}

// Mitigator applies the tiered mitigation sequence for one Violation.
type Mitigator interface {
	Mitigate(ctx context.Context, v state.Violation) []statstore.ActionRecord
}

// Loop runs the controller's poll/evaluate/mitigate tick until stopped.
type Loop struct {
	metrics   MetricsSource
	tracker   Tracker
	mitigator Mitigator
	store     *statstore.Store

	pollInterval time.Duration
}

// New returns a Loop ticking every pollInterval.
func New(metrics MetricsSource, tracker Tracker, mitigator Mitigator, store *statstore.Store, pollInterval time.Duration) *Loop {
	return &Loop{
		metrics:      metrics,
		tracker:      tracker,
		mitigator:    mitigator,
		store:        store,
		pollInterval: pollInterval,
	}
}

// Run blocks, ticking until ctx is cancelled or SIGINT/SIGTERM arrives, then
// returns after logging final aggregate stats. A tick that runs long logs a
// warning but never skips the next tick's work.
func (l *Loop) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.Printf("[controlloop] received %v, shutting down after current tick", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	log.Printf("[controlloop] starting, poll_interval=%s", l.pollInterval)

	for {
		select {
		case <-ctx.Done():
			l.logFinalStats()
			return nil
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	start := time.Now()

	snapshot := l.metrics.Snapshot(ctx)
	if len(snapshot) == 0 {
		log.Printf("[controlloop] empty snapshot, skipping remaining steps for this tick")
		return
	}

	violations := l.tracker.Advance(snapshot)
	for _, v := range violations {
		log.Printf("[controlloop] violation detected: %s", v.String())
		// Each violation is mitigated independently; one violation's
		// mitigation failure must never block another's.
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[controlloop] mitigation for tenant %d panicked: %v", v.VictimTenant, r)
				}
			}()
			for _, rec := range l.mitigator.Mitigate(ctx, v) {
				if !rec.Success {
					log.Printf("[controlloop] mitigation step failed: %s", rec.Message)
				}
			}
		}()
	}

	active := make(map[int]struct{}, len(snapshot))
	for tid := range snapshot {
		active[tid] = struct{}{}
	}
	l.metrics.PurgeStale(active)

	elapsed := time.Since(start)
	if elapsed > l.pollInterval {
		log.Printf("[controlloop] tick overran poll_interval: took %s, budget %s", elapsed, l.pollInterval)
	}
}

func (l *Loop) logFinalStats() {
	summary := l.tracker.Summary()
	stats := l.store.Stats()
	log.Printf("[controlloop] shutdown complete, tenant summary=%v, actions total=%d success=%d failure=%d",
		summary, stats.Total, stats.SuccessTotal, stats.FailureTotal)
}
