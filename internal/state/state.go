// Package state implements the per-tenant FSM, persistence filter,
// cooldown discipline, and violation synthesis that drive mitigation.
package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/baikal/gpuslo/internal/ring"
)

// FSMState is one of the four tenant lifecycle states.
type FSMState int

const (
	Normal FSMState = iota
	Degraded
	Violated
	Cooldown
)

func (s FSMState) String() string {
	switch s {
	case Normal:
		return "normal"
	case Degraded:
		return "degraded"
	case Violated:
		return "violated"
	case Cooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// sampleHistoryCapacity is the fixed size of each tenant's retained latency
// history.
const sampleHistoryCapacity = 10

// record is the tracker's private view of one tenant; callers only ever see
// copies via GetState/SnapshotStates.
type record struct {
	tenantID               int
	deviceID               string
	fsmState               FSMState
	consecutiveBreachCount int
	cooldownTicksRemaining int
	samples                *ring.Buffer
	lastActionTime         time.Time
}

// Violation is one mitigation-worthy event emitted by Advance.
type Violation struct {
	VictimTenant int
	VictimDevice string
	BullyTenants []int
	Severity     float64
	CreationTime time.Time
}

func (v Violation) String() string {
	return fmt.Sprintf("Violation(victim=%d, device=%s, bullies=%v, severity=%.2f)",
		v.VictimTenant, v.VictimDevice, v.BullyTenants, v.Severity)
}

// Tracker holds the FSM for every currently-observed tenant. Advance is
// called serially from the control loop's own tick, but SnapshotStates and
// Summary may be called concurrently from the MCP read path; mu guards
// records against that race, and every exported method takes it.
type Tracker struct {
	tailThresholdMS      float64
	persistenceWindows   int
	cooldownObservations int

	mu      sync.Mutex
	records map[int]*record
}

// New returns a Tracker with the given configuration. All three parameters
// are immutable for the Tracker's lifetime.
func New(tailThresholdMS float64, persistenceWindows, cooldownObservations int) *Tracker {
	return &Tracker{
		tailThresholdMS:      tailThresholdMS,
		persistenceWindows:   persistenceWindows,
		cooldownObservations: cooldownObservations,
		records:              map[int]*record{},
	}
}

// Advance runs one tick of the algorithm: FSM transitions, cooldown
// decrement, garbage collection of absent tenants, and violation synthesis.
// Order matters and mirrors the documented per-tick sequence exactly. Device
// ids are not part of the snapshot (see DESIGN.md's Open Question on mock
// device assignment): detectViolations assigns the lazy mod-2 co-residency
// group for any tenant with no device id yet.
func (t *Tracker) Advance(snapshot map[int]float64) []Violation {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()

	for tid, lat := range snapshot {
		t.updateTenant(tid, lat, now)
	}

	t.processCooldowns()
	t.cleanupStale(snapshot)

	return t.detectViolations(now)
}

func (t *Tracker) updateTenant(tid int, latencyMS float64, now time.Time) {
	r, ok := t.records[tid]
	if !ok {
		r = &record{
			tenantID: tid,
			fsmState: Normal,
			samples:  ring.New(sampleHistoryCapacity),
		}
		t.records[tid] = r
	}
	r.samples.Append(ring.Sample{Timestamp: now, ValueMS: latencyMS})

	breach := latencyMS > t.tailThresholdMS

	switch r.fsmState {
	case Normal:
		if breach {
			r.consecutiveBreachCount = 1
			if r.consecutiveBreachCount >= t.persistenceWindows {
				r.fsmState = Violated
			} else {
				r.fsmState = Degraded
			}
		}
	case Degraded:
		if breach {
			r.consecutiveBreachCount++
			if r.consecutiveBreachCount >= t.persistenceWindows {
				r.fsmState = Violated
			}
		} else {
			r.fsmState = Normal
			r.consecutiveBreachCount = 0
		}
	case Violated:
		if !breach {
			r.fsmState = Normal
			r.consecutiveBreachCount = 0
		}
		// breach: stays VIOLATED; emission (and the move to COOLDOWN)
		// happens in detectViolations for this tick.
	case Cooldown:
		// inputs ignored; only processCooldowns advances this state.
	}
}

func (t *Tracker) processCooldowns() {
	for _, r := range t.records {
		if r.fsmState != Cooldown {
			continue
		}
		if r.cooldownTicksRemaining > 0 {
			r.cooldownTicksRemaining--
		}
		if r.cooldownTicksRemaining <= 0 {
			r.fsmState = Normal
		}
	}
}

// cleanupStale unconditionally drops any tenant absent from the current
// snapshot, including one mid-cooldown. This is a documented simplification
// (see DESIGN.md's Open Question on PID reuse during cooldown).
func (t *Tracker) cleanupStale(snapshot map[int]float64) {
	for tid := range t.records {
		if _, ok := snapshot[tid]; !ok {
			delete(t.records, tid)
		}
	}
}

// deviceOf lazily assigns a tenant's mock co-residency group when no real
// device id is known.
func deviceOf(tid int) string {
	return fmt.Sprintf("GPU-%08d-mock-uuid", tid%2)
}

func (t *Tracker) detectViolations(now time.Time) []Violation {
	groups := map[string][]*record{}
	for _, r := range t.records {
		if r.deviceID == "" {
			r.deviceID = deviceOf(r.tenantID)
		}
		groups[r.deviceID] = append(groups[r.deviceID], r)
	}

	var violations []Violation
	for device, members := range groups {
		var victims []*record
		var bullies []int
		for _, r := range members {
			if r.fsmState == Violated {
				victims = append(victims, r)
			} else {
				bullies = append(bullies, r.tenantID)
			}
		}

		for _, victim := range victims {
			mean := victim.samples.Mean(3)
			severity := (mean - t.tailThresholdMS) / t.tailThresholdMS

			bullyCopy := make([]int, len(bullies))
			copy(bullyCopy, bullies)

			violations = append(violations, Violation{
				VictimTenant: victim.tenantID,
				VictimDevice: device,
				BullyTenants: bullyCopy,
				Severity:     severity,
				CreationTime: now,
			})

			victim.fsmState = Cooldown
			victim.consecutiveBreachCount = 0
			victim.cooldownTicksRemaining = t.cooldownObservations
			victim.lastActionTime = now
		}
	}
	return violations
}

// GetState returns the FSM state of tid, if tracked.
func (t *Tracker) GetState(tid int) (FSMState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[tid]
	if !ok {
		return 0, false
	}
	return r.fsmState, true
}

// SnapshotStates returns every tracked tenant's current FSM state.
func (t *Tracker) SnapshotStates() map[int]FSMState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int]FSMState, len(t.records))
	for tid, r := range t.records {
		out[tid] = r.fsmState
	}
	return out
}

// Summary returns a count of tracked tenants per FSM state.
func (t *Tracker) Summary() map[FSMState]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := map[FSMState]int{Normal: 0, Degraded: 0, Violated: 0, Cooldown: 0}
	for _, r := range t.records {
		out[r.fsmState]++
	}
	return out
}

// ForceCooldown puts tid into COOLDOWN immediately, for operator overrides.
// If ticks is nil, the configured cooldownObservations is used. Returns
// false if tid is not currently tracked.
func (t *Tracker) ForceCooldown(tid int, ticks *int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[tid]
	if !ok {
		return false
	}
	duration := t.cooldownObservations
	if ticks != nil {
		duration = *ticks
	}
	r.fsmState = Cooldown
	r.consecutiveBreachCount = 0
	r.cooldownTicksRemaining = duration
	r.lastActionTime = time.Now()
	return true
}
