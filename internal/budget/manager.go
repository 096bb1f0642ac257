// Package budget tracks resource unit consumption for a single execution and
// enforces per-intent allocations, per-step ceilings, and the workflow ceiling.
package budget

import (
	"sync"

	"github.com/weftlabs/weft/pkg/schema"
)

// DefaultOverageFactor is the fraction by which a step may exceed its
// intent-tag allocation before being rejected.
const DefaultOverageFactor = 0.2

// Config declares the budget for one execution.
type Config struct {
	// WorkflowCeiling is the hard cap on total units for the execution.
	// Zero means unlimited.
	WorkflowCeiling int64

	// Allocations maps intent tags to their per-step unit allocation.
	Allocations map[string]int64

	// OverageFactor overrides DefaultOverageFactor when > 0.
	OverageFactor float64
}

// Manager performs atomic check-and-reserve accounting. Reservations count
// against the workflow ceiling until committed or released, so concurrent
// steps cannot collectively overshoot it.
type Manager struct {
	mu            sync.Mutex
	ceiling       int64
	allocations   map[string]int64
	overageFactor float64
	consumed      int64
	perStep       map[string]int64
	reserved      map[string]int64
}

// Snapshot is a point-in-time view of budget state.
type Snapshot struct {
	Consumed int64            `json:"consumed"`
	Reserved int64            `json:"reserved"`
	Ceiling  int64            `json:"ceiling"`
	PerStep  map[string]int64 `json:"per_step"`
}

func NewManager(cfg Config) *Manager {
	factor := cfg.OverageFactor
	if factor <= 0 {
		factor = DefaultOverageFactor
	}
	allocations := make(map[string]int64, len(cfg.Allocations))
	for tag, units := range cfg.Allocations {
		allocations[tag] = units
	}
	return &Manager{
		ceiling:       cfg.WorkflowCeiling,
		allocations:   allocations,
		overageFactor: factor,
		perStep:       make(map[string]int64),
		reserved:      make(map[string]int64),
	}
}

// CheckAndReserve reserves estimated units for a step, rejecting atomically if
// the estimate exceeds the step's intent allocation (with overage) or would
// push consumed plus reserved past the workflow ceiling. Steps with no intent
// tag are only checked against the workflow ceiling.
func (m *Manager) CheckAndReserve(stepID, intentTag string, estimated int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if intentTag != "" {
		allocated, ok := m.allocations[intentTag]
		if !ok {
			return schema.NewErrorf(schema.ErrCodeBudgetExceeded,
				"no allocation for intent tag %q", intentTag).WithStep(stepID)
		}
		maxAllowed := int64(float64(allocated) * (1 + m.overageFactor))
		if estimated > maxAllowed {
			return schema.NewErrorf(schema.ErrCodeBudgetExceeded,
				"estimated %d units exceeds ceiling %d for intent %q", estimated, maxAllowed, intentTag).
				WithStep(stepID).
				WithDetails(map[string]any{
					"estimated": estimated,
					"allocated": allocated,
					"ceiling":   maxAllowed,
				})
		}
	}

	if m.ceiling > 0 {
		pending := m.totalReservedLocked()
		if m.consumed+pending+estimated > m.ceiling {
			return schema.NewErrorf(schema.ErrCodeBudgetExceeded,
				"workflow ceiling %d would be exceeded: consumed=%d reserved=%d estimated=%d",
				m.ceiling, m.consumed, pending, estimated).
				WithStep(stepID).
				WithDetails(map[string]any{
					"consumed":  m.consumed,
					"reserved":  pending,
					"estimated": estimated,
					"ceiling":   m.ceiling,
				})
		}
	}

	m.reserved[stepID] = estimated
	return nil
}

// Commit converts a step's reservation into actual consumption. The actual
// amount replaces the estimate, so under- and over-estimates both settle.
func (m *Manager) Commit(stepID string, actual int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reserved, stepID)
	prior := m.perStep[stepID]
	m.consumed += actual - prior
	m.perStep[stepID] = actual
}

// Release drops a step's reservation without consuming, used when a step
// fails or is skipped after reserving.
func (m *Manager) Release(stepID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reserved, stepID)
}

// ReplaceUsage records usage for a step replacing any prior recorded usage,
// used on resume so restored checkpoints don't double-count.
func (m *Manager) ReplaceUsage(stepID string, units int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prior := m.perStep[stepID]
	m.consumed += units - prior
	m.perStep[stepID] = units
}

// Snapshot returns the current totals.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	perStep := make(map[string]int64, len(m.perStep))
	for id, units := range m.perStep {
		perStep[id] = units
	}
	return Snapshot{
		Consumed: m.consumed,
		Reserved: m.totalReservedLocked(),
		Ceiling:  m.ceiling,
		PerStep:  perStep,
	}
}

func (m *Manager) totalReservedLocked() int64 {
	var total int64
	for _, units := range m.reserved {
		total += units
	}
	return total
}
