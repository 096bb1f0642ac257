package budget

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/pkg/schema"
)

func TestCheckAndReserveIntentAllocation(t *testing.T) {
	m := NewManager(Config{
		Allocations: map[string]int64{"summarize": 100},
	})

	// Within allocation plus the 20% overage.
	require.NoError(t, m.CheckAndReserve("step1", "summarize", 120))
	m.Release("step1")

	// One unit past the overage ceiling.
	err := m.CheckAndReserve("step2", "summarize", 121)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeBudgetExceeded, schema.ErrorCode(err))

	// Unknown intent tag is a rejection, not a free pass.
	err = m.CheckAndReserve("step3", "translate", 10)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeBudgetExceeded, schema.ErrorCode(err))
}

func TestReservationsCountAgainstCeiling(t *testing.T) {
	m := NewManager(Config{
		WorkflowCeiling: 1200,
		Allocations:     map[string]int64{"fetch": 300},
	})

	// Five parallel steps estimating 300 each against a 1200 ceiling:
	// exactly four reservations fit, the fifth is rejected even though
	// nothing has committed yet.
	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.CheckAndReserve(fmt.Sprintf("step%d", i), "fetch", 300)
		}(i)
	}
	wg.Wait()

	granted := 0
	for _, err := range errs {
		if err == nil {
			granted++
		} else {
			assert.Equal(t, schema.ErrCodeBudgetExceeded, schema.ErrorCode(err))
		}
	}
	assert.Equal(t, 4, granted)
}

func TestCommitSettlesActualUsage(t *testing.T) {
	m := NewManager(Config{WorkflowCeiling: 500})

	require.NoError(t, m.CheckAndReserve("step1", "", 400))
	m.Commit("step1", 250)

	snap := m.Snapshot()
	assert.Equal(t, int64(250), snap.Consumed)
	assert.Equal(t, int64(0), snap.Reserved)

	// The freed headroom is usable again.
	require.NoError(t, m.CheckAndReserve("step2", "", 250))
}

func TestReleaseDropsReservation(t *testing.T) {
	m := NewManager(Config{WorkflowCeiling: 100})

	require.NoError(t, m.CheckAndReserve("step1", "", 100))
	require.Error(t, m.CheckAndReserve("step2", "", 1))

	m.Release("step1")
	require.NoError(t, m.CheckAndReserve("step2", "", 100))

	snap := m.Snapshot()
	assert.Equal(t, int64(0), snap.Consumed)
	assert.Equal(t, int64(100), snap.Reserved)
}

func TestReplaceUsageOnRetry(t *testing.T) {
	m := NewManager(Config{WorkflowCeiling: 1000})

	// First attempt consumed 80; the retry's 120 replaces it rather than
	// stacking on top.
	m.ReplaceUsage("step1", 80)
	m.ReplaceUsage("step1", 120)

	snap := m.Snapshot()
	assert.Equal(t, int64(120), snap.Consumed)
	assert.Equal(t, int64(120), snap.PerStep["step1"])
}

func TestZeroCeilingIsUnlimited(t *testing.T) {
	m := NewManager(Config{})
	require.NoError(t, m.CheckAndReserve("step1", "", 1_000_000))
}
