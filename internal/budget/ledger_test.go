package budget

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Jmi2020/KITT-sub000/internal/models"
)

func TestRecordUsageIdempotency(t *testing.T) {
	l := NewLedger(Limits{}, zap.NewNop())

	assert.True(t, l.Record(Usage{CallID: "task-1:attempt-1", BackendID: "slow", Tokens: 100, CostUSD: 0.01}))
	assert.False(t, l.Record(Usage{CallID: "task-1:attempt-1", BackendID: "slow", Tokens: 100, CostUSD: 0.01}))
	assert.True(t, l.Record(Usage{BackendID: "fast", Tokens: 10}))
	assert.True(t, l.Record(Usage{BackendID: "fast", Tokens: 10}))

	s := l.Snapshot()
	assert.Equal(t, 3, s.Calls)
	assert.Equal(t, 120, s.Tokens)
	assert.InDelta(t, 0.01, s.SpentUSD, 1e-12)
}

func TestCheckCeilings(t *testing.T) {
	l := NewLedger(Limits{MaxCostUSD: 1.0, MaxCalls: 3}, zap.NewNop())

	require.NoError(t, l.Check(false, 0.5))
	l.Record(Usage{CostUSD: 0.9})

	var be *models.BudgetExceededError
	err := l.Check(false, 0.2)
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "max_cost_usd", be.Limit)
	assert.Equal(t, models.ClassBudgetExceeded, models.Classify(err))

	require.NoError(t, l.Check(false, 0), "free local calls still fit")
	l.Record(Usage{})
	l.Record(Usage{})
	err = l.Check(false, 0)
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "max_calls", be.Limit)
}

func TestExternalBudget(t *testing.T) {
	none := NewLedger(Limits{}, zap.NewNop())
	assert.False(t, none.ExternalAvailable(0))
	assert.Error(t, none.Check(true, 0))

	l := NewLedger(Limits{ExternalBudgetUSD: 0.10}, zap.NewNop())
	assert.True(t, l.ExternalAvailable(0.05))
	l.Record(Usage{External: true, BackendID: "frontier", CostUSD: 0.08})
	assert.False(t, l.ExternalAvailable(0.05))
	assert.True(t, l.ExternalAvailable(0.01))
	l.Record(Usage{External: true, BackendID: "frontier", CostUSD: 0.02})
	assert.False(t, l.ExternalAvailable(0))
	assert.InDelta(t, 0.10, l.Snapshot().ByBackend["frontier"], 1e-12)
}

func TestRestoreRoundTrip(t *testing.T) {
	l := NewLedger(Limits{MaxCalls: 2}, nil)
	l.Record(Usage{CallID: "a", CostUSD: 0.3})

	restored := Restore(Limits{MaxCalls: 2}, l.Snapshot(), nil)
	assert.False(t, restored.Record(Usage{CallID: "a", CostUSD: 0.3}))
	restored.Record(Usage{CallID: "b"})
	assert.Error(t, restored.Check(false, 0))
	assert.Equal(t, 1, l.Snapshot().Calls, "snapshot is a copy")
}

func TestConcurrentRecord(t *testing.T) {
	l := NewLedger(Limits{}, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Record(Usage{Tokens: 1, CostUSD: 0.001})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, l.Snapshot().Calls)
}
