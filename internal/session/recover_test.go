package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jmi2020/KITT-sub000/internal/checkpoint"
	"github.com/Jmi2020/KITT-sub000/internal/models"
)

// interruptWave leaves a session with its first wave marked running, as a
// crash in the middle of the wave would.
func interruptWave(t *testing.T, f *fixture) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	id, done := startWave(t, f, ctx)
	cancel()
	err := <-done
	require.ErrorIs(t, err, context.Canceled)

	cp, err := f.store.ReadLatest(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, LabelWaveStarted, cp.Label)
	return id
}

func TestRecoverSettlesInterruptedWave(t *testing.T) {
	f := newFixture(t, func(c *models.SessionConfig) { c.MaxIterations = 1 })
	id := interruptWave(t, f)

	sess, err := f.engine.Recover(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, sess.Status)

	st, err := f.engine.Snapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseScheduling, st.Phase)

	notify := st.task("i1-notify")
	require.NotNil(t, notify)
	assert.Equal(t, models.TaskFailed, notify.Status, "a non-idempotent call is never re-issued")
	assert.Contains(t, notify.LastError, "not idempotent")
	search := st.task("i1-search-strength")
	require.NotNil(t, search)
	assert.Equal(t, models.TaskPending, search.Status)

	require.NotEmpty(t, st.Errors)
	last := st.Errors[len(st.Errors)-1]
	assert.Equal(t, models.ClassIntegrity, last.Class)
	assert.Equal(t, "i1-notify", last.TaskID)

	history, err := f.engine.History(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, LabelRecovered, history[len(history)-1].Label)

	require.NoError(t, f.engine.Run(context.Background(), id))
	st, err = f.engine.Snapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, st.Session.Status)
	assert.Len(t, f.tools.calls("notify"), 1)
}

func TestRecoverIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	id := interruptWave(t, f)
	ctx := context.Background()

	_, err := f.engine.Recover(ctx, id)
	require.NoError(t, err)
	first, err := f.engine.Snapshot(ctx, id)
	require.NoError(t, err)
	before, err := f.engine.History(ctx, id)
	require.NoError(t, err)

	_, err = f.engine.Recover(ctx, id)
	require.NoError(t, err)
	second, err := f.engine.Snapshot(ctx, id)
	require.NoError(t, err)
	after, err := f.engine.History(ctx, id)
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("second recovery changed the state (-first +second):\n%s", diff)
	}
	assert.Len(t, after, len(before), "nothing left to settle, nothing written")
}

func TestRecoverTerminalSession(t *testing.T) {
	f := newFixture(t, nil)
	id := f.create(t)
	_, err := f.engine.Cancel(context.Background(), id)
	require.NoError(t, err)

	sess, err := f.engine.Recover(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, sess.Status)
}

func TestRecoverUnknownSession(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.Recover(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestRecoverFailsInconsistentSession(t *testing.T) {
	f := newFixture(t, nil)
	id := f.create(t)
	ctx := context.Background()

	cp, st, err := f.engine.load(ctx, id)
	require.NoError(t, err)
	st.Findings = append(st.Findings, models.Finding{ID: "f-ghost", SourceTaskID: "i1-ghost"})
	_, err = f.engine.write(ctx, cp.SequenceNo, st, "")
	require.NoError(t, err)

	sess, err := f.engine.Recover(ctx, id)
	var ie *models.IntegrityError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, []string{"finding f-ghost references missing task i1-ghost"}, ie.Problems)
	require.NotNil(t, sess)
	assert.Equal(t, models.StatusFailed, sess.Status)

	st, err = f.engine.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonIntegrity, st.FailureReason)
	assert.Len(t, st.Findings, 1, "findings are kept for inspection")

	_, err = f.engine.Advance(ctx, id)
	assert.ErrorIs(t, err, models.ErrTerminalSession)
}

func TestRecoverUndecodableCheckpoint(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.store.Append(ctx, "broken", 0, []byte(`{"session": `), checkpoint.Meta{Status: "active"})
	require.NoError(t, err)

	_, err = f.engine.Recover(ctx, "broken")
	var ie *models.IntegrityError
	require.True(t, errors.As(err, &ie))

	cp, err := f.store.ReadLatest(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cp.SequenceNo)
	assert.Equal(t, string(models.StatusFailed), cp.Status)

	stale, err := f.store.ListStale(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale, "a failed session is not picked up again")
}

func TestCheckIntegrity(t *testing.T) {
	base := func() *State {
		st := newState(models.ResearchSession{ID: "s1", Status: models.StatusActive, Iteration: 1})
		st.Phase = models.PhaseScheduling
		st.Tasks = []*models.Task{
			{ID: "a", Iteration: 1, Status: models.TaskSucceeded},
			{ID: "b", Iteration: 1, Status: models.TaskPending, Dependencies: []string{"a"}},
		}
		st.Findings = []models.Finding{{ID: "f-a", SourceTaskID: "a"}}
		return st
	}

	tests := []struct {
		name   string
		mutate func(*State)
		want   []string
	}{
		{"coherent", func(*State) {}, nil},
		{"missing dependency", func(st *State) { st.Tasks[1].Dependencies = []string{"zz"} }, []string{"task b depends on missing task zz"}},
		{"duplicate task", func(st *State) { st.Tasks = append(st.Tasks, &models.Task{ID: "a", Iteration: 1, Status: models.TaskSucceeded}) }, []string{"duplicate task a"}},
		{"future task", func(st *State) { st.Tasks[1].Iteration = 3 }, []string{"task b belongs to future iteration 3"}},
		{"finding from failed task", func(st *State) { st.Tasks[0].Status = models.TaskFailed }, []string{"finding f-a references task a in status failed"}},
		{"status disagrees", func(st *State) { st.Phase = models.PhaseCompleted }, []string{"phase completed disagrees with status active"}},
		{"paused nowhere", func(st *State) {
			st.Phase = models.PhasePaused
			st.Session.Status = models.StatusPaused
		}, []string{`paused without a resumable phase ("")`}},
		{"dangling recommendation", func(st *State) { st.Recommendation = &Recommendation{TaskID: "final"} }, []string{"recommendation references missing task final"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := base()
			tt.mutate(st)
			assert.Equal(t, tt.want, st.checkIntegrity())
		})
	}
}
