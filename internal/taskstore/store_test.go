package taskstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTaskLifecycleHappyPath(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(&Task{TaskID: "t1", ProjectID: "p1", Prompt: "add tests"}))

	got, err := s.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	require.NoError(t, s.Transition("t1", StatusRunning))
	require.NoError(t, s.Complete("t1", "done", 120, 340, 0.02, []string{"a.go"}, []string{"go test"}))

	got, err = s.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, int64(120), got.InputTokens)
	assert.Equal(t, []string{"a.go"}, got.FilesChanged)
}

func TestNoTransitionOutOfTerminalState(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(&Task{TaskID: "t1", Prompt: "x"}))
	require.NoError(t, s.Transition("t1", StatusRunning))
	require.NoError(t, s.Transition("t1", StatusCompleted))

	err := s.Transition("t1", StatusFailed)
	assert.Error(t, err)

	got, _ := s.Get("t1")
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestReCompletingCompletedTaskIsIdempotentNoOp(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(&Task{TaskID: "t1", Prompt: "x"}))
	require.NoError(t, s.Transition("t1", StatusRunning))
	require.NoError(t, s.Transition("t1", StatusCompleted))

	// Re-delivering the same terminal envelope must not corrupt state.
	err := s.Transition("t1", StatusCompleted)
	assert.NoError(t, err)
}

func TestBudgetExceeded(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(&Task{TaskID: "t1", Prompt: "x", MaxBudget: 1.0}))
	require.NoError(t, s.Transition("t1", StatusRunning))

	err := s.CheckBudget("t1", 5.0)
	assert.Error(t, err)

	got, _ := s.Get("t1")
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "BUDGET_EXCEEDED", got.ErrorMessage)
}

func TestIllegalTransitionRejected(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(&Task{TaskID: "t1", Prompt: "x"}))

	err := s.Transition("t1", StatusCompleted)
	assert.Error(t, err)
}
