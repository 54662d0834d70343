package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	s, err := Open(":memory:", ttl, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnqueueFindPendingFIFO(t *testing.T) {
	s := newTestStore(t, time.Hour)

	id1, err := s.Enqueue("a1", "task:submit", []byte("one"))
	require.NoError(t, err)
	id2, err := s.Enqueue("a1", "task:submit", []byte("two"))
	require.NoError(t, err)

	pending, err := s.FindPending("a1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, id1, pending[0].ID)
	assert.Equal(t, id2, pending[1].ID)
}

func TestMarkDeliveredNeverRedelivers(t *testing.T) {
	s := newTestStore(t, time.Hour)
	id, err := s.Enqueue("a1", "task:submit", []byte("one"))
	require.NoError(t, err)

	require.NoError(t, s.MarkDelivered(id))

	pending, err := s.FindPending("a1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	err = s.MarkDelivered(id)
	assert.Error(t, err)
}

func TestFindPendingNeverReturnsExpired(t *testing.T) {
	s := newTestStore(t, -time.Hour) // already expired on insert
	_, err := s.Enqueue("a1", "task:submit", []byte("one"))
	require.NoError(t, err)

	pending, err := s.FindPending("a1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCleanExpiredRemovesOnlyExpiredUndelivered(t *testing.T) {
	sExpired := newTestStore(t, -time.Hour)
	_, err := sExpired.Enqueue("a1", "task:submit", []byte("one"))
	require.NoError(t, err)
	deliveredID, err := sExpired.Enqueue("a1", "task:submit", []byte("two"))
	require.NoError(t, err)
	require.NoError(t, sExpired.MarkDelivered(deliveredID))

	n, err := sExpired.CleanExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the delivered entry must not be swept")

	pending, err := sExpired.FindPending("a1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	sLive := newTestStore(t, time.Hour)
	_, err = sLive.Enqueue("a1", "task:submit", []byte("three"))
	require.NoError(t, err)

	n, err = sLive.CleanExpired()
	require.NoError(t, err)
	assert.Equal(t, 0, n, "an unexpired entry must not be swept")

	pending, err = sLive.FindPending("a1")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestDrainOnAgentWithNoQueuedItemsIsNoOp(t *testing.T) {
	s := newTestStore(t, time.Hour)
	pending, err := s.FindPending("nobody")
	require.NoError(t, err)
	assert.Empty(t, pending)
}
