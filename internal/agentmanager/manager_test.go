package agentmanager

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchfabric/internal/bus"
	"dispatchfabric/internal/queue"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
	code   int
}

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	return nil
}

func drainSoon(f *fakeConn, n int) bool {
	for i := 0; i < 100; i++ {
		f.mu.Lock()
		got := len(f.sent)
		f.mu.Unlock()
		if got >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func TestRegisterReplacesExistingConnection(t *testing.T) {
	b := bus.New()
	mgr := New(b, nil)

	old := &fakeConn{}
	mgr.Register("a1", old)

	newConn := &fakeConn{}
	mgr.Register("a1", newConn)

	assert.True(t, old.closed)
	assert.Equal(t, ReplacementCode, old.code)

	assert.True(t, mgr.Send("a1", []byte("hi")))
	require.True(t, drainSoon(newConn, 1))
	assert.Empty(t, old.sent)
}

func TestSendReturnsFalseForUnknownAgent(t *testing.T) {
	mgr := New(bus.New(), nil)
	assert.False(t, mgr.Send("ghost", []byte("x")))
}

func TestSweepDeadClosesStaleAgentsAndBlocksFutureSend(t *testing.T) {
	mgr := New(bus.New(), nil)
	conn := &fakeConn{}
	reg := mgr.Register("a1", conn)
	reg.LastHeartbeat = time.Now().Add(-time.Hour)

	mgr.SweepDead(time.Second)

	assert.True(t, conn.closed)
	assert.False(t, mgr.Send("a1", []byte("x")))

	_, ok := mgr.Get("a1")
	assert.False(t, ok)
}

func TestOfflineDispatcherDrainsFIFOAndStopsOnFirstFailure(t *testing.T) {
	b := bus.New()
	mgr := New(b, nil)
	q, err := queue.Open(":memory:", time.Hour, nil)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	_, err = q.Enqueue("a1", "task:submit", []byte("first"))
	require.NoError(t, err)
	_, err = q.Enqueue("a1", "task:submit", []byte("second"))
	require.NoError(t, err)

	disp := NewOfflineDispatcher(mgr, b, q)

	// a1 is not registered yet, so the first send fails and the drain halts
	// with every entry still pending for the next connect.
	disp.Drain("a1")
	pending, err := q.FindPending("a1")
	require.NoError(t, err)
	require.Len(t, pending, 2)

	go disp.Run()

	conn := &fakeConn{}
	mgr.Register("a1", conn)

	require.True(t, drainSoon(conn, 2))
	conn.mu.Lock()
	assert.Equal(t, []byte("first"), conn.sent[0])
	assert.Equal(t, []byte("second"), conn.sent[1])
	conn.mu.Unlock()

	pending, err = q.FindPending("a1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDrainOnAgentWithNoQueuedItemsIsNoOp(t *testing.T) {
	mgr := New(bus.New(), nil)
	q, err := queue.Open(":memory:", time.Hour, nil)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	disp := NewOfflineDispatcher(mgr, bus.New(), q)
	disp.Drain("nobody") // should not panic or error
}
