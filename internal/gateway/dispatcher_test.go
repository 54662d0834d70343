package gateway

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchfabric/internal/agentmanager"
	"dispatchfabric/internal/bus"
	"dispatchfabric/internal/envelope"
	"dispatchfabric/internal/queue"
	"dispatchfabric/internal/stream"
	"dispatchfabric/internal/taskstore"
)

type fakeConn struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}
func (f *fakeConn) Close(int, string) error { return nil }

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *taskstore.Store, *queue.Store) {
	t.Helper()
	ts, err := taskstore.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ts.Close() })

	qs, err := queue.Open(":memory:", time.Hour, nil)
	require.NoError(t, err)
	t.Cleanup(func() { qs.Close() })

	mgr := agentmanager.New(bus.New(), nil)
	noop := func(envelope.ChatOrigin, string, string) (string, error) { return "msg-1", nil }
	acc := stream.New(time.Hour, 3900, noop, nil)

	d := &Dispatcher{
		Tasks:  ts,
		Agents: mgr,
		Queue:  qs,
		Stream: acc,
		Codec:  envelope.NewCodec(),
	}
	return d, ts, qs
}

func encode(t *testing.T, tag envelope.Tag, payload any) *envelope.Envelope {
	t.Helper()
	raw, err := envelope.NewCodec().Encode(tag, payload)
	require.NoError(t, err)
	env, err := envelope.Decode(raw)
	require.NoError(t, err)
	return env
}

// TestHappyPathDriveTaskToCompleted covers scenario S1: ack, stream, and
// complete envelopes drive the task from pending to completed.
func TestHappyPathDriveTaskToCompleted(t *testing.T) {
	d, ts, _ := newTestDispatcher(t)

	require.NoError(t, ts.Create(&taskstore.Task{TaskID: "T1", ProjectID: "p", BotName: "bot", Prompt: "add tests"}))

	d.HandleEnvelope("A1", encode(t, envelope.TagTaskAck, envelope.TaskAckPayload{TaskID: "T1", Accepted: true}))
	task, err := ts.Get("T1")
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusRunning, task.Status)

	d.HandleEnvelope("A1", encode(t, envelope.TagTaskStream, envelope.TaskStreamPayload{TaskID: "T1", Delta: "partial output"}))

	d.HandleEnvelope("A1", encode(t, envelope.TagTaskComplete, envelope.TaskCompletePayload{
		TaskID: "T1", Result: "done", InputTokens: 120, OutputTokens: 340,
	}))

	task, err = ts.Get("T1")
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusCompleted, task.Status)
	assert.EqualValues(t, 120, task.InputTokens)
	assert.EqualValues(t, 340, task.OutputTokens)
}

// TestOfflineSubmitThenDrainDeliversOnce covers scenario S2: an offline
// agent gets the task enqueued, then a single drain on reconnect delivers
// it exactly once.
func TestOfflineSubmitThenDrainDeliversOnce(t *testing.T) {
	d, ts, qs := newTestDispatcher(t)

	task := &taskstore.Task{TaskID: "T2", ProjectID: "p", BotName: "bot", Prompt: "x"}
	err := d.Submit(SubmitRequest{AgentID: "A1", Task: task, LocalPath: "/work"}, nil)
	require.NoError(t, err)

	stored, err := ts.Get("T2")
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusPending, stored.Status)

	pending, err := qs.FindPending("A1")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	disp := agentmanager.NewOfflineDispatcher(d.Agents, bus.New(), qs)
	conn := &fakeConn{}
	d.Agents.Register("A1", conn)
	disp.Drain("A1")

	require.Eventually(t, func() bool { return conn.count() == 1 }, time.Second, time.Millisecond)

	remaining, err := qs.FindPending("A1")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestTaskAckRejectedFailsTask(t *testing.T) {
	d, ts, _ := newTestDispatcher(t)
	require.NoError(t, ts.Create(&taskstore.Task{TaskID: "T3", ProjectID: "p", BotName: "bot", Prompt: "x"}))

	d.HandleEnvelope("A1", encode(t, envelope.TagTaskAck, envelope.TaskAckPayload{TaskID: "T3", Accepted: false, Reason: "busy"}))

	task, err := ts.Get("T3")
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusFailed, task.Status)
	assert.Equal(t, "busy", task.ErrorMessage)
}

// TestRedeliveredCompleteIsIdempotent ensures a duplicate task:complete
// (e.g. a retried send) does not error or corrupt already-terminal state.
func TestRedeliveredCompleteIsIdempotent(t *testing.T) {
	d, ts, _ := newTestDispatcher(t)
	require.NoError(t, ts.Create(&taskstore.Task{TaskID: "T4", ProjectID: "p", BotName: "bot", Prompt: "x"}))
	d.HandleEnvelope("A1", encode(t, envelope.TagTaskAck, envelope.TaskAckPayload{TaskID: "T4", Accepted: true}))

	complete := envelope.TaskCompletePayload{TaskID: "T4", Result: "ok"}
	d.HandleEnvelope("A1", encode(t, envelope.TagTaskComplete, complete))
	d.HandleEnvelope("A1", encode(t, envelope.TagTaskComplete, complete))

	task, err := ts.Get("T4")
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusCompleted, task.Status)
}

// TestHeartbeatPingAdvancesLastHeartbeatAndRepliesPong covers the real wire
// round trip: the agent sends heartbeat:ping, and the dispatcher must both
// advance the registry's LastHeartbeat (so SweepDead never times out a live
// agent) and reply with heartbeat:pong.
func TestHeartbeatPingAdvancesLastHeartbeatAndRepliesPong(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	conn := &fakeConn{}
	d.Agents.Register("A1", conn)

	reg, ok := d.Agents.Get("A1")
	require.True(t, ok)
	staleSince := time.Now().Add(-time.Hour)
	reg.LastHeartbeat = staleSince

	d.HandleEnvelope("A1", encode(t, envelope.TagHeartbeatPing, envelope.HeartbeatPingPayload{ServerTime: 1}))

	assert.True(t, reg.LastHeartbeat.After(staleSince))
	require.Eventually(t, func() bool { return conn.count() == 1 }, time.Second, time.Millisecond)
}

// TestTaskCompleteOverBudgetFailsInstead covers spec.md's budget boundary:
// an agent-reported success whose estimatedCost exceeds maxBudget must still
// end up failed with BUDGET_EXCEEDED, not completed.
func TestTaskCompleteOverBudgetFailsInstead(t *testing.T) {
	d, ts, _ := newTestDispatcher(t)
	require.NoError(t, ts.Create(&taskstore.Task{TaskID: "T5", ProjectID: "p", BotName: "bot", Prompt: "x", MaxBudget: 1.0}))
	d.HandleEnvelope("A1", encode(t, envelope.TagTaskAck, envelope.TaskAckPayload{TaskID: "T5", Accepted: true}))

	d.HandleEnvelope("A1", encode(t, envelope.TagTaskComplete, envelope.TaskCompletePayload{
		TaskID: "T5", Result: "done", EstimatedCost: 5.0,
	}))

	task, err := ts.Get("T5")
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusFailed, task.Status)
	assert.Equal(t, "BUDGET_EXCEEDED", task.ErrorMessage)
}

// TestTaskProgressNotifiesChat covers spec §4.7's ephemeral progress push.
func TestTaskProgressNotifiesChat(t *testing.T) {
	d, ts, _ := newTestDispatcher(t)
	require.NoError(t, ts.Create(&taskstore.Task{TaskID: "T6", ProjectID: "p", BotName: "bot", Prompt: "x"}))

	var notified bool
	var gotText string
	d.Notify = func(origin envelope.ChatOrigin, text string) {
		notified = true
		gotText = text
	}

	d.HandleEnvelope("A1", encode(t, envelope.TagTaskProgress, envelope.TaskProgressPayload{
		TaskID: "T6", Type: envelope.ProgressToolUse, Message: "Bash",
	}))

	assert.True(t, notified)
	assert.Contains(t, gotText, "Bash")
}

func TestUnknownEnvelopeTypeIsIgnoredNotFatal(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	raw, err := json.Marshal(map[string]any{"id": "x", "type": "totally:unknown", "payload": json.RawMessage(`{}`), "timestamp": 1})
	require.NoError(t, err)
	env, err := envelope.Decode(raw)
	require.NoError(t, err)

	assert.NotPanics(t, func() { d.HandleEnvelope("A1", env) })
}
