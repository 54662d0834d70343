package executor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchfabric/internal/envelope"
)

type sentEnvelope struct {
	tag     envelope.Tag
	payload any
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentEnvelope
}

func (f *fakeSender) Send(tag envelope.Tag, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentEnvelope{tag: tag, payload: payload})
	return nil
}

func (f *fakeSender) byTag(tag envelope.Tag) []sentEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEnvelope
	for _, s := range f.sent {
		if s.tag == tag {
			out = append(out, s)
		}
	}
	return out
}

// scriptedInvoker replays a fixed sequence of event batches, one batch per
// Invoke call, honoring context cancellation.
type scriptedInvoker struct {
	mu      sync.Mutex
	batches [][]StreamEvent
	calls   int
}

func (s *scriptedInvoker) Invoke(ctx context.Context, req InvokeRequest) (<-chan StreamEvent, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.mu.Unlock()

	var batch []StreamEvent
	if idx < len(s.batches) {
		batch = s.batches[idx]
	}

	out := make(chan StreamEvent, len(batch)+1)
	go func() {
		defer close(out)
		for _, ev := range batch {
			select {
			case <-ctx.Done():
				return
			case out <- ev:
			}
		}
	}()
	return out, nil
}

func baseConfig() Config {
	return Config{
		MaxConcurrentTasks:    5,
		MaxContinuations:      3,
		MaxTurnsPerInvocation: 200,
		ProjectRoots:          []string{"/work"},
	}
}

func TestHappyPathEmitsAckStreamAndComplete(t *testing.T) {
	inv := &scriptedInvoker{batches: [][]StreamEvent{
		{
			{Kind: EventSystemInit, SessionID: "sess-1"},
			{Kind: EventAssistantText, Text: "hello"},
			{Kind: EventResult, StopReason: StopNatural, FinalText: "done", InputTokens: 10, OutputTokens: 20},
		},
	}}
	fs := &fakeSender{}
	ex := New(baseConfig(), inv, fs, nil)

	ex.HandleSubmit(envelope.TaskSubmitPayload{TaskID: "t1", LocalPath: "/work/proj", Prompt: "do it", Model: "opus"})

	require.Eventually(t, func() bool { return len(fs.byTag(envelope.TagTaskComplete)) == 1 }, time.Second, time.Millisecond)

	acks := fs.byTag(envelope.TagTaskAck)
	require.Len(t, acks, 1)
	assert.True(t, acks[0].payload.(envelope.TaskAckPayload).Accepted)

	complete := fs.byTag(envelope.TagTaskComplete)[0].payload.(envelope.TaskCompletePayload)
	assert.Equal(t, "done", complete.Result)
	assert.EqualValues(t, 10, complete.InputTokens)
}

func TestPathOutsideProjectRootsIsRejectedBeforeInvocation(t *testing.T) {
	inv := &scriptedInvoker{}
	fs := &fakeSender{}
	ex := New(baseConfig(), inv, fs, nil)

	ex.HandleSubmit(envelope.TaskSubmitPayload{TaskID: "t1", LocalPath: "/etc", Prompt: "do it"})

	acks := fs.byTag(envelope.TagTaskAck)
	require.Len(t, acks, 1)
	assert.False(t, acks[0].payload.(envelope.TaskAckPayload).Accepted)

	errs := fs.byTag(envelope.TagTaskError)
	require.Len(t, errs, 1)
	assert.False(t, errs[0].payload.(envelope.TaskErrorPayload).Recoverable)

	assert.Equal(t, 0, inv.calls)
}

func TestAdmissionRejectsOverCapacity(t *testing.T) {
	inv := &scriptedInvoker{batches: [][]StreamEvent{
		{{Kind: EventResult, StopReason: StopNatural}},
	}}
	fs := &fakeSender{}
	cfg := baseConfig()
	cfg.MaxConcurrentTasks = 0
	ex := New(cfg, inv, fs, nil)

	ex.HandleSubmit(envelope.TaskSubmitPayload{TaskID: "t1", LocalPath: "/work", Prompt: "x"})

	acks := fs.byTag(envelope.TagTaskAck)
	require.Len(t, acks, 1)
	assert.False(t, acks[0].payload.(envelope.TaskAckPayload).Accepted)
}

// TestAutoContinuationStopsAtLimit covers scenario S5: a task that always
// hits the turn ceiling continues MaxContinuations times then errors out.
func TestAutoContinuationStopsAtLimit(t *testing.T) {
	maxTurnsBatch := []StreamEvent{
		{Kind: EventSystemInit, SessionID: "sess-1"},
		{Kind: EventResult, StopReason: StopMaxTurns},
	}
	inv := &scriptedInvoker{batches: [][]StreamEvent{
		maxTurnsBatch, maxTurnsBatch, maxTurnsBatch, maxTurnsBatch,
	}}
	fs := &fakeSender{}
	cfg := baseConfig()
	cfg.MaxContinuations = 3
	ex := New(cfg, inv, fs, nil)

	ex.HandleSubmit(envelope.TaskSubmitPayload{TaskID: "t1", LocalPath: "/work", Prompt: "x"})

	require.Eventually(t, func() bool { return len(fs.byTag(envelope.TagTaskError)) == 1 }, time.Second, time.Millisecond)

	progress := fs.byTag(envelope.TagTaskProgress)
	require.Len(t, progress, 3, "exactly MaxContinuations progress notices expected")

	errPayload := fs.byTag(envelope.TagTaskError)[0].payload.(envelope.TaskErrorPayload)
	assert.Equal(t, "Continuation limit reached", errPayload.Error)
	assert.False(t, errPayload.Recoverable)
	assert.Equal(t, 4, inv.calls, "one initial invocation plus three continuations")
}

func TestCancelDuringRunEmitsExactlyOneCancelled(t *testing.T) {
	blocker := make(chan struct{})
	inv := &blockingInvoker{unblock: blocker}
	fs := &fakeSender{}
	ex := New(baseConfig(), inv, fs, nil)

	ex.HandleSubmit(envelope.TaskSubmitPayload{TaskID: "t1", LocalPath: "/work", Prompt: "x"})
	require.Eventually(t, func() bool { return inv.started() }, time.Second, time.Millisecond)

	ex.HandleCancel(envelope.TaskCancelPayload{TaskID: "t1"})
	ex.HandleCancel(envelope.TaskCancelPayload{TaskID: "t1"}) // idempotent

	require.Eventually(t, func() bool { return len(fs.byTag(envelope.TagTaskCancelled)) == 1 }, time.Second, time.Millisecond)
	assert.Len(t, fs.byTag(envelope.TagTaskCancelled), 1)
}

// blockingInvoker never sends a result until its context is cancelled,
// simulating a long-running tool call that must be aborted.
type blockingInvoker struct {
	unblock   chan struct{}
	mu        sync.Mutex
	startedFl bool
}

func (b *blockingInvoker) started() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startedFl
}

func (b *blockingInvoker) Invoke(ctx context.Context, req InvokeRequest) (<-chan StreamEvent, error) {
	b.mu.Lock()
	b.startedFl = true
	b.mu.Unlock()

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		<-ctx.Done()
	}()
	return out, nil
}

// TestTaskTimeoutEmitsNonRecoverableError covers spec.md's per-task
// taskTimeoutMs: a task whose invocation never finishes must be aborted and
// reported as task:error{recoverable:false}, not task:cancelled (which is
// reserved for an explicit HandleCancel).
func TestTaskTimeoutEmitsNonRecoverableError(t *testing.T) {
	blocker := make(chan struct{})
	inv := &blockingInvoker{unblock: blocker}
	fs := &fakeSender{}
	cfg := baseConfig()
	cfg.TaskTimeout = 10 * time.Millisecond
	ex := New(cfg, inv, fs, nil)

	ex.HandleSubmit(envelope.TaskSubmitPayload{TaskID: "t1", LocalPath: "/work", Prompt: "x"})

	require.Eventually(t, func() bool { return len(fs.byTag(envelope.TagTaskError)) == 1 }, time.Second, time.Millisecond)

	errPayload := fs.byTag(envelope.TagTaskError)[0].payload.(envelope.TaskErrorPayload)
	assert.Equal(t, "TIMEOUT", errPayload.Error)
	assert.False(t, errPayload.Recoverable)
	assert.Empty(t, fs.byTag(envelope.TagTaskCancelled), "a timeout must not also emit task:cancelled")
}

func TestRecordToolEffectTracksFilesAndCommands(t *testing.T) {
	e := New(baseConfig(), &scriptedInvoker{}, &fakeSender{}, nil)
	files := make(map[string]bool)
	commands := make(map[string]bool)

	writeInput, _ := json.Marshal(map[string]string{"file_path": "/work/a.go"})
	bashInput, _ := json.Marshal(map[string]string{"command": "go test ./..."})

	e.recordToolEffect(StreamEvent{ToolName: "Write", ToolInput: writeInput}, files, commands)
	e.recordToolEffect(StreamEvent{ToolName: "Bash", ToolInput: bashInput}, files, commands)

	assert.True(t, files["/work/a.go"])
	assert.True(t, commands["go test ./..."])
}

func TestCustomClassifyScriptOverridesToolMapping(t *testing.T) {
	e := New(baseConfig(), &scriptedInvoker{}, &fakeSender{}, nil)
	custom, err := NewToolClassifier(`
		function classify(toolName, input) {
			if (toolName === "CustomDeploy") { return "command"; }
			return "none";
		}
	`)
	assert.NoError(t, err)
	e.SetClassifier(custom)

	files := make(map[string]bool)
	commands := make(map[string]bool)
	input, _ := json.Marshal(map[string]string{"command": "deploy prod"})

	e.recordToolEffect(StreamEvent{ToolName: "CustomDeploy", ToolInput: input}, files, commands)
	e.recordToolEffect(StreamEvent{ToolName: "Write", ToolInput: input}, files, commands)

	assert.True(t, commands["deploy prod"])
	assert.Empty(t, files, "the custom script no longer recognizes Write, so it must not classify as a file")
}
