// Package executor is the agent-side task executor (spec §4.9, C9):
// concurrency admission, the per-task run loop driving the underlying
// streaming LLM callee, the auto-continuation loop, and cancellation.
// Grounded on the teacher's agent/executor.go (exec.CommandContext process
// lifecycle) and agent/client.go's handleTask/handleKill orchestration,
// generalized from a batch "run once, collect stdout" model into an
// incremental streamed one with resumable continuations.
package executor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"dispatchfabric/internal/envelope"
	"dispatchfabric/internal/ferrors"
	"dispatchfabric/internal/metrics"
)

const continuationPrompt = "Continue exactly where you left off. Do not repeat work already done."

// Sender delivers envelopes back to the gateway. Implemented by the agent
// connection client (C8); kept as a narrow interface so the executor can be
// tested without a real WebSocket.
type Sender interface {
	Send(tag envelope.Tag, payload any) error
}

// Config bundles the executor's tunables (spec §4.9, §"Tunables").
type Config struct {
	MaxConcurrentTasks    int
	MaxContinuations      int
	MaxTurnsPerInvocation int
	ProjectRoots          []string
	TaskTimeout           time.Duration
}

type runningTask struct {
	cancel    context.CancelFunc
	cancelled bool // set by HandleCancel
	finished  bool // set once finishAborted has reported the abort
	mu        sync.Mutex
}

// Executor runs tasks for a single agent connection.
type Executor struct {
	cfg        Config
	invoker    LLMInvoker
	sender     Sender
	m          *metrics.Fabric
	classifier *ToolClassifier

	mu     sync.Mutex
	active map[string]*runningTask
}

// New creates an Executor with the built-in tool-effect classify script.
func New(cfg Config, invoker LLMInvoker, sender Sender, m *metrics.Fabric) *Executor {
	classifier, err := NewToolClassifier("")
	if err != nil {
		// The built-in script is a compile-time constant; a failure here
		// means classifier.go itself is broken, not a runtime condition.
		panic(fmt.Sprintf("executor: built-in classify script failed to compile: %v", err))
	}
	return &Executor{
		cfg:        cfg,
		invoker:    invoker,
		sender:     sender,
		m:          m,
		classifier: classifier,
		active:     make(map[string]*runningTask),
	}
}

// SetClassifier overrides the tool-effect classify script, e.g. to add
// coverage for tool names introduced after this binary was built.
func (e *Executor) SetClassifier(c *ToolClassifier) { e.classifier = c }

func (e *Executor) activeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// HandleSubmit applies admission control and, if accepted, runs the task in
// its own goroutine (spec §4.9 "Admission").
func (e *Executor) HandleSubmit(task envelope.TaskSubmitPayload) {
	if e.activeCount() >= e.cfg.MaxConcurrentTasks {
		e.sender.Send(envelope.TagTaskAck, envelope.TaskAckPayload{
			TaskID:   task.TaskID,
			Accepted: false,
			Reason:   "agent at max concurrent task capacity",
		})
		return
	}

	if err := validateProjectRoot(task.LocalPath, e.cfg.ProjectRoots); err != nil {
		e.sender.Send(envelope.TagTaskAck, envelope.TaskAckPayload{TaskID: task.TaskID, Accepted: false, Reason: err.Error()})
		e.sender.Send(envelope.TagTaskError, envelope.TaskErrorPayload{TaskID: task.TaskID, Error: err.Error(), Recoverable: false})
		return
	}

	timeout := e.cfg.TaskTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	rt := &runningTask{cancel: cancel}

	e.mu.Lock()
	e.active[task.TaskID] = rt
	e.mu.Unlock()

	e.sender.Send(envelope.TagTaskAck, envelope.TaskAckPayload{TaskID: task.TaskID, Accepted: true, Queued: false})

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.active, task.TaskID)
			e.mu.Unlock()
		}()
		e.run(ctx, task, rt)
	}()
}

// HandleCancel trips the abort handle for a running task (spec §4.9
// "Cancellation"). Idempotent: a second cancel for the same or unknown task
// is a no-op.
func (e *Executor) HandleCancel(cancelReq envelope.TaskCancelPayload) {
	e.mu.Lock()
	rt, ok := e.active[cancelReq.TaskID]
	e.mu.Unlock()
	if !ok {
		return
	}

	rt.mu.Lock()
	alreadyCancelled := rt.cancelled
	rt.cancelled = true
	rt.mu.Unlock()
	if alreadyCancelled {
		return
	}
	rt.cancel()
}

func (e *Executor) run(ctx context.Context, task envelope.TaskSubmitPayload, rt *runningTask) {
	filesChanged := make(map[string]bool)
	commandsRun := make(map[string]bool)
	sessionID := ""
	prompt := task.Prompt
	assistantTurns := 0

	for attempt := 0; attempt <= e.cfg.MaxContinuations; attempt++ {
		events, err := e.invoker.Invoke(ctx, InvokeRequest{
			Prompt:       prompt,
			SystemPrompt: task.SystemPrompt,
			Model:        task.Model,
			MaxTurns:     e.cfg.MaxTurnsPerInvocation,
			WorkDir:      task.LocalPath,
			AllowedTools: task.AllowedTools,
			Resume:       sessionID,
		})
		if err != nil {
			e.sender.Send(envelope.TagTaskError, envelope.TaskErrorPayload{
				TaskID: task.TaskID, Error: fmt.Sprintf("failed to start invocation: %v", err), Recoverable: true,
			})
			return
		}

		var result *StreamEvent
		for ev := range events {
			select {
			case <-ctx.Done():
				e.finishAborted(ctx, task.TaskID, rt)
				return
			default:
			}

			switch ev.Kind {
			case EventAssistantText:
				delta := ev.Text
				if assistantTurns > 0 {
					delta = "\n\n" + delta
				}
				assistantTurns++
				e.sender.Send(envelope.TagTaskStream, envelope.TaskStreamPayload{
					TaskID: task.TaskID, Delta: delta, Timestamp: time.Now().UnixMilli(),
				})
			case EventToolUse:
				e.recordToolEffect(ev, filesChanged, commandsRun)
				e.sender.Send(envelope.TagTaskProgress, envelope.TaskProgressPayload{
					TaskID: task.TaskID, Type: envelope.ProgressToolUse, Message: ev.ToolName, Timestamp: time.Now().UnixMilli(),
				})
			case EventSystemInit:
				sessionID = ev.SessionID
			case EventResult:
				r := ev
				result = &r
			}
		}

		if ctx.Err() != nil {
			e.finishAborted(ctx, task.TaskID, rt)
			return
		}

		if result == nil {
			e.sender.Send(envelope.TagTaskError, envelope.TaskErrorPayload{
				TaskID: task.TaskID, Error: "invocation ended without a result message", Recoverable: true,
			})
			return
		}

		switch result.StopReason {
		case StopMaxTurns:
			if attempt >= e.cfg.MaxContinuations {
				e.sender.Send(envelope.TagTaskError, envelope.TaskErrorPayload{
					TaskID: task.TaskID, Error: "Continuation limit reached", Recoverable: false,
				})
				return
			}
			if e.m != nil {
				e.m.Continuations.Inc()
			}
			e.sender.Send(envelope.TagTaskProgress, envelope.TaskProgressPayload{
				TaskID: task.TaskID, Type: envelope.ProgressInfo,
				Message:   fmt.Sprintf("Auto-continuing task (%d/%d)...", attempt+1, e.cfg.MaxContinuations),
				Timestamp: time.Now().UnixMilli(),
			})
			prompt = continuationPrompt
			continue

		case StopError:
			e.sender.Send(envelope.TagTaskError, envelope.TaskErrorPayload{
				TaskID: task.TaskID, Error: result.ErrorText, Recoverable: false,
			})
			return

		default: // StopNatural
			e.sender.Send(envelope.TagTaskComplete, envelope.TaskCompletePayload{
				TaskID:        task.TaskID,
				Result:        result.FinalText,
				InputTokens:   result.InputTokens,
				OutputTokens:  result.OutputTokens,
				EstimatedCost: result.EstimatedCost,
				FilesChanged:  keys(filesChanged),
				CommandsRun:   keys(commandsRun),
			})
			return
		}
	}
}

// finishAborted handles both ways a task's context can end early:
// HandleCancel tripping rt.cancel() (ctx.Err() == context.Canceled) and the
// per-task deadline expiring (ctx.Err() == context.DeadlineExceeded, spec
// §5 taskTimeoutMs). Idempotent against a second call for the same task.
func (e *Executor) finishAborted(ctx context.Context, taskID string, rt *runningTask) {
	rt.mu.Lock()
	already := rt.finished
	rt.finished = true
	rt.mu.Unlock()
	if already {
		return
	}

	if ctx.Err() == context.DeadlineExceeded {
		log.Printf("[Executor] task %s timed out", taskID)
		e.sender.Send(envelope.TagTaskError, envelope.TaskErrorPayload{
			TaskID: taskID, Error: string(ferrors.Timeout), Recoverable: false,
		})
		return
	}

	log.Printf("[Executor] task %s cancelled", taskID)
	e.sender.Send(envelope.TagTaskCancelled, envelope.TaskCancelledPayload{TaskID: taskID, Reason: "cancelled by request"})
}

// recordToolEffect classifies a tool_use event into the filesChanged /
// commandsRun sets the task:complete payload reports (spec §4.9), via the
// executor's goja classify script.
func (e *Executor) recordToolEffect(ev StreamEvent, filesChanged, commandsRun map[string]bool) {
	kind, value := e.classifier.Classify(ev.ToolName, ev.ToolInput)
	switch kind {
	case EffectFile:
		filesChanged[value] = true
	case EffectCommand:
		commandsRun[value] = true
	}
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
