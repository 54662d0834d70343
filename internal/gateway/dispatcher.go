// Package gateway is the cloud-side dispatcher (spec §4.7, C7) and
// submission entry (spec §4.10, C10). Grounded on the teacher's
// AgentHub.handleResult/handleAck/handleHeartbeat/handleKilled switch in
// agents.go readPump, generalized from one batch "result" message into the
// spec's richer envelope vocabulary (ack/progress/stream/complete/error/
// cancelled/status/metrics/heartbeat).
package gateway

import (
	"log"
	"time"

	"dispatchfabric/internal/agentmanager"
	"dispatchfabric/internal/envelope"
	"dispatchfabric/internal/ferrors"
	"dispatchfabric/internal/metrics"
	"dispatchfabric/internal/queue"
	"dispatchfabric/internal/stream"
	"dispatchfabric/internal/taskstore"
)

// Dispatcher routes inbound envelopes from agents to the task store, the
// StreamAccumulator, and the AgentManager's bookkeeping (spec §4.7). Every
// handler is idempotent: redelivery of the same envelope (e.g. after an
// offline-queue drain retry) must never double-apply an effect.
type Dispatcher struct {
	Tasks  *taskstore.Store
	Agents *agentmanager.Manager
	Queue  *queue.Store
	Stream *stream.Accumulator
	Codec  *envelope.Codec
	M      *metrics.Fabric
	// Notify pushes a standalone chat message outside the StreamAccumulator's
	// edit-in-place flow, used for task:progress's ephemeral notices (spec
	// §4.7). Nil means progress notices are dropped rather than posted.
	Notify NotifyFunc
}

// HandleEnvelope is the exhaustive switch over inbound envelope types (spec
// §4.7). Unknown types are logged and ignored rather than treated as fatal,
// so a forward-compatible agent never wedges the gateway.
func (d *Dispatcher) HandleEnvelope(agentID string, env *envelope.Envelope) {
	switch env.Type {
	case envelope.TagTaskAck:
		d.handleTaskAck(env)
	case envelope.TagTaskProgress:
		d.handleTaskProgress(env)
	case envelope.TagTaskStream:
		d.handleTaskStream(env)
	case envelope.TagTaskComplete:
		d.handleTaskComplete(env)
	case envelope.TagTaskError:
		d.handleTaskError(env)
	case envelope.TagTaskCancelled:
		d.handleTaskCancelled(env)
	case envelope.TagTaskArtifact:
		d.handleTaskArtifact(env)
	case envelope.TagAgentStatus:
		d.handleAgentStatus(agentID, env)
	case envelope.TagAgentMetrics:
		d.handleAgentMetrics(agentID, env)
	case envelope.TagHeartbeatPing:
		d.handleHeartbeatPing(agentID, env)
	default:
		log.Printf("[Dispatcher] ignoring envelope of unknown type %q from agent %s", env.Type, agentID)
	}
}

func (d *Dispatcher) handleTaskAck(env *envelope.Envelope) {
	var p envelope.TaskAckPayload
	if err := env.DecodePayload(&p); err != nil {
		log.Printf("[Dispatcher] bad task:ack payload: %v", err)
		return
	}
	if !p.Accepted {
		if err := d.Tasks.Fail(p.TaskID, p.Reason); err != nil {
			log.Printf("[Dispatcher] failing rejected task %s: %v", p.TaskID, err)
		}
		return
	}

	next := taskstore.StatusRunning
	if p.Queued {
		next = taskstore.StatusQueued
	}
	if err := d.Tasks.Transition(p.TaskID, next); err != nil {
		log.Printf("[Dispatcher] transition on ack for task %s: %v", p.TaskID, err)
	}
}

func (d *Dispatcher) handleTaskProgress(env *envelope.Envelope) {
	var p envelope.TaskProgressPayload
	if err := env.DecodePayload(&p); err != nil {
		log.Printf("[Dispatcher] bad task:progress payload: %v", err)
		return
	}
	// Ensure the task has moved into running even if its ack was lost
	// (redelivery-safe: Transition is a no-op when already running).
	if err := d.Tasks.Transition(p.TaskID, taskstore.StatusRunning); err != nil {
		if fe, ok := err.(*ferrors.Error); !ok || fe.Kind != ferrors.ValidationError {
			log.Printf("[Dispatcher] transition on progress for task %s: %v", p.TaskID, err)
		}
	}

	if d.Notify == nil {
		return
	}
	task, err := d.Tasks.Get(p.TaskID)
	if err != nil {
		log.Printf("[Dispatcher] progress for unknown task %s: %v", p.TaskID, err)
		return
	}
	d.Notify(task.ChatOrigin, formatProgress(p))
}

func (d *Dispatcher) handleTaskStream(env *envelope.Envelope) {
	var p envelope.TaskStreamPayload
	if err := env.DecodePayload(&p); err != nil {
		log.Printf("[Dispatcher] bad task:stream payload: %v", err)
		return
	}
	task, err := d.Tasks.Get(p.TaskID)
	if err != nil {
		log.Printf("[Dispatcher] stream for unknown task %s: %v", p.TaskID, err)
		return
	}
	d.Stream.AddDelta(p.TaskID, p.Delta, task.ChatOrigin)
}

func (d *Dispatcher) handleTaskComplete(env *envelope.Envelope) {
	var p envelope.TaskCompletePayload
	if err := env.DecodePayload(&p); err != nil {
		log.Printf("[Dispatcher] bad task:complete payload: %v", err)
		return
	}

	task, err := d.Tasks.Get(p.TaskID)
	if err != nil {
		log.Printf("[Dispatcher] complete for unknown task %s: %v", p.TaskID, err)
		return
	}

	// Budget boundary check (spec.md "Budget enforcement"): an over-budget
	// result is failed with BUDGET_EXCEEDED instead of completed, even
	// though the agent itself reported success.
	if err := d.Tasks.CheckBudget(p.TaskID, p.EstimatedCost); err != nil {
		log.Printf("[Dispatcher] task %s exceeded budget: %v", p.TaskID, err)
		d.Stream.Finalize(p.TaskID, task.ChatOrigin, formatTaskError(string(ferrors.BudgetExceeded)))
		return
	}

	if err := d.Tasks.Complete(p.TaskID, p.Result, p.InputTokens, p.OutputTokens, p.EstimatedCost, p.FilesChanged, p.CommandsRun); err != nil {
		log.Printf("[Dispatcher] completing task %s: %v", p.TaskID, err)
	}
	// Final formatted block replaces the streaming message in place (spec
	// §4.7), rather than the periodic snapshot FlushOne would produce.
	d.Stream.Finalize(p.TaskID, task.ChatOrigin, formatTaskComplete(p))
}

func (d *Dispatcher) handleTaskError(env *envelope.Envelope) {
	var p envelope.TaskErrorPayload
	if err := env.DecodePayload(&p); err != nil {
		log.Printf("[Dispatcher] bad task:error payload: %v", err)
		return
	}
	if err := d.Tasks.Fail(p.TaskID, p.Error); err != nil {
		log.Printf("[Dispatcher] failing task %s: %v", p.TaskID, err)
	}

	var origin envelope.ChatOrigin
	if task, err := d.Tasks.Get(p.TaskID); err == nil {
		origin = task.ChatOrigin
	}
	d.Stream.Finalize(p.TaskID, origin, formatTaskError(p.Error))
}

func (d *Dispatcher) handleTaskCancelled(env *envelope.Envelope) {
	var p envelope.TaskCancelledPayload
	if err := env.DecodePayload(&p); err != nil {
		log.Printf("[Dispatcher] bad task:cancelled payload: %v", err)
		return
	}
	if err := d.Tasks.Transition(p.TaskID, taskstore.StatusCancelled); err != nil {
		log.Printf("[Dispatcher] cancelling task %s: %v", p.TaskID, err)
	}
	d.Stream.FlushOne(p.TaskID)
	d.Stream.Remove(p.TaskID)
}

func (d *Dispatcher) handleTaskArtifact(env *envelope.Envelope) {
	var p envelope.TaskArtifactPayload
	if err := env.DecodePayload(&p); err != nil {
		log.Printf("[Dispatcher] bad task:artifact payload: %v", err)
		return
	}
	log.Printf("[Dispatcher] received artifact %s (%d bytes) for task %s", p.FileName, p.FileSize, p.TaskID)
}

func (d *Dispatcher) handleAgentStatus(agentID string, env *envelope.Envelope) {
	var p envelope.AgentStatusPayload
	if err := env.DecodePayload(&p); err != nil {
		log.Printf("[Dispatcher] bad agent:status payload: %v", err)
		return
	}
	d.Agents.UpdateStatus(agentID, agentmanager.Status(p.Status), nil)
}

// handleHeartbeatPing handles heartbeat:ping, sent agent -> cloud on the
// keepalive interval (envelope.HeartbeatPingPayload), by advancing the
// agent's LastHeartbeat and replying with heartbeat:pong (spec §4.8).
func (d *Dispatcher) handleHeartbeatPing(agentID string, env *envelope.Envelope) {
	var p envelope.HeartbeatPingPayload
	if err := env.DecodePayload(&p); err != nil {
		log.Printf("[Dispatcher] bad heartbeat:ping payload: %v", err)
		return
	}
	d.Agents.UpdateHeartbeat(agentID)

	raw, err := d.Codec.Encode(envelope.TagHeartbeatPong, envelope.HeartbeatPongPayload{
		AgentID:    agentID,
		ServerTime: time.Now().UnixMilli(),
	})
	if err != nil {
		log.Printf("[Dispatcher] encode heartbeat:pong for %s: %v", agentID, err)
		return
	}
	d.Agents.Send(agentID, raw)
}

func (d *Dispatcher) handleAgentMetrics(agentID string, env *envelope.Envelope) {
	var p envelope.AgentMetricsPayload
	if err := env.DecodePayload(&p); err != nil {
		log.Printf("[Dispatcher] bad agent:metrics payload: %v", err)
		return
	}
	if d.M != nil {
		d.M.AgentCPUUsage.Set(p.CPUUsage)
		d.M.AgentMemoryUsage.Set(p.MemoryUsage)
	}
}
