package gateway

import (
	"fmt"
	"log"

	"dispatchfabric/internal/envelope"
	"dispatchfabric/internal/taskstore"
)

// NotifyFunc tells the task's originating chat about submission-time
// events that happen before any task:* envelope exists to drive the
// StreamAccumulator (e.g. "queued for an offline worker").
type NotifyFunc func(origin envelope.ChatOrigin, text string)

// SubmitRequest carries the submission-time parameters that are not part of
// the durable Task record (spec §6 task:submit payload) alongside the task
// to persist.
type SubmitRequest struct {
	AgentID      string
	Task         *taskstore.Task
	SystemPrompt string
	LocalPath    string
	Model        string
	AllowedTools []string
}

// Submit is the submission entry (spec §4.10, C10): persist the task as
// pending, try a live send, and fall back to the offline queue.
func (d *Dispatcher) Submit(req SubmitRequest, notify NotifyFunc) error {
	if err := d.Tasks.Create(req.Task); err != nil {
		return fmt.Errorf("gateway: submit: %w", err)
	}

	payload := envelope.TaskSubmitPayload{
		TaskID:       req.Task.TaskID,
		ProjectID:    req.Task.ProjectID,
		BotName:      req.Task.BotName,
		Command:      req.Task.Command,
		Prompt:       req.Task.Prompt,
		SystemPrompt: req.SystemPrompt,
		LocalPath:    req.LocalPath,
		Model:        req.Model,
		MaxBudget:    req.Task.MaxBudget,
		AllowedTools: req.AllowedTools,
		ChatOrigin:   req.Task.ChatOrigin,
	}

	raw, err := d.Codec.Encode(envelope.TagTaskSubmit, payload)
	if err != nil {
		return fmt.Errorf("gateway: submit: encode: %w", err)
	}

	if d.Agents.Send(req.AgentID, raw) {
		return nil
	}

	if _, err := d.Queue.Enqueue(req.AgentID, string(envelope.TagTaskSubmit), raw); err != nil {
		return fmt.Errorf("gateway: submit: enqueue: %w", err)
	}
	log.Printf("[Dispatcher] agent %s offline, queued task %s", req.AgentID, req.Task.TaskID)
	if notify != nil {
		notify(req.Task.ChatOrigin, fmt.Sprintf("Agent %s is offline — your task has been queued and will run once it reconnects.", req.AgentID))
	}
	return nil
}
