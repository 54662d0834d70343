package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"dispatchfabric/internal/envelope"
	"dispatchfabric/internal/taskstore"
)

// submitTaskRequest is the wire shape for the HTTP submission entry point
// (spec §4.10, C10). It carries the submission-time-only parameters
// alongside the durable task fields.
type submitTaskRequest struct {
	AgentID      string             `json:"agentId"`
	ProjectID    string             `json:"projectId"`
	BotName      string             `json:"botName"`
	Command      string             `json:"command"`
	Prompt       string             `json:"prompt"`
	SystemPrompt string             `json:"systemPrompt"`
	LocalPath    string             `json:"localPath"`
	Model        string             `json:"model"`
	MaxBudget    float64            `json:"maxBudget"`
	AllowedTools []string           `json:"allowedTools"`
	ChatOrigin   envelope.ChatOrigin `json:"chatOrigin"`
}

// API wraps a Dispatcher in an HTTP handler so external callers (chat
// bots, CLIs, other services) can drive Submit without importing Go
// internals directly.
type API struct {
	Dispatcher *Dispatcher
	Notify     NotifyFunc
}

func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks", a.handleSubmit)
	mux.HandleFunc("POST /tasks/{taskId}/cancel", a.handleCancel)
	mux.HandleFunc("GET /tasks/{taskId}", a.handleGet)
	return mux
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.AgentID == "" || req.Prompt == "" {
		http.Error(w, "agentId and prompt are required", http.StatusBadRequest)
		return
	}

	task := &taskstore.Task{
		TaskID:     uuid.NewString(),
		ProjectID:  req.ProjectID,
		BotName:    req.BotName,
		Command:    req.Command,
		Prompt:     req.Prompt,
		MaxBudget:  req.MaxBudget,
		ChatOrigin: req.ChatOrigin,
	}

	err := a.Dispatcher.Submit(SubmitRequest{
		AgentID:      req.AgentID,
		Task:         task,
		SystemPrompt: req.SystemPrompt,
		LocalPath:    req.LocalPath,
		Model:        req.Model,
		AllowedTools: req.AllowedTools,
	}, a.Notify)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"taskId": task.TaskID})
}

// handleCancel requires the caller to name the owning agentId as a query
// parameter: the task store keeps no agent assignment (a task can be
// reassigned to a different agent on resubmission), so the caller's own
// bookkeeping is the source of truth for where to route the cancel.
func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")
	agentID := r.URL.Query().Get("agentId")
	if agentID == "" {
		http.Error(w, "agentId query parameter is required", http.StatusBadRequest)
		return
	}

	if _, err := a.Dispatcher.Tasks.Get(taskID); err != nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}

	raw, err := a.Dispatcher.Codec.Encode(envelope.TagTaskCancel, envelope.TaskCancelPayload{TaskID: taskID, Reason: "requested via API"})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !a.Dispatcher.Agents.Send(agentID, raw) {
		http.Error(w, "agent is not connected", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	task, err := a.Dispatcher.Tasks.Get(r.PathValue("taskId"))
	if err != nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(task)
}
