package envelope

// ChatOrigin is the tuple that lets the gateway post results back to the
// exact conversation a task originated from (spec §3, glossary).
type ChatOrigin struct {
	ChannelID string `json:"channelId"`
	ThreadTS  string `json:"threadTs,omitempty"`
	UserID    string `json:"userId"`
	MessageTS string `json:"messageTs,omitempty"`
}

// AuthRequestPayload is sent agent -> cloud to authenticate a connection.
type AuthRequestPayload struct {
	AgentID string `json:"agentId"`
	APIKey  string `json:"apiKey"`
	Version string `json:"version"`
}

// AuthResponsePayload is sent cloud -> agent in reply to AuthRequestPayload.
type AuthResponsePayload struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// HeartbeatPingPayload is sent agent -> cloud on the keepalive interval.
type HeartbeatPingPayload struct {
	ServerTime int64 `json:"serverTime"`
}

// HeartbeatPongPayload is sent cloud -> agent in reply to a ping.
type HeartbeatPongPayload struct {
	AgentID     string  `json:"agentId"`
	ServerTime  int64   `json:"serverTime"`
	ActiveTasks int     `json:"activeTasks"`
	CPUUsage    float64 `json:"cpuUsage"`
	MemoryUsage float64 `json:"memoryUsage"`
}

// TaskSubmitPayload is sent cloud -> agent to start a task.
type TaskSubmitPayload struct {
	TaskID        string     `json:"taskId"`
	ProjectID     string     `json:"projectId"`
	BotName       string     `json:"botName"`
	Command       string     `json:"command"`
	Prompt        string     `json:"prompt"`
	SystemPrompt  string     `json:"systemPrompt"`
	LocalPath     string     `json:"localPath"`
	Model         string     `json:"model"`
	MaxBudget     float64    `json:"maxBudget"`
	AllowedTools  []string   `json:"allowedTools,omitempty"`
	ChatOrigin    ChatOrigin `json:"chatOrigin"`
}

// TaskAckPayload is sent agent -> cloud in response to TaskSubmitPayload.
type TaskAckPayload struct {
	TaskID        string `json:"taskId"`
	Accepted      bool   `json:"accepted"`
	Reason        string `json:"reason,omitempty"`
	Queued        bool   `json:"queued,omitempty"`
	QueuePosition int    `json:"queuePosition,omitempty"`
}

// ProgressType enumerates the task:progress subtypes (spec §6).
type ProgressType string

const (
	ProgressToolUse  ProgressType = "tool_use"
	ProgressThinking ProgressType = "thinking"
	ProgressInfo     ProgressType = "info"
)

// TaskProgressPayload is sent agent -> cloud for intermediate notices.
type TaskProgressPayload struct {
	TaskID    string       `json:"taskId"`
	Type      ProgressType `json:"type"`
	Message   string       `json:"message"`
	Timestamp int64        `json:"timestamp"`
}

// TaskStreamPayload is sent agent -> cloud for streamed text deltas.
type TaskStreamPayload struct {
	TaskID    string `json:"taskId"`
	Delta     string `json:"delta"`
	Timestamp int64  `json:"timestamp"`
}

// TaskCompletePayload is sent agent -> cloud on successful completion.
type TaskCompletePayload struct {
	TaskID         string   `json:"taskId"`
	Result         string   `json:"result"`
	InputTokens    int64    `json:"inputTokens"`
	OutputTokens   int64    `json:"outputTokens"`
	EstimatedCost  float64  `json:"estimatedCost"`
	FilesChanged   []string `json:"filesChanged"`
	CommandsRun    []string `json:"commandsRun"`
	DurationMs     int64    `json:"durationMs"`
}

// TaskErrorPayload is sent agent -> cloud on failure.
type TaskErrorPayload struct {
	TaskID      string `json:"taskId"`
	Error       string `json:"error"`
	Recoverable bool   `json:"recoverable"`
}

// TaskCancelPayload is sent cloud -> agent to request cancellation.
type TaskCancelPayload struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason"`
}

// TaskCancelledPayload is sent agent -> cloud confirming cancellation.
type TaskCancelledPayload struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason"`
}

// TaskArtifactPayload is a supplemented (non-core) file-delivery envelope,
// see SPEC_FULL.md §11.
type TaskArtifactPayload struct {
	TaskID   string `json:"taskId"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	Data     string `json:"data"` // base64
}

// AgentStatus enumerates the declared agent status values (spec §3).
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// AgentStatusPayload is sent agent -> cloud to report health/load.
type AgentStatusPayload struct {
	AgentID        string      `json:"agentId"`
	Status         AgentStatus `json:"status"`
	ActiveTasks    int         `json:"activeTasks"`
	Version        string      `json:"version"`
	ResourceStatus string      `json:"resourceStatus,omitempty"`
}

// AgentMetricsPayload is sent agent -> cloud with resource gauges.
type AgentMetricsPayload struct {
	AgentID     string  `json:"agentId"`
	CPUUsage    float64 `json:"cpuUsage"`
	MemoryUsage float64 `json:"memoryUsage"`
}

// SystemRestartPayload is sent cloud -> agent to request a restart.
type SystemRestartPayload struct {
	Reason  string `json:"reason"`
	Rebuild bool   `json:"rebuild"`
}
