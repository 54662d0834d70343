// Package taskstore is the durable task store (spec §3 Task, §4.3 state
// machine), grounded on the teacher's db.go InitDB/runMigrations idiom
// (database/sql over modernc.org/sqlite) generalized from a single
// "tasks" convenience table into the full Task record of the spec.
package taskstore

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"dispatchfabric/internal/envelope"
	"dispatchfabric/internal/ferrors"
	"dispatchfabric/internal/metrics"
)

// Status is one of the task lifecycle states (spec §4.3).
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// legalTransitions enumerates the state machine of spec §4.3.
var legalTransitions = map[Status]map[Status]bool{
	StatusPending: {StatusQueued: true, StatusRunning: true, StatusFailed: true},
	StatusQueued:  {StatusRunning: true, StatusCancelled: true, StatusFailed: true},
	StatusRunning: {StatusCompleted: true, StatusFailed: true, StatusCancelled: true},
}

func terminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task mirrors the Task record of spec §3.
type Task struct {
	TaskID        string
	ProjectID     string
	BotName       string
	Command       string
	Prompt        string
	Status        Status
	Result        string
	ErrorMessage  string
	SessionID     string
	InputTokens   int64
	OutputTokens  int64
	EstimatedCost float64
	MaxBudget     float64
	FilesChanged  []string
	CommandsRun   []string
	ChatOrigin    envelope.ChatOrigin
	RetryCount    int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store is the durable task store. Updates are serialized per taskId via
// an in-process mutex table (spec §5 "Task store serializes updates per
// taskId"); the DB itself enforces durability.
type Store struct {
	db *sql.DB
	m  *metrics.Fabric

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Open opens (creating if necessary) the sqlite-backed task store at path
// and runs its migrations.
func Open(path string, m *metrics.Fabric) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("taskstore: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("taskstore: ping: %w", err)
	}

	s := &Store{db: db, m: m, locks: make(map[string]*sync.Mutex)}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("taskstore: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		bot_name TEXT NOT NULL,
		command TEXT,
		prompt TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		result TEXT,
		error_message TEXT,
		session_id TEXT,
		input_tokens INTEGER DEFAULT 0,
		output_tokens INTEGER DEFAULT 0,
		estimated_cost REAL DEFAULT 0,
		max_budget REAL DEFAULT 0,
		files_changed TEXT,
		commands_run TEXT,
		channel_id TEXT,
		thread_ts TEXT,
		user_id TEXT,
		message_ts TEXT,
		retry_count INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) lockFor(taskID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[taskID] = l
	}
	return l
}

// Create persists a new task with status pending (spec §4.3, C10 step 1).
func (s *Store) Create(t *Task) error {
	lock := s.lockFor(t.TaskID)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO tasks (task_id, project_id, bot_name, command, prompt, status,
			max_budget, channel_id, thread_ts, user_id, message_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.ProjectID, t.BotName, t.Command, t.Prompt, StatusPending,
		t.MaxBudget, t.ChatOrigin.ChannelID, t.ChatOrigin.ThreadTS, t.ChatOrigin.UserID, t.ChatOrigin.MessageTS,
	)
	if err != nil {
		return fmt.Errorf("taskstore: create: %w", err)
	}
	if s.m != nil {
		s.m.TasksByStatus.WithLabelValues(string(StatusPending)).Inc()
	}
	return nil
}

// Get fetches a task by id.
func (s *Store) Get(taskID string) (*Task, error) {
	row := s.db.QueryRow(`
		SELECT task_id, project_id, bot_name, command, prompt, status, result,
			error_message, session_id, input_tokens, output_tokens, estimated_cost,
			max_budget, files_changed, commands_run, channel_id, thread_ts, user_id,
			message_ts, retry_count, created_at, updated_at
		FROM tasks WHERE task_id = ?`, taskID)
	return scanTask(row)
}

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var result, errMsg, sessionID, filesChanged, commandsRun sql.NullString
	var channelID, threadTS, userID, messageTS sql.NullString
	if err := row.Scan(&t.TaskID, &t.ProjectID, &t.BotName, &t.Command, &t.Prompt, &t.Status,
		&result, &errMsg, &sessionID, &t.InputTokens, &t.OutputTokens, &t.EstimatedCost,
		&t.MaxBudget, &filesChanged, &commandsRun, &channelID, &threadTS, &userID, &messageTS,
		&t.RetryCount, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ferrors.New(ferrors.NotFound, "task not found")
		}
		return nil, fmt.Errorf("taskstore: scan: %w", err)
	}
	t.Result = result.String
	t.ErrorMessage = errMsg.String
	t.SessionID = sessionID.String
	t.FilesChanged = splitCSV(filesChanged.String)
	t.CommandsRun = splitCSV(commandsRun.String)
	t.ChatOrigin = envelope.ChatOrigin{
		ChannelID: channelID.String, ThreadTS: threadTS.String,
		UserID: userID.String, MessageTS: messageTS.String,
	}
	return &t, nil
}

// Transition moves a task from its current status to next, enforcing the
// legal-transition table of spec §4.3. Terminal tasks are immutable
// (invariant 3): the transition is rejected with ferrors.ValidationError.
func (s *Store) Transition(taskID string, next Status) error {
	lock := s.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	var current Status
	if err := s.db.QueryRow(`SELECT status FROM tasks WHERE task_id = ?`, taskID).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return ferrors.New(ferrors.NotFound, "task not found")
		}
		return fmt.Errorf("taskstore: transition lookup: %w", err)
	}

	if terminal(current) {
		// Idempotent no-op per spec §4.7 "re-completing a completed task is
		// a no-op with a warning" — but only when the caller asks for the
		// exact same terminal state it is already in.
		if current == next {
			log.Printf("[TaskStore] warning: task %s is already %s, ignoring repeated transition", taskID, current)
			return nil
		}
		return ferrors.New(ferrors.ValidationError, fmt.Sprintf("task %s is terminal (%s), cannot move to %s", taskID, current, next))
	}

	if !legalTransitions[current][next] {
		return ferrors.New(ferrors.ValidationError, fmt.Sprintf("illegal transition %s -> %s", current, next))
	}

	_, err := s.db.Exec(`UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE task_id = ?`, next, taskID)
	if err != nil {
		return fmt.Errorf("taskstore: transition update: %w", err)
	}
	if s.m != nil {
		s.m.TaskTransitions.WithLabelValues(string(current), string(next)).Inc()
		s.m.TasksByStatus.WithLabelValues(string(current)).Dec()
		s.m.TasksByStatus.WithLabelValues(string(next)).Inc()
	}
	return nil
}

// Fail is a convenience wrapper transitioning to failed with a message.
func (s *Store) Fail(taskID, reason string) error {
	lock := s.lockFor(taskID)
	lock.Lock()
	_, err := s.db.Exec(`UPDATE tasks SET error_message = ?
		WHERE task_id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`, reason, taskID)
	lock.Unlock()
	if err != nil {
		return fmt.Errorf("taskstore: set error message: %w", err)
	}
	return s.Transition(taskID, StatusFailed)
}

// Complete records final metrics and transitions a task to completed.
func (s *Store) Complete(taskID, result string, inputTokens, outputTokens int64, cost float64, files, commands []string) error {
	lock := s.lockFor(taskID)
	lock.Lock()
	_, err := s.db.Exec(`
		UPDATE tasks SET result = ?, input_tokens = ?, output_tokens = ?, estimated_cost = ?,
			files_changed = ?, commands_run = ?
		WHERE task_id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		result, inputTokens, outputTokens, cost, joinCSV(files), joinCSV(commands), taskID)
	lock.Unlock()
	if err != nil {
		return fmt.Errorf("taskstore: complete: %w", err)
	}
	return s.Transition(taskID, StatusCompleted)
}

// SetSessionID records the continuation session token captured from
// system:init (spec §4.9).
func (s *Store) SetSessionID(taskID, sessionID string) error {
	_, err := s.db.Exec(`UPDATE tasks SET session_id = ? WHERE task_id = ?`, sessionID, taskID)
	if err != nil {
		return fmt.Errorf("taskstore: set session id: %w", err)
	}
	return nil
}

// CheckBudget enforces spec §4.3's budget boundary: if estimatedCost
// exceeds maxBudget the task is failed with BUDGET_EXCEEDED and the
// returned error is non-nil.
func (s *Store) CheckBudget(taskID string, estimatedCost float64) error {
	t, err := s.Get(taskID)
	if err != nil {
		return err
	}
	if t.MaxBudget > 0 && estimatedCost > t.MaxBudget {
		_ = s.Fail(taskID, "BUDGET_EXCEEDED")
		return ferrors.New(ferrors.BudgetExceeded, "estimated cost exceeds max budget")
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '\x1f' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func joinCSV(items []string) string {
	out := ""
	for i, it := range items {
		if i > 0 {
			out += "\x1f"
		}
		out += it
	}
	return out
}
