// Package stream implements the server-side StreamAccumulator (spec §3
// Stream state, §4.6, C6): per-task text buffers batched into
// rate-limited chat edits. Grounded on the teacher's truncate-and-post
// idiom in task_runner.go (truncateOutput), generalized from "post once at
// completion" into "periodically edit in place while streaming", and on
// nevindra-oasis's goldmark-backed markdown-to-chat rendering for the
// transform step.
package stream

import (
	"bytes"
	"log"
	"sync"
	"time"

	"github.com/yuin/goldmark"

	"dispatchfabric/internal/envelope"
	"dispatchfabric/internal/metrics"
)

// EditFunc posts or edits a chat message. A nil/empty messageID means
// "create a new message"; it returns the id of the message that now holds
// text, to be passed back on the next call (spec §4.6 step 3).
type EditFunc func(origin envelope.ChatOrigin, text string, messageID string) (newMessageID string, err error)

const ellipsisMarker = "… (showing latest output)\n\n"

type taskState struct {
	mu         sync.Mutex
	buffer     bytes.Buffer // full accumulated output; never truncated, only ever appended to
	dirty      bool         // true when buffer grew since the last successful flush
	origin     envelope.ChatOrigin
	messageID  string
	lastUpdate time.Time
}

// Accumulator batches streamed deltas per task and periodically flushes
// them to chat via edit-in-place semantics (spec §4.6).
type Accumulator struct {
	updateInterval   time.Duration
	maxSnapshotChars int
	edit             EditFunc
	m                *metrics.Fabric

	mu    sync.Mutex
	tasks map[string]*taskState
}

// New creates an Accumulator. updateInterval and maxSnapshotChars default
// to the spec's STREAM_UPDATE_INTERVAL (3000ms) and ~3900 chars when zero.
func New(updateInterval time.Duration, maxSnapshotChars int, edit EditFunc, m *metrics.Fabric) *Accumulator {
	if updateInterval <= 0 {
		updateInterval = 3 * time.Second
	}
	if maxSnapshotChars <= 0 {
		maxSnapshotChars = 3900
	}
	return &Accumulator{
		updateInterval:   updateInterval,
		maxSnapshotChars: maxSnapshotChars,
		edit:             edit,
		m:                m,
		tasks: make(map[string]*taskState),
	}
}

// AddDelta appends a text delta to taskId's buffer, creating the buffer if
// this is the first delta seen for the task (spec §4.6, collapsing the
// source's addDelta/addChunk split per SPEC_FULL.md §6/Open Questions).
func (a *Accumulator) AddDelta(taskID, delta string, origin envelope.ChatOrigin) {
	a.mu.Lock()
	st, ok := a.tasks[taskID]
	if !ok {
		st = &taskState{origin: origin, lastUpdate: time.Now()}
		a.tasks[taskID] = st
	}
	a.mu.Unlock()

	st.mu.Lock()
	st.buffer.WriteString(delta)
	st.dirty = true
	st.mu.Unlock()
}

// Remove destroys a task's stream state, called by the gateway dispatcher
// after the final forced flush on task cancellation (spec §4.6).
func (a *Accumulator) Remove(taskID string) {
	a.mu.Lock()
	delete(a.tasks, taskID)
	a.mu.Unlock()
}

// Finalize posts text as the task's last message, editing the existing
// streaming message in place when one exists, and tears down the task's
// state (spec §4.7: task:complete/task:error replace the streaming message
// rather than appending another periodic snapshot). origin is used only
// when no stream state exists yet (a task that completed before its first
// delta ever arrived).
func (a *Accumulator) Finalize(taskID string, origin envelope.ChatOrigin, text string) {
	a.mu.Lock()
	st, ok := a.tasks[taskID]
	delete(a.tasks, taskID)
	a.mu.Unlock()

	messageID := ""
	if ok {
		st.mu.Lock()
		messageID = st.messageID
		origin = st.origin
		st.mu.Unlock()
	}

	if _, err := a.edit(origin, text, messageID); err != nil {
		log.Printf("[StreamAccumulator] finalize for task %s failed: %v", taskID, err)
		if a.m != nil {
			a.m.StreamFlushErrors.Inc()
		}
	}
}

// Run drives the periodic flusher until stop is closed.
func (a *Accumulator) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(a.updateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.flushAll()
		case <-stop:
			return
		}
	}
}

func (a *Accumulator) flushAll() {
	a.mu.Lock()
	ids := make([]string, 0, len(a.tasks))
	for id := range a.tasks {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	for _, id := range ids {
		a.FlushOne(id)
	}
}

// FlushOne flushes a single task's buffer if it has grown since the last
// successful flush. It is also used for the forced final flush on task
// cancellation; completion and error go through Finalize instead.
func (a *Accumulator) FlushOne(taskID string) {
	a.mu.Lock()
	st, ok := a.tasks[taskID]
	a.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	if !st.dirty {
		st.mu.Unlock()
		return
	}
	raw := st.buffer.String()
	origin := st.origin
	messageID := st.messageID
	st.mu.Unlock()

	snapshot := RenderMarkdown(raw)
	snapshot = tailBiasedTruncate(snapshot, a.maxSnapshotChars)

	if a.m != nil {
		a.m.StreamBufferChars.Observe(float64(len(raw)))
	}

	newID, err := a.edit(origin, snapshot, messageID)
	if err != nil {
		log.Printf("[StreamAccumulator] flush for task %s failed, will retry next tick: %v", taskID, err)
		if a.m != nil {
			a.m.StreamFlushErrors.Inc()
		}
		return
	}

	st.mu.Lock()
	st.messageID = newID
	st.lastUpdate = time.Now()
	st.dirty = false
	st.mu.Unlock()

	if a.m != nil {
		a.m.StreamFlushes.Inc()
	}
}

// RenderMarkdown applies the markdown-to-chat transform (spec §4.6 step 1).
// It is idempotent after the first application (spec §8 round-trip law):
// re-rendering already-rendered HTML through goldmark leaves it unchanged
// because goldmark treats raw HTML blocks as opaque passthrough.
func RenderMarkdown(s string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(s), &buf); err != nil {
		return s
	}
	return buf.String()
}

// tailBiasedTruncate keeps the trailing window of s when it exceeds max,
// prefixed with an ellipsis marker so the freshest content stays visible
// (spec §4.6 step 2).
func tailBiasedTruncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	keep := max - len(ellipsisMarker)
	if keep < 0 {
		keep = max
	}
	return ellipsisMarker + s[len(s)-keep:]
}
