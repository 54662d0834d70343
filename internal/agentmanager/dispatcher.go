package agentmanager

import (
	"log"

	"dispatchfabric/internal/bus"
	"dispatchfabric/internal/queue"
)

// OfflineDispatcher drains an agent's offline mailbox on reconnect (spec
// §4.5, C5). It only subscribes to the Manager's event bus — it holds no
// reference back into the Manager's internals beyond Send, keeping the
// dependency one-directional (spec §9).
type OfflineDispatcher struct {
	mgr *Manager
	q   *queue.Store
	sub *bus.Subscription
}

// NewOfflineDispatcher wires a dispatcher that drains q whenever b
// publishes agent:connected. Call Run in its own goroutine.
func NewOfflineDispatcher(mgr *Manager, b *bus.Bus, q *queue.Store) *OfflineDispatcher {
	return &OfflineDispatcher{mgr: mgr, q: q, sub: b.Subscribe()}
}

// Run consumes connect events until the subscription channel is closed
// (via b.Unsubscribe, normally at process shutdown).
func (d *OfflineDispatcher) Run() {
	for ev := range d.sub.Ch() {
		if ev.Topic != bus.TopicAgentConnected {
			continue
		}
		d.Drain(ev.AgentID)
	}
}

// Drain fetches findPending(agentId) and attempts to send each entry in
// FIFO order, marking it delivered on success. On the first send failure
// it stops and leaves the remainder for the next connect event (spec
// §4.5: "avoids head-of-line reordering and duplicate drains if the agent
// flaps during draining").
func (d *OfflineDispatcher) Drain(agentID string) {
	entries, err := d.q.FindPending(agentID)
	if err != nil {
		log.Printf("[OfflineDispatcher] findPending(%s) failed: %v", agentID, err)
		return
	}
	if len(entries) == 0 {
		return
	}

	for _, e := range entries {
		if !d.mgr.Send(agentID, e.Payload) {
			log.Printf("[OfflineDispatcher] send failed for agent '%s' at queue entry %d, halting drain", agentID, e.ID)
			return
		}
		if err := d.q.MarkDelivered(e.ID); err != nil {
			log.Printf("[OfflineDispatcher] markDelivered(%d) failed: %v", e.ID, err)
			return
		}
	}
}
