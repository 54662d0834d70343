// Package agentmanager is the registry of live agent connections (spec §3
// Agent registration, §4.4), grounded directly on the teacher's
// agents.go AgentHub: a map keyed by agent id, one buffered send channel
// per connection so no goroutine ever writes to the socket while holding
// the registry lock, and a watchdog goroutine for dead-connection sweeps.
package agentmanager

import (
	"log"
	"sync"
	"time"

	"dispatchfabric/internal/bus"
	"dispatchfabric/internal/metrics"
)

// Status mirrors the declared agent status of spec §3.
type Status string

const (
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Conn is the minimal transport-handle contract the manager needs from a
// live connection. The concrete *websocket.Conn send-loop lives in the
// gateway's WebSocket handler; Conn decouples the registry from transport
// details so it can be unit tested without a real socket.
type Conn interface {
	// Send writes bytes to the peer. It must not block past a short
	// deadline; a persistently blocked peer should eventually error out.
	Send(data []byte) error
	// Close tears down the underlying connection.
	Close(code int, reason string) error
}

// ReplacementCode is the deterministic close code used when a new
// connection supersedes an existing registration for the same agentId
// (spec §3 lifecycle, §4.4 register, scenario S3).
const ReplacementCode = 4001

// Registration is the in-memory record of a live agent (spec §3).
type Registration struct {
	AgentID       string
	Status        Status
	Version       string
	ActiveTaskIDs map[string]bool
	ConnectedAt   time.Time
	LastHeartbeat time.Time

	conn      Conn
	sendCh    chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

// Manager is the registry of live agent connections (C4).
type Manager struct {
	bus *bus.Bus
	m   *metrics.Fabric

	mu     sync.RWMutex
	agents map[string]*Registration
}

// New creates an empty Manager. Pass a *bus.Bus so the OfflineQueue
// dispatcher (C5) can subscribe to agent:connected without the Manager
// holding any reference back to it (spec §9).
func New(b *bus.Bus, m *metrics.Fabric) *Manager {
	return &Manager{bus: b, m: m, agents: make(map[string]*Registration)}
}

// Register installs a new live connection for agentId. If a connection
// already exists for agentId, it is closed with ReplacementCode before the
// new one is inserted (spec §4.4, scenario S3).
func (mgr *Manager) Register(agentID string, conn Conn) *Registration {
	mgr.mu.Lock()

	if existing, ok := mgr.agents[agentID]; ok {
		mgr.closeRegistration(existing, ReplacementCode, "replaced by new connection")
	}

	reg := &Registration{
		AgentID:       agentID,
		Status:        StatusOnline,
		ActiveTaskIDs: make(map[string]bool),
		ConnectedAt:   time.Now(),
		LastHeartbeat: time.Now(),
		conn:          conn,
		sendCh:        make(chan []byte, 256),
		done:          make(chan struct{}),
	}
	mgr.agents[agentID] = reg
	mgr.mu.Unlock()

	go reg.writeLoop()

	if mgr.m != nil {
		mgr.m.AgentsConnected.Set(float64(mgr.count()))
	}
	log.Printf("[AgentManager] agent '%s' connected", agentID)
	mgr.bus.Publish(bus.TopicAgentConnected, agentID)
	return reg
}

// writeLoop is the single writer goroutine per agent connection: all sends
// funnel through sendCh so ordering is preserved per agentId (spec §5) and
// no component ever blocks on the network while holding mgr.mu.
func (r *Registration) writeLoop() {
	for {
		select {
		case data, ok := <-r.sendCh:
			if !ok {
				return
			}
			if err := r.conn.Send(data); err != nil {
				log.Printf("[AgentManager] send to '%s' failed: %v", r.AgentID, err)
				return
			}
		case <-r.done:
			return
		}
	}
}

func (mgr *Manager) count() int {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	return len(mgr.agents)
}

// Unregister removes whatever registration agentId currently has and emits
// agent:disconnected. It does not check which connection that registration
// belongs to; the gateway's read loop calls it only while its own
// registration is still the current one.
func (mgr *Manager) Unregister(agentID string) {
	mgr.mu.Lock()
	reg, ok := mgr.agents[agentID]
	if ok {
		delete(mgr.agents, agentID)
	}
	mgr.mu.Unlock()

	if !ok {
		return
	}
	close(reg.done)
	reg.closeOnce.Do(func() {})
	if mgr.m != nil {
		mgr.m.AgentsConnected.Set(float64(mgr.count()))
		mgr.m.AgentsDisconnects.WithLabelValues("unregister").Inc()
	}
	log.Printf("[AgentManager] agent '%s' disconnected", agentID)
	mgr.bus.Publish(bus.TopicAgentDisconnected, agentID)
}

// closeRegistration closes the underlying connection for a registration
// being replaced or swept. Caller must hold mgr.mu.
func (mgr *Manager) closeRegistration(reg *Registration, code int, reason string) {
	reg.closeOnce.Do(func() {
		close(reg.done)
		_ = reg.conn.Close(code, reason)
	})
}

// Send enqueues data for delivery to agentId. Returns false if the agent
// is not registered (spec §4.4). This never blocks on the network: it only
// pushes onto the per-agent buffered channel drained by writeLoop.
func (mgr *Manager) Send(agentID string, data []byte) bool {
	mgr.mu.RLock()
	reg, ok := mgr.agents[agentID]
	mgr.mu.RUnlock()
	if !ok {
		return false
	}

	select {
	case reg.sendCh <- data:
		return true
	default:
		log.Printf("[AgentManager] send buffer full for agent '%s', dropping", agentID)
		return false
	}
}

// UpdateHeartbeat bumps lastHeartbeat for agentId.
func (mgr *Manager) UpdateHeartbeat(agentID string) {
	mgr.mu.RLock()
	reg, ok := mgr.agents[agentID]
	mgr.mu.RUnlock()
	if !ok {
		return
	}
	reg.LastHeartbeat = time.Now()
	if mgr.m != nil {
		mgr.m.HeartbeatAge.WithLabelValues(agentID).Set(0)
	}
}

// UpdateStatus records the agent's self-reported status and active task
// set (spec §4.4).
func (mgr *Manager) UpdateStatus(agentID string, status Status, activeTaskIDs []string) {
	mgr.mu.RLock()
	reg, ok := mgr.agents[agentID]
	mgr.mu.RUnlock()
	if !ok {
		return
	}
	reg.Status = status
	tasks := make(map[string]bool, len(activeTaskIDs))
	for _, id := range activeTaskIDs {
		tasks[id] = true
	}
	reg.ActiveTaskIDs = tasks
}

// Get returns the current registration for agentId, if any.
func (mgr *Manager) Get(agentID string) (*Registration, bool) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	reg, ok := mgr.agents[agentID]
	return reg, ok
}

// List returns a snapshot of all live registrations.
func (mgr *Manager) List() []*Registration {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	out := make([]*Registration, 0, len(mgr.agents))
	for _, r := range mgr.agents {
		out = append(out, r)
	}
	return out
}

// SweepDead closes and removes any agent whose lastHeartbeat is older than
// 2*interval, emitting agent:disconnected for each (spec §4.4, scenario S4).
func (mgr *Manager) SweepDead(interval time.Duration) {
	deadline := time.Now().Add(-2 * interval)

	mgr.mu.Lock()
	var dead []string
	for id, reg := range mgr.agents {
		if reg.LastHeartbeat.Before(deadline) {
			dead = append(dead, id)
		} else if mgr.m != nil {
			mgr.m.HeartbeatAge.WithLabelValues(id).Set(time.Since(reg.LastHeartbeat).Seconds())
		}
	}
	for _, id := range dead {
		mgr.closeRegistration(mgr.agents[id], 4002, "heartbeat timeout")
		delete(mgr.agents, id)
	}
	mgr.mu.Unlock()

	for _, id := range dead {
		if mgr.m != nil {
			mgr.m.AgentsDisconnects.WithLabelValues("heartbeat_timeout").Inc()
		}
		log.Printf("[AgentManager] swept dead agent '%s' (no heartbeat for >%v)", id, 2*interval)
		mgr.bus.Publish(bus.TopicAgentDisconnected, id)
	}
	if mgr.m != nil {
		mgr.m.AgentsConnected.Set(float64(mgr.count()))
	}
}

// RunSweeper runs SweepDead on a ticker until stop is closed.
func (mgr *Manager) RunSweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			mgr.SweepDead(interval)
		case <-stop:
			return
		}
	}
}
