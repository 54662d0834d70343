package gateway

import (
	"crypto/subtle"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"dispatchfabric/internal/agentmanager"
	"dispatchfabric/internal/envelope"
)

// wsConn adapts a *websocket.Conn to agentmanager.Conn, grounded on the
// teacher's Agent.writePump (agents.go): a single writer goroutine owns the
// socket, so Send here only ever runs inside that goroutine.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) Send(data []byte) error {
	w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	return w.conn.Close()
}

// Server wires together the WebSocket upgrade handler, the auth handshake,
// and the per-connection read loop that feeds the Dispatcher.
type Server struct {
	Agents       *agentmanager.Manager
	Dispatcher   *Dispatcher
	Codec        *envelope.Codec
	Upgrader     websocket.Upgrader
	APIKey       string // shared secret, spec §4.8 auth:request
	AuthTimeout  time.Duration
}

// NewServer builds a Server with a permissive upgrader (origin checks are
// expected to be enforced by a fronting proxy, matching the teacher's
// agents.go AgentHub which does the same).
func NewServer(agents *agentmanager.Manager, dispatcher *Dispatcher, codec *envelope.Codec, apiKey string, authTimeout time.Duration) *Server {
	return &Server{
		Agents:      agents,
		Dispatcher:  dispatcher,
		Codec:       codec,
		Upgrader:    websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		APIKey:      apiKey,
		AuthTimeout: authTimeout,
	}
}

// ServeHTTP upgrades the connection and blocks performing the auth
// handshake inline before handing off to the read loop (spec §4.8).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] websocket upgrade failed: %v", err)
		return
	}

	agentID, ok := s.authenticate(conn)
	if !ok {
		conn.Close()
		return
	}

	reg := s.Agents.Register(agentID, &wsConn{conn: conn})
	go s.readLoop(agentID, reg, conn)
}

// authenticate reads exactly one message, expecting auth:request within
// AuthTimeout, and replies with auth:response (spec §4.8). On any failure
// it returns ok=false and the caller is responsible for closing conn.
func (s *Server) authenticate(conn *websocket.Conn) (string, bool) {
	conn.SetReadDeadline(time.Now().Add(s.AuthTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		log.Printf("[gateway] auth read failed: %v", err)
		return "", false
	}

	env, err := envelope.Decode(data)
	if err != nil || env.Type != envelope.TagAuthRequest {
		log.Printf("[gateway] first message was not auth:request: %v", err)
		s.sendAuthResponse(conn, false, "expected auth:request")
		return "", false
	}

	var req envelope.AuthRequestPayload
	if err := env.DecodePayload(&req); err != nil {
		s.sendAuthResponse(conn, false, "malformed auth:request")
		return "", false
	}

	if s.APIKey != "" && subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(s.APIKey)) != 1 {
		log.Printf("[gateway] agent '%s' rejected: invalid api key", req.AgentID)
		s.sendAuthResponse(conn, false, "invalid api key")
		return "", false
	}
	if req.AgentID == "" {
		s.sendAuthResponse(conn, false, "missing agentId")
		return "", false
	}

	s.sendAuthResponse(conn, true, "")
	conn.SetReadDeadline(time.Time{})
	return req.AgentID, true
}

func (s *Server) sendAuthResponse(conn *websocket.Conn, success bool, errMsg string) {
	raw, err := s.Codec.Encode(envelope.TagAuthResponse, envelope.AuthResponsePayload{Success: success, Error: errMsg})
	if err != nil {
		log.Printf("[gateway] encode auth:response: %v", err)
		return
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, raw)
}

// readLoop is the single reader goroutine for one agent connection,
// generalizing the teacher's Agent.readPump switch into envelope decode +
// Dispatcher hand-off.
func (s *Server) readLoop(agentID string, reg *agentmanager.Registration, conn *websocket.Conn) {
	defer func() {
		// A replaced or swept connection leaves alone whichever registration
		// now holds agentID.
		if cur, ok := s.Agents.Get(agentID); ok && cur == reg {
			s.Agents.Unregister(agentID)
		}
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[gateway] read error from agent '%s': %v", agentID, err)
			}
			return
		}

		env, err := envelope.Decode(data)
		if err != nil {
			log.Printf("[gateway] malformed envelope from agent '%s': %v", agentID, err)
			continue
		}
		s.Dispatcher.HandleEnvelope(agentID, env)
	}
}
