// Package agentclient is the agent-side connection to the gateway (spec
// §4.8, C8): outbound dial, the auth handshake, exponential backoff with a
// circuit breaker, and the heartbeat loop. Grounded on the teacher's
// agent/client.go Client.Run/connect/handleMessages/pingLoop, generalized
// from a fixed 5s retry into the spec's backoff+circuit-breaker schedule.
package agentclient

import (
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dispatchfabric/internal/envelope"
	"dispatchfabric/internal/executor"
)

// Config bundles the agent connection's tunables (spec §6 Tunables).
type Config struct {
	GatewayURL         string
	AgentID            string
	APIKey             string
	Version            string
	ReconnectBase      time.Duration
	ReconnectMax       time.Duration
	CircuitBreakerMax  int
	CircuitBreakerLong time.Duration
	KeepaliveInterval  time.Duration
	AuthTimeout        time.Duration
}

// Client maintains one outbound connection to the gateway and dispatches
// inbound envelopes to the executor.
type Client struct {
	cfg   Config
	codec *envelope.Codec
	exec  *executor.Executor

	connMu sync.Mutex
	conn   *websocket.Conn

	failures int
	done     chan struct{}
}

// New creates a Client. Call SetExecutor before Run.
func New(cfg Config, codec *envelope.Codec) *Client {
	return &Client{cfg: cfg, codec: codec, done: make(chan struct{})}
}

// SetExecutor wires the executor that receives task:submit/task:cancel.
// Kept as a setter rather than a constructor argument because the executor
// needs a Sender (this Client) and the Client needs an executor — breaking
// the cycle here.
func (c *Client) SetExecutor(e *executor.Executor) { c.exec = e }

// Close stops the client's reconnect loop.
func (c *Client) Close() {
	close(c.done)
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
}

// Send implements executor.Sender: it encodes and writes one envelope.
func (c *Client) Send(tag envelope.Tag, payload any) error {
	raw, err := c.codec.Encode(tag, payload)
	if err != nil {
		return fmt.Errorf("agentclient: encode %s: %w", tag, err)
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("agentclient: not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// Run connects and reconnects until Close is called, applying the
// exponential backoff and circuit breaker of spec §4.8.
func (c *Client) Run() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		if err := c.connect(); err != nil {
			c.failures++
			log.Printf("[agentclient] connect failed (%d consecutive): %v", c.failures, err)
			c.sleepBackoff()
			continue
		}

		c.failures = 0
		log.Printf("[agentclient] connected and authenticated as '%s'", c.cfg.AgentID)
		c.handleMessages()
		log.Printf("[agentclient] disconnected, reconnecting")
	}
}

// sleepBackoff applies delay = min(base*2^attempt*jitter, max), jitter in
// [0.5,1.0] (spec §4.8), or the long circuit-breaker cool-down once
// CircuitBreakerMax consecutive failures have been observed.
func (c *Client) sleepBackoff() {
	if c.cfg.CircuitBreakerMax > 0 && c.failures >= c.cfg.CircuitBreakerMax {
		log.Printf("[agentclient] circuit open after %d failures, cooling down %v", c.failures, c.cfg.CircuitBreakerLong)
		c.sleepOrDone(c.cfg.CircuitBreakerLong)
		return
	}
	c.sleepOrDone(computeBackoff(c.failures, c.cfg.ReconnectBase, c.cfg.ReconnectMax, 0.5+rand.Float64()*0.5))
}

// computeBackoff is the pure delay = min(base*2^failures*jitter, max)
// calculation, split out from sleepBackoff so it can be tested without
// sleeping (spec §4.8, §6 tunables table).
func computeBackoff(failures int, base, max time.Duration, jitter float64) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	capped := failures
	if capped > 20 {
		capped = 20
	}

	exp := float64(base) * float64(int64(1)<<uint(capped))
	delay := time.Duration(exp * jitter)
	if delay > max {
		delay = max
	}
	return delay
}

func (c *Client) sleepOrDone(d time.Duration) {
	select {
	case <-time.After(d):
	case <-c.done:
	}
}

func (c *Client) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	header := make(http.Header)
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	conn, _, err := dialer.Dial(c.cfg.GatewayURL, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	authTimeout := c.cfg.AuthTimeout
	if authTimeout <= 0 {
		authTimeout = 10 * time.Second
	}

	raw, err := c.codec.Encode(envelope.TagAuthRequest, envelope.AuthRequestPayload{
		AgentID: c.cfg.AgentID, APIKey: c.cfg.APIKey, Version: c.cfg.Version,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("encode auth:request: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(authTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		conn.Close()
		return fmt.Errorf("send auth:request: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(authTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("read auth:response: %w", err)
	}
	env, err := envelope.Decode(data)
	if err != nil || env.Type != envelope.TagAuthResponse {
		conn.Close()
		return fmt.Errorf("unexpected first message: %v", err)
	}
	var resp envelope.AuthResponsePayload
	if err := env.DecodePayload(&resp); err != nil || !resp.Success {
		conn.Close()
		return fmt.Errorf("auth rejected: %s", resp.Error)
	}
	conn.SetReadDeadline(time.Time{})

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	return nil
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) handleMessages() {
	stopPing := make(chan struct{})
	defer func() {
		close(stopPing)
		c.closeConn()
	}()

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	readTimeout := 2 * c.cfg.KeepaliveInterval
	if readTimeout <= 0 {
		readTimeout = 60 * time.Second
	}
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go c.keepaliveLoop(stopPing)

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[agentclient] read error: %v", err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		env, err := envelope.Decode(data)
		if err != nil {
			log.Printf("[agentclient] malformed envelope: %v", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env *envelope.Envelope) {
	switch env.Type {
	case envelope.TagTaskSubmit:
		var p envelope.TaskSubmitPayload
		if err := env.DecodePayload(&p); err != nil {
			log.Printf("[agentclient] bad task:submit: %v", err)
			return
		}
		if c.exec != nil {
			c.exec.HandleSubmit(p)
		}
	case envelope.TagTaskCancel:
		var p envelope.TaskCancelPayload
		if err := env.DecodePayload(&p); err != nil {
			log.Printf("[agentclient] bad task:cancel: %v", err)
			return
		}
		if c.exec != nil {
			c.exec.HandleCancel(p)
		}
	case envelope.TagHeartbeatPong:
		// Cloud's reply to our own keepalive ping (sent by keepaliveLoop);
		// the read loop already refreshed the read deadline, nothing else
		// to act on.
	case envelope.TagSystemRestart:
		log.Printf("[agentclient] system:restart requested, closing")
		c.Close()
	default:
		log.Printf("[agentclient] ignoring envelope of unknown type %q", env.Type)
	}
}

func (c *Client) keepaliveLoop(stop chan struct{}) {
	interval := c.cfg.KeepaliveInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := c.Send(envelope.TagHeartbeatPing, envelope.HeartbeatPingPayload{ServerTime: time.Now().UnixMilli()}); err != nil {
				log.Printf("[agentclient] heartbeat send failed: %v", err)
				c.closeConn()
				return
			}
		}
	}
}
