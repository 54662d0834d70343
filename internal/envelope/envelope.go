// Package envelope implements the tagged, timestamped, uniquely-identified
// wire unit exchanged between the gateway and agents (spec §3, §4.1, §6).
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Tag enumerates the envelope types defined in spec §6.
type Tag string

const (
	TagAuthRequest     Tag = "auth:request"
	TagAuthResponse    Tag = "auth:response"
	TagHeartbeatPing   Tag = "heartbeat:ping"
	TagHeartbeatPong   Tag = "heartbeat:pong"
	TagTaskSubmit      Tag = "task:submit"
	TagTaskAck         Tag = "task:ack"
	TagTaskProgress    Tag = "task:progress"
	TagTaskStream      Tag = "task:stream"
	TagTaskComplete    Tag = "task:complete"
	TagTaskError       Tag = "task:error"
	TagTaskCancel      Tag = "task:cancel"
	TagTaskCancelled   Tag = "task:cancelled"
	TagTaskArtifact    Tag = "task:artifact" // supplemented, see SPEC_FULL.md §11
	TagAgentStatus     Tag = "agent:status"
	TagAgentMetrics    Tag = "agent:metrics"
	TagSystemRestart   Tag = "system:restart"
)

// Clock abstracts time.Now so tests can pin deterministic timestamps.
type Clock func() time.Time

// Envelope is the wire unit. id is unique per emitter session; type fully
// determines the payload schema (spec §3 invariant).
type Envelope struct {
	ID        string          `json:"id"`
	Type      Tag             `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// wireEnvelope is used only to fail closed on unknown fields in the
// critical positions (id, type, timestamp) while still tolerating unknown
// fields inside payload (spec §4.1 contract).
type wireEnvelope struct {
	ID        string          `json:"id"`
	Type      Tag             `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// Codec encodes and decodes envelopes, assigning fresh ids and timestamps
// to every outbound envelope at encode time.
type Codec struct {
	Now Clock
}

// NewCodec builds a codec using the real wall clock.
func NewCodec() *Codec {
	return &Codec{Now: time.Now}
}

// Encode serializes a typed payload into bytes, assigning a fresh id and
// timestamp. payload must itself be JSON-marshalable.
func (c *Codec) Encode(tag Tag, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal payload for %s: %w", tag, err)
	}

	now := time.Now
	if c != nil && c.Now != nil {
		now = c.Now
	}

	env := wireEnvelope{
		ID:        uuid.NewString(),
		Type:      tag,
		Payload:   raw,
		Timestamp: now().UnixMilli(),
	}

	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal envelope: %w", err)
	}
	return out, nil
}

// Decode parses bytes into an Envelope. It fails closed on unknown fields
// at the envelope level (id/type/timestamp/payload) but the payload itself
// is kept as raw JSON for per-tag decoding by DecodePayload, which tolerates
// unknown payload fields.
func Decode(data []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var wire wireEnvelope
	if err := dec.Decode(&wire); err != nil {
		return nil, fmt.Errorf("envelope: decode: %w", err)
	}
	if wire.ID == "" || wire.Type == "" {
		return nil, fmt.Errorf("envelope: missing id or type")
	}

	return &Envelope{
		ID:        wire.ID,
		Type:      wire.Type,
		Payload:   wire.Payload,
		Timestamp: wire.Timestamp,
	}, nil
}

// DecodePayload unmarshals the envelope's raw payload into dst. Unknown
// optional fields in the payload are tolerated (forward compatibility).
func (e *Envelope) DecodePayload(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("envelope: decode payload for %s: %w", e.Type, err)
	}
	return nil
}

