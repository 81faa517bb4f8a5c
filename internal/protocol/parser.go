package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the kind of an envelope.
type Type string

// Envelope types exchanged between the agent and the control process.
const (
	TypeConnection Type = "connection"
	TypePing       Type = "ping"
	TypePong       Type = "pong"
	TypeCommand    Type = "command"
	TypeResponse   Type = "response"
	TypeForwarded  Type = "forwarded"
)

// Control types used only between the relay and its peers.
const (
	TypeController          Type = "controller"
	TypeServerStatus        Type = "server_status"
	TypeBrowserConnected    Type = "browser_connected"
	TypeBrowserDisconnected Type = "browser_disconnected"
)

// Envelope is a single message on the wire.
type Envelope struct {
	Type    Type            `json:"type"`
	ID      string          `json:"id,omitempty"`
	Message string          `json:"message,omitempty"`
	Command string          `json:"command,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  *Result         `json:"result,omitempty"`

	// Payload carries the host message of a forwarded envelope.
	Payload json.RawMessage `json:"payload,omitempty"`
	// BrowserConnected is set on server_status envelopes.
	BrowserConnected *bool `json:"browser_connected,omitempty"`
}

// ErrMalformed wraps every envelope parse failure.
var ErrMalformed = errors.New("malformed envelope")

func (t Type) valid() bool {
	switch t {
	case TypeConnection, TypePing, TypePong, TypeCommand, TypeResponse, TypeForwarded,
		TypeController, TypeServerStatus, TypeBrowserConnected, TypeBrowserDisconnected:
		return true
	}
	return false
}

// ParseEnvelope decodes and validates raw. The returned error wraps ErrMalformed.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if len(bytes.TrimSpace(raw)) == 0 {
		return env, fmt.Errorf("%w: empty message", ErrMalformed)
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the per-type field presence rules.
func (e Envelope) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if !e.Type.valid() {
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, e.Type)
	}
	switch e.Type {
	case TypeCommand:
		if e.Command == "" {
			return fmt.Errorf("%w: command envelope without command", ErrMalformed)
		}
	case TypeResponse:
		if e.Result == nil {
			return fmt.Errorf("%w: response envelope without result", ErrMalformed)
		}
	}
	return nil
}

// Marshal encodes e for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
