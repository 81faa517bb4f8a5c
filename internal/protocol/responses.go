package protocol

import "fmt"

// Result is the payload of a response envelope.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// OK returns a successful result carrying only a status message.
func OK(message string) Result {
	return Result{Success: true, Message: message}
}

// OKData returns a successful result carrying structured data.
func OKData(data any) Result {
	return Result{Success: true, Data: data}
}

// Fail returns a failed result.
func Fail(format string, args ...any) Result {
	return Result{Success: false, Message: fmt.Sprintf(format, args...)}
}

// UnknownCommand is the failure returned for an opcode missing from the registry.
func UnknownCommand(name string) Result {
	return Fail("unknown command: %s", name)
}

// Timeout is the failure returned when a provider operation does not finish in time.
func Timeout() Result {
	return Result{Success: false, Message: "timeout"}
}

// NewResponse builds the response envelope for cmd.
func NewResponse(cmd Envelope, result Result) Envelope {
	r := result
	return Envelope{
		Type:    TypeResponse,
		ID:      cmd.ID,
		Command: cmd.Command,
		Result:  &r,
	}
}

// NewConnection builds the readiness announcement sent right after connecting.
func NewConnection(message string) Envelope {
	return Envelope{Type: TypeConnection, Message: message}
}

// NewPing builds a heartbeat envelope.
func NewPing() Envelope { return Envelope{Type: TypePing} }

// NewPong builds a heartbeat reply.
func NewPong() Envelope { return Envelope{Type: TypePong} }
