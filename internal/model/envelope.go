// Package model defines the bridge message envelopes, connection states
// and shared errors.
package model

// MessageType identifies the shape of a bridge message envelope.
type MessageType string

const (
	// Server -> client message types
	MessageTypeHello         MessageType = "hello"
	MessageTypeHeartbeat     MessageType = "heartbeat"
	MessageTypeContextUpdate MessageType = "contextUpdate"
	MessageTypeCommandResult MessageType = "commandResult"

	// Client -> server message types
	MessageTypeCommand MessageType = "command"
)

// Envelope is the single wire shape for all bridge messages. Fields that do
// not apply to a given type are omitted from the encoded JSON.
type Envelope struct {
	Type      MessageType    `json:"type"`
	SessionID string         `json:"sessionId,omitempty"`
	Token     string         `json:"token,omitempty"`
	CommandID string         `json:"commandId,omitempty"`
	ToolName  string         `json:"toolName,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Success   *bool          `json:"success,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Command is a decoded inbound command request. One Command maps to exactly
// one executor invocation and one commandResult envelope.
type Command struct {
	CommandID string
	ToolName  string
	Payload   map[string]any
}

// AsCommand converts an inbound envelope into a Command. It returns false if
// the envelope is not a well-formed command request; such envelopes are
// dropped by the receive loop.
func (e *Envelope) AsCommand() (Command, bool) {
	if e.Type != MessageTypeCommand || e.CommandID == "" || e.ToolName == "" {
		return Command{}, false
	}
	return Command{
		CommandID: e.CommandID,
		ToolName:  e.ToolName,
		Payload:   e.Payload,
	}, true
}

// NewHello builds the hello envelope announced to a client right after its
// socket is registered. The session id lets the client distinguish a full
// bridge restart from a mere socket loss.
func NewHello(sessionID, token string) Envelope {
	return Envelope{
		Type:      MessageTypeHello,
		SessionID: sessionID,
		Token:     token,
	}
}

// NewHeartbeat builds an empty heartbeat envelope.
func NewHeartbeat() Envelope {
	return Envelope{Type: MessageTypeHeartbeat}
}

// NewContextUpdate builds a context push carrying a snapshot of
// host-observable state.
func NewContextUpdate(payload map[string]any) Envelope {
	return Envelope{
		Type:    MessageTypeContextUpdate,
		Payload: payload,
	}
}

// NewCommandResult builds a successful result envelope for the given command.
func NewCommandResult(commandID string, result map[string]any) Envelope {
	ok := true
	return Envelope{
		Type:      MessageTypeCommandResult,
		CommandID: commandID,
		Success:   &ok,
		Result:    result,
	}
}

// NewCommandError builds a failed result envelope for the given command.
func NewCommandError(commandID string, message string) Envelope {
	ok := false
	return Envelope{
		Type:      MessageTypeCommandResult,
		CommandID: commandID,
		Success:   &ok,
		Error:     message,
	}
}
