package model

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is returned when a send is attempted on a session
	// whose socket has already been torn down.
	ErrSessionClosed = errors.New("session closed")
)

// CommandError is the typed failure raised by a command executor. The bridge
// converts it into a failed commandResult envelope; it never propagates past
// the dispatch gateway.
type CommandError struct {
	Tool    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q failed: %s", e.Tool, e.Message)
}
