package handshake

import (
	"errors"
	"fmt"
)

var (
	// ErrUnexpectedOpcode is returned when the daemon sends an instruction
	// that is not legal in the current handshake state.
	ErrUnexpectedOpcode = errors.New("unexpected opcode")

	// ErrDaemonRejected matches any *DaemonRejectedError with errors.Is.
	ErrDaemonRejected = errors.New("daemon rejected connection")

	// ErrHandshakeTimeout is returned when the daemon does not complete the
	// handshake within the configured bound.
	ErrHandshakeTimeout = errors.New("handshake timed out")
)

// DaemonRejectedError carries the daemon's "error" reply to connect.
type DaemonRejectedError struct {
	// Detail is the human readable message supplied by the daemon
	Detail string

	// Status is the numeric Guacamole status code, as sent, if any
	Status string
}

func (e *DaemonRejectedError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("%s: %s (status %s)", ErrDaemonRejected, e.Detail, e.Status)
	}
	return fmt.Sprintf("%s: %s", ErrDaemonRejected, e.Detail)
}

// Is makes errors.Is(err, ErrDaemonRejected) true.
func (e *DaemonRejectedError) Is(target error) bool {
	return target == ErrDaemonRejected
}
