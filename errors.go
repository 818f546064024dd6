package arcus

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionClosed = errors.New("arcus: connection closed")

	// ErrConnectionRefused is returned when every candidate address refused
	// the connection. The process keeps running, disconnected.
	ErrConnectionRefused = errors.New("arcus: connection refused")

	// ErrNoMechanism is returned when the server advertises no mechanism the
	// client supports. No "sasl auth" line has been sent.
	ErrNoMechanism = errors.New("arcus: no supported sasl mechanism")
)

// FatalError is a failure after which no connection target is reachable:
// address resolution, socket bind, or a dial error other than refusal.
// The command-line client exits when it sees one.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return "arcus: " + e.Op + ": " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err is, or wraps, a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// ProtocolError is an unexpected reply during the auth handshake.
type ProtocolError struct {
	Expected string
	Line     string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("arcus: protocol error: expected %s, got %q", e.Expected, e.Line)
}

// AuthError is a rejection by the server, or a failure of the local
// mechanism, during the auth handshake.
type AuthError struct {
	Mechanism string
	Reply     string
	Err       error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return "arcus: sasl " + e.Mechanism + ": " + e.Err.Error()
	}
	return fmt.Sprintf("arcus: sasl %s rejected: %q", e.Mechanism, e.Reply)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}
