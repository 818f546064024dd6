// Package sasl implements the client side of the SASL mechanisms offered by
// ARCUS servers: PLAIN, SCRAM-SHA-1 and SCRAM-SHA-256.
//
// A Mechanism is a single-use conversation. Step is called first with a nil
// challenge to obtain the initial response, then once per server challenge.
// Wire framing is not handled here.
package sasl

import (
	"errors"
	"fmt"
	"slices"

	"github.com/xdg-go/scram"
)

const (
	MechPlain       = "PLAIN"
	MechScramSHA1   = "SCRAM-SHA-1"
	MechScramSHA256 = "SCRAM-SHA-256"
)

// DefaultPriority is the client preference order used when none is configured.
var DefaultPriority = []string{MechScramSHA256, MechScramSHA1, MechPlain}

var (
	ErrUnknownMechanism    = errors.New("sasl: unknown mechanism")
	ErrUnexpectedChallenge = errors.New("sasl: unexpected challenge")
	ErrServerSignature     = errors.New("sasl: server signature mismatch")
)

// Credentials carries what a mechanism needs to authenticate.
type Credentials struct {
	Username string
	Password string
	AuthzID  string
}

// Mechanism computes the client side of one authentication exchange.
type Mechanism interface {
	Name() string
	Step(challenge []byte) ([]byte, error)
}

// Verifier is implemented by mechanisms that authenticate the server too.
// Verified is true once the server's proof has been checked.
type Verifier interface {
	Verified() bool
}

// Supported reports whether name is implemented by this package.
func Supported(name string) bool {
	return slices.Contains(DefaultPriority, name)
}

// Select returns the first entry of priority that the server advertised.
func Select(advertised, priority []string) (string, bool) {
	if len(priority) == 0 {
		priority = DefaultPriority
	}
	for _, name := range priority {
		if Supported(name) && slices.Contains(advertised, name) {
			return name, true
		}
	}
	return "", false
}

// New creates a fresh mechanism instance.
func New(name string, creds Credentials) (Mechanism, error) {
	switch name {
	case MechPlain:
		return &plain{creds: creds}, nil
	case MechScramSHA1:
		return newScram(name, scram.SHA1, creds, randomNonce), nil
	case MechScramSHA256:
		return newScram(name, scram.SHA256, creds, randomNonce), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMechanism, name)
	}
}

type plain struct {
	creds Credentials
	done  bool
}

func (p *plain) Name() string { return MechPlain }

func (p *plain) Step(challenge []byte) ([]byte, error) {
	if p.done {
		return nil, ErrUnexpectedChallenge
	}
	p.done = true
	msg := p.creds.AuthzID + "\x00" + p.creds.Username + "\x00" + p.creds.Password
	return []byte(msg), nil
}
