package sasl

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/xdg-go/scram"
)

const minIterations = 4096

// scramConversation adapts an RFC 5802 client conversation, without channel
// binding, to Mechanism.
type scramConversation struct {
	name string
	conv *scram.ClientConversation
	err  error
	step int
}

func newScram(name string, hash scram.HashGeneratorFcn, creds Credentials, nonce scram.NonceGeneratorFcn) *scramConversation {
	client, err := hash.NewClient(creds.Username, creds.Password, creds.AuthzID)
	if err != nil {
		return &scramConversation{name: name, err: fmt.Errorf("sasl: %w", err)}
	}
	client = client.WithMinIterations(minIterations).WithNonceGenerator(nonce)
	return &scramConversation{name: name, conv: client.NewConversation()}
}

func randomNonce() string {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawStdEncoding.EncodeToString(b)
}

func (s *scramConversation) Name() string { return s.name }

func (s *scramConversation) Step(challenge []byte) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.conv.Done() {
		return nil, ErrUnexpectedChallenge
	}
	s.step++

	if s.step > 1 && strings.HasPrefix(string(challenge), "e=") {
		return nil, fmt.Errorf("sasl: server error: %s", strings.TrimPrefix(string(challenge), "e="))
	}

	resp, err := s.conv.Step(string(challenge))
	switch {
	case err == nil:
		return []byte(resp), nil
	case s.step == 3:
		return nil, fmt.Errorf("%w: %v", ErrServerSignature, err)
	default:
		return nil, fmt.Errorf("sasl: %w", err)
	}
}

// Verified reports whether the server proved knowledge of the password.
func (s *scramConversation) Verified() bool {
	return s.conv != nil && s.conv.Valid()
}
