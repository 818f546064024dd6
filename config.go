package arcus

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/pior/arcus-cli/frame"
	"github.com/pior/arcus-cli/sasl"
)

const (
	DefaultTimeout     = 300 * time.Millisecond
	DefaultAuthTimeout = 5 * time.Second

	// MaxAuthRounds bounds the SASL_CONTINUE loop.
	MaxAuthRounds = 10
)

// Config holds everything a Connection needs.
type Config struct {
	Endpoint Endpoint

	// RequestID tags datagram frames. Zero derives one from the endpoint and
	// process, see DeriveRequestID.
	RequestID uint16

	// Timeout bounds each datagram receive. Zero means DefaultTimeout.
	Timeout time.Duration

	// HeaderEncoding selects the datagram frame header layout.
	HeaderEncoding frame.Encoding

	// Auth enables the SASL handshake. Nil disables it.
	Auth *AuthConfig

	// Breaker configures the circuit breaker guarding reconnects.
	Breaker BreakerConfig

	// dial overrides stream dialing in tests.
	dial dialFunc
}

// AuthConfig configures the SASL handshake.
type AuthConfig struct {
	Credentials sasl.Credentials

	// Mechanisms is the client priority order. Empty means sasl.DefaultPriority.
	Mechanisms []string

	// Kinds lists the transports that run the handshake. Empty means TCP only.
	Kinds []Kind

	// Timeout bounds the whole stream handshake. Zero means DefaultAuthTimeout.
	Timeout time.Duration
}

// enabledFor reports whether the handshake runs on kind k.
func (a *AuthConfig) enabledFor(k Kind) bool {
	if a == nil {
		return false
	}
	if len(a.Kinds) == 0 {
		return k == KindTCP
	}
	return slices.Contains(a.Kinds, k)
}

func (a *AuthConfig) timeout() time.Duration {
	if a.Timeout <= 0 {
		return DefaultAuthTimeout
	}
	return a.Timeout
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// Validate checks the configuration before any connect attempt.
func (c Config) Validate() error {
	if c.Endpoint.Address == "" {
		return errors.New("arcus: empty address")
	}
	if _, err := ParseKind(c.Endpoint.Kind.String()); err != nil {
		return err
	}
	if int(c.RequestID) > c.HeaderEncoding.Max() {
		return fmt.Errorf("arcus: request id %d does not fit a %s header (max %d)",
			c.RequestID, c.HeaderEncoding, c.HeaderEncoding.Max())
	}
	if c.Auth != nil {
		for _, m := range c.Auth.Mechanisms {
			if !sasl.Supported(m) {
				return fmt.Errorf("arcus: unsupported sasl mechanism %q", m)
			}
		}
	}
	return nil
}
