package arcus

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

const (
	DefaultMaxRefusals    = 5
	DefaultBreakerTimeout = 10 * time.Second
)

// BreakerConfig controls the circuit breaker that guards (re)connects.
type BreakerConfig struct {
	// MaxRefusals is the number of consecutive refused connects that opens
	// the breaker. Zero means DefaultMaxRefusals, negative disables it.
	MaxRefusals int

	// Timeout is how long the breaker stays open before a trial connect.
	// Zero means DefaultBreakerTimeout.
	Timeout time.Duration
}

// newDialBreaker returns a breaker counting only refusals as failures.
// Fatal errors end the process and are not the breaker's concern.
func newDialBreaker(name string, cfg BreakerConfig, log zerolog.Logger) *gobreaker.CircuitBreaker[Channel] {
	if cfg.MaxRefusals < 0 {
		return nil
	}
	maxRefusals := uint32(cfg.MaxRefusals)
	if maxRefusals == 0 {
		maxRefusals = DefaultMaxRefusals
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultBreakerTimeout
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxRefusals
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrConnectionRefused)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info().Str("endpoint", name).Stringer("from", from).Stringer("to", to).Msg("reconnect breaker state changed")
		},
	}
	return gobreaker.NewCircuitBreaker[Channel](settings)
}
