package arcus

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/puddle/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// replyBuffer is the capacity of the reply channel.
const replyBuffer = 256

// Connection is the transport façade used by the interactive client. It
// owns at most one live session of the configured kind and reconnects when
// the session reports it is stale.
type Connection struct {
	cfg Config
	log zerolog.Logger

	replies  chan string
	sessions *sessionPool
	breaker  *gobreaker.CircuitBreaker[Channel]

	closeOnce sync.Once
}

// NewConnection validates cfg and prepares a connection. Nothing is dialed
// until Connect or the first Write.
func NewConnection(cfg Config, log zerolog.Logger) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Endpoint.Kind == KindUDP {
		cfg.RequestID = resolveRequestID(cfg)
	}

	c := &Connection{
		cfg:     cfg,
		log:     log.With().Stringer("endpoint", cfg.Endpoint).Logger(),
		replies: make(chan string, replyBuffer),
	}
	c.breaker = newDialBreaker(cfg.Endpoint.String(), cfg.Breaker, c.log)

	sessions, err := newSessionPool(c.dial)
	if err != nil {
		return nil, err
	}
	c.sessions = sessions
	return c, nil
}

// Replies delivers server output: lines read by a stream session and
// reassembled datagram replies. It is closed by Close.
func (c *Connection) Replies() <-chan string {
	return c.replies
}

// RequestID returns the datagram request id in use.
func (c *Connection) RequestID() uint16 {
	return c.cfg.RequestID
}

// Connect establishes the first session. A refused connection is reported
// and leaves the connection idle; only fatal and ctx errors are returned.
func (c *Connection) Connect(ctx context.Context) error {
	res, err := c.sessions.Acquire(ctx)
	if err != nil {
		return c.dialFailed(err)
	}
	res.Release()
	return nil
}

// Write terminates line with CRLF if needed and sends it. When the session
// is stale it is torn down and the line is sent once more on a new session.
// Only fatal errors, ErrConnectionClosed and ctx errors are returned.
func (c *Connection) Write(ctx context.Context, line string) error {
	line = Terminate(line)

	for attempt := 0; attempt < 2; attempt++ {
		res, err := c.sessions.Acquire(ctx)
		if err != nil {
			return c.dialFailed(err)
		}
		if !res.Value().Write(line) {
			res.Release()
			return nil
		}
		c.log.Warn().Msg("session is stale, reconnecting")
		res.Destroy()
	}
	return nil
}

func (c *Connection) dial(ctx context.Context) (Channel, error) {
	if c.breaker == nil {
		return c.dialChannel(ctx)
	}
	return c.breaker.Execute(func() (Channel, error) {
		return c.dialChannel(ctx)
	})
}

func (c *Connection) dialChannel(ctx context.Context) (Channel, error) {
	if c.cfg.Endpoint.Kind == KindUDP {
		ch, err := DialDatagram(ctx, c.cfg, c.replies, c.log)
		if err != nil {
			return nil, err
		}
		return ch, nil
	}

	ch, err := DialStream(ctx, c.cfg, c.replies, c.log)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// dialFailed reports a failed (re)connect. Fatal errors are passed on, as
// are use after Close and the caller's own cancellation.
func (c *Connection) dialFailed(err error) error {
	switch {
	case IsFatal(err):
		return err
	case errors.Is(err, puddle.ErrClosedPool):
		return ErrConnectionClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, ErrConnectionRefused):
		c.log.Error().Err(err).Msg("not connected")
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		c.log.Error().Err(err).Msg("not connected, reconnect suppressed")
	default:
		c.log.Error().Err(err).Msg("connect failed")
	}
	return nil
}

// ConnectionStats is a snapshot of the connection's state.
type ConnectionStats struct {
	Endpoint      Endpoint
	Connected     bool
	Sessions      int64
	Teardowns     int64
	Reconnects    int64
	BreakerState  gobreaker.State
	BreakerCounts gobreaker.Counts
}

func (c *Connection) Stats() ConnectionStats {
	stats := ConnectionStats{
		Endpoint:  c.cfg.Endpoint,
		Connected: c.sessions.Live(),
		Sessions:  c.sessions.created.Load(),
		Teardowns: c.sessions.destroyed.Load(),
	}
	if stats.Sessions > 1 {
		stats.Reconnects = stats.Sessions - 1
	}
	if c.breaker != nil {
		stats.BreakerState = c.breaker.State()
		stats.BreakerCounts = c.breaker.Counts()
	}
	return stats
}

// Close tears the session down, waiting for a stream reader to finish, then
// closes the reply channel.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.sessions.Close()
		close(c.replies)
	})
}
