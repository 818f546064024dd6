package arcus

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// closeWait bounds how long Close waits for the peer to finish the stream
// after the write side is shut down. Past it the socket is closed outright.
var closeWait = 2 * time.Second

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// StreamChannel is a session over a reliable byte stream (TCP or Unix socket).
// Replies are read by a background goroutine and delivered line by line.
type StreamChannel struct {
	kind Kind
	addr string
	log  zerolog.Logger

	mu   sync.Mutex
	conn net.Conn

	mechanism string
	done      chan struct{}
	stop      chan struct{}
}

// DialStream connects to the endpoint, authenticates if configured, then
// starts the reader. Each received line, terminator included, is sent to
// replies.
//
// Refusal by every candidate returns ErrConnectionRefused. Resolution
// failures and other dial errors are returned as *FatalError.
func DialStream(ctx context.Context, cfg Config, replies chan<- string, log zerolog.Logger) (*StreamChannel, error) {
	kind := cfg.Endpoint.Kind
	candidates, err := streamCandidates(ctx, cfg.Endpoint)
	if err != nil {
		return nil, &FatalError{Op: "resolve " + cfg.Endpoint.Address, Err: err}
	}

	dial := cfg.dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}

	var conn net.Conn
	for _, addr := range candidates {
		c, err := dial(ctx, kind.network(), addr)
		if err == nil {
			conn = c
			break
		}
		if !errors.Is(err, syscall.ECONNREFUSED) {
			return nil, &FatalError{Op: "connect " + addr, Err: err}
		}
		log.Debug().Str("addr", addr).Msg("connection refused")
	}
	if conn == nil {
		return nil, fmt.Errorf("%w: %s", ErrConnectionRefused, cfg.Endpoint)
	}

	ch := newStreamChannel(kind, conn, log)
	r := bufio.NewReader(conn)
	if cfg.Auth.enabledFor(kind) {
		ch.authenticate(r, cfg.Auth)
	}
	go ch.readLoop(r, replies)
	return ch, nil
}

func newStreamChannel(kind Kind, conn net.Conn, log zerolog.Logger) *StreamChannel {
	return &StreamChannel{
		kind: kind,
		addr: conn.RemoteAddr().String(),
		log:  log.With().Str("transport", kind.String()).Logger(),
		conn: conn,
		done: make(chan struct{}),
		stop: make(chan struct{}),
	}
}

// streamCandidates lists the addresses to try, in order.
func streamCandidates(ctx context.Context, ep Endpoint) ([]string, error) {
	if ep.Kind == KindUnix {
		return []string{ep.Address}, nil
	}
	host, port, err := net.SplitHostPort(ep.Address)
	if err != nil {
		return nil, err
	}
	hosts, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	addrs := make([]string, len(hosts))
	for i, h := range hosts {
		addrs[i] = net.JoinHostPort(h, port)
	}
	return addrs, nil
}

// authenticate runs the handshake before the reader exists. A failure is
// reported and the session stays usable, unauthenticated.
func (c *StreamChannel) authenticate(r *bufio.Reader, cfg *AuthConfig) {
	c.conn.SetDeadline(time.Now().Add(cfg.timeout()))
	defer c.conn.SetDeadline(time.Time{})

	mech, err := Authenticate(r, c.conn, cfg, c.log)
	if err != nil {
		c.log.Error().Err(err).Msg("sasl authentication failed")
		return
	}
	c.mechanism = mech
	c.log.Info().Str("mechanism", mech).Msg("authenticated")
}

func (c *StreamChannel) readLoop(r *bufio.Reader, replies chan<- string) {
	defer close(c.done)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			select {
			case replies <- line:
			case <-c.stop:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.Error().Err(err).Msg("read failed")
			}
			return
		}
	}
}

// Write sends line as is. Only a broken pipe, or a closed channel, asks
// for a reconnect; other write errors are logged and swallowed.
func (c *StreamChannel) Write(line string) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return true
	}
	if _, err := io.WriteString(conn, line); err != nil {
		if errors.Is(err, syscall.EPIPE) {
			c.log.Warn().Err(err).Msg("broken pipe")
			return true
		}
		c.log.Error().Err(err).Msg("write failed")
	}
	return false
}

// Authenticated returns the negotiated mechanism, or "" when the session is
// not authenticated.
func (c *StreamChannel) Authenticated() string {
	return c.mechanism
}

// Done is closed once the reader has stopped.
func (c *StreamChannel) Done() <-chan struct{} {
	return c.done
}

// Addr returns the remote address that accepted the connection.
func (c *StreamChannel) Addr() string {
	return c.addr
}

// Close shuts the write side down, waits for the reader to see the end of
// the stream, then closes the socket. The reader never outlives Close: past
// closeWait it is stopped even if it is blocked on an undrained replies
// channel.
func (c *StreamChannel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	hc, ok := conn.(interface{ CloseWrite() error })
	if !ok || hc.CloseWrite() != nil {
		err := conn.Close()
		close(c.stop)
		<-c.done
		return err
	}

	select {
	case <-c.done:
	case <-time.After(closeWait):
		c.log.Warn().Dur("wait", closeWait).Msg("peer did not close, closing socket")
		conn.Close()
		close(c.stop)
		<-c.done
		return nil
	}
	return conn.Close()
}
