package arcus

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/pior/arcus-cli/frame"
	"github.com/pior/arcus-cli/internal"
)

// maxDatagram is the largest UDP payload we may receive.
const maxDatagram = 65535

var datagramBuffers = internal.NewBufferPool(maxDatagram)

var (
	errReplyTimeout = errors.New("reply timed out")
	errNoPeer       = errors.New("no peer address")
	errNoReply      = errors.New("no pending reply")
	errEmptyRequest = errors.New("empty request")
)

// DatagramChannel sends requests as UDP frames and reassembles the replies
// synchronously inside Write.
//
// Whether replies carry a frame header is tracked by a sync mode that is
// flipped whenever a receive times out. This is a heuristic inherited from
// the wire protocol: there is no acknowledgment, so a lost or out-of-phase
// reply is only inferred from timing.
type DatagramChannel struct {
	requestID uint16
	timeout   time.Duration
	enc       frame.Encoding
	mode      SyncMode

	conn    *net.UDPConn
	peer    *net.UDPAddr
	replies chan<- string
	log     zerolog.Logger
}

// DialDatagram binds an ephemeral local socket and records the peer.
// Resolution and bind failures are returned as *FatalError.
func DialDatagram(ctx context.Context, cfg Config, replies chan<- string, log zerolog.Logger) (*DatagramChannel, error) {
	peer, err := resolveUDP(ctx, cfg.Endpoint.Address)
	if err != nil {
		return nil, &FatalError{Op: "resolve " + cfg.Endpoint.Address, Err: err}
	}

	network := "udp4"
	if peer.IP.To4() == nil {
		network = "udp6"
	}
	conn, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, &FatalError{Op: "bind", Err: err}
	}

	c := &DatagramChannel{
		requestID: cfg.RequestID,
		timeout:   cfg.timeout(),
		enc:       cfg.HeaderEncoding,
		conn:      conn,
		peer:      peer,
		replies:   replies,
		log:       log.With().Str("transport", KindUDP.String()).Uint16("request_id", cfg.RequestID).Logger(),
	}

	if cfg.Auth.enabledFor(KindUDP) {
		x := &datagramExchange{c: c}
		mech, err := Authenticate(bufio.NewReader(x), x, cfg.Auth, c.log)
		if err != nil {
			c.log.Error().Err(err).Msg("sasl authentication failed")
		} else {
			c.log.Info().Str("mechanism", mech).Msg("authenticated")
		}
	}
	return c, nil
}

func resolveUDP(ctx context.Context, address string) (*net.UDPAddr, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	return net.ResolveUDPAddr("udp", net.JoinHostPort(ips[0].String(), port))
}

// Mode returns the current sync mode.
func (c *DatagramChannel) Mode() SyncMode {
	return c.mode
}

// Write sends line and delivers the reply, if one arrives, to the reply
// channel. It only asks for a reconnect when no peer is recorded.
func (c *DatagramChannel) Write(line string) bool {
	if c.peer == nil {
		return true
	}

	reply, err := c.exchange([]byte(line))
	switch {
	case err == nil:
	case errors.Is(err, errReplyTimeout):
		c.log.Debug().Stringer("mode", c.mode).Msg("reply timed out, sync mode flipped")
		return false
	case errors.Is(err, errEmptyRequest):
		c.log.Debug().Msg("nothing to send")
		return false
	default:
		c.log.Error().Err(err).Msg("datagram exchange failed")
		return false
	}

	if !utf8.Valid(reply) {
		c.log.Error().Int("bytes", len(reply)).Msg("reply is not valid UTF-8")
		return false
	}
	c.replies <- string(reply)
	return false
}

// exchange sends payload and returns the reply.
//
// A chunk is sent only after the previous one got a reply, and the first
// reply ends the send. A timeout flips the sync mode and abandons the
// message. Either way only the first chunk ever goes out.
func (c *DatagramChannel) exchange(payload []byte) ([]byte, error) {
	if c.peer == nil {
		return nil, errNoPeer
	}

	chunks, err := c.chunks(payload)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, errEmptyRequest
	}

	bufp := datagramBuffers.Get()
	defer datagramBuffers.Put(bufp)
	buf := *bufp

	sent := c.mode
	if _, err := c.conn.WriteToUDP(chunks[0], c.peer); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	n, err := c.receive(buf)
	if err != nil {
		if isTimeout(err) {
			c.mode = c.mode.toggle()
			return nil, errReplyTimeout
		}
		return nil, fmt.Errorf("receive: %w", err)
	}

	if sent == SyncRaw {
		c.mode = SyncFramed
		return bytes.Clone(buf[:n]), nil
	}
	return c.reassemble(buf, n)
}

func (c *DatagramChannel) chunks(payload []byte) ([][]byte, error) {
	if c.mode == SyncRaw {
		return frame.Split(payload), nil
	}
	frames, err := frame.Encode(c.enc, c.requestID, payload)
	if err != nil {
		return nil, err
	}
	chunks := make([][]byte, len(frames))
	for i, f := range frames {
		chunks[i] = f.Bytes(c.enc)
	}
	return chunks, nil
}

// reassemble treats buf[:n] as the first reply frame and collects the rest.
// Every frame must carry our request id.
func (c *DatagramChannel) reassemble(buf []byte, n int) ([]byte, error) {
	first, err := frame.ParseFrame(c.enc, buf[:n])
	if err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}
	r, err := frame.NewReassembly(c.requestID, first)
	if err != nil {
		return nil, err
	}

	for i := 1; i < r.Count(); i++ {
		n, err := c.receive(buf)
		if err != nil {
			c.log.Warn().Err(err).Int("frame", i).Int("count", r.Count()).Msg("reply frame lost")
			continue
		}
		f, err := frame.ParseFrame(c.enc, buf[:n])
		if err != nil {
			return nil, fmt.Errorf("invalid header: %w", err)
		}
		if err := r.Add(f); err != nil {
			return nil, err
		}
	}

	if !r.Complete() {
		c.log.Warn().Int("count", r.Count()).Msg("reply incomplete")
	}
	return r.Bytes(), nil
}

func (c *DatagramChannel) receive(buf []byte) (int, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	n, _, err := c.conn.ReadFromUDP(buf)
	return n, err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Close releases the socket.
func (c *DatagramChannel) Close() error {
	c.peer = nil
	return c.conn.Close()
}

// datagramExchange gives the auth handshake a byte-stream view of the
// channel: every flushed write is one request/reply exchange and reads are
// served from the last reply.
type datagramExchange struct {
	c       *DatagramChannel
	pending bytes.Buffer
}

func (x *datagramExchange) Write(p []byte) (int, error) {
	reply, err := x.c.exchange(p)
	if err != nil {
		return 0, err
	}
	x.pending.Write(reply)
	return len(p), nil
}

func (x *datagramExchange) Read(p []byte) (int, error) {
	if x.pending.Len() == 0 {
		return 0, errNoReply
	}
	return x.pending.Read(p)
}
