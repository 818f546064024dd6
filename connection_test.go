package arcus

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/arcus-cli/frame"
	"github.com/pior/arcus-cli/internal/testutils"
)

func refusedErr() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
}

// mockDialer hands out the given connections in order, then refuses.
type mockDialer struct {
	mu    sync.Mutex
	conns []net.Conn
	calls int
}

func (d *mockDialer) dial(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.conns) == 0 {
		return nil, refusedErr()
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

func (d *mockDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func mockConfig(d *mockDialer) Config {
	return Config{
		Endpoint: Endpoint{Kind: KindTCP, Address: "127.0.0.1:11211"},
		dial:     d.dial,
	}
}

func TestConnection_TCP(t *testing.T) {
	ln := startStreamServer(t, "tcp", "127.0.0.1:0", lineServer(replyStored))
	log, _ := testLogger(t)

	conn, err := NewConnection(Config{Endpoint: Endpoint{Kind: KindTCP, Address: ln.Addr().String()}}, log)
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))

	require.NoError(t, conn.Write(context.Background(), "set foo 0 0 3"))
	assert.Equal(t, "STORED\r\n", receiveReply(t, conn.Replies()))

	stats := conn.Stats()
	assert.True(t, stats.Connected)
	assert.Equal(t, int64(1), stats.Sessions)
	assert.Equal(t, int64(0), stats.Reconnects)
	assert.Equal(t, gobreaker.StateClosed, stats.BreakerState)

	conn.Close()
	_, ok := <-conn.Replies()
	assert.False(t, ok, "replies must be closed")
}

func TestConnection_ConnectsLazily(t *testing.T) {
	d := &mockDialer{conns: []net.Conn{testutils.NewConnectionMock()}}
	log, _ := testLogger(t)

	conn, err := NewConnection(mockConfig(d), log)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, 0, d.Calls())
	assert.False(t, conn.Stats().Connected)

	require.NoError(t, conn.Write(context.Background(), "version"))
	assert.Equal(t, 1, d.Calls())
}

func TestConnection_ReconnectsOnBrokenPipe(t *testing.T) {
	stale := testutils.NewConnectionMock()
	stale.FailWrites(&net.OpError{Op: "write", Net: "tcp", Err: os.NewSyscallError("write", syscall.EPIPE)})
	fresh := testutils.NewConnectionMock()

	d := &mockDialer{conns: []net.Conn{stale, fresh}}
	log, logs := testLogger(t)

	conn, err := NewConnection(mockConfig(d), log)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Connect(context.Background()))
	require.NoError(t, conn.Write(context.Background(), "get foo"))

	assert.True(t, stale.IsClosed(), "stale session must be torn down before reconnecting")
	assert.Empty(t, stale.Written())
	assert.Equal(t, "get foo\r\n", fresh.Written())

	stats := conn.Stats()
	assert.Equal(t, int64(2), stats.Sessions)
	assert.Equal(t, int64(1), stats.Teardowns)
	assert.Equal(t, int64(1), stats.Reconnects)
	assert.Contains(t, logs.String(), "reconnecting")
}

func TestConnection_RefusedIsNotFatal(t *testing.T) {
	log, logs := testLogger(t)

	conn, err := NewConnection(Config{Endpoint: Endpoint{Kind: KindTCP, Address: refusedAddr(t)}}, log)
	require.NoError(t, err)
	defer conn.Close()

	assert.NoError(t, conn.Connect(context.Background()))
	assert.NoError(t, conn.Write(context.Background(), "version"))
	assert.False(t, conn.Stats().Connected)
	assert.Contains(t, logs.String(), "not connected")
}

func TestConnection_BreakerOpensAfterRefusals(t *testing.T) {
	d := &mockDialer{}
	cfg := mockConfig(d)
	cfg.Breaker = BreakerConfig{MaxRefusals: 2, Timeout: time.Minute}
	log, logs := testLogger(t)

	conn, err := NewConnection(cfg, log)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 4; i++ {
		require.NoError(t, conn.Write(context.Background(), "version"))
	}

	assert.Equal(t, 2, d.Calls())
	assert.Equal(t, gobreaker.StateOpen, conn.Stats().BreakerState)
	assert.Contains(t, logs.String(), "reconnect suppressed")
}

func TestConnection_BreakerDisabled(t *testing.T) {
	d := &mockDialer{}
	cfg := mockConfig(d)
	cfg.Breaker = BreakerConfig{MaxRefusals: -1}
	log, _ := testLogger(t)

	conn, err := NewConnection(cfg, log)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 8; i++ {
		require.NoError(t, conn.Write(context.Background(), "version"))
	}
	assert.Equal(t, 8, d.Calls())
}

func TestConnection_FatalDial(t *testing.T) {
	cfg := Config{
		Endpoint: Endpoint{Kind: KindTCP, Address: "127.0.0.1:11211"},
		dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			return nil, errors.New("permission denied")
		},
	}
	log, _ := testLogger(t)

	conn, err := NewConnection(cfg, log)
	require.NoError(t, err)
	defer conn.Close()

	err = conn.Connect(context.Background())
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "connect 127.0.0.1:11211", fe.Op)

	assert.True(t, IsFatal(conn.Write(context.Background(), "version")))
}

func TestConnection_UDP(t *testing.T) {
	addr := startUDPServer(t, func(req []byte, send func([]byte)) {
		f, err := frame.ParseFrame(frame.Base255, req)
		if err != nil {
			return
		}
		for _, b := range replyFrames(f.Header.RequestID, []byte("VERSION 1.6.0\r\n")) {
			send(b)
		}
	})
	log, _ := testLogger(t)

	conn, err := NewConnection(Config{Endpoint: Endpoint{Kind: KindUDP, Address: addr.String()}}, log)
	require.NoError(t, err)
	defer conn.Close()

	assert.NotZero(t, conn.RequestID(), "request id is derived when unset")
	require.NoError(t, conn.Write(context.Background(), "version"))
	assert.Equal(t, "VERSION 1.6.0\r\n", receiveReply(t, conn.Replies()))
}

func TestNewConnection_Invalid(t *testing.T) {
	log, _ := testLogger(t)

	_, err := NewConnection(Config{Endpoint: Endpoint{Kind: KindTCP}}, log)
	assert.Error(t, err)
}

func TestConnection_CloseIsIdempotent(t *testing.T) {
	d := &mockDialer{conns: []net.Conn{testutils.NewConnectionMock()}}
	log, _ := testLogger(t)

	conn, err := NewConnection(mockConfig(d), log)
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))

	conn.Close()
	conn.Close()
	assert.False(t, conn.Stats().Connected)
	assert.ErrorIs(t, conn.Write(context.Background(), "version"), ErrConnectionClosed)
}

func TestConnection_CancelledContext(t *testing.T) {
	d := &mockDialer{conns: []net.Conn{testutils.NewConnectionMock()}}
	log, logs := testLogger(t)

	conn, err := NewConnection(mockConfig(d), log)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, conn.Connect(ctx), context.Canceled)
	assert.ErrorIs(t, conn.Write(ctx, "version"), context.Canceled)
	assert.Equal(t, 0, d.Calls())
	assert.NotContains(t, logs.String(), "connect failed")
}
