package arcus

import (
	"bufio"
	"bytes"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// logBuffer is a goroutine-safe log sink.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger(t *testing.T) (zerolog.Logger, *logBuffer) {
	t.Helper()
	buf := &logBuffer{}
	return zerolog.New(buf).Level(zerolog.DebugLevel), buf
}

// startStreamServer accepts connections on network/address and hands each
// one to handle. The listener is closed when the test ends.
func startStreamServer(t *testing.T, network, address string, handle func(net.Conn)) net.Listener {
	t.Helper()
	ln, err := net.Listen(network, address)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				handle(conn)
			}()
		}
	}()
	return ln
}

// lineServer answers every received line with reply(line) until the client
// closes its write side, like memcached does.
func lineServer(reply func(line string) string) func(net.Conn) {
	return func(conn net.Conn) {
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if out := reply(line); out != "" {
				conn.Write([]byte(out))
			}
		}
	}
}

// refusedAddr returns a loopback address nobody listens on.
func refusedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// startUDPServer runs handle for every datagram received. handle may send
// any number of replies with send.
func startUDPServer(t *testing.T, handle func(req []byte, send func([]byte))) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, maxDatagram)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req := bytes.Clone(buf[:n])
			handle(req, func(b []byte) {
				conn.WriteToUDP(b, from)
			})
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr)
}

func receiveReply(t *testing.T, replies <-chan string) string {
	t.Helper()
	select {
	case r := <-replies:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no reply received")
		return ""
	}
}

func assertNoReply(t *testing.T, replies <-chan string) {
	t.Helper()
	select {
	case r := <-replies:
		t.Fatalf("unexpected reply %q", r)
	default:
	}
}

func collectReplies(t *testing.T, replies <-chan string, want string) string {
	t.Helper()
	var got strings.Builder
	deadline := time.After(2 * time.Second)
	for got.Len() < len(want) {
		select {
		case r := <-replies:
			got.WriteString(r)
		case <-deadline:
			t.Fatalf("timed out, got %q want %q", got.String(), want)
		}
	}
	return got.String()
}
