package arcus

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/arcus-cli/frame"
	"github.com/pior/arcus-cli/sasl"
)

const testRequestID = 7

func udpConfig(addr *net.UDPAddr) Config {
	return Config{
		Endpoint:  Endpoint{Kind: KindUDP, Address: addr.String()},
		RequestID: testRequestID,
		Timeout:   100 * time.Millisecond,
	}
}

func dialDatagram(t *testing.T, cfg Config, log zerolog.Logger) (*DatagramChannel, chan string) {
	t.Helper()
	replies := make(chan string, 8)
	ch, err := DialDatagram(context.Background(), cfg, replies, log)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch, replies
}

// replyFrames encodes payload as the server would.
func replyFrames(id uint16, payload []byte) [][]byte {
	frames, _ := frame.Encode(frame.Base255, id, payload)
	out := make([][]byte, len(frames))
	for i, f := range frames {
		out[i] = f.Bytes(frame.Base255)
	}
	return out
}

func TestDatagramChannel_SingleFrame(t *testing.T) {
	requests := make(chan frame.Frame, 1)
	addr := startUDPServer(t, func(req []byte, send func([]byte)) {
		f, err := frame.ParseFrame(frame.Base255, req)
		if err != nil {
			return
		}
		requests <- f
		for _, b := range replyFrames(f.Header.RequestID, []byte("STORED\r\n")) {
			send(b)
		}
	})
	log, _ := testLogger(t)
	ch, replies := dialDatagram(t, udpConfig(addr), log)

	assert.False(t, ch.Write("set foo 0 0 3\r\nbar\r\n"))
	assert.Equal(t, "STORED\r\n", receiveReply(t, replies))

	req := <-requests
	assert.Equal(t, frame.Header{RequestID: testRequestID, Index: 0, Count: 1}, req.Header)
	assert.Equal(t, "set foo 0 0 3\r\nbar\r\n", string(req.Payload))
	assert.Equal(t, SyncFramed, ch.Mode())
}

func TestDatagramChannel_OutOfOrderReply(t *testing.T) {
	value := strings.Repeat("v", 3000)
	addr := startUDPServer(t, func(req []byte, send func([]byte)) {
		frames := replyFrames(testRequestID, []byte(value))
		send(frames[2])
		send(frames[0])
		send(frames[1])
	})
	log, _ := testLogger(t)
	ch, replies := dialDatagram(t, udpConfig(addr), log)

	assert.False(t, ch.Write("get big\r\n"))
	assert.Equal(t, value, receiveReply(t, replies))
}

func TestDatagramChannel_RequestIDMismatch(t *testing.T) {
	addr := startUDPServer(t, func(req []byte, send func([]byte)) {
		send(frame.Frame{Header: frame.Header{RequestID: testRequestID, Index: 0, Count: 2}, Payload: []byte("VALUE ")}.Bytes(frame.Base255))
		send(frame.Frame{Header: frame.Header{RequestID: testRequestID + 1, Index: 1, Count: 2}, Payload: []byte("foo\r\n")}.Bytes(frame.Base255))
	})
	log, logs := testLogger(t)
	ch, replies := dialDatagram(t, udpConfig(addr), log)

	assert.False(t, ch.Write("get foo\r\n"))
	assertNoReply(t, replies)
	assert.Contains(t, logs.String(), "invalid header")
}

func TestDatagramChannel_TimeoutFlipsSyncMode(t *testing.T) {
	var seen atomic.Int32
	raw := make(chan []byte, 1)
	addr := startUDPServer(t, func(req []byte, send func([]byte)) {
		if seen.Add(1) == 1 {
			return
		}
		raw <- req
		send([]byte("END\r\n"))
	})
	log, _ := testLogger(t)
	ch, replies := dialDatagram(t, udpConfig(addr), log)

	assert.False(t, ch.Write("get foo\r\n"))
	assertNoReply(t, replies)
	assert.Equal(t, SyncRaw, ch.Mode())

	assert.False(t, ch.Write("get foo\r\n"))
	assert.Equal(t, "END\r\n", receiveReply(t, replies))
	assert.Equal(t, "get foo\r\n", string(<-raw), "raw requests carry no header")
	assert.Equal(t, SyncFramed, ch.Mode())
}

func TestDatagramChannel_EmptyRequest(t *testing.T) {
	var requests atomic.Int32
	addr := startUDPServer(t, func(req []byte, send func([]byte)) {
		requests.Add(1)
	})
	log, logs := testLogger(t)
	ch, replies := dialDatagram(t, udpConfig(addr), log)

	assert.False(t, ch.Write(""))
	assertNoReply(t, replies)
	assert.Equal(t, SyncFramed, ch.Mode())
	assert.Equal(t, int32(0), requests.Load())
	assert.Contains(t, logs.String(), "nothing to send")
	assert.NotContains(t, logs.String(), "sync mode flipped")
}

func TestDatagramChannel_InvalidUTF8(t *testing.T) {
	addr := startUDPServer(t, func(req []byte, send func([]byte)) {
		for _, b := range replyFrames(testRequestID, []byte{0xff, 0xfe, '\r', '\n'}) {
			send(b)
		}
	})
	log, logs := testLogger(t)
	ch, replies := dialDatagram(t, udpConfig(addr), log)

	assert.False(t, ch.Write("get foo\r\n"))
	assertNoReply(t, replies)
	assert.Contains(t, logs.String(), "not valid UTF-8")
}

func TestDatagramChannel_WriteAfterClose(t *testing.T) {
	addr := startUDPServer(t, func(req []byte, send func([]byte)) {})
	log, _ := testLogger(t)
	ch, _ := dialDatagram(t, udpConfig(addr), log)

	require.NoError(t, ch.Close())
	assert.True(t, ch.Write("get foo\r\n"))
}

func TestDialDatagram_Fatal(t *testing.T) {
	log, _ := testLogger(t)

	_, err := DialDatagram(context.Background(), Config{Endpoint: Endpoint{Kind: KindUDP, Address: "no-port"}}, make(chan string, 1), log)
	assert.True(t, IsFatal(err), "got %v", err)
}

func TestDatagramChannel_Auth(t *testing.T) {
	var authLines atomic.Int32
	addr := startUDPServer(t, func(req []byte, send func([]byte)) {
		f, err := frame.ParseFrame(frame.Base255, req)
		if err != nil || f.Header.RequestID != testRequestID {
			return
		}
		var reply string
		switch {
		case bytes.Equal(f.Payload, []byte("sasl mech\r\n")):
			reply = "SASL_MECH PLAIN\r\n"
		case bytes.HasPrefix(f.Payload, []byte("sasl auth PLAIN ")):
			authLines.Add(1)
			reply = "SASL_OK\r\n"
		default:
			reply = "STORED\r\n"
		}
		for _, b := range replyFrames(testRequestID, []byte(reply)) {
			send(b)
		}
	})

	cfg := udpConfig(addr)
	cfg.Auth = &AuthConfig{
		Credentials: sasl.Credentials{Username: "u", Password: "p"},
		Kinds:       []Kind{KindUDP},
	}
	log, logs := testLogger(t)
	ch, replies := dialDatagram(t, cfg, log)

	assert.Contains(t, logs.String(), `"message":"authenticated"`)
	assert.Equal(t, int32(1), authLines.Load())

	assert.False(t, ch.Write("set foo 0 0 3\r\nbar\r\n"))
	assert.Equal(t, "STORED\r\n", receiveReply(t, replies))
}
