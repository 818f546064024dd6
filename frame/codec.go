package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// MTU is the maximum payload carried by a single datagram frame.
	MTU = 1400

	// HeaderSize is the fixed size of a frame header.
	HeaderSize = 8

	// MaxBase255 is the largest field value the base-255 encoding can carry.
	MaxBase255 = 255*255 + 254
)

var (
	ErrShortHeader  = errors.New("frame: short header")
	ErrTooManyParts = errors.New("frame: payload needs more chunks than the header can count")
)

// Encoding selects how the two-byte header fields are laid out on the wire.
type Encoding int

const (
	// Base255 stores a field as hi*255+lo. The existing client speaks this, so
	// it stays the default even though it wastes the 0xFF digit.
	Base255 Encoding = iota

	// Base256 stores a field as a big-endian uint16, the layout used by
	// memcached's UDP frame header.
	Base256
)

func (e Encoding) String() string {
	switch e {
	case Base255:
		return "base255"
	case Base256:
		return "base256"
	default:
		return fmt.Sprintf("Encoding(%d)", int(e))
	}
}

// ParseEncoding maps a configuration string to an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "", "base255":
		return Base255, nil
	case "base256":
		return Base256, nil
	default:
		return 0, fmt.Errorf("frame: unknown header encoding %q", s)
	}
}

// Max returns the largest value a header field can hold.
func (e Encoding) Max() int {
	if e == Base256 {
		return 0xFFFF
	}
	return MaxBase255
}

func (e Encoding) put(b []byte, v uint16) {
	if e == Base256 {
		binary.BigEndian.PutUint16(b, v)
		return
	}
	b[0] = byte(v / 255)
	b[1] = byte(v % 255)
}

func (e Encoding) get(b []byte) uint16 {
	if e == Base256 {
		return binary.BigEndian.Uint16(b)
	}
	return uint16(255*int(b[0]) + int(b[1]))
}

// Header is the fixed 8-byte prefix of every framed datagram.
// Bytes 6-7 are reserved: written as zero, ignored on decode.
type Header struct {
	RequestID uint16
	Index     uint16
	Count     uint16
}

// Frame is one datagram-sized chunk of a logical message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Bytes returns the wire form of the frame.
func (f Frame) Bytes(enc Encoding) []byte {
	b := make([]byte, HeaderSize+len(f.Payload))
	PutHeader(enc, b, f.Header)
	copy(b[HeaderSize:], f.Payload)
	return b
}

// PutHeader writes h into the first HeaderSize bytes of b.
func PutHeader(enc Encoding, b []byte, h Header) {
	enc.put(b[0:2], h.RequestID)
	enc.put(b[2:4], h.Index)
	enc.put(b[4:6], h.Count)
	b[6], b[7] = 0, 0
}

// DecodeHeader parses the first HeaderSize bytes of b.
// It does not validate the fields; request-id matching is the caller's job.
func DecodeHeader(enc Encoding, b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		RequestID: enc.get(b[0:2]),
		Index:     enc.get(b[2:4]),
		Count:     enc.get(b[4:6]),
	}, nil
}

// Chunks returns how many frames a payload of n bytes occupies.
func Chunks(n int) int {
	return (n + MTU - 1) / MTU
}

// Split cuts payload into MTU-sized chunks without headers.
// The chunks alias payload.
func Split(payload []byte) [][]byte {
	n := Chunks(len(payload))
	chunks := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		end := min((i+1)*MTU, len(payload))
		chunks = append(chunks, payload[i*MTU:end])
	}
	return chunks
}

// Encode splits payload into frames tagged with requestID, in ascending index
// order. An empty payload produces no frames.
func Encode(enc Encoding, requestID uint16, payload []byte) ([]Frame, error) {
	chunks := Split(payload)
	if len(chunks) > enc.Max() {
		return nil, ErrTooManyParts
	}

	frames := make([]Frame, len(chunks))
	for i, chunk := range chunks {
		frames[i] = Frame{
			Header: Header{
				RequestID: requestID,
				Index:     uint16(i),
				Count:     uint16(len(chunks)),
			},
			Payload: chunk,
		}
	}
	return frames, nil
}
