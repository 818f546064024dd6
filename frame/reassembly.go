package frame

import (
	"errors"
	"fmt"
)

var ErrInvalidHeader = errors.New("frame: invalid header")

// HeaderError describes a frame that does not belong to the message being
// reassembled.
type HeaderError struct {
	Want   uint16
	Header Header
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("invalid header: request id %d index %d count %d (want request id %d)",
		e.Header.RequestID, e.Header.Index, e.Header.Count, e.Want)
}

func (e *HeaderError) Unwrap() error {
	return ErrInvalidHeader
}

// Reassembly collects the frames of one reply. Its size is fixed by the
// count announced in the first frame it sees.
type Reassembly struct {
	requestID uint16
	slots     [][]byte
	filled    int
}

// NewReassembly starts a reassembly from the first received frame.
func NewReassembly(requestID uint16, first Frame) (*Reassembly, error) {
	if err := check(requestID, first.Header, int(first.Header.Count)); err != nil {
		return nil, err
	}
	r := &Reassembly{
		requestID: requestID,
		slots:     make([][]byte, first.Header.Count),
	}
	r.store(first)
	return r, nil
}

func check(requestID uint16, h Header, count int) error {
	if h.RequestID != requestID || count == 0 || int(h.Index) >= count {
		return &HeaderError{Want: requestID, Header: h}
	}
	return nil
}

// Add stores a follow-up frame. A frame for a slot that is already filled is
// ignored.
func (r *Reassembly) Add(f Frame) error {
	if err := check(r.requestID, f.Header, len(r.slots)); err != nil {
		return err
	}
	r.store(f)
	return nil
}

func (r *Reassembly) store(f Frame) {
	if r.slots[f.Header.Index] != nil {
		return
	}
	// Keep empty payloads distinguishable from unseen slots.
	payload := make([]byte, len(f.Payload))
	copy(payload, f.Payload)
	r.slots[f.Header.Index] = payload
	r.filled++
}

// Count is the number of frames announced by the first frame.
func (r *Reassembly) Count() int {
	return len(r.slots)
}

// Complete reports whether every slot has been filled.
func (r *Reassembly) Complete() bool {
	return r.filled == len(r.slots)
}

// Bytes concatenates the received payloads in index order. Missing slots
// contribute nothing.
func (r *Reassembly) Bytes() []byte {
	size := 0
	for _, s := range r.slots {
		size += len(s)
	}
	out := make([]byte, 0, size)
	for _, s := range r.slots {
		out = append(out, s...)
	}
	return out
}

// ParseFrame splits a received datagram into header and payload.
// The payload aliases b.
func ParseFrame(enc Encoding, b []byte) (Frame, error) {
	h, err := DecodeHeader(enc, b)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Header: h, Payload: b[HeaderSize:]}, nil
}
