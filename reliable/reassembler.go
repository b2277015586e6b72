package reliable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"iter"
)

const (
	recordHeaderLen = 5
	// maxRecordLen is the largest TLS ciphertext fragment allowed on the wire.
	maxRecordLen = 1<<14 + 2048
)

// Reassembler turns control packet payloads, which may arrive out of order,
// back into the contiguous handshake byte stream and cuts that stream into
// TLS records.
type Reassembler struct {
	next     uint32
	pending  map[uint32][]byte
	maxAhead uint32
	stream   []byte
	err      error
}

// NewReassembler expects message id 0 first and buffers at most maxAhead
// packets beyond the next expected one.
func NewReassembler(maxAhead int) *Reassembler {
	return &Reassembler{
		pending:  make(map[uint32][]byte),
		maxAhead: uint32(maxAhead),
	}
}

// Push hands over the payload of message id. It returns false for a
// message that was already delivered or is already buffered.
func (r *Reassembler) Push(id uint32, payload []byte) (bool, error) {
	switch {
	case id < r.next:
		return false, nil
	case id == r.next:
		r.stream = append(r.stream, payload...)
		r.next++
		for {
			buf, ok := r.pending[r.next]
			if !ok {
				break
			}
			delete(r.pending, r.next)
			r.stream = append(r.stream, buf...)
			r.next++
		}
		return true, nil
	case id-r.next > r.maxAhead:
		return false, fmt.Errorf("%w: message %d, expecting %d", ErrWindowOverflow, id, r.next)
	}
	if _, ok := r.pending[id]; ok {
		return false, nil
	}
	r.pending[id] = bytes.Clone(payload)
	return true, nil
}

// Next is the message id the stream is waiting for.
func (r *Reassembler) Next() uint32 {
	return r.next
}

// Records yields every complete record currently in the stream, consuming
// it. Iteration stops early on a malformed record header; Err reports why.
func (r *Reassembler) Records() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for r.err == nil && len(r.stream) >= recordHeaderLen {
			n := int(binary.BigEndian.Uint16(r.stream[3:recordHeaderLen]))
			if n > maxRecordLen {
				r.err = fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, n)
				return
			}
			total := recordHeaderLen + n
			if len(r.stream) < total {
				return
			}
			rec := r.stream[:total:total]
			r.stream = r.stream[total:]
			if len(r.stream) == 0 {
				r.stream = nil
			}
			if !yield(rec) {
				return
			}
		}
	}
}

func (r *Reassembler) Err() error {
	return r.err
}
