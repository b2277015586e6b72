package reliable

import "errors"

var (
	// ErrRetriesExhausted means a control packet was never acknowledged.
	// The peer is considered unreachable.
	ErrRetriesExhausted = errors.New("control packet retransmissions exhausted")
	ErrBacklogFull      = errors.New("control send backlog full")
	// ErrWindowOverflow means the peer sent control packets too far ahead of
	// the next expected message id.
	ErrWindowOverflow = errors.New("control receive window overflow")
	ErrRecordTooLarge = errors.New("handshake record too large")
)
