package datachannel

import "errors"

var (
	// ErrReplay means the counter was already seen or fell behind the window.
	ErrReplay = errors.New("replayed packet counter")
	// ErrAuthFailed means the AEAD tag did not verify.
	ErrAuthFailed = errors.New("data packet authentication failed")
	// ErrShortPacket means the payload cannot even hold a tag.
	ErrShortPacket = errors.New("data packet shorter than tag")
	// ErrCounterExhausted means the send counter reached its maximum. The key
	// slot must not encrypt anything else.
	ErrCounterExhausted = errors.New("packet counter exhausted")
	ErrSlotRetired      = errors.New("key slot retired")
	ErrCompressed       = errors.New("compressed payloads are not supported")
)
