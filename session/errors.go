package session

import (
	"errors"
	"fmt"

	"github.com/apernet/corevpn/datachannel"
	"github.com/apernet/corevpn/reliable"
	"github.com/apernet/corevpn/wire"
)

// ErrorKind classifies why an inbound packet was dropped.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	// KindMalformed: truncated or invalid wire bytes. Dropped, no session impact.
	KindMalformed
	// KindUnauthenticated: HMAC or AEAD tag failure. Raises suspicion.
	KindUnauthenticated
	// KindReplay: counter or packet id already seen. Raises suspicion.
	KindReplay
	// KindProtocolViolation: valid bytes at the wrong time. Repeated
	// occurrences close the session.
	KindProtocolViolation
	// KindResourceExhaustion: a bound was exceeded. Closes the session.
	KindResourceExhaustion
	// KindFatal: an invariant would break. Closes the session.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindMalformed:
		return "malformed"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindReplay:
		return "replay"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindResourceExhaustion:
		return "resource_exhaustion"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	ErrMalformed          = errors.New("malformed")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrReplay             = errors.New("replay")
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrResourceExhaustion = errors.New("resource exhaustion")
	ErrFatal              = errors.New("fatal")

	// ErrClosed is returned for any use of a session after teardown.
	ErrClosed = errors.New("session closed")
	// ErrNotActive is returned by Encrypt before the first key is installed.
	ErrNotActive = errors.New("session has no active key")
)

var kindSentinels = []struct {
	kind ErrorKind
	err  error
}{
	{KindFatal, ErrFatal},
	{KindResourceExhaustion, ErrResourceExhaustion},
	{KindProtocolViolation, ErrProtocolViolation},
	{KindReplay, ErrReplay},
	{KindUnauthenticated, ErrUnauthenticated},
	{KindMalformed, ErrMalformed},
}

// KindOf returns the kind an error was classified as, or KindNone.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, s := range kindSentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindNone
}

// classify tags an error from a lower layer with its kind sentinel.
func classify(err error) error {
	if err == nil || KindOf(err) != KindNone {
		return err
	}
	var kind error
	switch {
	case errors.Is(err, wire.ErrBadHMAC), errors.Is(err, datachannel.ErrAuthFailed):
		kind = ErrUnauthenticated
	case errors.Is(err, wire.ErrMalformed), errors.Is(err, datachannel.ErrShortPacket):
		kind = ErrMalformed
	case errors.Is(err, datachannel.ErrReplay):
		kind = ErrReplay
	case errors.Is(err, datachannel.ErrCompressed),
		errors.Is(err, datachannel.ErrSlotRetired),
		errors.Is(err, reliable.ErrRecordTooLarge):
		kind = ErrProtocolViolation
	case errors.Is(err, reliable.ErrWindowOverflow), errors.Is(err, reliable.ErrBacklogFull):
		kind = ErrResourceExhaustion
	default:
		kind = ErrFatal
	}
	return fmt.Errorf("%w: %w", kind, err)
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}
