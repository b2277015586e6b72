package wire

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed is the sentinel joined into every structural decode failure.
	ErrMalformed = errors.New("malformed packet")

	ErrTruncated     = errors.New("packet truncated")
	ErrUnknownOpcode = errors.New("unknown opcode")
	ErrFieldRange    = errors.New("field out of range")
	ErrAuthMissing   = errors.New("tls-auth block missing")

	// ErrBadHMAC is returned when the tls-auth tag does not verify.
	// It is deliberately not joined with ErrMalformed.
	ErrBadHMAC = errors.New("tls-auth hmac mismatch")
)

// DecodeError reports which field of a packet could not be read.
type DecodeError struct {
	Field  string
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s at offset %d: %v", e.Field, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func truncated(field string, off int) error {
	return &DecodeError{Field: field, Offset: off, Err: errors.Join(ErrMalformed, ErrTruncated)}
}

func joinMalformed(err error) error {
	return errors.Join(ErrMalformed, err)
}
