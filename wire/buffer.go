package wire

// reader walks a packet front to back. Every accessor checks the remaining
// length first so adversarial input only ever produces a DecodeError.
type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) bytes(n int, field string) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, truncated(field, r.off)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) byte(field string) (byte, error) {
	b, err := r.bytes(1, field)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) uint24(field string) (uint32, error) {
	b, err := r.bytes(3, field)
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), nil
}

func (r *reader) uint32(field string) (uint32, error) {
	b, err := r.bytes(4, field)
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

func (r *reader) uint64(field string) (uint64, error) {
	hi, err := r.uint32(field)
	if err != nil {
		return 0, err
	}
	lo, err := r.uint32(field)
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

// rest consumes everything left. An empty remainder yields nil.
func (r *reader) rest() []byte {
	if r.remaining() == 0 {
		return nil
	}
	b := r.buf[r.off:]
	r.off = len(r.buf)
	return b
}
