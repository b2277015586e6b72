package datachannel

import "fmt"

const (
	compressNone = 0x00
	compressLZO  = 0xFA
	compressLZ4  = 0xFB
)

// StripCompression removes the one-byte compression header negotiated by
// "compress" stub mode. Actually compressed payloads are refused.
func StripCompression(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return b, nil
	}
	switch b[0] {
	case compressNone:
		return b[1:], nil
	case compressLZO, compressLZ4:
		return nil, fmt.Errorf("%w: header 0x%02x", ErrCompressed, b[0])
	default:
		// No header present.
		return b, nil
	}
}

// AddCompressionHeader prefixes b with the "not compressed" marker.
func AddCompressionHeader(b []byte) []byte {
	out := make([]byte, 0, len(b)+1)
	out = append(out, compressNone)
	return append(out, b...)
}
