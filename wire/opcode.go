package wire

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

// Opcode is the 5-bit packet type carried in the top bits of the first byte.
// Values follow ssl_pkt.h of the reference OpenVPN implementation.
type Opcode byte

const (
	OpControlHardResetClientV1 Opcode = 1
	OpControlHardResetServerV1 Opcode = 2
	OpControlSoftResetV1       Opcode = 3
	OpControlV1                Opcode = 4
	OpAckV1                    Opcode = 5
	OpDataV1                   Opcode = 6
	OpControlHardResetClientV2 Opcode = 7
	OpControlHardResetServerV2 Opcode = 8
	OpDataV2                   Opcode = 9
	OpControlHardResetClientV3 Opcode = 10
	OpControlWkcV1             Opcode = 11
)

const (
	opcodeShift = 3
	keyIDMask   = 0x07

	// MaxKeyID is the largest key id that fits in the opcode byte.
	MaxKeyID KeyID = 7
)

func (o Opcode) Valid() bool {
	switch o {
	case OpControlHardResetClientV1,
		OpControlHardResetServerV1,
		OpControlSoftResetV1,
		OpControlV1,
		OpAckV1,
		OpDataV1,
		OpControlHardResetClientV2,
		OpControlHardResetServerV2,
		OpDataV2,
		OpControlHardResetClientV3,
		OpControlWkcV1:
		return true
	}
	return false
}

// IsData reports whether o is one of the data channel opcodes.
func (o Opcode) IsData() bool {
	return o == OpDataV1 || o == OpDataV2
}

// IsControl reports whether o travels on the control channel.
func (o Opcode) IsControl() bool {
	return o.Valid() && !o.IsData()
}

// IsClientHardReset reports whether o opens a new session from the client side.
func (o Opcode) IsClientHardReset() bool {
	return o == OpControlHardResetClientV1 ||
		o == OpControlHardResetClientV2 ||
		o == OpControlHardResetClientV3
}

// IsReset reports whether o starts a new key negotiation.
func (o Opcode) IsReset() bool {
	return o.IsClientHardReset() ||
		o == OpControlHardResetServerV1 ||
		o == OpControlHardResetServerV2 ||
		o == OpControlSoftResetV1
}

func (o Opcode) String() string {
	switch o {
	case OpControlHardResetClientV1:
		return "P_CONTROL_HARD_RESET_CLIENT_V1"
	case OpControlHardResetServerV1:
		return "P_CONTROL_HARD_RESET_SERVER_V1"
	case OpControlSoftResetV1:
		return "P_CONTROL_SOFT_RESET_V1"
	case OpControlV1:
		return "P_CONTROL_V1"
	case OpAckV1:
		return "P_ACK_V1"
	case OpDataV1:
		return "P_DATA_V1"
	case OpControlHardResetClientV2:
		return "P_CONTROL_HARD_RESET_CLIENT_V2"
	case OpControlHardResetServerV2:
		return "P_CONTROL_HARD_RESET_SERVER_V2"
	case OpDataV2:
		return "P_DATA_V2"
	case OpControlHardResetClientV3:
		return "P_CONTROL_HARD_RESET_CLIENT_V3"
	case OpControlWkcV1:
		return "P_CONTROL_WKC_V1"
	default:
		return "P_UNKNOWN_" + strconv.Itoa(int(o))
	}
}

// KeyID selects one of up to eight key generations of a session.
type KeyID uint8

// Next returns the key id used for the renegotiation after k.
// Zero is only ever used by the initial negotiation.
func (k KeyID) Next() KeyID {
	return k%MaxKeyID + 1
}

func packOpcode(op Opcode, key KeyID) byte {
	return byte(op)<<opcodeShift | byte(key)&keyIDMask
}

// SplitOpcode separates the first byte of a packet into opcode and key id.
func SplitOpcode(b byte) (Opcode, KeyID) {
	return Opcode(b >> opcodeShift), KeyID(b & keyIDMask)
}

// SessionID is the 64-bit identifier each side picks for its end of a session.
type SessionID uint64

func (s SessionID) String() string {
	return fmt.Sprintf("%016x", uint64(s))
}

func (s SessionID) appendTo(b []byte) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(s))
}
