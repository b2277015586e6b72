package wire

import (
	"bytes"
	"slices"
)

const (
	sessionIDLen   = 8
	messageIDLen   = 4
	counterLen     = 4
	peerIDLen      = 3
	maxAcksPerPkt  = 255
	maxPeerID      = 0xFFFFFF
	authBlockExtra = 8 // packet id + timestamp
)

// NoPeerID is the peer id value reserved to mean "not assigned".
const NoPeerID uint32 = maxPeerID

// Packet is either a *ControlPacket or a *DataPacket.
type Packet interface {
	Opcode() Opcode
	KeyID() KeyID
	isPacket()
}

// AuthBlock is the replay-protection part of the tls-auth prefix. The HMAC
// tag itself never appears in a decoded packet; the Codec computes it on
// encode and verifies and strips it on decode.
type AuthBlock struct {
	PacketID  uint32
	Timestamp uint32
}

// ControlPacket is any packet of the reliable control channel, including
// resets and bare acknowledgements.
type ControlPacket struct {
	Op        Opcode
	Key       KeyID
	SessionID SessionID
	Auth      *AuthBlock
	Acks      []uint32
	// RemoteSessionID echoes the peer's session id. It is on the wire only
	// when Acks is not empty.
	RemoteSessionID SessionID
	// MessageID is absent for OpAckV1.
	MessageID uint32
	Payload   []byte
}

func (p *ControlPacket) Opcode() Opcode { return p.Op }
func (p *ControlPacket) KeyID() KeyID   { return p.Key }
func (*ControlPacket) isPacket()        {}

// AckOnly reports whether the packet carries no message id and no payload.
func (p *ControlPacket) AckOnly() bool {
	return p.Op == OpAckV1
}

// Equal compares two control packets field by field, treating nil and empty
// slices alike.
func (p *ControlPacket) Equal(o *ControlPacket) bool {
	if p == nil || o == nil {
		return p == o
	}
	if (p.Auth == nil) != (o.Auth == nil) || p.Auth != nil && *p.Auth != *o.Auth {
		return false
	}
	return p.Op == o.Op && p.Key == o.Key && p.SessionID == o.SessionID &&
		slices.Equal(p.Acks, o.Acks) && p.RemoteSessionID == o.RemoteSessionID &&
		p.MessageID == o.MessageID && bytes.Equal(p.Payload, o.Payload)
}

// DataPacket carries one AEAD-sealed tunnel payload.
type DataPacket struct {
	Op  Opcode
	Key KeyID
	// PeerID is only on the wire for OpDataV2.
	PeerID  uint32
	Counter uint32
	// Payload is ciphertext followed by the AEAD tag.
	Payload []byte
}

func (p *DataPacket) Opcode() Opcode { return p.Op }
func (p *DataPacket) KeyID() KeyID   { return p.Key }
func (*DataPacket) isPacket()        {}

// Header returns the bytes preceding the counter on the wire. They are
// authenticated as additional data together with the counter.
func (p *DataPacket) Header() []byte {
	h := []byte{packOpcode(p.Op, p.Key)}
	if p.Op == OpDataV2 {
		h = append(h, byte(p.PeerID>>16), byte(p.PeerID>>8), byte(p.PeerID))
	}
	return h
}

func (p *DataPacket) Equal(o *DataPacket) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.Op == o.Op && p.Key == o.Key && p.PeerID == o.PeerID &&
		p.Counter == o.Counter && bytes.Equal(p.Payload, o.Payload)
}

// Header is the routing information that can be read from a packet without
// any key material. It is never trusted for anything but picking a worker.
type Header struct {
	Op        Opcode
	Key       KeyID
	PeerID    uint32
	SessionID SessionID
}

// PeekHeader reads the opcode and, depending on it, the peer id (data v2) or
// the sender's session id (control).
func PeekHeader(b []byte) (Header, error) {
	r := reader{buf: b}
	first, err := r.byte("opcode")
	if err != nil {
		return Header{}, err
	}
	op, key := SplitOpcode(first)
	if !op.Valid() {
		return Header{}, &DecodeError{Field: "opcode", Err: joinMalformed(ErrUnknownOpcode)}
	}
	h := Header{Op: op, Key: key, PeerID: NoPeerID}
	switch {
	case op == OpDataV2:
		if h.PeerID, err = r.uint24("peer id"); err != nil {
			return Header{}, err
		}
	case op.IsControl():
		sid, err := r.uint64("session id")
		if err != nil {
			return Header{}, err
		}
		h.SessionID = SessionID(sid)
	}
	return h, nil
}
