package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Codec converts between raw datagrams and Packet values. A Codec built with
// a TLSAuth requires and verifies the tls-auth block on every control packet.
// It holds no mutable state and is safe for concurrent use.
type Codec struct {
	auth *TLSAuth
}

func NewCodec(auth *TLSAuth) *Codec {
	return &Codec{auth: auth}
}

// Authenticated reports whether control packets carry a tls-auth block.
func (c *Codec) Authenticated() bool {
	return c.auth != nil
}

// Decode parses one datagram. The tls-auth tag, when configured, is checked
// before any field past the session id is interpreted.
func (c *Codec) Decode(b []byte) (Packet, error) {
	if len(b) == 0 {
		return nil, truncated("opcode", 0)
	}
	op, key := SplitOpcode(b[0])
	if !op.Valid() {
		return nil, &DecodeError{Field: "opcode", Err: joinMalformed(fmt.Errorf("%w %d", ErrUnknownOpcode, byte(op)))}
	}
	if op.IsData() {
		return decodeData(b, op, key)
	}
	return c.decodeControl(b, op, key)
}

func (c *Codec) decodeControl(b []byte, op Opcode, key KeyID) (*ControlPacket, error) {
	r := reader{buf: b, off: 1}
	sid, err := r.uint64("session id")
	if err != nil {
		return nil, err
	}
	p := &ControlPacket{Op: op, Key: key, SessionID: SessionID(sid)}
	if c.auth != nil {
		headLen := r.off
		tag, err := r.bytes(c.auth.digest.Size(), "hmac")
		if err != nil {
			return nil, err
		}
		replay, err := r.bytes(authBlockExtra, "replay block")
		if err != nil {
			return nil, err
		}
		if !c.auth.verify(tag, replay, b[:headLen], b[r.off:]) {
			return nil, &DecodeError{Field: "hmac", Offset: headLen, Err: ErrBadHMAC}
		}
		p.Auth = &AuthBlock{
			PacketID:  binary.BigEndian.Uint32(replay[:4]),
			Timestamp: binary.BigEndian.Uint32(replay[4:]),
		}
	}
	n, err := r.byte("ack count")
	if err != nil {
		return nil, err
	}
	if n > 0 {
		p.Acks = make([]uint32, n)
		for i := range p.Acks {
			if p.Acks[i], err = r.uint32("ack"); err != nil {
				return nil, err
			}
		}
		rsid, err := r.uint64("remote session id")
		if err != nil {
			return nil, err
		}
		p.RemoteSessionID = SessionID(rsid)
	}
	if op == OpAckV1 {
		if r.remaining() != 0 {
			return nil, &DecodeError{Field: "payload", Offset: r.off, Err: joinMalformed(fmt.Errorf("%w: ack carries payload", ErrFieldRange))}
		}
		return p, nil
	}
	if p.MessageID, err = r.uint32("message id"); err != nil {
		return nil, err
	}
	p.Payload = r.rest()
	return p, nil
}

func decodeData(b []byte, op Opcode, key KeyID) (*DataPacket, error) {
	r := reader{buf: b, off: 1}
	p := &DataPacket{Op: op, Key: key}
	var err error
	if op == OpDataV2 {
		if p.PeerID, err = r.uint24("peer id"); err != nil {
			return nil, err
		}
	}
	if p.Counter, err = r.uint32("counter"); err != nil {
		return nil, err
	}
	p.Payload = r.rest()
	return p, nil
}

// Encode is the exact inverse of Decode.
func (c *Codec) Encode(p Packet) ([]byte, error) {
	switch p := p.(type) {
	case *ControlPacket:
		return c.encodeControl(p)
	case *DataPacket:
		return encodeData(p)
	default:
		return nil, fmt.Errorf("%w: unsupported packet type %T", ErrFieldRange, p)
	}
}

func (c *Codec) encodeControl(p *ControlPacket) ([]byte, error) {
	if !p.Op.IsControl() {
		return nil, fmt.Errorf("%w: %s is not a control opcode", ErrFieldRange, p.Op)
	}
	if p.Key > MaxKeyID {
		return nil, fmt.Errorf("%w: key id %d", ErrFieldRange, p.Key)
	}
	if len(p.Acks) > maxAcksPerPkt {
		return nil, fmt.Errorf("%w: %d acks", ErrFieldRange, len(p.Acks))
	}
	if p.AckOnly() && len(p.Payload) > 0 {
		return nil, fmt.Errorf("%w: ack carries payload", ErrFieldRange)
	}
	switch {
	case c.auth != nil && p.Auth == nil:
		return nil, ErrAuthMissing
	case c.auth == nil && p.Auth != nil:
		return nil, fmt.Errorf("%w: tls-auth block without tls-auth key", ErrFieldRange)
	}

	head := make([]byte, 0, 1+sessionIDLen)
	head = append(head, packOpcode(p.Op, p.Key))
	head = p.SessionID.appendTo(head)

	rest := make([]byte, 0, 1+len(p.Acks)*messageIDLen+sessionIDLen+messageIDLen+len(p.Payload))
	rest = append(rest, byte(len(p.Acks)))
	for _, id := range p.Acks {
		rest = binary.BigEndian.AppendUint32(rest, id)
	}
	if len(p.Acks) > 0 {
		rest = p.RemoteSessionID.appendTo(rest)
	}
	if !p.AckOnly() {
		rest = binary.BigEndian.AppendUint32(rest, p.MessageID)
		rest = append(rest, p.Payload...)
	}

	if c.auth == nil {
		return append(head, rest...), nil
	}
	replay := make([]byte, 0, authBlockExtra)
	replay = binary.BigEndian.AppendUint32(replay, p.Auth.PacketID)
	replay = binary.BigEndian.AppendUint32(replay, p.Auth.Timestamp)
	tag := c.auth.sign(replay, head, rest)

	out := make([]byte, 0, len(head)+len(tag)+len(replay)+len(rest))
	out = append(out, head...)
	out = append(out, tag...)
	out = append(out, replay...)
	return append(out, rest...), nil
}

func encodeData(p *DataPacket) ([]byte, error) {
	if !p.Op.IsData() {
		return nil, fmt.Errorf("%w: %s is not a data opcode", ErrFieldRange, p.Op)
	}
	if p.Key > MaxKeyID {
		return nil, fmt.Errorf("%w: key id %d", ErrFieldRange, p.Key)
	}
	switch {
	case p.Op == OpDataV2 && p.PeerID > maxPeerID:
		return nil, fmt.Errorf("%w: peer id %d", ErrFieldRange, p.PeerID)
	case p.Op == OpDataV1 && p.PeerID != 0:
		return nil, errors.Join(ErrFieldRange, errors.New("peer id on a v1 data packet"))
	}
	out := make([]byte, 0, 1+peerIDLen+counterLen+len(p.Payload))
	out = append(out, p.Header()...)
	out = binary.BigEndian.AppendUint32(out, p.Counter)
	return append(out, p.Payload...), nil
}
