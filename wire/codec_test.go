package wire

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStaticKeyText() string {
	raw := make([]byte, StaticKeySize)
	for i := range raw {
		raw[i] = byte(i*7 + 3)
	}
	enc := hex.EncodeToString(raw)
	var sb strings.Builder
	sb.WriteString("#\n# 2048 bit OpenVPN static key\n#\n")
	sb.WriteString(staticKeyBegin + "\n")
	for i := 0; i < len(enc); i += 32 {
		sb.WriteString(enc[i:i+32] + "\n")
	}
	sb.WriteString(staticKeyEnd + "\n")
	return sb.String()
}

func testAuthPair(t *testing.T, digest Digest) (server, client *Codec) {
	t.Helper()
	key, err := ParseStaticKey([]byte(testStaticKeyText()))
	require.NoError(t, err)
	return NewCodec(NewTLSAuth(key, KeyDirectionNormal, digest)),
		NewCodec(NewTLSAuth(key, KeyDirectionInverse, digest))
}

func TestCodecRoundTrip(t *testing.T) {
	testCases := map[string]Packet{
		"hard reset": &ControlPacket{
			Op: OpControlHardResetClientV2, SessionID: 0xAABBCCDDEEFF0011,
		},
		"server reset with ack": &ControlPacket{
			Op: OpControlHardResetServerV2, SessionID: 1, Acks: []uint32{0},
			RemoteSessionID: 0xAABBCCDDEEFF0011,
		},
		"control with payload": &ControlPacket{
			Op: OpControlV1, Key: 3, SessionID: 42, Acks: []uint32{4, 5, 9},
			RemoteSessionID: 7, MessageID: 12, Payload: []byte("\x16\x03\x03\x00\x01x"),
		},
		"bare ack": &ControlPacket{
			Op: OpAckV1, Key: 1, SessionID: 99, Acks: []uint32{1}, RemoteSessionID: 5,
		},
		"data v1": &DataPacket{Op: OpDataV1, Key: 2, Counter: 1, Payload: []byte("sealed")},
		"data v2": &DataPacket{Op: OpDataV2, Key: 7, PeerID: 0xABCDEF, Counter: 0xFFFFFFFE, Payload: []byte{1}},
	}
	codec := NewCodec(nil)
	for name, p := range testCases {
		t.Run(name, func(t *testing.T) {
			p := p
			t.Parallel()

			b, err := codec.Encode(p)
			require.NoError(t, err)
			got, err := codec.Decode(b)
			require.NoError(t, err)
			assertPacketEqual(t, p, got)

			again, err := codec.Encode(got)
			require.NoError(t, err)
			assert.Equal(t, b, again)
		})
	}
}

func assertPacketEqual(t *testing.T, want, got Packet) {
	t.Helper()
	switch w := want.(type) {
	case *ControlPacket:
		g, ok := got.(*ControlPacket)
		require.True(t, ok, "got %T", got)
		assert.True(t, w.Equal(g), "want %+v, got %+v", w, g)
	case *DataPacket:
		g, ok := got.(*DataPacket)
		require.True(t, ok, "got %T", got)
		assert.True(t, w.Equal(g), "want %+v, got %+v", w, g)
	}
}

func TestCodecWireLayout(t *testing.T) {
	b, err := NewCodec(nil).Encode(&ControlPacket{
		Op: OpControlV1, Key: 1, SessionID: 0x0102030405060708,
		Acks: []uint32{0x0A0B0C0D}, RemoteSessionID: 0x1112131415161718,
		MessageID: 2, Payload: []byte{0xEE},
	})
	require.NoError(t, err)
	want := []byte{
		4<<3 | 1,
		1, 2, 3, 4, 5, 6, 7, 8,
		1,
		0x0A, 0x0B, 0x0C, 0x0D,
		0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18,
		0, 0, 0, 2,
		0xEE,
	}
	assert.Equal(t, want, b)

	b, err = NewCodec(nil).Encode(&DataPacket{Op: OpDataV2, Key: 0, PeerID: 0x010203, Counter: 1, Payload: []byte{9}})
	require.NoError(t, err)
	assert.Equal(t, []byte{9 << 3, 1, 2, 3, 0, 0, 0, 1, 9}, b)
}

func TestCodecTruncation(t *testing.T) {
	server, client := testAuthPair(t, DigestSHA256)
	packets := []Packet{
		&ControlPacket{Op: OpControlV1, SessionID: 1, Auth: &AuthBlock{PacketID: 1, Timestamp: 2},
			Acks: []uint32{1, 2}, RemoteSessionID: 3, MessageID: 4, Payload: []byte("abc")},
		&DataPacket{Op: OpDataV2, PeerID: 5, Counter: 6, Payload: []byte("abc")},
	}
	for _, p := range packets {
		b, err := client.Encode(p)
		require.NoError(t, err)
		_, err = server.Decode(b)
		require.NoError(t, err)
		// Every strict prefix that cuts into a fixed field must fail cleanly.
		minLen := 1 + peerIDLen + counterLen
		if _, ok := p.(*ControlPacket); ok {
			minLen = len(b) - len("abc")
		}
		for i := 0; i < minLen; i++ {
			_, err := server.Decode(b[:i])
			assert.Error(t, err, "prefix %d", i)
		}
	}
}

func TestCodecUnknownOpcode(t *testing.T) {
	for _, op := range []byte{0, 12, 31} {
		_, err := NewCodec(nil).Decode([]byte{op << 3, 0, 0, 0, 0, 0, 0, 0, 0, 0})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnknownOpcode))
		assert.True(t, errors.Is(err, ErrMalformed))
	}
}

func TestCodecTLSAuth(t *testing.T) {
	for _, digest := range []Digest{DigestSHA256, DigestSHA1} {
		t.Run(digest.String(), func(t *testing.T) {
			server, client := testAuthPair(t, digest)
			p := &ControlPacket{
				Op: OpControlV1, SessionID: 0x1234, Auth: &AuthBlock{PacketID: 9, Timestamp: 1700000000},
				Acks: []uint32{3}, RemoteSessionID: 0x5678, MessageID: 4, Payload: []byte("hello"),
			}
			b, err := client.Encode(p)
			require.NoError(t, err)
			assert.Len(t, b, 1+8+digest.Size()+8+1+4+8+4+5)

			got, err := server.Decode(b)
			require.NoError(t, err)
			assertPacketEqual(t, p, got)

			// The sender's own key half must not verify its packets.
			_, err = client.Decode(b)
			assert.True(t, errors.Is(err, ErrBadHMAC))

			tampered := append([]byte(nil), b...)
			tampered[len(tampered)-1] ^= 0x01
			_, err = server.Decode(tampered)
			assert.True(t, errors.Is(err, ErrBadHMAC))
			assert.False(t, errors.Is(err, ErrMalformed))
		})
	}
}

func TestCodecAuthBeforeParse(t *testing.T) {
	server, _ := testAuthPair(t, DigestSHA256)
	// Valid length for the auth block, claims 200 acks that are not there.
	b := make([]byte, 1+8+32+8+1)
	b[0] = byte(OpControlV1) << 3
	b[len(b)-1] = 200
	_, err := server.Decode(b)
	assert.True(t, errors.Is(err, ErrBadHMAC), "got %v", err)
}

func TestCodecEncodeRejects(t *testing.T) {
	auth, _ := testAuthPair(t, DigestSHA256)
	plain := NewCodec(nil)
	testCases := map[string]struct {
		codec *Codec
		p     Packet
	}{
		"key id":        {plain, &ControlPacket{Op: OpControlV1, Key: 8}},
		"data opcode":   {plain, &ControlPacket{Op: OpDataV1}},
		"ack payload":   {plain, &ControlPacket{Op: OpAckV1, Payload: []byte{1}}},
		"missing auth":  {auth, &ControlPacket{Op: OpControlV1}},
		"peer id":       {plain, &DataPacket{Op: OpDataV2, PeerID: 1 << 24}},
		"v1 peer id":    {plain, &DataPacket{Op: OpDataV1, PeerID: 1}},
		"too many acks": {plain, &ControlPacket{Op: OpControlV1, Acks: make([]uint32, 256)}},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := tc.codec.Encode(tc.p)
			assert.Error(t, err)
		})
	}
}

func TestPeekHeader(t *testing.T) {
	h, err := PeekHeader([]byte{9<<3 | 2, 0, 0, 7, 0, 0, 0, 1})
	require.NoError(t, err)
	assert.Equal(t, Header{Op: OpDataV2, Key: 2, PeerID: 7}, h)

	h, err = PeekHeader([]byte{7 << 3, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11})
	require.NoError(t, err)
	assert.Equal(t, OpControlHardResetClientV2, h.Op)
	assert.Equal(t, SessionID(0xAABBCCDDEEFF0011), h.SessionID)
	assert.Equal(t, NoPeerID, h.PeerID)

	_, err = PeekHeader([]byte{7 << 3, 1, 2})
	assert.True(t, errors.Is(err, ErrTruncated))
}

func TestKeyIDNext(t *testing.T) {
	seen := []KeyID{}
	k := KeyID(0)
	for i := 0; i < 8; i++ {
		k = k.Next()
		seen = append(seen, k)
	}
	assert.Equal(t, []KeyID{1, 2, 3, 4, 5, 6, 7, 1}, seen)
}

func TestParseStaticKey(t *testing.T) {
	k, err := ParseStaticKey([]byte(testStaticKeyText()))
	require.NoError(t, err)
	assert.Equal(t, byte(3), k[0])
	last := StaticKeySize - 1
	assert.Equal(t, byte(last*7+3), k[last])

	_, err = ParseStaticKey([]byte(staticKeyBegin + "\nabcd\n" + staticKeyEnd))
	assert.True(t, errors.Is(err, ErrStaticKeyFormat))
	_, err = ParseStaticKey([]byte("deadbeef"))
	assert.True(t, errors.Is(err, ErrStaticKeyFormat))
}
