package session

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apernet/corevpn/datachannel"
	"github.com/apernet/corevpn/reliable"
	"github.com/apernet/corevpn/wire"
)

const (
	testClientSID wire.SessionID = 0xAABBCCDDEEFF0011
	testServerSID wire.SessionID = 0x1122334455667788
	testPeerID    uint32         = 7
	testSuite                    = datachannel.SuiteAES256GCM
)

var (
	testPeer = netip.MustParseAddrPort("198.51.100.7:1194")
	testT0   = time.Unix(1700000000, 0)
)

func tlsRecord(body string) []byte {
	return append([]byte{0x16, 0x03, 0x03, byte(len(body) >> 8), byte(len(body))}, body...)
}

func appRecord(body []byte) []byte {
	return append([]byte{0x17, 0x03, 0x03, byte(len(body) >> 8), byte(len(body))}, body...)
}

func testSecret(key wire.KeyID) []byte {
	return bytes.Repeat([]byte{byte(key) + 1}, 32)
}

// fakeHandshaker answers the first record with a "server hello" and the
// second with a "server finished" plus keys derived from the key id.
// Application data records pass through unencrypted after that.
type fakeHandshaker struct {
	key    wire.KeyID
	fed    int
	closed bool
}

func (h *fakeHandshaker) Feed(rec []byte) (HandshakeResult, error) {
	h.fed++
	switch h.fed {
	case 1:
		return HandshakeResult{Out: tlsRecord("server hello")}, nil
	case 2:
		keys, err := datachannel.DeriveKeyMaterial(testSuite, testSecret(h.key), nil, true)
		if err != nil {
			return HandshakeResult{}, err
		}
		return HandshakeResult{Out: tlsRecord("server finished"), Keys: keys, Complete: true}, nil
	}
	if rec[0] == 0x17 {
		return HandshakeResult{Plaintext: rec[5:]}, nil
	}
	return HandshakeResult{}, errors.New("unexpected record")
}

func (h *fakeHandshaker) Write(plaintext []byte) ([]byte, error) {
	if h.fed < 2 {
		return nil, errors.New("handshake not complete")
	}
	return appRecord(plaintext), nil
}

func (h *fakeHandshaker) Close() error {
	h.closed = true
	return nil
}

type recordingLogger struct {
	opened  int
	active  []wire.KeyID
	rekeyed []wire.KeyID
	closed  []CloseReason
	stats   Stats
	errs    []ErrorKind
	trips   int
	users   []string
	control []ControlMessage
}

func (l *recordingLogger) SessionOpened(Info) { l.opened++ }

func (l *recordingLogger) SessionActive(_ Info, _ datachannel.Suite, key wire.KeyID) {
	l.active = append(l.active, key)
}

func (l *recordingLogger) SessionRekeyed(_ Info, key wire.KeyID) {
	l.rekeyed = append(l.rekeyed, key)
}

func (l *recordingLogger) SessionClosed(_ Info, reason CloseReason, stats Stats, _ error) {
	l.closed = append(l.closed, reason)
	l.stats = stats
}

func (l *recordingLogger) SessionError(_ Info, kind ErrorKind, _ error) {
	l.errs = append(l.errs, kind)
}

func (l *recordingLogger) SuspicionTripped(Info, int) { l.trips++ }

func (l *recordingLogger) SessionKeyExchanged(_ Info, _ wire.KeyID, username, _ string) {
	l.users = append(l.users, username)
}

func (l *recordingLogger) SessionControl(_ Info, _ wire.KeyID, msg ControlMessage) {
	l.control = append(l.control, msg)
}

// testClient plays the OpenVPN client side of the wire protocol.
type testClient struct {
	t        *testing.T
	codec    *wire.Codec
	sid      wire.SessionID
	server   wire.SessionID
	msgIDs   map[wire.KeyID]uint32
	packetID uint32
	slots    map[wire.KeyID]*datachannel.KeySlot
}

func (c *testClient) control(op wire.Opcode, key wire.KeyID, acks []uint32, payload []byte) []byte {
	c.t.Helper()
	p := &wire.ControlPacket{Op: op, Key: key, SessionID: c.sid, Acks: acks, Payload: payload}
	if len(acks) > 0 {
		p.RemoteSessionID = c.server
	}
	if op != wire.OpAckV1 {
		p.MessageID = c.msgIDs[key]
		c.msgIDs[key]++
	}
	if c.codec.Authenticated() {
		c.packetID++
		p.Auth = &wire.AuthBlock{PacketID: c.packetID, Timestamp: uint32(testT0.Unix())}
	}
	b, err := c.codec.Encode(p)
	require.NoError(c.t, err)
	return b
}

func (c *testClient) install(key wire.KeyID, now time.Time) {
	c.t.Helper()
	m, err := datachannel.DeriveKeyMaterial(testSuite, testSecret(key), nil, false)
	require.NoError(c.t, err)
	slot, err := datachannel.NewKeySlot(key, m, 0, now)
	require.NoError(c.t, err)
	c.slots[key] = slot
}

func (c *testClient) data(key wire.KeyID, plain string) []byte {
	c.t.Helper()
	slot := c.slots[key]
	require.NotNil(c.t, slot, "no client key %d", key)
	p := &wire.DataPacket{Op: wire.OpDataV2, Key: key, PeerID: testPeerID}
	counter, sealed, err := slot.Encrypt(p.Header(), []byte(plain))
	require.NoError(c.t, err)
	p.Counter, p.Payload = counter, sealed
	b, err := c.codec.Encode(p)
	require.NoError(c.t, err)
	return b
}

func (c *testClient) open(b []byte) (wire.KeyID, string) {
	c.t.Helper()
	pkt, err := c.codec.Decode(b)
	require.NoError(c.t, err)
	p, ok := pkt.(*wire.DataPacket)
	require.True(c.t, ok, "got %T", pkt)
	plain, err := c.slots[p.Key].Decrypt(p.Header(), p.Counter, p.Payload)
	require.NoError(c.t, err)
	return p.Key, string(plain)
}

func (c *testClient) parse(send [][]byte) []*wire.ControlPacket {
	c.t.Helper()
	var out []*wire.ControlPacket
	for _, b := range send {
		pkt, err := c.codec.Decode(b)
		require.NoError(c.t, err)
		p, ok := pkt.(*wire.ControlPacket)
		require.True(c.t, ok, "got %T", pkt)
		assert.Equal(c.t, testServerSID, p.SessionID)
		out = append(out, p)
	}
	return out
}

type harness struct {
	t           *testing.T
	s           *Session
	log         *recordingLogger
	client      *testClient
	teardowns   int
	handshakers []*fakeHandshaker
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	h := &harness{t: t, log: &recordingLogger{}}
	cfg := Config{
		Logger:         h.log,
		ConnID:         1,
		LocalSessionID: testServerSID,
		PeerID:         testPeerID,
		Handshakers: func(_ Info, key wire.KeyID) (Handshaker, error) {
			hs := &fakeHandshaker{key: key}
			h.handshakers = append(h.handshakers, hs)
			return hs, nil
		},
		OnTeardown: func(*Session) { h.teardowns++ },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, testPeer, testT0)
	require.NoError(t, err)
	h.s = s
	h.client = &testClient{
		t:      t,
		codec:  wire.NewCodec(nil),
		sid:    testClientSID,
		msgIDs: make(map[wire.KeyID]uint32),
		slots:  make(map[wire.KeyID]*datachannel.KeySlot),
	}
	return h
}

func (h *harness) in(raw []byte, now time.Time) Outcome {
	return h.s.HandleInbound(raw, testPeer, now)
}

func (h *harness) controls(out Outcome) []*wire.ControlPacket {
	h.t.Helper()
	require.Equal(h.t, OutcomeControl, out.Kind, "err: %v", out.Err)
	return h.client.parse(out.Send)
}

// connect runs the hard reset exchange and the initial negotiation.
func (h *harness) connect(now time.Time) {
	t := h.t
	t.Helper()
	pkts := h.controls(h.in(h.client.control(wire.OpControlHardResetClientV2, 0, nil, nil), now))
	require.Len(t, pkts, 1)
	assert.Equal(t, wire.OpControlHardResetServerV2, pkts[0].Op)
	assert.Equal(t, []uint32{0}, pkts[0].Acks)
	assert.Equal(t, testClientSID, pkts[0].RemoteSessionID)
	h.client.server = pkts[0].SessionID
	assert.Equal(t, StateHandshakeInProgress, h.s.State())

	h.negotiate(0, now)
	assert.Equal(t, StateActive, h.s.State())
}

// negotiate runs the two-record fake TLS exchange for key, after resets.
func (h *harness) negotiate(key wire.KeyID, now time.Time) {
	t := h.t
	t.Helper()
	pkts := h.controls(h.in(h.client.control(wire.OpControlV1, key, []uint32{0}, tlsRecord("client hello")), now))
	require.Len(t, pkts, 1)
	assert.Equal(t, wire.OpControlV1, pkts[0].Op)
	assert.Equal(t, key, pkts[0].Key)
	assert.Equal(t, uint32(1), pkts[0].MessageID)
	assert.Equal(t, []uint32{1}, pkts[0].Acks)
	assert.Equal(t, tlsRecord("server hello"), pkts[0].Payload)

	pkts = h.controls(h.in(h.client.control(wire.OpControlV1, key, []uint32{1}, tlsRecord("client finished")), now))
	require.Len(t, pkts, 1)
	assert.Equal(t, uint32(2), pkts[0].MessageID)
	assert.Equal(t, []uint32{2}, pkts[0].Acks)
	assert.Equal(t, tlsRecord("server finished"), pkts[0].Payload)

	out := h.in(h.client.control(wire.OpAckV1, key, []uint32{2}, nil), now)
	assert.Equal(t, OutcomeNone, out.Kind, "err: %v", out.Err)
	h.client.install(key, now)
}

func TestSessionHandshakeAndData(t *testing.T) {
	h := newHarness(t, nil)
	now := testT0
	h.connect(now)
	assert.Equal(t, testServerSID, h.s.LocalID())
	assert.Equal(t, testClientSID, h.s.RemoteID())
	assert.Equal(t, 1, h.log.opened)
	assert.Equal(t, []wire.KeyID{0}, h.log.active)

	ping := h.client.data(0, "ping")
	out := h.in(ping, now)
	require.Equal(t, OutcomeData, out.Kind, "err: %v", out.Err)
	assert.Equal(t, []byte("ping"), out.Data)

	out = h.in(ping, now)
	assert.Equal(t, OutcomeError, out.Kind)
	assert.Equal(t, KindReplay, KindOf(out.Err))

	sealed, err := h.s.Encrypt([]byte("pong"), now)
	require.NoError(t, err)
	assert.Equal(t, byte(wire.OpDataV2)<<3, sealed[0])
	key, plain := h.client.open(sealed)
	assert.Equal(t, wire.KeyID(0), key)
	assert.Equal(t, "pong", plain)

	st := h.s.Stats()
	assert.Equal(t, uint64(1), st.PacketsIn)
	assert.Equal(t, uint64(1), st.PacketsOut)
	assert.Equal(t, uint64(4), st.BytesIn)
}

func TestSessionRekeyOverlap(t *testing.T) {
	h := newHarness(t, nil)
	now := testT0
	h.connect(now)

	now = now.Add(time.Minute)
	pkts := h.controls(h.in(h.client.control(wire.OpControlSoftResetV1, 1, nil, nil), now))
	require.Len(t, pkts, 1)
	assert.Equal(t, wire.OpControlSoftResetV1, pkts[0].Op)
	assert.Equal(t, wire.KeyID(1), pkts[0].Key)
	assert.Equal(t, []uint32{0}, pkts[0].Acks)
	assert.Equal(t, StateRekeying, h.s.State())

	out := h.in(h.client.data(0, "during"), now)
	require.Equal(t, OutcomeData, out.Kind, "err: %v", out.Err)

	h.negotiate(1, now)
	assert.Equal(t, StateActive, h.s.State())
	assert.Equal(t, []wire.KeyID{1}, h.log.rekeyed)

	// Both generations decrypt during the transition window.
	out = h.in(h.client.data(0, "old"), now)
	require.Equal(t, OutcomeData, out.Kind, "err: %v", out.Err)
	assert.Equal(t, []byte("old"), out.Data)
	out = h.in(h.client.data(1, "new"), now)
	require.Equal(t, OutcomeData, out.Kind, "err: %v", out.Err)
	assert.Equal(t, []byte("new"), out.Data)

	sealed, err := h.s.Encrypt([]byte("out"), now)
	require.NoError(t, err)
	key, plain := h.client.open(sealed)
	assert.Equal(t, wire.KeyID(1), key)
	assert.Equal(t, "out", plain)

	now = now.Add(DefaultTransitionWindow)
	h.s.Tick(now)
	assert.True(t, h.handshakers[0].closed)
	out = h.in(h.client.data(0, "late"), now)
	assert.Equal(t, OutcomeError, out.Kind)
	assert.Equal(t, KindProtocolViolation, KindOf(out.Err))

	out = h.in(h.client.data(1, "still"), now)
	assert.Equal(t, OutcomeData, out.Kind, "err: %v", out.Err)
	assert.Equal(t, uint64(4), h.s.Stats().PacketsIn)
}

func TestSessionServerInitiatedRekey(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RenegPackets = 2 })
	now := testT0
	h.connect(now)

	h.in(h.client.data(0, "a"), now)
	out := h.s.Tick(now)
	assert.Equal(t, OutcomeNone, out.Kind)
	_, err := h.s.Encrypt([]byte("b"), now)
	require.NoError(t, err)

	pkts := h.controls(h.s.Tick(now))
	require.Len(t, pkts, 1)
	assert.Equal(t, wire.OpControlSoftResetV1, pkts[0].Op)
	assert.Equal(t, wire.KeyID(1), pkts[0].Key)
	assert.Equal(t, StateRekeying, h.s.State())

	pkts = h.controls(h.in(h.client.control(wire.OpControlSoftResetV1, 1, []uint32{0}, nil), now))
	require.Len(t, pkts, 1)
	assert.True(t, pkts[0].AckOnly())
	assert.Equal(t, []uint32{0}, pkts[0].Acks)

	h.negotiate(1, now)
	assert.Equal(t, StateActive, h.s.State())
	assert.Equal(t, 1, h.s.Stats().Rekeys)
}

func TestSessionCounterLimits(t *testing.T) {
	t.Run("rekey before exhaustion", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.RekeyCounter = 2 })
		now := testT0
		h.connect(now)

		_, err := h.s.Encrypt([]byte("a"), now)
		require.NoError(t, err)
		assert.Equal(t, OutcomeNone, h.s.Tick(now).Kind)
		_, err = h.s.Encrypt([]byte("b"), now)
		require.NoError(t, err)

		pkts := h.controls(h.s.Tick(now))
		require.Len(t, pkts, 1)
		assert.Equal(t, wire.OpControlSoftResetV1, pkts[0].Op)
		assert.Equal(t, wire.KeyID(1), pkts[0].Key)
		assert.Equal(t, StateRekeying, h.s.State())
	})
	t.Run("exhausted counter is fatal", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.CounterLimit = 2 })
		h.connect(testT0)
		for i := 0; i < 2; i++ {
			_, err := h.s.Encrypt([]byte("x"), testT0)
			require.NoError(t, err)
		}
		_, err := h.s.Encrypt([]byte("x"), testT0)
		assert.Equal(t, KindFatal, KindOf(err))
		assert.ErrorIs(t, err, datachannel.ErrCounterExhausted)
	})
}

func TestSessionRetransmitUntilUnreachable(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Reliable = reliable.Config{MaxRetries: 2, InitialRTO: time.Second, MinRTO: time.Second}
	})
	h.controls(h.in(h.client.control(wire.OpControlHardResetClientV2, 0, nil, nil), testT0))

	retransmits := 0
	var out Outcome
	for i := 1; i <= 30 && h.s.State() != StateClosed; i++ {
		out = h.s.Tick(testT0.Add(time.Duration(i) * time.Second))
		if out.Kind == OutcomeControl {
			retransmits += len(out.Send)
		}
	}
	assert.Equal(t, 2, retransmits)
	assert.Equal(t, OutcomeClosed, out.Kind)
	assert.True(t, errors.Is(out.Err, reliable.ErrRetriesExhausted))
	assert.Equal(t, StateClosed, h.s.State())
	assert.Equal(t, []CloseReason{CloseUnreachable}, h.log.closed)
	assert.Equal(t, 1, h.teardowns)
}

func TestSessionTimeouts(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		h := newHarness(t, nil)
		h.connect(testT0)
		assert.Equal(t, OutcomeNone, h.s.Tick(testT0.Add(DefaultIdleTimeout-time.Second)).Kind)
		out := h.s.Tick(testT0.Add(DefaultIdleTimeout))
		assert.Equal(t, OutcomeClosed, out.Kind)
		assert.Equal(t, []CloseReason{CloseIdle}, h.log.closed)
	})
	t.Run("handshake", func(t *testing.T) {
		h := newHarness(t, func(c *Config) {
			c.Reliable = reliable.Config{InitialRTO: time.Hour, MinRTO: time.Hour, MaxRTO: time.Hour}
		})
		h.controls(h.in(h.client.control(wire.OpControlHardResetClientV2, 0, nil, nil), testT0))
		out := h.s.Tick(testT0.Add(DefaultHandWindow))
		assert.Equal(t, OutcomeClosed, out.Kind)
		assert.Equal(t, []CloseReason{CloseHandshakeTimeout}, h.log.closed)
	})
}

func TestSessionProtocolViolations(t *testing.T) {
	t.Run("data before active", func(t *testing.T) {
		h := newHarness(t, nil)
		h.controls(h.in(h.client.control(wire.OpControlHardResetClientV2, 0, nil, nil), testT0))
		h.client.install(0, testT0)
		out := h.in(h.client.data(0, "early"), testT0)
		assert.Equal(t, OutcomeError, out.Kind)
		assert.Equal(t, KindProtocolViolation, KindOf(out.Err))
	})
	t.Run("first packet not a reset", func(t *testing.T) {
		h := newHarness(t, nil)
		out := h.in(h.client.control(wire.OpControlV1, 0, nil, tlsRecord("x")), testT0)
		assert.Equal(t, KindProtocolViolation, KindOf(out.Err))
		assert.Equal(t, StateAwaitingHardReset, h.s.State())
	})
	t.Run("repeated violations close", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.MaxProtocolViolations = 3 })
		h.connect(testT0)
		h.client.sid = 0xDEAD
		var out Outcome
		for i := 0; i < 3; i++ {
			out = h.in(h.client.control(wire.OpControlV1, 0, nil, nil), testT0)
		}
		assert.Equal(t, OutcomeClosed, out.Kind)
		assert.Equal(t, KindProtocolViolation, KindOf(out.Err))
		assert.Equal(t, []CloseReason{CloseProtocolViolation}, h.log.closed)
	})
}

func TestSessionSuspicion(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.SuspicionThreshold = 2 })
	h.connect(testT0)
	for i := 0; i < 2; i++ {
		b := h.client.data(0, "tampered")
		b[len(b)-1] ^= 0xFF
		out := h.in(b, testT0)
		assert.Equal(t, KindUnauthenticated, KindOf(out.Err))
	}
	assert.Equal(t, 1, h.log.trips)
	assert.Equal(t, StateActive, h.s.State())
	out := h.in(h.client.data(0, "fine"), testT0)
	assert.Equal(t, OutcomeData, out.Kind)
}

func TestSessionTLSAuth(t *testing.T) {
	var key wire.StaticKey
	for i := range key {
		key[i] = byte(i)
	}
	h := newHarness(t, func(c *Config) {
		c.Codec = wire.NewCodec(wire.NewTLSAuth(&key, wire.KeyDirectionNormal, wire.DigestSHA256))
	})
	h.client.codec = wire.NewCodec(wire.NewTLSAuth(&key, wire.KeyDirectionBidirectional, wire.DigestSHA256))
	out := h.in(h.client.control(wire.OpControlHardResetClientV2, 0, nil, nil), testT0)
	assert.Equal(t, KindUnauthenticated, KindOf(out.Err))

	h.client.codec = wire.NewCodec(wire.NewTLSAuth(&key, wire.KeyDirectionInverse, wire.DigestSHA256))
	h.client.msgIDs[0] = 0
	reset := h.client.control(wire.OpControlHardResetClientV2, 0, nil, nil)
	pkts := h.controls(h.in(reset, testT0))
	require.Len(t, pkts, 1)
	require.NotNil(t, pkts[0].Auth)
	assert.Equal(t, uint32(1), pkts[0].Auth.PacketID)

	out = h.in(reset, testT0)
	assert.Equal(t, KindReplay, KindOf(out.Err))
}

func TestSessionFragmentsHandshakeOutput(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxControlPayload = 4 })
	pkts := h.controls(h.in(h.client.control(wire.OpControlHardResetClientV2, 0, nil, nil), testT0))
	h.client.server = pkts[0].SessionID

	pkts = h.controls(h.in(h.client.control(wire.OpControlV1, 0, []uint32{0}, tlsRecord("client hello")), testT0))
	var stream []byte
	for i, p := range pkts {
		assert.Equal(t, uint32(i+1), p.MessageID)
		assert.LessOrEqual(t, len(p.Payload), 4)
		stream = append(stream, p.Payload...)
	}
	assert.Len(t, pkts, 5)
	assert.Equal(t, []uint32{1}, pkts[0].Acks)
	assert.Equal(t, tlsRecord("server hello"), stream)
}

func TestSessionCloseAndRoaming(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(testT0)

	moved := netip.MustParseAddrPort("203.0.113.9:40000")
	out := h.s.HandleInbound(h.client.data(0, "roam"), moved, testT0)
	require.Equal(t, OutcomeData, out.Kind)
	assert.Equal(t, moved, h.s.Peer())

	out = h.s.Close(CloseRequested, testT0)
	assert.Equal(t, OutcomeClosed, out.Kind)
	assert.Equal(t, StateClosed, h.s.State())
	assert.Equal(t, 1, h.teardowns)
	assert.Equal(t, uint64(1), h.log.stats.PacketsIn)

	h.s.Close(CloseRequested, testT0)
	assert.Equal(t, 1, h.teardowns)
	assert.Len(t, h.log.closed, 1)

	_, err := h.s.Encrypt([]byte("x"), testT0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.in(h.client.data(0, "x"), testT0).Err, ErrClosed)
}

func TestSessionEncryptBeforeActive(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.s.Encrypt([]byte("x"), testT0)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestClassify(t *testing.T) {
	testCases := map[string]struct {
		err  error
		want ErrorKind
	}{
		"bad hmac":    {wire.ErrBadHMAC, KindUnauthenticated},
		"aead":        {datachannel.ErrAuthFailed, KindUnauthenticated},
		"truncated":   {wire.ErrMalformed, KindMalformed},
		"replay":      {datachannel.ErrReplay, KindReplay},
		"compressed":  {datachannel.ErrCompressed, KindProtocolViolation},
		"overflow":    {reliable.ErrWindowOverflow, KindResourceExhaustion},
		"exhausted":   {datachannel.ErrCounterExhausted, KindFatal},
		"already set": {violation("x"), KindProtocolViolation},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			err := classify(tc.err)
			assert.Equal(t, tc.want, KindOf(err))
			assert.ErrorIs(t, err, tc.err)
		})
	}
	assert.Equal(t, KindNone, KindOf(nil))
}
