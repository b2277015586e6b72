package session

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/apernet/corevpn/datachannel"
	"github.com/apernet/corevpn/reliable"
	"github.com/apernet/corevpn/wire"
)

// Session is the server side of one client connection. It is not safe for
// concurrent use; a single worker goroutine owns it.
type Session struct {
	cfg   Config
	state State
	info  Info

	// At most two keys decrypt at once: primary plus either next (during
	// renegotiation) or lame (during the transition window).
	primary *keyState
	next    *keyState
	lame    *keyState

	authReplay   *datachannel.ReplayWindow
	authPacketID uint32

	createdAt    time.Time
	lastActivity time.Time

	suspicion  int
	violations int
	rekeys     int
	retired    datachannel.Stats
}

// New creates a session in StateAwaitingHardReset for a datagram from peer.
func New(cfg Config, peer netip.AddrPort, now time.Time) (*Session, error) {
	cfg.fillDefaults()
	if cfg.Handshakers == nil {
		return nil, errors.New("session: no handshaker factory")
	}
	local := cfg.LocalSessionID
	for local == 0 {
		var b [8]byte
		if _, err := rand.Read(b[:]); err != nil {
			return nil, fmt.Errorf("session: random session id: %w", err)
		}
		local = wire.SessionID(binary.BigEndian.Uint64(b[:]))
	}
	return &Session{
		cfg:   cfg,
		state: StateAwaitingHardReset,
		info: Info{
			ConnID:  cfg.ConnID,
			LocalID: local,
			PeerID:  cfg.PeerID,
			Peer:    peer,
		},
		authReplay:   datachannel.NewReplayWindow(cfg.ReplayWindow),
		createdAt:    now,
		lastActivity: now,
	}, nil
}

func (s *Session) State() State             { return s.state }
func (s *Session) Info() Info               { return s.info }
func (s *Session) LocalID() wire.SessionID  { return s.info.LocalID }
func (s *Session) RemoteID() wire.SessionID { return s.info.RemoteID }
func (s *Session) PeerID() uint32           { return s.info.PeerID }
func (s *Session) Peer() netip.AddrPort     { return s.info.Peer }

// LastActivity is the time of the last authenticated inbound packet.
func (s *Session) LastActivity() time.Time {
	return s.lastActivity
}

// Stats sums the traffic of every key this session has used.
func (s *Session) Stats() Stats {
	st := Stats{
		BytesIn:    s.retired.BytesIn,
		BytesOut:   s.retired.BytesOut,
		PacketsIn:  s.retired.PacketsIn,
		PacketsOut: s.retired.PacketsOut,
		Rekeys:     s.rekeys,
		Duration:   s.lastActivity.Sub(s.createdAt),
	}
	for _, ks := range s.keyStates() {
		if ks.slot == nil {
			continue
		}
		ss := ks.slot.Stats()
		st.BytesIn += ss.BytesIn
		st.BytesOut += ss.BytesOut
		st.PacketsIn += ss.PacketsIn
		st.PacketsOut += ss.PacketsOut
	}
	return st
}

func (s *Session) keyStates() []*keyState {
	var out []*keyState
	for _, ks := range []*keyState{s.next, s.primary, s.lame} {
		if ks != nil {
			out = append(out, ks)
		}
	}
	return out
}

func (s *Session) keyState(id wire.KeyID) *keyState {
	for _, ks := range s.keyStates() {
		if ks.id == id {
			return ks
		}
	}
	return nil
}

// HandleInbound processes one datagram received from peer.
func (s *Session) HandleInbound(raw []byte, peer netip.AddrPort, now time.Time) Outcome {
	if s.state >= StateClosing {
		return Outcome{Kind: OutcomeError, Err: ErrClosed}
	}
	pkt, err := s.cfg.Codec.Decode(raw)
	if err != nil {
		return s.drop(classify(err), now)
	}
	switch p := pkt.(type) {
	case *wire.ControlPacket:
		return s.handleControl(p, peer, now)
	case *wire.DataPacket:
		return s.handleData(p, peer, now)
	default:
		return s.drop(fmt.Errorf("%w: unexpected packet %T", ErrMalformed, pkt), now)
	}
}

// drop reports a rejected packet and applies the suspicion and violation
// policies. Fatal and exhaustion errors close the session.
func (s *Session) drop(err error, now time.Time) Outcome {
	kind := KindOf(err)
	s.cfg.Logger.SessionError(s.info, kind, err)
	switch kind {
	case KindUnauthenticated, KindReplay, KindProtocolViolation:
		s.suspicion++
		if s.suspicion >= s.cfg.SuspicionThreshold {
			s.cfg.Logger.SuspicionTripped(s.info, s.suspicion)
			s.suspicion = 0
		}
	case KindResourceExhaustion, KindFatal:
		if s.state == StateAwaitingHardReset {
			break
		}
		return s.closeWith(CloseFatal, err, now)
	}
	if kind == KindProtocolViolation && s.state != StateAwaitingHardReset {
		s.violations++
		if s.violations >= s.cfg.MaxProtocolViolations {
			return s.closeWith(CloseProtocolViolation, err, now)
		}
	}
	return Outcome{Kind: OutcomeError, Err: err}
}

func (s *Session) handleControl(p *wire.ControlPacket, peer netip.AddrPort, now time.Time) Outcome {
	if p.Auth != nil {
		if err := s.authReplay.Check(uint64(p.Auth.PacketID)); err != nil {
			return s.drop(classify(err), now)
		}
	}
	if s.state == StateAwaitingHardReset {
		return s.handleHardReset(p, peer, now)
	}
	if p.SessionID != s.info.RemoteID {
		return s.drop(violation("session id %s, want %s", p.SessionID, s.info.RemoteID), now)
	}
	if len(p.Acks) > 0 && p.RemoteSessionID != s.info.LocalID {
		return s.drop(violation("acked session id %s, want %s", p.RemoteSessionID, s.info.LocalID), now)
	}
	switch {
	case p.Op == wire.OpControlWkcV1, p.Op == wire.OpControlHardResetServerV1, p.Op == wire.OpControlHardResetServerV2:
		return s.drop(violation("unexpected %s from client", p.Op), now)
	case p.Op.IsClientHardReset() && p.Key != 0:
		return s.drop(violation("%s for key %d", p.Op, p.Key), now)
	}
	if p.Auth != nil {
		s.authReplay.Commit(uint64(p.Auth.PacketID))
	}

	ks := s.keyState(p.Key)
	if ks == nil {
		if p.Op != wire.OpControlSoftResetV1 {
			return s.drop(violation("%s for unknown key id %d", p.Op, p.Key), now)
		}
		var err error
		if ks, err = s.beginRenegotiation(p.Key, now); err != nil {
			return s.drop(err, now)
		}
	}
	s.lastActivity = now

	ks.transport.Acknowledge(p.Acks, now)
	if !p.AckOnly() {
		payload := p.Payload
		if p.Op.IsReset() {
			payload = nil
		}
		if _, err := ks.transport.Receive(p.MessageID, payload); err != nil {
			return s.drop(classify(err), now)
		}
		if err := s.pumpHandshake(ks, now); err != nil {
			if errors.Is(err, errPeerExit) {
				return s.closeWith(CloseRequested, nil, now)
			}
			return s.drop(err, now)
		}
	}
	s.maybePromote(now)
	return s.flush(now)
}

func (s *Session) handleHardReset(p *wire.ControlPacket, peer netip.AddrPort, now time.Time) Outcome {
	switch {
	case !p.Op.IsClientHardReset():
		return s.drop(violation("%s before client hard reset", p.Op), now)
	case p.Op == wire.OpControlHardResetClientV1:
		return s.drop(violation("key method 1 is not supported"), now)
	case p.Key != 0 || p.MessageID != 0 || len(p.Acks) > 0:
		return s.drop(violation("malformed initial hard reset"), now)
	}
	if p.Auth != nil {
		s.authReplay.Commit(uint64(p.Auth.PacketID))
	}
	s.info.RemoteID = p.SessionID
	s.info.Peer = peer

	ks, err := s.newKeyState(0, now)
	if err != nil {
		return s.drop(err, now)
	}
	if _, err := ks.transport.Receive(p.MessageID, nil); err != nil {
		return s.drop(classify(err), now)
	}
	if _, err := ks.transport.Send(wire.OpControlHardResetServerV2, nil); err != nil {
		return s.drop(classify(err), now)
	}
	s.primary = ks
	s.state = StateHandshakeInProgress
	s.lastActivity = now
	s.cfg.Logger.SessionOpened(s.info)
	return s.flush(now)
}

func (s *Session) newKeyState(id wire.KeyID, now time.Time) (*keyState, error) {
	hs, err := s.cfg.Handshakers(s.info, id)
	if err != nil {
		return nil, fmt.Errorf("%w: start handshake: %w", ErrFatal, err)
	}
	return &keyState{
		id:        id,
		transport: reliable.New(s.cfg.Reliable),
		hs:        hs,
		startedAt: now,
	}, nil
}

// beginRenegotiation starts a new key negotiation with id. Both sides send a
// soft reset; the peer's, if it started, has already been received.
func (s *Session) beginRenegotiation(id wire.KeyID, now time.Time) (*keyState, error) {
	if s.state != StateActive {
		return nil, violation("renegotiation in state %s", s.state)
	}
	if id == 0 || id == s.primary.id {
		return nil, violation("renegotiation reuses key id %d", id)
	}
	if s.lame != nil {
		s.retireKey(s.lame)
		s.lame = nil
	}
	ks, err := s.newKeyState(id, now)
	if err != nil {
		return nil, err
	}
	if _, err := ks.transport.Send(wire.OpControlSoftResetV1, nil); err != nil {
		return nil, classify(err)
	}
	s.next = ks
	s.state = StateRekeying
	return ks, nil
}

// pumpHandshake feeds every complete record to the key's handshake and
// queues its output. Once the handshake completed, records carry the
// control channel messages of the key.
func (s *Session) pumpHandshake(ks *keyState, now time.Time) error {
	for rec := range ks.transport.Records() {
		res, err := ks.hs.Feed(rec)
		if err != nil {
			return fmt.Errorf("%w: handshake key %d: %w", ErrFatal, ks.id, err)
		}
		if err := s.sendRecords(ks, res.Out); err != nil {
			return err
		}
		if len(res.Plaintext) > 0 {
			if err := s.readControl(ks, res.Plaintext, now); err != nil {
				return err
			}
		}
		if !res.Complete {
			continue
		}
		if res.Keys == nil {
			return fmt.Errorf("%w: handshake key %d completed without keys", ErrFatal, ks.id)
		}
		slot, err := datachannel.NewKeySlot(ks.id, res.Keys, s.cfg.ReplayWindow, now)
		res.Keys.Zeroize()
		if err != nil {
			return fmt.Errorf("%w: install key %d: %w", ErrFatal, ks.id, err)
		}
		slot.Limit(s.cfg.RekeyCounter, s.cfg.CounterLimit)
		ks.slot = slot
		if s.state == StateHandshakeInProgress {
			s.state = StateActive
			s.cfg.Logger.SessionActive(s.info, slot.Suite(), ks.id)
		}
	}
	if err := ks.transport.Err(); err != nil {
		return classify(err)
	}
	return nil
}

// sendRecords queues TLS output on the key's reliable transport, split to
// fit control packets.
func (s *Session) sendRecords(ks *keyState, out []byte) error {
	for len(out) > 0 {
		n := min(len(out), s.cfg.MaxControlPayload)
		if _, err := ks.transport.Send(wire.OpControlV1, out[:n]); err != nil {
			return classify(err)
		}
		out = out[n:]
	}
	return nil
}

// maybePromote makes a finished renegotiation primary once the peer has
// acknowledged everything sent for it. The old key decrypts until the
// transition window ends.
func (s *Session) maybePromote(now time.Time) {
	if s.state != StateRekeying || s.next == nil || !s.next.installed() || !s.next.transport.Idle() {
		return
	}
	old := s.primary
	old.retireAt = now.Add(s.cfg.TransitionWindow)
	s.primary, s.next, s.lame = s.next, nil, old
	s.state = StateActive
	s.rekeys++
	s.cfg.Logger.SessionRekeyed(s.info, s.primary.id)
}

func (s *Session) retireKey(ks *keyState) {
	st := ks.retire()
	s.retired.BytesIn += st.BytesIn
	s.retired.BytesOut += st.BytesOut
	s.retired.PacketsIn += st.PacketsIn
	s.retired.PacketsOut += st.PacketsOut
}

func (s *Session) handleData(p *wire.DataPacket, peer netip.AddrPort, now time.Time) Outcome {
	if s.state != StateActive && s.state != StateRekeying {
		return s.drop(violation("data packet in state %s", s.state), now)
	}
	if p.Op == wire.OpDataV2 && p.PeerID != s.info.PeerID {
		return s.drop(violation("peer id %d, want %d", p.PeerID, s.info.PeerID), now)
	}
	ks := s.keyState(p.Key)
	if ks == nil || !ks.installed() {
		return s.drop(violation("data for unknown or retired key id %d", p.Key), now)
	}
	plain, err := ks.slot.Decrypt(p.Header(), p.Counter, p.Payload)
	if err != nil {
		return s.drop(classify(err), now)
	}
	if s.cfg.Compression {
		if plain, err = datachannel.StripCompression(plain); err != nil {
			return s.drop(classify(err), now)
		}
	}
	s.lastActivity = now
	if peer.IsValid() && peer != s.info.Peer {
		s.info.Peer = peer
	}
	return Outcome{Kind: OutcomeData, Data: plain}
}

// Encrypt seals one tunnel payload with the primary key. An error of kind
// KindFatal means the key is exhausted and the caller should Close.
func (s *Session) Encrypt(payload []byte, now time.Time) ([]byte, error) {
	if s.state >= StateClosing {
		return nil, ErrClosed
	}
	if s.primary == nil || !s.primary.installed() {
		return nil, ErrNotActive
	}
	if s.cfg.Compression {
		payload = datachannel.AddCompressionHeader(payload)
	}
	pkt := &wire.DataPacket{Op: wire.OpDataV1, Key: s.primary.id}
	if s.info.PeerID != wire.NoPeerID {
		pkt.Op, pkt.PeerID = wire.OpDataV2, s.info.PeerID
	}
	counter, sealed, err := s.primary.slot.Encrypt(pkt.Header(), payload)
	if err != nil {
		return nil, classify(err)
	}
	pkt.Counter, pkt.Payload = counter, sealed
	return s.cfg.Codec.Encode(pkt)
}

// Tick runs timers: timeouts, key retirement, renegotiation triggers and
// retransmission.
func (s *Session) Tick(now time.Time) Outcome {
	switch s.state {
	case StateAwaitingHardReset, StateClosing, StateClosed:
		return Outcome{}
	}
	if now.Sub(s.lastActivity) >= s.cfg.IdleTimeout {
		return s.closeWith(CloseIdle, nil, now)
	}
	if s.state == StateHandshakeInProgress && now.Sub(s.primary.startedAt) >= s.cfg.HandWindow {
		return s.closeWith(CloseHandshakeTimeout, errors.New("initial handshake did not complete"), now)
	}
	if s.state == StateRekeying && !s.next.installed() && now.Sub(s.next.startedAt) >= s.cfg.HandWindow {
		return s.closeWith(CloseHandshakeTimeout, fmt.Errorf("renegotiation of key %d did not complete", s.next.id), now)
	}
	if s.lame != nil && !now.Before(s.lame.retireAt) {
		s.retireKey(s.lame)
		s.lame = nil
	}
	if s.state == StateActive && s.renegotiationDue(now) {
		if _, err := s.beginRenegotiation(s.primary.id.Next(), now); err != nil {
			return s.drop(err, now)
		}
	}
	return s.flush(now)
}

func (s *Session) renegotiationDue(now time.Time) bool {
	slot := s.primary.slot
	if s.cfg.RenegInterval > 0 && now.Sub(slot.InstalledAt()) >= s.cfg.RenegInterval {
		return true
	}
	st := slot.Stats()
	if s.cfg.RenegBytes > 0 && st.BytesIn+st.BytesOut >= s.cfg.RenegBytes {
		return true
	}
	if s.cfg.RenegPackets > 0 && st.PacketsIn+st.PacketsOut >= s.cfg.RenegPackets {
		return true
	}
	return slot.NearExhaustion()
}

// flush collects every control packet due now, with pending acks piggybacked
// where possible and sent on their own otherwise.
func (s *Session) flush(now time.Time) Outcome {
	var send [][]byte
	for _, ks := range s.keyStates() {
		out, err := ks.transport.Tick(now)
		if err != nil {
			return s.closeWith(CloseUnreachable, err, now)
		}
		for _, o := range out {
			b, err := s.encodeControl(ks, o.Op, o.MessageID, o.Payload, now)
			if err != nil {
				return s.closeWith(CloseFatal, err, now)
			}
			send = append(send, b)
		}
		acks, err := s.encodeAcks(ks, now)
		if err != nil {
			return s.closeWith(CloseFatal, err, now)
		}
		send = append(send, acks...)
	}
	if len(send) == 0 {
		return Outcome{}
	}
	return Outcome{Kind: OutcomeControl, Send: send}
}

func (s *Session) encodeControl(ks *keyState, op wire.Opcode, id uint32, payload []byte, now time.Time) ([]byte, error) {
	p := &wire.ControlPacket{
		Op:        op,
		Key:       ks.id,
		SessionID: s.info.LocalID,
		Acks:      ks.transport.TakeAcks(maxAcksPerPacket),
		MessageID: id,
		Payload:   payload,
	}
	if len(p.Acks) > 0 {
		p.RemoteSessionID = s.info.RemoteID
	}
	if s.cfg.Codec.Authenticated() {
		s.authPacketID++
		p.Auth = &wire.AuthBlock{PacketID: s.authPacketID, Timestamp: uint32(now.Unix())}
	}
	return s.cfg.Codec.Encode(p)
}

func (s *Session) encodeAcks(ks *keyState, now time.Time) ([][]byte, error) {
	var out [][]byte
	for ks.transport.PendingAcks() > 0 {
		b, err := s.encodeControl(ks, wire.OpAckV1, 0, nil, now)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Close tears the session down: pending acks go out, the owner is notified,
// and all key material is wiped. Closing twice is a no-op.
func (s *Session) Close(reason CloseReason, now time.Time) Outcome {
	return s.closeWith(reason, nil, now)
}

func (s *Session) closeWith(reason CloseReason, cause error, now time.Time) Outcome {
	if s.state >= StateClosing {
		return Outcome{Kind: OutcomeClosed}
	}
	opened := s.state != StateAwaitingHardReset
	s.state = StateClosing

	var send [][]byte
	if opened {
		for _, ks := range s.keyStates() {
			if acks, err := s.encodeAcks(ks, now); err == nil {
				send = append(send, acks...)
			}
		}
	}
	if s.cfg.OnTeardown != nil {
		s.cfg.OnTeardown(s)
	}
	stats := s.Stats()
	for _, ks := range s.keyStates() {
		s.retireKey(ks)
	}
	s.primary, s.next, s.lame = nil, nil, nil
	s.state = StateClosed
	if opened {
		s.cfg.Logger.SessionClosed(s.info, reason, stats, cause)
	}
	return Outcome{Kind: OutcomeClosed, Send: send, Err: cause}
}
