package session

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/apernet/corevpn/wire"
)

// maxControlBuffer bounds control channel data waiting for a terminator.
const maxControlBuffer = 16 << 10

// readControl consumes control channel data of ks: the client's key method
// message first, NUL-terminated text messages after it.
func (s *Session) readControl(ks *keyState, data []byte, now time.Time) error {
	ks.plain = append(ks.plain, data...)
	if len(ks.plain) > maxControlBuffer {
		return fmt.Errorf("%w: %d bytes of unterminated control data", ErrResourceExhaustion, len(ks.plain))
	}
	if !ks.exchanged {
		km, err := ParseKeyMethod2(ks.plain, true)
		if errors.Is(err, errTruncated) {
			return nil
		}
		clear(ks.plain)
		ks.plain = nil
		if err != nil {
			return err
		}
		clear(km.PreMaster)
		if err := s.answerKeyMethod(ks); err != nil {
			return err
		}
		ks.exchanged = true
		s.cfg.Logger.SessionKeyExchanged(s.info, ks.id, km.Username, km.PeerInfo)
		return nil
	}
	for {
		i := bytes.IndexByte(ks.plain, 0)
		if i < 0 {
			break
		}
		msg := ParseControlMessage(ks.plain[:i])
		ks.plain = ks.plain[i+1:]
		if msg.Text == "" {
			continue
		}
		if err := s.handleMessage(ks, msg); err != nil {
			return err
		}
	}
	if len(ks.plain) == 0 {
		ks.plain = nil
	}
	return nil
}

func (s *Session) answerKeyMethod(ks *keyState) error {
	reply := &KeyMethod2{Options: s.cfg.Options}
	if _, err := rand.Read(reply.Random1[:]); err != nil {
		return fmt.Errorf("%w: key method random: %w", ErrFatal, err)
	}
	if _, err := rand.Read(reply.Random2[:]); err != nil {
		return fmt.Errorf("%w: key method random: %w", ErrFatal, err)
	}
	b, err := reply.Encode()
	if err != nil {
		return fmt.Errorf("%w: key method message: %w", ErrFatal, err)
	}
	return s.writeControl(ks, b)
}

func (s *Session) handleMessage(ks *keyState, msg ControlMessage) error {
	s.cfg.Logger.SessionControl(s.info, ks.id, msg)
	switch msg.Kind {
	case ControlPushRequest:
		reply := s.pushReply(ks)
		return s.writeControl(ks, ControlMessage{Kind: ControlPushReply, Text: reply.Encode()}.Encode())
	case ControlExit:
		return errPeerExit
	case ControlPushReply, ControlAuth:
		return violation("%s from client", msg.Kind)
	}
	return nil
}

// pushReply is the configured reply plus what only this session knows.
func (s *Session) pushReply(ks *keyState) PushReply {
	reply := s.cfg.Push
	reply.Options = slices.Clone(reply.Options)
	if s.info.PeerID != wire.NoPeerID {
		reply.Options = append(reply.Options, fmt.Sprintf("peer-id %d", s.info.PeerID))
	}
	if ks.installed() {
		reply.Options = append(reply.Options, "cipher "+ks.slot.Suite().String())
	}
	return reply
}

func (s *Session) writeControl(ks *keyState, plaintext []byte) error {
	out, err := ks.hs.Write(plaintext)
	if err != nil {
		return fmt.Errorf("%w: control message for key %d: %w", ErrFatal, ks.id, err)
	}
	return s.sendRecords(ks, out)
}
