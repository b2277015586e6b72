package session

import (
	"io"
	"time"

	"github.com/apernet/corevpn/datachannel"
	"github.com/apernet/corevpn/reliable"
	"github.com/apernet/corevpn/wire"
)

// keyState is one key negotiation: its own reliable transport and TLS
// handshake, and the key slot they produce.
type keyState struct {
	id        wire.KeyID
	transport *reliable.Transport
	hs        Handshaker
	slot      *datachannel.KeySlot
	startedAt time.Time
	// retireAt is set once the key is superseded.
	retireAt time.Time
	// plain holds control channel data not parsed yet.
	plain []byte
	// exchanged is set once the client's key method message was answered.
	exchanged bool
}

func (k *keyState) installed() bool {
	return k.slot != nil
}

// retire wipes the slot and releases the handshake. It returns the slot's
// final traffic counters.
func (k *keyState) retire() datachannel.Stats {
	var st datachannel.Stats
	if k.slot != nil {
		st = k.slot.Stats()
		k.slot.Retire()
	}
	if c, ok := k.hs.(io.Closer); ok {
		_ = c.Close()
	}
	k.hs = nil
	clear(k.plain)
	k.plain = nil
	return st
}
