package session

import (
	"net/netip"
	"time"

	"github.com/apernet/corevpn/datachannel"
	"github.com/apernet/corevpn/wire"
)

// Info identifies a session in events.
type Info struct {
	ConnID   int64
	LocalID  wire.SessionID
	RemoteID wire.SessionID
	PeerID   uint32
	Peer     netip.AddrPort
}

// Stats is the data channel traffic of a session over all its keys.
type Stats struct {
	BytesIn    uint64
	BytesOut   uint64
	PacketsIn  uint64
	PacketsOut uint64
	Rekeys     int
	Duration   time.Duration
}

// Logger receives session lifecycle events.
type Logger interface {
	SessionOpened(info Info)
	SessionActive(info Info, suite datachannel.Suite, key wire.KeyID)
	SessionRekeyed(info Info, key wire.KeyID)
	SessionClosed(info Info, reason CloseReason, stats Stats, err error)
	SessionError(info Info, kind ErrorKind, err error)
	SuspicionTripped(info Info, count int)
	// SessionKeyExchanged reports the client's key method message for key.
	SessionKeyExchanged(info Info, key wire.KeyID, username, peerInfo string)
	SessionControl(info Info, key wire.KeyID, msg ControlMessage)
}

var _ Logger = NopLogger{}

// NopLogger discards every event.
type NopLogger struct{}

func (NopLogger) SessionOpened(Info)                                   {}
func (NopLogger) SessionActive(Info, datachannel.Suite, wire.KeyID)    {}
func (NopLogger) SessionRekeyed(Info, wire.KeyID)                      {}
func (NopLogger) SessionClosed(Info, CloseReason, Stats, error)        {}
func (NopLogger) SessionError(Info, ErrorKind, error)                  {}
func (NopLogger) SuspicionTripped(Info, int)                           {}
func (NopLogger) SessionKeyExchanged(Info, wire.KeyID, string, string) {}
func (NopLogger) SessionControl(Info, wire.KeyID, ControlMessage)      {}
