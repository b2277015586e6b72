package engine

import (
	"context"
	"net/netip"
	"time"

	"github.com/apernet/corevpn/io"
	"github.com/apernet/corevpn/ruleset"
	"github.com/apernet/corevpn/session"
	"github.com/apernet/corevpn/wire"
)

// Engine is the OpenVPN-compatible server core.
type Engine interface {
	// UpdateRuleset replaces the admission ruleset.
	UpdateRuleset(ruleset.Ruleset) error
	// SendData encrypts payload for the session with peerID and queues it.
	// It does not block; a busy worker makes it fail with ErrBusy.
	SendData(peerID uint32, payload []byte) error
	// CloseSession tears a session down by its local session id.
	CloseSession(id wire.SessionID) error
	// Sessions is the number of live sessions.
	Sessions() int
	// Run runs the engine, until an error occurs or the context is cancelled.
	Run(context.Context) error
}

// Tunnel receives decrypted payloads. Deliver is called from worker
// goroutines and must not block for long.
type Tunnel interface {
	Deliver(peerID uint32, payload []byte)
}

// Config is the configuration for the engine.
type Config struct {
	Logger  Logger
	IO      io.PacketIO
	Ruleset ruleset.Ruleset
	Tunnel  Tunnel
	// Session is the template for every session. Logger, OnTeardown,
	// ConnID, PeerID and LocalSessionID are set per session.
	Session session.Config

	Workers         int // Number of workers. Zero or negative means auto (number of CPU cores).
	WorkerQueueSize int
	TickInterval    time.Duration

	MaxSessions       int
	OutboundQueueSize int
	// HandshakeRate limits new sessions per second, zero means unlimited.
	HandshakeRate  float64
	HandshakeBurst int
	// Tombstones remember recently closed remote session ids so that late
	// retransmissions of their hard reset do not open a new session.
	TombstoneSize int
	TombstoneTTL  time.Duration
}

// Logger is the combined logging interface for the engine and its sessions.
type Logger interface {
	session.Logger

	WorkerStart(id int)
	WorkerStop(id int)

	SessionRejected(addr netip.AddrPort, reason string)
	PacketDropped(addr netip.AddrPort, reason string)
	OutboundDrop(addr netip.AddrPort)
	IOError(err error)
}

var _ Logger = NopLogger{}

// NopLogger discards everything ("ghost mode").
type NopLogger struct {
	session.NopLogger
}

func (NopLogger) WorkerStart(int)                        {}
func (NopLogger) WorkerStop(int)                         {}
func (NopLogger) SessionRejected(netip.AddrPort, string) {}
func (NopLogger) PacketDropped(netip.AddrPort, string)   {}
func (NopLogger) OutboundDrop(netip.AddrPort)            {}
func (NopLogger) IOError(error)                          {}
