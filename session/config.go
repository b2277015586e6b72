package session

import (
	"time"

	"github.com/apernet/corevpn/datachannel"
	"github.com/apernet/corevpn/reliable"
	"github.com/apernet/corevpn/wire"
)

const (
	DefaultIdleTimeout           = 300 * time.Second
	DefaultHandWindow            = 60 * time.Second
	DefaultTransitionWindow      = 60 * time.Second
	DefaultRenegInterval         = 3600 * time.Second
	DefaultMaxControlPayload     = 1250
	DefaultSuspicionThreshold    = 16
	DefaultMaxProtocolViolations = 8
	DefaultPing                  = 10
	DefaultPingRestart           = 60
	// DefaultOptions is the options string of the server's key method
	// message.
	DefaultOptions = "V4,dev-type tun,key-method 2,tls-server"

	maxAcksPerPacket = 8
)

// Config is shared by all sessions of a server. Zero values select defaults.
type Config struct {
	Codec       *wire.Codec
	Handshakers HandshakerFactory
	Logger      Logger
	// OnTeardown runs synchronously during Close, before key material is
	// wiped. It is where the owner removes the session from its tables.
	OnTeardown func(s *Session)

	ConnID int64
	// LocalSessionID is chosen randomly when zero.
	LocalSessionID wire.SessionID
	// PeerID selects data v2 output. wire.NoPeerID sends data v1.
	PeerID uint32

	Reliable     reliable.Config
	ReplayWindow uint

	// IdleTimeout closes a session that received nothing for this long.
	IdleTimeout time.Duration
	// HandWindow bounds every TLS negotiation, initial or renegotiation.
	HandWindow time.Duration
	// TransitionWindow is how long the previous key keeps decrypting after
	// a renegotiation.
	TransitionWindow time.Duration

	// Renegotiation triggers. The first one reached wins; zero disables the
	// byte and packet triggers.
	RenegInterval time.Duration
	RenegBytes    uint64
	RenegPackets  uint64
	// Per-key usage limits on the send counter: RekeyCounter starts a
	// renegotiation, CounterLimit is the last counter sent. Zero keeps the
	// protocol limits.
	RekeyCounter uint32
	CounterLimit uint32

	MaxControlPayload int
	// Compression enables the one-byte "compress stub" framing.
	Compression bool

	SuspicionThreshold    int
	MaxProtocolViolations int

	// Options is sent in the server's key method message.
	Options string
	// Push answers PUSH_REQUEST. Every session adds its peer id and data
	// cipher to the options.
	Push PushReply
}

func (c *Config) fillDefaults() {
	if c.Codec == nil {
		c.Codec = wire.NewCodec(nil)
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.ReplayWindow == 0 {
		c.ReplayWindow = datachannel.DefaultReplayWindow
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.HandWindow <= 0 {
		c.HandWindow = DefaultHandWindow
	}
	if c.TransitionWindow <= 0 {
		c.TransitionWindow = DefaultTransitionWindow
	}
	if c.RenegInterval == 0 {
		c.RenegInterval = DefaultRenegInterval
	}
	if c.MaxControlPayload <= 0 {
		c.MaxControlPayload = DefaultMaxControlPayload
	}
	if c.SuspicionThreshold <= 0 {
		c.SuspicionThreshold = DefaultSuspicionThreshold
	}
	if c.MaxProtocolViolations <= 0 {
		c.MaxProtocolViolations = DefaultMaxProtocolViolations
	}
	if c.Options == "" {
		c.Options = DefaultOptions
	}
	if c.Push.Ping <= 0 {
		c.Push.Ping = DefaultPing
	}
	if c.Push.PingRestart <= 0 {
		c.Push.PingRestart = DefaultPingRestart
	}
}
