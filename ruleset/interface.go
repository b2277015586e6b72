package ruleset

import (
	"net/netip"

	"github.com/apernet/corevpn/wire"
)

type Action int

const (
	// ActionMaybe indicates that no rule decided; the peer is admitted.
	ActionMaybe Action = iota
	// ActionAllow admits the peer and stops evaluating rules.
	ActionAllow
	// ActionBlock refuses to open a session for the peer.
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionMaybe:
		return "maybe"
	case ActionAllow:
		return "allow"
	case ActionBlock:
		return "block"
	default:
		return "unknown"
	}
}

// PeerInfo describes a client asking for a new session, as known from its
// first (not yet authenticated) packet.
type PeerInfo struct {
	Addr      netip.AddrPort
	Opcode    wire.Opcode
	KeyID     wire.KeyID
	SessionID wire.SessionID
	// Sessions is the number of live sessions at admission time.
	Sessions int
}

func (i PeerInfo) AddrString() string {
	return i.Addr.String()
}

type MatchResult struct {
	Action Action
	// Rule is the name of the deciding rule, empty for ActionMaybe.
	Rule string
}

type Ruleset interface {
	// Match matches a peer against the ruleset and returns the result.
	// It must be safe for concurrent use.
	Match(PeerInfo) (MatchResult, error)
}

// Logger is the logging interface for the ruleset.
type Logger interface {
	Log(info PeerInfo, name string)
	MatchError(info PeerInfo, name string, err error)
}

type BuiltinConfig struct {
	Logger Logger
}
