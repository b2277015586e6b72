package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/apernet/corevpn/ruleset"
	"github.com/apernet/corevpn/wire"
)

// admission decides whether a client hard reset may open a new session.
// Checks run cheapest first: tombstones, ruleset, capacity, rate.
type admission struct {
	rsMutex sync.RWMutex
	ruleset ruleset.Ruleset

	tombstones  *expirable.LRU[wire.SessionID, struct{}]
	limiter     *rate.Limiter
	maxSessions int
}

func newAdmission(rs ruleset.Ruleset, cfg *Config) *admission {
	a := &admission{
		ruleset:     rs,
		tombstones:  expirable.NewLRU[wire.SessionID, struct{}](cfg.TombstoneSize, nil, cfg.TombstoneTTL),
		maxSessions: cfg.MaxSessions,
	}
	if cfg.HandshakeRate > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.HandshakeRate), cfg.HandshakeBurst)
	}
	return a
}

func (a *admission) UpdateRuleset(r ruleset.Ruleset) {
	a.rsMutex.Lock()
	defer a.rsMutex.Unlock()
	a.ruleset = r
}

// Admit returns an empty reason when info may open a session at now.
func (a *admission) Admit(info ruleset.PeerInfo, now time.Time) string {
	if a.tombstones.Contains(info.SessionID) {
		return "session recently closed"
	}
	a.rsMutex.RLock()
	rs := a.ruleset
	a.rsMutex.RUnlock()
	if rs != nil {
		result, err := rs.Match(info)
		if err != nil {
			return fmt.Sprintf("ruleset error: %v", err)
		}
		if result.Action == ruleset.ActionBlock {
			return fmt.Sprintf("blocked by rule %q", result.Rule)
		}
	}
	if a.maxSessions > 0 && info.Sessions >= a.maxSessions {
		return "session limit reached"
	}
	if a.limiter != nil && !a.limiter.AllowN(now, 1) {
		return "handshake rate exceeded"
	}
	return ""
}

// Bury remembers a closed session's remote id until it expires.
func (a *admission) Bury(id wire.SessionID) {
	if id != 0 {
		a.tombstones.Add(id, struct{}{})
	}
}
