package cmd

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/cespare/xxhash"
	"go.uber.org/zap"

	"github.com/apernet/corevpn/datachannel"
	"github.com/apernet/corevpn/ruleset"
	"github.com/apernet/corevpn/session"
	"github.com/apernet/corevpn/wire"
)

// anonymizer rewrites client addresses before they reach the log.
type anonymizer func(netip.AddrPort) string

func newAnonymizer(mode string) (anonymizer, error) {
	switch strings.ToLower(mode) {
	case "", "none":
		return func(a netip.AddrPort) string { return a.String() }, nil
	case "truncate":
		// Keep the /24 of IPv4 and the /48 of IPv6, drop the port.
		return func(a netip.AddrPort) string {
			bits := 24
			if a.Addr().Is6() {
				bits = 48
			}
			p, err := a.Addr().Prefix(bits)
			if err != nil {
				return "invalid"
			}
			return p.String()
		}, nil
	case "hash":
		return func(a netip.AddrPort) string {
			b, _ := a.Addr().MarshalBinary()
			return fmt.Sprintf("%016x", xxhash.Sum64(b))
		}, nil
	default:
		return nil, fmt.Errorf("unsupported mode %q", mode)
	}
}

type engineLogger struct {
	anon anonymizer
}

func (l *engineLogger) peer(a netip.AddrPort) zap.Field {
	return zap.String("peer", l.anon(a))
}

func (l *engineLogger) info(info session.Info) []zap.Field {
	return []zap.Field{
		zap.Int64("id", info.ConnID),
		l.peer(info.Peer),
		zap.String("localSID", info.LocalID.String()),
		zap.String("remoteSID", info.RemoteID.String()),
		zap.Uint32("peerID", info.PeerID),
	}
}

func (l *engineLogger) WorkerStart(id int) {
	logger.Debug("worker started", zap.Int("id", id))
}

func (l *engineLogger) WorkerStop(id int) {
	logger.Debug("worker stopped", zap.Int("id", id))
}

func (l *engineLogger) SessionOpened(info session.Info) {
	logger.Info("session opened", l.info(info)...)
}

func (l *engineLogger) SessionActive(info session.Info, suite datachannel.Suite, key wire.KeyID) {
	logger.Info("session active", append(l.info(info),
		zap.String("cipher", suite.String()),
		zap.Uint8("keyID", uint8(key)))...)
}

func (l *engineLogger) SessionRekeyed(info session.Info, key wire.KeyID) {
	logger.Info("session rekeyed", append(l.info(info), zap.Uint8("keyID", uint8(key)))...)
}

func (l *engineLogger) SessionKeyExchanged(info session.Info, key wire.KeyID, username, peerInfo string) {
	logger.Info("key exchanged", append(l.info(info),
		zap.Uint8("keyID", uint8(key)),
		zap.String("username", username),
		zap.String("peerInfo", peerInfo))...)
}

func (l *engineLogger) SessionControl(info session.Info, key wire.KeyID, msg session.ControlMessage) {
	logger.Debug("control message", append(l.info(info),
		zap.Uint8("keyID", uint8(key)),
		zap.Stringer("kind", msg.Kind),
		zap.String("text", msg.Text))...)
}

func (l *engineLogger) SessionClosed(info session.Info, reason session.CloseReason, stats session.Stats, err error) {
	logger.Info("session closed", append(l.info(info),
		zap.String("reason", reason.String()),
		zap.Uint64("bytesIn", stats.BytesIn),
		zap.Uint64("bytesOut", stats.BytesOut),
		zap.Uint64("packetsIn", stats.PacketsIn),
		zap.Uint64("packetsOut", stats.PacketsOut),
		zap.Int("rekeys", stats.Rekeys),
		zap.Duration("duration", stats.Duration),
		zap.Error(err))...)
}

func (l *engineLogger) SessionError(info session.Info, kind session.ErrorKind, err error) {
	logger.Debug("packet dropped", append(l.info(info),
		zap.String("kind", kind.String()),
		zap.Error(err))...)
}

func (l *engineLogger) SuspicionTripped(info session.Info, count int) {
	logger.Warn("suspicious peer", append(l.info(info), zap.Int("count", count))...)
}

func (l *engineLogger) SessionRejected(addr netip.AddrPort, reason string) {
	logger.Info("session rejected", l.peer(addr), zap.String("reason", reason))
}

func (l *engineLogger) PacketDropped(addr netip.AddrPort, reason string) {
	logger.Debug("packet dropped", l.peer(addr), zap.String("reason", reason))
}

func (l *engineLogger) OutboundDrop(addr netip.AddrPort) {
	logger.Warn("outbound queue full, packet dropped", l.peer(addr))
}

func (l *engineLogger) IOError(err error) {
	logger.Error("IO error", zap.Error(err))
}

var _ ruleset.Logger = (*rulesetLogger)(nil)

type rulesetLogger struct {
	anon anonymizer
}

func (l *rulesetLogger) Log(info ruleset.PeerInfo, name string) {
	logger.Info("ruleset log",
		zap.String("name", name),
		zap.String("peer", l.anon(info.Addr)),
		zap.String("opcode", info.Opcode.String()),
		zap.Int("sessions", info.Sessions))
}

func (l *rulesetLogger) MatchError(info ruleset.PeerInfo, name string, err error) {
	logger.Error("ruleset match error",
		zap.String("name", name),
		zap.String("peer", l.anon(info.Addr)),
		zap.Error(err))
}
