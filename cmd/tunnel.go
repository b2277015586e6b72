package cmd

import (
	"errors"

	"go.uber.org/zap"

	"github.com/apernet/corevpn/engine"
)

// discardTunnel drops every payload. TUN device I/O lives outside this
// server core.
type discardTunnel struct{}

func (discardTunnel) Deliver(uint32, []byte) {}

// echoTunnel sends every payload back to the client it came from, which is
// handy for testing a client's data channel.
type echoTunnel struct {
	engine engine.Engine
}

func (t *echoTunnel) Deliver(peerID uint32, payload []byte) {
	if t.engine == nil {
		return
	}
	if err := t.engine.SendData(peerID, payload); err != nil && !errors.Is(err, engine.ErrUnknownPeer) {
		logger.Debug("echo failed", zap.Uint32("peerID", peerID), zap.Error(err))
	}
}
