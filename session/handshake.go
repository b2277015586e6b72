package session

import (
	"github.com/apernet/corevpn/datachannel"
	"github.com/apernet/corevpn/wire"
)

// HandshakeResult is what the TLS capability returns for one fed record.
type HandshakeResult struct {
	// Out is handshake bytes to send to the peer.
	Out []byte
	// Keys is set together with Complete.
	Keys     *datachannel.KeyMaterial
	Complete bool
	// Plaintext is application data the peer sent after the handshake.
	Plaintext []byte
}

// Handshaker is one TLS negotiation driven by complete records from the peer.
// Once complete it carries the control channel messages of its key.
// If it also implements io.Closer, it is closed when its key is retired.
type Handshaker interface {
	Feed(record []byte) (HandshakeResult, error)
	// Write seals application data and returns the records to send. It
	// fails before the handshake completed.
	Write(plaintext []byte) ([]byte, error)
}

// HandshakerFactory starts the negotiation for key id key of a session.
type HandshakerFactory func(info Info, key wire.KeyID) (Handshaker, error)
