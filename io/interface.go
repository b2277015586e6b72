package io

import (
	"context"
	"net/netip"
	"time"
)

// Packet is one datagram received from a client.
type Packet interface {
	// Addr is the client address the datagram came from.
	Addr() netip.AddrPort
	// Timestamp is the time the packet was received.
	Timestamp() time.Time
	// Data is the UDP payload, starting with the OpenVPN opcode byte.
	Data() []byte
}

// PacketCallback is called for each packet received.
// Return false to "unregister" and stop receiving packets.
type PacketCallback func(Packet, error) bool

type PacketIO interface {
	// Register registers a callback to be called for each packet received.
	// The callback should be called in one or more separate goroutines,
	// and stop when the context is cancelled.
	Register(context.Context, PacketCallback) error
	// WriteTo sends one datagram to a client. It is only called from a
	// single writer goroutine.
	WriteTo(data []byte, addr netip.AddrPort) error
	// Close closes the packet IO.
	Close() error
	// SetCancelFunc gives packet IO access to context cancel function, enabling it to
	// trigger a shutdown
	SetCancelFunc(cancelFunc context.CancelFunc) error
}
