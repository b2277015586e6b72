package io

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"time"
)

const (
	udpMaxDatagram        = 0xFFFF
	udpDefaultSocketBytes = 4 << 20
)

var _ PacketIO = (*udpPacketIO)(nil)

type udpPacketIO struct {
	conn *net.UDPConn
}

type UDPPacketIOConfig struct {
	// Listen is the local address, for example "0.0.0.0:1194".
	Listen string
	// ReusePort lets several processes share the port (SO_REUSEPORT).
	ReusePort bool
	// ReadBuffer and WriteBuffer size the socket buffers. Zero means 4 MiB.
	ReadBuffer  int
	WriteBuffer int
}

func NewUDPPacketIO(config UDPPacketIOConfig) (PacketIO, error) {
	lc := net.ListenConfig{}
	if config.ReusePort {
		lc.Control = reusePortControl
	}
	pc, err := lc.ListenPacket(context.Background(), "udp", config.Listen)
	if err != nil {
		return nil, err
	}
	conn := pc.(*net.UDPConn)
	if config.ReadBuffer <= 0 {
		config.ReadBuffer = udpDefaultSocketBytes
	}
	if config.WriteBuffer <= 0 {
		config.WriteBuffer = udpDefaultSocketBytes
	}
	// Best effort, the kernel may cap these.
	_ = conn.SetReadBuffer(config.ReadBuffer)
	_ = conn.SetWriteBuffer(config.WriteBuffer)
	return &udpPacketIO{conn: conn}, nil
}

// LocalAddr is the bound address, useful when listening on port 0.
func (u *udpPacketIO) LocalAddr() netip.AddrPort {
	return u.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (u *udpPacketIO) Register(ctx context.Context, cb PacketCallback) error {
	go func() {
		<-ctx.Done()
		// Unblock the reader
		_ = u.conn.SetReadDeadline(time.Now())
	}()
	go func() {
		buf := make([]byte, udpMaxDatagram)
		for {
			n, addr, err := u.conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				if !cb(nil, err) {
					return
				}
				continue
			}
			if n == 0 {
				continue
			}
			ok := cb(&udpPacket{
				addr:      netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()),
				timestamp: time.Now(),
				data:      bytes.Clone(buf[:n]),
			}, nil)
			if !ok {
				return
			}
		}
	}()
	return nil
}

func (u *udpPacketIO) WriteTo(data []byte, addr netip.AddrPort) error {
	_, err := u.conn.WriteToUDPAddrPort(data, addr)
	return err
}

// SetCancelFunc is a no-op: read errors reach the engine through the
// callback, which stops it.
func (u *udpPacketIO) SetCancelFunc(context.CancelFunc) error {
	return nil
}

func (u *udpPacketIO) Close() error {
	return u.conn.Close()
}

var _ Packet = (*udpPacket)(nil)

type udpPacket struct {
	addr      netip.AddrPort
	timestamp time.Time
	data      []byte
}

func (p *udpPacket) Addr() netip.AddrPort {
	return p.addr
}

func (p *udpPacket) Timestamp() time.Time {
	return p.timestamp
}

func (p *udpPacket) Data() []byte {
	return p.data
}
