package engine

import (
	"context"
	"net/netip"

	"github.com/apernet/corevpn/io"
)

type outPacket struct {
	data []byte
	addr netip.AddrPort
}

// outbound is the single writer of the packet IO. Workers never wait on it.
type outbound struct {
	io     io.PacketIO
	logger Logger
	ch     chan outPacket
}

func newOutbound(pio io.PacketIO, logger Logger, size int) *outbound {
	return &outbound{io: pio, logger: logger, ch: make(chan outPacket, size)}
}

// Enqueue drops the datagram when the queue is full.
func (o *outbound) Enqueue(data []byte, addr netip.AddrPort) {
	select {
	case o.ch <- outPacket{data: data, addr: addr}:
	default:
		o.logger.OutboundDrop(addr)
	}
}

// Run writes queued datagrams until ctx is cancelled, then flushes what
// is left.
func (o *outbound) Run(ctx context.Context) {
	for {
		select {
		case p := <-o.ch:
			o.write(p)
		case <-ctx.Done():
			for {
				select {
				case p := <-o.ch:
					o.write(p)
				default:
					return
				}
			}
		}
	}
}

func (o *outbound) write(p outPacket) {
	if err := o.io.WriteTo(p.data, p.addr); err != nil {
		o.logger.IOError(err)
	}
}
