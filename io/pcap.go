package io

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
)

var _ PacketIO = (*pcapPacketIO)(nil)

// pcapPacketIO replays the client side of a capture into the engine and
// optionally records the server's answers into another capture.
type pcapPacketIO struct {
	pcap     *pcap.Handle
	lastTime *time.Time
	ioCancel context.CancelFunc
	config   PcapPacketIOConfig

	outMutex  sync.Mutex
	outFile   *os.File
	out       *pcapgo.Writer
	serverBuf gopacket.SerializeBuffer
	server    netip.AddrPort
	written   int
}

type PcapPacketIOConfig struct {
	PcapFile string
	Realtime bool
	// ServerPort selects the client-to-server packets of the capture by
	// destination port. Zero replays every UDP packet.
	ServerPort uint16
	// OutputFile, if set, receives every datagram the engine sends.
	OutputFile string
}

func NewPcapPacketIO(config PcapPacketIOConfig) (PacketIO, error) {
	handle, err := pcap.OpenOffline(config.PcapFile)
	if err != nil {
		return nil, err
	}
	p := &pcapPacketIO{
		pcap:      handle,
		config:    config,
		serverBuf: gopacket.NewSerializeBuffer(),
	}
	if config.OutputFile != "" {
		if err := p.openOutput(config.OutputFile); err != nil {
			handle.Close()
			return nil, err
		}
	}
	return p, nil
}

func (p *pcapPacketIO) openOutput(name string) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(udpMaxDatagram, layers.LinkTypeRaw); err != nil {
		_ = f.Close()
		return err
	}
	p.outFile, p.out = f, w
	return nil
}

func (p *pcapPacketIO) Register(ctx context.Context, cb PacketCallback) error {
	go func() {
		packetSource := gopacket.NewPacketSource(p.pcap, p.pcap.LinkType())
		for packet := range packetSource.Packets() {
			if ctx.Err() != nil {
				return
			}
			pkt, ok := p.extract(packet)
			if !ok {
				continue
			}
			_ = p.wait(packet)
			if !cb(pkt, nil) {
				return
			}
		}
		// Give the workers a chance to finish everything
		time.Sleep(time.Second)
		// Stop the engine when all packets are finished
		if p.ioCancel != nil {
			p.ioCancel()
		}
	}()
	return nil
}

// extract returns the UDP payload of a client-to-server packet.
func (p *pcapPacketIO) extract(packet gopacket.Packet) (*pcapPacket, bool) {
	netLayer, trLayer := packet.NetworkLayer(), packet.TransportLayer()
	if netLayer == nil || trLayer == nil {
		return nil, false
	}
	udp, ok := trLayer.(*layers.UDP)
	if !ok || len(udp.Payload) == 0 {
		return nil, false
	}
	if p.config.ServerPort != 0 && uint16(udp.DstPort) != p.config.ServerPort {
		return nil, false
	}
	srcIP, ok1 := netip.AddrFromSlice(netLayer.NetworkFlow().Src().Raw())
	dstIP, ok2 := netip.AddrFromSlice(netLayer.NetworkFlow().Dst().Raw())
	if !ok1 || !ok2 {
		return nil, false
	}
	p.outMutex.Lock()
	if !p.server.IsValid() {
		p.server = netip.AddrPortFrom(dstIP.Unmap(), uint16(udp.DstPort))
	}
	p.outMutex.Unlock()
	return &pcapPacket{
		addr:      netip.AddrPortFrom(srcIP.Unmap(), uint16(udp.SrcPort)),
		timestamp: packet.Metadata().Timestamp,
		data:      udp.Payload,
	}, true
}

// WriteTo records the datagram as a raw IP packet from the server address
// seen in the capture.
func (p *pcapPacketIO) WriteTo(data []byte, addr netip.AddrPort) error {
	p.outMutex.Lock()
	defer p.outMutex.Unlock()
	p.written++
	if p.out == nil {
		return nil
	}
	server := p.server
	if !server.IsValid() || server.Addr().Is4() != addr.Addr().Is4() {
		return errors.New("pcap output: no server address for this family")
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(server.Port()),
		DstPort: layers.UDPPort(addr.Port()),
	}
	var netLayer gopacket.SerializableLayer
	if addr.Addr().Is4() {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    server.Addr().AsSlice(),
			DstIP:    addr.Addr().AsSlice(),
		}
		_ = udp.SetNetworkLayerForChecksum(ip)
		netLayer = ip
	} else {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      server.Addr().AsSlice(),
			DstIP:      addr.Addr().AsSlice(),
		}
		_ = udp.SetNetworkLayerForChecksum(ip)
		netLayer = ip
	}
	_ = p.serverBuf.Clear()
	err := gopacket.SerializeLayers(p.serverBuf,
		gopacket.SerializeOptions{
			FixLengths:       true,
			ComputeChecksums: true,
		}, netLayer, udp, gopacket.Payload(data))
	if err != nil {
		return err
	}
	b := p.serverBuf.Bytes()
	return p.out.WritePacket(gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(b),
		Length:        len(b),
	}, b)
}

func (p *pcapPacketIO) SetCancelFunc(cancelFunc context.CancelFunc) error {
	p.ioCancel = cancelFunc
	return nil
}

func (p *pcapPacketIO) Close() error {
	p.pcap.Close()
	p.outMutex.Lock()
	defer p.outMutex.Unlock()
	if p.outFile != nil {
		return p.outFile.Close()
	}
	return nil
}

// Intentionally slow down the replay
// In realtime mode, this is to match the timestamps in the capture
func (p *pcapPacketIO) wait(packet gopacket.Packet) error {
	if !p.config.Realtime {
		return nil
	}

	if p.lastTime == nil {
		p.lastTime = &packet.Metadata().Timestamp
	} else {
		t := packet.Metadata().Timestamp.Sub(*p.lastTime)
		time.Sleep(t)
		p.lastTime = &packet.Metadata().Timestamp
	}

	return nil
}

var _ Packet = (*pcapPacket)(nil)

type pcapPacket struct {
	addr      netip.AddrPort
	timestamp time.Time
	data      []byte
}

func (p *pcapPacket) Addr() netip.AddrPort {
	return p.addr
}

func (p *pcapPacket) Timestamp() time.Time {
	return p.timestamp
}

func (p *pcapPacket) Data() []byte {
	return p.data
}
