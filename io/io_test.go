package io

import (
	"context"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPPacketIOLoopback(t *testing.T) {
	pio, err := NewUDPPacketIO(UDPPacketIOConfig{Listen: "127.0.0.1:0"})
	require.NoError(t, err)
	defer pio.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Packet, 1)
	require.NoError(t, pio.Register(ctx, func(p Packet, err error) bool {
		if err != nil {
			return false
		}
		got <- p
		return true
	}))

	local := pio.(*udpPacketIO).LocalAddr()
	client, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(local))
	require.NoError(t, err)
	defer client.Close()
	_, err = client.Write([]byte{7 << 3, 1, 2, 3})
	require.NoError(t, err)

	var p Packet
	select {
	case p = <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("no packet received")
	}
	assert.Equal(t, []byte{7 << 3, 1, 2, 3}, p.Data())
	assert.Equal(t, client.LocalAddr().(*net.UDPAddr).AddrPort(), p.Addr())

	require.NoError(t, pio.WriteTo([]byte("pong"), p.Addr()))
	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 64)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))
}

func TestPcapOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.pcap")
	p := &pcapPacketIO{
		serverBuf: gopacket.NewSerializeBuffer(),
		server:    netip.MustParseAddrPort("192.0.2.1:1194"),
	}
	require.NoError(t, p.openOutput(path))
	client := netip.MustParseAddrPort("198.51.100.7:50000")
	require.NoError(t, p.WriteTo([]byte("hello"), client))
	assert.Error(t, p.WriteTo([]byte("v6"), netip.MustParseAddrPort("[2001:db8::1]:50000")))
	require.NoError(t, p.outFile.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeRaw, r.LinkType())
	data, _, err := r.ReadPacketData()
	require.NoError(t, err)

	pkt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
	ip, ok := pkt.NetworkLayer().(*layers.IPv4)
	require.True(t, ok)
	assert.Equal(t, "192.0.2.1", ip.SrcIP.String())
	assert.Equal(t, "198.51.100.7", ip.DstIP.String())
	udp, ok := pkt.TransportLayer().(*layers.UDP)
	require.True(t, ok)
	assert.Equal(t, layers.UDPPort(1194), udp.SrcPort)
	assert.Equal(t, layers.UDPPort(50000), udp.DstPort)
	assert.Equal(t, []byte("hello"), udp.Payload)
	assert.Equal(t, 2, p.written)
}
