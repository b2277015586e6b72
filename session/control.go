package session

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/crypto/cryptobyte"
)

const (
	keyMethod2    = 2
	keyMethodMask = 0x0F
	preMasterSize = 48
	randomSize    = 32

	pushReplyPrefix = "PUSH_REPLY"
)

var (
	// errTruncated marks a key method message that may still be incomplete.
	errTruncated = fmt.Errorf("%w: truncated key method message", ErrMalformed)
	errPeerExit  = errors.New("peer sent EXIT")
)

// KeyMethod2 is the first message each side sends over a key's TLS session.
// Only the client sends a pre-master secret.
type KeyMethod2 struct {
	PreMaster []byte
	Random1   [randomSize]byte
	Random2   [randomSize]byte
	Options   string
	Username  string
	Password  string
	PeerInfo  string
}

// Encode serializes k. Strings are length prefixed and NUL terminated; empty
// credentials are sent as empty strings and an empty peer info is omitted.
func (k *KeyMethod2) Encode() ([]byte, error) {
	if len(k.PreMaster) != 0 && len(k.PreMaster) != preMasterSize {
		return nil, fmt.Errorf("pre-master secret of %d bytes", len(k.PreMaster))
	}
	var b cryptobyte.Builder
	b.AddUint32(0)
	b.AddUint8(keyMethod2)
	b.AddBytes(k.PreMaster)
	b.AddBytes(k.Random1[:])
	b.AddBytes(k.Random2[:])
	addString(&b, k.Options, true)
	addString(&b, k.Username, false)
	addString(&b, k.Password, false)
	if k.PeerInfo != "" {
		addString(&b, k.PeerInfo, true)
	}
	return b.Bytes()
}

func addString(b *cryptobyte.Builder, s string, always bool) {
	if s == "" && !always {
		b.AddUint16(0)
		return
	}
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(s))
		b.AddUint8(0)
	})
}

// ParseKeyMethod2 decodes a key method message. Credentials and peer info
// are optional on the wire.
func ParseKeyMethod2(data []byte, fromClient bool) (*KeyMethod2, error) {
	s := cryptobyte.String(data)
	var zero uint32
	var method uint8
	if !s.ReadUint32(&zero) || !s.ReadUint8(&method) {
		return nil, errTruncated
	}
	if zero != 0 {
		return nil, violation("key method message starts with %#x", zero)
	}
	if method&keyMethodMask != keyMethod2 {
		return nil, violation("key method %d is not supported", method&keyMethodMask)
	}
	k := &KeyMethod2{}
	if fromClient {
		var pm []byte
		if !s.ReadBytes(&pm, preMasterSize) {
			return nil, errTruncated
		}
		k.PreMaster = bytes.Clone(pm)
	}
	if !s.CopyBytes(k.Random1[:]) || !s.CopyBytes(k.Random2[:]) {
		return nil, errTruncated
	}
	var ok bool
	if k.Options, ok = readString(&s); !ok {
		return nil, errTruncated
	}
	for _, field := range []*string{&k.Username, &k.Password, &k.PeerInfo} {
		if s.Empty() {
			break
		}
		if *field, ok = readString(&s); !ok {
			return nil, errTruncated
		}
	}
	return k, nil
}

func readString(s *cryptobyte.String) (string, bool) {
	var v cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&v) {
		return "", false
	}
	if i := bytes.IndexByte(v, 0); i >= 0 {
		v = v[:i]
	}
	return string(v), true
}

// ControlKind is the type of a text control message.
type ControlKind int

const (
	ControlUnknown ControlKind = iota
	ControlPushRequest
	ControlPushReply
	// ControlAuth covers AUTH_FAILED and AUTH_PENDING.
	ControlAuth
	ControlInfo
	ControlExit
)

func (k ControlKind) String() string {
	switch k {
	case ControlPushRequest:
		return "push_request"
	case ControlPushReply:
		return "push_reply"
	case ControlAuth:
		return "auth"
	case ControlInfo:
		return "info"
	case ControlExit:
		return "exit"
	default:
		return "unknown"
	}
}

// ControlMessage is one NUL-terminated text message exchanged after the key
// method messages.
type ControlMessage struct {
	Kind ControlKind
	Text string
}

func ParseControlMessage(b []byte) ControlMessage {
	text := string(bytes.TrimRight(b, "\x00"))
	cmd, _, _ := strings.Cut(text, ",")
	var kind ControlKind
	switch {
	case cmd == "PUSH_REQUEST":
		kind = ControlPushRequest
	case cmd == pushReplyPrefix:
		kind = ControlPushReply
	case strings.HasPrefix(cmd, "AUTH_"):
		kind = ControlAuth
	case cmd == "INFO" || cmd == "INFO_PRE":
		kind = ControlInfo
	case cmd == "EXIT":
		kind = ControlExit
	}
	return ControlMessage{Kind: kind, Text: text}
}

func (m ControlMessage) Encode() []byte {
	b := make([]byte, 0, len(m.Text)+1)
	b = append(b, m.Text...)
	return append(b, 0)
}

// Topology is the addressing scheme pushed to clients.
type Topology int

const (
	TopologySubnet Topology = iota
	TopologyNet30
	TopologyP2P
)

// ParseTopology maps unknown names to subnet.
func ParseTopology(s string) Topology {
	switch strings.ToLower(s) {
	case "net30":
		return TopologyNet30
	case "p2p":
		return TopologyP2P
	default:
		return TopologySubnet
	}
}

func (t Topology) String() string {
	switch t {
	case TopologyNet30:
		return "net30"
	case TopologyP2P:
		return "p2p"
	default:
		return "subnet"
	}
}

// PushRoute is a route directive. A zero Gateway means the VPN gateway and
// a zero Metric is left out.
type PushRoute struct {
	Network netip.Addr
	Netmask netip.Addr
	Gateway netip.Addr
	Metric  uint32
}

func (r PushRoute) Encode() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "route %s %s", r.Network, r.Netmask)
	if r.Gateway.IsValid() {
		sb.WriteString(" " + r.Gateway.String())
	} else {
		sb.WriteString(" vpn_gateway")
	}
	if r.Metric != 0 {
		sb.WriteString(" " + strconv.FormatUint(uint64(r.Metric), 10))
	}
	return sb.String()
}

func ParsePushRoute(s string) (PushRoute, error) {
	fields := strings.Fields(s)
	if len(fields) > 0 && fields[0] == "route" {
		fields = fields[1:]
	}
	if len(fields) < 2 {
		return PushRoute{}, fmt.Errorf("%w: route %q needs a network and a netmask", ErrMalformed, s)
	}
	var r PushRoute
	var err error
	if r.Network, err = netip.ParseAddr(fields[0]); err != nil {
		return PushRoute{}, fmt.Errorf("%w: route network: %w", ErrMalformed, err)
	}
	if r.Netmask, err = netip.ParseAddr(fields[1]); err != nil {
		return PushRoute{}, fmt.Errorf("%w: route netmask: %w", ErrMalformed, err)
	}
	if len(fields) > 2 && fields[2] != "vpn_gateway" {
		if r.Gateway, err = netip.ParseAddr(fields[2]); err != nil {
			return PushRoute{}, fmt.Errorf("%w: route gateway: %w", ErrMalformed, err)
		}
	}
	if len(fields) > 3 {
		m, err := strconv.ParseUint(fields[3], 10, 32)
		if err != nil {
			return PushRoute{}, fmt.Errorf("%w: route metric: %w", ErrMalformed, err)
		}
		r.Metric = uint32(m)
	}
	return r, nil
}

// PushReply is the configuration a server pushes in answer to PUSH_REQUEST.
type PushReply struct {
	Routes []PushRoute
	// Ifconfig is the client address and, per topology, its netmask or the
	// remote end.
	Ifconfig       netip.Addr
	IfconfigRemote netip.Addr
	IfconfigIPv6   netip.Prefix
	DNS            []netip.Addr
	DNSSearch      []string
	// RedirectGateway routes all client traffic through the tunnel.
	RedirectGateway bool
	Topology        Topology
	// Keepalive in seconds.
	Ping        int
	PingRestart int
	// Options are passed through verbatim, after everything else.
	Options []string
}

// Encode returns the message text, starting with PUSH_REPLY.
func (r *PushReply) Encode() string {
	parts := []string{pushReplyPrefix, "topology " + r.Topology.String()}
	if r.Ifconfig.IsValid() {
		ifconfig := "ifconfig " + r.Ifconfig.String()
		if r.IfconfigRemote.IsValid() {
			ifconfig += " " + r.IfconfigRemote.String()
		}
		parts = append(parts, ifconfig)
	}
	if r.IfconfigIPv6.IsValid() {
		parts = append(parts, "ifconfig-ipv6 "+r.IfconfigIPv6.String())
	}
	for _, route := range r.Routes {
		parts = append(parts, route.Encode())
	}
	if r.RedirectGateway {
		parts = append(parts, "redirect-gateway def1")
	}
	for _, dns := range r.DNS {
		parts = append(parts, "dhcp-option DNS "+dns.String())
	}
	for _, domain := range r.DNSSearch {
		parts = append(parts, "dhcp-option DOMAIN "+domain)
	}
	parts = append(parts,
		"ping "+strconv.Itoa(r.Ping),
		"ping-restart "+strconv.Itoa(r.PingRestart))
	parts = append(parts, r.Options...)
	return strings.Join(parts, ",")
}

// ParsePushReply decodes the text of a PUSH_REPLY. Directives it does not
// model end up in Options.
func ParsePushReply(s string) (*PushReply, error) {
	s = strings.TrimPrefix(strings.TrimRight(s, "\x00"), pushReplyPrefix)
	r := &PushReply{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if err := r.parsePart(part); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *PushReply) parsePart(part string) error {
	fields := strings.Fields(part)
	arg := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}
	var err error
	switch fields[0] {
	case "topology":
		r.Topology = ParseTopology(arg(1))
	case "ifconfig":
		if r.Ifconfig, err = netip.ParseAddr(arg(1)); err != nil {
			return fmt.Errorf("%w: ifconfig: %w", ErrMalformed, err)
		}
		if remote := arg(2); remote != "" {
			if r.IfconfigRemote, err = netip.ParseAddr(remote); err != nil {
				return fmt.Errorf("%w: ifconfig: %w", ErrMalformed, err)
			}
		}
	case "ifconfig-ipv6":
		if r.IfconfigIPv6, err = netip.ParsePrefix(arg(1)); err != nil {
			return fmt.Errorf("%w: ifconfig-ipv6: %w", ErrMalformed, err)
		}
	case "route":
		route, err := ParsePushRoute(part)
		if err != nil {
			return err
		}
		r.Routes = append(r.Routes, route)
	case "redirect-gateway":
		r.RedirectGateway = true
	case "dhcp-option":
		switch arg(1) {
		case "DNS":
			dns, err := netip.ParseAddr(arg(2))
			if err != nil {
				return fmt.Errorf("%w: dhcp-option DNS: %w", ErrMalformed, err)
			}
			r.DNS = append(r.DNS, dns)
		case "DOMAIN":
			r.DNSSearch = append(r.DNSSearch, arg(2))
		default:
			r.Options = append(r.Options, part)
		}
	case "ping", "ping-restart":
		n, err := strconv.Atoi(arg(1))
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrMalformed, fields[0], err)
		}
		if fields[0] == "ping" {
			r.Ping = n
		} else {
			r.PingRestart = n
		}
	default:
		r.Options = append(r.Options, part)
	}
	return nil
}
