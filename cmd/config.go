package cmd

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/apernet/corevpn/datachannel"
	"github.com/apernet/corevpn/engine"
	"github.com/apernet/corevpn/io"
	"github.com/apernet/corevpn/reliable"
	"github.com/apernet/corevpn/session"
	"github.com/apernet/corevpn/tlsbridge"
	"github.com/apernet/corevpn/wire"
)

type cliConfig struct {
	IO        cliConfigIO        `mapstructure:"io"`
	Workers   cliConfigWorkers   `mapstructure:"workers"`
	Session   cliConfigSession   `mapstructure:"session"`
	Reliable  cliConfigReliable  `mapstructure:"reliable"`
	TLS       cliConfigTLS       `mapstructure:"tls"`
	TLSAuth   cliConfigTLSAuth   `mapstructure:"tlsAuth"`
	Admission cliConfigAdmission `mapstructure:"admission"`
	Logging   cliConfigLogging   `mapstructure:"logging"`
	Tunnel    cliConfigTunnel    `mapstructure:"tunnel"`
	Push      cliConfigPush      `mapstructure:"push"`
}

type cliConfigIO struct {
	// Mode is "udp" (default) or "pcap".
	Mode        string `mapstructure:"mode"`
	Listen      string `mapstructure:"listen"`
	ReusePort   bool   `mapstructure:"reusePort"`
	ReadBuffer  int    `mapstructure:"readBuffer"`
	WriteBuffer int    `mapstructure:"writeBuffer"`

	PcapFile   string `mapstructure:"pcapFile"`
	Realtime   bool   `mapstructure:"realtime"`
	ServerPort uint16 `mapstructure:"serverPort"`
	OutputFile string `mapstructure:"outputFile"`
}

type cliConfigWorkers struct {
	Count        int           `mapstructure:"count"`
	QueueSize    int           `mapstructure:"queueSize"`
	TickInterval time.Duration `mapstructure:"tickInterval"`
}

type cliConfigSession struct {
	IdleTimeout           time.Duration `mapstructure:"idleTimeout"`
	HandWindow            time.Duration `mapstructure:"handWindow"`
	TransitionWindow      time.Duration `mapstructure:"transitionWindow"`
	RenegSec              time.Duration `mapstructure:"renegSec"`
	RenegBytes            uint64        `mapstructure:"renegBytes"`
	RenegPackets          uint64        `mapstructure:"renegPackets"`
	RekeyCounter          uint32        `mapstructure:"rekeyCounter"`
	CounterLimit          uint32        `mapstructure:"counterLimit"`
	ReplayWindow          uint          `mapstructure:"replayWindow"`
	MaxControlPayload     int           `mapstructure:"maxControlPayload"`
	Compression           bool          `mapstructure:"compression"`
	SuspicionThreshold    int           `mapstructure:"suspicionThreshold"`
	MaxProtocolViolations int           `mapstructure:"maxProtocolViolations"`
}

type cliConfigPush struct {
	// Options is the options string of the server's key method message.
	Options  string `mapstructure:"options"`
	Topology string `mapstructure:"topology"`
	// Routes are "network netmask [gateway [metric]]".
	Routes          []string `mapstructure:"routes"`
	DNS             []string `mapstructure:"dns"`
	DNSSearch       []string `mapstructure:"dnsSearch"`
	RedirectGateway bool     `mapstructure:"redirectGateway"`
	Ping            int      `mapstructure:"ping"`
	PingRestart     int      `mapstructure:"pingRestart"`
	Extra           []string `mapstructure:"extra"`
}

type cliConfigReliable struct {
	WindowSize    int           `mapstructure:"windowSize"`
	MaxRetries    int           `mapstructure:"maxRetries"`
	InitialRTO    time.Duration `mapstructure:"initialRTO"`
	MinRTO        time.Duration `mapstructure:"minRTO"`
	MaxRTO        time.Duration `mapstructure:"maxRTO"`
	MaxBacklog    int           `mapstructure:"maxBacklog"`
	MaxOutOfOrder int           `mapstructure:"maxOutOfOrder"`
}

type cliConfigTLS struct {
	Cert string `mapstructure:"cert"`
	Key  string `mapstructure:"key"`
	// CA, if set, requires and verifies client certificates.
	CA         string `mapstructure:"ca"`
	Cipher     string `mapstructure:"cipher"`
	MinVersion string `mapstructure:"minVersion"`
}

type cliConfigTLSAuth struct {
	Key       string `mapstructure:"key"`
	Direction string `mapstructure:"direction"`
	Digest    string `mapstructure:"digest"`
}

type cliConfigAdmission struct {
	MaxSessions       int           `mapstructure:"maxSessions"`
	HandshakeRate     float64       `mapstructure:"handshakeRate"`
	HandshakeBurst    int           `mapstructure:"handshakeBurst"`
	TombstoneSize     int           `mapstructure:"tombstoneSize"`
	TombstoneTTL      time.Duration `mapstructure:"tombstoneTTL"`
	OutboundQueueSize int           `mapstructure:"outboundQueueSize"`
}

type cliConfigLogging struct {
	Ghost bool `mapstructure:"ghost"`
	// Anonymize is "none" (default), "truncate" or "hash".
	Anonymize string `mapstructure:"anonymize"`
}

type cliConfigTunnel struct {
	// Mode is "discard" (default) or "echo".
	Mode string `mapstructure:"mode"`
}

func (c *cliConfig) fillLogger(config *engine.Config) error {
	if c.Logging.Ghost {
		config.Logger = engine.NopLogger{}
		return nil
	}
	anon, err := newAnonymizer(c.Logging.Anonymize)
	if err != nil {
		return configError{Field: "logging.anonymize", Err: err}
	}
	config.Logger = &engineLogger{anon: anon}
	return nil
}

func (c *cliConfig) fillIO(config *engine.Config) error {
	var pio io.PacketIO
	var err error
	switch strings.ToLower(c.IO.Mode) {
	case "", "udp":
		listen := c.IO.Listen
		if listen == "" {
			listen = ":1194"
		}
		pio, err = io.NewUDPPacketIO(io.UDPPacketIOConfig{
			Listen:      listen,
			ReusePort:   c.IO.ReusePort,
			ReadBuffer:  c.IO.ReadBuffer,
			WriteBuffer: c.IO.WriteBuffer,
		})
	case "pcap":
		if c.IO.PcapFile == "" {
			return configError{Field: "io.pcapFile", Err: errors.New("required in pcap mode")}
		}
		pio, err = io.NewPcapPacketIO(io.PcapPacketIOConfig{
			PcapFile:   c.IO.PcapFile,
			Realtime:   c.IO.Realtime,
			ServerPort: c.IO.ServerPort,
			OutputFile: c.IO.OutputFile,
		})
	default:
		return configError{Field: "io.mode", Err: fmt.Errorf("unsupported mode %q", c.IO.Mode)}
	}
	if err != nil {
		return configError{Field: "io", Err: err}
	}
	config.IO = pio
	return nil
}

func (c *cliConfig) fillWorkers(config *engine.Config) error {
	config.Workers = c.Workers.Count
	config.WorkerQueueSize = c.Workers.QueueSize
	config.TickInterval = c.Workers.TickInterval
	return nil
}

func (c *cliConfig) fillSession(config *engine.Config) error {
	config.Session.ReplayWindow = c.Session.ReplayWindow
	config.Session.IdleTimeout = c.Session.IdleTimeout
	config.Session.HandWindow = c.Session.HandWindow
	config.Session.TransitionWindow = c.Session.TransitionWindow
	config.Session.RenegInterval = c.Session.RenegSec
	config.Session.RenegBytes = c.Session.RenegBytes
	config.Session.RenegPackets = c.Session.RenegPackets
	config.Session.RekeyCounter = c.Session.RekeyCounter
	config.Session.CounterLimit = c.Session.CounterLimit
	config.Session.MaxControlPayload = c.Session.MaxControlPayload
	config.Session.Compression = c.Session.Compression
	config.Session.SuspicionThreshold = c.Session.SuspicionThreshold
	config.Session.MaxProtocolViolations = c.Session.MaxProtocolViolations
	config.Session.Reliable = reliable.Config{
		WindowSize:    c.Reliable.WindowSize,
		MaxRetries:    c.Reliable.MaxRetries,
		InitialRTO:    c.Reliable.InitialRTO,
		MinRTO:        c.Reliable.MinRTO,
		MaxRTO:        c.Reliable.MaxRTO,
		MaxBacklog:    c.Reliable.MaxBacklog,
		MaxOutOfOrder: c.Reliable.MaxOutOfOrder,
	}
	return nil
}

func (c *cliConfig) fillPush(config *engine.Config) error {
	push := session.PushReply{
		Topology:        session.ParseTopology(c.Push.Topology),
		DNSSearch:       c.Push.DNSSearch,
		RedirectGateway: c.Push.RedirectGateway,
		Ping:            c.Push.Ping,
		PingRestart:     c.Push.PingRestart,
		Options:         c.Push.Extra,
	}
	for i, r := range c.Push.Routes {
		route, err := session.ParsePushRoute(r)
		if err != nil {
			return configError{Field: fmt.Sprintf("push.routes[%d]", i), Err: err}
		}
		push.Routes = append(push.Routes, route)
	}
	for i, d := range c.Push.DNS {
		addr, err := netip.ParseAddr(d)
		if err != nil {
			return configError{Field: fmt.Sprintf("push.dns[%d]", i), Err: err}
		}
		push.DNS = append(push.DNS, addr)
	}
	config.Session.Options = c.Push.Options
	config.Session.Push = push
	return nil
}

func (c *cliConfig) fillTLSAuth(config *engine.Config) error {
	if c.TLSAuth.Key == "" {
		config.Session.Codec = wire.NewCodec(nil)
		return nil
	}
	raw, err := os.ReadFile(c.TLSAuth.Key)
	if err != nil {
		return configError{Field: "tlsAuth.key", Err: err}
	}
	key, err := wire.ParseStaticKey(raw)
	if err != nil {
		return configError{Field: "tlsAuth.key", Err: err}
	}
	dir, err := wire.ParseKeyDirection(c.TLSAuth.Direction)
	if err != nil {
		return configError{Field: "tlsAuth.direction", Err: err}
	}
	digest, err := wire.ParseDigest(c.TLSAuth.Digest)
	if err != nil {
		return configError{Field: "tlsAuth.digest", Err: err}
	}
	config.Session.Codec = wire.NewCodec(wire.NewTLSAuth(key, dir, digest))
	return nil
}

func (c *cliConfig) fillTLS(config *engine.Config) error {
	if c.TLS.Cert == "" || c.TLS.Key == "" {
		return configError{Field: "tls", Err: errors.New("cert and key are required")}
	}
	cert, err := tls.LoadX509KeyPair(c.TLS.Cert, c.TLS.Key)
	if err != nil {
		return configError{Field: "tls", Err: err}
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	switch c.TLS.MinVersion {
	case "", "1.2":
	case "1.3":
		tlsConfig.MinVersion = tls.VersionTLS13
	default:
		return configError{Field: "tls.minVersion", Err: fmt.Errorf("unsupported version %q", c.TLS.MinVersion)}
	}
	if c.TLS.CA != "" {
		pem, err := os.ReadFile(c.TLS.CA)
		if err != nil {
			return configError{Field: "tls.ca", Err: err}
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return configError{Field: "tls.ca", Err: errors.New("no certificates found")}
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	suite, err := datachannel.ParseSuite(c.TLS.Cipher)
	if err != nil {
		return configError{Field: "tls.cipher", Err: err}
	}
	config.Session.Handshakers = tlsbridge.Factory(tlsConfig, suite)
	return nil
}

func (c *cliConfig) fillAdmission(config *engine.Config) error {
	if c.Admission.HandshakeRate < 0 {
		return configError{Field: "admission.handshakeRate", Err: errors.New("must not be negative")}
	}
	config.MaxSessions = c.Admission.MaxSessions
	config.HandshakeRate = c.Admission.HandshakeRate
	config.HandshakeBurst = c.Admission.HandshakeBurst
	config.TombstoneSize = c.Admission.TombstoneSize
	config.TombstoneTTL = c.Admission.TombstoneTTL
	config.OutboundQueueSize = c.Admission.OutboundQueueSize
	return nil
}

func (c *cliConfig) fillTunnel(config *engine.Config) error {
	switch strings.ToLower(c.Tunnel.Mode) {
	case "", "discard":
		config.Tunnel = discardTunnel{}
	case "echo":
		config.Tunnel = &echoTunnel{}
	default:
		return configError{Field: "tunnel.mode", Err: fmt.Errorf("unsupported mode %q", c.Tunnel.Mode)}
	}
	return nil
}

// Config validates the fields and returns a ready-to-use engine config.
// This does not include the ruleset.
func (c *cliConfig) Config() (*engine.Config, error) {
	engineConfig := &engine.Config{}
	fillers := []func(*engine.Config) error{
		c.fillLogger,
		c.fillWorkers,
		c.fillSession,
		c.fillPush,
		c.fillTLSAuth,
		c.fillTLS,
		c.fillAdmission,
		c.fillTunnel,
		c.fillIO, // Opens the socket, keep last
	}
	for _, f := range fillers {
		if err := f(engineConfig); err != nil {
			return nil, err
		}
	}
	return engineConfig, nil
}
