// Package tlsbridge runs crypto/tls over the record stream of a session's
// reliable control channel and exports data channel keys from it.
package tlsbridge

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/apernet/corevpn/datachannel"
	"github.com/apernet/corevpn/session"
	"github.com/apernet/corevpn/wire"
)

const (
	// ExporterLabel is the RFC 5705 label for data channel keys.
	ExporterLabel = "EXPORTER-OpenVPN-datachannel"
	exporterLen   = 64
	maxPlaintext  = 16 << 10
)

var ErrNotFinished = errors.New("tlsbridge: handshake not complete")

// Bridge is one TLS session driven record by record: the handshake first,
// then application data in both directions.
type Bridge struct {
	conn   *tls.Conn
	pipe   *pipeConn
	suite  datachannel.Suite
	server bool

	once     sync.Once
	done     chan struct{}
	err      error
	finished bool

	// Filled by the reader once finished.
	mu       sync.Mutex
	plain    bytes.Buffer
	readErr  error
	readDone chan struct{}
}

var _ session.Handshaker = (*Bridge)(nil)

func NewServer(cfg *tls.Config, suite datachannel.Suite) *Bridge {
	p := newPipeConn()
	return &Bridge{conn: tls.Server(p, cfg), pipe: p, suite: suite, server: true, done: make(chan struct{})}
}

func NewClient(cfg *tls.Config, suite datachannel.Suite) *Bridge {
	p := newPipeConn()
	return &Bridge{conn: tls.Client(p, cfg), pipe: p, suite: suite, done: make(chan struct{})}
}

// Factory returns a session.HandshakerFactory that starts a TLS server for
// every key negotiation.
func Factory(cfg *tls.Config, suite datachannel.Suite) session.HandshakerFactory {
	return func(session.Info, wire.KeyID) (session.Handshaker, error) {
		return NewServer(cfg, suite), nil
	}
}

func (b *Bridge) start() {
	b.once.Do(func() {
		go func() {
			b.err = b.conn.HandshakeContext(context.Background())
			close(b.done)
		}()
	})
}

// Start begins the handshake and returns the first flight. Only a client
// has anything to say before it has heard from the peer.
func (b *Bridge) Start() (session.HandshakeResult, error) {
	b.start()
	return b.wait()
}

// Feed hands one complete TLS record from the peer to the connection and
// returns what it produced in response: handshake output, or application
// data once the handshake completed.
func (b *Bridge) Feed(record []byte) (session.HandshakeResult, error) {
	b.pipe.push(record)
	if b.finished {
		return b.read()
	}
	b.start()
	return b.wait()
}

// Write seals application data and returns the records carrying it.
func (b *Bridge) Write(plaintext []byte) ([]byte, error) {
	if !b.finished {
		return nil, ErrNotFinished
	}
	if _, err := b.conn.Write(plaintext); err != nil {
		return nil, fmt.Errorf("tls write: %w", err)
	}
	return b.pipe.take(), nil
}

func (b *Bridge) wait() (session.HandshakeResult, error) {
	select {
	case <-b.pipe.idle:
		return session.HandshakeResult{Out: b.pipe.take()}, nil
	case <-b.done:
	}
	res := session.HandshakeResult{Out: b.pipe.take()}
	if b.err != nil {
		return res, fmt.Errorf("tls handshake: %w", b.err)
	}
	keys, err := b.exportKeys()
	if err != nil {
		return res, err
	}
	b.finished = true
	b.readDone = make(chan struct{})
	go b.readLoop()
	res.Keys, res.Complete = keys, true
	return res, nil
}

// readLoop collects application data until the connection ends.
func (b *Bridge) readLoop() {
	defer close(b.readDone)
	buf := make([]byte, maxPlaintext)
	for {
		n, err := b.conn.Read(buf)
		b.mu.Lock()
		b.plain.Write(buf[:n])
		b.readErr = err
		b.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// read waits until the pushed record was consumed and returns the
// application data it carried.
func (b *Bridge) read() (session.HandshakeResult, error) {
	select {
	case <-b.pipe.idle:
	case <-b.readDone:
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	res := session.HandshakeResult{Out: b.pipe.take()}
	if b.plain.Len() > 0 {
		res.Plaintext = bytes.Clone(b.plain.Bytes())
		b.plain.Reset()
	}
	if b.readErr != nil && !errors.Is(b.readErr, io.EOF) {
		return res, fmt.Errorf("tls read: %w", b.readErr)
	}
	return res, nil
}

func (b *Bridge) exportKeys() (*datachannel.KeyMaterial, error) {
	state := b.conn.ConnectionState()
	ekm, err := state.ExportKeyingMaterial(ExporterLabel, nil, exporterLen)
	if err != nil {
		return nil, fmt.Errorf("export keying material: %w", err)
	}
	defer clear(ekm)
	return datachannel.DeriveKeyMaterial(b.suite, ekm, nil, b.server)
}

// ConnectionState is valid once the handshake completed.
func (b *Bridge) ConnectionState() tls.ConnectionState {
	return b.conn.ConnectionState()
}

// Close aborts the connection and releases its goroutines.
func (b *Bridge) Close() error {
	return b.pipe.Close()
}
