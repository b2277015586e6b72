package tlsbridge

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"
)

// pipeConn is the net.Conn a tls.Conn runs over. Inbound records are pushed
// in by Feed; whatever TLS writes is collected until taken.
type pipeConn struct {
	mu     sync.Mutex
	cond   *sync.Cond
	in     bytes.Buffer
	out    bytes.Buffer
	closed bool
	// idle receives a token whenever Read blocks for lack of input.
	idle chan struct{}
}

func newPipeConn() *pipeConn {
	p := &pipeConn{idle: make(chan struct{}, 1)}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pipeConn) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.in.Len() == 0 && !p.closed {
		select {
		case p.idle <- struct{}{}:
		default:
		}
		p.cond.Wait()
	}
	if p.in.Len() == 0 {
		return 0, io.EOF
	}
	return p.in.Read(b)
}

func (p *pipeConn) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, net.ErrClosed
	}
	return p.out.Write(b)
}

func (p *pipeConn) push(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.in.Write(b)
	select {
	case <-p.idle:
	default:
	}
	p.cond.Broadcast()
}

func (p *pipeConn) take() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out.Len() == 0 {
		return nil
	}
	b := bytes.Clone(p.out.Bytes())
	p.out.Reset()
	return b
}

func (p *pipeConn) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "control-channel" }

func (p *pipeConn) LocalAddr() net.Addr                { return pipeAddr{} }
func (p *pipeConn) RemoteAddr() net.Addr               { return pipeAddr{} }
func (p *pipeConn) SetDeadline(t time.Time) error      { return nil }
func (p *pipeConn) SetReadDeadline(t time.Time) error  { return nil }
func (p *pipeConn) SetWriteDeadline(t time.Time) error { return nil }
