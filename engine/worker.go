package engine

import (
	"context"
	"net/netip"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/apernet/corevpn/session"
	"github.com/apernet/corevpn/wire"
)

const (
	defaultChanSize     = 64
	defaultTickInterval = 100 * time.Millisecond
)

type workerPacket struct {
	data []byte
	addr netip.AddrPort
	ts   time.Time
	// entry is nil for a hard reset that may open a new session, whose
	// remote session id is sid.
	entry *tableEntry
	sid   wire.SessionID
}

type workerSession struct {
	s     *session.Session
	entry *tableEntry
}

// worker owns a subset of the sessions. Everything touching those sessions
// runs on its goroutine: inbound packets, commands and timers.
type worker struct {
	id           int
	packetChan   chan *workerPacket
	cmdChan      chan func(*worker)
	tickInterval time.Duration
	logger       Logger
	node         *snowflake.Node

	sessionConfig session.Config
	table         *sessionTable
	peerIDs       *peerIDPool
	admission     *admission
	out           *outbound
	tunnel        Tunnel

	sessions map[*tableEntry]*workerSession
}

type workerConfig struct {
	ID            int
	ChanSize      int
	TickInterval  time.Duration
	Logger        Logger
	SessionConfig session.Config
	Table         *sessionTable
	PeerIDs       *peerIDPool
	Admission     *admission
	Outbound      *outbound
	Tunnel        Tunnel
}

func (c *workerConfig) fillDefaults() {
	if c.ChanSize <= 0 {
		c.ChanSize = defaultChanSize
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
}

func newWorker(config workerConfig) (*worker, error) {
	config.fillDefaults()
	sfNode, err := snowflake.NewNode(int64(config.ID))
	if err != nil {
		return nil, err
	}
	return &worker{
		id:            config.ID,
		packetChan:    make(chan *workerPacket, config.ChanSize),
		cmdChan:       make(chan func(*worker), config.ChanSize),
		tickInterval:  config.TickInterval,
		logger:        config.Logger,
		node:          sfNode,
		sessionConfig: config.SessionConfig,
		table:         config.Table,
		peerIDs:       config.PeerIDs,
		admission:     config.Admission,
		out:           config.Outbound,
		tunnel:        config.Tunnel,
		sessions:      make(map[*tableEntry]*workerSession),
	}, nil
}

// Feed queues an inbound packet. It reports false instead of blocking the
// reader when the queue is full.
func (w *worker) Feed(p *workerPacket) bool {
	select {
	case w.packetChan <- p:
		return true
	default:
		return false
	}
}

// Exec queues fn to run on the worker goroutine. It reports false instead
// of blocking when the queue is full.
func (w *worker) Exec(fn func(*worker)) bool {
	select {
	case w.cmdChan <- fn:
		return true
	default:
		return false
	}
}

func (w *worker) Run(ctx context.Context) error {
	w.logger.WorkerStart(w.id)
	defer w.logger.WorkerStop(w.id)
	ticker := time.NewTicker(w.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.shutdown(time.Now())
			return nil
		case wPkt := <-w.packetChan:
			w.handle(wPkt)
		case fn := <-w.cmdChan:
			fn(w)
		case now := <-ticker.C:
			w.tick(now)
		}
	}
}

func (w *worker) handle(p *workerPacket) {
	if p.entry == nil {
		entry, ok := w.table.byAddr.Get(p.addr)
		if !ok || entry.remoteID != p.sid {
			w.open(p, entry)
			return
		}
		// Retransmission of a reset that opened a session meanwhile.
		p.entry = entry
	}
	ws, ok := w.sessions[p.entry]
	if !ok {
		// Closed while the packet was queued.
		return
	}
	w.apply(ws, ws.s.HandleInbound(p.data, p.addr, p.ts))
}

// open creates a session from a hard reset. A client restarting from the
// address of a live session replaces it, once the new reset proved valid.
func (w *worker) open(p *workerPacket, old *tableEntry) {
	peerID, ok := w.peerIDs.Allocate()
	if !ok {
		w.logger.SessionRejected(p.addr, "peer ids exhausted")
		return
	}
	entry := &tableEntry{worker: w, peerID: peerID, addr: p.addr}
	cfg := w.sessionConfig
	cfg.Logger = w.logger
	cfg.ConnID = w.node.Generate().Int64()
	cfg.PeerID = peerID
	cfg.LocalSessionID = 0
	cfg.OnTeardown = func(s *session.Session) { w.detach(entry, s) }
	s, err := session.New(cfg, p.addr, p.ts)
	if err != nil {
		w.peerIDs.Release(peerID)
		w.logger.SessionRejected(p.addr, err.Error())
		return
	}
	entry.localID = s.LocalID()
	out := s.HandleInbound(p.data, p.addr, p.ts)
	if s.State() == session.StateAwaitingHardReset {
		// Not a valid hard reset; nothing was opened.
		s.Close(session.CloseProtocolViolation, p.ts)
		return
	}
	if s.State() >= session.StateClosing {
		// Torn down while handling the reset, which released the peer id.
		return
	}
	entry.remoteID = s.RemoteID()
	if old != nil {
		if old.worker != w {
			w.reject(s, p, "address owned by another worker")
			return
		}
		w.close(old, session.CloseRequested, p.ts)
	}
	if !w.table.insert(entry) {
		w.reject(s, p, "session id or address in use")
		return
	}
	ws := &workerSession{s: s, entry: entry}
	w.sessions[entry] = ws
	w.apply(ws, out)
}

// reject tears down a session that was never registered. Its reset reply
// is not sent.
func (w *worker) reject(s *session.Session, p *workerPacket, reason string) {
	w.logger.SessionRejected(p.addr, reason)
	s.Close(session.CloseRequested, p.ts)
}

func (w *worker) apply(ws *workerSession, out session.Outcome) {
	peer := ws.s.Peer()
	for _, b := range out.Send {
		w.out.Enqueue(b, peer)
	}
	if out.Kind == session.OutcomeData {
		w.table.rebind(ws.entry, peer)
		if len(out.Data) > 0 {
			w.tunnel.Deliver(ws.entry.peerID, out.Data)
		}
	}
}

// detach runs from session.Close through OnTeardown. Only sessions that
// were registered leave a tombstone.
func (w *worker) detach(entry *tableEntry, s *session.Session) {
	w.peerIDs.Release(entry.peerID)
	if _, ok := w.sessions[entry]; !ok {
		return
	}
	delete(w.sessions, entry)
	w.table.remove(entry)
	w.admission.Bury(s.RemoteID())
}

func (w *worker) tick(now time.Time) {
	for _, ws := range w.sessions {
		w.apply(ws, ws.s.Tick(now))
	}
}

func (w *worker) encrypt(entry *tableEntry, payload []byte, now time.Time) {
	ws, ok := w.sessions[entry]
	if !ok {
		return
	}
	b, err := ws.s.Encrypt(payload, now)
	if err != nil {
		kind := session.KindOf(err)
		w.logger.SessionError(ws.s.Info(), kind, err)
		if kind == session.KindFatal {
			w.apply(ws, ws.s.Close(session.CloseFatal, now))
		}
		return
	}
	w.out.Enqueue(b, ws.s.Peer())
}

func (w *worker) close(entry *tableEntry, reason session.CloseReason, now time.Time) {
	if ws, ok := w.sessions[entry]; ok {
		w.apply(ws, ws.s.Close(reason, now))
	}
}

func (w *worker) shutdown(now time.Time) {
	for _, ws := range w.sessions {
		w.apply(ws, ws.s.Close(session.CloseShutdown, now))
	}
}
