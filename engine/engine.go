package engine

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/apernet/corevpn/io"
	"github.com/apernet/corevpn/ruleset"
	"github.com/apernet/corevpn/session"
	"github.com/apernet/corevpn/wire"
)

const (
	defaultMaxSessions       = 4096
	defaultOutboundQueueSize = 1024
	defaultTombstoneSize     = 4096
	defaultTombstoneTTL      = 60 * time.Second
)

var (
	ErrUnknownPeer    = errors.New("unknown peer id")
	ErrUnknownSession = errors.New("unknown session")
	ErrBusy           = errors.New("worker busy")
)

var _ Engine = (*engine)(nil)

type engine struct {
	logger    Logger
	io        io.PacketIO
	table     *sessionTable
	admission *admission
	out       *outbound
	workers   []*worker
}

func (c *Config) fillDefaults() {
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = defaultMaxSessions
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = defaultOutboundQueueSize
	}
	if c.HandshakeBurst <= 0 {
		c.HandshakeBurst = max(1, int(c.HandshakeRate))
	}
	if c.TombstoneSize <= 0 {
		c.TombstoneSize = defaultTombstoneSize
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = defaultTombstoneTTL
	}
}

func NewEngine(config Config) (Engine, error) {
	config.fillDefaults()
	if config.IO == nil {
		return nil, errors.New("engine: no packet IO")
	}
	if config.Tunnel == nil {
		return nil, errors.New("engine: no tunnel")
	}
	if config.Session.Handshakers == nil {
		return nil, errors.New("engine: no handshaker factory")
	}
	table := newSessionTable()
	adm := newAdmission(config.Ruleset, &config)
	out := newOutbound(config.IO, config.Logger, config.OutboundQueueSize)
	peerIDs := newPeerIDPool()
	var err error
	workers := make([]*worker, config.Workers)
	for i := range workers {
		workers[i], err = newWorker(workerConfig{
			ID:            i,
			ChanSize:      config.WorkerQueueSize,
			TickInterval:  config.TickInterval,
			Logger:        config.Logger,
			SessionConfig: config.Session,
			Table:         table,
			PeerIDs:       peerIDs,
			Admission:     adm,
			Outbound:      out,
			Tunnel:        config.Tunnel,
		})
		if err != nil {
			return nil, err
		}
	}
	return &engine{
		logger:    config.Logger,
		io:        config.IO,
		table:     table,
		admission: adm,
		out:       out,
		workers:   workers,
	}, nil
}

func (e *engine) UpdateRuleset(r ruleset.Ruleset) error {
	e.admission.UpdateRuleset(r)
	return nil
}

func (e *engine) Sessions() int {
	return e.table.Len()
}

func (e *engine) SendData(peerID uint32, payload []byte) error {
	entry, ok := e.table.byPeer.Get(peerID)
	if !ok {
		return ErrUnknownPeer
	}
	payload = bytes.Clone(payload)
	if !entry.worker.Exec(func(w *worker) { w.encrypt(entry, payload, time.Now()) }) {
		return ErrBusy
	}
	return nil
}

func (e *engine) CloseSession(id wire.SessionID) error {
	entry, ok := e.table.byID.Get(id)
	if !ok {
		return ErrUnknownSession
	}
	if !entry.worker.Exec(func(w *worker) { w.close(entry, session.CloseRequested, time.Now()) }) {
		return ErrBusy
	}
	return nil
}

func (e *engine) Run(ctx context.Context) error {
	ioCtx, ioCancel := context.WithCancel(ctx)
	defer ioCancel() // Stop workers & IO

	// The writer outlives the workers so their final packets still go out.
	outCtx, outCancel := context.WithCancel(context.Background())
	outDone := make(chan struct{})
	go func() {
		e.out.Run(outCtx)
		close(outDone)
	}()
	defer func() {
		outCancel()
		<-outDone
	}()

	g, gCtx := errgroup.WithContext(ioCtx)
	for _, w := range e.workers {
		g.Go(func() error { return w.Run(gCtx) })
	}

	errChan := make(chan error, 1)
	err := e.io.Register(gCtx, func(p io.Packet, err error) bool {
		if err != nil {
			select {
			case errChan <- err:
			default:
			}
			return false
		}
		return e.dispatch(p)
	})
	if err != nil {
		ioCancel()
		_ = g.Wait()
		return err
	}

	// Block until IO errors or context is cancelled
	g.Go(func() error {
		select {
		case err := <-errChan:
			return err
		case <-gCtx.Done():
			return nil
		}
	})
	return g.Wait()
}

// dispatch routes a datagram to the worker owning its session. It must be
// safe for concurrent use.
func (e *engine) dispatch(p io.Packet) bool {
	data, addr := p.Data(), p.Addr()
	// Session timers run on the engine clock; replayed captures carry old
	// timestamps.
	now := time.Now()
	h, err := wire.PeekHeader(data)
	if err != nil {
		e.logger.PacketDropped(addr, err.Error())
		return true
	}
	reset := h.Op == wire.OpControlHardResetClientV2 || h.Op == wire.OpControlHardResetClientV3
	var entry *tableEntry
	if h.Op == wire.OpDataV2 {
		entry, _ = e.table.byPeer.Get(h.PeerID)
	}
	if entry == nil {
		entry, _ = e.table.byAddr.Get(addr)
	}
	if entry != nil && (!reset || entry.remoteID == h.SessionID) {
		if !entry.worker.Feed(&workerPacket{data: data, addr: addr, ts: now, entry: entry}) {
			e.logger.PacketDropped(addr, "worker busy")
		}
		return true
	}
	if !reset {
		e.logger.PacketDropped(addr, "no session for "+h.Op.String())
		return true
	}
	if reason := e.admission.Admit(ruleset.PeerInfo{
		Addr:      addr,
		Opcode:    h.Op,
		KeyID:     h.Key,
		SessionID: h.SessionID,
		Sessions:  e.table.Len(),
	}, p.Timestamp()); reason != "" {
		e.logger.SessionRejected(addr, reason)
		return true
	}
	// Load balance new sessions by client address
	index := hashAddr(addr) % uint64(len(e.workers))
	if !e.workers[index].Feed(&workerPacket{data: data, addr: addr, ts: now, sid: h.SessionID}) {
		e.logger.PacketDropped(addr, "worker busy")
	}
	return true
}
