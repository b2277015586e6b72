package reliable

import (
	"bytes"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/apernet/corevpn/wire"
)

const (
	defaultWindowSize    = 8
	defaultMaxRetries    = 10
	defaultInitialRTO    = 2 * time.Second
	defaultMinRTO        = time.Second
	defaultMaxRTO        = 60 * time.Second
	defaultMaxBacklog    = 64
	defaultMaxOutOfOrder = 16
)

// Config tunes one Transport. Zero values select the defaults.
type Config struct {
	// WindowSize is the number of unacknowledged packets allowed in flight.
	WindowSize int
	// MaxRetries is how often one packet is retransmitted before the peer is
	// declared unreachable.
	MaxRetries int
	InitialRTO time.Duration
	MinRTO     time.Duration
	MaxRTO     time.Duration
	// MaxBacklog bounds packets queued behind a full window.
	MaxBacklog int
	// MaxOutOfOrder bounds how far ahead of the expected message id the peer
	// may send.
	MaxOutOfOrder int
}

func (c *Config) fillDefaults() {
	if c.WindowSize <= 0 {
		c.WindowSize = defaultWindowSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.InitialRTO <= 0 {
		c.InitialRTO = defaultInitialRTO
	}
	if c.MinRTO <= 0 {
		c.MinRTO = defaultMinRTO
	}
	if c.MaxRTO <= 0 {
		c.MaxRTO = defaultMaxRTO
	}
	if c.MaxRTO < c.MinRTO {
		c.MaxRTO = c.MinRTO
	}
	if c.MaxBacklog <= 0 {
		c.MaxBacklog = defaultMaxBacklog
	}
	if c.MaxOutOfOrder <= 0 {
		c.MaxOutOfOrder = defaultMaxOutOfOrder
	}
}

// Outgoing is one control packet the caller has to put on the wire, either
// for the first time (Attempt 0) or as a retransmission.
type Outgoing struct {
	Op        wire.Opcode
	MessageID uint32
	Payload   []byte
	Attempt   int
}

type entry struct {
	Outgoing
	sentAt   time.Time
	deadline time.Time
	rto      time.Duration
}

// Transport is the reliability layer of one key negotiation: it numbers
// outgoing control messages, retransmits them until acknowledged and
// orders incoming ones. It is owned by a single session goroutine.
type Transport struct {
	cfg      Config
	rtt      *rttEstimator
	nextID   uint32
	inflight []*entry
	backlog  []*entry
	acks     []uint32
	reasm    *Reassembler
}

func New(cfg Config) *Transport {
	cfg.fillDefaults()
	return &Transport{
		cfg:   cfg,
		rtt:   newRTTEstimator(cfg.InitialRTO, cfg.MinRTO, cfg.MaxRTO),
		reasm: NewReassembler(cfg.MaxOutOfOrder),
	}
}

// Send queues payload as the next control message and returns its message
// id. The packet goes out on the next Tick once the window has room.
func (t *Transport) Send(op wire.Opcode, payload []byte) (uint32, error) {
	if len(t.backlog) >= t.cfg.MaxBacklog {
		return 0, ErrBacklogFull
	}
	id := t.nextID
	t.nextID++
	t.backlog = append(t.backlog, &entry{Outgoing: Outgoing{
		Op:        op,
		MessageID: id,
		Payload:   bytes.Clone(payload),
	}})
	return id, nil
}

// Acknowledge drops every in-flight packet named in ids and returns how
// many were removed. Only first transmissions update the RTT estimate.
func (t *Transport) Acknowledge(ids []uint32, now time.Time) int {
	removed := 0
	for _, id := range ids {
		i := slices.IndexFunc(t.inflight, func(e *entry) bool { return e.MessageID == id })
		if i < 0 {
			continue
		}
		e := t.inflight[i]
		if e.Attempt == 0 {
			t.rtt.Observe(now.Sub(e.sentAt))
		}
		t.inflight = slices.Delete(t.inflight, i, i+1)
		removed++
	}
	return removed
}

// Receive records an incoming control message. It is always acknowledged,
// but fresh reports whether its payload was new.
func (t *Transport) Receive(id uint32, payload []byte) (fresh bool, err error) {
	fresh, err = t.reasm.Push(id, payload)
	if err != nil {
		return false, err
	}
	if !slices.Contains(t.acks, id) {
		t.acks = append(t.acks, id)
	}
	return fresh, nil
}

// Records yields the complete handshake records received so far.
func (t *Transport) Records() iter.Seq[[]byte] {
	return t.reasm.Records()
}

// Err reports a framing error in the received handshake stream.
func (t *Transport) Err() error {
	return t.reasm.Err()
}

// Tick returns the packets due now: retransmissions of expired entries with
// doubled timeouts, then backlog entries the window has room for.
func (t *Transport) Tick(now time.Time) ([]Outgoing, error) {
	var out []Outgoing
	for _, e := range t.inflight {
		if now.Before(e.deadline) {
			continue
		}
		if e.Attempt >= t.cfg.MaxRetries {
			return nil, fmt.Errorf("%w: message %d after %d attempts", ErrRetriesExhausted, e.MessageID, e.Attempt+1)
		}
		e.Attempt++
		e.rto = min(2*e.rto, t.cfg.MaxRTO)
		e.sentAt = now
		e.deadline = now.Add(e.rto)
		out = append(out, e.Outgoing)
	}
	for len(t.backlog) > 0 && len(t.inflight) < t.cfg.WindowSize {
		e := t.backlog[0]
		t.backlog = t.backlog[1:]
		e.rto = t.rtt.RTO()
		e.sentAt = now
		e.deadline = now.Add(e.rto)
		t.inflight = append(t.inflight, e)
		out = append(out, e.Outgoing)
	}
	return out, nil
}

// TakeAcks removes and returns up to limit pending acknowledgements.
func (t *Transport) TakeAcks(limit int) []uint32 {
	if limit <= 0 || len(t.acks) == 0 {
		return nil
	}
	n := min(limit, len(t.acks))
	ids := slices.Clone(t.acks[:n])
	t.acks = t.acks[n:]
	if len(t.acks) == 0 {
		t.acks = nil
	}
	return ids
}

func (t *Transport) PendingAcks() int {
	return len(t.acks)
}

// Idle reports whether every message sent so far has been acknowledged.
func (t *Transport) Idle() bool {
	return len(t.inflight) == 0 && len(t.backlog) == 0
}

// RTO is the timeout a packet sent now would get.
func (t *Transport) RTO() time.Duration {
	return t.rtt.RTO()
}

// SRTT is the current smoothed round trip time, zero before any sample.
func (t *Transport) SRTT() time.Duration {
	return t.rtt.SRTT()
}
