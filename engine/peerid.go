package engine

import (
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/apernet/corevpn/wire"
)

// peerIDPool hands out the 24-bit peer ids of data v2 packets. The value
// wire.NoPeerID is never allocated.
type peerIDPool struct {
	mu   sync.Mutex
	used *bitset.BitSet
	next uint
}

func newPeerIDPool() *peerIDPool {
	return &peerIDPool{used: bitset.New(uint(wire.NoPeerID))}
}

func (p *peerIDPool) Allocate() (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.used.NextClear(p.next)
	if !ok || id >= uint(wire.NoPeerID) {
		// Wrap around once.
		if id, ok = p.used.NextClear(0); !ok || id >= uint(wire.NoPeerID) {
			return 0, false
		}
	}
	p.used.Set(id)
	p.next = id + 1
	return uint32(id), true
}

func (p *peerIDPool) Release(id uint32) {
	if id >= wire.NoPeerID {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.used.Clear(uint(id))
}
