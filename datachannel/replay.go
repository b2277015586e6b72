package datachannel

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// DefaultReplayWindow is the number of counters tracked behind the highest
// one accepted so far.
const DefaultReplayWindow = 128

// ReplayWindow is a sliding bitmap of recently accepted packet counters.
// Checking and committing are separate steps so a packet can be screened
// before it is authenticated and recorded only after.
type ReplayWindow struct {
	size    uint64
	highest uint64
	seen    *bitset.BitSet
}

func NewReplayWindow(size uint) *ReplayWindow {
	if size < DefaultReplayWindow {
		size = DefaultReplayWindow
	}
	return &ReplayWindow{
		size: uint64(size),
		seen: bitset.New(size),
	}
}

// Check reports whether counter would be accepted. Counter zero is never
// valid.
func (w *ReplayWindow) Check(counter uint64) error {
	switch {
	case counter == 0:
		return fmt.Errorf("%w: counter zero", ErrReplay)
	case counter > w.highest:
		return nil
	case w.highest-counter >= w.size:
		return fmt.Errorf("%w: counter %d behind window (highest %d)", ErrReplay, counter, w.highest)
	case w.seen.Test(w.bit(counter)):
		return fmt.Errorf("%w: counter %d", ErrReplay, counter)
	}
	return nil
}

// Commit records counter as seen. It must only follow a successful Check.
func (w *ReplayWindow) Commit(counter uint64) {
	if counter > w.highest {
		if counter-w.highest >= w.size {
			w.seen.ClearAll()
		} else {
			for c := w.highest + 1; c < counter; c++ {
				w.seen.Clear(w.bit(c))
			}
		}
		w.highest = counter
	}
	w.seen.Set(w.bit(counter))
}

func (w *ReplayWindow) Reset() {
	w.highest = 0
	w.seen.ClearAll()
}

func (w *ReplayWindow) bit(counter uint64) uint {
	return uint(counter % w.size)
}
