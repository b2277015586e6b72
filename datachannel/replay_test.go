package datachannel

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func accept(t *testing.T, w *ReplayWindow, c uint64) {
	t.Helper()
	require.NoError(t, w.Check(c), "counter %d", c)
	w.Commit(c)
}

func TestReplayWindowRejectsRepeat(t *testing.T) {
	w := NewReplayWindow(DefaultReplayWindow)
	accept(t, w, 1)
	assert.True(t, errors.Is(w.Check(1), ErrReplay))
	assert.True(t, errors.Is(w.Check(0), ErrReplay))
}

func TestReplayWindowAnyOrder(t *testing.T) {
	const base, n = 1000, DefaultReplayWindow - 1
	w := NewReplayWindow(DefaultReplayWindow)
	accept(t, w, base)

	order := rand.New(rand.NewSource(1)).Perm(n)
	for _, i := range order {
		accept(t, w, base+1+uint64(i))
	}
	for i := 0; i <= n; i++ {
		assert.Error(t, w.Check(base+uint64(i)))
	}
}

func TestReplayWindowSlides(t *testing.T) {
	w := NewReplayWindow(DefaultReplayWindow)
	accept(t, w, 10)
	accept(t, w, 10+DefaultReplayWindow)
	// 10 is now exactly one window behind and must be refused.
	assert.Error(t, w.Check(10))
	// Everything between was never seen and is still inside the window.
	accept(t, w, 11)
	accept(t, w, 10+DefaultReplayWindow-1)

	// A jump larger than the window forgets every old bit.
	accept(t, w, 10_000)
	assert.NoError(t, w.Check(10_000-DefaultReplayWindow+1))
	assert.Error(t, w.Check(10_000-DefaultReplayWindow))
}

func TestReplayWindowMinimumSize(t *testing.T) {
	w := NewReplayWindow(16)
	accept(t, w, 200)
	assert.NoError(t, w.Check(200-DefaultReplayWindow+1))
}
