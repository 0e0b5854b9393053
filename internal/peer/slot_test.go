package peer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotPoolCapacityTwo(t *testing.T) {
	p := NewSlotPool(2)
	a, err := p.TryReserve()
	require.NoError(t, err)
	b, err := p.TryReserve()
	require.NoError(t, err)
	assert.NotEqual(t, a.Index(), b.Index())

	_, err = p.TryReserve()
	require.ErrorIs(t, err, ErrTableFull)

	require.True(t, a.Release())
	c, err := p.TryReserve()
	require.NoError(t, err)
	assert.Equal(t, a.Index(), c.Index())
	assert.Equal(t, 2, p.InUse())
}

func TestSlotReleaseExactlyOnce(t *testing.T) {
	p := NewSlotPool(1)
	g, err := p.TryReserve()
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Release() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.True(t, g.Released())
	assert.Equal(t, 0, p.InUse())

	_, err = p.TryReserve()
	require.NoError(t, err)
	_, err = p.TryReserve()
	require.ErrorIs(t, err, ErrTableFull)
}

func TestSlotPoolNeverExceedsCapacity(t *testing.T) {
	const capacity = 8
	p := NewSlotPool(capacity)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		held = map[int]bool{}
		peak int
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := p.TryReserve()
			mu.Lock()
			if err != nil {
				mu.Unlock()
				return
			}
			if held[g.Index()] {
				t.Errorf("slot %d handed out twice", g.Index())
			}
			held[g.Index()] = true
			if len(held) > peak {
				peak = len(held)
			}
			delete(held, g.Index())
			mu.Unlock()
			g.Release()
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak, capacity)
	assert.Equal(t, 0, p.InUse())
}

func TestNilGuardRelease(t *testing.T) {
	var g *SlotGuard
	assert.False(t, g.Release())
	assert.True(t, g.Released())
}
