package peer

import (
	"errors"
	"sync/atomic"
)

var ErrTableFull = errors.New("address table full")

// SlotPool hands out at most Cap slot indexes. Free indexes are kept in a
// FIFO channel so a released slot goes to the back of the line.
type SlotPool struct {
	free chan int
}

func NewSlotPool(capacity int) *SlotPool {
	if capacity < 0 {
		capacity = 0
	}
	p := &SlotPool{free: make(chan int, capacity)}
	for i := 0; i < capacity; i++ {
		p.free <- i
	}
	return p
}

// TryReserve never blocks; it returns ErrTableFull when every slot is owned.
func (p *SlotPool) TryReserve() (*SlotGuard, error) {
	select {
	case i := <-p.free:
		return &SlotGuard{index: i, ret: p.free}, nil
	default:
		return nil, ErrTableFull
	}
}

func (p *SlotPool) Cap() int {
	return cap(p.free)
}

func (p *SlotPool) InUse() int {
	return cap(p.free) - len(p.free)
}

// SlotGuard owns one slot until Release.
type SlotGuard struct {
	index    int
	ret      chan<- int
	released atomic.Bool
}

func (g *SlotGuard) Index() int {
	return g.index
}

// Release returns the slot to its pool. Only the first call has an effect;
// it reports whether this call released it.
func (g *SlotGuard) Release() bool {
	if g == nil || !g.released.CompareAndSwap(false, true) {
		return false
	}
	g.ret <- g.index
	return true
}

func (g *SlotGuard) Released() bool {
	return g == nil || g.released.Load()
}
