package peer

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"chainp2p/internal/proto"
)

const (
	DefaultCapacity  = 256
	DefaultFailedCap = 1024
)

var (
	ErrNotFound         = errors.New("address not found")
	ErrStatusRegression = errors.New("status regression")
	ErrNotKnown         = errors.New("address has no public key")
)

type TableOptions struct {
	Capacity int
	// FailedCap bounds how many evicted addresses are still reported by Get.
	FailedCap int
	Clock     clock.Clock
}

type tableEntry struct {
	mu      sync.Mutex
	addr    Address
	guard   *SlotGuard
	removed bool
}

// AddrTable maps address keys to entries holding a slot. Lookups take the
// table read lock; status changes only lock the entry they touch. Lock order
// is table then entry.
type AddrTable struct {
	mu         sync.RWMutex
	slots      *SlotPool
	entries    map[string]*tableEntry
	byEndpoint map[string]string
	failed     *lru.Cache[string, Address]
	clock      clock.Clock
}

func NewAddrTable(opts TableOptions) (*AddrTable, error) {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	failedCap := opts.FailedCap
	if failedCap <= 0 {
		failedCap = DefaultFailedCap
	}
	failed, err := lru.New[string, Address](failedCap)
	if err != nil {
		return nil, err
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &AddrTable{
		slots:      NewSlotPool(capacity),
		entries:    make(map[string]*tableEntry, capacity),
		byEndpoint: make(map[string]string, capacity),
		failed:     failed,
		clock:      clk,
	}, nil
}

// TryReserve takes a free slot without blocking.
func (t *AddrTable) TryReserve(ep proto.Endpoint) (*SlotGuard, error) {
	g, err := t.slots.TryReserve()
	if err != nil {
		return nil, fmt.Errorf("reserve %s: %w", ep, err)
	}
	return g, nil
}

// AddUnknown admits ep as an Unknown address, or returns the entry that
// already holds ep.
func (t *AddrTable) AddUnknown(ep proto.Endpoint) (Address, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	epKey := EndpointKey(ep)
	if key, ok := t.byEndpoint[epKey]; ok {
		return t.entries[key].snapshot(), nil
	}
	g, err := t.TryReserve(ep)
	if err != nil {
		return Address{}, err
	}
	a := UnknownAddress(ep)
	a.Slot = g.Index()
	a.UpdatedAt = t.clock.Now()
	t.insertLocked(&tableEntry{addr: a, guard: g})
	t.failed.Remove(epKey)
	return a.clone(), nil
}

// UpsertKnown records a Known address. An existing entry for the same node is
// updated, an Unknown entry for the same endpoint is promoted in place, and
// anything else needs a free slot. a.Status is applied with the same rules as
// Transition; a refused regression leaves the current status.
func (t *AddrTable) UpsertKnown(a Address) (Address, error) {
	if !a.Known() {
		return Address{}, ErrNotKnown
	}
	key := a.Key()
	epKey := EndpointKey(a.Endpoint)
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[key]; ok {
		e.mu.Lock()
		old := EndpointKey(e.addr.Endpoint)
		e.addr.Endpoint = a.Endpoint
		applyStatus(&e.addr, a.Status, a.Reason, now)
		out := e.addr.clone()
		e.mu.Unlock()
		if old != epKey {
			t.unindexLocked(key, old)
			t.dropUnknownLocked(epKey)
			t.indexLocked(key, epKey)
		}
		return out, nil
	}

	if oldKey, ok := t.byEndpoint[epKey]; ok {
		if e := t.entries[oldKey]; !e.addr.Known() {
			delete(t.entries, oldKey)
			e.mu.Lock()
			slot := e.addr.Slot
			e.addr = a.clone()
			e.addr.Slot = slot
			applyStatus(&e.addr, a.Status, a.Reason, now)
			out := e.addr.clone()
			e.mu.Unlock()
			t.insertLocked(e)
			t.failed.Remove(key)
			return out, nil
		}
	}

	g, err := t.TryReserve(a.Endpoint)
	if err != nil {
		return Address{}, err
	}
	n := a.clone()
	n.Slot = g.Index()
	n.UpdatedAt = now
	t.insertLocked(&tableEntry{addr: n, guard: g})
	t.failed.Remove(key)
	return n.clone(), nil
}

// dropUnknownLocked removes an Unknown entry superseded by a Known one.
func (t *AddrTable) dropUnknownLocked(epKey string) {
	key, ok := t.byEndpoint[epKey]
	if !ok {
		return
	}
	e := t.entries[key]
	if e.addr.Known() {
		return
	}
	delete(t.entries, key)
	delete(t.byEndpoint, epKey)
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	e.guard.Release()
}

func (t *AddrTable) insertLocked(e *tableEntry) {
	key := e.addr.Key()
	t.entries[key] = e
	t.indexLocked(key, EndpointKey(e.addr.Endpoint))
}

// indexLocked points epKey at key unless another Known entry already holds
// the endpoint.
func (t *AddrTable) indexLocked(key, epKey string) {
	if cur, ok := t.byEndpoint[epKey]; ok && cur != key {
		if e := t.entries[cur]; e != nil && e.addr.Known() {
			return
		}
	}
	t.byEndpoint[epKey] = key
}

// unindexLocked drops key from the endpoint index and hands epKey to any
// other entry still at that endpoint.
func (t *AddrTable) unindexLocked(key, epKey string) {
	if t.byEndpoint[epKey] != key {
		return
	}
	delete(t.byEndpoint, epKey)
	for k, e := range t.entries {
		if k != key && EndpointKey(e.addr.Endpoint) == epKey {
			t.byEndpoint[epKey] = k
			return
		}
	}
}

func (e *tableEntry) snapshot() Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addr.clone()
}

// Get returns the entry for key, or its final record when it was evicted.
func (t *AddrTable) Get(key string) (Address, bool) {
	t.mu.RLock()
	e, ok := t.entries[key]
	t.mu.RUnlock()
	if ok {
		return e.snapshot(), true
	}
	if a, ok := t.failed.Peek(key); ok {
		return a.clone(), true
	}
	return Address{}, false
}

func (t *AddrTable) GetByEndpoint(ep proto.Endpoint) (Address, bool) {
	t.mu.RLock()
	key, ok := t.byEndpoint[EndpointKey(ep)]
	var e *tableEntry
	if ok {
		e = t.entries[key]
	}
	t.mu.RUnlock()
	if e == nil {
		return Address{}, false
	}
	return e.snapshot(), true
}

// Snapshot copies every live entry, ordered by slot.
func (t *AddrTable) Snapshot() []Address {
	t.mu.RLock()
	es := make([]*tableEntry, 0, len(t.entries))
	for _, e := range t.entries {
		es = append(es, e)
	}
	t.mu.RUnlock()
	out := make([]Address, 0, len(es))
	for _, e := range es {
		out = append(out, e.snapshot())
	}
	slices.SortFunc(out, func(a, b Address) int { return a.Slot - b.Slot })
	return out
}

// All yields a snapshot taken when iteration starts.
func (t *AddrTable) All() iter.Seq[Address] {
	return func(yield func(Address) bool) {
		for _, a := range t.Snapshot() {
			if !yield(a) {
				return
			}
		}
	}
}

// Transition sets the status of key. Leaving HandshakeSucceeded is refused
// with ErrStatusRegression; Demote is the only way out.
func (t *AddrTable) Transition(key string, status Status, reason Reason) (Address, error) {
	return t.update(key, func(a *Address, now time.Time) error {
		if a.Status == HandshakeSucceeded && status != HandshakeSucceeded {
			return fmt.Errorf("%s %s -> %s: %w", key, a.Status, status, ErrStatusRegression)
		}
		a.Status = status
		a.Reason = reason
		a.UpdatedAt = now
		return nil
	})
}

// Demote moves an address back to UnInitialized after its peer went away.
func (t *AddrTable) Demote(key string) (Address, error) {
	return t.update(key, func(a *Address, now time.Time) error {
		a.Status = UnInitialized
		a.Reason = ReasonNone
		a.UpdatedAt = now
		return nil
	})
}

func (t *AddrTable) update(key string, fn func(*Address, time.Time) error) (Address, error) {
	t.mu.RLock()
	e, ok := t.entries[key]
	t.mu.RUnlock()
	if !ok {
		return Address{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Address{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err := fn(&e.addr, t.clock.Now()); err != nil {
		return e.addr.clone(), err
	}
	return e.addr.clone(), nil
}

// Evict marks key DiscoveryFailed, frees its slot and keeps the final record
// in the recently failed cache.
func (t *AddrTable) Evict(key string, reason Reason) (Address, error) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		t.mu.Unlock()
		return Address{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	delete(t.entries, key)
	t.unindexLocked(key, EndpointKey(e.addr.Endpoint))
	e.mu.Lock()
	e.removed = true
	e.addr.Status = DiscoveryFailed
	e.addr.Reason = reason
	e.addr.UpdatedAt = t.clock.Now()
	e.addr.Slot = -1
	final := e.addr.clone()
	e.mu.Unlock()
	t.mu.Unlock()

	e.guard.Release()
	t.failed.Add(key, final)
	return final.clone(), nil
}

func (t *AddrTable) Len() int {
	return t.slots.InUse()
}

func (t *AddrTable) Cap() int {
	return t.slots.Cap()
}

func (t *AddrTable) Full() bool {
	return t.Len() >= t.Cap()
}

func applyStatus(a *Address, status Status, reason Reason, now time.Time) {
	if a.Status == HandshakeSucceeded && status != HandshakeSucceeded {
		return
	}
	a.Status = status
	a.Reason = reason
	a.UpdatedAt = now
}
