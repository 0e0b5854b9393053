package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"chainp2p/internal/metrics"
	"chainp2p/internal/peer"
	"chainp2p/internal/proto"
	"chainp2p/internal/task"
)

// Handoff upgrades an address that completed discovery into a live peer. It
// is responsible for moving the address to HandshakeSucceeded.
type Handoff func(ctx context.Context, a peer.Address) error

// Shared is the state every discovery task points at.
type Shared struct {
	Protocol *Protocol
	Table    *peer.AddrTable
	Handoff  Handoff
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

func (s *Shared) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// TaskKey is the queue key for discovery of ep. It survives the promotion of
// an Unknown address to a Known one.
func TaskKey(ep proto.Endpoint) string {
	return "way/" + peer.EndpointKey(ep)
}

// InitiateWhoAreYou runs one WhoAreYou exchange and, on success, the
// transport handoff for an address.
type InitiateWhoAreYou struct {
	key    string
	ep     proto.Endpoint
	shared *Shared
}

func NewInitiateWhoAreYou(a peer.Address, s *Shared) InitiateWhoAreYou {
	return InitiateWhoAreYou{key: a.Key(), ep: a.Endpoint, shared: s}
}

func (t InitiateWhoAreYou) Key() string { return TaskKey(t.ep) }

// current finds the table entry, following a promotion from the endpoint
// key to the node id.
func (t InitiateWhoAreYou) current() (peer.Address, bool) {
	if a, ok := t.shared.Table.Get(t.key); ok && a.Slot >= 0 {
		return a, true
	}
	return t.shared.Table.GetByEndpoint(t.ep)
}

func (t InitiateWhoAreYou) Run(ctx context.Context, failCount int) (task.Outcome, error) {
	a, ok := t.current()
	if !ok {
		return task.Fatal, fmt.Errorf("%s: %w", t.key, peer.ErrNotFound)
	}
	if a.Status == peer.HandshakeSucceeded {
		return task.Success, nil
	}
	if _, err := t.shared.Table.Transition(a.Key(), peer.Initiated, peer.ReasonNone); err != nil {
		if errors.Is(err, peer.ErrStatusRegression) {
			return task.Success, nil
		}
		return task.Fatal, err
	}

	ack, err := t.shared.Protocol.Initiate(ctx, a.Endpoint)
	if err != nil {
		return t.fail(ctx, a.Key(), err)
	}
	if a.Known() && !bytes.Equal(a.PubKey, ack.PubKey) {
		return t.fail(ctx, a.Key(), fmt.Errorf("%s answered with another key: %w", a.Endpoint, peer.ErrIdentityMismatch))
	}
	ep := proto.NewEndpoint(a.Endpoint.IP, a.Endpoint.DiscPort, ack.From.P2PPort)
	known, err := peer.KnownAddress(ack.PubKey, ep)
	if err != nil {
		return t.fail(ctx, a.Key(), err)
	}
	known.Status = peer.DiscoverySucceeded
	stored, err := t.shared.Table.UpsertKnown(known)
	if err != nil {
		return t.fail(ctx, a.Key(), err)
	}
	t.shared.logger().Debug("discovered", zap.Stringer("addr", stored), zap.Int("fail_count", failCount))
	if stored.Status == peer.HandshakeSucceeded || t.shared.Handoff == nil {
		return task.Success, nil
	}
	if err := t.shared.Handoff(ctx, stored); err != nil {
		return t.fail(ctx, stored.Key(), err)
	}
	return task.Success, nil
}

// fail records the attempt failure and classifies it for the queue.
func (t InitiateWhoAreYou) fail(ctx context.Context, key string, err error) (task.Outcome, error) {
	if ctx.Err() != nil {
		return task.Retriable, err
	}
	reason := peer.ReasonFor(err)
	if _, terr := t.shared.Table.Transition(key, peer.HandshakeFailed, reason); terr != nil &&
		errors.Is(terr, peer.ErrStatusRegression) {
		return task.Success, nil
	}
	switch reason {
	case peer.ReasonSelfDial, peer.ReasonSignature, peer.ReasonTableFull, peer.ReasonIdentityMismatch:
		return task.Fatal, err
	default:
		return task.Retriable, err
	}
}

// Dropped evicts the address once the queue gives up on it.
func (t InitiateWhoAreYou) Dropped(reason error) {
	a, ok := t.current()
	if !ok || a.Status == peer.HandshakeSucceeded {
		return
	}
	r := peer.ReasonFor(reason)
	if r == peer.ReasonOther || r == peer.ReasonNone {
		r = peer.ReasonRetriesExhausted
	}
	if _, err := t.shared.Table.Evict(a.Key(), r); err != nil {
		t.shared.logger().Debug("evict", zap.String("key", a.Key()), zap.Error(err))
		return
	}
	t.shared.Metrics.Discovery("evicted")
	t.shared.logger().Info("address evicted", zap.Stringer("addr", a), zap.Stringer("reason", r))
}
