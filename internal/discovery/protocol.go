package discovery

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"chainp2p/internal/crypto"
	"chainp2p/internal/debuglog"
	"chainp2p/internal/metrics"
	"chainp2p/internal/peer"
	"chainp2p/internal/proto"
)

const (
	DefaultTimeout    = 5 * time.Second
	DefaultExpiration = 60 * time.Second

	replayCacheSize = 4096
	rejectLogEvery  = 10 * time.Second
)

var (
	ErrUnsolicited = errors.New("unsolicited way_ack")
	errReplayedSyn = errors.New("replayed way_syn")
)

// PacketWriter sends datagrams. *net.UDPConn implements it.
type PacketWriter interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

type Options struct {
	Identity *crypto.Identity
	// Self is the endpoint advertised in way_syn and way_ack.
	Self     proto.Endpoint
	ListenIP netip.Addr
	Table    *peer.AddrTable
	// Timeout bounds how long Initiate waits for the Ack.
	Timeout    time.Duration
	Expiration time.Duration
	Clock      clock.Clock
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

type ackResult struct {
	ack proto.WayAck
	err error
}

type pendingReq struct {
	to     netip.AddrPort
	sentAt time.Time
	done   chan ackResult
}

// Protocol is the WhoAreYou state machine. Initiate may be called from many
// goroutines; HandlePacket is driven by the single receive loop.
type Protocol struct {
	id         *crypto.Identity
	self       proto.Endpoint
	listenIP   netip.Addr
	table      *peer.AddrTable
	conn       PacketWriter
	timeout    time.Duration
	expiration time.Duration
	clock      clock.Clock
	log        *zap.Logger
	rlog       *debuglog.RateLimiter
	metrics    *metrics.Metrics

	mu      sync.Mutex
	pending map[string]*pendingReq
	replay  *expirable.LRU[[32]byte, struct{}]
}

func NewProtocol(conn PacketWriter, opts Options) (*Protocol, error) {
	if opts.Identity == nil {
		return nil, fmt.Errorf("discovery: missing identity")
	}
	if opts.Table == nil {
		return nil, fmt.Errorf("discovery: missing address table")
	}
	p := &Protocol{
		id:         opts.Identity,
		self:       opts.Self,
		listenIP:   opts.ListenIP,
		table:      opts.Table,
		conn:       conn,
		timeout:    opts.Timeout,
		expiration: opts.Expiration,
		clock:      opts.Clock,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		rlog:       debuglog.NewRateLimiter(rejectLogEvery),
		pending:    make(map[string]*pendingReq),
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.expiration <= 0 {
		p.expiration = DefaultExpiration
	}
	if p.clock == nil {
		p.clock = clock.New()
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	if !p.listenIP.IsValid() {
		p.listenIP = netip.IPv4Unspecified()
	}
	p.replay = expirable.NewLRU[[32]byte, struct{}](replayCacheSize, nil, p.expiration)
	return p, nil
}

// IsSelf reports whether ep is this node's own discovery endpoint.
func (p *Protocol) IsSelf(ep proto.Endpoint) bool {
	return proto.IsSelfAddr(p.listenIP, p.self.IP, p.self.DiscPort, ep.IP, ep.DiscPort)
}

// Initiate sends a way_syn to ep and waits for the matching way_ack.
func (p *Protocol) Initiate(ctx context.Context, ep proto.Endpoint) (proto.WayAck, error) {
	if p.IsSelf(ep) {
		p.metrics.Discovery("self_dial")
		return proto.WayAck{}, fmt.Errorf("initiate %s: %w", ep, proto.ErrSelfDial)
	}
	tok := uuid.New()
	syn := proto.WaySyn{WhoAreYou: proto.WhoAreYou{
		PubKey: p.id.PublicKey(),
		From:   p.self,
		Token:  tok[:],
	}}
	now := p.clock.Now()
	if err := p.sign(&syn.WhoAreYou, proto.KindWaySyn, now); err != nil {
		return proto.WayAck{}, err
	}
	frame, err := proto.Encode(syn)
	if err != nil {
		return proto.WayAck{}, err
	}

	to := ep.UDP()
	key := hex.EncodeToString(tok[:])
	req := &pendingReq{to: to, sentAt: now, done: make(chan ackResult, 1)}
	p.mu.Lock()
	p.pending[key] = req
	p.mu.Unlock()
	defer p.forget(key)

	tctx, cancel := p.clock.WithTimeout(ctx, p.timeout)
	defer cancel()
	if _, err := p.conn.WriteToUDPAddrPort(frame, to); err != nil {
		return proto.WayAck{}, fmt.Errorf("send way_syn to %s: %w", to, err)
	}
	p.metrics.Discovery("syn_sent")

	select {
	case r := <-req.done:
		if r.err != nil {
			return proto.WayAck{}, fmt.Errorf("way_ack from %s: %w", to, r.err)
		}
		p.metrics.Discovery("success")
		p.metrics.DiscoveryLatency(p.clock.Since(now))
		return r.ack, nil
	case <-tctx.Done():
		if ctx.Err() != nil {
			return proto.WayAck{}, ctx.Err()
		}
		p.metrics.Discovery("timeout")
		return proto.WayAck{}, fmt.Errorf("way_syn to %s: %w", to, proto.ErrHandshakeTimeout)
	}
}

func (p *Protocol) forget(key string) {
	p.mu.Lock()
	delete(p.pending, key)
	p.mu.Unlock()
}

// Pending is the number of Initiate calls waiting for an Ack.
func (p *Protocol) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Protocol) sign(w *proto.WhoAreYou, kind string, now time.Time) error {
	w.SentAt = uint64(now.UnixMilli())
	sb, err := w.SigningBytes(kind)
	if err != nil {
		return err
	}
	w.Sig = p.id.Sign(sb)
	return nil
}

func (p *Protocol) verify(w proto.WhoAreYou, kind string) error {
	if _, err := crypto.ParsePublicKey(w.PubKey); err != nil {
		return fmt.Errorf("%w: %v", proto.ErrSignatureInvalid, err)
	}
	if len(w.Token) != proto.TokenSize {
		return fmt.Errorf("%w: token size %d", proto.ErrFrameMalformed, len(w.Token))
	}
	sb, err := w.SigningBytes(kind)
	if err != nil {
		return err
	}
	if !crypto.Verify(w.PubKey, sb, w.Sig) {
		return proto.ErrSignatureInvalid
	}
	return nil
}

// HandlePacket processes one datagram from the receive loop. Rejected packets
// are counted and logged; they never produce a reply.
func (p *Protocol) HandlePacket(b []byte, from netip.AddrPort) {
	from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
	m, err := proto.Decode(b)
	if err != nil {
		p.reject("malformed", from, err)
		return
	}
	switch m := m.(type) {
	case proto.WaySyn:
		err = p.handleSyn(m, from)
	case proto.WayAck:
		err = p.handleAck(m, from)
	default:
		err = fmt.Errorf("%w: %s on discovery socket", proto.ErrFrameMalformed, m.Kind())
	}
	if err != nil {
		p.reject(rejectLabel(err), from, err)
	}
}

func (p *Protocol) reject(label string, from netip.AddrPort, err error) {
	p.metrics.Drop("way_" + label)
	p.rlog.Debug(p.log, label+"/"+from.Addr().String(), "discovery packet rejected",
		zap.Stringer("from", from), zap.Error(err))
}

func rejectLabel(err error) string {
	switch {
	case errors.Is(err, proto.ErrSelfDial):
		return "self_dial"
	case errors.Is(err, proto.ErrSignatureInvalid):
		return "signature"
	case errors.Is(err, proto.ErrHandshakeExpired):
		return "expired"
	case errors.Is(err, errReplayedSyn):
		return "replay"
	case errors.Is(err, ErrUnsolicited):
		return "unsolicited"
	default:
		return "malformed"
	}
}

func (p *Protocol) expired(sentAt uint64, now time.Time) bool {
	skew := now.Sub(time.UnixMilli(int64(sentAt)))
	return skew > p.expiration || skew < -p.expiration
}

func (p *Protocol) handleSyn(syn proto.WaySyn, from netip.AddrPort) error {
	p.metrics.Discovery("syn_recv")
	if err := p.verify(syn.WhoAreYou, proto.KindWaySyn); err != nil {
		return err
	}
	if bytes.Equal(syn.PubKey, p.id.PublicKey()) || p.IsSelf(syn.From) {
		return fmt.Errorf("way_syn declaring %s: %w", syn.From, proto.ErrSelfDial)
	}
	now := p.clock.Now()
	if p.expired(syn.SentAt, now) {
		return fmt.Errorf("way_syn sent_at %d: %w", syn.SentAt, proto.ErrHandshakeExpired)
	}
	// Keyed on the signed content so a re-encoded signature is still a replay.
	sb, err := syn.SigningBytes(proto.KindWaySyn)
	if err != nil {
		return err
	}
	digest := [32]byte(crypto.SHA3_256(sb))
	if p.replay.Contains(digest) {
		return errReplayedSyn
	}
	p.replay.Add(digest, struct{}{})

	ack := proto.WayAck{WhoAreYou: proto.WhoAreYou{
		PubKey: p.id.PublicKey(),
		From:   p.self,
		Token:  syn.Token,
	}}
	if err := p.sign(&ack.WhoAreYou, proto.KindWayAck, now); err != nil {
		return err
	}
	frame, err := proto.Encode(ack)
	if err != nil {
		return err
	}
	if _, err := p.conn.WriteToUDPAddrPort(frame, from); err != nil {
		p.log.Warn("send way_ack", zap.Stringer("to", from), zap.Error(err))
		return nil
	}
	p.metrics.Discovery("ack_sent")

	ep := syn.From
	if !ep.IP.IsValid() || ep.IP.IsUnspecified() {
		ep = proto.NewEndpoint(from.Addr(), from.Port(), ep.P2PPort)
	}
	addr, err := peer.KnownAddress(syn.PubKey, ep)
	if err != nil {
		return err
	}
	addr.Status = peer.DiscoverySucceeded
	if _, err := p.table.UpsertKnown(addr); err != nil {
		p.rlog.Debug(p.log, "upsert/"+from.Addr().String(), "sender not admitted",
			zap.Stringer("addr", addr), zap.Error(err))
	}
	return nil
}

func (p *Protocol) handleAck(ack proto.WayAck, from netip.AddrPort) error {
	p.metrics.Discovery("ack_recv")
	key := hex.EncodeToString(ack.Token)
	p.mu.Lock()
	req, ok := p.pending[key]
	if !ok || req.to != from {
		p.mu.Unlock()
		return fmt.Errorf("%w from %s", ErrUnsolicited, from)
	}
	delete(p.pending, key)
	p.mu.Unlock()

	var res ackResult
	switch err := p.verify(ack.WhoAreYou, proto.KindWayAck); {
	case err != nil:
		res.err = err
	case bytes.Equal(ack.PubKey, p.id.PublicKey()):
		res.err = proto.ErrSelfDial
	case p.clock.Now().Sub(req.sentAt) > p.expiration:
		p.metrics.Discovery("ack_expired")
		res.err = proto.ErrHandshakeExpired
	default:
		res.ack = ack
	}
	req.done <- res
	return nil
}
