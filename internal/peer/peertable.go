package peer

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chainp2p/internal/proto"
)

const (
	DefaultPingInterval = 15 * time.Second
	DefaultInboxSize    = 64
	DefaultIncomingSize = 16

	silenceFactor = 3
)

var (
	ErrPeerExists  = errors.New("peer already connected")
	ErrPeerSilent  = errors.New("peer silent")
	ErrTableClosed = errors.New("peer table closed")
)

// Conn is the authenticated stream a Peer runs over.
type Conn interface {
	Send(ctx context.Context, m proto.Msg) error
	Recv(ctx context.Context) (proto.Msg, error)
	Close() error
	RemotePubKey() []byte
	RemoteEndpoint() proto.Endpoint
	Outbound() bool
}

type PeerOptions struct {
	PingInterval time.Duration
	InboxSize    int
	Clock        clock.Clock
	Logger       *zap.Logger
}

// Peer is one live, authenticated connection. Ping traffic is handled
// internally; everything else is delivered on Inbox.
type Peer struct {
	conn  Conn
	addr  Address
	inbox chan proto.Msg
	done  chan struct{}

	pingInterval time.Duration
	clock        clock.Clock
	log          *zap.Logger
	lastSeen     atomic.Int64

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func NewPeer(conn Conn, opts PeerOptions) (*Peer, error) {
	addr, err := KnownAddress(conn.RemotePubKey(), conn.RemoteEndpoint())
	if err != nil {
		return nil, err
	}
	addr.Status = HandshakeSucceeded
	p := &Peer{
		conn:         conn,
		addr:         addr,
		pingInterval: opts.PingInterval,
		clock:        opts.Clock,
		log:          opts.Logger,
		done:         make(chan struct{}),
	}
	if p.pingInterval <= 0 {
		p.pingInterval = DefaultPingInterval
	}
	if p.clock == nil {
		p.clock = clock.New()
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	size := opts.InboxSize
	if size <= 0 {
		size = DefaultInboxSize
	}
	p.inbox = make(chan proto.Msg, size)
	p.log = p.log.With(zap.String("peer", addr.Key()))
	p.touch()
	return p, nil
}

func (p *Peer) Address() Address { return p.addr }
func (p *Peer) ID() [32]byte     { return p.addr.NodeID }
func (p *Peer) Key() string      { return p.addr.Key() }
func (p *Peer) Outbound() bool   { return p.conn.Outbound() }

// Inbox delivers non-ping messages. It is closed when Run returns.
func (p *Peer) Inbox() <-chan proto.Msg { return p.inbox }

// Done is closed once the peer is closed.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Err reports why the peer closed, nil while it is live or after a clean
// shutdown.
func (p *Peer) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

func (p *Peer) Send(ctx context.Context, m proto.Msg) error {
	select {
	case <-p.done:
		return proto.ErrConnectionClosed
	default:
	}
	return p.conn.Send(ctx, m)
}

func (p *Peer) Close() error {
	return p.closeWith(nil)
}

func (p *Peer) closeWith(cause error) error {
	var err error
	p.closeOnce.Do(func() {
		p.errMu.Lock()
		p.err = cause
		p.errMu.Unlock()
		err = p.conn.Close()
		close(p.done)
	})
	return err
}

func (p *Peer) touch() {
	p.lastSeen.Store(p.clock.Now().UnixNano())
}

// Run reads from the connection and keeps it alive until ctx is cancelled,
// the remote goes silent for three ping intervals or the stream fails. The
// peer is closed on return.
func (p *Peer) Run(ctx context.Context) error {
	ticker := p.clock.Ticker(p.pingInterval)
	defer ticker.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.readLoop(gctx) })
	g.Go(func() error { return p.keepalive(gctx, ticker) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-p.done:
			return proto.ErrConnectionClosed
		}
		return nil
	})
	err := g.Wait()
	close(p.inbox)
	if ctx.Err() != nil {
		err = nil
	}
	_ = p.closeWith(err)
	if err != nil {
		p.log.Debug("peer closed", zap.Error(err))
	}
	return err
}

func (p *Peer) readLoop(ctx context.Context) error {
	for {
		m, err := p.conn.Recv(ctx)
		if err != nil {
			return err
		}
		p.touch()
		if ping, ok := m.(proto.Ping); ok {
			if ping.Echo {
				continue
			}
			if err := p.conn.Send(ctx, proto.Ping{Nonce: ping.Nonce, Echo: true}); err != nil {
				return err
			}
			continue
		}
		select {
		case p.inbox <- m:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Peer) keepalive(ctx context.Context, ticker *clock.Ticker) error {
	var buf [8]byte
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		silent := p.clock.Now().Sub(time.Unix(0, p.lastSeen.Load()))
		if silent >= silenceFactor*p.pingInterval {
			return ErrPeerSilent
		}
		if _, err := rand.Read(buf[:]); err != nil {
			return err
		}
		nonce := binary.BigEndian.Uint64(buf[:]) >> 1
		if err := p.conn.Send(ctx, proto.Ping{Nonce: nonce}); err != nil {
			return err
		}
	}
}

// PeerTable holds live peers keyed by node id and publishes newly added
// ones to Incoming.
type PeerTable struct {
	mu       sync.RWMutex
	peers    map[[32]byte]*Peer
	closed   bool
	senders  sync.WaitGroup
	incoming chan *Peer
	done     chan struct{}
}

func NewPeerTable(buffer int) *PeerTable {
	if buffer <= 0 {
		buffer = DefaultIncomingSize
	}
	return &PeerTable{
		peers:    make(map[[32]byte]*Peer),
		incoming: make(chan *Peer, buffer),
		done:     make(chan struct{}),
	}
}

// Add registers p and publishes it to Incoming, blocking while the incoming
// buffer is full.
func (t *PeerTable) Add(ctx context.Context, p *Peer) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTableClosed
	}
	if _, ok := t.peers[p.ID()]; ok {
		t.mu.Unlock()
		return ErrPeerExists
	}
	t.peers[p.ID()] = p
	t.senders.Add(1)
	t.mu.Unlock()
	defer t.senders.Done()

	select {
	case t.incoming <- p:
		return nil
	case <-ctx.Done():
		t.Remove(p)
		return ctx.Err()
	case <-t.done:
		return ErrTableClosed
	}
}

// Remove drops p if it is still the registered peer for its id.
func (t *PeerTable) Remove(p *Peer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.peers[p.ID()]; ok && cur == p {
		delete(t.peers, p.ID())
		return true
	}
	return false
}

func (t *PeerTable) Get(id [32]byte) (*Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	return p, ok
}

func (t *PeerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

func (t *PeerTable) Peers() []*Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// Incoming yields peers as they are added. Each call returns an independent
// sequence over the shared feed; it ends when the table is closed or ctx is
// done.
func (t *PeerTable) Incoming(ctx context.Context) iter.Seq[*Peer] {
	return func(yield func(*Peer) bool) {
		for {
			select {
			case p, ok := <-t.incoming:
				if !ok || !yield(p) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close stops the incoming feed and closes every registered peer.
func (t *PeerTable) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peers := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	clear(t.peers)
	t.mu.Unlock()

	close(t.done)
	t.senders.Wait()
	close(t.incoming)
	var err error
	for _, p := range peers {
		err = multierr.Append(err, p.Close())
	}
	return err
}
