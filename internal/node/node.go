package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"chainp2p/internal/config"
	"chainp2p/internal/crypto"
	"chainp2p/internal/discovery"
	"chainp2p/internal/metrics"
	"chainp2p/internal/peer"
	"chainp2p/internal/pprofutil"
	"chainp2p/internal/store"
	"chainp2p/internal/task"
	"chainp2p/internal/transport"
)

var ErrAlreadyRunning = errors.New("node already running")

// Node owns every long-lived component of a running peer and wires them
// together. It is built once by New and torn down by Close.
type Node struct {
	cfg   config.Config
	home  string
	log   *zap.Logger
	clock clock.Clock

	id      *crypto.Identity
	book    *store.AddrBook
	metrics *metrics.Metrics
	table   *peer.AddrTable
	peers   *peer.PeerTable

	udp      *net.UDPConn
	ln       net.Listener
	proto    *discovery.Protocol
	server   *discovery.Server
	queue    *task.Queue
	hs       *transport.Handshaker
	listener *transport.Listener
	dialer   *discovery.Dialer

	mu      sync.Mutex
	running bool
	runCtx  context.Context
	peerWG  sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// New loads the identity and address book from the home directory and binds
// the discovery and transport sockets. A bind failure or an unreadable key is
// returned as an error.
func New(cfg config.Config, log *zap.Logger) (_ *Node, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	home, err := cfg.HomeDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	id, err := crypto.LoadOrCreateIdentity(home)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	book, err := store.OpenAddrBook(home)
	if err != nil {
		return nil, fmt.Errorf("address book: %w", err)
	}
	n := &Node{
		cfg:     cfg,
		home:    home,
		log:     log,
		clock:   clock.New(),
		id:      id,
		book:    book,
		metrics: metrics.New(),
		peers:   peer.NewPeerTable(peer.DefaultIncomingSize),
	}
	defer func() {
		if err != nil {
			_ = n.Close()
		}
	}()

	n.table, err = peer.NewAddrTable(peer.TableOptions{Capacity: cfg.TableCapacity, Clock: n.clock})
	if err != nil {
		return nil, err
	}
	n.loadAddrBook()

	self := cfg.Self()
	listenIP := cfg.ListenAddr()
	n.udp, err = net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(listenIP, cfg.DiscoveryPort)))
	if err != nil {
		return nil, fmt.Errorf("bind discovery: %w", err)
	}
	carrier, err := transport.CarrierFor(cfg.TransportNetwork)
	if err != nil {
		return nil, err
	}
	n.ln, err = carrier.Listen(netip.AddrPortFrom(listenIP, cfg.TransportPort))
	if err != nil {
		return nil, fmt.Errorf("bind transport: %w", err)
	}

	n.proto, err = discovery.NewProtocol(n.udp, discovery.Options{
		Identity:   id,
		Self:       self,
		ListenIP:   listenIP,
		Table:      n.table,
		Timeout:    cfg.DiscoveryTimeout.Duration,
		Expiration: cfg.Expiration.Duration,
		Clock:      n.clock,
		Logger:     log.Named("discovery"),
		Metrics:    n.metrics,
	})
	if err != nil {
		return nil, err
	}
	n.server, err = discovery.NewServer(n.udp, n.proto, discovery.ServerOptions{
		Rate:    rate.Limit(cfg.UDPRate),
		Burst:   cfg.UDPBurst,
		Logger:  log.Named("udp"),
		Metrics: n.metrics,
	})
	if err != nil {
		return nil, err
	}
	n.queue = task.New(task.Options{
		Workers:       cfg.Workers,
		QueueCapacity: cfg.QueueCapacity,
		MaxRetries:    cfg.MaxRetries,
		BackoffBase:   cfg.BackoffBase.Duration,
		BackoffMax:    cfg.BackoffMax.Duration,
		BackoffJitter: cfg.BackoffJitter,
		Clock:         n.clock,
		Logger:        log.Named("task"),
		Metrics:       n.metrics,
	})
	n.hs, err = transport.NewHandshaker(transport.Options{
		Identity:   id,
		Self:       self,
		ListenIP:   listenIP,
		Timeout:    cfg.HandshakeTimeout.Duration,
		Expiration: cfg.Expiration.Duration,
		Carrier:    carrier,
		Clock:      n.clock,
	})
	if err != nil {
		return nil, err
	}
	n.listener = transport.NewListener(n.ln, n.hs, transport.ListenerOptions{
		MaxConnsPerIP: cfg.MaxConnsPerIP,
		Logger:        log.Named("transport"),
		Metrics:       n.metrics,
	})
	boot, err := cfg.BootstrapEndpoints()
	if err != nil {
		return nil, err
	}
	shared := &discovery.Shared{
		Protocol: n.proto,
		Table:    n.table,
		Handoff:  n.handoff,
		Logger:   log.Named("discovery"),
		Metrics:  n.metrics,
	}
	n.dialer = discovery.NewDialer(shared, n.queue, discovery.DialOptions{
		Interval:   cfg.DialInterval.Duration,
		StaleAfter: cfg.StaleAfter.Duration,
		Bootstrap:  boot,
		Clock:      n.clock,
		Logger:     log.Named("dial"),
	})
	n.metrics.SetTable(n.table.Len(), n.table.Cap())
	return n, nil
}

// loadAddrBook seeds the table with the newest persisted peers.
func (n *Node) loadAddrBook() {
	recs, err := n.book.Load(n.cfg.TableCapacity)
	if err != nil {
		n.log.Warn("address book unreadable", zap.String("path", n.book.Path()), zap.Error(err))
		return
	}
	self := n.cfg.Self()
	loaded := 0
	for _, r := range recs {
		pub, err := r.PubKeyBytes()
		if err != nil {
			continue
		}
		ep, err := r.Endpoint()
		if err != nil || ep.UDP() == self.UDP() {
			continue
		}
		a, err := peer.KnownAddress(pub, ep)
		if err != nil || a.NodeID == n.id.NodeID() {
			continue
		}
		if _, err := n.table.UpsertKnown(a); err != nil {
			if errors.Is(err, peer.ErrTableFull) {
				break
			}
			continue
		}
		loaded++
	}
	if loaded > 0 {
		n.log.Info("address book loaded", zap.Int("addresses", loaded))
	}
}

func (n *Node) Identity() *crypto.Identity { return n.id }
func (n *Node) Home() string               { return n.home }
func (n *Node) AddrTable() *peer.AddrTable { return n.table }
func (n *Node) Metrics() *metrics.Metrics  { return n.metrics }

// PeerTable is the upstream view of connected peers.
func (n *Node) PeerTable() *peer.PeerTable { return n.peers }

// DiscoveryAddr is the bound UDP address.
func (n *Node) DiscoveryAddr() netip.AddrPort { return n.server.LocalAddr() }

// TransportAddr is the bound transport listener address.
func (n *Node) TransportAddr() net.Addr { return n.listener.Addr() }

// Run starts discovery, the task queue, the dial scheduler, the transport
// listener and the status writer, and blocks until ctx is cancelled or one of
// them fails.
func (n *Node) Run(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return ErrAlreadyRunning
	}
	n.running = true
	g, gctx := errgroup.WithContext(ctx)
	n.runCtx = gctx
	n.mu.Unlock()

	n.log.Info("node starting",
		zap.String("node_id", fmt.Sprintf("%x", n.id.NodeID())),
		zap.Stringer("discovery", n.DiscoveryAddr()),
		zap.Stringer("transport", n.TransportAddr()),
		zap.Int("table", n.table.Len()))

	n.queue.Start(gctx)
	g.Go(func() error { return n.server.Serve(gctx) })
	g.Go(func() error { return n.dialer.Run(gctx) })
	g.Go(func() error { return n.listener.Serve(gctx, n.accept) })
	g.Go(func() error { return n.statusLoop(gctx) })
	if addr := n.cfg.MetricsAddr; addr != "" {
		srv := metrics.NewServer(addr, n.metrics)
		g.Go(srv.ListenAndServe)
		g.Go(func() error {
			<-gctx.Done()
			return srv.Close()
		})
	}
	if addr := n.cfg.PprofAddr; addr != "" {
		ps, err := pprofutil.Start(addr, n.log.Named("pprof"))
		if err != nil {
			n.log.Warn("pprof disabled", zap.Error(err))
		} else {
			g.Go(func() error {
				<-gctx.Done()
				return ps.Close()
			})
		}
	}

	err := g.Wait()
	n.peerWG.Wait()
	if werr := n.writeStatus(); werr != nil {
		n.log.Warn("final status write failed", zap.Error(werr))
	}
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		err = nil
	}
	n.log.Info("node stopped", zap.Error(err))
	return err
}

func (n *Node) runContext() context.Context {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.runCtx == nil {
		return context.Background()
	}
	return n.runCtx
}

// handoff upgrades an address that passed discovery into a live peer.
func (n *Node) handoff(ctx context.Context, a peer.Address) error {
	if _, ok := n.peers.Get(a.NodeID); ok {
		_, err := n.table.Transition(a.Key(), peer.HandshakeSucceeded, peer.ReasonNone)
		return err
	}
	start := n.clock.Now()
	t, err := n.hs.Dial(ctx, a.Endpoint, a.PubKey)
	n.metrics.Handshake("out", transport.ResultLabel(err), n.clock.Since(start))
	if err != nil {
		return err
	}
	return n.admit(t)
}

func (n *Node) accept(t *transport.Transport) {
	if err := n.admit(t); err != nil {
		n.log.Debug("inbound peer refused", zap.Stringer("remote", t.RemoteAddr()), zap.Error(err))
	}
}

// admit records the authenticated remote as HandshakeSucceeded and starts
// its peer loop. The transport is closed when admission fails.
func (n *Node) admit(t *transport.Transport) error {
	p, err := peer.NewPeer(t, peer.PeerOptions{
		PingInterval: n.cfg.PingInterval.Duration,
		Clock:        n.clock,
		Logger:       n.log.Named("peer"),
	})
	if err != nil {
		_ = t.Close()
		return err
	}
	if _, err := n.table.UpsertKnown(p.Address()); err != nil {
		_ = p.Close()
		if errors.Is(err, peer.ErrTableFull) {
			n.metrics.Drop("table_full")
		}
		return fmt.Errorf("admit %s: %w", p.Address(), err)
	}
	n.peerWG.Add(1)
	go n.runPeer(p)
	return nil
}

func (n *Node) runPeer(p *peer.Peer) {
	defer n.peerWG.Done()
	ctx := n.runContext()
	addr := p.Address()
	nodeID := fmt.Sprintf("%x", addr.NodeID)

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	if err := n.peers.Add(ctx, p); err != nil {
		_ = p.Close()
		<-runErr
		if !errors.Is(err, peer.ErrPeerExists) {
			n.demote(addr)
		}
		return
	}
	n.metrics.SetPeers(n.peers.Len())
	n.metrics.PeerEvent(nodeID, addr.Endpoint.String(), "connect")
	if err := n.book.Record(addr.PubKey, addr.Endpoint, n.clock.Now()); err != nil {
		n.log.Warn("address book write failed", zap.Error(err))
	}
	n.log.Info("peer connected", zap.Stringer("peer", addr), zap.Bool("outbound", p.Outbound()))

	err := <-runErr
	if n.peers.Remove(p) {
		n.demote(addr)
		n.metrics.SetPeers(n.peers.Len())
		n.metrics.PeerEvent(nodeID, addr.Endpoint.String(), "disconnect")
		n.log.Info("peer disconnected", zap.Stringer("peer", addr), zap.Error(err))
	}
}

func (n *Node) demote(a peer.Address) {
	if _, err := n.table.Demote(a.Key()); err != nil && !errors.Is(err, peer.ErrNotFound) {
		n.log.Debug("demote failed", zap.Stringer("peer", a), zap.Error(err))
	}
}

// Close releases sockets, the queue and every live peer. Errors are
// aggregated.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		var err error
		if n.queue != nil {
			n.queue.Close()
		}
		err = multierr.Append(err, n.peers.Close())
		if n.ln != nil {
			err = multierr.Append(err, ignoreClosed(n.ln.Close()))
		}
		if n.udp != nil {
			err = multierr.Append(err, ignoreClosed(n.udp.Close()))
		}
		n.closeErr = err
	})
	return n.closeErr
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
