package transport

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"chainp2p/internal/metrics"
)

const (
	DefaultMaxConnsPerIP = 4
	DefaultMaxPending    = 64
)

type ipLimiter struct {
	mu       sync.Mutex
	maxConns int
	counts   map[netip.Addr]int
}

func newIPLimiter(maxConns int) *ipLimiter {
	return &ipLimiter{maxConns: maxConns, counts: make(map[netip.Addr]int)}
}

func (l *ipLimiter) acquire(ip netip.Addr) bool {
	if l.maxConns <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[ip] >= l.maxConns {
		return false
	}
	l.counts[ip]++
	return true
}

func (l *ipLimiter) release(ip netip.Addr) {
	if l.maxConns <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[ip] <= 1 {
		delete(l.counts, ip)
		return
	}
	l.counts[ip]--
}

// limitedConn gives its limiter slot back on the first Close.
type limitedConn struct {
	net.Conn
	once    sync.Once
	release func()
}

func (c *limitedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)
	return err
}

type ListenerOptions struct {
	MaxConnsPerIP int
	// MaxPending bounds handshakes in progress.
	MaxPending int
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Listener accepts inbound connections and hands authenticated Transports to
// the handler given to Serve.
type Listener struct {
	ln      net.Listener
	hs      *Handshaker
	limiter *ipLimiter
	pending chan struct{}
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewListener(ln net.Listener, hs *Handshaker, opts ListenerOptions) *Listener {
	maxPending := opts.MaxPending
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{
		ln:      ln,
		hs:      hs,
		limiter: newIPLimiter(opts.MaxConnsPerIP),
		pending: make(chan struct{}, maxPending),
		log:     log,
		metrics: opts.Metrics,
	}
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts until ctx is cancelled or the listener fails. It closes the
// listener on return.
func (l *Listener) Serve(ctx context.Context, handle func(*Transport)) error {
	stop := context.AfterFunc(ctx, func() { _ = l.ln.Close() })
	defer stop()
	defer l.ln.Close()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		ip := remoteIP(conn)
		if !l.limiter.acquire(ip) {
			l.metrics.Drop("conn_per_ip")
			l.log.Debug("inbound over per-ip cap", zap.Stringer("ip", ip))
			_ = conn.Close()
			continue
		}
		conn = &limitedConn{Conn: conn, release: func() { l.limiter.release(ip) }}
		select {
		case l.pending <- struct{}{}:
		default:
			l.metrics.Drop("handshake_backlog")
			_ = conn.Close()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-l.pending }()
			start := time.Now()
			t, err := l.hs.Accept(ctx, conn)
			if err != nil {
				l.metrics.Handshake("in", resultLabel(err), 0)
				l.log.Debug("inbound handshake failed",
					zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
				return
			}
			l.metrics.Handshake("in", "ok", time.Since(start))
			handle(t)
		}()
	}
}

func remoteIP(c net.Conn) netip.Addr {
	if ap, err := netip.ParseAddrPort(c.RemoteAddr().String()); err == nil {
		return ap.Addr().Unmap()
	}
	return netip.Addr{}
}
