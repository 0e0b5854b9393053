package discovery

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"chainp2p/internal/metrics"
)

const (
	DefaultRate         = 50
	DefaultBurst        = 100
	DefaultLimiterCache = 4096

	maxDatagram = 64 << 10
)

type ServerOptions struct {
	// Rate and Burst configure the token bucket applied per source IP.
	// Rate <= 0 disables limiting.
	Rate         rate.Limit
	Burst        int
	LimiterCache int
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Server owns the receive loop of the discovery socket. Sends go straight
// through the socket from Protocol.
type Server struct {
	conn     *net.UDPConn
	proto    *Protocol
	limiters *lru.Cache[netip.Addr, *rate.Limiter]
	rate     rate.Limit
	burst    int
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func NewServer(conn *net.UDPConn, p *Protocol, opts ServerOptions) (*Server, error) {
	size := opts.LimiterCache
	if size <= 0 {
		size = DefaultLimiterCache
	}
	limiters, err := lru.New[netip.Addr, *rate.Limiter](size)
	if err != nil {
		return nil, err
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = DefaultBurst
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		conn:     conn,
		proto:    p,
		limiters: limiters,
		rate:     opts.Rate,
		burst:    burst,
		log:      log,
		metrics:  opts.Metrics,
	}, nil
}

func (s *Server) LocalAddr() netip.AddrPort {
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (s *Server) allow(ip netip.Addr) bool {
	if s.rate <= 0 {
		return true
	}
	l, ok := s.limiters.Get(ip)
	if !ok {
		l = rate.NewLimiter(s.rate, s.burst)
		s.limiters.Add(ip, l)
	}
	return l.Allow()
}

// Serve reads datagrams until ctx is cancelled or the socket is closed. It
// does not close the socket.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetReadDeadline(time.Unix(1, 0)) })
	defer stop()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		ip := from.Addr().Unmap()
		if !s.allow(ip) {
			s.metrics.Drop("udp_rate")
			continue
		}
		s.proto.HandlePacket(buf[:n], from)
	}
}
