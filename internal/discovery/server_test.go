package discovery

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"chainp2p/internal/crypto"
	"chainp2p/internal/metrics"
	"chainp2p/internal/peer"
	"chainp2p/internal/proto"
)

type udpNode struct {
	id     *crypto.Identity
	ep     proto.Endpoint
	table  *peer.AddrTable
	proto  *Protocol
	server *Server
}

func newUDPNode(t *testing.T, opts ServerOptions) *udpNode {
	t.Helper()
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:0")))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	port := conn.LocalAddr().(*net.UDPAddr).AddrPort().Port()

	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	table, err := peer.NewAddrTable(peer.TableOptions{Capacity: 8})
	require.NoError(t, err)
	ep := proto.NewEndpoint(netip.MustParseAddr("127.0.0.1"), port, 9)
	p, err := NewProtocol(conn, Options{
		Identity: id,
		Self:     ep,
		ListenIP: netip.MustParseAddr("127.0.0.1"),
		Table:    table,
		Timeout:  2 * time.Second,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	opts.Logger = zaptest.NewLogger(t)
	srv, err := NewServer(conn, p, opts)
	require.NoError(t, err)
	return &udpNode{id: id, ep: ep, table: table, proto: p, server: srv}
}

func serve(t *testing.T, s *Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func TestServerExchangeOverUDP(t *testing.T) {
	a := newUDPNode(t, ServerOptions{})
	b := newUDPNode(t, ServerOptions{})
	serve(t, a.server)
	serve(t, b.server)
	assert.Equal(t, a.ep.UDP(), a.server.LocalAddr())

	ack, err := a.proto.Initiate(context.Background(), b.ep)
	require.NoError(t, err)
	assert.Equal(t, b.id.PublicKey(), ack.PubKey)
	require.Eventually(t, func() bool {
		got, ok := b.table.GetByEndpoint(a.ep)
		return ok && got.Status == peer.DiscoverySucceeded
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServerRateLimitsPerSource(t *testing.T) {
	m := metrics.New()
	b := newUDPNode(t, ServerOptions{Rate: rate.Every(time.Hour), Burst: 1, Metrics: m})
	serve(t, b.server)

	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(b.ep.UDP()))
	require.NoError(t, err)
	defer conn.Close()
	for i := 0; i < 3; i++ {
		_, err := conn.Write([]byte("noise"))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		s := m.Snapshot()
		return s.DropByReason["udp_rate"] == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServerStopsOnCancel(t *testing.T) {
	a := newUDPNode(t, ServerOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.server.Serve(ctx) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not stop")
	}
}
