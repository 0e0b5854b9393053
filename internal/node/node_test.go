package node

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"chainp2p/internal/config"
	"chainp2p/internal/peer"
	"chainp2p/internal/proto"
	"chainp2p/internal/store"
	"chainp2p/internal/testutil"
)

func testConfig(t *testing.T, bootstrap ...string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Home = t.TempDir()
	cfg.ListenIP = "127.0.0.1"
	cfg.AdvertiseIP = "127.0.0.1"
	cfg.DiscoveryPort = testutil.FreeUDPPort(t)
	cfg.TransportPort = testutil.FreeTCPPort(t)
	cfg.Bootstrap = bootstrap
	cfg.TableCapacity = 8
	cfg.DialInterval = config.D(50 * time.Millisecond)
	cfg.StatusInterval = config.D(50 * time.Millisecond)
	cfg.DiscoveryTimeout = config.D(time.Second)
	cfg.HandshakeTimeout = config.D(2 * time.Second)
	cfg.BackoffBase = config.D(20 * time.Millisecond)
	cfg.BackoffMax = config.D(100 * time.Millisecond)
	return cfg
}

type running struct {
	n      *Node
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, cfg config.Config) *running {
	t.Helper()
	n, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{n: n, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- n.Run(ctx) }()
	t.Cleanup(func() { r.stop(t) })
	return r
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.cancel = nil
	select {
	case err := <-r.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("node did not stop")
	}
	require.NoError(t, r.n.Close())
}

func keyOf(n *Node) string {
	id := n.Identity().NodeID()
	return hex.EncodeToString(id[:])
}

func TestNodesDiscoverAndConnect(t *testing.T) {
	a := start(t, testConfig(t))
	cfgB := testConfig(t, fmt.Sprintf("127.0.0.1:%d", a.n.cfg.DiscoveryPort))
	b := start(t, cfgB)

	require.Eventually(t, func() bool {
		return a.n.PeerTable().Len() == 1 && b.n.PeerTable().Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	got, ok := b.n.AddrTable().Get(keyOf(a.n))
	require.True(t, ok)
	assert.Equal(t, peer.HandshakeSucceeded, got.Status)
	assert.Equal(t, a.n.cfg.TransportPort, got.Endpoint.P2PPort)
	got, ok = a.n.AddrTable().Get(keyOf(b.n))
	require.True(t, ok)
	assert.Equal(t, peer.HandshakeSucceeded, got.Status)

	// Upstream exchange through the peer table.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var pa *peer.Peer
	for p := range a.n.PeerTable().Incoming(ctx) {
		pa = p
		break
	}
	require.NotNil(t, pa)
	pb, ok := b.n.PeerTable().Get(a.n.Identity().NodeID())
	require.True(t, ok)
	require.NoError(t, pb.Send(ctx, proto.TxHashSyn{ReqID: 7, Hash: bytes.Repeat([]byte{1}, 32)}))
	select {
	case m := <-pa.Inbox():
		assert.Equal(t, proto.TxHashSyn{ReqID: 7, Hash: bytes.Repeat([]byte{1}, 32)}, m)
	case <-ctx.Done():
		t.Fatalf("message not delivered")
	}

	var recs []store.AddrRecord
	require.Eventually(t, func() bool {
		var err error
		recs, err = b.n.book.Load(8)
		return err == nil && len(recs) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, hex.EncodeToString(a.n.Identity().PublicKey()), recs[0].PubKey)

	// Stopping A drops the peer on B and demotes its address.
	a.stop(t)
	require.Eventually(t, func() bool {
		if b.n.PeerTable().Len() != 0 {
			return false
		}
		got, ok := b.n.AddrTable().Get(keyOf(a.n))
		return ok && got.Status != peer.HandshakeSucceeded
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, b.n.Metrics().Snapshot().Handshakes, "out_ok")
}

func TestNodeLoadsAddrBook(t *testing.T) {
	cfg := testConfig(t)
	home, err := cfg.HomeDir()
	require.NoError(t, err)
	book, err := store.OpenAddrBook(home)
	require.NoError(t, err)

	other := testConfig(t)
	o, err := New(other, nil)
	require.NoError(t, err)
	require.NoError(t, o.Close())
	ep := other.Self()
	require.NoError(t, book.Record(o.Identity().PublicKey(), ep, time.Now()))
	require.NoError(t, book.Record([]byte("junk"), ep, time.Now()))

	n, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer n.Close()
	assert.Equal(t, 1, n.AddrTable().Len())
	got, ok := n.AddrTable().Get(keyOf(o))
	require.True(t, ok)
	assert.Equal(t, peer.UnInitialized, got.Status)
	assert.Equal(t, ep, got.Endpoint)
}

func TestNodeKeepsIdentity(t *testing.T) {
	cfg := testConfig(t)
	n1, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, n1.Close())
	n2, err := New(cfg, nil)
	require.NoError(t, err)
	defer n2.Close()
	assert.Equal(t, n1.Identity().PublicKey(), n2.Identity().PublicKey())
}

func TestNodeBindFailure(t *testing.T) {
	cfg := testConfig(t)
	busy, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(cfg.DiscoveryPort)})
	require.NoError(t, err)
	defer busy.Close()

	_, err = New(cfg, nil)
	require.ErrorContains(t, err, "bind discovery")
}

func TestNodeRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.TransportNetwork = "smoke"
	_, err := New(cfg, nil)
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestNodeWritesStatus(t *testing.T) {
	cfg := testConfig(t)
	r := start(t, cfg)
	home := r.n.Home()
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(home, StatusFile))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	st, err := ReadStatus(home)
	require.NoError(t, err)
	assert.Equal(t, keyOf(r.n), st.NodeID)
	assert.Equal(t, fmt.Sprintf("127.0.0.1:%d", cfg.DiscoveryPort), st.Discovery)
	assert.Equal(t, int64(8), st.Metrics.TableCap)
	assert.Empty(t, st.Peers)
}

func TestNodeRunTwice(t *testing.T) {
	r := start(t, testConfig(t))
	require.Eventually(t, func() bool {
		r.n.mu.Lock()
		defer r.n.mu.Unlock()
		return r.n.running
	}, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, r.n.Run(context.Background()), ErrAlreadyRunning)
}
