package transport

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/netip"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
)

// Carrier provides the stream connections a Handshaker runs over.
type Carrier interface {
	Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error)
	Listen(addr netip.AddrPort) (net.Listener, error)
}

// CarrierFor maps the transport.network setting to a Carrier.
func CarrierFor(network string) (Carrier, error) {
	switch network {
	case "", "tcp":
		return TCP{}, nil
	case "quic":
		return QUIC{}, nil
	default:
		return nil, fmt.Errorf("unknown transport network %q", network)
	}
}

type TCP struct{}

func (TCP) Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr.String())
}

func (TCP) Listen(addr netip.AddrPort) (net.Listener, error) {
	return net.Listen("tcp", addr.String())
}

// -----------------------------------------------------------------------------
// QUIC: one bidirectional stream per connection. TLS only frames the
// carrier; peers authenticate each other with hs_syn/hs_ack.
// -----------------------------------------------------------------------------

const (
	quicALPN              = "chainp2p/1"
	quicStreamTimeout     = 10 * time.Second
	quicMaxPendingStreams = 64
)

type QUIC struct{}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("chainp2p-quic-carrier-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"chainp2p"},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicALPN},
	}, nil
}

// clientTLSConfig pins the shared carrier certificate instead of checking
// host names, since peers are dialed by IP.
func clientTLSConfig() (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicALPN},
		VerifyPeerCertificate: func(raw [][]byte, _ [][]*x509.Certificate) error {
			if len(raw) == 0 || !bytes.Equal(raw[0], der) {
				return errors.New("unexpected carrier certificate")
			}
			return nil
		},
	}, nil
}

func (QUIC) Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	tlsConf, err := clientTLSConfig()
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, addr.String(), tlsConf, nil)
	if err != nil {
		return nil, err
	}
	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return &streamConn{Stream: st, conn: conn}, nil
}

func (QUIC) Listen(addr netip.AddrPort) (net.Listener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr.String(), tlsConf, nil)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &quicListener{
		ln:      ln,
		ready:   make(chan *streamConn),
		pending: make(chan struct{}, quicMaxPendingStreams),
		ctx:     ctx,
		cancel:  cancel,
	}
	go l.acceptLoop()
	return l, nil
}

// streamConn adapts a QUIC stream to net.Conn. Closing it closes the whole
// QUIC connection.
type streamConn struct {
	*quic.Stream
	conn *quic.Conn
}

func (c *streamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *streamConn) Close() error {
	err := c.Stream.Close()
	c.Stream.CancelRead(0)
	if cerr := c.conn.CloseWithError(0, ""); err == nil {
		err = cerr
	}
	return err
}

// quicListener waits for each connection's first stream on its own
// goroutine, so a peer that never opens one cannot hold up the others.
type quicListener struct {
	ln      *quic.Listener
	ready   chan *streamConn
	pending chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	errMu sync.Mutex
	err   error
}

func (l *quicListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			if errors.Is(err, quic.ErrServerClosed) || l.ctx.Err() != nil {
				err = net.ErrClosed
			}
			l.fail(err)
			return
		}
		select {
		case l.pending <- struct{}{}:
			go l.awaitStream(conn)
		default:
			_ = conn.CloseWithError(0, "busy")
		}
	}
}

func (l *quicListener) awaitStream(conn *quic.Conn) {
	defer func() { <-l.pending }()
	ctx, cancel := context.WithTimeout(l.ctx, quicStreamTimeout)
	defer cancel()
	st, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return
	}
	sc := &streamConn{Stream: st, conn: conn}
	select {
	case l.ready <- sc:
	case <-l.ctx.Done():
		_ = sc.Close()
	}
}

func (l *quicListener) fail(err error) {
	l.errMu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.errMu.Unlock()
	l.cancel()
}

func (l *quicListener) Accept() (net.Conn, error) {
	select {
	case sc := <-l.ready:
		return sc, nil
	case <-l.ctx.Done():
		l.errMu.Lock()
		defer l.errMu.Unlock()
		return nil, l.err
	}
}

func (l *quicListener) Close() error {
	err := l.ln.Close()
	l.fail(net.ErrClosed)
	return err
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }
