package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"

	"chainp2p/internal/crypto"
	"chainp2p/internal/proto"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultExpiration       = 60 * time.Second
)

type Options struct {
	Identity *crypto.Identity
	// Self is the endpoint advertised in hs_syn and hs_ack.
	Self     proto.Endpoint
	ListenIP netip.Addr
	Timeout  time.Duration
	// Expiration bounds the clock skew accepted on sent_at.
	Expiration time.Duration
	Carrier    Carrier
	Clock      clock.Clock
}

// Handshaker upgrades stream connections into Transports.
type Handshaker struct {
	id         *crypto.Identity
	self       proto.Endpoint
	listenIP   netip.Addr
	timeout    time.Duration
	expiration time.Duration
	carrier    Carrier
	clock      clock.Clock
}

func NewHandshaker(opts Options) (*Handshaker, error) {
	if opts.Identity == nil {
		return nil, fmt.Errorf("transport: missing identity")
	}
	h := &Handshaker{
		id:         opts.Identity,
		self:       opts.Self,
		listenIP:   opts.ListenIP,
		timeout:    opts.Timeout,
		expiration: opts.Expiration,
		carrier:    opts.Carrier,
		clock:      opts.Clock,
	}
	if h.timeout <= 0 {
		h.timeout = DefaultHandshakeTimeout
	}
	if h.expiration <= 0 {
		h.expiration = DefaultExpiration
	}
	if h.carrier == nil {
		h.carrier = TCP{}
	}
	if h.clock == nil {
		h.clock = clock.New()
	}
	if !h.listenIP.IsValid() {
		h.listenIP = netip.IPv4Unspecified()
	}
	return h, nil
}

// Dial connects to ep's transport port and runs the initiator side. A non-nil
// expectedPub must match the key the responder proves.
func (h *Handshaker) Dial(ctx context.Context, ep proto.Endpoint, expectedPub []byte) (*Transport, error) {
	if h.isSelf(ep) {
		return nil, fmt.Errorf("dial %s: %w", ep, proto.ErrSelfDial)
	}
	ctx, cancel := h.clock.WithTimeout(ctx, h.timeout)
	defer cancel()
	conn, err := h.carrier.Dial(ctx, ep.TCP())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep, mapIOError(ctx, err))
	}
	t, err := h.Initiate(ctx, conn, expectedPub)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep, err)
	}
	return t, nil
}

// Initiate runs the initiator side over an established conn. conn is closed
// on failure.
func (h *Handshaker) Initiate(ctx context.Context, conn net.Conn, expectedPub []byte) (t *Transport, err error) {
	ctx, cancel := h.clock.WithTimeout(ctx, h.timeout)
	defer cancel()
	defer func() {
		if err != nil {
			_ = conn.Close()
		}
	}()

	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return nil, err
	}
	defer eph.Destroy()
	syn, err := h.hello(eph, proto.KindHsSyn, nil)
	if err != nil {
		return nil, err
	}
	synFrame, err := proto.Encode(proto.HsSyn{Hello: syn})
	if err != nil {
		return nil, err
	}
	if err := writeFrame(ctx, conn, synFrame); err != nil {
		return nil, err
	}

	dec := proto.NewDecoder()
	f, err := readFrame(ctx, conn, dec)
	if err != nil {
		return nil, err
	}
	m, err := proto.DecodeFrame(f)
	if err != nil {
		return nil, err
	}
	ack, ok := m.(proto.HsAck)
	if !ok {
		return nil, fmt.Errorf("%w: want %s, got %s", proto.ErrFrameMalformed, proto.KindHsAck, m.Kind())
	}
	if err := h.verify(ack.Hello, proto.KindHsAck, crypto.SHA3_256(synFrame)); err != nil {
		return nil, err
	}
	if expectedPub != nil && !bytes.Equal(expectedPub, ack.PubKey) {
		return nil, fmt.Errorf("%w: responder key mismatch", proto.ErrSignatureInvalid)
	}
	ackFrame, err := proto.Encode(ack)
	if err != nil {
		return nil, err
	}
	keys, err := deriveKeys(eph, ack.EphPub, synFrame, ackFrame)
	if err != nil {
		return nil, err
	}
	return h.newTransport(conn, dec, keys, ack.Hello, true), nil
}

// Accept runs the responder side over conn. conn is closed on failure.
func (h *Handshaker) Accept(ctx context.Context, conn net.Conn) (t *Transport, err error) {
	ctx, cancel := h.clock.WithTimeout(ctx, h.timeout)
	defer cancel()
	defer func() {
		if err != nil {
			_ = conn.Close()
		}
	}()

	dec := proto.NewDecoder()
	f, err := readFrame(ctx, conn, dec)
	if err != nil {
		return nil, err
	}
	m, err := proto.DecodeFrame(f)
	if err != nil {
		return nil, err
	}
	syn, ok := m.(proto.HsSyn)
	if !ok {
		return nil, fmt.Errorf("%w: want %s, got %s", proto.ErrFrameMalformed, proto.KindHsSyn, m.Kind())
	}
	if err := h.verify(syn.Hello, proto.KindHsSyn, nil); err != nil {
		return nil, err
	}
	synFrame, err := proto.Encode(syn)
	if err != nil {
		return nil, err
	}

	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return nil, err
	}
	defer eph.Destroy()
	ack, err := h.hello(eph, proto.KindHsAck, crypto.SHA3_256(synFrame))
	if err != nil {
		return nil, err
	}
	ackFrame, err := proto.Encode(proto.HsAck{Hello: ack})
	if err != nil {
		return nil, err
	}
	if err := writeFrame(ctx, conn, ackFrame); err != nil {
		return nil, err
	}
	keys, err := deriveKeys(eph, syn.EphPub, synFrame, ackFrame)
	if err != nil {
		return nil, err
	}
	return h.newTransport(conn, dec, keys.Swap(), syn.Hello, false), nil
}

func (h *Handshaker) hello(eph *crypto.Ephemeral, kind string, bind []byte) (proto.Hello, error) {
	ephPub, err := eph.Public()
	if err != nil {
		return proto.Hello{}, err
	}
	nonce := make([]byte, proto.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return proto.Hello{}, err
	}
	hl := proto.Hello{
		PubKey: h.id.PublicKey(),
		From:   h.self,
		EphPub: ephPub,
		Nonce:  nonce,
		SentAt: uint64(h.clock.Now().UnixMilli()),
	}
	sb, err := hl.SigningBytes(kind, bind)
	if err != nil {
		return proto.Hello{}, err
	}
	hl.Sig = h.id.Sign(sb)
	return hl, nil
}

// verify checks a received hello: signature, freshness and self-dial.
func (h *Handshaker) verify(hl proto.Hello, kind string, bind []byte) error {
	if _, err := crypto.ParsePublicKey(hl.PubKey); err != nil {
		return fmt.Errorf("%w: %v", proto.ErrSignatureInvalid, err)
	}
	if len(hl.Nonce) != proto.NonceSize {
		return fmt.Errorf("%w: nonce size %d", proto.ErrFrameMalformed, len(hl.Nonce))
	}
	sb, err := hl.SigningBytes(kind, bind)
	if err != nil {
		return err
	}
	if !crypto.Verify(hl.PubKey, sb, hl.Sig) {
		return fmt.Errorf("%s: %w", kind, proto.ErrSignatureInvalid)
	}
	if bytes.Equal(hl.PubKey, h.id.PublicKey()) || h.isSelf(hl.From) {
		return fmt.Errorf("%s from %s: %w", kind, hl.From, proto.ErrSelfDial)
	}
	now := h.clock.Now()
	sent := time.UnixMilli(int64(hl.SentAt))
	if skew := now.Sub(sent); skew > h.expiration || skew < -h.expiration {
		return fmt.Errorf("%s sent %s ago: %w", kind, skew, proto.ErrHandshakeExpired)
	}
	return nil
}

func (h *Handshaker) isSelf(ep proto.Endpoint) bool {
	return proto.IsSelfAddr(h.listenIP, h.self.IP, h.self.P2PPort, ep.IP, ep.P2PPort)
}

func (h *Handshaker) newTransport(conn net.Conn, dec *proto.Decoder, keys crypto.SessionKeys, remote proto.Hello, outbound bool) *Transport {
	remoteID := crypto.DeriveNodeID(remote.PubKey)
	return &Transport{
		conn:     conn,
		dec:      dec,
		sess:     newSession(keys, h.id.NodeID(), remoteID),
		remote:   remote.From,
		pub:      remote.PubKey,
		id:       remoteID,
		outbound: outbound,
	}
}

// deriveKeys returns the session keys from the initiator's point of view.
func deriveKeys(eph *crypto.Ephemeral, remoteEph, synFrame, ackFrame []byte) (crypto.SessionKeys, error) {
	ss, err := eph.Shared(remoteEph)
	if err != nil {
		return crypto.SessionKeys{}, fmt.Errorf("%w: %v", proto.ErrSignatureInvalid, err)
	}
	defer clear(ss)
	transcript := make([]byte, 0, len(synFrame)+len(ackFrame))
	transcript = append(transcript, synFrame...)
	transcript = append(transcript, ackFrame...)
	return crypto.DeriveSessionKeys(ss, crypto.SHA3_256(transcript))
}

// resultLabel names a handshake failure for metrics.
func resultLabel(err error) string {
	switch {
	case errors.Is(err, proto.ErrSelfDial):
		return "self_dial"
	case errors.Is(err, proto.ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, proto.ErrHandshakeExpired):
		return "expired"
	case errors.Is(err, proto.ErrHandshakeTimeout):
		return "timeout"
	case errors.Is(err, proto.ErrConnectionClosed):
		return "closed"
	case errors.Is(err, proto.ErrFrameMalformed):
		return "malformed"
	default:
		return "error"
	}
}

// ResultLabel is resultLabel for callers that time their own dials.
func ResultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return resultLabel(err)
}
