package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"chainp2p/internal/proto"
)

// Transport is an authenticated, encrypted framed stream to one remote node.
// Send may be called concurrently; Recv must have a single caller.
type Transport struct {
	conn     net.Conn
	dec      *proto.Decoder
	sess     *session
	remote   proto.Endpoint
	pub      []byte
	id       [32]byte
	outbound bool

	closeOnce sync.Once
	closeErr  error
}

func (t *Transport) RemotePubKey() []byte {
	return append([]byte(nil), t.pub...)
}

func (t *Transport) RemoteID() [32]byte {
	return t.id
}

// RemoteEndpoint is the endpoint the remote declared in its handshake.
func (t *Transport) RemoteEndpoint() proto.Endpoint {
	return t.remote
}

func (t *Transport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

func (t *Transport) Outbound() bool {
	return t.outbound
}

func (t *Transport) Send(ctx context.Context, m proto.Msg) error {
	t.sess.sendMu.Lock()
	defer t.sess.sendMu.Unlock()
	frame, err := t.sess.seal(m)
	if err != nil {
		return err
	}
	return writeFrame(ctx, t.conn, frame)
}

// Recv blocks until the next message, ctx is done or the stream fails.
func (t *Transport) Recv(ctx context.Context) (proto.Msg, error) {
	f, err := readFrame(ctx, t.conn, t.dec)
	if err != nil {
		return nil, err
	}
	return t.sess.open(f)
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
		t.sess.destroy()
	})
	return t.closeErr
}

var aLongTimeAgo = time.Unix(1, 0)

// withDeadline interrupts blocked I/O once ctx is done. ctx may come from a
// mock clock, so its deadline is never copied onto the conn.
func withDeadline(ctx context.Context, set func(time.Time) error) (func(), error) {
	if err := set(time.Time{}); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = set(aLongTimeAgo) })
	return func() { stop() }, nil
}

func writeFrame(ctx context.Context, conn net.Conn, frame []byte) error {
	stop, err := withDeadline(ctx, conn.SetWriteDeadline)
	if err != nil {
		return mapIOError(ctx, err)
	}
	defer stop()
	if _, err := conn.Write(frame); err != nil {
		return mapIOError(ctx, err)
	}
	return nil
}

func readFrame(ctx context.Context, conn net.Conn, dec *proto.Decoder) (proto.Frame, error) {
	stop, err := withDeadline(ctx, conn.SetReadDeadline)
	if err != nil {
		return proto.Frame{}, mapIOError(ctx, err)
	}
	defer stop()
	f, err := dec.ReadFrame(conn)
	if err != nil {
		return proto.Frame{}, mapIOError(ctx, err)
	}
	return f, nil
}

// mapIOError turns deadline and EOF style failures into the package's error
// kinds. Frame and protocol errors pass through.
func mapIOError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, proto.ErrFrameMalformed), errors.Is(err, proto.ErrConnectionClosed):
		return err
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
		return ctx.Err()
	case ctx.Err() != nil, errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("%w: %v", proto.ErrHandshakeTimeout, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return fmt.Errorf("%w: %v", proto.ErrConnectionClosed, err)
	default:
		return err
	}
}
