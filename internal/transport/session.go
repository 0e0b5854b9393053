package transport

import (
	"errors"
	"fmt"
	"sync"

	"chainp2p/internal/crypto"
	"chainp2p/internal/proto"
)

var (
	errSendExhausted = errors.New("send counter exhausted")
	errReplayedSeq   = errors.New("replayed or out-of-order seq")
)

// session seals outgoing messages and opens incoming ones. Sequence numbers
// start at zero in each direction and must strictly increase.
type session struct {
	keys     crypto.SessionKeys
	localID  [32]byte
	remoteID [32]byte

	sendMu  sync.Mutex
	sendSeq uint64

	recvMu   sync.Mutex
	recvSeq  uint64
	haveRecv bool
}

func newSession(keys crypto.SessionKeys, localID, remoteID [32]byte) *session {
	return &session{keys: keys, localID: localID, remoteID: remoteID}
}

func (s *session) nextSendSeq() (uint64, error) {
	if s.sendSeq == ^uint64(0)>>1 {
		return 0, errSendExhausted
	}
	seq := s.sendSeq
	s.sendSeq++
	return seq, nil
}

// seal returns the encoded sealed frame for m. The caller holds sendMu so
// frames hit the wire in sequence order.
func (s *session) seal(m proto.Msg) ([]byte, error) {
	plain, err := proto.Encode(m)
	if err != nil {
		return nil, err
	}
	seq, err := s.nextSendSeq()
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.NonceFromBase(s.keys.NonceBaseSend, seq)
	if err != nil {
		return nil, err
	}
	aad := crypto.BuildAAD(proto.KindSealed, seq, s.localID, s.remoteID)
	box, err := crypto.XSealWithNonce(s.keys.SendKey, nonce, plain, aad)
	if err != nil {
		return nil, err
	}
	return proto.Encode(proto.Sealed{Seq: seq, Box: box})
}

func (s *session) open(f proto.Frame) (proto.Msg, error) {
	m, err := proto.DecodeFrame(f)
	if err != nil {
		return nil, err
	}
	sealed, ok := m.(proto.Sealed)
	if !ok {
		return nil, fmt.Errorf("%w: unsealed %s after handshake", proto.ErrFrameMalformed, m.Kind())
	}
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	if s.haveRecv && sealed.Seq <= s.recvSeq {
		return nil, fmt.Errorf("%w: seq %d", errReplayedSeq, sealed.Seq)
	}
	nonce, err := crypto.NonceFromBase(s.keys.NonceBaseRecv, sealed.Seq)
	if err != nil {
		return nil, err
	}
	aad := crypto.BuildAAD(proto.KindSealed, sealed.Seq, s.remoteID, s.localID)
	plain, err := crypto.XOpen(s.keys.RecvKey, nonce, sealed.Box, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: open sealed frame: %v", proto.ErrFrameMalformed, err)
	}
	inner, err := proto.Decode(plain)
	if err != nil {
		return nil, err
	}
	switch inner.(type) {
	case proto.Sealed, proto.HsSyn, proto.HsAck, proto.WaySyn, proto.WayAck:
		return nil, fmt.Errorf("%w: %s inside sealed frame", proto.ErrFrameMalformed, inner.Kind())
	}
	s.recvSeq = sealed.Seq
	s.haveRecv = true
	return inner, nil
}

func (s *session) destroy() {
	s.sendMu.Lock()
	s.recvMu.Lock()
	s.keys.Destroy()
	s.recvMu.Unlock()
	s.sendMu.Unlock()
}
