package proto

import "errors"

const (
	KindWaySyn       = "way_syn"
	KindWayAck       = "way_ack"
	KindHsSyn        = "hs_syn"
	KindHsAck        = "hs_ack"
	KindTxSyn        = "tx_syn"
	KindTxAck        = "tx_ack"
	KindTxHashSyn    = "tx_hash_syn"
	KindTxHashAck    = "tx_hash_ack"
	KindBlockHashSyn = "block_hash_syn"
	KindBlockHashAck = "block_hash_ack"
	KindBlockSyn     = "block_syn"
	KindBlockAck     = "block_ack"
	KindPing         = "ping"
	KindSealed       = "sealed"
)

// Msg is implemented by every wire message. The set is closed: Decode knows
// all of them.
type Msg interface {
	Kind() string
	encode(b *Builder)
}

func Encode(m Msg) ([]byte, error) {
	b := NewBuilder(m.Kind())
	m.encode(b)
	return b.Frame()
}

// Decode parses exactly one message from data.
func Decode(data []byte) (Msg, error) {
	f, n, err := ParseFrame(data)
	if err != nil {
		if errors.Is(err, ErrNeedMore) {
			return nil, malformed("truncated frame")
		}
		return nil, err
	}
	if n != len(data) {
		return nil, malformed("%d trailing bytes", len(data)-n)
	}
	return DecodeFrame(f)
}

func DecodeFrame(f Frame) (Msg, error) {
	var (
		m   Msg
		err error
	)
	switch f.Tag {
	case KindWaySyn:
		var w WhoAreYou
		w, err = decodeWhoAreYou(&f)
		m = WaySyn{w}
	case KindWayAck:
		var w WhoAreYou
		w, err = decodeWhoAreYou(&f)
		m = WayAck{w}
	case KindHsSyn:
		var h Hello
		h, err = decodeHello(&f)
		m = HsSyn{h}
	case KindHsAck:
		var h Hello
		h, err = decodeHello(&f)
		m = HsAck{h}
	case KindTxSyn:
		var v TxSyn
		if v.ReqID, err = f.Int(); err == nil {
			v.Tx, err = f.Bytes()
		}
		m = v
	case KindTxAck:
		var v TxAck
		if v.ReqID, err = f.Int(); err == nil {
			v.Accepted, err = f.Bool()
		}
		m = v
	case KindTxHashSyn:
		var v TxHashSyn
		if v.ReqID, err = f.Int(); err == nil {
			v.Hash, err = f.Bytes()
		}
		m = v
	case KindTxHashAck:
		var v TxHashAck
		if v.ReqID, err = f.Int(); err == nil {
			v.Tx, err = f.Bytes()
		}
		m = v
	case KindBlockHashSyn:
		var v BlockHashSyn
		if v.ReqID, err = f.Int(); err == nil {
			v.Height, err = f.Int()
		}
		m = v
	case KindBlockHashAck:
		var v BlockHashAck
		if v.ReqID, err = f.Int(); err == nil {
			if v.Height, err = f.Int(); err == nil {
				v.Hash, err = f.Bytes()
			}
		}
		m = v
	case KindBlockSyn:
		var v BlockSyn
		if v.ReqID, err = f.Int(); err == nil {
			v.Hash, err = f.Bytes()
		}
		m = v
	case KindBlockAck:
		var v BlockAck
		if v.ReqID, err = f.Int(); err == nil {
			v.Block, err = f.Bytes()
		}
		m = v
	case KindPing:
		var v Ping
		if v.Nonce, err = f.Int(); err == nil {
			v.Echo, err = f.Bool()
		}
		m = v
	case KindSealed:
		var v Sealed
		if v.Seq, err = f.Int(); err == nil {
			v.Box, err = f.Bytes()
		}
		m = v
	default:
		return nil, malformed("unknown message kind %q", f.Tag)
	}
	if err != nil {
		return nil, err
	}
	if err := f.Done(); err != nil {
		return nil, err
	}
	return m, nil
}

// -----------------------------------------------------------------------------
// Transport messages
// -----------------------------------------------------------------------------

type TxSyn struct {
	ReqID uint64
	Tx    []byte
}

type TxAck struct {
	ReqID    uint64
	Accepted bool
}

type TxHashSyn struct {
	ReqID uint64
	Hash  []byte
}

// TxHashAck carries the transaction for the requested hash, empty when unknown.
type TxHashAck struct {
	ReqID uint64
	Tx    []byte
}

type BlockHashSyn struct {
	ReqID  uint64
	Height uint64
}

type BlockHashAck struct {
	ReqID  uint64
	Height uint64
	Hash   []byte
}

type BlockSyn struct {
	ReqID uint64
	Hash  []byte
}

type BlockAck struct {
	ReqID uint64
	Block []byte
}

// Ping is answered by sending the same nonce back with Echo set.
type Ping struct {
	Nonce uint64
	Echo  bool
}

// Sealed wraps an encrypted transport message.
type Sealed struct {
	Seq uint64
	Box []byte
}

func (TxSyn) Kind() string        { return KindTxSyn }
func (TxAck) Kind() string        { return KindTxAck }
func (TxHashSyn) Kind() string    { return KindTxHashSyn }
func (TxHashAck) Kind() string    { return KindTxHashAck }
func (BlockHashSyn) Kind() string { return KindBlockHashSyn }
func (BlockHashAck) Kind() string { return KindBlockHashAck }
func (BlockSyn) Kind() string     { return KindBlockSyn }
func (BlockAck) Kind() string     { return KindBlockAck }
func (Ping) Kind() string         { return KindPing }
func (Sealed) Kind() string       { return KindSealed }

func (m TxSyn) encode(b *Builder)        { b.Int(m.ReqID).Bytes(m.Tx) }
func (m TxAck) encode(b *Builder)        { b.Int(m.ReqID).Bool(m.Accepted) }
func (m TxHashSyn) encode(b *Builder)    { b.Int(m.ReqID).Bytes(m.Hash) }
func (m TxHashAck) encode(b *Builder)    { b.Int(m.ReqID).Bytes(m.Tx) }
func (m BlockHashSyn) encode(b *Builder) { b.Int(m.ReqID).Int(m.Height) }
func (m BlockHashAck) encode(b *Builder) { b.Int(m.ReqID).Int(m.Height).Bytes(m.Hash) }
func (m BlockSyn) encode(b *Builder)     { b.Int(m.ReqID).Bytes(m.Hash) }
func (m BlockAck) encode(b *Builder)     { b.Int(m.ReqID).Bytes(m.Block) }
func (m Ping) encode(b *Builder)         { b.Int(m.Nonce).Bool(m.Echo) }
func (m Sealed) encode(b *Builder)       { b.Int(m.Seq).Bytes(m.Box) }
