package proto

const NonceSize = 32

// Hello is the body of hs_syn and hs_ack: the sender's identity, its declared
// endpoint and the ephemeral key for this connection.
type Hello struct {
	PubKey []byte
	From   Endpoint
	EphPub []byte
	Nonce  []byte
	SentAt uint64
	Sig    []byte
}

type HsSyn struct{ Hello }

type HsAck struct{ Hello }

func (HsSyn) Kind() string { return KindHsSyn }
func (HsAck) Kind() string { return KindHsAck }

func (m HsSyn) encode(b *Builder) { m.encodeSigned(b) }
func (m HsAck) encode(b *Builder) { m.encodeSigned(b) }

func (h Hello) encodeBody(b *Builder) {
	b.Bytes(h.PubKey)
	h.From.encode(b)
	b.Bytes(h.EphPub).Bytes(h.Nonce).Int(h.SentAt)
}

func (h Hello) encodeSigned(b *Builder) {
	h.encodeBody(b)
	b.Bytes(h.Sig)
}

// SigningBytes covers all fields but the signature. bind is appended as an
// extra item; the ack binds to the syn digest with it.
func (h Hello) SigningBytes(kind string, bind []byte) ([]byte, error) {
	b := NewBuilder(kind)
	h.encodeBody(b)
	if bind != nil {
		b.Bytes(bind)
	}
	return b.Frame()
}

func decodeHello(f *Frame) (Hello, error) {
	var (
		h   Hello
		err error
	)
	if h.PubKey, err = f.Bytes(); err != nil {
		return Hello{}, err
	}
	if h.From, err = decodeEndpoint(f); err != nil {
		return Hello{}, err
	}
	if h.EphPub, err = f.Bytes(); err != nil {
		return Hello{}, err
	}
	if h.Nonce, err = f.Bytes(); err != nil {
		return Hello{}, err
	}
	if h.SentAt, err = f.Int(); err != nil {
		return Hello{}, err
	}
	if h.Sig, err = f.Bytes(); err != nil {
		return Hello{}, err
	}
	return h, nil
}
