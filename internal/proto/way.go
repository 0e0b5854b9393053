package proto

const TokenSize = 16

// WhoAreYou is the body shared by way_syn and way_ack. SentAt is unix
// milliseconds on the sender's clock.
type WhoAreYou struct {
	PubKey []byte
	From   Endpoint
	Token  []byte
	SentAt uint64
	Sig    []byte
}

type WaySyn struct{ WhoAreYou }

// WayAck echoes the Syn's token and carries the responder's identity.
type WayAck struct{ WhoAreYou }

func (WaySyn) Kind() string { return KindWaySyn }
func (WayAck) Kind() string { return KindWayAck }

func (m WaySyn) encode(b *Builder) { m.encodeSigned(b) }
func (m WayAck) encode(b *Builder) { m.encodeSigned(b) }

func (w WhoAreYou) encodeBody(b *Builder) {
	b.Bytes(w.PubKey)
	w.From.encode(b)
	b.Bytes(w.Token).Int(w.SentAt)
}

func (w WhoAreYou) encodeSigned(b *Builder) {
	w.encodeBody(b)
	b.Bytes(w.Sig)
}

// SigningBytes is the encoding of everything but the signature, tagged with
// kind so a Syn signature cannot be replayed as an Ack.
func (w WhoAreYou) SigningBytes(kind string) ([]byte, error) {
	b := NewBuilder(kind)
	w.encodeBody(b)
	return b.Frame()
}

func decodeWhoAreYou(f *Frame) (WhoAreYou, error) {
	var (
		w   WhoAreYou
		err error
	)
	if w.PubKey, err = f.Bytes(); err != nil {
		return WhoAreYou{}, err
	}
	if w.From, err = decodeEndpoint(f); err != nil {
		return WhoAreYou{}, err
	}
	if w.Token, err = f.Bytes(); err != nil {
		return WhoAreYou{}, err
	}
	if w.SentAt, err = f.Int(); err != nil {
		return WhoAreYou{}, err
	}
	if w.Sig, err = f.Bytes(); err != nil {
		return WhoAreYou{}, err
	}
	return w, nil
}
