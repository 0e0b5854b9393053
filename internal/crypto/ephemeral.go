package crypto

import (
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var errEphemeralDestroyed = errors.New("ephemeral key destroyed")

// Ephemeral is a single-use secp256k1 key for transport key agreement.
type Ephemeral struct {
	priv      *secp256k1.PrivateKey
	pub       []byte
	destroyed bool
}

func (e *Ephemeral) String() string {
	return "Ephemeral{REDACTED}"
}

func (e *Ephemeral) GoString() string {
	return "crypto.Ephemeral{REDACTED}"
}

func GenerateEphemeral() (*Ephemeral, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &Ephemeral{priv: priv, pub: priv.PubKey().SerializeUncompressed()}, nil
}

func (e *Ephemeral) Public() ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errEphemeralDestroyed
	}
	out := make([]byte, len(e.pub))
	copy(out, e.pub)
	return out, nil
}

// Shared returns the 32-byte ECDH secret with peerPub.
func (e *Ephemeral) Shared(peerPub []byte) ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errEphemeralDestroyed
	}
	if len(peerPub) == 0 {
		return nil, ErrEmptyKeyMaterial
	}
	pub, err := ParsePublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return secp256k1.GenerateSharedSecret(e.priv, pub), nil
}

func (e *Ephemeral) Destroy() {
	if e == nil || e.destroyed {
		return
	}
	e.priv.Zero()
	zeroBytes(e.pub)
	e.priv = nil
	e.destroyed = true
}
