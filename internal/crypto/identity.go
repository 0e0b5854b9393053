package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

const (
	PubKeySize  = 65
	PrivKeySize = 32

	privKeyFile = "node.key"
)

var ErrBadPublicKey = errors.New("bad public key")

// Identity is the long-lived node key pair. Signatures cover the SHA3-256
// digest of the message.
type Identity struct {
	priv *secp256k1.PrivateKey
	pub  []byte
	id   [32]byte
}

func (i *Identity) String() string {
	return "Identity{" + hex.EncodeToString(i.id[:8]) + "}"
}

func GenerateIdentity() (*Identity, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return newIdentity(priv), nil
}

func IdentityFromBytes(b []byte) (*Identity, error) {
	if len(b) != PrivKeySize {
		return nil, fmt.Errorf("bad private key size: %d", len(b))
	}
	priv := secp256k1.PrivKeyFromBytes(b)
	if priv.Key.IsZero() {
		return nil, errors.New("zero private key")
	}
	return newIdentity(priv), nil
}

func newIdentity(priv *secp256k1.PrivateKey) *Identity {
	pub := priv.PubKey().SerializeUncompressed()
	return &Identity{priv: priv, pub: pub, id: DeriveNodeID(pub)}
}

// PublicKey returns a copy of the 65-byte uncompressed public key.
func (i *Identity) PublicKey() []byte {
	out := make([]byte, len(i.pub))
	copy(out, i.pub)
	return out
}

func (i *Identity) NodeID() [32]byte {
	return i.id
}

func (i *Identity) Sign(msg []byte) []byte {
	return ecdsa.Sign(i.priv, SHA3_256(msg)).Serialize()
}

func (i *Identity) Bytes() []byte {
	return i.priv.Serialize()
}

func Verify(pub, msg, sig []byte) bool {
	key, err := ParsePublicKey(pub)
	if err != nil {
		return false
	}
	s, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	return s.Verify(SHA3_256(msg), key)
}

func ParsePublicKey(pub []byte) (*secp256k1.PublicKey, error) {
	if len(pub) != PubKeySize {
		return nil, ErrBadPublicKey
	}
	key, err := secp256k1.ParsePubKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	return key, nil
}

// DeriveNodeID is the SHA3-256 digest of the uncompressed public key.
func DeriveNodeID(pub []byte) [32]byte {
	var id [32]byte
	copy(id[:], SHA3_256(pub))
	return id
}

// -----------------------------------------------------------------------------
// Key storage
// -----------------------------------------------------------------------------

func SaveIdentity(dir string, id *Identity) error {
	if id == nil {
		return errors.New("nil identity")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, privKeyFile), []byte(hex.EncodeToString(id.Bytes())), 0600)
}

func LoadIdentity(dir string) (*Identity, error) {
	raw, err := os.ReadFile(filepath.Join(dir, privKeyFile))
	if err != nil {
		return nil, err
	}
	b, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("bad %s", privKeyFile)
	}
	return IdentityFromBytes(b)
}

// LoadOrCreateIdentity loads the node key from dir, generating and saving one
// when none exists yet.
func LoadOrCreateIdentity(dir string) (*Identity, error) {
	id, err := LoadIdentity(dir)
	if err == nil {
		return id, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	id, err = GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := SaveIdentity(dir, id); err != nil {
		return nil, err
	}
	return id, nil
}
