// internal/crypto/crypto.go
package crypto

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// chainp2p crypto suite
//
// - identity: secp256k1 ECDSA, 65-byte uncompressed public keys
// - key agreement: ephemeral secp256k1 ECDH
// - KDF: HKDF over SHA3-256
// - AEAD: XChaCha20-Poly1305 with per-direction nonce bases
// -----------------------------------------------------------------------------

const (
	XKeySize   = chacha20poly1305.KeySize    // 32
	XNonceSize = chacha20poly1305.NonceSizeX // 24
)

var ErrEmptyKeyMaterial = errors.New("empty key material")

// -----------------------------------------------------------------------------
// SHA-3
// -----------------------------------------------------------------------------

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// KDF expands secret into size bytes bound to label. salt may be nil.
func KDF(label string, secret, salt []byte, size int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrEmptyKeyMaterial
	}
	if size <= 0 {
		return nil, fmt.Errorf("bad kdf output size: %d", size)
	}
	r := hkdf.New(sha3.New256, secret, salt, []byte(label))
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// XChaCha20-Poly1305 AEAD
// -----------------------------------------------------------------------------

func XSealWithNonce(key32, nonce24, plaintext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", XNonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce24, plaintext, aad), nil
}

func XOpen(key32, nonce24, ciphertext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", XNonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce24, ciphertext, aad)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
