package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKDFDeterminismAndContext(t *testing.T) {
	ikm := []byte("ikm")
	k1, err := KDF("chainp2p:test:a", ikm, nil, 32)
	require.NoError(t, err)
	k2, err := KDF("chainp2p:test:a", ikm, nil, 32)
	require.NoError(t, err)
	require.Equal(t, k1, k2)

	kb, err := KDF("chainp2p:test:b", ikm, nil, 32)
	require.NoError(t, err)
	require.NotEqual(t, k1, kb)

	_, err = KDF("chainp2p:test:a", nil, nil, 32)
	require.ErrorIs(t, err, ErrEmptyKeyMaterial)
}

func TestIdentitySignVerify(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)
	pub := id.PublicKey()
	require.Len(t, pub, PubKeySize)
	require.Equal(t, byte(0x04), pub[0])

	msg := []byte("way_syn body")
	sig := id.Sign(msg)
	require.True(t, Verify(pub, msg, sig))
	require.False(t, Verify(pub, []byte("other"), sig))

	other, err := GenerateIdentity()
	require.NoError(t, err)
	require.False(t, Verify(other.PublicKey(), msg, sig))
	require.False(t, Verify(pub[:33], msg, sig))
}

func TestIdentityPersistence(t *testing.T) {
	dir := t.TempDir()
	id, err := LoadOrCreateIdentity(dir)
	require.NoError(t, err)
	again, err := LoadOrCreateIdentity(dir)
	require.NoError(t, err)
	require.Equal(t, id.PublicKey(), again.PublicKey())
	require.Equal(t, id.NodeID(), again.NodeID())

	require.NoError(t, os.WriteFile(filepath.Join(dir, privKeyFile), []byte("zz"), 0600))
	_, err = LoadOrCreateIdentity(dir)
	require.Error(t, err, "corrupt key must not be silently replaced")
}

func TestEphemeralSharedSecret(t *testing.T) {
	a, err := GenerateEphemeral()
	require.NoError(t, err)
	b, err := GenerateEphemeral()
	require.NoError(t, err)
	pa, err := a.Public()
	require.NoError(t, err)
	pb, err := b.Public()
	require.NoError(t, err)

	sa, err := a.Shared(pb)
	require.NoError(t, err)
	sb, err := b.Shared(pa)
	require.NoError(t, err)
	require.True(t, bytes.Equal(sa, sb))
	require.Len(t, sa, 32)

	a.Destroy()
	_, err = a.Shared(pb)
	require.Error(t, err)
}

func TestSessionKeysSwap(t *testing.T) {
	keys, err := DeriveSessionKeys([]byte("shared"), []byte("transcript"))
	require.NoError(t, err)
	peer := keys.Swap()
	require.Equal(t, keys.SendKey, peer.RecvKey)
	require.Equal(t, keys.NonceBaseSend, peer.NonceBaseRecv)
	require.NotEqual(t, keys.SendKey, keys.RecvKey)
}
