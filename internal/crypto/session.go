package crypto

import (
	"encoding/binary"
	"errors"
)

const (
	labelKDFMaster = "chainp2p:kdf:v1"
	labelSendKey   = "chainp2p:send:v1"
	labelRecvKey   = "chainp2p:recv:v1"
	labelNonceSend = "chainp2p:ns:send:v1"
	labelNonceRecv = "chainp2p:ns:recv:v1"
)

// SessionKeys are written from the initiator's point of view; the responder
// uses Swap.
type SessionKeys struct {
	SendKey       []byte
	RecvKey       []byte
	NonceBaseSend []byte
	NonceBaseRecv []byte
}

func DeriveSessionKeys(ss, transcript []byte) (SessionKeys, error) {
	if len(ss) == 0 || len(transcript) == 0 {
		return SessionKeys{}, ErrEmptyKeyMaterial
	}
	master, err := KDF(labelKDFMaster, ss, transcript, XKeySize)
	if err != nil {
		return SessionKeys{}, err
	}
	defer zeroBytes(master)
	var keys SessionKeys
	if keys.SendKey, err = KDF(labelSendKey, master, nil, XKeySize); err != nil {
		return SessionKeys{}, err
	}
	if keys.RecvKey, err = KDF(labelRecvKey, master, nil, XKeySize); err != nil {
		return SessionKeys{}, err
	}
	if keys.NonceBaseSend, err = KDF(labelNonceSend, master, nil, XNonceSize); err != nil {
		return SessionKeys{}, err
	}
	if keys.NonceBaseRecv, err = KDF(labelNonceRecv, master, nil, XNonceSize); err != nil {
		return SessionKeys{}, err
	}
	return keys, nil
}

func (k SessionKeys) Swap() SessionKeys {
	return SessionKeys{
		SendKey:       k.RecvKey,
		RecvKey:       k.SendKey,
		NonceBaseSend: k.NonceBaseRecv,
		NonceBaseRecv: k.NonceBaseSend,
	}
}

func (k SessionKeys) Destroy() {
	zeroBytes(k.SendKey)
	zeroBytes(k.RecvKey)
	zeroBytes(k.NonceBaseSend)
	zeroBytes(k.NonceBaseRecv)
}

func NonceFromBase(base []byte, counter uint64) ([]byte, error) {
	if len(base) != XNonceSize {
		return nil, errors.New("bad nonce base size")
	}
	nonce := make([]byte, XNonceSize)
	copy(nonce, base)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], counter)
	for i := 0; i < 8; i++ {
		nonce[XNonceSize-8+i] ^= tmp[i]
	}
	return nonce, nil
}
