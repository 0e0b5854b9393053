package crypto

import (
	"encoding/binary"
)

// BuildAAD binds a sealed transport frame to its tag, sequence number and the
// sender/receiver node IDs.
func BuildAAD(tag string, seq uint64, fromID, toID [32]byte) []byte {
	tagBytes := []byte(tag)
	buf := make([]byte, 0, 2+len(tagBytes)+8+32+32)
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(tagBytes)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, tagBytes...)
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	buf = append(buf, seqBytes[:]...)
	buf = append(buf, fromID[:]...)
	buf = append(buf, toID[:]...)
	return buf
}
