package store

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainp2p/internal/proto"
)

type line struct {
	N int `json:"n"`
}

func withRotation(t *testing.T, lines, rotations int) {
	t.Helper()
	savedLines := MaxLinesPerFile
	savedBytes := MaxBytesPerFile
	savedRot := MaxRotations
	MaxLinesPerFile = lines
	MaxBytesPerFile = 1 << 20
	MaxRotations = rotations
	t.Cleanup(func() {
		MaxLinesPerFile = savedLines
		MaxBytesPerFile = savedBytes
		MaxRotations = savedRot
	})
}

func TestAppendRotatesAndReadsAcrossFiles(t *testing.T) {
	withRotation(t, 2, 2)
	path := filepath.Join(t.TempDir(), "log.jsonl")
	for i := 1; i <= 5; i++ {
		require.NoError(t, AppendJSONL(path, line{N: i}))
	}
	_, err := os.Stat(path + ".1")
	require.NoError(t, err)
	_, err = os.Stat(path + ".2")
	require.NoError(t, err)

	got, err := ReadLastJSONL[line](path, 10)
	require.NoError(t, err)
	assert.Equal(t, []line{{1}, {2}, {3}, {4}, {5}}, got)

	got, err = ReadLastJSONL[line](path, 2)
	require.NoError(t, err)
	assert.Equal(t, []line{{4}, {5}}, got)
}

func TestRotationDropsOldest(t *testing.T) {
	withRotation(t, 1, 1)
	path := filepath.Join(t.TempDir(), "log.jsonl")
	for i := 1; i <= 3; i++ {
		require.NoError(t, AppendJSONL(path, line{N: i}))
	}
	got, err := ReadLastJSONL[line](path, 10)
	require.NoError(t, err)
	assert.Equal(t, []line{{2}, {3}}, got)
}

func TestReadLastSkipsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"n\":1}\nnot json\n{\"n\":2}\n"), 0600))
	got, err := ReadLastJSONL[line](path, 10)
	require.NoError(t, err)
	assert.Equal(t, []line{{1}, {2}}, got)

	got, err = ReadLastJSONL[line](filepath.Join(t.TempDir(), "missing"), 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWriteJSONAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "status.json")
	require.NoError(t, WriteJSONAtomic(path, line{N: 1}))
	require.NoError(t, WriteJSONAtomic(path, line{N: 2}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(data))
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestAddrBookKeepsNewestPerKey(t *testing.T) {
	book, err := OpenAddrBook(t.TempDir())
	require.NoError(t, err)

	ep := func(port uint16) proto.Endpoint {
		return proto.NewEndpoint(netip.MustParseAddr("10.0.0.1"), port, port+1)
	}
	now := time.Unix(1700000000, 0)
	require.NoError(t, book.Record([]byte{4, 1}, ep(9000), now))
	require.NoError(t, book.Record([]byte{4, 2}, ep(9010), now))
	require.NoError(t, book.Record([]byte{4, 1}, ep(9020), now.Add(time.Minute)))

	recs, err := book.Load(10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "0402", recs[0].PubKey)
	assert.Equal(t, "0401", recs[1].PubKey)

	e, err := recs[1].Endpoint()
	require.NoError(t, err)
	assert.Equal(t, ep(9020), e)
	pub, err := recs[1].PubKeyBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 1}, pub)

	recs, err = book.Load(1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "0401", recs[0].PubKey)
}

func TestAddrRecordRejectsBadEndpoint(t *testing.T) {
	_, err := AddrRecord{IP: "nope", DiscPort: 1, P2PPort: 2}.Endpoint()
	require.Error(t, err)
	_, err = AddrRecord{IP: "10.0.0.1", DiscPort: 0, P2PPort: 2}.Endpoint()
	require.Error(t, err)
}
