package store

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"chainp2p/internal/proto"
)

const (
	AddrBookFile = "addrbook.jsonl"
	maxScanSize  = 2 * proto.MaxFrameSize
)

// Rotation limits; a file past either limit is shifted to path.1, path.1 to
// path.2 and so on, dropping the oldest beyond MaxRotations.
var (
	MaxLinesPerFile = 10000
	MaxBytesPerFile = 4 << 20
	MaxRotations    = 3
)

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	return sc
}

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

func rotatedPath(path string, i int) string {
	if i == 0 {
		return path
	}
	return fmt.Sprintf("%s.%d", path, i)
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := newScanner(f)
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}

func rotateIfNeeded(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	full := info.Size() >= int64(MaxBytesPerFile)
	if !full {
		lines, err := countLines(path)
		if err != nil {
			return err
		}
		full = lines >= MaxLinesPerFile
	}
	if !full {
		return nil
	}
	if MaxRotations <= 0 {
		return os.Remove(path)
	}
	_ = os.Remove(rotatedPath(path, MaxRotations))
	for i := MaxRotations - 1; i >= 0; i-- {
		if err := os.Rename(rotatedPath(path, i), rotatedPath(path, i+1)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	syncDir(path)
	return nil
}

// AppendJSONL appends v as one JSON line, rotating the file first when full.
func AppendJSONL(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if err := rotateIfNeeded(path); err != nil {
		return fmt.Errorf("rotate %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(v); err != nil {
		return err
	}
	return syncFile(f)
}

// ReadLastJSONL returns up to n records across path and its rotations, oldest
// first. Lines that do not decode are skipped.
func ReadLastJSONL[T any](path string, n int) ([]T, error) {
	if n <= 0 {
		return nil, nil
	}
	out := make([]T, 0, n)
	for i := MaxRotations; i >= 0; i-- {
		f, err := os.Open(rotatedPath(path, i))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		sc := newScanner(f)
		for sc.Scan() {
			var rec T
			if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
				continue
			}
			if len(out) < n {
				out = append(out, rec)
			} else {
				copy(out, out[1:])
				out[n-1] = rec
			}
		}
		if err := sc.Err(); err != nil {
			_ = f.Close()
			return nil, err
		}
		_ = f.Close()
	}
	return out, nil
}

// WriteJSONAtomic replaces path with the JSON encoding of v.
func WriteJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := syncFile(f); err != nil {
		_ = f.Close()
		return err
	}
	// close before rename for windows
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	syncDir(path)
	return nil
}

// -----------------------------------------------------------------------------
// Address book
// -----------------------------------------------------------------------------

type AddrRecord struct {
	PubKey   string `json:"pubkey"`
	IP       string `json:"ip"`
	DiscPort uint16 `json:"disc_port"`
	P2PPort  uint16 `json:"p2p_port"`
	SeenAt   int64  `json:"seen_at"`
}

func (r AddrRecord) Endpoint() (proto.Endpoint, error) {
	ip, err := netip.ParseAddr(r.IP)
	if err != nil {
		return proto.Endpoint{}, err
	}
	e := proto.NewEndpoint(ip, r.DiscPort, r.P2PPort)
	if !e.IsValid() {
		return proto.Endpoint{}, fmt.Errorf("invalid endpoint %s", e)
	}
	return e, nil
}

func (r AddrRecord) PubKeyBytes() ([]byte, error) {
	return hex.DecodeString(r.PubKey)
}

// AddrBook persists addresses that completed a transport handshake.
type AddrBook struct {
	mu   sync.Mutex
	path string
}

func OpenAddrBook(home string) (*AddrBook, error) {
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	return &AddrBook{path: filepath.Join(home, AddrBookFile)}, nil
}

func (b *AddrBook) Path() string {
	return b.path
}

func (b *AddrBook) Record(pub []byte, ep proto.Endpoint, seen time.Time) error {
	rec := AddrRecord{
		PubKey:   hex.EncodeToString(pub),
		IP:       ep.IP.String(),
		DiscPort: ep.DiscPort,
		P2PPort:  ep.P2PPort,
		SeenAt:   seen.Unix(),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return AppendJSONL(b.path, rec)
}

// Load returns at most limit distinct keys, keeping the newest record for
// each, oldest first.
func (b *AddrBook) Load(limit int) ([]AddrRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	b.mu.Lock()
	recs, err := ReadLastJSONL[AddrRecord](b.path, MaxLinesPerFile*(MaxRotations+1))
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, limit)
	out := make([]AddrRecord, 0, limit)
	for i := len(recs) - 1; i >= 0 && len(out) < limit; i-- {
		if recs[i].PubKey == "" || seen[recs[i].PubKey] {
			continue
		}
		seen[recs[i].PubKey] = true
		out = append(out, recs[i])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
