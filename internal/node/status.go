package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"chainp2p/internal/metrics"
	"chainp2p/internal/peer"
	"chainp2p/internal/store"
)

const StatusFile = "status.json"

type AddrStatus struct {
	Key       string    `json:"key"`
	PubKey    string    `json:"pubkey,omitempty"`
	Endpoint  string    `json:"endpoint"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Slot      int       `json:"slot"`
	UpdatedAt time.Time `json:"updated_at"`
}

type PeerStatus struct {
	NodeID   string `json:"node_id"`
	Endpoint string `json:"endpoint"`
	Outbound bool   `json:"outbound"`
}

// Status is what the node writes to status.json.
type Status struct {
	NodeID    string           `json:"node_id"`
	PubKey    string           `json:"pubkey"`
	Discovery string           `json:"discovery"`
	Transport string           `json:"transport"`
	Table     []AddrStatus     `json:"table"`
	Peers     []PeerStatus     `json:"peers"`
	Pending   int              `json:"pending_discovery"`
	Metrics   metrics.Snapshot `json:"metrics"`
}

// Snapshot collects the current table, peers and counters.
func (n *Node) Snapshot() Status {
	n.metrics.SetTable(n.table.Len(), n.table.Cap())
	nodeID := n.id.NodeID()
	st := Status{
		NodeID:    hex.EncodeToString(nodeID[:]),
		PubKey:    hex.EncodeToString(n.id.PublicKey()),
		Discovery: n.cfg.Self().UDP().String(),
		Transport: n.cfg.Self().TCP().String(),
		Pending:   n.proto.Pending(),
		Metrics:   n.metrics.Snapshot(),
	}
	for _, a := range n.table.Snapshot() {
		as := AddrStatus{
			Key:       a.Key(),
			Endpoint:  a.Endpoint.String(),
			Status:    a.Status.String(),
			Slot:      a.Slot,
			UpdatedAt: a.UpdatedAt,
		}
		if a.Known() {
			as.PubKey = hex.EncodeToString(a.PubKey)
		}
		if a.Reason != peer.ReasonNone {
			as.Reason = a.Reason.String()
		}
		st.Table = append(st.Table, as)
	}
	sort.Slice(st.Table, func(i, j int) bool { return st.Table[i].Slot < st.Table[j].Slot })
	for _, p := range n.peers.Peers() {
		a := p.Address()
		st.Peers = append(st.Peers, PeerStatus{
			NodeID:   hex.EncodeToString(a.NodeID[:]),
			Endpoint: a.Endpoint.String(),
			Outbound: p.Outbound(),
		})
	}
	sort.Slice(st.Peers, func(i, j int) bool { return st.Peers[i].NodeID < st.Peers[j].NodeID })
	return st
}

func (n *Node) writeStatus() error {
	return store.WriteJSONAtomic(filepath.Join(n.home, StatusFile), n.Snapshot())
}

func (n *Node) statusLoop(ctx context.Context) error {
	ticker := n.clock.Ticker(n.cfg.StatusInterval.Duration)
	defer ticker.Stop()
	for {
		if err := n.writeStatus(); err != nil {
			n.log.Warn("status write failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ReadStatus loads the status file a running node keeps in home.
func ReadStatus(home string) (Status, error) {
	raw, err := os.ReadFile(filepath.Join(home, StatusFile))
	if err != nil {
		return Status{}, err
	}
	var st Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return Status{}, fmt.Errorf("decode %s: %w", StatusFile, err)
	}
	return st, nil
}
