package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chainp2p"

// PeerEvent is one connect or disconnect kept for the status file.
type PeerEvent struct {
	At       time.Time `json:"at"`
	NodeID   string    `json:"node_id"`
	Endpoint string    `json:"endpoint"`
	Event    string    `json:"event"`
}

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Discovery    map[string]uint64 `json:"discovery"`
	Tasks        map[string]uint64 `json:"tasks"`
	Handshakes   map[string]uint64 `json:"handshakes"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
	Peers        int64             `json:"peers"`
	TableLen     int64             `json:"table_len"`
	TableCap     int64             `json:"table_cap"`
	Recent       []PeerEvent       `json:"recent"`
}

// Metrics mirrors every counter into a private prometheus registry and into
// plain maps read by Snapshot.
type Metrics struct {
	reg *prometheus.Registry

	discovery  *prometheus.CounterVec
	tasks      *prometheus.CounterVec
	handshakes *prometheus.CounterVec
	drops      *prometheus.CounterVec
	peers      prometheus.Gauge
	tableLen   prometheus.Gauge
	tableCap   prometheus.Gauge
	hsLatency  *prometheus.HistogramVec

	mu         sync.Mutex
	counts     map[string]map[string]uint64
	peerCount  atomic.Int64
	tableCount atomic.Int64
	tableSize  atomic.Int64
	recent     *Recent
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		discovery: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_events_total",
			Help:      "WhoAreYou packets and outcomes by event",
		}, []string{"event"}),
		tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcomes_total",
			Help:      "Task queue outcomes",
		}, []string{"outcome"}),
		handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_handshakes_total",
			Help:      "Transport handshakes by direction and result",
		}, []string{"dir", "result"}),
		drops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Dropped packets, connections and tasks by reason",
		}, []string{"reason"}),
		peers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Connected peers",
		}),
		tableLen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "addr_table_len",
			Help:      "Occupied address table slots",
		}),
		tableCap: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "addr_table_cap",
			Help:      "Address table capacity",
		}),
		hsLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Discovery and transport handshake latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"kind"}),
		counts: make(map[string]map[string]uint64),
		recent: NewRecent(64),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) bump(group, key string) {
	m.mu.Lock()
	g := m.counts[group]
	if g == nil {
		g = make(map[string]uint64)
		m.counts[group] = g
	}
	g[key]++
	m.mu.Unlock()
}

// Discovery counts a WhoAreYou event such as syn_sent or ack_expired.
func (m *Metrics) Discovery(event string) {
	if m == nil {
		return
	}
	m.discovery.WithLabelValues(event).Inc()
	m.bump("discovery", event)
}

func (m *Metrics) Task(outcome string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(outcome).Inc()
	m.bump("tasks", outcome)
}

func (m *Metrics) Handshake(dir, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(dir, result).Inc()
	m.bump("handshakes", dir+"_"+result)
	if result == "ok" {
		m.hsLatency.WithLabelValues("transport").Observe(d.Seconds())
	}
}

func (m *Metrics) DiscoveryLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.hsLatency.WithLabelValues("discovery").Observe(d.Seconds())
}

func (m *Metrics) Drop(reason string) {
	if m == nil {
		return
	}
	m.drops.WithLabelValues(reason).Inc()
	m.bump("drops", reason)
}

func (m *Metrics) SetPeers(n int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(n))
	m.peerCount.Store(int64(n))
}

func (m *Metrics) SetTable(n, capacity int) {
	if m == nil {
		return
	}
	m.tableLen.Set(float64(n))
	m.tableCap.Set(float64(capacity))
	m.tableCount.Store(int64(n))
	m.tableSize.Store(int64(capacity))
}

func (m *Metrics) PeerEvent(nodeID, endpoint, event string) {
	if m == nil {
		return
	}
	m.recent.Add(PeerEvent{At: time.Now().UTC(), NodeID: nodeID, Endpoint: endpoint, Event: event})
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	cp := func(group string) map[string]uint64 {
		out := make(map[string]uint64, len(m.counts[group]))
		for k, v := range m.counts[group] {
			out[k] = v
		}
		return out
	}
	snap := Snapshot{
		GeneratedAt:  time.Now().UTC(),
		Discovery:    cp("discovery"),
		Tasks:        cp("tasks"),
		Handshakes:   cp("handshakes"),
		DropByReason: cp("drops"),
	}
	m.mu.Unlock()
	snap.Peers = m.peerCount.Load()
	snap.TableLen = m.tableCount.Load()
	snap.TableCap = m.tableSize.Load()
	snap.Recent = m.recent.List()
	return snap
}

// Recent is a bounded list of the newest peer events.
type Recent struct {
	mu   sync.Mutex
	cap  int
	list []PeerEvent
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(e PeerEvent) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = e
		return
	}
	r.list = append(r.list, e)
}

func (r *Recent) List() []PeerEvent {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PeerEvent, len(r.list))
	copy(out, r.list)
	return out
}

// Server exposes /metrics and /health.
type Server struct {
	srv *http.Server
}

func NewServer(addr string, m *Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// ListenAndServe blocks until Close.
func (s *Server) ListenAndServe() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Close() error {
	return s.srv.Close()
}
