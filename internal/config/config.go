package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"chainp2p/internal/proto"
)

const (
	DefaultFileName = "config.toml"
	defaultHome     = "~/.chainp2p"
)

var ErrInvalid = errors.New("invalid config")

// Duration is a time.Duration written as a string such as "500ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func D(v time.Duration) Duration { return Duration{v} }

type Config struct {
	Home             string   `toml:"home"`
	ListenIP         string   `toml:"listen_ip"`
	AdvertiseIP      string   `toml:"advertise_ip"`
	DiscoveryPort    uint16   `toml:"discovery_port"`
	TransportPort    uint16   `toml:"transport_port"`
	TransportNetwork string   `toml:"transport_network"`
	Bootstrap        []string `toml:"bootstrap"`

	TableCapacity int      `toml:"table_capacity"`
	Workers       int      `toml:"workers"`
	QueueCapacity int      `toml:"queue_capacity"`
	MaxRetries    int      `toml:"max_retries"`
	BackoffBase   Duration `toml:"backoff_base"`
	BackoffMax    Duration `toml:"backoff_max"`
	BackoffJitter float64  `toml:"backoff_jitter"`
	DialInterval  Duration `toml:"dial_interval"`
	StaleAfter    Duration `toml:"stale_after"`

	// An Ack is only judged against Expiration while its waiter is alive, so
	// with DiscoveryTimeout below Expiration a slow Ack ends as a timeout and
	// only clock skew near the window edge yields an expired Ack.
	DiscoveryTimeout Duration `toml:"discovery_timeout"`
	HandshakeTimeout Duration `toml:"handshake_timeout"`
	Expiration       Duration `toml:"expiration"`
	UDPRate          float64  `toml:"udp_rate"`
	UDPBurst         int      `toml:"udp_burst"`
	MaxConnsPerIP    int      `toml:"max_conns_per_ip"`
	PingInterval     Duration `toml:"ping_interval"`

	StatusInterval Duration `toml:"status_interval"`
	MetricsAddr    string   `toml:"metrics_addr"`
	PprofAddr      string   `toml:"pprof_addr"`
	Debug          bool     `toml:"debug"`
	LogFormat      string   `toml:"log_format"`
}

func Default() Config {
	return Config{
		Home:             defaultHome,
		ListenIP:         "0.0.0.0",
		AdvertiseIP:      "127.0.0.1",
		DiscoveryPort:    9000,
		TransportPort:    9001,
		TransportNetwork: "tcp",
		TableCapacity:    256,
		Workers:          8,
		QueueCapacity:    512,
		MaxRetries:       5,
		BackoffBase:      D(500 * time.Millisecond),
		BackoffMax:       D(30 * time.Second),
		DialInterval:     D(5 * time.Second),
		StaleAfter:       D(2 * time.Minute),
		DiscoveryTimeout: D(5 * time.Second),
		HandshakeTimeout: D(10 * time.Second),
		Expiration:       D(60 * time.Second),
		UDPRate:          50,
		UDPBurst:         100,
		MaxConnsPerIP:    4,
		PingInterval:     D(15 * time.Second),
		StatusInterval:   D(10 * time.Second),
		LogFormat:        "console",
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("load %s: %w: unknown keys %s", path, ErrInvalid, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path when it exists and returns the defaults otherwise.
func LoadOrDefault(path string) (Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return Load(path)
}

// Save writes cfg as TOML.
func Save(path string, cfg Config) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func (c Config) Validate() error {
	if c.Home == "" {
		return invalid("home is empty")
	}
	if _, err := netip.ParseAddr(c.ListenIP); err != nil {
		return invalid("listen_ip %q", c.ListenIP)
	}
	ip, err := netip.ParseAddr(c.AdvertiseIP)
	if err != nil || ip.IsUnspecified() {
		return invalid("advertise_ip %q", c.AdvertiseIP)
	}
	if c.DiscoveryPort == 0 || c.TransportPort == 0 {
		return invalid("ports must be non-zero")
	}
	switch c.TransportNetwork {
	case "tcp", "quic":
	default:
		return invalid("transport_network %q", c.TransportNetwork)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return invalid("log_format %q", c.LogFormat)
	}
	if c.TableCapacity <= 0 || c.Workers <= 0 || c.QueueCapacity <= 0 || c.MaxRetries <= 0 {
		return invalid("table_capacity, workers, queue_capacity and max_retries must be positive")
	}
	if c.BackoffBase.Duration <= 0 || c.BackoffMax.Duration < c.BackoffBase.Duration {
		return invalid("backoff_base %s, backoff_max %s", c.BackoffBase, c.BackoffMax)
	}
	if c.BackoffJitter < 0 {
		return invalid("backoff_jitter %v", c.BackoffJitter)
	}
	for name, d := range map[string]Duration{
		"dial_interval":     c.DialInterval,
		"stale_after":       c.StaleAfter,
		"discovery_timeout": c.DiscoveryTimeout,
		"handshake_timeout": c.HandshakeTimeout,
		"expiration":        c.Expiration,
		"ping_interval":     c.PingInterval,
		"status_interval":   c.StatusInterval,
	} {
		if d.Duration <= 0 {
			return invalid("%s must be positive", name)
		}
	}
	if _, err := c.BootstrapEndpoints(); err != nil {
		return err
	}
	return nil
}

// HomeDir returns Home with a leading "~/" expanded.
func (c Config) HomeDir() (string, error) {
	if c.Home == "~" || strings.HasPrefix(c.Home, "~/") {
		h, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(h, strings.TrimPrefix(c.Home, "~")), nil
	}
	return c.Home, nil
}

func (c Config) ListenAddr() netip.Addr {
	ip, _ := netip.ParseAddr(c.ListenIP)
	return ip.Unmap()
}

// Self is the endpoint this node advertises.
func (c Config) Self() proto.Endpoint {
	ip, _ := netip.ParseAddr(c.AdvertiseIP)
	return proto.NewEndpoint(ip, c.DiscoveryPort, c.TransportPort)
}

// BootstrapEndpoints parses the bootstrap list. Entries are "ip:disc_port";
// the transport port is learned from the way_ack.
func (c Config) BootstrapEndpoints() ([]proto.Endpoint, error) {
	out := make([]proto.Endpoint, 0, len(c.Bootstrap))
	for _, s := range c.Bootstrap {
		ap, err := netip.ParseAddrPort(strings.TrimSpace(s))
		if err != nil || ap.Port() == 0 {
			return nil, invalid("bootstrap entry %q", s)
		}
		out = append(out, proto.NewEndpoint(ap.Addr(), ap.Port(), 0))
	}
	return out, nil
}
