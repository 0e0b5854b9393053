package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 500*time.Millisecond, cfg.BackoffBase.Duration)
	assert.Equal(t, uint16(9000), cfg.Self().DiscPort)
	assert.Equal(t, uint16(9001), cfg.Self().P2PPort)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
home = "/tmp/node-a"
advertise_ip = "10.1.2.3"
discovery_port = 30303
bootstrap = ["10.0.0.2:9000", "[::1]:9100"]
backoff_base = "250ms"
backoff_max = "1m"
table_capacity = 2
log_format = "json"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/node-a", cfg.Home)
	assert.Equal(t, uint16(30303), cfg.DiscoveryPort)
	assert.Equal(t, uint16(9001), cfg.TransportPort)
	assert.Equal(t, 250*time.Millisecond, cfg.BackoffBase.Duration)
	assert.Equal(t, time.Minute, cfg.BackoffMax.Duration)
	assert.Equal(t, 2, cfg.TableCapacity)
	assert.Equal(t, "json", cfg.LogFormat)

	boot, err := cfg.BootstrapEndpoints()
	require.NoError(t, err)
	require.Len(t, boot, 2)
	assert.Equal(t, "10.0.0.2", boot[0].IP.String())
	assert.Equal(t, uint16(9000), boot[0].DiscPort)
	assert.Equal(t, uint16(0), boot[0].P2PPort)
	assert.Equal(t, uint16(9100), boot[1].DiscPort)
}

func TestLoadRejects(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"unknown key", `colour = "blue"`},
		{"bad duration", `dial_interval = "soon"`},
		{"bad network", `transport_network = "udp"`},
		{"bad log format", `log_format = "xml"`},
		{"unspecified advertise", `advertise_ip = "0.0.0.0"`},
		{"zero port", `transport_port = 0`},
		{"backoff inverted", "backoff_base = \"1m\"\nbackoff_max = \"1s\""},
		{"bad bootstrap", `bootstrap = ["nowhere"]`},
		{"zero capacity", `table_capacity = 0`},
		{"zero interval", `status_interval = "0s"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tc.body))
			require.Error(t, err)
		})
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	cfg := Default()
	cfg.Home = t.TempDir()
	cfg.Bootstrap = []string{"10.0.0.9:9000"}
	cfg.PingInterval = D(3 * time.Second)
	require.NoError(t, Save(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestHomeDirExpandsTilde(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	cfg := Default()
	dir, err := cfg.HomeDir()
	require.NoError(t, err)
	assert.Equal(t, "/home/tester/.chainp2p", dir)

	cfg.Home = "/var/lib/node"
	dir, err = cfg.HomeDir()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/node", dir)
}
