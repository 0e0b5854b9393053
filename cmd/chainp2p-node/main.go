package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"chainp2p/internal/config"
	"chainp2p/internal/crypto"
	"chainp2p/internal/debuglog"
	"chainp2p/internal/node"
	"chainp2p/internal/peer"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

var (
	homeFlag = &cli.StringFlag{
		Name:  "home",
		Usage: "node home directory (keys, address book, status)",
	}
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML config file (default <home>/config.toml)",
	}

	listenIPFlag  = &cli.StringFlag{Name: "listen-ip", Usage: "IP to bind"}
	advertiseFlag = &cli.StringFlag{Name: "advertise-ip", Usage: "IP announced to peers"}
	discPortFlag  = &cli.UintFlag{Name: "disc-port", Usage: "UDP discovery port"}
	p2pPortFlag   = &cli.UintFlag{Name: "p2p-port", Usage: "transport port"}
	networkFlag   = &cli.StringFlag{Name: "network", Usage: "transport carrier: tcp or quic"}
	bootstrapFlag = &cli.StringSliceFlag{Name: "bootstrap", Usage: "bootstrap ip:disc_port (repeatable)"}
	capacityFlag  = &cli.IntFlag{Name: "table-capacity", Usage: "address table slots"}
	metricsFlag   = &cli.StringFlag{Name: "metrics-addr", Usage: "serve /metrics on this address"}
	pprofFlag     = &cli.StringFlag{Name: "pprof-addr", Usage: "serve pprof on this loopback address"}
	debugFlag     = &cli.BoolFlag{Name: "debug", Usage: "debug logging"}
	logFormatFlag = &cli.StringFlag{Name: "log-format", Usage: "console or json"}

	jsonFlag  = &cli.BoolFlag{Name: "json", Usage: "print raw JSON"}
	forceFlag = &cli.BoolFlag{Name: "force", Usage: "overwrite an existing config file"}
)

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "chainp2p-node",
		Usage:     "peer-to-peer node core",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags:     []cli.Flag{homeFlag, configFlag},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run the node until interrupted",
				Flags:  []cli.Flag{listenIPFlag, advertiseFlag, discPortFlag, p2pPortFlag, networkFlag, bootstrapFlag, capacityFlag, metricsFlag, pprofFlag, debugFlag, logFormatFlag},
				Action: runNode,
			},
			{
				Name:   "init",
				Usage:  "Write a default config file into the home directory",
				Flags:  []cli.Flag{forceFlag},
				Action: initConfig,
			},
			{
				Name:   "id",
				Usage:  "Print the node id and public key, creating the key if needed",
				Action: printID,
			},
			{
				Name:   "status",
				Usage:  "Print the status file of a running node",
				Flags:  []cli.Flag{jsonFlag},
				Action: printStatus,
			},
		},
		Action: func(c *cli.Context) error {
			if c.Args().Present() {
				return fmt.Errorf("unknown command: %s", c.Args().First())
			}
			return cli.ShowAppHelp(c)
		},
		ExitErrHandler: func(*cli.Context, error) {},
	}
}

func run(args []string, stdout, stderr io.Writer) int {
	app := newApp(stdout, stderr)
	if err := app.Run(append([]string{app.Name}, args...)); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

// loadConfig reads the config file and applies --home. Command flags are
// applied by the caller.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if c.IsSet(homeFlag.Name) {
		cfg.Home = c.String(homeFlag.Name)
	}
	home, err := cfg.HomeDir()
	if err != nil {
		return config.Config{}, err
	}
	path := c.String(configFlag.Name)
	if path == "" {
		path = filepath.Join(home, config.DefaultFileName)
	}
	loaded, err := config.LoadOrDefault(path)
	if err != nil {
		return config.Config{}, err
	}
	if c.IsSet(homeFlag.Name) {
		loaded.Home = cfg.Home
	} else if loaded.Home == config.Default().Home {
		loaded.Home = home
	}
	return loaded, nil
}

func portFlag(c *cli.Context, f *cli.UintFlag) (uint16, error) {
	v := c.Uint(f.Name)
	if v > math.MaxUint16 {
		return 0, fmt.Errorf("--%s %d: port out of range", f.Name, v)
	}
	return uint16(v), nil
}

func applyRunFlags(c *cli.Context, cfg *config.Config) error {
	if c.IsSet(listenIPFlag.Name) {
		cfg.ListenIP = c.String(listenIPFlag.Name)
	}
	if c.IsSet(advertiseFlag.Name) {
		cfg.AdvertiseIP = c.String(advertiseFlag.Name)
	}
	if c.IsSet(discPortFlag.Name) {
		p, err := portFlag(c, discPortFlag)
		if err != nil {
			return err
		}
		cfg.DiscoveryPort = p
	}
	if c.IsSet(p2pPortFlag.Name) {
		p, err := portFlag(c, p2pPortFlag)
		if err != nil {
			return err
		}
		cfg.TransportPort = p
	}
	if c.IsSet(networkFlag.Name) {
		cfg.TransportNetwork = c.String(networkFlag.Name)
	}
	if c.IsSet(bootstrapFlag.Name) {
		cfg.Bootstrap = c.StringSlice(bootstrapFlag.Name)
	}
	if c.IsSet(capacityFlag.Name) {
		cfg.TableCapacity = c.Int(capacityFlag.Name)
	}
	if c.IsSet(metricsFlag.Name) {
		cfg.MetricsAddr = c.String(metricsFlag.Name)
	}
	if c.IsSet(pprofFlag.Name) {
		cfg.PprofAddr = c.String(pprofFlag.Name)
	}
	if c.IsSet(debugFlag.Name) {
		cfg.Debug = c.Bool(debugFlag.Name)
	}
	if c.IsSet(logFormatFlag.Name) {
		cfg.LogFormat = c.String(logFormatFlag.Name)
	}
	return nil
}

func runNode(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := applyRunFlags(c, &cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := debuglog.New(debuglog.Options{Debug: cfg.Debug, Format: cfg.LogFormat})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	n, err := node.New(cfg, log)
	if err != nil {
		return fmt.Errorf("load node failed: %w", err)
	}
	defer n.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go drainPeers(ctx, n.PeerTable(), log.Named("inbox"))

	id := n.Identity().NodeID()
	fmt.Fprintf(c.App.Writer, "READY discovery=%s transport=%s node_id=%s\n",
		n.DiscoveryAddr(), n.TransportAddr(), hex.EncodeToString(id[:]))
	return n.Run(ctx)
}

// drainPeers consumes the upstream feed so a standalone node does not stall
// its peers.
func drainPeers(ctx context.Context, peers *peer.PeerTable, log *zap.Logger) {
	for p := range peers.Incoming(ctx) {
		go func() {
			for m := range p.Inbox() {
				log.Debug("message", zap.String("peer", p.Key()), zap.String("kind", m.Kind()))
			}
		}()
	}
}

func initConfig(c *cli.Context) error {
	cfg := config.Default()
	if c.IsSet(homeFlag.Name) {
		cfg.Home = c.String(homeFlag.Name)
	}
	home, err := cfg.HomeDir()
	if err != nil {
		return err
	}
	path := c.String(configFlag.Name)
	if path == "" {
		path = filepath.Join(home, config.DefaultFileName)
	}
	if _, err := os.Stat(path); err == nil && !c.Bool(forceFlag.Name) {
		return fmt.Errorf("config exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if err := config.Save(path, cfg); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "wrote %s\n", path)
	return nil
}

func printID(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	home, err := cfg.HomeDir()
	if err != nil {
		return err
	}
	id, err := crypto.LoadOrCreateIdentity(home)
	if err != nil {
		return err
	}
	nodeID := id.NodeID()
	fmt.Fprintf(c.App.Writer, "node_id %s\npubkey  %s\n", hex.EncodeToString(nodeID[:]), hex.EncodeToString(id.PublicKey()))
	return nil
}

func printStatus(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	home, err := cfg.HomeDir()
	if err != nil {
		return err
	}
	st, err := node.ReadStatus(home)
	if err != nil {
		return fmt.Errorf("status: node unavailable: %w", err)
	}
	w := c.App.Writer
	if c.Bool(jsonFlag.Name) {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	fmt.Fprintf(w, "node_id:   %s\n", st.NodeID)
	fmt.Fprintf(w, "discovery: %s\n", st.Discovery)
	fmt.Fprintf(w, "transport: %s\n", st.Transport)
	fmt.Fprintf(w, "table:     %d/%d\n", st.Metrics.TableLen, st.Metrics.TableCap)
	fmt.Fprintf(w, "peers:     %d\n", len(st.Peers))
	fmt.Fprintf(w, "updated:   %s\n", st.Metrics.GeneratedAt.Format("2006-01-02T15:04:05Z07:00"))
	if len(st.Table) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLOT\tKEY\tENDPOINT\tSTATUS\tREASON")
	for _, a := range st.Table {
		key := a.Key
		if len(key) > 16 {
			key = key[:16]
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", a.Slot, key, a.Endpoint, a.Status, a.Reason)
	}
	return tw.Flush()
}
