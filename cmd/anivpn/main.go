package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"anivpn/internal/api"
	"anivpn/internal/catalog"
	"anivpn/internal/config"
	"anivpn/internal/controller"
	"anivpn/internal/diag"
	"anivpn/internal/execx"
	"anivpn/internal/keystore"
	"anivpn/internal/metrics"
	"anivpn/internal/model"
	"anivpn/internal/netstate"
	"anivpn/internal/store"
	"anivpn/internal/stunutil"
	"anivpn/internal/supervisor"
	"anivpn/internal/wireguard"
)

const defaultConfigPath = "/etc/anivpn/anivpn.yaml"

const usage = `anivpn - WireGuard client connection manager

Usage:
  anivpn init [--config <path>] [--config-dir <dir>]
  anivpn serve [--config <path>] [--listen <addr>]
  anivpn connect [--config <path>] [--server <id>] [--no-default-route] [--dns a,b]
  anivpn disconnect [--config <path>]
  anivpn status [--config <path>]
  anivpn servers [--config <path>] [--local]
  anivpn keygen [--config <path>]
  anivpn history [--config <path>] [--since 24h]
  anivpn check [--config <path>] [--stun a,b]
  anivpn doctor [--config <path>] [--discard-snapshot]

Exit codes:
  0 ok, 1 error, 2 usage, 3 tools unavailable, 4 no server available,
  5 snapshot unavailable, 6 activation failed, 7 permission denied
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "init":
		handleInit(os.Args[2:])
	case "serve":
		handleServe(os.Args[2:])
	case "connect":
		handleConnect(os.Args[2:])
	case "disconnect":
		handleDisconnect(os.Args[2:])
	case "status":
		handleStatus(os.Args[2:])
	case "servers":
		handleServers(os.Args[2:])
	case "keygen":
		handleKeygen(os.Args[2:])
	case "history":
		handleHistory(os.Args[2:])
	case "check":
		handleCheck(os.Args[2:])
	case "doctor":
		handleDoctor(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to YAML config")
	configDir := fs.String("config-dir", "", "directory for keys, snapshot and history")
	force := fs.Bool("force", false, "overwrite an existing config")
	_ = fs.Parse(args)

	if _, err := os.Stat(*configPath); err == nil && !*force {
		fatal(fmt.Errorf("%s already exists (use --force to overwrite)", *configPath))
	}

	var cfg config.Config
	cfg.ConfigDir = *configDir
	if cfg.ConfigDir == "" {
		cfg.ConfigDir = filepath.Dir(*configPath)
	}
	config.ApplyDefaults(&cfg)
	fatal(config.Validate(cfg))
	fatal(config.Save(*configPath, cfg))
	fmt.Fprintf(os.Stdout, "wrote %s\n", *configPath)
}

func handleServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to YAML config")
	listen := fs.String("listen", "", "API listen address (unix:/path or host:port)")
	_ = fs.Parse(args)

	cfg := mustConfig(*configPath)
	if *listen != "" {
		cfg.Listen = *listen
	}
	log := setupLogger(cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	if err := os.MkdirAll(cfg.ConfigDir, 0o700); err != nil {
		fatal(err)
	}
	lock, err := store.AcquireLock(cfg.LockPath())
	if err != nil {
		fatal(err)
	}
	defer func() { _ = lock.Release() }()

	runner := newRunner(cfg)
	// wgctrl talks to the kernel directly and only works as root; through
	// sudo the peers are read with `wg show dump` instead.
	var inspector wireguard.Inspector = wireguard.NewDumpInspector(runner)
	if !runner.Sudo {
		inspector = wireguard.DefaultInspector(runner)
	}
	if c, ok := inspector.(interface{ Close() error }); ok {
		defer func() { _ = c.Close() }()
	}
	ifaces := wireguard.NewController(runner, wireguard.NetlinkLinks{}, inspector)
	ifaces.StaleAfter = cfg.StaleAfter

	guard := netstate.NewGuard(runner, netstate.Options{
		SnapshotPath: cfg.SnapshotPath(),
		ResolvConf:   cfg.ResolvConf,
		BackupPath:   cfg.ResolverBackupPath(),
		Sudo:         runner.Sudo,
	})
	servers := catalog.Source{Path: cfg.CatalogPath(), Fallback: cfg.Catalog.BuiltinFallback}

	sup := supervisor.New(servers, newKeyStore(cfg, runner), guard, ifaces, supervisor.Options{
		Runner:          runner,
		ConfigPath:      cfg.InterfaceConfPath(),
		Address:         cfg.Address,
		MTU:             cfg.MTU,
		MonitorInterval: cfg.MonitorInterval,
		HistoryPath:     cfg.HistoryFile(),
		Privileged: func() bool {
			return execx.Privileged(context.Background(), runner, os.Geteuid(), cfg.Sudo)
		},
		Log: log.Named("supervisor"),
	})
	if st := sup.Status(); st.PendingRestore {
		log.Warnf("a network snapshot from an earlier run is pending; it is restored on the next connect or disconnect")
	}

	srv := controller.NewServer(sup, controller.Options{
		Catalog:         servers,
		HistoryPath:     cfg.HistoryFile(),
		UseDefaultRoute: config.UseDefaultRoute(&cfg),
		DNS:             cfg.DNS,
		Log:             log.Named("api"),
	})

	l, err := api.Listen(cfg.Listen)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	serveErr := srv.Serve(ctx, l)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
	fatal(serveErr)
}

func handleConnect(args []string) {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to YAML config")
	server := fs.String("server", "", "server id (random when empty)")
	noRoute := fs.Bool("no-default-route", false, "leave the default route alone")
	dnsList := fs.String("dns", "", "comma-separated DNS servers (overrides config; empty leaves the resolver alone)")
	_ = fs.Parse(args)

	cfg := mustConfig(*configPath)
	req := api.ConnectRequest{ServerID: *server}
	if *noRoute {
		off := false
		req.UseDefaultRoute = &off
	}
	if flagSet(fs, "dns") {
		req.DNS = splitList(*dnsList)
	}

	ctx, cancel := signalContext()
	defer cancel()

	info, err := api.NewClient(cfg.Listen).Connect(ctx, req)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "connected to %s (%s, %s) via %s\n", info.ServerID, info.City, info.Country, info.Interface)
	fmt.Fprintf(os.Stdout, "endpoint=%s address=%s session=%s\n", info.Endpoint, info.Address, info.SessionID)
}

func handleDisconnect(args []string) {
	fs := flag.NewFlagSet("disconnect", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to YAML config")
	_ = fs.Parse(args)

	cfg := mustConfig(*configPath)
	ctx, cancel := signalContext()
	defer cancel()

	fatal(api.NewClient(cfg.Listen).Disconnect(ctx))
	fmt.Fprintln(os.Stdout, "disconnected")
}

func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to YAML config")
	_ = fs.Parse(args)

	cfg := mustConfig(*configPath)
	ctx, cancel := signalContext()
	defer cancel()

	st, err := api.NewClient(cfg.Listen).Status(ctx)
	if err != nil {
		fatal(err)
	}
	printStatus(st)
}

func printStatus(st api.StatusResponse) {
	fmt.Fprintf(os.Stdout, "%-12s %s\n", "state", st.Phase)
	if st.Server != nil {
		fmt.Fprintf(os.Stdout, "%-12s %s (%s, %s)\n", "server", st.Server.ID, st.Server.City, st.Server.Country)
	}
	if c := st.Connection; c != nil {
		fmt.Fprintf(os.Stdout, "%-12s %s\n", "endpoint", c.Endpoint)
		fmt.Fprintf(os.Stdout, "%-12s %s\n", "interface", c.Interface)
		fmt.Fprintf(os.Stdout, "%-12s %s\n", "address", c.Address)
	}
	if st.Connected {
		fmt.Fprintf(os.Stdout, "%-12s %s\n", "uptime", formatUptime(st.Uptime))
		fmt.Fprintf(os.Stdout, "%-12s %s (%s)\n", "received", humanize.Bytes(st.Stats.RxBytes), formatRate(st.RxRate))
		fmt.Fprintf(os.Stdout, "%-12s %s (%s)\n", "sent", humanize.Bytes(st.Stats.TxBytes), formatRate(st.TxRate))
		if !st.Stats.LastHandshake.IsZero() {
			fmt.Fprintf(os.Stdout, "%-12s %s\n", "handshake", humanize.Time(st.Stats.LastHandshake))
		}
	}
	if st.Reason != "" {
		fmt.Fprintf(os.Stdout, "%-12s %s\n", "reason", st.Reason)
	}
	if st.LastError != "" {
		fmt.Fprintf(os.Stdout, "%-12s %s\n", "last error", st.LastError)
	}
	if st.PendingRestore {
		fmt.Fprintf(os.Stdout, "%-12s %s\n", "warning", "network state not restored yet; run disconnect to retry")
	}
}

func handleServers(args []string) {
	fs := flag.NewFlagSet("servers", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to YAML config")
	local := fs.Bool("local", false, "read the catalog file directly instead of asking the daemon")
	_ = fs.Parse(args)

	cfg := mustConfig(*configPath)
	var servers []model.Server
	if *local {
		servers = catalog.Source{Path: cfg.CatalogPath(), Fallback: cfg.Catalog.BuiltinFallback}.Servers()
	} else {
		ctx, cancel := signalContext()
		defer cancel()
		var err error
		servers, err = api.NewClient(cfg.Listen).Servers(ctx)
		if err != nil {
			fatal(err)
		}
	}
	if len(servers) == 0 {
		fmt.Fprintln(os.Stdout, "no servers in catalog")
		return
	}

	fmt.Fprintf(os.Stdout, "%-12s  %-7s  %-16s  %-28s  %-10s\n", "ID", "COUNTRY", "CITY", "ENDPOINT", "BANDWIDTH")
	for _, s := range servers {
		fmt.Fprintf(os.Stdout, "%-12s  %-7s  %-16s  %-28s  %-10s\n", s.ID, s.Country, s.City, s.Endpoint(), s.Bandwidth)
	}
}

func handleKeygen(args []string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to YAML config")
	_ = fs.Parse(args)

	cfg := mustConfig(*configPath)
	setupLogger(cfg.LogLevel)
	if err := os.MkdirAll(cfg.ConfigDir, 0o700); err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	id, err := newKeyStore(cfg, newRunner(cfg)).LoadOrCreate(ctx)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintln(os.Stdout, id.PublicKey.String())
}

func handleHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to YAML config")
	since := fs.Duration("since", 0, "only sessions started within this window (0 for all)")
	local := fs.Bool("local", false, "read the history file directly instead of asking the daemon")
	_ = fs.Parse(args)

	cfg := mustConfig(*configPath)
	var resp api.HistoryResponse
	if *local {
		items, err := metrics.ReadCSV(cfg.HistoryFile())
		if err != nil {
			fatal(err)
		}
		var cutoff time.Time
		if *since > 0 {
			cutoff = time.Now().Add(-*since)
		}
		for _, item := range items {
			if !item.StartedAt.Before(cutoff) {
				resp.Sessions = append(resp.Sessions, item)
			}
		}
		resp.Summary = metrics.Summarize(items, cutoff)
	} else {
		ctx, cancel := signalContext()
		defer cancel()
		var err error
		resp, err = api.NewClient(cfg.Listen).History(ctx, *since)
		if err != nil {
			fatal(err)
		}
	}

	if resp.Summary.Count == 0 {
		fmt.Fprintln(os.Stdout, "no sessions in window")
		return
	}

	fmt.Fprintf(os.Stdout, "%-20s  %-10s  %-7s  %-9s  %-10s  %-10s  %-10s\n", "STARTED", "SERVER", "COUNTRY", "DURATION", "RX", "TX", "END")
	for _, s := range resp.Sessions {
		fmt.Fprintf(os.Stdout, "%-20s  %-10s  %-7s  %-9s  %-10s  %-10s  %-10s\n",
			s.StartedAt.Local().Format("2006-01-02 15:04:05"), s.ServerID, s.Country, formatUptime(s.Duration()),
			humanize.Bytes(s.RxBytes), humanize.Bytes(s.TxBytes), s.EndReason)
	}

	sum := resp.Summary
	fmt.Fprintf(os.Stdout, "\nsessions=%d total=%s avg=%s p95=%s max=%s link_lost=%d\n",
		sum.Count, formatUptime(sum.Total), formatUptime(sum.AvgDuration), formatUptime(sum.P95Duration),
		formatUptime(sum.MaxDuration), sum.LinkLost)
	fmt.Fprintf(os.Stdout, "received=%s sent=%s\n", humanize.Bytes(sum.RxBytes), humanize.Bytes(sum.TxBytes))
}

func handleCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to YAML config")
	stunList := fs.String("stun", "", "comma-separated STUN servers (overrides config)")
	timeout := fs.Duration("timeout", 3*time.Second, "per-query timeout")
	_ = fs.Parse(args)

	cfg := mustConfig(*configPath)
	if *stunList != "" {
		cfg.STUNServers = splitList(*stunList)
	}

	ctx, cancel := signalContext()
	defer cancel()

	failed := false
	res, err := stunutil.Lookup(ctx, cfg.STUNServers, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stdout, "%-12s error: %v\n", "public ip", err)
		failed = true
	} else {
		fmt.Fprintf(os.Stdout, "%-12s %s\n", "public ip", res.PublicIP())
		fmt.Fprintf(os.Stdout, "%-12s %s\n", "nat", res.NATType)
	}

	resolvers, err := diag.SystemResolvers(cfg.ResolvConf)
	if err != nil {
		fmt.Fprintf(os.Stdout, "%-12s error: %v\n", "resolvers", err)
		failed = true
	}
	for _, server := range resolvers {
		egress, err := diag.ResolverEgress(ctx, server, *timeout)
		if err != nil {
			fmt.Fprintf(os.Stdout, "%-12s %s error: %v\n", "dns egress", server, err)
			continue
		}
		fmt.Fprintf(os.Stdout, "%-12s %s -> %s\n", "dns egress", server, egress)
	}

	if st, err := api.NewClient(cfg.Listen).Status(ctx); err == nil && st.Connected && st.Server != nil {
		fmt.Fprintf(os.Stdout, "%-12s %s (%s)\n", "tunnel", st.Server.ID, st.Server.Address)
		if res.PublicIP() != "" && res.PublicIP() != st.Server.Address {
			fmt.Fprintf(os.Stdout, "%-12s public address is not the server address; traffic may be bypassing the tunnel\n", "warning")
		}
	}
	if failed {
		os.Exit(1)
	}
}

func handleDoctor(args []string) {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to YAML config")
	discard := fs.Bool("discard-snapshot", false, "forget a pending network snapshot without restoring it")
	_ = fs.Parse(args)

	cfg := mustConfig(*configPath)
	setupLogger(cfg.LogLevel)
	runner := newRunner(cfg)

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Fprintf(os.Stdout, "config_dir=%s iface=%s listen=%s\n", cfg.ConfigDir, cfg.Interface, cfg.Listen)
	for _, tool := range []string{"wg", "wg-quick", "ip"} {
		if path, err := runner.LookPath(tool); err == nil {
			fmt.Fprintf(os.Stdout, "%-12s %s\n", tool, path)
		} else {
			fmt.Fprintf(os.Stdout, "%-12s missing\n", tool)
		}
	}
	switch {
	case os.Geteuid() != 0 && !cfg.Sudo:
		fmt.Fprintln(os.Stdout, "warning: not running as root and sudo is disabled; connect will fail")
	case !execx.Privileged(ctx, runner, os.Geteuid(), cfg.Sudo):
		fmt.Fprintln(os.Stdout, "warning: sudo -n needs a password; connect will fail")
	}

	guard := netstate.NewGuard(runner, netstate.Options{
		SnapshotPath: cfg.SnapshotPath(),
		ResolvConf:   cfg.ResolvConf,
		BackupPath:   cfg.ResolverBackupPath(),
		Sudo:         runner.Sudo,
	})
	snap, err := guard.Pending()
	switch {
	case err != nil:
		fmt.Fprintf(os.Stdout, "snapshot error: %v\n", err)
	case snap == nil:
		fmt.Fprintln(os.Stdout, "snapshot none pending")
	default:
		fmt.Fprintf(os.Stdout, "snapshot pending since %s (iface=%s pinned=%d)\n",
			humanize.Time(snap.TakenAt), snap.Interface, len(snap.PinnedRoutes))
		if *discard {
			fatal(guard.Discard())
			fmt.Fprintln(os.Stdout, "snapshot discarded")
		}
	}

	ifaces := wireguard.NewController(runner, wireguard.NetlinkLinks{}, wireguard.NewDumpInspector(runner))
	if out, err := ifaces.Status(ctx, cfg.Interface); err == nil {
		fmt.Fprintln(os.Stdout, out)
	} else {
		fmt.Fprintf(os.Stdout, "wg status error: %v\n", err)
	}

	if config.UseDefaultRoute(&cfg) {
		fmt.Fprintln(os.Stdout, "default_route enabled=true")
	} else {
		fmt.Fprintln(os.Stdout, "default_route enabled=false")
	}
}

func mustConfig(path string) config.Config {
	cfg, err := loadConfig(path)
	if err != nil {
		fatal(err)
	}
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	return cfg
}

// loadConfig reads path, or returns the defaults when the default config
// file has not been written yet.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) && path == defaultConfigPath {
		config.ApplyDefaults(&cfg)
		return cfg, nil
	}
	return cfg, err
}

func newRunner(cfg config.Config) *execx.OSRunner {
	return execx.NewOSRunner(cfg.CommandTimeout, cfg.Sudo && os.Geteuid() != 0)
}

func newKeyStore(cfg config.Config, r execx.Runner) *keystore.KeyStore {
	var backend keystore.Backend = keystore.FileBackend{Path: cfg.PrivateKeyPath()}
	if cfg.KeyBackend == "keyring" {
		backend = keystore.KeyringBackend{Service: "anivpn", User: cfg.Interface}
	}
	return keystore.New(r, backend)
}

func setupLogger(level string) *zap.SugaredLogger {
	zcfg := zap.NewProductionConfig()
	if level == "debug" {
		zcfg = zap.NewDevelopmentConfig()
	} else if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		zcfg.Level = lvl
	}
	logger, err := zcfg.Build()
	if err != nil {
		fatal(err)
	}
	zap.ReplaceGlobals(logger)
	return logger.Sugar()
}

func flagSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// splitList never returns nil, so an explicitly empty flag stays distinct
// from an absent one.
func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func fatal(err error) {
	if err == nil {
		return
	}
	// Concurrency-guard rejections still print but exit 0.
	fmt.Fprintln(os.Stderr, err)
	os.Exit(exitCode(err))
}
