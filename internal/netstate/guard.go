package netstate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"anivpn/internal/execx"
	"anivpn/internal/model"
	"anivpn/internal/store"
)

var (
	ErrSnapshotUnavailable = errors.New("network snapshot unavailable")
	// ErrSnapshotActive means a previous snapshot was never restored.
	ErrSnapshotActive = errors.New("a network snapshot is already active")
)

// Guard snapshots the default route and resolver file before a connection
// and restores them afterwards.
type Guard struct {
	r            execx.Runner
	snapshotPath string
	resolvConf   string
	backupPath   string
	sudo         bool
	now          func() time.Time

	mu sync.Mutex
}

type Options struct {
	SnapshotPath string
	ResolvConf   string
	BackupPath   string
	// Sudo writes the resolver file through the runner (`tee`, `rm -f`)
	// instead of directly, for processes that are not root themselves.
	Sudo bool
}

func NewGuard(r execx.Runner, opts Options) *Guard {
	return &Guard{
		r:            r,
		snapshotPath: opts.SnapshotPath,
		resolvConf:   opts.ResolvConf,
		backupPath:   opts.BackupPath,
		sudo:         opts.Sudo,
		now:          time.Now,
	}
}

// Snapshot captures and persists the current network state. It refuses to
// overwrite a snapshot that has not been restored.
func (g *Guard) Snapshot(ctx context.Context, iface string) (model.NetworkSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	existing, err := store.LoadSnapshot(g.snapshotPath)
	if err != nil {
		return model.NetworkSnapshot{}, fmt.Errorf("%w: read %s: %v", ErrSnapshotUnavailable, g.snapshotPath, err)
	}
	if existing != nil {
		return model.NetworkSnapshot{}, fmt.Errorf("%w: taken %s", ErrSnapshotActive, existing.TakenAt.Format(time.RFC3339))
	}

	route, err := g.r.Output(ctx, "ip", "route", "show", "default")
	if err != nil {
		return model.NetworkSnapshot{}, fmt.Errorf("%w: ip route show default: %v", ErrSnapshotUnavailable, err)
	}

	snap := model.NetworkSnapshot{
		TakenAt:      g.now().UTC(),
		Interface:    iface,
		DefaultRoute: route,
		ResolverPath: g.resolvConf,
	}
	data, err := os.ReadFile(g.resolvConf)
	switch {
	case os.IsNotExist(err):
		snap.ResolverMissing = true
	case err != nil:
		return model.NetworkSnapshot{}, fmt.Errorf("%w: read %s: %v", ErrSnapshotUnavailable, g.resolvConf, err)
	default:
		snap.ResolverContents = string(data)
		snap.Nameservers = nameservers(data)
	}

	if err := store.SaveSnapshot(g.snapshotPath, snap); err != nil {
		return model.NetworkSnapshot{}, fmt.Errorf("%w: persist: %v", ErrSnapshotUnavailable, err)
	}
	zap.S().Debugf("network snapshot taken: route=%q nameservers=%v", route, snap.Nameservers)
	return snap, nil
}

func nameservers(data []byte) []string {
	cc, err := dns.ClientConfigFromReader(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	return cc.Servers
}

// Pending returns the persisted snapshot that still awaits a restore.
func (g *Guard) Pending() (*model.NetworkSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return store.LoadSnapshot(g.snapshotPath)
}

// Discard retires the snapshot without restoring anything.
func (g *Guard) Discard() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return store.RemoveSnapshot(g.snapshotPath)
}

// ApplyVPNRouting points the default route at iface. Replacing is idempotent.
func (g *Guard) ApplyVPNRouting(ctx context.Context, iface string, useDefaultRoute bool) error {
	if !useDefaultRoute {
		return nil
	}
	if err := g.r.Run(ctx, "ip", "route", "replace", "default", "dev", iface); err != nil {
		return fmt.Errorf("route default via %s: %w", iface, err)
	}
	return nil
}

// PinEndpoint keeps traffic to the VPN server on the pre-VPN path. The pinned
// route is recorded in the active snapshot and removed by Restore.
func (g *Guard) PinEndpoint(ctx context.Context, host string) error {
	addr, err := resolve(ctx, host)
	if err != nil {
		return err
	}
	if !addr.Is4() {
		// Only the IPv4 default route is managed.
		return nil
	}

	out, err := g.r.Output(ctx, "ip", "route", "get", addr.String())
	if err != nil {
		return fmt.Errorf("ip route get %s: %w", addr, err)
	}
	via, dev := parseRouteGet(out)
	if dev == "" {
		return fmt.Errorf("no route to %s", addr)
	}
	route := addr.String() + "/32"
	if via != "" {
		route += " via " + via
	}
	route += " dev " + dev

	g.mu.Lock()
	defer g.mu.Unlock()
	snap, err := store.LoadSnapshot(g.snapshotPath)
	if err != nil {
		return err
	}
	if snap == nil {
		return fmt.Errorf("pin endpoint: no active snapshot")
	}
	if err := g.r.Run(ctx, "ip", append([]string{"route", "replace"}, strings.Fields(route)...)...); err != nil {
		return fmt.Errorf("pin %s: %w", route, err)
	}
	snap.PinnedRoutes = append(snap.PinnedRoutes, route)
	return store.SaveSnapshot(g.snapshotPath, *snap)
}

func resolve(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("%s: no IPv4 address", host)
	}
	return addrs[0].Unmap(), nil
}

// parseRouteGet extracts gateway and device from `ip route get` output.
func parseRouteGet(out string) (via, dev string) {
	fields := strings.Fields(out)
	for i := 0; i+1 < len(fields); i++ {
		switch fields[i] {
		case "via":
			via = fields[i+1]
		case "dev":
			if dev == "" {
				dev = fields[i+1]
			}
		}
	}
	return via, dev
}

// ApplyVPNDns rewrites the resolver file. The pre-VPN contents are backed up
// once; an existing backup is never replaced.
func (g *Guard) ApplyVPNDns(ctx context.Context, servers []string) error {
	if len(servers) == 0 {
		return nil
	}
	for _, s := range servers {
		if _, err := netip.ParseAddr(s); err != nil {
			return fmt.Errorf("dns server %q: %w", s, err)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := os.Stat(g.backupPath); os.IsNotExist(err) {
		data, err := os.ReadFile(g.resolvConf)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("read %s: %w", g.resolvConf, err)
		}
		if err := os.MkdirAll(filepath.Dir(g.backupPath), 0o700); err != nil {
			return err
		}
		if err := os.WriteFile(g.backupPath, data, 0o600); err != nil {
			return fmt.Errorf("backup resolver: %w", err)
		}
	} else if err != nil {
		return err
	} else {
		zap.S().Debugf("resolver backup %s already present, keeping it", g.backupPath)
	}

	if err := g.writeResolver(ctx, []byte(RenderResolvConf(servers))); err != nil {
		return fmt.Errorf("write %s: %w", g.resolvConf, err)
	}
	return nil
}

// RenderResolvConf is the resolver file written while connected.
func RenderResolvConf(servers []string) string {
	var b strings.Builder
	b.WriteString("# Generated by anivpn; restored on disconnect.\n")
	for _, s := range servers {
		b.WriteString("nameserver " + s + "\n")
	}
	b.WriteString("options timeout:2 attempts:3\n")
	return b.String()
}

// Restore undoes routing and resolver changes. Calling it when nothing was
// changed runs no commands. The snapshot record is only removed once every
// step succeeded, so a failed restore can be retried.
func (g *Guard) Restore(ctx context.Context, snap model.NetworkSnapshot) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	// The record on disk carries routes pinned after the snapshot was taken.
	rec, err := store.LoadSnapshot(g.snapshotPath)
	if err == nil && rec != nil {
		snap = *rec
	}
	if rec == nil && snap.TakenAt.IsZero() {
		// Nothing was captured, so nothing was changed.
		return nil
	}

	var errs []error
	for _, route := range snap.PinnedRoutes {
		err := g.r.Run(ctx, "ip", append([]string{"route", "del"}, strings.Fields(route)...)...)
		if err != nil && !noSuchRoute(err) {
			errs = append(errs, fmt.Errorf("unpin %s: %w", route, err))
		}
	}

	if err := g.restoreDefaultRoute(ctx, snap.DefaultRoute); err != nil {
		errs = append(errs, err)
	}

	if err := g.restoreResolver(ctx, snap.ResolverMissing); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("restore incomplete, snapshot kept: %w", errors.Join(errs...))
	}
	if err := store.RemoveSnapshot(g.snapshotPath); err != nil {
		return err
	}
	zap.S().Debug("network state restored")
	return nil
}

func (g *Guard) restoreDefaultRoute(ctx context.Context, want string) error {
	current, err := g.r.Output(ctx, "ip", "route", "show", "default")
	if err != nil {
		return fmt.Errorf("ip route show default: %w", err)
	}
	if sameRoutes(current, want) {
		return nil
	}

	var errs []error
	for _, line := range routeLines(current) {
		err := g.r.Run(ctx, "ip", append([]string{"route", "del"}, routeArgs(line)...)...)
		if err != nil && !noSuchRoute(err) {
			errs = append(errs, fmt.Errorf("delete route %q: %w", line, err))
		}
	}
	for _, line := range routeLines(want) {
		err := g.r.Run(ctx, "ip", append([]string{"route", "add"}, routeArgs(line)...)...)
		if err != nil && !strings.Contains(execx.Stderr(err), "File exists") {
			errs = append(errs, fmt.Errorf("add route %q: %w", line, err))
		}
	}
	return errors.Join(errs...)
}

// restoreResolver puts the backed-up resolver file back, or removes the file
// when there was none before connecting.
func (g *Guard) restoreResolver(ctx context.Context, wasMissing bool) error {
	data, err := os.ReadFile(g.backupPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read resolver backup: %w", err)
	}
	if wasMissing {
		err = g.removeResolver(ctx)
	} else {
		err = g.writeResolver(ctx, data)
	}
	if err != nil {
		return fmt.Errorf("restore %s: %w", g.resolvConf, err)
	}
	return os.Remove(g.backupPath)
}

func (g *Guard) writeResolver(ctx context.Context, data []byte) error {
	if !g.sudo {
		return os.WriteFile(g.resolvConf, data, 0o644)
	}
	_, err := g.r.Input(ctx, string(data), "tee", g.resolvConf)
	return err
}

func (g *Guard) removeResolver(ctx context.Context) error {
	if !g.sudo {
		if err := os.Remove(g.resolvConf); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return g.r.Run(ctx, "rm", "-f", g.resolvConf)
}

func routeLines(out string) []string {
	var lines []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func sameRoutes(a, b string) bool {
	la, lb := routeLines(a), routeLines(b)
	if len(la) != len(lb) {
		return false
	}
	for i := range la {
		if strings.Join(strings.Fields(la[i]), " ") != strings.Join(strings.Fields(lb[i]), " ") {
			return false
		}
	}
	return true
}

// routeArgs drops status flags that `ip route show` prints but `ip route add`
// does not accept.
func routeArgs(line string) []string {
	var args []string
	for _, f := range strings.Fields(line) {
		switch f {
		case "linkdown", "dead", "offload", "trap", "rt_offload", "rt_trap":
			continue
		}
		args = append(args, f)
	}
	return args
}

func noSuchRoute(err error) bool {
	msg := execx.Stderr(err)
	return strings.Contains(msg, "No such process") || strings.Contains(msg, "Cannot find device")
}
