// Package supervisor owns the single VPN connection: it drives the
// connect/disconnect state machine, rolls back partial connects and watches
// the link while connected.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"anivpn/internal/catalog"
	"anivpn/internal/execx"
	"anivpn/internal/keystore"
	"anivpn/internal/metrics"
	"anivpn/internal/model"
	"anivpn/internal/wireguard"
)

const DefaultMonitorInterval = time.Second

type Catalog interface {
	Servers() []model.Server
}

type Keys interface {
	LoadOrCreate(ctx context.Context) (keystore.Identity, error)
}

type Guard interface {
	Snapshot(ctx context.Context, iface string) (model.NetworkSnapshot, error)
	Pending() (*model.NetworkSnapshot, error)
	ApplyVPNRouting(ctx context.Context, iface string, useDefaultRoute bool) error
	PinEndpoint(ctx context.Context, host string) error
	ApplyVPNDns(ctx context.Context, servers []string) error
	Restore(ctx context.Context, snap model.NetworkSnapshot) error
}

type Interfaces interface {
	BringUp(ctx context.Context, configPath string) (string, error)
	TearDown(ctx context.Context, configPath string) error
	ReadStatistics(ctx context.Context, name string) model.LinkStatistics
	IsAlive(ctx context.Context, name string) bool
}

type Options struct {
	// Runner is used for the tool preflight; nil skips it.
	Runner execx.Runner
	// Privileged reports whether system mutations may succeed. Defaults to
	// running as root.
	Privileged func() bool

	ConfigPath      string
	Address         string
	MTU             int
	MonitorInterval time.Duration
	HistoryPath     string

	Log *zap.SugaredLogger
	Now func() time.Time
}

// connection is everything needed to tear a session down again.
type connection struct {
	info   ConnectionInfo
	server model.Server
	snap   model.NetworkSnapshot
}

type Supervisor struct {
	catalog Catalog
	keys    Keys
	guard   Guard
	ifaces  Interfaces
	opts    Options
	log     *zap.SugaredLogger

	mu             sync.Mutex
	phase          Phase
	reason         error
	inflight       chan struct{}
	closed         bool
	conn           *connection
	mon            *monitor
	prev, last     model.LinkStatistics
	lastErr        string
	pendingRestore bool
}

func New(cat Catalog, keys Keys, guard Guard, ifaces Interfaces, opts Options) *Supervisor {
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = DefaultMonitorInterval
	}
	if opts.Privileged == nil {
		opts.Privileged = func() bool { return os.Geteuid() == 0 }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Log
	if log == nil {
		log = zap.S()
	}
	s := &Supervisor{
		catalog: cat,
		keys:    keys,
		guard:   guard,
		ifaces:  ifaces,
		opts:    opts,
		log:     log,
	}
	if snap, err := guard.Pending(); err == nil && snap != nil {
		s.pendingRestore = true
	}
	return s
}

// Connect establishes a fresh connection. An existing connection is torn
// down first. Concurrent attempts are rejected with ErrAlreadyConnecting.
func (s *Supervisor) Connect(ctx context.Context, opts ConnectOptions) (ConnectionInfo, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ConnectionInfo{}, newError(ErrClosed, "connect", nil)
		}
		switch s.phase {
		case Connecting, Disconnecting:
			s.mu.Unlock()
			return ConnectionInfo{}, newError(ErrAlreadyConnecting, "connect", nil)
		case Failed:
			wait := s.inflight
			s.mu.Unlock()
			if err := waitFor(ctx, wait); err != nil {
				return ConnectionInfo{}, err
			}
			continue
		case Connected:
			s.mu.Unlock()
			err := s.disconnect(ctx, ReasonReconnect)
			if errors.Is(err, ErrAlreadyDisconnected) {
				return ConnectionInfo{}, newError(ErrAlreadyConnecting, "connect", nil)
			}
			if err != nil {
				s.log.Warnf("disconnect before reconnect: %v", err)
			}
			continue
		}

		s.phase = Connecting
		s.reason = nil
		s.inflight = make(chan struct{})
		done := s.inflight
		s.mu.Unlock()

		conn, first, err := s.connect(ctx, opts)
		pending := err != nil && s.pendingSnapshot()

		s.mu.Lock()
		s.pendingRestore = pending
		if err != nil {
			s.phase = Disconnected
			s.reason = nil
			s.lastErr = err.Error()
		} else {
			s.phase = Connected
			s.conn = conn
			s.prev, s.last = model.LinkStatistics{}, first
			s.lastErr = ""
			s.mon = s.startMonitor(conn)
		}
		close(done)
		s.mu.Unlock()

		if err != nil {
			return ConnectionInfo{}, err
		}
		s.log.Infof("connected to %s (%s) on %s", conn.server.ID, conn.server.Endpoint(), conn.info.Interface)
		return conn.info, nil
	}
}

// connect runs the connect steps. On failure everything already applied is
// undone in reverse order and the first error is returned.
func (s *Supervisor) connect(ctx context.Context, opts ConnectOptions) (*connection, model.LinkStatistics, error) {
	var undo rollback
	fail := func(err error) (*connection, model.LinkStatistics, error) {
		s.setFailed(err)
		undo.run(context.WithoutCancel(ctx), s.log)
		return nil, model.LinkStatistics{}, err
	}

	server, ok := catalog.Select(s.catalog.Servers(), opts.ServerID)
	if !ok {
		detail := errors.New("catalog is empty")
		if opts.ServerID != "" {
			detail = fmt.Errorf("no server with id %q", opts.ServerID)
		}
		return nil, model.LinkStatistics{}, newError(ErrNoServerAvailable, "select server", detail)
	}

	if err := s.preflight(); err != nil {
		return nil, model.LinkStatistics{}, err
	}

	id, err := s.keys.LoadOrCreate(ctx)
	if err != nil {
		return nil, model.LinkStatistics{}, classify("load identity", err, ErrActivationFailed)
	}

	cfg := wireguard.Render(id, server, s.opts.Address, opts.DNS)
	cfg.MTU = s.opts.MTU
	path, err := wireguard.Persist(cfg, s.opts.ConfigPath)
	if err != nil {
		return fail(classify("write config", err, ErrActivationFailed))
	}
	undo.push("write config", func(context.Context) error { return removeFile(path) })

	if err := s.recoverPending(ctx, path); err != nil {
		return fail(err)
	}

	iface := wireguard.InterfaceName(path)
	snap, err := s.guard.Snapshot(ctx, iface)
	if err != nil {
		return fail(classify("snapshot", err, ErrSnapshotUnavailable))
	}
	undo.push("snapshot network state", func(ctx context.Context) error { return s.guard.Restore(ctx, snap) })

	name, err := s.ifaces.BringUp(ctx, path)
	if err != nil {
		return fail(classify("bring up", err, ErrActivationFailed))
	}
	undo.push("wg-quick up "+name, func(ctx context.Context) error { return s.ifaces.TearDown(ctx, path) })

	if opts.UseDefaultRoute {
		if err := s.guard.PinEndpoint(ctx, server.Address); err != nil {
			return fail(classify("pin endpoint", err, ErrActivationFailed))
		}
		if err := s.guard.ApplyVPNRouting(ctx, name, true); err != nil {
			return fail(classify("route", err, ErrActivationFailed))
		}
	}
	if err := s.guard.ApplyVPNDns(ctx, opts.DNS); err != nil {
		return fail(classify("dns", err, ErrActivationFailed))
	}

	now := s.opts.Now()
	conn := &connection{
		server: server,
		snap:   snap,
		info: ConnectionInfo{
			SessionID:   uuid.NewString(),
			ServerID:    server.ID,
			Country:     server.Country,
			City:        server.City,
			Endpoint:    server.Endpoint(),
			Interface:   name,
			ConfigPath:  path,
			Address:     s.opts.Address,
			PublicKey:   id.PublicKey.String(),
			ConnectedAt: now,
		},
	}
	return conn, s.ifaces.ReadStatistics(ctx, name), nil
}

func (s *Supervisor) preflight() error {
	if s.opts.Runner != nil {
		for _, tool := range []string{"wg", "wg-quick", "ip"} {
			if _, err := s.opts.Runner.LookPath(tool); err != nil {
				return newError(ErrToolUnavailable, "preflight", err)
			}
		}
	}
	if !s.opts.Privileged() {
		return newError(ErrPermissionDenied, "preflight", errors.New("root privileges are required (run as root or enable sudo)"))
	}
	return nil
}

// recoverPending restores a snapshot left behind by a failed restore or a
// crashed process before a new one is taken.
func (s *Supervisor) recoverPending(ctx context.Context, configPath string) error {
	pending, err := s.guard.Pending()
	if err != nil {
		return classify("recover snapshot", err, ErrSnapshotUnavailable)
	}
	if pending == nil {
		return nil
	}
	s.log.Warnf("restoring network state left from %s", pending.TakenAt.Format(time.RFC3339))
	if err := s.ifaces.TearDown(ctx, configPath); err != nil {
		s.log.Infof("tear down leftover interface: %v", err)
	}
	if err := s.guard.Restore(ctx, *pending); err != nil {
		return classify("recover snapshot", err, ErrSnapshotUnavailable)
	}
	return nil
}

func (s *Supervisor) setFailed(err error) {
	s.mu.Lock()
	s.phase = Failed
	s.reason = err
	s.mu.Unlock()
}

// Disconnect tears the connection down. It succeeds trivially when there is
// nothing to tear down, and retries a restore that failed earlier.
func (s *Supervisor) Disconnect(ctx context.Context) error {
	return s.disconnect(ctx, ReasonDisconnect)
}

func (s *Supervisor) disconnect(ctx context.Context, reason string) error {
	for {
		s.mu.Lock()
		switch s.phase {
		case Disconnecting:
			s.mu.Unlock()
			return newError(ErrAlreadyDisconnected, "disconnect", nil)
		case Connecting, Failed:
			wait := s.inflight
			s.mu.Unlock()
			if err := waitFor(ctx, wait); err != nil {
				return err
			}
			continue
		case Disconnected:
			snap, err := s.guard.Pending()
			if err != nil || snap == nil {
				s.mu.Unlock()
				if err != nil {
					s.log.Debugf("read pending snapshot: %v", err)
				}
				return nil
			}
			s.phase = Disconnecting
			s.inflight = make(chan struct{})
			done := s.inflight
			s.mu.Unlock()

			s.log.Infof("retrying network restore from %s", snap.TakenAt.Format(time.RFC3339))
			err = s.guard.Restore(context.WithoutCancel(ctx), *snap)

			s.mu.Lock()
			s.phase = Disconnected
			s.pendingRestore = err != nil
			close(done)
			s.mu.Unlock()
			return classify("restore", err, ErrSnapshotUnavailable)
		}

		// Connected.
		conn, mon, last := s.conn, s.mon, s.last
		s.mon = nil
		s.phase = Disconnecting
		s.inflight = make(chan struct{})
		done := s.inflight
		s.mu.Unlock()

		mon.stop()
		err := s.cleanup(ctx, conn, last, reason)
		pending := s.pendingSnapshot()

		s.mu.Lock()
		s.phase = Disconnected
		s.conn = nil
		s.prev, s.last = model.LinkStatistics{}, model.LinkStatistics{}
		s.pendingRestore = pending
		if err != nil {
			s.lastErr = err.Error()
		}
		close(done)
		s.mu.Unlock()

		s.log.Infof("disconnected from %s (%s)", conn.server.ID, reason)
		return err
	}
}

// cleanup undoes a live connection. Every step runs even when an earlier
// one fails.
func (s *Supervisor) cleanup(ctx context.Context, conn *connection, last model.LinkStatistics, reason string) error {
	ctx = context.WithoutCancel(ctx)
	final := s.ifaces.ReadStatistics(ctx, conn.info.Interface)
	if final.RxBytes < last.RxBytes || final.TxBytes < last.TxBytes {
		final = last
	}

	var errs []error
	if err := s.ifaces.TearDown(ctx, conn.info.ConfigPath); err != nil {
		s.log.Warnf("tear down %s: %v", conn.info.Interface, err)
		errs = append(errs, classify("tear down", err, ErrActivationFailed))
	}
	if err := s.guard.Restore(ctx, conn.snap); err != nil {
		s.log.Warnf("restore network state: %v", err)
		errs = append(errs, classify("restore", err, ErrSnapshotUnavailable))
	}
	if err := removeFile(conn.info.ConfigPath); err != nil {
		s.log.Warnf("remove %s: %v", conn.info.ConfigPath, err)
	}

	s.record(conn, final, reason)
	return errors.Join(errs...)
}

func (s *Supervisor) record(conn *connection, final model.LinkStatistics, reason string) {
	if s.opts.HistoryPath == "" {
		return
	}
	session := model.Session{
		ID:        conn.info.SessionID,
		ServerID:  conn.server.ID,
		Country:   conn.server.Country,
		Interface: conn.info.Interface,
		StartedAt: conn.info.ConnectedAt,
		EndedAt:   s.opts.Now(),
		RxBytes:   final.RxBytes,
		TxBytes:   final.TxBytes,
		EndReason: reason,
	}
	if err := metrics.AppendCSV(s.opts.HistoryPath, []model.Session{session}); err != nil {
		s.log.Warnf("append history: %v", err)
	}
}

// Status returns the last known state without waiting on operations in
// flight.
func (s *Supervisor) Status() StatusReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := StatusReport{
		Phase:          s.phase,
		Connected:      s.phase == Connected,
		LastError:      s.lastErr,
		PendingRestore: s.pendingRestore,
	}
	if s.phase == Failed && s.reason != nil {
		r.Reason = s.reason.Error()
	}
	if s.conn != nil {
		server, info := s.conn.server, s.conn.info
		r.Server = &server
		r.Connection = &info
		r.Uptime = s.opts.Now().Sub(info.ConnectedAt)
		r.Stats = s.last
		r.RxRate, r.TxRate = metrics.Throughput(s.prev, s.last)
	}
	return r
}

// Shutdown disconnects and refuses any further connects.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	err := s.disconnect(ctx, ReasonShutdown)
	if errors.Is(err, ErrAlreadyDisconnected) {
		s.mu.Lock()
		wait := s.inflight
		s.mu.Unlock()
		return waitFor(ctx, wait)
	}
	return err
}

func (s *Supervisor) pendingSnapshot() bool {
	snap, err := s.guard.Pending()
	return err == nil && snap != nil
}

func waitFor(ctx context.Context, ch <-chan struct{}) error {
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
