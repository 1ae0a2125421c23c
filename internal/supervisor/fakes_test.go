package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"anivpn/internal/execx/execxtest"
	"anivpn/internal/keystore"
	"anivpn/internal/model"
	"anivpn/internal/netstate"
	"anivpn/internal/wireguard"
)

// journal records calls across fakes so tests can check ordering.
type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) add(call string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, call)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.calls...)
}

func (j *journal) count(call string) int {
	n := 0
	for _, c := range j.list() {
		if c == call {
			n++
		}
	}
	return n
}

type fakeCatalog struct {
	mu      sync.Mutex
	servers []model.Server
}

func (c *fakeCatalog) Servers() []model.Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Server(nil), c.servers...)
}

type fakeKeys struct {
	id  keystore.Identity
	err error
}

func (k *fakeKeys) LoadOrCreate(context.Context) (keystore.Identity, error) {
	return k.id, k.err
}

// fakeGuard keeps the snapshot in memory and can fail any step by name.
type fakeGuard struct {
	j *journal

	mu     sync.Mutex
	active *model.NetworkSnapshot
	fail   map[string]error
	taken  int
}

func (g *fakeGuard) failOn(step string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.fail, step)
		return
	}
	g.fail[step] = err
}

func (g *fakeGuard) step(name string) error {
	g.j.add(name)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fail[name]
}

func (g *fakeGuard) Snapshot(_ context.Context, iface string) (model.NetworkSnapshot, error) {
	if err := g.step("snapshot"); err != nil {
		return model.NetworkSnapshot{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active != nil {
		return model.NetworkSnapshot{}, fmt.Errorf("%w: already taken", netstate.ErrSnapshotActive)
	}
	g.taken++
	snap := model.NetworkSnapshot{
		TakenAt:      time.Date(2024, 5, 1, 10, 0, 0, g.taken, time.UTC),
		Interface:    iface,
		DefaultRoute: "default via 192.168.1.1 dev eth0",
	}
	g.active = &snap
	return snap, nil
}

func (g *fakeGuard) Pending() (*model.NetworkSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == nil {
		return nil, nil
	}
	snap := *g.active
	return &snap, nil
}

func (g *fakeGuard) ApplyVPNRouting(_ context.Context, iface string, use bool) error {
	return g.step("route")
}

func (g *fakeGuard) PinEndpoint(_ context.Context, host string) error {
	return g.step("pin")
}

func (g *fakeGuard) ApplyVPNDns(_ context.Context, servers []string) error {
	if len(servers) == 0 {
		return nil
	}
	return g.step("dns")
}

func (g *fakeGuard) Restore(_ context.Context, snap model.NetworkSnapshot) error {
	if err := g.step("restore"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = nil
	return nil
}

func (g *fakeGuard) snapshotActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active != nil
}

// fakeIfaces tracks which interfaces are up. Each statistics read advances
// the counters by a fixed amount over a fixed interval.
type fakeIfaces struct {
	j *journal

	mu      sync.Mutex
	up      map[string]bool
	upErr   error
	block   chan struct{}
	samples int

	alive atomic.Bool
}

var sampleEpoch = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func (f *fakeIfaces) BringUp(_ context.Context, path string) (string, error) {
	f.j.add("bringup")
	f.mu.Lock()
	block, err := f.block, f.upErr
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return "", err
	}
	name := wireguard.InterfaceName(path)
	f.mu.Lock()
	f.up[name] = true
	f.mu.Unlock()
	return name, nil
}

func (f *fakeIfaces) TearDown(_ context.Context, path string) error {
	f.j.add("teardown")
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.up, wireguard.InterfaceName(path))
	return nil
}

func (f *fakeIfaces) ReadStatistics(_ context.Context, name string) model.LinkStatistics {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.up[name] {
		return model.LinkStatistics{SampledAt: sampleEpoch}
	}
	f.samples++
	n := uint64(f.samples)
	return model.LinkStatistics{
		RxBytes:   1000 * n,
		TxBytes:   500 * n,
		SampledAt: sampleEpoch.Add(time.Duration(n) * 2 * time.Second),
	}
}

func (f *fakeIfaces) IsAlive(_ context.Context, name string) bool {
	f.mu.Lock()
	up := f.up[name]
	f.mu.Unlock()
	return up && f.alive.Load()
}

func (f *fakeIfaces) anyUp() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.up) > 0
}

// stepClock advances one second per reading.
type stepClock struct {
	n atomic.Int64
}

func (c *stepClock) Now() time.Time {
	return sampleEpoch.Add(time.Duration(c.n.Add(1)) * time.Second)
}

type harness struct {
	sup     *Supervisor
	j       *journal
	catalog *fakeCatalog
	keys    *fakeKeys
	guard   *fakeGuard
	ifaces  *fakeIfaces
	runner  *execxtest.Fake
	dir     string
	opts    Options
}

var testServers = []model.Server{
	{ID: "fr-01", Country: "FR", City: "Paris", Address: "203.0.113.9", Port: 51820, PublicKey: "XViyjLNhVqPqg1/jy0GNQkZ3IUd2ZsQBLZvVp2yCao8=", Protocols: []string{"wireguard"}},
	{ID: "us-01", Country: "US", City: "New York", Address: "203.0.113.50", Port: 51820, PublicKey: "zuDoBoKyohWWx5mYZpjfAyZmD+FaCpQbLuRjv5Hw7Yg=", Protocols: []string{"wireguard"}},
}

func newHarness(t *testing.T, servers []model.Server) *harness {
	t.Helper()

	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	j := &journal{}
	h := &harness{
		j:       j,
		catalog: &fakeCatalog{servers: servers},
		keys:    &fakeKeys{id: keystore.Identity{PrivateKey: priv, PublicKey: priv.PublicKey()}},
		guard:   &fakeGuard{j: j, fail: map[string]error{}},
		ifaces:  &fakeIfaces{j: j, up: map[string]bool{}},
		runner:  execxtest.New(),
		dir:     t.TempDir(),
	}
	h.ifaces.alive.Store(true)
	clock := &stepClock{}
	h.opts = Options{
		Runner:          h.runner,
		Privileged:      func() bool { return true },
		ConfigPath:      filepath.Join(h.dir, "wg0.conf"),
		Address:         "10.8.0.2/32",
		MTU:             1280,
		MonitorInterval: 10 * time.Millisecond,
		HistoryPath:     filepath.Join(h.dir, "history.csv"),
		Now:             clock.Now,
	}
	h.sup = New(h.catalog, h.keys, h.guard, h.ifaces, h.opts)
	t.Cleanup(func() { _ = h.sup.Shutdown(context.Background()) })
	return h
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
