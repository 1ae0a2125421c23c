package wireguard

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"anivpn/internal/execx/execxtest"
)

type fakeLinks struct {
	mu    sync.Mutex
	links map[string][2]uint64
}

func (f *fakeLinks) set(name string, rx, tx uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.links == nil {
		f.links = map[string][2]uint64{}
	}
	f.links[name] = [2]uint64{rx, tx}
}

func (f *fakeLinks) Counters(name string) (uint64, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.links[name]
	if !ok {
		return 0, 0, ErrLinkNotFound
	}
	return c[0], c[1], nil
}

type fakeInspector struct {
	peers []PeerState
	err   error
}

func (f *fakeInspector) Peers(context.Context, string) ([]PeerState, error) {
	return f.peers, f.err
}

func confPath(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wg0.conf")
	if err := os.WriteFile(path, []byte("[Interface]\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestBringUp_Succeeds(t *testing.T) {
	t.Parallel()

	f := execxtest.New()
	links := &fakeLinks{}
	f.OnFunc("wg-quick up", func(string, string) (string, error) {
		links.set("wg0", 0, 0)
		return "", nil
	})
	c := NewController(f, links, &fakeInspector{})

	name, err := c.BringUp(context.Background(), confPath(t))
	if err != nil {
		t.Fatalf("BringUp: %v", err)
	}
	if name != "wg0" {
		t.Fatalf("name=%q", name)
	}
}

func TestBringUp_FailureCarriesStderr(t *testing.T) {
	t.Parallel()

	f := execxtest.New()
	f.On("wg-quick up", "", execxtest.Fail("RTNETLINK answers: Operation not supported"))
	c := NewController(f, &fakeLinks{}, &fakeInspector{})

	_, err := c.BringUp(context.Background(), confPath(t))
	var ae *ActivationError
	if !errors.As(err, &ae) {
		t.Fatalf("err=%v", err)
	}
	if ae.Detail != "RTNETLINK answers: Operation not supported" {
		t.Fatalf("detail=%q", ae.Detail)
	}
}

func TestBringUp_MissingInterfaceTearsDown(t *testing.T) {
	t.Parallel()

	f := execxtest.New()
	f.On("ip link show", "", execxtest.Fail(`Device "wg0" does not exist.`))
	c := NewController(f, &fakeLinks{}, &fakeInspector{})
	path := confPath(t)

	_, err := c.BringUp(context.Background(), path)
	var ae *ActivationError
	if !errors.As(err, &ae) {
		t.Fatalf("err=%v", err)
	}
	if f.Count("wg-quick down "+path) != 1 {
		t.Fatalf("expected best-effort teardown; calls=%v", f.Calls())
	}
}

func TestTearDown_ToleratesAlreadyDown(t *testing.T) {
	t.Parallel()

	f := execxtest.New()
	f.On("wg-quick down", "", execxtest.Fail("wg-quick: `wg0' is not a WireGuard interface"))
	c := NewController(f, &fakeLinks{}, &fakeInspector{})
	if err := c.TearDown(context.Background(), confPath(t)); err != nil {
		t.Fatalf("TearDown: %v", err)
	}
}

func TestTearDown_WithoutConfigUsesIPLink(t *testing.T) {
	t.Parallel()

	f := execxtest.New()
	f.On("ip link del", "", execxtest.Fail("Cannot find device \"wg0\""))
	c := NewController(f, &fakeLinks{}, &fakeInspector{})
	path := filepath.Join(t.TempDir(), "wg0.conf")
	if err := c.TearDown(context.Background(), path); err != nil {
		t.Fatalf("TearDown: %v", err)
	}
	if f.Count("ip link del dev wg0") != 1 {
		t.Fatalf("calls=%v", f.Calls())
	}
}

func TestTearDown_ReportsRealFailure(t *testing.T) {
	t.Parallel()

	f := execxtest.New()
	f.On("wg-quick down", "", execxtest.Fail("RTNETLINK answers: Operation not permitted"))
	c := NewController(f, &fakeLinks{}, &fakeInspector{})
	if err := c.TearDown(context.Background(), confPath(t)); err == nil {
		t.Fatalf("expected error")
	}
}

func TestReadStatistics_MissingInterfaceIsZero(t *testing.T) {
	t.Parallel()

	c := NewController(execxtest.New(), &fakeLinks{}, &fakeInspector{})
	s := c.ReadStatistics(context.Background(), "wg0")
	if s.RxBytes != 0 || s.TxBytes != 0 {
		t.Fatalf("sample=%+v", s)
	}
	if s.SampledAt.IsZero() {
		t.Fatalf("sampled_at not set")
	}
}

func TestReadStatistics_Counters(t *testing.T) {
	t.Parallel()

	links := &fakeLinks{}
	links.set("wg0", 100, 200)
	hs := time.Now().Add(-time.Minute).UTC()
	c := NewController(execxtest.New(), links, &fakeInspector{peers: []PeerState{{PublicKey: "p", LastHandshake: hs}}})
	s := c.ReadStatistics(context.Background(), "wg0")
	if s.RxBytes != 100 || s.TxBytes != 200 || !s.LastHandshake.Equal(hs) {
		t.Fatalf("sample=%+v", s)
	}
}

func TestIsAlive(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	links := &fakeLinks{}
	links.set("wg0", 0, 0)
	insp := &fakeInspector{}
	c := NewController(execxtest.New(), links, insp)
	c.now = func() time.Time { return now }

	if c.IsAlive(context.Background(), "wg0") {
		t.Fatalf("no peers should not be alive")
	}

	insp.peers = []PeerState{{PublicKey: "p", LastHandshake: now.Add(-30 * time.Second)}}
	if !c.IsAlive(context.Background(), "wg0") {
		t.Fatalf("fresh handshake should be alive")
	}

	insp.peers = []PeerState{{PublicKey: "p", LastHandshake: now.Add(-10 * time.Minute)}}
	if c.IsAlive(context.Background(), "wg0") {
		t.Fatalf("stale handshake should not be alive")
	}

	// No handshake yet: alive only within the grace period after bring-up.
	insp.peers = []PeerState{{PublicKey: "p"}}
	if c.IsAlive(context.Background(), "wg0") {
		t.Fatalf("unknown bring-up time should not be alive")
	}
	c.upSince["wg0"] = now.Add(-time.Minute)
	if !c.IsAlive(context.Background(), "wg0") {
		t.Fatalf("within grace period should be alive")
	}

	links.mu.Lock()
	delete(links.links, "wg0")
	links.mu.Unlock()
	if c.IsAlive(context.Background(), "wg0") {
		t.Fatalf("missing link should not be alive")
	}
}
