package wireguard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/wgctrl"

	"anivpn/internal/execx"
)

// PeerState is the kernel's view of one peer.
type PeerState struct {
	PublicKey     string
	Endpoint      string
	LastHandshake time.Time
	RxBytes       uint64
	TxBytes       uint64
}

// Inspector lists the peers configured on a WireGuard interface.
type Inspector interface {
	Peers(ctx context.Context, iface string) ([]PeerState, error)
}

// WgctrlInspector queries the kernel through wgctrl.
type WgctrlInspector struct {
	client *wgctrl.Client
}

func NewWgctrlInspector() (*WgctrlInspector, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, err
	}
	return &WgctrlInspector{client: client}, nil
}

func (w *WgctrlInspector) Peers(_ context.Context, iface string) ([]PeerState, error) {
	dev, err := w.client.Device(iface)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", iface, ErrLinkNotFound)
		}
		return nil, err
	}
	peers := make([]PeerState, 0, len(dev.Peers))
	for _, p := range dev.Peers {
		endpoint := ""
		if p.Endpoint != nil {
			endpoint = p.Endpoint.String()
		}
		peers = append(peers, PeerState{
			PublicKey:     p.PublicKey.String(),
			Endpoint:      endpoint,
			LastHandshake: p.LastHandshakeTime,
			RxBytes:       uint64(p.ReceiveBytes),
			TxBytes:       uint64(p.TransmitBytes),
		})
	}
	return peers, nil
}

func (w *WgctrlInspector) Close() error {
	return w.client.Close()
}

// DumpInspector parses `wg show <iface> dump`.
type DumpInspector struct {
	r execx.Runner
}

func NewDumpInspector(r execx.Runner) *DumpInspector {
	return &DumpInspector{r: r}
}

func (d *DumpInspector) Peers(ctx context.Context, iface string) ([]PeerState, error) {
	if iface == "" {
		return nil, fmt.Errorf("interface is required")
	}
	out, err := d.r.Output(ctx, "wg", "show", iface, "dump")
	if err != nil {
		stderr := execx.Stderr(err)
		if strings.Contains(stderr, "No such device") || strings.Contains(stderr, "Unable to access interface") {
			return nil, fmt.Errorf("%s: %w", iface, ErrLinkNotFound)
		}
		return nil, err
	}
	return ParseWgDump(out), nil
}

// DefaultInspector prefers wgctrl and falls back to the wg tool.
func DefaultInspector(r execx.Runner) Inspector {
	w, err := NewWgctrlInspector()
	if err != nil {
		zap.S().Debugf("wgctrl unavailable, using wg show dump: %v", err)
		return NewDumpInspector(r)
	}
	return w
}

// ParseWgDump parses peer lines of `wg show <iface> dump`:
// public-key, preshared-key, endpoint, allowed-ips, latest-handshake,
// transfer-rx, transfer-tx, persistent-keepalive.
func ParseWgDump(dump string) []PeerState {
	lines := strings.Split(strings.TrimSpace(dump), "\n")
	if len(lines) < 2 {
		return nil
	}
	// First line is interface info.
	peers := make([]PeerState, 0, len(lines)-1)
	for _, line := range lines[1:] {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 7 {
			continue
		}
		p := PeerState{PublicKey: fields[0]}
		if ep := fields[2]; ep != "(none)" {
			p.Endpoint = ep
		}
		if sec, err := strconv.ParseInt(fields[4], 10, 64); err == nil && sec > 0 {
			p.LastHandshake = time.Unix(sec, 0).UTC()
		}
		p.RxBytes, _ = strconv.ParseUint(fields[5], 10, 64)
		p.TxBytes, _ = strconv.ParseUint(fields[6], 10, 64)
		peers = append(peers, p)
	}
	return peers
}

func latestHandshake(peers []PeerState) time.Time {
	var latest time.Time
	for _, p := range peers {
		if p.LastHandshake.After(latest) {
			latest = p.LastHandshake
		}
	}
	return latest
}
