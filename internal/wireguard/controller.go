package wireguard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"anivpn/internal/execx"
	"anivpn/internal/model"
)

const DefaultStaleAfter = 3 * time.Minute

// ActivationError reports a failed or unverifiable bring-up.
type ActivationError struct {
	Detail string
	Err    error
}

func (e *ActivationError) Error() string {
	if e.Detail == "" {
		return "activation failed"
	}
	return "activation failed: " + e.Detail
}

func (e *ActivationError) Unwrap() error { return e.Err }

// Controller brings WireGuard interfaces up and down with wg-quick and
// reports their health. It is injectable for unit tests.
type Controller struct {
	r     execx.Runner
	links LinkReader
	peers Inspector

	// StaleAfter is the maximum handshake age of a live link, and the grace
	// period after bring-up before the first handshake.
	StaleAfter time.Duration
	now        func() time.Time

	mu      sync.Mutex
	upSince map[string]time.Time
}

func NewController(r execx.Runner, links LinkReader, peers Inspector) *Controller {
	if links == nil {
		links = NetlinkLinks{}
	}
	if peers == nil {
		peers = NewDumpInspector(r)
	}
	return &Controller{
		r:          r,
		links:      links,
		peers:      peers,
		StaleAfter: DefaultStaleAfter,
		now:        time.Now,
		upSince:    map[string]time.Time{},
	}
}

// BringUp activates the interface described by configPath and verifies that
// the link exists afterwards. It returns the interface name.
func (c *Controller) BringUp(ctx context.Context, configPath string) (string, error) {
	name := InterfaceName(configPath)
	if err := c.r.Run(ctx, "wg-quick", "up", configPath); err != nil {
		detail := execx.Stderr(err)
		if detail == "" {
			detail = err.Error()
		}
		return "", &ActivationError{Detail: detail, Err: err}
	}

	if !c.Present(ctx, name) {
		zap.S().Warnf("%s missing after wg-quick up, tearing down", name)
		if err := c.TearDown(ctx, configPath); err != nil {
			zap.S().Infof("cleanup: undoing: wg-quick up %s failed: %v", name, err)
		}
		return "", &ActivationError{Detail: fmt.Sprintf("interface %s not present after activation", name)}
	}

	c.mu.Lock()
	c.upSince[name] = c.now()
	c.mu.Unlock()
	zap.S().Debugf("interface %s up", name)
	return name, nil
}

// TearDown deactivates the interface. An interface that is already gone is
// not an error.
func (c *Controller) TearDown(ctx context.Context, configPath string) error {
	name := InterfaceName(configPath)
	c.mu.Lock()
	delete(c.upSince, name)
	c.mu.Unlock()

	var err error
	if _, statErr := os.Stat(configPath); statErr == nil {
		err = c.r.Run(ctx, "wg-quick", "down", configPath)
	} else {
		// wg-quick needs the file; remove the link directly.
		err = c.r.Run(ctx, "ip", "link", "del", "dev", name)
	}
	if err == nil || alreadyDown(err) {
		return nil
	}
	return err
}

func alreadyDown(err error) bool {
	msg := execx.Stderr(err)
	if msg == "" {
		msg = err.Error()
	}
	for _, s := range []string{"is not a WireGuard interface", "does not exist", "Cannot find device", "No such device"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Present reports whether the link exists.
func (c *Controller) Present(ctx context.Context, name string) bool {
	_, _, err := c.links.Counters(name)
	if err == nil {
		return true
	}
	if errors.Is(err, ErrLinkNotFound) {
		return false
	}
	_, err = c.r.Output(ctx, "ip", "link", "show", "dev", name)
	return err == nil
}

// ReadStatistics samples the interface counters. A missing interface yields
// a zeroed sample rather than an error.
func (c *Controller) ReadStatistics(ctx context.Context, name string) model.LinkStatistics {
	sample := model.LinkStatistics{SampledAt: c.now()}
	rx, tx, err := c.links.Counters(name)
	if err != nil {
		if !errors.Is(err, ErrLinkNotFound) {
			zap.S().Debugf("read counters for %s: %v", name, err)
		}
		return sample
	}
	sample.RxBytes, sample.TxBytes = rx, tx
	if peers, err := c.peers.Peers(ctx, name); err == nil {
		sample.LastHandshake = latestHandshake(peers)
	}
	return sample
}

// IsAlive is true when the link is present, has a peer and the peer's
// latest handshake is not stale.
func (c *Controller) IsAlive(ctx context.Context, name string) bool {
	if !c.Present(ctx, name) {
		return false
	}
	peers, err := c.peers.Peers(ctx, name)
	if err != nil {
		zap.S().Debugf("inspect %s: %v", name, err)
		return false
	}
	if len(peers) == 0 {
		return false
	}

	now := c.now()
	if hs := latestHandshake(peers); !hs.IsZero() {
		return now.Sub(hs) < c.StaleAfter
	}
	c.mu.Lock()
	since, ok := c.upSince[name]
	c.mu.Unlock()
	return ok && now.Sub(since) < c.StaleAfter
}

// Status returns `ip -brief addr` and `wg show` output for diagnostics.
func (c *Controller) Status(ctx context.Context, name string) (string, error) {
	ipOut, ipErr := c.r.Output(ctx, "ip", "-brief", "addr", "show", "dev", name)
	wgOut, wgErr := c.r.Output(ctx, "wg", "show", name)
	if ipErr != nil && wgErr != nil {
		return "", fmt.Errorf("ip: %v; wg: %v", ipErr, wgErr)
	}
	var b strings.Builder
	if ipOut != "" {
		b.WriteString("ip:\n")
		b.WriteString(ipOut)
	}
	if wgOut != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("wg:\n")
		b.WriteString(wgOut)
	}
	return b.String(), nil
}
