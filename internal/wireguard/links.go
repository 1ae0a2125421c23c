package wireguard

import (
	"errors"
	"fmt"

	"github.com/vishvananda/netlink"
)

var ErrLinkNotFound = errors.New("link not found")

// LinkReader reads per-interface state from the kernel.
type LinkReader interface {
	// Counters returns the interface byte counters, or ErrLinkNotFound.
	Counters(name string) (rx, tx uint64, err error)
}

// NetlinkLinks reads link statistics over rtnetlink.
type NetlinkLinks struct{}

func (NetlinkLinks) Counters(name string) (uint64, uint64, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return 0, 0, fmt.Errorf("%s: %w", name, ErrLinkNotFound)
		}
		return 0, 0, err
	}
	stats := link.Attrs().Statistics
	if stats == nil {
		return 0, 0, nil
	}
	return stats.RxBytes, stats.TxBytes, nil
}
