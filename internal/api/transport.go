package api

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// SplitAddr turns "unix:/path" or "host:port" into a network and address.
func SplitAddr(addr string) (network, address string) {
	if path, ok := strings.CutPrefix(addr, "unix:"); ok {
		return "unix", path
	}
	return "tcp", strings.TrimPrefix(strings.TrimPrefix(addr, "http://"), "tcp:")
}

// Listen opens the daemon listener. A stale unix socket is replaced and the
// new one is made owner-only.
func Listen(addr string) (net.Listener, error) {
	network, address := SplitAddr(addr)
	if network == "unix" {
		if err := os.MkdirAll(filepath.Dir(address), 0o755); err != nil {
			return nil, err
		}
		if err := os.Remove(address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	l, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	if network == "unix" {
		if err := os.Chmod(address, 0o600); err != nil {
			_ = l.Close()
			return nil, err
		}
	}
	return l, nil
}
