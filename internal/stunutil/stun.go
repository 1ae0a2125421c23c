package stunutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

const (
	NATTypeUnknown          = "unknown"
	NATTypeSymmetric        = "symmetric"
	NATTypeConeOrRestricted = "cone_or_restricted"
)

var ErrNoServers = errors.New("no STUN servers configured")

// Result is the public view of this host as seen by STUN servers.
type Result struct {
	PublicAddr string            // first mapped address, host:port
	NATType    string
	Mapped     map[string]string // server -> mapped address
}

// PublicIP is PublicAddr without the port.
func (r Result) PublicIP() string {
	host, _, err := net.SplitHostPort(r.PublicAddr)
	if err != nil {
		return r.PublicAddr
	}
	return host
}

// Lookup queries STUN servers for the public mapped address. Servers that fail
// are skipped; the lookup only fails when none answered.
func Lookup(ctx context.Context, servers []string, timeout time.Duration) (Result, error) {
	res := Result{NATType: NATTypeUnknown, Mapped: map[string]string{}}
	if len(servers) == 0 {
		return res, ErrNoServers
	}

	addrs := make([]string, 0, len(servers))
	var lastErr error
	for _, server := range servers {
		addr, err := queryServer(ctx, server, timeout)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", server, err)
			continue
		}
		res.Mapped[server] = addr
		addrs = append(addrs, addr)
	}

	if len(addrs) == 0 {
		if lastErr == nil {
			lastErr = errors.New("STUN query failed")
		}
		return res, lastErr
	}

	res.PublicAddr = addrs[0]
	res.NATType = Classify(addrs)
	return res, nil
}

// Classify infers NAT type by comparing mapped addresses from multiple servers.
func Classify(addrs []string) string {
	if len(addrs) < 2 {
		return NATTypeUnknown
	}
	first := addrs[0]
	for _, addr := range addrs[1:] {
		if addr != first {
			return NATTypeSymmetric
		}
	}
	return NATTypeConeOrRestricted
}

func queryServer(ctx context.Context, server string, timeout time.Duration) (string, error) {
	uriStr := strings.TrimSpace(server)
	if uriStr == "" {
		return "", errors.New("empty STUN server")
	}
	if !strings.HasPrefix(uriStr, "stun:") {
		uriStr = "stun:" + uriStr
	}

	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return "", err
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	type answer struct {
		addr string
		err  error
	}
	done := make(chan answer, 1)

	go func() {
		err := client.Do(msg, func(ev stun.Event) {
			if ev.Error != nil {
				done <- answer{err: ev.Error}
				return
			}
			var xor stun.XORMappedAddress
			if err := xor.GetFrom(ev.Message); err != nil {
				done <- answer{err: err}
				return
			}
			done <- answer{addr: xor.String()}
		})
		if err != nil {
			select {
			case done <- answer{err: err}:
			default:
			}
		}
	}()

	select {
	case a := <-done:
		return a.addr, a.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
