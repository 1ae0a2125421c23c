// Package diag answers "is traffic actually leaving through the tunnel?"
// from the outside: which resolver egress address a DNS server sees.
package diag

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/miekg/dns"
)

// WhoamiName returns the address of the resolver asking for it.
const WhoamiName = "whoami.akamai.net."

var ErrNoAnswer = errors.New("no A record in answer")

// ResolverEgress asks server (host or host:port) for WhoamiName and returns
// the address the authoritative side saw the query come from.
func ResolverEgress(ctx context.Context, server string, timeout time.Duration) (net.IP, error) {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}

	m := new(dns.Msg)
	m.SetQuestion(WhoamiName, dns.TypeA)
	m.RecursionDesired = true

	c := &dns.Client{Net: "udp", Timeout: timeout}
	in, _, err := c.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("query %s via %s: %w", WhoamiName, server, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("query %s via %s: %s", WhoamiName, server, dns.RcodeToString[in.Rcode])
	}
	for _, rr := range in.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A, nil
		}
	}
	return nil, ErrNoAnswer
}

// SystemResolvers returns the nameservers listed in a resolv.conf style file.
func SystemResolvers(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cc, err := dns.ClientConfigFromReader(f)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(cc.Servers))
	for _, s := range cc.Servers {
		out = append(out, net.JoinHostPort(s, cc.Port))
	}
	return out, nil
}
