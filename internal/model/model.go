package model

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Server describes one VPN endpoint from the catalog.
type Server struct {
	ID           string       `json:"id" yaml:"id"`
	Country      string       `json:"country" yaml:"country"`
	City         string       `json:"city" yaml:"city"`
	Address      string       `json:"address" yaml:"address"`
	Port         int          `json:"port" yaml:"port"`
	PublicKey    string       `json:"public_key" yaml:"public_key"`
	Protocols    []string     `json:"protocols" yaml:"protocols"`
	Bandwidth    Bandwidth    `json:"bandwidth,omitempty" yaml:"bandwidth,omitempty"`
	Capabilities Capabilities `json:"capabilities" yaml:"capabilities"`
}

// Bandwidth is the advertised server capacity. Catalogs write it either as
// text ("10 Gbps") or as a bare number of Mbit/s.
type Bandwidth string

func (b *Bandwidth) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*b = Bandwidth(text)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("bandwidth: %w", err)
	}
	*b = Bandwidth(n.String() + " Mbps")
	return nil
}

func (b *Bandwidth) UnmarshalYAML(value *yaml.Node) error {
	switch value.Tag {
	case "!!int", "!!float":
		*b = Bandwidth(value.Value + " Mbps")
	default:
		*b = Bandwidth(value.Value)
	}
	return nil
}

// Capabilities are advertised by the catalog but never acted upon.
type Capabilities struct {
	MultiHop    bool `json:"multi_hop" yaml:"multi_hop"`
	Obfuscation bool `json:"obfuscation" yaml:"obfuscation"`
	Streaming   bool `json:"streaming" yaml:"streaming"`
	P2P         bool `json:"p2p" yaml:"p2p"`
}

// Endpoint returns host:port, bracketing IPv6 literals.
func (s Server) Endpoint() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// Supports reports whether the server lists the given protocol.
func (s Server) Supports(protocol string) bool {
	for _, p := range s.Protocols {
		if strings.EqualFold(strings.TrimSpace(p), protocol) {
			return true
		}
	}
	return false
}

// LinkStatistics is a single sample of tunnel counters.
type LinkStatistics struct {
	RxBytes       uint64    `json:"rx_bytes"`
	TxBytes       uint64    `json:"tx_bytes"`
	LastHandshake time.Time `json:"last_handshake,omitempty"`
	SampledAt     time.Time `json:"sampled_at"`
}

// NetworkSnapshot is the pre-connect system network state.
type NetworkSnapshot struct {
	TakenAt   time.Time `json:"taken_at"`
	Interface string    `json:"interface"`
	// DefaultRoute is the raw `ip route show default` output, one route per line.
	DefaultRoute     string   `json:"default_route"`
	ResolverPath     string   `json:"resolver_path"`
	ResolverContents string   `json:"resolver_contents"`
	ResolverMissing  bool     `json:"resolver_missing,omitempty"`
	Nameservers      []string `json:"nameservers,omitempty"`
	PinnedRoutes     []string `json:"pinned_routes,omitempty"`
}

// Session is one finished connection, kept in the history file.
type Session struct {
	ID        string    `json:"id"`
	ServerID  string    `json:"server_id"`
	Country   string    `json:"country"`
	Interface string    `json:"interface"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	RxBytes   uint64    `json:"rx_bytes"`
	TxBytes   uint64    `json:"tx_bytes"`
	EndReason string    `json:"end_reason"` // disconnect|link_lost|shutdown|reconnect
}

// Duration is how long the session was up.
func (s Session) Duration() time.Duration {
	if s.EndedAt.Before(s.StartedAt) {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}
