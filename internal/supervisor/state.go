package supervisor

import (
	"fmt"
	"time"

	"anivpn/internal/model"
)

// Phase is the connection state machine position.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Connected
	Disconnecting
	Failed
)

var phaseNames = [...]string{
	Disconnected:  "disconnected",
	Connecting:    "connecting",
	Connected:     "connected",
	Disconnecting: "disconnecting",
	Failed:        "failed",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	for i, name := range phaseNames {
		if name == string(b) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}

// End reasons recorded in session history.
const (
	ReasonDisconnect = "disconnect"
	ReasonLinkLost   = "link_lost"
	ReasonShutdown   = "shutdown"
	ReasonReconnect  = "reconnect"
)

// ConnectOptions select the server and what system state the tunnel may
// take over.
type ConnectOptions struct {
	ServerID        string   `json:"server_id,omitempty"`
	UseDefaultRoute bool     `json:"use_default_route"`
	DNS             []string `json:"dns,omitempty"`
}

// ConnectionInfo describes an established connection.
type ConnectionInfo struct {
	SessionID   string    `json:"session_id"`
	ServerID    string    `json:"server_id"`
	Country     string    `json:"country"`
	City        string    `json:"city"`
	Endpoint    string    `json:"endpoint"`
	Interface   string    `json:"interface"`
	ConfigPath  string    `json:"config_path"`
	Address     string    `json:"address"`
	PublicKey   string    `json:"public_key"`
	ConnectedAt time.Time `json:"connected_at"`
}

// StatusReport is an immutable view of the supervisor at one instant.
type StatusReport struct {
	Phase          Phase                `json:"phase"`
	Connected      bool                 `json:"connected"`
	Reason         string               `json:"reason,omitempty"`
	Server         *model.Server        `json:"server,omitempty"`
	Connection     *ConnectionInfo      `json:"connection,omitempty"`
	Uptime         time.Duration        `json:"uptime"`
	Stats          model.LinkStatistics `json:"stats"`
	RxRate         float64              `json:"rx_rate"` // bytes/s
	TxRate         float64              `json:"tx_rate"`
	LastError      string               `json:"last_error,omitempty"`
	PendingRestore bool                 `json:"pending_restore,omitempty"`
}
