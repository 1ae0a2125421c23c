package api

import (
	"anivpn/internal/metrics"
	"anivpn/internal/model"
	"anivpn/internal/supervisor"
)

// ConnectRequest asks the daemon for a fresh connection. Unset fields fall
// back to the daemon's configuration. A nil DNS encodes as null and keeps the
// daemon's servers; an empty list leaves the resolver untouched.
type ConnectRequest struct {
	ServerID        string   `json:"server_id,omitempty"`
	UseDefaultRoute *bool    `json:"use_default_route,omitempty"`
	DNS             []string `json:"dns"`
}

// ConnectResponse describes the established connection.
type ConnectResponse struct {
	Connection supervisor.ConnectionInfo `json:"connection"`
}

// StatusResponse is the supervisor status report.
type StatusResponse = supervisor.StatusReport

// ServersResponse lists the catalog.
type ServersResponse struct {
	Servers []model.Server `json:"servers"`
}

// HistoryResponse returns finished sessions and their summary.
type HistoryResponse struct {
	Sessions []model.Session `json:"sessions"`
	Summary  metrics.Summary `json:"summary"`
}

// ErrorResponse is the body of every non-2xx reply. Kind names the
// supervisor error kind.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}
