// Package controller serves the local daemon API on top of the supervisor.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"anivpn/internal/api"
	"anivpn/internal/metrics"
	"anivpn/internal/model"
	"anivpn/internal/supervisor"
)

// Supervisor is the part of *supervisor.Supervisor the API drives.
type Supervisor interface {
	Connect(ctx context.Context, opts supervisor.ConnectOptions) (supervisor.ConnectionInfo, error)
	Disconnect(ctx context.Context) error
	Status() supervisor.StatusReport
}

// Catalog lists the servers the daemon would select from.
type Catalog interface {
	Servers() []model.Server
}

// Options carry the daemon defaults applied to requests that leave a field
// unset.
type Options struct {
	Catalog         Catalog
	HistoryPath     string
	UseDefaultRoute bool
	DNS             []string
	Log             *zap.SugaredLogger
}

// Server provides the daemon HTTP API.
type Server struct {
	sup  Supervisor
	opts Options
	log  *zap.SugaredLogger
}

// NewServer constructs a daemon API server.
func NewServer(sup Supervisor, opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = zap.S()
	}
	return &Server{sup: sup, opts: opts, log: log}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/connect", s.handleConnect)
	mux.HandleFunc("/disconnect", s.handleDisconnect)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/servers", s.handleServers)
	mux.HandleFunc("/history", s.handleHistory)
	return mux
}

// Serve runs the HTTP server on l until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(l) }()
	s.log.Infow("api listening", "addr", l.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}

	var req api.ConnectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	opts := supervisor.ConnectOptions{
		ServerID:        req.ServerID,
		UseDefaultRoute: s.opts.UseDefaultRoute,
		DNS:             s.opts.DNS,
	}
	if req.UseDefaultRoute != nil {
		opts.UseDefaultRoute = *req.UseDefaultRoute
	}
	if req.DNS != nil {
		opts.DNS = req.DNS
	}

	info, err := s.sup.Connect(r.Context(), opts)
	if err != nil {
		s.log.Warnw("connect failed", "server", req.ServerID, "kind", supervisor.KindOf(err), "error", err)
		writeError(w, err)
		return
	}
	s.log.Infow("connected", "server", info.ServerID, "interface", info.Interface, "session", info.SessionID)
	writeJSON(w, http.StatusOK, api.ConnectResponse{Connection: info})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	if err := s.sup.Disconnect(r.Context()); err != nil {
		s.log.Warnw("disconnect failed", "kind", supervisor.KindOf(err), "error", err)
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	writeJSON(w, http.StatusOK, s.sup.Status())
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	var servers []model.Server
	if s.opts.Catalog != nil {
		servers = s.opts.Catalog.Servers()
	}
	if servers == nil {
		servers = []model.Server{}
	}
	writeJSON(w, http.StatusOK, api.ServersResponse{Servers: servers})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}

	var since time.Duration
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid since %q", v), "")
			return
		}
		since = d
	}

	sessions, err := metrics.ReadCSV(s.opts.HistoryPath)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}

	var cutoff time.Time
	if since > 0 {
		cutoff = time.Now().Add(-since)
	}
	filtered := make([]model.Session, 0, len(sessions))
	for _, item := range sessions {
		if item.StartedAt.Before(cutoff) {
			continue
		}
		filtered = append(filtered, item)
	}
	writeJSON(w, http.StatusOK, api.HistoryResponse{
		Sessions: filtered,
		Summary:  metrics.Summarize(sessions, cutoff),
	})
}

// statusFor maps a supervisor error kind onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrNoServerAvailable):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrAlreadyConnecting), errors.Is(err, supervisor.ErrAlreadyDisconnected):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, supervisor.ErrToolUnavailable), errors.Is(err, supervisor.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, supervisor.ErrActivationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSONError(w, statusFor(err), err.Error(), supervisor.KindOf(err))
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message, kind string) {
	writeJSON(w, status, api.ErrorResponse{Error: message, Kind: kind})
}
