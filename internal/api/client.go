package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"anivpn/internal/model"
	"anivpn/internal/supervisor"
)

// Client is a thin HTTP client for the daemon API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for addr: "unix:/path/to.sock", "host:port" or
// a full http:// base URL.
func NewClient(addr string) *Client {
	network, address := SplitAddr(addr)
	if network == "unix" {
		transport := &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", address)
			},
		}
		return &Client{
			baseURL: "http://anivpn",
			http:    &http.Client{Transport: transport, Timeout: 2 * time.Minute},
		}
	}
	return &Client{
		baseURL: "http://" + address,
		http: &http.Client{
			// Connect runs several external commands, each bounded on the
			// daemon side.
			Timeout: 2 * time.Minute,
		},
	}
}

// RemoteError is a failure reported by the daemon. It unwraps to the
// supervisor sentinel named by Kind.
type RemoteError struct {
	Status  string
	Message string
	Kind    string
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("request failed: %s: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("request failed: %s", e.Status)
}

func (e *RemoteError) Unwrap() error { return supervisor.KindError(e.Kind) }

// Connect asks the daemon for a fresh connection.
func (c *Client) Connect(ctx context.Context, req ConnectRequest) (supervisor.ConnectionInfo, error) {
	var resp ConnectResponse
	if err := c.postJSON(ctx, "/connect", req, &resp); err != nil {
		return supervisor.ConnectionInfo{}, err
	}
	return resp.Connection, nil
}

// Disconnect tears the connection down.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.postJSON(ctx, "/disconnect", struct{}{}, nil)
}

// Status returns the daemon's status report.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	err := c.getJSON(ctx, "/status", &resp)
	return resp, err
}

// Servers lists the catalog as the daemon sees it.
func (c *Client) Servers(ctx context.Context) ([]model.Server, error) {
	var resp ServersResponse
	if err := c.getJSON(ctx, "/servers", &resp); err != nil {
		return nil, err
	}
	return resp.Servers, nil
}

// History returns sessions that ended within since of now (zero for all).
func (c *Client) History(ctx context.Context, since time.Duration) (HistoryResponse, error) {
	var resp HistoryResponse
	endpoint := "/history"
	if since > 0 {
		endpoint += "?since=" + url.QueryEscape(since.String())
	}
	err := c.getJSON(ctx, endpoint, &resp)
	return resp, err
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		remote := &RemoteError{Status: res.Status}
		var er ErrorResponse
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			remote.Message, remote.Kind = er.Error, er.Kind
		} else {
			remote.Message = strings.TrimSpace(string(body))
		}
		return remote
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(res.Body)
	return decoder.Decode(out)
}
