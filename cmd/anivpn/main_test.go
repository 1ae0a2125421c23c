package main

import (
	"errors"
	"flag"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"anivpn/internal/api"
	"anivpn/internal/supervisor"
)

func TestFormatUptime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00:00"},
		{-time.Second, "00:00:00"},
		{59*time.Second + 900*time.Millisecond, "00:00:59"},
		{time.Hour + 2*time.Minute + 3*time.Second, "01:02:03"},
		{100 * time.Hour, "100:00:00"},
	}
	for _, tt := range tests {
		if got := formatUptime(tt.in); got != tt.want {
			t.Fatalf("formatUptime(%s)=%q want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatRate(t *testing.T) {
	t.Parallel()

	if got := formatRate(0); got != "0 B/s" {
		t.Fatalf("formatRate(0)=%q", got)
	}
	if got := formatRate(1500); got != "1.5 kB/s" {
		t.Fatalf("formatRate(1500)=%q", got)
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{&supervisor.Error{Kind: supervisor.ErrAlreadyConnecting, Op: "connect"}, 0},
		{&supervisor.Error{Kind: supervisor.ErrAlreadyDisconnected, Op: "disconnect"}, 0},
		{errors.New("boom"), 1},
		{&supervisor.Error{Kind: supervisor.ErrToolUnavailable, Op: "preflight"}, 3},
		{&supervisor.Error{Kind: supervisor.ErrNoServerAvailable, Op: "select server"}, 4},
		{&supervisor.Error{Kind: supervisor.ErrSnapshotUnavailable, Op: "snapshot"}, 5},
		{&supervisor.Error{Kind: supervisor.ErrActivationFailed, Op: "bring up"}, 6},
		{&supervisor.Error{Kind: supervisor.ErrPermissionDenied, Op: "preflight"}, 7},
		{fmt.Errorf("wrapped: %w", &api.RemoteError{Status: "403 Forbidden", Kind: "permission_denied"}), 7},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Fatalf("exitCode(%v)=%d want %d", tt.err, got, tt.want)
		}
	}
}

func TestSplitList(t *testing.T) {
	t.Parallel()

	got := splitList(" 1.1.1.1, ,8.8.8.8 ,")
	if diff := cmp.Diff([]string{"1.1.1.1", "8.8.8.8"}, got); diff != "" {
		t.Fatalf("splitList mismatch (-want +got):\n%s", diff)
	}
}

func TestDNSFlag_ExplicitEmpty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		args    []string
		set     bool
		wantNil bool
	}{
		{nil, false, true},
		{[]string{"--dns="}, true, false},
		{[]string{"--dns", "1.1.1.1"}, true, false},
	}
	for _, tt := range tests {
		fs := flag.NewFlagSet("connect", flag.ContinueOnError)
		dns := fs.String("dns", "", "")
		if err := fs.Parse(tt.args); err != nil {
			t.Fatalf("Parse(%v): %v", tt.args, err)
		}
		if got := flagSet(fs, "dns"); got != tt.set {
			t.Fatalf("flagSet(%v)=%v", tt.args, got)
		}
		var req api.ConnectRequest
		if flagSet(fs, "dns") {
			req.DNS = splitList(*dns)
		}
		if (req.DNS == nil) != tt.wantNil {
			t.Fatalf("args %v: DNS=%#v", tt.args, req.DNS)
		}
	}
}
