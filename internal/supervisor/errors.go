package supervisor

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"anivpn/internal/execx"
	"anivpn/internal/keystore"
	"anivpn/internal/netstate"
	"anivpn/internal/wireguard"
)

var (
	ErrToolUnavailable     = errors.New("wireguard tools unavailable")
	ErrNoServerAvailable   = errors.New("no server available")
	ErrSnapshotUnavailable = errors.New("network snapshot unavailable")
	ErrActivationFailed    = errors.New("activation failed")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrLinkLost            = errors.New("link lost")
	ErrAlreadyConnecting   = errors.New("a connection attempt is already in progress")
	ErrAlreadyDisconnected = errors.New("a disconnect is already in progress")
	// ErrClosed is returned once Shutdown has been called.
	ErrClosed = errors.New("supervisor is shut down")
)

// Error is a classified failure. errors.Is matches both Kind and the cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.Error()
	}
	if errors.Is(e.Err, e.Kind) || strings.Contains(e.Err.Error(), e.Kind.Error()) {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

var permissionMarkers = []string{
	"Operation not permitted",
	"Permission denied",
	"must be run as root",
	"a password is required",
}

func permissionDenied(err error) bool {
	if errors.Is(err, fs.ErrPermission) {
		return true
	}
	msg := execx.Stderr(err) + " " + err.Error()
	for _, m := range permissionMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// classify maps a component error onto the supervisor taxonomy, using
// fallback when nothing more specific applies.
func classify(op string, err error, fallback error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}

	var actErr *wireguard.ActivationError
	kind := fallback
	switch {
	case permissionDenied(err):
		kind = ErrPermissionDenied
	case errors.Is(err, execx.ErrNotFound), errors.Is(err, keystore.ErrCryptoUnavailable):
		kind = ErrToolUnavailable
	case errors.Is(err, netstate.ErrSnapshotUnavailable), errors.Is(err, netstate.ErrSnapshotActive):
		kind = ErrSnapshotUnavailable
	case errors.Is(err, execx.ErrTimeout), errors.As(err, &actErr):
		kind = ErrActivationFailed
	}
	return newError(kind, op, err)
}

var kindNames = []struct {
	name string
	err  error
}{
	{"tool_unavailable", ErrToolUnavailable},
	{"no_server_available", ErrNoServerAvailable},
	{"snapshot_unavailable", ErrSnapshotUnavailable},
	{"activation_failed", ErrActivationFailed},
	{"permission_denied", ErrPermissionDenied},
	{"link_lost", ErrLinkLost},
	{"already_connecting", ErrAlreadyConnecting},
	{"already_disconnected", ErrAlreadyDisconnected},
	{"closed", ErrClosed},
}

// KindOf names the taxonomy kind of err for the wire, or "internal".
func KindOf(err error) string {
	for _, k := range kindNames {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}

// KindError returns the sentinel for a wire kind name, or nil.
func KindError(name string) error {
	for _, k := range kindNames {
		if k.name == name {
			return k.err
		}
	}
	return nil
}

// Benign reports whether err is a concurrency-guard rejection that callers
// may treat as a no-op.
func Benign(err error) bool {
	return errors.Is(err, ErrAlreadyConnecting) || errors.Is(err, ErrAlreadyDisconnected)
}
