// Package execxtest provides a scripted execx.Runner for unit tests.
package execxtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"anivpn/internal/execx"
)

// Fake records every command and answers from registered handlers. Handlers
// are matched by command-line prefix; the most recently registered match wins.
// Unmatched commands succeed with empty output.
type Fake struct {
	mu       sync.Mutex
	calls    []string
	handlers []handler
	missing  map[string]bool
}

type handler struct {
	prefix string
	fn     func(cmd, stdin string) (string, error)
}

var _ execx.Runner = (*Fake)(nil)

func New() *Fake {
	return &Fake{missing: map[string]bool{}}
}

// On answers commands starting with prefix with a fixed result.
func (f *Fake) On(prefix string, out string, err error) {
	f.OnFunc(prefix, func(string, string) (string, error) { return out, err })
}

// OnFunc answers commands starting with prefix by calling fn.
func (f *Fake) OnFunc(prefix string, fn func(cmd, stdin string) (string, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler{prefix: prefix, fn: fn})
}

// Missing makes LookPath fail for name.
func (f *Fake) Missing(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missing[name] = true
}

// Calls returns the command lines executed so far.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Count returns how many executed commands start with prefix.
func (f *Fake) Count(prefix string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *Fake) Run(ctx context.Context, name string, args ...string) error {
	_, err := f.do("", name, args...)
	return err
}

func (f *Fake) Output(ctx context.Context, name string, args ...string) (string, error) {
	return f.do("", name, args...)
}

func (f *Fake) Input(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	return f.do(stdin, name, args...)
}

func (f *Fake) LookPath(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[name] {
		return "", fmt.Errorf("%s: %w", name, execx.ErrNotFound)
	}
	return "/usr/bin/" + name, nil
}

func (f *Fake) do(stdin, name string, args ...string) (string, error) {
	cmd := strings.TrimSpace(name + " " + strings.Join(args, " "))

	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	var fn func(cmd, stdin string) (string, error)
	for i := len(f.handlers) - 1; i >= 0; i-- {
		if strings.HasPrefix(cmd, f.handlers[i].prefix) {
			fn = f.handlers[i].fn
			break
		}
	}
	f.mu.Unlock()

	if fn == nil {
		return "", nil
	}
	return fn(cmd, stdin)
}

// Fail builds the error a real runner returns for a non-zero exit.
func Fail(stderr string) error {
	return &execx.ExitError{Cmd: "fake", Stderr: stderr, Err: errors.New("exit status 1")}
}
