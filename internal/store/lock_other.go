//go:build !unix

package store

import "errors"

var ErrLocked = errors.New("another anivpn process holds the lock")

type Lock struct{}

// AcquireLock is a no-op where flock is unavailable.
func AcquireLock(path string) (*Lock, error) { return &Lock{}, nil }

func (l *Lock) Release() error { return nil }
