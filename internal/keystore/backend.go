package keystore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
	"go.uber.org/zap"
)

// FileBackend keeps the private key in an owner-only file.
type FileBackend struct {
	Path string
}

func (b FileBackend) Load() (string, error) {
	info, err := os.Stat(b.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoKey
		}
		return "", err
	}
	if info.Mode().Perm()&0o077 != 0 {
		zap.S().Warnf("private key %s has mode %o, tightening to 0600", b.Path, info.Mode().Perm())
		if err := os.Chmod(b.Path, 0o600); err != nil {
			return "", err
		}
	}

	data, err := os.ReadFile(b.Path)
	if err != nil {
		return "", err
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", ErrNoKey
	}
	return key, nil
}

func (b FileBackend) Store(key string) error {
	if err := os.MkdirAll(filepath.Dir(b.Path), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(b.Path, []byte(key+"\n"), 0o600); err != nil {
		return err
	}
	// WriteFile keeps the mode of a pre-existing file.
	return os.Chmod(b.Path, 0o600)
}

func (b FileBackend) String() string { return b.Path }

// KeyringBackend keeps the private key in the desktop secret service.
type KeyringBackend struct {
	Service string
	User    string
}

func (b KeyringBackend) Load() (string, error) {
	key, err := keyring.Get(b.Service, b.User)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNoKey
		}
		return "", err
	}
	return strings.TrimSpace(key), nil
}

func (b KeyringBackend) Store(key string) error {
	return keyring.Set(b.Service, b.User, key)
}

func (b KeyringBackend) String() string { return "keyring:" + b.Service + "/" + b.User }
