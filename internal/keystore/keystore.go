package keystore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"anivpn/internal/execx"
)

var (
	// ErrCryptoUnavailable means the external key tool (wg) is not installed.
	ErrCryptoUnavailable = errors.New("wireguard key tool unavailable")
	// ErrNoKey is returned by a Backend that holds no private key yet.
	ErrNoKey = errors.New("no private key stored")
)

// Identity is the client's persistent keypair.
type Identity struct {
	PrivateKey wgtypes.Key
	PublicKey  wgtypes.Key
}

// Backend persists the base64 private key.
type Backend interface {
	Load() (string, error)
	Store(key string) error
	String() string
}

// KeyStore loads or generates the client identity through the wg tool.
type KeyStore struct {
	r       execx.Runner
	backend Backend

	mu     sync.Mutex
	cached *Identity
}

func New(r execx.Runner, b Backend) *KeyStore {
	return &KeyStore{r: r, backend: b}
}

// LoadOrCreate returns the stored identity, generating and persisting a new
// private key on first use.
func (k *KeyStore) LoadOrCreate(ctx context.Context) (Identity, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cached != nil {
		return *k.cached, nil
	}

	if _, err := k.r.LookPath("wg"); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}

	raw, err := k.backend.Load()
	switch {
	case errors.Is(err, ErrNoKey):
		raw, err = k.generate(ctx)
		if err != nil {
			return Identity{}, err
		}
	case err != nil:
		return Identity{}, fmt.Errorf("load private key from %s: %w", k.backend, err)
	}

	priv, err := wgtypes.ParseKey(raw)
	if err != nil {
		return Identity{}, fmt.Errorf("private key in %s is invalid: %w", k.backend, err)
	}
	pub, err := k.derive(ctx, raw)
	if err != nil {
		return Identity{}, err
	}
	if pub != priv.PublicKey() {
		return Identity{}, fmt.Errorf("wg pubkey returned a key that does not match the private key")
	}

	id := Identity{PrivateKey: priv, PublicKey: pub}
	k.cached = &id
	return id, nil
}

func (k *KeyStore) generate(ctx context.Context) (string, error) {
	out, err := k.r.Output(ctx, "wg", "genkey")
	if err != nil {
		if errors.Is(err, execx.ErrNotFound) {
			return "", fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
		}
		return "", fmt.Errorf("wg genkey: %w", err)
	}
	raw := strings.TrimSpace(out)
	if _, err := wgtypes.ParseKey(raw); err != nil {
		return "", fmt.Errorf("wg genkey produced an invalid key: %w", err)
	}
	if err := k.backend.Store(raw); err != nil {
		return "", fmt.Errorf("store private key in %s: %w", k.backend, err)
	}
	zap.S().Infof("generated new client identity in %s", k.backend)
	return raw, nil
}

func (k *KeyStore) derive(ctx context.Context, raw string) (wgtypes.Key, error) {
	out, err := k.r.Input(ctx, raw+"\n", "wg", "pubkey")
	if err != nil {
		if errors.Is(err, execx.ErrNotFound) {
			return wgtypes.Key{}, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
		}
		return wgtypes.Key{}, fmt.Errorf("wg pubkey: %w", err)
	}
	pub, err := wgtypes.ParseKey(strings.TrimSpace(out))
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("wg pubkey produced an invalid key: %w", err)
	}
	return pub, nil
}
