package keystore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zalando/go-keyring"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"anivpn/internal/execx/execxtest"
)

// wgFake answers genkey/pubkey the way the real tool does.
func wgFake(t *testing.T) (*execxtest.Fake, wgtypes.Key) {
	t.Helper()
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	f := execxtest.New()
	f.On("wg genkey", priv.String(), nil)
	f.OnFunc("wg pubkey", func(_ string, stdin string) (string, error) {
		k, err := wgtypes.ParseKey(strings.TrimSpace(stdin))
		if err != nil {
			return "", execxtest.Fail("wg: Key is not the correct length or format")
		}
		return k.PublicKey().String(), nil
	})
	return f, priv
}

func TestLoadOrCreate_GeneratesWith0600(t *testing.T) {
	t.Parallel()

	f, priv := wgFake(t)
	path := filepath.Join(t.TempDir(), "keys", "private.key")
	ks := New(f, FileBackend{Path: path})

	id, err := ks.LoadOrCreate(context.Background())
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if id.PrivateKey != priv || id.PublicKey != priv.PublicKey() {
		t.Fatalf("identity mismatch")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%o", info.Mode().Perm())
	}
	if f.Count("wg genkey") != 1 {
		t.Fatalf("calls=%v", f.Calls())
	}
}

func TestLoadOrCreate_ReusesExistingKey(t *testing.T) {
	t.Parallel()

	f, _ := wgFake(t)
	existing, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	path := filepath.Join(t.TempDir(), "private.key")
	if err := os.WriteFile(path, []byte(existing.String()+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	id, err := New(f, FileBackend{Path: path}).LoadOrCreate(context.Background())
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if id.PrivateKey != existing {
		t.Fatalf("existing key not used")
	}
	if f.Count("wg genkey") != 0 {
		t.Fatalf("unexpected genkey: %v", f.Calls())
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("loose mode not tightened: %o", info.Mode().Perm())
	}
}

func TestLoadOrCreate_ToolMissing(t *testing.T) {
	t.Parallel()

	f, _ := wgFake(t)
	f.Missing("wg")
	path := filepath.Join(t.TempDir(), "private.key")

	_, err := New(f, FileBackend{Path: path}).LoadOrCreate(context.Background())
	if !errors.Is(err, ErrCryptoUnavailable) {
		t.Fatalf("err=%v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("key file should not exist: %v", err)
	}
}

func TestLoadOrCreate_RejectsGarbage(t *testing.T) {
	t.Parallel()

	f, _ := wgFake(t)
	path := filepath.Join(t.TempDir(), "private.key")
	if err := os.WriteFile(path, []byte("not-a-key\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := New(f, FileBackend{Path: path}).LoadOrCreate(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestKeyringBackend(t *testing.T) {
	keyring.MockInit()

	b := KeyringBackend{Service: "anivpn-test", User: "identity"}
	if _, err := b.Load(); !errors.Is(err, ErrNoKey) {
		t.Fatalf("Load on empty keyring err=%v", err)
	}

	f, priv := wgFake(t)
	id, err := New(f, b).LoadOrCreate(context.Background())
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if id.PrivateKey != priv {
		t.Fatalf("identity mismatch")
	}
	stored, err := b.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stored != priv.String() {
		t.Fatalf("stored=%q", stored)
	}
}
