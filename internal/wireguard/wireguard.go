package wireguard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"anivpn/internal/keystore"
	"anivpn/internal/model"
)

const DefaultKeepaliveSec = 25

// DefaultAllowedIPs routes everything through the peer.
var DefaultAllowedIPs = []string{"0.0.0.0/0", "::/0"}

// InterfaceConfig is the wg-quick configuration for one connect.
type InterfaceConfig struct {
	PrivateKey string
	Address    string
	MTU        int
	// DNS is applied by the network guard and never rendered.
	DNS []string
	// Table is rendered verbatim; "off" stops wg-quick from installing routes.
	Table string
	Peer  PeerConfig
}

// PeerConfig is the single server peer.
type PeerConfig struct {
	PublicKey    string
	Endpoint     string
	AllowedIPs   []string
	KeepaliveSec int
}

// Render derives the interface configuration for a server. It has no side
// effects and identical inputs yield identical output.
func Render(id keystore.Identity, server model.Server, localAddress string, dns []string) InterfaceConfig {
	return InterfaceConfig{
		PrivateKey: id.PrivateKey.String(),
		Address:    localAddress,
		DNS:        append([]string(nil), dns...),
		Table:      "off",
		Peer: PeerConfig{
			PublicKey:    server.PublicKey,
			Endpoint:     server.Endpoint(),
			AllowedIPs:   append([]string(nil), DefaultAllowedIPs...),
			KeepaliveSec: DefaultKeepaliveSec,
		},
	}
}

// Marshal renders the key/value text wg-quick reads.
func (c InterfaceConfig) Marshal() (string, error) {
	if c.PrivateKey == "" {
		return "", fmt.Errorf("private key is required")
	}
	if c.Address == "" {
		return "", fmt.Errorf("address is required")
	}
	if c.Peer.PublicKey == "" {
		return "", fmt.Errorf("peer public key is required")
	}
	if c.Peer.Endpoint == "" {
		return "", fmt.Errorf("peer endpoint is required")
	}
	if len(c.Peer.AllowedIPs) == 0 {
		return "", fmt.Errorf("peer allowed ips are required")
	}

	var b strings.Builder
	b.WriteString("[Interface]\n")
	b.WriteString(fmt.Sprintf("PrivateKey = %s\n", c.PrivateKey))
	b.WriteString(fmt.Sprintf("Address = %s\n", c.Address))
	if c.MTU > 0 {
		b.WriteString(fmt.Sprintf("MTU = %d\n", c.MTU))
	}
	if c.Table != "" {
		b.WriteString(fmt.Sprintf("Table = %s\n", c.Table))
	}

	b.WriteString("\n[Peer]\n")
	b.WriteString(fmt.Sprintf("PublicKey = %s\n", c.Peer.PublicKey))
	b.WriteString(fmt.Sprintf("Endpoint = %s\n", c.Peer.Endpoint))
	b.WriteString(fmt.Sprintf("AllowedIPs = %s\n", strings.Join(c.Peer.AllowedIPs, ", ")))
	if c.Peer.KeepaliveSec > 0 {
		b.WriteString(fmt.Sprintf("PersistentKeepalive = %d\n", c.Peer.KeepaliveSec))
	}

	return b.String(), nil
}

// Persist writes the rendered configuration to path with mode 0600,
// replacing whatever was there.
func Persist(cfg InterfaceConfig, path string) (string, error) {
	content, err := cfg.Marshal()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", err
	}
	if err := atomicWriteFile(path, []byte(content), 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// InterfaceName is the name wg-quick derives from a config path.
func InterfaceName(configPath string) string {
	return strings.TrimSuffix(filepath.Base(configPath), filepath.Ext(configPath))
}

func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
