package catalog

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
	"gopkg.in/yaml.v3"

	"anivpn/internal/model"
)

const ProtocolWireGuard = "wireguard"

// file keeps entries undecoded so one malformed server does not discard the
// rest of the list.
type file struct {
	JSON []json.RawMessage `json:"servers" yaml:"-"`
	YAML []yaml.Node       `json:"-" yaml:"servers"`
}

type entry struct {
	model.Server `yaml:",inline"`
	// IP is the address field name used by older catalog generators.
	IP string `json:"ip,omitempty" yaml:"ip,omitempty"`
}

// Load parses a server list and keeps usable WireGuard servers sorted by id.
// A missing or unreadable file yields an empty list, never an error.
func Load(path string) []model.Server {
	servers, err := parse(path)
	if err != nil {
		if os.IsNotExist(err) {
			zap.S().Debugf("catalog %s not found", path)
		} else {
			zap.S().Warnf("catalog %s unusable: %v", path, err)
		}
		return nil
	}
	return servers
}

func parse(path string) ([]model.Server, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f file
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	default:
		err = json.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, err
	}

	var entries []entry
	for i, raw := range f.JSON {
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			zap.S().Debugf("catalog: skipping entry %d: %v", i, err)
			continue
		}
		entries = append(entries, e)
	}
	for i := range f.YAML {
		var e entry
		if err := f.YAML[i].Decode(&e); err != nil {
			zap.S().Debugf("catalog: skipping entry %d: %v", i, err)
			continue
		}
		entries = append(entries, e)
	}

	seen := map[string]bool{}
	out := make([]model.Server, 0, len(entries))
	for _, e := range entries {
		s := e.Server
		if s.Address == "" {
			s.Address = e.IP
		}
		if err := check(s); err != nil {
			zap.S().Debugf("catalog: skipping %q: %v", s.ID, err)
			continue
		}
		if !s.Supports(ProtocolWireGuard) {
			continue
		}
		if seen[s.ID] {
			zap.S().Debugf("catalog: duplicate id %q ignored", s.ID)
			continue
		}
		seen[s.ID] = true
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func check(s model.Server) error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if s.Address == "" {
		return fmt.Errorf("address is required")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("port %d out of range", s.Port)
	}
	if _, err := wgtypes.ParseKey(s.PublicKey); err != nil {
		return fmt.Errorf("public_key: %w", err)
	}
	return nil
}

// Select returns the server with the given id, or a uniformly random server
// when id is empty. Random choice ignores latency and load.
func Select(servers []model.Server, id string) (model.Server, bool) {
	if len(servers) == 0 {
		return model.Server{}, false
	}
	if id == "" {
		return servers[rand.IntN(len(servers))], true
	}
	for _, s := range servers {
		if s.ID == id {
			return s, true
		}
	}
	return model.Server{}, false
}

// Source re-reads the catalog file on every call.
type Source struct {
	Path     string
	Fallback bool
}

func (s Source) Servers() []model.Server {
	servers := Load(s.Path)
	if len(servers) == 0 && s.Fallback {
		zap.S().Infof("catalog %s is empty, using built-in servers", s.Path)
		return Builtin()
	}
	return servers
}
