package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/aidanlsb/echo/internal/atomicfile"
	"github.com/aidanlsb/echo/internal/keys"
)

const (
	// StateVersion is the current state file schema version.
	StateVersion = 1
)

// State represents mutable machine-local runtime state.
type State struct {
	Version int `toml:"version"`

	// PeerID is generated on first start and kept so that local changes
	// keep one actor across restarts.
	PeerID string `toml:"peer_id,omitempty"`

	// Spaces maps space key hex to the URL of the space root document.
	Spaces map[string]string `toml:"spaces,omitempty"`
}

// SpaceRoot returns the remembered root document URL of a space.
func (s *State) SpaceRoot(key keys.SpaceKey) (string, bool) {
	url, ok := s.Spaces[key.Hex()]
	return url, ok
}

// RememberSpace records the root document URL of a space.
func (s *State) RememberSpace(key keys.SpaceKey, rootURL string) {
	if s.Spaces == nil {
		s.Spaces = map[string]string{}
	}
	s.Spaces[key.Hex()] = rootURL
}

// SpaceKeys returns the remembered spaces in key order. Entries that do
// not parse are skipped.
func (s *State) SpaceKeys() []keys.SpaceKey {
	hexes := make([]string, 0, len(s.Spaces))
	for h := range s.Spaces {
		hexes = append(hexes, h)
	}
	sort.Strings(hexes)
	out := make([]keys.SpaceKey, 0, len(hexes))
	for _, h := range hexes {
		if key, err := keys.ParseSpaceKey(h); err == nil {
			out = append(out, key)
		}
	}
	return out
}

// ResolveStatePath resolves the state.toml path with precedence:
//  1. explicitStatePath flag
//  2. cfg.StateFile from echo.toml (relative to config file dir when not absolute)
//  3. sibling state.toml next to echo.toml
func ResolveStatePath(explicitStatePath, configPath string, cfg *Config) string {
	if strings.TrimSpace(explicitStatePath) != "" {
		return explicitStatePath
	}

	configDir := filepath.Dir(ResolveConfigPath(configPath))

	if cfg != nil {
		if fromConfig := strings.TrimSpace(cfg.StateFile); fromConfig != "" {
			if filepath.IsAbs(fromConfig) {
				return filepath.Clean(fromConfig)
			}
			return filepath.Join(configDir, filepath.FromSlash(fromConfig))
		}
	}

	return filepath.Join(configDir, "state.toml")
}

// LoadState loads state.toml from a specific path.
// Returns a default state when the file does not exist.
func LoadState(path string) (*State, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("state path is required")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &State{Version: StateVersion}, nil
	}

	var state State
	if _, err := toml.DecodeFile(path, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state %s: %w", path, err)
	}
	if state.Version == 0 {
		state.Version = StateVersion
	}
	if state.Version > StateVersion {
		return nil, fmt.Errorf("state %s has unsupported version %d", path, state.Version)
	}
	state.PeerID = strings.TrimSpace(state.PeerID)

	return &state, nil
}

// SaveState writes state.toml atomically.
func SaveState(path string, state *State) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("state path is required")
	}
	if state == nil {
		state = &State{}
	}

	normalized := *state
	if normalized.Version == 0 {
		normalized.Version = StateVersion
	}
	normalized.PeerID = strings.TrimSpace(normalized.PeerID)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	err := atomicfile.Write(path, 0o644, func(w io.Writer) error {
		return toml.NewEncoder(w).Encode(normalized)
	})
	if err != nil {
		return fmt.Errorf("failed to write state %s: %w", path, err)
	}
	return nil
}
