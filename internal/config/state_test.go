package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aidanlsb/echo/internal/keys"
)

func TestResolveStatePath(t *testing.T) {
	configPath := filepath.Join("/etc", "echo", "echo.toml")
	tests := []struct {
		name     string
		explicit string
		cfg      *Config
		want     string
	}{
		{"explicit wins", "/tmp/state.toml", &Config{StateFile: "other.toml"}, "/tmp/state.toml"},
		{"relative state_file", "", &Config{StateFile: "run/state.toml"}, filepath.Join("/etc", "echo", "run", "state.toml")},
		{"absolute state_file", "", &Config{StateFile: "/var/lib/echo/state.toml"}, "/var/lib/echo/state.toml"},
		{"sibling default", "", nil, filepath.Join("/etc", "echo", "state.toml")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveStatePath(tt.explicit, configPath, tt.cfg); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.toml")

	state, err := LoadState(path)
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if state.Version != StateVersion || state.PeerID != "" {
		t.Fatalf("unexpected default state %+v", state)
	}

	key := keys.RandomSpaceKey()
	state.PeerID = "  peer-1 "
	state.RememberSpace(key, "echo-doc:root")
	if err := SaveState(path, state); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadState(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.PeerID != "peer-1" {
		t.Errorf("expected trimmed peer id, got %q", loaded.PeerID)
	}
	if root, ok := loaded.SpaceRoot(key); !ok || root != "echo-doc:root" {
		t.Errorf("expected remembered root, got %q %v", root, ok)
	}
	if got := loaded.SpaceKeys(); len(got) != 1 || got[0] != key {
		t.Errorf("expected [%s], got %v", key, got)
	}
}

func TestLoadStateRejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.toml")
	if err := os.WriteFile(path, []byte("version = 99\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadState(path); err == nil {
		t.Fatal("expected version error")
	}
}
