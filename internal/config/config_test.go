package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/aidanlsb/echo/internal/index"
)

func TestLoadFrom(t *testing.T) {
	t.Run("overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "echo.toml")
		content := `
[peer]
schemas = ["a.yaml", "b.yaml"]
load_timeout = "250ms"

[storage]
dir = "/data/docs"

[index]
kinds = ["SCHEMA_MATCH", "FIELD_MATCH:title"]

[replication]
relay_url = "ws://relay.local:4567"

[log]
level = "debug"
format = "json"
`
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		cfg, err := LoadFrom(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Peer.LoadTimeout.Duration != 250*time.Millisecond {
			t.Errorf("expected 250ms, got %s", cfg.Peer.LoadTimeout)
		}
		if !reflect.DeepEqual(cfg.Peer.Schemas, []string{"a.yaml", "b.yaml"}) {
			t.Errorf("unexpected schemas %v", cfg.Peer.Schemas)
		}
		if cfg.Storage.Dir != "/data/docs" || cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
			t.Errorf("unexpected config %+v", cfg)
		}
		want := []index.Kind{{Type: index.KindSchemaMatch}, {Type: index.KindFieldMatch, Field: "title"}}
		if got := cfg.IndexKinds(); !reflect.DeepEqual(got, want) {
			t.Errorf("expected kinds %v, got %v", want, got)
		}
		if cfg.Replication.Listen != "127.0.0.1:4567" {
			t.Errorf("expected default listen address to survive, got %q", cfg.Replication.Listen)
		}
	})

	t.Run("invalid toml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "echo.toml")
		if err := os.WriteFile(path, []byte("[peer\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadFrom(path); err == nil {
			t.Fatal("expected parse error")
		}
	})

	t.Run("invalid duration", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "echo.toml")
		if err := os.WriteFile(path, []byte("[peer]\nload_timeout = \"soon\"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadFrom(path); err == nil {
			t.Fatal("expected duration error")
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, false},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, false},
		{"negative timeout", func(c *Config) { c.Peer.LoadTimeout.Duration = -time.Second }, false},
		{"unknown index kind", func(c *Config) { c.Index.Kinds = []string{"VECTOR"} }, false},
		{"field index without field", func(c *Config) { c.Index.Kinds = []string{"FIELD_MATCH"} }, false},
		{"http relay url", func(c *Config) { c.Replication.RelayURL = "http://relay" }, false},
		{"wss relay url", func(c *Config) { c.Replication.RelayURL = "wss://relay.example.com/space" }, true},
		{"relative metrics path", func(c *Config) { c.Replication.MetricsPath = "metrics" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestCreateDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "echo.toml")
	if err := CreateDefault(path); err != nil {
		t.Fatalf("create: %v", err)
	}
	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("default config does not load: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Errorf("expected written defaults to match Default():\n%+v\n%+v", cfg, Default())
	}

	if err := os.WriteFile(path, []byte("[log]\nlevel = \"warn\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := CreateDefault(path); err != nil {
		t.Fatalf("second create: %v", err)
	}
	cfg, err = LoadFrom(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "warn" {
		t.Error("CreateDefault overwrote an existing file")
	}
}

func TestSaveTo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "echo.toml")
	cfg := Default()
	cfg.Storage.Dir = "/srv/echo"
	cfg.Peer.LoadTimeout = Duration{2 * time.Second}
	if err := SaveTo(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(loaded, cfg) {
		t.Errorf("saved config differs:\n%+v\n%+v", loaded, cfg)
	}

	cfg.Log.Level = "loud"
	if err := SaveTo(path, cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected invalid config to be refused, got %v", err)
	}
}
