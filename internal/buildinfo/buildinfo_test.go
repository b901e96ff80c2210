package buildinfo

import "testing"

func TestInfoString(t *testing.T) {
	tests := []struct {
		info Info
		want string
	}{
		{Info{Version: "v1.2.0"}, "v1.2.0"},
		{Info{Version: "v1.2.0", Commit: "0123456789abcdef", Date: "2026-01-02"}, "v1.2.0 (0123456789ab, 2026-01-02)"},
		{Info{Version: "dev", Commit: "abc", GoVersion: "go1.24.0"}, "dev (abc) go1.24.0"},
	}
	for _, tt := range tests {
		if got := tt.info.String(); got != tt.want {
			t.Errorf("expected %q, got %q", tt.want, got)
		}
	}
}

func TestReadPrefersStampedValues(t *testing.T) {
	old := Version
	Version = "v9.9.9"
	defer func() { Version = old }()
	if got := Read().Version; got != "v9.9.9" {
		t.Errorf("expected stamped version, got %q", got)
	}
}
