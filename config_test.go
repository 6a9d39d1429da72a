package consoled

import (
	"path/filepath"
	"testing"
)

func TestConfigValidateDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{ConsoleID: "host0"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.SocketDir != DefaultSocketDir {
		t.Fatalf("socket dir = %q", cfg.SocketDir)
	}
	if cfg.BufferSize != DefaultBufferSize {
		t.Fatalf("buffer size = %d", cfg.BufferSize)
	}
	if got, want := cfg.ResolvedSocketPath(), filepath.Join(DefaultSocketDir, "host0.sock"); got != want {
		t.Fatalf("socket path = %q, want %q", got, want)
	}
}

func TestConfigValidateRejectsBadInput(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing console id", Config{}},
		{"separator in id", Config{ConsoleID: "a/b"}},
		{"tiny buffer", Config{ConsoleID: "x", BufferSize: 16}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := tc.cfg
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestConfigExplicitSocketPathWins(t *testing.T) {
	t.Parallel()

	cfg := Config{SocketPath: "/tmp/any.sock"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got := cfg.ResolvedSocketPath(); got != "/tmp/any.sock" {
		t.Fatalf("socket path = %q", got)
	}
}
