package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/framebus/internal/daemon"
	"github.com/danmuck/framebus/internal/testutil/testlog"
)

func TestResolveConfigFlagsOverrideFile(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `listen_addr = "127.0.0.1:9000"`)
	cfg, err := resolveConfig(options{Config: path, Listen: "127.0.0.1:9100", Admin: "off", Catalogue: "kinds.toml"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9100" || cfg.AdminAddr != "" || cfg.CataloguePath != "kinds.toml" {
		t.Fatalf("flags not applied: %+v", cfg)
	}

	cfg, err = resolveConfig(options{})
	if err != nil || cfg.ListenAddr != daemon.DefaultConfig().ListenAddr {
		t.Fatalf("defaults expected without a config file: %+v err=%v", cfg, err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
