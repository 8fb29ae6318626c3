package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/framebus/internal/config"
	"github.com/danmuck/framebus/internal/protocol/kind"
	"github.com/danmuck/framebus/internal/testutil/testlog"
	"github.com/danmuck/framebus/internal/transport"
	"github.com/danmuck/framebus/internal/transport/natsbus"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigTemplateMatchesDefaults(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := config.WriteTemplate(path, "daemon", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := DefaultConfig()
	if cfg.ListenAddr != def.ListenAddr || cfg.AdminAddr != def.AdminAddr {
		t.Fatalf("unexpected addrs: %q %q", cfg.ListenAddr, cfg.AdminAddr)
	}
	if cfg.CataloguePath != filepath.Join(dir, "catalogue.toml") {
		t.Fatalf("catalogue not resolved against config dir: %q", cfg.CataloguePath)
	}
	if cfg.Transport.WriteTimeout != 15*time.Second || cfg.Transport.ReadTimeout != 0 {
		t.Fatalf("unexpected timeouts: %+v", cfg.Transport)
	}
	if cfg.Transport.Limits.MaxFrameBytes != transport.DefaultMaxFrameBytes || cfg.Protocol.StreamCapacity != 1000 {
		t.Fatalf("unexpected limits: %+v %+v", cfg.Transport.Limits, cfg.Protocol)
	}
	if cfg.NATS.Enabled() || cfg.NATS.Subject != "framebus.in" || cfg.NATS.ConnectTimeout != 5*time.Second {
		t.Fatalf("unexpected nats config: %+v", cfg.NATS)
	}
	if cfg.Transport.Security.Mode != transport.SecurityModeDevelopment {
		t.Fatalf("unexpected security mode: %q", cfg.Transport.Security.Mode)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
listen_addr = "0.0.0.0:9400"
catalogue = "/etc/framebus/kinds.toml"
strict_ids = true
duplicate_policy = "replace"
max_frame_bytes = 4096
read_timeout = "30s"
close_on_transport_error = true

[nats]
url = "nats://127.0.0.1:4222"
subject = "frames.>"
reply_subject = "frames.out"
queue = "framebusd"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9400" || cfg.AdminAddr != DefaultConfig().AdminAddr {
		t.Fatalf("unexpected addrs: %q %q", cfg.ListenAddr, cfg.AdminAddr)
	}
	if cfg.CataloguePath != "/etc/framebus/kinds.toml" || !cfg.Protocol.StrictIDs || cfg.DuplicatePolicy != kind.PolicyReplace {
		t.Fatalf("unexpected protocol settings: %+v", cfg)
	}
	if cfg.Transport.Limits.MaxFrameBytes != 4096 || cfg.Transport.ReadTimeout != 30*time.Second ||
		!cfg.Transport.CloseOnTransportError || cfg.Transport.WriteTimeout != 15*time.Second {
		t.Fatalf("unexpected transport settings: %+v", cfg.Transport)
	}
	if !cfg.NATS.Enabled() || cfg.NATS.Subject != "frames.>" || cfg.NATS.Queue != "framebusd" {
		t.Fatalf("unexpected nats config: %+v", cfg.NATS)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name    string
		content string
		want    error
	}{
		{name: "policy", content: `duplicate_policy = "ignore"`, want: kind.ErrInvalidEntry},
		{name: "production without tls", content: "[security]\nmode = \"production\"\n", want: transport.ErrTLSRequired},
		{name: "bad mode", content: "[security]\nmode = \"staging\"\n", want: transport.ErrInvalidSecurityMode},
		{name: "unknown key", content: `listen = ":1"`},
		{name: "frame limit", content: `max_frame_bytes = 0`},
		{name: "nats without reply subject", content: "[nats]\nurl = \"nats://127.0.0.1:4222\"\nsubject = \"framebus.in\"\n", want: natsbus.ErrInvalidConfig},
		{name: "nats without subject", content: "[nats]\nurl = \"nats://127.0.0.1:4222\"\nreply_subject = \"framebus.out\"\n", want: natsbus.ErrInvalidConfig},
	}
	for _, tc := range cases {
		_, err := LoadConfig(writeConfig(t, tc.content))
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}
