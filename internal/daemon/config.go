package daemon

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/framebus/internal/protocol/kind"
	"github.com/danmuck/framebus/internal/transport"
	"github.com/danmuck/framebus/internal/transport/natsbus"
)

// config.toml key mapping to daemon settings.
type fileConfig struct {
	ListenAddr            string             `toml:"listen_addr"`
	AdminAddr             string             `toml:"admin_addr"`
	AdminToken            string             `toml:"admin_token"`
	CORSOrigins           []string           `toml:"cors_origins"`
	Catalogue             string             `toml:"catalogue"`
	StrictIDs             bool               `toml:"strict_ids"`
	DuplicatePolicy       string             `toml:"duplicate_policy"`
	MaxFrameBytes         int                `toml:"max_frame_bytes"`
	StreamCapacity        int                `toml:"stream_capacity"`
	ReadTimeout           time.Duration      `toml:"read_timeout"`
	WriteTimeout          time.Duration      `toml:"write_timeout"`
	CloseOnTransportError bool               `toml:"close_on_transport_error"`
	Security              transport.Security `toml:"security"`
	NATS                  natsbus.Config     `toml:"nats"`
}

// LoadConfig overlays path on DefaultConfig. Keys absent from the
// file keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load framebusd config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load framebusd config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("catalogue") {
		cfg.CataloguePath = resolveRelative(path, raw.Catalogue)
	}
	if meta.IsDefined("strict_ids") {
		cfg.Protocol.StrictIDs = raw.StrictIDs
	}
	if meta.IsDefined("duplicate_policy") {
		policy, err := kind.ParsePolicy(raw.DuplicatePolicy)
		if err != nil {
			return Config{}, fmt.Errorf("load framebusd config: %w", err)
		}
		cfg.DuplicatePolicy = policy
	}
	if meta.IsDefined("max_frame_bytes") {
		if raw.MaxFrameBytes <= 0 {
			return Config{}, fmt.Errorf("load framebusd config: max_frame_bytes must be positive")
		}
		cfg.Transport.Limits.MaxFrameBytes = raw.MaxFrameBytes
	}
	if meta.IsDefined("stream_capacity") {
		if raw.StreamCapacity <= 0 {
			return Config{}, fmt.Errorf("load framebusd config: stream_capacity must be positive")
		}
		cfg.Protocol.StreamCapacity = raw.StreamCapacity
	}
	if meta.IsDefined("read_timeout") {
		cfg.Transport.ReadTimeout = raw.ReadTimeout
	}
	if meta.IsDefined("write_timeout") {
		cfg.Transport.WriteTimeout = raw.WriteTimeout
	}
	if meta.IsDefined("close_on_transport_error") {
		cfg.Transport.CloseOnTransportError = raw.CloseOnTransportError
	}
	if meta.IsDefined("security") {
		cfg.Transport.Security = raw.Security
		cfg.Transport.Security.Mode = transport.NormalizeSecurityMode(raw.Security.Mode)
	}
	if meta.IsDefined("nats") {
		cfg.NATS = raw.NATS
	}
	if err := cfg.NATS.Validate(); err != nil {
		return Config{}, fmt.Errorf("load framebusd config: %w", err)
	}

	if err := cfg.Transport.Security.ValidateServer(); err != nil {
		return Config{}, fmt.Errorf("load framebusd config: %w", err)
	}
	return cfg, nil
}

// resolveRelative resolves target against the directory of the config file.
func resolveRelative(configPath, target string) string {
	target = strings.TrimSpace(target)
	if target == "" || filepath.IsAbs(target) {
		return target
	}
	return filepath.Join(filepath.Dir(configPath), target)
}
