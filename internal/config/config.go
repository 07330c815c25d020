// Package config resolves the daemon socket path and the runtime limits
// shared by the daemon and proxy commands. The resolution order and the
// optional YAML overlay are grounded on the teacher's project-config
// loader (internal/daemon/project.go's loadProject/loadInRepoConfig): parse
// into a struct, then overlay only the fields the file actually sets,
// leaving the flag/default values in place for anything it omits.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultMaxSize is the maximum clipboard payload size in bytes (spec.md §3).
	DefaultMaxSize uint64 = 10 << 20 // 10 MiB

	// DefaultIOTimeoutMS bounds every blocking socket operation.
	DefaultIOTimeoutMS uint64 = 7000

	// DefaultResyncScanCap bounds how many leading bytes the proxy's resync
	// reader will discard before giving up on finding a frame.
	DefaultResyncScanCap = 4096
)

// Config holds the values every daemon/proxy invocation needs. Zero values
// are never valid configuration; Resolve always returns one fully populated
// from flags, then file, then built-in defaults, in that precedence order.
type Config struct {
	SocketPath    string `yaml:"socket_path"`
	MaxSize       uint64 `yaml:"max_size"`
	IOTimeoutMS   uint64 `yaml:"io_timeout_ms"`
	ResyncScanCap int    `yaml:"resync_scan_cap"`
}

// fileOverlay is unmarshaled from YAML separately from Config so zero values
// in the file (an absent key) never clobber a flag the caller already set;
// only keys actually present get applied.
type fileOverlay struct {
	SocketPath    *string `yaml:"socket_path"`
	MaxSize       *uint64 `yaml:"max_size"`
	IOTimeoutMS   *uint64 `yaml:"io_timeout_ms"`
	ResyncScanCap *int    `yaml:"resync_scan_cap"`
}

// DefaultSocketPath resolves the per-user socket location: XDG_RUNTIME_DIR
// if set, else TMPDIR, else /tmp, suffixed with a uid-scoped directory so
// concurrent users never collide on the same path.
func DefaultSocketPath() string {
	uid := os.Getuid()
	base := os.Getenv("XDG_RUNTIME_DIR")
	if base == "" {
		base = os.Getenv("TMPDIR")
	}
	if base == "" {
		base = "/tmp"
	}
	return filepath.Join(base, fmt.Sprintf("ssh_clipboard-%d", uid), "daemon.sock")
}

// Resolve builds a Config starting from built-in defaults, overlaying
// configPath's contents (if non-empty and present), then overlaying any
// non-zero fields in flagOverrides last, so explicit flags always win.
func Resolve(configPath string, flagOverrides Config) (Config, error) {
	cfg := Config{
		SocketPath:    DefaultSocketPath(),
		MaxSize:       DefaultMaxSize,
		IOTimeoutMS:   DefaultIOTimeoutMS,
		ResyncScanCap: DefaultResyncScanCap,
	}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		} else {
			var overlay fileOverlay
			if err := yaml.Unmarshal(data, &overlay); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", configPath, err)
			}
			applyOverlay(&cfg, overlay)
		}
	}

	if flagOverrides.SocketPath != "" {
		cfg.SocketPath = flagOverrides.SocketPath
	}
	if flagOverrides.MaxSize != 0 {
		cfg.MaxSize = flagOverrides.MaxSize
	}
	if flagOverrides.IOTimeoutMS != 0 {
		cfg.IOTimeoutMS = flagOverrides.IOTimeoutMS
	}
	if flagOverrides.ResyncScanCap != 0 {
		cfg.ResyncScanCap = flagOverrides.ResyncScanCap
	}

	return cfg, nil
}

func applyOverlay(cfg *Config, o fileOverlay) {
	if o.SocketPath != nil {
		cfg.SocketPath = *o.SocketPath
	}
	if o.MaxSize != nil {
		cfg.MaxSize = *o.MaxSize
	}
	if o.IOTimeoutMS != nil {
		cfg.IOTimeoutMS = *o.IOTimeoutMS
	}
	if o.ResyncScanCap != nil {
		cfg.ResyncScanCap = *o.ResyncScanCap
	}
}
