package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/shanmiteko/snimap/internal/logutil"
)

// ErrConfigInvalid wraps any failure to read or parse the TOML config
// file. The CLI treats this as fatal (process exits nonzero).
var ErrConfigInvalid = errors.New("invalid configuration")

// LoaderOptions controls how configuration is loaded.
type LoaderOptions struct {
	// ConfigPath is the path to a TOML config file. If empty, the
	// platform per-user config directory is used and a default config
	// is written there on first launch (see Load).
	ConfigPath string

	// Logger is used for warning messages (e.g. undecoded keys). If
	// nil, a no-op logger is used.
	Logger *slog.Logger
}

// Load loads configuration with the following precedence:
//
//  1. If ConfigPath is set: read and parse it. Missing file, unreadable
//     file, or invalid TOML is fatal (ErrConfigInvalid).
//  2. If ConfigPath is empty: resolve the platform per-user config
//     directory; if no config.toml exists there yet, write
//     DefaultConfig() and use it; otherwise read the existing file.
//
// Unknown/undecoded TOML keys produce a warning but do not fail the load.
func Load(opts LoaderOptions) (*Config, error) {
	logger := logutil.NoopIfNil(opts.Logger)

	path := opts.ConfigPath
	explicit := path != ""

	if !explicit {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("%w: resolve user config dir: %v", ErrConfigInvalid, err)
		}
		dir = filepath.Join(dir, "snimap")
		path = filepath.Join(dir, "config.toml")

		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			if err := bootstrapDefault(dir, path); err != nil {
				return nil, err
			}
			return DefaultConfig(), nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read config file %s: %v", ErrConfigInvalid, path, err)
	}

	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: parse config file %s: %v", ErrConfigInvalid, path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		logger.Warn("config file contains undecoded keys", "path", path, "keys", keys)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	return &cfg, nil
}

// bootstrapDefault writes DefaultConfig() as TOML to path, creating dir
// if necessary. Mirrors original_source/src/dirs.rs + src/main.rs:
// on first launch, write a default config under the platform config dir
// rather than failing.
func bootstrapDefault(dir, path string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: create config dir %s: %v", ErrConfigInvalid, dir, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: create default config %s: %v", ErrConfigInvalid, path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(DefaultConfig()); err != nil {
		return fmt.Errorf("%w: write default config %s: %v", ErrConfigInvalid, path, err)
	}

	return nil
}

// validate rejects configurations that are syntactically well-formed
// TOML but semantically invalid (a Mapping without a hostname).
func validate(cfg *Config) error {
	for gi, g := range cfg.Groups {
		for mi, m := range g.Mappings {
			if m.Hostname == "" {
				return fmt.Errorf("groups[%d] (%q) mappings[%d]: hostname is required", gi, g.Name, mi)
			}
		}
	}
	return nil
}
