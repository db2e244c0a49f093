package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	SocketPath string `toml:"socket_path"`
	DBPath     string `toml:"db_path"`
	ScratchDir string `toml:"scratch_dir"`

	// Admins is the list of chat sender ids allowed to drive sessions.
	Admins []int64 `toml:"admins"`

	// RenderEnabled toggles the headless-browser screenshot pipeline.
	// When off, pushes carry ANSI-stripped plain text only.
	RenderEnabled bool `toml:"render_enabled"`

	// Timing knobs are flag-tunable only; the TOML file persists operator
	// settings, not cadence tuning.
	DrainInterval      time.Duration `toml:"-"`
	FirstPushDelay     time.Duration `toml:"-"`
	PushCycle          time.Duration `toml:"-"`
	MinPushSpacing     time.Duration `toml:"-"`
	InteractiveEditGap time.Duration `toml:"-"`
	ReapInterval       time.Duration `toml:"-"`
	DoneLifetime       time.Duration `toml:"-"`
}

func DefaultConfig() Config {
	return Config{
		SocketPath:         defaultSocketPath(),
		DBPath:             defaultDBPath(),
		ScratchDir:         defaultScratchDir(),
		RenderEnabled:      true,
		DrainInterval:      100 * time.Millisecond,
		FirstPushDelay:     500 * time.Millisecond,
		PushCycle:          4 * time.Second,
		MinPushSpacing:     1100 * time.Millisecond,
		InteractiveEditGap: 2 * time.Second,
		ReapInterval:       100 * time.Second,
		DoneLifetime:       60 * time.Second,
	}
}

// Load overlays the TOML file at path onto the defaults. A missing file is
// not an error so a bare install runs with defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultFilePath()
	}
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("unknown config keys in %s: %v", path, undecoded)
	}
	return cfg, nil
}

// Save persists cfg, creating the config directory if needed.
func Save(path string, cfg Config) error {
	if path == "" {
		path = DefaultFilePath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open config for write: %w", err)
	}
	defer f.Close() //nolint:errcheck
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

func DefaultFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "termgram.toml"
	}
	return filepath.Join(home, ".config", "termgram", "config.toml")
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "termgram", "termgramd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".termgramd.sock"
	}
	return filepath.Join(home, ".local", "state", "termgram", "termgramd.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "termgram.db"
	}
	return filepath.Join(home, ".local", "state", "termgram", "journal.db")
}

func defaultScratchDir() string {
	return filepath.Join(os.TempDir(), "termgram")
}
