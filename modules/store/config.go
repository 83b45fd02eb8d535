package store

import (
	"flag"
	"fmt"
	"time"
)

// Config holds record store settings.
type Config struct {
	// Path is the SQLite database file, or ":memory:" for tests.
	Path string `yaml:"path"`
	// BusyTimeout is how long SQLite waits on a locked database before
	// giving up.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Path = "fieldgate.db"
	cfg.BusyTimeout = 5 * time.Second

	f.StringVar(&cfg.Path, prefix+"store.path", cfg.Path, "Path to the SQLite database file.")
	f.DurationVar(&cfg.BusyTimeout, prefix+"store.busy-timeout", cfg.BusyTimeout, "SQLite busy timeout.")
}

func (cfg *Config) Validate() error {
	if cfg.Path == "" {
		return fmt.Errorf("store path must not be empty")
	}
	if cfg.BusyTimeout < 0 {
		return fmt.Errorf("store busy timeout must not be negative")
	}
	return nil
}
