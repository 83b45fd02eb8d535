package poller

import (
	"flag"
	"fmt"
	"time"

	"github.com/fieldgate/fieldgate/pkg/blockplan"
)

// Config tunes the tick scheduler, the block planner and the per-device
// connection supervisor.
type Config struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	// OpTimeout bounds each transport operation; devices may override it.
	OpTimeout time.Duration `yaml:"op_timeout"`

	BlockMaxGap      int `yaml:"block_max_gap"`
	BlockMaxSize     int `yaml:"block_max_size"`
	CoilBlockMaxGap  int `yaml:"coil_block_max_gap"`
	CoilBlockMaxSize int `yaml:"coil_block_max_size"`

	ConnectBackoffBase time.Duration `yaml:"connect_backoff_base"`
	ConnectBackoffMax  time.Duration `yaml:"connect_backoff_max"`

	MaxConcurrentDevices int `yaml:"max_concurrent_devices"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.PollInterval = 250 * time.Millisecond
	cfg.OpTimeout = time.Second

	limits := blockplan.DefaultLimits()
	cfg.BlockMaxGap = limits.RegisterMaxGap
	cfg.BlockMaxSize = limits.RegisterMaxSize
	cfg.CoilBlockMaxGap = limits.BitMaxGap
	cfg.CoilBlockMaxSize = limits.BitMaxSize

	cfg.ConnectBackoffBase = 2 * time.Second
	cfg.ConnectBackoffMax = 60 * time.Second
	cfg.MaxConcurrentDevices = 64

	f.DurationVar(&cfg.PollInterval, prefix+"poller.poll-interval", cfg.PollInterval, "Nominal interval between polling ticks.")
	f.DurationVar(&cfg.OpTimeout, prefix+"poller.op-timeout", cfg.OpTimeout, "Per-operation fieldbus deadline.")
	f.IntVar(&cfg.BlockMaxGap, prefix+"poller.block-max-gap", cfg.BlockMaxGap, "Largest dead-register gap a read block may bridge.")
	f.IntVar(&cfg.BlockMaxSize, prefix+"poller.block-max-size", cfg.BlockMaxSize, "Largest register read block, in words.")
	f.IntVar(&cfg.CoilBlockMaxGap, prefix+"poller.coil-block-max-gap", cfg.CoilBlockMaxGap, "Largest dead-coil gap a read block may bridge.")
	f.IntVar(&cfg.CoilBlockMaxSize, prefix+"poller.coil-block-max-size", cfg.CoilBlockMaxSize, "Largest coil read block, in bits.")
	f.DurationVar(&cfg.ConnectBackoffBase, prefix+"poller.connect-backoff-base", cfg.ConnectBackoffBase, "First reconnect delay after a connect failure.")
	f.DurationVar(&cfg.ConnectBackoffMax, prefix+"poller.connect-backoff-max", cfg.ConnectBackoffMax, "Reconnect delay cap.")
	f.IntVar(&cfg.MaxConcurrentDevices, prefix+"poller.max-concurrent-devices", cfg.MaxConcurrentDevices, "Devices polled in parallel within one tick.")
}

func (cfg *Config) Validate() error {
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if cfg.OpTimeout <= 0 {
		return fmt.Errorf("op timeout must be positive")
	}
	if cfg.BlockMaxGap < 0 || cfg.CoilBlockMaxGap < 0 {
		return fmt.Errorf("block gaps must not be negative")
	}
	if cfg.BlockMaxSize < 1 || cfg.CoilBlockMaxSize < 1 {
		return fmt.Errorf("block sizes must be at least 1")
	}
	if cfg.ConnectBackoffBase <= 0 || cfg.ConnectBackoffMax < cfg.ConnectBackoffBase {
		return fmt.Errorf("connect backoff must satisfy 0 < base <= max")
	}
	if cfg.MaxConcurrentDevices < 1 {
		return fmt.Errorf("max concurrent devices must be at least 1")
	}
	return nil
}

// Limits renders the planner knobs.
func (cfg *Config) Limits() blockplan.Limits {
	return blockplan.Limits{
		RegisterMaxGap:  cfg.BlockMaxGap,
		RegisterMaxSize: cfg.BlockMaxSize,
		BitMaxGap:       cfg.CoilBlockMaxGap,
		BitMaxSize:      cfg.CoilBlockMaxSize,
	}
}
