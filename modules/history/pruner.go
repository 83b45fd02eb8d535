package history

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
)

// Config holds maintenance scheduling knobs.
type Config struct {
	// PruneInterval is how often retention pruning and the stale-write sweep
	// run. Wall-clock scheduled so maintenance stays off the tick path
	// entirely.
	PruneInterval time.Duration `yaml:"prune_interval"`
	// StaleWriteTTL expires write requests that no tick could deliver, e.g.
	// because their device never reconnected.
	StaleWriteTTL time.Duration `yaml:"stale_write_ttl"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.PruneInterval = time.Minute
	cfg.StaleWriteTTL = time.Hour

	f.DurationVar(&cfg.PruneInterval, prefix+"history.prune-interval", cfg.PruneInterval, "How often history retention pruning runs.")
	f.DurationVar(&cfg.StaleWriteTTL, prefix+"history.stale-write-ttl", cfg.StaleWriteTTL, "Age after which undeliverable write requests are expired.")
}

func (cfg *Config) Validate() error {
	if cfg.PruneInterval <= 0 {
		return fmt.Errorf("history prune interval must be positive")
	}
	if cfg.StaleWriteTTL <= 0 {
		return fmt.Errorf("history stale write TTL must be positive")
	}
	return nil
}

// MaintenanceStore is the slice of the record store the pruner drives.
type MaintenanceStore interface {
	PruneHistory(ctx context.Context, now time.Time) (int64, error)
	SweepStaleWrites(ctx context.Context, olderThan time.Time) (int64, error)
}

// Pruner periodically converges history retention and expires stale writes.
type Pruner struct {
	services.Service

	cfg    Config
	store  MaintenanceStore
	logger log.Logger
	sched  gocron.Scheduler
}

func NewPruner(cfg Config, store MaintenanceStore, logger log.Logger) (*Pruner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pruner{cfg: cfg, store: store, logger: logger}
	p.Service = services.NewIdleService(p.starting, p.stopping)
	return p, nil
}

func (p *Pruner) starting(_ context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create maintenance scheduler: %w", err)
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(p.cfg.PruneInterval),
		gocron.NewTask(p.run),
	); err != nil {
		return fmt.Errorf("schedule maintenance job: %w", err)
	}
	p.sched = sched
	sched.Start()
	level.Info(p.logger).Log("msg", "history maintenance scheduled", "interval", p.cfg.PruneInterval)
	return nil
}

func (p *Pruner) stopping(_ error) error {
	if p.sched == nil {
		return nil
	}
	return p.sched.Shutdown()
}

func (p *Pruner) run() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PruneInterval)
	defer cancel()

	now := time.Now()
	pruned, err := p.store.PruneHistory(ctx, now)
	if err != nil {
		level.Error(p.logger).Log("msg", "history pruning failed", "err", err)
	}
	swept, err := p.store.SweepStaleWrites(ctx, now.Add(-p.cfg.StaleWriteTTL))
	if err != nil {
		level.Error(p.logger).Log("msg", "stale write sweep failed", "err", err)
	}
	if pruned > 0 || swept > 0 {
		level.Info(p.logger).Log("msg", "maintenance pass done", "history_pruned", pruned, "writes_expired", swept)
	}
}
