package history

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/snehjoshi/convq/internal/clock"
	"github.com/snehjoshi/convq/internal/metrics"
)

// DefaultPruneSchedule runs retention pruning daily at 03:00.
const DefaultPruneSchedule = "0 3 * * *"

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether spec is a usable cron expression.
func ValidateSchedule(spec string) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("history: invalid prune schedule %q: %w", spec, err)
	}
	return nil
}

// Pruner deletes history older than the retention window on a cron schedule.
type Pruner struct {
	store     *Store
	retention time.Duration
	clock     clock.Clock
	metrics   *metrics.Registry
	log       *slog.Logger

	c *cron.Cron
}

// PrunerOption configures a Pruner.
type PrunerOption func(*Pruner)

// WithPrunerClock replaces the wall clock.
func WithPrunerClock(c clock.Clock) PrunerOption {
	return func(p *Pruner) { p.clock = c }
}

// WithPrunerMetrics attaches a metrics.Registry.
func WithPrunerMetrics(reg *metrics.Registry) PrunerOption {
	return func(p *Pruner) { p.metrics = reg }
}

// WithPrunerLogger sets the logger.
func WithPrunerLogger(l *slog.Logger) PrunerOption {
	return func(p *Pruner) { p.log = l }
}

// NewPruner builds a Pruner running on schedule. It does not start it.
func NewPruner(store *Store, retention time.Duration, schedule string, opts ...PrunerOption) (*Pruner, error) {
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("history: invalid prune schedule %q: %w", schedule, err)
	}

	p := &Pruner{
		store:     store,
		retention: retention,
		clock:     clock.Real{},
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}

	p.c = cron.New(cron.WithParser(cronParser))
	p.c.Schedule(sched, cron.FuncJob(func() { _, _ = p.RunOnce() }))
	return p, nil
}

// Start begins running the schedule in the background.
func (p *Pruner) Start() {
	p.c.Start()
	p.log.Info("history pruner started", "retention", p.retention)
}

// Stop halts the schedule and waits for a running prune to finish.
func (p *Pruner) Stop() {
	<-p.c.Stop().Done()
}

// RunOnce prunes everything older than now minus the retention window.
func (p *Pruner) RunOnce() (int, error) {
	now := clock.NowInSeconds(p.clock)
	keep := uint64(p.retention / time.Second)
	var cutoff uint64
	if now > keep {
		cutoff = now - keep
	}

	n, err := p.store.Prune(cutoff)
	if err != nil {
		p.log.Error("history prune failed", "err", err)
		return 0, err
	}
	if p.metrics != nil {
		p.metrics.HistoryPruned.Add(float64(n))
	}
	return n, nil
}
