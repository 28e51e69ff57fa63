// Package service wires the conversion queue to its collaborators: the
// snapshot store, the timer service, conversion history, the confirmation
// journal and the tracking matcher. It is the single façade cmd/convqd uses.
//
// All queue calls are funnelled through one loop.Loop; Service methods are
// safe for concurrent use.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/snehjoshi/convq/internal/clock"
	"github.com/snehjoshi/convq/internal/config"
	"github.com/snehjoshi/convq/internal/confirm"
	"github.com/snehjoshi/convq/internal/conversions"
	"github.com/snehjoshi/convq/internal/history"
	"github.com/snehjoshi/convq/internal/ingest"
	"github.com/snehjoshi/convq/internal/loop"
	"github.com/snehjoshi/convq/internal/metrics"
	"github.com/snehjoshi/convq/internal/node"
	"github.com/snehjoshi/convq/internal/storage"
	"github.com/snehjoshi/convq/internal/timer"
	"github.com/snehjoshi/convq/internal/tracking"
	"github.com/snehjoshi/convq/internal/types"
)

// ErrStopped is returned by calls made after Stop.
var ErrStopped = errors.New("service: stopped")

const loopBuffer = 256

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the Service.
type Option func(*Service)

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithMetrics attaches a metrics.Registry.
func WithMetrics(reg *metrics.Registry) Option {
	return func(s *Service) { s.metrics = reg }
}

// WithClock replaces the wall clock used for fire times and history.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithDelay replaces the random delay source of the queue.
func WithDelay(fn func(mean float64) uint64) Option {
	return func(s *Service) { s.delay = fn }
}

// WithBlobs uses blobs instead of opening the configured storage driver.
// The Service takes ownership and closes it on Stop.
func WithBlobs(blobs storage.Blobs) Option {
	return func(s *Service) { s.blobs = blobs }
}

// WithJournalWriter writes confirmations to w instead of the configured
// journal file. The caller keeps ownership of w.
func WithJournalWriter(w io.Writer) Option {
	return func(s *Service) { s.journalW = w }
}

// ─── Service ──────────────────────────────────────────────────────────────────

// Service owns every long-lived convq component.
type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	metrics  *metrics.Registry
	clock    clock.Clock
	delay    func(mean float64) uint64
	blobs    storage.Blobs
	journalW io.Writer

	instance node.ID
	loop     *loop.Loop
	timers   *timer.Service
	store    *storage.Async
	history  *history.Store
	journal  *confirm.Journal
	matcher  *tracking.Matcher
	served   *tracking.ServedLog
	pruner   *history.Pruner
	queue    *conversions.Queue

	cancel  context.CancelFunc
	started bool
}

// New opens every component described by cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Service, err error) {
	s := &Service{
		cfg:   cfg,
		log:   slog.Default(),
		clock: clock.Real{},
	}
	for _, o := range opts {
		o(s)
	}

	// Unwind whatever was opened if a later step fails.
	var closers []io.Closer
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i].Close()
			}
		}
	}()

	s.instance, err = node.Load(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return nil, err
	}

	if s.blobs == nil {
		s.blobs, err = storage.Open(ctx, cfg.StorageOptions())
		if err != nil {
			return nil, err
		}
	}
	closers = append(closers, s.blobs)

	s.history, err = history.Open(cfg.DataPath(cfg.History.Path), s.log)
	if err != nil {
		return nil, err
	}
	closers = append(closers, s.history)

	journalOpts := []confirm.Option{
		confirm.WithInstance(s.instance),
		confirm.WithClock(s.clock),
		confirm.WithLogger(s.log),
	}
	if s.journalW != nil {
		s.journal = confirm.New(s.journalW, journalOpts...)
	} else {
		s.journal, err = confirm.OpenFile(cfg.DataPath(cfg.Conversions.Journal), journalOpts...)
		if err != nil {
			return nil, err
		}
	}
	closers = append(closers, s.journal)

	s.pruner, err = history.NewPruner(s.history, cfg.History.Retention.Std(), cfg.History.PruneSchedule,
		history.WithPrunerClock(s.clock),
		history.WithPrunerMetrics(s.metrics),
		history.WithPrunerLogger(s.log),
	)
	if err != nil {
		return nil, err
	}

	s.matcher = tracking.NewMatcher(cfg.Tracking.Conversions, s.history, s.log)
	s.served = tracking.NewServedLog(cfg.Tracking.ServedCapacity, tracking.MaxWindow(s.matcher.Catalog()))

	s.loop = loop.New(loopBuffer)
	s.timers = timer.New()
	s.store = storage.NewAsync(s.blobs, s.loop.Post)

	qopts := []conversions.Option{
		conversions.WithLogger(s.log),
		conversions.WithMetrics(s.metrics),
		conversions.WithClock(s.clock),
	}
	if s.delay != nil {
		qopts = append(qopts, conversions.WithDelay(s.delay))
	}
	s.queue = conversions.New(conversions.Config{
		StateName:        cfg.Storage.StateName,
		Frequency:        cfg.Conversions.Frequency.Std(),
		ExpiredFrequency: cfg.Conversions.ExpiredFrequency.Std(),
	}, s.store, s.timers, s.journal, s.history, qopts...)

	return s, nil
}

// Instance returns the instance ID stamped on confirmations.
func (s *Service) Instance() node.ID { return s.instance }

// Start runs the loop and timer service, loads the queue snapshot and arms
// the timer for the head. It returns an error wrapping conversions.ErrParse
// if the snapshot is unusable.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.started = true

	s.loop.Start(runCtx)
	s.timers.Start(runCtx, func(id uint32) {
		s.loop.Post(func() { s.queue.OnTimer(id) })
	})

	ready := make(chan error, 1)
	if !s.loop.Post(func() {
		s.queue.Initialize(func(err error) { ready <- err })
	}) {
		return ErrStopped
	}

	select {
	case err := <-ready:
		if err != nil {
			return fmt.Errorf("service: load conversion queue: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	if !s.loop.Do(s.queue.ProcessQueue) {
		return ErrStopped
	}
	s.pruner.Start()
	s.log.Info("conversion queue ready", "instance", s.instance)
	return nil
}

// Stop cancels the outstanding timer, flushes pending saves and closes
// every component. It is safe to call after a failed Start, or without
// Start. Call it once.
func (s *Service) Stop() error {
	s.pruner.Stop()
	if s.started {
		s.loop.Do(s.queue.StopTimer)
	}
	s.timers.Stop()

	// Pending saves complete before the store closes.
	errs := []error{s.store.Close()}
	s.loop.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	errs = append(errs, s.journal.Close(), s.history.Close())
	return errors.Join(errs...)
}

// ─── Queue operations ─────────────────────────────────────────────────────────

// Add queues a conversion.
func (s *Service) Add(creativeSetID, subjectID string) error {
	var err error
	if !s.loop.Do(func() { err = s.queue.Add(creativeSetID, subjectID) }) {
		return ErrStopped
	}
	return err
}

// Remove drops the pending conversion for subjectID.
func (s *Service) Remove(subjectID string) (bool, error) {
	var removed bool
	if !s.loop.Do(func() { removed = s.queue.Remove(subjectID) }) {
		return false, ErrStopped
	}
	return removed, nil
}

// Entries returns the pending conversions in fire order.
func (s *Service) Entries() ([]types.QueueEntry, error) {
	var out []types.QueueEntry
	if !s.loop.Do(func() { out = s.queue.Entries() }) {
		return nil, ErrStopped
	}
	return out, nil
}

// ─── Events ───────────────────────────────────────────────────────────────────

// HandleEvent applies one ingested event. It is an ingest.Handler.
func (s *Service) HandleEvent(_ context.Context, ev ingest.Event) error {
	switch ev.Type {
	case ingest.TypeConversion:
		return s.Add(ev.CreativeSetID, ev.SubjectID)

	case ingest.TypeServed:
		s.served.Record(tracking.ServedAd{
			CreativeSetID: ev.CreativeSetID,
			SubjectID:     ev.SubjectID,
			ServedAt:      clock.NowInSeconds(s.clock),
		})
		return nil

	case ingest.TypeVisit:
		matches := s.matcher.Match(ev.URL, s.served.Ads(), clock.NowInSeconds(s.clock))
		var errs []error
		for _, ad := range matches {
			s.log.Info("visit converted served ad",
				"url", ev.URL, "creative_set_id", ad.CreativeSetID, "subject_id", ad.SubjectID)
			if err := s.Add(ad.CreativeSetID, ad.SubjectID); err != nil {
				errs = append(errs, err)
				continue
			}
			s.served.Forget(ad.SubjectID)
		}
		return errors.Join(errs...)
	}
	return fmt.Errorf("%w: unknown type %q", ingest.ErrInvalidEvent, ev.Type)
}
