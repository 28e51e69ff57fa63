// Package conversions implements the delayed, persisted conversion
// confirmation queue.
//
// Conversions are not confirmed the moment they are observed. Each one is
// given a randomized fire time, kept in a queue sorted by that time, and
// persisted as a JSON snapshot so it survives a restart. A single timer is
// armed for the head of the queue; when it fires the head is confirmed,
// removed, and the timer is re-armed for the next entry.
//
// Design rules:
//   - Queue is not safe for concurrent use. Every method, and every Store and
//     TimerService completion, must run on one logical thread (see
//     internal/loop).
//   - At most one timer is outstanding, and it belongs to the current head.
//   - Saves are best effort; the in-memory queue is the source of truth until
//     the next successful save.
package conversions

import (
	"errors"
	"log/slog"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/snehjoshi/convq/internal/clock"
	"github.com/snehjoshi/convq/internal/metrics"
	"github.com/snehjoshi/convq/internal/random"
	"github.com/snehjoshi/convq/internal/storage"
	"github.com/snehjoshi/convq/internal/types"
)

// ErrNotInitialized is returned by Add before Initialize has completed.
var ErrNotInitialized = errors.New("conversions: queue not initialized")

// noTimer is the handle value meaning "no timer outstanding". TimerService
// implementations never return it for a successful schedule.
const noTimer uint32 = 0

// ─── Collaborators ────────────────────────────────────────────────────────────

// Store is the asynchronous blob store holding the snapshot. Completions must
// be delivered on the queue's logical thread.
type Store interface {
	Load(key string, cb func(data []byte, err error))
	Save(key string, data []byte, cb func(err error))
}

// TimerService arms one-shot wake-ups. Schedule returns 0 on failure. The
// owner routes each fired handle to Queue.OnTimer.
type TimerService interface {
	Schedule(d time.Duration) uint32
	Cancel(id uint32) bool
}

// Confirmer is notified once per fired entry.
type Confirmer interface {
	Confirm(subjectID, creativeSetID string, kind types.ConfirmationType)
}

// HistoryRecorder records that a conversion was observed.
type HistoryRecorder interface {
	AppendTimestamp(subjectID, creativeSetID string, epochSeconds uint64) error
}

// The queue only borrows its collaborators; the caller keeps them alive for
// at least as long as the queue, and calls StopTimer before dropping it.

// ─── Config / options ─────────────────────────────────────────────────────────

// Config holds the queue's tunables.
type Config struct {
	// StateName is the Store key the snapshot is kept under.
	StateName string

	// Frequency is the mean confirmation delay for newly added conversions.
	Frequency time.Duration

	// ExpiredFrequency is the mean delay used when the head is already
	// overdue, typically after the process has been down for a while.
	ExpiredFrequency time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		StateName:        "ad_conversions.json",
		Frequency:        24 * time.Hour,
		ExpiredFrequency: 5 * time.Minute,
	}
}

// Option is a functional option for New.
type Option func(*Queue)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithMetrics attaches a metrics.Registry.
func WithMetrics(reg *metrics.Registry) Option {
	return func(q *Queue) { q.metrics = reg }
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithDelay replaces the random delay source. fn receives a mean in seconds
// and returns a delay in seconds.
func WithDelay(fn func(mean float64) uint64) Option {
	return func(q *Queue) { q.delay = fn }
}

// ─── Queue ────────────────────────────────────────────────────────────────────

// Queue is the conversion confirmation queue.
type Queue struct {
	cfg     Config
	store   Store
	timers  TimerService
	confirm Confirmer
	history HistoryRecorder

	log     *slog.Logger
	metrics *metrics.Registry
	clock   clock.Clock
	delay   func(mean float64) uint64

	entries     []types.QueueEntry // sorted ascending by FireAt, stable
	timer       uint32
	initialized bool
	onReady     func(error)
}

// New returns an uninitialized Queue. Call Initialize before anything else.
func New(cfg Config, store Store, timers TimerService, confirm Confirmer, history HistoryRecorder, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.StateName == "" {
		cfg.StateName = def.StateName
	}
	if cfg.Frequency <= 0 {
		cfg.Frequency = def.Frequency
	}
	if cfg.ExpiredFrequency <= 0 {
		cfg.ExpiredFrequency = def.ExpiredFrequency
	}

	q := &Queue{
		cfg:     cfg,
		store:   store,
		timers:  timers,
		confirm: confirm,
		history: history,
		log:     slog.Default(),
		clock:   clock.Real{},
		delay:   random.Geometric,
	}
	for _, o := range opts {
		o(q)
	}
	if q.log == nil {
		q.log = slog.Default()
	}
	return q
}

// Initialize loads the snapshot and calls onReady when done. onReady receives
// nil when the queue is usable: either the snapshot loaded, or there was
// nothing to load and the queue starts empty. It receives an error wrapping
// ErrParse when the snapshot exists but is structurally unusable; the queue
// is still marked initialized, and starts empty.
//
// No timer is armed; call ProcessQueue once onReady reports success.
func (q *Queue) Initialize(onReady func(error)) {
	q.onReady = onReady
	q.log.Info("loading conversion queue state", "state", q.cfg.StateName)
	q.store.Load(q.cfg.StateName, q.onLoaded)
}

func (q *Queue) onLoaded(data []byte, err error) {
	if err != nil {
		result := metrics.ResultFailed
		if errors.Is(err, storage.ErrNotFound) {
			result = metrics.ResultNotFound
		}
		q.countLoad(result)
		q.log.Info("failed to load state, resetting", "state", q.cfg.StateName, "err", err)

		q.entries = nil
		q.initialized = true
		q.setDepth()
		q.ready(nil)
		return
	}

	entries, err := Parse(data, q.log)
	if err != nil {
		q.countLoad(metrics.ResultCorrupt)
		q.log.Error("failed to parse state", "state", q.cfg.StateName, "err", err)

		q.entries = nil
		q.initialized = true
		q.setDepth()
		q.ready(err)
		return
	}

	q.countLoad(metrics.ResultOK)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].FireAt < entries[j].FireAt })
	q.entries = entries
	q.initialized = true
	q.setDepth()
	q.log.Info("loaded conversion queue state", "entries", len(entries))

	// Rewrite so legacy encodings do not outlive one load.
	q.save()
	q.ready(nil)
}

func (q *Queue) ready(err error) {
	if q.onReady == nil {
		return
	}
	cb := q.onReady
	q.onReady = nil
	cb(err)
}

// Add schedules a conversion of subjectID for creativeSetID at a randomized
// future time, persists the queue and makes sure a timer is armed for the
// head.
func (q *Queue) Add(creativeSetID, subjectID string) error {
	if !q.initialized {
		q.log.Warn("add before initialization", "creative_set_id", creativeSetID, "subject_id", subjectID)
		return ErrNotInitialized
	}

	now := clock.NowInSeconds(q.clock)
	if q.history != nil {
		if err := q.history.AppendTimestamp(subjectID, creativeSetID, now); err != nil {
			q.log.Warn("failed to record conversion history",
				"creative_set_id", creativeSetID, "subject_id", subjectID, "err", err)
		}
	}

	delay := q.delay(q.cfg.Frequency.Seconds())
	entry := types.QueueEntry{
		FireAt:        saturatingAdd(now, delay),
		CreativeSetID: creativeSetID,
		SubjectID:     subjectID,
	}

	// Insert after any entries with the same fire time, which is where a
	// stable sort of an append would put it.
	idx := sort.Search(len(q.entries), func(i int) bool { return q.entries[i].FireAt > entry.FireAt })
	q.entries = slices.Insert(q.entries, idx, entry)

	if q.metrics != nil {
		q.metrics.ConversionsAdded.Inc()
	}
	q.setDepth()
	q.log.Info("added conversion",
		"creative_set_id", creativeSetID, "subject_id", subjectID,
		"fire_at", entry.FireAt, "delay_s", delay)

	q.save()

	switch {
	case q.timer == noTimer:
		q.ProcessQueue()
	case idx == 0:
		// The armed timer belongs to the previous head.
		q.StopTimer()
		q.ProcessQueue()
	}
	return nil
}

// ProcessQueue arms a timer for the head of the queue. It does nothing when
// the queue is empty.
func (q *Queue) ProcessQueue() {
	if !q.initialized {
		q.log.Warn("process queue before initialization")
		return
	}
	if len(q.entries) == 0 {
		q.log.Info("conversion queue is empty")
		return
	}
	q.StartTimer(q.entries[0])
}

// StartTimer arms the single timer for entry. Any timer already outstanding
// is cancelled first.
//
// An overdue entry is not fired immediately; it gets a fresh random delay
// drawn with the expired mean. If the timer service refuses, the queue stays
// idle and the entry is kept for the next ProcessQueue.
func (q *Queue) StartTimer(entry types.QueueEntry) {
	if !q.initialized {
		q.log.Warn("start timer before initialization")
		return
	}
	if q.timer != noTimer {
		q.StopTimer()
	}

	now := clock.NowInSeconds(q.clock)
	var delay uint64
	if entry.IsOverdue(now) {
		delay = q.delay(q.cfg.ExpiredFrequency.Seconds())
	} else {
		delay = entry.FireAt - now
	}

	id := q.timers.Schedule(secondsToDuration(delay))
	if id == noTimer {
		if q.metrics != nil {
			q.metrics.TimerScheduleFailures.Inc()
		}
		q.log.Error("failed to start timer",
			"subject_id", entry.SubjectID, "creative_set_id", entry.CreativeSetID, "delay_s", delay)
		return
	}

	q.timer = id
	q.log.Info("started timer",
		"timer", id, "subject_id", entry.SubjectID, "creative_set_id", entry.CreativeSetID,
		"fire_at", clock.FromSeconds(saturatingAdd(now, delay)).Format(time.RFC3339), "delay_s", delay)
}

// OnTimer handles a fired timer. It reports false, changing nothing, if id is
// not the outstanding timer.
func (q *Queue) OnTimer(id uint32) bool {
	if id == noTimer || id != q.timer {
		if q.metrics != nil {
			q.metrics.StaleTimers.Inc()
		}
		q.log.Debug("stale timer ignored", "timer", id, "current", q.timer)
		return false
	}
	q.timer = noTimer

	if len(q.entries) == 0 {
		// The armed head was removed before the timer fired.
		q.log.Info("timer fired with empty conversion queue", "timer", id)
		return true
	}

	q.ProcessQueueItem(q.entries[0])
	return true
}

// ProcessQueueItem confirms entry, removes it and arms the timer for the next
// head.
func (q *Queue) ProcessQueueItem(entry types.QueueEntry) {
	q.log.Info("conversion fired",
		"subject_id", entry.SubjectID, "creative_set_id", entry.CreativeSetID, "fire_at", entry.FireAt)

	if q.confirm != nil {
		q.confirm.Confirm(entry.SubjectID, entry.CreativeSetID, types.ConfirmationConversion)
	}
	if q.metrics != nil {
		q.metrics.ConversionsConfirmed.Inc()
	}

	q.remove(entry.SubjectID)
	q.ProcessQueue()
}

// Remove drops the first pending entry for subjectID and persists the queue.
// It reports false, leaving the queue untouched, if there is no such entry.
//
// Removing the armed head re-arms the timer for the new head. When the queue
// becomes empty the outstanding timer is left to fire as a no-op. If no timer
// was armed, for instance after a scheduling failure, the queue is processed
// again.
func (q *Queue) Remove(subjectID string) bool {
	if !q.initialized {
		q.log.Warn("remove before initialization", "subject_id", subjectID)
		return false
	}

	idx, ok := q.remove(subjectID)
	if !ok {
		return false
	}

	switch {
	case len(q.entries) == 0:
		// Any armed timer is left to fire as a no-op.
	case q.timer == noTimer:
		q.ProcessQueue()
	case idx == 0:
		q.StopTimer()
		q.ProcessQueue()
	}
	return true
}

// remove deletes the first entry for subjectID without touching the timer.
func (q *Queue) remove(subjectID string) (int, bool) {
	idx := slices.IndexFunc(q.entries, func(e types.QueueEntry) bool { return e.SubjectID == subjectID })
	if idx < 0 {
		q.log.Debug("conversion not queued", "subject_id", subjectID)
		return -1, false
	}

	q.entries = slices.Delete(q.entries, idx, idx+1)
	if q.metrics != nil {
		q.metrics.ConversionsRemoved.Inc()
	}
	q.setDepth()
	q.log.Info("removed conversion", "subject_id", subjectID, "remaining", len(q.entries))

	q.save()
	return idx, true
}

// StopTimer cancels the outstanding timer, if any. Call it before dropping
// the queue so no callback reaches it afterwards.
func (q *Queue) StopTimer() {
	if q.timer == noTimer {
		return
	}
	q.timers.Cancel(q.timer)
	q.log.Info("stopped timer", "timer", q.timer)
	q.timer = noTimer
}

// ─── Introspection ────────────────────────────────────────────────────────────

// Entries returns a copy of the pending entries in fire order.
func (q *Queue) Entries() []types.QueueEntry {
	return slices.Clone(q.entries)
}

// Len returns the number of pending entries.
func (q *Queue) Len() int { return len(q.entries) }

// IsInitialized reports whether the initial load has completed.
func (q *Queue) IsInitialized() bool { return q.initialized }

// Timer returns the outstanding timer handle, or 0 if none is armed.
func (q *Queue) Timer() uint32 { return q.timer }

// ─── Persistence ──────────────────────────────────────────────────────────────

func (q *Queue) save() {
	if !q.initialized {
		return
	}

	data, err := Marshal(q.entries)
	if err != nil {
		q.countSave(metrics.ResultFailed)
		q.log.Error("failed to save state", "state", q.cfg.StateName, "err", err)
		return
	}

	q.log.Debug("saving state", "state", q.cfg.StateName, "entries", len(q.entries))
	q.store.Save(q.cfg.StateName, data, func(err error) {
		if err != nil {
			q.countSave(metrics.ResultFailed)
			q.log.Error("failed to save state", "state", q.cfg.StateName, "err", err)
			return
		}
		q.countSave(metrics.ResultOK)
		q.log.Debug("saved state", "state", q.cfg.StateName)
	})
}

// ---- helpers ----

func (q *Queue) countLoad(result string) {
	if q.metrics != nil {
		q.metrics.StateLoads.WithLabelValues(result).Inc()
	}
}

func (q *Queue) countSave(result string) {
	if q.metrics != nil {
		q.metrics.StateSaves.WithLabelValues(result).Inc()
	}
}

func (q *Queue) setDepth() {
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(len(q.entries)))
	}
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

// maxDelaySeconds is the longest delay a time.Duration can express.
const maxDelaySeconds = uint64(math.MaxInt64 / int64(time.Second))

func secondsToDuration(s uint64) time.Duration {
	if s > maxDelaySeconds {
		s = maxDelaySeconds
	}
	return time.Duration(s) * time.Second
}
