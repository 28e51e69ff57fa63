// Package ingest reads conversion events from a line-oriented JSON stream.
//
// Each line is one Event. Producers are throttled with a token bucket so a
// burst of replayed events cannot flood the queue; malformed lines are
// counted and skipped.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/snehjoshi/convq/internal/metrics"
)

// Event types.
const (
	TypeConversion = "conversion"
	TypeServed     = "served"
	TypeVisit      = "visit"
)

// MaxLineBytes bounds one event line.
const MaxLineBytes = 64 * 1024

// ErrInvalidEvent is returned by Event.Validate.
var ErrInvalidEvent = errors.New("ingest: invalid event")

// Event is one ingested line.
type Event struct {
	Type          string `json:"type"`
	CreativeSetID string `json:"creative_set_id,omitempty"`
	SubjectID     string `json:"uuid,omitempty"`
	URL           string `json:"url,omitempty"`
}

// Validate checks that e carries the fields its type needs.
func (e Event) Validate() error {
	switch e.Type {
	case TypeConversion, TypeServed:
		if e.CreativeSetID == "" || e.SubjectID == "" {
			return fmt.Errorf("%w: %s needs creative_set_id and uuid", ErrInvalidEvent, e.Type)
		}
	case TypeVisit:
		if e.URL == "" {
			return fmt.Errorf("%w: visit needs url", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	return nil
}

// Handler processes one valid event. An error is logged and the stream
// continues.
type Handler func(ctx context.Context, ev Event) error

// Reader pulls events from a stream at a bounded rate.
type Reader struct {
	limiter *rate.Limiter
	log     *slog.Logger
	metrics *metrics.Registry
}

// Option configures a Reader.
type Option func(*Reader)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) { r.log = l }
}

// WithMetrics attaches a metrics.Registry.
func WithMetrics(reg *metrics.Registry) Option {
	return func(r *Reader) { r.metrics = reg }
}

// NewReader returns a Reader admitting maxRate events per second with the
// given burst. maxRate <= 0 disables throttling.
func NewReader(maxRate float64, burst int, opts ...Option) *Reader {
	limit := rate.Limit(maxRate)
	if maxRate <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	r := &Reader{
		limiter: rate.NewLimiter(limit, burst),
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run reads src until EOF, ctx is cancelled or a read fails. It returns nil
// at EOF.
func (r *Reader) Run(ctx context.Context, src io.Reader, h Handler) error {
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, 4096), MaxLineBytes)

	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}

		if err := r.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			r.reject(line, err)
			continue
		}
		if err := ev.Validate(); err != nil {
			r.reject(line, err)
			continue
		}

		if r.metrics != nil {
			r.metrics.EventsIngested.WithLabelValues(ev.Type).Inc()
		}
		if err := h(ctx, ev); err != nil {
			r.log.Warn("event handler failed", "line", line, "type", ev.Type, "err", err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("ingest: read line %d: %w", line+1, err)
	}
	return ctx.Err()
}

func (r *Reader) reject(line int, err error) {
	if r.metrics != nil {
		r.metrics.EventsRejected.Inc()
	}
	r.log.Warn("skipping malformed event", "line", line, "err", err)
}
