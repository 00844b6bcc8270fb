// Package telemetry counts outcomes per category and persists a sampled
// snapshot of the totals.
package telemetry

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/DatanoiseTV/tabitha/internal/store"
	"github.com/DatanoiseTV/tabitha/internal/types"
)

// Category groups recorded outcomes.
type Category string

const (
	Actions Category = "actions"
	Parsing Category = "parsing"
	Search  Category = "search"
)

// DefaultSampleRate is the share of Record calls that also persist.
const DefaultSampleRate = 0.05

// SlotStore is the part of the store telemetry persists to.
type SlotStore interface {
	GetSlot(name string, out any) error
	PutSlot(name string, v any) error
}

// Counts are the totals for one category.
type Counts struct {
	Success int64 `json:"success"`
	Failure int64 `json:"failure"`
}

// Snapshot is the persisted and reported form of the totals.
type Snapshot struct {
	Categories map[Category]Counts       `json:"categories"`
	Errors     map[types.ErrorKind]int64 `json:"errors"`
	UpdatedAt  int64                     `json:"updatedAt"`
}

// Options configures a Recorder.
type Options struct {
	// Store receives sampled snapshots; nil keeps telemetry in memory.
	Store SlotStore
	// Registerer receives the counters; nil uses a private registry.
	Registerer prometheus.Registerer
	Logger     *zap.Logger
	Now        func() time.Time
	SampleRate float64
	// Sample returns a number in [0, 1); nil uses math/rand.
	Sample func() float64
}

// Recorder counts successes and failures per category.
type Recorder struct {
	store  SlotStore
	logger *zap.Logger
	now    func() time.Time
	rate   float64
	sample func() float64

	outcomes *prometheus.CounterVec
	failures *prometheus.CounterVec

	mu   sync.Mutex
	snap Snapshot
}

// New returns a Recorder seeded with any previously persisted totals.
func New(opts Options) *Recorder {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = DefaultSampleRate
	}
	if opts.Sample == nil {
		opts.Sample = rand.Float64
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	factory := promauto.With(opts.Registerer)
	r := &Recorder{
		store:  opts.Store,
		logger: opts.Logger,
		now:    opts.Now,
		rate:   opts.SampleRate,
		sample: opts.Sample,
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tabitha",
			Name:      "outcomes_total",
			Help:      "Completed operations by category and outcome.",
		}, []string{"category", "outcome"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tabitha",
			Name:      "errors_total",
			Help:      "Failed operations by category and error kind.",
		}, []string{"category", "kind"}),
		snap: Snapshot{Categories: map[Category]Counts{}, Errors: map[types.ErrorKind]int64{}},
	}
	if r.store != nil {
		var prev Snapshot
		err := r.store.GetSlot(store.SlotTelemetry, &prev)
		switch {
		case err == nil:
			for k, v := range prev.Categories {
				r.snap.Categories[k] = v
			}
			for k, v := range prev.Errors {
				r.snap.Errors[k] = v
			}
			r.snap.UpdatedAt = prev.UpdatedAt
		case !errors.Is(err, store.ErrNotFound):
			r.logger.Warn("failed to load telemetry", zap.Error(err))
		}
	}
	return r
}

// Success records a successful operation.
func (r *Recorder) Success(c Category) { r.record(c, "") }

// Failure records a failed operation of the given kind.
func (r *Recorder) Failure(c Category, kind types.ErrorKind) {
	if kind == "" {
		kind = "unknown"
	}
	r.record(c, kind)
}

// Result records an ActionResult under c.
func (r *Recorder) Result(c Category, res types.ActionResult) {
	if res.OK {
		r.Success(c)
		return
	}
	r.Failure(c, res.Error)
}

func (r *Recorder) record(c Category, kind types.ErrorKind) {
	outcome := "success"
	if kind != "" {
		outcome = "failure"
		r.failures.WithLabelValues(string(c), string(kind)).Inc()
	}
	r.outcomes.WithLabelValues(string(c), outcome).Inc()

	r.mu.Lock()
	counts := r.snap.Categories[c]
	if kind == "" {
		counts.Success++
	} else {
		counts.Failure++
		r.snap.Errors[kind]++
	}
	r.snap.Categories[c] = counts
	r.snap.UpdatedAt = r.now().UnixMilli()
	persist := r.store != nil && r.sample() < r.rate
	var out Snapshot
	if persist {
		out = r.copyLocked()
	}
	r.mu.Unlock()

	if persist {
		r.save(out)
	}
}

func (r *Recorder) copyLocked() Snapshot {
	out := Snapshot{
		Categories: make(map[Category]Counts, len(r.snap.Categories)),
		Errors:     make(map[types.ErrorKind]int64, len(r.snap.Errors)),
		UpdatedAt:  r.snap.UpdatedAt,
	}
	for k, v := range r.snap.Categories {
		out.Categories[k] = v
	}
	for k, v := range r.snap.Errors {
		out.Errors[k] = v
	}
	return out
}

// save is best-effort.
func (r *Recorder) save(s Snapshot) {
	if err := r.store.PutSlot(store.SlotTelemetry, s); err != nil {
		r.logger.Debug("failed to persist telemetry", zap.Error(err))
	}
}

// Snapshot returns the current totals.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyLocked()
}

// Flush persists the current totals regardless of sampling.
func (r *Recorder) Flush() {
	if r.store == nil {
		return
	}
	r.save(r.Snapshot())
}
