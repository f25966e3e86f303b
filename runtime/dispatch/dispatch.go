// Package dispatch contains the two background cadences of the pipeline: the
// dispatcher, which finds due scouts every minute and fans them out to the
// executor, and the reaper, which reclaims running executions abandoned by a
// crashed or timed-out executor.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"

	"goa.design/scout/scout"
	storemongo "goa.design/scout/store/mongo"
	"goa.design/scout/telemetry"
)

// Cadences and bounds.
const (
	// DefaultInterval is how often the dispatcher scans for due scouts.
	DefaultInterval = time.Minute
	// DefaultBatchCap bounds how many due scouts one tick dispatches.
	DefaultBatchCap = 50
	// DefaultReapInterval is how often the reaper scans for stale runs.
	DefaultReapInterval = 5 * time.Minute
	// DefaultStaleAfter is how old a running execution must be before the
	// reaper fails it. It is set to twice the executor wall-clock limit so a
	// slow but live run is never reclaimed.
	DefaultStaleAfter = 20 * time.Minute
)

type (
	// Store is the subset of the store surface the background loops need.
	Store interface {
		ListDueScouts(ctx context.Context, now time.Time, cap int) ([]scout.Scout, error)
		ReapStaleRunning(ctx context.Context, now time.Time, olderThan time.Duration) (int64, error)
	}

	// Runner executes one scout. It is the executor entry the dispatcher
	// fans out to.
	Runner interface {
		Run(ctx context.Context, scoutID string) error
	}

	// Options configures the dispatcher.
	Options struct {
		Store  Store
		Runner Runner
		// Interval defaults to DefaultInterval.
		Interval time.Duration
		// BatchCap defaults to DefaultBatchCap.
		BatchCap int
		// ReapInterval defaults to DefaultReapInterval.
		ReapInterval time.Duration
		// StaleAfter defaults to DefaultStaleAfter.
		StaleAfter time.Duration
		// Metrics is optional.
		Metrics *telemetry.Metrics
		// Now overrides the clock, primarily for tests.
		Now func() time.Time
	}

	// Dispatcher owns the periodic scan-and-run and reap loops.
	Dispatcher struct {
		store        Store
		runner       Runner
		interval     time.Duration
		batchCap     int
		reapInterval time.Duration
		staleAfter   time.Duration
		metrics      *telemetry.Metrics
		now          func() time.Time

		wg sync.WaitGroup
	}
)

// New builds a Dispatcher from the provided options.
func New(opts Options) (*Dispatcher, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Runner == nil {
		return nil, errors.New("runner is required")
	}
	d := &Dispatcher{
		store:        opts.Store,
		runner:       opts.Runner,
		interval:     opts.Interval,
		batchCap:     opts.BatchCap,
		reapInterval: opts.ReapInterval,
		staleAfter:   opts.StaleAfter,
		metrics:      opts.Metrics,
		now:          opts.Now,
	}
	if d.interval <= 0 {
		d.interval = DefaultInterval
	}
	if d.batchCap <= 0 {
		d.batchCap = DefaultBatchCap
	}
	if d.reapInterval <= 0 {
		d.reapInterval = DefaultReapInterval
	}
	if d.staleAfter <= 0 {
		d.staleAfter = DefaultStaleAfter
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d, nil
}

// Start launches the dispatch and reap loops. It returns immediately; the
// loops stop when ctx is canceled and Wait returns once every in-flight run
// has drained.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.loop(ctx, d.interval, d.DispatchDue)
	}()
	go func() {
		defer d.wg.Done()
		d.loop(ctx, d.reapInterval, d.Reap)
	}()
}

// Wait blocks until both loops and all dispatched runs have finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// DispatchDue runs one dispatcher tick: it lists due scouts and launches one
// goroutine per scout. A scout whose previous run is still in flight is
// skipped quietly; any other run error is logged. Panics inside a run are
// contained so one bad scout cannot take down the loop.
func (d *Dispatcher) DispatchDue(ctx context.Context) {
	now := d.now()
	due, err := d.store.ListDueScouts(ctx, now, d.batchCap)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "list due scouts failed"})
		return
	}
	if len(due) == 0 {
		return
	}
	log.Info(ctx, log.KV{K: "msg", V: "dispatching due scouts"}, log.KV{K: "count", V: len(due)})
	for _, sc := range due {
		sc := sc
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.runOne(ctx, sc)
		}()
	}
}

func (d *Dispatcher) runOne(ctx context.Context, sc scout.Scout) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(ctx, fmt.Errorf("panic: %v", r),
				log.KV{K: "msg", V: "scout run panicked"},
				log.KV{K: "scout_id", V: sc.ID})
		}
	}()
	d.metrics.RunDispatched(ctx)
	err := d.runner.Run(ctx, sc.ID)
	switch {
	case err == nil:
	case isAlreadyRunning(err):
		log.Info(ctx, log.KV{K: "msg", V: "scout already running, skipped"},
			log.KV{K: "scout_id", V: sc.ID})
	default:
		log.Error(ctx, err, log.KV{K: "msg", V: "scout run failed"},
			log.KV{K: "scout_id", V: sc.ID})
	}
}

// Reap runs one reaper tick.
func (d *Dispatcher) Reap(ctx context.Context) {
	reaped, err := d.store.ReapStaleRunning(ctx, d.now(), d.staleAfter)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "reap stale runs failed"})
		return
	}
	if reaped > 0 {
		log.Info(ctx, log.KV{K: "msg", V: "reaped stale runs"}, log.KV{K: "count", V: reaped})
		d.metrics.RunsReaped(ctx, reaped)
	}
}

func isAlreadyRunning(err error) bool {
	var already *storemongo.ErrAlreadyRunning
	return errors.As(err, &already)
}
