package narrative

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/theimaginaryfoundation/narrative-analyzer/narrative/provider"
)

// ItemState is the per-item state machine:
// Pending -> Attempting -> {Succeeded, Retrying, Failed}, Retrying -> Attempting.
type ItemState int

const (
	StatePending ItemState = iota
	StateAttempting
	StateRetrying
	StateSucceeded
	StateFailed
)

func (s ItemState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAttempting:
		return "attempting"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("ItemState(%d)", int(s))
	}
}

// ItemProcessor analyzes and persists one item. Errors are classified with
// provider.ClassOf; anything not typed by the transport counts as transient.
type ItemProcessor interface {
	Process(ctx context.Context, item AnalysisInput) error
}

// ProcessorFunc adapts a function to ItemProcessor.
type ProcessorFunc func(ctx context.Context, item AnalysisInput) error

func (f ProcessorFunc) Process(ctx context.Context, item AnalysisInput) error { return f(ctx, item) }

// SchedulerConfig controls pacing and retries.
type SchedulerConfig struct {
	Retry RetryPolicy
	// CallTimeout bounds each attempt. Job cancellation does not abort an attempt in flight.
	CallTimeout time.Duration
	// Concurrency > 1 runs a worker pool sharing one Pacer.
	Concurrency int
	// Limit caps how many pending items this run attempts; 0 means all.
	Limit int
}

// Progress is emitted after every item that reaches Succeeded or Failed.
type Progress struct {
	ItemID      string
	CurrentItem string
	State       ItemState
	Attempts    int
	Err         error
	Processed   int
	Failed      int
	Total       int
	Percentage  float64
}

// Scheduler drives items through an ItemProcessor with spacing, backoff and a checkpoint
// saved after every item.
type Scheduler struct {
	Processor  ItemProcessor
	Store      CheckpointStore
	Config     SchedulerConfig
	OnProgress func(Progress)
	// Pacer, when set, gates every attempt and is shared with any other caller of the
	// service, such as assisted theme matching. Concurrent runs without one get a
	// private Pacer at Retry.BaseDelay.
	Pacer *Pacer

	// Sleep and Now are replaceable in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time

	mu  sync.Mutex
	rec *CheckpointRecord
	rep *Report
}

type itemResult struct {
	state    ItemState
	attempts int
	err      error
}

// Run processes items in the order given, skipping ids already processed in the
// checkpoint and retrying previously failed ones. It returns an error only when the
// checkpoint cannot be loaded; per-item failures are recorded in the checkpoint and the
// report. Cancelling ctx stops the run between items or during a backoff wait.
func (s *Scheduler) Run(ctx context.Context, items []AnalysisInput) (Report, error) {
	if s.Processor == nil {
		return Report{}, errors.New("scheduler: processor is nil")
	}
	if s.Store == nil {
		return Report{}, errors.New("scheduler: checkpoint store is nil")
	}
	now := nowFunc(s.Now)

	rec, err := s.Store.Load(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("load checkpoint: %w", err)
	}
	rec.ObserveTotal(len(items))

	rep := &Report{RunID: rec.RunID, StartedAt: now()}
	pending := make([]AnalysisInput, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if _, dup := seen[it.ItemID]; dup {
			continue
		}
		seen[it.ItemID] = struct{}{}
		if rec.Processed.Has(it.ItemID) {
			rep.Skipped++
			continue
		}
		pending = append(pending, it)
	}
	if lim := s.Config.Limit; lim > 0 && len(pending) > lim {
		rep.Deferred = len(pending) - lim
		pending = pending[:lim]
	}

	s.mu.Lock()
	s.rec, s.rep = rec, rep
	s.mu.Unlock()

	log.Info().
		Str("run_id", rec.RunID).
		Int("items", len(items)).
		Int("pending", len(pending)).
		Int("skipped", rep.Skipped).
		Int("retrying_failed", countIn(pending, rec.Failed)).
		Int("concurrency", s.Config.Concurrency).
		Msg("batch started")

	if s.Config.Concurrency > 1 {
		s.runConcurrent(ctx, pending)
	} else {
		s.runSequential(ctx, pending)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rep.FinishedAt = now()
	rep.Processed = len(rec.Processed)
	rep.FailedTotal = len(rec.Failed)
	rep.Total = rec.TotalCount
	rep.Cancelled = ctx.Err() != nil && rep.Attempted < len(pending)
	rep.NotAttempted = len(pending) - rep.Attempted
	out := *rep
	out.Failures = append([]ItemFailure(nil), rep.Failures...)
	s.rec, s.rep = nil, nil
	return out, nil
}

func (s *Scheduler) runSequential(ctx context.Context, pending []AnalysisInput) {
	for i, item := range pending {
		if ctx.Err() != nil {
			return
		}
		if i > 0 {
			if err := s.sleep(ctx, s.Config.Retry.BaseDelay); err != nil {
				return
			}
		}
		res := s.processItem(ctx, item, s.Pacer)
		if !s.finish(ctx, item, res) {
			return
		}
	}
}

func (s *Scheduler) runConcurrent(ctx context.Context, pending []AnalysisInput) {
	pacer := s.Pacer
	if pacer == nil {
		pacer = NewPacer(s.Config.Retry.BaseDelay)
	}

	var g errgroup.Group
	g.SetLimit(s.Config.Concurrency)
	for _, item := range pending {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res := s.processItem(ctx, item, pacer)
			s.finish(ctx, item, res)
			return nil
		})
	}
	_ = g.Wait()
}

// processItem runs the attempt loop: up to MaxRetries attempts, except that a fatal-class
// error (a non-429 4xx) fails the item after one. pacer, when set, gates every attempt and
// is held for any Retry-After the service sends. A zero-value state means the run was
// cancelled before the item settled.
func (s *Scheduler) processItem(ctx context.Context, item AnalysisInput, pacer *Pacer) itemResult {
	policy := s.Config.Retry
	maxAttempts := policy.attempts()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if pacer != nil {
			if err := pacer.Wait(ctx); err != nil {
				return itemResult{state: StatePending, attempts: attempt - 1, err: lastErr}
			}
		}
		log.Debug().
			Str("item_id", item.ItemID).
			Int("attempt", attempt).
			Stringer("state", StateAttempting).
			Msg("calling analysis")

		err := s.callOnce(ctx, item)
		if err == nil {
			return itemResult{state: StateSucceeded, attempts: attempt}
		}
		lastErr = err
		class := provider.ClassOf(err)
		if d, ok := provider.RetryAfterOf(err); ok && pacer != nil && class == provider.ClassRateLimited {
			pacer.Defer(d)
		}
		if class == provider.ClassFatal || attempt == maxAttempts {
			return itemResult{state: StateFailed, attempts: attempt, err: lastErr}
		}

		delay := policy.NextDelay(attempt, err)
		log.Warn().
			Err(err).
			Str("item_id", item.ItemID).
			Int("attempt", attempt).
			Stringer("class", class).
			Dur("delay", delay).
			Stringer("state", StateRetrying).
			Msg("analysis attempt failed; backing off")
		if err := s.sleep(ctx, delay); err != nil {
			return itemResult{state: StatePending, attempts: attempt, err: lastErr}
		}
	}
	return itemResult{state: StateFailed, attempts: maxAttempts, err: lastErr}
}

func (s *Scheduler) callOnce(ctx context.Context, item AnalysisInput) error {
	callCtx := context.WithoutCancel(ctx)
	if s.Config.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, s.Config.CallTimeout)
		defer cancel()
	}
	return s.Processor.Process(callCtx, item)
}

// finish records a settled item, saves the checkpoint and emits progress. It reports
// false when the item did not settle because the run was cancelled.
func (s *Scheduler) finish(ctx context.Context, item AnalysisInput, res itemResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch res.state {
	case StateSucceeded:
		s.rec.MarkProcessed(item.ItemID)
		s.rep.Attempted++
		s.rep.Succeeded++
	case StateFailed:
		s.rec.MarkFailed(item.ItemID, res.err)
		s.rep.Attempted++
		s.rep.Failed++
		s.rep.Failures = append(s.rep.Failures, ItemFailure{
			ItemID:   item.ItemID,
			Label:    item.DisplayLabel(),
			Attempts: res.attempts,
			Err:      errString(res.err),
		})
	default:
		log.Info().Str("item_id", item.ItemID).Msg("interrupted; item left pending")
		return false
	}

	// The record must reach the store even when the run is being cancelled.
	if err := s.Store.Save(context.WithoutCancel(ctx), s.rec); err != nil {
		s.rep.CheckpointErrors++
		log.Error().Err(err).Str("item_id", item.ItemID).Msg("checkpoint save failed")
	}

	p := Progress{
		ItemID:      item.ItemID,
		CurrentItem: item.DisplayLabel(),
		State:       res.state,
		Attempts:    res.attempts,
		Err:         res.err,
		Processed:   len(s.rec.Processed),
		Failed:      len(s.rec.Failed),
		Total:       s.rec.TotalCount,
	}
	if p.Total > 0 {
		p.Percentage = float64(p.Processed+p.Failed) / float64(p.Total) * 100
	}
	ev := log.Info()
	if res.err != nil {
		ev = log.Warn().Err(res.err)
	}
	ev.Str("item_id", p.ItemID).
		Str("current_item_label", p.CurrentItem).
		Stringer("state", p.State).
		Int("attempts", p.Attempts).
		Int("processed_count", p.Processed).
		Int("failed_count", p.Failed).
		Int("total_count", p.Total).
		Float64("percentage", p.Percentage).
		Msg("progress")
	if s.OnProgress != nil {
		s.OnProgress(p)
	}
	return true
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	if s.Sleep != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
		return s.Sleep(ctx, d)
	}
	return sleepCtx(ctx, d)
}

func countIn(items []AnalysisInput, set IDSet) int {
	n := 0
	for _, it := range items {
		if set.Has(it.ItemID) {
			n++
		}
	}
	return n
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
