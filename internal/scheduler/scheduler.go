// Package scheduler fires the daily curation cycle and the periodic batch runs,
// allowing at most one active run of each kind.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yangwenmai/charseed/internal/curation"
	"github.com/yangwenmai/charseed/internal/model"
	"github.com/yangwenmai/charseed/internal/source"
)

var (
	// ErrBusy is returned when a run of the same kind is still active.
	ErrBusy = errors.New("a run of this kind is already active")

	// ErrDailyCeiling is returned when today's consumption already reached the ceiling.
	ErrDailyCeiling = errors.New("daily batch ceiling reached")
)

// Fetcher discovers new candidates.
type Fetcher interface {
	FetchCandidates(ctx context.Context, q source.Query, limit int) ([]model.Candidate, error)
}

// Curator drains the pending queue.
type Curator interface {
	ProcessPending(ctx context.Context, maxItems int) (curation.Summary, error)
}

// BatchRunner executes one batch run.
type BatchRunner interface {
	RunBatch(ctx context.Context, targetSize int, scheduledAt time.Time) (*model.BatchRunLog, error)
}

// ConsumptionCounter reports how many candidates were consumed since a time.
type ConsumptionCounter interface {
	CountConsumedSince(ctx context.Context, since time.Time) (int, error)
}

// Config sizes the scheduled work.
type Config struct {
	Queries []source.Query
	// FetchLimit bounds new candidates per query per cycle.
	FetchLimit int
	// MaxCurationItems bounds pending candidates curated per cycle.
	MaxCurationItems int
	// BatchSize is the size of a scheduled batch run before the ceiling applies.
	BatchSize int
	// DailyCeiling caps candidates consumed per calendar day in Location.
	DailyCeiling int
	Location     *time.Location
}

// CycleReport summarises one curation cycle.
type CycleReport struct {
	Fetched        int              `json:"fetched"`
	QuotaExhausted bool             `json:"quota_exhausted"`
	FetchErrors    []string         `json:"fetch_errors,omitempty"`
	Curation       curation.Summary `json:"curation"`
}

// Scheduler owns both triggers and the per-kind mutual exclusion.
type Scheduler struct {
	fetcher  Fetcher
	curator  Curator
	batch    BatchRunner
	counter  ConsumptionCounter
	curation Trigger
	batching Trigger
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	curating atomic.Bool
	running  atomic.Bool
	wg       sync.WaitGroup
}

// New creates a Scheduler. Either trigger may be nil to disable that cadence.
func New(f Fetcher, c Curator, b BatchRunner, counter ConsumptionCounter,
	curationTrigger, batchTrigger Trigger, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Scheduler{
		fetcher:  f,
		curator:  c,
		batch:    b,
		counter:  counter,
		curation: curationTrigger,
		batching: batchTrigger,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Start runs both cadences until ctx is cancelled, then waits for active runs
// to return.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler started")
	var loops sync.WaitGroup
	if s.curation != nil {
		loops.Add(1)
		go func() {
			defer loops.Done()
			s.loop(ctx, "curation", s.curation, func(ctx context.Context, _ time.Time) {
				if _, err := s.TriggerCuration(ctx, s.cfg.MaxCurationItems); err != nil {
					s.logTriggerError("curation", err)
				}
			})
		}()
	}
	if s.batching != nil {
		loops.Add(1)
		go func() {
			defer loops.Done()
			s.loop(ctx, "batch", s.batching, func(ctx context.Context, at time.Time) {
				if _, err := s.triggerBatch(ctx, s.cfg.BatchSize, at); err != nil {
					s.logTriggerError("batch", err)
				}
			})
		}()
	}
	loops.Wait()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// loop waits for each fire time and dispatches job with it, without waiting for
// the job, so a long run makes the next fire hit the busy guard instead of queueing.
func (s *Scheduler) loop(ctx context.Context, kind string, t Trigger, job func(context.Context, time.Time)) {
	for {
		next := t.NextFireTime(s.now())
		if next.IsZero() {
			s.logger.Warn("trigger has no next fire time, disabled", "kind", kind)
			return
		}
		s.logger.Debug("next run scheduled", "kind", kind, "at", next.Format(time.RFC3339))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			job(ctx, next)
		}()
	}
}

func (s *Scheduler) logTriggerError(kind string, err error) {
	switch {
	case errors.Is(err, ErrBusy):
		s.logger.Warn("previous run still active, trigger skipped", "kind", kind)
	case errors.Is(err, ErrDailyCeiling):
		s.logger.Info("daily ceiling reached, batch skipped")
	case errors.Is(err, context.Canceled):
	default:
		s.logger.Error("scheduled run failed", "kind", kind, "error", err)
	}
}

// TriggerCuration fetches new candidates for every configured query, then curates
// up to maxItems pending candidates. Quota exhaustion stops fetching but not
// curation.
func (s *Scheduler) TriggerCuration(ctx context.Context, maxItems int) (CycleReport, error) {
	if !s.curating.CompareAndSwap(false, true) {
		return CycleReport{}, ErrBusy
	}
	defer s.curating.Store(false)

	var report CycleReport
	for _, q := range s.cfg.Queries {
		found, err := s.fetcher.FetchCandidates(ctx, q, s.cfg.FetchLimit)
		report.Fetched += len(found)
		if errors.Is(err, model.ErrQuotaExceeded) {
			s.logger.Warn("source quota exhausted, skipping remaining queries", "query", q.String(), "found", len(found))
			report.QuotaExhausted = true
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			s.logger.Error("fetch candidates", "query", q.String(), "error", err)
			report.FetchErrors = append(report.FetchErrors, fmt.Sprintf("%s: %v", q, err))
		}
	}

	sum, err := s.curator.ProcessPending(ctx, maxItems)
	report.Curation = sum
	if err != nil {
		return report, fmt.Errorf("process pending: %w", err)
	}
	s.logger.Info("curation cycle finished",
		"fetched", report.Fetched,
		"quota_exhausted", report.QuotaExhausted,
		"approved", sum.Approved,
		"rejected", sum.Rejected,
		"errored", sum.Errored)
	return report, nil
}

// TriggerBatch runs a batch of at most targetSize now, reduced so today's
// consumption stays within the daily ceiling.
func (s *Scheduler) TriggerBatch(ctx context.Context, targetSize int) (*model.BatchRunLog, error) {
	return s.triggerBatch(ctx, targetSize, s.now())
}

func (s *Scheduler) triggerBatch(ctx context.Context, targetSize int, scheduledAt time.Time) (*model.BatchRunLog, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer s.running.Store(false)

	size, err := s.batchSize(ctx, targetSize)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, ErrDailyCeiling
	}
	return s.batch.RunBatch(ctx, size, scheduledAt)
}

// batchSize returns min(targetSize, ceiling - consumed today).
func (s *Scheduler) batchSize(ctx context.Context, targetSize int) (int, error) {
	if s.cfg.DailyCeiling <= 0 {
		return targetSize, nil
	}
	consumed, err := s.counter.CountConsumedSince(ctx, startOfDay(s.now(), s.cfg.Location))
	if err != nil {
		return 0, fmt.Errorf("count consumed today: %w", err)
	}
	return min(targetSize, s.cfg.DailyCeiling-consumed), nil
}

// ConsumedToday reports how many candidates were consumed since local midnight.
func (s *Scheduler) ConsumedToday(ctx context.Context) (int, error) {
	return s.counter.CountConsumedSince(ctx, startOfDay(s.now(), s.cfg.Location))
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
