// Package batch converts selected candidates into generated catalog entries and
// records every execution as a run log.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/yangwenmai/charseed/internal/model"
	"github.com/yangwenmai/charseed/internal/retry"
)

// Selector picks the ordered candidate IDs of the next batch.
type Selector interface {
	SelectBatch(ctx context.Context, targetSize int) ([]string, error)
}

// Store is the persistence the orchestrator needs.
type Store interface {
	GetCandidate(ctx context.Context, id string) (*model.Candidate, error)
	MarkConsumed(ctx context.Context, id, entryID string, at time.Time) error
	MarkGenerationFailed(ctx context.Context, id, reason string) error
	CreateRun(ctx context.Context, r model.BatchRunLog) error
	UpdateRun(ctx context.Context, r model.BatchRunLog) error
}

// Config controls generation retries and pacing.
type Config struct {
	ItemTimeout    time.Duration
	Retries        int
	RetryBaseDelay time.Duration
	InterItemDelay time.Duration
	CostPerEntry   float64
}

// DefaultConfig returns the default orchestrator settings.
func DefaultConfig() Config {
	return Config{
		ItemTimeout:    5 * time.Minute,
		Retries:        3,
		RetryBaseDelay: 2 * time.Second,
		InterItemDelay: 3 * time.Second,
	}
}

// Orchestrator runs batches one item at a time.
type Orchestrator struct {
	store    Store
	selector Selector
	gen      Generator
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	stop atomic.Bool
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(s Store, sel Selector, gen Generator, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{store: s, selector: sel, gen: gen, cfg: cfg, logger: logger, now: time.Now}
}

// Stop asks the running batch to finish after the item in flight.
func (o *Orchestrator) Stop() {
	o.stop.Store(true)
}

// errStopped ends a run early at an item checkpoint.
var errStopped = errors.New("batch run stopped")

// RunBatch selects up to targetSize candidates and generates an entry for each.
// A failing item never aborts the run: it is recorded in the returned log. The
// error is non-nil only when the run log itself could not be created or the
// selection failed; the log is still returned in the latter case. scheduledAt is
// the trigger fire time; zero means the run was started by hand.
func (o *Orchestrator) RunBatch(ctx context.Context, targetSize int, scheduledAt time.Time) (*model.BatchRunLog, error) {
	o.stop.Store(false)
	started := o.now()
	if scheduledAt.IsZero() {
		scheduledAt = started
	}
	run := model.NewBatchRunLog(uuid.NewString(), scheduledAt, started, targetSize)
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run log: %w", err)
	}
	log := o.logger.With("run_id", run.ID)
	log.Info("batch run started", "requested", targetSize, "scheduled_at", run.ScheduledAt.Format(time.RFC3339))

	// Bookkeeping must survive cancellation of the caller's context.
	storeCtx := context.WithoutCancel(ctx)

	ids, err := o.selector.SelectBatch(ctx, targetSize)
	if err != nil {
		run.Errors = append(run.Errors, model.RunError{Kind: model.ErrorKindStore, Message: err.Error()})
		o.finalize(storeCtx, log, &run, model.RunStatusCompleted)
		return &run, fmt.Errorf("select batch: %w", err)
	}
	run.SelectedIDs = ids
	o.save(storeCtx, log, &run)

	status := model.RunStatusCompleted
	for i, id := range ids {
		if i > 0 && o.cfg.InterItemDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(o.cfg.InterItemDelay):
			}
		}
		if ctx.Err() != nil || o.stop.Load() {
			o.abandon(&run, ids[i:])
			status = model.RunStatusCancelled
			break
		}

		if err := o.processItem(ctx, storeCtx, log, &run, id); errors.Is(err, errStopped) {
			o.abandon(&run, ids[i:])
			status = model.RunStatusCancelled
			break
		}
		o.save(storeCtx, log, &run)
	}

	if o.cfg.CostPerEntry > 0 {
		cost := float64(run.Succeeded) * o.cfg.CostPerEntry
		run.CostEstimate = &cost
	}
	o.finalize(storeCtx, log, &run, status)
	return &run, nil
}

// processItem generates and records one candidate. It returns errStopped when
// the caller's context ended during generation; the candidate is left APPROVED.
func (o *Orchestrator) processItem(ctx, storeCtx context.Context, log *slog.Logger, run *model.BatchRunLog, id string) error {
	log = log.With("candidate_id", id)

	c, err := o.store.GetCandidate(storeCtx, id)
	if err != nil {
		log.Error("load candidate", "error", err)
		run.Errors = append(run.Errors, model.RunError{CandidateID: id, Kind: model.ErrorKindStore, Message: err.Error()})
		return nil
	}
	if c.Status != model.StatusApproved {
		log.Info("candidate no longer approved, skipping", "status", c.Status)
		run.SkippedIDs = append(run.SkippedIDs, id)
		return nil
	}

	policy := retry.WithRetries(o.cfg.Retries, o.cfg.RetryBaseDelay, 2)
	policy.AttemptTimeout = o.cfg.ItemTimeout

	attempts := 0
	entryID, err := retry.Do(ctx, policy, func(ctx context.Context) (string, error) {
		attempts++
		entryID, err := o.gen.GenerateEntry(ctx, c.ImageRef(), CuratedFrom(*c))
		if err != nil {
			log.Warn("generation attempt failed", "attempt", attempts, "error", err)
		}
		return entryID, err
	})
	if err != nil {
		if ctx.Err() != nil {
			return errStopped
		}
		genErr := &model.GenerationError{CandidateID: id, Attempts: attempts, Err: err}
		log.Error("generation failed", "attempts", attempts, "error", err)

		if mErr := o.store.MarkGenerationFailed(storeCtx, id, err.Error()); mErr != nil {
			if errors.Is(mErr, model.ErrConcurrentConsumption) {
				run.SkippedIDs = append(run.SkippedIDs, id)
				return nil
			}
			log.Error("mark generation failed", "error", mErr)
			run.Errors = append(run.Errors, model.RunError{CandidateID: id, Kind: model.ErrorKindStore, Message: mErr.Error()})
		}
		run.Failed++
		run.Errors = append(run.Errors, model.RunError{CandidateID: id, Kind: model.ErrorKindGeneration, Message: genErr.Error()})
		return nil
	}

	if err := o.store.MarkConsumed(storeCtx, id, entryID, o.now()); err != nil {
		if errors.Is(err, model.ErrConcurrentConsumption) {
			log.Warn("candidate consumed by another run, entry left unlinked", "entry_id", entryID)
			run.SkippedIDs = append(run.SkippedIDs, id)
			return nil
		}
		log.Error("mark consumed, entry left unlinked", "entry_id", entryID, "error", err)
		run.Errors = append(run.Errors, model.RunError{
			CandidateID: id,
			Kind:        model.ErrorKindStore,
			Message:     fmt.Sprintf("entry %s generated but not linked: %v", entryID, err),
		})
		return nil
	}

	run.Succeeded++
	run.EntryIDs = append(run.EntryIDs, entryID)
	log.Info("entry generated", "entry_id", entryID, "attempts", attempts)
	return nil
}

// abandon records the candidates a stopped run never reached.
func (o *Orchestrator) abandon(run *model.BatchRunLog, rest []string) {
	for _, id := range rest {
		run.Errors = append(run.Errors, model.RunError{
			CandidateID: id,
			Kind:        model.ErrorKindCancelled,
			Message:     "run stopped before generation",
		})
	}
}

func (o *Orchestrator) save(ctx context.Context, log *slog.Logger, run *model.BatchRunLog) {
	if err := o.store.UpdateRun(ctx, *run); err != nil {
		log.Error("update run log", "error", err)
	}
}

func (o *Orchestrator) finalize(ctx context.Context, log *slog.Logger, run *model.BatchRunLog, status model.RunStatus) {
	run.Finalize(o.now(), status)
	o.save(ctx, log, run)
	log.Info("batch run finished",
		"status", run.Status,
		"succeeded", run.Succeeded,
		"failed", run.Failed,
		"skipped", len(run.SkippedIDs),
		"duration", run.Duration.String())
}
