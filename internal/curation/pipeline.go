// Package curation decides, for each pending candidate, whether it is approved or
// rejected and derives its rating, quality score, fingerprint and attributes.
package curation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yangwenmai/charseed/internal/model"
	"github.com/yangwenmai/charseed/internal/retry"
)

// Config holds the curation policy.
type Config struct {
	MinScore            float64
	AutoApproveScore    float64
	RequireManualReview bool
	// DuplicateThreshold is the similarity (0–1) at or above which two images are duplicates.
	DuplicateThreshold float64
	// DuplicateLookback is how many recently approved fingerprints are compared against.
	DuplicateLookback int
	// Concurrency bounds how many candidates are curated at once.
	Concurrency int
	// CallTimeout bounds every collaborator call attempt.
	CallTimeout time.Duration
	// CallRetries is the number of retries after a failed collaborator call.
	CallRetries int
	RetryDelay  time.Duration
}

// DefaultConfig returns the default curation policy.
func DefaultConfig() Config {
	return Config{
		MinScore:           4.0,
		AutoApproveScore:   4.5,
		DuplicateThreshold: 0.9,
		DuplicateLookback:  500,
		Concurrency:        3,
		CallTimeout:        30 * time.Second,
		CallRetries:        2,
		RetryDelay:         time.Second,
	}
}

// Summary is the outcome of one ProcessPending invocation.
type Summary struct {
	Processed   int            `json:"processed"`
	Approved    int            `json:"approved"`
	Rejected    int            `json:"rejected"`
	Errored     int            `json:"errored"`
	Skipped     int            `json:"skipped"`
	NeedsReview int            `json:"needs_review"`
	Rejections  map[string]int `json:"rejections"`
	Errors      []ItemError    `json:"errors"`
}

// ItemError records why one candidate could not be curated. The candidate stays PENDING.
type ItemError struct {
	CandidateID string `json:"candidate_id"`
	model.ErrorInfo
}

// Pipeline runs the curation steps for pending candidates.
type Pipeline struct {
	store         Store
	classifier    Classifier
	scorer        Scorer
	attributes    AttributeExtractor
	fingerprinter Fingerprinter
	cfg           Config
	policy        retry.Policy
	logger        *slog.Logger
	now           func() time.Time
}

// NewPipeline creates a pipeline with the given collaborators.
func NewPipeline(s Store, c Classifier, sc Scorer, ae AttributeExtractor, fp Fingerprinter, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	policy := retry.WithRetries(cfg.CallRetries, cfg.RetryDelay, 2)
	policy.AttemptTimeout = cfg.CallTimeout
	return &Pipeline{
		store:         s,
		classifier:    c,
		scorer:        sc,
		attributes:    ae,
		fingerprinter: fp,
		cfg:           cfg,
		policy:        policy,
		logger:        logger,
		now:           time.Now,
	}
}

// ProcessPending curates up to maxItems PENDING candidates with bounded
// parallelism. Candidates never tried go first, oldest discovery first. Per-candidate failures are reported in the summary; only a
// failure to read the store fails the invocation.
func (p *Pipeline) ProcessPending(ctx context.Context, maxItems int) (Summary, error) {
	sum := Summary{Rejections: map[string]int{}, Errors: []ItemError{}}
	pending, err := p.store.ListPending(ctx, maxItems)
	if err != nil {
		return sum, err
	}
	if len(pending) == 0 {
		return sum, nil
	}
	recent, err := p.store.RecentFingerprints(ctx, p.cfg.DuplicateLookback)
	if err != nil {
		return sum, err
	}
	seen := newFingerprintSet(recent, p.cfg.DuplicateThreshold)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for i := range pending {
		if ctx.Err() != nil {
			break
		}
		c := &pending[i]
		g.Go(func() error {
			outcome, err := p.curate(ctx, c, seen)
			at := p.now()
			p.trackFailure(ctx, c.ID, err, at)
			mu.Lock()
			defer mu.Unlock()
			sum.record(c.ID, outcome, err, at)
			return nil
		})
	}
	g.Wait()

	p.logger.Info("curation pass done",
		"processed", sum.Processed, "approved", sum.Approved, "rejected", sum.Rejected,
		"errored", sum.Errored, "skipped", sum.Skipped)
	return sum, ctx.Err()
}

// ProcessCandidate curates a single candidate by ID. A candidate that is no longer
// PENDING is left alone and no collaborator is called; the returned outcome is nil.
func (p *Pipeline) ProcessCandidate(ctx context.Context, id string) (*model.CurationOutcome, error) {
	c, err := p.store.GetCandidate(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		return nil, nil
	}
	recent, err := p.store.RecentFingerprints(ctx, p.cfg.DuplicateLookback)
	if err != nil {
		return nil, err
	}
	out, err := p.curate(ctx, c, newFingerprintSet(recent, p.cfg.DuplicateThreshold))
	p.trackFailure(ctx, id, err, p.now())
	return out, err
}

// trackFailure records a failed attempt on the candidate so the pending scan
// moves it behind candidates not yet tried. Cancellation is not counted.
func (p *Pipeline) trackFailure(ctx context.Context, id string, err error, at time.Time) {
	if err == nil || errors.Is(err, model.ErrStatusConflict) || ctx.Err() != nil {
		return
	}
	if rErr := p.store.RecordCurationFailure(ctx, id, failureInfo(err, at), at); rErr != nil {
		p.logger.Warn("record curation failure", "candidate_id", id, "error", rErr)
	}
}

// curate runs the steps in order, stops at the first rejection and writes the
// outcome once. A collaborator failure leaves the candidate PENDING.
func (p *Pipeline) curate(ctx context.Context, c *model.Candidate, seen *fingerprintSet) (*model.CurationOutcome, error) {
	if c.Status.Terminal() {
		return nil, nil
	}
	ref := c.ImageRef()

	// Step 1: safety
	safety, err := p.runClassify(ctx, ref)
	if err != nil {
		return nil, &StepError{Step: StepClassify, Err: err}
	}
	p.logger.Debug("candidate classified", "candidate_id", c.ID, "tier", safety.tier, "confidence", safety.confidence)
	out := &model.CurationOutcome{SafetyTier: safety.tier, AgeRating: safety.rating, Attributes: model.UnknownAttributes()}
	if safety.decision.Rejected {
		return p.finish(ctx, c, out, safety.decision, seen)
	}

	// Step 2: quality
	score, err := p.runScore(ctx, ref)
	if err != nil {
		return nil, &StepError{Step: StepScore, Err: err}
	}
	out.QualityScore = &score
	decision, needsReview := qualityDecision(score, p.cfg)
	if decision.Rejected {
		return p.finish(ctx, c, out, decision, seen)
	}
	out.NeedsReview = needsReview

	// Step 3: duplicates
	fp, err := p.runFingerprint(ctx, ref)
	if err != nil {
		return nil, &StepError{Step: StepFingerprint, Err: err}
	}
	out.Fingerprint = &fp
	if !seen.reserve(fp) {
		return p.finish(ctx, c, out, reject(model.ReasonDuplicate), nil)
	}

	// Step 4: attributes
	out.Attributes = p.runAttributes(ctx, c)
	return p.finish(ctx, c, out, approve(), seen)
}

// finish writes the terminal outcome. On a failed write of an approval the
// reserved fingerprint is released again.
func (p *Pipeline) finish(ctx context.Context, c *model.Candidate, out *model.CurationOutcome, d Decision, seen *fingerprintSet) (*model.CurationOutcome, error) {
	out.CuratedAt = p.now().UTC()
	if d.Rejected {
		out.Status = model.StatusRejected
		out.RejectReason = d.Reason
		out.NeedsReview = false
	} else {
		out.Status = model.StatusApproved
	}

	if err := p.store.CompleteCuration(ctx, c.ID, *out); err != nil {
		if !d.Rejected && seen != nil && out.Fingerprint != nil {
			seen.release(*out.Fingerprint)
		}
		return nil, &StepError{Step: StepWrite, Err: err}
	}

	if d.Rejected {
		p.logger.Info("candidate rejected", "candidate_id", c.ID, "reason", d.Reason)
	} else {
		p.logger.Debug("candidate approved", "candidate_id", c.ID,
			"age_rating", out.AgeRating, "needs_review", out.NeedsReview)
	}
	return out, nil
}

func (s *Summary) record(id string, out *model.CurationOutcome, err error, at time.Time) {
	switch {
	case err != nil && errors.Is(err, model.ErrStatusConflict):
		s.Skipped++
	case err != nil:
		s.Processed++
		s.Errored++
		s.Errors = append(s.Errors, ItemError{CandidateID: id, ErrorInfo: failureInfo(err, at)})
	case out == nil:
		s.Skipped++
	case out.Status == model.StatusRejected:
		s.Processed++
		s.Rejected++
		s.Rejections[out.RejectReason]++
	default:
		s.Processed++
		s.Approved++
		if out.NeedsReview {
			s.NeedsReview++
		}
	}
}

func failureInfo(err error, at time.Time) model.ErrorInfo {
	step := ""
	var se *StepError
	if errors.As(err, &se) {
		step = se.Step
	}
	var ie *model.InfraError
	return model.ErrorInfo{
		FailedStep: step,
		Message:    err.Error(),
		Retryable:  errors.As(err, &ie),
		FailedAt:   at.UTC().Format(time.RFC3339),
	}
}

// StepError wraps an error with the step name that failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return e.Step + ": " + e.Err.Error()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// fingerprintSet holds the fingerprints approved recently plus those reserved by
// the running invocation. Check and reservation happen under one lock so two
// near-identical candidates curated in parallel cannot both be approved.
type fingerprintSet struct {
	mu        sync.Mutex
	fps       []uint64
	threshold float64
}

func newFingerprintSet(recent []uint64, threshold float64) *fingerprintSet {
	fps := make([]uint64, len(recent))
	copy(fps, recent)
	return &fingerprintSet{fps: fps, threshold: threshold}
}

// reserve adds fp unless it is a near-duplicate of a known fingerprint.
func (s *fingerprintSet) reserve(fp uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, known := range s.fps {
		if Similarity(fp, known) >= s.threshold {
			return false
		}
	}
	s.fps = append(s.fps, fp)
	return true
}

func (s *fingerprintSet) release(fp uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.fps) - 1; i >= 0; i-- {
		if s.fps[i] == fp {
			s.fps = append(s.fps[:i], s.fps[i+1:]...)
			return
		}
	}
}
