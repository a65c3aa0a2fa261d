package curation

import (
	"context"
	"fmt"
	"strings"

	"github.com/yangwenmai/charseed/internal/model"
	"github.com/yangwenmai/charseed/internal/retry"
)

// Step names reported in StepError and item errors.
const (
	StepClassify    = "classify"
	StepScore       = "score"
	StepFingerprint = "fingerprint"
	StepWrite       = "write"
)

// ---------------------------------------------------------------------------
// Step 1: Safety / age classification
// ---------------------------------------------------------------------------

type safetyResult struct {
	tier       model.SafetyTier
	rating     model.AgeRating
	decision   Decision
	confidence float64
}

func (p *Pipeline) runClassify(ctx context.Context, ref string) (safetyResult, error) {
	cls, err := call(ctx, p.policy, "classify", func(ctx context.Context) (Classification, error) {
		return p.classifier.Classify(ctx, ref)
	})
	if err != nil {
		return safetyResult{}, err
	}

	tier, ok := model.ParseSafetyTier(cls.Tier)
	if !ok {
		return safetyResult{}, &model.InfraError{Op: "classify", Err: fmt.Errorf("unknown safety tier %q", cls.Tier)}
	}
	res := safetyResult{tier: tier, confidence: cls.Confidence, decision: safetyDecision(tier, cls.Categories)}
	res.rating, _ = model.AgeRatingFor(tier)
	return res, nil
}

// safetyDecision rejects explicit content and any minor in a suggestive context.
// It runs before every other check.
func safetyDecision(tier model.SafetyTier, categories []string) Decision {
	if tier == model.TierExplicit {
		return reject(model.ReasonExplicit)
	}
	for _, c := range categories {
		switch strings.ToLower(strings.TrimSpace(c)) {
		case "minor-suggestive":
			return reject(model.ReasonMinorSafety)
		case "minor":
			if tier != model.TierSFW {
				return reject(model.ReasonMinorSafety)
			}
		}
	}
	return approve()
}

// ---------------------------------------------------------------------------
// Step 2: Quality scoring
// ---------------------------------------------------------------------------

func (p *Pipeline) runScore(ctx context.Context, ref string) (float64, error) {
	qs, err := call(ctx, p.policy, "score", func(ctx context.Context) (QualityScore, error) {
		return p.scorer.Score(ctx, ref)
	})
	if err != nil {
		return 0, err
	}
	if qs.Composite < 0 || qs.Composite > 10 {
		return 0, &model.InfraError{Op: "score", Err: fmt.Errorf("score %.2f out of range 0-10", qs.Composite)}
	}
	return qs.Composite, nil
}

// qualityDecision rejects below the minimum score. Scores between the minimum and
// the auto-approve threshold are approved, flagged for review when configured.
func qualityDecision(score float64, cfg Config) (Decision, bool) {
	if score < cfg.MinScore {
		return reject(model.ReasonLowQuality), false
	}
	if score < cfg.AutoApproveScore {
		return approve(), cfg.RequireManualReview
	}
	return approve(), false
}

// ---------------------------------------------------------------------------
// Step 3: Duplicate detection
// ---------------------------------------------------------------------------

func (p *Pipeline) runFingerprint(ctx context.Context, ref string) (uint64, error) {
	return call(ctx, p.policy, "fingerprint", func(ctx context.Context) (uint64, error) {
		return p.fingerprinter.Fingerprint(ctx, ref)
	})
}

// ---------------------------------------------------------------------------
// Step 4: Attribute extraction
// ---------------------------------------------------------------------------

// runAttributes never fails: anything it cannot derive is unknown.
func (p *Pipeline) runAttributes(ctx context.Context, c *model.Candidate) model.Attributes {
	attrs, err := call(ctx, p.policy, "attributes", func(ctx context.Context) (model.Attributes, error) {
		return p.attributes.ExtractAttributes(ctx, c.ImageRef())
	})
	if err != nil {
		p.logger.Warn("attribute extraction failed, using unknown", "candidate_id", c.ID, "error", err)
		return model.UnknownAttributes()
	}
	return model.ParseAttributes(string(attrs.Gender), string(attrs.Species), string(attrs.Style))
}

// call runs a collaborator call under the retry policy and reports exhaustion as an
// infrastructure error.
func call[T any](ctx context.Context, policy retry.Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := retry.Do(ctx, policy, fn)
	if err != nil {
		var zero T
		return zero, &model.InfraError{Op: op, Err: err}
	}
	return v, nil
}
