package curation

import (
	"context"
	"time"

	"github.com/yangwenmai/charseed/internal/model"
)

// Classifier reports the content-safety classification of an image.
type Classifier interface {
	Classify(ctx context.Context, imageRef string) (Classification, error)
}

// Scorer rates the visual quality of an image.
type Scorer interface {
	Score(ctx context.Context, imageRef string) (QualityScore, error)
}

// AttributeExtractor derives demographic and style attributes of the depicted character.
type AttributeExtractor interface {
	ExtractAttributes(ctx context.Context, imageRef string) (model.Attributes, error)
}

// Fingerprinter computes the visual-similarity signal used for duplicate detection.
type Fingerprinter interface {
	Fingerprint(ctx context.Context, imageRef string) (uint64, error)
}

// Store is the part of the asset store the pipeline needs.
type Store interface {
	GetCandidate(ctx context.Context, id string) (*model.Candidate, error)
	ListPending(ctx context.Context, limit int) ([]model.Candidate, error)
	RecentFingerprints(ctx context.Context, n int) ([]uint64, error)
	CompleteCuration(ctx context.Context, id string, o model.CurationOutcome) error
	RecordCurationFailure(ctx context.Context, id string, info model.ErrorInfo, at time.Time) error
}

// Classification is the classifier's raw verdict. Tier is the unparsed label.
type Classification struct {
	Tier       string   `json:"tier"`
	AgeRating  string   `json:"age_rating"`
	Categories []string `json:"categories"`
	Confidence float64  `json:"confidence"`
}

// QualityScore is a 0–10 composite score with its sub-dimensions
// (composition, clarity, technical execution).
type QualityScore struct {
	Composite float64            `json:"score"`
	Subscores map[string]float64 `json:"subscores,omitempty"`
}

// Decision is the policy verdict of a step. A rejection is an expected outcome,
// not an error.
type Decision struct {
	Rejected bool
	Reason   string
}

func approve() Decision { return Decision{} }

func reject(reason string) Decision { return Decision{Rejected: true, Reason: reason} }
