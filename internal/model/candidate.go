package model

import (
	"fmt"
	"time"
)

// Status is the curation lifecycle state of a candidate.
type Status string

// Candidate status constants
const (
	StatusPending          Status = "PENDING"
	StatusApproved         Status = "APPROVED"
	StatusRejected         Status = "REJECTED"
	StatusConsumed         Status = "CONSUMED"
	StatusGenerationFailed Status = "GENERATION_FAILED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusApproved, StatusRejected, StatusConsumed, StatusGenerationFailed}

// Terminal reports whether curation has already completed for the status.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, st := range Statuses {
		if s == st {
			return true
		}
	}
	return false
}

// transitions holds the forward-only lifecycle edges.
var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusConsumed, StatusGenerationFailed},
}

// ValidateTransition checks that moving from one status to another only goes forward.
func ValidateTransition(from, to Status) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}

// Rejection reasons recorded on rejected candidates.
const (
	ReasonExplicit    = "explicit-content"
	ReasonMinorSafety = "minor-safety"
	ReasonLowQuality  = "low-quality"
	ReasonDuplicate   = "duplicate"
)

// Candidate is one externally discovered image and its curation lifecycle.
type Candidate struct {
	ID            string     `json:"id"`
	SourceURL     string     `json:"source_url"`
	ImageURL      string     `json:"image_url"`
	Platform      string     `json:"platform"`
	ExternalID    string     `json:"external_id,omitempty"`
	Title         string     `json:"title,omitempty"`
	Tags          []string   `json:"tags"`
	Popularity    *float64   `json:"popularity,omitempty"`
	Status        Status     `json:"status"`
	SafetyTier    SafetyTier `json:"safety_tier,omitempty"`
	AgeRating     AgeRating  `json:"age_rating,omitempty"`
	QualityScore  *float64   `json:"quality_score,omitempty"`
	Attributes    Attributes `json:"attributes"`
	Fingerprint   *uint64    `json:"fingerprint,omitempty"`
	NeedsReview   bool       `json:"needs_review"`
	RejectReason  string     `json:"reject_reason,omitempty"`
	EntryID       string     `json:"entry_id,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	RequeueCount  int        `json:"requeue_count"`
	DiscoveredAt  time.Time  `json:"discovered_at"`
	CuratedAt     *time.Time `json:"curated_at,omitempty"`
	ConsumedAt    *time.Time `json:"consumed_at,omitempty"`

	// Failed curation attempts of a PENDING candidate, most recent last.
	CurationAttempts  int        `json:"curation_attempts"`
	LastAttemptAt     *time.Time `json:"last_attempt_at,omitempty"`
	LastCurationError *ErrorInfo `json:"last_curation_error,omitempty"`
}

// NewCandidate creates a new Candidate with PENDING status.
func NewCandidate(id, sourceURL, imageURL, platform string, tags []string, popularity *float64) Candidate {
	if tags == nil {
		tags = []string{}
	}
	return Candidate{
		ID:           id,
		SourceURL:    sourceURL,
		ImageURL:     imageURL,
		Platform:     platform,
		Tags:         tags,
		Popularity:   popularity,
		Status:       StatusPending,
		Attributes:   UnknownAttributes(),
		DiscoveredAt: time.Now().UTC(),
	}
}

// ImageRef returns the reference handed to image collaborators.
func (c Candidate) ImageRef() string {
	if c.ImageURL != "" {
		return c.ImageURL
	}
	return c.SourceURL
}

// Quality returns the quality score or zero when it has not been assigned.
func (c Candidate) Quality() float64 {
	if c.QualityScore == nil {
		return 0
	}
	return *c.QualityScore
}

// DimensionValue returns the candidate's value in the given diversity dimension.
func (c Candidate) DimensionValue(d Dimension) string {
	switch d {
	case DimensionAgeRating:
		if c.AgeRating == "" {
			return Unknown
		}
		return string(c.AgeRating)
	case DimensionGender:
		return string(c.Attributes.Gender)
	case DimensionSpecies:
		return string(c.Attributes.Species)
	case DimensionStyle:
		return string(c.Attributes.Style)
	default:
		return Unknown
	}
}

// CurationOutcome is the single terminal write the curation pipeline performs.
type CurationOutcome struct {
	Status       Status
	SafetyTier   SafetyTier
	AgeRating    AgeRating
	QualityScore *float64
	Attributes   Attributes
	Fingerprint  *uint64
	NeedsReview  bool
	RejectReason string
	CuratedAt    time.Time
}

// CandidateFilter holds query parameters for listing candidates.
type CandidateFilter struct {
	Statuses    []Status
	AgeRating   AgeRating
	NeedsReview *bool
	Limit       int
	Offset      int
}
