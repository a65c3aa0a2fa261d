package store

import (
	"context"
	"time"

	"github.com/yangwenmai/charseed/internal/model"
)

// CandidateReader provides read access to candidates.
type CandidateReader interface {
	GetCandidate(ctx context.Context, id string) (*model.Candidate, error)
	KnownSourceURLs(ctx context.Context, urls []string) (map[string]bool, error)
	ListCandidates(ctx context.Context, f model.CandidateFilter) ([]model.Candidate, error)
	ListPending(ctx context.Context, limit int) ([]model.Candidate, error)
	ListApproved(ctx context.Context) ([]model.Candidate, error)
	RecentConsumed(ctx context.Context, n int) ([]model.Candidate, error)
	RecentFingerprints(ctx context.Context, n int) ([]uint64, error)
	CountByStatus(ctx context.Context) (model.StatusCounts, error)
	CountConsumedSince(ctx context.Context, since time.Time) (int, error)
}

// CandidateWriter provides the single-record writes of the candidate lifecycle.
type CandidateWriter interface {
	CreateCandidate(ctx context.Context, c model.Candidate) (bool, error)
	CompleteCuration(ctx context.Context, id string, o model.CurationOutcome) error
	RecordCurationFailure(ctx context.Context, id string, info model.ErrorInfo, at time.Time) error
	MarkConsumed(ctx context.Context, id, entryID string, at time.Time) error
	MarkGenerationFailed(ctx context.Context, id, reason string) error
	RequeueGenerationFailed(ctx context.Context, id string) error
}

// RunStore provides access to batch run log persistence.
type RunStore interface {
	CreateRun(ctx context.Context, r model.BatchRunLog) error
	UpdateRun(ctx context.Context, r model.BatchRunLog) error
	GetRun(ctx context.Context, id string) (*model.BatchRunLog, error)
	ListRecentRuns(ctx context.Context, limit int) ([]model.BatchRunLog, error)
}

// Repository combines every store operation.
type Repository interface {
	CandidateReader
	CandidateWriter
	RunStore
}
