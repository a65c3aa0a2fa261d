package model

import "time"

// RunStatus is the state of a batch run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Error kinds recorded in run logs.
const (
	ErrorKindGeneration = "generation_failure"
	ErrorKindStore      = "store_error"
	ErrorKindCancelled  = "cancelled"
)

// RunError is one structured per-candidate failure in a batch run.
type RunError struct {
	CandidateID string `json:"candidate_id"`
	Kind        string `json:"kind"`
	Message     string `json:"message"`
}

// BatchRunLog records one execution of the batch orchestrator.
type BatchRunLog struct {
	ID           string        `json:"id"`
	Status       RunStatus     `json:"status"`
	ScheduledAt  time.Time     `json:"scheduled_at"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Requested    int           `json:"requested"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	SelectedIDs  []string      `json:"selected_ids"`
	EntryIDs     []string      `json:"entry_ids"`
	SkippedIDs   []string      `json:"skipped_ids"`
	Errors       []RunError    `json:"errors"`
	Duration     time.Duration `json:"duration"`
	CostEstimate *float64      `json:"cost_estimate,omitempty"`
}

// NewBatchRunLog creates an in-progress run log.
func NewBatchRunLog(id string, scheduledAt, startedAt time.Time, requested int) BatchRunLog {
	return BatchRunLog{
		ID:          id,
		Status:      RunStatusRunning,
		ScheduledAt: scheduledAt.UTC(),
		StartedAt:   startedAt.UTC(),
		Requested:   requested,
		SelectedIDs: []string{},
		EntryIDs:    []string{},
		SkippedIDs:  []string{},
		Errors:      []RunError{},
	}
}

// Finalized reports whether the run log is complete and therefore immutable.
func (r BatchRunLog) Finalized() bool {
	return r.CompletedAt != nil
}

// Finalize sets the completion time, duration and final status.
func (r *BatchRunLog) Finalize(at time.Time, status RunStatus) {
	at = at.UTC()
	r.CompletedAt = &at
	r.Duration = at.Sub(r.StartedAt)
	r.Status = status
}

// StatusCounts holds the number of candidates per status.
type StatusCounts struct {
	Pending          int `json:"pending"`
	Approved         int `json:"approved"`
	Rejected         int `json:"rejected"`
	Consumed         int `json:"consumed"`
	GenerationFailed int `json:"generation_failed"`
	NeedsReview      int `json:"needs_review"`
}
