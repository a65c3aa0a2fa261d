package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrQuotaExceeded is returned once the daily source-request budget is spent.
	ErrQuotaExceeded = errors.New("source request quota exceeded")

	// ErrConcurrentConsumption means another run consumed the candidate first.
	ErrConcurrentConsumption = errors.New("candidate already consumed by another run")

	// ErrStatusConflict means a compare-and-set status write found an unexpected status.
	ErrStatusConflict = errors.New("candidate status changed concurrently")

	// ErrInvalidTransition is returned for any backward or unknown status transition.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
)

// InfraError marks a collaborator call that failed for infrastructure reasons
// (unreachable, timeout, malformed response). Candidates hit by it stay PENDING.
type InfraError struct {
	Op  string
	Err error
}

func (e *InfraError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *InfraError) Unwrap() error {
	return e.Err
}

// GenerationError is recorded when entry generation fails after exhausting retries.
type GenerationError struct {
	CandidateID string
	Attempts    int
	Err         error
}

func (e *GenerationError) Error() string {
	return "generate entry for " + e.CandidateID + ": " + e.Err.Error()
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// ErrorInfo holds structured failure information for a candidate.
type ErrorInfo struct {
	FailedStep string `json:"failed_step"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	FailedAt   string `json:"failed_at"`
}

// ToJSON serializes ErrorInfo to a JSON string.
func (e ErrorInfo) ToJSON() string {
	b, _ := json.Marshal(e)
	return string(b)
}

// ParseErrorInfo decodes the output of ToJSON. An empty string yields nil.
func ParseErrorInfo(s string) (*ErrorInfo, error) {
	if s == "" {
		return nil, nil
	}
	var e ErrorInfo
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return nil, fmt.Errorf("decode error info: %w", err)
	}
	return &e, nil
}
