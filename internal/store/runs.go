package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/yangwenmai/charseed/internal/model"
)

var runColumns = []string{
	"id", "status", "scheduled_at", "started_at", "completed_at", "requested", "succeeded", "failed",
	"selected_ids", "entry_ids", "skipped_ids", "errors", "duration_ms", "cost_estimate",
}

// CreateRun inserts a new in-progress batch run log.
func (s *Store) CreateRun(ctx context.Context, r model.BatchRunLog) error {
	values, err := runValues(r)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, s.sb.Insert("batch_runs").Columns(runColumns...).Values(values...))
	return err
}

// UpdateRun persists the current state of a run log. Finalized runs are immutable:
// updating one yields ErrStatusConflict.
func (s *Store) UpdateRun(ctx context.Context, r model.BatchRunLog) error {
	values, err := runValues(r)
	if err != nil {
		return err
	}
	set := make(map[string]interface{}, len(runColumns)-1)
	for i, col := range runColumns {
		if col == "id" {
			continue
		}
		set[col] = values[i]
	}

	res, err := s.exec(ctx, s.sb.Update("batch_runs").SetMap(set).
		Where(sq.Eq{"id": r.ID, "completed_at": nil}))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gErr := s.GetRun(ctx, r.ID); gErr != nil {
			return gErr
		}
		return fmt.Errorf("run %s already finalized: %w", r.ID, model.ErrStatusConflict)
	}
	return nil
}

// GetRun returns a run log by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*model.BatchRunLog, error) {
	row, err := s.queryRow(ctx, s.sb.Select(runColumns...).From("batch_runs").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, model.ErrNotFound)
	}
	return r, err
}

// ListRecentRuns returns the most recently scheduled runs, newest first.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]model.BatchRunLog, error) {
	q := s.sb.Select(runColumns...).From("batch_runs").OrderBy("scheduled_at DESC", "started_at DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	rows, err := s.query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.BatchRunLog
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func runValues(r model.BatchRunLog) ([]interface{}, error) {
	errs := r.Errors
	if errs == nil {
		errs = []model.RunError{}
	}
	var encoded [4]string
	for i, v := range []interface{}{nonNil(r.SelectedIDs), nonNil(r.EntryIDs), nonNil(r.SkippedIDs), errs} {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal run %s: %w", r.ID, err)
		}
		encoded[i] = string(b)
	}
	return []interface{}{
		r.ID, string(r.Status), formatTime(r.ScheduledAt), formatTime(r.StartedAt), formatTimePtr(r.CompletedAt),
		r.Requested, r.Succeeded, r.Failed,
		encoded[0], encoded[1], encoded[2], encoded[3],
		r.Duration.Milliseconds(), r.CostEstimate,
	}, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func scanRun(row scanner) (*model.BatchRunLog, error) {
	var (
		r                                      model.BatchRunLog
		status, scheduledAt, startedAt         string
		completedAt                            sql.NullString
		selected, entries, skipped, errorsJSON string
		durationMS                             int64
		cost                                   sql.NullFloat64
	)
	err := row.Scan(&r.ID, &status, &scheduledAt, &startedAt, &completedAt, &r.Requested, &r.Succeeded, &r.Failed,
		&selected, &entries, &skipped, &errorsJSON, &durationMS, &cost)
	if err != nil {
		return nil, err
	}

	r.Status = model.RunStatus(status)
	if r.ScheduledAt, err = parseTime(scheduledAt); err != nil {
		return nil, fmt.Errorf("parse scheduled_at of %s: %w", r.ID, err)
	}
	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at of %s: %w", r.ID, err)
	}
	if r.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at of %s: %w", r.ID, err)
	}
	for _, f := range []struct {
		raw string
		dst interface{}
	}{
		{selected, &r.SelectedIDs},
		{entries, &r.EntryIDs},
		{skipped, &r.SkippedIDs},
		{errorsJSON, &r.Errors},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("decode run %s: %w", r.ID, err)
		}
	}
	r.Duration = time.Duration(durationMS) * time.Millisecond
	if cost.Valid {
		r.CostEstimate = &cost.Float64
	}
	return &r, nil
}
