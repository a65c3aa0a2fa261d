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

var candidateColumns = []string{
	"id", "source_url", "image_url", "platform", "external_id", "title", "tags", "popularity",
	"status", "safety_tier", "age_rating", "quality_score", "gender", "species", "style",
	"fingerprint", "needs_review", "reject_reason", "entry_id", "failure_reason", "requeue_count",
	"discovered_at", "curated_at", "consumed_at",
	"curation_attempts", "last_attempt_at", "last_error",
}

// curatedStatuses are the statuses of candidates that passed curation at some point.
var curatedStatuses = []string{
	string(model.StatusApproved), string(model.StatusConsumed), string(model.StatusGenerationFailed),
}

// CreateCandidate inserts a new candidate. It is idempotent on source URL: when the
// URL is already known nothing is written and created is false.
func (s *Store) CreateCandidate(ctx context.Context, c model.Candidate) (created bool, err error) {
	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return false, fmt.Errorf("marshal tags: %w", err)
	}
	if c.Tags == nil {
		tags = []byte("[]")
	}
	attrs := c.Attributes
	if attrs == (model.Attributes{}) {
		attrs = model.UnknownAttributes()
	}

	res, err := s.exec(ctx, s.sb.Insert("candidates").
		Columns("id", "source_url", "image_url", "platform", "external_id", "title", "tags", "popularity",
			"status", "gender", "species", "style", "discovered_at", "updated_at").
		Values(c.ID, c.SourceURL, c.ImageURL, c.Platform, c.ExternalID, c.Title, string(tags), c.Popularity,
			string(model.StatusPending), string(attrs.Gender), string(attrs.Species), string(attrs.Style),
			formatTime(c.DiscoveredAt), formatTime(time.Now())).
		Suffix("ON CONFLICT (source_url) DO NOTHING"))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetCandidate returns a candidate by ID.
func (s *Store) GetCandidate(ctx context.Context, id string) (*model.Candidate, error) {
	row, err := s.queryRow(ctx, s.sb.Select(candidateColumns...).From("candidates").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	c, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("candidate %s: %w", id, model.ErrNotFound)
	}
	return c, err
}

// KnownSourceURLs returns the subset of urls that already have a candidate.
func (s *Store) KnownSourceURLs(ctx context.Context, urls []string) (map[string]bool, error) {
	known := make(map[string]bool)
	if len(urls) == 0 {
		return known, nil
	}
	rows, err := s.query(ctx, s.sb.Select("source_url").From("candidates").Where(sq.Eq{"source_url": urls}))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		known[u] = true
	}
	return known, rows.Err()
}

// ListCandidates returns candidates matching the filter, oldest discovery first.
func (s *Store) ListCandidates(ctx context.Context, f model.CandidateFilter) ([]model.Candidate, error) {
	q := s.sb.Select(candidateColumns...).From("candidates")
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		q = q.Where(sq.Eq{"status": statuses})
	}
	if f.AgeRating != "" {
		q = q.Where(sq.Eq{"age_rating": string(f.AgeRating)})
	}
	if f.NeedsReview != nil {
		q = q.Where(sq.Eq{"needs_review": *f.NeedsReview})
	}
	q = q.OrderBy("discovered_at ASC", "id ASC")
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}
	return s.listCandidates(ctx, q)
}

// ListPending returns up to limit PENDING candidates. Never-attempted candidates
// come first, oldest discovery first, followed by failed ones in order of their
// last attempt, so candidates that keep failing rotate to the back of the queue.
func (s *Store) ListPending(ctx context.Context, limit int) ([]model.Candidate, error) {
	q := s.sb.Select(candidateColumns...).From("candidates").
		Where(sq.Eq{"status": string(model.StatusPending)}).
		OrderBy("last_attempt_at IS NOT NULL", "last_attempt_at ASC", "discovered_at ASC", "id ASC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return s.listCandidates(ctx, q)
}

// ListApproved returns every APPROVED (unconsumed) candidate.
func (s *Store) ListApproved(ctx context.Context) ([]model.Candidate, error) {
	return s.ListCandidates(ctx, model.CandidateFilter{Statuses: []model.Status{model.StatusApproved}})
}

// RecentConsumed returns the n most recently consumed candidates, newest first.
func (s *Store) RecentConsumed(ctx context.Context, n int) ([]model.Candidate, error) {
	q := s.sb.Select(candidateColumns...).From("candidates").
		Where(sq.Eq{"status": string(model.StatusConsumed)}).
		OrderBy("consumed_at DESC", "id DESC").
		Limit(uint64(n))
	return s.listCandidates(ctx, q)
}

// RecentFingerprints returns visual fingerprints of the n most recently approved
// candidates, including ones consumed or failed since.
func (s *Store) RecentFingerprints(ctx context.Context, n int) ([]uint64, error) {
	rows, err := s.query(ctx, s.sb.Select("fingerprint").From("candidates").
		Where(sq.Eq{"status": curatedStatuses}).
		Where(sq.NotEq{"fingerprint": nil}).
		OrderBy("curated_at DESC").
		Limit(uint64(n)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fps []uint64
	for rows.Next() {
		var fp int64
		if err := rows.Scan(&fp); err != nil {
			return nil, err
		}
		fps = append(fps, uint64(fp))
	}
	return fps, rows.Err()
}

// CompleteCuration writes the terminal curation outcome of a PENDING candidate.
// Derived fields are written exactly once: a candidate no longer PENDING yields
// ErrStatusConflict and is left untouched.
func (s *Store) CompleteCuration(ctx context.Context, id string, o model.CurationOutcome) error {
	if err := model.ValidateTransition(model.StatusPending, o.Status); err != nil {
		return err
	}
	var fp *int64
	if o.Fingerprint != nil {
		v := int64(*o.Fingerprint)
		fp = &v
	}
	attrs := o.Attributes
	if attrs == (model.Attributes{}) {
		attrs = model.UnknownAttributes()
	}

	return s.compareAndSet(ctx, id, model.StatusPending, map[string]interface{}{
		"status":        string(o.Status),
		"safety_tier":   string(o.SafetyTier),
		"age_rating":    string(o.AgeRating),
		"quality_score": o.QualityScore,
		"gender":        string(attrs.Gender),
		"species":       string(attrs.Species),
		"style":         string(attrs.Style),
		"fingerprint":   fp,
		"needs_review":  o.NeedsReview,
		"reject_reason": o.RejectReason,
		"curated_at":    formatTime(o.CuratedAt),
	})
}

// RecordCurationFailure notes a failed curation attempt of a PENDING candidate.
// The candidate stays PENDING; ErrStatusConflict is returned when it no longer is.
func (s *Store) RecordCurationFailure(ctx context.Context, id string, info model.ErrorInfo, at time.Time) error {
	return s.compareAndSet(ctx, id, model.StatusPending, map[string]interface{}{
		"curation_attempts": sq.Expr("curation_attempts + 1"),
		"last_attempt_at":   formatTime(at),
		"last_error":        info.ToJSON(),
	})
}

// MarkConsumed links an APPROVED candidate to its generated entry. A candidate that
// another run consumed (or failed) first yields ErrConcurrentConsumption.
func (s *Store) MarkConsumed(ctx context.Context, id, entryID string, at time.Time) error {
	err := s.compareAndSet(ctx, id, model.StatusApproved, map[string]interface{}{
		"status":      string(model.StatusConsumed),
		"entry_id":    entryID,
		"consumed_at": formatTime(at),
	})
	if errors.Is(err, model.ErrStatusConflict) {
		return s.consumptionConflict(ctx, id, err)
	}
	return err
}

// MarkGenerationFailed records that entry generation for an APPROVED candidate failed.
func (s *Store) MarkGenerationFailed(ctx context.Context, id, reason string) error {
	err := s.compareAndSet(ctx, id, model.StatusApproved, map[string]interface{}{
		"status":         string(model.StatusGenerationFailed),
		"failure_reason": reason,
	})
	if errors.Is(err, model.ErrStatusConflict) {
		return s.consumptionConflict(ctx, id, err)
	}
	return err
}

// RequeueGenerationFailed makes a GENERATION_FAILED candidate selectable again.
// It is the one operator-initiated exception to forward-only transitions; curation
// results are kept as they are.
func (s *Store) RequeueGenerationFailed(ctx context.Context, id string) error {
	res, err := s.exec(ctx, s.sb.Update("candidates").
		Set("status", string(model.StatusApproved)).
		Set("failure_reason", "").
		Set("requeue_count", sq.Expr("requeue_count + 1")).
		Set("updated_at", formatTime(time.Now())).
		Where(sq.Eq{"id": id, "status": string(model.StatusGenerationFailed)}))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gErr := s.GetCandidate(ctx, id); gErr != nil {
			return gErr
		}
		return fmt.Errorf("requeue %s: %w", id, model.ErrStatusConflict)
	}
	return nil
}

// CountByStatus returns the number of candidates per status.
func (s *Store) CountByStatus(ctx context.Context) (model.StatusCounts, error) {
	var counts model.StatusCounts
	rows, err := s.query(ctx, s.sb.Select("status", "COUNT(*)").From("candidates").GroupBy("status"))
	if err != nil {
		return counts, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, err
		}
		switch model.Status(status) {
		case model.StatusPending:
			counts.Pending = n
		case model.StatusApproved:
			counts.Approved = n
		case model.StatusRejected:
			counts.Rejected = n
		case model.StatusConsumed:
			counts.Consumed = n
		case model.StatusGenerationFailed:
			counts.GenerationFailed = n
		}
	}
	if err := rows.Err(); err != nil {
		return counts, err
	}
	rows.Close()

	row, err := s.queryRow(ctx, s.sb.Select("COUNT(*)").From("candidates").
		Where(sq.Eq{"status": string(model.StatusApproved), "needs_review": true}))
	if err != nil {
		return counts, err
	}
	if err := row.Scan(&counts.NeedsReview); err != nil {
		return counts, err
	}
	return counts, nil
}

// CountConsumedSince returns how many candidates were consumed at or after since.
func (s *Store) CountConsumedSince(ctx context.Context, since time.Time) (int, error) {
	row, err := s.queryRow(ctx, s.sb.Select("COUNT(*)").From("candidates").
		Where(sq.Eq{"status": string(model.StatusConsumed)}).
		Where(sq.GtOrEq{"consumed_at": formatTime(since)}))
	if err != nil {
		return 0, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// compareAndSet applies a single-record update only while the candidate is still in
// the expected status.
func (s *Store) compareAndSet(ctx context.Context, id string, from model.Status, set map[string]interface{}) error {
	set["updated_at"] = formatTime(time.Now())
	res, err := s.exec(ctx, s.sb.Update("candidates").SetMap(set).
		Where(sq.Eq{"id": id, "status": string(from)}))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gErr := s.GetCandidate(ctx, id); gErr != nil {
			return gErr
		}
		return fmt.Errorf("candidate %s not %s: %w", id, from, model.ErrStatusConflict)
	}
	return nil
}

func (s *Store) consumptionConflict(ctx context.Context, id string, err error) error {
	c, gErr := s.GetCandidate(ctx, id)
	if gErr != nil {
		return gErr
	}
	if c.Status == model.StatusConsumed || c.Status == model.StatusGenerationFailed {
		return fmt.Errorf("candidate %s is %s: %w", id, c.Status, model.ErrConcurrentConsumption)
	}
	return err
}

func (s *Store) listCandidates(ctx context.Context, q sq.SelectBuilder) ([]model.Candidate, error) {
	rows, err := s.query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanCandidate(row scanner) (*model.Candidate, error) {
	var (
		c                      model.Candidate
		tags                   string
		status, tier, rating   string
		gender, species, style string
		popularity, quality    sql.NullFloat64
		fingerprint            sql.NullInt64
		entryID                sql.NullString
		discoveredAt           string
		curatedAt, consumedAt  sql.NullString
		lastAttemptAt          sql.NullString
		lastError              string
	)
	err := row.Scan(&c.ID, &c.SourceURL, &c.ImageURL, &c.Platform, &c.ExternalID, &c.Title, &tags, &popularity,
		&status, &tier, &rating, &quality, &gender, &species, &style,
		&fingerprint, &c.NeedsReview, &c.RejectReason, &entryID, &c.FailureReason, &c.RequeueCount,
		&discoveredAt, &curatedAt, &consumedAt,
		&c.CurationAttempts, &lastAttemptAt, &lastError)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of %s: %w", c.ID, err)
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}
	c.Status = model.Status(status)
	c.SafetyTier = model.SafetyTier(tier)
	c.AgeRating = model.AgeRating(rating)
	c.Attributes = model.Attributes{
		Gender:  model.Gender(gender),
		Species: model.Species(species),
		Style:   model.Style(style),
	}
	if popularity.Valid {
		c.Popularity = &popularity.Float64
	}
	if quality.Valid {
		c.QualityScore = &quality.Float64
	}
	if fingerprint.Valid {
		fp := uint64(fingerprint.Int64)
		c.Fingerprint = &fp
	}
	c.EntryID = entryID.String

	if c.DiscoveredAt, err = parseTime(discoveredAt); err != nil {
		return nil, fmt.Errorf("parse discovered_at of %s: %w", c.ID, err)
	}
	if c.CuratedAt, err = parseNullTime(curatedAt); err != nil {
		return nil, fmt.Errorf("parse curated_at of %s: %w", c.ID, err)
	}
	if c.ConsumedAt, err = parseNullTime(consumedAt); err != nil {
		return nil, fmt.Errorf("parse consumed_at of %s: %w", c.ID, err)
	}
	if c.LastAttemptAt, err = parseNullTime(lastAttemptAt); err != nil {
		return nil, fmt.Errorf("parse last_attempt_at of %s: %w", c.ID, err)
	}
	if c.LastCurationError, err = model.ParseErrorInfo(lastError); err != nil {
		return nil, fmt.Errorf("last_error of %s: %w", c.ID, err)
	}
	return &c, nil
}
