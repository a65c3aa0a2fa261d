// Package source discovers candidate images on an external platform and records
// new ones as PENDING candidates.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/yangwenmai/charseed/internal/model"
	"github.com/yangwenmai/charseed/internal/retry"
)

// Query describes what to search for.
type Query struct {
	Keywords      []string         `yaml:"keywords" json:"keywords" validate:"min=1,dive,required"`
	MinPopularity float64          `yaml:"minPopularity" json:"min_popularity" validate:"gte=0"`
	SafetyTier    model.SafetyTier `yaml:"safety" json:"safety" validate:"omitempty,oneof=sfw soft mature explicit"`
}

func (q Query) String() string {
	return strings.Join(q.Keywords, " ")
}

// Result is one search hit as reported by the platform.
type Result struct {
	SourceURL  string
	ImageURL   string
	ExternalID string
	Title      string
	Tags       []string
	Popularity *float64
}

// Page is one page of search results.
type Page struct {
	Results       []Result
	NextPageToken string
}

// Searcher is the external source collaborator.
type Searcher interface {
	Platform() string
	Search(ctx context.Context, q Query, pageToken string) (Page, error)
}

// Resolver is implemented by searchers that enrich a result with an extra
// request. The client resolves only results it is about to store.
type Resolver interface {
	Resolve(ctx context.Context, r Result) (Result, error)
}

// CandidateStore is the part of the asset store the source client writes to.
type CandidateStore interface {
	KnownSourceURLs(ctx context.Context, urls []string) (map[string]bool, error)
	CreateCandidate(ctx context.Context, c model.Candidate) (bool, error)
}

// Client fetches pages from a Searcher, filters and deduplicates the hits, and
// stores new candidates.
type Client struct {
	searcher Searcher
	store    CandidateStore
	quota    *Quota
	policy   retry.Policy
	maxPages int
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithRetryPolicy sets the retry policy applied to every page request.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithMaxPages bounds the pages walked per fetch (default 10).
func WithMaxPages(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxPages = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a source client. quota may be nil when the searcher makes no
// metered requests.
func NewClient(searcher Searcher, store CandidateStore, quota *Quota, opts ...Option) *Client {
	c := &Client{
		searcher: searcher,
		store:    store,
		quota:    quota,
		policy:   retry.WithRetries(2, defaultBackoff, 2),
		maxPages: 10,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Quota returns the client's request counter, or nil.
func (c *Client) Quota() *Quota {
	return c.quota
}

// FetchCandidates walks result pages until limit new candidates were stored, the
// results run out or the page bound is hit. New candidates are written as PENDING
// and returned. When the daily quota runs out the candidates found so far are
// returned together with an error wrapping ErrQuotaExceeded.
func (c *Client) FetchCandidates(ctx context.Context, q Query, limit int) ([]model.Candidate, error) {
	if c.quota != nil && c.quota.Exhausted() {
		return nil, fmt.Errorf("fetch %q: %w", q, model.ErrQuotaExceeded)
	}

	var found []model.Candidate
	token := ""
	for page := 0; page < c.maxPages && len(found) < limit; page++ {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		pageToken := token
		res, err := retry.Do(ctx, c.policy, func(ctx context.Context) (Page, error) {
			p, err := c.searcher.Search(ctx, q, pageToken)
			if errors.Is(err, model.ErrQuotaExceeded) {
				return p, retry.Permanent(err)
			}
			return p, err
		})
		if err != nil {
			if errors.Is(err, model.ErrQuotaExceeded) {
				c.logger.Warn("source quota exhausted", "query", q.String(), "found", len(found))
				return found, fmt.Errorf("fetch %q: %w", q, model.ErrQuotaExceeded)
			}
			return found, fmt.Errorf("search %s page %d: %w", c.searcher.Platform(), page+1, err)
		}

		stored, err := c.ingest(ctx, q, res.Results, limit-len(found))
		found = append(found, stored...)
		if err != nil {
			return found, err
		}
		if res.NextPageToken == "" {
			break
		}
		token = res.NextPageToken
	}

	c.logger.Info("source fetch done", "platform", c.searcher.Platform(), "query", q.String(), "new", len(found))
	return found, nil
}

// ingest filters a page of results and stores at most max unseen ones. Results
// are resolved only after the popularity and known-URL filters.
func (c *Client) ingest(ctx context.Context, q Query, results []Result, max int) ([]model.Candidate, error) {
	seen := make(map[string]bool, len(results))
	var fresh []Result
	var urls []string
	for _, r := range results {
		if r.SourceURL == "" || seen[r.SourceURL] {
			continue
		}
		seen[r.SourceURL] = true
		if r.Popularity != nil && *r.Popularity < q.MinPopularity {
			continue
		}
		fresh = append(fresh, r)
		urls = append(urls, r.SourceURL)
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	known, err := c.store.KnownSourceURLs(ctx, urls)
	if err != nil {
		return nil, fmt.Errorf("look up known urls: %w", err)
	}

	resolver, resolve := c.searcher.(Resolver)
	var stored []model.Candidate
	for _, r := range fresh {
		if len(stored) >= max {
			break
		}
		if known[r.SourceURL] {
			continue
		}
		if resolve {
			resolved, err := resolver.Resolve(ctx, r)
			switch {
			case ctx.Err() != nil:
				return stored, ctx.Err()
			case errors.Is(err, model.ErrQuotaExceeded):
				// Keep the listing data for the rest of the page.
				resolve = false
			case err != nil:
				c.logger.Debug("resolve result failed", "url", r.SourceURL, "error", err)
			default:
				r = resolved
			}
		}
		cand := model.NewCandidate(uuid.NewString(), r.SourceURL, r.ImageURL, c.searcher.Platform(), r.Tags, r.Popularity)
		cand.ExternalID = r.ExternalID
		cand.Title = r.Title
		created, err := c.store.CreateCandidate(ctx, cand)
		if err != nil {
			return stored, fmt.Errorf("store candidate %s: %w", r.SourceURL, err)
		}
		if created {
			stored = append(stored, cand)
		}
	}
	return stored, nil
}
