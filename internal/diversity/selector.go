package diversity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/yangwenmai/charseed/internal/model"
)

// Config controls selection.
type Config struct {
	Targets Targets `yaml:"targets"`
	// MaxGenderRun is the longest allowed run of equal gender values in one batch.
	MaxGenderRun int `yaml:"maxGenderRun" validate:"min=1"`
	// MaxSpeciesRun is the longest allowed run of equal species values in one batch.
	MaxSpeciesRun int `yaml:"maxSpeciesRun" validate:"min=1"`
	// Lookback is how many recently consumed entries the observed state covers.
	Lookback int `yaml:"lookback" validate:"min=1"`
}

// DefaultConfig returns the built-in targets and run limits.
func DefaultConfig() Config {
	return Config{
		Targets: Targets{
			model.DimensionAgeRating: {"general": 0.5, "teen": 0.3, "mature": 0.2},
			model.DimensionGender:    {"female": 0.45, "male": 0.45, "nonbinary": 0.1},
			model.DimensionSpecies:   {"human": 0.5, "humanoid": 0.2, "anthro": 0.15, "creature": 0.1, "robot": 0.05},
			model.DimensionStyle:     {"anime": 0.4, "realistic": 0.2, "cartoon": 0.15, "painterly": 0.15, "pixel": 0.1},
		},
		MaxGenderRun:  3,
		MaxSpeciesRun: 2,
		Lookback:      100,
	}
}

type scored struct {
	c     model.Candidate
	score float64
}

// Select orders pool by underrepresentation score and greedily takes up to n
// candidates, skipping any that would extend a gender run past MaxGenderRun or a
// species run past MaxSpeciesRun. Unknown values are exempt from the run limits.
// Skipped candidates stay eligible for later
// positions. Fewer than n are returned when the pool runs out or every remaining
// candidate would break a run limit.
func Select(pool []model.Candidate, st State, cfg Config, n int) []model.Candidate {
	if n <= 0 || len(pool) == 0 {
		return nil
	}

	ranked := make([]scored, len(pool))
	for i, c := range pool {
		ranked[i] = scored{c: c, score: Score(c, cfg.Targets, st)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.c.Quality() != b.c.Quality() {
			return a.c.Quality() > b.c.Quality()
		}
		if !a.c.DiscoveredAt.Equal(b.c.DiscoveredAt) {
			return a.c.DiscoveredAt.Before(b.c.DiscoveredAt)
		}
		return a.c.ID < b.c.ID
	})

	out := make([]model.Candidate, 0, min(n, len(ranked)))
	taken := make([]bool, len(ranked))
	for len(out) < n {
		next := -1
		for i, r := range ranked {
			if taken[i] {
				continue
			}
			if breaksRun(out, r.c, model.DimensionGender, cfg.MaxGenderRun) ||
				breaksRun(out, r.c, model.DimensionSpecies, cfg.MaxSpeciesRun) {
				continue
			}
			next = i
			break
		}
		if next < 0 {
			break
		}
		taken[next] = true
		out = append(out, ranked[next].c)
	}
	return out
}

// breaksRun reports whether appending c to out would make the trailing run of
// equal values in dimension d longer than limit. A limit below 1 disables the check.
// Unknown values never form a run: nothing is known to repeat.
func breaksRun(out []model.Candidate, c model.Candidate, d model.Dimension, limit int) bool {
	if limit < 1 {
		return false
	}
	v := c.DimensionValue(d)
	if v == model.Unknown {
		return false
	}
	run := 0
	for i := len(out) - 1; i >= 0 && out[i].DimensionValue(d) == v; i-- {
		run++
	}
	return run+1 > limit
}

// Store is the read access the selector needs.
type Store interface {
	ListApproved(ctx context.Context) ([]model.Candidate, error)
	RecentConsumed(ctx context.Context, n int) ([]model.Candidate, error)
}

// Selector loads the candidate pool and recent history and runs Select.
type Selector struct {
	store  Store
	cfg    Config
	logger *slog.Logger
}

// NewSelector creates a Selector.
func NewSelector(s Store, cfg Config, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{store: s, cfg: cfg, logger: logger}
}

// SelectBatch returns the identifiers of up to targetSize approved candidates in
// the order they should be consumed.
func (s *Selector) SelectBatch(ctx context.Context, targetSize int) ([]string, error) {
	pool, err := s.store.ListApproved(ctx)
	if err != nil {
		return nil, fmt.Errorf("load candidate pool: %w", err)
	}
	recent, err := s.store.RecentConsumed(ctx, s.cfg.Lookback)
	if err != nil {
		return nil, fmt.Errorf("load consumption history: %w", err)
	}

	st := ComputeState(recent)
	picked := Select(pool, st, s.cfg, targetSize)

	ids := make([]string, len(picked))
	for i, c := range picked {
		ids[i] = c.ID
	}
	s.logger.Info("batch selected",
		"requested", targetSize, "selected", len(ids), "pool", len(pool), "history", st.Window)
	return ids, nil
}
