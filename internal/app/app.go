// Package app wires the store, source client, curation pipeline, selector, batch
// orchestrator and scheduler together and exposes the operator operations.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/yangwenmai/charseed/internal/batch"
	"github.com/yangwenmai/charseed/internal/config"
	"github.com/yangwenmai/charseed/internal/curation"
	"github.com/yangwenmai/charseed/internal/diversity"
	"github.com/yangwenmai/charseed/internal/model"
	"github.com/yangwenmai/charseed/internal/scheduler"
	"github.com/yangwenmai/charseed/internal/source"
	"github.com/yangwenmai/charseed/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	recentRuns      = 10
)

// App is a fully wired charseed process.
type App struct {
	cfg       config.Config
	db        *sql.DB
	store     *store.Store
	source    *source.Client
	curation  *curation.Pipeline
	selector  *diversity.Selector
	batch     *batch.Orchestrator
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
}

// New opens the configured database and builds every component.
func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Database.Driver, err)
	}
	s, err := store.NewWithDriver(db, cfg.Database.Driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}
	a, err := NewWithStore(cfg, s, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	a.db = db
	return a, nil
}

// NewWithStore builds every component on an already opened store.
func NewWithStore(cfg config.Config, s *store.Store, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, store: s, logger: logger}

	searcher, quota := a.buildSearcher()
	a.source = source.NewClient(searcher, s, quota,
		source.WithMaxPages(cfg.Source.MaxPages),
		source.WithLogger(logger.With("component", "source")))

	classifier, scorer, extractor, fingerprinter := a.buildCurators()
	a.curation = curation.NewPipeline(s, classifier, scorer, extractor, fingerprinter,
		curationConfig(cfg.Curation), logger.With("component", "curation"))

	a.selector = diversity.NewSelector(s, cfg.Diversity, logger.With("component", "diversity"))
	a.batch = batch.NewOrchestrator(s, a.selector, a.buildGenerator(), batchConfig(cfg.Generation),
		logger.With("component", "batch"))

	curationTrigger, err := scheduler.NewCronTrigger(cfg.Scheduler.CurationCron, cfg.Scheduler.Location())
	if err != nil {
		return nil, err
	}
	batchTrigger, err := scheduler.NewCronTrigger(cfg.Scheduler.BatchCron, cfg.Scheduler.Location())
	if err != nil {
		return nil, err
	}
	a.scheduler = scheduler.New(a.source, a.curation, a.batch, s, curationTrigger, batchTrigger,
		scheduler.Config{
			Queries:          cfg.Source.Queries,
			FetchLimit:       cfg.Source.FetchLimit,
			MaxCurationItems: cfg.Curation.MaxItems,
			BatchSize:        cfg.Scheduler.BatchSize,
			DailyCeiling:     cfg.Scheduler.DailyCeiling,
			Location:         cfg.Scheduler.Location(),
		}, logger.With("component", "scheduler"))
	return a, nil
}

func (a *App) buildSearcher() (source.Searcher, *source.Quota) {
	cfg := a.cfg.Source
	if cfg.Platform != "api" && cfg.Platform != "gallery" {
		a.logger.Info("using stub source")
		return &source.StubSearcher{PerPage: cfg.PageSize}, nil
	}

	quota := source.NewQuota(cfg.DailyQuota, a.cfg.Scheduler.Location(), nil)
	client := source.NewHTTPClient(cfg.RequestTimeout, quota, source.NewLimiter(cfg.RequestsPerSecond))
	if cfg.Platform == "api" {
		a.logger.Info("using search API source", "base_url", cfg.BaseURL)
		return source.NewAPISearcher(cfg.BaseURL, cfg.APIKey, cfg.PageSize, client), quota
	}
	a.logger.Info("using gallery source", "base_url", cfg.BaseURL, "resolve_post_image", cfg.ResolvePostImage)
	return source.NewGallerySearcher(cfg.BaseURL, client, cfg.ResolvePostImage,
		a.logger.With("component", "gallery")), quota
}

func (a *App) buildCurators() (curation.Classifier, curation.Scorer, curation.AttributeExtractor, curation.Fingerprinter) {
	cfg := a.cfg.Curation
	if cfg.UseStubs() {
		a.logger.Info("curation provider not configured, using stub curation", "provider", cfg.Provider)
		var stub curation.Stub
		return stub, stub, stub, stub
	}

	fingerprinter := curation.NewDHasher(&http.Client{Timeout: cfg.CallTimeout})
	switch cfg.Provider {
	case "openai":
		opts := []curation.OpenAIOption{curation.WithModel(cfg.Model)}
		if cfg.Endpoint != "" {
			opts = append(opts, curation.WithBaseURL(cfg.Endpoint))
		}
		a.logger.Info("using OpenAI-compatible curation", "model", cfg.Model)
		c := curation.NewOpenAIClient(cfg.APIKey, opts...)
		return c, c, c, fingerprinter
	default:
		a.logger.Info("using ML service curation", "endpoint", cfg.Endpoint)
		c := curation.NewMLClient(cfg.Endpoint, cfg.APIKey)
		return c, c, c, fingerprinter
	}
}

func (a *App) buildGenerator() batch.Generator {
	cfg := a.cfg.Generation
	if cfg.Endpoint == "" {
		a.logger.Info("generation endpoint not set, using stub generator")
		return batch.StubGenerator{}
	}
	a.logger.Info("using generation service", "endpoint", cfg.Endpoint)
	return batch.NewHTTPGenerator(cfg.Endpoint, cfg.APIKey)
}

func curationConfig(c config.CurationConfig) curation.Config {
	cfg := curation.DefaultConfig()
	cfg.MinScore = c.MinScore
	cfg.AutoApproveScore = c.AutoApproveScore
	cfg.RequireManualReview = c.RequireManualReview
	cfg.DuplicateThreshold = c.DuplicateThreshold
	cfg.DuplicateLookback = c.DuplicateLookback
	cfg.Concurrency = c.Concurrency
	cfg.CallTimeout = c.CallTimeout
	cfg.CallRetries = c.CallRetries
	return cfg
}

func batchConfig(g config.GenerationConfig) batch.Config {
	return batch.Config{
		ItemTimeout:    g.ItemTimeout,
		Retries:        g.Retries,
		RetryBaseDelay: g.RetryBaseDelay,
		InterItemDelay: g.InterItemDelay,
		CostPerEntry:   g.CostPerEntry,
	}
}

// Run starts the scheduler and blocks until ctx is cancelled. With runOnStart a
// curation cycle runs first.
func (a *App) Run(ctx context.Context) {
	if a.cfg.Scheduler.RunOnStart {
		if _, err := a.TriggerCuration(ctx, a.cfg.Curation.MaxItems); err != nil {
			a.logger.Error("startup curation cycle", "error", err)
		}
	}
	a.scheduler.Start(ctx)
}

// Close stops an active batch after its current item and closes the database
// when App opened it.
func (a *App) Close() error {
	a.batch.Stop()
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// TriggerCuration runs a curation cycle now. It returns scheduler.ErrBusy when a
// cycle is already active.
func (a *App) TriggerCuration(ctx context.Context, maxItems int) (scheduler.CycleReport, error) {
	if maxItems <= 0 {
		maxItems = a.cfg.Curation.MaxItems
	}
	return a.scheduler.TriggerCuration(ctx, maxItems)
}

// TriggerBatch runs a batch now, capped by the remaining daily ceiling. It
// returns scheduler.ErrBusy when a batch is already active.
func (a *App) TriggerBatch(ctx context.Context, targetSize int) (*model.BatchRunLog, error) {
	if targetSize <= 0 {
		targetSize = a.cfg.Scheduler.BatchSize
	}
	return a.scheduler.TriggerBatch(ctx, targetSize)
}

// StopBatch asks the active batch run to stop after its current item.
func (a *App) StopBatch() {
	a.batch.Stop()
}

// Stats is a snapshot of the pipeline state.
type Stats struct {
	Counts         model.StatusCounts  `json:"counts"`
	ConsumedToday  int                 `json:"consumed_today"`
	DailyCeiling   int                 `json:"daily_ceiling"`
	QuotaUsed      int                 `json:"quota_used"`
	QuotaRemaining int                 `json:"quota_remaining"`
	RecentRuns     []model.BatchRunLog `json:"recent_runs"`
}

// GetStats returns candidate counts per status, today's consumption and the most
// recent batch runs.
func (a *App) GetStats(ctx context.Context) (Stats, error) {
	counts, err := a.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count candidates: %w", err)
	}
	today, err := a.scheduler.ConsumedToday(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count consumed today: %w", err)
	}
	runs, err := a.store.ListRecentRuns(ctx, recentRuns)
	if err != nil {
		return Stats{}, fmt.Errorf("list runs: %w", err)
	}

	st := Stats{Counts: counts, ConsumedToday: today, DailyCeiling: a.cfg.Scheduler.DailyCeiling, RecentRuns: runs}
	if q := a.source.Quota(); q != nil {
		st.QuotaUsed = q.Used()
		st.QuotaRemaining = q.Remaining()
	}
	return st, nil
}

// GetCandidates lists candidates matching f, oldest discovery first. A zero limit
// uses the default page size.
func (a *App) GetCandidates(ctx context.Context, f model.CandidateFilter) ([]model.Candidate, error) {
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, fmt.Errorf("unknown status %q", st)
		}
	}
	if f.Limit <= 0 {
		f.Limit = defaultPageSize
	}
	f.Limit = min(f.Limit, maxPageSize)
	if f.Offset < 0 {
		f.Offset = 0
	}
	return a.store.ListCandidates(ctx, f)
}

// RequeueGenerationFailed returns a GENERATION_FAILED candidate to APPROVED so a
// later batch may select it again. Curation is not re-run.
func (a *App) RequeueGenerationFailed(ctx context.Context, id string) error {
	if err := a.store.RequeueGenerationFailed(ctx, id); err != nil {
		return err
	}
	a.logger.Info("candidate requeued", "candidate_id", id)
	return nil
}
