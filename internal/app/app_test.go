package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/yangwenmai/charseed/internal/config"
	"github.com/yangwenmai/charseed/internal/model"
	"github.com/yangwenmai/charseed/internal/scheduler"
	"github.com/yangwenmai/charseed/internal/source"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "charseed.db")
	cfg.Source.PageSize = 10
	cfg.Source.FetchLimit = 20
	cfg.Source.Queries = []source.Query{{Keywords: []string{"knight"}}}
	cfg.Generation.InterItemDelay = 0
	cfg.Generation.RetryBaseDelay = time.Millisecond
	cfg.Scheduler.DailyCeiling = 0
	return cfg
}

func newTestApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	a, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNew_InvalidCron(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.BatchCron = "every hour"
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected error for invalid cron")
	}
}

func TestNew_UnsupportedDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "mysql"
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestCurationThenBatch(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	ctx := context.Background()

	report, err := a.TriggerCuration(ctx, 0)
	if err != nil {
		t.Fatalf("TriggerCuration: %v", err)
	}
	if report.Fetched != 20 {
		t.Errorf("Fetched = %d, want 20", report.Fetched)
	}
	if report.Curation.Processed != 20 {
		t.Errorf("Processed = %d, want 20", report.Curation.Processed)
	}

	before, err := a.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	c := before.Counts
	if got := c.Pending + c.Approved + c.Rejected; got != 20 {
		t.Fatalf("counts = %+v, want 20 curated candidates", c)
	}
	if c.Pending != 0 {
		t.Errorf("Pending = %d after curation, want 0", c.Pending)
	}

	run, err := a.TriggerBatch(ctx, 3)
	if err != nil {
		t.Fatalf("TriggerBatch: %v", err)
	}
	want := min(3, c.Approved)
	if run.Succeeded != want {
		t.Errorf("Succeeded = %d, want %d", run.Succeeded, want)
	}
	if run.Status != model.RunStatusCompleted {
		t.Errorf("Status = %s, want completed", run.Status)
	}

	after, err := a.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if after.Counts.Consumed != want || after.ConsumedToday != want {
		t.Errorf("consumed = %d (today %d), want %d", after.Counts.Consumed, after.ConsumedToday, want)
	}
	if after.Counts.Approved != c.Approved-want {
		t.Errorf("Approved = %d, want %d", after.Counts.Approved, c.Approved-want)
	}
	if len(after.RecentRuns) != 1 || after.RecentRuns[0].ID != run.ID {
		t.Errorf("RecentRuns = %+v, want the one run", after.RecentRuns)
	}
}

func TestTriggerBatch_DailyCeiling(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.DailyCeiling = 1
	a := newTestApp(t, cfg)
	ctx := context.Background()

	if _, err := a.TriggerCuration(ctx, 0); err != nil {
		t.Fatalf("TriggerCuration: %v", err)
	}
	st, err := a.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if st.Counts.Approved == 0 {
		t.Skip("stub curation approved nothing")
	}

	run, err := a.TriggerBatch(ctx, 5)
	if err != nil {
		t.Fatalf("first TriggerBatch: %v", err)
	}
	if run.Requested != 1 || run.Succeeded != 1 {
		t.Errorf("run requested %d succeeded %d, want 1/1", run.Requested, run.Succeeded)
	}
	if _, err := a.TriggerBatch(ctx, 5); !errors.Is(err, scheduler.ErrDailyCeiling) {
		t.Errorf("second TriggerBatch err = %v, want ErrDailyCeiling", err)
	}
}

func TestTriggerCuration_APISourceQuota(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		page, _ := strconv.Atoi(r.URL.Query().Get("page_token"))
		pop := 50.0
		var body struct {
			Results []map[string]any `json:"results"`
			Next    string           `json:"next_page_token"`
		}
		for i := 0; i < 2; i++ {
			id := fmt.Sprintf("p%d-%d", page, i)
			body.Results = append(body.Results, map[string]any{
				"id":         id,
				"url":        "https://art.example/post/" + id,
				"image_url":  "https://art.example/img/" + id + ".png",
				"popularity": pop,
			})
		}
		body.Next = strconv.Itoa(page + 1)
		json.NewEncoder(w).Encode(body)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Source.Platform = "api"
	cfg.Source.BaseURL = srv.URL
	cfg.Source.DailyQuota = 3
	cfg.Source.RequestsPerSecond = 0
	a := newTestApp(t, cfg)
	ctx := context.Background()

	report, err := a.TriggerCuration(ctx, 0)
	if err != nil {
		t.Fatalf("TriggerCuration: %v", err)
	}
	if !report.QuotaExhausted {
		t.Error("QuotaExhausted = false, want true")
	}
	if report.Fetched != 6 {
		t.Errorf("Fetched = %d, want 6", report.Fetched)
	}
	if report.Curation.Processed != 6 {
		t.Errorf("Processed = %d, want 6", report.Curation.Processed)
	}
	if requests != 3 {
		t.Errorf("requests = %d, want 3", requests)
	}

	st, err := a.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if st.QuotaUsed != 3 || st.QuotaRemaining != 0 {
		t.Errorf("quota used %d remaining %d, want 3/0", st.QuotaUsed, st.QuotaRemaining)
	}
}

func TestGetCandidates(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	ctx := context.Background()
	if _, err := a.TriggerCuration(ctx, 0); err != nil {
		t.Fatalf("TriggerCuration: %v", err)
	}

	all, err := a.GetCandidates(ctx, model.CandidateFilter{})
	if err != nil {
		t.Fatalf("GetCandidates: %v", err)
	}
	if len(all) != 20 {
		t.Errorf("len = %d, want 20", len(all))
	}

	page, err := a.GetCandidates(ctx, model.CandidateFilter{Limit: 5, Offset: 18})
	if err != nil {
		t.Fatalf("GetCandidates page: %v", err)
	}
	if len(page) != 2 {
		t.Errorf("len = %d, want 2", len(page))
	}

	rejected, err := a.GetCandidates(ctx, model.CandidateFilter{Statuses: []model.Status{model.StatusRejected}})
	if err != nil {
		t.Fatalf("GetCandidates rejected: %v", err)
	}
	for _, c := range rejected {
		if c.Status != model.StatusRejected || c.RejectReason == "" {
			t.Errorf("candidate %s: status %s reason %q", c.ID, c.Status, c.RejectReason)
		}
	}

	if _, err := a.GetCandidates(ctx, model.CandidateFilter{Statuses: []model.Status{"DONE"}}); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestRequeueGenerationFailed(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	ctx := context.Background()

	if err := a.RequeueGenerationFailed(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("missing candidate err = %v, want ErrNotFound", err)
	}

	if _, err := a.TriggerCuration(ctx, 0); err != nil {
		t.Fatalf("TriggerCuration: %v", err)
	}
	approved, err := a.GetCandidates(ctx, model.CandidateFilter{Statuses: []model.Status{model.StatusApproved}, Limit: 1})
	if err != nil {
		t.Fatalf("GetCandidates: %v", err)
	}
	if len(approved) == 0 {
		t.Skip("stub curation approved nothing")
	}
	id := approved[0].ID

	if err := a.RequeueGenerationFailed(ctx, id); !errors.Is(err, model.ErrStatusConflict) {
		t.Errorf("approved candidate err = %v, want ErrStatusConflict", err)
	}
	if err := a.store.MarkGenerationFailed(ctx, id, "generator unavailable"); err != nil {
		t.Fatalf("MarkGenerationFailed: %v", err)
	}
	if err := a.RequeueGenerationFailed(ctx, id); err != nil {
		t.Fatalf("RequeueGenerationFailed: %v", err)
	}
	c, err := a.store.GetCandidate(ctx, id)
	if err != nil {
		t.Fatalf("GetCandidate: %v", err)
	}
	if c.Status != model.StatusApproved {
		t.Errorf("Status = %s, want APPROVED", c.Status)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.RunOnStart = true
	a := newTestApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := a.GetStats(context.Background())
		if err == nil && st.Counts.Pending+st.Counts.Approved+st.Counts.Rejected > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("startup curation did not run")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
