package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yangwenmai/charseed/internal/model"
	"github.com/yangwenmai/charseed/internal/retry"
)

// --- fakes ---

type fakeStore struct {
	mu         sync.Mutex
	candidates map[string]*model.Candidate
	runs       map[string]model.BatchRunLog
	updates    int
	consumeErr error
}

func newFakeStore(ids ...string) *fakeStore {
	s := &fakeStore{candidates: make(map[string]*model.Candidate), runs: make(map[string]model.BatchRunLog)}
	for _, id := range ids {
		c := model.NewCandidate(id, "https://src/"+id, "https://img/"+id, "stub", nil, nil)
		c.Status = model.StatusApproved
		s.candidates[id] = &c
	}
	return s
}

func (s *fakeStore) GetCandidate(_ context.Context, id string) (*model.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[id]
	if !ok {
		return nil, fmt.Errorf("candidate %s: %w", id, model.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *fakeStore) transition(id string, to model.Status, apply func(*model.Candidate)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.candidates[id]
	if c.Status != model.StatusApproved {
		return fmt.Errorf("candidate %s is %s: %w", id, c.Status, model.ErrConcurrentConsumption)
	}
	c.Status = to
	apply(c)
	return nil
}

func (s *fakeStore) MarkConsumed(_ context.Context, id, entryID string, at time.Time) error {
	if s.consumeErr != nil {
		return s.consumeErr
	}
	return s.transition(id, model.StatusConsumed, func(c *model.Candidate) {
		c.EntryID = entryID
		c.ConsumedAt = &at
	})
}

func (s *fakeStore) MarkGenerationFailed(_ context.Context, id, reason string) error {
	return s.transition(id, model.StatusGenerationFailed, func(c *model.Candidate) {
		c.FailureReason = reason
	})
}

func (s *fakeStore) CreateRun(_ context.Context, r model.BatchRunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = r
	return nil
}

func (s *fakeStore) UpdateRun(_ context.Context, r model.BatchRunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs[r.ID].Finalized() {
		return model.ErrStatusConflict
	}
	s.runs[r.ID] = r
	s.updates++
	return nil
}

func (s *fakeStore) status(id string) model.Status {
	c, _ := s.GetCandidate(context.Background(), id)
	return c.Status
}

type fixedSelector struct {
	ids []string
	err error
}

func (f fixedSelector) SelectBatch(_ context.Context, n int) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.ids) > n {
		return f.ids[:n], nil
	}
	return f.ids, nil
}

// scriptedGenerator fails the first failures[imageRef] calls for an image, or all
// of them when the count is negative.
type scriptedGenerator struct {
	mu       sync.Mutex
	failures map[string]int
	errFor   func(imageRef string) error
	calls    map[string]int
	times    []time.Time
	onCall   func(imageRef string)
}

func newScriptedGenerator() *scriptedGenerator {
	return &scriptedGenerator{failures: map[string]int{}, calls: map[string]int{}}
}

func (g *scriptedGenerator) GenerateEntry(ctx context.Context, imageRef string, _ Curated) (string, error) {
	g.mu.Lock()
	g.calls[imageRef]++
	n := g.calls[imageRef]
	g.times = append(g.times, time.Now())
	limit := g.failures[imageRef]
	onCall := g.onCall
	g.mu.Unlock()

	if onCall != nil {
		onCall(imageRef)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if limit < 0 || n <= limit {
		if g.errFor != nil {
			return "", g.errFor(imageRef)
		}
		return "", errors.New("HTTP 503: overloaded")
	}
	return "entry-" + imageRef[len("https://img/"):], nil
}

func (g *scriptedGenerator) callsTo(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls["https://img/"+id]
}

func testConfig() Config {
	return Config{ItemTimeout: time.Second, Retries: 3, RetryBaseDelay: time.Millisecond}
}

var five = []string{"c1", "c2", "c3", "c4", "c5"}

// --- tests ---

func TestRunBatch_PartialFailureContained(t *testing.T) {
	st := newFakeStore(five...)
	gen := newScriptedGenerator()
	gen.failures["https://img/c3"] = -1

	o := NewOrchestrator(st, fixedSelector{ids: five}, gen, testConfig(), nil)
	run, err := o.RunBatch(context.Background(), 5, time.Time{})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	if run.Succeeded != 4 || run.Failed != 1 {
		t.Errorf("succeeded/failed = %d/%d, want 4/1", run.Succeeded, run.Failed)
	}
	if run.Status != model.RunStatusCompleted || !run.Finalized() {
		t.Errorf("run status = %s, finalized = %v", run.Status, run.Finalized())
	}
	for _, id := range []string{"c1", "c2", "c4", "c5"} {
		if got := st.status(id); got != model.StatusConsumed {
			t.Errorf("%s status = %s, want CONSUMED", id, got)
		}
	}
	if got := st.status("c3"); got != model.StatusGenerationFailed {
		t.Errorf("c3 status = %s, want GENERATION_FAILED", got)
	}
	if got := gen.callsTo("c3"); got != 4 {
		t.Errorf("c3 generation calls = %d, want 4 (1 + 3 retries)", got)
	}
	if len(run.Errors) != 1 || run.Errors[0].CandidateID != "c3" || run.Errors[0].Kind != model.ErrorKindGeneration {
		t.Errorf("errors = %+v", run.Errors)
	}
	if len(run.EntryIDs) != 4 || run.EntryIDs[0] != "entry-c1" {
		t.Errorf("entry ids = %v", run.EntryIDs)
	}

	stored := st.runs[run.ID]
	if !stored.Finalized() || stored.Succeeded != 4 {
		t.Errorf("stored run = %+v", stored)
	}
	if st.updates < 5 {
		t.Errorf("run log updated %d times, want incremental updates per item", st.updates)
	}
}

func TestRunBatch_RetryThenSuccess(t *testing.T) {
	st := newFakeStore("c1")
	gen := newScriptedGenerator()
	gen.failures["https://img/c1"] = 2

	run, err := NewOrchestrator(st, fixedSelector{ids: []string{"c1"}}, gen, testConfig(), nil).
		RunBatch(context.Background(), 1, time.Time{})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if run.Succeeded != 1 || run.Failed != 0 {
		t.Errorf("succeeded/failed = %d/%d", run.Succeeded, run.Failed)
	}
	if got := gen.callsTo("c1"); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestRunBatch_PermanentErrorNotRetried(t *testing.T) {
	st := newFakeStore("c1")
	gen := newScriptedGenerator()
	gen.failures["https://img/c1"] = -1
	gen.errFor = func(string) error { return retry.Permanent(errors.New("HTTP 400: bad image")) }

	run, _ := NewOrchestrator(st, fixedSelector{ids: []string{"c1"}}, gen, testConfig(), nil).
		RunBatch(context.Background(), 1, time.Time{})
	if got := gen.callsTo("c1"); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
	if run.Failed != 1 || st.status("c1") != model.StatusGenerationFailed {
		t.Errorf("failed = %d, status = %s", run.Failed, st.status("c1"))
	}
}

func TestRunBatch_ConcurrentConsumptionIsSkip(t *testing.T) {
	st := newFakeStore("c1", "c2", "c3")
	st.candidates["c1"].Status = model.StatusConsumed

	gen := newScriptedGenerator()
	// Another run consumes c2 while this run is generating it.
	gen.onCall = func(imageRef string) {
		if imageRef == "https://img/c2" {
			st.MarkConsumed(context.Background(), "c2", "other-run-entry", time.Now())
		}
	}

	run, err := NewOrchestrator(st, fixedSelector{ids: []string{"c1", "c2", "c3"}}, gen, testConfig(), nil).
		RunBatch(context.Background(), 3, time.Time{})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	if gen.callsTo("c1") != 0 {
		t.Error("already consumed candidate should not be generated")
	}
	if fmt.Sprint(run.SkippedIDs) != "[c1 c2]" {
		t.Errorf("skipped = %v, want [c1 c2]", run.SkippedIDs)
	}
	if run.Succeeded != 1 || run.Failed != 0 || len(run.Errors) != 0 {
		t.Errorf("succeeded/failed/errors = %d/%d/%v", run.Succeeded, run.Failed, run.Errors)
	}
	if c, _ := st.GetCandidate(context.Background(), "c2"); c.EntryID != "other-run-entry" {
		t.Errorf("c2 entry = %q, the other run's link must be kept", c.EntryID)
	}
}

func TestRunBatch_StopAfterCurrentItem(t *testing.T) {
	st := newFakeStore(five...)
	gen := newScriptedGenerator()
	o := NewOrchestrator(st, fixedSelector{ids: five}, gen, testConfig(), nil)
	gen.onCall = func(imageRef string) {
		if imageRef == "https://img/c2" {
			o.Stop()
		}
	}

	run, err := o.RunBatch(context.Background(), 5, time.Time{})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if run.Status != model.RunStatusCancelled {
		t.Errorf("status = %s, want cancelled", run.Status)
	}
	if run.Succeeded != 2 {
		t.Errorf("succeeded = %d, want 2 (in-flight item completes)", run.Succeeded)
	}
	for _, id := range []string{"c3", "c4", "c5"} {
		if st.status(id) != model.StatusApproved {
			t.Errorf("%s status = %s, want APPROVED", id, st.status(id))
		}
	}
	if len(run.Errors) != 3 || run.Errors[0].Kind != model.ErrorKindCancelled {
		t.Errorf("errors = %+v", run.Errors)
	}
	if !st.runs[run.ID].Finalized() {
		t.Error("stopped run should be finalized")
	}
}

func TestRunBatch_ContextCancelLeavesCandidateApproved(t *testing.T) {
	st := newFakeStore("c1", "c2")
	gen := newScriptedGenerator()
	ctx, cancel := context.WithCancel(context.Background())
	gen.onCall = func(string) { cancel() }

	run, err := NewOrchestrator(st, fixedSelector{ids: []string{"c1", "c2"}}, gen, testConfig(), nil).
		RunBatch(ctx, 2, time.Time{})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if run.Status != model.RunStatusCancelled || run.Failed != 0 {
		t.Errorf("status = %s, failed = %d", run.Status, run.Failed)
	}
	if st.status("c1") != model.StatusApproved {
		t.Errorf("c1 status = %s, want APPROVED", st.status("c1"))
	}
	if !st.runs[run.ID].Finalized() {
		t.Error("run log should be finalized despite cancellation")
	}
}

func TestRunBatch_InterItemDelay(t *testing.T) {
	st := newFakeStore("c1", "c2", "c3")
	gen := newScriptedGenerator()
	gen.failures["https://img/c2"] = -1
	cfg := testConfig()
	cfg.Retries = 0
	cfg.InterItemDelay = 30 * time.Millisecond

	if _, err := NewOrchestrator(st, fixedSelector{ids: []string{"c1", "c2", "c3"}}, gen, cfg, nil).
		RunBatch(context.Background(), 3, time.Time{}); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if len(gen.times) != 3 {
		t.Fatalf("calls = %d, want 3", len(gen.times))
	}
	for i := 1; i < 3; i++ {
		if gap := gen.times[i].Sub(gen.times[i-1]); gap < cfg.InterItemDelay {
			t.Errorf("gap before item %d = %v, want >= %v regardless of failure", i, gap, cfg.InterItemDelay)
		}
	}
}

func TestRunBatch_CostAndPartialPool(t *testing.T) {
	st := newFakeStore("c1", "c2")
	cfg := testConfig()
	cfg.CostPerEntry = 0.25

	run, err := NewOrchestrator(st, fixedSelector{ids: []string{"c1", "c2"}}, newScriptedGenerator(), cfg, nil).
		RunBatch(context.Background(), 10, time.Time{})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if run.Requested != 10 || len(run.SelectedIDs) != 2 || run.Succeeded != 2 {
		t.Errorf("requested/selected/succeeded = %d/%d/%d", run.Requested, len(run.SelectedIDs), run.Succeeded)
	}
	if run.CostEstimate == nil || *run.CostEstimate != 0.5 {
		t.Errorf("cost = %v, want 0.5", run.CostEstimate)
	}
}

func TestRunBatch_SelectorError(t *testing.T) {
	st := newFakeStore()
	run, err := NewOrchestrator(st, fixedSelector{err: errors.New("db down")}, newScriptedGenerator(), testConfig(), nil).
		RunBatch(context.Background(), 3, time.Time{})
	if err == nil {
		t.Fatal("expected error")
	}
	if run == nil || !run.Finalized() || len(run.Errors) != 1 || run.Errors[0].Kind != model.ErrorKindStore {
		t.Errorf("run = %+v", run)
	}
}

func TestRunBatch_RecordsScheduledTime(t *testing.T) {
	fired := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	started := fired.Add(1500 * time.Millisecond)

	tests := []struct {
		name        string
		scheduledAt time.Time
		want        time.Time
	}{
		{"scheduled fire time", fired, fired},
		{"manual run uses start time", time.Time{}, started},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newFakeStore("c1")
			o := NewOrchestrator(st, fixedSelector{ids: []string{"c1"}}, newScriptedGenerator(), testConfig(), nil)
			o.now = func() time.Time { return started }

			run, err := o.RunBatch(context.Background(), 1, tt.scheduledAt)
			if err != nil {
				t.Fatalf("RunBatch: %v", err)
			}
			if !run.ScheduledAt.Equal(tt.want) || !run.StartedAt.Equal(started) {
				t.Errorf("scheduled %v started %v, want %v / %v", run.ScheduledAt, run.StartedAt, tt.want, started)
			}
			if stored := st.runs[run.ID]; !stored.ScheduledAt.Equal(tt.want) {
				t.Errorf("stored ScheduledAt = %v, want %v", stored.ScheduledAt, tt.want)
			}
		})
	}
}

func TestRunBatch_UnlinkedEntryIsReported(t *testing.T) {
	st := newFakeStore("c1")
	st.consumeErr = errors.New("database is locked")

	run, err := NewOrchestrator(st, fixedSelector{ids: []string{"c1"}}, newScriptedGenerator(), testConfig(), nil).
		RunBatch(context.Background(), 1, time.Time{})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if run.Succeeded != 0 || len(run.EntryIDs) != 0 {
		t.Errorf("succeeded %d entries %v, want none", run.Succeeded, run.EntryIDs)
	}
	if len(run.Errors) != 1 {
		t.Fatalf("errors = %+v, want 1", run.Errors)
	}
	e := run.Errors[0]
	if e.CandidateID != "c1" || e.Kind != model.ErrorKindStore || !strings.Contains(e.Message, "entry-c1") {
		t.Errorf("error = %+v, want store error naming entry-c1", e)
	}
	if st.status("c1") != model.StatusApproved {
		t.Errorf("status = %s, want APPROVED", st.status("c1"))
	}
}
