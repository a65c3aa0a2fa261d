package source

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yangwenmai/charseed/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestQuota_TakeUntilExhausted(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	q := NewQuota(3, time.UTC, clock.Now)

	for i := 0; i < 3; i++ {
		if err := q.Take(); err != nil {
			t.Fatalf("Take #%d: %v", i+1, err)
		}
	}
	if err := q.Take(); !errors.Is(err, model.ErrQuotaExceeded) {
		t.Fatalf("Take #4 err = %v, want ErrQuotaExceeded", err)
	}
	if q.Used() != 3 || q.Remaining() != 0 || !q.Exhausted() {
		t.Errorf("used=%d remaining=%d exhausted=%v", q.Used(), q.Remaining(), q.Exhausted())
	}
}

func TestQuota_ResetsAtDayBoundary(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 23, 30, 0, 0, loc)}
	q := NewQuota(1, loc, clock.Now)

	if err := q.Take(); err != nil {
		t.Fatalf("Take: %v", err)
	}
	if err := q.Take(); !errors.Is(err, model.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}

	clock.Advance(20 * time.Minute)
	if q.Remaining() != 0 {
		t.Errorf("Remaining before midnight = %d, want 0", q.Remaining())
	}

	clock.Advance(20 * time.Minute)
	if err := q.Take(); err != nil {
		t.Fatalf("Take after midnight: %v", err)
	}
}

func TestQuota_ConcurrentTakeNeverOverspends(t *testing.T) {
	q := NewQuota(50, nil, nil)
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if q.Take() == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if granted != 50 {
		t.Errorf("granted = %d, want 50", granted)
	}
}
