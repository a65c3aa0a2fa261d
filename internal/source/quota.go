package source

import (
	"fmt"
	"sync"
	"time"

	"github.com/yangwenmai/charseed/internal/model"
)

// Quota counts source requests against a daily budget. The count resets lazily
// the first time it is touched after a day boundary in the quota's location.
type Quota struct {
	mu    sync.Mutex
	limit int
	used  int
	day   time.Time
	loc   *time.Location
	now   func() time.Time
}

// NewQuota creates a counter allowing limit requests per calendar day in loc.
// A nil loc means UTC and a nil now means time.Now.
func NewQuota(limit int, loc *time.Location, now func() time.Time) *Quota {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	q := &Quota{limit: limit, loc: loc, now: now}
	q.day = q.startOfDay(now())
	return q
}

// Take reserves one request. It returns ErrQuotaExceeded, reserving nothing, once
// the day's budget is spent.
func (q *Quota) Take() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover()
	if q.used >= q.limit {
		return fmt.Errorf("%d/%d requests used today: %w", q.used, q.limit, model.ErrQuotaExceeded)
	}
	q.used++
	return nil
}

// Exhausted reports whether no request is left for today.
func (q *Quota) Exhausted() bool {
	return q.Remaining() == 0
}

// Remaining returns how many requests are left today.
func (q *Quota) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover()
	if q.used >= q.limit {
		return 0
	}
	return q.limit - q.used
}

// Used returns how many requests were made today.
func (q *Quota) Used() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover()
	return q.used
}

// rollover resets the counter when the clock has moved into a new day. Callers hold mu.
func (q *Quota) rollover() {
	day := q.startOfDay(q.now())
	if !day.Equal(q.day) {
		q.day = day
		q.used = 0
	}
}

func (q *Quota) startOfDay(t time.Time) time.Time {
	t = t.In(q.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, q.loc)
}
