package queue

import (
	"context"
	"sync"
	"time"

	"eve.evalgo.org/schema"
	"eve.evalgo.org/tabular"
)

// RateLimiter governs how many jobs per queue may run concurrently or
// within a time window.
type RateLimiter interface {
	CanProceed(ctx context.Context, queueName string) (bool, error)
	RecordExecution(ctx context.Context, queueName string) error
	NextAvailableTime(ctx context.Context, queueName string) (time.Time, error)
}

// Limits configures a sliding-window rate limiter.
type Limits struct {
	MaxExecutions      int
	WindowSizeInSeconds int
}

// MemoryLimiter is the default sliding-window limiter: it keeps each queue's
// execution timestamps in process memory, dropping those older than the
// window whenever CanProceed or NextAvailableTime runs.
// golang.org/x/time/rate's token bucket doesn't express this windowed-count
// shape, so the bookkeeping here is hand-rolled (see DESIGN.md).
type MemoryLimiter struct {
	mu     sync.Mutex
	limits map[string]Limits
	defaultLimits Limits
	history map[string][]time.Time
}

// NewMemoryLimiter returns a MemoryLimiter applying defaultLimits to any
// queue without a specific override set via SetLimits.
func NewMemoryLimiter(defaultLimits Limits) *MemoryLimiter {
	return &MemoryLimiter{
		limits:        make(map[string]Limits),
		defaultLimits: defaultLimits,
		history:       make(map[string][]time.Time),
	}
}

// SetLimits overrides the limits for one queue.
func (l *MemoryLimiter) SetLimits(queueName string, limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[queueName] = limits
}

func (l *MemoryLimiter) limitsFor(queueName string) Limits {
	if lim, ok := l.limits[queueName]; ok {
		return lim
	}
	return l.defaultLimits
}

func (l *MemoryLimiter) prune(queueName string, now time.Time) []time.Time {
	lim := l.limitsFor(queueName)
	window := time.Duration(lim.WindowSizeInSeconds) * time.Second
	cutoff := now.Add(-window)
	kept := l.history[queueName][:0:0]
	for _, t := range l.history[queueName] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.history[queueName] = kept
	return kept
}

func (l *MemoryLimiter) CanProceed(ctx context.Context, queueName string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim := l.limitsFor(queueName)
	if lim.MaxExecutions <= 0 {
		return true, nil
	}
	kept := l.prune(queueName, time.Now())
	return len(kept) < lim.MaxExecutions, nil
}

func (l *MemoryLimiter) RecordExecution(ctx context.Context, queueName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history[queueName] = append(l.history[queueName], time.Now())
	return nil
}

func (l *MemoryLimiter) NextAvailableTime(ctx context.Context, queueName string) (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim := l.limitsFor(queueName)
	kept := l.prune(queueName, time.Now())
	if lim.MaxExecutions <= 0 || len(kept) < lim.MaxExecutions {
		return time.Now(), nil
	}
	window := time.Duration(lim.WindowSizeInSeconds) * time.Second
	oldest := kept[0]
	for _, t := range kept {
		if t.Before(oldest) {
			oldest = t
		}
	}
	return oldest.Add(window), nil
}

// ConcurrencyLimiter is the max-in-flight variant of RateLimiter: it
// tracks jobs currently executing rather than a time window.
type ConcurrencyLimiter struct {
	mu       sync.Mutex
	maxInFlight map[string]int
	inFlight    map[string]int
	defaultMax  int
}

// NewConcurrencyLimiter returns a ConcurrencyLimiter applying defaultMax to
// any queue without a specific override.
func NewConcurrencyLimiter(defaultMax int) *ConcurrencyLimiter {
	return &ConcurrencyLimiter{
		maxInFlight: make(map[string]int),
		inFlight:    make(map[string]int),
		defaultMax:  defaultMax,
	}
}

func (c *ConcurrencyLimiter) SetMax(queueName string, max int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxInFlight[queueName] = max
}

func (c *ConcurrencyLimiter) maxFor(queueName string) int {
	if m, ok := c.maxInFlight[queueName]; ok {
		return m
	}
	return c.defaultMax
}

func (c *ConcurrencyLimiter) CanProceed(ctx context.Context, queueName string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	max := c.maxFor(queueName)
	if max <= 0 {
		return true, nil
	}
	return c.inFlight[queueName] < max, nil
}

func (c *ConcurrencyLimiter) RecordExecution(ctx context.Context, queueName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight[queueName]++
	return nil
}

// Release must be called when an in-flight job dispatched under
// RecordExecution finishes, freeing its concurrency slot.
func (c *ConcurrencyLimiter) Release(queueName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[queueName] > 0 {
		c.inFlight[queueName]--
	}
}

func (c *ConcurrencyLimiter) NextAvailableTime(ctx context.Context, queueName string) (time.Time, error) {
	return time.Now(), nil
}

// slidingWindowSchema is the tabular schema backing SlidingWindowLimiter's
// shared, persistent execution history — used when multiple server
// processes must agree on rate-limit state rather than each keeping its
// own in-memory window.
func slidingWindowSchema() (*schema.Schema, schema.PrimaryKey) {
	sch := &schema.Schema{
		Name: "rate_limiter_executions",
		Fields: []schema.Field{
			{Name: "id", Type: schema.String},
			{Name: "queue", Type: schema.String},
			{Name: "executedAt", Type: schema.Timestamp},
		},
	}
	return sch, schema.PrimaryKey{"id"}
}

// SlidingWindowLimiter is the persistent variant of MemoryLimiter: it
// stores its execution history in a tabular.Repository (e.g. pgstore or
// redisstore) so every server process sharing that backend observes the
// same window.
type SlidingWindowLimiter struct {
	repo   tabular.Repository
	limits map[string]Limits
	defaultLimits Limits
	mu     sync.Mutex
	seq    int64
}

// NewSlidingWindowLimiter returns a SlidingWindowLimiter backed by repo,
// whose schema/primary key must match slidingWindowSchema()/its primary
// key (construct repo with those via the desired backend's constructor).
func NewSlidingWindowLimiter(repo tabular.Repository, defaultLimits Limits) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{repo: repo, limits: make(map[string]Limits), defaultLimits: defaultLimits}
}

func (l *SlidingWindowLimiter) SetLimits(queueName string, limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[queueName] = limits
}

func (l *SlidingWindowLimiter) limitsFor(queueName string) Limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limits[queueName]; ok {
		return lim
	}
	return l.defaultLimits
}

func (l *SlidingWindowLimiter) windowCount(ctx context.Context, queueName string) (int, time.Time, error) {
	lim := l.limitsFor(queueName)
	window := time.Duration(lim.WindowSizeInSeconds) * time.Second
	cutoff := time.Now().Add(-window)

	rows, err := l.repo.Search(ctx, "queue", queueName, tabular.Eq)
	if err != nil {
		return 0, cutoff, err
	}
	n := 0
	var oldestInWindow time.Time
	for _, r := range rows {
		executedAt := asTime(r["executedAt"])
		if executedAt.After(cutoff) {
			n++
			if oldestInWindow.IsZero() || executedAt.Before(oldestInWindow) {
				oldestInWindow = executedAt
			}
		}
	}
	return n, oldestInWindow, nil
}

func (l *SlidingWindowLimiter) CanProceed(ctx context.Context, queueName string) (bool, error) {
	lim := l.limitsFor(queueName)
	if lim.MaxExecutions <= 0 {
		return true, nil
	}
	n, _, err := l.windowCount(ctx, queueName)
	if err != nil {
		return false, err
	}
	return n < lim.MaxExecutions, nil
}

func (l *SlidingWindowLimiter) RecordExecution(ctx context.Context, queueName string) error {
	l.mu.Lock()
	l.seq++
	id := schema.KeyString([]interface{}{queueName, time.Now().UnixNano(), l.seq})
	l.mu.Unlock()

	return l.repo.Put(ctx, schema.Row{
		"id":         id,
		"queue":      queueName,
		"executedAt": time.Now(),
	})
}

func (l *SlidingWindowLimiter) NextAvailableTime(ctx context.Context, queueName string) (time.Time, error) {
	lim := l.limitsFor(queueName)
	n, oldest, err := l.windowCount(ctx, queueName)
	if err != nil {
		return time.Time{}, err
	}
	if lim.MaxExecutions <= 0 || n < lim.MaxExecutions {
		return time.Now(), nil
	}
	window := time.Duration(lim.WindowSizeInSeconds) * time.Second
	return oldest.Add(window), nil
}
