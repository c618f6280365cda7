package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/docrelay/docrelay/persistence"
)

var _ persistence.RetryQueue = new(RetryQueue)

type retryItem struct {
	entry     persistence.RetryEntry
	executeAt time.Time
}

type RetryQueue struct {
	mu    sync.Mutex
	items []retryItem

	Now func() time.Time
}

func NewRetryQueue() *RetryQueue {
	return &RetryQueue{Now: time.Now}
}

func (q *RetryQueue) Push(ctx context.Context, entry persistence.RetryEntry, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, retryItem{entry: entry, executeAt: q.Now().Add(delay)})
	sort.Slice(q.items, func(i, j int) bool { return q.items[i].executeAt.Before(q.items[j].executeAt) })
	return nil
}

func (q *RetryQueue) PopDue(ctx context.Context, batchSize int) ([]persistence.RetryEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.Now()
	var due []persistence.RetryEntry
	var rest []retryItem
	for _, item := range q.items {
		if len(due) < batchSize && !item.executeAt.After(now) {
			due = append(due, item.entry)
		} else {
			rest = append(rest, item)
		}
	}
	q.items = rest
	return due, nil
}

func (q *RetryQueue) TrimBefore(ctx context.Context, cutoff time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var rest []retryItem
	removed := 0
	for _, item := range q.items {
		if item.executeAt.Before(cutoff) {
			removed++
			continue
		}
		rest = append(rest, item)
	}
	q.items = rest
	return removed, nil
}
