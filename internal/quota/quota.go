package quota

import (
	"context"
	"sync"
)

// InMemory tracks per-owner turn counts against a flat allowance.
type InMemory struct {
	mu        sync.Mutex
	allowance int
	used      map[string]int
}

// NewInMemory builds a quota with the given per-owner allowance.
// An allowance of zero or less disables limiting.
func NewInMemory(allowance int) *InMemory {
	return &InMemory{allowance: allowance, used: make(map[string]int)}
}

func (q *InMemory) HasRemaining(ctx context.Context, ownerID string) (bool, error) {
	if q.allowance <= 0 {
		return true, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used[ownerID] < q.allowance, nil
}

func (q *InMemory) Consume(ctx context.Context, ownerID string) error {
	if q.allowance <= 0 {
		return nil
	}
	q.mu.Lock()
	q.used[ownerID]++
	q.mu.Unlock()
	return nil
}

// Used reports how many turns an owner has spent.
func (q *InMemory) Used(ownerID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used[ownerID]
}
