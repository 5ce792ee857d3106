package deadletter

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]*Record)}
}

func (r *MemoryRepository) Upsert(ctx context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.records[rec.EventID]
	if !ok {
		r.records[rec.EventID] = rec.clone()
		return nil
	}
	existing.FailureReason = rec.FailureReason
	existing.AttemptCount = rec.AttemptCount
	existing.FailedAt = rec.FailedAt
	existing.Status = StatusPending
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, eventID string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[eventID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec.clone(), nil
}

func (r *MemoryRepository) RecordReplay(ctx context.Context, eventID string, status Status, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[eventID]
	if !ok {
		return ErrRecordNotFound
	}
	rec.Status = status
	rec.ReplayAttempts++
	rec.LastReplayAt = &at
	return nil
}

func (r *MemoryRepository) MarkResolved(ctx context.Context, eventID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[eventID]
	if !ok {
		return ErrRecordNotFound
	}
	rec.Status = StatusResolved
	rec.ResolvedAt = &at
	return nil
}

func (r *MemoryRepository) List(ctx context.Context, status Status, limit int) ([]*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Record
	for _, rec := range r.records {
		if status == "" || rec.Status == status {
			out = append(out, rec.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FailedAt.After(out[j].FailedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) Stats(ctx context.Context) (map[Status]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make(map[Status]int)
	for _, rec := range r.records {
		stats[rec.Status]++
	}
	return stats, nil
}
