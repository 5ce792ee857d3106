package saga

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryRepository struct {
	mu    sync.RWMutex
	sagas map[string]*Saga
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sagas: make(map[string]*Saga)}
}

func (r *MemoryRepository) Create(ctx context.Context, s *Saga) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sagas[s.OrderID]; ok {
		return ErrSagaExists
	}
	r.sagas[s.OrderID] = s.clone()
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, orderID string) (*Saga, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sagas[orderID]
	if !ok {
		return nil, ErrSagaNotFound
	}
	return s.clone(), nil
}

func (r *MemoryRepository) Update(ctx context.Context, s *Saga, expectedState State, expectedUpdatedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.sagas[s.OrderID]
	if !ok {
		return ErrSagaNotFound
	}
	if current.State != expectedState || !current.UpdatedAt.Equal(expectedUpdatedAt) {
		return ErrStaleSaga
	}
	r.sagas[s.OrderID] = s.clone()
	return nil
}

func (r *MemoryRepository) FindStuck(ctx context.Context, state State, updatedBefore time.Time, after *StuckCursor, limit int) ([]*Saga, error) {
	return r.find(limit, func(s *Saga) bool {
		if s.State != state || !s.UpdatedAt.Before(updatedBefore) {
			return false
		}
		if after == nil {
			return true
		}
		return s.UpdatedAt.After(after.UpdatedAt) ||
			(s.UpdatedAt.Equal(after.UpdatedAt) && s.OrderID > after.OrderID)
	}), nil
}

func (r *MemoryRepository) FindInProgress(ctx context.Context, limit int) ([]*Saga, error) {
	return r.find(limit, func(s *Saga) bool {
		return !s.State.Terminal()
	}), nil
}

func (r *MemoryRepository) find(limit int, match func(*Saga) bool) []*Saga {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Saga
	for _, s := range r.sagas {
		if match(s) {
			out = append(out, s.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
