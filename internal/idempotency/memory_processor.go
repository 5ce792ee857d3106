package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/order-saga/internal/event"
	"github.com/example/order-saga/internal/infrastructure/store"
)

// MemoryProcessor keeps markers in a map. Without a rollback to rely on, the
// marker is removed again when the handler fails.
type MemoryProcessor struct {
	mu        sync.Mutex
	processed map[string]time.Time
	tx        store.NopTransactor
	logger    zerolog.Logger
}

func NewMemoryProcessor(logger zerolog.Logger) *MemoryProcessor {
	return &MemoryProcessor{
		processed: make(map[string]time.Time),
		logger:    logger.With().Str("component", "idempotency").Logger(),
	}
}

func (p *MemoryProcessor) ProcessOnce(ctx context.Context, env event.Envelope, handler Handler) (Outcome, error) {
	var committed bool

	err := p.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		if !p.mark(env.EventID) {
			return nil
		}
		if err := runMarked(ctx, env, handler, &committed); err != nil {
			p.unmark(env.EventID)
			return err
		}
		return nil
	})

	return settle(env, committed, err, p.logger)
}

func (p *MemoryProcessor) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.processed[eventID]
	return ok, nil
}

func (p *MemoryProcessor) mark(eventID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.processed[eventID]; ok {
		return false
	}
	p.processed[eventID] = time.Now()
	return true
}

func (p *MemoryProcessor) unmark(eventID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.processed, eventID)
}
