package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type placed struct {
	OrderID string `json:"order_id"`
}

// ============================================
// Append Tests
// ============================================

func TestMemoryEventStore_Append_AssignsConsecutiveVersions(t *testing.T) {
	ctx := context.Background()
	es := NewMemoryEventStore()

	v, err := es.Append(ctx, "order-1", "Order", 0,
		NewEvent{EventType: "OrderCreated", Data: placed{OrderID: "order-1"}},
		NewEvent{EventType: "OrderConfirmed", Data: placed{OrderID: "order-1"}},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	v, err = es.Append(ctx, "order-1", "Order", 2, NewEvent{EventType: "OrderCancelled", Data: placed{}})
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	events, err := es.Load(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, i+1, e.Version)
		assert.NotEmpty(t, e.ID)
		assert.Equal(t, "Order", e.AggregateType)
	}
}

func TestMemoryEventStore_Append_StaleVersionLeavesStoreUnchanged(t *testing.T) {
	ctx := context.Background()
	es := NewMemoryEventStore()
	_, err := es.Append(ctx, "order-1", "Order", 0, NewEvent{EventType: "OrderCreated", Data: placed{}})
	require.NoError(t, err)

	_, err = es.Append(ctx, "order-1", "Order", 0, NewEvent{EventType: "OrderCreated", Data: placed{}})
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	v, err := es.CurrentVersion(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestMemoryEventStore_Append_SerializationFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	es := NewMemoryEventStore()

	_, err := es.Append(ctx, "order-1", "Order", 0,
		NewEvent{EventType: "OrderCreated", Data: placed{}},
		NewEvent{EventType: "Broken", Data: make(chan int)},
	)
	assert.ErrorIs(t, err, ErrSerialization)

	events, err := es.Load(ctx, "order-1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMemoryEventStore_Append_NegativeExpectedVersion(t *testing.T) {
	_, err := NewMemoryEventStore().Append(context.Background(), "a", "Order", -1, NewEvent{EventType: "X", Data: 1})
	assert.ErrorIs(t, err, ErrInvalidVersion)
}

func TestMemoryEventStore_Append_ConcurrentWritersOneWins(t *testing.T) {
	ctx := context.Background()
	es := NewMemoryEventStore()

	var wins, conflicts int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := es.Append(ctx, "order-1", "Order", 0, NewEvent{EventType: "OrderCreated", Data: placed{}})
			if err == nil {
				atomic.AddInt32(&wins, 1)
			} else if assert.ErrorIs(t, err, ErrConcurrencyConflict) {
				atomic.AddInt32(&conflicts, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(19), conflicts)
}

// ============================================
// Load Tests
// ============================================

func TestMemoryEventStore_Load_UnknownAggregate(t *testing.T) {
	ctx := context.Background()
	es := NewMemoryEventStore()

	events, err := es.Load(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, events)

	v, err := es.CurrentVersion(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}

func TestMemoryEventStore_LoadFrom_IsInclusive(t *testing.T) {
	ctx := context.Background()
	es := NewMemoryEventStore()
	for i := 0; i < 4; i++ {
		_, err := es.Append(ctx, "order-1", "Order", i, NewEvent{EventType: "E", Data: i})
		require.NoError(t, err)
	}

	events, err := es.LoadFrom(ctx, "order-1", 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 3, events[0].Version)
	assert.Equal(t, 4, events[1].Version)

	events, err = es.LoadFrom(ctx, "order-1", 9)
	require.NoError(t, err)
	assert.Empty(t, events)
}
