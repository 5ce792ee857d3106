package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/order-saga/internal/config"
	"github.com/example/order-saga/internal/deadletter"
)

func memoryConfig() *config.Config {
	return &config.Config{
		App:        config.AppConfig{Name: "order-saga", Environment: "test"},
		HTTP:       config.HTTPConfig{Address: ":0", ShutdownTimeout: time.Second},
		Kafka:      config.KafkaConfig{Brokers: []string{"localhost:9092"}, GroupID: "order-saga-test"},
		EventStore: config.EventStoreConfig{Backend: config.BackendMemory},
		Storage:    config.StorageConfig{Backend: config.BackendMemory},
		Saga: config.SagaConfig{
			PaymentMethod:         "CREDIT_CARD",
			CartValidationTimeout: time.Minute,
			PaymentTimeout:        time.Minute,
			ConfirmationTimeout:   time.Minute,
			MaxRetries:            3,
			RetryInitialDelay:     time.Second,
			RetryMultiplier:       2,
			RetryMaxDelay:         time.Minute,
			SweepInterval:         time.Minute,
			SweepBatchSize:        10,
		},
		Publisher:  config.PublisherConfig{MaxAttempts: 1, BulkheadSize: 1},
		DeadLetter: config.DeadLetterConfig{AlertThreshold: 3, ReplayInterval: time.Minute, ReplayBatchSize: 10},
		Consumer:   config.ConsumerConfig{MaxAttempts: 1},
		Auth:       config.AuthConfig{JWTSecret: "test-secret", TokenTTL: time.Hour},
	}
}

func newMemoryApp(t *testing.T) *App {
	t.Helper()
	a, err := New(context.Background(), memoryConfig(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestNew_MemoryBackendsServeHealth(t *testing.T) {
	a := newMemoryApp(t)

	rec := httptest.NewRecorder()
	a.HTTPHandler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, a.Orchestrator)
	assert.NotNil(t, a.Sweeper)
	assert.NotNil(t, a.Router)
}

func TestNew_OperatorTokenReachesAdminRoutes(t *testing.T) {
	a := newMemoryApp(t)
	token, _, err := a.JWT.GenerateToken("ops", "operator")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin/dead-letters/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	a.HTTPHandler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNew_DeadLettersUseConfiguredStorage(t *testing.T) {
	a := newMemoryApp(t)

	err := a.DeadLetters.HandleUnparseable(context.Background(), "cart-validation-completed/0/1", "cart-validation-completed", []byte("{"), "bad json")
	require.NoError(t, err)

	stats, err := a.DeadLetters.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats[deadletter.StatusPending])
}

func TestNew_UnknownEventStoreBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.EventStore.Backend = "cassandra"

	_, err := New(context.Background(), cfg, zerolog.Nop())

	assert.ErrorContains(t, err, "unknown event store backend")
}
