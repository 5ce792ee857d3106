package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func countingHandler(calls *atomic.Int32, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = fmt.Fprintf(w, `{"call":%d}`, n)
	})
}

func postOrder(key string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{}`))
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	return req
}

func TestIdempotency_ReplaysStoredResponse(t *testing.T) {
	_, client := newTestRedis(t)
	var calls atomic.Int32
	handler := Idempotency(client, time.Hour, zerolog.Nop())(countingHandler(&calls, http.StatusAccepted))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, postOrder("key-1"))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, postOrder("key-1"))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, http.StatusAccepted, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get(IdempotentReplayHeader))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
}

func TestIdempotency_DifferentKeysRunSeparately(t *testing.T) {
	_, client := newTestRedis(t)
	var calls atomic.Int32
	handler := Idempotency(client, time.Hour, zerolog.Nop())(countingHandler(&calls, http.StatusAccepted))

	handler.ServeHTTP(httptest.NewRecorder(), postOrder("key-1"))
	handler.ServeHTTP(httptest.NewRecorder(), postOrder("key-2"))

	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotency_WithoutKeyPassesThrough(t *testing.T) {
	_, client := newTestRedis(t)
	var calls atomic.Int32
	handler := Idempotency(client, time.Hour, zerolog.Nop())(countingHandler(&calls, http.StatusAccepted))

	handler.ServeHTTP(httptest.NewRecorder(), postOrder(""))
	handler.ServeHTTP(httptest.NewRecorder(), postOrder(""))

	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotency_ServerErrorNotStored(t *testing.T) {
	_, client := newTestRedis(t)
	var calls atomic.Int32
	handler := Idempotency(client, time.Hour, zerolog.Nop())(countingHandler(&calls, http.StatusInternalServerError))

	handler.ServeHTTP(httptest.NewRecorder(), postOrder("key-1"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, postOrder("key-1"))

	assert.Equal(t, int32(2), calls.Load())
	assert.Empty(t, rec.Header().Get(IdempotentReplayHeader))
}

func TestIdempotency_InProgressConflict(t *testing.T) {
	mr, client := newTestRedis(t)
	var calls atomic.Int32
	handler := Idempotency(client, time.Hour, zerolog.Nop())(countingHandler(&calls, http.StatusAccepted))
	require.NoError(t, mr.Set(idempotencyKeyPrefix+"POST:/orders:key-1"+idempotencyLockSuffix, "1"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, postOrder("key-1"))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Zero(t, calls.Load())
}

func TestIdempotency_RedisDownFailsOpen(t *testing.T) {
	mr, client := newTestRedis(t)
	mr.Close()
	var calls atomic.Int32
	handler := Idempotency(client, time.Hour, zerolog.Nop())(countingHandler(&calls, http.StatusAccepted))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, postOrder("key-1"))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestIdempotency_StoredResponseExpires(t *testing.T) {
	mr, client := newTestRedis(t)
	var calls atomic.Int32
	handler := Idempotency(client, time.Minute, zerolog.Nop())(countingHandler(&calls, http.StatusAccepted))

	handler.ServeHTTP(httptest.NewRecorder(), postOrder("key-1"))
	mr.FastForward(2 * time.Minute)
	handler.ServeHTTP(httptest.NewRecorder(), postOrder("key-1"))

	assert.Equal(t, int32(2), calls.Load())
}
