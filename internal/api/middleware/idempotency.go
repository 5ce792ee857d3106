package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	IdempotencyKeyHeader    = "Idempotency-Key"
	IdempotentReplayHeader  = "Idempotent-Replay"
	idempotencyLockTTL      = 30 * time.Second
	idempotencyKeyPrefix    = "ordersaga:idempotency:"
	idempotencyLockSuffix   = ":lock"
	maxIdempotencyKeyLength = 255
)

type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// Idempotency replays the stored response of a request whose Idempotency-Key
// was already seen. Concurrent requests with the same key get 409 while the
// first one runs. 5xx responses are not stored so the client can retry.
// Redis failures let the request through.
func Idempotency(client redis.UniversalClient, ttl time.Duration, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" || r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLength {
				respondError(w, "idempotency key too long", http.StatusBadRequest)
				return
			}

			ctx := r.Context()
			storeKey := idempotencyKeyPrefix + r.Method + ":" + r.URL.Path + ":" + key
			log := logger.With().Str("idempotency_key", key).Logger()

			raw, err := client.Get(ctx, storeKey).Bytes()
			switch {
			case err == nil:
				var resp storedResponse
				if err := json.Unmarshal(raw, &resp); err == nil {
					replay(w, resp)
					return
				}
				log.Warn().Msg("discarding unreadable stored response")
			case !errors.Is(err, redis.Nil):
				log.Warn().Err(err).Msg("idempotency store unavailable")
				next.ServeHTTP(w, r)
				return
			}

			lockKey := storeKey + idempotencyLockSuffix
			acquired, err := client.SetNX(ctx, lockKey, "1", idempotencyLockTTL).Result()
			if err != nil {
				log.Warn().Err(err).Msg("idempotency store unavailable")
				next.ServeHTTP(w, r)
				return
			}
			if !acquired {
				respondError(w, "request with this idempotency key is in progress", http.StatusConflict)
				return
			}
			defer client.Del(ctx, lockKey)

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= http.StatusInternalServerError {
				return
			}
			data, err := json.Marshal(storedResponse{
				Status:      rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			})
			if err != nil {
				return
			}
			if err := client.Set(ctx, storeKey, data, ttl).Err(); err != nil {
				log.Warn().Err(err).Msg("failed to store idempotent response")
			}
		})
	}
}

func replay(w http.ResponseWriter, resp storedResponse) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set(IdempotentReplayHeader, "true")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// responseRecorder passes the response through and keeps a copy
type responseRecorder struct {
	http.ResponseWriter
	status      int
	body        bytes.Buffer
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
