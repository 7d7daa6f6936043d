package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/feminafit/ms-go-payments/app/factory"
	"github.com/feminafit/ms-go-payments/app/types"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

const (
	HeaderIdempotencyKey      = "Idempotency-Key"
	HeaderIdempotentReplayed  = "Idempotent-Replayed"
	idempotencyContextKey     = "idempotency_key"
	idempotencyStoreCtxKey    = "idempotency_store"
	idempotencyStoredCtxKey   = "idempotency_stored"
	maxIdempotencyKeyLength   = 128
	defaultIdempotencyTTL     = 24 * time.Hour
	idempotencyRedisKeyPrefix = "idempotency:"
)

// inFlightMarker holds a reserved key until the response is stored. Stored
// responses are JSON objects, so it never collides with one.
var inFlightMarker = []byte("processing")

// IdempotencyStore reserves a key before the handler runs and keeps the
// successful response under it afterwards.
type IdempotencyStore interface {
	Reserve(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Release(ctx context.Context, key string) error
}

type RedisIdempotencyStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisIdempotencyStore(client redis.Cmdable, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &RedisIdempotencyStore{client: client, ttl: ttl}
}

// Reserve claims the key with SETNX. Only one caller wins per key and TTL.
func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key string) (bool, error) {
	return s.client.SetNX(ctx, idempotencyRedisKeyPrefix+key, inFlightMarker, s.ttl).Result()
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, idempotencyRedisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *RedisIdempotencyStore) Set(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, idempotencyRedisKeyPrefix+key, value, s.ttl).Err()
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, idempotencyRedisKeyPrefix+key).Err()
}

// Idempotency lets one request per Idempotency-Key reach the handler. A
// repeat replays the stored response, or gets 409 while the first request is
// still running. Keys whose request did not succeed are released so the
// caller can retry. Requests without the header pass through and a nil store
// disables the check.
func Idempotency(store IdempotencyStore) echo.MiddlewareFunc {
	logger := factory.NewModuleLogger("idempotency-middleware")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if store == nil {
			return next
		}
		return func(ctx echo.Context) error {
			key := strings.TrimSpace(ctx.Request().Header.Get(HeaderIdempotencyKey))
			if key == "" {
				return next(ctx)
			}
			if len(key) > maxIdempotencyKeyLength {
				return ctx.JSON(http.StatusBadRequest, &types.ErrorResponse{Error: "Idempotency-Key is too long"})
			}

			l := factory.LoggerWithContext(logger, ctx)
			scoped := SubjectFromContext(ctx) + ":" + key
			reqCtx := ctx.Request().Context()

			reserved, err := store.Reserve(reqCtx, scoped)
			if err != nil {
				l.WithError(err).Warn("Idempotency reservation failed")
				return next(ctx)
			}

			if !reserved {
				cached, found, err := store.Get(reqCtx, scoped)
				switch {
				case err != nil:
					l.WithError(err).Warn("Idempotency lookup failed")
					return ctx.JSON(http.StatusServiceUnavailable, &types.ErrorResponse{Error: "unable to verify Idempotency-Key, retry shortly"})
				case found && !bytes.Equal(cached, inFlightMarker):
					ctx.Response().Header().Set(HeaderIdempotentReplayed, "true")
					return ctx.JSONBlob(http.StatusOK, cached)
				default:
					return ctx.JSON(http.StatusConflict, &types.ErrorResponse{Error: "a request with this Idempotency-Key is already in progress"})
				}
			}

			ctx.Set(idempotencyContextKey, scoped)
			ctx.Set(idempotencyStoreCtxKey, store)
			defer func() {
				if stored, _ := ctx.Get(idempotencyStoredCtxKey).(bool); stored {
					return
				}
				if err := store.Release(context.WithoutCancel(reqCtx), scoped); err != nil {
					l.WithError(err).Warn("Failed to release Idempotency-Key")
				}
			}()

			return next(ctx)
		}
	}
}

// RememberResponse stores a successful response under the request's
// idempotency key, if it carried one.
func RememberResponse(ctx echo.Context, response interface{}) {
	key, _ := ctx.Get(idempotencyContextKey).(string)
	store, _ := ctx.Get(idempotencyStoreCtxKey).(IdempotencyStore)
	if key == "" || store == nil {
		return
	}

	body, err := json.Marshal(response)
	if err != nil {
		return
	}
	if err := store.Set(context.WithoutCancel(ctx.Request().Context()), key, body); err != nil {
		factory.LoggerWithContext(factory.NewModuleLogger("idempotency-middleware"), ctx).WithError(err).Warn("Failed to store idempotent response")
		return
	}
	ctx.Set(idempotencyStoredCtxKey, true)
}
