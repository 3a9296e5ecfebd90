package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redis_rate/v9"
	"moff.io/vault-wallet/internal/config"
	"moff.io/vault-wallet/internal/dispatch"
	"moff.io/vault-wallet/pkg/errors"
	"moff.io/vault-wallet/pkg/log"
)

const handoffPrefix = "vault-wallet:handoff:"

// NewRedis connects to redis and checks the connection.
func NewRedis(ctx context.Context, cred *config.Redis) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cred.GetRedisAddress(),
		Password: cred.Password,
		DB:       cred.Database,
	})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, errors.Wrapf(err, "ping to redis %v", cred.GetRedisAddress())
	}
	return rdb, nil
}

func NewRateLimiter(rdb *redis.Client) *redis_rate.Limiter {
	return redis_rate.NewLimiter(rdb)
}

// HandoffStore keeps deep-link handoffs in redis so a callback can land on
// any instance.
type HandoffStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewHandoffStore(rdb *redis.Client, ttl time.Duration) *HandoffStore {
	return &HandoffStore{rdb: rdb, ttl: ttl}
}

func handoffKey(id string) string {
	return fmt.Sprintf("%v%v", handoffPrefix, id)
}

func (s *HandoffStore) Save(ctx context.Context, h *dispatch.Handoff) error {
	b, err := json.Marshal(h)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := s.rdb.Set(ctx, handoffKey(h.ID), b, s.ttl).Err(); err != nil {
		return errors.WrapAndReport(err, "save handoff")
	}
	return nil
}

func (s *HandoffStore) Get(ctx context.Context, id string) (*dispatch.Handoff, error) {
	b, err := s.rdb.Get(ctx, handoffKey(id)).Bytes()
	if err == redis.Nil {
		return nil, dispatch.ErrHandoffNotFound
	}
	if err != nil {
		return nil, errors.WrapAndReport(err, "get handoff")
	}
	var h dispatch.Handoff
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, errors.WrapAndReport(err, "decode handoff")
	}
	return &h, nil
}

// Purge drops every stored handoff.
func (s *HandoffStore) Purge(ctx context.Context) error {
	return DeleteFromPrefix(ctx, s.rdb, handoffPrefix)
}

func DeleteFromPrefix(ctx context.Context, rdb *redis.Client, prefix string) error {
	var (
		cursor uint64
		match        = fmt.Sprintf("%v*", prefix)
		count  int64 = 200
	)
	log.Debugf("deleting cache pattern %v", match)
	for {
		keys, c, err := rdb.Scan(ctx, cursor, match, count).Result()
		if err != nil {
			return errors.WrapAndReport(err, "scan caches")
		}
		cursor = c
		if len(keys) > 0 {
			err = rdb.Del(ctx, keys...).Err()
			if err != nil {
				return errors.WrapAndReport(err, "delete caches")
			}
		}
		if c == 0 {
			return nil
		}
	}
}
