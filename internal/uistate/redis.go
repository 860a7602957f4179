package uistate

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/foundersbase/chatdock/internal/chat"
)

type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisStore(rdb redis.UniversalClient, self chat.Username) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: "chatdock:" + scopeOf(self) + ":"}
}

func (s *RedisStore) key(name string) string { return s.prefix + name }

func (s *RedisStore) Load(ctx context.Context) (State, error) {
	vals, err := s.rdb.MGet(ctx, s.key(KeyOpen), s.key(KeyActive)).Result()
	if err != nil {
		return State{}, err
	}
	values := make(map[string]string, 2)
	for i, name := range []string{KeyOpen, KeyActive} {
		if v, ok := vals[i].(string); ok {
			values[name] = v
		}
	}
	return decode(values), nil
}

func (s *RedisStore) SaveOpen(ctx context.Context, open bool) error {
	return s.rdb.Set(ctx, s.key(KeyOpen), encodeOpen(open), 0).Err()
}

func (s *RedisStore) SaveActive(ctx context.Context, peer chat.Username) error {
	return s.rdb.Set(ctx, s.key(KeyActive), string(peer), 0).Err()
}
