package uistate

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/foundersbase/chatdock/internal/chat"
	"github.com/foundersbase/chatdock/internal/db"
)

type Options struct {
	Backend       string // sqlite, mysql, redis or memory
	DSN           string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Self          chat.Username
}

// Open builds the configured store. The returned close func releases the
// underlying connection.
func Open(ctx context.Context, opts Options) (Store, func() error, error) {
	noop := func() error { return nil }

	switch backend := strings.ToLower(strings.TrimSpace(opts.Backend)); backend {
	case "memory":
		return NewMemory(), noop, nil

	case "", "sqlite", "mysql":
		gdb, err := db.Connect(backend, opts.DSN)
		if err != nil {
			return nil, noop, err
		}
		s := NewGormStore(gdb, opts.Self)
		if err := s.Migrate(); err != nil {
			return nil, noop, err
		}
		closeFn := func() error {
			sqlDB, err := gdb.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		}
		return s, closeFn, nil

	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, noop, err
		}
		return NewRedisStore(rdb, opts.Self), rdb.Close, nil

	default:
		return nil, noop, unsupported(opts.Backend)
	}
}
