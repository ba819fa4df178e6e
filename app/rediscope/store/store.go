// Package store adapts a go-redis client to the narrow store interfaces the
// rest of rediscope consumes.
//
// The client always speaks RESP2, so composite replies arrive as flat arrays
// and the decoding in resp, values and streams sees one shape only. Replies
// that rediscope decodes itself are fetched with Do and passed through raw.
package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flonle/rediscope/app/rediscope/errs"
	"github.com/flonle/rediscope/app/rediscope/keyspace"
	"github.com/flonle/rediscope/app/rediscope/relay"
	"github.com/flonle/rediscope/app/rediscope/streams"
	"github.com/flonle/rediscope/app/rediscope/values"
)

var (
	_ values.Store   = (*Store)(nil)
	_ streams.Store  = (*Store)(nil)
	_ keyspace.Store = (*Store)(nil)
	_ relay.Broker   = (*Store)(nil)
)

type Options struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

type Store struct {
	client *redis.Client
	log    *slog.Logger
}

// Open creates a client for opts. No connection is made until the first
// command. Hooks are added to the client in order.
func Open(opts Options, logger *slog.Logger, hooks ...redis.Hook) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		Protocol:     2,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolSize:     opts.PoolSize,
	})
	for _, h := range hooks {
		client.AddHook(h)
	}
	return New(client, logger)
}

func New(client *redis.Client, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, log: logger}
}

func (s *Store) Close() error {
	return s.client.Close()
}

// classify turns an error reply from the store into errs.ReplyError and
// leaves transport failures alone.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var rerr redis.Error
	if errors.As(err, &rerr) && !errors.Is(err, redis.Nil) {
		return errs.Reply(rerr.Error())
	}
	return err
}

// raw runs a command whose reply is decoded by the caller. A nil reply is
// returned as nil.
func (s *Store) raw(ctx context.Context, args ...any) (any, error) {
	reply, err := s.client.Do(ctx, args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return reply, classify(err)
}

func (s *Store) Type(ctx context.Context, key string) (string, error) {
	typ, err := s.client.Type(ctx, key).Result()
	return typ, classify(err)
}

// TTL returns seconds, or -1 for a persistent key and -2 for a missing one.
func (s *Store) TTL(ctx context.Context, key string) (int64, error) {
	ttl, err := s.client.Do(ctx, "TTL", key).Int64()
	return ttl, classify(err)
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify(err)
	}
	return v, true, nil
}

func (s *Store) LRange(ctx context.Context, key string) ([]string, error) {
	items, err := s.client.LRange(ctx, key, 0, -1).Result()
	return items, classify(err)
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	return members, classify(err)
}

func (s *Store) ZRangeWithScores(ctx context.Context, key string) (any, error) {
	return s.raw(ctx, "ZRANGE", key, 0, -1, "WITHSCORES")
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	return fields, classify(err)
}

func (s *Store) XRevRange(ctx context.Context, key, end, start string, count int64) (any, error) {
	return s.raw(ctx, "XREVRANGE", key, end, start, "COUNT", count)
}

func (s *Store) XInfoStream(ctx context.Context, key string) (any, error) {
	return s.raw(ctx, "XINFO", "STREAM", key)
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	return classify(s.client.Set(ctx, key, value, 0).Err())
}

func (s *Store) Expire(ctx context.Context, key string, seconds int64) error {
	return classify(s.client.Expire(ctx, key, time.Duration(seconds)*time.Second).Err())
}

func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	args := make([]any, 0, 2*len(fields))
	for f, v := range fields {
		args = append(args, f, v)
	}
	return classify(s.client.HSet(ctx, key, args...).Err())
}

func (s *Store) Del(ctx context.Context, key string) error {
	return classify(s.client.Del(ctx, key).Err())
}

func (s *Store) XInfoGroups(ctx context.Context, key string) (any, error) {
	return s.raw(ctx, "XINFO", "GROUPS", key)
}

func (s *Store) XInfoConsumers(ctx context.Context, key, group string) (any, error) {
	return s.raw(ctx, "XINFO", "CONSUMERS", key, group)
}

func (s *Store) XPendingSummary(ctx context.Context, key, group string) (any, error) {
	return s.raw(ctx, "XPENDING", key, group)
}

func (s *Store) XPendingDetail(ctx context.Context, key, group, from, to string, count int64) (any, error) {
	return s.raw(ctx, "XPENDING", key, group, from, to, count)
}

func (s *Store) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	keys, next, err := s.client.Scan(ctx, cursor, match, count).Result()
	return keys, next, classify(err)
}

func (s *Store) Info(ctx context.Context) (string, error) {
	info, err := s.client.Info(ctx).Result()
	return info, classify(err)
}

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.client.Ping(ctx).Err())
}
