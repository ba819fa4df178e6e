// Package keyspace browses the store's keys and reports server information.
package keyspace

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/flonle/rediscope/app/rediscope/errs"
)

const (
	// MaxKeys caps how many keys a listing returns.
	MaxKeys = 1000
	// scanBatch is the COUNT hint passed to each SCAN.
	scanBatch = 500
	// typeLookups bounds concurrent TYPE commands per listing.
	typeLookups = 16
)

type Store interface {
	Scan(ctx context.Context, cursor uint64, match string, count int64) (keys []string, next uint64, err error)
	Type(ctx context.Context, key string) (string, error)
	Info(ctx context.Context) (string, error)
	Ping(ctx context.Context) error
}

type KeyInfo struct {
	Key  string `json:"key"`
	Type string `json:"type"`
}

type Browser struct {
	store Store
	log   *slog.Logger
}

func NewBrowser(store Store, logger *slog.Logger) *Browser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Browser{store: store, log: logger}
}

// ListKeys returns up to limit keys matching the glob pattern, with their
// types, sorted by key. A limit outside (0, MaxKeys] means MaxKeys. A key
// deleted during the listing reports type "none".
func (b *Browser) ListKeys(ctx context.Context, pattern string, limit int) ([]KeyInfo, error) {
	if pattern == "" {
		pattern = "*"
	}
	if limit <= 0 || limit > MaxKeys {
		limit = MaxKeys
	}

	seen := make(map[string]struct{})
	var keys []string
	var cursor uint64
	for {
		batch, next, err := b.store.Scan(ctx, cursor, pattern, scanBatch)
		if err != nil {
			return nil, errs.Unavailable("SCAN", pattern, err)
		}
		for _, k := range batch {
			// SCAN may return a key more than once
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
		cursor = next
		if cursor == 0 || len(keys) >= limit {
			break
		}
	}
	if len(keys) > limit {
		keys = keys[:limit]
	}
	slices.Sort(keys)

	out := make([]KeyInfo, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(typeLookups)
	for i, k := range keys {
		g.Go(func() error {
			typ, err := b.store.Type(gctx, k)
			if err != nil {
				return errs.Unavailable("TYPE", k, err)
			}
			out[i] = KeyInfo{Key: k, Type: typ}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	b.log.Debug("listed keys", "pattern", pattern, "count", len(out))
	return out, nil
}

// ServerInfo returns the INFO report as a flat field -> value map. Section
// headers and blank lines are skipped.
func (b *Browser) ServerInfo(ctx context.Context) (map[string]string, error) {
	raw, err := b.store.Info(ctx)
	if err != nil {
		return nil, errs.Unavailable("INFO", "", err)
	}
	return ParseInfo(raw), nil
}

// ParseInfo parses an INFO report. Values keep any colons after the first.
func ParseInfo(raw string) map[string]string {
	info := make(map[string]string)
	for line := range strings.Lines(raw) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			continue
		}
		info[k] = v
	}
	return info
}

// Ping reports whether the store answers.
func (b *Browser) Ping(ctx context.Context) error {
	if err := b.store.Ping(ctx); err != nil {
		return errs.Unavailable("PING", "", err)
	}
	return nil
}
