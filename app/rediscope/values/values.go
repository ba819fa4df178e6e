// Package values reads keys of any store type into one uniform, typed
// representation, and writes scalar and field-map values back.
//
// The type of a key is always taken from the store's TYPE reply; the shape of
// a value is never used to guess it.
package values

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/flonle/rediscope/app/rediscope/errs"
	"github.com/flonle/rediscope/app/rediscope/resp"
	"github.com/flonle/rediscope/app/rediscope/streams"
)

// RecentEntries is how many of the newest stream entries a read returns.
const RecentEntries = 100

var tracer = otel.Tracer("github.com/flonle/rediscope/app/rediscope/values")

// Store is the slice of the store's command set the normalizer needs.
type Store interface {
	Type(ctx context.Context, key string) (string, error)
	TTL(ctx context.Context, key string) (int64, error)
	// Get reports found=false when the key does not exist.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	LRange(ctx context.Context, key string) ([]string, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	// ZRangeWithScores returns the raw flat [member, score, member, score, ...] reply.
	ZRangeWithScores(ctx context.Context, key string) (any, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// XRevRange returns the raw [[id, [field, value, ...]], ...] reply, newest first.
	XRevRange(ctx context.Context, key, end, start string, count int64) (any, error)
	// XInfoStream returns the raw flat XINFO STREAM reply.
	XInfoStream(ctx context.Context, key string) (any, error)

	Set(ctx context.Context, key, value string) error
	Expire(ctx context.Context, key string, seconds int64) error
	HSet(ctx context.Context, key string, fields map[string]string) error
	Del(ctx context.Context, key string) error
}

type Normalizer struct {
	store Store
	log   *slog.Logger
}

func NewNormalizer(store Store, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{store: store, log: logger}
}

// ReadKey fetches key with its type and remaining time to live. A key that does
// not exist, or vanishes midway, reads as Absent rather than an error.
func (n *Normalizer) ReadKey(ctx context.Context, key string) (KeyRecord, error) {
	ctx, span := tracer.Start(ctx, "values.ReadKey")
	defer span.End()

	typ, err := n.store.Type(ctx, key)
	if err != nil {
		span.RecordError(err)
		return KeyRecord{}, errs.Unavailable("TYPE", key, err)
	}
	kind := Kind(typ)
	span.SetAttributes(attribute.String("key.type", typ))
	if kind == KindNone {
		return absentRecord(key), nil
	}

	ttl, err := n.store.TTL(ctx, key)
	if err != nil {
		span.RecordError(err)
		return KeyRecord{}, errs.Unavailable("TTL", key, err)
	}
	if ttl == TTLAbsent {
		return absentRecord(key), nil
	}

	rec := KeyRecord{Key: key, Type: kind, TTLSeconds: ttl}
	switch kind {
	case KindString:
		s, found, err := n.store.Get(ctx, key)
		if err != nil {
			return KeyRecord{}, errs.Unavailable("GET", key, err)
		}
		if !found {
			return absentRecord(key), nil
		}
		rec.Value = Scalar(s)

	case KindList:
		items, err := n.store.LRange(ctx, key)
		if err != nil {
			return KeyRecord{}, errs.Unavailable("LRANGE", key, err)
		}
		rec.Value = Sequence(nonNil(items))

	case KindSet:
		members, err := n.store.SMembers(ctx, key)
		if err != nil {
			return KeyRecord{}, errs.Unavailable("SMEMBERS", key, err)
		}
		rec.Value = UnorderedSet(nonNil(members))

	case KindZSet:
		reply, err := n.store.ZRangeWithScores(ctx, key)
		if err != nil {
			return KeyRecord{}, errs.Unavailable("ZRANGE", key, err)
		}
		set, err := decodeScoredSet(reply)
		if err != nil {
			return KeyRecord{}, errs.Unavailable("ZRANGE", key, err)
		}
		rec.Value = set

	case KindHash:
		fields, err := n.store.HGetAll(ctx, key)
		if err != nil {
			return KeyRecord{}, errs.Unavailable("HGETALL", key, err)
		}
		if fields == nil {
			fields = map[string]string{}
		}
		rec.Value = FieldMap(fields)

	case KindStream:
		reply, err := n.store.XRevRange(ctx, key, "+", "-", RecentEntries)
		if err != nil {
			return KeyRecord{}, errs.Unavailable("XREVRANGE", key, err)
		}
		entries, err := decodeRecentEntries(reply)
		if err != nil {
			return KeyRecord{}, errs.Unavailable("XREVRANGE", key, err)
		}
		rec.Value = entries
		rec.StreamMeta = n.streamMeta(ctx, key)

	default:
		rec.Value = Unsupported{Type: typ}
	}
	return rec, nil
}

// streamMeta is best effort: a failure is recorded on the Enrichment and
// does not fail the read.
func (n *Normalizer) streamMeta(ctx context.Context, key string) Enrichment[StreamMeta] {
	reply, err := n.store.XInfoStream(ctx, key)
	if err != nil {
		n.log.Debug("stream info unavailable", "key", key, "error", err)
		return Enrichment[StreamMeta]{Err: err}
	}
	meta, err := decodeStreamMeta(reply)
	if err != nil {
		n.log.Debug("stream info undecodable", "key", key, "error", err)
		return Enrichment[StreamMeta]{Err: err}
	}
	return Enrichment[StreamMeta]{Value: &meta}
}

// WriteScalar stores value at key verbatim. A positive ttlSeconds sets an
// expiry; otherwise the key persists.
func (n *Normalizer) WriteScalar(ctx context.Context, key, value string, ttlSeconds int64) error {
	if key == "" {
		return errs.Malformed("key is required")
	}
	if err := n.store.Set(ctx, key, value); err != nil {
		return errs.Unavailable("SET", key, err)
	}
	if ttlSeconds > 0 {
		if err := n.store.Expire(ctx, key, ttlSeconds); err != nil {
			return errs.Unavailable("EXPIRE", key, err)
		}
	}
	return nil
}

// WriteFieldMap sets the given fields on the hash at key, leaving other
// fields untouched. Values are stored as given; structured values must be
// serialized by the caller.
func (n *Normalizer) WriteFieldMap(ctx context.Context, key string, fields map[string]string) error {
	if key == "" {
		return errs.Malformed("key is required")
	}
	if len(fields) == 0 {
		return errs.Malformed("field map for %q is empty", key)
	}
	if err := n.store.HSet(ctx, key, fields); err != nil {
		return errs.Unavailable("HSET", key, err)
	}
	return nil
}

func (n *Normalizer) DeleteKey(ctx context.Context, key string) error {
	if key == "" {
		return errs.Malformed("key is required")
	}
	if err := n.store.Del(ctx, key); err != nil {
		return errs.Unavailable("DEL", key, err)
	}
	return nil
}

// flat [member, score, member, score, ...] -> ScoredSet, in reply order
func decodeScoredSet(reply any) (ScoredSet, error) {
	flat, ok := resp.Array(reply)
	if !ok {
		if reply == nil {
			return ScoredSet{}, nil
		}
		return nil, fmt.Errorf("zset reply of type %T", reply)
	}
	if len(flat)%2 != 0 {
		return nil, fmt.Errorf("zset reply has odd length %d", len(flat))
	}
	set := make(ScoredSet, 0, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		member, ok := resp.Text(flat[i])
		if !ok {
			return nil, fmt.Errorf("zset member of type %T", flat[i])
		}
		score, ok := resp.Float64(flat[i+1])
		if !ok {
			return nil, fmt.Errorf("zset score %v is not a number", flat[i+1])
		}
		set = append(set, ScoredMember{Member: member, Score: score})
	}
	return set, nil
}

// [[id, [field, value, ...]], ...] newest first -> LogEntries oldest first
func decodeRecentEntries(reply any) (LogEntries, error) {
	entries, err := decodeEntries(reply)
	if err != nil {
		return nil, err
	}
	slices.Reverse(entries)
	slices.SortStableFunc(entries, func(a, b LogEntry) int { return streams.CompareIDs(a.ID, b.ID) })
	return entries, nil
}

func decodeEntries(reply any) (LogEntries, error) {
	items, ok := resp.Array(reply)
	if !ok {
		if reply == nil {
			return LogEntries{}, nil
		}
		return nil, fmt.Errorf("stream reply of type %T", reply)
	}
	entries := make(LogEntries, 0, len(items))
	for _, item := range items {
		entry, err := decodeEntry(item)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// [id, [field, value, ...]] -> LogEntry
func decodeEntry(item any) (LogEntry, error) {
	parts, ok := resp.Array(item)
	if !ok || len(parts) != 2 {
		return LogEntry{}, fmt.Errorf("malformed stream entry %v", item)
	}
	id, ok := resp.Text(parts[0])
	if !ok {
		return LogEntry{}, fmt.Errorf("stream entry id of type %T", parts[0])
	}
	fields, err := resp.TextMap(parts[1])
	if err != nil {
		return LogEntry{}, fmt.Errorf("stream entry %s: %w", id, err)
	}
	if fields == nil {
		fields = map[string]string{}
	}
	entry := LogEntry{ID: id, Fields: FieldMap(fields)}
	if parsed, err := streams.ParseID(id); err == nil {
		entry.Time = parsed.Time()
	}
	return entry, nil
}

// XINFO STREAM flat reply -> StreamMeta
func decodeStreamMeta(reply any) (StreamMeta, error) {
	f, err := resp.Pairs(reply)
	if err != nil {
		return StreamMeta{}, err
	}
	meta := StreamMeta{
		Length:          f.Int64("length"),
		GroupCount:      f.Int64("groups"),
		LastGeneratedID: f.Text("last-generated-id"),
	}
	meta.FirstEntryID = entryID(f["first-entry"])
	meta.LastEntryID = entryID(f["last-entry"])
	return meta, nil
}

func entryID(v any) *string {
	parts, ok := resp.Array(v)
	if !ok || len(parts) == 0 {
		return nil
	}
	id, ok := resp.Text(parts[0])
	if !ok {
		return nil
	}
	return &id
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
