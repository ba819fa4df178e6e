package values

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flonle/rediscope/app/rediscope/errs"
)

// memStore is a small in-memory store. Keys in types but not in the value
// maps exercise the "vanished between TYPE and fetch" path.
type memStore struct {
	types   map[string]string
	strings map[string]string
	expiry  map[string]time.Time
	lists   map[string][]string
	sets    map[string][]string
	zsets   map[string]any
	hashes  map[string]map[string]string
	streams map[string]any
	info    map[string]any

	ttlOverride map[string]int64
	failOn      map[string]error
	calls       []string
}

func newMemStore() *memStore {
	return &memStore{
		types:       map[string]string{},
		strings:     map[string]string{},
		expiry:      map[string]time.Time{},
		lists:       map[string][]string{},
		sets:        map[string][]string{},
		zsets:       map[string]any{},
		hashes:      map[string]map[string]string{},
		streams:     map[string]any{},
		info:        map[string]any{},
		ttlOverride: map[string]int64{},
		failOn:      map[string]error{},
	}
}

func (m *memStore) call(op string) error {
	m.calls = append(m.calls, op)
	return m.failOn[op]
}

func (m *memStore) Type(_ context.Context, key string) (string, error) {
	if err := m.call("TYPE"); err != nil {
		return "", err
	}
	if t, ok := m.types[key]; ok {
		return t, nil
	}
	return "none", nil
}

func (m *memStore) TTL(_ context.Context, key string) (int64, error) {
	if err := m.call("TTL"); err != nil {
		return 0, err
	}
	if ttl, ok := m.ttlOverride[key]; ok {
		return ttl, nil
	}
	if _, ok := m.types[key]; !ok {
		return TTLAbsent, nil
	}
	exp, ok := m.expiry[key]
	if !ok {
		return TTLPersistent, nil
	}
	return int64(math.Ceil(time.Until(exp).Seconds())), nil
}

func (m *memStore) Get(_ context.Context, key string) (string, bool, error) {
	if err := m.call("GET"); err != nil {
		return "", false, err
	}
	s, ok := m.strings[key]
	return s, ok, nil
}

func (m *memStore) LRange(_ context.Context, key string) ([]string, error) {
	return m.lists[key], m.call("LRANGE")
}

func (m *memStore) SMembers(_ context.Context, key string) ([]string, error) {
	return m.sets[key], m.call("SMEMBERS")
}

func (m *memStore) ZRangeWithScores(_ context.Context, key string) (any, error) {
	return m.zsets[key], m.call("ZRANGE")
}

func (m *memStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	return m.hashes[key], m.call("HGETALL")
}

func (m *memStore) XRevRange(_ context.Context, key, _, _ string, _ int64) (any, error) {
	return m.streams[key], m.call("XREVRANGE")
}

func (m *memStore) XInfoStream(_ context.Context, key string) (any, error) {
	if err := m.call("XINFO"); err != nil {
		return nil, err
	}
	return m.info[key], nil
}

func (m *memStore) Set(_ context.Context, key, value string) error {
	if err := m.call("SET"); err != nil {
		return err
	}
	m.types[key] = "string"
	m.strings[key] = value
	delete(m.expiry, key)
	return nil
}

func (m *memStore) Expire(_ context.Context, key string, seconds int64) error {
	if err := m.call("EXPIRE"); err != nil {
		return err
	}
	m.expiry[key] = time.Now().Add(time.Duration(seconds) * time.Second)
	return nil
}

func (m *memStore) HSet(_ context.Context, key string, fields map[string]string) error {
	if err := m.call("HSET"); err != nil {
		return err
	}
	m.types[key] = "hash"
	if m.hashes[key] == nil {
		m.hashes[key] = map[string]string{}
	}
	for f, v := range fields {
		m.hashes[key][f] = v
	}
	return nil
}

func (m *memStore) Del(_ context.Context, key string) error {
	if err := m.call("DEL"); err != nil {
		return err
	}
	delete(m.types, key)
	delete(m.strings, key)
	delete(m.hashes, key)
	delete(m.expiry, key)
	return nil
}

func TestReadKeyAbsent(t *testing.T) {
	store := newMemStore()
	rec, err := NewNormalizer(store, nil).ReadKey(context.Background(), "nope")
	require.NoError(t, err)

	assert.Equal(t, KindNone, rec.Type)
	assert.Equal(t, Absent{}, rec.Value)
	assert.Equal(t, []string{"TYPE"}, store.calls)
}

func TestReadKeyVanishedBeforeTTL(t *testing.T) {
	store := newMemStore()
	store.types["k"] = "list"
	store.ttlOverride["k"] = TTLAbsent

	rec, err := NewNormalizer(store, nil).ReadKey(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, Absent{}, rec.Value)
	assert.NotContains(t, store.calls, "LRANGE")
}

func TestReadKeyStringVanishedBeforeGet(t *testing.T) {
	store := newMemStore()
	store.types["k"] = "string"

	rec, err := NewNormalizer(store, nil).ReadKey(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, Absent{}, rec.Value)
}

func TestWriteScalarRoundTrip(t *testing.T) {
	ctx := context.Background()
	n := NewNormalizer(newMemStore(), nil)

	require.NoError(t, n.WriteScalar(ctx, "k", "v", 0))
	rec, err := n.ReadKey(ctx, "k")
	require.NoError(t, err)

	assert.Equal(t, KindString, rec.Type)
	assert.Equal(t, Scalar("v"), rec.Value)
	assert.Equal(t, TTLPersistent, rec.TTLSeconds)
}

func TestWriteScalarRoundTripWithTTL(t *testing.T) {
	ctx := context.Background()
	n := NewNormalizer(newMemStore(), nil)

	require.NoError(t, n.WriteScalar(ctx, "k", "v", 60))
	rec, err := n.ReadKey(ctx, "k")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, rec.TTLSeconds, int64(1))
	assert.LessOrEqual(t, rec.TTLSeconds, int64(60))
}

func TestWriteScalarKeepsTextVerbatim(t *testing.T) {
	ctx := context.Background()
	n := NewNormalizer(newMemStore(), nil)

	require.NoError(t, n.WriteScalar(ctx, "k", `{"a":1}`, 0))
	rec, err := n.ReadKey(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, Scalar(`{"a":1}`), rec.Value)
}

func TestReadKeyCollections(t *testing.T) {
	store := newMemStore()
	store.types["l"] = "list"
	store.lists["l"] = []string{"c", "a", "b"}
	store.types["s"] = "set"
	store.sets["s"] = []string{"x"}
	store.types["h"] = "hash"
	store.hashes["h"] = map[string]string{"f": "v"}
	store.types["empty"] = "list"

	n := NewNormalizer(store, nil)
	ctx := context.Background()

	rec, err := n.ReadKey(ctx, "l")
	require.NoError(t, err)
	assert.Equal(t, Sequence{"c", "a", "b"}, rec.Value)

	rec, err = n.ReadKey(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, UnorderedSet{"x"}, rec.Value)

	rec, err = n.ReadKey(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, FieldMap{"f": "v"}, rec.Value)

	rec, err = n.ReadKey(ctx, "empty")
	require.NoError(t, err)
	assert.Equal(t, Sequence{}, rec.Value)
}

func TestReadKeyScoredSetPreservesOrder(t *testing.T) {
	store := newMemStore()
	store.types["z"] = "zset"
	store.zsets["z"] = []any{"alice", "3", "bob", "5"}

	rec, err := NewNormalizer(store, nil).ReadKey(context.Background(), "z")
	require.NoError(t, err)
	assert.Equal(t, ScoredSet{{Member: "alice", Score: 3.0}, {Member: "bob", Score: 5.0}}, rec.Value)
}

func TestReadKeyScoredSetMalformed(t *testing.T) {
	store := newMemStore()
	store.types["z"] = "zset"
	store.zsets["z"] = []any{"alice", "three"}

	_, err := NewNormalizer(store, nil).ReadKey(context.Background(), "z")
	assert.ErrorIs(t, err, errs.ErrStoreUnavailable)
}

func TestReadKeyStreamAscendingWithMeta(t *testing.T) {
	store := newMemStore()
	store.types["s"] = "stream"
	store.streams["s"] = []any{
		[]any{"1700000000002-0", []any{"n", "3"}},
		[]any{"1700000000001-1", []any{"n", "2"}},
		[]any{"1700000000001-0", []any{"n", "1"}},
	}
	store.info["s"] = []any{
		"length", int64(3),
		"radix-tree-keys", int64(1),
		"groups", int64(2),
		"last-generated-id", "1700000000002-0",
		"first-entry", []any{"1700000000001-0", []any{"n", "1"}},
		"last-entry", []any{"1700000000002-0", []any{"n", "3"}},
	}

	rec, err := NewNormalizer(store, nil).ReadKey(context.Background(), "s")
	require.NoError(t, err)

	entries, ok := rec.Value.(LogEntries)
	require.True(t, ok)
	require.Len(t, entries, 3)
	assert.Equal(t, "1700000000001-0", entries[0].ID)
	assert.Equal(t, "1700000000001-1", entries[1].ID)
	assert.Equal(t, "1700000000002-0", entries[2].ID)
	assert.Equal(t, FieldMap{"n": "1"}, entries[0].Fields)
	assert.Equal(t, time.UnixMilli(1700000000001).UTC(), entries[0].Time)

	require.True(t, rec.StreamMeta.Ok())
	meta := rec.StreamMeta.Value
	assert.Equal(t, int64(3), meta.Length)
	assert.Equal(t, int64(2), meta.GroupCount)
	assert.Equal(t, "1700000000001-0", *meta.FirstEntryID)
	assert.Equal(t, "1700000000002-0", *meta.LastEntryID)
}

func TestReadKeyStreamMetaFailureDegrades(t *testing.T) {
	store := newMemStore()
	store.types["s"] = "stream"
	store.streams["s"] = []any{[]any{"1-0", []any{"a", "b"}}}
	store.failOn["XINFO"] = errors.New("i/o timeout")

	rec, err := NewNormalizer(store, nil).ReadKey(context.Background(), "s")
	require.NoError(t, err)
	assert.Len(t, rec.Value.(LogEntries), 1)
	assert.False(t, rec.StreamMeta.Ok())
	assert.Error(t, rec.StreamMeta.Err)

	out, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"streamInfo":null`)
}

func TestReadKeyUnsupportedType(t *testing.T) {
	store := newMemStore()
	store.types["j"] = "ReJSON-RL"

	rec, err := NewNormalizer(store, nil).ReadKey(context.Background(), "j")
	require.NoError(t, err)
	assert.Equal(t, Kind("ReJSON-RL"), rec.Type)
	assert.Equal(t, Unsupported{Type: "ReJSON-RL"}, rec.Value)
}

func TestReadKeyStoreFailure(t *testing.T) {
	store := newMemStore()
	cause := errors.New("connection refused")
	store.failOn["TYPE"] = cause

	_, err := NewNormalizer(store, nil).ReadKey(context.Background(), "k")
	assert.ErrorIs(t, err, errs.ErrStoreUnavailable)
	assert.ErrorIs(t, err, cause)
}

func TestWriteFieldMap(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	n := NewNormalizer(store, nil)

	require.NoError(t, n.WriteFieldMap(ctx, "h", map[string]string{"a": "1", "obj": `{"x":true}`}))
	rec, err := n.ReadKey(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, FieldMap{"a": "1", "obj": `{"x":true}`}, rec.Value)
}

func TestWriteRejectsMalformedInputBeforeStore(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	n := NewNormalizer(store, nil)

	assert.ErrorIs(t, n.WriteFieldMap(ctx, "h", nil), errs.ErrMalformedInput)
	assert.ErrorIs(t, n.WriteFieldMap(ctx, "", map[string]string{"a": "1"}), errs.ErrMalformedInput)
	assert.ErrorIs(t, n.WriteScalar(ctx, "", "v", 0), errs.ErrMalformedInput)
	assert.Empty(t, store.calls)
}

func TestDeleteKey(t *testing.T) {
	ctx := context.Background()
	n := NewNormalizer(newMemStore(), nil)

	require.NoError(t, n.WriteScalar(ctx, "k", "v", 0))
	require.NoError(t, n.DeleteKey(ctx, "k"))

	rec, err := n.ReadKey(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, Absent{}, rec.Value)
}

func TestKeyRecordJSON(t *testing.T) {
	rec := KeyRecord{
		Key:        "z",
		Type:       KindZSet,
		TTLSeconds: -1,
		Value:      ScoredSet{{Member: "a", Score: math.Inf(1)}, {Member: "b", Score: 2}},
	}
	out, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"key":"z","type":"zset","ttl":-1,"value":[{"member":"a","score":"+inf"},{"member":"b","score":2}],"streamInfo":null}`,
		string(out))

	out, err = json.Marshal(absentRecord("gone"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"gone","type":"none","ttl":-2,"value":null,"streamInfo":null}`, string(out))
}
