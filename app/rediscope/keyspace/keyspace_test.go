package keyspace

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flonle/rediscope/app/rediscope/errs"
)

// stubStore pages its keys two at a time and repeats the last key of every
// page at the start of the next, as SCAN is allowed to.
type stubStore struct {
	keys    []string
	types   map[string]string
	info    string
	scanErr error
	typeErr error
	pingErr error

	mu    sync.Mutex
	scans int
}

func (s *stubStore) Scan(_ context.Context, cursor uint64, match string, _ int64) ([]string, uint64, error) {
	s.mu.Lock()
	s.scans++
	s.mu.Unlock()
	if s.scanErr != nil {
		return nil, 0, s.scanErr
	}
	start := int(cursor)
	if start > 0 {
		start--
	}
	end := min(int(cursor)+2, len(s.keys))
	var page []string
	for _, k := range s.keys[start:end] {
		if ok, _ := path.Match(match, k); ok {
			page = append(page, k)
		}
	}
	if end == len(s.keys) {
		return page, 0, nil
	}
	return page, uint64(end), nil
}

func (s *stubStore) Type(_ context.Context, key string) (string, error) {
	if s.typeErr != nil {
		return "", s.typeErr
	}
	if t, ok := s.types[key]; ok {
		return t, nil
	}
	return "none", nil
}

func (s *stubStore) Info(context.Context) (string, error) { return s.info, nil }
func (s *stubStore) Ping(context.Context) error           { return s.pingErr }

func TestListKeysSortedWithTypes(t *testing.T) {
	store := &stubStore{
		keys:  []string{"user:2", "user:1", "queue", "user:3", "events"},
		types: map[string]string{"user:1": "hash", "user:2": "hash", "queue": "list", "events": "stream"},
	}
	keys, err := NewBrowser(store, nil).ListKeys(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Equal(t, []KeyInfo{
		{"events", "stream"},
		{"queue", "list"},
		{"user:1", "hash"},
		{"user:2", "hash"},
		{"user:3", "none"},
	}, keys)
}

func TestListKeysPattern(t *testing.T) {
	store := &stubStore{keys: []string{"a:1", "b:1", "a:2"}, types: map[string]string{"a:1": "string", "a:2": "string"}}
	keys, err := NewBrowser(store, nil).ListKeys(context.Background(), "a:*", 0)
	require.NoError(t, err)
	assert.Equal(t, []KeyInfo{{"a:1", "string"}, {"a:2", "string"}}, keys)
}

func TestListKeysCapped(t *testing.T) {
	store := &stubStore{}
	for i := range MaxKeys + 50 {
		store.keys = append(store.keys, fmt.Sprintf("k%05d", i))
	}
	keys, err := NewBrowser(store, nil).ListKeys(context.Background(), "*", 0)
	require.NoError(t, err)
	assert.Len(t, keys, MaxKeys)
	assert.Less(t, store.scans, (MaxKeys+50)/2+1)
}

func TestListKeysLimit(t *testing.T) {
	store := &stubStore{keys: []string{"e", "d", "c", "b", "a"}}
	keys, err := NewBrowser(store, nil).ListKeys(context.Background(), "*", 3)
	require.NoError(t, err)
	require.Len(t, keys, 3)
	assert.Equal(t, KeyInfo{"c", "none"}, keys[0])
}

func TestListKeysEmpty(t *testing.T) {
	keys, err := NewBrowser(&stubStore{}, nil).ListKeys(context.Background(), "*", 0)
	require.NoError(t, err)
	assert.NotNil(t, keys)
	assert.Empty(t, keys)
}

func TestListKeysStoreFailure(t *testing.T) {
	_, err := NewBrowser(&stubStore{scanErr: errors.New("connection refused")}, nil).ListKeys(context.Background(), "*", 0)
	assert.ErrorIs(t, err, errs.ErrStoreUnavailable)

	_, err = NewBrowser(&stubStore{keys: []string{"a"}, typeErr: errors.New("i/o timeout")}, nil).ListKeys(context.Background(), "*", 0)
	assert.ErrorIs(t, err, errs.ErrStoreUnavailable)
}

func TestParseInfo(t *testing.T) {
	raw := "# Server\r\nredis_version:7.2.4\r\nexecutable:/usr/local/bin/redis-server\r\n\r\n" +
		"# Keyspace\r\ndb0:keys=3,expires=0,avg_ttl=0\r\nrdb_last_bgsave_status:ok\r\nbroken\r\n" +
		"config_file:\r\nlistener0:name=tcp,bind=*,port=6379\r\n"
	info := ParseInfo(raw)
	assert.Equal(t, map[string]string{
		"redis_version":          "7.2.4",
		"executable":             "/usr/local/bin/redis-server",
		"db0":                    "keys=3,expires=0,avg_ttl=0",
		"rdb_last_bgsave_status": "ok",
		"listener0":              "name=tcp,bind=*,port=6379",
	}, info)
}

func TestServerInfo(t *testing.T) {
	info, err := NewBrowser(&stubStore{info: "# Clients\nconnected_clients:1\n"}, nil).ServerInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"connected_clients": "1"}, info)
}

func TestPing(t *testing.T) {
	assert.NoError(t, NewBrowser(&stubStore{}, nil).Ping(context.Background()))
	err := NewBrowser(&stubStore{pingErr: errors.New("EOF")}, nil).Ping(context.Background())
	assert.ErrorIs(t, err, errs.ErrStoreUnavailable)
}
