package values

import (
	"encoding/json"
	"math"
	"time"
)

// Kind is the type tag the store reports for a key.
type Kind string

const (
	KindNone   Kind = "none"
	KindString Kind = "string"
	KindList   Kind = "list"
	KindSet    Kind = "set"
	KindZSet   Kind = "zset"
	KindHash   Kind = "hash"
	KindStream Kind = "stream"
)

// TTL conventions of the store.
const (
	TTLPersistent int64 = -1
	TTLAbsent     int64 = -2
)

// Value is the normalized content of a key. It is one of Scalar, Sequence,
// UnorderedSet, ScoredSet, FieldMap, LogEntries, Absent or Unsupported.
type Value interface {
	isValue()
}

type (
	Scalar       string
	Sequence     []string
	UnorderedSet []string
	ScoredSet    []ScoredMember
	FieldMap     map[string]string
	LogEntries   []LogEntry

	// Absent is the value of a key that does not exist.
	Absent struct{}

	// Unsupported is the value of a key whose store type has no normalized
	// form, e.g. module types.
	Unsupported struct {
		Type string
	}
)

func (Scalar) isValue()       {}
func (Sequence) isValue()     {}
func (UnorderedSet) isValue() {}
func (ScoredSet) isValue()    {}
func (FieldMap) isValue()     {}
func (LogEntries) isValue()   {}
func (Absent) isValue()       {}
func (Unsupported) isValue()  {}

func (Absent) MarshalJSON() ([]byte, error)      { return []byte("null"), nil }
func (Unsupported) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

type ScoredMember struct {
	Member string  `json:"member"`
	Score  float64 `json:"score"`
}

// MarshalJSON writes infinite scores as "+inf"/"-inf"; JSON has no literal for them.
func (m ScoredMember) MarshalJSON() ([]byte, error) {
	if math.IsInf(m.Score, 0) {
		score := "+inf"
		if m.Score < 0 {
			score = "-inf"
		}
		return json.Marshal(struct {
			Member string `json:"member"`
			Score  string `json:"score"`
		}{m.Member, score})
	}
	type plain ScoredMember
	return json.Marshal(plain(m))
}

// LogEntry is one stream entry. Time is decoded from the entry id.
type LogEntry struct {
	ID     string    `json:"id"`
	Fields FieldMap  `json:"fields"`
	Time   time.Time `json:"time"`
}

type StreamMeta struct {
	Length          int64   `json:"length"`
	GroupCount      int64   `json:"groups"`
	FirstEntryID    *string `json:"firstEntryId"`
	LastEntryID     *string `json:"lastEntryId"`
	LastGeneratedID string  `json:"lastGeneratedId"`
}

// Enrichment is optional data fetched alongside a primary read. When the
// fetch fails, Value is nil and Err says why; the primary read still succeeds.
type Enrichment[T any] struct {
	Value *T
	Err   error
}

func (e Enrichment[T]) Ok() bool { return e.Value != nil }

func (e Enrichment[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Value)
}

type KeyRecord struct {
	Key        string                 `json:"key"`
	Type       Kind                   `json:"type"`
	TTLSeconds int64                  `json:"ttl"`
	Value      Value                  `json:"value"`
	StreamMeta Enrichment[StreamMeta] `json:"streamInfo"`
}

func absentRecord(key string) KeyRecord {
	return KeyRecord{Key: key, Type: KindNone, TTLSeconds: TTLAbsent, Value: Absent{}}
}
