// Package resp turns raw store replies into Go values.
//
// Replies arrive as the store client hands them over: nested []any holding
// strings, int64s and nils. Most metadata commands (XINFO, XPENDING, ZRANGE
// WITHSCORES) answer with flat arrays of alternating name/value items instead
// of structured records; Pairs is the one place that index arithmetic lives.
package resp

import (
	"fmt"
	"strconv"
)

// Fields is a decoded flat reply, keyed by field name.
type Fields map[string]any

// RESP flat array [name0, value0, name1, value1, ...] -> Fields
//
// Later duplicates win. RESP3 maps are accepted as-is.
func Pairs(reply any) (Fields, error) {
	switch reply := reply.(type) {
	case nil:
		return Fields{}, nil
	case map[any]any:
		fields := make(Fields, len(reply))
		for k, v := range reply {
			name, ok := Text(k)
			if !ok {
				return nil, fmt.Errorf("resp: field name of type %T", k)
			}
			fields[name] = v
		}
		return fields, nil
	case map[string]any:
		return Fields(reply), nil
	case []any:
		if len(reply)%2 != 0 {
			return nil, fmt.Errorf("resp: odd number of items (%d) in flat pairs", len(reply))
		}
		fields := make(Fields, len(reply)/2)
		for i := 0; i < len(reply); i += 2 {
			name, ok := Text(reply[i])
			if !ok {
				return nil, fmt.Errorf("resp: field name of type %T at index %d", reply[i], i)
			}
			fields[name] = reply[i+1]
		}
		return fields, nil
	default:
		return nil, fmt.Errorf("resp: expected array, got %T", reply)
	}
}

// PairList is Pairs for replies that are arrays of flat records,
// e.g. XINFO GROUPS: [[name, g1, pending, 2, ...], [name, g2, ...]].
func PairList(reply any) ([]Fields, error) {
	items, ok := Array(reply)
	if !ok {
		if reply == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("resp: expected array of records, got %T", reply)
	}
	out := make([]Fields, 0, len(items))
	for i, item := range items {
		fields, err := Pairs(item)
		if err != nil {
			return nil, fmt.Errorf("resp: record %d: %w", i, err)
		}
		out = append(out, fields)
	}
	return out, nil
}

// Text returns the field as text, or "" if it is missing or not textual.
func (f Fields) Text(name string) string {
	s, _ := Text(f[name])
	return s
}

// OptionalText is Text but keeps "missing or nil" distinct from "".
func (f Fields) OptionalText(name string) *string {
	s, ok := Text(f[name])
	if !ok {
		return nil
	}
	return &s
}

// Int64 returns the field as an integer, or 0 if it is missing or not numeric.
func (f Fields) Int64(name string) int64 {
	n, _ := Int64(f[name])
	return n
}

func (f Fields) Array(name string) []any {
	a, _ := Array(f[name])
	return a
}

// Text converts a reply item to a string. Integers are formatted in base 10.
func Text(v any) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case int:
		return strconv.Itoa(v), true
	default:
		return "", false
	}
}

// Int64 converts a reply item to an integer. Numeric strings are parsed.
func Int64(v any) (int64, bool) {
	switch v := v.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	case []byte:
		n, err := strconv.ParseInt(string(v), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// Float64 converts a reply item to a float. Scores arrive as bulk strings
// ("3", "1.5", "inf", "-inf").
func Float64(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(string(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func Array(v any) ([]any, bool) {
	a, ok := v.([]any)
	return a, ok
}

// RESP array of bulk strings -> Go slice of strings
func TextSlice(v any) ([]string, error) {
	items, ok := Array(v)
	if !ok {
		if v == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("resp: expected array, got %T", v)
	}
	out := make([]string, len(items))
	for i, item := range items {
		s, ok := Text(item)
		if !ok {
			return nil, fmt.Errorf("resp: item %d of type %T is not text", i, item)
		}
		out[i] = s
	}
	return out, nil
}

// Flat [field0, value0, field1, value1, ...] text -> map. Used for stream
// entry bodies and HGETALL style replies.
func TextMap(v any) (map[string]string, error) {
	flat, err := TextSlice(v)
	if err != nil {
		return nil, err
	}
	if len(flat)%2 != 0 {
		return nil, fmt.Errorf("resp: odd number of items (%d) in field map", len(flat))
	}
	m := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		m[flat[i]] = flat[i+1]
	}
	return m, nil
}
