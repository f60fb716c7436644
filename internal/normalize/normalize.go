// Package normalize implements the two pure functions of the core's
// Value Normalizer & Filter Sanitizer (C1): converting datastore-native
// values to portable scalars, and stripping unsafe operator keys out of
// filter predicates before they reach the document store.
package normalize

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Value recursively converts datastore-native values into portable
// scalars: ObjectIDs become their canonical 24-hex string, timestamps
// become millisecond-precision ISO-8601 in UTC, sequences and mappings
// are normalized element/value-wise, and all other scalars pass through
// unchanged. Value is idempotent: Value(Value(v)) == Value(v).
func Value(v interface{}) interface{} {
	switch t := v.(type) {
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().UTC().Format("2006-01-02T15:04:05.000Z")
	case time.Time:
		return t.UTC().Format("2006-01-02T15:04:05.000Z")
	case primitive.A:
		out := make([]interface{}, len(t))
		for i, el := range t {
			out[i] = Value(el)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, el := range t {
			out[i] = Value(el)
		}
		return out
	case primitive.M:
		return mapValues(t)
	case map[string]interface{}:
		return mapValues(t)
	case primitive.D:
		m := make(map[string]interface{}, len(t))
		for _, e := range t {
			m[e.Key] = Value(e.Value)
		}
		return m
	default:
		return v
	}
}

func mapValues(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = Value(v)
	}
	return out
}

// Row is an ordered, string-keyed sequence of normalized scalars: the
// shape every generator in internal/genformat consumes. Key order is
// preserved from the source document (or from groupBy/metric emission
// order for reduce output) because the delimited and paginated
// generators derive their header from the first row's key ordering.
type Row struct {
	Keys   []string
	Values map[string]interface{}
}

// NewRow builds a Row from an explicit key order and value map.
func NewRow(keys []string, values map[string]interface{}) Row {
	return Row{Keys: keys, Values: values}
}

// RowFromBSON converts a decoded BSON document (primitive.D, which
// preserves field order) into a normalized Row.
func RowFromBSON(d primitive.D) Row {
	keys := make([]string, len(d))
	values := make(map[string]interface{}, len(d))
	for i, e := range d {
		keys[i] = e.Key
		values[e.Key] = Value(e.Value)
	}
	return Row{Keys: keys, Values: values}
}

// Get looks up a field by key regardless of position.
func (r Row) Get(key string) (interface{}, bool) {
	v, ok := r.Values[key]
	return v, ok
}

// Set upserts a field, appending key to Keys if not already present.
func (r *Row) Set(key string, value interface{}) {
	if _, ok := r.Values[key]; !ok {
		r.Keys = append(r.Keys, key)
	}
	if r.Values == nil {
		r.Values = map[string]interface{}{}
	}
	r.Values[key] = value
}

// SanitizeFilters returns a new mapping keeping only keys that do not
// begin with "$" and contain no ".", recursively sanitizing nested
// mappings; non-mapping children (scalars, sequences) pass through
// unchanged. A non-mapping input yields an empty mapping: the datastore
// interprets "$"-prefixed keys as operators and dotted keys as path
// traversals, and neither may originate from untrusted input.
func SanitizeFilters(m interface{}) map[string]interface{} {
	input, ok := asStringMap(m)
	if !ok {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(input))
	for k, v := range input {
		if strings.HasPrefix(k, "$") || strings.Contains(k, ".") {
			continue
		}
		if nested, ok := asStringMap(v); ok {
			out[k] = SanitizeFilters(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func asStringMap(v interface{}) (map[string]interface{}, bool) {
	switch t := v.(type) {
	case map[string]interface{}:
		return t, true
	case primitive.M:
		return map[string]interface{}(t), true
	default:
		return nil, false
	}
}
