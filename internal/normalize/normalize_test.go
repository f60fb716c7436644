package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestValueConvertsObjectIDToHex(t *testing.T) {
	id := primitive.NewObjectID()
	require.Equal(t, id.Hex(), Value(id))
}

func TestValueConvertsTimestampsToMillisecondISO(t *testing.T) {
	ts := time.Date(2026, 3, 5, 10, 30, 0, 123000000, time.UTC)
	require.Equal(t, "2026-03-05T10:30:00.123Z", Value(ts))
	require.Equal(t, "2026-03-05T10:30:00.123Z", Value(primitive.NewDateTimeFromTime(ts)))
}

func TestValueRecursesIntoSequencesAndMappings(t *testing.T) {
	id := primitive.NewObjectID()
	in := primitive.M{
		"ids":   primitive.A{id, "plain"},
		"label": "x",
	}
	out := Value(in).(map[string]interface{})
	require.Equal(t, "x", out["label"])
	ids := out["ids"].([]interface{})
	require.Equal(t, id.Hex(), ids[0])
	require.Equal(t, "plain", ids[1])
}

func TestValueIsIdempotent(t *testing.T) {
	id := primitive.NewObjectID()
	first := Value(id)
	require.Equal(t, first, Value(first))
}

func TestValuePassesThroughUnknownScalars(t *testing.T) {
	require.Equal(t, 42, Value(42))
	require.Equal(t, nil, Value(nil))
}

func TestSanitizeFiltersDropsOperatorAndDottedKeys(t *testing.T) {
	in := map[string]interface{}{
		"status":     "active",
		"$where":     "this.x == 1",
		"a.b":        "nested path",
		"safeNested": map[string]interface{}{"$gt": 5, "ok": "yes"},
	}
	out := SanitizeFilters(in)

	require.Equal(t, "active", out["status"])
	require.NotContains(t, out, "$where")
	require.NotContains(t, out, "a.b")

	nested := out["safeNested"].(map[string]interface{})
	require.NotContains(t, nested, "$gt")
	require.Equal(t, "yes", nested["ok"])
}

func TestSanitizeFiltersIsIdempotent(t *testing.T) {
	in := map[string]interface{}{"$evil": 1, "ok": map[string]interface{}{"$also": 2, "fine": "v"}}
	once := SanitizeFilters(in)
	twice := SanitizeFilters(once)
	require.Equal(t, once, twice)
}

func TestSanitizeFiltersOnNonMappingYieldsEmptyMap(t *testing.T) {
	require.Equal(t, map[string]interface{}{}, SanitizeFilters("not a map"))
	require.Equal(t, map[string]interface{}{}, SanitizeFilters(nil))
}

func TestRowGetSet(t *testing.T) {
	row := NewRow([]string{"a"}, map[string]interface{}{"a": 1})
	row.Set("b", 2)
	require.Equal(t, []string{"a", "b"}, row.Keys)
	v, ok := row.Get("b")
	require.True(t, ok)
	require.Equal(t, 2, v)

	row.Set("a", 99)
	require.Equal(t, []string{"a", "b"}, row.Keys)
	v, _ = row.Get("a")
	require.Equal(t, 99, v)
}
