package genformat

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStructuredArrayEmptyInputYieldsEmptyBrackets(t *testing.T) {
	res := StructuredArray(NewSliceSource(nil), StreamOptions{})
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Equal(t, "[]", string(body))
}

func TestStructuredArrayPreservesRowKeyOrder(t *testing.T) {
	src := NewSliceSource([]Row{
		NewRow([]string{"z", "a"}, map[string]interface{}{"z": 1, "a": 2}),
	})
	res := StructuredArray(src, StreamOptions{})
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Equal(t, `[{"z":1,"a":2}]`, string(body))

	var decoded []map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.Equal(t, float64(1), decoded[0]["z"])
}

func TestStructuredArrayJoinsMultipleRowsWithComma(t *testing.T) {
	src := NewSliceSource([]Row{
		NewRow([]string{"n"}, map[string]interface{}{"n": 1}),
		NewRow([]string{"n"}, map[string]interface{}{"n": 2}),
	})
	res := StructuredArray(src, StreamOptions{})
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Equal(t, `[{"n":1},{"n":2}]`, string(body))
}
