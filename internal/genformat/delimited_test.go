package genformat

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func rows(rs ...Row) *SliceSource { return NewSliceSource(rs) }

func TestDelimitedWritesHeaderThenRows(t *testing.T) {
	src := rows(
		NewRow([]string{"id", "name"}, map[string]interface{}{"id": "1", "name": "Ann"}),
		NewRow([]string{"id", "name"}, map[string]interface{}{"id": "2", "name": "Bo"}),
	)
	res := Delimited(src, StreamOptions{})
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Equal(t, "id,name\n1,Ann\n2,Bo\n", string(body))
	require.Equal(t, ContentTypeCSV, res.ContentType)
	require.Equal(t, "csv", res.Extension)
}

func TestDelimitedQuotesFieldsContainingCommaOrQuoteOrNewline(t *testing.T) {
	src := rows(NewRow([]string{"note"}, map[string]interface{}{"note": "a,b\"c\nd"}))
	res := Delimited(src, StreamOptions{})
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Equal(t, "note\n\"a,b\"\"c\nd\"\n", string(body))
}

func TestDelimitedEmptyInputStillWritesNothing(t *testing.T) {
	res := Delimited(rows(), StreamOptions{})
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Equal(t, "", string(body))
}

func TestDelimitedMissingFieldBecomesEmptyCell(t *testing.T) {
	src := rows(
		NewRow([]string{"id", "extra"}, map[string]interface{}{"id": "1", "extra": "x"}),
		NewRow([]string{"id"}, map[string]interface{}{"id": "2"}),
	)
	res := Delimited(src, StreamOptions{})
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Equal(t, "id,extra\n1,x\n2,\n", string(body))
}
