package genformat

import (
	"archive/zip"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func nopCloser(s string) io.ReadCloser {
	return io.NopCloser(bytes.NewReader([]byte(s)))
}

func TestArchiveProducesAZipWithEveryEntryAndContents(t *testing.T) {
	res := Archive([]ArchiveEntry{
		{Name: "report.csv", Body: nopCloser("a,b\n1,2\n")},
		{Name: "report.json", Body: nopCloser(`[{"a":1}]`)},
	}, StreamOptions{})

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Equal(t, ContentTypeZip, res.ContentType)

	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)

	names := []string{zr.File[0].Name, zr.File[1].Name}
	require.ElementsMatch(t, []string{"report.csv", "report.json"}, names)

	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		contents, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		if f.Name == "report.csv" {
			require.Equal(t, "a,b\n1,2\n", string(contents))
		} else {
			require.Equal(t, `[{"a":1}]`, string(contents))
		}
	}
}

func TestArchiveEmptyEntriesProducesValidEmptyZip(t *testing.T) {
	res := Archive(nil, StreamOptions{})
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	require.Len(t, zr.File, 0)
}
