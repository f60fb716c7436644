package genformat

import (
	"archive/zip"
	"compress/flate"
	"io"
)

// ArchiveEntry names one member of the produced ZIP, backed by a byte
// stream the archive generator consumes exactly once.
type ArchiveEntry struct {
	Name string
	Body io.ReadCloser
}

// Archive concatenates an ordered list of entries into a ZIP archive
// (deflate level 9), written streamingly: each entry's bytes are
// appended to the archive as they arrive, never buffering a whole
// member in memory. An error on any entry's input stream propagates
// and destroys the archive output.
func Archive(entries []ArchiveEntry, opts StreamOptions) Result {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeArchive(pw, entries, opts))
	}()
	return Result{Body: pr, ContentType: ContentTypeZip, Extension: "zip"}
}

func writeArchive(w io.Writer, entries []ArchiveEntry, opts StreamOptions) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	for _, entry := range entries {
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:   entry.Name,
			Method: zip.Deflate,
		})
		if err != nil {
			entry.Body.Close()
			zw.Close()
			return err
		}
		buf := make([]byte, bufferSize(opts))
		if _, err := io.CopyBuffer(fw, entry.Body, buf); err != nil {
			entry.Body.Close()
			zw.Close()
			return err
		}
		if err := entry.Body.Close(); err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}
