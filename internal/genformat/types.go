// Package genformat implements the core's streaming format generators
// (C2): delimited, structured-object array, spreadsheet,
// paginated-document, and the archive generator that concatenates
// entry streams into a ZIP.
//
// Each generator consumes a lazy, single-consumer RowSource exactly
// once, in order, and produces a byte stream through an io.Reader so
// the job processor can pipe it straight into the storage adapter
// without buffering the whole result in memory.
package genformat

import (
	"io"

	"github.com/lorenzovborges/reportsys/internal/normalize"
)

// Row is an ordered, normalized record, as produced by
// internal/normalize.
type Row = normalize.Row

// RowSource is a pull-based lazy sequence of rows. Next returns
// (Row{}, false, nil) exactly once, after the last row, to signal clean
// end-of-sequence; any non-nil error aborts the generator and is
// propagated to the consumer of the byte stream.
type RowSource interface {
	Next() (Row, bool, error)
}

// SliceSource adapts an in-memory slice of rows (e.g. the reduce
// engine's finalized groups) to RowSource.
type SliceSource struct {
	rows []Row
	pos  int
}

// NewSliceSource wraps rows as a RowSource.
func NewSliceSource(rows []Row) *SliceSource { return &SliceSource{rows: rows} }

func (s *SliceSource) Next() (Row, bool, error) {
	if s.pos >= len(s.rows) {
		return Row{}, false, nil
	}
	r := s.rows[s.pos]
	s.pos++
	return r, true, nil
}

// FuncSource adapts a plain pull function to RowSource, the shape a
// MongoDB cursor wrapper uses.
type FuncSource func() (Row, bool, error)

func (f FuncSource) Next() (Row, bool, error) { return f() }

// StreamOptions tunes the byte-level pipelines shared by every
// generator.
type StreamOptions struct {
	BufferBytes     int
	DocumentMaxRows int // 0 means unbounded
}

// Result is what a generator hands back to the job processor: a byte
// stream to pipe into storage, plus the content type and extension used
// to build the artifact key.
type Result struct {
	Body        io.ReadCloser
	ContentType string
	Extension   string
}

const (
	ContentTypeCSV  = "text/csv"
	ContentTypeJSON = "application/json"
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	ContentTypePDF  = "application/pdf"
	ContentTypeZip  = "application/zip"
)
