package genformat

import (
	"fmt"
	"io"

	"github.com/go-pdf/fpdf"

	"github.com/lorenzovborges/reportsys/internal/apperr"
)

// Paginated streams rows into a title page ("Report" heading) followed
// by one text line per row of the form "<index>. <JSON(row)>". If
// opts.DocumentMaxRows is set and more rows than that arrive, the
// generator fails with apperr.ErrDocumentRowLimitExceeded and destroys
// the stream.
func Paginated(src RowSource, opts StreamOptions) Result {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writePaginated(pw, src, opts.DocumentMaxRows))
	}()
	return Result{Body: pr, ContentType: ContentTypePDF, Extension: "pdf"}
}

func writePaginated(w io.Writer, src RowSource, maxRows int) error {
	doc := fpdf.New("P", "mm", "A4", "")
	doc.AddPage()
	doc.SetFont("Arial", "B", 16)
	doc.Cell(0, 12, "Report")
	doc.Ln(16)
	doc.SetFont("Arial", "", 10)

	index := 0
	for {
		row, ok, err := src.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		index++
		if maxRows > 0 && index > maxRows {
			return apperr.Wrapf(apperr.ErrDocumentRowLimitExceeded,
				"document row limit exceeded: %d rows buffered, limit %d", index, maxRows)
		}
		line := fmt.Sprintf("%d. %s", index, string(rowToOrderedJSON(row)))
		if doc.GetY() > 280 {
			doc.AddPage()
		}
		doc.MultiCell(0, 5, line, "", "L", false)
	}
	return doc.Output(w)
}
