package genformat

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const spreadsheetName = "Report"

// Spreadsheet streams rows into a single-worksheet workbook using
// excelize's streaming writer: the first row's keys become the header
// and every subsequent row is appended and committed incrementally, so
// the full workbook is never buffered in memory at once.
func Spreadsheet(src RowSource, opts StreamOptions) Result {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeSpreadsheet(pw, src))
	}()
	return Result{Body: pr, ContentType: ContentTypeXLSX, Extension: "xlsx"}
}

func writeSpreadsheet(w io.Writer, src RowSource) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(spreadsheetName)
	if err != nil {
		return err
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		// Sheet1 may already be the active sheet name; not fatal.
		_ = err
	}

	sw, err := f.NewStreamWriter(spreadsheetName)
	if err != nil {
		return err
	}

	rowNum := 1
	var header []string
	for {
		row, ok, err := src.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if header == nil {
			header = row.Keys
			cells := make([]interface{}, len(header))
			for i, k := range header {
				cells[i] = k
			}
			cell, _ := excelize.CoordinatesToCellName(1, rowNum)
			if err := sw.SetRow(cell, cells); err != nil {
				return err
			}
			rowNum++
		}
		cells := make([]interface{}, len(header))
		for i, k := range header {
			v, present := row.Get(k)
			if !present {
				cells[i] = nil
				continue
			}
			cells[i] = v
		}
		cell, _ := excelize.CoordinatesToCellName(1, rowNum)
		if err := sw.SetRow(cell, cells); err != nil {
			return err
		}
		rowNum++
	}
	if err := sw.Flush(); err != nil {
		return err
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("writing spreadsheet: %w", err)
	}
	return nil
}
