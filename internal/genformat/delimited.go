package genformat

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// Delimited streams rows as comma-separated values. The header line is
// the first row's keys in order; subsequent rows with a different key
// set are looked up by name against that same header, substituting
// empty for any missing field.
func Delimited(src RowSource, opts StreamOptions) Result {
	pr, pw := io.Pipe()
	go func() {
		bw := bufio.NewWriterSize(pw, bufferSize(opts))
		err := writeDelimited(bw, src)
		if err == nil {
			err = bw.Flush()
		}
		pw.CloseWithError(err)
	}()
	return Result{Body: pr, ContentType: ContentTypeCSV, Extension: "csv"}
}

func writeDelimited(w io.Writer, src RowSource) error {
	var header []string
	first := true
	for {
		row, ok, err := src.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if first {
			header = row.Keys
			if err := writeCSVLine(w, header); err != nil {
				return err
			}
			first = false
		}
		fields := make([]string, len(header))
		for i, k := range header {
			v, present := row.Get(k)
			fields[i] = csvValue(v, present)
		}
		if err := writeCSVLine(w, fields); err != nil {
			return err
		}
	}
}

func writeCSVLine(w io.Writer, fields []string) error {
	for i, f := range fields {
		if i > 0 {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, csvQuote(f)); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func csvQuote(s string) string {
	if strings.ContainsAny(s, ",\"\n") {
		return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	}
	return s
}

func csvValue(v interface{}, present bool) string {
	if !present || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func bufferSize(opts StreamOptions) int {
	if opts.BufferBytes > 0 {
		return opts.BufferBytes
	}
	return 64 * 1024
}
