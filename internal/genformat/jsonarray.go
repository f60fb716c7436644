package genformat

import (
	"bufio"
	"encoding/json"
	"io"
)

// StructuredArray streams rows as a JSON array: "[" + comma-separated
// JSON-serialized rows + "]". An empty input emits exactly "[]".
func StructuredArray(src RowSource, opts StreamOptions) Result {
	pr, pw := io.Pipe()
	go func() {
		bw := bufio.NewWriterSize(pw, bufferSize(opts))
		err := writeStructuredArray(bw, src)
		if err == nil {
			err = bw.Flush()
		}
		pw.CloseWithError(err)
	}()
	return Result{Body: pr, ContentType: ContentTypeJSON, Extension: "json"}
}

func writeStructuredArray(w io.Writer, src RowSource) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}
	first := true
	for {
		row, ok, err := src.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if !first {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		first = false
		obj := rowToOrderedJSON(row)
		if _, err := w.Write(obj); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "]")
	return err
}

// rowToOrderedJSON marshals a Row preserving its key order, since
// encoding/json on a map would sort keys alphabetically.
func rowToOrderedJSON(row Row) []byte {
	var buf []byte
	buf = append(buf, '{')
	for i, k := range row.Keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, _ := json.Marshal(k)
		buf = append(buf, kb...)
		buf = append(buf, ':')
		v, _ := row.Get(k)
		vb, err := json.Marshal(v)
		if err != nil {
			vb = []byte("null")
		}
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf
}
