// Package snapshot implements the NDJSON snapshot contract (§4.4.1):
// the archive-snapshot strategy materializes a filtered row stream to a
// temp file once, then lets the archive generator read it back once per
// included format instead of re-querying the source collection.
package snapshot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/lorenzovborges/reportsys/internal/apperr"
	"github.com/lorenzovborges/reportsys/internal/normalize"
)

// RowSource is the pull-based lazy sequence the writer consumes; it
// matches internal/genformat.RowSource structurally so a job's row
// stream can be passed directly without an import cycle.
type RowSource interface {
	Next() (normalize.Row, bool, error)
}

// WriteResult is what Write returns on success.
type WriteResult struct {
	Path     string
	RowCount int64
	Bytes    int64
}

// Name builds the snapshot file name for a job, following the layout in
// §6: snapshot-<jobId>-<epochMs>-<uuid>.ndjson.
func Name(jobID string, epochMs int64) string {
	return fmt.Sprintf("snapshot-%s-%d-%s.ndjson", jobID, epochMs, uuid.NewString())
}

// Write creates dir if needed and writes one JSON-serialized row per
// LF-terminated line, UTF-8, no trailing comma. It aborts with
// apperr.ErrSnapshotSizeExceeded the moment cumulative bytes would
// exceed maxBytes (0 means unbounded), destroying the partial file.
// onProgress, if non-nil, is called after each row is written so the
// caller can sample a memory-peak high-watermark.
func Write(ctx context.Context, rows RowSource, dir, name string, maxBytes int64, bufferBytes int, onProgress func(rowCount, bytes int64)) (WriteResult, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return WriteResult{}, fmt.Errorf("creating snapshot dir: %w", err)
	}
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return WriteResult{}, fmt.Errorf("creating snapshot file: %w", err)
	}

	bw := bufio.NewWriterSize(f, bufferSize(bufferBytes))
	var rowCount, total int64
	writeErr := func() error {
		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			row, ok, err := rows.Next()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			line, err := encodeLine(row)
			if err != nil {
				return err
			}
			if maxBytes > 0 && total+int64(len(line)) > maxBytes {
				return apperr.Wrapf(apperr.ErrSnapshotSizeExceeded,
					"snapshot size exceeded: limit %d bytes", maxBytes)
			}
			n, err := bw.Write(line)
			if err != nil {
				return err
			}
			total += int64(n)
			rowCount++
			if onProgress != nil {
				onProgress(rowCount, total)
			}
		}
	}()

	if writeErr == nil {
		writeErr = bw.Flush()
	}
	closeErr := f.Close()
	if writeErr != nil {
		os.Remove(path)
		return WriteResult{}, writeErr
	}
	if closeErr != nil {
		os.Remove(path)
		return WriteResult{}, closeErr
	}
	return WriteResult{Path: path, RowCount: rowCount, Bytes: total}, nil
}

func encodeLine(row normalize.Row) ([]byte, error) {
	b := []byte{'{'}
	for i, k := range row.Keys {
		if i > 0 {
			b = append(b, ',')
		}
		v, _ := row.Get(k)
		kb, _ := json.Marshal(k)
		vb, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		b = append(append(append(b, kb...), ':'), vb...)
	}
	return append(b, '}', '\n'), nil
}

// Rows opens path and returns a RowSource over its lines. The caller
// must call Close on the returned source once done.
func Rows(path string, bufferBytes int) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot file: %w", err)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, bufferSize(bufferBytes)), 16*1024*1024)
	return &Reader{f: f, sc: sc}, nil
}

// Reader is a RowSource over a snapshot file's lines.
type Reader struct {
	f   *os.File
	sc  *bufio.Scanner
	err error
}

// Next returns the next non-empty line's row, skipping blank lines.
func (r *Reader) Next() (normalize.Row, bool, error) {
	if r.err != nil {
		return normalize.Row{}, false, r.err
	}
	for r.sc.Scan() {
		line := r.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var raw map[string]interface{}
		if err := json.Unmarshal(line, &raw); err != nil {
			r.err = err
			return normalize.Row{}, false, err
		}
		keys := orderedKeysFromJSON(line)
		return normalize.NewRow(keys, raw), true, nil
	}
	if err := r.sc.Err(); err != nil {
		r.err = err
		return normalize.Row{}, false, err
	}
	return normalize.Row{}, false, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.f.Close()
}

// Remove deletes a snapshot file. It is a no-op if path is empty or the
// file is already gone.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// orderedKeysFromJSON recovers field order from a single-line JSON
// object using a streaming decoder, since map[string]interface{}
// unmarshaling alone discards it.
func orderedKeysFromJSON(line []byte) []string {
	dec := json.NewDecoder(bytes.NewReader(line))
	tok, err := dec.Token()
	if err != nil {
		return nil
	}
	if _, ok := tok.(json.Delim); !ok {
		return nil
	}
	var keys []string
	for dec.More() {
		t, err := dec.Token()
		if err != nil {
			return keys
		}
		key, ok := t.(string)
		if !ok {
			return keys
		}
		keys = append(keys, key)
		// skip the value token (scalar, or balanced object/array).
		if err := skipValue(dec); err != nil {
			return keys
		}
	}
	return keys
}

func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if _, ok := tok.(json.Delim); !ok {
		return nil // scalar value, nothing more to skip
	}
	depth := 1
	for depth > 0 {
		t, err := dec.Token()
		if err != nil {
			return err
		}
		if d, ok := t.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
	}
	return nil
}

func bufferSize(b int) int {
	if b > 0 {
		return b
	}
	return 64 * 1024
}
