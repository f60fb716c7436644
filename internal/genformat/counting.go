package genformat

import "sync/atomic"

// CountingSource wraps a RowSource and tracks how many rows have been
// pulled through it, so the job processor can report rowCount without
// the generator needing to know about job bookkeeping.
type CountingSource struct {
	inner RowSource
	count int64
	onRow func()
}

// NewCountingSource wraps src. onRow, if non-nil, is invoked after each
// row is pulled (e.g. to sample the memory peak at a row boundary).
func NewCountingSource(src RowSource, onRow func()) *CountingSource {
	return &CountingSource{inner: src, onRow: onRow}
}

func (c *CountingSource) Next() (Row, bool, error) {
	row, ok, err := c.inner.Next()
	if err != nil || !ok {
		return row, ok, err
	}
	atomic.AddInt64(&c.count, 1)
	if c.onRow != nil {
		c.onRow()
	}
	return row, ok, nil
}

// Count returns the number of rows pulled so far.
func (c *CountingSource) Count() int64 { return atomic.LoadInt64(&c.count) }
