package store

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/lorenzovborges/reportsys/internal/idrange"
	"github.com/lorenzovborges/reportsys/internal/model"
	"github.com/lorenzovborges/reportsys/internal/normalize"
	"github.com/lorenzovborges/reportsys/internal/reduce"
)

// memoryDoc is one seeded source document: an assigned identifier plus
// its already-normalized field values.
type memoryDoc struct {
	id       primitive.ObjectID
	tenantID string
	row      normalize.Row
}

// MemoryStore is an in-memory JobStore, SourceStore and reduce.Source,
// modeled on IagoALC-extensao-whatsapp-back's map-backed
// MemoryJobsRepository: a fake collaborator standing in for MongoStore
// so the job processor can be driven end-to-end in tests without a live
// replica set. AggregateRange reproduces mongo_reads.go's
// buildGroupStage accumulators (count/sum/min/max/avg-sum-and-count,
// plus the __input_count bookkeeping field) over the seeded documents
// instead of a real pipeline.
type MemoryStore struct {
	mu          sync.Mutex
	jobs        map[primitive.ObjectID]*model.ReportJob
	collections map[string][]memoryDoc
	isPrimary   bool
}

// NewMemoryStore returns an empty store with no documents or jobs.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[primitive.ObjectID]*model.ReportJob),
		collections: make(map[string][]memoryDoc),
	}
}

// SetWritablePrimary controls what IsWritablePrimary reports, so tests
// can exercise the read-endpoint-misconfiguration guard (§4.4 step 1).
func (s *MemoryStore) SetWritablePrimary(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isPrimary = v
}

// SeedDocuments appends rows to collection for tenantID, assigning each
// a fresh ObjectID in insertion order. primitive.NewObjectID's counter
// is a shared atomic, so sequential calls in one process already come
// out strictly ascending; no re-sort is needed to get cursor order
// right.
func (s *MemoryStore) SeedDocuments(tenantID, collection string, rows []normalize.Row) []primitive.ObjectID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]primitive.ObjectID, len(rows))
	for i, row := range rows {
		id := primitive.NewObjectID()
		ids[i] = id
		s.collections[collection] = append(s.collections[collection], memoryDoc{id: id, tenantID: tenantID, row: row})
	}
	return ids
}

// CreateJob inserts a new job document.
func (s *MemoryStore) CreateJob(ctx context.Context, job *model.ReportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID.IsZero() {
		job.ID = primitive.NewObjectID()
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

// GetJob loads a job scoped to {id, tenantId}, returning (nil, nil) if
// absent, matching MongoStore.GetJob's mongo.ErrNoDocuments handling.
func (s *MemoryStore) GetJob(ctx context.Context, tenantID string, id primitive.ObjectID) (*model.ReportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.TenantID != tenantID {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

// UpdateJob replaces the stored job document by id.
func (s *MemoryStore) UpdateJob(ctx context.Context, job *model.ReportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

// IsWritablePrimary reports whatever SetWritablePrimary last set
// (false by default, matching a correctly configured secondary read
// endpoint).
func (s *MemoryStore) IsWritablePrimary(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isPrimary, nil
}

// OpenCursor returns a RowCursor over the filtered, id-ascending slice
// of collection, optionally bounded by maxID.
func (s *MemoryStore) OpenCursor(ctx context.Context, tenantID, collection string, filters map[string]interface{}, maxID *primitive.ObjectID) (RowCursor, error) {
	s.mu.Lock()
	docs := s.filtered(tenantID, collection, filters, maxID)
	s.mu.Unlock()
	return &memoryRowCursor{docs: docs}, nil
}

// MaxID returns the largest identifier among documents matching filters.
func (s *MemoryStore) MaxID(ctx context.Context, tenantID, collection string, filters map[string]interface{}) (primitive.ObjectID, bool, error) {
	s.mu.Lock()
	docs := s.filtered(tenantID, collection, filters, nil)
	s.mu.Unlock()
	if len(docs) == 0 {
		return primitive.ObjectID{}, false, nil
	}
	return docs[len(docs)-1].id, true, nil
}

// MinMaxID implements reduce.Source.
func (s *MemoryStore) MinMaxID(ctx context.Context, tenantID, collection string, filters map[string]interface{}) (primitive.ObjectID, primitive.ObjectID, bool, error) {
	s.mu.Lock()
	docs := s.filtered(tenantID, collection, filters, nil)
	s.mu.Unlock()
	if len(docs) == 0 {
		return primitive.ObjectID{}, primitive.ObjectID{}, false, nil
	}
	return docs[0].id, docs[len(docs)-1].id, true, nil
}

// AggregateRange implements reduce.Source: group the documents in rng
// by spec.GroupBy, folding each requested metric the same way
// mongo_reads.go's buildGroupStage would.
func (s *MemoryStore) AggregateRange(ctx context.Context, tenantID, collection string, filters map[string]interface{}, rng idrange.Range, spec *model.ReduceSpec, batchSize int) (reduce.RangeCursor, error) {
	s.mu.Lock()
	docs := s.inRange(tenantID, collection, filters, rng)
	s.mu.Unlock()

	groups := make(map[string]*groupAcc)
	var order []string
	for _, d := range docs {
		groupValues := make(map[string]interface{}, len(spec.GroupBy))
		for _, f := range spec.GroupBy {
			v, _ := d.row.Get(f)
			groupValues[f] = v
		}
		key := groupKey(spec.GroupBy, groupValues)
		g, ok := groups[key]
		if !ok {
			g = newGroupAcc(groupValues)
			groups[key] = g
			order = append(order, key)
		}
		g.consume(spec.Metrics, d.row)
	}

	rows := make([]reduce.PartialRow, 0, len(order))
	for _, key := range order {
		rows = append(rows, groups[key].partial(spec.Metrics))
	}
	return &memoryRangeCursor{rows: rows}, nil
}

// filtered returns documents for tenantID/collection matching filters
// (and, if maxID is non-nil, with id <= maxID), in ascending id order.
func (s *MemoryStore) filtered(tenantID, collection string, filters map[string]interface{}, maxID *primitive.ObjectID) []memoryDoc {
	var out []memoryDoc
	for _, d := range s.collections[collection] {
		if d.tenantID != tenantID {
			continue
		}
		if maxID != nil && bytes.Compare(d.id[:], maxID[:]) > 0 {
			continue
		}
		if !matchesFilters(d.row, filters) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// inRange returns documents for tenantID/collection matching filters
// and falling inside rng's half-open identifier bound.
func (s *MemoryStore) inRange(tenantID, collection string, filters map[string]interface{}, rng idrange.Range) []memoryDoc {
	start := idrange.ToObjectID(rng.Start)
	var end primitive.ObjectID
	if !rng.Open {
		end = idrange.ToObjectID(rng.End)
	}
	var out []memoryDoc
	for _, d := range s.collections[collection] {
		if d.tenantID != tenantID {
			continue
		}
		if bytes.Compare(d.id[:], start[:]) < 0 {
			continue
		}
		if !rng.Open && bytes.Compare(d.id[:], end[:]) >= 0 {
			continue
		}
		if !matchesFilters(d.row, filters) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func matchesFilters(row normalize.Row, filters map[string]interface{}) bool {
	for k, want := range filters {
		got, ok := row.Get(k)
		if !ok || got != want {
			return false
		}
	}
	return true
}

func groupKey(groupBy []string, values map[string]interface{}) string {
	parts := make([]string, len(groupBy))
	for i, f := range groupBy {
		parts[i] = fmt.Sprintf("%v", values[f])
	}
	return strings.Join(parts, "\x1f")
}

// groupAcc folds one group's metrics across the documents in a single
// range, mirroring buildGroupStage's accumulator shapes so the
// resulting PartialRow is interchangeable with MongoStore's.
type groupAcc struct {
	values     map[string]interface{}
	scalars    map[string]float64
	scalarSeen map[string]bool
	sums       map[string]float64
	avgSums    map[string]float64
	avgCounts  map[string]int64
	inputCount int64
}

func newGroupAcc(values map[string]interface{}) *groupAcc {
	return &groupAcc{
		values:     values,
		scalars:    make(map[string]float64),
		scalarSeen: make(map[string]bool),
		sums:       make(map[string]float64),
		avgSums:    make(map[string]float64),
		avgCounts:  make(map[string]int64),
	}
}

func (g *groupAcc) consume(metrics []model.Metric, row normalize.Row) {
	for _, m := range metrics {
		switch m.Op {
		case model.MetricCount:
			g.scalars[m.As]++
			g.scalarSeen[m.As] = true
		case model.MetricSum:
			if v, ok := fieldFloat(row, m.Field); ok {
				g.sums[m.As] += v
			}
		case model.MetricMin:
			if v, ok := fieldFloat(row, m.Field); ok {
				if !g.scalarSeen[m.As] || v < g.scalars[m.As] {
					g.scalars[m.As] = v
				}
				g.scalarSeen[m.As] = true
			}
		case model.MetricMax:
			if v, ok := fieldFloat(row, m.Field); ok {
				if !g.scalarSeen[m.As] || v > g.scalars[m.As] {
					g.scalars[m.As] = v
				}
				g.scalarSeen[m.As] = true
			}
		case model.MetricAvg:
			if v, ok := fieldFloat(row, m.Field); ok {
				g.avgSums[m.As] += v
				g.avgCounts[m.As]++
			}
		}
	}
	g.inputCount++
}

func (g *groupAcc) partial(metrics []model.Metric) reduce.PartialRow {
	p := reduce.PartialRow{}
	for k, v := range g.values {
		p[k] = v
	}
	for _, m := range metrics {
		switch m.Op {
		case model.MetricCount, model.MetricMin, model.MetricMax:
			if g.scalarSeen[m.As] {
				p[m.As] = g.scalars[m.As]
			}
		case model.MetricSum:
			p[m.As] = g.sums[m.As]
		case model.MetricAvg:
			p["__avg_sum__"+m.As] = g.avgSums[m.As]
			p["__avg_count__"+m.As] = g.avgCounts[m.As]
		}
	}
	p["__input_count"] = g.inputCount
	return p
}

func fieldFloat(row normalize.Row, field string) (float64, bool) {
	if field == "" {
		return 0, false
	}
	v, ok := row.Get(field)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// memoryRowCursor adapts a filtered []memoryDoc slice to RowCursor,
// prepending "_id" the way a decoded BSON document would.
type memoryRowCursor struct {
	docs []memoryDoc
	pos  int
}

func (c *memoryRowCursor) Next(ctx context.Context) (normalize.Row, bool, error) {
	if c.pos >= len(c.docs) {
		return normalize.Row{}, false, nil
	}
	d := c.docs[c.pos]
	c.pos++
	keys := make([]string, 0, len(d.row.Keys)+1)
	keys = append(keys, "_id")
	keys = append(keys, d.row.Keys...)
	values := make(map[string]interface{}, len(d.row.Values)+1)
	values["_id"] = d.id.Hex()
	for k, v := range d.row.Values {
		values[k] = v
	}
	return normalize.NewRow(keys, values), true, nil
}

func (c *memoryRowCursor) Close(ctx context.Context) error { return nil }

// memoryRangeCursor adapts a precomputed []reduce.PartialRow to
// reduce.RangeCursor.
type memoryRangeCursor struct {
	rows []reduce.PartialRow
	pos  int
}

func (c *memoryRangeCursor) Next(ctx context.Context) (reduce.PartialRow, bool, error) {
	if c.pos >= len(c.rows) {
		return nil, false, nil
	}
	row := c.rows[c.pos]
	c.pos++
	return row, true, nil
}

func (c *memoryRangeCursor) Close(ctx context.Context) error { return nil }
