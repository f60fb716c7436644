package reduce

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/lorenzovborges/reportsys/internal/idrange"
	"github.com/lorenzovborges/reportsys/internal/model"
	"github.com/lorenzovborges/reportsys/internal/normalize"
)

// fakeSource is an in-memory reduce.Source: a fixed set of partial rows
// assigned to a range by their "__range" index tag, enough to drive
// Compute without a live document store.
type fakeSource struct {
	min, max primitive.ObjectID
	found    bool
	partials []PartialRow
}

func (f *fakeSource) MinMaxID(ctx context.Context, tenantID, collection string, filters map[string]interface{}) (primitive.ObjectID, primitive.ObjectID, bool, error) {
	return f.min, f.max, f.found, nil
}

func (f *fakeSource) AggregateRange(ctx context.Context, tenantID, collection string, filters map[string]interface{}, rng idrange.Range, spec *model.ReduceSpec, batchSize int) (RangeCursor, error) {
	var inRange []PartialRow
	for _, p := range f.partials {
		if partialInRange(p, rng) {
			inRange = append(inRange, p)
		}
	}
	return &fakeRangeCursor{rows: inRange}, nil
}

// partialInRange dispatches every partial tagged "__range" to exactly
// one range index, simulating the document store's id-bounded match.
func partialInRange(p PartialRow, rng idrange.Range) bool {
	idx, _ := p["__range"].(int)
	return idx == rng.Index
}

type fakeRangeCursor struct {
	rows []PartialRow
	pos  int
}

func (c *fakeRangeCursor) Next(ctx context.Context) (PartialRow, bool, error) {
	if c.pos >= len(c.rows) {
		return nil, false, nil
	}
	row := c.rows[c.pos]
	c.pos++
	return row, true, nil
}

func (c *fakeRangeCursor) Close(ctx context.Context) error { return nil }

func testSpec() *model.ReduceSpec {
	return &model.ReduceSpec{
		GroupBy: []string{"region"},
		Metrics: []model.Metric{
			{Op: model.MetricCount, As: "n"},
			{Op: model.MetricSum, Field: "amount", As: "total"},
		},
	}
}

func partial(rangeIdx int, region string, n, total float64) PartialRow {
	return PartialRow{
		"__range": rangeIdx,
		"region":  region,
		"n":       n,
		"total":   total,
		inputCountKey: n,
	}
}

func TestComputeMergesPartialsAcrossRangesStreaming(t *testing.T) {
	src := &fakeSource{
		min: primitive.NewObjectID(), max: primitive.NewObjectID(), found: true,
		partials: []PartialRow{
			partial(0, "east", 1, 10),
			partial(1, "east", 1, 5),
			partial(1, "west", 2, 20),
		},
	}
	result, err := Compute(context.Background(), src, Params{
		Spec: testSpec(), DefaultChunks: 2, MaxConcurrency: 2, StreamingAccumulator: true,
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), result.RowsOut)
	require.Equal(t, 2, result.Chunks)

	byRegion := map[string]normalize.Row{}
	for _, r := range result.Rows {
		v, _ := r.Get("region")
		byRegion[v.(string)] = r
	}
	east, _ := byRegion["east"].Get("total")
	require.InDelta(t, 15.0, east.(float64), 1e-9)
	west, _ := byRegion["west"].Get("total")
	require.InDelta(t, 20.0, west.(float64), 1e-9)
}

func TestComputeReturnsEmptyResultWhenNoDocumentsFound(t *testing.T) {
	src := &fakeSource{found: false}
	result, err := Compute(context.Background(), src, Params{Spec: testSpec(), DefaultChunks: 4, StreamingAccumulator: true})
	require.NoError(t, err)
	require.Equal(t, int64(0), result.RowsOut)
	require.Nil(t, result.Rows)
}

func TestComputeRejectsInvalidSpecBeforeTouchingSource(t *testing.T) {
	src := &fakeSource{found: true}
	_, err := Compute(context.Background(), src, Params{Spec: &model.ReduceSpec{}, DefaultChunks: 1, StreamingAccumulator: true})
	require.Error(t, err)
}

func TestComputeCapsChunksAtPartitionCapMax(t *testing.T) {
	src := &fakeSource{min: primitive.NewObjectID(), max: primitive.NewObjectID(), found: true}
	result, err := Compute(context.Background(), src, Params{
		Spec: testSpec(), DefaultChunks: 100, PartitionCapMax: 3, StreamingAccumulator: true,
	})
	require.NoError(t, err)
	require.Equal(t, 3, result.Chunks)
}
