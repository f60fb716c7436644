package reduce

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lorenzovborges/reportsys/internal/apperr"
	"github.com/lorenzovborges/reportsys/internal/model"
)

func newSpec() *model.ReduceSpec {
	return &model.ReduceSpec{
		GroupBy: []string{"region"},
		Metrics: []model.Metric{
			{Op: model.MetricCount, As: "n"},
			{Op: model.MetricSum, Field: "amount", As: "total"},
			{Op: model.MetricAvg, Field: "amount", As: "avgAmount"},
			{Op: model.MetricMin, Field: "amount", As: "minAmount"},
			{Op: model.MetricMax, Field: "amount", As: "maxAmount"},
		},
	}
}

func TestAccumulatorFoldsPartialsAcrossRangesExactly(t *testing.T) {
	acc := NewAccumulator(newSpec(), 0)

	// Three partials (one per range) for region "east", in a
	// sum-sensitive order (0.1 repeated) that would drift under float64.
	for i := 0; i < 3; i++ {
		require.NoError(t, acc.Consume(PartialRow{
			"region":                     "east",
			"n":                          float64(1),
			"total":                      0.1,
			avgSumKey("avgAmount"):       0.1,
			avgCountKey("avgAmount"):     float64(1),
			"minAmount":                  0.1,
			"maxAmount":                  0.1,
			inputCountKey:                float64(1),
		}))
	}

	result := acc.Finalize()
	require.Equal(t, int64(1), result.RowsOut)
	require.Equal(t, int64(3), result.RowsIn)

	row := result.Rows[0]
	total, _ := row.Get("total")
	require.InDelta(t, 0.3, total.(float64), 1e-12)

	avg, _ := row.Get("avgAmount")
	require.InDelta(t, 0.1, avg.(float64), 1e-12)

	n, _ := row.Get("n")
	require.Equal(t, 3.0, n)
}

func TestAccumulatorOrdersGroupsAscendingByCanonicalKey(t *testing.T) {
	acc := NewAccumulator(newSpec(), 0)
	for _, region := range []string{"west", "east", "north"} {
		require.NoError(t, acc.Consume(PartialRow{
			"region": region, "n": float64(1), "total": 1.0,
			avgSumKey("avgAmount"): 1.0, avgCountKey("avgAmount"): float64(1),
			"minAmount": 1.0, "maxAmount": 1.0, inputCountKey: float64(1),
		}))
	}
	result := acc.Finalize()
	require.Len(t, result.Rows, 3)
	var regions []string
	for _, row := range result.Rows {
		v, _ := row.Get("region")
		regions = append(regions, v.(string))
	}
	require.Equal(t, []string{"east", "north", "west"}, regions)
}

func TestAccumulatorEnforcesMaxGroupsOnNewGroupOnly(t *testing.T) {
	acc := NewAccumulator(newSpec(), 1)
	require.NoError(t, acc.Consume(PartialRow{"region": "east", "n": float64(1)}))
	// Re-consuming the same group never trips the cap.
	require.NoError(t, acc.Consume(PartialRow{"region": "east", "n": float64(1)}))

	err := acc.Consume(PartialRow{"region": "west", "n": float64(1)})
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.ErrReduceCardinalityExceeded))
}

func TestAccumulatorAvgIsNullWhenNeverSeen(t *testing.T) {
	acc := NewAccumulator(newSpec(), 0)
	require.NoError(t, acc.Consume(PartialRow{"region": "east", "n": float64(1)}))
	result := acc.Finalize()
	avg, ok := result.Rows[0].Get("avgAmount")
	require.True(t, ok)
	require.Nil(t, avg)
}

func TestAccumulatorLenTracksDistinctGroups(t *testing.T) {
	acc := NewAccumulator(newSpec(), 0)
	require.NoError(t, acc.Consume(PartialRow{"region": "east", "n": float64(1)}))
	require.NoError(t, acc.Consume(PartialRow{"region": "east", "n": float64(1)}))
	require.NoError(t, acc.Consume(PartialRow{"region": "west", "n": float64(1)}))
	require.Equal(t, 2, acc.Len())
}
