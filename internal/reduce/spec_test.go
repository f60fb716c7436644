package reduce

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lorenzovborges/reportsys/internal/apperr"
	"github.com/lorenzovborges/reportsys/internal/model"
)

func TestValidateSpecRejectsNilSpec(t *testing.T) {
	err := ValidateSpec(nil)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.ErrReduceValidation))
}

func TestValidateSpecRejectsEmptyMetrics(t *testing.T) {
	err := ValidateSpec(&model.ReduceSpec{GroupBy: []string{"region"}})
	require.True(t, apperr.Is(err, apperr.ErrReduceValidation))
}

func TestValidateSpecRejectsInvalidIdentifiers(t *testing.T) {
	err := ValidateSpec(&model.ReduceSpec{
		GroupBy: []string{"region; drop"},
		Metrics: []model.Metric{{Op: model.MetricCount, As: "n"}},
	})
	require.True(t, apperr.Is(err, apperr.ErrReduceValidation))
}

func TestValidateSpecRejectsDuplicateAliases(t *testing.T) {
	err := ValidateSpec(&model.ReduceSpec{
		GroupBy: []string{"region"},
		Metrics: []model.Metric{
			{Op: model.MetricCount, As: "n"},
			{Op: model.MetricCount, As: "n"},
		},
	})
	require.True(t, apperr.Is(err, apperr.ErrReduceValidation))
}

func TestValidateSpecRejectsNonCountMetricMissingField(t *testing.T) {
	err := ValidateSpec(&model.ReduceSpec{
		GroupBy: []string{"region"},
		Metrics: []model.Metric{{Op: model.MetricSum, As: "total"}},
	})
	require.True(t, apperr.Is(err, apperr.ErrReduceValidation))
}

func TestValidateSpecAcceptsWellFormedSpec(t *testing.T) {
	err := ValidateSpec(&model.ReduceSpec{
		GroupBy: []string{"region"},
		Metrics: []model.Metric{
			{Op: model.MetricCount, As: "n"},
			{Op: model.MetricSum, Field: "amount", As: "total"},
			{Op: model.MetricAvg, Field: "amount", As: "avgAmount"},
		},
	})
	require.NoError(t, err)
}
