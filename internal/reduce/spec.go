// Package reduce implements the Partitioned Reduce Engine (C3): it
// computes grouped aggregations over a filtered slice of a source
// collection by splitting the identifier space into ranges, running
// per-range group operations in bounded parallelism, and merging
// partials deterministically.
package reduce

import (
	"fmt"
	"regexp"

	"github.com/lorenzovborges/reportsys/internal/apperr"
	"github.com/lorenzovborges/reportsys/internal/model"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidateSpec rejects specs with empty metrics, invalid identifiers,
// duplicate aliases, or non-count metrics lacking a field.
func ValidateSpec(spec *model.ReduceSpec) error {
	if spec == nil {
		return apperr.Wrap(apperr.ErrReduceValidation, "reduceSpec is required")
	}
	for _, field := range spec.GroupBy {
		if !identifierPattern.MatchString(field) {
			return apperr.Wrapf(apperr.ErrReduceValidation, "invalid groupBy identifier %q", field)
		}
	}
	if len(spec.Metrics) == 0 {
		return apperr.Wrap(apperr.ErrReduceValidation, "metrics must not be empty")
	}
	seenAliases := make(map[string]bool, len(spec.Metrics))
	for _, m := range spec.Metrics {
		if !identifierPattern.MatchString(m.As) {
			return apperr.Wrapf(apperr.ErrReduceValidation, "invalid metric alias %q", m.As)
		}
		if seenAliases[m.As] {
			return apperr.Wrapf(apperr.ErrReduceValidation, "duplicate metric alias %q", m.As)
		}
		seenAliases[m.As] = true
		switch m.Op {
		case model.MetricCount:
			// field is ignored for count.
		case model.MetricSum, model.MetricMin, model.MetricMax, model.MetricAvg:
			if m.Field == "" {
				return apperr.Wrapf(apperr.ErrReduceValidation, "metric %q (op=%s) requires a field", m.As, m.Op)
			}
			if !identifierPattern.MatchString(m.Field) {
				return apperr.Wrapf(apperr.ErrReduceValidation, "invalid metric field %q", m.Field)
			}
		default:
			return apperr.Wrapf(apperr.ErrReduceValidation, "unsupported metric op %q", m.Op)
		}
	}
	return nil
}

func avgSumKey(as string) string   { return fmt.Sprintf("__avg_sum__%s", as) }
func avgCountKey(as string) string { return fmt.Sprintf("__avg_count__%s", as) }

const inputCountKey = "__input_count"
