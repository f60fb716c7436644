package reduce

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/lorenzovborges/reportsys/internal/apperr"
	"github.com/lorenzovborges/reportsys/internal/model"
	"github.com/lorenzovborges/reportsys/internal/normalize"
)

// PartialRow is one group emitted by a single range's aggregation
// pipeline: the groupBy field values, each metric's partial value under
// its alias (or the avg/input-count bookkeeping keys), all still in
// driver-native form.
type PartialRow = map[string]interface{}

// groupState is the accumulator's per-group running fold. sum and avg
// accumulate through decimal.Decimal rather than float64: a
// range-partitioned reduce folds many partials per group, and decimal
// addition keeps that fold exact instead of drifting with the order
// partials happen to arrive in.
type groupState struct {
	group      map[string]interface{}
	scalars    map[string]interface{} // alias -> running value (count/min/max)
	scalarSeen map[string]bool
	sums       map[string]decimal.Decimal
	avgSums    map[string]decimal.Decimal
	avgCounts  map[string]int64
	inputCount int64
}

// Accumulator folds per-range partial rows into one set of groups,
// online, so the reduce engine never has to buffer the full partial set
// in memory (the "streaming accumulator" / reduce v2 mode). On a
// preemptively scheduled runtime, Consume must be serialized: it is
// guarded here by a mutex, matching §5's guidance for such runtimes.
type Accumulator struct {
	spec     *model.ReduceSpec
	maxGroups int

	mu     sync.Mutex
	groups map[string]*groupState
}

// NewAccumulator creates an accumulator for spec, capped at maxGroups
// distinct group keys (0 means unbounded).
func NewAccumulator(spec *model.ReduceSpec, maxGroups int) *Accumulator {
	return &Accumulator{
		spec:      spec,
		maxGroups: maxGroups,
		groups:    make(map[string]*groupState),
	}
}

// Consume folds one partial row into the accumulator. If the group is
// new and the accumulator has already reached maxGroups distinct
// groups, it fails with apperr.ErrReduceCardinalityExceeded.
func (a *Accumulator) Consume(partial PartialRow) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	groupValues := make(map[string]interface{}, len(a.spec.GroupBy))
	for _, field := range a.spec.GroupBy {
		groupValues[field] = partial[field]
	}
	key := canonicalGroupKey(a.spec.GroupBy, groupValues)

	state, exists := a.groups[key]
	if !exists {
		if a.maxGroups > 0 && len(a.groups) >= a.maxGroups {
			return apperr.Wrapf(apperr.ErrReduceCardinalityExceeded,
				"reduce cardinality exceeded: maxGroups=%d", a.maxGroups)
		}
		state = &groupState{
			group:      groupValues,
			scalars:    make(map[string]interface{}),
			scalarSeen: make(map[string]bool),
			sums:       make(map[string]decimal.Decimal),
			avgSums:    make(map[string]decimal.Decimal),
			avgCounts:  make(map[string]int64),
		}
		a.groups[key] = state
	}

	for _, m := range a.spec.Metrics {
		switch m.Op {
		case model.MetricCount:
			addNumeric(state.scalars, state.scalarSeen, m.As, partial[m.As])
		case model.MetricSum:
			addDecimal(state.sums, state.scalarSeen, m.As, partial[m.As])
		case model.MetricMin:
			applyExtremum(state.scalars, state.scalarSeen, m.As, partial[m.As], true)
		case model.MetricMax:
			applyExtremum(state.scalars, state.scalarSeen, m.As, partial[m.As], false)
		case model.MetricAvg:
			if v, ok := toDecimal(partial[avgSumKey(m.As)]); ok {
				if cur, seen := state.avgSums[m.As]; seen {
					state.avgSums[m.As] = cur.Add(v)
				} else {
					state.avgSums[m.As] = v
				}
			}
			if v, ok := toFloat(partial[avgCountKey(m.As)]); ok {
				state.avgCounts[m.As] += int64(v)
			}
		}
	}
	if v, ok := toFloat(partial[inputCountKey]); ok {
		state.inputCount += int64(v)
	}
	return nil
}

func addNumeric(scalars map[string]interface{}, seen map[string]bool, as string, v interface{}) {
	fv, ok := toFloat(v)
	if !ok {
		return
	}
	if !seen[as] {
		scalars[as] = fv
		seen[as] = true
		return
	}
	cur, _ := toFloat(scalars[as])
	scalars[as] = cur + fv
}

// applyExtremum seeds the running min/max with the first non-null
// comparable value; subsequent nulls are ignored.
func applyExtremum(scalars map[string]interface{}, seen map[string]bool, as string, v interface{}, wantMin bool) {
	proj, ok := comparable(v)
	if !ok {
		return
	}
	if !seen[as] {
		scalars[as] = v
		seen[as] = true
		return
	}
	curProj, _ := comparable(scalars[as])
	if wantMin {
		if lessComparable(proj, curProj) {
			scalars[as] = v
		}
	} else {
		if lessComparable(curProj, proj) {
			scalars[as] = v
		}
	}
}

// addDecimal folds v into sums[as] via exact decimal addition, seeding
// the first seen value and skipping non-numeric partials.
func addDecimal(sums map[string]decimal.Decimal, seen map[string]bool, as string, v interface{}) {
	dv, ok := toDecimal(v)
	if !ok {
		return
	}
	if !seen[as] {
		sums[as] = dv
		seen[as] = true
		return
	}
	sums[as] = sums[as].Add(dv)
}

func toDecimal(v interface{}) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t, true
	case float64:
		return decimal.NewFromFloat(t), true
	case float32:
		return decimal.NewFromFloat32(t), true
	case int:
		return decimal.NewFromInt(int64(t)), true
	case int32:
		return decimal.NewFromInt32(t), true
	case int64:
		return decimal.NewFromInt(t), true
	default:
		return decimal.Decimal{}, false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

// FinalizeResult is the deterministic output of an accumulator:
// finalized rows in ascending canonical-JSON group-key order, plus the
// input/output row counts the spec defines.
type FinalizeResult struct {
	Rows    []normalize.Row
	RowsIn  int64
	RowsOut int64
}

// Finalize emits one output row per group, in ascending canonical-JSON
// order of the group key. For avg metrics the output is sum/count (or
// null if count is zero); otherwise the accumulated scalar (or null if
// never set). Output row = group fields followed by each metric alias,
// in groupBy-then-metrics order.
func (a *Accumulator) Finalize() FinalizeResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	keys := make([]string, 0, len(a.groups))
	for k := range a.groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([]normalize.Row, 0, len(keys))
	var rowsIn int64
	for _, k := range keys {
		state := a.groups[k]
		rowsIn += state.inputCount

		keyOrder := make([]string, 0, len(a.spec.GroupBy)+len(a.spec.Metrics))
		values := make(map[string]interface{}, len(a.spec.GroupBy)+len(a.spec.Metrics))
		for _, field := range a.spec.GroupBy {
			keyOrder = append(keyOrder, field)
			values[field] = normalize.Value(state.group[field])
		}
		for _, m := range a.spec.Metrics {
			keyOrder = append(keyOrder, m.As)
			if m.Op == model.MetricAvg {
				count := state.avgCounts[m.As]
				if count == 0 {
					values[m.As] = nil
				} else {
					avg := state.avgSums[m.As].Div(decimal.NewFromInt(count))
					values[m.As], _ = avg.Float64()
				}
				continue
			}
			if m.Op == model.MetricSum {
				if !state.scalarSeen[m.As] {
					values[m.As] = nil
					continue
				}
				values[m.As], _ = state.sums[m.As].Float64()
				continue
			}
			if !state.scalarSeen[m.As] {
				values[m.As] = nil
				continue
			}
			values[m.As] = normalize.Value(state.scalars[m.As])
		}
		rows = append(rows, normalize.NewRow(keyOrder, values))
	}

	return FinalizeResult{Rows: rows, RowsIn: rowsIn, RowsOut: int64(len(rows))}
}

// Len reports the current number of distinct groups.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.groups)
}
