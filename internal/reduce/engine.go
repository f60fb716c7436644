package reduce

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lorenzovborges/reportsys/internal/idrange"
	"github.com/lorenzovborges/reportsys/internal/model"
	"github.com/lorenzovborges/reportsys/internal/normalize"
)

// Params configures one invocation of the reduce engine.
type Params struct {
	TenantID             string
	Collection           string
	Filters              map[string]interface{}
	Spec                 *model.ReduceSpec
	Partition            *model.PartitionSpec
	BatchSize            int
	DefaultChunks        int
	MaxConcurrency       int
	PartitionCapMax      int
	MaxGroups            int
	StreamingAccumulator bool // true = v2 online fold, false = v1 buffer-then-merge
	OnRow                func() // sampled opportunistically, e.g. memory-peak tracking
}

// ChunkMetric records one range worker's contribution, reported sorted
// by range index.
type ChunkMetric struct {
	Index      int   `json:"index" bson:"index"`
	DurationMs int64 `json:"durationMs" bson:"durationMs"`
	RowsOut    int64 `json:"rowsOut" bson:"rowsOut"`
}

// Result is the engine's deterministic output.
type Result struct {
	Rows         []normalize.Row
	RowsIn       int64
	RowsOut      int64
	Chunks       int
	ChunkMetrics []ChunkMetric
}

// Compute runs the partitioned grouped aggregation described by Params
// against src. It validates the spec, finds the identifier bounds of
// the filtered slice, splits them into chunks, fans out bounded
// concurrent range workers, and merges partials deterministically
// (accumulator online-fold in v2 mode, buffer-then-merge in v1 mode).
func Compute(ctx context.Context, src Source, p Params) (Result, error) {
	if err := ValidateSpec(p.Spec); err != nil {
		return Result{}, err
	}

	min, max, found, err := src.MinMaxID(ctx, p.TenantID, p.Collection, p.Filters)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{Rows: nil, RowsIn: 0, RowsOut: 0, Chunks: 0}, nil
	}

	minInt := idrange.FromObjectID(min)
	maxInt := idrange.FromObjectID(max)
	if maxInt.Cmp(minInt) < 0 {
		return Result{Rows: nil, RowsIn: 0, RowsOut: 0, Chunks: 0}, nil
	}

	requested := p.DefaultChunks
	if p.Partition != nil && p.Partition.Chunks > 0 {
		requested = p.Partition.Chunks
	}
	if requested < 1 {
		requested = 1
	}
	k := requested
	if p.PartitionCapMax > 0 && k > p.PartitionCapMax {
		k = p.PartitionCapMax
	}

	ranges := idrange.Build(minInt, maxInt, k)

	concurrency := p.MaxConcurrency
	if concurrency <= 0 || concurrency > len(ranges) {
		concurrency = len(ranges)
	}
	if concurrency < 1 {
		concurrency = 1
	}

	var (
		counter      int64 // shared range-index cursor consumed by the worker pool
		metricsMu    sync.Mutex
		chunkMetrics []ChunkMetric

		acc *Accumulator
		partialsMu sync.Mutex
		partials   []PartialRow
	)
	if p.StreamingAccumulator {
		acc = NewAccumulator(p.Spec, p.MaxGroups)
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < concurrency; w++ {
		g.Go(func() error {
			for {
				idx := int(atomic.AddInt64(&counter, 1)) - 1
				if idx >= len(ranges) {
					return nil
				}
				rng := ranges[idx]
				start := time.Now()
				rowsOut, err := processRange(gctx, src, p, rng, acc, &partialsMu, &partials)
				if err != nil {
					return err
				}
				metricsMu.Lock()
				chunkMetrics = append(chunkMetrics, ChunkMetric{
					Index:      idx,
					DurationMs: time.Since(start).Milliseconds(),
					RowsOut:    rowsOut,
				})
				metricsMu.Unlock()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	sort.Slice(chunkMetrics, func(i, j int) bool { return chunkMetrics[i].Index < chunkMetrics[j].Index })

	var finalized FinalizeResult
	if p.StreamingAccumulator {
		finalized = acc.Finalize()
	} else {
		finalized, err = reducePartitionRows(p.Spec, partials, p.MaxGroups)
		if err != nil {
			return Result{}, err
		}
	}

	return Result{
		Rows:         finalized.Rows,
		RowsIn:       finalized.RowsIn,
		RowsOut:      finalized.RowsOut,
		Chunks:       len(ranges),
		ChunkMetrics: chunkMetrics,
	}, nil
}

func processRange(ctx context.Context, src Source, p Params, rng idrange.Range, acc *Accumulator, partialsMu *sync.Mutex, partials *[]PartialRow) (int64, error) {
	cursor, err := src.AggregateRange(ctx, p.TenantID, p.Collection, p.Filters, rng, p.Spec, p.BatchSize)
	if err != nil {
		return 0, err
	}
	defer cursor.Close(ctx)

	var rowsOut int64
	for {
		partial, ok, err := cursor.Next(ctx)
		if err != nil {
			return rowsOut, err
		}
		if !ok {
			break
		}
		if p.OnRow != nil {
			p.OnRow()
		}
		if p.StreamingAccumulator {
			if err := acc.Consume(partial); err != nil {
				return rowsOut, err
			}
		} else {
			partialsMu.Lock()
			*partials = append(*partials, partial)
			partialsMu.Unlock()
		}
		rowsOut++
	}
	return rowsOut, nil
}

// reducePartitionRows is the v1 merge path: build an accumulator,
// consume every buffered partial, finalize. Per the spec's Open
// Questions, maxGroups is enforced here too (not left unchecked)
// rather than letting a large-cardinality v1 run exhaust memory.
func reducePartitionRows(spec *model.ReduceSpec, partials []PartialRow, maxGroups int) (FinalizeResult, error) {
	acc := NewAccumulator(spec, maxGroups)
	for _, partial := range partials {
		if err := acc.Consume(partial); err != nil {
			return FinalizeResult{}, err
		}
	}
	return acc.Finalize(), nil
}
