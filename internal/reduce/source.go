package reduce

import (
	"context"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/lorenzovborges/reportsys/internal/idrange"
	"github.com/lorenzovborges/reportsys/internal/model"
)

// RangeCursor streams the partial group rows produced by a single
// range's aggregation pipeline.
type RangeCursor interface {
	Next(ctx context.Context) (PartialRow, bool, error)
	Close(ctx context.Context) error
}

// Source is the reduce engine's view of the document store's read
// endpoint: enough to find the identifier bounds of a filtered slice
// and to run one range's match+group aggregation. internal/store
// implements this against MongoDB; tests implement it in memory.
type Source interface {
	MinMaxID(ctx context.Context, tenantID, collection string, filters map[string]interface{}) (min, max primitive.ObjectID, found bool, err error)
	AggregateRange(ctx context.Context, tenantID, collection string, filters map[string]interface{}, rng idrange.Range, spec *model.ReduceSpec, batchSize int) (RangeCursor, error)
}
