package store

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lorenzovborges/reportsys/internal/idrange"
	"github.com/lorenzovborges/reportsys/internal/model"
	"github.com/lorenzovborges/reportsys/internal/normalize"
	"github.com/lorenzovborges/reportsys/internal/reduce"
)

func matchFilter(tenantID string, filters map[string]interface{}) bson.M {
	m := bson.M{"tenantId": tenantID}
	for k, v := range filters {
		m[k] = v
	}
	return m
}

// mongoRowCursor adapts *mongo.Cursor to store.RowCursor.
type mongoRowCursor struct {
	cur *mongo.Cursor
}

func (c *mongoRowCursor) Next(ctx context.Context) (normalize.Row, bool, error) {
	if !c.cur.Next(ctx) {
		if err := c.cur.Err(); err != nil {
			return normalize.Row{}, false, err
		}
		return normalize.Row{}, false, nil
	}
	var doc primitive.D
	if err := c.cur.Decode(&doc); err != nil {
		return normalize.Row{}, false, err
	}
	return normalize.RowFromBSON(doc), true, nil
}

func (c *mongoRowCursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }

// OpenCursor opens a sorted (ascending _id) cursor over the filtered
// slice of collection, optionally bounded by maxID (used by the
// archive-multipass strategy so every included format reads the same
// logical slice).
func (s *MongoStore) OpenCursor(ctx context.Context, tenantID, collection string, filters map[string]interface{}, maxID *primitive.ObjectID) (RowCursor, error) {
	filter := matchFilter(tenantID, filters)
	if maxID != nil {
		filter["_id"] = bson.M{"$lte": *maxID}
	}
	cur, err := s.readDB().Collection(collection).Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	return &mongoRowCursor{cur: cur}, nil
}

// MaxID returns the largest _id among documents matching filters, used
// once by the archive-multipass strategy to pin every sub-format read
// to an identical logical slice.
func (s *MongoStore) MaxID(ctx context.Context, tenantID, collection string, filters map[string]interface{}) (primitive.ObjectID, bool, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}}).SetProjection(bson.M{"_id": 1})
	var doc struct {
		ID primitive.ObjectID `bson:"_id"`
	}
	err := s.readDB().Collection(collection).FindOne(ctx, matchFilter(tenantID, filters), opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return primitive.ObjectID{}, false, nil
	}
	if err != nil {
		return primitive.ObjectID{}, false, err
	}
	return doc.ID, true, nil
}

// MinMaxID implements reduce.Source: two projected, opposite-sorted
// queries for the minimum and maximum identifier under the filter.
func (s *MongoStore) MinMaxID(ctx context.Context, tenantID, collection string, filters map[string]interface{}) (primitive.ObjectID, primitive.ObjectID, bool, error) {
	filter := matchFilter(tenantID, filters)
	proj := options.FindOne().SetProjection(bson.M{"_id": 1})

	var minDoc, maxDoc struct {
		ID primitive.ObjectID `bson:"_id"`
	}
	err := s.readDB().Collection(collection).FindOne(ctx, filter, options.MergeFindOneOptions(proj, options.FindOne().SetSort(bson.D{{Key: "_id", Value: 1}}))).Decode(&minDoc)
	if err == mongo.ErrNoDocuments {
		return primitive.ObjectID{}, primitive.ObjectID{}, false, nil
	}
	if err != nil {
		return primitive.ObjectID{}, primitive.ObjectID{}, false, err
	}
	err = s.readDB().Collection(collection).FindOne(ctx, filter, options.MergeFindOneOptions(proj, options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}}))).Decode(&maxDoc)
	if err == mongo.ErrNoDocuments {
		return primitive.ObjectID{}, primitive.ObjectID{}, false, nil
	}
	if err != nil {
		return primitive.ObjectID{}, primitive.ObjectID{}, false, err
	}
	return minDoc.ID, maxDoc.ID, true, nil
}

// mongoRangeCursor adapts *mongo.Cursor (over an aggregation pipeline's
// output) to reduce.RangeCursor.
type mongoRangeCursor struct {
	cur *mongo.Cursor
}

func (c *mongoRangeCursor) Next(ctx context.Context) (map[string]interface{}, bool, error) {
	if !c.cur.Next(ctx) {
		if err := c.cur.Err(); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	var doc bson.M
	if err := c.cur.Decode(&doc); err != nil {
		return nil, false, err
	}
	return flattenGroupID(doc), true, nil
}

// flattenGroupID lifts the $group stage's compound _id (one field per
// groupBy entry) to the top level, so reduce.Accumulator.Consume can
// read group values as partial[field] like every other caller.
func flattenGroupID(doc bson.M) map[string]interface{} {
	id, _ := doc["_id"].(bson.M)
	delete(doc, "_id")
	out := make(map[string]interface{}, len(doc)+len(id))
	for k, v := range id {
		out[k] = v
	}
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func (c *mongoRangeCursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }

// AggregateRange implements reduce.Source: a two-stage pipeline, match
// on tenantId + sanitized filters + the range's _id predicate, then
// group by the concatenation of groupBy fields.
func (s *MongoStore) AggregateRange(ctx context.Context, tenantID, collection string, filters map[string]interface{}, rng idrange.Range, spec *model.ReduceSpec, batchSize int) (reduce.RangeCursor, error) {
	match := matchFilter(tenantID, filters)
	idPred := bson.M{"$gte": idrange.ToObjectID(rng.Start)}
	if !rng.Open {
		idPred["$lt"] = idrange.ToObjectID(rng.End)
	}
	match["_id"] = idPred

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: buildGroupStage(spec)}},
	}

	opts := options.Aggregate().SetAllowDiskUse(true)
	if batchSize > 0 {
		opts.SetBatchSize(int32(batchSize))
	}
	cur, err := s.readDB().Collection(collection).Aggregate(ctx, pipeline, opts)
	if err != nil {
		return nil, err
	}
	return &mongoRangeCursor{cur: cur}, nil
}

// buildGroupStage translates a ReduceSpec into a $group stage: count
// emits $sum:1, sum/min/max emit the corresponding accumulator over
// $field, avg is split into a running sum and count pair so partials
// from different ranges can be merged without losing precision, and
// every group always tracks an input-row count for rowsIn accounting.
func buildGroupStage(spec *model.ReduceSpec) bson.M {
	idSpec := bson.M{}
	for _, field := range spec.GroupBy {
		idSpec[field] = "$" + field
	}

	group := bson.M{"_id": idSpec}
	for _, m := range spec.Metrics {
		switch m.Op {
		case model.MetricCount:
			group[m.As] = bson.M{"$sum": 1}
		case model.MetricSum:
			group[m.As] = bson.M{"$sum": "$" + m.Field}
		case model.MetricMin:
			group[m.As] = bson.M{"$min": "$" + m.Field}
		case model.MetricMax:
			group[m.As] = bson.M{"$max": "$" + m.Field}
		case model.MetricAvg:
			group["__avg_sum__"+m.As] = bson.M{"$sum": "$" + m.Field}
			group["__avg_count__"+m.As] = bson.M{"$sum": bson.M{
				"$cond": bson.A{bson.M{"$ne": bson.A{"$" + m.Field, nil}}, 1, 0},
			}}
		}
	}
	group["__input_count"] = bson.M{"$sum": 1}
	return group
}
