package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/lorenzovborges/reportsys/internal/model"
)

const (
	jobsCollection      = "report_jobs"
	schedulesCollection = "schedules"
)

// MongoStore is the production JobStore/ScheduleStore/SourceStore,
// backed by two distinct client connections: a write endpoint for job
// and schedule persistence, and a read endpoint that must resolve to a
// non-writable secondary for all source-row reads.
type MongoStore struct {
	writeClient *mongo.Client
	readClient  *mongo.Client
	dbName      string
}

// NewMongoStore dials both endpoints. Connection is lazy per the
// driver's usual behavior; callers should Ping before relying on it.
func NewMongoStore(ctx context.Context, writeURI, readURI, dbName string) (*MongoStore, error) {
	writeClient, err := mongo.Connect(ctx, options.Client().ApplyURI(writeURI))
	if err != nil {
		return nil, fmt.Errorf("connecting write endpoint: %w", err)
	}
	readClient, err := mongo.Connect(ctx, options.Client().ApplyURI(readURI).SetReadPreference(readpref.SecondaryPreferred()))
	if err != nil {
		return nil, fmt.Errorf("connecting read endpoint: %w", err)
	}
	return &MongoStore{writeClient: writeClient, readClient: readClient, dbName: dbName}, nil
}

// Close disconnects both endpoints.
func (s *MongoStore) Close(ctx context.Context) error {
	if err := s.writeClient.Disconnect(ctx); err != nil {
		return err
	}
	return s.readClient.Disconnect(ctx)
}

func (s *MongoStore) writeDB() *mongo.Database { return s.writeClient.Database(s.dbName) }
func (s *MongoStore) readDB() *mongo.Database  { return s.readClient.Database(s.dbName) }

func (s *MongoStore) jobs() *mongo.Collection      { return s.writeDB().Collection(jobsCollection) }
func (s *MongoStore) schedules() *mongo.Collection { return s.writeDB().Collection(schedulesCollection) }

// CreateJob inserts a new job document.
func (s *MongoStore) CreateJob(ctx context.Context, job *model.ReportJob) error {
	if job.ID.IsZero() {
		job.ID = primitive.NewObjectID()
	}
	_, err := s.jobs().InsertOne(ctx, job)
	return err
}

// GetJob loads a job scoped to {id, tenantId}.
func (s *MongoStore) GetJob(ctx context.Context, tenantID string, id primitive.ObjectID) (*model.ReportJob, error) {
	var job model.ReportJob
	err := s.jobs().FindOne(ctx, bson.M{"_id": id, "tenantId": tenantID}).Decode(&job)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateJob replaces the job document by id; callers always set the
// full desired state before calling, matching the processor's
// load-mutate-persist control flow.
func (s *MongoStore) UpdateJob(ctx context.Context, job *model.ReportJob) error {
	_, err := s.jobs().ReplaceOne(ctx, bson.M{"_id": job.ID}, job)
	return err
}

// CreateSchedule inserts a new schedule document.
func (s *MongoStore) CreateSchedule(ctx context.Context, sched *model.Schedule) error {
	if sched.ID.IsZero() {
		sched.ID = primitive.NewObjectID()
	}
	_, err := s.schedules().InsertOne(ctx, sched)
	return err
}

// GetSchedule loads a schedule scoped to {id, tenantId}.
func (s *MongoStore) GetSchedule(ctx context.Context, tenantID string, id primitive.ObjectID) (*model.Schedule, error) {
	var sched model.Schedule
	err := s.schedules().FindOne(ctx, bson.M{"_id": id, "tenantId": tenantID}).Decode(&sched)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sched, nil
}

// UpdateSchedule replaces the schedule document by id.
func (s *MongoStore) UpdateSchedule(ctx context.Context, sched *model.Schedule) error {
	_, err := s.schedules().ReplaceOne(ctx, bson.M{"_id": sched.ID}, sched)
	return err
}

// ClaimDueSchedule atomically fetches (but does not yet advance) one
// due schedule, sorted by nextRunAt so the oldest-overdue schedule is
// preferred.
func (s *MongoStore) ClaimDueSchedule(ctx context.Context, now time.Time) (*model.Schedule, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "nextRunAt", Value: 1}})
	var sched model.Schedule
	err := s.schedules().FindOne(ctx, bson.M{
		"enabled":   true,
		"nextRunAt": bson.M{"$lte": now},
	}, opts).Decode(&sched)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sched, nil
}

// AdvanceSchedule performs the conditional update from §4.5 step 4.
func (s *MongoStore) AdvanceSchedule(ctx context.Context, id primitive.ObjectID, prevNextRunAt, lastRunAt, nextRunAt time.Time) (bool, error) {
	res, err := s.schedules().UpdateOne(ctx, bson.M{
		"_id":       id,
		"enabled":   true,
		"nextRunAt": prevNextRunAt,
	}, bson.M{
		"$set": bson.M{
			"lastRunAt": lastRunAt,
			"nextRunAt": nextRunAt,
			"updatedAt": lastRunAt,
		},
	})
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

// DisableSchedule sets enabled=false, used when cron parsing fails.
func (s *MongoStore) DisableSchedule(ctx context.Context, id primitive.ObjectID) error {
	_, err := s.schedules().UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"enabled": false}})
	return err
}

// IsWritablePrimary issues a hello-style identity query against the
// read endpoint; a primary that reports ismaster/writable means the
// adapter is misconfigured and the processor must abort the job.
func (s *MongoStore) IsWritablePrimary(ctx context.Context) (bool, error) {
	var reply bson.M
	if err := s.readDB().RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&reply); err != nil {
		return false, fmt.Errorf("read endpoint identity check: %w", err)
	}
	if v, ok := reply["isWritablePrimary"].(bool); ok {
		return v, nil
	}
	if v, ok := reply["ismaster"].(bool); ok {
		return v, nil
	}
	return false, nil
}
