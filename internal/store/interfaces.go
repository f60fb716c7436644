// Package store adapts the document database collaborator (§6) to the
// interfaces the job processor, schedule ticker and reduce engine
// depend on: job/schedule persistence on the write endpoint, and
// source-row reads (raw cursor and reduce aggregation) on the
// read-only secondary.
package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/lorenzovborges/reportsys/internal/model"
	"github.com/lorenzovborges/reportsys/internal/normalize"
)

// JobStore persists ReportJob documents on the write endpoint.
type JobStore interface {
	CreateJob(ctx context.Context, job *model.ReportJob) error
	GetJob(ctx context.Context, tenantID string, id primitive.ObjectID) (*model.ReportJob, error)
	UpdateJob(ctx context.Context, job *model.ReportJob) error
}

// ScheduleStore persists Schedule documents and implements the
// ticker's claim/advance protocol on the write endpoint.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *model.Schedule) error
	GetSchedule(ctx context.Context, tenantID string, id primitive.ObjectID) (*model.Schedule, error)
	UpdateSchedule(ctx context.Context, s *model.Schedule) error

	// ClaimDueSchedule atomically fetches one schedule where
	// enabled=true and nextRunAt<=now. Returns nil, nil if none is due.
	ClaimDueSchedule(ctx context.Context, now time.Time) (*model.Schedule, error)

	// AdvanceSchedule performs the conditional update described in
	// §4.5 step 4: it only applies if the stored document still has
	// enabled=true and nextRunAt==prevNextRunAt. matched is false if
	// another process already advanced it first.
	AdvanceSchedule(ctx context.Context, id primitive.ObjectID, prevNextRunAt, lastRunAt, nextRunAt time.Time) (matched bool, err error)

	// DisableSchedule sets enabled=false, used when cron parsing fails.
	DisableSchedule(ctx context.Context, id primitive.ObjectID) error
}

// RowCursor streams normalized rows from a raw (non-reduce) read,
// sorted ascending by identifier.
type RowCursor interface {
	Next(ctx context.Context) (normalize.Row, bool, error)
	Close(ctx context.Context) error
}

// SourceStore is the read-endpoint surface the job processor uses
// outside of the reduce engine: identity verification, raw cursors, and
// the single max-id probe the archive-multipass strategy needs.
type SourceStore interface {
	// IsWritablePrimary issues a hello-style identity query against the
	// read endpoint; true means it incorrectly resolved to the writable
	// primary.
	IsWritablePrimary(ctx context.Context) (bool, error)

	OpenCursor(ctx context.Context, tenantID, collection string, filters map[string]interface{}, maxID *primitive.ObjectID) (RowCursor, error)

	MaxID(ctx context.Context, tenantID, collection string, filters map[string]interface{}) (max primitive.ObjectID, found bool, err error)
}
