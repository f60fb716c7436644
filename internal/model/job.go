// Package model holds the persisted shapes the core operates on: report
// jobs, reduce/partition specs, schedules and artifact descriptors.
package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// JobStatus is the lifecycle state of a ReportJob.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobUploading JobStatus = "uploading"
	JobUploaded  JobStatus = "uploaded"
	JobFailed    JobStatus = "failed"
	JobExpired   JobStatus = "expired"
)

// Format is the requested output serialization.
type Format string

const (
	FormatDelimited       Format = "delimited"
	FormatStructuredArray Format = "structured-object"
	FormatSpreadsheet     Format = "spreadsheet"
	FormatPaginated       Format = "paginated-document"
	FormatArchive         Format = "archive"
)

// Compression is the optional output-level wrapper.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZip  Compression = "zip"
)

// MetricOp is the aggregation kind for a single ReduceSpec metric.
type MetricOp string

const (
	MetricCount MetricOp = "count"
	MetricSum   MetricOp = "sum"
	MetricMin   MetricOp = "min"
	MetricMax   MetricOp = "max"
	MetricAvg   MetricOp = "avg"
)

// Metric is one aggregation requested by a ReduceSpec.
type Metric struct {
	Op    MetricOp `json:"op" bson:"op"`
	Field string   `json:"field,omitempty" bson:"field,omitempty"`
	As    string   `json:"as" bson:"as"`
}

// ReduceSpec requests a grouped aggregation over the source rows.
type ReduceSpec struct {
	GroupBy []string `json:"groupBy" bson:"groupBy"`
	Metrics []Metric `json:"metrics" bson:"metrics"`
}

// PartitionStrategy names how the identifier space is split for a reduce.
type PartitionStrategy string

// PartitionIdentifierRange is presently the only supported partitioning strategy.
const PartitionIdentifierRange PartitionStrategy = "identifierRange"

// PartitionSpec requests a specific chunk count for the reduce engine.
type PartitionSpec struct {
	Strategy PartitionStrategy `json:"strategy" bson:"strategy"`
	Chunks   int               `json:"chunks,omitempty" bson:"chunks,omitempty"`
}

// ArtifactMode names where (or whether) the produced bytes ended up.
type ArtifactMode string

const (
	ArtifactModeCloud            ArtifactMode = "object-store-cloud"
	ArtifactModeLocalCompatible  ArtifactMode = "object-store-local-compatible"
	ArtifactModeFilesystem       ArtifactMode = "filesystem"
	ArtifactModeNoop             ArtifactMode = "noop"
)

// Artifact unavailability reasons.
const (
	ReasonExternalStorageDisabled = "EXTERNAL_STORAGE_DISABLED"
	ReasonOptionalIntegrationFail = "OPTIONAL_INTEGRATION_FAILURE"
	ReasonDownloadURLUnavailable  = "DOWNLOAD_URL_UNAVAILABLE"
	ReasonPending                 = "PENDING"
)

// ArtifactDescriptor records the outcome of the job's upload step.
type ArtifactDescriptor struct {
	Mode      ArtifactMode `json:"mode" bson:"mode"`
	Available bool         `json:"available" bson:"available"`
	Reason    string       `json:"reason,omitempty" bson:"reason,omitempty"`
	SizeBytes int64        `json:"sizeBytes,omitempty" bson:"sizeBytes,omitempty"`
	Checksum  string       `json:"checksum,omitempty" bson:"checksum,omitempty"`
	Key       string       `json:"key,omitempty" bson:"key,omitempty"`
	Bucket    string       `json:"bucket,omitempty" bson:"bucket,omitempty"`
	Entries   []string     `json:"entries,omitempty" bson:"entries,omitempty"`
}

// JobError records the message of the most recent terminal failure.
type JobError struct {
	Message string `json:"message" bson:"message"`
}

// ProcessingStats is computed once the artifact upload completes.
type ProcessingStats struct {
	DurationMs               int64   `json:"durationMs" bson:"durationMs"`
	ThroughputRowsPerSecond  float64 `json:"throughputRowsPerSecond" bson:"throughputRowsPerSecond"`
	MemoryPeakBytes          int64   `json:"memoryPeakBytes" bson:"memoryPeakBytes"`
	Mode                     string  `json:"mode" bson:"mode"`
	ZipStrategy              string  `json:"zipStrategy,omitempty" bson:"zipStrategy,omitempty"`
	RowsIn                   int64   `json:"rowsIn" bson:"rowsIn"`
	RowsOut                  int64   `json:"rowsOut" bson:"rowsOut"`
	Chunks                   int     `json:"chunks,omitempty" bson:"chunks,omitempty"`
}

// ReportJob is the persisted unit of work driven end-to-end by the
// job processor. It is created by the intake or the schedule ticker in
// state JobQueued and mutated exclusively by the processor thereafter.
type ReportJob struct {
	ID               primitive.ObjectID     `json:"id" bson:"_id,omitempty"`
	TenantID         string                 `json:"tenantId" bson:"tenantId"`
	Status           JobStatus              `json:"status" bson:"status"`
	Progress         int                    `json:"progress" bson:"progress"`
	RowCount         int64                  `json:"rowCount" bson:"rowCount"`
	ReportDefID      string                 `json:"reportDefinitionId" bson:"reportDefinitionId"`
	Format           Format                 `json:"format" bson:"format"`
	Filters          map[string]interface{} `json:"filters,omitempty" bson:"filters,omitempty"`
	Timezone         string                 `json:"timezone,omitempty" bson:"timezone,omitempty"`
	Locale           string                 `json:"locale,omitempty" bson:"locale,omitempty"`
	Compression      Compression            `json:"compression,omitempty" bson:"compression,omitempty"`
	IncludeFormats   []Format               `json:"includeFormats,omitempty" bson:"includeFormats,omitempty"`
	ReduceSpec       *ReduceSpec            `json:"reduceSpec,omitempty" bson:"reduceSpec,omitempty"`
	PartitionSpec    *PartitionSpec         `json:"partitionSpec,omitempty" bson:"partitionSpec,omitempty"`
	SourceCollection string                 `json:"sourceCollection,omitempty" bson:"sourceCollection,omitempty"`
	Artifact         ArtifactDescriptor     `json:"artifact" bson:"artifact"`
	Error            *JobError              `json:"error,omitempty" bson:"error,omitempty"`
	ProcessingStats  *ProcessingStats       `json:"processingStats,omitempty" bson:"processingStats,omitempty"`
	CreatedAt        time.Time              `json:"createdAt" bson:"createdAt"`
	StartedAt        *time.Time             `json:"startedAt,omitempty" bson:"startedAt,omitempty"`
	FinishedAt       *time.Time             `json:"finishedAt,omitempty" bson:"finishedAt,omitempty"`
	ExpireAt         time.Time              `json:"expireAt" bson:"expireAt"`
}

// Schedule drives periodic instantiation of a ReportJob-shaped request.
type Schedule struct {
	ID               primitive.ObjectID     `json:"id" bson:"_id,omitempty"`
	TenantID         string                 `json:"tenantId" bson:"tenantId"`
	Name             string                 `json:"name" bson:"name"`
	Cron             string                 `json:"cron" bson:"cron"`
	Timezone         string                 `json:"timezone" bson:"timezone"`
	Enabled          bool                   `json:"enabled" bson:"enabled"`
	ReportDefID      string                 `json:"reportDefinitionId" bson:"reportDefinitionId"`
	Format           Format                 `json:"format" bson:"format"`
	Filters          map[string]interface{} `json:"filters,omitempty" bson:"filters,omitempty"`
	ReduceSpec       *ReduceSpec            `json:"reduceSpec,omitempty" bson:"reduceSpec,omitempty"`
	PartitionSpec    *PartitionSpec         `json:"partitionSpec,omitempty" bson:"partitionSpec,omitempty"`
	IncludeFormats   []Format               `json:"includeFormats,omitempty" bson:"includeFormats,omitempty"`
	Compression      Compression            `json:"compression,omitempty" bson:"compression,omitempty"`
	SourceCollection string                 `json:"sourceCollection,omitempty" bson:"sourceCollection,omitempty"`
	NextRunAt        time.Time              `json:"nextRunAt,omitempty" bson:"nextRunAt,omitempty"`
	LastRunAt         *time.Time             `json:"lastRunAt,omitempty" bson:"lastRunAt,omitempty"`
	CreatedAt        time.Time              `json:"createdAt" bson:"createdAt"`
	UpdatedAt        time.Time              `json:"updatedAt" bson:"updatedAt"`
}

// QueueMessage is what the ticker and intake push onto the work queue.
type QueueMessage struct {
	ReportJobID string `json:"reportJobId"`
	TenantID    string `json:"tenantId"`
}
