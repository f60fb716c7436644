// Package processor implements the Job Processor (C4): it drives one
// report job end-to-end — load, validate, plan (raw vs reduce vs
// archive strategy), produce a row stream, drive the chosen generator,
// stream the result to object storage, and persist the terminal state.
// Control flow here is treated as a single goroutine per job, matching
// §5's model of cooperative per-job control flow with parallelism
// confined to the reduce engine's range workers.
package processor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"regexp"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/lorenzovborges/reportsys/internal/apperr"
	"github.com/lorenzovborges/reportsys/internal/genformat"
	"github.com/lorenzovborges/reportsys/internal/model"
	"github.com/lorenzovborges/reportsys/internal/normalize"
	"github.com/lorenzovborges/reportsys/internal/observability"
	"github.com/lorenzovborges/reportsys/internal/reduce"
	"github.com/lorenzovborges/reportsys/internal/snapshot"
	"github.com/lorenzovborges/reportsys/internal/storage"
	"github.com/lorenzovborges/reportsys/internal/store"
)

var sourceCollectionPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Config bundles the tunables the spec's resource-discipline sections
// (§4.4, §5) name explicitly.
type Config struct {
	BatchSize                 int
	DefaultChunks             int
	PartitionMaxConcurrency   int
	PartitionCapMax           int
	MaxGroups                 int
	StreamingAccumulator      bool
	DocumentMaxRows           int
	BufferBytes               int
	SourceCollectionAllowlist []string
	DefaultSourceCollection   string
	ZipMultipass              bool
	ReportTmpDir              string
	ReportTmpMaxBytes         int64
}

// Processor owns the collaborators and config needed to run jobs.
type Processor struct {
	Jobs    store.JobStore
	Source  store.SourceStore
	Storage *storage.Storage
	Cfg     Config
	Logger  *slog.Logger
}

// plan is what the planning step (§4.4 step 4) hands to upload: the
// byte stream to persist, plus enough bookkeeping to compute
// processingStats once the upload finishes draining it. rowCounts is
// only safe to call after body has been fully read, since raw/archive
// modes derive it from a CountingSource the generator goroutine drains
// concurrently with the upload.
type plan struct {
	body        io.ReadCloser
	contentType string
	extension   string
	mode        string
	zipStrategy string
	entries     []string
	chunks      int
	rowCounts   func() (rowsIn, rowsOut int64)
}

// Process loads the job named by msg, drives it to a terminal state,
// and returns any error so the caller (the queue consumer loop) can
// apply the retry/backoff policy. A missing job returns
// apperr.ErrNotFound so the caller can ack-and-drop it per §7 rather
// than retrying or dead-lettering a message for a job that no longer
// exists.
func (p *Processor) Process(ctx context.Context, msg model.QueueMessage) error {
	id, err := primitive.ObjectIDFromHex(msg.ReportJobID)
	if err != nil {
		return fmt.Errorf("invalid job id %q: %w", msg.ReportJobID, err)
	}

	job, err := p.Jobs.GetJob(ctx, msg.TenantID, id)
	if err != nil {
		return fmt.Errorf("loading job: %w", err)
	}
	if job == nil {
		p.logger().Info("job not found, dropping message", "job_id", msg.ReportJobID, "tenant_id", msg.TenantID)
		return apperr.Wrapf(apperr.ErrNotFound, "report job %s not found for tenant %s", msg.ReportJobID, msg.TenantID)
	}

	l := p.logger().With("job_id", job.ID.Hex(), "tenant_id", job.TenantID)

	now := time.Now().UTC()
	job.Status = model.JobRunning
	job.Progress = 10
	job.StartedAt = &now
	job.Error = nil
	if err := p.Jobs.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("persisting running state: %w", err)
	}

	snapshotPath, runErr := p.run(ctx, l, job)

	// Guaranteed cleanup per §4.4 step 10 / §9 "resource scopes": the
	// snapshot file is released on every exit path.
	if snapshotPath != "" {
		if rmErr := snapshot.Remove(snapshotPath); rmErr != nil {
			l.Warn("failed to clean up snapshot file", "path", snapshotPath, "error", rmErr)
		}
	}

	if runErr != nil {
		finishedAt := time.Now().UTC()
		job.Status = model.JobFailed
		job.FinishedAt = &finishedAt
		job.Error = &model.JobError{Message: runErr.Error()}
		if err := p.Jobs.UpdateJob(ctx, job); err != nil {
			l.Error("failed to persist failed state", "error", err)
		}
		observability.JobsProcessed.WithLabelValues(string(model.JobFailed)).Inc()
		l.Error("job failed", "error", runErr)
		return runErr
	}

	observability.JobsProcessed.WithLabelValues(string(model.JobUploaded)).Inc()
	return nil
}

// run executes steps 2-8 of §4.4 and returns the snapshot file path (if
// one was created) so the caller can clean it up unconditionally.
func (p *Processor) run(ctx context.Context, l *slog.Logger, job *model.ReportJob) (string, error) {
	isPrimary, err := p.Source.IsWritablePrimary(ctx)
	if err != nil {
		return "", fmt.Errorf("checking read endpoint identity: %w", err)
	}
	if isPrimary {
		return "", apperr.Wrap(apperr.ErrReadEndpointIsPrimary, "read endpoint resolves to writable primary")
	}

	collection, err := p.resolveSourceCollection(job.SourceCollection)
	if err != nil {
		return "", err
	}

	filters := normalize.SanitizeFilters(job.Filters)
	peak := &memPeak{}

	var (
		pl           plan
		snapshotPath string
	)
	switch {
	case job.ReduceSpec != nil:
		pl, err = p.planReduce(ctx, job, collection, filters, peak)
	case job.Format == model.FormatArchive && p.Cfg.ZipMultipass:
		pl, err = p.planArchiveMultipass(ctx, job, collection, filters, peak)
	case job.Format == model.FormatArchive:
		pl, snapshotPath, err = p.planArchiveSnapshot(ctx, job, collection, filters, peak)
	default:
		pl, err = p.planRaw(ctx, job, collection, filters, peak)
	}
	if err != nil {
		return snapshotPath, err
	}

	key := artifactKey(job.TenantID, job.ID.Hex(), pl.extension)
	desc, err := p.upload(ctx, l, job, key, pl.contentType, pl.body)
	if err != nil {
		return snapshotPath, err
	}

	rowsIn, rowsOut := pl.rowCounts()
	return snapshotPath, p.persistTerminal(ctx, job, desc, rowsIn, rowsOut, pl.zipStrategy, pl.mode, pl.chunks, pl.entries, peak)
}

// planReduce drives the reduce engine (C3) and feeds its finalized rows
// into the job's requested single-format generator. §4.4 step 4
// "reduce" strategy; mode = reduce.
func (p *Processor) planReduce(ctx context.Context, job *model.ReportJob, collection string, filters map[string]interface{}, peak *memPeak) (plan, error) {
	src, ok := p.Source.(reduce.Source)
	if !ok {
		return plan{}, fmt.Errorf("source store does not implement the reduce engine's Source interface")
	}
	result, err := reduce.Compute(ctx, src, reduce.Params{
		TenantID:             job.TenantID,
		Collection:           collection,
		Filters:              filters,
		Spec:                 job.ReduceSpec,
		Partition:            job.PartitionSpec,
		BatchSize:            p.Cfg.BatchSize,
		DefaultChunks:        p.Cfg.DefaultChunks,
		MaxConcurrency:       p.Cfg.PartitionMaxConcurrency,
		PartitionCapMax:      p.Cfg.PartitionCapMax,
		MaxGroups:            p.Cfg.MaxGroups,
		StreamingAccumulator: p.Cfg.StreamingAccumulator,
		OnRow:                peak.sample,
	})
	if err != nil {
		return plan{}, err
	}

	genResult, err := p.generate(job.Format, genformat.NewSliceSource(result.Rows))
	if err != nil {
		return plan{}, err
	}
	rowsIn, rowsOut, chunks := result.RowsIn, result.RowsOut, result.Chunks
	return plan{
		body:        genResult.Body,
		contentType: genResult.ContentType,
		extension:   genResult.Extension,
		mode:        "reduce",
		chunks:      chunks,
		rowCounts:   func() (int64, int64) { return rowsIn, rowsOut },
	}, nil
}

// planRaw opens a single sorted cursor and wraps it in the requested
// generator; compression=zip (never combined with format=archive, per
// §4.4.2) wraps the result as a one-entry archive. §4.4 step 4 "raw"
// strategy; mode = raw.
func (p *Processor) planRaw(ctx context.Context, job *model.ReportJob, collection string, filters map[string]interface{}, peak *memPeak) (plan, error) {
	cursor, err := p.Source.OpenCursor(ctx, job.TenantID, collection, filters, nil)
	if err != nil {
		return plan{}, err
	}
	counted := genformat.NewCountingSource(cursorRowSource{ctx: ctx, cursor: cursor}, peak.sample)
	genResult, err := p.generate(job.Format, counted)
	if err != nil {
		cursor.Close(ctx)
		return plan{}, err
	}

	body, contentType, extension := genResult.Body, genResult.ContentType, genResult.Extension
	if job.Compression == model.CompressionZip {
		archiveResult := genformat.Archive([]genformat.ArchiveEntry{
			{Name: "report." + extension, Body: body},
		}, p.streamOpts())
		body, contentType, extension = archiveResult.Body, archiveResult.ContentType, archiveResult.Extension
	}

	return plan{
		body:        closeAfter(body, func() error { return cursor.Close(ctx) }),
		contentType: contentType,
		extension:   extension,
		mode:        "raw",
		rowCounts:   func() (int64, int64) { n := counted.Count(); return n, n },
	}, nil
}

// planArchiveMultipass determines the dataset's max identifier once,
// then opens one independent sorted cursor per included format, each
// bounded by that same max id so every sub-format reads an identical
// logical slice. Only the first pass's row count is reported. §4.4 step
// 4 "archive-multipass" strategy; mode = raw, zipStrategy = multipass.
func (p *Processor) planArchiveMultipass(ctx context.Context, job *model.ReportJob, collection string, filters map[string]interface{}, peak *memPeak) (plan, error) {
	maxID, found, err := p.Source.MaxID(ctx, job.TenantID, collection, filters)
	if err != nil {
		return plan{}, err
	}
	var maxIDPtr *primitive.ObjectID
	if found {
		maxIDPtr = &maxID
	}

	entries := make([]genformat.ArchiveEntry, 0, len(job.IncludeFormats))
	entryNames := make([]string, 0, len(job.IncludeFormats))
	cursors := make([]store.RowCursor, 0, len(job.IncludeFormats))
	var first *genformat.CountingSource

	for i, sub := range job.IncludeFormats {
		cursor, err := p.Source.OpenCursor(ctx, job.TenantID, collection, filters, maxIDPtr)
		if err != nil {
			closeAll(ctx, cursors)
			return plan{}, err
		}
		cursors = append(cursors, cursor)

		var src genformat.RowSource = cursorRowSource{ctx: ctx, cursor: cursor}
		if i == 0 {
			first = genformat.NewCountingSource(src, peak.sample)
			src = first
		}
		genResult, err := p.generate(sub, src)
		if err != nil {
			closeAll(ctx, cursors)
			return plan{}, err
		}
		name := "report." + genResult.Extension
		entries = append(entries, genformat.ArchiveEntry{Name: name, Body: genResult.Body})
		entryNames = append(entryNames, name)
	}

	archiveResult := genformat.Archive(entries, p.streamOpts())
	return plan{
		body:        closeAfter(archiveResult.Body, func() error { closeAll(ctx, cursors); return nil }),
		contentType: archiveResult.ContentType,
		extension:   archiveResult.Extension,
		mode:        "raw",
		zipStrategy: "multipass",
		entries:     entryNames,
		rowCounts:   func() (int64, int64) { n := first.Count(); return n, n },
	}, nil
}

// planArchiveSnapshot streams a single raw cursor to an NDJSON snapshot
// file, then opens one independent reader per included format over
// that file. §4.4 step 4 "archive-snapshot" strategy; mode = raw,
// zipStrategy = snapshot. Returns the snapshot path so the caller
// cleans it up unconditionally even on a later failure.
func (p *Processor) planArchiveSnapshot(ctx context.Context, job *model.ReportJob, collection string, filters map[string]interface{}, peak *memPeak) (plan, string, error) {
	cursor, err := p.Source.OpenCursor(ctx, job.TenantID, collection, filters, nil)
	if err != nil {
		return plan{}, "", err
	}
	counted := genformat.NewCountingSource(cursorRowSource{ctx: ctx, cursor: cursor}, peak.sample)

	name := snapshot.Name(job.ID.Hex(), time.Now().UnixMilli())
	writeResult, writeErr := snapshot.Write(ctx, snapshotRowSource{counted}, p.Cfg.ReportTmpDir, name, p.Cfg.ReportTmpMaxBytes, p.Cfg.BufferBytes, nil)
	closeErr := cursor.Close(ctx)
	if writeErr != nil {
		return plan{}, writeResult.Path, writeErr
	}
	if closeErr != nil {
		return plan{}, writeResult.Path, closeErr
	}

	rowCount := counted.Count()
	entries := make([]genformat.ArchiveEntry, 0, len(job.IncludeFormats))
	entryNames := make([]string, 0, len(job.IncludeFormats))
	for _, sub := range job.IncludeFormats {
		reader, err := snapshot.Rows(writeResult.Path, p.Cfg.BufferBytes)
		if err != nil {
			return plan{}, writeResult.Path, err
		}
		genResult, err := p.generate(sub, readerRowSource{reader})
		if err != nil {
			reader.Close()
			return plan{}, writeResult.Path, err
		}
		name := "report." + genResult.Extension
		entries = append(entries, genformat.ArchiveEntry{
			Name: name,
			Body: closeAfter(genResult.Body, reader.Close),
		})
		entryNames = append(entryNames, name)
	}

	archiveResult := genformat.Archive(entries, p.streamOpts())
	return plan{
		body:        archiveResult.Body,
		contentType: archiveResult.ContentType,
		extension:   archiveResult.Extension,
		mode:        "raw",
		zipStrategy: "snapshot",
		entries:     entryNames,
		rowCounts:   func() (int64, int64) { return rowCount, rowCount },
	}, writeResult.Path, nil
}

// resolveSourceCollection trims the job's requested collection (falling
// back to the default) and validates it against the allowlist per §4.4
// step 3.
func (p *Processor) resolveSourceCollection(requested string) (string, error) {
	name := strings.TrimSpace(requested)
	if name == "" {
		name = p.Cfg.DefaultSourceCollection
	}
	if !sourceCollectionPattern.MatchString(name) {
		return "", apperr.Wrapf(apperr.ErrSourceCollectionNotAllowed, "sourceCollection %q is not allowed", name)
	}
	for _, allowed := range p.Cfg.SourceCollectionAllowlist {
		if allowed == name {
			return name, nil
		}
	}
	return "", apperr.Wrapf(apperr.ErrSourceCollectionNotAllowed, "sourceCollection %q is not allowed", name)
}

// generate builds the single-format generator named by format.
func (p *Processor) generate(format model.Format, src genformat.RowSource) (genformat.Result, error) {
	opts := p.streamOpts()
	switch format {
	case model.FormatDelimited:
		return genformat.Delimited(src, opts), nil
	case model.FormatStructuredArray:
		return genformat.StructuredArray(src, opts), nil
	case model.FormatSpreadsheet:
		return genformat.Spreadsheet(src, opts), nil
	case model.FormatPaginated:
		return genformat.Paginated(src, opts), nil
	default:
		return genformat.Result{}, fmt.Errorf("unsupported format %q", format)
	}
}

func (p *Processor) streamOpts() genformat.StreamOptions {
	return genformat.StreamOptions{BufferBytes: p.Cfg.BufferBytes, DocumentMaxRows: p.Cfg.DocumentMaxRows}
}

func artifactKey(tenantID, jobID, extension string) string {
	return fmt.Sprintf("%s/%s/report.%s", tenantID, jobID, extension)
}

// upload persists the uploading progress checkpoint (§4.4 step 5) then
// streams body through the storage adapter (step 6), closing it on
// every exit path.
func (p *Processor) upload(ctx context.Context, l *slog.Logger, job *model.ReportJob, key, contentType string, body io.ReadCloser) (model.ArtifactDescriptor, error) {
	defer body.Close()

	job.Status = model.JobUploading
	job.Progress = 75
	if err := p.Jobs.UpdateJob(ctx, job); err != nil {
		return model.ArtifactDescriptor{}, fmt.Errorf("persisting uploading state: %w", err)
	}

	desc, err := p.Storage.Upload(ctx, key, contentType, body, storage.Meta{TenantID: job.TenantID, JobID: job.ID.Hex()})
	if err != nil && !apperr.Is(err, apperr.ErrIntegrationOptionalFailure) {
		return model.ArtifactDescriptor{}, err
	}
	if err != nil {
		l.Warn("optional storage integration failed, continuing with noop artifact", "error", err)
	}
	return desc, nil
}

// persistTerminal computes processing stats (§4.4 step 7) and persists
// the uploaded terminal state (step 8), including the archive's entry
// names in emission order when the plan produced one.
func (p *Processor) persistTerminal(ctx context.Context, job *model.ReportJob, desc model.ArtifactDescriptor, rowsIn, rowsOut int64, zipStrategy, mode string, chunks int, entries []string, peak *memPeak) error {
	finishedAt := time.Now().UTC()
	var startedAt time.Time
	if job.StartedAt != nil {
		startedAt = *job.StartedAt
	}
	durationMs := finishedAt.Sub(startedAt).Milliseconds()
	if durationMs < 1 {
		durationMs = 1
	}
	throughput := math.Round(float64(rowsOut)/(float64(durationMs)/1000)*100) / 100

	job.Status = model.JobUploaded
	job.Progress = 100
	job.RowCount = rowsOut
	job.Artifact = desc
	job.Artifact.Entries = entries
	job.ProcessingStats = &model.ProcessingStats{
		DurationMs:              durationMs,
		ThroughputRowsPerSecond: throughput,
		MemoryPeakBytes:         peak.value(),
		Mode:                    mode,
		ZipStrategy:             zipStrategy,
		RowsIn:                  rowsIn,
		RowsOut:                 rowsOut,
		Chunks:                  chunks,
	}
	job.FinishedAt = &finishedAt
	job.Error = nil

	observability.RowsWritten.WithLabelValues(mode).Add(float64(rowsOut))
	observability.JobDuration.WithLabelValues(mode).Observe(float64(durationMs) / 1000)
	if chunks > 0 {
		observability.ReduceChunks.Observe(float64(chunks))
	}

	return p.Jobs.UpdateJob(ctx, job)
}

func (p *Processor) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// memPeak tracks a single memory high-watermark, sampled opportunistically
// at row boundaries per §5's resource-caps guidance.
type memPeak struct {
	bytes int64
}

func (m *memPeak) sample() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	for {
		cur := atomic.LoadInt64(&m.bytes)
		if int64(stats.Alloc) <= cur {
			return
		}
		if atomic.CompareAndSwapInt64(&m.bytes, cur, int64(stats.Alloc)) {
			return
		}
	}
}

func (m *memPeak) value() int64 { return atomic.LoadInt64(&m.bytes) }

// cursorRowSource adapts store.RowCursor (which already yields
// normalized rows) to genformat.RowSource.
type cursorRowSource struct {
	ctx    context.Context
	cursor store.RowCursor
}

func (c cursorRowSource) Next() (normalize.Row, bool, error) {
	return c.cursor.Next(c.ctx)
}

// readerRowSource adapts a *snapshot.Reader to genformat.RowSource.
type readerRowSource struct {
	reader *snapshot.Reader
}

func (r readerRowSource) Next() (normalize.Row, bool, error) { return r.reader.Next() }

// snapshotRowSource adapts a genformat.RowSource to snapshot.RowSource
// (identical method sets; kept distinct to document the package
// boundary between the generator pipeline and the snapshot writer).
type snapshotRowSource struct {
	src genformat.RowSource
}

func (s snapshotRowSource) Next() (normalize.Row, bool, error) { return s.src.Next() }

// closeAfter wraps body so Close also runs after, once, regardless of
// how many times the wrapper's Close is called.
func closeAfter(body io.ReadCloser, after func() error) io.ReadCloser {
	return &closeAfterCloser{ReadCloser: body, after: after}
}

type closeAfterCloser struct {
	io.ReadCloser
	after func() error
	done  bool
}

func (c *closeAfterCloser) Close() error {
	err := c.ReadCloser.Close()
	if !c.done {
		c.done = true
		if afterErr := c.after(); afterErr != nil && err == nil {
			err = afterErr
		}
	}
	return err
}

func closeAll(ctx context.Context, cursors []store.RowCursor) {
	for _, c := range cursors {
		c.Close(ctx)
	}
}
