// Package httpapi is the intake HTTP surface (§6 collaborator): request
// validation and enqueue for report jobs, polling and download
// endpoints, and schedule CRUD. It is built on gin-gonic/gin, matching
// the rest of the domain stack's shift away from the teacher's bare
// net/http handlers, with per-tenant rate limiting adapted from the
// IagoALC-extensao-whatsapp-back example's token-bucket middleware
// (golang.org/x/time/rate).
package httpapi

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/lorenzovborges/reportsys/internal/apperr"
	"github.com/lorenzovborges/reportsys/internal/cronspec"
	"github.com/lorenzovborges/reportsys/internal/model"
	"github.com/lorenzovborges/reportsys/internal/observability"
	"github.com/lorenzovborges/reportsys/internal/queue"
	"github.com/lorenzovborges/reportsys/internal/reduce"
	"github.com/lorenzovborges/reportsys/internal/storage"
	"github.com/lorenzovborges/reportsys/internal/store"
)

var sourceCollectionPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Config names the headers the intake reads and the rate-limit policy
// applied per tenant.
type Config struct {
	APIKeyHeader   string
	TenantIDHeader string
	RateLimitRPS   float64
	RateLimitBurst int
}

// Server wires the intake's collaborators: job/schedule persistence on
// the write endpoint, the work queue, and the storage adapter for
// signed download URLs.
type Server struct {
	Cfg     Config
	Jobs    store.JobStore
	Schedules store.ScheduleStore
	Queue   queue.Publisher
	Storage storage.Downloader
}

// Router builds the gin engine with every route this package exposes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.tenantRateLimit())
	r.Use(s.requireAPIKey())

	r.POST("/jobs", s.submitJob)
	r.GET("/jobs/:id", s.getJob)
	r.GET("/jobs/:id/download", s.downloadJob)

	r.POST("/schedules", s.createSchedule)
	r.GET("/schedules/:id", s.getSchedule)
	r.PATCH("/schedules/:id", s.patchSchedule)

	return r
}

// requireAPIKey rejects requests missing the configured API key header.
// Key-to-tenant binding (the "(tenantId, keyHash)" index named in §6) is
// the document store's concern; this surface only enforces presence,
// leaving hash lookup to whatever authenticates ahead of it in
// deployment (an API gateway or a dedicated auth middleware layered on
// top of this router).
func (s *Server) requireAPIKey() gin.HandlerFunc {
	header := s.Cfg.APIKeyHeader
	if header == "" {
		header = "X-API-Key"
	}
	return func(c *gin.Context) {
		if strings.TrimSpace(c.GetHeader(header)) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + header + " header"})
			return
		}
		c.Next()
	}
}

// tenantID extracts and validates the required X-Tenant-Id header; it
// pins every store operation in the core to the tenant scope per §6.
func (s *Server) tenantID(c *gin.Context) (string, bool) {
	header := s.Cfg.TenantIDHeader
	if header == "" {
		header = "X-Tenant-Id"
	}
	tenant := strings.TrimSpace(c.GetHeader(header))
	if tenant == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing " + header + " header"})
		return "", false
	}
	return tenant, true
}

// jobRequest is the wire shape the intake accepts for both a direct job
// submission and a schedule's report-shaped fields.
type jobRequest struct {
	ReportDefinitionID string                 `json:"reportDefinitionId" binding:"required"`
	Format             model.Format           `json:"format" binding:"required"`
	Filters            map[string]interface{} `json:"filters"`
	Timezone           string                 `json:"timezone"`
	Locale             string                 `json:"locale"`
	Compression        model.Compression      `json:"compression"`
	IncludeFormats     []model.Format         `json:"includeFormats"`
	ReduceSpec         *model.ReduceSpec      `json:"reduceSpec"`
	PartitionSpec      *model.PartitionSpec   `json:"partitionSpec"`
	SourceCollection   string                 `json:"sourceCollection"`
}

// validateJobRequest enforces the rules §6 assigns to the intake: they
// must hold before a job ever reaches the processor.
func validateJobRequest(req jobRequest) error {
	switch req.Format {
	case model.FormatArchive:
		if len(req.IncludeFormats) == 0 {
			return apperr.Wrap(apperr.ErrArchiveRequiresIncludeFormats, "format=archive requires a non-empty includeFormats")
		}
		seen := make(map[model.Format]bool, len(req.IncludeFormats))
		for _, f := range req.IncludeFormats {
			if f == model.FormatArchive {
				return apperr.Wrap(apperr.ErrIncludeFormatsNotAllowed, "includeFormats may not itself contain archive")
			}
			if seen[f] {
				return apperr.Wrap(apperr.ErrDuplicateIncludeFormats, "duplicate includeFormats entries")
			}
			seen[f] = true
		}
		if req.Compression == model.CompressionZip {
			return apperr.Wrap(apperr.ErrCompressionArchiveConflict, "compression=zip is incompatible with format=archive")
		}
	case model.FormatDelimited, model.FormatStructuredArray, model.FormatSpreadsheet, model.FormatPaginated:
		if len(req.IncludeFormats) > 0 {
			return apperr.Wrap(apperr.ErrIncludeFormatsNotAllowed, "includeFormats is only allowed when format=archive")
		}
	default:
		return errors.New("unsupported format")
	}

	if req.SourceCollection != "" && !sourceCollectionPattern.MatchString(strings.TrimSpace(req.SourceCollection)) {
		return errors.New("sourceCollection must match ^[A-Za-z0-9_]+$")
	}

	if req.ReduceSpec != nil {
		if err := reduce.ValidateSpec(req.ReduceSpec); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) submitJob(c *gin.Context) {
	tenantID, ok := s.tenantID(c)
	if !ok {
		return
	}

	var req jobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validateJobRequest(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	job := &model.ReportJob{
		ID:               primitive.NewObjectID(),
		TenantID:         tenantID,
		Status:           model.JobQueued,
		ReportDefID:      req.ReportDefinitionID,
		Format:           req.Format,
		Filters:          req.Filters,
		Timezone:         req.Timezone,
		Locale:           req.Locale,
		Compression:      req.Compression,
		IncludeFormats:   req.IncludeFormats,
		ReduceSpec:       req.ReduceSpec,
		PartitionSpec:    req.PartitionSpec,
		SourceCollection: req.SourceCollection,
		CreatedAt:        now,
		ExpireAt:         now.Add(30 * 24 * time.Hour),
	}

	if err := s.Jobs.CreateJob(c.Request.Context(), job); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create job"})
		return
	}

	if err := s.Queue.Publish(c.Request.Context(), model.QueueMessage{ReportJobID: job.ID.Hex(), TenantID: tenantID}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue job"})
		return
	}

	observability.JobsSubmitted.WithLabelValues(string(job.Format), planModeLabel(job)).Inc()
	c.JSON(http.StatusAccepted, gin.H{"id": job.ID.Hex(), "status": job.Status})
}

func planModeLabel(job *model.ReportJob) string {
	switch {
	case job.ReduceSpec != nil:
		return "reduce"
	case job.Format == model.FormatArchive:
		return "archive"
	default:
		return "raw"
	}
}

// getJob is the polling endpoint (§7 "User-visible"): it returns
// status, progress, row count, artifact availability, processingStats
// and error.message if terminal-failed.
func (s *Server) getJob(c *gin.Context) {
	tenantID, ok := s.tenantID(c)
	if !ok {
		return
	}
	id, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	job, err := s.Jobs.GetJob(c.Request.Context(), tenantID, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

// downloadJob issues a signed URL for a completed artifact, or reports
// why one is unavailable, per §7's documented response shape.
func (s *Server) downloadJob(c *gin.Context) {
	tenantID, ok := s.tenantID(c)
	if !ok {
		return
	}
	id, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	job, err := s.Jobs.GetJob(c.Request.Context(), tenantID, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if !job.Artifact.Available {
		c.JSON(http.StatusOK, gin.H{
			"available": false,
			"mode":      job.Artifact.Mode,
			"reason":    firstNonEmpty(job.Artifact.Reason, model.ReasonPending),
		})
		return
	}

	url, ok, err := s.Storage.SignDownload(c.Request.Context(), job.Artifact)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign download url"})
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{
			"available": false,
			"mode":      job.Artifact.Mode,
			"reason":    model.ReasonDownloadURLUnavailable,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"available": true, "url": url})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// scheduleRequest is the wire shape for schedule CRUD; it embeds the
// report-shaped fields a Schedule instantiates into a job.
type scheduleRequest struct {
	Name string `json:"name" binding:"required"`
	Cron string `json:"cron" binding:"required"`
	Timezone string `json:"timezone"`
	Enabled *bool `json:"enabled"`
	jobRequest
}

func (s *Server) createSchedule(c *gin.Context) {
	tenantID, ok := s.tenantID(c)
	if !ok {
		return
	}
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validateJobRequest(req.jobRequest); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timezone"})
		return
	}
	nextRun, err := cronspec.NextFireTime(req.Cron, tz, time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cron expression"})
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	now := time.Now().UTC()
	sched := &model.Schedule{
		ID:               primitive.NewObjectID(),
		TenantID:         tenantID,
		Name:             req.Name,
		Cron:             req.Cron,
		Timezone:         tz,
		Enabled:          enabled,
		ReportDefID:      req.ReportDefinitionID,
		Format:           req.Format,
		Filters:          req.Filters,
		ReduceSpec:       req.ReduceSpec,
		PartitionSpec:    req.PartitionSpec,
		IncludeFormats:   req.IncludeFormats,
		Compression:      req.Compression,
		SourceCollection: req.SourceCollection,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if enabled {
		sched.NextRunAt = nextRun
	}

	if err := s.Schedules.CreateSchedule(c.Request.Context(), sched); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create schedule"})
		return
	}
	c.JSON(http.StatusCreated, sched)
}

func (s *Server) getSchedule(c *gin.Context) {
	tenantID, ok := s.tenantID(c)
	if !ok {
		return
	}
	id, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule id"})
		return
	}
	sched, err := s.Schedules.GetSchedule(c.Request.Context(), tenantID, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load schedule"})
		return
	}
	if sched == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
		return
	}
	c.JSON(http.StatusOK, sched)
}

// schedulePatchRequest allows partial updates; a nil field leaves the
// stored value unchanged.
type schedulePatchRequest struct {
	Name    *string `json:"name"`
	Cron    *string `json:"cron"`
	Timezone *string `json:"timezone"`
	Enabled *bool   `json:"enabled"`
}

func (s *Server) patchSchedule(c *gin.Context) {
	tenantID, ok := s.tenantID(c)
	if !ok {
		return
	}
	id, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule id"})
		return
	}
	sched, err := s.Schedules.GetSchedule(c.Request.Context(), tenantID, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load schedule"})
		return
	}
	if sched == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
		return
	}

	var req schedulePatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Name != nil {
		sched.Name = *req.Name
	}
	if req.Cron != nil {
		sched.Cron = *req.Cron
	}
	if req.Timezone != nil {
		if _, err := time.LoadLocation(*req.Timezone); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timezone"})
			return
		}
		sched.Timezone = *req.Timezone
	}
	if req.Enabled != nil {
		sched.Enabled = *req.Enabled
	}

	if sched.Enabled {
		next, err := cronspec.NextFireTime(sched.Cron, sched.Timezone, time.Now().UTC())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cron expression"})
			return
		}
		sched.NextRunAt = next
	}
	sched.UpdatedAt = time.Now().UTC()

	if err := s.Schedules.UpdateSchedule(c.Request.Context(), sched); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update schedule"})
		return
	}
	c.JSON(http.StatusOK, sched)
}
