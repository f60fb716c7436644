package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/lorenzovborges/reportsys/internal/apperr"
	"github.com/lorenzovborges/reportsys/internal/model"
)

type fakeJobStore struct {
	mu      sync.Mutex
	jobs    map[primitive.ObjectID]*model.ReportJob
	created []*model.ReportJob
	createErr error
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[primitive.ObjectID]*model.ReportJob)}
}

func (f *fakeJobStore) CreateJob(ctx context.Context, job *model.ReportJob) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	f.created = append(f.created, job)
	return nil
}

func (f *fakeJobStore) GetJob(ctx context.Context, tenantID string, id primitive.ObjectID) (*model.ReportJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || job.TenantID != tenantID {
		return nil, nil
	}
	return job, nil
}

func (f *fakeJobStore) UpdateJob(ctx context.Context, job *model.ReportJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	return nil
}

type fakeScheduleStore struct {
	mu        sync.Mutex
	schedules map[primitive.ObjectID]*model.Schedule
}

func newFakeScheduleStore() *fakeScheduleStore {
	return &fakeScheduleStore{schedules: make(map[primitive.ObjectID]*model.Schedule)}
}

func (f *fakeScheduleStore) CreateSchedule(ctx context.Context, s *model.Schedule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedules[s.ID] = s
	return nil
}

func (f *fakeScheduleStore) GetSchedule(ctx context.Context, tenantID string, id primitive.ObjectID) (*model.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.schedules[id]
	if !ok || s.TenantID != tenantID {
		return nil, nil
	}
	return s, nil
}

func (f *fakeScheduleStore) UpdateSchedule(ctx context.Context, s *model.Schedule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedules[s.ID] = s
	return nil
}

func (f *fakeScheduleStore) ClaimDueSchedule(ctx context.Context, now time.Time) (*model.Schedule, error) {
	return nil, nil
}

func (f *fakeScheduleStore) AdvanceSchedule(ctx context.Context, id primitive.ObjectID, prevNextRunAt, lastRunAt, nextRunAt time.Time) (bool, error) {
	return false, nil
}

func (f *fakeScheduleStore) DisableSchedule(ctx context.Context, id primitive.ObjectID) error {
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []model.QueueMessage
	err       error
}

func (f *fakePublisher) Publish(ctx context.Context, msg model.QueueMessage) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return nil
}

type fakeDownloader struct {
	url string
	ok  bool
	err error
}

func (f *fakeDownloader) SignDownload(ctx context.Context, artifact model.ArtifactDescriptor) (string, bool, error) {
	return f.url, f.ok, f.err
}

func newTestServer(jobs *fakeJobStore, scheds *fakeScheduleStore, pub *fakePublisher, dl *fakeDownloader) *Server {
	gin.SetMode(gin.TestMode)
	return &Server{
		Cfg:       Config{APIKeyHeader: "X-API-Key", TenantIDHeader: "X-Tenant-Id", RateLimitRPS: 1000, RateLimitBurst: 1000},
		Jobs:      jobs,
		Schedules: scheds,
		Queue:     pub,
		Storage:   dl,
	}
}

func doRequest(t *testing.T, router http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func tenantHeaders() map[string]string {
	return map[string]string{"X-API-Key": "secret", "X-Tenant-Id": "tenant-1"}
}

func TestSubmitJobAcceptsValidRequestAndEnqueues(t *testing.T) {
	jobs := newFakeJobStore()
	pub := &fakePublisher{}
	s := newTestServer(jobs, newFakeScheduleStore(), pub, &fakeDownloader{})
	router := s.Router()

	reqBody := map[string]interface{}{
		"reportDefinitionId": "def-1",
		"format":             "delimited",
	}
	rec := doRequest(t, router, http.MethodPost, "/jobs", reqBody, tenantHeaders())

	require.Equal(t, http.StatusAccepted, rec.Code)
	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out.ID)
	require.Equal(t, "queued", out.Status)

	require.Len(t, jobs.created, 1)
	require.Len(t, pub.published, 1)
	require.Equal(t, out.ID, pub.published[0].ReportJobID)
}

func TestSubmitJobRejectsMissingTenantHeader(t *testing.T) {
	s := newTestServer(newFakeJobStore(), newFakeScheduleStore(), &fakePublisher{}, &fakeDownloader{})
	router := s.Router()

	rec := doRequest(t, router, http.MethodPost, "/jobs",
		map[string]interface{}{"reportDefinitionId": "def-1", "format": "delimited"},
		map[string]string{"X-API-Key": "secret"})

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitJobRejectsMissingAPIKeyHeader(t *testing.T) {
	s := newTestServer(newFakeJobStore(), newFakeScheduleStore(), &fakePublisher{}, &fakeDownloader{})
	router := s.Router()

	rec := doRequest(t, router, http.MethodPost, "/jobs",
		map[string]interface{}{"reportDefinitionId": "def-1", "format": "delimited"},
		map[string]string{"X-Tenant-Id": "tenant-1"})

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitJobRejectsArchiveWithoutIncludeFormats(t *testing.T) {
	s := newTestServer(newFakeJobStore(), newFakeScheduleStore(), &fakePublisher{}, &fakeDownloader{})
	router := s.Router()

	rec := doRequest(t, router, http.MethodPost, "/jobs",
		map[string]interface{}{"reportDefinitionId": "def-1", "format": "archive"},
		tenantHeaders())

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitJobRejectsIncludeFormatsUnlessArchive(t *testing.T) {
	s := newTestServer(newFakeJobStore(), newFakeScheduleStore(), &fakePublisher{}, &fakeDownloader{})
	router := s.Router()

	rec := doRequest(t, router, http.MethodPost, "/jobs",
		map[string]interface{}{
			"reportDefinitionId": "def-1",
			"format":             "delimited",
			"includeFormats":     []string{"spreadsheet"},
		},
		tenantHeaders())

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// validateJobRequest's rejections are the §7 error taxonomy's intake
// half: each distinct rule surfaces its own apperr.Kind so a caller can
// errors.Is its way to the exact violation instead of string-matching.
func TestValidateJobRequestTaxonomy(t *testing.T) {
	cases := []struct {
		name string
		req  jobRequest
		kind *apperr.Kind
	}{
		{
			name: "archive without includeFormats",
			req:  jobRequest{Format: model.FormatArchive},
			kind: apperr.ErrArchiveRequiresIncludeFormats,
		},
		{
			name: "archive nested inside includeFormats",
			req: jobRequest{
				Format:         model.FormatArchive,
				IncludeFormats: []model.Format{model.FormatArchive},
			},
			kind: apperr.ErrIncludeFormatsNotAllowed,
		},
		{
			name: "duplicate includeFormats entries",
			req: jobRequest{
				Format:         model.FormatArchive,
				IncludeFormats: []model.Format{model.FormatDelimited, model.FormatDelimited},
			},
			kind: apperr.ErrDuplicateIncludeFormats,
		},
		{
			name: "compression zip with archive format",
			req: jobRequest{
				Format:         model.FormatArchive,
				IncludeFormats: []model.Format{model.FormatDelimited},
				Compression:    model.CompressionZip,
			},
			kind: apperr.ErrCompressionArchiveConflict,
		},
		{
			name: "includeFormats without archive format",
			req: jobRequest{
				Format:         model.FormatDelimited,
				IncludeFormats: []model.Format{model.FormatSpreadsheet},
			},
			kind: apperr.ErrIncludeFormatsNotAllowed,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateJobRequest(tc.req)
			require.Error(t, err)
			require.True(t, apperr.Is(err, tc.kind))
		})
	}
}

func TestSubmitJobRejectsInvalidSourceCollection(t *testing.T) {
	s := newTestServer(newFakeJobStore(), newFakeScheduleStore(), &fakePublisher{}, &fakeDownloader{})
	router := s.Router()

	rec := doRequest(t, router, http.MethodPost, "/jobs",
		map[string]interface{}{
			"reportDefinitionId": "def-1",
			"format":             "delimited",
			"sourceCollection":   "bad.collection!",
		},
		tenantHeaders())

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJobReturnsNotFoundForUnknownID(t *testing.T) {
	s := newTestServer(newFakeJobStore(), newFakeScheduleStore(), &fakePublisher{}, &fakeDownloader{})
	router := s.Router()

	rec := doRequest(t, router, http.MethodGet, "/jobs/"+primitive.NewObjectID().Hex(), nil, tenantHeaders())
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobReturnsStoredJobScopedToTenant(t *testing.T) {
	jobs := newFakeJobStore()
	job := &model.ReportJob{ID: primitive.NewObjectID(), TenantID: "tenant-1", Status: model.JobRunning}
	jobs.jobs[job.ID] = job

	s := newTestServer(jobs, newFakeScheduleStore(), &fakePublisher{}, &fakeDownloader{})
	router := s.Router()

	rec := doRequest(t, router, http.MethodGet, "/jobs/"+job.ID.Hex(), nil, tenantHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	rec2 := doRequest(t, router, http.MethodGet, "/jobs/"+job.ID.Hex(), nil,
		map[string]string{"X-API-Key": "secret", "X-Tenant-Id": "other-tenant"})
	require.Equal(t, http.StatusNotFound, rec2.Code)
}

func TestDownloadJobReportsUnavailableReasonWhenArtifactNotReady(t *testing.T) {
	jobs := newFakeJobStore()
	job := &model.ReportJob{ID: primitive.NewObjectID(), TenantID: "tenant-1", Status: model.JobRunning}
	jobs.jobs[job.ID] = job

	s := newTestServer(jobs, newFakeScheduleStore(), &fakePublisher{}, &fakeDownloader{})
	router := s.Router()

	rec := doRequest(t, router, http.MethodGet, "/jobs/"+job.ID.Hex()+"/download", nil, tenantHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, false, out["available"])
	require.Equal(t, model.ReasonPending, out["reason"])
}

func TestDownloadJobReturnsSignedURLWhenAvailable(t *testing.T) {
	jobs := newFakeJobStore()
	job := &model.ReportJob{
		ID: primitive.NewObjectID(), TenantID: "tenant-1", Status: model.JobUploaded,
		Artifact: model.ArtifactDescriptor{Available: true, Mode: model.ArtifactModeCloud, Key: "k"},
	}
	jobs.jobs[job.ID] = job

	s := newTestServer(jobs, newFakeScheduleStore(), &fakePublisher{}, &fakeDownloader{url: "https://example.test/signed", ok: true})
	router := s.Router()

	rec := doRequest(t, router, http.MethodGet, "/jobs/"+job.ID.Hex()+"/download", nil, tenantHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, true, out["available"])
	require.Equal(t, "https://example.test/signed", out["url"])
}

func TestCreateScheduleComputesNextRunAtWhenEnabled(t *testing.T) {
	scheds := newFakeScheduleStore()
	s := newTestServer(newFakeJobStore(), scheds, &fakePublisher{}, &fakeDownloader{})
	router := s.Router()

	rec := doRequest(t, router, http.MethodPost, "/schedules",
		map[string]interface{}{
			"name":               "daily",
			"cron":               "0 9 * * *",
			"timezone":           "UTC",
			"reportDefinitionId": "def-1",
			"format":             "delimited",
		},
		tenantHeaders())

	require.Equal(t, http.StatusCreated, rec.Code)
	var sched model.Schedule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sched))
	require.True(t, sched.Enabled)
	require.False(t, sched.NextRunAt.IsZero())
}

func TestCreateScheduleRejectsInvalidCron(t *testing.T) {
	s := newTestServer(newFakeJobStore(), newFakeScheduleStore(), &fakePublisher{}, &fakeDownloader{})
	router := s.Router()

	rec := doRequest(t, router, http.MethodPost, "/schedules",
		map[string]interface{}{
			"name":               "daily",
			"cron":               "nonsense",
			"reportDefinitionId": "def-1",
			"format":             "delimited",
		},
		tenantHeaders())

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPatchScheduleDisablingClearsNextRunRecompute(t *testing.T) {
	scheds := newFakeScheduleStore()
	sched := &model.Schedule{
		ID: primitive.NewObjectID(), TenantID: "tenant-1", Name: "daily",
		Cron: "0 9 * * *", Timezone: "UTC", Enabled: true,
		ReportDefID: "def-1", Format: model.FormatDelimited,
	}
	scheds.schedules[sched.ID] = sched

	s := newTestServer(newFakeJobStore(), scheds, &fakePublisher{}, &fakeDownloader{})
	router := s.Router()

	rec := doRequest(t, router, http.MethodPatch, "/schedules/"+sched.ID.Hex(),
		map[string]interface{}{"enabled": false}, tenantHeaders())

	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, scheds.schedules[sched.ID].Enabled)
}

func TestRateLimitThrottlesExcessRequestsPerTenant(t *testing.T) {
	jobs := newFakeJobStore()
	gin.SetMode(gin.TestMode)
	s := &Server{
		Cfg:       Config{RateLimitRPS: 1, RateLimitBurst: 1},
		Jobs:      jobs,
		Schedules: newFakeScheduleStore(),
		Queue:     &fakePublisher{},
		Storage:   &fakeDownloader{},
	}
	router := s.Router()

	body := map[string]interface{}{"reportDefinitionId": "def-1", "format": "delimited"}
	first := doRequest(t, router, http.MethodPost, "/jobs", body, tenantHeaders())
	second := doRequest(t, router, http.MethodPost, "/jobs", body, tenantHeaders())

	require.Equal(t, http.StatusAccepted, first.Code)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
}
