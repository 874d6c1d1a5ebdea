package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/TobiSchelling/GapFinder/internal/jobs"
	"github.com/TobiSchelling/GapFinder/internal/metrics"
	"github.com/TobiSchelling/GapFinder/internal/report"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeService keeps jobs in a map and records the last submission.
type fakeService struct {
	jobs       map[string]*jobs.AnalysisJob
	submitted  *jobs.SubmitRequest
	coalesce   bool
	submitErr  error
	requeueErr error
}

func newFake() *fakeService {
	return &fakeService{jobs: make(map[string]*jobs.AnalysisJob)}
}

func (f *fakeService) Submit(_ context.Context, req jobs.SubmitRequest) (*jobs.AnalysisJob, bool, error) {
	if f.submitErr != nil {
		return nil, false, f.submitErr
	}
	f.submitted = &req
	j := &jobs.AnalysisJob{AccessKey: "key-1", ChannelID: req.ChannelID, Phase: jobs.PhaseQueued}
	f.jobs[j.AccessKey] = j
	return j, f.coalesce, nil
}

func (f *fakeService) Status(_ context.Context, key string) (*jobs.AnalysisJob, error) {
	j, ok := f.jobs[key]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return j, nil
}

func (f *fakeService) Report(ctx context.Context, key string) (*report.Report, error) {
	j, err := f.Status(ctx, key)
	if err != nil {
		return nil, err
	}
	if j.Phase != jobs.PhaseCompleted {
		return nil, fmt.Errorf("%w: job is %s", jobs.ErrNotReady, j.Phase)
	}
	return j.Result, nil
}

func (f *fakeService) Requeue(ctx context.Context, key string) (*jobs.AnalysisJob, error) {
	if f.requeueErr != nil {
		return nil, f.requeueErr
	}
	j, err := f.Status(ctx, key)
	if err != nil {
		return nil, err
	}
	j.Phase = jobs.PhaseQueued
	j.Stuck = false
	return j, nil
}

func (f *fakeService) List(context.Context, int) ([]*jobs.AnalysisJob, error) {
	out := make([]*jobs.AnalysisJob, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

func newTestServer(t *testing.T, svc Service) *Server {
	t.Helper()
	srv, err := New(svc, metrics.New(), Options{CORSOrigins: []string{"http://localhost:3000"}}, nil)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return srv
}

func do(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var env struct {
		Error errorBody `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding error envelope: %v (%s)", err, rec.Body.String())
	}
	return env.Error
}

func completedJob() *jobs.AnalysisJob {
	return &jobs.AnalysisJob{
		AccessKey: "done",
		ChannelID: "UCdone",
		Phase:     jobs.PhaseCompleted,
		Progress:  100,
		UpdatedAt: time.Now(),
		Result: report.Build(report.Input{
			ChannelID:   "UCdone",
			RawComments: 200,
			HighSignal:  40,
			Candidates:  5,
			GeneratedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		}),
	}
}

func TestSubmitAccepted(t *testing.T) {
	svc := newFake()
	srv := newTestServer(t, svc)

	rec := do(srv, http.MethodPost, "/api/v1/jobs",
		`{"channel_identifier":"UC123","requesting_email":"a@example.com","video_sample_size":5}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp submitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.AccessKey != "key-1" || resp.Status != jobs.StatusQueued || resp.Coalesced {
		t.Errorf("unexpected response: %+v", resp)
	}
	if svc.submitted == nil || svc.submitted.ChannelID != "UC123" || svc.submitted.VideoSampleSize != 5 {
		t.Errorf("unexpected submission: %+v", svc.submitted)
	}
}

func TestSubmitCoalesced(t *testing.T) {
	svc := newFake()
	svc.coalesce = true
	srv := newTestServer(t, svc)

	rec := do(srv, http.MethodPost, "/api/v1/jobs",
		`{"channel_identifier":"UC123","requesting_email":"a@example.com"}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"coalesced":true`) {
		t.Errorf("expected coalesced flag, got %s", rec.Body.String())
	}
}

func TestSubmitValidation(t *testing.T) {
	srv := newTestServer(t, newFake())

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing channel", `{"requesting_email":"a@example.com"}`, "channel_identifier"},
		{"bad email", `{"channel_identifier":"UC1","requesting_email":"nope"}`, "requesting_email"},
		{"sample too large", `{"channel_identifier":"UC1","requesting_email":"a@example.com","video_sample_size":500}`, "video_sample_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(srv, http.MethodPost, "/api/v1/jobs", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			e := decodeError(t, rec)
			if e.Code != "invalid_request" {
				t.Errorf("expected invalid_request, got %q", e.Code)
			}
			if !strings.Contains(e.Message, tt.field) {
				t.Errorf("expected message to name %s, got %q", tt.field, e.Message)
			}
		})
	}
}

func TestSubmitMalformedBody(t *testing.T) {
	srv := newTestServer(t, newFake())
	rec := do(srv, http.MethodPost, "/api/v1/jobs", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if e := decodeError(t, rec); e.Message != "malformed request body" {
		t.Errorf("unexpected message %q", e.Message)
	}
}

func TestSubmitServiceRejection(t *testing.T) {
	svc := newFake()
	svc.submitErr = fmt.Errorf("%w: bad channel", jobs.ErrInvalidRequest)
	srv := newTestServer(t, svc)

	rec := do(srv, http.MethodPost, "/api/v1/jobs",
		`{"channel_identifier":"UC1","requesting_email":"a@example.com"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	svc := newFake()
	svc.jobs["k"] = &jobs.AnalysisJob{
		AccessKey: "k",
		ChannelID: "UC1",
		Phase:     jobs.PhaseVerifying,
		Progress:  50,
		Stuck:     true,
		Reason:    "timed out after 30m0s",
	}
	srv := newTestServer(t, svc)

	rec := do(srv, http.MethodGet, "/api/v1/jobs/k", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Phase != jobs.PhaseVerifying || resp.ProgressPercent != 50 || resp.Status != jobs.StatusProcessing {
		t.Errorf("unexpected status: %+v", resp)
	}
	if !resp.Stuck || resp.Reason == "" {
		t.Errorf("expected stuck job with reason, got %+v", resp)
	}
}

func TestStatusNotFound(t *testing.T) {
	srv := newTestServer(t, newFake())
	rec := do(srv, http.MethodGet, "/api/v1/jobs/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if e := decodeError(t, rec); e.Code != "not_found" {
		t.Errorf("expected not_found, got %q", e.Code)
	}
}

func TestReportShape(t *testing.T) {
	svc := newFake()
	svc.jobs["done"] = completedJob()
	srv := newTestServer(t, svc)

	rec := do(srv, http.MethodGet, "/api/v1/jobs/done/report", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	for _, key := range []string{"pipeline", "top_opportunity", "content_gaps", "already_covered", "videos_analyzed", "metadata"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("report missing key %q", key)
		}
	}
	if !strings.Contains(string(raw["pipeline"]), `"raw_comments":200`) {
		t.Errorf("unexpected pipeline block: %s", raw["pipeline"])
	}
}

func TestReportNotReady(t *testing.T) {
	svc := newFake()
	svc.jobs["k"] = &jobs.AnalysisJob{AccessKey: "k", Phase: jobs.PhaseScoring}
	srv := newTestServer(t, svc)

	rec := do(srv, http.MethodGet, "/api/v1/jobs/k/report", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if e := decodeError(t, rec); e.Code != "not_ready" {
		t.Errorf("expected not_ready, got %q", e.Code)
	}
}

func TestRequeue(t *testing.T) {
	svc := newFake()
	svc.jobs["k"] = &jobs.AnalysisJob{AccessKey: "k", Phase: jobs.PhaseFailed, Reason: "ingestion failed"}
	srv := newTestServer(t, svc)

	rec := do(srv, http.MethodPost, "/api/v1/jobs/k/requeue", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"Queued"`) {
		t.Errorf("expected queued status, got %s", rec.Body.String())
	}
}

func TestRequeueConflicts(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{jobs.ErrAlreadyRunning, "already_running"},
		{fmt.Errorf("%w: job is Completed", jobs.ErrNotRequeueable), "not_requeueable"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			svc := newFake()
			svc.requeueErr = tt.err
			srv := newTestServer(t, svc)

			rec := do(srv, http.MethodPost, "/api/v1/jobs/k/requeue", "")
			if rec.Code != http.StatusConflict {
				t.Fatalf("expected 409, got %d", rec.Code)
			}
			if e := decodeError(t, rec); e.Code != tt.code {
				t.Errorf("expected %s, got %q", tt.code, e.Code)
			}
		})
	}
}

func TestListJobs(t *testing.T) {
	svc := newFake()
	svc.jobs["done"] = completedJob()
	srv := newTestServer(t, svc)

	rec := do(srv, http.MethodGet, "/api/v1/jobs?limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"access_key":"done"`) {
		t.Errorf("expected job in list, got %s", rec.Body.String())
	}

	rec = do(srv, http.MethodGet, "/api/v1/jobs?limit=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestIndexPage(t *testing.T) {
	svc := newFake()
	svc.jobs["done"] = completedJob()
	srv := newTestServer(t, svc)

	rec := do(srv, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "UCdone") || !strings.Contains(body, "/jobs/done") {
		t.Error("expected job link on index page")
	}
}

func TestJobPageRendersReport(t *testing.T) {
	svc := newFake()
	svc.jobs["done"] = completedJob()
	srv := newTestServer(t, svc)

	rec := do(srv, http.MethodGet, "/jobs/done", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<h1>Content gaps for UCdone</h1>") {
		t.Errorf("expected rendered report heading, got %s", body)
	}
}

func TestJobPageNotFound(t *testing.T) {
	srv := newTestServer(t, newFake())
	rec := do(srv, http.MethodGet, "/jobs/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Job not found") {
		t.Error("expected not-found page")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, newFake())

	rec := do(srv, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("unexpected health response: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(srv, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "gapfinder_jobs_submitted_total") {
		t.Error("expected gapfinder metrics in exposition")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	srv := newTestServer(t, newFake())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, "127.0.0.1", 0) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestCORSAllowedOrigin(t *testing.T) {
	srv := newTestServer(t, newFake())

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/jobs", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("expected allowed origin header, got %q", got)
	}
}

func TestCORSDisabledByDefault(t *testing.T) {
	srv, err := New(newFake(), nil, Options{}, nil)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected no CORS header, got %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
