package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"harvest/internal/config"
	"harvest/internal/health"
	"harvest/internal/jobs"
	"harvest/internal/model"
)

type fakeController struct {
	job    model.Job
	snap   health.Snapshot
	err    error
	items  []string
	lastID uuid.UUID
	lastOp string
	calls  int
}

func (f *fakeController) record(op string, id uuid.UUID) {
	f.lastOp, f.lastID = op, id
	f.calls++
}

func (f *fakeController) Start(_ context.Context, items []string) (model.Job, error) {
	f.record("start", uuid.Nil)
	f.items = items
	return f.job, f.err
}

func (f *fakeController) Resume(_ context.Context, id uuid.UUID) (model.Job, error) {
	f.record("resume", id)
	return f.job, f.err
}

func (f *fakeController) Pause(_ context.Context, id uuid.UUID) (model.Job, error) {
	f.record("pause", id)
	return f.job, f.err
}

func (f *fakeController) Stop(_ context.Context, id uuid.UUID) (model.Job, error) {
	f.record("stop", id)
	return f.job, f.err
}

func (f *fakeController) Job(_ context.Context, id uuid.UUID) (model.Job, error) {
	f.record("job", id)
	return f.job, f.err
}

func (f *fakeController) Status(_ context.Context, id uuid.UUID) (health.Snapshot, error) {
	f.record("status", id)
	return f.snap, f.err
}

func testServerConfig() *config.Config {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	return cfg
}

func doRequest(t *testing.T, s *Server, method, path, body string, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func TestStartJob_Accepted(t *testing.T) {
	id := uuid.New()
	ctrl := &fakeController{job: model.Job{ID: id, Status: model.JobPending, TotalItems: 2}}
	s := NewServer(testServerConfig(), ctrl, nil)

	resp, body := doRequest(t, s, http.MethodPost, "/v1/jobs", `{"items":["a","b"]}`, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.StatusCode, body)
	}
	var out JobResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Success || out.Job.ID != id || out.Job.TotalItems != 2 {
		t.Errorf("unexpected response %+v", out)
	}
	if len(ctrl.items) != 2 || ctrl.items[1] != "b" {
		t.Errorf("controller got items %v", ctrl.items)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Errorf("expected a request id header")
	}
}

func TestStartJob_BadBodies(t *testing.T) {
	ctrl := &fakeController{}
	s := NewServer(testServerConfig(), ctrl, nil)

	for _, body := range []string{`{"items":[]}`, `{not json`} {
		resp, data := doRequest(t, s, http.MethodPost, "/v1/jobs", body, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: expected 400, got %d: %s", body, resp.StatusCode, data)
		}
	}
	if ctrl.calls != 0 {
		t.Errorf("controller must not be called for bad bodies, got %d calls", ctrl.calls)
	}
}

func TestJobErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: x", jobs.ErrJobActive), http.StatusConflict, "JOB_ACTIVE"},
		{jobs.ErrJobNotFound, http.StatusNotFound, "NOT_FOUND"},
		{jobs.ErrNotResumable, http.StatusConflict, "NOT_RESUMABLE"},
		{jobs.ErrNoActiveJob, http.StatusConflict, "NO_ACTIVE_JOB"},
		{jobs.ErrNoItems, http.StatusBadRequest, "BAD_REQUEST"},
		{jobs.ErrInvalidConfig, http.StatusUnprocessableEntity, "INVALID_CONFIG"},
		{jobs.ErrPersistence, http.StatusServiceUnavailable, "PERSISTENCE_ERROR"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		s := NewServer(testServerConfig(), &fakeController{err: tc.err}, nil)
		resp, body := doRequest(t, s, http.MethodPost, "/v1/jobs", `{"items":["a"]}`, nil)
		if resp.StatusCode != tc.status {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.status, resp.StatusCode)
			continue
		}
		var out ErrorResponse
		if err := json.Unmarshal(body, &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if out.Success || out.Code != tc.code {
			t.Errorf("%v: unexpected envelope %+v", tc.err, out)
		}
	}
}

func TestControlRoutesPassJobID(t *testing.T) {
	id := uuid.New()
	ctrl := &fakeController{job: model.Job{ID: id}}
	s := NewServer(testServerConfig(), ctrl, nil)

	cases := []struct {
		method, path, op string
		want             uuid.UUID
	}{
		{http.MethodGet, "/v1/jobs/" + id.String(), "job", id},
		{http.MethodPost, "/v1/jobs/" + id.String() + "/pause", "pause", id},
		{http.MethodPost, "/v1/jobs/" + id.String() + "/resume", "resume", id},
		{http.MethodPost, "/v1/jobs/" + id.String() + "/stop", "stop", id},
		{http.MethodGet, "/v1/jobs/" + id.String() + "/health", "status", id},
		{http.MethodPost, "/v1/jobs/current/pause", "pause", uuid.Nil},
	}
	for _, tc := range cases {
		resp, body := doRequest(t, s, tc.method, tc.path, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s %s: expected 200, got %d: %s", tc.method, tc.path, resp.StatusCode, body)
			continue
		}
		if ctrl.lastOp != tc.op || ctrl.lastID != tc.want {
			t.Errorf("%s %s: controller saw %s(%s), want %s(%s)", tc.method, tc.path, ctrl.lastOp, ctrl.lastID, tc.op, tc.want)
		}
	}
}

func TestInvalidJobID(t *testing.T) {
	ctrl := &fakeController{}
	s := NewServer(testServerConfig(), ctrl, nil)

	resp, _ := doRequest(t, s, http.MethodPost, "/v1/jobs/not-a-uuid/stop", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if ctrl.calls != 0 {
		t.Errorf("controller must not be called for a bad id")
	}
}

func TestHealth_PrefersPublishedSnapshot(t *testing.T) {
	ctrl := &fakeController{snap: health.Snapshot{Status: health.Stopped}}
	sink := health.NewMemorySink()
	s := NewServer(testServerConfig(), ctrl, nil, WithHealthSink(sink))

	_, body := doRequest(t, s, http.MethodGet, "/v1/health", "", nil)
	var out HealthResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Health.Status != health.Stopped || ctrl.lastOp != "status" {
		t.Errorf("expected computed snapshot before anything is published, got %+v", out.Health)
	}

	_ = sink.Publish(context.Background(), health.Snapshot{Status: health.Degraded, GeneratedAt: time.Now()})
	ctrl.lastOp = ""
	_, body = doRequest(t, s, http.MethodGet, "/v1/health", "", nil)
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Health.Status != health.Degraded || ctrl.lastOp != "" {
		t.Errorf("expected published snapshot, got %+v (controller op %q)", out.Health, ctrl.lastOp)
	}
}

func TestAuthMiddleware(t *testing.T) {
	cfg := testServerConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.APIKeys = []string{"secret-key"}
	s := NewServer(cfg, &fakeController{}, nil)

	cases := []struct {
		header map[string]string
		status int
	}{
		{nil, http.StatusUnauthorized},
		{map[string]string{"Authorization": "Basic abc"}, http.StatusUnauthorized},
		{map[string]string{"Authorization": "Bearer wrong"}, http.StatusUnauthorized},
		{map[string]string{"Authorization": "Bearer secret-key"}, http.StatusOK},
	}
	for _, tc := range cases {
		resp, _ := doRequest(t, s, http.MethodGet, "/v1/health", "", tc.header)
		if resp.StatusCode != tc.status {
			t.Errorf("headers %v: expected %d, got %d", tc.header, tc.status, resp.StatusCode)
		}
	}

	// Operational endpoints stay open.
	resp, _ := doRequest(t, s, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected /healthz to skip auth, got %d", resp.StatusCode)
	}
}

func TestLocalRateLimit(t *testing.T) {
	cfg := testServerConfig()
	cfg.RateLimit.DefaultPerMinute = 2
	s := NewServer(cfg, &fakeController{}, nil)

	for i := 0; i < 2; i++ {
		if resp, _ := doRequest(t, s, http.MethodGet, "/v1/health", "", nil); resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.StatusCode)
		}
	}
	resp, body := doRequest(t, s, http.MethodGet, "/v1/health", "", nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "RATE_LIMIT_EXCEEDED") {
		t.Errorf("unexpected body %s", body)
	}
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestHealthz_Deep(t *testing.T) {
	s := NewServer(testServerConfig(), &fakeController{}, nil, WithDatabase(fakePinger{}))
	resp, body := doRequest(t, s, http.MethodGet, "/healthz?deep=true", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"db":"ok"`) {
		t.Fatalf("expected healthy deep check, got %d %s", resp.StatusCode, body)
	}

	s = NewServer(testServerConfig(), &fakeController{}, nil, WithDatabase(fakePinger{err: errors.New("down")}))
	resp, body = doRequest(t, s, http.MethodGet, "/healthz?deep=true", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable || !strings.Contains(string(body), `"db":"error"`) {
		t.Fatalf("expected failing deep check, got %d %s", resp.StatusCode, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := NewServer(testServerConfig(), &fakeController{}, nil)
	doRequest(t, s, http.MethodGet, "/v1/health", "", nil)

	resp, body := doRequest(t, s, http.MethodGet, "/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "harvest_") {
		t.Errorf("expected harvest metrics, got %q", body)
	}
}
