package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Yukselcsgn/dynamic-web-scraper/internal/clock"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/config"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/coordinator"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/crawler"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/queue"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/storage/memory"
)

type testEnv struct {
	server *Server
	queue  *queue.Queue
	store  *toggleStore
	clock  *clock.Manual
}

func newTestEnv(t *testing.T, cfg config.Config, pool PoolService) *testEnv {
	t.Helper()
	store := &toggleStore{JobStore: memory.NewJobStore()}
	clk := clock.NewManual(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	q, err := queue.Open(context.Background(), store, queue.Options{Clock: clk, IDs: &fakeIDGen{}})
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return &testEnv{
		server: NewServer(q, pool, cfg, zap.NewNop()),
		queue:  q,
		store:  store,
		clock:  clk,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type jobEnvelope struct {
	Job   crawler.Job `json:"job"`
	Ready bool        `json:"ready"`
}

func TestServer_SubmitJob_Succeeds(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	rec := env.do(t, http.MethodPost, "/v1/jobs",
		`{"url":"https://example.com","priority":"URGENT","tags":["prices"],"config":{"headless":true}}`)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[map[string]string](t, rec)
	require.Equal(t, "job-1", resp["job_id"])

	job, err := env.queue.LookupJob("job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.PriorityUrgent, job.Priority)
	require.Equal(t, crawler.JobStatusPending, job.Status)
	require.Equal(t, true, job.Config["headless"])
	require.Equal(t, []string{"prices"}, job.Tags)
}

func TestServer_SubmitJob_Rejections(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	cases := map[string]string{
		"invalid json":     "{invalid",
		"missing url":      `{"url":""}`,
		"unknown priority": `{"url":"https://x","priority":"asap"}`,
		"negative retries": `{"url":"https://x","max_retries":-1}`,
		"unknown field":    `{"url":"https://x","depth":3}`,
	}
	for name, body := range cases {
		rec := env.do(t, http.MethodPost, "/v1/jobs", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
	require.Zero(t, env.queue.Stats().Total)
}

func TestServer_SubmitBatch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	rec := env.do(t, http.MethodPost, "/v1/jobs/batch",
		`{"jobs":[{"url":"https://a.example"},{"url":"https://b.example","priority":"low"}]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[map[string][]string](t, rec)
	require.Equal(t, []string{"job-1", "job-2"}, resp["job_ids"])

	rec = env.do(t, http.MethodPost, "/v1/jobs/batch", `{"jobs":[{"url":"https://c.example"},{"url":""}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, "/v1/jobs/batch", `{"jobs":[]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, 2, env.queue.Stats().Total)
}

func TestServer_GetJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	id, err := env.queue.AddJob(context.Background(), crawler.NewJob{URL: "https://example.com"})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/v1/jobs/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, id, decode[jobEnvelope](t, rec).Job.ID)

	rec = env.do(t, http.MethodGet, "/v1/jobs/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_GetJobResult(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{Server: config.ServerConfig{MaxResultWait: time.Second}}, nil)
	ctx := context.Background()
	id, err := env.queue.AddJob(ctx, crawler.NewJob{URL: "https://example.com"})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/v1/jobs/"+id+"/result", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.False(t, decode[jobEnvelope](t, rec).Ready)

	rec = env.do(t, http.MethodGet, "/v1/jobs/"+id+"/result?wait=20ms", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	job, err := env.queue.NextJob(ctx, "w1", 0)
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = env.queue.CompleteJob(ctx, job.ID, "w1", json.RawMessage(`{"title":"Example"}`))
	}()

	rec = env.do(t, http.MethodGet, "/v1/jobs/"+id+"/result?wait=5s", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[jobEnvelope](t, rec)
	require.True(t, got.Ready)
	require.Equal(t, crawler.JobStatusCompleted, got.Job.Status)
	require.JSONEq(t, `{"title":"Example"}`, string(got.Job.Result))

	rec = env.do(t, http.MethodGet, "/v1/jobs/"+id+"/result?wait=soon", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodGet, "/v1/jobs/missing/result?wait=10ms", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CancelJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	id, err := env.queue.AddJob(context.Background(), crawler.NewJob{URL: "https://example.com"})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/v1/jobs/"+id+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, string(crawler.JobStatusCancelled), decode[map[string]string](t, rec)["status"])

	rec = env.do(t, http.MethodPost, "/v1/jobs/"+id+"/cancel", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	rec = env.do(t, http.MethodPost, "/v1/jobs/missing/cancel", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListJobs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := env.queue.AddJob(ctx, crawler.NewJob{URL: fmt.Sprintf("https://example.com/%d", i)})
		require.NoError(t, err)
		env.clock.Advance(time.Second)
	}
	_, err := env.queue.CancelJob(ctx, "job-2")
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/v1/jobs?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string][]crawler.Job](t, rec)["jobs"]
	require.Len(t, list, 2)
	require.Equal(t, "job-1", list[0].ID)
	require.Equal(t, "job-3", list[1].ID)

	rec = env.do(t, http.MethodGet, "/v1/jobs?limit=1", "")
	require.Len(t, decode[map[string][]crawler.Job](t, rec)["jobs"], 1)

	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/jobs?status=done", "").Code)
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/jobs?limit=0", "").Code)
}

func TestServer_PurgeJobs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	ctx := context.Background()
	id, err := env.queue.AddJob(ctx, crawler.NewJob{URL: "https://example.com"})
	require.NoError(t, err)
	_, err = env.queue.CancelJob(ctx, id)
	require.NoError(t, err)
	env.clock.Advance(2 * time.Hour)

	rec := env.do(t, http.MethodDelete, "/v1/jobs?older_than=3h", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 0, decode[map[string]int](t, rec)["purged"])

	rec = env.do(t, http.MethodDelete, "/v1/jobs?older_than=1h", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, decode[map[string]int](t, rec)["purged"])

	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodDelete, "/v1/jobs?older_than=-1h", "").Code)
}

func TestServer_Stats(t *testing.T) {
	t.Parallel()

	pool := &fakePool{stats: coordinator.PoolStats{Running: true, Size: 3, Idle: 3}}
	env := newTestEnv(t, config.Config{}, pool)
	_, err := env.queue.AddJob(context.Background(), crawler.NewJob{URL: "https://example.com", Priority: crawler.PriorityHigh})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[crawler.QueueStats](t, rec)
	require.Equal(t, 1, stats.Total)
	require.Equal(t, 1, stats.ByStatus[crawler.JobStatusPending])
	require.Equal(t, 1, stats.PendingByPrio["high"])

	rec = env.do(t, http.MethodGet, "/v1/pool/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 3, decode[coordinator.PoolStats](t, rec).Size)

	noPool := newTestEnv(t, config.Config{}, nil)
	require.Equal(t, http.StatusServiceUnavailable, noPool.do(t, http.MethodGet, "/v1/pool/stats", "").Code)
}

func TestServer_ReadyzReflectsPersistence(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/readyz", "").Code)

	env.store.fail.Store(true)
	rec := env.do(t, http.MethodPost, "/v1/jobs", `{"url":"https://example.com"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/readyz", "").Code)

	env.store.fail.Store(false)
	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/v1/jobs", `{"url":"https://example.com"}`).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/readyz", "").Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "").Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	env := newTestEnv(t, cfg, nil)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/v1/stats", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/stats?api_key=secret", "").Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	env.do(t, http.MethodGet, "/healthz", "")
	rec := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `scraper_api_requests_total{class="2xx",method="GET",route="/healthz"}`)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	rec := env.do(t, http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "caller-id", rec.Header().Get("X-Request-ID"))
}

func TestStatusForMapsErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", crawler.ErrValidation), http.StatusBadRequest},
		{crawler.ErrNotFound, http.StatusNotFound},
		{crawler.ErrInvalidState, http.StatusConflict},
		{crawler.ErrPersistence, http.StatusServiceUnavailable},
		{crawler.ErrQueueClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type fakeIDGen struct {
	mu sync.Mutex
	n  int
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return fmt.Sprintf("job-%d", f.n), nil
}

type toggleStore struct {
	*memory.JobStore
	fail atomic.Bool
}

func (s *toggleStore) SaveJob(ctx context.Context, job crawler.Job) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	return s.JobStore.SaveJob(ctx, job)
}

type fakePool struct {
	stats coordinator.PoolStats
}

func (p *fakePool) Stats() coordinator.PoolStats {
	return p.stats
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client == nil {
		return nil
	}
	return h.client.Close()
}
