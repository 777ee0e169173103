package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pedroluizchagas/celebra-capital-sub002/internal/cache"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/clock"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/config"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/connectivity"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/db"
	apperrors "github.com/pedroluizchagas/celebra-capital-sub002/internal/errors"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/events"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/intercept"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/logging"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/models"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/remote"
	syncpkg "github.com/pedroluizchagas/celebra-capital-sub002/internal/sync"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/telemetry"
)

var epoch = time.UnixMilli(1772366400000).UTC()

func init() {
	gin.SetMode(gin.TestMode)
}

// api is the remote API; it accepts every submission.
type api struct {
	*httptest.Server
	mu    sync.Mutex
	paths []string
}

func newAPI(t *testing.T) *api {
	t.Helper()
	a := &api{}
	a.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		a.paths = append(a.paths, r.Method+" "+r.URL.Path)
		a.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"srv-1"}`)
	}))
	t.Cleanup(a.Close)
	return a
}

func (a *api) calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.paths...)
}

type fixture struct {
	router  *gin.Engine
	api     *api
	store   *db.Store
	orch    *syncpkg.Orchestrator
	coord   *connectivity.Coordinator
	wakeups *connectivity.WakeupScheduler
	worker  *intercept.Worker
	metrics *telemetry.Registry
	events  *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		api:     newAPI(t),
		metrics: telemetry.NewRegistry(),
		events:  &events.Recorder{},
	}
	cfg := config.Default()
	cfg.Origin = f.api.URL
	clk := clock.Fake(epoch)
	log := logging.Discard()

	store, err := db.OpenStore(t.TempDir(), db.Options{Clock: clk, Logger: log})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	f.store = store

	client, err := remote.New(f.api.URL, 5*time.Second, log)
	require.NoError(t, err)

	f.orch, err = syncpkg.New(syncpkg.Options{
		Config:            cfg.Sync,
		ProposalsEndpoint: cfg.API.ProposalsEndpoint,
		Store:             store,
		Remote:            client,
		Clock:             clk,
		Events:            f.events,
		Logger:            log,
	})
	require.NoError(t, err)

	f.wakeups = connectivity.NewWakeupScheduler(cfg.Connectivity, clk, log)
	f.coord = connectivity.NewCoordinator(connectivity.Options{
		Config:   cfg.Connectivity,
		Features: cfg.Features,
		Drainer:  f.orch,
		Clock:    clk,
		Events:   f.events,
		Logger:   log,
	})
	t.Cleanup(f.coord.Wait)

	engine, err := cache.NewEngine(cache.Options{
		Config:  cfg.Cache,
		Shell:   cfg.Worker.ShellManifest,
		Storage: cache.NewMemoryStorage(),
		Fetcher: f.api.Client(),
		Clock:   clk,
		Events:  f.events,
		Logger:  log,
	})
	require.NoError(t, err)

	f.worker, err = intercept.NewWorker(intercept.Options{
		Config:  cfg,
		Engine:  engine,
		Sync:    f.orch,
		Fetcher: f.api.Client(),
		Clock:   clk,
		Events:  f.events,
		Logger:  log,
	})
	require.NoError(t, err)

	f.router = NewRouter(HandlerConfig{
		Sync:        f.orch,
		Coordinator: f.coord,
		Wakeups:     f.wakeups,
		Worker:      f.worker,
		Engine:      engine,
		Metrics:     f.metrics,
		Logger:      log,
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (f *fixture) goOffline(t *testing.T) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/offline/network", `{"online":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestEnqueueProposal(t *testing.T) {
	f := newFixture(t)
	f.goOffline(t)

	rec := f.do(t, http.MethodPost, "/offline/proposals", `{"id":"local_1772366400000_abcdefghi","amount":15000,"installments":24}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "local_1772366400000_abcdefghi", body["id"])
	assert.Equal(t, "proposal", body["kind"])
	meta := body["syncMetadata"].(map[string]interface{})
	assert.Equal(t, "pending", meta["status"])
	assert.EqualValues(t, 0, meta["attempts"])
	assert.Empty(t, f.api.calls())
}

func TestEnqueueProposal_validation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/offline/proposals", `{"amount":0,"installments":24}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "validation_failed", body["error"])
	fields := body["fields"].(map[string]interface{})
	assert.Contains(t, fields, "proposalRequest.ProposalRecord.Amount")

	rec = f.do(t, http.MethodPost, "/offline/proposals", `{"amount":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request_body", decode(t, rec)["error"])
}

func TestEnqueueFormAndAction(t *testing.T) {
	f := newFixture(t)
	f.goOffline(t)

	rec := f.do(t, http.MethodPost, "/offline/forms", `{"data":{"name":"Ana"},"headers":{"X-Form":"lead"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "form", decode(t, rec)["kind"])

	rec = f.do(t, http.MethodPost, "/offline/forms", `{"headers":{"X-Form":"lead"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/offline/actions", `{"action":"accept-terms","endpoint":"/api/terms/accept","body":{"version":3}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "action", decode(t, rec)["kind"])

	rec = f.do(t, http.MethodPost, "/offline/actions", `{"action":"accept-terms","endpoint":"api/terms"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/offline/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 2, body["total"])
	collections := body["collections"].(map[string]interface{})
	forms := collections[models.CollectionForms].(map[string]interface{})
	assert.EqualValues(t, 1, forms["pending"])
}

// Records queued offline are delivered when the link comes back.
func TestReconnectDrainsQueuedRecords(t *testing.T) {
	f := newFixture(t)
	f.goOffline(t)

	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/offline/proposals", `{"amount":15000,"installments":24}`).Code)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/offline/actions", `{"action":"ping","endpoint":"/api/ping"}`).Code)

	rec := f.do(t, http.MethodPost, "/offline/sync", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "NETWORK_FAILURE", decode(t, rec)["error"])

	rec = f.do(t, http.MethodPost, "/offline/network", `{"online":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["online"])
	f.coord.Wait()

	assert.ElementsMatch(t, []string{"POST /api/proposals", "POST /api/ping"}, f.api.calls())
	rec = f.do(t, http.MethodGet, "/offline/pending", "")
	assert.EqualValues(t, 0, decode(t, rec)["total"])
	assert.Len(t, f.events.Events(events.ProposalSynced), 1)
	assert.Len(t, f.events.Events(events.ActionSynced), 1)
}

func TestSyncNow(t *testing.T) {
	f := newFixture(t)
	f.goOffline(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/offline/forms", `{"data":{"a":1}}`).Code)

	f.coord.SetOnline(context.Background(), true)
	f.coord.Wait()

	rec := f.do(t, http.MethodPost, "/offline/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)
	results := decode(t, rec)["results"].([]interface{})
	assert.Len(t, results, len(models.SyncCollections))
	assert.Equal(t, []string{"POST /api/proposals"}, f.api.calls())
}

func TestRecordIntervention(t *testing.T) {
	f := newFixture(t)
	f.goOffline(t)

	rec := f.do(t, http.MethodPost, "/offline/proposals", `{"id":"p-1","amount":1000,"installments":12}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/offline/records/proposals/p-1/retry", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ILLEGAL_TRANSITION", decode(t, rec)["error"])

	rec = f.do(t, http.MethodPost, "/offline/records/proposals/missing/retry", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/offline/records/proposals/p-1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err := f.store.Get(context.Background(), models.CollectionProposals, "p-1")
	assert.Error(t, err)
}

func TestRetryFailedRecord(t *testing.T) {
	f := newFixture(t)
	f.goOffline(t)
	ctx := context.Background()

	rec, err := f.orch.EnqueueProposal(ctx, "p-2", models.ProposalRecord{Amount: 500, Installments: 6})
	require.NoError(t, err)
	rec.SyncMetadata.Status = models.StatusFailed
	rec.SyncMetadata.Attempts = 5
	require.NoError(t, f.store.Put(ctx, models.CollectionProposals, rec))

	resp := f.do(t, http.MethodPost, "/offline/records/proposals/p-2/retry", "")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	meta := decode(t, resp)["syncMetadata"].(map[string]interface{})
	assert.Equal(t, "pending", meta["status"])
}

func TestNetwork_requiresOnline(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/offline/network", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, f.coord.IsOnline())
}

func TestFeatures(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/offline/features", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["serviceWorker"])
	assert.Equal(t, true, body["offlineCapabilities"])
	assert.Equal(t, false, body["installPrompt"])
}

func TestPushAndNotificationClick(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/offline/push", `{"title":"Proposta aprovada","body":"ok","url":"/proposals/42"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Proposta aprovada", decode(t, rec)["title"])
	assert.Len(t, f.events.Events(events.NotificationShow), 1)

	rec = f.do(t, http.MethodPost, "/offline/notifications/click", `{"url":"/proposals/42"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "/proposals/42", body["url"])
	assert.Len(t, f.events.Events(events.ClientOpen), 1)

	rec = f.do(t, http.MethodGet, "/offline/clients", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var clients []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &clients))
	assert.Len(t, clients, 1)
}

func TestWakeup(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/offline/wakeup/sync-proposals", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	f.wakeups.SetHandler(f.worker.HandleSync)
	rec = f.do(t, http.MethodPost, "/offline/wakeup/sync-proposals", "")
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/offline/wakeup/sync-everything", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessages(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/offline/messages", `{"type":"GET_VERSION"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "v1", decode(t, rec)["version"])

	rec = f.do(t, http.MethodPost, "/offline/messages", `{"type":"SKIP_WAITING"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/offline/messages", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProxyFallback(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/dashboard", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"GET /dashboard"}, f.api.calls())
}

func TestStatusAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/offline/features", "")
	f.do(t, http.MethodGet, "/dashboard", "")

	assert.EqualValues(t, 1, f.metrics.Count("http.requests", map[string]string{"route": "/offline/features", "status": "200"}))
	assert.EqualValues(t, 1, f.metrics.Count("http.requests", map[string]string{"route": "proxy", "status": "200"}))

	rec := f.do(t, http.MethodGet, "/offline/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "installing", body["worker"])
	assert.Contains(t, body, "pending")
	assert.Contains(t, body, "cache")
	assert.Contains(t, body, "metrics")
	conn := body["connectivity"].(map[string]interface{})
	assert.Equal(t, true, conn["online"])
}

func TestStatusFor(t *testing.T) {
	cases := map[string]int{
		"INVALID_INPUT":      http.StatusBadRequest,
		"NOT_FOUND":          http.StatusNotFound,
		"DRAIN_IN_PROGRESS":  http.StatusConflict,
		"QUOTA_EXCEEDED":     http.StatusInsufficientStorage,
		"NETWORK_FAILURE":    http.StatusServiceUnavailable,
		"WAKEUP_UNSUPPORTED": http.StatusNotImplemented,
		"INTERNAL_ERROR":     http.StatusInternalServerError,
	}
	for code, want := range cases {
		err := apperrors.New(apperrors.ErrorCode(code), "boom")
		assert.Equal(t, want, statusFor(err), code)
	}
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.ErrUnexpectedEOF))
}
