package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/dbmplus/dbmorc/internal/ingest"
	"github.com/dbmplus/dbmorc/pkg/catalog"
	"github.com/dbmplus/dbmorc/pkg/errors"
	"github.com/dbmplus/dbmorc/pkg/eventbus"
	"github.com/dbmplus/dbmorc/pkg/taskengine"
	"github.com/dbmplus/dbmorc/pkg/types"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type okRunnable struct{}

func (okRunnable) Run(ctx context.Context) (bool, string) { return true, "done" }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	bus := eventbus.New(testLogger())
	t.Cleanup(bus.Close)
	cat := catalog.New(testLogger(), filepath.Join(t.TempDir(), "catalog.json"))
	engine := taskengine.New(testLogger(), bus, t.TempDir())
	engine.RegisterRunnable(types.TaskMoveFiles, func(task *types.ProcessingTask) (taskengine.Runnable, *errors.AppError) {
		return okRunnable{}, nil
	})
	ic := ingest.New(testLogger(), bus, cat, engine, func() int { return 2 }, func(path string) (string, string, string, string, bool) {
		return "", "", "", "", false
	})

	return New(testLogger(), "127.0.0.1:0", cat, engine, ic, bus, nil)
}

// TestHandleHealthzReportsQueueDepth tests the health endpoint's shape.
func TestHandleHealthzReportsQueueDepth(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.handleHealthz(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["ingest_queue"])
}

// TestHandleCreateTaskRejectsInvalidBody tests the malformed-JSON guard.
func TestHandleCreateTaskRejectsInvalidBody(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewBufferString("not json"))
	rec := httptest.NewRecorder()
	s.handleCreateTask(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestHandleCreateTaskRejectsUnknownKind tests that an unregistered task
// kind surfaces as a 400 rather than a panic.
func TestHandleCreateTaskRejectsUnknownKind(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(createTaskRequest{Kind: types.TaskBasemap, ProductID: "P1", LotID: "L1"})
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleCreateTask(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestHandleCreateTaskAcceptsRegisteredKind tests the happy path end to
// end, including the 202 status and a task id in the response body.
func TestHandleCreateTaskAcceptsRegisteredKind(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(createTaskRequest{Kind: types.TaskMoveFiles, ProductID: "P1", LotID: "L1", Station: "ST1", ComponentID: "C001"})
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleCreateTask(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["task_id"])
}

// TestHandleCreateTaskWithNilLimiterNeverBlocks tests that a server
// built with rate limiting disabled never rejects on the limiter path.
func TestHandleCreateTaskWithNilLimiterNeverBlocks(t *testing.T) {
	s := newTestServer(t)
	require.Nil(t, s.limiter)
	body, _ := json.Marshal(createTaskRequest{Kind: types.TaskMoveFiles, ProductID: "P1", LotID: "L1"})
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleCreateTask(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

// TestHandleGetTaskNotFound tests the 404 path for an unknown task id.
func TestHandleGetTaskNotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/tasks/missing", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "missing"})
	rec := httptest.NewRecorder()
	s.handleGetTask(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
