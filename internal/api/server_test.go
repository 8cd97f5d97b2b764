package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/pkg/connector"
	"github.com/flowmesh/flowmesh/pkg/engine"
	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/store"
)

type apiEnv struct {
	router *gin.Engine
	mock   *connector.MockAdapter
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemoryStore()
	mock := connector.NewMockAdapter()
	registry := connector.NewRegistry()
	registry.Register("payments", mock)

	eng := engine.New(engine.Config{
		Store:       st,
		Invoker:     registry,
		Synchronous: true,
	})

	router := gin.New()
	NewServer(eng, st, nil, nil, 0, 0).Routes(router)
	return &apiEnv{router: router, mock: mock}
}

func (e *apiEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

const orderWorkflow = `{
	"name": "order-fulfilment",
	"steps": [
		{"id": "charge", "type": "connector", "connector": "payments", "action": "charge",
		 "input": {"amount": "{{ trigger.amount }}"}}
	]
}`

func (e *apiEnv) publish(t *testing.T, doc string) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", bytes.NewBufferString(doc))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode(t, w)["id"].(string)
}

func TestHealthz(t *testing.T) {
	env := newAPIEnv(t)
	w := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPublishStartAndGetRun(t *testing.T) {
	env := newAPIEnv(t)
	env.mock.Returns("charge", map[string]interface{}{"charge_id": "ch-1"}, nil)

	id := env.publish(t, orderWorkflow)

	w := env.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/runs", map[string]interface{}{
		"trigger": map[string]interface{}{"amount": 42},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	runID := decode(t, w)["id"].(string)

	w = env.do(t, http.MethodGet, "/api/v1/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	run := body["run"].(map[string]interface{})
	assert.Equal(t, "completed", run["status"])
	progress := body["progress"].(map[string]interface{})
	assert.Equal(t, 1.0, progress["completed"])
	assert.Equal(t, 1.0, progress["total"])
}

func TestPublishRejectsInvalidDefinition(t *testing.T) {
	env := newAPIEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows",
		bytes.NewBufferString(`{"name": "bad", "steps": [{"id": "x", "type": "teleport"}]}`))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "ValidationError", decode(t, w)["kind"])
}

func TestPublishBumpsVersion(t *testing.T) {
	env := newAPIEnv(t)
	env.publish(t, orderWorkflow)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", bytes.NewBufferString(orderWorkflow))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 2.0, decode(t, w)["version"])
}

func TestListWorkflowsAndRuns(t *testing.T) {
	env := newAPIEnv(t)
	env.mock.Returns("charge", "ok", nil)
	id := env.publish(t, orderWorkflow)

	for i := 0; i < 3; i++ {
		w := env.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/runs", nil)
		require.Equal(t, http.StatusAccepted, w.Code)
	}

	w := env.do(t, http.MethodGet, "/api/v1/workflows", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, decode(t, w)["count"])

	w = env.do(t, http.MethodGet, "/api/v1/runs?definition_id="+id+"&status=completed&limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.0, decode(t, w)["count"])

	w = env.do(t, http.MethodGet, "/api/v1/runs?limit=oops", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetUnknownIDs(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/workflows/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/workflows/a3bb189e-8bf9-3888-9912-ace4e6543002", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/runs/a3bb189e-8bf9-3888-9912-ace4e6543002", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDecisionEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	env.mock.Returns("charge", "ok", nil)

	id := env.publish(t, `{
		"name": "approval",
		"steps": [
			{"id": "sign-off", "type": "humanTask", "assignees": ["ops@example.com"]},
			{"id": "charge", "type": "connector", "connector": "payments", "action": "charge"}
		]
	}`)

	w := env.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/runs", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	runID := decode(t, w)["id"].(string)

	// step_id is required
	w = env.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/decision", map[string]interface{}{
		"approved": true,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/decision", map[string]interface{}{
		"step_id":  "sign-off",
		"approved": true,
		"form":     map[string]interface{}{"note": "ok"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/v1/runs/"+runID, nil)
	run := decode(t, w)["run"].(map[string]interface{})
	assert.Equal(t, "completed", run["status"])
}

func TestCancelEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	id := env.publish(t, `{
		"name": "waiting",
		"steps": [{"id": "hold", "type": "humanTask", "assignees": ["ops"]}]
	}`)

	w := env.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/runs", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	runID := decode(t, w)["id"].(string)

	w = env.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/runs/"+runID, nil)
	run := decode(t, w)["run"].(map[string]interface{})
	assert.Equal(t, "cancelled", run["status"])

	// cancelling a terminal run is a validation error
	w = env.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeadLetterEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	env.mock.Returns("charge", nil, models.NewConnectorError("DOWN", "down", false))

	id := env.publish(t, `{
		"name": "dlq-flow",
		"errorHandling": {"deadLetterQueue": "orders-dlq"},
		"steps": [{"id": "charge", "type": "connector", "connector": "payments", "action": "charge"}]
	}`)

	w := env.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/runs", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/dead-letters?queue=orders-dlq", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.Equal(t, 1.0, body["count"])
	entryID := body["dead_letters"].([]interface{})[0].(map[string]interface{})["id"].(string)

	env.mock.Returns("charge", "ok", nil)
	w = env.do(t, http.MethodPost, "/api/v1/dead-letters/"+entryID+"/replay", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	// a second replay of the same entry is rejected
	w = env.do(t, http.MethodPost, "/api/v1/dead-letters/"+entryID+"/replay", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBreakerStatusEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	id := env.publish(t, orderWorkflow)

	w := env.do(t, http.MethodGet, "/api/v1/workflows/"+id+"/breaker", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "closed", decode(t, w)["state"])
}

func TestConnectorTestEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	env.mock.Returns("charge", map[string]interface{}{"validated": true}, nil)

	w := env.do(t, http.MethodPost, "/api/v1/connectors/payments/test", map[string]interface{}{
		"action": "charge",
		"input":  map[string]interface{}{"amount": 10},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)["output"].(map[string]interface{})
	assert.Equal(t, true, out["validated"])
	// dry run only, no execution recorded
	assert.Equal(t, 0, env.mock.Calls("charge"))

	w = env.do(t, http.MethodPost, "/api/v1/connectors/ghost/test", map[string]interface{}{
		"action": "charge",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartRunUnknownWorkflow(t *testing.T) {
	env := newAPIEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/workflows/a3bb189e-8bf9-3888-9912-ace4e6543002/runs", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
