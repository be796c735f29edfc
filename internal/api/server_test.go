package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/agency/internal/auth"
	"github.com/jordanhubbard/agency/internal/beam"
	"github.com/jordanhubbard/agency/internal/health"
	"github.com/jordanhubbard/agency/internal/keymanager"
	"github.com/jordanhubbard/agency/internal/keypool"
	"github.com/jordanhubbard/agency/internal/logging"
	"github.com/jordanhubbard/agency/internal/memory"
	"github.com/jordanhubbard/agency/internal/messaging"
	"github.com/jordanhubbard/agency/internal/metrics"
	"github.com/jordanhubbard/agency/internal/provider"
	"github.com/jordanhubbard/agency/internal/store"
	"github.com/jordanhubbard/agency/internal/taskgraph"
	"github.com/jordanhubbard/agency/pkg/config"
	"github.com/jordanhubbard/agency/pkg/messages"
)

type testEnv struct {
	srv   *httptest.Server
	mock  *provider.MockAdapter
	deps  Deps
	token string
}

func newTestEnv(t *testing.T, withAuth bool) *testEnv {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemoryStore()
	broker := messaging.NewBroker(st, messaging.Config{Workers: 2})
	require.NoError(t, broker.Start(ctx))
	t.Cleanup(func() { _ = broker.Close() })
	mem := memory.New("api", st, broker)

	keys := keypool.New(keypool.WithEnv(func(string) string { return "" }))
	mock := provider.NewMockAdapter()
	reg := provider.NewRegistry()
	reg.Register(keypool.Ollama, mock)
	d := beam.NewDispatcher(keys, reg, nil, beam.Config{RequestTimeout: 2 * time.Second})
	require.NoError(t, d.RegisterModel("local", beam.ModelConfig{Provider: keypool.Ollama}))

	svc := beam.NewService(d, broker, mem, nil)
	svc.Start()
	t.Cleanup(svc.Stop)

	coord := taskgraph.NewCoordinator(d, broker, mem, nil)
	require.NoError(t, coord.RegisterAgent(taskgraph.Agent{ID: "lead", Role: taskgraph.RoleCoordinator}, beam.ModelConfig{Provider: keypool.Ollama}))

	logs, err := logging.NewManager(ctx, nil)
	require.NoError(t, err)
	logs.Log(logging.LogLevelInfo, "api", "booted", nil)

	wd := health.NewWatchdog(time.Hour, time.Second, nil)
	wd.AddCheck("store", st.Ping)
	wd.CheckNow(ctx)

	reg2 := prometheus.NewRegistry()
	deps := Deps{
		Beam:        svc,
		Dispatcher:  d,
		Coordinator: coord,
		Keys:        keys,
		Broker:      broker,
		Memory:      mem,
		Logs:        logs,
		Watchdog:    wd,
		Metrics:     metrics.NewMetrics(reg2),
		Gatherer:    reg2,
	}
	sec := config.SecurityConfig{AllowedOrigins: []string{"*"}}
	env := &testEnv{mock: mock}
	if withAuth {
		hash, err := auth.HashPassword("hunter22")
		require.NoError(t, err)
		sec = config.SecurityConfig{EnableAuth: true, JWTSecret: "test-secret-0123456789", Users: map[string]string{"ops": hash}}
		deps.Auth = auth.NewManager(sec)
		resp, err := deps.Auth.Login("ops", "hunter22")
		require.NoError(t, err)
		env.token = resp.Token
	}
	env.deps = deps
	env.srv = httptest.NewServer(NewServer(deps, sec, nil).SetupRoutes())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	require.NoError(t, err)
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t, false)
	var report health.Report
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", nil, &report))
	assert.True(t, report.Checks["store"].Healthy)
}

func TestBeam_Sync(t *testing.T) {
	e := newTestEnv(t, false)
	e.mock.SetResponse("local", "hello back")

	var res beam.ChatResult
	code := e.do(t, http.MethodPost, "/api/v1/beam", beam.ChatRequest{Prompt: "hello", ModelIDs: []string{"local"}}, &res)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "hello back", res.Content)
	assert.NotEmpty(t, res.RequestID)

	var stored beam.ChatResult
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/beam/"+res.RequestID, nil, &stored))
	assert.Equal(t, res.Content, stored.Content)
}

func TestBeam_Async(t *testing.T) {
	e := newTestEnv(t, false)
	// the model answers well after the 202 has been written
	e.mock.SetResponse("local", "eventually")
	e.mock.SetDelay("local", 150*time.Millisecond)

	var accepted map[string]string
	require.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, "/api/v1/beam?async=true", beam.ChatRequest{Prompt: "later"}, &accepted))
	id := accepted["request_id"]
	require.NotEmpty(t, id)

	var stored beam.ChatResult
	require.Eventually(t, func() bool {
		return e.do(t, http.MethodGet, "/api/v1/beam/"+id, nil, &stored) == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "eventually", stored.Content)
}

func TestBeam_Errors(t *testing.T) {
	e := newTestEnv(t, false)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/v1/beam", map[string]string{"prompt": ""}, nil))
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/v1/beam", map[string]string{"bogus": "x"}, nil))
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/v1/beam", beam.ChatRequest{Prompt: "x", Strategy: "vote"}, nil))

	e.mock.SetError("local", errors.New("model crashed"))
	assert.Equal(t, http.StatusBadGateway, e.do(t, http.MethodPost, "/api/v1/beam", beam.ChatRequest{Prompt: "x", ModelIDs: []string{"local"}}, nil))
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/v1/beam/missing", nil, nil))
}

func TestTasks_Lifecycle(t *testing.T) {
	e := newTestEnv(t, false)

	var created []taskgraph.Task
	code := e.do(t, http.MethodPost, "/api/v1/tasks", map[string]interface{}{
		"tasks": []taskgraph.TaskSpec{
			{ID: "a", Description: "first"},
			{ID: "b", Description: "second", Dependencies: []string{"a"}},
		},
	}, &created)
	require.Equal(t, http.StatusCreated, code)
	require.Len(t, created, 2)
	assert.Equal(t, taskgraph.StatusReady, created[0].Status)
	assert.Equal(t, taskgraph.StatusPending, created[1].Status)
	assert.Equal(t, "lead", created[0].AssignedTo)

	var single []taskgraph.Task
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/v1/tasks", taskgraph.TaskSpec{Description: "solo"}, &single))
	require.Len(t, single, 1)

	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/api/v1/tasks/b/status", statusRequest{Status: "in_progress"}, nil))
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/v1/tasks/b/status", statusRequest{Status: "sleeping"}, nil))
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/api/v1/tasks/zzz/status", statusRequest{Status: "completed"}, nil))

	var done taskgraph.Task
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/v1/tasks/a/status", statusRequest{Status: "completed", Result: "ok"}, &done))
	assert.Equal(t, taskgraph.StatusCompleted, done.Status)

	var b taskgraph.Task
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/tasks/b", nil, &b))
	assert.Equal(t, taskgraph.StatusReady, b.Status)

	var ready taskList
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/tasks?status=ready", nil, &ready))
	assert.Len(t, ready.Tasks, 2)
	assert.Equal(t, 1, ready.Counts[taskgraph.StatusCompleted])

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/v1/tasks", map[string]interface{}{
		"tasks": []taskgraph.TaskSpec{
			{ID: "x", Description: "x", Dependencies: []string{"y"}},
			{ID: "y", Description: "y", Dependencies: []string{"x"}},
		},
	}, nil))
	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/api/v1/tasks", taskgraph.TaskSpec{ID: "a", Description: "again"}, nil))
}

func TestTasks_Collaborate(t *testing.T) {
	e := newTestEnv(t, false)
	e.mock.SetResponse("lead", "design doc")

	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/v1/tasks", taskgraph.TaskSpec{ID: "d", Description: "design"}, nil))
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/v1/tasks/d/collaborate", nil, nil))

	var task taskgraph.Task
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/tasks/d", nil, &task))
	assert.Equal(t, taskgraph.StatusCompleted, task.Status)
	assert.Equal(t, "design doc", task.Result)

	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/api/v1/tasks/d/collaborate", collaborateRequest{}, nil))
}

func TestKeys(t *testing.T) {
	e := newTestEnv(t, false)

	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/v1/keys/openai", addKeyRequest{KeyID: "k1", Secret: "sk-1", Model: "gpt"}, nil))
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/v1/keys/openai", addKeyRequest{KeyID: "k2"}, nil))
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/api/v1/keys/nope", nil, nil))

	var view struct {
		Provider    string             `json:"provider"`
		RequiresKey bool               `json:"requires_key"`
		EnvVar      string             `json:"env_var"`
		Keys        []keypool.KeyUsage `json:"keys"`
	}
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/keys/OpenAI", nil, &view))
	assert.Equal(t, "OPENAI_API_KEY", view.EnvVar)
	require.Len(t, view.Keys, 1)
	assert.Equal(t, []string{"gpt"}, view.Keys[0].Models)

	var all []keypool.KeyUsage
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/keys", nil, &all))
	assert.Len(t, all, 1)

	assert.Equal(t, http.StatusNoContent, e.do(t, http.MethodDelete, "/api/v1/keys/openai/k1", nil, nil))
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodDelete, "/api/v1/keys/openai/k1", nil, nil))
}

type readOnlyVault struct{}

func (readOnlyVault) Put(string, string, string) error { return nil }
func (readOnlyVault) Delete(string, string) error      { return errors.New("vault is read-only") }
func (readOnlyVault) Credentials() ([]keymanager.Credential, error) {
	return nil, nil
}

func TestRemoveKey_StoreFailureIsServerError(t *testing.T) {
	keys := keypool.New(keypool.WithStore(readOnlyVault{}), keypool.WithEnv(func(string) string { return "" }))
	require.NoError(t, keys.AddKey(keypool.OpenAI, "k1", "sk-1"))
	h := NewServer(Deps{Keys: keys, Gatherer: prometheus.NewRegistry()}, config.SecurityConfig{}, nil).SetupRoutes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/keys/openai/k1", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, []string{"k1"}, keys.ListKeys(keypool.OpenAI))
}

func TestModelsAndLogs(t *testing.T) {
	e := newTestEnv(t, false)
	var models []modelView
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/models", nil, &models))
	ids := []string{}
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"local", "lead"}, ids)

	var entries []logging.LogEntry
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/logs?source=api", nil, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "booted", entries[0].Message)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/api/v1/logs?limit=many", nil, nil))

	var personas []personaView
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/personas", nil, &personas))
	assert.Empty(t, personas)
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t, true)
	token := e.token

	e.token = ""
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/api/v1/tasks", nil, nil))

	var login auth.LoginResponse
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/v1/auth/token", auth.LoginRequest{Username: "ops", Password: "hunter22"}, &login))
	assert.NotEmpty(t, login.Token)
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodPost, "/api/v1/auth/token", auth.LoginRequest{Username: "ops", Password: "bad"}, nil))

	e.token = token
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/tasks", nil, nil))
	// health and metrics stay open
	e.token = ""
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", nil, nil))
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t, false)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/tasks", nil, nil))

	resp, err := http.Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `agency_http_requests_total{method="GET",path="GET /api/v1/tasks",status="200"} 1`)
}

func TestCORSPreflight(t *testing.T) {
	e := newTestEnv(t, false)
	req, err := http.NewRequest(http.MethodOptions, e.srv.URL+"/api/v1/beam", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://ui.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://ui.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestEventsWebsocket(t *testing.T) {
	e := newTestEnv(t, true)
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/v1/events?contexts=" + messages.ContextTaskStatusUpdate + "&access_token=" + e.token

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.srv.URL, "http")+"/api/v1/events", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// the subscription is registered before the handler starts reading
	require.Eventually(t, func() bool {
		for _, c := range e.deps.Broker.Contexts() {
			if c == messages.ContextTaskStatusUpdate {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	_, err = e.deps.Coordinator.Graph().CreateTask(context.Background(), "ship it", "", nil)
	require.NoError(t, err)
	tasks := e.deps.Coordinator.Graph().List()
	require.Len(t, tasks, 1)
	_, err = e.deps.Coordinator.Graph().UpdateTaskStatus(context.Background(), tasks[0].ID, taskgraph.StatusCompleted, "done")
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg messages.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, messages.ContextTaskStatusUpdate, msg.Context)
	assert.Equal(t, tasks[0].ID, msg.String("task_id"))
}
