package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratoform/lattice/pkg/conditional"
	"github.com/stratoform/lattice/pkg/events"
	"github.com/stratoform/lattice/pkg/graph"
	"github.com/stratoform/lattice/pkg/jobs"
	"github.com/stratoform/lattice/pkg/progress"
	"github.com/stratoform/lattice/pkg/ratelimit"
	"github.com/stratoform/lattice/pkg/relationships"
	"github.com/stratoform/lattice/pkg/temporal"
	"github.com/stratoform/lattice/pkg/types"
)

type testEnv struct {
	server *Server
	store  graph.Store
	bus    *events.Bus
}

func newTestEnv(t *testing.T, withLimiter bool) *testEnv {
	t.Helper()

	store, err := graph.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	bus := events.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)

	presets, err := jobs.LoadPresets("")
	require.NoError(t, err)

	hub := progress.NewHub(bus)
	hub.Start()
	t.Cleanup(hub.Stop)

	deps := Deps{
		Store:    store,
		Weighted: relationships.NewService(store),
		Temporal: temporal.NewService(store),
		Engine:   conditional.NewEngine(store, bus, time.Minute),
		Queue:    jobs.NewQueue(client, presets, bus),
		Hub:      hub,
		Redis:    client,
	}
	if withLimiter {
		deps.Limiter = ratelimit.NewLimiter(client)
	}

	return &testEnv{server: NewServer(deps), store: store, bus: bus}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (e *testEnv) addCI(t *testing.T, id string, ciType types.CIType) {
	t.Helper()
	require.NoError(t, e.store.CreateCI(&types.CI{
		ID:          id,
		Name:        id,
		Type:        ciType,
		Status:      types.CIStatusOperational,
		Criticality: types.CriticalityHigh,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["graph"])
	assert.Equal(t, "ok", body["queue"])
}

func TestCICRUD(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodPost, "/api/cmdb/items", map[string]any{
		"name": "web-01",
		"type": "Server",
		"properties": map[string]any{
			"region": "us-east-1",
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[types.CI](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "web-01", created.Name)
	assert.Equal(t, types.CIStatusOperational, created.Status)
	assert.Equal(t, types.CriticalityMedium, created.Criticality)

	rec = env.do(t, http.MethodGet, "/api/cmdb/items/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[map[string]any](t, rec)
	assert.EqualValues(t, 0, detail["outboundCount"])

	rec = env.do(t, http.MethodPut, "/api/cmdb/items/"+created.ID, map[string]any{
		"status": "DEGRADED",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decode[types.CI](t, rec)
	assert.Equal(t, types.CIStatus("DEGRADED"), updated.Status)
	assert.Equal(t, "web-01", updated.Name)

	rec = env.do(t, http.MethodGet, "/api/cmdb/items/count", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[map[string]int](t, rec)["count"])

	rec = env.do(t, http.MethodDelete, "/api/cmdb/items/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/cmdb/items/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	errBody := decode[map[string]string](t, rec)
	assert.Equal(t, "not found", errBody["error"])
}

func TestCreateCIValidation(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodPost, "/api/cmdb/items", map[string]any{"type": "Server"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation failed", decode[map[string]string](t, rec)["error"])

	rec = env.do(t, http.MethodPost, "/api/cmdb/items", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateCIDuplicateIDConflicts(t *testing.T) {
	env := newTestEnv(t, false)

	body := map[string]any{"id": "srv-1", "name": "web-01", "type": "Server"}
	rec := env.do(t, http.MethodPost, "/api/cmdb/items", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	body["name"] = "impostor"
	rec = env.do(t, http.MethodPost, "/api/cmdb/items", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decode[map[string]string](t, rec)["error"])

	rec = env.do(t, http.MethodGet, "/api/cmdb/items/srv-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWeightedRelationshipFlow(t *testing.T) {
	env := newTestEnv(t, false)
	env.addCI(t, "app", types.CITypeWebApplication)
	env.addCI(t, "db", types.CITypeDatabase)

	rec := env.do(t, http.MethodPost, "/api/relationships/weighted", map[string]any{
		"fromId":          "app",
		"toId":            "db",
		"type":            "DEPENDS_ON",
		"weight":          0.8,
		"latencyMs":       12.5,
		"redundancyLevel": 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/relationships/weighted/app/db/DEPENDS_ON", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, true, body["found"])

	rec = env.do(t, http.MethodGet, "/api/relationships/shortest-path/app/db", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	path := decode[map[string]any](t, rec)
	assert.Equal(t, true, path["found"])

	rec = env.do(t, http.MethodPost, "/api/relationships/weighted", map[string]any{
		"fromId": "app",
		"toId":   "missing",
		"type":   "DEPENDS_ON",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCalculateWeightPreview(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodPost, "/api/relationships/calculate-weight", map[string]any{
		"sourceCriticality": 0.9,
		"targetCriticality": 0.9,
		"businessImpact":    0.8,
		"redundancyLevel":   1,
		"requestsPerSecond": 500,
		"capacity":          1000,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]float64](t, rec)
	assert.Greater(t, body["criticalityScore"], 0.0)
	assert.Greater(t, body["weight"], 0.0)
	assert.LessOrEqual(t, body["weight"], 1.0)
}

func TestTemporalEndpoints(t *testing.T) {
	env := newTestEnv(t, false)
	env.addCI(t, "app", types.CITypeWebApplication)
	env.addCI(t, "db", types.CITypeDatabase)

	rec := env.do(t, http.MethodPost, "/api/relationships/temporal", map[string]any{
		"fromId":    "app",
		"toId":      "db",
		"type":      "DEPENDS_ON",
		"weights":   map[string]any{"weight": 0.5},
		"createdBy": "tester",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/relationships/temporal", map[string]any{
		"fromId":    "app",
		"toId":      "db",
		"type":      "DEPENDS_ON",
		"validFrom": "not-a-date",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/relationships/temporal/app/db/DEPENDS_ON/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[map[string]any](t, rec)
	assert.EqualValues(t, 1, history["count"])

	rec = env.do(t, http.MethodGet, "/api/cmdb/topology/temporal?ciId=app&maxDepth=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/relationships/temporal/expiring?daysAhead=400", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTemporalUpdateArchivedVersionRejected(t *testing.T) {
	env := newTestEnv(t, false)
	env.addCI(t, "app", types.CITypeWebApplication)
	env.addCI(t, "db", types.CITypeDatabase)

	v1, err := env.server.Temporal.CreateVersion(temporal.CreateVersionRequest{
		FromID: "app", ToID: "db", Type: types.RelDependsOn,
	})
	require.NoError(t, err)
	_, err = env.server.Temporal.CreateVersion(temporal.CreateVersionRequest{
		FromID: "app", ToID: "db", Type: types.RelDependsOn,
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPut, "/api/relationships/temporal/"+v1.ID+"/update", map[string]any{
		"weight": 0.99,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation failed", decode[map[string]string](t, rec)["error"])
}

func TestConditionalEndpoints(t *testing.T) {
	env := newTestEnv(t, false)
	env.addCI(t, "primary", types.CITypeDatabase)
	env.addCI(t, "standby", types.CITypeDatabase)

	rec := env.do(t, http.MethodPost, "/api/relationships/conditional", map[string]any{
		"fromId":        "primary",
		"toId":          "standby",
		"type":          "FAILS_OVER_TO",
		"conditionType": "MANUAL",
		"priority":      1,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[types.Relationship](t, rec)

	rec = env.do(t, http.MethodPost, "/api/relationships/conditional/"+created.ID+"/activate", map[string]any{
		"reason": "drill",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/relationships/conditional/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	active := decode[map[string]any](t, rec)
	assert.EqualValues(t, 1, active["count"])

	rec = env.do(t, http.MethodGet, "/api/relationships/conditional/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[map[string]any](t, rec)
	assert.EqualValues(t, 1, stats["totalConditional"])

	rec = env.do(t, http.MethodPost, "/api/relationships/conditional/evaluate", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/cmdb/failover-plan/primary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestTopologyAndImpact(t *testing.T) {
	env := newTestEnv(t, false)
	env.addCI(t, "app", types.CITypeWebApplication)
	env.addCI(t, "svc", types.CITypeMicroservice)
	env.addCI(t, "db", types.CITypeDatabase)
	for _, pair := range [][2]string{{"app", "svc"}, {"svc", "db"}} {
		_, err := env.server.Weighted.CreateWeighted(pair[0], pair[1], types.RelDependsOn, relationships.WeightUpdate{})
		require.NoError(t, err)
	}

	rec := env.do(t, http.MethodGet, "/api/cmdb/topology?startNode=app&depth=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	topo := decode[map[string]any](t, rec)
	assert.Len(t, topo["nodes"], 3)
	assert.Len(t, topo["relationships"], 2)

	rec = env.do(t, http.MethodGet, "/api/cmdb/impact/db?direction=upstream&depth=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	impact := decode[map[string]any](t, rec)
	assert.EqualValues(t, 2, impact["count"])

	rec = env.do(t, http.MethodGet, "/api/cmdb/impact/db?direction=sideways", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBrowse(t *testing.T) {
	env := newTestEnv(t, false)
	for i := 0; i < 5; i++ {
		env.addCI(t, fmt.Sprintf("srv-%d", i), types.CITypeServer)
	}
	env.addCI(t, "payments-db", types.CITypeDatabase)

	rec := env.do(t, http.MethodGet, "/api/cmdb/browse?search=payments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.EqualValues(t, 1, body["total"])

	rec = env.do(t, http.MethodGet, "/api/cmdb/browse?type=Server&limit=2&page=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode[map[string]any](t, rec)
	assert.EqualValues(t, 5, body["total"])
	assert.Len(t, body["items"], 2)

	rec = env.do(t, http.MethodGet, "/api/cmdb/browse?sort=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobEndpoints(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodPost, "/api/jobs/", map[string]any{"scale": "small"})
	require.Equal(t, http.StatusCreated, rec.Code)
	job := decode[types.Job](t, rec)
	assert.Equal(t, types.JobQueued, job.State)

	rec = env.do(t, http.MethodGet, "/api/jobs/"+job.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[map[string]any](t, rec)
	assert.NotNil(t, detail["progress"])

	rec = env.do(t, http.MethodGet, "/api/jobs/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string]any](t, rec)
	assert.EqualValues(t, 1, list["count"])

	rec = env.do(t, http.MethodDelete, "/api/jobs/"+job.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cancelled := decode[types.Job](t, rec)
	assert.Equal(t, types.JobCancelled, cancelled.State)

	rec = env.do(t, http.MethodPost, "/api/jobs/", map[string]any{"scale": "galactic"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/queue/scales", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	scales := decode[map[string]any](t, rec)
	assert.Len(t, scales["scales"], 4)

	rec = env.do(t, http.MethodGet, "/api/queue/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDatabaseStatsAndClear(t *testing.T) {
	env := newTestEnv(t, false)
	env.addCI(t, "a", types.CITypeServer)

	rec := env.do(t, http.MethodGet, "/api/cmdb/database/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/cmdb/database/clear", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/cmdb/items/count", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[map[string]int](t, rec)["count"])
}

func TestRateLimitHeaders(t *testing.T) {
	env := newTestEnv(t, true)

	limit := ratelimit.Limit(ratelimit.ClassDestructive)
	var rec *httptest.ResponseRecorder
	for i := 0; i < limit; i++ {
		rec = env.do(t, http.MethodDelete, "/api/cmdb/database/clear", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	}
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = env.do(t, http.MethodDelete, "/api/cmdb/database/clear", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = env.do(t, http.MethodGet, "/api/cmdb/items/count", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
