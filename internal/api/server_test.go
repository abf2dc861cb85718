package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/star/orbitsim/internal/auth"
	"github.com/star/orbitsim/internal/health"
	"github.com/star/orbitsim/internal/orbit"
	"github.com/star/orbitsim/internal/runs"
	"github.com/star/orbitsim/internal/simulation"
	"github.com/star/orbitsim/internal/stream"
	"github.com/star/orbitsim/internal/tle"
)

const (
	issName       = "ISS (ZARYA)"
	issLine1      = "1 25544U 98067A   25045.18032407  .00016717  00000+0  30099-3 0  9996"
	issLine2      = "2 25544  51.6412 193.5765 0003457 126.2851 233.8519 15.49874301495057"
	starlinkName  = "STARLINK-1007"
	starlinkLine1 = "1 44713U 19074A   24100.50000000  .00001000  00000-0  10000-4 0  9998"
	starlinkLine2 = "2 44713  53.0000 200.0000 0001500  90.0000 270.0000 15.06000000    07"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testDataset(t *testing.T) *tle.Dataset {
	t.Helper()
	iss, err := tle.ParseEntry(issName, issLine1, issLine2)
	require.NoError(t, err)
	sl, err := tle.ParseEntry(starlinkName, starlinkLine1, starlinkLine2)
	require.NoError(t, err)
	return tle.NewDataset("test", time.Now().Add(-time.Hour), []tle.Entry{iss, sl})
}

type testEnv struct {
	handler http.Handler
	store   *tle.Store
	runs    *runs.Store
}

func newTestEnv(t *testing.T, mutate func(*Config, *Deps)) *testEnv {
	t.Helper()
	logger := testLogger()

	store := tle.NewStore()
	store.Set(testDataset(t))
	runStore := runs.NewStore(runs.DefaultConfig(), logger)
	t.Cleanup(runStore.Close)

	defaults := simulation.DefaultConfig()
	defaults.Propagation.DurationSeconds = 600
	defaults.Propagation.Workers = 2

	cfg := Config{Addr: ":0", Stream: stream.DefaultConfig(), Limits: DefaultLimits()}
	cfg.Limits.SubmitBurst = 100
	deps := Deps{TLE: store, Runs: runStore, Runner: simulation.NewRunner(logger), Defaults: defaults}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	return &testEnv{
		handler: NewServer(cfg, deps, logger).Handler(),
		store:   store,
		runs:    runStore,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.RemoteAddr = "192.0.2.10:4000"
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// submit posts a run request and waits for the run to finish.
func (e *testEnv) submit(t *testing.T, body map[string]any) runResponse {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/runs", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	accepted := decode[runs.Run](t, w)
	assert.Equal(t, "/api/v1/runs/"+accepted.ID, w.Header().Get("Location"))

	var resp runResponse
	require.Eventually(t, func() bool {
		w := e.do(t, "GET", "/api/v1/runs/"+accepted.ID, nil)
		if w.Code != http.StatusOK {
			return false
		}
		resp = decode[runResponse](t, w)
		return resp.State.Finished()
	}, 10*time.Second, 10*time.Millisecond)
	return resp
}

func TestSubmitTLERun(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.submit(t, map[string]any{
		"label": "iss",
		"tles":  [][]string{{issName, issLine1, issLine2}, {"BROKEN", "1 bad", "2 bad"}},
	})

	require.Equal(t, runs.StateDone, resp.State, resp.Error)
	assert.Equal(t, "iss", resp.Label)
	require.Len(t, resp.Objects, 1)
	assert.Equal(t, "25544", resp.Objects[0].ObjectID)
	assert.Equal(t, 11, resp.Objects[0].States)
	require.Len(t, resp.Rejected, 1)
	assert.Equal(t, "BROKEN", resp.Rejected[0].ObjectID)

	require.NotNil(t, resp.Config)
	assert.Equal(t, 60.0, resp.Config.StepSeconds)
	assert.Equal(t, 11, resp.Config.StatesPerObject)
	assert.Equal(t, 1, resp.Counts["complete"])

	require.NotNil(t, resp.Validation)
	require.Len(t, resp.Validation.Objects, 1)
	assert.Equal(t, 11, resp.Validation.Objects[0].Samples)
	assert.Less(t, resp.Validation.MeanPosition, 10.0)
}

func TestSubmitDatasetRunAndFetchTrajectory(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.submit(t, map[string]any{"filter": "starlink", "validate": false})
	require.Equal(t, runs.StateDone, resp.State, resp.Error)
	require.Len(t, resp.Objects, 1)
	assert.Equal(t, "44713", resp.Objects[0].ObjectID)
	assert.Nil(t, resp.Validation)

	base := "/api/v1/runs/" + resp.ID + "/objects/44713"

	w := env.do(t, "GET", base+"?stride=4", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	teme := decode[trajectoryResponse](t, w)
	assert.Equal(t, "teme", string(teme.Frame))
	assert.Equal(t, 11, teme.Total)
	// Epochs 0, 240, 480 and the final 600.
	require.Len(t, teme.States, 4)
	assert.Equal(t, 600.0, teme.States[3].Epoch)
	assert.Equal(t, teme.Start.Add(10*time.Minute), teme.States[3].T)

	w = env.do(t, "GET", base+"?frame=ecef", nil)
	require.Equal(t, http.StatusOK, w.Code)
	ecef := decode[trajectoryResponse](t, w)
	require.Len(t, ecef.States, 11)
	r := orbit.Vec3(ecef.States[0].Position).Norm()
	assert.InDelta(t, orbit.Vec3(teme.States[0].Position).Norm(), r, 1e-6, "rotation preserves |r|")
	assert.NotEqual(t, teme.States[0].Position, ecef.States[0].Position)

	w = env.do(t, "GET", base+"?frame=geodetic&stride=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	geo := decode[trajectoryResponse](t, w)
	require.Len(t, geo.Points, 2)
	assert.InDelta(t, 550, geo.Points[0].AltKm, 80)
	assert.LessOrEqual(t, geo.Points[0].LatDeg, 53.5)

	tests := []struct {
		path string
		code int
	}{
		{base + "?frame=j2000", http.StatusBadRequest},
		{base + "?stride=0", http.StatusBadRequest},
		{"/api/v1/runs/" + resp.ID + "/objects/25544", http.StatusNotFound},
		{"/api/v1/runs/nope/objects/44713", http.StatusNotFound},
		{"/api/v1/runs/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		w := env.do(t, "GET", tt.path, nil)
		assert.Equal(t, tt.code, w.Code, tt.path)
	}
}

func TestSubmitExplicitECEFStates(t *testing.T) {
	env := newTestEnv(t, nil)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	resp := env.submit(t, map[string]any{
		"start": start,
		"frame": "ecef",
		"j2":    false,
		"states": []map[string]any{
			{"object_id": "sat-a", "position_km": []float64{7000, 0, 0}, "velocity_km_s": []float64{0, 7.5, 0}},
			{"position_km": []float64{0, 0, 0}, "velocity_km_s": []float64{0, 0, 0}},
		},
	})

	require.Equal(t, runs.StateDone, resp.State, resp.Error)
	require.Len(t, resp.Objects, 2)
	assert.Equal(t, "sat-a", resp.Objects[0].ObjectID)
	assert.Equal(t, "complete", string(resp.Objects[0].Status))
	assert.Equal(t, start, resp.Objects[0].Start)
	assert.Equal(t, "state-1", resp.Objects[1].ObjectID)
	assert.Equal(t, "error", string(resp.Objects[1].Status))
	assert.Nil(t, resp.Validation)
	assert.Zero(t, resp.Config.Constants.J2)
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t, func(c *Config, d *Deps) {
		c.Limits.MaxObjects = 1
		c.Limits.MaxStates = 1000
	})
	iss := []string{issName, issLine1, issLine2}

	tests := []struct {
		name string
		body any
		want string
	}{
		{"not json", "nope", "invalid request body"},
		{"unknown field", map[string]any{"steps": 5}, "unknown field"},
		{"negative step", map[string]any{"step_seconds": -1}, "step_seconds"},
		{"bad policy", map[string]any{"policy": "cubic"}, "alignment policy"},
		{"negative tolerance", map[string]any{"tolerance_seconds": -2}, "tolerance"},
		{"too many workers", map[string]any{"workers": 64}, "workers"},
		{"both sources", map[string]any{"tles": [][]string{iss}, "states": []map[string]any{{}}}, "not both"},
		{"too many objects", map[string]any{"tles": [][]string{iss, iss}}, "exceeds limit"},
		{"state budget", map[string]any{"tles": [][]string{iss}, "step_seconds": 0.5}, "budget"},
		{"empty filter match", map[string]any{"filter": "HUBBLE"}, "matched no dataset entries"},
		{"geodetic states", map[string]any{"frame": "geodetic", "states": []map[string]any{{}}}, "teme or ecef"},
		{"duplicate ids", map[string]any{"states": []map[string]any{{"object_id": "a"}, {"object_id": "a"}}}, "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/runs", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, decode[map[string]string](t, w)["error"], tt.want)
		})
	}
}

func TestSubmitWithoutDataset(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.Set(nil)

	w := env.do(t, "POST", "/api/v1/runs", map[string]any{})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = env.do(t, "GET", "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = env.do(t, "GET", "/api/v1/tle/metadata", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSubmitRateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *Config, d *Deps) {
		c.Limits.SubmitRate = 0.001
		c.Limits.SubmitBurst = 1
	})

	body := map[string]any{"filter": "iss", "validate": false}
	w := env.do(t, "POST", "/api/v1/runs", body)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = env.do(t, "POST", "/api/v1/runs", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestAuthProtectsWrites(t *testing.T) {
	env := newTestEnv(t, func(c *Config, d *Deps) {
		c.Auth = auth.Config{Enabled: true, Token: "s3cret"}
	})

	w := env.do(t, "POST", "/api/v1/runs", map[string]any{"filter": "iss"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = env.do(t, "POST", "/api/v1/tle/refresh", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, "GET", "/api/v1/tle/metadata", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTLEMetadataAndRefresh(t *testing.T) {
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, strings.Join([]string{issName, issLine1, issLine2}, "\n")+"\n")
	}))
	t.Cleanup(src.Close)

	var loader *tle.Loader
	env := newTestEnv(t, func(c *Config, d *Deps) {
		loader = tle.NewLoader(tle.NewFetcher(src.URL, testLogger()), tle.NewCache(t.TempDir(), 2), time.Hour, testLogger())
	})

	w := env.do(t, "GET", "/api/v1/tle/metadata", nil)
	require.Equal(t, http.StatusOK, w.Code)
	meta := decode[tleMetadataResponse](t, w)
	assert.Equal(t, "test", meta.Source)
	assert.Equal(t, 2, meta.Count)
	assert.GreaterOrEqual(t, meta.AgeSeconds, 3599)

	w = env.do(t, "POST", "/api/v1/tle/refresh", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "no loader configured")

	env = newTestEnv(t, func(c *Config, d *Deps) { d.Loader = loader })
	w = env.do(t, "POST", "/api/v1/tle/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	meta = decode[tleMetadataResponse](t, w)
	assert.Equal(t, src.URL, meta.Source)
	assert.Equal(t, 1, meta.Count)
	assert.Equal(t, 1, len(env.store.Get().Entries))
}

func TestListRuns(t *testing.T) {
	env := newTestEnv(t, nil)
	env.submit(t, map[string]any{"filter": "iss", "validate": false})

	w := env.do(t, "GET", "/api/v1/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Runs  []runs.Run `json:"runs"`
		Stats runs.Stats `json:"stats"`
	}](t, w)
	assert.Len(t, body.Runs, 1)
	assert.Equal(t, 1, body.Stats.Entries)
}

func TestStrided(t *testing.T) {
	states := make([]orbit.State, 11)
	for i := range states {
		states[i] = orbit.NewState("a", float64(i), orbit.Vec3{7000, 0, 0}, orbit.Vec3{})
	}

	epochs := func(ss []orbit.State) []float64 {
		out := make([]float64, len(ss))
		for i, s := range ss {
			out[i] = s.Epoch
		}
		return out
	}
	assert.Equal(t, epochs(states), epochs(strided(states, 1)))
	assert.Equal(t, []float64{0, 5, 10}, epochs(strided(states, 5)))
	assert.Equal(t, []float64{0, 3, 6, 9, 10}, epochs(strided(states, 3)))
	assert.Equal(t, []float64{0, 10}, epochs(strided(states, 50)))
	assert.Empty(t, strided(nil, 3))
}

func TestSubmitLimiterSweepsIdleClients(t *testing.T) {
	l := newSubmitLimiter(1, 1)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))
	assert.True(t, l.allow("b"))
	assert.Equal(t, 2, l.size())

	now = now.Add(2 * visitorTTL)
	assert.True(t, l.allow("c"))
	assert.Equal(t, 1, l.size())
}

func TestRequestIDAndReadiness(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "GET", "/readyz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[health.Report](t, w).Checks["tle_dataset"])
	generated := w.Header().Get("X-Request-ID")
	assert.Len(t, generated, 36)

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Request-ID", "trace-42")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, "trace-42", rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 65))
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36, "oversized ids are replaced")
}
