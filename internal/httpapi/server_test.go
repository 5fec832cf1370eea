package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"droidfarm/internal/action"
	"droidfarm/internal/adb"
	"droidfarm/internal/coordinator"
	"droidfarm/internal/trajectory"
	"droidfarm/internal/worker"
)

type fakeEnv struct {
	binding  trajectory.Binding
	stepObs  trajectory.Observation
	stepErr  error
	stepped  []any
	removed  []string
	saveErr  error
	loadErr  error
	resetIDs []string
	appOps   []string
}

func (f *fakeEnv) Create(context.Context) (trajectory.Binding, error) {
	return f.binding, nil
}

func (f *fakeEnv) Step(_ context.Context, id string, input any) (trajectory.Observation, error) {
	f.stepped = append(f.stepped, input)
	if f.stepErr != nil {
		return trajectory.Observation{}, f.stepErr
	}
	return f.stepObs, nil
}

func (f *fakeEnv) Save(_ context.Context, id string) (trajectory.Meta, error) {
	if f.saveErr != nil {
		return trajectory.Meta{}, f.saveErr
	}
	return trajectory.Meta{TrajectoryID: id, SnapshotName: "sandbox_" + id}, nil
}

func (f *fakeEnv) Load(_ context.Context, id string) (trajectory.Binding, error) {
	if f.loadErr != nil {
		return trajectory.Binding{}, f.loadErr
	}
	return f.binding, nil
}

func (f *fakeEnv) Remove(_ context.Context, id string) error {
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeEnv) Reset(_ context.Context, id string) error {
	f.resetIDs = append(f.resetIDs, id)
	return nil
}

func (f *fakeEnv) AppAction(_ context.Context, id, op, target string) error {
	f.appOps = append(f.appOps, fmt.Sprintf("%s %s %s", id, op, target))
	return nil
}

func (f *fakeEnv) SnapshotPath(id string) string {
	return "/snapshots/" + id + ".json"
}

type fakeReward struct {
	reward  float64
	err     error
	cleared int
}

func (f *fakeReward) Compute(string, string, map[string]any) (float64, error) {
	return f.reward, f.err
}

func (f *fakeReward) ExecuteADB(context.Context, string, any) (adb.Result, error) {
	return adb.Result{Stdout: "33\n"}, nil
}

func (f *fakeReward) ClearCache() int { return f.cleared }

type stubWorker struct {
	id      string
	kind    string
	running bool
}

func (w *stubWorker) ID() string   { return w.id }
func (w *stubWorker) Kind() string { return w.kind }
func (w *stubWorker) Start(context.Context) error {
	w.running = true
	return nil
}
func (w *stubWorker) Stop() error {
	w.running = false
	return nil
}
func (w *stubWorker) Heartbeat(context.Context) error          { return nil }
func (w *stubWorker) UpdateConfig(map[string]any) error        { return nil }
func (w *stubWorker) HandleRequest(_ context.Context, req worker.Request) (any, error) {
	if req.Type == "resources" {
		return map[string]any{"active_trajectories": 2}, nil
	}
	return nil, worker.ErrUnknownRequest
}

func newTestServer(t *testing.T) (*Server, *fakeEnv, *fakeReward, *coordinator.Coordinator) {
	t.Helper()
	coord := coordinator.New()
	if err := coord.Register(&stubWorker{id: "env-1", kind: "env"}); err != nil {
		t.Fatal(err)
	}
	env := &fakeEnv{
		binding: trajectory.Binding{TrajectoryID: "traj-1", DeviceID: "emulator-5555"},
		stepObs: trajectory.Observation{
			Action:  action.Action{Kind: action.Click},
			Success: true,
		},
	}
	reward := &fakeReward{reward: 0.75, cleared: 3}
	return NewServer(coord, env, reward), env, reward, coord
}

func do(t *testing.T, s *Server, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var decoded map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("undecodable response %q: %v", rec.Body.String(), err)
	}
	return rec, decoded
}

func TestEnvCreate(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec, body := do(t, s, http.MethodPost, "/api/env/create", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if body["success"] != true || body["trajectory_id"] != "traj-1" || body["device_id"] != "emulator-5555" {
		t.Errorf("body = %v", body)
	}
}

func TestEnvStep_CommandString(t *testing.T) {
	s, env, _, _ := newTestServer(t)
	_, body := do(t, s, http.MethodPost, "/api/env/step",
		map[string]any{"trajectory_id": "traj-1", "command": "click 100 200"})
	if body["success"] != true {
		t.Fatalf("body = %v", body)
	}
	obs, ok := body["observation"].(map[string]any)
	if !ok || obs["action"] != "click" {
		t.Errorf("observation = %v", body["observation"])
	}
	if len(env.stepped) != 1 {
		t.Errorf("stepped = %v", env.stepped)
	}
}

func TestEnvStep_ActionObjectAlias(t *testing.T) {
	s, env, _, _ := newTestServer(t)
	_, body := do(t, s, http.MethodPost, "/api/env/step", map[string]any{
		"trajectory_id": "traj-1",
		"action":        map[string]any{"action_type": "navigate_home"},
	})
	if body["success"] != true {
		t.Fatalf("body = %v", body)
	}
	if len(env.stepped) != 1 {
		t.Fatalf("stepped = %v", env.stepped)
	}
	raw, ok := env.stepped[0].(json.RawMessage)
	if !ok {
		t.Fatalf("step input type %T", env.stepped[0])
	}
	if a, err := action.Translate(raw); err != nil || a.Kind != action.NavigateHome {
		t.Errorf("translated = %+v, %v", a, err)
	}
}

func TestEnvStep_MissingFields(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	rec, _ := do(t, s, http.MethodPost, "/api/env/step", map[string]any{"command": "click 1 2"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing trajectory_id: status %d", rec.Code)
	}

	rec, _ = do(t, s, http.MethodPost, "/api/env/step", map[string]any{"trajectory_id": "traj-1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing command: status %d", rec.Code)
	}
}

func TestEnvStep_DomainErrorIs200(t *testing.T) {
	s, env, _, _ := newTestServer(t)
	env.stepErr = fmt.Errorf("wrap: %w", trajectory.ErrTrajectoryNotFound)

	rec, body := do(t, s, http.MethodPost, "/api/env/step",
		map[string]any{"trajectory_id": "ghost", "command": "click 1 2"})
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for domain error", rec.Code)
	}
	if body["success"] != false {
		t.Errorf("body = %v", body)
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, "UnknownTrajectory") {
		t.Errorf("error = %q", msg)
	}
}

func TestEnvSaveLoadRemove(t *testing.T) {
	s, env, _, _ := newTestServer(t)

	_, body := do(t, s, http.MethodPost, "/api/env/save", map[string]any{"trajectory_id": "traj-1"})
	if body["success"] != true || body["snapshot_path"] != "/snapshots/traj-1.json" {
		t.Errorf("save body = %v", body)
	}

	_, body = do(t, s, http.MethodPost, "/api/env/load", map[string]any{"trajectory_id": "traj-1"})
	if body["success"] != true || body["device_id"] != "emulator-5555" {
		t.Errorf("load body = %v", body)
	}

	_, body = do(t, s, http.MethodPost, "/api/env/remove", map[string]any{"trajectory_id": "traj-1"})
	if body["success"] != true || len(env.removed) != 1 {
		t.Errorf("remove body = %v, removed = %v", body, env.removed)
	}
}

func TestEnvApp(t *testing.T) {
	s, env, _, _ := newTestServer(t)

	_, body := do(t, s, http.MethodPost, "/api/env/app", map[string]any{
		"trajectory_id": "traj-1",
		"operation":     "clear",
		"target":        "com.android.settings",
	})
	if body["success"] != true || len(env.appOps) != 1 {
		t.Errorf("body = %v, ops = %v", body, env.appOps)
	}

	rec, _ := do(t, s, http.MethodPost, "/api/env/app", map[string]any{"trajectory_id": "traj-1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing fields: status %d", rec.Code)
	}
}

func TestEnvActions(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	_, body := do(t, s, http.MethodGet, "/api/env/actions", nil)
	actions, ok := body["actions"].([]any)
	if !ok || len(actions) != len(action.Kinds()) {
		t.Errorf("actions = %v", body["actions"])
	}
}

func TestRewardCalculate(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	_, body := do(t, s, http.MethodPost, "/api/reward/calculate", map[string]any{
		"reward_type":     "task_completion",
		"trajectory_id":   "traj-1",
		"trajectory_data": map[string]any{"completed": true},
	})
	if body["success"] != true || body["reward"] != 0.75 {
		t.Errorf("body = %v", body)
	}

	rec, _ := do(t, s, http.MethodPost, "/api/reward/calculate", map[string]any{"trajectory_id": "traj-1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing reward_type: status %d", rec.Code)
	}
}

func TestWorkerRoutes(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	_, body := do(t, s, http.MethodPost, "/api/workers/env-1/start", nil)
	if body["success"] != true {
		t.Errorf("start body = %v", body)
	}

	_, body = do(t, s, http.MethodGet, "/api/workers/env-1/status", nil)
	if body["success"] != true {
		t.Errorf("status body = %v", body)
	}
	if res, ok := body["resources"].(map[string]any); !ok || res["active_trajectories"] != float64(2) {
		t.Errorf("resources = %v", body["resources"])
	}

	rec, _ := do(t, s, http.MethodGet, "/api/workers/ghost/status", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown worker status = %d, want 404", rec.Code)
	}

	_, body = do(t, s, http.MethodPut, "/api/workers/env-1/config", map[string]any{"max_idle_time": 600})
	if body["success"] != true {
		t.Errorf("config body = %v", body)
	}
}

func TestCoordinatorRoutes(t *testing.T) {
	s, _, _, coord := newTestServer(t)

	_, body := do(t, s, http.MethodGet, "/api/coordinator/status", nil)
	if body["success"] != true || body["id"] != coord.ID() || body["worker_count"] != float64(1) {
		t.Errorf("status body = %v", body)
	}

	_, body = do(t, s, http.MethodGet, "/api/coordinator/workers", nil)
	workers, ok := body["workers"].([]any)
	if !ok || len(workers) != 1 {
		t.Errorf("workers = %v", body["workers"])
	}
}

func TestHealthz(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec, body := do(t, s, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK || body["success"] != true {
		t.Errorf("healthz: %d %v", rec.Code, body)
	}
}
