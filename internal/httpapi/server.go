// Package httpapi is the JSON façade over the coordinator and its workers.
// Responses carry `success` plus result fields; domain errors surface as
// `{success:false, error}` with HTTP 200, while malformed requests get 400
// and unknown workers 404.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"droidfarm/internal/action"
	"droidfarm/internal/adb"
	"droidfarm/internal/coordinator"
	"droidfarm/internal/emulator"
	"droidfarm/internal/metrics"
	"droidfarm/internal/ports"
	"droidfarm/internal/trajectory"
	"droidfarm/internal/worker"
)

// Env is the environment worker surface the API needs.
type Env interface {
	Create(ctx context.Context) (trajectory.Binding, error)
	Step(ctx context.Context, id string, input any) (trajectory.Observation, error)
	Save(ctx context.Context, id string) (trajectory.Meta, error)
	Load(ctx context.Context, id string) (trajectory.Binding, error)
	Remove(ctx context.Context, id string) error
	Reset(ctx context.Context, id string) error
	AppAction(ctx context.Context, id, op, target string) error
	SnapshotPath(id string) string
}

// Reward is the reward worker surface the API needs.
type Reward interface {
	Compute(function, trajectoryID string, payload map[string]any) (float64, error)
	ExecuteADB(ctx context.Context, trajectoryID string, command any) (adb.Result, error)
	ClearCache() int
}

// Server holds the API's collaborators and builds its router.
type Server struct {
	coord  *coordinator.Coordinator
	env    Env
	reward Reward
}

// NewServer creates the API server.
func NewServer(coord *coordinator.Coordinator, env Env, reward Reward) *Server {
	return &Server{coord: coord, env: env, reward: reward}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/coordinator/status", s.coordinatorStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/coordinator/workers", s.coordinatorWorkers).Methods(http.MethodGet)
	r.HandleFunc("/api/workers/{id}/start", s.workerStart).Methods(http.MethodPost)
	r.HandleFunc("/api/workers/{id}/stop", s.workerStop).Methods(http.MethodPost)
	r.HandleFunc("/api/workers/{id}/restart", s.workerRestart).Methods(http.MethodPost)
	r.HandleFunc("/api/workers/{id}/config", s.workerConfig).Methods(http.MethodPut)
	r.HandleFunc("/api/workers/{id}/status", s.workerStatus).Methods(http.MethodGet)

	r.HandleFunc("/api/env/create", s.envCreate).Methods(http.MethodPost)
	r.HandleFunc("/api/env/save", s.envSave).Methods(http.MethodPost)
	r.HandleFunc("/api/env/load", s.envLoad).Methods(http.MethodPost)
	r.HandleFunc("/api/env/step", s.envStep).Methods(http.MethodPost)
	r.HandleFunc("/api/env/remove", s.envRemove).Methods(http.MethodPost)
	r.HandleFunc("/api/env/reset", s.envReset).Methods(http.MethodPost)
	r.HandleFunc("/api/env/screenshot", s.envScreenshot).Methods(http.MethodPost)
	r.HandleFunc("/api/env/app", s.envApp).Methods(http.MethodPost)
	r.HandleFunc("/api/env/actions", s.envActions).Methods(http.MethodGet)

	r.HandleFunc("/api/reward/calculate", s.rewardCalculate).Methods(http.MethodPost)
	r.HandleFunc("/api/reward/adb", s.rewardADB).Methods(http.MethodPost)
	r.HandleFunc("/api/reward/clear_cache", s.rewardClearCache).Methods(http.MethodPost)

	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

func (s *Server) coordinatorStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"status":       "running",
		"id":           s.coord.ID(),
		"worker_count": len(s.coord.Snapshot()),
	})
}

func (s *Server) coordinatorWorkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"workers": s.coord.Snapshot(),
	})
}

func (s *Server) workerStart(w http.ResponseWriter, r *http.Request) {
	s.workerOp(w, r, func(id string) error {
		return s.coord.StartWorker(r.Context(), id)
	})
}

func (s *Server) workerStop(w http.ResponseWriter, r *http.Request) {
	s.workerOp(w, r, s.coord.StopWorker)
}

func (s *Server) workerRestart(w http.ResponseWriter, r *http.Request) {
	s.workerOp(w, r, func(id string) error {
		return s.coord.RestartWorker(r.Context(), id)
	})
}

func (s *Server) workerOp(w http.ResponseWriter, r *http.Request, op func(id string) error) {
	id := mux.Vars(r)["id"]
	if err := op(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) workerConfig(w http.ResponseWriter, r *http.Request) {
	var delta map[string]any
	if err := json.NewDecoder(r.Body).Decode(&delta); err != nil {
		writeBadRequest(w, "invalid config body")
		return
	}
	if err := s.coord.UpdateWorkerConfig(mux.Vars(r)["id"], delta); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) workerStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	health, err := s.coord.WorkerHealth(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	status := map[string]any{"success": true, "worker": health}
	if res, err := s.coord.Dispatch(r.Context(), id, worker.Request{Type: "resources"}); err == nil {
		status["resources"] = res
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) envCreate(w http.ResponseWriter, r *http.Request) {
	b, err := s.env.Create(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"trajectory_id": b.TrajectoryID,
		"device_id":     b.DeviceID,
	})
}

// stepRequest is the step body. Command and Action are aliases; either may be
// a JSON string or an action object.
type stepRequest struct {
	TrajectoryID string          `json:"trajectory_id"`
	Command      json.RawMessage `json:"command"`
	Action       json.RawMessage `json:"action"`
}

func (s *Server) envStep(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid step body")
		return
	}
	if req.TrajectoryID == "" {
		writeBadRequest(w, "trajectory_id is required")
		return
	}
	input := req.Action
	if len(input) == 0 {
		input = req.Command
	}
	if len(input) == 0 {
		writeBadRequest(w, "command or action is required")
		return
	}

	obs, err := s.env.Step(r.Context(), req.TrajectoryID, input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"observation": obs,
	})
}

// idRequest covers the bodies that carry only a trajectory_id.
type idRequest struct {
	TrajectoryID string `json:"trajectory_id"`
}

func (s *Server) decodeID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req idRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return "", false
	}
	if req.TrajectoryID == "" {
		writeBadRequest(w, "trajectory_id is required")
		return "", false
	}
	return req.TrajectoryID, true
}

func (s *Server) envSave(w http.ResponseWriter, r *http.Request) {
	id, ok := s.decodeID(w, r)
	if !ok {
		return
	}
	if _, err := s.env.Save(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"snapshot_path": s.env.SnapshotPath(id),
	})
}

func (s *Server) envLoad(w http.ResponseWriter, r *http.Request) {
	id, ok := s.decodeID(w, r)
	if !ok {
		return
	}
	b, err := s.env.Load(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"device_id": b.DeviceID,
	})
}

func (s *Server) envRemove(w http.ResponseWriter, r *http.Request) {
	id, ok := s.decodeID(w, r)
	if !ok {
		return
	}
	if err := s.env.Remove(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) envReset(w http.ResponseWriter, r *http.Request) {
	id, ok := s.decodeID(w, r)
	if !ok {
		return
	}
	if err := s.env.Reset(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) envScreenshot(w http.ResponseWriter, r *http.Request) {
	id, ok := s.decodeID(w, r)
	if !ok {
		return
	}
	obs, err := s.env.Step(r.Context(), id, "screenshot")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"image_base64": obs.ImageBase64,
	})
}

func (s *Server) envApp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TrajectoryID string `json:"trajectory_id"`
		Operation    string `json:"operation"`
		Target       string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid app body")
		return
	}
	if req.TrajectoryID == "" || req.Operation == "" || req.Target == "" {
		writeBadRequest(w, "trajectory_id, operation and target are required")
		return
	}
	if err := s.env.AppAction(r.Context(), req.TrajectoryID, req.Operation, req.Target); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) envActions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"actions": action.Kinds(),
	})
}

func (s *Server) rewardCalculate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RewardType     string         `json:"reward_type"`
		TrajectoryID   string         `json:"trajectory_id"`
		TrajectoryData map[string]any `json:"trajectory_data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid reward body")
		return
	}
	if req.RewardType == "" || req.TrajectoryID == "" {
		writeBadRequest(w, "reward_type and trajectory_id are required")
		return
	}

	reward, err := s.reward.Compute(req.RewardType, req.TrajectoryID, req.TrajectoryData)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"reward":  reward,
		"details": map[string]any{
			"reward_type":   req.RewardType,
			"trajectory_id": req.TrajectoryID,
		},
	})
}

func (s *Server) rewardADB(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TrajectoryID string `json:"trajectory_id"`
		Command      any    `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid adb body")
		return
	}
	if req.TrajectoryID == "" || req.Command == nil {
		writeBadRequest(w, "trajectory_id and command are required")
		return
	}

	res, err := s.reward.ExecuteADB(r.Context(), req.TrajectoryID, req.Command)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
		"exit_code": res.ExitCode,
	})
}

func (s *Server) rewardClearCache(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"cleared": s.reward.ClearCache(),
	})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// errorKind maps a domain error to the stable name clients switch on.
func errorKind(err error) string {
	switch {
	case errors.Is(err, adb.ErrBridgeUnavailable):
		return "BridgeUnavailable"
	case errors.Is(err, adb.ErrCommandFailed):
		return "CommandFailed"
	case errors.Is(err, ports.ErrNoPortsAvailable):
		return "NoPortsAvailable"
	case errors.Is(err, emulator.ErrBootTimeout):
		return "BootTimeout"
	case errors.Is(err, action.ErrInvalidAction):
		return "InvalidAction"
	case errors.Is(err, trajectory.ErrTrajectoryNotFound):
		return "UnknownTrajectory"
	case errors.Is(err, trajectory.ErrSnapshotMissing):
		return "SnapshotMissing"
	case errors.Is(err, coordinator.ErrUnknownWorker):
		return "UnknownWorker"
	default:
		return "Internal"
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": false,
		"error":   fmt.Sprintf("%s: %s", errorKind(err), err),
	})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"success": false,
		"error":   msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("response encode failed", "err", err)
	}
}
