package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"droidfarm/internal/metrics"
	"droidfarm/internal/trajectory"
)

const prunePeriod = time.Minute

// EnvWorker owns a trajectory manager and exposes its operations as worker
// requests. Its loop prunes trajectories whose last action is older than the
// configured idle limit.
type EnvWorker struct {
	base
	manager *trajectory.Manager

	idleMu  sync.Mutex
	maxIdle time.Duration
}

// NewEnvWorker creates the environment worker.
func NewEnvWorker(id string, manager *trajectory.Manager, maxIdle time.Duration) *EnvWorker {
	if maxIdle <= 0 {
		maxIdle = time.Hour
	}
	return &EnvWorker{
		base:    newBase(id, "env", prunePeriod),
		manager: manager,
		maxIdle: maxIdle,
	}
}

// Start begins the idle-prune loop.
func (w *EnvWorker) Start(ctx context.Context) error {
	return w.startLoop(ctx, w.pruneTick)
}

// Stop halts the loop. Live trajectories are left running; shutdown cleanup
// is the caller's decision.
func (w *EnvWorker) Stop() error {
	w.stopLoop()
	return nil
}

func (w *EnvWorker) pruneTick(ctx context.Context) {
	w.idleMu.Lock()
	maxIdle := w.maxIdle
	w.idleMu.Unlock()

	removed := w.manager.PruneIdle(ctx, maxIdle)
	for range removed {
		metrics.TrajectoriesRemoved.Inc()
	}
	metrics.ActiveTrajectories.Set(float64(w.manager.Count()))
}

// Heartbeat reports liveness. A stopped worker reports ErrNotRunning, which
// the coordinator reads as stopped rather than unhealthy.
func (w *EnvWorker) Heartbeat(context.Context) error {
	if !w.isRunning() {
		return fmt.Errorf("%w: %s", ErrNotRunning, w.id)
	}
	return nil
}

// UpdateConfig applies hot-reloadable settings. Only max_idle_time (seconds)
// is recognized.
func (w *EnvWorker) UpdateConfig(settings map[string]any) error {
	if v, ok := settings["max_idle_time"]; ok {
		secs, ok := asFloat(v)
		if !ok || secs <= 0 {
			return fmt.Errorf("invalid max_idle_time %v", v)
		}
		w.idleMu.Lock()
		w.maxIdle = time.Duration(secs * float64(time.Second))
		w.idleMu.Unlock()
		slog.Info("env worker config updated", "worker", w.id, "max_idle_time", secs)
	}
	return nil
}

// Resources reports the worker's live resource usage.
func (w *EnvWorker) Resources() map[string]any {
	return map[string]any{"active_trajectories": w.manager.Count()}
}

// Create starts a new trajectory.
func (w *EnvWorker) Create(ctx context.Context) (trajectory.Binding, error) {
	b, err := w.manager.Create(ctx)
	if err != nil {
		return trajectory.Binding{}, err
	}
	metrics.TrajectoriesCreated.Inc()
	metrics.ActiveTrajectories.Set(float64(w.manager.Count()))
	return b, nil
}

// Step executes one action on a trajectory.
func (w *EnvWorker) Step(ctx context.Context, id string, input any) (trajectory.Observation, error) {
	obs, err := w.manager.Step(ctx, id, input)
	if err != nil {
		metrics.StepErrors.Inc()
		return trajectory.Observation{}, err
	}
	metrics.Steps.Inc()
	return obs, nil
}

// Save snapshots a trajectory.
func (w *EnvWorker) Save(ctx context.Context, id string) (trajectory.Meta, error) {
	return w.manager.Save(ctx, id)
}

// Load restores a trajectory from its snapshot.
func (w *EnvWorker) Load(ctx context.Context, id string) (trajectory.Binding, error) {
	return w.manager.Load(ctx, id)
}

// Remove tears a trajectory down.
func (w *EnvWorker) Remove(ctx context.Context, id string) error {
	if err := w.manager.Remove(ctx, id); err != nil {
		return err
	}
	metrics.TrajectoriesRemoved.Inc()
	metrics.ActiveTrajectories.Set(float64(w.manager.Count()))
	return nil
}

// AppAction performs an app management operation on a trajectory's device.
func (w *EnvWorker) AppAction(ctx context.Context, id, op, target string) error {
	return w.manager.AppAction(ctx, id, op, target)
}

// SnapshotPath returns the metadata file path for a trajectory's snapshot.
func (w *EnvWorker) SnapshotPath(id string) string {
	return w.manager.SnapshotPath(id)
}

// Reset returns a trajectory's device to the baseline state.
func (w *EnvWorker) Reset(ctx context.Context, id string) error {
	return w.manager.Reset(ctx, id)
}

// Screenshot captures the current screen of a trajectory's device.
func (w *EnvWorker) Screenshot(ctx context.Context, id string) (trajectory.Observation, error) {
	return w.Step(ctx, id, "screenshot")
}

// HandleRequest dispatches the generic worker request types.
func (w *EnvWorker) HandleRequest(ctx context.Context, req Request) (any, error) {
	id, _ := req.Payload["trajectory_id"].(string)
	switch req.Type {
	case "create":
		return w.Create(ctx)
	case "step":
		input, ok := req.Payload["action"]
		if !ok {
			input = req.Payload["command"]
		}
		return w.Step(ctx, id, input)
	case "save":
		return w.Save(ctx, id)
	case "load":
		return w.Load(ctx, id)
	case "remove":
		return nil, w.Remove(ctx, id)
	case "reset":
		return nil, w.Reset(ctx, id)
	case "screenshot":
		return w.Screenshot(ctx, id)
	case "app":
		op, _ := req.Payload["operation"].(string)
		target, _ := req.Payload["target"].(string)
		return nil, w.AppAction(ctx, id, op, target)
	case "resources":
		return w.Resources(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, req.Type)
	}
}

// asFloat normalizes the numeric types JSON and YAML decoding produce.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
