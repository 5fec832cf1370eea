package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"droidfarm/internal/adb"
	"droidfarm/internal/metrics"
)

const (
	cacheEvictPeriod = 5 * time.Minute
	defaultCacheTTL  = time.Hour
	defaultMaxSteps  = 100.0
)

// DeviceResolver maps a trajectory ID to its device serial. The trajectory
// manager satisfies this.
type DeviceResolver interface {
	DeviceFor(id string) (string, error)
}

type cacheEntry struct {
	value   float64
	expires time.Time
}

// RewardWorker computes scalar rewards over trajectory outcomes and offers a
// raw adb passthrough for custom scoring scripts. Results are cached per
// (function, trajectory, payload) with a TTL.
type RewardWorker struct {
	base
	resolver DeviceResolver
	runner   adb.Runner

	cacheMu sync.Mutex
	cache   map[string]cacheEntry
	ttl     time.Duration

	now func() time.Time
}

// NewRewardWorker creates the reward worker.
func NewRewardWorker(id string, resolver DeviceResolver, runner adb.Runner, ttl time.Duration) *RewardWorker {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &RewardWorker{
		base:     newBase(id, "reward", cacheEvictPeriod),
		resolver: resolver,
		runner:   runner,
		cache:    make(map[string]cacheEntry),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Start begins the cache eviction loop.
func (w *RewardWorker) Start(ctx context.Context) error {
	return w.startLoop(ctx, func(context.Context) { w.evictExpired() })
}

// Stop halts the loop.
func (w *RewardWorker) Stop() error {
	w.stopLoop()
	return nil
}

// Heartbeat reports liveness. A stopped worker reports ErrNotRunning, which
// the coordinator reads as stopped rather than unhealthy.
func (w *RewardWorker) Heartbeat(context.Context) error {
	if !w.isRunning() {
		return fmt.Errorf("%w: %s", ErrNotRunning, w.id)
	}
	return nil
}

// UpdateConfig applies hot-reloadable settings. Only reward_cache_ttl
// (seconds) is recognized.
func (w *RewardWorker) UpdateConfig(settings map[string]any) error {
	if v, ok := settings["reward_cache_ttl"]; ok {
		secs, ok := asFloat(v)
		if !ok || secs <= 0 {
			return fmt.Errorf("invalid reward_cache_ttl %v", v)
		}
		w.cacheMu.Lock()
		w.ttl = time.Duration(secs * float64(time.Second))
		w.cacheMu.Unlock()
		slog.Info("reward worker config updated", "worker", w.id, "cache_ttl", secs)
	}
	return nil
}

// Compute evaluates a reward function for a trajectory. Repeated calls with
// the same inputs are served from the cache until the TTL expires.
func (w *RewardWorker) Compute(function, trajectoryID string, payload map[string]any) (float64, error) {
	key, err := cacheKey(function, trajectoryID, payload)
	if err != nil {
		return 0, err
	}

	w.cacheMu.Lock()
	if e, ok := w.cache[key]; ok && w.now().Before(e.expires) {
		w.cacheMu.Unlock()
		metrics.RewardCacheHits.Inc()
		return e.value, nil
	}
	w.cacheMu.Unlock()

	var value float64
	switch function {
	case "task_completion":
		value = taskCompletionReward(payload)
	case "efficiency":
		value = efficiencyReward(payload)
	case "rule_based":
		value, err = ruleBasedReward(payload)
		if err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("unknown reward function %q", function)
	}

	w.cacheMu.Lock()
	w.cache[key] = cacheEntry{value: value, expires: w.now().Add(w.ttl)}
	w.cacheMu.Unlock()
	return value, nil
}

// taskCompletionReward is 1 for a completed task, the reported progress in
// [0, 1] for a partial one, and 0 otherwise.
func taskCompletionReward(payload map[string]any) float64 {
	if done, ok := payload["completed"].(bool); ok && done {
		return 1
	}
	if progress, ok := asFloat(payload["progress"]); ok {
		return clamp01(progress)
	}
	return 0
}

// efficiencyReward decays linearly from 1 to 0 as the step count approaches
// max_steps (default 100).
func efficiencyReward(payload map[string]any) float64 {
	steps, ok := asFloat(payload["steps"])
	if !ok || steps < 0 {
		return 0
	}
	maxSteps, ok := asFloat(payload["max_steps"])
	if !ok || maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	return clamp01(1 - steps/maxSteps)
}

// ruleBasedReward is the weight-normalized share of rules whose observation
// field matches the expected value. Rules are {field, expected, weight}.
func ruleBasedReward(payload map[string]any) (float64, error) {
	rules, ok := payload["rules"].([]any)
	if !ok || len(rules) == 0 {
		return 0, fmt.Errorf("rule_based requires a rules list")
	}
	obs, _ := payload["observation"].(map[string]any)

	var matched, total float64
	for _, r := range rules {
		rule, ok := r.(map[string]any)
		if !ok {
			return 0, fmt.Errorf("rule entries must be objects, got %T", r)
		}
		field, _ := rule["field"].(string)
		weight, ok := asFloat(rule["weight"])
		if !ok || weight <= 0 {
			weight = 1
		}
		total += weight
		if obs != nil && fmt.Sprint(obs[field]) == fmt.Sprint(rule["expected"]) {
			matched += weight
		}
	}
	return matched / total, nil
}

// ExecuteADB runs a raw adb command against a trajectory's device, resolving
// the device from live bindings or saved snapshot metadata.
func (w *RewardWorker) ExecuteADB(ctx context.Context, trajectoryID string, command any) (adb.Result, error) {
	device, err := w.resolver.DeviceFor(trajectoryID)
	if err != nil {
		return adb.Result{}, err
	}
	args, err := commandArgs(command)
	if err != nil {
		return adb.Result{}, err
	}
	return w.runner.Run(ctx, device, args...)
}

func commandArgs(command any) ([]string, error) {
	switch c := command.(type) {
	case string:
		if strings.TrimSpace(c) == "" {
			return nil, fmt.Errorf("empty adb command")
		}
		return strings.Fields(c), nil
	case []string:
		if len(c) == 0 {
			return nil, fmt.Errorf("empty adb command")
		}
		return c, nil
	case []any:
		args := make([]string, 0, len(c))
		for _, v := range c {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("adb command arguments must be strings, got %T", v)
			}
			args = append(args, s)
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("empty adb command")
		}
		return args, nil
	default:
		return nil, fmt.Errorf("unsupported adb command type %T", command)
	}
}

// ClearCache drops all cached reward values.
func (w *RewardWorker) ClearCache() int {
	w.cacheMu.Lock()
	defer w.cacheMu.Unlock()
	n := len(w.cache)
	w.cache = make(map[string]cacheEntry)
	return n
}

func (w *RewardWorker) evictExpired() {
	now := w.now()
	w.cacheMu.Lock()
	defer w.cacheMu.Unlock()
	for k, e := range w.cache {
		if !now.Before(e.expires) {
			delete(w.cache, k)
		}
	}
}

// HandleRequest dispatches the generic worker request types.
func (w *RewardWorker) HandleRequest(ctx context.Context, req Request) (any, error) {
	switch req.Type {
	case "compute_reward":
		function, _ := req.Payload["function"].(string)
		id, _ := req.Payload["trajectory_id"].(string)
		payload, _ := req.Payload["payload"].(map[string]any)
		reward, err := w.Compute(function, id, payload)
		if err != nil {
			return nil, err
		}
		return map[string]any{"reward": reward}, nil

	case "execute_adb":
		id, _ := req.Payload["trajectory_id"].(string)
		res, err := w.ExecuteADB(ctx, id, req.Payload["command"])
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"stdout":    res.Stdout,
			"stderr":    res.Stderr,
			"exit_code": res.ExitCode,
		}, nil

	case "clear_cache":
		return map[string]any{"cleared": w.ClearCache()}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, req.Type)
	}
}

// cacheKey builds a stable key from the function, trajectory, and payload.
// json.Marshal sorts map keys, so equal payloads produce equal keys.
func cacheKey(function, trajectoryID string, payload map[string]any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("unencodable reward payload: %w", err)
	}
	return function + "|" + trajectoryID + "|" + string(data), nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
