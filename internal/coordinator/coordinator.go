// Package coordinator registers workers, relays requests to them, and
// restarts the ones whose heartbeats fail or go stale. Workers that were
// stopped on purpose stay stopped until asked to start again.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"droidfarm/internal/metrics"
	"droidfarm/internal/worker"
)

// ErrUnknownWorker means no worker with the given ID is registered.
var ErrUnknownWorker = errors.New("unknown worker")

const (
	monitorInterval  = 10 * time.Second
	staleAfter       = time.Minute
	heartbeatTimeout = 5 * time.Second
)

// Health is a point-in-time view of one worker.
type Health struct {
	ID            string    `json:"worker_id"`
	Kind          string    `json:"kind"`
	Status        string    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	LastError     string    `json:"last_error,omitempty"`
	Restarts      int       `json:"restarts"`
}

// Coordinator supervises a set of workers. The lock guards the registry maps
// only; heartbeats and restarts run with it released.
type Coordinator struct {
	id string

	mu      sync.Mutex
	workers map[string]worker.Worker
	health  map[string]*Health

	interval time.Duration
	stale    time.Duration
	now      func() time.Time
}

// New creates an empty Coordinator.
func New() *Coordinator {
	return &Coordinator{
		id:       uuid.NewString(),
		workers:  make(map[string]worker.Worker),
		health:   make(map[string]*Health),
		interval: monitorInterval,
		stale:    staleAfter,
		now:      time.Now,
	}
}

// ID returns the coordinator's identifier.
func (c *Coordinator) ID() string { return c.id }

// Register adds a worker to the registry. The worker is not started.
func (c *Coordinator) Register(w worker.Worker) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.workers[w.ID()]; ok {
		return fmt.Errorf("worker %s already registered", w.ID())
	}
	c.workers[w.ID()] = w
	c.health[w.ID()] = &Health{
		ID:            w.ID(),
		Kind:          w.Kind(),
		Status:        "stopped",
		LastHeartbeat: c.now(),
	}
	slog.Info("worker registered", "coordinator", c.id, "worker", w.ID(), "kind", w.Kind())
	return nil
}

// Unregister stops a worker and removes it from the registry.
func (c *Coordinator) Unregister(id string) error {
	c.mu.Lock()
	w, ok := c.workers[id]
	if ok {
		delete(c.workers, id)
		delete(c.health, id)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	if err := w.Stop(); err != nil {
		slog.Warn("stopping unregistered worker failed", "worker", id, "err", err)
	}
	return nil
}

// StartWorker starts one registered worker.
func (c *Coordinator) StartWorker(ctx context.Context, id string) error {
	w, err := c.get(id)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		c.setStatus(id, "error", err)
		return err
	}
	c.setStatus(id, "running", nil)
	return nil
}

// StopWorker stops one registered worker.
func (c *Coordinator) StopWorker(id string) error {
	w, err := c.get(id)
	if err != nil {
		return err
	}
	if err := w.Stop(); err != nil {
		c.setStatus(id, "error", err)
		return err
	}
	c.setStatus(id, "stopped", nil)
	return nil
}

// RestartWorker stops and starts a worker. Stopping a stopped worker is a
// no-op, so restarting is idempotent.
func (c *Coordinator) RestartWorker(ctx context.Context, id string) error {
	w, err := c.get(id)
	if err != nil {
		return err
	}
	if err := w.Stop(); err != nil {
		slog.Warn("restart: stop failed", "worker", id, "err", err)
	}
	if err := w.Start(ctx); err != nil {
		c.setStatus(id, "error", err)
		return fmt.Errorf("restarting worker %s: %w", id, err)
	}

	c.mu.Lock()
	if h, ok := c.health[id]; ok {
		h.Status = "running"
		h.LastError = ""
		h.LastHeartbeat = c.now()
		h.Restarts++
	}
	c.mu.Unlock()
	metrics.WorkerRestarts.WithLabelValues(id).Inc()
	slog.Info("worker restarted", "coordinator", c.id, "worker", id)
	return nil
}

// StartAll starts every registered worker, returning the first error.
func (c *Coordinator) StartAll(ctx context.Context) error {
	for _, id := range c.ids() {
		if err := c.StartWorker(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every registered worker.
func (c *Coordinator) StopAll() {
	for _, id := range c.ids() {
		if err := c.StopWorker(id); err != nil {
			slog.Warn("stop failed", "worker", id, "err", err)
		}
	}
}

// UpdateWorkerConfig forwards new settings to one worker.
func (c *Coordinator) UpdateWorkerConfig(id string, settings map[string]any) error {
	w, err := c.get(id)
	if err != nil {
		return err
	}
	return w.UpdateConfig(settings)
}

// BroadcastConfig forwards new settings to every worker, logging failures.
func (c *Coordinator) BroadcastConfig(settings map[string]any) {
	for _, id := range c.ids() {
		if err := c.UpdateWorkerConfig(id, settings); err != nil {
			slog.Warn("config update rejected", "worker", id, "err", err)
		}
	}
}

// Dispatch routes a request to one worker.
func (c *Coordinator) Dispatch(ctx context.Context, id string, req worker.Request) (any, error) {
	w, err := c.get(id)
	if err != nil {
		return nil, err
	}
	return w.HandleRequest(ctx, req)
}

// WorkerHealth returns the health record for one worker.
func (c *Coordinator) WorkerHealth(id string) (Health, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.health[id]
	if !ok {
		return Health{}, fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	return *h, nil
}

// Snapshot returns the health of every worker.
func (c *Coordinator) Snapshot() []Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Health, 0, len(c.health))
	for _, h := range c.health {
		out = append(out, *h)
	}
	return out
}

// FindByKind returns a registered worker of the given kind.
func (c *Coordinator) FindByKind(kind string) (worker.Worker, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.workers {
		if w.Kind() == kind {
			return w, true
		}
	}
	return nil, false
}

// Monitor polls worker heartbeats until ctx is cancelled, restarting any
// worker whose heartbeat errors or goes stale.
func (c *Coordinator) Monitor(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	slog.Info("monitor started", "coordinator", c.id, "interval", c.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("monitor stopped", "coordinator", c.id)
			return
		case <-ticker.C:
			c.checkOnce(ctx)
		}
	}
}

// checkOnce heartbeats every worker and restarts the unhealthy ones. A worker
// reporting ErrNotRunning was stopped deliberately and is left alone.
func (c *Coordinator) checkOnce(ctx context.Context) {
	for _, id := range c.ids() {
		w, err := c.get(id)
		if err != nil {
			continue
		}

		hbCtx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
		hbErr := w.Heartbeat(hbCtx)
		cancel()
		stopped := errors.Is(hbErr, worker.ErrNotRunning)

		c.mu.Lock()
		h, ok := c.health[id]
		if !ok {
			c.mu.Unlock()
			continue
		}
		switch {
		case hbErr == nil:
			h.LastHeartbeat = c.now()
			h.Status = "running"
			h.LastError = ""
		case stopped:
			h.Status = "stopped"
			h.LastError = ""
		default:
			h.Status = "error"
			h.LastError = hbErr.Error()
		}
		stale := !stopped && c.now().Sub(h.LastHeartbeat) > c.stale
		unhealthy := (hbErr != nil && !stopped) || stale
		c.mu.Unlock()

		if unhealthy {
			slog.Warn("worker unhealthy", "worker", id, "err", hbErr, "stale", stale)
			if err := c.RestartWorker(ctx, id); err != nil {
				slog.Error("worker restart failed", "worker", id, "err", err)
			}
		}
	}
}

func (c *Coordinator) get(id string) (worker.Worker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	return w, nil
}

func (c *Coordinator) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.workers))
	for id := range c.workers {
		out = append(out, id)
	}
	return out
}

func (c *Coordinator) setStatus(id, status string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.health[id]
	if !ok {
		return
	}
	h.Status = status
	if err != nil {
		h.LastError = err.Error()
	} else {
		h.LastError = ""
	}
	if status == "running" {
		h.LastHeartbeat = c.now()
	}
}
