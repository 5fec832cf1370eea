// Package trajectory binds agent trajectories to emulator devices and drives
// the step, save, load, reset, and remove operations across them. The manager
// holds its lock only for map access; every emulator or adb call happens with
// the lock released.
package trajectory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"droidfarm/internal/action"
	"droidfarm/internal/adb"
	"droidfarm/internal/emulator"
	"droidfarm/internal/metrics"
	"droidfarm/internal/ports"
)

var (
	// ErrTrajectoryNotFound means no binding and no saved snapshot exist for
	// the given trajectory ID.
	ErrTrajectoryNotFound = errors.New("trajectory not found")

	// ErrSnapshotFailed means the emulator console rejected a snapshot
	// save or load.
	ErrSnapshotFailed = errors.New("snapshot operation failed")

	// ErrTrajectoryBusy means another caller is already booting an emulator
	// for this trajectory.
	ErrTrajectoryBusy = errors.New("trajectory operation in progress")
)

// Status describes where a binding is in its lifecycle.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusSaved    Status = "saved"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Binding ties a trajectory to its emulator device.
type Binding struct {
	TrajectoryID string
	DeviceID     string
	ConsolePort  int
	ADBPort      int
	SnapshotName string
	Status       Status
	CreatedAt    time.Time
	LastActionAt time.Time

	proc emulator.Process
}

// Supervisor is the slice of the emulator supervisor the manager needs.
type Supervisor interface {
	Start(ctx context.Context, trajectoryID string, consolePort int, opts emulator.Options) (emulator.Process, error)
	Kill(ctx context.Context, serial string) error
	SaveSnapshot(ctx context.Context, serial, name string) (string, error)
	LoadSnapshot(ctx context.Context, serial, name string) (string, error)
}

// Manager owns the trajectory-to-device bindings.
type Manager struct {
	sup      Supervisor
	runner   adb.Runner
	executor *Executor
	alloc    *ports.Allocator
	store    *Store

	opts emulator.Options

	mu       sync.Mutex
	bindings map[string]*Binding

	now   func() time.Time
	newID func() string
}

// NewManager wires a Manager from its collaborators. opts is the launch
// configuration used for every emulator this manager boots.
func NewManager(sup Supervisor, runner adb.Runner, alloc *ports.Allocator, store *Store, opts emulator.Options) *Manager {
	return &Manager{
		sup:      sup,
		runner:   runner,
		executor: NewExecutor(runner),
		alloc:    alloc,
		store:    store,
		opts:     opts,
		bindings: make(map[string]*Binding),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Create starts a new trajectory. A free already-running emulator is adopted
// when one exists; otherwise a fresh one is booted on a newly claimed port
// pair. Returns the binding and the new trajectory ID.
func (m *Manager) Create(ctx context.Context) (Binding, error) {
	id := m.newID()

	if b, ok := m.adoptIdleDevice(ctx, id); ok {
		slog.Info("adopted running emulator", "trajectory", id, "device", b.DeviceID)
		return b, nil
	}

	devices, err := m.runner.Devices(ctx)
	if err != nil {
		slog.Warn("device list unavailable, allocating blind", "err", err)
	}
	var serials []string
	for _, d := range devices {
		serials = append(serials, d.Serial)
	}

	m.mu.Lock()
	used := make(map[int]bool, len(m.bindings))
	for _, b := range m.bindings {
		used[b.ConsolePort] = true
	}
	m.mu.Unlock()

	pair, err := m.alloc.Acquire(used, serials)
	if err != nil {
		return Binding{}, err
	}

	b := &Binding{
		TrajectoryID: id,
		DeviceID:     pair.Serial(),
		ConsolePort:  pair.Console,
		ADBPort:      pair.ADB,
		Status:       StatusStarting,
		CreatedAt:    m.now(),
		LastActionAt: m.now(),
	}
	m.mu.Lock()
	m.bindings[id] = b
	m.mu.Unlock()

	bootStart := m.now()
	proc, err := m.sup.Start(ctx, id, pair.Console, m.opts)
	if err != nil {
		m.mu.Lock()
		delete(m.bindings, id)
		m.mu.Unlock()
		m.alloc.Release(pair.Serial())
		return Binding{}, fmt.Errorf("starting trajectory %s: %w", id, err)
	}
	metrics.BootDuration.Observe(m.now().Sub(bootStart).Seconds())

	m.mu.Lock()
	b.proc = proc
	b.Status = StatusRunning
	out := *b
	m.mu.Unlock()
	slog.Info("trajectory created", "trajectory", id, "device", b.DeviceID)
	return out, nil
}

// adoptIdleDevice binds id to a running emulator that no trajectory owns and
// whose claim file can be taken. Returns false when no such device exists.
func (m *Manager) adoptIdleDevice(ctx context.Context, id string) (Binding, bool) {
	devices, err := m.runner.Devices(ctx)
	if err != nil {
		return Binding{}, false
	}

	m.mu.Lock()
	bound := make(map[string]bool, len(m.bindings))
	for _, b := range m.bindings {
		bound[b.DeviceID] = true
	}
	m.mu.Unlock()

	for _, d := range devices {
		if !d.IsEmulator() || d.State != "device" || bound[d.Serial] {
			continue
		}
		ok, err := m.alloc.ClaimSerial(d.Serial)
		if err != nil || !ok {
			continue
		}
		adbPort := ports.SerialPort(d.Serial)
		b := &Binding{
			TrajectoryID: id,
			DeviceID:     d.Serial,
			ConsolePort:  adbPort - 1,
			ADBPort:      adbPort,
			Status:       StatusRunning,
			CreatedAt:    m.now(),
			LastActionAt: m.now(),
		}
		m.mu.Lock()
		m.bindings[id] = b
		out := *b
		m.mu.Unlock()
		return out, true
	}
	return Binding{}, false
}

// Step executes one action on a trajectory's device. Trajectories that only
// exist as a saved snapshot are loaded back first.
func (m *Manager) Step(ctx context.Context, id string, input any) (Observation, error) {
	a, err := action.Translate(input)
	if err != nil {
		return Observation{}, err
	}

	b, err := m.ensureRunning(ctx, id)
	if err != nil {
		return Observation{}, err
	}

	obs, err := m.executor.Execute(ctx, b.DeviceID, a)
	if err != nil {
		return Observation{}, fmt.Errorf("stepping trajectory %s: %w", id, err)
	}

	m.mu.Lock()
	if cur, ok := m.bindings[id]; ok {
		cur.LastActionAt = m.now()
	}
	m.mu.Unlock()
	return obs, nil
}

// ensureRunning returns a copy of a live binding for id, restoring it from a
// saved snapshot when needed. A binding left in the saved state is still live;
// the next action flips it straight back to running without a reboot.
func (m *Manager) ensureRunning(ctx context.Context, id string) (Binding, error) {
	m.mu.Lock()
	b, ok := m.bindings[id]
	if ok {
		switch b.Status {
		case StatusRunning:
			out := *b
			m.mu.Unlock()
			return out, nil
		case StatusSaved:
			b.Status = StatusRunning
			out := *b
			m.mu.Unlock()
			return out, nil
		case StatusStarting:
			m.mu.Unlock()
			return Binding{}, fmt.Errorf("%w: %s", ErrTrajectoryBusy, id)
		}
	}
	m.mu.Unlock()

	if !ok && !m.store.Exists(id) {
		return Binding{}, fmt.Errorf("%w: %s", ErrTrajectoryNotFound, id)
	}
	return m.Load(ctx, id)
}

// Save snapshots a trajectory's device state so it can be restored later. The
// emulator keeps running; the binding sits in the saved state until the next
// action resumes it.
func (m *Manager) Save(ctx context.Context, id string) (Meta, error) {
	m.mu.Lock()
	b, ok := m.bindings[id]
	if !ok {
		m.mu.Unlock()
		return Meta{}, fmt.Errorf("%w: %s", ErrTrajectoryNotFound, id)
	}
	bc := *b
	m.mu.Unlock()

	name := snapshotName(id)
	out, err := m.sup.SaveSnapshot(ctx, bc.DeviceID, name)
	if err != nil {
		return Meta{}, fmt.Errorf("saving trajectory %s: %w", id, err)
	}
	if !emulator.SnapshotOK(out) {
		return Meta{}, fmt.Errorf("%w: save %s: %s", ErrSnapshotFailed, name, out)
	}

	meta := Meta{
		TrajectoryID: id,
		DeviceID:     bc.DeviceID,
		Port:         bc.ADBPort,
		SnapshotName: name,
		Timestamp:    float64(m.now().UnixNano()) / float64(time.Second),
	}
	if err := m.store.Save(meta); err != nil {
		return Meta{}, err
	}

	m.mu.Lock()
	if cur, ok := m.bindings[id]; ok {
		cur.SnapshotName = name
		cur.Status = StatusSaved
	}
	m.mu.Unlock()
	slog.Info("trajectory saved", "trajectory", id, "snapshot", name)
	return meta, nil
}

// Load restores a trajectory from its saved snapshot. Any emulator currently
// bound to the trajectory is torn down first, then a fresh one boots directly
// into the snapshot.
func (m *Manager) Load(ctx context.Context, id string) (Binding, error) {
	meta, err := m.store.Load(id)
	if err != nil {
		return Binding{}, err
	}

	m.mu.Lock()
	old, hadBinding := m.bindings[id]
	if hadBinding && old.Status == StatusStarting {
		m.mu.Unlock()
		return Binding{}, fmt.Errorf("%w: %s", ErrTrajectoryBusy, id)
	}
	var oldCopy Binding
	if hadBinding {
		oldCopy = *old
		delete(m.bindings, id)
	}
	m.mu.Unlock()
	if hadBinding {
		m.teardownDevice(ctx, oldCopy)
	}

	devices, err := m.runner.Devices(ctx)
	if err != nil {
		slog.Warn("device list unavailable before load", "err", err)
	}
	var serials []string
	for _, d := range devices {
		serials = append(serials, d.Serial)
	}

	m.mu.Lock()
	used := make(map[int]bool, len(m.bindings))
	for _, b := range m.bindings {
		used[b.ConsolePort] = true
	}
	m.mu.Unlock()

	pair, err := m.alloc.Acquire(used, serials)
	if err != nil {
		return Binding{}, err
	}

	opts := m.opts
	opts.Snapshot = meta.SnapshotName
	opts.SnapshotLoad = true

	b := &Binding{
		TrajectoryID: id,
		DeviceID:     pair.Serial(),
		ConsolePort:  pair.Console,
		ADBPort:      pair.ADB,
		SnapshotName: meta.SnapshotName,
		Status:       StatusStarting,
		CreatedAt:    m.now(),
		LastActionAt: m.now(),
	}
	m.mu.Lock()
	m.bindings[id] = b
	m.mu.Unlock()

	bootStart := m.now()
	proc, err := m.sup.Start(ctx, id, pair.Console, opts)
	if err != nil {
		m.mu.Lock()
		delete(m.bindings, id)
		m.mu.Unlock()
		m.alloc.Release(pair.Serial())
		return Binding{}, fmt.Errorf("loading trajectory %s: %w", id, err)
	}
	metrics.BootDuration.Observe(m.now().Sub(bootStart).Seconds())

	m.mu.Lock()
	b.proc = proc
	b.Status = StatusRunning
	out := *b
	m.mu.Unlock()
	slog.Info("trajectory loaded", "trajectory", id, "snapshot", meta.SnapshotName, "device", b.DeviceID)
	return out, nil
}

// Reset returns a trajectory's device to the baseline snapshot. When the
// baseline cannot be loaded the device is walked back to the home screen and
// recent apps are dismissed instead.
func (m *Manager) Reset(ctx context.Context, id string) error {
	m.mu.Lock()
	b, ok := m.bindings[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTrajectoryNotFound, id)
	}
	device := b.DeviceID
	m.mu.Unlock()

	out, err := m.sup.LoadSnapshot(ctx, device, emulator.BaselineSnapshot)
	if err == nil && emulator.SnapshotOK(out) {
		slog.Info("trajectory reset from baseline", "trajectory", id)
		return nil
	}
	slog.Warn("baseline load failed, resetting via home screen", "trajectory", id, "err", err, "out", out)

	for _, code := range []string{"KEYCODE_HOME", "KEYCODE_APP_SWITCH", "KEYCODE_HOME"} {
		if _, err := m.runner.RunChecked(ctx, device, "shell", "input", "keyevent", code); err != nil {
			return fmt.Errorf("resetting trajectory %s: %w", id, err)
		}
	}
	return nil
}

// Remove tears a trajectory down completely: emulator, port claim, and saved
// snapshot metadata. It succeeds if any of those existed.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	b, hadBinding := m.bindings[id]
	var bc Binding
	if hadBinding {
		bc = *b
		delete(m.bindings, id)
	}
	m.mu.Unlock()

	hadMeta := m.store.Exists(id)
	if !hadBinding && !hadMeta {
		return fmt.Errorf("%w: %s", ErrTrajectoryNotFound, id)
	}

	if hadBinding {
		m.teardownDevice(ctx, bc)
	}
	if err := m.store.Delete(id); err != nil {
		slog.Warn("failed to delete snapshot meta", "trajectory", id, "err", err)
	}
	slog.Info("trajectory removed", "trajectory", id)
	return nil
}

// teardownDevice shuts down a binding's emulator and releases its claim.
// Everything is best-effort; removal must not fail on a dead emulator.
func (m *Manager) teardownDevice(ctx context.Context, b Binding) {
	if err := m.sup.Kill(ctx, b.DeviceID); err != nil {
		slog.Debug("console kill failed", "device", b.DeviceID, "err", err)
	}
	if b.proc != nil {
		if err := b.proc.Stop(5 * time.Second); err != nil {
			slog.Warn("emulator process stop failed", "device", b.DeviceID, "err", err)
		}
	}
	m.alloc.Release(b.DeviceID)
}

// AppAction performs an app management operation on a trajectory's device.
// op is one of install, uninstall, stop, clear; target is the APK path for
// install and the package name otherwise.
func (m *Manager) AppAction(ctx context.Context, id, op, target string) error {
	if target == "" {
		return fmt.Errorf("%w: app operation %q needs a target", action.ErrInvalidAction, op)
	}
	b, err := m.ensureRunning(ctx, id)
	if err != nil {
		return err
	}
	switch op {
	case "install":
		return adb.InstallApp(ctx, m.runner, b.DeviceID, target)
	case "uninstall":
		return adb.UninstallApp(ctx, m.runner, b.DeviceID, target)
	case "stop":
		return adb.StopApp(ctx, m.runner, b.DeviceID, target)
	case "clear":
		return adb.ClearAppData(ctx, m.runner, b.DeviceID, target)
	default:
		return fmt.Errorf("%w: unknown app operation %q", action.ErrInvalidAction, op)
	}
}

// SnapshotPath returns the metadata file path for a trajectory's snapshot.
func (m *Manager) SnapshotPath(id string) string {
	return m.store.Path(id)
}

// Get returns a copy of the binding for id.
func (m *Manager) Get(id string) (Binding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[id]
	if !ok {
		return Binding{}, false
	}
	return *b, true
}

// List returns copies of all current bindings.
func (m *Manager) List() []Binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Binding, 0, len(m.bindings))
	for _, b := range m.bindings {
		out = append(out, *b)
	}
	return out
}

// Count returns the number of live bindings.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bindings)
}

// DeviceFor resolves the device serial for a trajectory, consulting saved
// snapshot metadata when no live binding exists.
func (m *Manager) DeviceFor(id string) (string, error) {
	if b, ok := m.Get(id); ok {
		return b.DeviceID, nil
	}
	meta, err := m.store.Load(id)
	if err != nil {
		if errors.Is(err, ErrSnapshotMissing) {
			return "", fmt.Errorf("%w: %s", ErrTrajectoryNotFound, id)
		}
		return "", err
	}
	return meta.DeviceID, nil
}

// PruneIdle removes trajectories whose last action is older than maxIdle.
// Returns the removed trajectory IDs.
func (m *Manager) PruneIdle(ctx context.Context, maxIdle time.Duration) []string {
	cutoff := m.now().Add(-maxIdle)

	m.mu.Lock()
	var stale []string
	for id, b := range m.bindings {
		if b.LastActionAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	var removed []string
	for _, id := range stale {
		if err := m.Remove(ctx, id); err != nil {
			slog.Warn("idle prune failed", "trajectory", id, "err", err)
			continue
		}
		slog.Info("pruned idle trajectory", "trajectory", id)
		removed = append(removed, id)
	}
	return removed
}

// snapshotName derives the emulator snapshot name for a trajectory.
func snapshotName(id string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return "sandbox_" + short
}
