// Package ports hands out emulator port pairs that are unique across all
// threads and processes on the host. Uniqueness between processes relies on
// exclusive creation of a claim file per device serial.
package ports

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// ErrNoPortsAvailable means the scan limit was reached without finding a free,
// claimable port pair.
var ErrNoPortsAvailable = errors.New("no emulator ports available")

const defaultMaxScan = 64

// Pair is an allocated (console, adb) port pair. The adb port is always
// console+1, and the device serial is derived from the adb port.
type Pair struct {
	Console int
	ADB     int
}

// Serial returns the adb device serial for this pair.
func (p Pair) Serial() string {
	return fmt.Sprintf("emulator-%d", p.ADB)
}

// SerialPort extracts the numeric port from an "emulator-<n>" serial.
// Returns -1 for non-emulator serials.
func SerialPort(serial string) int {
	rest, ok := strings.CutPrefix(serial, "emulator-")
	if !ok {
		return -1
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return -1
	}
	return n
}

// Allocator scans even console ports upward from basePort and claims the
// first pair that is free in-process, absent from the adb device list, and
// whose claim file can be created exclusively.
type Allocator struct {
	mu       sync.Mutex
	claimDir string
	basePort int
	maxScan  int
}

// NewAllocator creates an Allocator rooted at claimDir, creating the
// directory if needed.
func NewAllocator(claimDir string, basePort int) (*Allocator, error) {
	if err := os.MkdirAll(claimDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating claim directory: %w", err)
	}
	if basePort%2 != 0 {
		return nil, fmt.Errorf("base port %d must be even", basePort)
	}
	return &Allocator{claimDir: claimDir, basePort: basePort, maxScan: defaultMaxScan}, nil
}

// Acquire returns a claimed port pair. usedConsoles holds console ports of
// in-process bindings; listedSerials holds serials from the adb device list.
func (a *Allocator) Acquire(usedConsoles map[int]bool, listedSerials []string) (Pair, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	listed := make(map[int]bool, len(listedSerials))
	for _, s := range listedSerials {
		if p := SerialPort(s); p > 0 {
			listed[p] = true
		}
	}

	for i := 0; i < a.maxScan; i++ {
		console := a.basePort + 2*i
		pair := Pair{Console: console, ADB: console + 1}
		if usedConsoles[console] || listed[console] || listed[pair.ADB] {
			continue
		}
		ok, err := a.tryClaim(pair.Serial())
		if err != nil {
			return Pair{}, err
		}
		if !ok {
			continue
		}
		slog.Debug("claimed port pair", "console", pair.Console, "adb", pair.ADB)
		return pair, nil
	}
	return Pair{}, fmt.Errorf("%w: scanned %d pairs from %d", ErrNoPortsAvailable, a.maxScan, a.basePort)
}

// ClaimSerial claims a specific serial, used when adopting an orphan emulator
// discovered in the adb device list. Returns false if another process holds
// the claim.
func (a *Allocator) ClaimSerial(serial string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tryClaim(serial)
}

// Release removes the claim file for a serial. Only the process that created
// the claim may call this; crashed-process leftovers are an operator concern.
func (a *Allocator) Release(serial string) {
	path := a.claimPath(serial)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to remove claim file", "path", path, "err", err)
	}
}

// Claimed reports whether a claim file exists for the serial.
func (a *Allocator) Claimed(serial string) bool {
	_, err := os.Stat(a.claimPath(serial))
	return err == nil
}

// tryClaim creates the claim file with exclusive-create semantics. The owning
// PID is written into the file so an external GC can detect stale claims.
func (a *Allocator) tryClaim(serial string) (bool, error) {
	f, err := os.OpenFile(a.claimPath(serial), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("creating claim file: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("closing claim file: %w", err)
	}
	return true, nil
}

func (a *Allocator) claimPath(serial string) string {
	return filepath.Join(a.claimDir, serial+".lock")
}
