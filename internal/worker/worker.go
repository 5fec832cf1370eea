// Package worker defines the long-running workers that the coordinator
// supervises: the Android environment worker, the reward worker, and the
// nginx proxy worker. Each worker runs a periodic housekeeping loop and
// answers typed requests.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrNotRunning is returned by operations that need a started worker.
	ErrNotRunning = errors.New("worker not running")

	// ErrUnknownRequest means the worker does not handle the request type.
	ErrUnknownRequest = errors.New("unknown request type")
)

// Request is a typed message dispatched to a worker.
type Request struct {
	Type    string
	Payload map[string]any
}

// Worker is the contract the coordinator supervises against.
type Worker interface {
	ID() string
	Kind() string
	Start(ctx context.Context) error
	Stop() error
	Heartbeat(ctx context.Context) error
	UpdateConfig(settings map[string]any) error
	HandleRequest(ctx context.Context, req Request) (any, error)
}

// base provides the shared lifecycle: a periodic tick goroutine, stop
// signalling, and running-state bookkeeping. Embedders supply the tick.
type base struct {
	id       string
	kind     string
	interval time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func newBase(id, kind string, interval time.Duration) base {
	return base{id: id, kind: kind, interval: interval}
}

func (b *base) ID() string   { return b.id }
func (b *base) Kind() string { return b.kind }

// startLoop begins the periodic loop. Starting a running worker is an error.
// A nil tick runs no loop but still flips the running state.
func (b *base) startLoop(ctx context.Context, tick func(context.Context)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("worker %s already running", b.id)
	}
	b.running = true
	b.stop = make(chan struct{})
	b.done = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		if tick == nil {
			<-stop
			return
		}
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				tick(ctx)
			}
		}
	}(b.stop, b.done)

	slog.Info("worker started", "worker", b.id, "kind", b.kind)
	return nil
}

// stopLoop signals the loop and waits for it to exit. Stopping a stopped
// worker is a no-op.
func (b *base) stopLoop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	stop, done := b.stop, b.done
	b.mu.Unlock()

	close(stop)
	<-done
	slog.Info("worker stopped", "worker", b.id, "kind", b.kind)
}

func (b *base) isRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}
