package worker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeProxyProc struct {
	mu      sync.Mutex
	alive   bool
	stopped int
}

func (p *fakeProxyProc) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *fakeProxyProc) Stop(time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive = false
	p.stopped++
	return nil
}

func newTestProxyWorker(t *testing.T) (*ProxyWorker, *[]*fakeProxyProc) {
	t.Helper()
	confDir := t.TempDir()
	w := NewProxyWorker("proxy-1", "nginx", confDir, ProxySettings{
		ListenPort: 8080,
		TargetHost: "127.0.0.1",
		TargetPort: 5000,
	})
	var procs []*fakeProxyProc
	w.start = func(confPath string) (proxyProcess, error) {
		p := &fakeProxyProc{alive: true}
		procs = append(procs, p)
		return p, nil
	}
	return w, &procs
}

func TestProxyWorker_StartRendersConf(t *testing.T) {
	w, procs := newTestProxyWorker(t)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	data, err := os.ReadFile(filepath.Join(w.confDir, "droidfarm-proxy.conf"))
	if err != nil {
		t.Fatal(err)
	}
	conf := string(data)
	for _, want := range []string{
		"daemon off;",
		"listen 8080;",
		"proxy_pass http://127.0.0.1:5000;",
	} {
		if !strings.Contains(conf, want) {
			t.Errorf("conf missing %q:\n%s", want, conf)
		}
	}
	if len(*procs) != 1 {
		t.Fatalf("started %d processes", len(*procs))
	}
	if err := w.Heartbeat(context.Background()); err != nil {
		t.Errorf("heartbeat: %v", err)
	}
}

func TestProxyWorker_HeartbeatDetectsDeadNginx(t *testing.T) {
	w, procs := newTestProxyWorker(t)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	(*procs)[0].mu.Lock()
	(*procs)[0].alive = false
	(*procs)[0].mu.Unlock()

	if err := w.Heartbeat(context.Background()); err == nil {
		t.Error("heartbeat passed with dead nginx")
	}
}

func TestProxyWorker_UpdateConfigRestarts(t *testing.T) {
	w, procs := newTestProxyWorker(t)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := w.UpdateConfig(map[string]any{"listen_port": float64(9090)}); err != nil {
		t.Fatal(err)
	}
	if len(*procs) != 2 {
		t.Fatalf("processes = %d, want restart", len(*procs))
	}
	if (*procs)[0].stopped == 0 {
		t.Error("old nginx not stopped")
	}

	data, err := os.ReadFile(filepath.Join(w.confDir, "droidfarm-proxy.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "listen 9090;") {
		t.Errorf("conf not re-rendered:\n%s", data)
	}
}

func TestProxyWorker_StopTerminatesNginx(t *testing.T) {
	w, procs := newTestProxyWorker(t)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := w.Stop(); err != nil {
		t.Fatal(err)
	}
	if (*procs)[0].Alive() {
		t.Error("nginx still alive after stop")
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second stop: %v", err)
	}
}
