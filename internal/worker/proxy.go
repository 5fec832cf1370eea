package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"text/template"
	"time"
)

const proxyStopGrace = 5 * time.Second

// nginxConfTemplate is the reverse proxy configuration rendered for each
// (listen, target) pair. Daemon mode is disabled so the worker owns the
// process directly.
const nginxConfTemplate = `daemon off;
pid {{.PIDFile}};
error_log {{.ErrorLog}};
events {
    worker_connections 256;
}
http {
    access_log off;
    server {
        listen {{.ListenPort}};
        location / {
            proxy_pass http://{{.TargetHost}}:{{.TargetPort}};
            proxy_set_header Host $host;
            proxy_set_header X-Real-IP $remote_addr;
            proxy_read_timeout 300s;
        }
    }
}
`

// ProxySettings are the rendered template inputs.
type ProxySettings struct {
	ListenPort int
	TargetHost string
	TargetPort int
	PIDFile    string
	ErrorLog   string
}

// proxyProcess is the slice of a running nginx the worker needs.
type proxyProcess interface {
	Alive() bool
	Stop(grace time.Duration) error
}

// ProxyWorker runs an nginx reverse proxy in front of the API from a rendered
// configuration file.
type ProxyWorker struct {
	base
	nginxPath string
	confDir   string

	procMu   sync.Mutex
	settings ProxySettings
	proc     proxyProcess

	// start is swapped out in tests.
	start func(confPath string) (proxyProcess, error)
}

// NewProxyWorker creates the proxy worker. nginx is not started until Start.
func NewProxyWorker(id, nginxPath, confDir string, settings ProxySettings) *ProxyWorker {
	w := &ProxyWorker{
		base:      newBase(id, "proxy", time.Minute),
		nginxPath: nginxPath,
		confDir:   confDir,
		settings:  settings,
	}
	w.start = w.startNginx
	return w
}

// Start renders the configuration and launches nginx.
func (w *ProxyWorker) Start(ctx context.Context) error {
	confPath, err := w.renderConf()
	if err != nil {
		return err
	}
	proc, err := w.start(confPath)
	if err != nil {
		return fmt.Errorf("starting nginx: %w", err)
	}

	w.procMu.Lock()
	w.proc = proc
	w.procMu.Unlock()

	if err := w.startLoop(ctx, nil); err != nil {
		_ = proc.Stop(proxyStopGrace)
		return err
	}
	slog.Info("proxy started", "worker", w.id, "listen", w.settings.ListenPort,
		"target", fmt.Sprintf("%s:%d", w.settings.TargetHost, w.settings.TargetPort))
	return nil
}

// Stop terminates nginx and the worker loop.
func (w *ProxyWorker) Stop() error {
	w.stopLoop()

	w.procMu.Lock()
	proc := w.proc
	w.proc = nil
	w.procMu.Unlock()

	if proc == nil {
		return nil
	}
	if err := proc.Stop(proxyStopGrace); err != nil {
		return fmt.Errorf("stopping nginx: %w", err)
	}
	return nil
}

// Heartbeat reports ErrNotRunning for a stopped worker and a plain error when
// nginx died underneath a running one; only the latter triggers a restart.
func (w *ProxyWorker) Heartbeat(context.Context) error {
	if !w.isRunning() {
		return fmt.Errorf("%w: %s", ErrNotRunning, w.id)
	}
	w.procMu.Lock()
	proc := w.proc
	w.procMu.Unlock()
	if proc == nil || !proc.Alive() {
		return fmt.Errorf("nginx process for %s is not running", w.id)
	}
	return nil
}

// UpdateConfig applies new listen/target settings by restarting nginx with a
// re-rendered configuration.
func (w *ProxyWorker) UpdateConfig(settings map[string]any) error {
	w.procMu.Lock()
	next := w.settings
	w.procMu.Unlock()

	changed := false
	if v, ok := asFloat(settings["listen_port"]); ok {
		next.ListenPort = int(v)
		changed = true
	}
	if v, ok := settings["target_host"].(string); ok && v != "" {
		next.TargetHost = v
		changed = true
	}
	if v, ok := asFloat(settings["target_port"]); ok {
		next.TargetPort = int(v)
		changed = true
	}
	if !changed {
		return nil
	}

	w.procMu.Lock()
	w.settings = next
	old := w.proc
	w.procMu.Unlock()

	if !w.isRunning() {
		return nil
	}
	if old != nil {
		if err := old.Stop(proxyStopGrace); err != nil {
			slog.Warn("stopping nginx for reconfigure failed", "worker", w.id, "err", err)
		}
	}

	confPath, err := w.renderConf()
	if err != nil {
		return err
	}
	proc, err := w.start(confPath)
	if err != nil {
		return fmt.Errorf("restarting nginx: %w", err)
	}
	w.procMu.Lock()
	w.proc = proc
	w.procMu.Unlock()
	slog.Info("proxy reconfigured", "worker", w.id, "listen", next.ListenPort)
	return nil
}

// HandleRequest dispatches the generic worker request types.
func (w *ProxyWorker) HandleRequest(_ context.Context, req Request) (any, error) {
	switch req.Type {
	case "status":
		w.procMu.Lock()
		defer w.procMu.Unlock()
		alive := w.proc != nil && w.proc.Alive()
		return map[string]any{
			"nginx_running": alive,
			"listen_port":   w.settings.ListenPort,
			"target_host":   w.settings.TargetHost,
			"target_port":   w.settings.TargetPort,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, req.Type)
	}
}

// renderConf writes the nginx configuration for the current settings and
// returns its path.
func (w *ProxyWorker) renderConf() (string, error) {
	if err := os.MkdirAll(w.confDir, 0o755); err != nil {
		return "", fmt.Errorf("creating nginx conf directory: %w", err)
	}

	w.procMu.Lock()
	settings := w.settings
	w.procMu.Unlock()
	if settings.PIDFile == "" {
		settings.PIDFile = filepath.Join(w.confDir, "nginx.pid")
	}
	if settings.ErrorLog == "" {
		settings.ErrorLog = filepath.Join(w.confDir, "nginx-error.log")
	}

	tmpl := template.Must(template.New("nginx").Parse(nginxConfTemplate))
	confPath := filepath.Join(w.confDir, "droidfarm-proxy.conf")
	f, err := os.Create(confPath)
	if err != nil {
		return "", fmt.Errorf("creating nginx conf: %w", err)
	}
	if err := tmpl.Execute(f, settings); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("rendering nginx conf: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("writing nginx conf: %w", err)
	}
	return confPath, nil
}

func (w *ProxyWorker) startNginx(confPath string) (proxyProcess, error) {
	cmd := exec.Command(w.nginxPath, "-c", confPath)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &osProxyProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type osProxyProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *osProxyProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *osProxyProcess) Stop(grace time.Duration) error {
	if !p.Alive() {
		return nil
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return err
	}
	<-p.done
	return nil
}
