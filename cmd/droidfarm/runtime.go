package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"droidfarm/internal/adb"
	"droidfarm/internal/config"
	"droidfarm/internal/coordinator"
	"droidfarm/internal/emulator"
	"droidfarm/internal/ports"
	"droidfarm/internal/trajectory"
	"droidfarm/internal/worker"
)

const (
	envWorkerID    = "env-worker"
	rewardWorkerID = "reward-worker"
	proxyWorkerID  = "proxy-worker"
)

// emulatorCandidates lists conventional emulator binary locations checked
// when the configured path does not exist.
var emulatorCandidates = []string{
	"emulator",
	"/opt/android-sdk/emulator/emulator",
}

// avdmanagerCandidates lists conventional avdmanager locations.
var avdmanagerCandidates = []string{
	"avdmanager",
	"/opt/android-sdk/cmdline-tools/latest/bin/avdmanager",
}

// runtime bundles the wired service graph for one process.
type runtime struct {
	cfg     config.Config
	client  *adb.Client
	manager *trajectory.Manager
	coord   *coordinator.Coordinator
	env     *worker.EnvWorker
	reward  *worker.RewardWorker
	proxy   *worker.ProxyWorker
}

// buildRuntime wires the full service graph from configuration. The adb
// server is started eagerly; a missing bridge CLI is fatal.
func buildRuntime(ctx context.Context, cfg config.Config) (*runtime, error) {
	client, err := adb.NewClient(cfg.Android.ADBPath)
	if err != nil {
		return nil, err
	}
	if err := client.EnsureServer(ctx); err != nil {
		return nil, err
	}

	alloc, err := ports.NewAllocator(cfg.Android.ClaimDir, cfg.Android.BasePort)
	if err != nil {
		return nil, err
	}
	store, err := trajectory.NewStore(cfg.Android.SnapshotDir)
	if err != nil {
		return nil, err
	}

	emulatorPath, err := resolveBinary(cfg.Android.EmulatorPath, emulatorCandidates)
	if err != nil {
		return nil, fmt.Errorf("locating emulator binary: %w", err)
	}
	avdmanagerPath, _ := resolveBinary(cfg.Android.AVDManagerPath, avdmanagerCandidates)

	sup := emulator.NewSupervisor(emulator.Config{
		AVDName:        cfg.Android.AVDName,
		AVDManagerPath: avdmanagerPath,
		SystemImage:    cfg.Android.SystemImage,
		DeviceProfile:  cfg.Android.DeviceProfile,
		BootTimeout:    cfg.Android.BootTimeout(),
		LogDir:         cfg.Android.LogDir,
	}, &emulator.ExecLauncher{Path: emulatorPath}, client)

	manager := trajectory.NewManager(sup, client, alloc, store, emulator.DefaultOptions())

	rt := &runtime{
		cfg:     cfg,
		client:  client,
		manager: manager,
		coord:   coordinator.New(),
		env:     worker.NewEnvWorker(envWorkerID, manager, cfg.Workers.MaxIdleTime()),
		reward:  worker.NewRewardWorker(rewardWorkerID, manager, client, cfg.Workers.RewardCacheTTL()),
		proxy: worker.NewProxyWorker(proxyWorkerID, cfg.Proxy.NginxPath, cfg.Proxy.ConfDir, worker.ProxySettings{
			ListenPort: cfg.Proxy.ListenPort,
			TargetHost: cfg.Proxy.TargetHost,
			TargetPort: cfg.Proxy.TargetPort,
		}),
	}

	for _, w := range []worker.Worker{rt.env, rt.reward, rt.proxy} {
		if err := rt.coord.Register(w); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

// watchConfig pushes hot-reloadable settings to the workers when the config
// file changes. Blocks until ctx is cancelled; no-op without a config path.
func (rt *runtime) watchConfig(ctx context.Context) {
	if configPath == "" {
		return
	}
	_ = config.Watch(ctx, configPath, func(cfg config.Config) {
		rt.coord.BroadcastConfig(map[string]any{
			"max_idle_time":    cfg.Workers.MaxIdleTimeSec,
			"reward_cache_ttl": cfg.Workers.RewardCacheTTLSec,
			"listen_port":      cfg.Proxy.ListenPort,
			"target_host":      cfg.Proxy.TargetHost,
			"target_port":      cfg.Proxy.TargetPort,
		})
	})
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	applyLogLevel(cfg.Logging.Level)
	return cfg, nil
}

// resolveBinary returns the first usable binary among preferred and the
// fallback candidates. Bare names are looked up in PATH.
func resolveBinary(preferred string, candidates []string) (string, error) {
	all := append([]string{preferred}, candidates...)
	for _, p := range all {
		if p == "" {
			continue
		}
		if strings.Contains(p, string(os.PathSeparator)) {
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
			continue
		}
		if found, err := exec.LookPath(p); err == nil {
			return found, nil
		}
	}
	return "", fmt.Errorf("no usable binary among %v", all)
}
