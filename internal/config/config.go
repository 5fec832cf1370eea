// Package config loads the service configuration from YAML and watches it for
// changes so worker settings can be updated without a restart.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Server configures the HTTP listener.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Android configures SDK tool paths and emulator boot parameters. Durations
// are seconds, matching the wire format of worker config updates.
type Android struct {
	ADBPath        string `yaml:"adb_path"`
	EmulatorPath   string `yaml:"emulator_path"`
	AVDManagerPath string `yaml:"avdmanager_path"`
	AVDName        string `yaml:"avd_name"`
	SystemImage    string `yaml:"system_image"`
	DeviceProfile  string `yaml:"device_profile"`
	BasePort       int    `yaml:"base_port"`
	BootTimeoutSec int    `yaml:"boot_timeout"`
	SnapshotDir    string `yaml:"snapshot_dir"`
	ClaimDir       string `yaml:"claim_dir"`
	LogDir         string `yaml:"log_dir"`
}

// BootTimeout returns the boot timeout as a duration.
func (a Android) BootTimeout() time.Duration {
	return time.Duration(a.BootTimeoutSec) * time.Second
}

// Workers configures worker-side housekeeping.
type Workers struct {
	MaxIdleTimeSec    int `yaml:"max_idle_time"`
	RewardCacheTTLSec int `yaml:"reward_cache_ttl"`
}

// MaxIdleTime returns the idle-prune threshold as a duration.
func (w Workers) MaxIdleTime() time.Duration {
	return time.Duration(w.MaxIdleTimeSec) * time.Second
}

// RewardCacheTTL returns the reward cache entry lifetime as a duration.
func (w Workers) RewardCacheTTL() time.Duration {
	return time.Duration(w.RewardCacheTTLSec) * time.Second
}

// Proxy configures the nginx reverse proxy worker.
type Proxy struct {
	ListenPort int    `yaml:"listen_port"`
	TargetHost string `yaml:"target_host"`
	TargetPort int    `yaml:"target_port"`
	NginxPath  string `yaml:"nginx_path"`
	ConfDir    string `yaml:"conf_dir"`
}

// Logging configures the slog level.
type Logging struct {
	Level string `yaml:"level"`
}

// Config is the root configuration document.
type Config struct {
	Server  Server  `yaml:"server"`
	Android Android `yaml:"android"`
	Workers Workers `yaml:"workers"`
	Proxy   Proxy   `yaml:"proxy"`
	Logging Logging `yaml:"logging"`
}

// Default returns the configuration used when no file or field is provided.
func Default() Config {
	return Config{
		Server: Server{Host: "0.0.0.0", Port: 5000},
		Android: Android{
			AVDName:        "Pixel6_API33",
			SystemImage:    "system-images;android-33;google_apis;x86_64",
			DeviceProfile:  "pixel_6",
			BasePort:       5554,
			BootTimeoutSec: 60,
			SnapshotDir:    "/tmp/droidfarm/snapshots",
			ClaimDir:       "/tmp/droidfarm/claims",
			LogDir:         "/tmp/droidfarm/logs",
		},
		Workers: Workers{
			MaxIdleTimeSec:    3600,
			RewardCacheTTLSec: 3600,
		},
		Proxy: Proxy{
			ListenPort: 8080,
			TargetHost: "127.0.0.1",
			TargetPort: 5000,
			NginxPath:  "nginx",
			ConfDir:    "/tmp/droidfarm/nginx",
		},
		Logging: Logging{Level: "info"},
	}
}

// Load reads path and merges it over the defaults. A missing file is not an
// error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}
