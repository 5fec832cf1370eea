package emulator

import "strconv"

// Options control how an emulator instance is launched. ReadOnly defaults to
// true so concurrent instances can share one AVD image.
type Options struct {
	NoWindow   bool
	NoAudio    bool
	NoBootAnim bool
	WipeData   bool
	ReadOnly   bool
	NoSnapshot bool

	// Accel is "on", "off", or empty for emulator default.
	Accel string

	// Snapshot names a snapshot to attach; SnapshotLoad additionally loads
	// it at boot.
	Snapshot     string
	SnapshotLoad bool
}

// DefaultOptions are the settings used for sandbox instances: headless,
// silent, and safe to run concurrently against a shared AVD.
func DefaultOptions() Options {
	return Options{
		NoWindow:   true,
		NoAudio:    true,
		NoBootAnim: true,
		ReadOnly:   true,
	}
}

// Flags renders the full emulator argument list for an AVD on a console port.
// The gRPC endpoint always sits at consolePort+1000.
func (o Options) Flags(avd string, consolePort int) []string {
	args := []string{
		"-avd", avd,
		"-port", strconv.Itoa(consolePort),
		"-grpc", strconv.Itoa(consolePort + 1000),
	}
	if o.NoWindow {
		args = append(args, "-no-window")
	}
	if o.NoAudio {
		args = append(args, "-no-audio")
	}
	if o.NoBootAnim {
		args = append(args, "-no-boot-anim")
	}
	if o.WipeData {
		args = append(args, "-wipe-data")
	}
	if o.ReadOnly {
		args = append(args, "-read-only")
	}
	if o.NoSnapshot {
		args = append(args, "-no-snapshot")
	}
	if o.Accel != "" {
		args = append(args, "-accel", o.Accel)
	}
	if o.Snapshot != "" {
		args = append(args, "-snapshot", o.Snapshot)
		if o.SnapshotLoad {
			args = append(args, "-snapshot-load")
		}
	}
	return args
}
