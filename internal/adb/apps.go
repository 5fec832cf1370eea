package adb

import (
	"context"
	"fmt"
)

// InstallApp installs (or reinstalls) an APK on the device.
func InstallApp(ctx context.Context, r Runner, device, apkPath string) error {
	if _, err := r.RunChecked(ctx, device, "install", "-r", apkPath); err != nil {
		return fmt.Errorf("installing %s: %w", apkPath, err)
	}
	return nil
}

// UninstallApp removes a package from the device.
func UninstallApp(ctx context.Context, r Runner, device, pkg string) error {
	if _, err := r.RunChecked(ctx, device, "uninstall", pkg); err != nil {
		return fmt.Errorf("uninstalling %s: %w", pkg, err)
	}
	return nil
}

// StopApp force-stops a package.
func StopApp(ctx context.Context, r Runner, device, pkg string) error {
	if _, err := r.RunChecked(ctx, device, "shell", "am", "force-stop", pkg); err != nil {
		return fmt.Errorf("stopping %s: %w", pkg, err)
	}
	return nil
}

// ClearAppData clears a package's data and cache.
func ClearAppData(ctx context.Context, r Runner, device, pkg string) error {
	if _, err := r.RunChecked(ctx, device, "shell", "pm", "clear", pkg); err != nil {
		return fmt.Errorf("clearing %s: %w", pkg, err)
	}
	return nil
}
