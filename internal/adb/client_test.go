package adb

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseDevices(t *testing.T) {
	out := `List of devices attached
emulator-5554	device product:sdk_gphone64_x86_64 model:sdk_gphone64_x86_64
emulator-5556	offline

192.168.1.4:5555	device
`
	devices := parseDevices(out)
	want := []Device{
		{Serial: "emulator-5554", State: "device"},
		{Serial: "emulator-5556", State: "offline"},
		{Serial: "192.168.1.4:5555", State: "device"},
	}
	if len(devices) != len(want) {
		t.Fatalf("got %d devices, want %d: %v", len(devices), len(want), devices)
	}
	for i, d := range devices {
		if d != want[i] {
			t.Errorf("device %d = %v, want %v", i, d, want[i])
		}
	}
}

func TestParseDevices_Empty(t *testing.T) {
	if devices := parseDevices("List of devices attached\n\n"); len(devices) != 0 {
		t.Errorf("expected no devices, got %v", devices)
	}
}

func TestDeviceIsEmulator(t *testing.T) {
	if !(Device{Serial: "emulator-5554"}).IsEmulator() {
		t.Error("emulator-5554 should be an emulator")
	}
	if (Device{Serial: "192.168.1.4:5555"}).IsEmulator() {
		t.Error("tcp device should not be an emulator")
	}
}

func TestResolveBinary_PrefersExistingPath(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "adb")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := resolveBinary(bin, nil)
	if err != nil {
		t.Fatalf("resolveBinary: %v", err)
	}
	if got != bin {
		t.Errorf("resolved %q, want %q", got, bin)
	}
}

func TestResolveBinary_NoCandidates(t *testing.T) {
	if _, err := resolveBinary(filepath.Join(t.TempDir(), "missing"), nil); err == nil {
		t.Error("expected error for missing binary")
	}
}

func TestNewClient_MissingBinary(t *testing.T) {
	// Shadow PATH lookup candidates by using a path that cannot exist.
	old := candidatePaths
	candidatePaths = nil
	defer func() { candidatePaths = old }()

	if _, err := NewClient(filepath.Join(t.TempDir(), "nope", "adb")); err == nil {
		t.Error("expected ErrBridgeUnavailable")
	}
}
