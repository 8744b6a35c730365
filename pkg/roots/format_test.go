package roots

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"git.srvlab.io/whiskey/recovery-roots/pkg/mount"
)

// mockExecCommand returns an execCommand that records the invocation and
// runs TestHelperProcess in its place.
func mockExecCommand(calls *[][]string, fail bool) func(name string, args ...string) *exec.Cmd {
	return func(name string, args ...string) *exec.Cmd {
		*calls = append(*calls, append([]string{name}, args...))
		cs := []string{"-test.run=TestHelperProcess", "--", name}
		cs = append(cs, args...)
		cmd := exec.Command(os.Args[0], cs...)
		cmd.Env = []string{"GO_WANT_HELPER_PROCESS=1"}
		if fail {
			cmd.Env = append(cmd.Env, "GO_HELPER_PROCESS_FAIL=1")
		}
		return cmd
	}
}

// TestHelperProcess is not a real test. It stands in for the external
// format helpers.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	if os.Getenv("GO_HELPER_PROCESS_FAIL") == "1" {
		fmt.Fprintln(os.Stderr, "helper failed")
		os.Exit(1)
	}
	os.Exit(0)
}

func TestFormatFlashErase(t *testing.T) {
	m, _, _, flash, mmcCtrl := testManager(t)

	if err := m.Format("BOOT:"); err != nil {
		t.Fatalf("Format(BOOT:) failed: %v", err)
	}
	if len(flash.erased) != 1 || flash.erased[0] != "boot" {
		t.Errorf("erased = %v, want [boot]", flash.erased)
	}
	if flash.closed != 1 {
		t.Errorf("closed = %d, want 1", flash.closed)
	}
	if len(mmcCtrl.formatted) != 0 {
		t.Errorf("mmc formatter ran for a flash volume: %v", mmcCtrl.formatted)
	}
}

func TestFormatFlashEraseStages(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(f *fakeFlash)
		wantStage string
	}{
		{
			name:      "open fails",
			setup:     func(f *fakeFlash) { f.openErr = fmt.Errorf("busy") },
			wantStage: "open",
		},
		{
			name:      "erase fails",
			setup:     func(f *fakeFlash) { f.eraseErr = fmt.Errorf("bad block") },
			wantStage: "erase",
		},
		{
			name:      "close fails",
			setup:     func(f *fakeFlash) { f.closeErr = fmt.Errorf("io error") },
			wantStage: "close",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _, flash, _ := testManager(t)
			tt.setup(flash)

			err := m.Format("BOOT:")
			if !errors.Is(err, ErrFormatFailed) {
				t.Fatalf("error = %v, want %v", err, ErrFormatFailed)
			}
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("error %v is not a FormatError", err)
			}
			if fe.Stage != tt.wantStage {
				t.Errorf("stage = %q, want %q", fe.Stage, tt.wantStage)
			}
			// A failed erase must still release the device.
			if tt.wantStage == "erase" && flash.closed != 1 {
				t.Errorf("closed = %d after failed erase, want 1", flash.closed)
			}
		})
	}
}

func TestFormatFlashPartitionNotFound(t *testing.T) {
	m, _, _, flash, _ := testManager(t)
	delete(flash.partitions, "boot")

	if err := m.Format("BOOT:"); !errors.Is(err, ErrPartitionNotFound) {
		t.Errorf("error = %v, want %v", err, ErrPartitionNotFound)
	}
	if flash.closed != 0 {
		t.Errorf("device opened for a missing partition")
	}
}

func TestFormatMmcExt3(t *testing.T) {
	m, _, _, flash, mmcCtrl := testManager(t)

	info, _ := m.Table().Resolve("CACHE:")
	info.Kind = DeviceMMC
	info.Filesystem = "ext3"
	info.refreshStrategy()

	if err := m.Format("CACHE:"); err != nil {
		t.Fatalf("Format(CACHE:) failed: %v", err)
	}
	if len(mmcCtrl.formatted) != 1 || mmcCtrl.formatted[0] != "cache" {
		t.Errorf("formatted = %v, want [cache]", mmcCtrl.formatted)
	}
	// The MMC path never falls through to another strategy.
	if len(flash.erased) != 0 {
		t.Errorf("flash erase ran for an mmc volume: %v", flash.erased)
	}
}

func TestFormatMmcExt3Errors(t *testing.T) {
	m, _, _, _, mmcCtrl := testManager(t)
	info, _ := m.Table().Resolve("CACHE:")
	info.Kind = DeviceMMC
	info.Filesystem = "ext3"
	info.refreshStrategy()

	mmcCtrl.formatErr = fmt.Errorf("helper died")
	err := m.Format("CACHE:")
	var fe *FormatError
	if !errors.As(err, &fe) || fe.Stage != "helper" {
		t.Errorf("error = %v, want FormatError stage helper", err)
	}

	mmcCtrl.formatErr = nil
	delete(mmcCtrl.partitions, "cache")
	if err := m.Format("CACHE:"); !errors.Is(err, ErrPartitionNotFound) {
		t.Errorf("error = %v, want %v", err, ErrPartitionNotFound)
	}
}

func TestFormatSTL(t *testing.T) {
	m, _, _, _, _ := testManager(t)
	if err := m.Table().SetFilesystem("SYSTEM:", "rfs"); err != nil {
		t.Fatal(err)
	}

	var calls [][]string
	m.execCommand = mockExecCommand(&calls, false)

	if err := m.Format("SYSTEM:"); err != nil {
		t.Fatalf("Format(SYSTEM:) failed: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("expected 1 helper call, got %d", len(calls))
	}
	want := []string{"stl.format", "/dev/block/stl9"}
	if got := strings.Join(calls[0], " "); got != strings.Join(want, " ") {
		t.Errorf("helper call = %q, want %q", got, strings.Join(want, " "))
	}
}

func TestFormatSTLHelperFailure(t *testing.T) {
	m, _, _, _, _ := testManager(t)
	if err := m.Table().SetFilesystem("SYSTEM:", "rfs"); err != nil {
		t.Fatal(err)
	}

	var calls [][]string
	m.execCommand = mockExecCommand(&calls, true)

	err := m.Format("SYSTEM:")
	var fe *FormatError
	if !errors.As(err, &fe) || fe.Stage != "helper" {
		t.Errorf("error = %v, want FormatError stage helper", err)
	}
}

func TestFormatMke2fs(t *testing.T) {
	tests := []struct {
		name       string
		filesystem string
		wantArgs   string
	}{
		{
			name:       "ext4 gets extents and no huge files",
			filesystem: "ext4",
			wantArgs:   "mke2fs -T ext4 -F -j -q -m 0 -b 4096 -O ^huge_file,extent /dev/block/mmcblk0p2",
		},
		{
			name:       "ext3 gets extents and no huge files",
			filesystem: "ext3",
			wantArgs:   "mke2fs -T ext3 -F -j -q -m 0 -b 4096 -O ^huge_file,extent /dev/block/mmcblk0p2",
		},
		{
			name:       "ext2 predates both features",
			filesystem: "ext2",
			wantArgs:   "mke2fs -T ext2 -F -j -q -m 0 -b 4096 /dev/block/mmcblk0p2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _, _, _ := testManager(t)
			info, _ := m.Table().Resolve("DATA:")
			info.Filesystem = tt.filesystem
			info.refreshStrategy()

			var calls [][]string
			m.execCommand = mockExecCommand(&calls, false)

			if err := m.Format("DATA:"); err != nil {
				t.Fatalf("Format(DATA:) failed: %v", err)
			}
			if len(calls) != 1 {
				t.Fatalf("expected 1 helper call, got %d", len(calls))
			}
			if got := strings.Join(calls[0], " "); got != tt.wantArgs {
				t.Errorf("helper call = %q, want %q", got, tt.wantArgs)
			}
		})
	}
}

func TestFormatRefusedWhenBusy(t *testing.T) {
	m, oracle, _, flash, _ := testManager(t)
	if err := m.Table().SetFilesystem("DATA:", "ext4"); err != nil {
		t.Fatal(err)
	}
	oracle.mounted["/data"] = &mount.Volume{MountPoint: "/data"}
	oracle.unmountErr = fmt.Errorf("device busy")

	var calls [][]string
	m.execCommand = mockExecCommand(&calls, false)

	if err := m.Format("DATA:"); !errors.Is(err, ErrVolumeBusy) {
		t.Fatalf("error = %v, want %v", err, ErrVolumeBusy)
	}
	// Nothing destructive runs on a busy volume.
	if len(calls) != 0 {
		t.Errorf("format helper ran on a busy volume: %v", calls)
	}
	if len(flash.erased) != 0 {
		t.Errorf("flash erase ran on a busy volume")
	}
}

func TestFormatUnknownRoot(t *testing.T) {
	m, _, _, _, _ := testManager(t)

	if err := m.Format("UNKNOWN:"); !errors.Is(err, ErrUnknownRoot) {
		t.Errorf("error = %v, want %v", err, ErrUnknownRoot)
	}
	// No backing device means nothing to format.
	if err := m.Format("TMP:"); !errors.Is(err, ErrUnknownRoot) {
		t.Errorf("Format(TMP:) error = %v, want %v", err, ErrUnknownRoot)
	}
}

func TestFormatWipe(t *testing.T) {
	m, oracle, _, _, _ := testManager(t)

	mountPoint := t.TempDir()
	device := filepath.Join(t.TempDir(), "dev")
	if err := os.WriteFile(device, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"lost+found", "app", "dalvik-cache"} {
		if err := os.MkdirAll(filepath.Join(mountPoint, name, "inner"), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	info, _ := m.Table().Resolve("CACHE:")
	info.Device = device
	info.MountPoint = mountPoint
	info.Filesystem = "vfat"
	info.refreshStrategy()
	if info.FormatStrategy() != FormatWipe {
		t.Fatalf("strategy = %s, want wipe", info.FormatStrategy())
	}

	if err := m.Format("CACHE:"); err != nil {
		t.Fatalf("Format(CACHE:) failed: %v", err)
	}

	entries, err := os.ReadDir(mountPoint)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("mount point not emptied: %v", entries)
	}
	// The wipe leaves the volume unmounted.
	if len(oracle.mounted) != 0 {
		t.Errorf("wipe left volumes mounted: %v", oracle.mounted)
	}
}

func TestFormatWipeSkipsAbsentDevice(t *testing.T) {
	m, _, mounter, _, _ := testManager(t)

	// Removable media that never appeared is skipped, not failed.
	if err := m.Format("SDEXT:"); err != nil {
		t.Fatalf("Format(SDEXT:) failed: %v", err)
	}
	if len(mounter.calls) != 0 {
		t.Errorf("mount attempted for an absent device: %v", mounter.calls)
	}
}
