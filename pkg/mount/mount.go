package mount

import (
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

const (
	// autoFilesystem defers type selection to the mount helper
	autoFilesystem = "auto"

	// defaultMountOptions is passed to the helper when the entry carries none
	defaultMountOptions = "noatime,nodiratime,nodev"

	// mountFlags are the syscall-path mount flags
	mountFlags = unix.MS_NOATIME | unix.MS_NODEV | unix.MS_NODIRATIME
)

// Mounter mounts block devices. A known filesystem with no named options
// goes through mount(2) directly; "auto" or named options shell out to the
// external mount helper, which knows how to pass filesystem-specific
// option strings through.
type Mounter struct {
	execCommand  func(name string, args ...string) *exec.Cmd
	mountSyscall func(source, target, fstype string, flags uintptr, data string) error
}

// NewMounter creates a mounter backed by mount(2) and the mount helper.
func NewMounter() *Mounter {
	return &Mounter{
		execCommand:  exec.Command,
		mountSyscall: unix.Mount,
	}
}

// Mount mounts device on mountPoint with the given filesystem and option
// string. The mount point directory is created if missing.
func (m *Mounter) Mount(device, mountPoint, filesystem, options string) error {
	klog.V(2).Infof("Mounting %s on %s (fs: %s, options: %q)", device, mountPoint, filesystem, options)

	// In case it doesn't already exist.
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return fmt.Errorf("failed to create mount point %s: %w", mountPoint, err)
	}

	if filesystem != autoFilesystem && options == "" {
		if err := m.mountSyscall(device, mountPoint, filesystem, mountFlags, ""); err != nil {
			return fmt.Errorf("mount %s on %s: %w", device, mountPoint, err)
		}
		klog.V(2).Infof("Mounted %s on %s", device, mountPoint)
		return nil
	}

	opts := options
	if opts == "" {
		opts = defaultMountOptions
	}
	cmd := m.execCommand("mount", "-t", filesystem, "-o"+opts, device, mountPoint)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("mount helper failed for %s on %s: %w, output: %s",
			device, mountPoint, err, string(output))
	}

	klog.V(4).Infof("mount helper output: %s", string(output))
	klog.V(2).Infof("Mounted %s on %s via helper", device, mountPoint)
	return nil
}

// MountFallback mounts the fallback device through the raw syscall path,
// ignoring any named options on the entry.
func (m *Mounter) MountFallback(device, mountPoint, filesystem string) error {
	klog.V(2).Infof("Mounting fallback device %s on %s (fs: %s)", device, mountPoint, filesystem)
	if err := m.mountSyscall(device, mountPoint, filesystem, mountFlags, ""); err != nil {
		return fmt.Errorf("mount fallback %s on %s: %w", device, mountPoint, err)
	}
	return nil
}
