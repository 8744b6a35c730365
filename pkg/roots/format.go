package roots

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"k8s.io/klog/v2"
)

// Format formats the volume's backing device with the erase/format primitive
// for its storage technology. A mounted volume is unmounted first; if that
// fails the format is refused. Exactly one strategy branch runs per volume.
func (m *Manager) Format(label string) (err error) {
	start := time.Now()
	defer func() { m.record("format", err, start) }()

	info, err := m.table.Resolve(label)
	if err != nil {
		return err
	}
	if !info.hasDevice() {
		return fmt.Errorf("%s has no device: %w", label, ErrUnknownRoot)
	}

	// Don't format a mounted device.
	if info.Mountable() {
		if err := m.EnsureUnmounted(label); err != nil {
			return fmt.Errorf("%s: %v: %w", label, err, ErrVolumeBusy)
		}
	}

	strategy := info.FormatStrategy()
	klog.V(2).Infof("Formatting %s (kind: %s, fs: %q, strategy: %s)",
		label, info.Kind, info.Filesystem, strategy)

	switch strategy {
	case FormatFlashErase:
		return m.formatFlashErase(label, info)
	case FormatMmcExt3:
		return m.formatMmcExt3(label, info)
	case FormatSTL:
		return m.formatSTL(label, info)
	case FormatMke2fs:
		return m.formatExt(label, info)
	default:
		return m.wipeVolume(label, info)
	}
}

// formatFlashErase erases the whole flash partition. Open, erase and close
// each abort the format with their stage on failure.
func (m *Manager) formatFlashErase(label string, info *RootInfo) error {
	if err := m.flash.ScanPartitions(); err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	name := m.table.partitionName(info)
	p := m.flash.FindPartition(name)
	if p == nil {
		return fmt.Errorf("%s: partition %q: %w", label, name, ErrPartitionNotFound)
	}

	w, err := m.flash.OpenWrite(p)
	if err != nil {
		return &FormatError{Stage: "open", Err: err}
	}
	if err := w.Erase(); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			klog.Warningf("Can't close %s after failed erase: %v", label, closeErr)
		}
		return &FormatError{Stage: "erase", Err: err}
	}
	if err := w.Close(); err != nil {
		return &FormatError{Stage: "close", Err: err}
	}
	return nil
}

// formatMmcExt3 runs the MMC-specific ext3 formatter on the partition.
func (m *Manager) formatMmcExt3(label string, info *RootInfo) error {
	if err := m.mmc.ScanPartitions(); err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	name := m.table.partitionName(info)
	p := m.mmc.FindPartition(name)
	if p == nil {
		return fmt.Errorf("%s: partition %q: %w", label, name, ErrPartitionNotFound)
	}
	if err := m.mmc.FormatExt3(p); err != nil {
		return &FormatError{Stage: "helper", Err: err}
	}
	return nil
}

// formatSTL runs the rfs whole-device formatter.
func (m *Manager) formatSTL(label string, info *RootInfo) error {
	klog.V(2).Infof("Formatting %s (%s) as rfs", label, info.Device)
	cmd := m.execCommand("stl.format", info.Device)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &FormatError{
			Stage: "helper",
			Err:   fmt.Errorf("stl.format %s: %w, output: %s", info.Device, err, string(output)),
		}
	}
	return nil
}

// formatExt creates an ext2/3/4 filesystem on the device. ext3 and ext4
// disable huge_file and enable extents; ext2 predates both features.
func (m *Manager) formatExt(label string, info *RootInfo) error {
	klog.V(2).Infof("Formatting %s (%s) as %s", label, info.Device, info.Filesystem)

	args := []string{"-T", info.Filesystem, "-F", "-j", "-q", "-m", "0", "-b", "4096"}
	if info.Filesystem != "ext2" {
		args = append(args, "-O", "^huge_file,extent")
	}
	args = append(args, info.Device)

	cmd := m.execCommand("mke2fs", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &FormatError{
			Stage: "helper",
			Err:   fmt.Errorf("mke2fs %s: %w, output: %s", info.Device, err, string(output)),
		}
	}
	return nil
}

// wipeVolume is the last-resort format for volumes with no matching
// erase/format primitive: mount, delete everything under the mount point,
// unmount. A volume whose device node is absent (removable media that never
// showed up) or that can't be mounted is skipped, not failed.
func (m *Manager) wipeVolume(label string, info *RootInfo) error {
	if info.Device != "" {
		if _, err := os.Stat(info.Device); err != nil {
			klog.Warningf("No device %s for %s, skipping wipe", info.Device, label)
			return nil
		}
	}

	path, err := m.table.Translate(info.Name)
	if err != nil {
		return err
	}
	if err := m.EnsureMounted(info.Name); err != nil {
		klog.Warningf("Can't mount %s, skipping wipe: %v", label, err)
		return nil
	}

	klog.V(2).Infof("Wiping contents of %s (%s)", label, path)
	entries, err := os.ReadDir(path)
	if err != nil {
		return &FormatError{Stage: "helper", Err: fmt.Errorf("read %s: %w", path, err)}
	}
	for _, entry := range entries {
		target := filepath.Join(path, entry.Name())
		if err := os.RemoveAll(target); err != nil {
			klog.Warningf("Can't remove %s: %v", target, err)
		}
	}

	if err := m.EnsureUnmounted(info.Name); err != nil {
		return fmt.Errorf("%s: %v: %w", label, err, ErrUnmountFailed)
	}
	return nil
}
