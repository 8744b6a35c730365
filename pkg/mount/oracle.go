package mount

import (
	"fmt"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// Volume is one live mount-table entry.
type Volume struct {
	// Device is the source device or path
	Device string

	// MountPoint is where the volume is visible
	MountPoint string

	// Filesystem is the mounted filesystem type
	Filesystem string
}

// Oracle answers mount-state questions from the live mount table.
type Oracle struct {
	getMounts func() ([]*mountinfo.Info, error)
	unmount   func(target string) error
}

// NewOracle creates an oracle backed by /proc/self/mountinfo and umount(2).
func NewOracle() *Oracle {
	return &Oracle{
		getMounts: func() ([]*mountinfo.Info, error) { return mountinfo.GetMounts(nil) },
		unmount:   func(target string) error { return unix.Unmount(target, 0) },
	}
}

// Scan rescans the mount table and returns all entries.
func (o *Oracle) Scan() ([]Volume, error) {
	infos, err := o.getMounts()
	if err != nil {
		return nil, fmt.Errorf("failed to scan mount table: %w", err)
	}

	volumes := make([]Volume, 0, len(infos))
	for _, info := range infos {
		volumes = append(volumes, Volume{
			Device:     info.Source,
			MountPoint: info.Mountpoint,
			Filesystem: info.FSType,
		})
	}
	klog.V(5).Infof("Scanned %d mounted volumes", len(volumes))
	return volumes, nil
}

// FindByMountPoint rescans the mount table and returns the entry mounted at
// mountPoint, or nil if nothing is mounted there.
func (o *Oracle) FindByMountPoint(mountPoint string) (*Volume, error) {
	volumes, err := o.Scan()
	if err != nil {
		return nil, err
	}
	for i := range volumes {
		if volumes[i].MountPoint == mountPoint {
			klog.V(4).Infof("Found %s mounted at %s (%s)",
				volumes[i].Device, mountPoint, volumes[i].Filesystem)
			return &volumes[i], nil
		}
	}
	return nil, nil
}

// Unmount unmounts the given volume.
func (o *Oracle) Unmount(v *Volume) error {
	klog.V(2).Infof("Unmounting %s from %s", v.Device, v.MountPoint)
	if err := o.unmount(v.MountPoint); err != nil {
		return fmt.Errorf("umount %s: %w", v.MountPoint, err)
	}
	return nil
}
