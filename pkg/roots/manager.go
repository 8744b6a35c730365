package roots

import (
	"fmt"
	"os/exec"
	"time"

	"github.com/hashicorp/go-multierror"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/recovery-roots/pkg/mmc"
	"git.srvlab.io/whiskey/recovery-roots/pkg/mount"
	"git.srvlab.io/whiskey/recovery-roots/pkg/mtd"
	"git.srvlab.io/whiskey/recovery-roots/pkg/observability"
)

// Mounter is the generic mount path for block-device volumes.
type Mounter interface {
	// Mount mounts device on mountPoint with the given filesystem and options
	Mount(device, mountPoint, filesystem, options string) error

	// MountFallback mounts the fallback device through the raw syscall path
	MountFallback(device, mountPoint, filesystem string) error
}

// MountOracle answers mount-state questions from the live mount table.
type MountOracle interface {
	// FindByMountPoint returns the volume mounted at mountPoint, or nil
	FindByMountPoint(mountPoint string) (*mount.Volume, error)

	// Unmount unmounts the given volume
	Unmount(v *mount.Volume) error
}

// FlashWriter holds a flash partition open for erasing.
type FlashWriter interface {
	// Erase erases the whole partition
	Erase() error

	// Close releases the partition device
	Close() error
}

// Flash is the raw NAND collaborator.
type Flash interface {
	// ScanPartitions re-reads the partition table
	ScanPartitions() error

	// FindPartition returns the named partition from the last scan, or nil
	FindPartition(name string) *mtd.Partition

	// MountPartition mounts the partition on mountPoint
	MountPartition(p *mtd.Partition, mountPoint, filesystem string) error

	// OpenWrite opens the partition for erasing
	OpenWrite(p *mtd.Partition) (FlashWriter, error)
}

// MmcController is the raw eMMC collaborator.
type MmcController interface {
	// ScanPartitions re-reads the partition table
	ScanPartitions() error

	// FindPartition returns the named partition from the last scan, or nil
	FindPartition(name string) *mmc.Partition

	// FormatExt3 creates an ext3 filesystem on the partition
	FormatExt3(p *mmc.Partition) error
}

// flashDevice adapts *mtd.Flash to the Flash interface.
type flashDevice struct {
	*mtd.Flash
}

func (f flashDevice) OpenWrite(p *mtd.Partition) (FlashWriter, error) {
	return f.Flash.OpenWrite(p)
}

// Manager orchestrates mount, unmount, detection and format operations over
// the table. It owns no device knowledge of its own; everything
// device-specific is delegated to the collaborators.
type Manager struct {
	table   *Table
	mounter Mounter
	oracle  MountOracle
	flash   Flash
	mmc     MmcController
	metrics *observability.Metrics

	execCommand func(name string, args ...string) *exec.Cmd
}

// NewManager creates a manager over the table with explicit collaborators.
func NewManager(table *Table, mounter Mounter, oracle MountOracle, flash Flash, mmcCtrl MmcController) *Manager {
	return &Manager{
		table:       table,
		mounter:     mounter,
		oracle:      oracle,
		flash:       flash,
		mmc:         mmcCtrl,
		execCommand: exec.Command,
	}
}

// NewDefaultManager wires the real device collaborators.
func NewDefaultManager(table *Table) *Manager {
	return NewManager(table, mount.NewMounter(), mount.NewOracle(),
		flashDevice{mtd.NewFlash()}, mmc.NewController())
}

// Table returns the registry the manager operates on.
func (m *Manager) Table() *Table {
	return m.table
}

// SetMetrics sets the metrics instance for recording operations.
func (m *Manager) SetMetrics(metrics *observability.Metrics) {
	m.metrics = metrics
}

// record reports one finished operation to the metrics, if configured.
func (m *Manager) record(operation string, err error, start time.Time) {
	if m.metrics != nil {
		m.metrics.RecordOperation(operation, err, time.Since(start))
	}
}

// IsMounted reports whether the volume is currently mounted. A root without
// a mount point is never mounted. The mount table is rescanned on every
// call.
func (m *Manager) IsMounted(label string) (bool, error) {
	info, err := m.table.Resolve(label)
	if err != nil {
		return false, err
	}
	if !info.Mountable() {
		return false, nil
	}
	v, err := m.oracle.FindByMountPoint(info.MountPoint)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// EnsureMounted mounts the volume if it is not already mounted. Calling it
// on a mounted volume is a no-op.
func (m *Manager) EnsureMounted(label string) (err error) {
	start := time.Now()
	defer func() { m.record("ensure_mounted", err, start) }()

	info, err := m.table.Resolve(label)
	if err != nil {
		return err
	}
	if !info.Mountable() {
		return fmt.Errorf("%s: %w", label, ErrNotMountable)
	}

	v, err := m.oracle.FindByMountPoint(info.MountPoint)
	if err != nil {
		return err
	}
	if v != nil {
		klog.V(4).Infof("%s already mounted at %s", label, info.MountPoint)
		return nil
	}

	if info.Kind == DeviceMTD {
		return m.mountFlash(label, info)
	}

	if info.Kind == DevicePackage || info.Device == "" ||
		info.Filesystem == "" || info.Filesystem == FilesystemRaw {
		return fmt.Errorf("%s: %w", label, ErrNotMountable)
	}

	if err := m.mounter.Mount(info.Device, info.MountPoint, info.Filesystem, info.FilesystemOptions); err != nil {
		if info.Device2 == "" {
			klog.Errorf("Can't mount %s: %v", info.Device, err)
			return fmt.Errorf("%s: %v: %w", label, err, ErrMountFailed)
		}
		klog.Warningf("Can't mount %s (%v), trying fallback %s", info.Device, err, info.Device2)
		if err2 := m.mounter.MountFallback(info.Device2, info.MountPoint, info.Filesystem); err2 != nil {
			klog.Errorf("Can't mount %s (or %s): %v", info.Device, info.Device2, err2)
			return fmt.Errorf("%s: %v: %w", label, err2, ErrMountFailed)
		}
	}
	return nil
}

// mountFlash mounts an MTD-backed volume after a partition rescan.
func (m *Manager) mountFlash(label string, info *RootInfo) error {
	if info.PartitionName == "" {
		return fmt.Errorf("%s: %w", label, ErrMissingPartitionName)
	}
	if err := m.flash.ScanPartitions(); err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	name := m.table.partitionName(info)
	p := m.flash.FindPartition(name)
	if p == nil {
		return fmt.Errorf("%s: partition %q: %w", label, name, ErrPartitionNotFound)
	}
	if err := m.flash.MountPartition(p, info.MountPoint, info.Filesystem); err != nil {
		return fmt.Errorf("%s: %v: %w", label, err, ErrMountFailed)
	}
	return nil
}

// EnsureUnmounted unmounts the volume if it is mounted. A root with no mount
// point can't be mounted, so by definition it isn't.
func (m *Manager) EnsureUnmounted(label string) (err error) {
	start := time.Now()
	defer func() { m.record("ensure_unmounted", err, start) }()

	info, err := m.table.Resolve(label)
	if err != nil {
		return err
	}
	if !info.Mountable() {
		return nil
	}

	v, err := m.oracle.FindByMountPoint(info.MountPoint)
	if err != nil {
		return fmt.Errorf("%s: %v: %w", label, err, ErrUnmountFailed)
	}
	if v == nil {
		return nil
	}
	if err := m.oracle.Unmount(v); err != nil {
		return fmt.Errorf("%s: %v: %w", label, err, ErrUnmountFailed)
	}
	return nil
}

// DetectFilesystem determines the volume's filesystem empirically by trying
// the candidate filesystems from the option table in priority order. The
// first candidate that mounts is recorded on the entry; the volume is left
// unmounted either way.
func (m *Manager) DetectFilesystem(label string) (err error) {
	start := time.Now()
	defer func() { m.record("detect_filesystem", err, start) }()

	info, err := m.table.Resolve(label)
	if err != nil {
		return err
	}
	if info.Device == "" {
		return fmt.Errorf("%s has no device: %w", label, ErrUnknownRoot)
	}

	// Never probe over a mounted volume.
	if err := m.EnsureUnmounted(label); err != nil {
		return fmt.Errorf("%s: %v: %w", label, err, ErrUnmountFailed)
	}

	var probeErrs *multierror.Error
	for _, opt := range m.table.fsOptions {
		klog.V(2).Infof("Probing %s as %s (%s)", label, opt.Filesystem, opt.Options)
		mountErr := m.mounter.Mount(info.Device, info.MountPoint, opt.Filesystem, opt.Options)
		if m.metrics != nil {
			m.metrics.RecordProbeAttempt(opt.Filesystem, mountErr)
		}
		if mountErr != nil {
			probeErrs = multierror.Append(probeErrs, fmt.Errorf("%s: %w", opt.Filesystem, mountErr))
			continue
		}

		m.table.setFilesystemOption(info, opt)
		if err := m.EnsureUnmounted(label); err != nil {
			klog.Warningf("Can't unmount %s after probe: %v", label, err)
		}
		klog.V(2).Infof("Detected %s filesystem: %s", label, opt.Filesystem)
		return nil
	}

	return fmt.Errorf("%s: %v: %w", label, probeErrs.ErrorOrNil(), ErrFilesystemUndetermined)
}

// MtdPartition locates the flash partition backing the volume. Boards can
// route a label to an alternate partition name through the override table;
// an override also allows lookups for labels that are not MTD entries.
func (m *Manager) MtdPartition(label string) (*mtd.Partition, error) {
	info, err := m.table.Resolve(label)
	if err != nil {
		return nil, err
	}

	name, overridden := m.table.partitionOverrides[info.Label()]
	if !overridden {
		if info.Kind != DeviceMTD || info.PartitionName == "" {
			return nil, fmt.Errorf("%s has no mtd partition: %w", label, ErrUnknownRoot)
		}
		name = info.PartitionName
	}

	if err := m.flash.ScanPartitions(); err != nil {
		return nil, fmt.Errorf("%s: %w", label, err)
	}
	p := m.flash.FindPartition(name)
	if p == nil {
		return nil, fmt.Errorf("%s: partition %q: %w", label, name, ErrPartitionNotFound)
	}
	return p, nil
}
