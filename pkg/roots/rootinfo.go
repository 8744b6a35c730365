package roots

import "strings"

// Separator terminates every volume label, as in "SYSTEM:lib".
const Separator = ':'

// Filesystem sentinels. Raw marks a flash region that is intentionally left
// unformatted and never mountable; Auto defers the type to the kernel.
const (
	FilesystemRaw  = "raw"
	FilesystemAuto = "auto"
)

// DeviceKind classifies the storage technology backing a volume.
// Dispatch is always on this tag, never on the device path string.
type DeviceKind int

const (
	// DeviceNone means the volume has no backing device (e.g. TMP:)
	DeviceNone DeviceKind = iota

	// DeviceBlock is a concrete block device path
	DeviceBlock

	// DeviceMTD is a raw NAND partition addressed by partition name
	DeviceMTD

	// DeviceMMC is a raw eMMC partition addressed by partition name
	DeviceMMC

	// DevicePackage is the virtual root inside a bound update archive
	DevicePackage
)

// String returns the kind name for logs
func (k DeviceKind) String() string {
	switch k {
	case DeviceBlock:
		return "block"
	case DeviceMTD:
		return "mtd"
	case DeviceMMC:
		return "mmc"
	case DevicePackage:
		return "package"
	default:
		return "none"
	}
}

// FormatStrategy selects the erase/format primitive for a volume.
// It is derived once from the device kind and filesystem when the table is
// built, and refreshed whenever the filesystem fields mutate. The strategies
// are mutually exclusive; Format takes exactly one branch.
type FormatStrategy int

const (
	// FormatWipe mounts the volume and deletes its contents (last resort)
	FormatWipe FormatStrategy = iota

	// FormatFlashErase erases the whole flash partition
	FormatFlashErase

	// FormatMmcExt3 runs the MMC-specific ext3 formatter
	FormatMmcExt3

	// FormatSTL runs the rfs whole-device formatter
	FormatSTL

	// FormatMke2fs creates an ext2/3/4 filesystem on the device
	FormatMke2fs
)

// String returns the strategy name for logs
func (s FormatStrategy) String() string {
	switch s {
	case FormatFlashErase:
		return "flash-erase"
	case FormatMmcExt3:
		return "mmc-ext3"
	case FormatSTL:
		return "stl"
	case FormatMke2fs:
		return "mke2fs"
	default:
		return "wipe"
	}
}

// RootInfo describes one symbolic volume.
type RootInfo struct {
	// Name is the canonical label including the trailing separator, e.g. "SYSTEM:"
	Name string

	// Kind selects the device-specific mount and format paths
	Kind DeviceKind

	// Device is the primary block device path. Empty for MTD/MMC entries,
	// which are located by PartitionName instead.
	Device string

	// Device2 is an optional fallback device tried when Device fails to mount
	Device2 string

	// PartitionName locates the physical partition for MTD and MMC entries
	PartitionName string

	// MountPoint is the absolute mount path. Empty for non-mountable roots.
	MountPoint string

	// Filesystem is the filesystem type, FilesystemRaw for unformatted
	// regions, or empty when not yet determined
	Filesystem string

	// FilesystemOptions are the mount options paired with Filesystem
	FilesystemOptions string

	strategy FormatStrategy
}

// Label returns the name without the trailing separator
func (r *RootInfo) Label() string {
	return strings.TrimSuffix(r.Name, string(Separator))
}

// Mountable reports whether the entry has a mount point at all
func (r *RootInfo) Mountable() bool {
	return r.MountPoint != ""
}

// hasDevice reports whether any physical backing exists to format or mount
func (r *RootInfo) hasDevice() bool {
	switch r.Kind {
	case DeviceMTD, DeviceMMC:
		return true
	case DeviceBlock:
		return r.Device != ""
	default:
		return false
	}
}

// FormatStrategy returns the strategy derived from the current entry state
func (r *RootInfo) FormatStrategy() FormatStrategy {
	return r.strategy
}

// refreshStrategy recomputes the format strategy. Called when the entry is
// built and whenever Filesystem mutates.
func (r *RootInfo) refreshStrategy() {
	switch {
	case r.Kind == DeviceMTD && (r.Filesystem == FilesystemRaw || r.Filesystem == "yaffs2"):
		r.strategy = FormatFlashErase
	case r.Kind == DeviceMMC && r.Filesystem == "ext3":
		r.strategy = FormatMmcExt3
	case r.Filesystem == "rfs":
		r.strategy = FormatSTL
	case strings.HasPrefix(r.Filesystem, "ext"):
		r.strategy = FormatMke2fs
	default:
		r.strategy = FormatWipe
	}
}

// FilesystemOption is one candidate filesystem/mount-option pair used for
// probing and recorded onto an entry on a successful probe.
type FilesystemOption struct {
	Filesystem string
	Options    string
}

// DefaultFilesystemOptions is the probe priority list. Order matters: the
// first candidate that mounts wins.
func DefaultFilesystemOptions() []FilesystemOption {
	return []FilesystemOption{
		{"rfs", "llw,check=no"},
		{"ext4", "noatime,nodiratime,nodev,data=ordered"},
	}
}

// defaultRoots is the board-default volume set. Devices follow the common
// stl/mmcblk layout; boards override them through the config file.
func defaultRoots() []*RootInfo {
	return []*RootInfo{
		{Name: "CACHE:", Kind: DeviceBlock, Device: "/dev/block/stl11", PartitionName: "cache", MountPoint: "/cache"},
		{Name: "DATA:", Kind: DeviceBlock, Device: "/dev/block/mmcblk0p2", PartitionName: "userdata", MountPoint: "/data"},
		{Name: "DATADATA:", Kind: DeviceBlock, Device: "/dev/block/stl10", PartitionName: "datadata", MountPoint: "/dbdata"},
		{Name: "SYSTEM:", Kind: DeviceBlock, Device: "/dev/block/stl9", PartitionName: "system", MountPoint: "/system"},
		{Name: "PKG:", Kind: DevicePackage},
		{Name: "BOOT:", Kind: DeviceMTD, PartitionName: "boot", Filesystem: FilesystemRaw},
		{Name: "RECOVERY:", Kind: DeviceMTD, PartitionName: "recovery", MountPoint: "/", Filesystem: FilesystemRaw},
		{Name: "SDCARD:", Kind: DeviceBlock, Device: "/dev/block/mmcblk1p1", Device2: "/dev/block/mmcblk1", MountPoint: "/sdcard", Filesystem: "vfat"},
		{Name: "SDEXT:", Kind: DeviceBlock, Device: "/dev/block/mmcblk1p2", MountPoint: "/sd-ext", Filesystem: FilesystemAuto},
		{Name: "MBM:", Kind: DeviceMTD, PartitionName: "mbm", Filesystem: FilesystemRaw},
		{Name: "TMP:", Kind: DeviceNone, MountPoint: "/tmp"},
	}
}
