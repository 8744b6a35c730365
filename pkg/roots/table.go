package roots

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// Archive is an opaque handle to an open update package. The volume layer
// stores the handle for the duration of an install and hands it back from
// TranslateInPackage; it never reads the archive itself.
type Archive interface{}

// Table is the volume registry. It is built once at startup and passed to
// every component; the only fields that mutate afterwards are the filesystem
// pair on each entry (via SetFilesystem or filesystem detection) and the
// package binding. Recovery is single-actor, so the table is not locked.
type Table struct {
	entries []*RootInfo

	// fsOptions is the probe priority list, also the set of filesystems
	// SetFilesystem accepts
	fsOptions []FilesystemOption

	// partitionOverrides maps a label (without separator) to the MTD
	// partition name used on boards where the default name does not exist
	partitionOverrides map[string]string

	pkg     Archive
	pkgPath string
}

// NewTable builds the registry from the board-default volume set.
func NewTable() *Table {
	t := &Table{
		entries:            defaultRoots(),
		fsOptions:          DefaultFilesystemOptions(),
		partitionOverrides: make(map[string]string),
	}
	for _, e := range t.entries {
		e.refreshStrategy()
	}
	return t
}

// Entries returns the table entries in declared order.
func (t *Table) Entries() []*RootInfo {
	return t.entries
}

// FilesystemOptions returns the probe priority list in declared order.
func (t *Table) FilesystemOptions() []FilesystemOption {
	return t.fsOptions
}

// Resolve parses a path like "SYSTEM:lib" and returns the matching entry.
// The substring up to and including the first separator is compared against
// each entry's name in table order; first match wins.
func (t *Table) Resolve(rootPath string) (*RootInfo, error) {
	i := strings.IndexByte(rootPath, Separator)
	if i < 0 {
		return nil, fmt.Errorf("%q: %w", rootPath, ErrMalformedPath)
	}
	prefix := rootPath[:i+1]
	for _, e := range t.entries {
		if e.Name == prefix {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%q: %w", rootPath, ErrUnknownRoot)
}

// Translate turns a path like "SYSTEM:lib" into "/system/lib". The label is
// stripped, leading separators on the remainder are dropped, and the rest is
// joined under the entry's mount point.
func (t *Table) Translate(rootPath string) (string, error) {
	info, err := t.Resolve(rootPath)
	if err != nil {
		return "", err
	}
	if !info.Mountable() {
		return "", fmt.Errorf("%q: %w", rootPath, ErrNoMountPoint)
	}

	rel := strings.TrimLeft(rootPath[len(info.Name):], "/")

	out := info.MountPoint
	if !strings.HasSuffix(out, "/") {
		out += "/"
	}
	out += rel

	// The destination used to be a PATH_MAX buffer; keep the bound.
	if len(out)+1 > unix.PathMax {
		return "", fmt.Errorf("%q: %w", rootPath, ErrPathTooLong)
	}
	return out, nil
}

// TranslateInPackage turns a path like "PKG:lib/libc.so" into the in-archive
// path "lib/libc.so" plus the currently bound archive handle.
func (t *Table) TranslateInPackage(rootPath string) (string, Archive, error) {
	info, err := t.Resolve(rootPath)
	if err != nil {
		return "", nil, err
	}
	if info.Kind != DevicePackage {
		return "", nil, fmt.Errorf("%q: %w", rootPath, ErrNotPackageRoot)
	}
	if t.pkg == nil {
		return "", nil, fmt.Errorf("%q: %w", rootPath, ErrNoPackageBound)
	}
	return rootPath[len(info.Name):], t.pkg, nil
}

// BindPackage associates an open archive with the package root. A nil
// archive clears the binding. Binding over a live archive replaces it;
// there is no reference counting, last write wins.
func (t *Table) BindPackage(pkg Archive, path string) {
	if pkg == nil {
		t.pkg = nil
		t.pkgPath = ""
		return
	}
	if t.pkg != nil {
		klog.Warningf("Replacing bound package %s with %s", t.pkgPath, path)
	}
	t.pkg = pkg
	t.pkgPath = path
}

// UnbindPackage clears the package binding.
func (t *Table) UnbindPackage() {
	t.BindPackage(nil, "")
}

// PackagePath returns the path of the currently bound archive, or empty.
func (t *Table) PackagePath() string {
	return t.pkgPath
}

// SetFilesystem records a filesystem on the entry, with the mount options
// paired to it in the option table. Only filesystems from the option table
// are accepted.
func (t *Table) SetFilesystem(label, filesystem string) error {
	info, err := t.Resolve(label)
	if err != nil {
		return err
	}
	for _, opt := range t.fsOptions {
		if opt.Filesystem == filesystem {
			t.setFilesystemOption(info, opt)
			return nil
		}
	}
	return fmt.Errorf("setFilesystem %s: unsupported filesystem %q", label, filesystem)
}

// setFilesystemOption is the single mutation point for the filesystem pair.
func (t *Table) setFilesystemOption(info *RootInfo, opt FilesystemOption) {
	info.Filesystem = opt.Filesystem
	info.FilesystemOptions = opt.Options
	info.refreshStrategy()
	klog.V(2).Infof("Set %s filesystem to %s (%s)", info.Name, opt.Filesystem, opt.Options)
}

// Filesystem returns the entry's filesystem type. Entries without a backing
// device cannot carry a meaningful filesystem and resolve as unknown.
func (t *Table) Filesystem(label string) (string, error) {
	info, err := t.Resolve(label)
	if err != nil {
		return "", err
	}
	if !info.hasDevice() {
		return "", fmt.Errorf("%q has no device: %w", label, ErrUnknownRoot)
	}
	return info.Filesystem, nil
}

// MountPoint returns the entry's mount point, empty when it has none.
func (t *Table) MountPoint(label string) (string, error) {
	info, err := t.Resolve(label)
	if err != nil {
		return "", err
	}
	if !info.hasDevice() {
		return "", fmt.Errorf("%q has no device: %w", label, ErrUnknownRoot)
	}
	return info.MountPoint, nil
}

// Device returns the entry's primary device path, empty for MTD/MMC entries.
func (t *Table) Device(label string) (string, error) {
	info, err := t.Resolve(label)
	if err != nil {
		return "", err
	}
	if !info.hasDevice() {
		return "", fmt.Errorf("%q has no device: %w", label, ErrUnknownRoot)
	}
	return info.Device, nil
}

// partitionName returns the physical partition name for an entry, honoring
// the per-board override table.
func (t *Table) partitionName(info *RootInfo) string {
	if name, ok := t.partitionOverrides[info.Label()]; ok {
		return name
	}
	return info.PartitionName
}
