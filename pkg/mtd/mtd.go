// Package mtd locates and manipulates raw NAND partitions. Partitions are
// addressed by name; the partition table is not persistent kernel state, so
// every lookup is preceded by a rescan of /proc/mtd.
package mtd

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

const (
	// procMtdPath is the kernel's MTD partition table
	procMtdPath = "/proc/mtd"

	// mountFlags are applied when mounting a flash partition
	mountFlags = unix.MS_NOATIME | unix.MS_NODEV | unix.MS_NODIRATIME
)

// Partition is one MTD partition from /proc/mtd.
type Partition struct {
	// Index is the mtdN number
	Index int

	// Name is the partition name, without quotes
	Name string

	// Size is the partition size in bytes
	Size uint64

	// EraseSize is the erase block size in bytes
	EraseSize uint64
}

// CharDevice returns the character device node for the partition.
func (p *Partition) CharDevice() string {
	return fmt.Sprintf("/dev/mtd%d", p.Index)
}

// BlockDevice returns the block device node for the partition.
func (p *Partition) BlockDevice() string {
	return fmt.Sprintf("/dev/block/mtdblock%d", p.Index)
}

// Flash scans and operates on MTD partitions.
type Flash struct {
	procPath     string
	execCommand  func(name string, args ...string) *exec.Cmd
	mountSyscall func(source, target, fstype string, flags uintptr, data string) error
	openFile     func(name string, flag int, perm os.FileMode) (*os.File, error)

	partitions []Partition
}

// NewFlash creates a Flash backed by /proc/mtd and the flash_erase helper.
func NewFlash() *Flash {
	return &Flash{
		procPath:     procMtdPath,
		execCommand:  exec.Command,
		mountSyscall: unix.Mount,
		openFile:     os.OpenFile,
	}
}

// ScanPartitions re-reads the partition table. Any previous scan result is
// discarded.
func (f *Flash) ScanPartitions() error {
	file, err := os.Open(f.procPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.procPath, err)
	}
	defer file.Close()

	var partitions []Partition
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		p, err := parsePartitionLine(line)
		if err != nil {
			klog.V(5).Infof("Skipping mtd line %q: %v", line, err)
			continue
		}
		partitions = append(partitions, p)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading %s: %w", f.procPath, err)
	}

	f.partitions = partitions
	klog.V(4).Infof("Scanned %d mtd partitions", len(partitions))
	return nil
}

// parsePartitionLine parses one /proc/mtd line:
//
//	mtd1: 00500000 00020000 "boot"
func parsePartitionLine(line string) (Partition, error) {
	fields := strings.Fields(line)
	if len(fields) != 4 || !strings.HasPrefix(fields[0], "mtd") {
		return Partition{}, fmt.Errorf("not a partition line")
	}

	index, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(fields[0], "mtd"), ":"))
	if err != nil {
		return Partition{}, fmt.Errorf("bad mtd index: %w", err)
	}
	size, err := strconv.ParseUint(fields[1], 16, 64)
	if err != nil {
		return Partition{}, fmt.Errorf("bad size: %w", err)
	}
	eraseSize, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Partition{}, fmt.Errorf("bad erase size: %w", err)
	}

	return Partition{
		Index:     index,
		Name:      strings.Trim(fields[3], `"`),
		Size:      size,
		EraseSize: eraseSize,
	}, nil
}

// Partitions returns the partitions from the last scan.
func (f *Flash) Partitions() []Partition {
	return f.partitions
}

// FindPartition returns the named partition from the last scan, or nil.
func (f *Flash) FindPartition(name string) *Partition {
	for i := range f.partitions {
		if f.partitions[i].Name == name {
			return &f.partitions[i]
		}
	}
	return nil
}

// MountPartition mounts the partition's block device on mountPoint with the
// given filesystem. The mount point directory is created if missing.
func (f *Flash) MountPartition(p *Partition, mountPoint, filesystem string) error {
	if filesystem == "" {
		return fmt.Errorf("no filesystem for partition %q", p.Name)
	}
	klog.V(2).Infof("Mounting mtd partition %q (%s) on %s as %s",
		p.Name, p.BlockDevice(), mountPoint, filesystem)

	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return fmt.Errorf("failed to create mount point %s: %w", mountPoint, err)
	}
	if err := f.mountSyscall(p.BlockDevice(), mountPoint, filesystem, mountFlags, ""); err != nil {
		return fmt.Errorf("mount %s on %s: %w", p.BlockDevice(), mountPoint, err)
	}
	return nil
}

// Writer holds an MTD partition open for erasing. Erase wipes the whole
// partition; there is no selective erase here.
type Writer struct {
	partition   Partition
	file        *os.File
	execCommand func(name string, args ...string) *exec.Cmd
}

// OpenWrite opens the partition's character device for erasing.
func (f *Flash) OpenWrite(p *Partition) (*Writer, error) {
	file, err := f.openFile(p.CharDevice(), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p.CharDevice(), err)
	}
	return &Writer{
		partition:   *p,
		file:        file,
		execCommand: f.execCommand,
	}, nil
}

// Erase erases the whole partition through the flash_erase helper.
func (w *Writer) Erase() error {
	klog.V(2).Infof("Erasing mtd partition %q (%s)", w.partition.Name, w.partition.CharDevice())
	cmd := w.execCommand("flash_erase", "-q", w.partition.CharDevice(), "0", "0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("flash_erase %s: %w, output: %s",
			w.partition.CharDevice(), err, string(output))
	}
	return nil
}

// Close releases the partition device.
func (w *Writer) Close() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", w.partition.CharDevice(), err)
	}
	return nil
}
