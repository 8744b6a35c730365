// Package mmc locates and formats raw eMMC partitions. Like the flash side,
// partitions are addressed by name and every lookup is preceded by a rescan,
// here of /proc/emmc.
package mmc

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"
)

// procEmmcPath is the kernel's eMMC partition table
const procEmmcPath = "/proc/emmc"

// Partition is one eMMC partition from /proc/emmc.
type Partition struct {
	// Name is the partition name, without quotes
	Name string

	// Device is the block device node, e.g. /dev/block/mmcblk0p12
	Device string

	// Size is the partition size in bytes
	Size uint64
}

// Controller scans and formats eMMC partitions.
type Controller struct {
	procPath    string
	execCommand func(name string, args ...string) *exec.Cmd

	partitions []Partition
}

// NewController creates a Controller backed by /proc/emmc and mke2fs.
func NewController() *Controller {
	return &Controller{
		procPath:    procEmmcPath,
		execCommand: exec.Command,
	}
}

// ScanPartitions re-reads the partition table. Any previous scan result is
// discarded.
func (c *Controller) ScanPartitions() error {
	file, err := os.Open(c.procPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", c.procPath, err)
	}
	defer file.Close()

	var partitions []Partition
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		p, err := parsePartitionLine(line)
		if err != nil {
			klog.V(5).Infof("Skipping emmc line %q: %v", line, err)
			continue
		}
		partitions = append(partitions, p)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading %s: %w", c.procPath, err)
	}

	c.partitions = partitions
	klog.V(4).Infof("Scanned %d emmc partitions", len(partitions))
	return nil
}

// parsePartitionLine parses one /proc/emmc line:
//
//	mmcblk0p12: 00040000 00000200 "cache"
func parsePartitionLine(line string) (Partition, error) {
	fields := strings.Fields(line)
	if len(fields) != 4 || !strings.HasPrefix(fields[0], "mmcblk") {
		return Partition{}, fmt.Errorf("not a partition line")
	}

	var size uint64
	if _, err := fmt.Sscanf(fields[1], "%x", &size); err != nil {
		return Partition{}, fmt.Errorf("bad size: %w", err)
	}

	return Partition{
		Name:   strings.Trim(fields[3], `"`),
		Device: "/dev/block/" + strings.TrimSuffix(fields[0], ":"),
		Size:   size,
	}, nil
}

// Partitions returns the partitions from the last scan.
func (c *Controller) Partitions() []Partition {
	return c.partitions
}

// FindPartition returns the named partition from the last scan, or nil.
func (c *Controller) FindPartition(name string) *Partition {
	for i := range c.partitions {
		if c.partitions[i].Name == name {
			return &c.partitions[i]
		}
	}
	return nil
}

// FormatExt3 creates an ext3 filesystem on the partition.
func (c *Controller) FormatExt3(p *Partition) error {
	klog.V(2).Infof("Formatting emmc partition %q (%s) as ext3", p.Name, p.Device)
	cmd := c.execCommand("mke2fs", "-j", "-q", p.Device)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("mke2fs %s: %w, output: %s", p.Device, err, string(output))
	}
	return nil
}

// WaitForDevice polls until the device node appears or the timeout elapses.
// Removable media can show up well after the kernel boots; callers use this
// before touching SDCARD-class volumes. Core mount/format operations never
// wait, they see whatever state exists when invoked.
func WaitForDevice(device string, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = timeout

	err := backoff.Retry(func() error {
		if _, err := os.Stat(device); err != nil {
			return fmt.Errorf("device %s not present: %w", device, err)
		}
		return nil
	}, b)
	if err != nil {
		return fmt.Errorf("timed out waiting for %s: %w", device, err)
	}
	klog.V(2).Infof("Device %s present", device)
	return nil
}
