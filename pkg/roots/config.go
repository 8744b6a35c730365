package roots

import (
	"fmt"
	"strings"

	"github.com/gookit/ini/v2"
	"k8s.io/klog/v2"
)

// Board config file layout: one lowercase section per label with the keys
// below, plus a [partitions] section mapping labels to alternate MTD/MMC
// partition names for boards where the default name does not exist.
//
//	[system]
//	device = /dev/block/stl9
//	filesystem = rfs
//
//	[partitions]
//	cache = cache_nand
const (
	cfgKeyKind       = "kind"
	cfgKeyDevice     = "device"
	cfgKeyDevice2    = "device2"
	cfgKeyPartition  = "partition"
	cfgKeyMountPoint = "mount_point"
	cfgKeyFilesystem = "filesystem"
	cfgKeyFsOptions  = "filesystem_options"

	cfgSectionPartitions = "partitions"
)

// LoadBoardConfig overlays a board config file onto the table. A missing
// file is not an error; the compiled-in defaults stand.
func (t *Table) LoadBoardConfig(path string) error {
	cfg := ini.New()
	if err := cfg.LoadExists(path); err != nil {
		return fmt.Errorf("load board config %s: %w", path, err)
	}

	for _, e := range t.entries {
		section := strings.ToLower(e.Label())
		values := cfg.StringMap(section)
		if len(values) == 0 {
			continue
		}
		if err := t.applyOverrides(e, values); err != nil {
			return fmt.Errorf("board config %s [%s]: %w", path, section, err)
		}
		klog.V(2).Infof("Board config overrides applied to %s: %v", e.Name, values)
	}

	for label, name := range cfg.StringMap(cfgSectionPartitions) {
		t.partitionOverrides[strings.ToUpper(label)] = name
		klog.V(2).Infof("Partition name override: %s -> %s", strings.ToUpper(label), name)
	}
	return nil
}

// applyOverrides mutates one entry from a config section.
func (t *Table) applyOverrides(info *RootInfo, values map[string]string) error {
	for key, value := range values {
		switch strings.ToLower(key) {
		case cfgKeyKind:
			kind, err := parseDeviceKind(value)
			if err != nil {
				return err
			}
			info.Kind = kind
		case cfgKeyDevice:
			info.Device = value
			if info.Kind == DeviceNone {
				info.Kind = DeviceBlock
			}
		case cfgKeyDevice2:
			info.Device2 = value
		case cfgKeyPartition:
			info.PartitionName = value
		case cfgKeyMountPoint:
			info.MountPoint = value
		case cfgKeyFilesystem:
			info.Filesystem = value
		case cfgKeyFsOptions:
			info.FilesystemOptions = value
		default:
			return fmt.Errorf("unknown key %q", key)
		}
	}
	info.refreshStrategy()
	return nil
}

// parseDeviceKind maps a config value to a DeviceKind tag
func parseDeviceKind(value string) (DeviceKind, error) {
	switch strings.ToLower(value) {
	case "block":
		return DeviceBlock, nil
	case "mtd":
		return DeviceMTD, nil
	case "mmc":
		return DeviceMMC, nil
	case "none":
		return DeviceNone, nil
	default:
		return DeviceNone, fmt.Errorf("unknown device kind %q", value)
	}
}
