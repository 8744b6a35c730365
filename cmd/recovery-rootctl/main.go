package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/recovery-roots/pkg/mmc"
	"git.srvlab.io/whiskey/recovery-roots/pkg/observability"
	"git.srvlab.io/whiskey/recovery-roots/pkg/roots"
)

var (
	// Board configuration
	boardConfig = flag.String("board-config", "/etc/recovery/board.ini", "Board config file overriding the default volume table")

	// Optional device settle wait before mount/format of removable media
	waitDevice = flag.Duration("wait-device", 0, "Wait up to this long for the volume's device node before mount/format")

	// Debug metrics endpoint
	metricsAddr = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address (debug only)")
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: recovery-rootctl [flags] <command> <label>

Commands:
  mount <label>        ensure the volume is mounted
  umount <label>       ensure the volume is unmounted
  format <label>       format the volume's backing device
  detect <label>       detect the volume's filesystem by trial mounting
  is-mounted <label>   print whether the volume is mounted
  translate <path>     translate a LABEL:relative/path to a real path
  device <label>       print the volume's device
  filesystem <label>   print the volume's filesystem
  mountpoint <label>   print the volume's mount point
  show                 dump the volume table

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}
	command := args[0]

	// A per-invocation id keys every log line of one recovery step.
	session := uuid.New().String()
	klog.V(2).Infof("Recovery volume session %s: %v", session, args)

	table := roots.NewTable()
	if err := table.LoadBoardConfig(*boardConfig); err != nil {
		klog.Fatalf("Failed to load board config: %v", err)
	}

	mgr := roots.NewDefaultManager(table)

	if *metricsAddr != "" {
		metrics := observability.NewMetrics()
		mgr.SetMetrics(metrics)
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				klog.Errorf("Metrics server failed: %v", err)
			}
		}()
	}

	if command == "show" {
		showTable(table)
		return
	}

	if len(args) != 2 {
		usage()
		os.Exit(2)
	}
	label := args[1]

	if err := run(mgr, table, command, label); err != nil {
		klog.Errorf("Session %s: %s %s failed: %v", session, command, label, err)
		os.Exit(1)
	}
}

// run dispatches one command against the manager.
func run(mgr *roots.Manager, table *roots.Table, command, label string) error {
	switch command {
	case "mount":
		waitForVolumeDevice(table, label)
		return mgr.EnsureMounted(label)
	case "umount":
		return mgr.EnsureUnmounted(label)
	case "format":
		waitForVolumeDevice(table, label)
		return mgr.Format(label)
	case "detect":
		if err := mgr.DetectFilesystem(label); err != nil {
			return err
		}
		fs, err := table.Filesystem(label)
		if err != nil {
			return err
		}
		fmt.Println(fs)
		return nil
	case "is-mounted":
		mounted, err := mgr.IsMounted(label)
		if err != nil {
			return err
		}
		fmt.Println(mounted)
		return nil
	case "translate":
		path, err := table.Translate(label)
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	case "device":
		return printString(table.Device(label))
	case "filesystem":
		return printString(table.Filesystem(label))
	case "mountpoint":
		return printString(table.MountPoint(label))
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func printString(s string, err error) error {
	if err != nil {
		return err
	}
	fmt.Println(s)
	return nil
}

// waitForVolumeDevice optionally waits for the volume's device node to
// appear. Removable media may settle late during early boot.
func waitForVolumeDevice(table *roots.Table, label string) {
	if *waitDevice <= 0 {
		return
	}
	device, err := table.Device(label)
	if err != nil || device == "" {
		return
	}
	if err := mmc.WaitForDevice(device, *waitDevice); err != nil {
		klog.Warningf("Device %s for %s did not appear after %v: %v",
			device, label, *waitDevice, err)
	}
}

// showTable dumps the volume table for the operator.
func showTable(table *roots.Table) {
	fmt.Printf("%-10s %-7s %-26s %-12s %-10s %-8s %s\n",
		"NAME", "KIND", "DEVICE", "PARTITION", "MOUNT", "FS", "OPTIONS")
	for _, e := range table.Entries() {
		device := e.Device
		if e.Device2 != "" {
			device += "," + e.Device2
		}
		fmt.Printf("%-10s %-7s %-26s %-12s %-10s %-8s %s\n",
			e.Name, e.Kind, device, e.PartitionName, e.MountPoint, e.Filesystem, e.FilesystemOptions)
	}
}
