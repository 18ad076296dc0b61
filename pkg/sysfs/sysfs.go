// Package sysfs implements the TPH collaborators on top of Linux sysfs.
// Configuration space is accessed through /sys/bus/pci/devices/<bdf>/config,
// the MSI-X table through an mmap of the BAR resource file, and firmware
// paths through the firmware_node links. It also enumerates TPH-capable
// devices and enriches them with driver, netdev and RDMA metadata.
package sysfs

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Mellanox/rdmamap"
	"github.com/vishvananda/netlink"
)

var (
	sysNetDevices = "/sys/class/net"
	sysBusPci     = "/sys/bus/pci/devices"
	sysCPU        = "/sys/devices/system/cpu"
)

var bdfRe = regexp.MustCompile(`^[0-9a-fA-F]{4}:[0-9a-fA-F]{2}:[0-9a-fA-F]{2}\.[0-7]$`)

// SetRoot points every sysfs lookup below root instead of /sys.
func SetRoot(root string) {
	if root == "" {
		root = "/sys"
	}
	sysNetDevices = filepath.Join(root, "class", "net")
	sysBusPci = filepath.Join(root, "bus", "pci", "devices")
	sysCPU = filepath.Join(root, "devices", "system", "cpu")
}

// IsBDF reports whether s is a full domain:bus:device.function address.
func IsBDF(s string) bool {
	return bdfRe.MatchString(s)
}

// ───────────────────────────────────────────
//  sysfs helpers
// ───────────────────────────────────────────

// GetPciAddress returns the PCI address for a given network interface name
// by reading the /sys/class/net/<ifName>/device symlink.
func GetPciAddress(ifName string) (string, error) {
	ifaceDir := path.Join(sysNetDevices, ifName, "device")
	dirInfo, err := os.Lstat(ifaceDir)
	if err != nil {
		return "", fmt.Errorf("cannot stat device symlink for interface %q: %w", ifName, err)
	}

	if (dirInfo.Mode() & os.ModeSymlink) == 0 {
		return "", fmt.Errorf("no symbolic link for interface %q", ifName)
	}

	pciInfo, err := os.Readlink(ifaceDir)
	if err != nil {
		return "", fmt.Errorf("cannot read device symlink for interface %q: %w", ifName, err)
	}

	return path.Base(pciInfo), nil
}

// GetNetNames returns the network interface names associated with a PCI device
// by listing /sys/bus/pci/devices/<pciAddr>/net/.
func GetNetNames(pciAddr string) ([]string, error) {
	netDir := filepath.Join(sysBusPci, pciAddr, "net")
	entries, err := os.ReadDir(netDir)
	if err != nil {
		return nil, fmt.Errorf("no net directory under PCI device %s: %w", pciAddr, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// GetPCIDevDriver returns the kernel driver currently bound to a PCI device.
func GetPCIDevDriver(pciAddr string) (string, error) {
	driverInfo, err := os.Readlink(filepath.Join(sysBusPci, pciAddr, "driver"))
	if err != nil {
		return "", fmt.Errorf("cannot read driver symlink for PCI device %s: %w", pciAddr, err)
	}
	return filepath.Base(driverInfo), nil
}

// GetPCIVendor returns the PCI vendor ID for a device (e.g. "0x14e4" → "14e4").
func GetPCIVendor(pciAddr string) string {
	return readSysfsAttr(filepath.Join(sysBusPci, pciAddr, "vendor"))
}

// GetPCIDeviceID returns the PCI device/product ID for a device.
func GetPCIDeviceID(pciAddr string) string {
	return readSysfsAttr(filepath.Join(sysBusPci, pciAddr, "device"))
}

// GetLinkType returns the link encapsulation type for a network interface via netlink.
func GetLinkType(ifName string) string {
	if ifName == "" {
		return ""
	}
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return ""
	}
	return link.Attrs().EncapType
}

// GetRdmaDevices returns the RDMA resources (e.g. "bnxt_re0") of a PCI device.
func GetRdmaDevices(pciAddr string) []string {
	return rdmamap.GetRdmaDevicesForPcidev(pciAddr)
}

// readSysfsAttr reads a single sysfs attribute file, strips the "0x" prefix and whitespace.
func readSysfsAttr(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	val := strings.TrimSpace(string(data))
	val = strings.TrimPrefix(val, "0x")
	return val
}
