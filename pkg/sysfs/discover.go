package sysfs

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/tphctl/pkg/pcicap"
	"github.com/Nativu5/tphctl/pkg/types"
)

// Discoverer implements types.DeviceDiscoverer using real sysfs.
type Discoverer struct{}

// NewDiscoverer returns a sysfs device discoverer.
func NewDiscoverer() *Discoverer {
	return &Discoverer{}
}

// buildDeviceInfo populates a DeviceInfo with metadata from sysfs and netlink.
func buildDeviceInfo(dev *Device) *types.DeviceInfo {
	pciAddr := dev.Name()
	info := &types.DeviceInfo{
		PciAddress:  pciAddr,
		Vendor:      GetPCIVendor(pciAddr),
		DeviceID:    GetPCIDeviceID(pciAddr),
		RdmaDevices: GetRdmaDevices(pciAddr),
	}

	// Best-effort enrichment, errors are non-fatal
	if names, err := GetNetNames(pciAddr); err == nil && len(names) > 0 {
		info.IfName = names[0]
	}
	if driver, err := GetPCIDevDriver(pciAddr); err == nil {
		info.Driver = driver
	}
	info.LinkType = GetLinkType(info.IfName)

	if rp, ok := dev.RootPort(); ok {
		info.RootPort = rp.Name()
		info.FirmwareNode, _ = rp.FirmwareNode()
	}
	return info
}

// DiscoverByPCI returns the TPH-capable device at a PCI BDF address.
func (d *Discoverer) DiscoverByPCI(pciAddress string) (*types.DeviceInfo, error) {
	dev, err := Open(pciAddress)
	if err != nil {
		return nil, err
	}
	defer dev.Close()

	if _, ok := dev.FindExtCapability(pcicap.ExtCapIDTPH); !ok {
		return nil, fmt.Errorf("PCI device %s has no TPH requester capability", pciAddress)
	}
	return buildDeviceInfo(dev), nil
}

// DiscoverByIfName returns the TPH-capable device behind a network interface.
func (d *Discoverer) DiscoverByIfName(ifName string) (*types.DeviceInfo, error) {
	pciAddr, err := GetPciAddress(ifName)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve PCI address for interface %q: %w", ifName, err)
	}

	info, err := d.DiscoverByPCI(pciAddr)
	if err != nil {
		return nil, err
	}
	info.IfName = ifName // prefer user-specified name
	info.LinkType = GetLinkType(ifName)
	return info, nil
}

// DiscoverAll enumerates all PCI devices under /sys/bus/pci/devices/ and returns
// those with a TPH requester capability. Unreadable devices are skipped.
func (d *Discoverer) DiscoverAll() ([]*types.DeviceInfo, error) {
	entries, err := os.ReadDir(sysBusPci)
	if err != nil {
		return nil, fmt.Errorf("cannot read PCI bus directory %s: %w", sysBusPci, err)
	}

	var devices []*types.DeviceInfo
	for _, entry := range entries {
		dev, err := Open(entry.Name())
		if err != nil {
			log.Debugf("skipping %s: %v", entry.Name(), err)
			continue
		}
		if _, ok := dev.FindExtCapability(pcicap.ExtCapIDTPH); ok {
			devices = append(devices, buildDeviceInfo(dev))
		}
		dev.Close()
	}

	if len(devices) == 0 {
		return nil, fmt.Errorf("no TPH-capable devices found on the host")
	}
	return devices, nil
}

// Resolve returns the PCI address named by pci or, if empty, by ifName.
func Resolve(pci, ifName string) (string, error) {
	if pci != "" {
		return pci, nil
	}
	if ifName != "" {
		return GetPciAddress(ifName)
	}
	return "", fmt.Errorf("a PCI address or interface name is required")
}
