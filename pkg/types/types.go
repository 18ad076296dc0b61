// Package types defines the shared data types and collaborator interfaces
// for the tphctl tool. The TPH core in pkg/tph only talks to hardware and
// firmware through the interfaces declared here, so the same logic runs
// against Linux sysfs, an emulated device, or a test fake.
package types

// Width is the size in bytes of a single configuration space access.
type Width int

// Supported configuration access widths.
const (
	Byte  Width = 1
	Word  Width = 2
	Dword Width = 4
)

// Device is a PCI function whose configuration space can be accessed.
type Device interface {
	// Name identifies the device in logs, usually its BDF address.
	Name() string
	// ReadConfig reads width bytes at the given configuration space offset.
	ReadConfig(offset uint16, width Width) (uint32, error)
	// WriteConfig writes width bytes at the given configuration space offset.
	WriteConfig(offset uint16, width Width, value uint32) error
	// FindCapability returns the offset of a standard capability.
	FindCapability(id uint8) (uint16, bool)
	// FindExtCapability returns the offset of a PCIe extended capability.
	FindExtCapability(id uint16) (uint16, bool)
	// RootPort returns the nearest upstream PCIe root port, if any.
	RootPort() (Device, bool)
	// FirmwareNode returns the firmware (ACPI) path of the device, if any.
	FirmwareNode() (string, bool)
}

// Register is a single memory-mapped 32-bit register.
type Register interface {
	Read() uint32
	Write(v uint32)
}

// MSIXDescriptor identifies one allocated MSI-X vector of a device.
type MSIXDescriptor struct {
	// Index is the ordinal of the vector in the MSI-X table.
	Index uint16
}

// InterruptTable grants exclusive access to a device's MSI-X descriptors.
type InterruptTable interface {
	// LockDescriptors acquires the descriptor set. The returned scope must
	// be released with Unlock before any other TPH operation starts.
	LockDescriptors() (DescriptorScope, error)
}

// DescriptorScope is an exclusive view over a device's MSI-X descriptors.
type DescriptorScope interface {
	// Find returns the descriptor whose ordinal equals index.
	Find(index uint16) (MSIXDescriptor, bool)
	// VectorControl returns the vector control register of a descriptor.
	VectorControl(desc MSIXDescriptor) Register
	// Unlock releases the descriptor set.
	Unlock()
}

// Firmware evaluates platform firmware methods on behalf of a device.
type Firmware interface {
	// HandleOf returns the firmware handle of a device.
	HandleOf(dev Device) (string, bool)
	// Supports reports whether the handle implements the given function.
	Supports(handle string, fn uint64) bool
	// Invoke evaluates the function and returns its raw buffer result.
	// A nil slice means the method returned no buffer.
	Invoke(handle string, fn uint64, args []uint64) ([]byte, error)
}

// DeviceInfo describes a TPH-capable PCI function found on the host.
type DeviceInfo struct {
	// PciAddress is the PCI Bus-Device-Function address (e.g. "0000:17:00.0").
	PciAddress string
	// Vendor is the PCI vendor ID (e.g. "14e4").
	Vendor string
	// DeviceID is the PCI device/product ID.
	DeviceID string
	// Driver is the kernel driver bound to this device (e.g. "bnxt_en").
	Driver string
	// IfName is the first network interface of the device, if any.
	IfName string
	// LinkType is the link encapsulation type of IfName.
	LinkType string
	// RdmaDevices lists the RDMA resources attached to the device.
	RdmaDevices []string
	// RootPort is the BDF address of the upstream root port, if found.
	RootPort string
	// FirmwareNode is the ACPI path of the root port, if exposed.
	FirmwareNode string
}

// DeviceDiscoverer abstracts TPH device discovery for testability.
type DeviceDiscoverer interface {
	// DiscoverByPCI returns the device at a PCI BDF address.
	DiscoverByPCI(pciAddress string) (*DeviceInfo, error)
	// DiscoverAll returns every TPH-capable device on the host.
	DiscoverAll() ([]*DeviceInfo, error)
}
