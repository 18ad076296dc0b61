package pcisim

import (
	"encoding/binary"
	"sync"

	"github.com/Nativu5/tphctl/pkg/pcicap"
	"github.com/Nativu5/tphctl/pkg/types"
)

// Access is one recorded configuration space access.
type Access struct {
	Write  bool
	Offset uint16
	Width  types.Width
	Value  uint32
}

// Device is an emulated PCI function implementing types.Device.
// Capability lookups read the backing store directly and are not recorded;
// only ReadConfig and WriteConfig calls show up in Accesses.
type Device struct {
	Config   *ConfigSpace
	Upstream *Device
	ACPIPath string

	// FailRead and FailWrite inject errors for matching offsets.
	FailRead  func(offset uint16) error
	FailWrite func(offset uint16) error

	name     string
	mu       sync.Mutex
	accesses []Access
}

// NewDevice wraps a configuration space.
func NewDevice(name string, cs *ConfigSpace) *Device {
	return &Device{name: name, Config: cs}
}

// Name implements types.Device.
func (d *Device) Name() string { return d.name }

// ReadConfig implements types.Device.
func (d *Device) ReadConfig(offset uint16, width types.Width) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailRead != nil {
		if err := d.FailRead(offset); err != nil {
			return 0, err
		}
	}
	v, err := d.Config.ReadConfig(offset, width)
	if err != nil {
		return 0, err
	}
	d.accesses = append(d.accesses, Access{Offset: offset, Width: width, Value: v})
	return v, nil
}

// WriteConfig implements types.Device.
func (d *Device) WriteConfig(offset uint16, width types.Width, value uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailWrite != nil {
		if err := d.FailWrite(offset); err != nil {
			return err
		}
	}
	if err := d.Config.WriteConfig(offset, width, value); err != nil {
		return err
	}
	d.accesses = append(d.accesses, Access{Write: true, Offset: offset, Width: width, Value: value})
	return nil
}

// FindCapability implements types.Device.
func (d *Device) FindCapability(id uint8) (uint16, bool) {
	return pcicap.FindCapability(d.Config, id)
}

// FindExtCapability implements types.Device.
func (d *Device) FindExtCapability(id uint16) (uint16, bool) {
	return pcicap.FindExtCapability(d.Config, id)
}

// RootPort implements types.Device.
func (d *Device) RootPort() (types.Device, bool) {
	for up := d.Upstream; up != nil; up = up.Upstream {
		if pcicap.IsRootPort(up.Config) {
			return up, true
		}
	}
	return nil, false
}

// FirmwareNode implements types.Device.
func (d *Device) FirmwareNode() (string, bool) {
	return d.ACPIPath, d.ACPIPath != ""
}

// Accesses returns a copy of the recorded accesses.
func (d *Device) Accesses() []Access {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Access(nil), d.accesses...)
}

// Writes returns the recorded writes only.
func (d *Device) Writes() []Access {
	var out []Access
	for _, a := range d.Accesses() {
		if a.Write {
			out = append(out, a)
		}
	}
	return out
}

// ResetAccesses clears the access log.
func (d *Device) ResetAccesses() {
	d.mu.Lock()
	d.accesses = nil
	d.mu.Unlock()
}

// NewRootPort builds a root port whose Device Capabilities 2 register
// advertises the given TPH completer field value (0, 1 or 3).
func NewRootPort(name string, completer uint32) *Device {
	cs := NewConfigSpace()
	body := make([]byte, 0x3a)
	binary.LittleEndian.PutUint16(body[pcicap.ExpFlags-2:], 0x2|pcicap.ExpTypeRootPrt<<4)
	binary.LittleEndian.PutUint32(body[pcicap.ExpDevCap2-2:], completer<<pcicap.ExpDevCap2TPHCompShift)
	cs.AddCapability(pcicap.CapIDExpress, body)
	return NewDevice(name, cs)
}

// EndpointConfig describes an emulated TPH requester.
type EndpointConfig struct {
	// TPHCap is the raw TPH capability register. Zero omits the capability.
	TPHCap uint32
	// STEntries reserves room for that many capability ST table entries.
	STEntries int
	// MSIXVectors adds an MSI-X capability with that table size when non-zero.
	MSIXVectors int
}

// NewEndpoint builds a PCIe endpoint below upstream.
func NewEndpoint(name string, cfg EndpointConfig, upstream *Device) *Device {
	cs := NewConfigSpace()
	body := make([]byte, 0x3a)
	binary.LittleEndian.PutUint16(body[pcicap.ExpFlags-2:], 0x2)
	cs.AddCapability(pcicap.CapIDExpress, body)

	if cfg.MSIXVectors > 0 {
		msix := make([]byte, 10)
		binary.LittleEndian.PutUint16(msix[0:], uint16(cfg.MSIXVectors-1)|pcicap.MSIXFlagsEnable)
		binary.LittleEndian.PutUint32(msix[2:], 0) // BIR 0, offset 0
		binary.LittleEndian.PutUint32(msix[6:], uint32(cfg.MSIXVectors*pcicap.MSIXEntrySize)) // PBA
		cs.AddCapability(pcicap.CapIDMSIX, msix)
	}

	if cfg.TPHCap != 0 {
		pos := cs.AddExtCapability(pcicap.ExtCapIDTPH, 1, 0x0c+2*cfg.STEntries)
		cs.WriteU32(int(pos)+0x04, cfg.TPHCap)
	}

	dev := NewDevice(name, cs)
	dev.Upstream = upstream
	return dev
}
