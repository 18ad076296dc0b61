package sysfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Nativu5/tphctl/pkg/pcicap"
	"github.com/Nativu5/tphctl/pkg/types"
)

// Device is a PCI function accessed through its sysfs config file.
type Device struct {
	addr     string
	dir      string
	f        *os.File
	readOnly bool

	rootPort *Device
	rootDone bool
}

// Open opens the configuration space of the device at pciAddr. Without
// write permission the device is opened read-only and writes fail.
func Open(pciAddr string) (*Device, error) {
	link := filepath.Join(sysBusPci, pciAddr)
	dir, err := filepath.EvalSymlinks(link)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve PCI device %s: %w", pciAddr, err)
	}

	cfg := filepath.Join(dir, "config")
	d := &Device{addr: pciAddr, dir: dir}
	d.f, err = os.OpenFile(cfg, os.O_RDWR, 0)
	if errors.Is(err, os.ErrPermission) {
		log.Debugf("opening %s read-only: %v", cfg, err)
		d.readOnly = true
		d.f, err = os.Open(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot open config space of %s: %w", pciAddr, err)
	}
	return d, nil
}

// Close releases the config file and the cached root port.
func (d *Device) Close() error {
	if d.rootPort != nil {
		d.rootPort.Close()
		d.rootPort = nil
	}
	return d.f.Close()
}

// Name implements types.Device.
func (d *Device) Name() string { return d.addr }

// Dir returns the resolved sysfs directory of the device.
func (d *Device) Dir() string { return d.dir }

// ReadConfig implements types.Device.
func (d *Device) ReadConfig(offset uint16, width types.Width) (uint32, error) {
	buf := make([]byte, width)
	n, err := unix.Pread(int(d.f.Fd()), buf, int64(offset))
	if err != nil {
		return 0, fmt.Errorf("config read %s@%#x: %w", d.addr, offset, err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("config read %s@%#x: short read (%d of %d bytes)", d.addr, offset, n, width)
	}
	switch width {
	case types.Byte:
		return uint32(buf[0]), nil
	case types.Word:
		return uint32(binary.LittleEndian.Uint16(buf)), nil
	default:
		return binary.LittleEndian.Uint32(buf), nil
	}
}

// WriteConfig implements types.Device.
func (d *Device) WriteConfig(offset uint16, width types.Width, value uint32) error {
	if d.readOnly {
		return fmt.Errorf("config write %s@%#x: %w", d.addr, offset, os.ErrPermission)
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	n, err := unix.Pwrite(int(d.f.Fd()), buf[:width], int64(offset))
	if err != nil {
		return fmt.Errorf("config write %s@%#x: %w", d.addr, offset, err)
	}
	if n != int(width) {
		return fmt.Errorf("config write %s@%#x: short write (%d of %d bytes)", d.addr, offset, n, width)
	}
	return nil
}

// FindCapability implements types.Device.
func (d *Device) FindCapability(id uint8) (uint16, bool) {
	return pcicap.FindCapability(d, id)
}

// FindExtCapability implements types.Device.
func (d *Device) FindExtCapability(id uint16) (uint16, bool) {
	return pcicap.FindExtCapability(d, id)
}

// RootPort implements types.Device. It walks the sysfs device path
// (/sys/devices/pci0000:00/0000:00:01.1/0000:01:00.0) towards the host
// bridge and returns the first function that is a PCIe root port.
func (d *Device) RootPort() (types.Device, bool) {
	if !d.rootDone {
		d.rootDone = true
		d.rootPort = d.findRootPort()
	}
	if d.rootPort == nil {
		return nil, false
	}
	return d.rootPort, true
}

func (d *Device) findRootPort() *Device {
	for dir := filepath.Dir(d.dir); IsBDF(filepath.Base(dir)); dir = filepath.Dir(dir) {
		up, err := Open(filepath.Base(dir))
		if err != nil {
			log.Debugf("skipping upstream %s of %s: %v", filepath.Base(dir), d.addr, err)
			continue
		}
		if pcicap.IsRootPort(up) {
			return up
		}
		up.Close()
	}
	return nil
}

// FirmwareNode implements types.Device using firmware_node/path.
func (d *Device) FirmwareNode() (string, bool) {
	data, err := os.ReadFile(filepath.Join(d.dir, "firmware_node", "path"))
	if err != nil {
		return "", false
	}
	p := strings.TrimSpace(string(data))
	return p, p != ""
}
