package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/Nativu5/tphctl/pkg/pcicap"
	"github.com/Nativu5/tphctl/pkg/types"
)

// MSIXTable maps the MSI-X table of a device from its BAR resource file.
// It implements types.InterruptTable. The descriptor set is guarded by an
// in-process mutex and an exclusive flock on the resource file.
type MSIXTable struct {
	dev     *Device
	size    uint16
	enabled bool
	vectors int

	f    *os.File
	mem  []byte
	base int

	mu sync.Mutex
}

// OpenMSIX maps the MSI-X table of dev.
func OpenMSIX(dev *Device) (*MSIXTable, error) {
	pos, ok := dev.FindCapability(pcicap.CapIDMSIX)
	if !ok {
		return nil, fmt.Errorf("%s has no MSI-X capability", dev.Name())
	}
	flags, err := dev.ReadConfig(pos+pcicap.MSIXFlags, types.Word)
	if err != nil {
		return nil, err
	}
	tbl, err := dev.ReadConfig(pos+pcicap.MSIXTable, types.Dword)
	if err != nil {
		return nil, err
	}

	t := &MSIXTable{
		dev:     dev,
		size:    uint16(flags&pcicap.MSIXFlagsQSize) + 1,
		enabled: flags&pcicap.MSIXFlagsEnable != 0,
	}
	t.vectors = countMSIVectors(dev.Dir(), int(t.size))

	bir := tbl & pcicap.MSIXTableBIR
	offset := int64(tbl & pcicap.MSIXTableOffset)
	res := filepath.Join(dev.Dir(), fmt.Sprintf("resource%d", bir))
	if t.f, err = os.OpenFile(res, os.O_RDWR, 0); err != nil {
		return nil, fmt.Errorf("cannot open MSI-X BAR of %s: %w", dev.Name(), err)
	}

	page := int64(os.Getpagesize())
	start := offset &^ (page - 1)
	t.base = int(offset - start)
	length := t.base + int(t.size)*pcicap.MSIXEntrySize
	t.mem, err = unix.Mmap(int(t.f.Fd()), start, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		t.f.Close()
		return nil, fmt.Errorf("cannot map MSI-X table of %s: %w", dev.Name(), err)
	}
	return t, nil
}

// countMSIVectors returns the number of allocated vectors listed in
// msi_irqs, or size when the directory is absent.
func countMSIVectors(dir string, size int) int {
	entries, err := os.ReadDir(filepath.Join(dir, "msi_irqs"))
	if err != nil {
		return size
	}
	return min(len(entries), size)
}

// Size returns the number of MSI-X table entries.
func (t *MSIXTable) Size() uint16 { return t.size }

// Enabled reports whether MSI-X is enabled on the device.
func (t *MSIXTable) Enabled() bool { return t.enabled }

// Close unmaps the table.
func (t *MSIXTable) Close() error {
	err := unix.Munmap(t.mem)
	if cerr := t.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// LockDescriptors implements types.InterruptTable.
func (t *MSIXTable) LockDescriptors() (types.DescriptorScope, error) {
	t.mu.Lock()
	if err := unix.Flock(int(t.f.Fd()), unix.LOCK_EX); err != nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("cannot lock MSI-X table of %s: %w", t.dev.Name(), err)
	}
	return &msixScope{t: t}, nil
}

type msixScope struct {
	t *MSIXTable
}

// Find returns a descriptor for allocated vectors of an enabled table.
func (s *msixScope) Find(index uint16) (types.MSIXDescriptor, bool) {
	if !s.t.enabled || int(index) >= s.t.vectors {
		return types.MSIXDescriptor{}, false
	}
	return types.MSIXDescriptor{Index: index}, true
}

func (s *msixScope) VectorControl(desc types.MSIXDescriptor) types.Register {
	off := s.t.base + int(desc.Index)*pcicap.MSIXEntrySize + pcicap.MSIXEntryVectorCtl
	return mmioReg{p: (*uint32)(unsafe.Pointer(&s.t.mem[off]))}
}

func (s *msixScope) Unlock() {
	unix.Flock(int(s.t.f.Fd()), unix.LOCK_UN)
	s.t.mu.Unlock()
}

// mmioReg is a 32-bit register in mapped device memory. Atomic loads and
// stores keep each access a single aligned dword.
type mmioReg struct {
	p *uint32
}

func (r mmioReg) Read() uint32   { return atomic.LoadUint32(r.p) }
func (r mmioReg) Write(v uint32) { atomic.StoreUint32(r.p, v) }
