// Package pcicap walks PCI and PCIe capability lists over any configuration
// space reader and holds the register layout of the capabilities tphctl uses.
package pcicap

import (
	"github.com/Nativu5/tphctl/pkg/types"
)

// ConfigReader reads a device's configuration space.
type ConfigReader interface {
	ReadConfig(offset uint16, width types.Width) (uint32, error)
}

const (
	// ConfigSpaceLegacySize is the size of conventional PCI config space.
	ConfigSpaceLegacySize = 0x100
	// ConfigSpaceExtSize is the size of PCIe extended config space.
	ConfigSpaceExtSize = 0x1000

	// StatusReg is the offset of the status register.
	StatusReg = 0x06
	// StatusCapList indicates the capability list is implemented.
	StatusCapList = 0x10
	// CapListPtr is the offset of the first capability pointer.
	CapListPtr = 0x34
)

// Standard capability IDs.
const (
	CapIDExpress uint8 = 0x10
	CapIDMSIX    uint8 = 0x11
)

// Extended capability IDs.
const (
	ExtCapIDTPH uint16 = 0x17
)

// PCI Express capability registers, relative to the capability.
const (
	ExpFlags       = 0x02
	ExpFlagsType   = 0x00f0
	ExpTypeRootPrt = 0x4
	ExpDevCap2     = 0x24
	// ExpDevCap2TPHComp is the TPH completer supported field.
	ExpDevCap2TPHComp      = 0x00003000
	ExpDevCap2TPHCompShift = 12
)

// MSI-X capability registers, relative to the capability.
const (
	MSIXFlags          = 0x02
	MSIXFlagsQSize     = 0x07ff
	MSIXFlagsMaskAll   = 0x4000
	MSIXFlagsEnable    = 0x8000
	MSIXTable          = 0x04
	MSIXTableBIR       = 0x00000007
	MSIXTableOffset    = 0xfffffff8
	MSIXEntrySize      = 16
	MSIXEntryVectorCtl = 0x0c
)

const (
	// findCapTTL bounds the standard list walk, as in the kernel.
	findCapTTL = 48
	extCapTTL  = (ConfigSpaceExtSize - ConfigSpaceLegacySize) / 8
)

// FindCapability walks the standard capability list for id. Broken or
// looping chains end the walk.
func FindCapability(r ConfigReader, id uint8) (uint16, bool) {
	status, err := r.ReadConfig(StatusReg, types.Word)
	if err != nil || status&StatusCapList == 0 {
		return 0, false
	}
	ptr, err := r.ReadConfig(CapListPtr, types.Byte)
	if err != nil {
		return 0, false
	}

	visited := make(map[uint16]bool)
	pos := uint16(ptr) & 0xfc
	for ttl := findCapTTL; ttl > 0 && pos >= 0x40 && !visited[pos]; ttl-- {
		visited[pos] = true
		hdr, err := r.ReadConfig(pos, types.Word)
		if err != nil {
			return 0, false
		}
		capID := uint8(hdr)
		if capID == 0xff {
			return 0, false
		}
		if capID == id {
			return pos, true
		}
		pos = uint16(hdr>>8) & 0xfc
	}
	return 0, false
}

// FindExtCapability walks the extended capability list starting at 0x100.
func FindExtCapability(r ConfigReader, id uint16) (uint16, bool) {
	pos := uint16(ConfigSpaceLegacySize)
	hdr, err := r.ReadConfig(pos, types.Dword)
	if err != nil || hdr == 0 || hdr == 0xffffffff {
		return 0, false
	}

	for ttl := extCapTTL; ttl > 0; ttl-- {
		if uint16(hdr&0xffff) == id {
			return pos, true
		}
		next := uint16(hdr>>20) & 0xffc
		if next < ConfigSpaceLegacySize {
			return 0, false
		}
		pos = next
		if hdr, err = r.ReadConfig(pos, types.Dword); err != nil {
			return 0, false
		}
	}
	return 0, false
}

// IsRootPort reports whether the device is a PCIe root port.
func IsRootPort(r ConfigReader) bool {
	pos, ok := FindCapability(r, CapIDExpress)
	if !ok {
		return false
	}
	flags, err := r.ReadConfig(pos+ExpFlags, types.Word)
	if err != nil {
		return false
	}
	return (flags&ExpFlagsType)>>4 == ExpTypeRootPrt
}

// MSIXEnabled reports whether MSI-X is enabled. ok is false when the
// device has no readable MSI-X capability.
func MSIXEnabled(r ConfigReader, pos uint16) (enabled, ok bool) {
	flags, err := r.ReadConfig(pos+MSIXFlags, types.Word)
	if err != nil {
		return false, false
	}
	return flags&MSIXFlagsEnable != 0, true
}

// ExtCapHeader builds an extended capability header dword.
func ExtCapHeader(id uint16, version uint8, next uint16) uint32 {
	return uint32(id) | uint32(version&0xf)<<16 | uint32(next&0xffc)<<20
}
