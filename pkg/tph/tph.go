// Package tph negotiates and programs the PCIe TLP Processing Hints (TPH)
// requester capability of a device.
//
// A Controller owns the TPH control state of one device. It negotiates the
// request type with the upstream root port, enables a steering tag (ST)
// mode, writes steering tags into the ST table (held either in the MSI-X
// vector control registers or in the capability itself) and queries platform
// firmware for the per-CPU tag to use.
package tph

import (
	"fmt"
	"math/bits"
	"strings"
)

// TPH requester capability registers, relative to the capability.
const (
	regCap     = 0x04
	regCtrl    = 0x08
	regSTTable = 0x0c

	capNoST     = 0x00000001
	capIntVec   = 0x00000002
	capDevSpec  = 0x00000004
	capModeMask = capNoST | capIntVec | capDevSpec
	capExtTPH   = 0x00000100
	capLocMask  = 0x00000600
	capSTMask   = 0x07ff0000

	ctrlModeSelMask = 0x00000007
	ctrlReqEnMask   = 0x00000300

	// msixSTMask covers the ST lower and upper bytes of a vector control register.
	msixSTMask = 0xffff0000
)

// getField extracts the field selected by mask.
func getField(reg, mask uint32) uint32 {
	return (reg & mask) >> bits.TrailingZeros32(mask)
}

// setField replaces the field selected by mask with v.
func setField(reg, mask, v uint32) uint32 {
	return reg&^mask | (v<<bits.TrailingZeros32(mask))&mask
}

// Mode is the steering tag mode of a device.
type Mode uint8

// ModeDisabled is the mode of a device whose requester is not enabled; the
// other modes map onto the ST Mode Select field.
const (
	ModeDisabled Mode = iota
	ModeNoST
	ModeIntVec
	ModeDevSpec
)

func (m Mode) String() string {
	switch m {
	case ModeDisabled:
		return "Disabled"
	case ModeNoST:
		return "NoST"
	case ModeIntVec:
		return "IntVec"
	case ModeDevSpec:
		return "DevSpec"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// selector returns the ST Mode Select encoding. Only valid for enabled modes.
func (m Mode) selector() uint32 {
	return uint32(m) - 1
}

func modeFromSelector(sel uint32) (Mode, bool) {
	if sel > 2 {
		return ModeDisabled, false
	}
	return Mode(sel + 1), true
}

// ParseMode parses a mode name as accepted on the command line.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "nost", "no-st", "ns":
		return ModeNoST, nil
	case "intvec", "int-vec", "iv":
		return ModeIntVec, nil
	case "devspec", "dev-spec", "ds":
		return ModeDevSpec, nil
	default:
		return ModeDisabled, fmt.Errorf("unknown ST mode %q: use nost, intvec or devspec", s)
	}
}

// ModeSet is a set of modes, laid out like the capability register mask.
type ModeSet uint8

// Has reports whether m is in the set.
func (s ModeSet) Has(m Mode) bool {
	if m == ModeDisabled || m > ModeDevSpec {
		return false
	}
	return s&(1<<m.selector()) != 0
}

// Modes lists the modes in the set.
func (s ModeSet) Modes() []Mode {
	var out []Mode
	for _, m := range []Mode{ModeNoST, ModeIntVec, ModeDevSpec} {
		if s.Has(m) {
			out = append(out, m)
		}
	}
	return out
}

func (s ModeSet) String() string {
	modes := s.Modes()
	if len(modes) == 0 {
		return "none"
	}
	names := make([]string, 0, len(modes))
	for _, m := range modes {
		names = append(names, m.String())
	}
	return strings.Join(names, ",")
}

// RequestType is the TPH Requester Enable encoding. The numeric order is the
// capability order: Disabled < TPHOnly < ExtTPH.
type RequestType uint8

// Request types.
const (
	RequestDisabled RequestType = 0
	RequestTPHOnly  RequestType = 1
	RequestExtTPH   RequestType = 3
)

func (r RequestType) String() string {
	switch r {
	case RequestDisabled:
		return "Disabled"
	case RequestTPHOnly:
		return "TPHOnly"
	case RequestExtTPH:
		return "ExtTPH"
	default:
		return fmt.Sprintf("RequestType(%d)", uint8(r))
	}
}

// decodeRequestType maps a 2-bit requester or completer field. The reserved
// value 2 is read as TPH only.
func decodeRequestType(v uint32) RequestType {
	switch v & 0x3 {
	case 0:
		return RequestDisabled
	case 3:
		return RequestExtTPH
	default:
		return RequestTPHOnly
	}
}

// ParseRequestType parses a request type name as accepted on the command line.
func ParseRequestType(s string) (RequestType, error) {
	switch strings.ToLower(s) {
	case "disabled", "none":
		return RequestDisabled, nil
	case "tph", "tph-only", "tphonly":
		return RequestTPHOnly, nil
	case "ext", "ext-tph", "exttph":
		return RequestExtTPH, nil
	default:
		return RequestDisabled, fmt.Errorf("unknown request type %q: use tph or ext-tph", s)
	}
}

// TableLocation is the ST Table Location field.
type TableLocation uint8

// ST table locations.
const (
	LocationNone     TableLocation = 0
	LocationCapTable TableLocation = 1
	LocationMSIX     TableLocation = 2
	LocationReserved TableLocation = 3
)

func (l TableLocation) String() string {
	switch l {
	case LocationNone:
		return "None"
	case LocationCapTable:
		return "CapTable"
	case LocationMSIX:
		return "MSIX"
	default:
		return "Reserved"
	}
}

// MemoryType selects the memory class a steering tag targets.
type MemoryType uint8

// Memory types.
const (
	MemVolatile MemoryType = iota
	MemPersistent
)

func (m MemoryType) String() string {
	if m == MemPersistent {
		return "persistent"
	}
	return "volatile"
}

// ParseMemoryType parses a memory type name as accepted on the command line.
func ParseMemoryType(s string) (MemoryType, error) {
	switch strings.ToLower(s) {
	case "volatile", "vm", "ram":
		return MemVolatile, nil
	case "persistent", "pm", "nvram":
		return MemPersistent, nil
	default:
		return MemVolatile, fmt.Errorf("unknown memory type %q: use volatile or persistent", s)
	}
}

// ControlState is the software view of the TPH control register.
type ControlState struct {
	Enabled     bool
	Mode        Mode
	RequestType RequestType
}

// SteeringTagEntry is one entry of the ST table.
type SteeringTagEntry struct {
	Index uint16
	Tag   uint16
}
