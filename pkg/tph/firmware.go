package tph

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// PCI firmware _DSM used for steering tag queries.
const (
	// DSMGUID is the PCI firmware _DSM UUID.
	DSMGUID = "e5c937d0-3553-4d7a-9117-ea4d19c3434d"
	// DSMRevision is the lowest _DSM revision defining the ST query.
	DSMRevision = 7
	// FuncSteeringTag is the _DSM function index of the ST query.
	FuncSteeringTag uint64 = 0xf
	// FeatureCacheLocality selects the processor cache steering tag query.
	FeatureCacheLocality uint64 = 0

	// stInfoSize is the size of the packed response buffer.
	stInfoSize = 8
)

// Properties is the packed properties argument of the ST query.
type Properties struct {
	// Phase is the 2-bit processing hint.
	Phase uint8
	// TargetType is the 1-bit target type.
	TargetType uint8
	// CacheRefValid marks CacheRef as meaningful.
	CacheRefValid bool
	// CacheRef identifies the target cache.
	CacheRef uint32
}

// Pack encodes the properties word.
func (p Properties) Pack() uint64 {
	v := uint64(p.Phase&0x3) | uint64(p.TargetType&0x1)<<2
	if p.CacheRefValid {
		v |= 1 << 3
	}
	return v | uint64(p.CacheRef)<<32
}

// STInfo is the packed per-CPU steering tag response.
type STInfo struct {
	VMSTValid  bool
	VMXSTValid bool
	VMPHIgnore bool
	VMST       uint8
	VMXST      uint16
	PMSTValid  bool
	PMXSTValid bool
	PMPHIgnore bool
	PMST       uint8
	PMXST      uint16
}

func bit(v uint64, n uint) bool { return v>>n&1 != 0 }

func setBit(b bool, n uint) uint64 {
	if b {
		return 1 << n
	}
	return 0
}

// DecodeSTInfo unpacks a raw response word.
func DecodeSTInfo(v uint64) STInfo {
	return STInfo{
		VMSTValid:  bit(v, 0),
		VMXSTValid: bit(v, 1),
		VMPHIgnore: bit(v, 2),
		VMST:       uint8(v >> 8),
		VMXST:      uint16(v >> 16),
		PMSTValid:  bit(v, 32),
		PMXSTValid: bit(v, 33),
		PMPHIgnore: bit(v, 34),
		PMST:       uint8(v >> 40),
		PMXST:      uint16(v >> 48),
	}
}

// Raw packs the response back into its 64-bit form.
func (i STInfo) Raw() uint64 {
	return setBit(i.VMSTValid, 0) | setBit(i.VMXSTValid, 1) | setBit(i.VMPHIgnore, 2) |
		uint64(i.VMST)<<8 | uint64(i.VMXST)<<16 |
		setBit(i.PMSTValid, 32) | setBit(i.PMXSTValid, 33) | setBit(i.PMPHIgnore, 34) |
		uint64(i.PMST)<<40 | uint64(i.PMXST)<<48
}

// ParseSTInfo decodes a firmware response buffer.
func ParseSTInfo(buf []byte) (STInfo, error) {
	if len(buf) != stInfoSize {
		return STInfo{}, fmt.Errorf("%w: %d byte buffer, want %d", ErrBadResponse, len(buf), stInfoSize)
	}
	return DecodeSTInfo(binary.LittleEndian.Uint64(buf)), nil
}

// Tag extracts the steering tag for a memory type and request type. Invalid
// entries read as 0.
func (i STInfo) Tag(mem MemoryType, req RequestType) uint16 {
	switch req {
	case RequestTPHOnly:
		if mem == MemPersistent {
			if i.PMSTValid {
				return uint16(i.PMST)
			}
			return 0
		}
		if i.VMSTValid {
			return uint16(i.VMST)
		}
	case RequestExtTPH:
		if mem == MemPersistent {
			if i.PMXSTValid {
				return i.PMXST
			}
			return 0
		}
		if i.VMXSTValid {
			return i.VMXST
		}
	default:
		log.Errorf("invalid request type %s for steering tag extraction", req)
	}
	return 0
}

// QueryCPUInfo asks firmware for the steering tags of the CPU with ACPI
// processor UID cpuUID.
func (c *Controller) QueryCPUInfo(cpuUID uint32, props Properties) (STInfo, error) {
	if !c.hasCap {
		return STInfo{}, ErrNotSupported
	}
	fw := c.opts.Firmware
	if fw == nil {
		return STInfo{}, fmt.Errorf("%w: no firmware interface", ErrUnavailable)
	}

	rp, ok := c.dev.RootPort()
	if !ok {
		return STInfo{}, fmt.Errorf("%w: no root port above %s", ErrUnavailable, c.dev.Name())
	}
	handle, ok := fw.HandleOf(rp)
	if !ok {
		return STInfo{}, fmt.Errorf("%w: no firmware handle for root port %s", ErrUnavailable, rp.Name())
	}
	if !fw.Supports(handle, FuncSteeringTag) {
		return STInfo{}, fmt.Errorf("%w: %s does not implement the ST query", ErrUnavailable, handle)
	}

	args := []uint64{FeatureCacheLocality, uint64(cpuUID), props.Pack()}
	buf, err := fw.Invoke(handle, FuncSteeringTag, args)
	if err != nil {
		return STInfo{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, handle, err)
	}
	if buf == nil {
		return STInfo{}, fmt.Errorf("%w: %s returned no buffer", ErrBadResponse, handle)
	}

	info, err := ParseSTInfo(buf)
	if err != nil {
		return STInfo{}, err
	}
	c.log.Debugf("firmware ST info for CPU %d: %#016x", cpuUID, info.Raw())
	return info, nil
}

// QueryCPUTag returns the firmware steering tag for a CPU.
func (c *Controller) QueryCPUTag(cpuUID uint32, mem MemoryType, req RequestType) (uint16, error) {
	info, err := c.QueryCPUInfo(cpuUID, Properties{})
	if err != nil {
		return 0, err
	}
	return info.Tag(mem, req), nil
}

// SetCPUSteeringTag queries the firmware tag of a CPU and writes it into ST
// table entry index.
func (c *Controller) SetCPUSteeringTag(index uint16, cpuUID uint32, mem MemoryType, req RequestType) (uint16, error) {
	tag, err := c.QueryCPUTag(cpuUID, mem, req)
	if err != nil {
		return 0, err
	}
	if err := c.SetTag(index, tag); err != nil {
		return 0, err
	}
	return tag, nil
}
