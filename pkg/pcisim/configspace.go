// Package pcisim emulates PCI functions in memory: a byte-array
// configuration space with capability builders, a device wrapper that
// records every register access, and an MSI-X vector table. Tests use it as
// the hardware fake; the CLI uses it to inspect saved config space dumps.
package pcisim

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Nativu5/tphctl/pkg/pcicap"
	"github.com/Nativu5/tphctl/pkg/types"
)

// abbreviations
var le = binary.LittleEndian

// errors
var (
	ErrOutOfRange = errors.New("config access out of range")
	ErrUnaligned  = errors.New("unaligned config access")
	ErrBadWidth   = errors.New("bad config access width")
)

// ConfigSpace is a raw PCIe configuration space.
type ConfigSpace struct {
	Data []byte

	lastStd uint16
	nextStd uint16
	lastExt uint16
	nextExt uint16
}

// NewConfigSpace returns an empty 4 KiB configuration space.
func NewConfigSpace() *ConfigSpace {
	return &ConfigSpace{
		Data:    make([]byte, pcicap.ConfigSpaceExtSize),
		nextStd: 0x40,
		nextExt: pcicap.ConfigSpaceLegacySize,
	}
}

// NewConfigSpaceFromBytes copies data into a 4 KiB configuration space.
// Short dumps (e.g. 256-byte conventional space) are zero padded.
func NewConfigSpaceFromBytes(data []byte) *ConfigSpace {
	cs := NewConfigSpace()
	copy(cs.Data, data)
	return cs
}

// ReadU8 reads a byte at offset.
func (cs *ConfigSpace) ReadU8(offset int) uint8 {
	if offset < 0 || offset >= len(cs.Data) {
		return 0xff
	}
	return cs.Data[offset]
}

// ReadU16 reads a little-endian word at offset.
func (cs *ConfigSpace) ReadU16(offset int) uint16 {
	if offset < 0 || offset+2 > len(cs.Data) {
		return 0xffff
	}
	return le.Uint16(cs.Data[offset:])
}

// ReadU32 reads a little-endian dword at offset.
func (cs *ConfigSpace) ReadU32(offset int) uint32 {
	if offset < 0 || offset+4 > len(cs.Data) {
		return 0xffffffff
	}
	return le.Uint32(cs.Data[offset:])
}

// WriteU8 writes a byte at offset.
func (cs *ConfigSpace) WriteU8(offset int, val uint8) {
	if offset >= 0 && offset < len(cs.Data) {
		cs.Data[offset] = val
	}
}

// WriteU16 writes a little-endian word at offset.
func (cs *ConfigSpace) WriteU16(offset int, val uint16) {
	if offset >= 0 && offset+2 <= len(cs.Data) {
		le.PutUint16(cs.Data[offset:], val)
	}
}

// WriteU32 writes a little-endian dword at offset.
func (cs *ConfigSpace) WriteU32(offset int, val uint32) {
	if offset >= 0 && offset+4 <= len(cs.Data) {
		le.PutUint32(cs.Data[offset:], val)
	}
}

func (cs *ConfigSpace) check(offset uint16, width types.Width) error {
	switch width {
	case types.Byte, types.Word, types.Dword:
	default:
		return fmt.Errorf("%w: %d", ErrBadWidth, width)
	}
	if int(offset)+int(width) > len(cs.Data) {
		return fmt.Errorf("%w: offset %#x width %d", ErrOutOfRange, offset, width)
	}
	if int(offset)%int(width) != 0 {
		return fmt.Errorf("%w: offset %#x width %d", ErrUnaligned, offset, width)
	}
	return nil
}

// ReadConfig implements pcicap.ConfigReader.
func (cs *ConfigSpace) ReadConfig(offset uint16, width types.Width) (uint32, error) {
	if err := cs.check(offset, width); err != nil {
		return 0, err
	}
	switch width {
	case types.Byte:
		return uint32(cs.ReadU8(int(offset))), nil
	case types.Word:
		return uint32(cs.ReadU16(int(offset))), nil
	default:
		return cs.ReadU32(int(offset)), nil
	}
}

// WriteConfig writes width bytes of value at offset.
func (cs *ConfigSpace) WriteConfig(offset uint16, width types.Width, value uint32) error {
	if err := cs.check(offset, width); err != nil {
		return err
	}
	switch width {
	case types.Byte:
		cs.WriteU8(int(offset), uint8(value))
	case types.Word:
		cs.WriteU16(int(offset), uint16(value))
	default:
		cs.WriteU32(int(offset), value)
	}
	return nil
}

// AddCapability appends a standard capability with the given body (the
// bytes following the ID and next pointer) and returns its offset.
func (cs *ConfigSpace) AddCapability(id uint8, body []byte) uint16 {
	pos := cs.nextStd
	cs.WriteU8(int(pos), id)
	cs.WriteU8(int(pos)+1, 0)
	copy(cs.Data[pos+2:pcicap.ConfigSpaceLegacySize], body)

	if cs.lastStd == 0 {
		cs.WriteU8(pcicap.CapListPtr, uint8(pos))
		cs.WriteU16(pcicap.StatusReg, cs.ReadU16(pcicap.StatusReg)|pcicap.StatusCapList)
	} else {
		cs.WriteU8(int(cs.lastStd)+1, uint8(pos))
	}
	cs.lastStd = pos
	cs.nextStd = (pos + 2 + uint16(len(body)) + 3) &^ 3
	return pos
}

// AddExtCapability appends a PCIe extended capability occupying size bytes
// (header included) and returns its offset.
func (cs *ConfigSpace) AddExtCapability(id uint16, version uint8, size int) uint16 {
	pos := cs.nextExt
	cs.WriteU32(int(pos), pcicap.ExtCapHeader(id, version, 0))
	if cs.lastExt != 0 {
		prev := cs.ReadU32(int(cs.lastExt))
		cs.WriteU32(int(cs.lastExt), prev&0x000fffff|pcicap.ExtCapHeader(0, 0, pos))
	}
	cs.lastExt = pos
	cs.nextExt = (pos + uint16(size) + 3) &^ 3
	return pos
}

// LoadDump reads a configuration space dump from path. Both raw binary
// dumps (a copy of sysfs "config") and "lspci -xxxx" hex text are accepted.
func LoadDump(path string) (*ConfigSpace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config dump %s: %w", path, err)
	}
	if looksLikeHexDump(data) {
		raw, err := ParseHexDump(data)
		if err != nil {
			return nil, fmt.Errorf("cannot parse config dump %s: %w", path, err)
		}
		data = raw
	}
	if len(data) > pcicap.ConfigSpaceExtSize {
		return nil, fmt.Errorf("config dump %s is %d bytes, larger than %d", path, len(data), pcicap.ConfigSpaceExtSize)
	}
	return NewConfigSpaceFromBytes(data), nil
}

// looksLikeHexDump reports whether data is printable text with at least one
// "offset:" line. Binary dumps start with a vendor ID and fail the check.
func looksLikeHexDump(data []byte) bool {
	for _, b := range data {
		if (b < 0x20 || b > 0x7e) && b != '\n' && b != '\r' && b != '\t' {
			return false
		}
	}
	return bytes.Contains(data, []byte(":"))
}

// ParseHexDump parses "lspci -xxxx" style output. The optional leading
// device description line is skipped; every other line is "off: xx xx ...".
func ParseHexDump(data []byte) ([]byte, error) {
	out := make([]byte, 0, pcicap.ConfigSpaceExtSize)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		offStr, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		off, err := strconv.ParseUint(strings.TrimSpace(offStr), 16, 16)
		if err != nil {
			// device description line, e.g. "17:00.0 Ethernet controller: ..."
			continue
		}
		if int(off) != len(out) {
			return nil, fmt.Errorf("line %d: offset %#x out of sequence", lineNo, off)
		}
		for _, f := range strings.Fields(rest) {
			b, err := strconv.ParseUint(f, 16, 8)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad byte %q", lineNo, f)
			}
			out = append(out, byte(b))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
