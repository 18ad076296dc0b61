package pcisim

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Nativu5/tphctl/pkg/pcicap"
	"github.com/Nativu5/tphctl/pkg/types"
)

func TestConfigSpace_ReadWrite(t *testing.T) {
	cs := NewConfigSpace()

	if err := cs.WriteConfig(0x108, types.Dword, 0xdeadbeef); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}
	tests := []struct {
		offset uint16
		width  types.Width
		want   uint32
	}{
		{0x108, types.Dword, 0xdeadbeef},
		{0x108, types.Word, 0xbeef},
		{0x10a, types.Word, 0xdead},
		{0x10b, types.Byte, 0xde},
	}
	for _, tc := range tests {
		got, err := cs.ReadConfig(tc.offset, tc.width)
		if err != nil {
			t.Fatalf("ReadConfig(%#x, %d): %v", tc.offset, tc.width, err)
		}
		if got != tc.want {
			t.Errorf("ReadConfig(%#x, %d) = %#x, want %#x", tc.offset, tc.width, got, tc.want)
		}
	}
}

func TestConfigSpace_AccessErrors(t *testing.T) {
	cs := NewConfigSpace()

	tests := []struct {
		name    string
		offset  uint16
		width   types.Width
		wantErr error
	}{
		{"out_of_range", 0xffe, types.Dword, ErrOutOfRange},
		{"unaligned_word", 0x101, types.Word, ErrUnaligned},
		{"unaligned_dword", 0x102, types.Dword, ErrUnaligned},
		{"bad_width", 0x100, types.Width(3), ErrBadWidth},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := cs.ReadConfig(tc.offset, tc.width); !errors.Is(err, tc.wantErr) {
				t.Errorf("ReadConfig error = %v, want %v", err, tc.wantErr)
			}
			if err := cs.WriteConfig(tc.offset, tc.width, 0); !errors.Is(err, tc.wantErr) {
				t.Errorf("WriteConfig error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestDevice_RecordsAccesses(t *testing.T) {
	dev := NewEndpoint("0000:01:00.0", EndpointConfig{TPHCap: 0x3}, nil)

	if _, ok := dev.FindExtCapability(pcicap.ExtCapIDTPH); !ok {
		t.Fatal("TPH capability missing")
	}
	if len(dev.Accesses()) != 0 {
		t.Errorf("capability lookups must not be recorded: %v", dev.Accesses())
	}

	v, err := dev.ReadConfig(0x104, types.Dword)
	if err != nil || v != 0x3 {
		t.Fatalf("ReadConfig = %#x, %v; want 0x3", v, err)
	}
	if err := dev.WriteConfig(0x108, types.Dword, 0x101); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}

	want := []Access{
		{Offset: 0x104, Width: types.Dword, Value: 0x3},
		{Write: true, Offset: 0x108, Width: types.Dword, Value: 0x101},
	}
	if diff := cmp.Diff(want, dev.Accesses()); diff != "" {
		t.Errorf("accesses mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want[1:], dev.Writes()); diff != "" {
		t.Errorf("writes mismatch (-want +got):\n%s", diff)
	}

	dev.ResetAccesses()
	if len(dev.Accesses()) != 0 {
		t.Error("ResetAccesses did not clear the log")
	}
}

func TestDevice_FailureInjection(t *testing.T) {
	dev := NewEndpoint("0000:01:00.0", EndpointConfig{TPHCap: 0x3}, nil)
	boom := errors.New("boom")
	dev.FailWrite = func(offset uint16) error {
		if offset == 0x108 {
			return boom
		}
		return nil
	}

	if err := dev.WriteConfig(0x108, types.Dword, 1); !errors.Is(err, boom) {
		t.Errorf("WriteConfig error = %v, want boom", err)
	}
	if dev.Config.ReadU32(0x108) != 0 {
		t.Error("failed write changed the config space")
	}
	if len(dev.Writes()) != 0 {
		t.Error("failed write was recorded")
	}
}

func TestDevice_RootPort(t *testing.T) {
	rp := NewRootPort("0000:00:01.1", 3)
	rp.ACPIPath = `\_SB_.PCI0.GP11`
	sw := NewEndpoint("0000:01:00.0", EndpointConfig{}, rp) // switch port stand-in
	ep := NewEndpoint("0000:02:00.0", EndpointConfig{TPHCap: 0x1}, sw)

	got, ok := ep.RootPort()
	if !ok || got.Name() != "0000:00:01.1" {
		t.Fatalf("RootPort() = %v, %t", got, ok)
	}
	if path, ok := got.FirmwareNode(); !ok || path != `\_SB_.PCI0.GP11` {
		t.Errorf("FirmwareNode() = %q, %t", path, ok)
	}
	if _, ok := rp.RootPort(); ok {
		t.Error("root port has no root port above it")
	}
}

func TestNewEndpoint_Layout(t *testing.T) {
	ep := NewEndpoint("0000:01:00.0", EndpointConfig{TPHCap: 0x0003_0203, STEntries: 4, MSIXVectors: 32}, nil)

	pos, ok := ep.FindCapability(pcicap.CapIDMSIX)
	if !ok {
		t.Fatal("MSI-X capability missing")
	}
	flags := ep.Config.ReadU16(int(pos) + pcicap.MSIXFlags)
	if flags&pcicap.MSIXFlagsQSize != 31 {
		t.Errorf("MSI-X table size field = %d, want 31", flags&pcicap.MSIXFlagsQSize)
	}

	tph, ok := ep.FindExtCapability(pcicap.ExtCapIDTPH)
	if !ok || tph != 0x100 {
		t.Fatalf("TPH capability at %#x, %t; want 0x100", tph, ok)
	}
	if got := ep.Config.ReadU32(int(tph) + 4); got != 0x0003_0203 {
		t.Errorf("TPH capability register = %#x", got)
	}
}

func TestVectorTable(t *testing.T) {
	vt := NewVectorTable(4)
	vt.Release(2)

	scope, err := vt.LockDescriptors()
	if err != nil {
		t.Fatalf("LockDescriptors: %v", err)
	}
	if !vt.Locked() {
		t.Error("Locked() = false inside the scope")
	}
	if _, ok := scope.Find(2); ok {
		t.Error("released vector found")
	}
	if _, ok := scope.Find(4); ok {
		t.Error("vector beyond the table found")
	}
	desc, ok := scope.Find(1)
	if !ok {
		t.Fatal("vector 1 missing")
	}
	reg := scope.VectorControl(desc)
	if got := reg.Read(); got != 1 {
		t.Errorf("initial vector control = %#x, want 1 (masked)", got)
	}
	reg.Write(0x002a_0001)
	scope.Unlock()

	if vt.Locked() || vt.Locks() != 1 {
		t.Errorf("after Unlock: locked %t, locks %d", vt.Locked(), vt.Locks())
	}
	want := []RegOp{{Index: 1, Value: 1}, {Index: 1, Write: true, Value: 0x002a_0001}}
	if diff := cmp.Diff(want, vt.Ops()); diff != "" {
		t.Errorf("ops mismatch (-want +got):\n%s", diff)
	}

	vt.LockErr = errors.New("busy")
	if _, err := vt.LockDescriptors(); err == nil {
		t.Error("LockDescriptors should return LockErr")
	}
}

const lspciDump = `17:00.0 Ethernet controller: Broadcom Inc. and subsidiaries BCM57508 NetXtreme-E (rev 11)
00: e4 14 50 17 46 05 10 00 11 00 00 02 10 00 80 00
10: 0c 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00
`

func TestParseHexDump(t *testing.T) {
	got, err := ParseHexDump([]byte(lspciDump))
	if err != nil {
		t.Fatalf("ParseHexDump: %v", err)
	}
	if len(got) != 0x20 {
		t.Fatalf("parsed %d bytes, want 32", len(got))
	}
	if got[0] != 0xe4 || got[1] != 0x14 || got[0x10] != 0x0c {
		t.Errorf("unexpected bytes: % x", got[:0x11])
	}

	bad := strings.Replace(lspciDump, "10:", "20:", 1)
	if _, err := ParseHexDump([]byte(bad)); err == nil {
		t.Error("out of sequence offset accepted")
	}
	if _, err := ParseHexDump([]byte("00: e4 zz\n")); err == nil {
		t.Error("bad byte accepted")
	}
}

func TestLoadDump(t *testing.T) {
	dir := t.TempDir()

	text := filepath.Join(dir, "dump.txt")
	if err := os.WriteFile(text, []byte(lspciDump), 0o644); err != nil {
		t.Fatal(err)
	}
	cs, err := LoadDump(text)
	if err != nil {
		t.Fatalf("LoadDump(text): %v", err)
	}
	if cs.ReadU16(0) != 0x14e4 || len(cs.Data) != pcicap.ConfigSpaceExtSize {
		t.Errorf("text dump: vendor %#x, size %d", cs.ReadU16(0), len(cs.Data))
	}

	ep := NewEndpoint("x", EndpointConfig{TPHCap: 0x3}, nil)
	bin := filepath.Join(dir, "config")
	if err := os.WriteFile(bin, ep.Config.Data, 0o644); err != nil {
		t.Fatal(err)
	}
	cs, err = LoadDump(bin)
	if err != nil {
		t.Fatalf("LoadDump(binary): %v", err)
	}
	if _, ok := pcicap.FindExtCapability(cs, pcicap.ExtCapIDTPH); !ok {
		t.Error("binary dump lost the TPH capability")
	}

	big := filepath.Join(dir, "big")
	if err := os.WriteFile(big, make([]byte, pcicap.ConfigSpaceExtSize+1), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDump(big); err == nil {
		t.Error("oversized dump accepted")
	}
}
