package firmware

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/Nativu5/tphctl/pkg/pcisim"
	"github.com/Nativu5/tphctl/pkg/tph"
)

const sampleTable = `
nodes:
  - path: \_SB_.PCI0.GP11
    functions: [0, 15]
    cpus:
      - uid: 0
        volatile: {st: 0x2a, xst: 0x102a}
      - uid: 1
        volatile: {st: 0x2b}
        persistent: {xst: 0x3000, phIgnore: true}
      - uid: 2
        raw: "0x0000000000012c01"
  - path: \_SB_.PCI0.GP12
    functions: [0]
`

func invokeST(t *testing.T, tbl *Table, handle string, uid uint32) tph.STInfo {
	t.Helper()
	buf, err := tbl.Invoke(handle, tph.FuncSteeringTag, []uint64{tph.FeatureCacheLocality, uint64(uid), 0})
	if err != nil {
		t.Fatalf("Invoke(%s, cpu %d): %v", handle, uid, err)
	}
	info, err := tph.ParseSTInfo(buf)
	if err != nil {
		t.Fatalf("ParseSTInfo: %v", err)
	}
	return info
}

func TestParse(t *testing.T) {
	tbl, err := Parse([]byte(sampleTable))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(tbl.Nodes) != 2 {
		t.Fatalf("got %d nodes, want 2", len(tbl.Nodes))
	}

	h := `\_SB_.PCI0.GP11`
	if !tbl.Supports(h, tph.FuncSteeringTag) {
		t.Error("GP11 should implement the ST query")
	}
	if tbl.Supports(`\_SB_.PCI0.GP12`, tph.FuncSteeringTag) {
		t.Error("GP12 should not implement the ST query")
	}
	if tbl.Supports(`\_SB_.PCI0.NONE`, 0) {
		t.Error("unknown handle reported as supported")
	}

	info := invokeST(t, tbl, h, 0)
	if !info.VMSTValid || info.VMST != 0x2a || !info.VMXSTValid || info.VMXST != 0x102a {
		t.Errorf("cpu 0: %+v", info)
	}
	if info.PMSTValid || info.PMXSTValid {
		t.Errorf("cpu 0: persistent tags must be invalid: %+v", info)
	}

	info = invokeST(t, tbl, h, 1)
	if info.VMXSTValid || !info.PMXSTValid || info.PMXST != 0x3000 || !info.PMPHIgnore {
		t.Errorf("cpu 1: %+v", info)
	}
	if got := info.Tag(tph.MemPersistent, tph.RequestExtTPH); got != 0x3000 {
		t.Errorf("cpu 1 persistent ext tag = %#x, want 0x3000", got)
	}

	info = invokeST(t, tbl, h, 2)
	if !info.VMSTValid || info.VMST != 0x2c || info.VMXST != 0x1 {
		t.Errorf("cpu 2 raw: %+v", info)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown_field", "nodes:\n  - path: a\n    bogus: 1\n"},
		{"empty_path", "nodes:\n  - functions: [15]\n"},
		{"duplicate_path", "nodes:\n  - path: a\n  - path: a\n"},
		{"bad_raw", "nodes:\n  - path: a\n    cpus:\n      - uid: 0\n        raw: zz\n"},
		{"st_overflow", "nodes:\n  - path: a\n    cpus:\n      - uid: 0\n        volatile: {st: 0x100}\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.doc)); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestInvoke_Errors(t *testing.T) {
	tbl, err := Parse([]byte(sampleTable))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	h := `\_SB_.PCI0.GP11`

	tests := []struct {
		name   string
		handle string
		fn     uint64
		args   []uint64
	}{
		{"unknown_handle", `\_SB_.NONE`, tph.FuncSteeringTag, []uint64{0, 0, 0}},
		{"other_function", h, 0, []uint64{0, 0, 0}},
		{"arg_count", h, tph.FuncSteeringTag, []uint64{0, 0}},
		{"unknown_feature", h, tph.FuncSteeringTag, []uint64{1, 0, 0}},
		{"unknown_cpu", h, tph.FuncSteeringTag, []uint64{0, 9, 0}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tbl.Invoke(tc.handle, tc.fn, tc.args); err == nil {
				t.Error("expected Invoke error")
			}
		})
	}
}

func TestNewTable(t *testing.T) {
	st := uint8(0x11)
	tbl, err := NewTable(Node{
		Path:      "RP0",
		Functions: []uint64{tph.FuncSteeringTag},
		CPUs:      []CPUEntry{{UID: 4, Volatile: &TagPair{ST: &st}}},
	})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	buf, err := tbl.Invoke("RP0", tph.FuncSteeringTag, []uint64{0, 4, 0})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := binary.LittleEndian.Uint64(buf); got != 0x1101 {
		t.Errorf("response = %#x, want 0x1101", got)
	}

	if _, err := NewTable(Node{Path: "x"}, Node{Path: "x"}); err == nil {
		t.Error("duplicate paths accepted")
	}
}

func TestTable_WithController(t *testing.T) {
	tbl, err := Parse([]byte(sampleTable))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	rp := pcisim.NewRootPort("0000:00:01.1", 3)
	rp.ACPIPath = `\_SB_.PCI0.GP11`
	// NoST|IntVec, extended TPH, MSI-X table
	ep := pcisim.NewEndpoint("0000:01:00.0", pcisim.EndpointConfig{TPHCap: 0x3 | 1<<8 | 2<<9, MSIXVectors: 8}, rp)
	vt := pcisim.NewVectorTable(8)
	c := tph.NewController(ep, tph.Options{Interrupts: vt, Firmware: tbl})

	if err := c.Enable(tph.ModeIntVec); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	tag, err := c.SetCPUSteeringTag(2, 0, tph.MemVolatile, c.State().RequestType)
	if err != nil {
		t.Fatalf("SetCPUSteeringTag: %v", err)
	}
	if tag != 0x102a {
		t.Errorf("tag = %#x, want 0x102a", tag)
	}
	if got := vt.VectorControlValue(2); got != 0x102a_0001 {
		t.Errorf("vector control = %#x, want 0x102a0001", got)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fw.yaml")
	if err := os.WriteFile(path, []byte(sampleTable), 0o644); err != nil {
		t.Fatal(err)
	}
	tbl, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !tbl.Supports(`\_SB_.PCI0.GP11`, tph.FuncSteeringTag) {
		t.Error("loaded table lost its functions")
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}
