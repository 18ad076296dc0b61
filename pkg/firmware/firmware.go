// Package firmware answers PCI firmware _DSM steering tag queries from a
// YAML table. Each entry is keyed by the ACPI path of a root port and lists
// the _DSM functions it implements and the per-CPU ST responses.
//
// Example:
//
//	nodes:
//	  - path: \_SB_.PCI0.GP17
//	    functions: [0, 15]
//	    cpus:
//	      - uid: 0
//	        volatile: {st: 0x2a, xst: 0x102a}
//	      - uid: 1
//	        raw: "0x00000000102a2a03"
package firmware

import (
	"encoding/binary"
	"fmt"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	"github.com/Nativu5/tphctl/pkg/tph"
	"github.com/Nativu5/tphctl/pkg/types"
)

// TagPair describes the steering tags of one memory type. A nil tag is
// reported as invalid.
type TagPair struct {
	ST       *uint8  `json:"st,omitempty"`
	XST      *uint16 `json:"xst,omitempty"`
	PHIgnore bool    `json:"phIgnore,omitempty"`
}

// CPUEntry is the ST response for one processor.
type CPUEntry struct {
	UID uint32 `json:"uid"`
	// Raw is the packed 64-bit response; it overrides the structured fields.
	Raw        string   `json:"raw,omitempty"`
	Volatile   *TagPair `json:"volatile,omitempty"`
	Persistent *TagPair `json:"persistent,omitempty"`
}

// Node is the _DSM of one root port.
type Node struct {
	Path      string     `json:"path"`
	Functions []uint64   `json:"functions"`
	CPUs      []CPUEntry `json:"cpus"`
}

// Table implements types.Firmware.
type Table struct {
	Nodes []Node `json:"nodes"`

	byPath map[string]*node
}

type node struct {
	functions map[uint64]bool
	responses map[uint32]uint64
}

// Load reads a firmware table from path.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read firmware table %s: %w", path, err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("firmware table %s: %w", path, err)
	}
	log.Debugf("loaded firmware table %s with %d node(s)", path, len(t.Nodes))
	return t, nil
}

// Parse decodes and indexes a firmware table document.
func Parse(data []byte) (*Table, error) {
	t := &Table{}
	if err := yaml.UnmarshalStrict(data, t); err != nil {
		return nil, fmt.Errorf("cannot parse firmware table: %w", err)
	}
	if err := t.index(); err != nil {
		return nil, err
	}
	return t, nil
}

// NewTable builds an indexed table from nodes.
func NewTable(nodes ...Node) (*Table, error) {
	t := &Table{Nodes: nodes}
	if err := t.index(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) index() error {
	t.byPath = make(map[string]*node, len(t.Nodes))
	for i, n := range t.Nodes {
		if n.Path == "" {
			return fmt.Errorf("node %d: empty path", i)
		}
		if _, dup := t.byPath[n.Path]; dup {
			return fmt.Errorf("node %d: duplicate path %s", i, n.Path)
		}
		idx := &node{
			functions: make(map[uint64]bool, len(n.Functions)),
			responses: make(map[uint32]uint64, len(n.CPUs)),
		}
		for _, fn := range n.Functions {
			idx.functions[fn] = true
		}
		for _, cpu := range n.CPUs {
			raw, err := cpu.pack()
			if err != nil {
				return fmt.Errorf("node %s cpu %d: %w", n.Path, cpu.UID, err)
			}
			idx.responses[cpu.UID] = raw
		}
		t.byPath[n.Path] = idx
	}
	return nil
}

func (e CPUEntry) pack() (uint64, error) {
	if e.Raw != "" {
		v, err := strconv.ParseUint(e.Raw, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("bad raw response %q: %w", e.Raw, err)
		}
		return v, nil
	}

	var info tph.STInfo
	if vm := e.Volatile; vm != nil {
		info.VMPHIgnore = vm.PHIgnore
		if vm.ST != nil {
			info.VMSTValid, info.VMST = true, *vm.ST
		}
		if vm.XST != nil {
			info.VMXSTValid, info.VMXST = true, *vm.XST
		}
	}
	if pm := e.Persistent; pm != nil {
		info.PMPHIgnore = pm.PHIgnore
		if pm.ST != nil {
			info.PMSTValid, info.PMST = true, *pm.ST
		}
		if pm.XST != nil {
			info.PMXSTValid, info.PMXST = true, *pm.XST
		}
	}
	return info.Raw(), nil
}

// HandleOf implements types.Firmware.
func (t *Table) HandleOf(dev types.Device) (string, bool) {
	return dev.FirmwareNode()
}

// Supports implements types.Firmware.
func (t *Table) Supports(handle string, fn uint64) bool {
	n, ok := t.byPath[handle]
	return ok && n.functions[fn]
}

// Invoke implements types.Firmware. Only the steering tag function is
// evaluated; its arguments are the feature, CPU UID and properties.
func (t *Table) Invoke(handle string, fn uint64, args []uint64) ([]byte, error) {
	n, ok := t.byPath[handle]
	if !ok {
		return nil, fmt.Errorf("no firmware node %s", handle)
	}
	if fn != tph.FuncSteeringTag {
		return nil, fmt.Errorf("function %#x of %s not implemented", fn, handle)
	}
	if len(args) != 3 {
		return nil, fmt.Errorf("function %#x expects 3 arguments, got %d", fn, len(args))
	}
	if args[0] != tph.FeatureCacheLocality {
		return nil, fmt.Errorf("unknown ST feature %d", args[0])
	}

	raw, ok := n.responses[uint32(args[1])]
	if !ok {
		return nil, fmt.Errorf("%s has no entry for CPU UID %d", handle, args[1])
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, raw)
	return buf, nil
}
