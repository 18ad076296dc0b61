package pcisim

import (
	"sync"

	"github.com/Nativu5/tphctl/pkg/types"
)

// RegOp is one recorded vector control register access.
type RegOp struct {
	Index uint16
	Write bool
	Value uint32
}

// VectorTable is an in-memory MSI-X table implementing types.InterruptTable.
type VectorTable struct {
	// LockErr, when set, is returned by LockDescriptors.
	LockErr error

	mu        sync.Mutex
	ctrl      []uint32
	allocated map[uint16]bool

	logMu  sync.Mutex
	ops    []RegOp
	locked bool
	locks  int
}

// NewVectorTable returns a table of n entries, all allocated and masked.
func NewVectorTable(n int) *VectorTable {
	t := &VectorTable{
		ctrl:      make([]uint32, n),
		allocated: make(map[uint16]bool, n),
	}
	for i := range t.ctrl {
		t.ctrl[i] = 1 // masked
		t.allocated[uint16(i)] = true
	}
	return t
}

// Release drops the descriptor of a vector, as if it were never allocated.
func (t *VectorTable) Release(index uint16) {
	t.logMu.Lock()
	delete(t.allocated, index)
	t.logMu.Unlock()
}

// SetVectorControl presets a vector control register.
func (t *VectorTable) SetVectorControl(index uint16, v uint32) {
	t.logMu.Lock()
	t.ctrl[index] = v
	t.logMu.Unlock()
}

// VectorControlValue returns a vector control register without recording.
func (t *VectorTable) VectorControlValue(index uint16) uint32 {
	t.logMu.Lock()
	defer t.logMu.Unlock()
	return t.ctrl[index]
}

// Ops returns the recorded register accesses.
func (t *VectorTable) Ops() []RegOp {
	t.logMu.Lock()
	defer t.logMu.Unlock()
	return append([]RegOp(nil), t.ops...)
}

// Locks returns how many times the descriptor set was acquired.
func (t *VectorTable) Locks() int {
	t.logMu.Lock()
	defer t.logMu.Unlock()
	return t.locks
}

// Locked reports whether a descriptor scope is currently held.
func (t *VectorTable) Locked() bool {
	t.logMu.Lock()
	defer t.logMu.Unlock()
	return t.locked
}

// LockDescriptors implements types.InterruptTable.
func (t *VectorTable) LockDescriptors() (types.DescriptorScope, error) {
	if t.LockErr != nil {
		return nil, t.LockErr
	}
	t.mu.Lock()
	t.logMu.Lock()
	t.locked = true
	t.locks++
	t.logMu.Unlock()
	return &vectorScope{t: t}, nil
}

type vectorScope struct {
	t *VectorTable
}

func (s *vectorScope) Find(index uint16) (types.MSIXDescriptor, bool) {
	s.t.logMu.Lock()
	defer s.t.logMu.Unlock()
	if int(index) >= len(s.t.ctrl) || !s.t.allocated[index] {
		return types.MSIXDescriptor{}, false
	}
	return types.MSIXDescriptor{Index: index}, true
}

func (s *vectorScope) VectorControl(desc types.MSIXDescriptor) types.Register {
	return &vectorCtl{t: s.t, index: desc.Index}
}

func (s *vectorScope) Unlock() {
	s.t.logMu.Lock()
	s.t.locked = false
	s.t.logMu.Unlock()
	s.t.mu.Unlock()
}

type vectorCtl struct {
	t     *VectorTable
	index uint16
}

func (r *vectorCtl) Read() uint32 {
	r.t.logMu.Lock()
	defer r.t.logMu.Unlock()
	v := r.t.ctrl[r.index]
	r.t.ops = append(r.t.ops, RegOp{Index: r.index, Value: v})
	return v
}

func (r *vectorCtl) Write(v uint32) {
	r.t.logMu.Lock()
	defer r.t.logMu.Unlock()
	r.t.ctrl[r.index] = v
	r.t.ops = append(r.t.ops, RegOp{Index: r.index, Write: true, Value: v})
}
