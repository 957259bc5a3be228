package symex

import (
	"github.com/benbjohnson/immutable"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

// TaintEngine tracks which registers and memory bytes carry tainted data.
// Registers are tracked at the granularity of their parent register.
type TaintEngine struct {
	enabled   bool
	registers *immutable.SortedMap // parent register id -> struct{}
	memory    *immutable.SortedMap // byte address -> struct{}
}

// NewTaintEngine returns an enabled engine with nothing tainted.
func NewTaintEngine() *TaintEngine {
	return &TaintEngine{
		enabled:   true,
		registers: immutable.NewSortedMap(&regIDComparer{}),
		memory:    immutable.NewSortedMap(&uint64Comparer{}),
	}
}

// Enable turns propagation on or off. A disabled engine taints nothing and
// reports every location as untainted.
func (t *TaintEngine) Enable(v bool) { t.enabled = v }

// Enabled returns true if the engine is enabled.
func (t *TaintEngine) Enabled() bool { return t.enabled }

type taintVersion struct {
	registers *immutable.SortedMap
	memory    *immutable.SortedMap
}

func (t *TaintEngine) save() taintVersion {
	return taintVersion{registers: t.registers, memory: t.memory}
}

func (t *TaintEngine) restore(v taintVersion) {
	t.registers, t.memory = v.registers, v.memory
}

// IsTainted returns true if op is tainted. Immediates are never tainted.
func (t *TaintEngine) IsTainted(op Operand) bool {
	switch op := op.(type) {
	case *Register:
		return t.IsRegisterTainted(op)
	case *MemoryAccess:
		return t.IsMemoryTainted(op.Address(), op.Size())
	default:
		return false
	}
}

// IsRegisterTainted returns true if the parent of reg is tainted.
func (t *TaintEngine) IsRegisterTainted(reg *Register) bool {
	if !t.enabled {
		return false
	}
	_, ok := t.registers.Get(reg.Parent().ID())
	return ok
}

// IsMemoryTainted returns true if any byte in [addr, addr+size) is tainted.
func (t *TaintEngine) IsMemoryTainted(addr uint64, size uint) bool {
	if !t.enabled || size == 0 {
		return false
	}
	itr := t.memory.Iterator()
	itr.Seek(addr)
	if itr.Done() {
		return false
	}
	k, _ := itr.Next()
	return k.(uint64)-addr < uint64(size)
}

// TaintedRegisters returns the ids of the tainted parent registers, in order.
func (t *TaintEngine) TaintedRegisters() []RegID {
	var a []RegID
	itr := t.registers.Iterator()
	for !itr.Done() {
		k, _ := itr.Next()
		a = append(a, k.(RegID))
	}
	return a
}

// TaintedMemory returns the tainted byte addresses, in order.
func (t *TaintEngine) TaintedMemory() []uint64 {
	var a []uint64
	itr := t.memory.Iterator()
	for !itr.Done() {
		k, _ := itr.Next()
		a = append(a, k.(uint64))
	}
	return a
}

// Taint marks op as tainted. Returns the resulting taint of op.
func (t *TaintEngine) Taint(op Operand) (bool, error) {
	return t.set(op, true)
}

// Untaint clears the taint of op. Returns the resulting taint of op.
func (t *TaintEngine) Untaint(op Operand) (bool, error) {
	return t.set(op, false)
}

func (t *TaintEngine) set(op Operand, v bool) (bool, error) {
	switch op := op.(type) {
	case *Register:
		if !t.enabled {
			return false, nil
		}
		t.setRegister(op, v)
	case *MemoryAccess:
		if !t.enabled {
			return false, nil
		}
		t.setMemory(op.Address(), op.Size(), v)
	default:
		return false, errors.Wrap(ErrInvalidOperand, "taint: %v", op)
	}
	return v, nil
}

func (t *TaintEngine) setRegister(reg *Register, v bool) {
	if v {
		t.registers = t.registers.Set(reg.Parent().ID(), struct{}{})
	} else {
		t.registers = t.registers.Delete(reg.Parent().ID())
	}
}

func (t *TaintEngine) setMemory(addr uint64, size uint, v bool) {
	memory := t.memory
	for i := uint(0); i < size; i++ {
		if v {
			memory = memory.Set(addr+uint64(i), struct{}{})
		} else {
			memory = memory.Delete(addr + uint64(i))
		}
	}
	t.memory = memory
}

// TaintUnion returns true if any of the sources is tainted.
func (t *TaintEngine) TaintUnion(sources ...Operand) bool {
	for _, src := range sources {
		if t.IsTainted(src) {
			return true
		}
	}
	return false
}

// Assign sets the taint of dest to the union of the taint of sources and
// returns it. A disabled engine leaves dest unchanged and returns false.
func (t *TaintEngine) Assign(dest Operand, sources ...Operand) (bool, error) {
	if _, ok := dest.(*Immediate); ok || dest == nil {
		return false, errors.Wrap(ErrInvalidOperand, "assign taint: %v", dest)
	} else if !t.enabled {
		return false, nil
	}

	v := t.TaintUnion(sources...)
	if _, err := t.set(dest, v); err != nil {
		return false, err
	}

	if tlog.If("taint") {
		tlog.Printw("assign taint", "dest", dest, "sources", len(sources), "tainted", v)
	}
	return v, nil
}
