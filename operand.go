package symex

import (
	"fmt"
	"math/big"
	"sort"

	"tlog.app/go/errors"
)

// OperandType represents the kind of an instruction operand.
type OperandType int

const (
	OperandInvalid OperandType = iota
	OperandImmediate
	OperandRegister
	OperandMemory
)

var operandTypes = [...]string{
	OperandInvalid:   "invalid",
	OperandImmediate: "imm",
	OperandRegister:  "reg",
	OperandMemory:    "mem",
}

// String returns the string representation of the operand type.
func (t OperandType) String() string {
	if t >= 0 && int(t) < len(operandTypes) {
		return operandTypes[t]
	}
	return fmt.Sprintf("OperandType<%d>", t)
}

// Operand represents a decoded instruction operand.
type Operand interface {
	Type() OperandType
	BitVector() BitVector
	BitSize() uint
	Size() uint
	String() string
}

var (
	_ Operand = (*Immediate)(nil)
	_ Operand = (*Register)(nil)
	_ Operand = (*MemoryAccess)(nil)
)

// validByteSize returns an error if size is not an aligned operand size in bytes.
func validByteSize(size uint) error {
	if size == 0 {
		return errors.Wrap(ErrInvalidWidth, "size cannot be zero")
	} else if !isStandardWidth(size * 8) {
		return errors.Wrap(ErrInvalidWidth, "size must be aligned: %d", size)
	}
	return nil
}

// Immediate represents a constant operand.
type Immediate struct {
	value *big.Int
	bv    BitVector
}

// NewImmediate returns an immediate of size bytes. The value is truncated to fit.
func NewImmediate(value uint64, size uint) (*Immediate, error) {
	return NewImmediateBig(new(big.Int).SetUint64(value), size)
}

// NewImmediateBig returns an immediate of size bytes from an arbitrary precision value.
func NewImmediateBig(value *big.Int, size uint) (*Immediate, error) {
	if err := validByteSize(size); err != nil {
		return nil, errors.Wrap(err, "immediate")
	}
	width := size * 8
	return &Immediate{
		value: truncate(value, width),
		bv:    BitVector{high: uint32(width - 1), low: 0},
	}, nil
}

func (imm *Immediate) Type() OperandType    { return OperandImmediate }
func (imm *Immediate) BitVector() BitVector { return imm.bv }
func (imm *Immediate) BitSize() uint        { return imm.bv.BitSize() }

// Size returns the size of the immediate, in bytes.
func (imm *Immediate) Size() uint { return imm.bv.BitSize() / 8 }

// Value returns a copy of the immediate value.
func (imm *Immediate) Value() *big.Int { return new(big.Int).Set(imm.value) }

// SetValue replaces the value, truncated to the immediate size.
func (imm *Immediate) SetValue(v *big.Int) {
	imm.value = truncate(v, imm.BitSize())
}

// String returns the string representation of the immediate.
func (imm *Immediate) String() string {
	return fmt.Sprintf("0x%x:%d %s", imm.value, imm.BitSize(), imm.bv)
}

// Equal returns true if both immediates have the same value and size.
func (imm *Immediate) Equal(other *Immediate) bool {
	return imm.value.Cmp(other.value) == 0 && imm.Size() == other.Size()
}

// Less returns true if imm has a smaller value than other.
func (imm *Immediate) Less(other *Immediate) bool {
	return imm.value.Cmp(other.value) < 0
}

// RegID identifies an architectural register.
type RegID uint32

// Register represents a register or a slice of a parent register.
type Register struct {
	id     RegID
	name   string
	parent *Register // nil for a full register
	bv     BitVector
}

// NewRegister returns a full-width register of width bits.
func NewRegister(id RegID, name string, width uint) (*Register, error) {
	if !isStandardWidth(width) {
		return nil, errors.Wrap(ErrInvalidWidth, "register %s: width %d", name, width)
	}
	return &Register{id: id, name: name, bv: BitVector{high: uint32(width - 1)}}, nil
}

// NewSubRegister returns a register aliasing bits [high..low] of parent.
func NewSubRegister(id RegID, name string, parent *Register, high, low uint32) (*Register, error) {
	if parent == nil {
		return nil, errors.Wrap(ErrInvalidOperand, "register %s: parent required", name)
	}
	parent = parent.Parent()

	bv, err := NewBitVector(high, low)
	if err != nil {
		return nil, errors.Wrap(err, "register %s", name)
	} else if high > parent.bv.high {
		return nil, errors.Wrap(ErrInvalidWidth, "register %s: bit %d outside of %s", name, high, parent.name)
	}
	return &Register{id: id, name: name, parent: parent, bv: bv}, nil
}

func (r *Register) Type() OperandType    { return OperandRegister }
func (r *Register) BitVector() BitVector { return r.bv }
func (r *Register) BitSize() uint        { return r.bv.BitSize() }

// ID returns the register identifier.
func (r *Register) ID() RegID { return r.id }

// Name returns the register name.
func (r *Register) Name() string { return r.name }

// Size returns the size of the register, in bytes.
func (r *Register) Size() uint { return r.bv.BitSize() / 8 }

// Parent returns the full register that holds r. Returns r for full registers.
func (r *Register) Parent() *Register {
	if r.parent == nil {
		return r
	}
	return r.parent
}

// IsParent returns true if r is a full register.
func (r *Register) IsParent() bool { return r.parent == nil }

// String returns the string representation of the register.
func (r *Register) String() string {
	return fmt.Sprintf("%s:%d %s", r.name, r.BitSize(), r.bv)
}

// RegisterFile is a lookup table of registers for an architecture.
type RegisterFile struct {
	byID   map[RegID]*Register
	byName map[string]*Register
}

// NewRegisterFile returns an empty register file.
func NewRegisterFile() *RegisterFile {
	return &RegisterFile{
		byID:   make(map[RegID]*Register),
		byName: make(map[string]*Register),
	}
}

// Add registers r. Returns an error if the id or name is already taken.
func (f *RegisterFile) Add(r *Register) error {
	if _, ok := f.byID[r.id]; ok {
		return errors.Wrap(ErrInvalidOperand, "register id %d already defined", r.id)
	} else if _, ok := f.byName[r.name]; ok {
		return errors.Wrap(ErrInvalidOperand, "register %s already defined", r.name)
	}
	f.byID[r.id], f.byName[r.name] = r, r
	return nil
}

// Lookup returns a register by name.
func (f *RegisterFile) Lookup(name string) *Register { return f.byName[name] }

// Register returns a register by id.
func (f *RegisterFile) Register(id RegID) *Register { return f.byID[id] }

// Registers returns all registers, sorted by id.
func (f *RegisterFile) Registers() []*Register {
	a := make([]*Register, 0, len(f.byID))
	for _, r := range f.byID {
		a = append(a, r)
	}
	sort.Slice(a, func(i, j int) bool { return a[i].id < a[j].id })
	return a
}

// MemoryAccess represents a memory operand.
type MemoryAccess struct {
	address uint64
	bv      BitVector

	base    *Register
	index   *Register
	segment *Register
	scale   *Immediate
	disp    *Immediate
	lea     *Node

	concrete *big.Int
	trusted  bool
}

// NewMemoryAccess returns a memory access of size bytes at address.
func NewMemoryAccess(address uint64, size uint) (*MemoryAccess, error) {
	if err := validByteSize(size); err != nil {
		return nil, errors.Wrap(err, "memory access")
	}
	return &MemoryAccess{
		address:  address,
		bv:       BitVector{high: uint32(size*8 - 1)},
		concrete: new(big.Int),
	}, nil
}

func (m *MemoryAccess) Type() OperandType    { return OperandMemory }
func (m *MemoryAccess) BitVector() BitVector { return m.bv }
func (m *MemoryAccess) BitSize() uint        { return m.bv.BitSize() }

// Address returns the target address.
func (m *MemoryAccess) Address() uint64 { return m.address }

// SetAddress sets the target address.
func (m *MemoryAccess) SetAddress(addr uint64) { m.address = addr }

// Size returns the size of the access, in bytes.
func (m *MemoryAccess) Size() uint { return m.bv.BitSize() / 8 }

func (m *MemoryAccess) BaseRegister() *Register        { return m.base }
func (m *MemoryAccess) IndexRegister() *Register       { return m.index }
func (m *MemoryAccess) SegmentRegister() *Register     { return m.segment }
func (m *MemoryAccess) Scale() *Immediate              { return m.scale }
func (m *MemoryAccess) Displacement() *Immediate       { return m.disp }
func (m *MemoryAccess) SetBaseRegister(r *Register)    { m.base = r }
func (m *MemoryAccess) SetIndexRegister(r *Register)   { m.index = r }
func (m *MemoryAccess) SetSegmentRegister(r *Register) { m.segment = r }
func (m *MemoryAccess) SetScale(imm *Immediate)        { m.scale = imm }
func (m *MemoryAccess) SetDisplacement(imm *Immediate) { m.disp = imm }

// LeaAST returns the effective address expression, if computed.
func (m *MemoryAccess) LeaAST() *Node { return m.lea }

// ConcreteValue returns the value loaded or stored by the access.
func (m *MemoryAccess) ConcreteValue() *big.Int { return new(big.Int).Set(m.concrete) }

// SetConcreteValue sets the loaded or stored value, truncated to the access size.
// It does not change the concrete memory state.
func (m *MemoryAccess) SetConcreteValue(v *big.Int) {
	m.concrete = truncate(v, m.BitSize())
}

// IsTrusted returns true if the concrete value is synchronized with real memory.
func (m *MemoryAccess) IsTrusted() bool { return m.trusted }

// SetTrust sets the trust flag.
func (m *MemoryAccess) SetTrust(v bool) { m.trusted = v }

// String returns the string representation of the access.
func (m *MemoryAccess) String() string {
	return fmt.Sprintf("[@0x%x]:%d %s", m.address, m.BitSize(), m.bv)
}
