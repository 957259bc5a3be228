package symex

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/benbjohnson/immutable"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

// ConcreteState provides the concrete machine values for locations that have
// no symbolic definition.
type ConcreteState interface {
	// ConcreteRegister returns the value of reg. Sub-registers return their slice.
	ConcreteRegister(reg *Register) *big.Int

	// ConcreteMemory returns the byte stored at addr.
	ConcreteMemory(addr uint64) byte
}

// Endianness is the byte order of multi-byte memory values.
type Endianness int

const (
	LittleEndian Endianness = iota
	BigEndian
)

// String returns the name of the byte order.
func (e Endianness) String() string {
	switch e {
	case LittleEndian:
		return "little"
	case BigEndian:
		return "big"
	default:
		return fmt.Sprintf("Endianness<%d>", int(e))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (e Endianness) MarshalText() ([]byte, error) {
	if e != LittleEndian && e != BigEndian {
		return nil, errors.Wrap(ErrInvalidConfig, "endianness %d", int(e))
	}
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *Endianness) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "little":
		*e = LittleEndian
	case "big":
		*e = BigEndian
	default:
		return errors.Wrap(ErrInvalidConfig, "endianness %q", text)
	}
	return nil
}

// State maps registers and memory bytes to the symbolic expressions that
// currently define them. Locations without a definition fall through to the
// concrete state.
type State struct {
	builder  *Builder
	registry *Registry
	concrete ConcreteState
	endian   Endianness
	addrSize uint

	registers *immutable.SortedMap // parent register id -> *SymbolicExpression
	memory    *immutable.SortedMap // byte address -> *SymbolicExpression
}

// NewState returns a state with no symbolic definitions.
func NewState(b *Builder, registry *Registry, concrete ConcreteState, endian Endianness, addrSize uint) *State {
	return &State{
		builder:   b,
		registry:  registry,
		concrete:  concrete,
		endian:    endian,
		addrSize:  addrSize,
		registers: immutable.NewSortedMap(&regIDComparer{}),
		memory:    immutable.NewSortedMap(&uint64Comparer{}),
	}
}

// Endianness returns the byte order of memory values.
func (s *State) Endianness() Endianness { return s.endian }

// stateVersion is a snapshot of the state tables.
type stateVersion struct {
	registers *immutable.SortedMap
	memory    *immutable.SortedMap
}

func (s *State) save() stateVersion {
	return stateVersion{registers: s.registers, memory: s.memory}
}

func (s *State) restore(v stateVersion) {
	s.registers, s.memory = v.registers, v.memory
}

// RegisterExpression returns the expression defining the parent of reg, if any.
func (s *State) RegisterExpression(reg *Register) *SymbolicExpression {
	if v, _ := s.registers.Get(reg.Parent().ID()); v != nil {
		return v.(*SymbolicExpression)
	}
	return nil
}

// MemoryExpression returns the expression defining the byte at addr, if any.
func (s *State) MemoryExpression(addr uint64) *SymbolicExpression {
	if v, _ := s.memory.Get(addr); v != nil {
		return v.(*SymbolicExpression)
	}
	return nil
}

// SymbolicRegisters returns the register definitions, ordered by register id.
func (s *State) SymbolicRegisters() []*SymbolicExpression {
	a := make([]*SymbolicExpression, 0, s.registers.Len())
	itr := s.registers.Iterator()
	for !itr.Done() {
		_, v := itr.Next()
		a = append(a, v.(*SymbolicExpression))
	}
	return a
}

// SymbolicMemory returns the byte definitions keyed by address.
func (s *State) SymbolicMemory() map[uint64]*SymbolicExpression {
	m := make(map[uint64]*SymbolicExpression, s.memory.Len())
	itr := s.memory.Iterator()
	for !itr.Done() {
		k, v := itr.Next()
		m[k.(uint64)] = v.(*SymbolicExpression)
	}
	return m
}

// IsRegisterSymbolic returns true if reg has a symbolic definition.
func (s *State) IsRegisterSymbolic(reg *Register) bool {
	return s.RegisterExpression(reg) != nil
}

// IsMemorySymbolic returns true if any byte in [addr, addr+size) has a symbolic definition.
func (s *State) IsMemorySymbolic(addr uint64, size uint) bool {
	itr := s.memory.Iterator()
	itr.Seek(addr)
	if itr.Done() {
		return false
	}
	k, _ := itr.Next()
	return k.(uint64)-addr < uint64(size)
}

// ReadRegister returns the value of reg. A symbolic definition of the parent
// is referenced, otherwise the concrete value is used. Reading never installs
// a definition.
func (s *State) ReadRegister(reg *Register) (*Node, error) {
	e := s.RegisterExpression(reg)
	if e == nil {
		return s.builder.Constant(s.concrete.ConcreteRegister(reg), reg.BitSize())
	}

	ref, err := s.builder.Reference(e)
	if err != nil {
		return nil, err
	} else if reg.BitSize() == ref.width {
		return ref, nil
	}
	return s.builder.Extract(uint(reg.bv.high), uint(reg.bv.low), ref)
}

// WriteRegister defines reg with root and returns the new expression. Writing
// a sub-register defines the parent with the other bits unchanged.
func (s *State) WriteRegister(reg *Register, root *Node, comment string, tainted bool) (*SymbolicExpression, error) {
	if root == nil || root.logical || root.IsArray() {
		return nil, errors.Wrap(ErrInvalidNode, "write %s: bit-vector value expected", reg.Name())
	} else if root.width != reg.BitSize() {
		return nil, errors.Wrap(ErrWidthMismatch, "write %s: %d != %d", reg.Name(), root.width, reg.BitSize())
	}

	parent := reg.Parent()
	if parent != reg {
		prev, err := s.ReadRegister(parent)
		if err != nil {
			return nil, err
		}

		var parts []*Node
		if high := uint(reg.bv.high); high+1 < parent.BitSize() {
			part, err := s.builder.Extract(parent.BitSize()-1, high+1, prev)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
		}
		parts = append(parts, root)
		if low := uint(reg.bv.low); low > 0 {
			part, err := s.builder.Extract(low-1, 0, prev)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
		}

		if root, err = s.builder.Concat(parts...); err != nil {
			return nil, err
		}
	}

	e, err := s.registry.New(root, ExpressionRegister, Origin{Register: parent}, comment)
	if err != nil {
		return nil, err
	}
	e.tainted = tainted
	s.registers = s.registers.Set(parent.ID(), e)

	if tlog.If("state") {
		tlog.Printw("write register", "reg", reg.Name(), "parent", parent.Name(), "expr", e.ID(), "tainted", tainted)
	}
	return e, nil
}

// byteShift returns the bit offset of byte i of an n byte value.
func (s *State) byteShift(i, n uint) uint {
	if s.endian == BigEndian {
		return (n - 1 - i) * 8
	}
	return i * 8
}

// ReadMemory returns the size byte value at addr assembled from per-byte
// definitions and concrete bytes.
func (s *State) ReadMemory(addr uint64, size uint) (*Node, error) {
	if err := validByteSize(size); err != nil {
		return nil, errors.Wrap(err, "read memory")
	}

	defs := make([]*SymbolicExpression, size)
	var symbolic bool
	for i := uint(0); i < size; i++ {
		if defs[i] = s.MemoryExpression(addr + uint64(i)); defs[i] != nil {
			symbolic = true
		}
	}

	// All bytes are concrete.
	if !symbolic {
		v := new(big.Int)
		for i := uint(0); i < size; i++ {
			b := new(big.Int).SetUint64(uint64(s.concrete.ConcreteMemory(addr + uint64(i))))
			v.Or(v, b.Lsh(b, s.byteShift(i, size)))
		}
		return s.builder.Constant(v, size*8)
	}

	// All bytes come from a single write of the same size.
	if whole := s.wholeDefinition(defs); whole != nil {
		return s.builder.Reference(whole)
	}

	// Assemble bytes from the most significant down.
	parts := make([]*Node, size)
	for i := uint(0); i < size; i++ {
		var part *Node
		var err error
		if defs[i] != nil {
			part, err = s.builder.Reference(defs[i])
		} else {
			part, err = s.builder.Constant64(uint64(s.concrete.ConcreteMemory(addr+uint64(i))), Width8)
		}
		if err != nil {
			return nil, err
		}
		parts[size-1-s.byteShift(i, size)/8] = part
	}
	return s.builder.Concat(parts...)
}

// wholeDefinition returns the expression that all of defs extract from in
// order, if the bytes are exactly the bytes of one memory write.
func (s *State) wholeDefinition(defs []*SymbolicExpression) *SymbolicExpression {
	var whole *SymbolicExpression
	size := uint(len(defs))
	for i, def := range defs {
		if def == nil {
			return nil
		}
		n := def.ast
		if n.kind != EXTRACT || n.children[0].kind != REFERENCE {
			return nil
		}
		target := n.children[0].expr
		if whole == nil {
			whole = target
		}
		if target != whole || whole.ast.width != size*8 || n.low != s.byteShift(uint(i), size) {
			return nil
		}
	}
	return whole
}

// WriteMemory defines the bytes at addr with root. It returns the expression
// for the whole value. Each byte is defined by its own 8-bit expression
// extracting from the whole value.
func (s *State) WriteMemory(addr uint64, root *Node, comment string, tainted bool) (*SymbolicExpression, error) {
	if root == nil || root.logical || root.IsArray() {
		return nil, errors.Wrap(ErrInvalidNode, "write memory: bit-vector value expected")
	} else if !isStandardWidth(root.width) {
		return nil, errors.Wrap(ErrInvalidWidth, "write memory: width %d", root.width)
	}

	whole, err := s.registry.New(root, ExpressionMemory, Origin{Address: addr}, comment)
	if err != nil {
		return nil, err
	}
	whole.tainted = tainted

	ref, err := s.builder.Reference(whole)
	if err != nil {
		return nil, err
	}

	size := root.width / 8
	memory := s.memory
	for i := uint(0); i < size; i++ {
		shift := s.byteShift(i, size)
		part, err := s.builder.Extract(shift+7, shift, ref)
		if err != nil {
			return nil, err
		}

		e, err := s.registry.New(part, ExpressionMemory, Origin{Address: addr + uint64(i)}, comment)
		if err != nil {
			return nil, err
		}
		e.tainted = tainted
		memory = memory.Set(addr+uint64(i), e)
	}
	s.memory = memory

	if tlog.If("state") {
		tlog.Printw("write memory", "addr", addr, "size", size, "expr", whole.ID(), "tainted", tainted)
	}
	return whole, nil
}

// ReadMemoryArray returns the size byte value at a symbolic address. Defined
// bytes are stored into an array named "memory"; bytes without a definition
// are read from the unconstrained base array.
func (s *State) ReadMemoryArray(index *Node, size uint) (*Node, error) {
	if err := validByteSize(size); err != nil {
		return nil, errors.Wrap(err, "read memory array")
	} else if index == nil || index.width != s.addrSize {
		return nil, errors.Wrap(ErrWidthMismatch, "read memory array: address width %d", s.addrSize)
	}

	array, err := s.builder.Array("memory", s.addrSize)
	if err != nil {
		return nil, err
	}

	itr := s.memory.Iterator()
	for !itr.Done() {
		k, v := itr.Next()
		addr, err := s.builder.Constant64(k.(uint64), s.addrSize)
		if err != nil {
			return nil, err
		}
		value, err := s.builder.Reference(v.(*SymbolicExpression))
		if err != nil {
			return nil, err
		}
		if array, err = s.builder.Store(array, addr, value); err != nil {
			return nil, err
		}
	}

	parts := make([]*Node, size)
	for i := uint(0); i < size; i++ {
		offset, err := s.builder.Constant64(uint64(i), s.addrSize)
		if err != nil {
			return nil, err
		}
		addr, err := s.builder.Binary(BVADD, index, offset)
		if err != nil {
			return nil, err
		}
		part, err := s.builder.Select(array, addr)
		if err != nil {
			return nil, err
		}
		parts[size-1-s.byteShift(i, size)/8] = part
	}
	return s.builder.Concat(parts...)
}

// ConcretizeRegister drops the symbolic definition of the parent of reg.
func (s *State) ConcretizeRegister(reg *Register) {
	s.registers = s.registers.Delete(reg.Parent().ID())
}

// ConcretizeMemory drops the symbolic definitions of [addr, addr+size).
func (s *State) ConcretizeMemory(addr uint64, size uint) {
	memory := s.memory
	for i := uint(0); i < size; i++ {
		memory = memory.Delete(addr + uint64(i))
	}
	s.memory = memory
}

// ConcretizeAll drops every symbolic definition.
func (s *State) ConcretizeAll() {
	s.registers = immutable.NewSortedMap(&regIDComparer{})
	s.memory = immutable.NewSortedMap(&uint64Comparer{})
}

// uint64Comparer compares two 64-bit unsigned integers. Implements immutable.Comparer.
type uint64Comparer struct{}

// Compare returns -1 if a is less than b, returns 1 if a is greater than b, and
// returns 0 if a is equal to b. Panic if a or b is not a uint64.
func (c *uint64Comparer) Compare(a, b interface{}) int {
	if i, j := a.(uint64), b.(uint64); i < j {
		return -1
	} else if i > j {
		return 1
	}
	return 0
}

// regIDComparer compares two register ids. Implements immutable.Comparer.
type regIDComparer struct{}

func (c *regIDComparer) Compare(a, b interface{}) int {
	if i, j := a.(RegID), b.(RegID); i < j {
		return -1
	} else if i > j {
		return 1
	}
	return 0
}
