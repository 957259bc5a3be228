package symex

import (
	"context"
	"fmt"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

// Config holds the session settings.
type Config struct {
	Endianness   Endianness `yaml:"endianness"`
	Mode         Mode       `yaml:"mode"`
	AddressWidth uint       `yaml:"address_width"`
	TaintEnabled bool       `yaml:"taint"`
}

// DefaultConfig returns the settings for a little-endian 64-bit machine.
func DefaultConfig() Config {
	return Config{
		Endianness:   LittleEndian,
		Mode:         ModeSMT,
		AddressWidth: Width64,
		TaintEnabled: true,
	}
}

// Validate returns an error if the config cannot be used.
func (c Config) Validate() error {
	if c.Endianness != LittleEndian && c.Endianness != BigEndian {
		return errors.Wrap(ErrInvalidConfig, "endianness %d", int(c.Endianness))
	} else if c.Mode < 0 || c.Mode >= modeCount {
		return errors.Wrap(ErrInvalidConfig, "mode %d", int(c.Mode))
	} else if !isStandardWidth(c.AddressWidth) || c.AddressWidth > Width64 {
		return errors.Wrap(ErrInvalidConfig, "address width %d", c.AddressWidth)
	}
	return nil
}

// Instruction is a decoded machine instruction. Expressions lists, in order,
// the expressions created while executing it.
type Instruction struct {
	Address     uint64
	Disassembly string
	Operands    []Operand
	Expressions []*SymbolicExpression
}

// Semantics builds the expressions of one instruction using the session.
type Semantics func(s *Session, inst *Instruction) error

// Session ties together the expression builder, registry, symbolic state and
// taint engine for one analysis. A session is used by a single goroutine.
type Session struct {
	config     Config
	builder    *Builder
	registry   *Registry
	state      *State
	taint      *TaintEngine
	repr       *Representation
	simplifier *Simplifier

	varN    int
	current *Instruction
}

// NewSession returns a session reading concrete values from concrete.
func NewSession(concrete ConcreteState, config Config) (*Session, error) {
	if concrete == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "concrete state required")
	} else if err := config.Validate(); err != nil {
		return nil, err
	}

	b := NewBuilder()
	registry := NewRegistry()
	s := &Session{
		config:     config,
		builder:    b,
		registry:   registry,
		state:      NewState(b, registry, concrete, config.Endianness, config.AddressWidth),
		taint:      NewTaintEngine(),
		repr:       NewRepresentation(),
		simplifier: NewSimplifier(b),
	}
	s.taint.Enable(config.TaintEnabled)
	if err := s.repr.SetMode(config.Mode); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) Config() Config                  { return s.config }
func (s *Session) Builder() *Builder               { return s.builder }
func (s *Session) Registry() *Registry             { return s.registry }
func (s *Session) State() *State                   { return s.state }
func (s *Session) Taint() *TaintEngine             { return s.taint }
func (s *Session) Representation() *Representation { return s.repr }
func (s *Session) Simplifier() *Simplifier         { return s.simplifier }

// Execute runs semantics for inst. If semantics fails, the symbolic state and
// taint are restored to their values before the call and inst has no expressions.
func (s *Session) Execute(inst *Instruction, semantics Semantics) (err error) {
	assert(s.current == nil, "nested instruction execution")

	state, taint := s.state.save(), s.taint.save()
	inst.Expressions = nil
	s.current = inst
	defer func() { s.current = nil }()

	if err := semantics(s, inst); err != nil {
		s.state.restore(state)
		s.taint.restore(taint)
		inst.Expressions = nil

		if tlog.If("symex") {
			tlog.Printw("instruction rolled back", "addr", inst.Address, "err", err)
		}
		return errors.Wrap(err, "instruction 0x%x", inst.Address)
	}

	if tlog.If("symex") {
		tlog.Printw("instruction", "addr", inst.Address, "asm", inst.Disassembly, "exprs", len(inst.Expressions))
	}
	return nil
}

// record appends e to the expressions of the executing instruction.
func (s *Session) record(e *SymbolicExpression) {
	if s.current != nil {
		s.current.Expressions = append(s.current.Expressions, e)
	}
}

// ReadOperand returns the current value of op.
func (s *Session) ReadOperand(op Operand) (*Node, error) {
	switch op := op.(type) {
	case *Immediate:
		return s.builder.Constant(op.value, op.BitSize())
	case *Register:
		return s.state.ReadRegister(op)
	case *MemoryAccess:
		return s.state.ReadMemory(op.Address(), op.Size())
	default:
		return nil, errors.Wrap(ErrInvalidOperand, "read operand: %v", op)
	}
}

// AssignRegister defines dest with root. The taint of dest becomes the union
// of the taint of sources and is recorded on the new expression.
func (s *Session) AssignRegister(dest *Register, root *Node, comment string, sources ...Operand) (*SymbolicExpression, error) {
	taint := s.taint.save()
	tainted, err := s.taint.Assign(dest, sources...)
	if err != nil {
		return nil, err
	}

	e, err := s.state.WriteRegister(dest, root, comment, tainted)
	if err != nil {
		s.taint.restore(taint)
		return nil, err
	}
	s.record(e)
	return e, nil
}

// AssignMemory defines the bytes of dest with root. The taint of dest becomes
// the union of the taint of sources and is recorded on the new expression.
func (s *Session) AssignMemory(dest *MemoryAccess, root *Node, comment string, sources ...Operand) (*SymbolicExpression, error) {
	if root != nil && root.width != dest.BitSize() {
		return nil, errors.Wrap(ErrWidthMismatch, "assign %s: %d != %d", dest, root.width, dest.BitSize())
	}

	taint := s.taint.save()
	tainted, err := s.taint.Assign(dest, sources...)
	if err != nil {
		return nil, err
	}

	e, err := s.state.WriteMemory(dest.Address(), root, comment, tainted)
	if err != nil {
		s.taint.restore(taint)
		return nil, err
	}
	s.record(e)
	return e, nil
}

// NewVolatile creates an expression that defines no location, such as an
// intermediate value or a flag computation.
func (s *Session) NewVolatile(root *Node, comment string, sources ...Operand) (*SymbolicExpression, error) {
	e, err := s.registry.New(root, ExpressionVolatile, Origin{}, comment)
	if err != nil {
		return nil, err
	}
	e.tainted = s.taint.TaintUnion(sources...)
	s.record(e)
	return e, nil
}

// Expression returns the expression with the given id.
func (s *Session) Expression(id uint64) (*SymbolicExpression, error) {
	return s.registry.Get(id)
}

// Reference returns a reference node to the expression with the given id.
func (s *Session) Reference(id uint64) (*Node, error) {
	e, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return s.builder.Reference(e)
}

// newVariable returns a fresh variable holding the concrete value of current.
func (s *Session) newVariable(width uint, current *Node) (*Node, error) {
	s.varN++
	return s.builder.Variable(fmt.Sprintf("SymVar_%d", s.varN-1), width, current.Evaluate())
}

// ConvertRegisterToVariable replaces the value of reg by a fresh variable whose
// concrete value is the current value of reg.
func (s *Session) ConvertRegisterToVariable(reg *Register, comment string) (*Node, error) {
	current, err := s.state.ReadRegister(reg)
	if err != nil {
		return nil, err
	}
	v, err := s.newVariable(reg.BitSize(), current)
	if err != nil {
		return nil, err
	}

	tainted := s.taint.IsRegisterTainted(reg)
	e, err := s.state.WriteRegister(reg, v, comment, tainted)
	if err != nil {
		return nil, err
	}
	s.record(e)
	return v, nil
}

// ConvertMemoryToVariable replaces the value of mem by a fresh variable whose
// concrete value is the current value of mem.
func (s *Session) ConvertMemoryToVariable(mem *MemoryAccess, comment string) (*Node, error) {
	current, err := s.state.ReadMemory(mem.Address(), mem.Size())
	if err != nil {
		return nil, err
	}
	v, err := s.newVariable(mem.BitSize(), current)
	if err != nil {
		return nil, err
	}

	tainted := s.taint.IsMemoryTainted(mem.Address(), mem.Size())
	e, err := s.state.WriteMemory(mem.Address(), v, comment, tainted)
	if err != nil {
		return nil, err
	}
	s.record(e)
	return v, nil
}

// addressOperand returns the value of reg resized to the address width.
func (s *Session) addressOperand(reg *Register) (*Node, error) {
	n, err := s.state.ReadRegister(reg)
	if err != nil {
		return nil, err
	}
	switch aw := s.config.AddressWidth; {
	case n.width < aw:
		return s.builder.ZeroExtend(aw-n.width, n)
	case n.width > aw:
		return s.builder.Extract(aw-1, 0, n)
	default:
		return n, nil
	}
}

// EffectiveAddress computes segment + base + index*scale + displacement for
// mem, stores the result as the access LEA AST and updates the access address
// with its concrete value.
func (s *Session) EffectiveAddress(mem *MemoryAccess) (*Node, error) {
	aw := s.config.AddressWidth
	var terms []*Node

	for _, reg := range []*Register{mem.segment, mem.base} {
		if reg == nil {
			continue
		}
		n, err := s.addressOperand(reg)
		if err != nil {
			return nil, err
		}
		terms = append(terms, n)
	}

	if mem.index != nil {
		index, err := s.addressOperand(mem.index)
		if err != nil {
			return nil, err
		}
		if mem.scale != nil {
			scale, err := s.builder.Constant(mem.scale.value, aw)
			if err != nil {
				return nil, err
			}
			if index, err = s.builder.Binary(BVMUL, index, scale); err != nil {
				return nil, err
			}
		}
		terms = append(terms, index)
	}

	if mem.disp != nil {
		disp, err := s.builder.Constant(toSigned(mem.disp.value, mem.disp.BitSize()), aw)
		if err != nil {
			return nil, err
		}
		terms = append(terms, disp)
	}

	lea, err := s.builder.Constant64(0, aw)
	if err != nil {
		return nil, err
	}
	for i, term := range terms {
		if i == 0 {
			lea = term
			continue
		}
		if lea, err = s.builder.Binary(BVADD, lea, term); err != nil {
			return nil, err
		}
	}

	mem.lea = lea
	mem.address = lea.Evaluate().Uint64()
	return lea, nil
}

// Simplify rewrites the AST of e with the session simplifier.
func (s *Session) Simplify(e *SymbolicExpression) (*Node, error) {
	root, err := s.simplifier.Simplify(e.AST())
	if err != nil {
		return nil, err
	} else if err := e.SetAST(root); err != nil {
		return nil, err
	}
	return root, nil
}

// Formula returns the solver formula asserting constraints.
func (s *Session) Formula(constraints ...*Node) (*Formula, error) {
	return BuildFormula(constraints...)
}

// Solve asks solver for a model of constraints.
func (s *Session) Solve(ctx context.Context, solver Solver, constraints ...*Node) (*Model, error) {
	f, err := BuildFormula(constraints...)
	if err != nil {
		return nil, err
	}
	return solver.Solve(ctx, f)
}

// Render returns the expression rendered in the session representation.
func (s *Session) Render(e *SymbolicExpression) string {
	return s.repr.RenderExpression(e)
}
