package main

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/benbjohnson/symex"
	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

// Trace is a synthetic instruction trace. Each instruction lists simple
// register and memory operations which are lifted into symbolic expressions.
type Trace struct {
	Config       symex.Config  `yaml:"config"`
	Registers    []RegisterDef `yaml:"registers"`
	Concrete     ConcreteDef   `yaml:"concrete"`
	Taint        []string      `yaml:"taint"`
	Instructions []InstrDef    `yaml:"instructions"`
}

// RegisterDef declares a register. Sub-registers name their parent.
type RegisterDef struct {
	ID     uint32 `yaml:"id"`
	Name   string `yaml:"name"`
	Width  uint   `yaml:"width"`
	Parent string `yaml:"parent"`
	High   uint32 `yaml:"high"`
	Low    uint32 `yaml:"low"`
}

// ConcreteDef holds the initial concrete machine state.
type ConcreteDef struct {
	Registers map[string]uint64 `yaml:"registers"`
	Memory    map[uint64]uint8  `yaml:"memory"`
}

// InstrDef is a single instruction of the trace.
type InstrDef struct {
	Address uint64  `yaml:"address"`
	Asm     string  `yaml:"asm"`
	Ops     []OpDef `yaml:"ops"`
}

// OpDef is an operation on the destination operand. Op is "mov", "symbolize",
// "taint", "untaint" or the name of a unary or binary bit-vector operator.
// Operands are register names, immediates or memory addresses in brackets.
type OpDef struct {
	Op      string   `yaml:"op"`
	Dest    string   `yaml:"dest"`
	Args    []string `yaml:"args"`
	Size    uint     `yaml:"size"` // memory destination size in bytes
	Comment string   `yaml:"comment"`
}

type replayOptions struct {
	Mode     string
	State    bool
	Simplify bool
}

func replayAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	opts := replayOptions{
		Mode:     c.String("mode"),
		State:    c.Bool("state"),
		Simplify: c.Bool("simplify"),
	}

	for _, a := range c.Args {
		data, err := os.ReadFile(a)
		if err != nil {
			return errors.Wrap(err, "read trace")
		}
		if err := replay(ctx, os.Stdout, data, opts); err != nil {
			return errors.Wrap(err, "replay %v", a)
		}
	}
	return nil
}

// replay executes the trace in data and writes every created expression to w.
func replay(ctx context.Context, w io.Writer, data []byte, opts replayOptions) (err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "replay")
	defer tr.Finish("err", &err)

	trace := Trace{Config: symex.DefaultConfig()}
	if err := yaml.Unmarshal(data, &trace); err != nil {
		return errors.Wrap(err, "parse trace")
	}
	if opts.Mode != "" {
		if err := trace.Config.Mode.UnmarshalText([]byte(opts.Mode)); err != nil {
			return err
		}
	}

	regs, err := buildRegisterFile(trace.Registers)
	if err != nil {
		return err
	}
	concrete, err := newConcreteState(regs, trace.Concrete)
	if err != nil {
		return err
	}

	s, err := symex.NewSession(concrete, trace.Config)
	if err != nil {
		return err
	}
	for _, name := range trace.Taint {
		op, err := parseOperand(regs, name, 0)
		if err != nil {
			return err
		} else if _, err := s.Taint().Taint(op); err != nil {
			return err
		}
	}

	bold := color.New(color.Bold).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	for _, def := range trace.Instructions {
		def := def
		inst := &symex.Instruction{Address: def.Address, Disassembly: def.Asm}
		if err := s.Execute(inst, func(s *symex.Session, inst *symex.Instruction) error {
			for i, op := range def.Ops {
				if err := execOp(s, regs, op); err != nil {
					return errors.Wrap(err, "op %d (%s)", i, op.Op)
				}
			}
			return nil
		}); err != nil {
			return err
		}

		fmt.Fprintf(w, "%s\n", bold(fmt.Sprintf("0x%x: %s", inst.Address, inst.Disassembly)))
		for _, e := range inst.Expressions {
			if opts.Simplify {
				if _, err := s.Simplify(e); err != nil {
					return err
				}
			}

			line := s.Render(e)
			if e.IsTainted() {
				line = red(line)
			}
			fmt.Fprintf(w, "    %s\n", line)
		}
	}

	if opts.State {
		fmt.Fprintf(w, "%s\n", bold("registers:"))
		for _, e := range s.State().SymbolicRegisters() {
			fmt.Fprintf(w, "    %s = 0x%x\n", e.OriginRegister().Name(), e.AST().Evaluate())
		}
	}

	tr.Printw("replayed", "instructions", len(trace.Instructions), "expressions", s.Registry().LastID())
	return nil
}

// execOp lifts a single trace operation.
func execOp(s *symex.Session, regs *symex.RegisterFile, op OpDef) error {
	width := uint(0)
	if op.Size != 0 {
		width = op.Size * 8
	}
	dest, err := parseOperand(regs, op.Dest, width)
	if err != nil {
		return err
	}
	width = dest.BitSize()

	switch op.Op {
	case "taint":
		_, err := s.Taint().Taint(dest)
		return err
	case "untaint":
		_, err := s.Taint().Untaint(dest)
		return err
	case "symbolize":
		switch dest := dest.(type) {
		case *symex.Register:
			_, err = s.ConvertRegisterToVariable(dest, op.Comment)
		case *symex.MemoryAccess:
			_, err = s.ConvertMemoryToVariable(dest, op.Comment)
		default:
			err = errors.Wrap(symex.ErrInvalidOperand, "symbolize %s", op.Dest)
		}
		return err
	}

	srcs := make([]symex.Operand, len(op.Args))
	args := make([]*symex.Node, len(op.Args))
	for i, a := range op.Args {
		if srcs[i], err = parseOperand(regs, a, width); err != nil {
			return err
		} else if args[i], err = s.ReadOperand(srcs[i]); err != nil {
			return err
		}
	}

	var value *symex.Node
	switch kind, ok := operators[op.Op]; {
	case op.Op == "mov" && len(args) == 1:
		value = args[0]
	case ok && kind.IsUnary() && len(args) == 1:
		value, err = s.Builder().Unary(kind, args[0])
	case ok && kind.IsBinary() && len(args) == 2:
		value, err = s.Builder().Binary(kind, args[0], args[1])
	default:
		return errors.New("unknown operation %q with %d operands", op.Op, len(args))
	}
	if err != nil {
		return err
	}

	comment := op.Comment
	if comment == "" {
		comment = fmt.Sprintf("%s %s, %s", op.Op, op.Dest, strings.Join(op.Args, ", "))
	}

	switch dest := dest.(type) {
	case *symex.Register:
		_, err = s.AssignRegister(dest, value, comment, srcs...)
	case *symex.MemoryAccess:
		_, err = s.AssignMemory(dest, value, comment, srcs...)
	default:
		err = errors.Wrap(symex.ErrInvalidOperand, "destination %s", op.Dest)
	}
	return err
}

// operators maps operator names to unary and binary bit-vector kinds.
var operators = func() map[string]symex.Kind {
	m := make(map[string]symex.Kind)
	for k := symex.BV; k <= symex.SELECT; k++ {
		if k.IsUnary() || k.IsBinary() {
			m[k.String()] = k
		}
	}
	return m
}()

// parseOperand returns the operand named by s. Immediates and memory accesses
// take width bits, defaulting to 64.
func parseOperand(regs *symex.RegisterFile, s string, width uint) (symex.Operand, error) {
	if width == 0 {
		width = symex.Width64
	}

	if r := regs.Lookup(s); r != nil {
		return r, nil
	} else if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		addr, err := strconv.ParseUint(s[1:len(s)-1], 0, 64)
		if err != nil {
			return nil, errors.Wrap(err, "memory operand %s", s)
		}
		return symex.NewMemoryAccess(addr, width/8)
	}

	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return nil, errors.Wrap(symex.ErrInvalidOperand, "operand %q", s)
	}
	return symex.NewImmediate(v, width/8)
}

func buildRegisterFile(defs []RegisterDef) (*symex.RegisterFile, error) {
	f := symex.NewRegisterFile()
	for _, def := range defs {
		var r *symex.Register
		var err error
		if def.Parent == "" {
			r, err = symex.NewRegister(symex.RegID(def.ID), def.Name, def.Width)
		} else if parent := f.Lookup(def.Parent); parent == nil {
			return nil, errors.Wrap(symex.ErrInvalidOperand, "register %s: unknown parent %s", def.Name, def.Parent)
		} else {
			r, err = symex.NewSubRegister(symex.RegID(def.ID), def.Name, parent, def.High, def.Low)
		}
		if err != nil {
			return nil, err
		} else if err := f.Add(r); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// concreteState is a ConcreteState backed by maps.
type concreteState struct {
	registers map[symex.RegID]*big.Int
	memory    map[uint64]byte
}

func newConcreteState(regs *symex.RegisterFile, def ConcreteDef) (*concreteState, error) {
	s := &concreteState{
		registers: make(map[symex.RegID]*big.Int),
		memory:    make(map[uint64]byte),
	}
	for name, v := range def.Registers {
		r := regs.Lookup(name)
		if r == nil {
			return nil, errors.Wrap(symex.ErrInvalidOperand, "concrete register %s", name)
		} else if !r.IsParent() {
			return nil, errors.Wrap(symex.ErrInvalidOperand, "concrete register %s: full register required", name)
		}
		s.registers[r.ID()] = new(big.Int).SetUint64(v)
	}
	for addr, v := range def.Memory {
		s.memory[addr] = v
	}
	return s, nil
}

func (s *concreteState) ConcreteRegister(reg *symex.Register) *big.Int {
	v, ok := s.registers[reg.Parent().ID()]
	if !ok {
		return new(big.Int)
	}
	bv := reg.BitVector()
	v = new(big.Int).Rsh(v, uint(bv.Low()))
	mask := new(big.Int).Lsh(big.NewInt(1), reg.BitSize())
	return v.And(v, mask.Sub(mask, big.NewInt(1)))
}

func (s *concreteState) ConcreteMemory(addr uint64) byte {
	return s.memory[addr]
}
