package symex

import (
	"bytes"
	"fmt"
	"io"
	"math/big"
	"strings"

	"tlog.app/go/errors"
)

// Mode is a textual syntax used to render expressions.
type Mode int

const (
	ModeSMT Mode = iota
	ModePython

	modeCount
)

var modes = [...]string{
	ModeSMT:    "smt",
	ModePython: "python",
}

// String returns the name of the mode.
func (m Mode) String() string {
	if m >= 0 && m < modeCount {
		return modes[m]
	}
	return fmt.Sprintf("Mode<%d>", int(m))
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if m < 0 || m >= modeCount {
		return nil, errors.Wrap(ErrInvalidMode, "%d", int(m))
	}
	return []byte(modes[m]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	for i, name := range modes {
		if strings.EqualFold(name, string(text)) {
			*m = Mode(i)
			return nil
		}
	}
	return errors.Wrap(ErrInvalidMode, "%q", text)
}

// Representation renders nodes and expressions in the selected syntax.
type Representation struct {
	mode Mode
}

// NewRepresentation returns a representation in SMT mode.
func NewRepresentation() *Representation {
	return &Representation{mode: ModeSMT}
}

// Mode returns the current syntax.
func (r *Representation) Mode() Mode { return r.mode }

// SetMode changes the syntax. The mode is unchanged if mode is unknown.
func (r *Representation) SetMode(mode Mode) error {
	if mode < 0 || mode >= modeCount {
		return errors.Wrap(ErrInvalidMode, "%d", int(mode))
	}
	r.mode = mode
	return nil
}

// Render returns the textual form of n.
func (r *Representation) Render(n *Node) string {
	var buf bytes.Buffer
	r.Fprint(&buf, n)
	return buf.String()
}

// Fprint writes the textual form of n to w.
func (r *Representation) Fprint(w io.Writer, n *Node) {
	switch r.mode {
	case ModePython:
		io.WriteString(w, renderPython(n))
	default:
		io.WriteString(w, renderSMT(n))
	}
}

// RenderExpression returns the textual form of an expression definition.
func (r *Representation) RenderExpression(e *SymbolicExpression) string {
	switch r.mode {
	case ModePython:
		s := fmt.Sprintf("%s = %s", pythonRef(e.id), renderPython(e.ast))
		if e.comment != "" {
			s += " # " + e.comment
		}
		return s
	default:
		s := fmt.Sprintf("%s = %s", smtRef(e.id), renderSMT(e.ast))
		if e.comment != "" {
			s += " ; " + e.comment
		}
		return s
	}
}

func smtRef(id uint64) string    { return fmt.Sprintf("ref!%d", id) }
func pythonRef(id uint64) string { return fmt.Sprintf("ref_%d", id) }

// smtSort returns the SMT-LIB sort of n.
func smtSort(n *Node) string {
	switch {
	case n.logical:
		return "Bool"
	case n.IsArray():
		return fmt.Sprintf("(Array (_ BitVec %d) (_ BitVec 8))", n.width)
	default:
		return fmt.Sprintf("(_ BitVec %d)", n.width)
	}
}

func renderSMT(n *Node) string {
	var buf bytes.Buffer
	writeSMT(&buf, n)
	return buf.String()
}

func writeSMT(buf *bytes.Buffer, n *Node) {
	switch n.kind {
	case BV:
		fmt.Fprintf(buf, "(_ bv%s %d)", n.value, n.width)
		return
	case BOOL:
		if n.value.Sign() != 0 {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return
	case VARIABLE, ARRAY:
		buf.WriteString(n.name)
		return
	case REFERENCE:
		buf.WriteString(smtRef(n.expr.id))
		return
	case EXTRACT:
		fmt.Fprintf(buf, "((_ extract %d %d) ", n.high, n.low)
		writeSMT(buf, n.children[0])
		buf.WriteString(")")
		return
	case ZX, SX:
		fmt.Fprintf(buf, "((_ %s %d) ", n.kind, n.width-n.children[0].width)
		writeSMT(buf, n.children[0])
		buf.WriteString(")")
		return
	case BVROL, BVROR:
		if amount := n.children[1]; amount.kind == BV {
			name := "rotate_left"
			if n.kind == BVROR {
				name = "rotate_right"
			}
			r := new(big.Int).Rem(amount.value, new(big.Int).SetUint64(uint64(n.width)))
			fmt.Fprintf(buf, "((_ %s %s) ", name, r)
			writeSMT(buf, n.children[0])
			buf.WriteString(")")
			return
		}
		writeSMTRotate(buf, n)
		return
	}

	buf.WriteString("(")
	buf.WriteString(n.kind.String())
	for _, child := range n.children {
		buf.WriteString(" ")
		writeSMT(buf, child)
	}
	buf.WriteString(")")
}

// writeSMTRotate writes a rotation by a symbolic amount using shifts, since
// SMT-LIB rotations only accept a literal amount.
func writeSMTRotate(buf *bytes.Buffer, n *Node) {
	x, amount := renderSMT(n.children[0]), renderSMT(n.children[1])
	width := fmt.Sprintf("(_ bv%d %d)", n.width, n.width)
	r := fmt.Sprintf("(bvurem %s %s)", amount, width)

	first, second := "bvshl", "bvlshr"
	if n.kind == BVROR {
		first, second = second, first
	}
	fmt.Fprintf(buf, "(bvor (%s %s %s) (%s %s (bvsub %s %s)))", first, x, r, second, x, width, r)
}

var pythonInfix = map[Kind]string{
	BVAND:    "&",
	BVOR:     "|",
	BVXOR:    "^",
	BVUDIV:   "//",
	BVUREM:   "%",
	BVLSHR:   ">>",
	EQUAL:    "==",
	DISTINCT: "!=",
	BVULT:    "<",
	BVULE:    "<=",
	BVUGT:    ">",
	BVUGE:    ">=",
}

var pythonMasked = map[Kind]string{
	BVADD: "+",
	BVSUB: "-",
	BVMUL: "*",
	BVSHL: "<<",
}

func renderPython(n *Node) string {
	var buf bytes.Buffer
	writePython(&buf, n)
	return buf.String()
}

func writePython(buf *bytes.Buffer, n *Node) {
	mask := fmt.Sprintf("0x%x", bitmask(n.width))

	if op, ok := pythonInfix[n.kind]; ok {
		buf.WriteString("(")
		writePython(buf, n.children[0])
		fmt.Fprintf(buf, " %s ", op)
		writePython(buf, n.children[1])
		buf.WriteString(")")
		return
	} else if op, ok := pythonMasked[n.kind]; ok {
		buf.WriteString("((")
		writePython(buf, n.children[0])
		fmt.Fprintf(buf, " %s ", op)
		writePython(buf, n.children[1])
		fmt.Fprintf(buf, ") & %s)", mask)
		return
	}

	switch n.kind {
	case BV:
		fmt.Fprintf(buf, "0x%x", n.value)
	case BOOL:
		if n.value.Sign() != 0 {
			buf.WriteString("True")
		} else {
			buf.WriteString("False")
		}
	case VARIABLE, ARRAY:
		buf.WriteString(n.name)
	case REFERENCE:
		buf.WriteString(pythonRef(n.expr.id))
	case BVNOT:
		buf.WriteString("(~")
		writePython(buf, n.children[0])
		fmt.Fprintf(buf, " & %s)", mask)
	case BVNEG:
		buf.WriteString("(-")
		writePython(buf, n.children[0])
		fmt.Fprintf(buf, " & %s)", mask)
	case LAND, LOR:
		op := " and "
		if n.kind == LOR {
			op = " or "
		}
		buf.WriteString("(")
		for i, child := range n.children {
			if i > 0 {
				buf.WriteString(op)
			}
			writePython(buf, child)
		}
		buf.WriteString(")")
	case LNOT:
		buf.WriteString("(not ")
		writePython(buf, n.children[0])
		buf.WriteString(")")
	case EXTRACT:
		buf.WriteString("((")
		writePython(buf, n.children[0])
		fmt.Fprintf(buf, " >> %d) & %s)", n.low, mask)
	case CONCAT:
		buf.WriteString("(")
		shift := n.width
		for i, child := range n.children {
			shift -= child.width
			if i > 0 {
				buf.WriteString(" | ")
			}
			if shift == 0 {
				writePython(buf, child)
				continue
			}
			buf.WriteString("(")
			writePython(buf, child)
			fmt.Fprintf(buf, " << %d)", shift)
		}
		buf.WriteString(")")
	case ZX:
		writePython(buf, n.children[0])
	case ITE:
		buf.WriteString("(")
		writePython(buf, n.children[1])
		buf.WriteString(" if ")
		writePython(buf, n.children[0])
		buf.WriteString(" else ")
		writePython(buf, n.children[2])
		buf.WriteString(")")
	case SELECT:
		writePython(buf, n.children[0])
		buf.WriteString("[")
		writePython(buf, n.children[1])
		buf.WriteString("]")
	default:
		// Signed operators, rotations, sign extension and array updates are
		// rendered as calls taking the operand width last.
		width := n.width
		if n.kind.IsCompare() {
			width = n.children[0].width
		}
		fmt.Fprintf(buf, "%s(", n.kind)
		for _, child := range n.children {
			writePython(buf, child)
			buf.WriteString(", ")
		}
		fmt.Fprintf(buf, "%d)", width)
	}
}
