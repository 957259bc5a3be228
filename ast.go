package symex

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"weak"

	"github.com/cespare/xxhash/v2"
	"tlog.app/go/errors"
)

// Kind represents the type of an AST node.
type Kind int

// Node kinds.
const (
	INVALID = Kind(iota)

	BV       // bit-vector constant
	BOOL     // logical constant
	VARIABLE // free symbolic variable

	unary_op_begin
	BVNOT
	BVNEG
	unary_op_end

	binary_op_begin
	BVADD
	BVSUB
	BVMUL
	BVUDIV
	BVSDIV
	BVUREM
	BVSREM
	BVSMOD
	BVAND
	BVOR
	BVXOR
	BVNAND
	BVNOR
	BVXNOR
	BVSHL
	BVLSHR
	BVASHR
	BVROL
	BVROR
	binary_op_end

	compare_op_begin
	EQUAL
	DISTINCT
	BVULT
	BVULE
	BVUGT
	BVUGE
	BVSLT
	BVSLE
	BVSGT
	BVSGE
	compare_op_end

	logical_op_begin
	LAND
	LOR
	LNOT
	logical_op_end

	EXTRACT
	CONCAT
	ZX
	SX
	ITE
	REFERENCE

	ARRAY  // byte-addressed memory
	STORE  // array with one byte updated
	SELECT // one byte read from an array
)

var kinds = [...]string{
	BV:        "bv",
	BOOL:      "bool",
	VARIABLE:  "variable",
	BVNOT:     "bvnot",
	BVNEG:     "bvneg",
	BVADD:     "bvadd",
	BVSUB:     "bvsub",
	BVMUL:     "bvmul",
	BVUDIV:    "bvudiv",
	BVSDIV:    "bvsdiv",
	BVUREM:    "bvurem",
	BVSREM:    "bvsrem",
	BVSMOD:    "bvsmod",
	BVAND:     "bvand",
	BVOR:      "bvor",
	BVXOR:     "bvxor",
	BVNAND:    "bvnand",
	BVNOR:     "bvnor",
	BVXNOR:    "bvxnor",
	BVSHL:     "bvshl",
	BVLSHR:    "bvlshr",
	BVASHR:    "bvashr",
	BVROL:     "bvrol",
	BVROR:     "bvror",
	EQUAL:     "=",
	DISTINCT:  "distinct",
	BVULT:     "bvult",
	BVULE:     "bvule",
	BVUGT:     "bvugt",
	BVUGE:     "bvuge",
	BVSLT:     "bvslt",
	BVSLE:     "bvsle",
	BVSGT:     "bvsgt",
	BVSGE:     "bvsge",
	LAND:      "and",
	LOR:       "or",
	LNOT:      "not",
	EXTRACT:   "extract",
	CONCAT:    "concat",
	ZX:        "zero_extend",
	SX:        "sign_extend",
	ITE:       "ite",
	REFERENCE: "reference",
	ARRAY:     "array",
	STORE:     "store",
	SELECT:    "select",
}

// String returns the string representation of the kind.
func (k Kind) String() string {
	if k >= 0 && k < Kind(len(kinds)) && kinds[k] != "" {
		return kinds[k]
	}
	return fmt.Sprintf("Kind<%d>", k)
}

// IsUnary returns true if k is a unary bit-vector operator.
func (k Kind) IsUnary() bool { return k > unary_op_begin && k < unary_op_end }

// IsBinary returns true if k is a binary bit-vector operator.
func (k Kind) IsBinary() bool { return k > binary_op_begin && k < binary_op_end }

// IsCompare returns true if k is a comparison producing a logical value.
func (k Kind) IsCompare() bool { return k > compare_op_begin && k < compare_op_end }

// IsLogical returns true if k is a logical connective.
func (k Kind) IsLogical() bool { return k > logical_op_begin && k < logical_op_end }

// Node represents a node in the expression graph. Nodes are created by a
// Builder and are immutable once returned.
type Node struct {
	id       uint64
	kind     Kind
	children []*Node
	width    uint
	logical  bool
	hash     uint64

	value *big.Int            // BV, BOOL, VARIABLE (concrete value)
	name  string              // VARIABLE, ARRAY
	high  uint                // EXTRACT
	low   uint                // EXTRACT
	expr  *SymbolicExpression // REFERENCE

	refs     bool // reaches a reference
	evalOnce sync.Once
	eval     *big.Int
}

// ID returns the identity of the node within its builder.
func (n *Node) ID() uint64 { return n.id }

// Kind returns the node kind.
func (n *Node) Kind() Kind { return n.kind }

// Width returns the bit width of the node. Array nodes report their index width.
func (n *Node) Width() uint { return n.width }

// IsLogical returns true if the node has the logical (boolean) sort.
func (n *Node) IsLogical() bool { return n.logical }

// IsArray returns true if the node has the memory array sort.
func (n *Node) IsArray() bool { return n.kind == ARRAY || n.kind == STORE }

// IsConstant returns true for bit-vector and logical constants.
func (n *Node) IsConstant() bool { return n.kind == BV || n.kind == BOOL }

// NumChildren returns the number of children.
func (n *Node) NumChildren() int { return len(n.children) }

// Child returns the i-th child.
func (n *Node) Child(i int) *Node { return n.children[i] }

// Children returns a copy of the child list.
func (n *Node) Children() []*Node {
	return append([]*Node(nil), n.children...)
}

// Value returns the literal of a constant or the concrete value of a variable.
func (n *Node) Value() *big.Int {
	if n.value == nil {
		return nil
	}
	return new(big.Int).Set(n.value)
}

// Name returns the name of a variable or array.
func (n *Node) Name() string { return n.name }

// High returns the high bit of an extract node.
func (n *Node) High() uint { return n.high }

// Low returns the low bit of an extract node.
func (n *Node) Low() uint { return n.low }

// Expression returns the symbolic expression a reference node points to.
func (n *Node) Expression() *SymbolicExpression { return n.expr }

// String returns the SMT representation of the node.
func (n *Node) String() string {
	return renderSMT(n)
}

// shallowEq returns true if a and b have the same kind, payload and child identities.
func shallowEq(a, b *Node) bool {
	if a.kind != b.kind || a.width != b.width || a.logical != b.logical ||
		a.name != b.name || a.high != b.high || a.low != b.low || a.expr != b.expr ||
		len(a.children) != len(b.children) {
		return false
	}
	if (a.value == nil) != (b.value == nil) || (a.value != nil && a.value.Cmp(b.value) != 0) {
		return false
	}
	for i := range a.children {
		if a.children[i] != b.children[i] {
			return false
		}
	}
	return true
}

// computeHash returns the structural hash of n. Children are identified by id.
func computeHash(n *Node) uint64 {
	var buf [8]byte
	d := xxhash.New()

	put := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		d.Write(buf[:])
	}

	put(uint64(n.kind))
	put(uint64(n.width))
	put(uint64(n.high))
	put(uint64(n.low))
	for _, child := range n.children {
		put(child.id)
	}
	if n.value != nil {
		d.Write(n.value.Bytes())
	}
	d.WriteString(n.name)
	if n.expr != nil {
		put(n.expr.id)
	}
	return d.Sum64()
}

// BuilderStats holds statistics about the dedup cache of a Builder.
// Nodes counts every node inserted, including ones since collected.
type BuilderStats struct {
	Lookups uint
	Hits    uint
	Nodes   uint
}

// Builder constructs AST nodes. Structurally identical nodes are shared:
// building the same node twice returns the same pointer while the first one
// is still reachable. The cache holds nodes weakly so it never keeps a node,
// or the expression a reference node points to, alive on its own.
type Builder struct {
	mu     sync.Mutex
	nextID uint64
	cache  map[uint64][]weak.Pointer[Node]
	vars   map[string]*Node
	stats  BuilderStats
}

// NewBuilder returns a new instance of Builder.
func NewBuilder() *Builder {
	return &Builder{
		cache: make(map[uint64][]weak.Pointer[Node]),
		vars:  make(map[string]*Node),
	}
}

// Stats returns dedup cache statistics.
func (b *Builder) Stats() BuilderStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// intern returns the cached node equal to n, or inserts n into the cache.
// Collected nodes are pruned from the bucket on the way.
func (b *Builder) intern(n *Node) *Node {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.Lookups++
	n.refs = n.kind == REFERENCE
	for _, child := range n.children {
		n.refs = n.refs || child.refs
	}
	n.hash = computeHash(n)

	bucket := b.cache[n.hash]
	live := bucket[:0]
	var found *Node
	for _, p := range bucket {
		other := p.Value()
		if other == nil {
			continue
		}
		live = append(live, p)
		if found == nil && shallowEq(n, other) {
			found = other
		}
	}
	if found != nil {
		b.cache[n.hash] = live
		b.stats.Hits++
		return found
	}

	b.nextID++
	n.id = b.nextID
	b.cache[n.hash] = append(live, weak.Make(n))
	b.stats.Nodes++
	return n
}

// validWidth returns an error if width cannot be used for a bit-vector.
func validWidth(width uint) error {
	if width == 0 {
		return errors.Wrap(ErrInvalidWidth, "zero width")
	} else if width > MaxWidth {
		return errors.Wrap(ErrInvalidWidth, "width %d exceeds %d", width, MaxWidth)
	}
	return nil
}

// requireBV returns an error if n is not a bit-vector node.
func requireBV(op Kind, n *Node) error {
	if n == nil {
		return errors.Wrap(ErrInvalidNode, "%s: nil operand", op)
	} else if n.logical || n.IsArray() {
		return errors.Wrap(ErrInvalidNode, "%s: bit-vector operand expected, got %s", op, n.kind)
	}
	return nil
}

// requireLogical returns an error if n is not a logical node.
func requireLogical(op Kind, n *Node) error {
	if n == nil {
		return errors.Wrap(ErrInvalidNode, "%s: nil operand", op)
	} else if !n.logical {
		return errors.Wrap(ErrInvalidNode, "%s: logical operand expected, got %s", op, n.kind)
	}
	return nil
}

// Constant returns a bit-vector constant. The value is truncated to width bits.
func (b *Builder) Constant(value *big.Int, width uint) (*Node, error) {
	if err := validWidth(width); err != nil {
		return nil, errors.Wrap(err, "bv")
	}
	return b.intern(&Node{kind: BV, width: width, value: truncate(value, width)}), nil
}

// Constant64 is an ease of use function for creating constants from a uint64.
func (b *Builder) Constant64(value uint64, width uint) (*Node, error) {
	return b.Constant(new(big.Int).SetUint64(value), width)
}

// Bool returns a logical constant.
func (b *Builder) Bool(value bool) *Node {
	v := big.NewInt(0)
	if value {
		v.SetInt64(1)
	}
	return b.intern(&Node{kind: BOOL, width: WidthBool, logical: true, value: v})
}

// Variable returns a free variable. Variables are identified by name; asking
// for an existing name with a different width or concrete value fails.
func (b *Builder) Variable(name string, width uint, concrete *big.Int) (*Node, error) {
	if name == "" {
		return nil, errors.Wrap(ErrInvalidNode, "variable: empty name")
	} else if err := validWidth(width); err != nil {
		return nil, errors.Wrap(err, "variable %s", name)
	}
	if concrete == nil {
		concrete = new(big.Int)
	}
	n := &Node{kind: VARIABLE, width: width, name: name, value: truncate(concrete, width)}

	b.mu.Lock()
	other := b.vars[name]
	b.mu.Unlock()
	if other != nil {
		if !shallowEq(n, other) {
			return nil, errors.Wrap(ErrInvalidNode, "variable %s already declared", name)
		}
		return other, nil
	}

	n = b.intern(n)
	b.mu.Lock()
	b.vars[name] = n
	b.mu.Unlock()
	return n, nil
}

// Unary returns a unary bit-vector operation.
func (b *Builder) Unary(op Kind, child *Node) (*Node, error) {
	if !op.IsUnary() {
		return nil, errors.Wrap(ErrInvalidNode, "%s: not a unary operator", op)
	} else if err := requireBV(op, child); err != nil {
		return nil, err
	}
	return b.intern(&Node{kind: op, width: child.width, children: []*Node{child}}), nil
}

// Binary returns a binary bit-vector operation or comparison. Both operands
// must have the same width.
func (b *Builder) Binary(op Kind, lhs, rhs *Node) (*Node, error) {
	if !op.IsBinary() && !op.IsCompare() {
		return nil, errors.Wrap(ErrInvalidNode, "%s: not a binary operator", op)
	} else if lhs == nil || rhs == nil {
		return nil, errors.Wrap(ErrInvalidNode, "%s: nil operand", op)
	}

	// Equality also applies to logical operands.
	if (op == EQUAL || op == DISTINCT) && lhs.logical && rhs.logical {
		return b.intern(&Node{kind: op, width: WidthBool, logical: true, children: []*Node{lhs, rhs}}), nil
	}

	if err := requireBV(op, lhs); err != nil {
		return nil, err
	} else if err := requireBV(op, rhs); err != nil {
		return nil, err
	} else if lhs.width != rhs.width {
		return nil, errors.Wrap(ErrWidthMismatch, "%s: %d != %d", op, lhs.width, rhs.width)
	}

	if op.IsCompare() {
		return b.intern(&Node{kind: op, width: WidthBool, logical: true, children: []*Node{lhs, rhs}}), nil
	}
	return b.intern(&Node{kind: op, width: lhs.width, children: []*Node{lhs, rhs}}), nil
}

// Logical returns a logical connective. LAND and LOR take two or more
// operands, LNOT exactly one.
func (b *Builder) Logical(op Kind, children ...*Node) (*Node, error) {
	switch op {
	case LAND, LOR:
		if len(children) < 2 {
			return nil, errors.Wrap(ErrInvalidNode, "%s: at least two operands required", op)
		}
	case LNOT:
		if len(children) != 1 {
			return nil, errors.Wrap(ErrInvalidNode, "%s: exactly one operand required", op)
		}
	default:
		return nil, errors.Wrap(ErrInvalidNode, "%s: not a logical operator", op)
	}

	for _, child := range children {
		if err := requireLogical(op, child); err != nil {
			return nil, err
		}
	}
	return b.intern(&Node{kind: op, width: WidthBool, logical: true, children: append([]*Node(nil), children...)}), nil
}

// Extract returns bits [high..low] of child.
func (b *Builder) Extract(high, low uint, child *Node) (*Node, error) {
	if err := requireBV(EXTRACT, child); err != nil {
		return nil, err
	} else if high < low {
		return nil, errors.Wrap(ErrInvalidWidth, "extract: high %d < low %d", high, low)
	} else if high >= child.width {
		return nil, errors.Wrap(ErrInvalidWidth, "extract: bit %d out of bounds of width %d", high, child.width)
	}
	return b.intern(&Node{kind: EXTRACT, width: high - low + 1, high: high, low: low, children: []*Node{child}}), nil
}

// Concat returns the concatenation of parts. The first part holds the most
// significant bits. A single part is returned as is.
func (b *Builder) Concat(parts ...*Node) (*Node, error) {
	if len(parts) == 0 {
		return nil, errors.Wrap(ErrInvalidNode, "concat: no operands")
	} else if len(parts) == 1 {
		if err := requireBV(CONCAT, parts[0]); err != nil {
			return nil, err
		}
		return parts[0], nil
	}

	var width uint
	for _, part := range parts {
		if err := requireBV(CONCAT, part); err != nil {
			return nil, err
		}
		width += part.width
	}
	if err := validWidth(width); err != nil {
		return nil, errors.Wrap(err, "concat")
	}
	return b.intern(&Node{kind: CONCAT, width: width, children: append([]*Node(nil), parts...)}), nil
}

// ZeroExtend returns child extended with n zero bits.
func (b *Builder) ZeroExtend(n uint, child *Node) (*Node, error) {
	return b.extend(ZX, n, child)
}

// SignExtend returns child extended with n copies of its sign bit.
func (b *Builder) SignExtend(n uint, child *Node) (*Node, error) {
	return b.extend(SX, n, child)
}

func (b *Builder) extend(op Kind, n uint, child *Node) (*Node, error) {
	if err := requireBV(op, child); err != nil {
		return nil, err
	} else if n == 0 {
		return child, nil
	} else if err := validWidth(child.width + n); err != nil {
		return nil, errors.Wrap(err, "%s", op)
	}
	return b.intern(&Node{kind: op, width: child.width + n, children: []*Node{child}}), nil
}

// Ite returns a node selecting then if cond holds and otherwise els.
func (b *Builder) Ite(cond, then, els *Node) (*Node, error) {
	if err := requireLogical(ITE, cond); err != nil {
		return nil, err
	} else if then == nil || els == nil {
		return nil, errors.Wrap(ErrInvalidNode, "ite: nil branch")
	} else if then.IsArray() || els.IsArray() {
		return nil, errors.Wrap(ErrInvalidNode, "ite: array branch")
	} else if then.logical != els.logical {
		return nil, errors.Wrap(ErrInvalidNode, "ite: branch sort mismatch")
	} else if then.width != els.width {
		return nil, errors.Wrap(ErrWidthMismatch, "ite: %d != %d", then.width, els.width)
	}
	return b.intern(&Node{kind: ITE, width: then.width, logical: then.logical, children: []*Node{cond, then, els}}), nil
}

// Reference returns a node standing for the value of expr. References let
// expressions share subgraphs across instructions without copying them.
func (b *Builder) Reference(expr *SymbolicExpression) (*Node, error) {
	if expr == nil || expr.ast == nil {
		return nil, errors.Wrap(ErrInvalidNode, "reference: no expression")
	}
	return b.intern(&Node{kind: REFERENCE, width: expr.ast.width, logical: expr.ast.logical, expr: expr}), nil
}

// Array returns an unconstrained byte array indexed by indexWidth-bit addresses.
func (b *Builder) Array(name string, indexWidth uint) (*Node, error) {
	if name == "" {
		return nil, errors.Wrap(ErrInvalidNode, "array: empty name")
	} else if err := validWidth(indexWidth); err != nil {
		return nil, errors.Wrap(err, "array %s", name)
	}
	return b.intern(&Node{kind: ARRAY, width: indexWidth, name: name}), nil
}

// Store returns array with the byte at index replaced by value.
func (b *Builder) Store(array, index, value *Node) (*Node, error) {
	if array == nil || !array.IsArray() {
		return nil, errors.Wrap(ErrInvalidNode, "store: array operand expected")
	} else if err := requireBV(STORE, index); err != nil {
		return nil, err
	} else if err := requireBV(STORE, value); err != nil {
		return nil, err
	} else if index.width != array.width {
		return nil, errors.Wrap(ErrWidthMismatch, "store: index %d != %d", index.width, array.width)
	} else if value.width != Width8 {
		return nil, errors.Wrap(ErrWidthMismatch, "store: value width %d", value.width)
	}
	return b.intern(&Node{kind: STORE, width: array.width, children: []*Node{array, index, value}}), nil
}

// Select returns the byte at index of array.
func (b *Builder) Select(array, index *Node) (*Node, error) {
	if array == nil || !array.IsArray() {
		return nil, errors.Wrap(ErrInvalidNode, "select: array operand expected")
	} else if err := requireBV(SELECT, index); err != nil {
		return nil, err
	} else if index.width != array.width {
		return nil, errors.Wrap(ErrWidthMismatch, "select: index %d != %d", index.width, array.width)
	}
	return b.intern(&Node{kind: SELECT, width: Width8, children: []*Node{array, index}}), nil
}

// rebuild returns a node of the same kind and payload as n over new children.
func (b *Builder) rebuild(n *Node, children []*Node) (*Node, error) {
	switch {
	case n.kind == BV || n.kind == BOOL || n.kind == VARIABLE || n.kind == ARRAY || n.kind == REFERENCE:
		return n, nil
	case n.kind.IsUnary():
		return b.Unary(n.kind, children[0])
	case n.kind.IsBinary() || n.kind.IsCompare():
		return b.Binary(n.kind, children[0], children[1])
	case n.kind.IsLogical():
		return b.Logical(n.kind, children...)
	}

	switch n.kind {
	case EXTRACT:
		return b.Extract(n.high, n.low, children[0])
	case CONCAT:
		return b.Concat(children...)
	case ZX:
		return b.ZeroExtend(n.width-children[0].width, children[0])
	case SX:
		return b.SignExtend(n.width-children[0].width, children[0])
	case ITE:
		return b.Ite(children[0], children[1], children[2])
	case STORE:
		return b.Store(children[0], children[1], children[2])
	case SELECT:
		return b.Select(children[0], children[1])
	default:
		return nil, errors.Wrap(ErrInvalidNode, "rebuild: unexpected kind: %s", n.kind)
	}
}
