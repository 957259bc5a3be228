package symex

import (
	"math/big"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

// RewriteFunc rewrites a single node. It returns n itself when no rewrite applies.
type RewriteFunc func(b *Builder, n *Node) (*Node, error)

// maxRewritePasses bounds how many times the rules run against a single node.
const maxRewritePasses = 32

// Simplifier rewrites expression graphs bottom-up. Built-in rules fold constants
// and remove identities; callers may register additional rules which run after
// the built-in rules in registration order.
type Simplifier struct {
	b     *Builder
	rules []RewriteFunc

	// If false, only registered rules run.
	Builtin bool
}

// NewSimplifier returns a new instance of Simplifier with the built-in rules enabled.
func NewSimplifier(b *Builder) *Simplifier {
	return &Simplifier{b: b, Builtin: true}
}

// Register adds a rewrite rule.
func (s *Simplifier) Register(fn RewriteFunc) {
	s.rules = append(s.rules, fn)
}

// Simplify returns the rewritten graph. References are not followed; use
// Unroll first to simplify across expressions.
func (s *Simplifier) Simplify(root *Node) (*Node, error) {
	memo := make(map[*Node]*Node)

	var simplify func(n *Node) (*Node, error)
	simplify = func(n *Node) (*Node, error) {
		if other, ok := memo[n]; ok {
			return other, nil
		}

		children := make([]*Node, len(n.children))
		for i, child := range n.children {
			other, err := simplify(child)
			if err != nil {
				return nil, err
			}
			children[i] = other
		}

		other, err := s.b.rebuild(n, children)
		if err != nil {
			return nil, err
		}
		if other, err = s.rewrite(other); err != nil {
			return nil, err
		}

		memo[n] = other
		return other, nil
	}

	other, err := simplify(root)
	if err != nil {
		return nil, err
	}

	if tlog.If("simplify") {
		tlog.Printw("simplify", "before", NodeCount(root), "after", NodeCount(other))
	}
	return other, nil
}

// rewrite applies the rules to n until none of them changes it.
func (s *Simplifier) rewrite(n *Node) (*Node, error) {
	rules := s.rules
	if s.Builtin {
		rules = append(builtinRules[:len(builtinRules):len(builtinRules)], s.rules...)
	}

	for pass := 0; pass < maxRewritePasses; pass++ {
		changed := false
		for _, fn := range rules {
			other, err := fn(s.b, n)
			if err != nil {
				return nil, err
			} else if other == nil {
				return nil, errors.Wrap(ErrInvalidNode, "rewrite rule returned nil for %s", n.kind)
			} else if other.width != n.width || other.logical != n.logical {
				return nil, errors.Wrap(ErrWidthMismatch, "rewrite rule changed sort of %s", n.kind)
			}
			if other != n {
				n, changed = other, true
			}
		}
		if !changed {
			break
		}
	}
	return n, nil
}

var builtinRules = []RewriteFunc{
	foldConstants,
	simplifyBinary,
	simplifyExtract,
	simplifyConcat,
	simplifyOther,
}

// foldConstants replaces an operation on constants by its value.
func foldConstants(b *Builder, n *Node) (*Node, error) {
	switch n.kind {
	case BV, BOOL, VARIABLE, REFERENCE, ARRAY, STORE, SELECT:
		return n, nil
	}
	for _, child := range n.children {
		if !child.IsConstant() {
			return n, nil
		}
	}

	if n.logical {
		return b.Bool(n.Evaluate().Sign() != 0), nil
	}
	return b.Constant(n.Evaluate(), n.width)
}

func isZero(n *Node) bool { return n.kind == BV && n.value.Sign() == 0 }

func isOne(n *Node) bool { return n.kind == BV && n.value.Cmp(big.NewInt(1)) == 0 }

func isAllOnes(n *Node) bool { return n.kind == BV && n.value.Cmp(bitmask(n.width)) == 0 }

// simplifyBinary removes identity and absorbing operands of bit-vector operators.
func simplifyBinary(b *Builder, n *Node) (*Node, error) {
	if !n.kind.IsBinary() && !n.kind.IsCompare() {
		return n, nil
	}
	lhs, rhs := n.children[0], n.children[1]

	// Move constant to the right hand side of commutative operators.
	switch n.kind {
	case BVADD, BVMUL, BVAND, BVOR, BVXOR:
		if lhs.IsConstant() && !rhs.IsConstant() {
			lhs, rhs = rhs, lhs
		}
	}

	switch n.kind {
	case BVADD, BVOR, BVXOR, BVSHL, BVLSHR, BVASHR, BVROL, BVROR:
		if isZero(rhs) {
			return lhs, nil
		}
	case BVSUB:
		if isZero(rhs) {
			return lhs, nil
		}
	case BVMUL:
		if isOne(rhs) {
			return lhs, nil
		} else if isZero(rhs) {
			return rhs, nil
		}
	case BVAND:
		if isAllOnes(rhs) {
			return lhs, nil
		} else if isZero(rhs) {
			return rhs, nil
		}
	case BVUDIV:
		if isOne(rhs) {
			return lhs, nil
		}
	}

	if n.kind == BVOR && isAllOnes(rhs) {
		return rhs, nil
	}

	// Operations of a value with itself.
	if lhs == rhs {
		switch n.kind {
		case BVSUB, BVXOR:
			return b.Constant(new(big.Int), n.width)
		case BVAND, BVOR:
			return lhs, nil
		case EQUAL, BVULE, BVUGE, BVSLE, BVSGE:
			return b.Bool(true), nil
		case DISTINCT, BVULT, BVUGT, BVSLT, BVSGT:
			return b.Bool(false), nil
		}
	}

	if lhs != n.children[0] {
		return b.Binary(n.kind, lhs, rhs)
	}
	return n, nil
}

// simplifyExtract removes full-width extracts and narrows extracts of
// extracts and concatenations.
func simplifyExtract(b *Builder, n *Node) (*Node, error) {
	if n.kind != EXTRACT {
		return n, nil
	}
	child := n.children[0]

	if n.low == 0 && n.width == child.width {
		return child, nil
	}

	switch child.kind {
	case EXTRACT: // E(E(x)) = E(x)
		return b.Extract(child.low+n.high, child.low+n.low, child.children[0])

	case ZX:
		if n.high < child.children[0].width { // E(ZX(x)) = E(x) within x
			return b.Extract(n.high, n.low, child.children[0])
		}

	case CONCAT:
		// Extract from each part covering the range, most significant first.
		var parts []*Node
		offset := child.width
		for _, part := range child.children {
			offset -= part.width
			lo, hi := offset, offset+part.width-1
			if hi < n.low || lo > n.high {
				continue
			}
			h, l := hi, lo
			if n.high < h {
				h = n.high
			}
			if n.low > l {
				l = n.low
			}
			p, err := b.Extract(h-lo, l-lo, part)
			if err != nil {
				return nil, err
			}
			parts = append(parts, p)
		}
		return b.Concat(parts...)
	}
	return n, nil
}

// simplifyConcat merges adjacent constants and contiguous extracts of the same node.
func simplifyConcat(b *Builder, n *Node) (*Node, error) {
	if n.kind != CONCAT {
		return n, nil
	}

	parts := []*Node{n.children[0]}
	for _, part := range n.children[1:] {
		prev := parts[len(parts)-1]

		if prev.kind == BV && part.kind == BV {
			v := new(big.Int).Lsh(prev.value, part.width)
			merged, err := b.Constant(v.Or(v, part.value), prev.width+part.width)
			if err != nil {
				return nil, err
			}
			parts[len(parts)-1] = merged
			continue
		}

		if prev.kind == EXTRACT && part.kind == EXTRACT &&
			prev.children[0] == part.children[0] && prev.low == part.high+1 {
			merged, err := b.Extract(prev.high, part.low, prev.children[0])
			if err != nil {
				return nil, err
			}
			parts[len(parts)-1] = merged
			continue
		}

		parts = append(parts, part)
	}

	if len(parts) == len(n.children) {
		return n, nil
	}
	return b.Concat(parts...)
}

// simplifyOther handles double negation and constant conditions.
func simplifyOther(b *Builder, n *Node) (*Node, error) {
	switch n.kind {
	case BVNOT, BVNEG, LNOT:
		if child := n.children[0]; child.kind == n.kind {
			return child.children[0], nil
		}
	case ITE:
		cond, then, els := n.children[0], n.children[1], n.children[2]
		if cond.kind == BOOL {
			if cond.value.Sign() != 0 {
				return then, nil
			}
			return els, nil
		} else if then == els {
			return then, nil
		}
	case LAND, LOR:
		// Drop neutral constants, short-circuit on absorbing ones.
		neutral := n.kind == LAND
		var children []*Node
		for _, child := range n.children {
			if child.kind != BOOL {
				children = append(children, child)
			} else if (child.value.Sign() != 0) != neutral {
				return child, nil
			}
		}
		switch len(children) {
		case len(n.children):
			return n, nil
		case 0:
			return b.Bool(neutral), nil
		case 1:
			return children[0], nil
		}
		return b.Logical(n.kind, children...)
	}
	return n, nil
}
