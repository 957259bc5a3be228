package symex

import (
	"math/big"
)

// Evaluate returns the concrete value of the node. The result is computed once
// per node and is safe to call from multiple goroutines. Nodes reaching a
// reference are recomputed on every call since the referenced AST may be
// replaced. Logical nodes evaluate to 0 or 1. Array nodes have no scalar value
// and evaluate to 0.
func (n *Node) Evaluate() *big.Int {
	if n.refs {
		return n.EvaluateWith(nil)
	}
	n.evalOnce.Do(func() {
		n.eval = n.compute(func(child *Node) *big.Int { return child.Evaluate() }, nil)
	})
	return new(big.Int).Set(n.eval)
}

// EvaluateWith returns the value of the node with variables bound to the values
// in model. Variables missing from model use their concrete value. Results are
// not memoized on the node.
func (n *Node) EvaluateWith(model map[string]*big.Int) *big.Int {
	cache := make(map[*Node]*big.Int)
	var eval func(*Node) *big.Int
	eval = func(node *Node) *big.Int {
		if v, ok := cache[node]; ok {
			return v
		} else if model == nil && !node.refs {
			return node.Evaluate()
		}
		v := node.compute(eval, model)
		cache[node] = v
		return v
	}
	return new(big.Int).Set(eval(n))
}

// compute returns the value of n using eval to obtain the value of other nodes.
func (n *Node) compute(eval func(*Node) *big.Int, model map[string]*big.Int) *big.Int {
	switch n.kind {
	case BV, BOOL:
		return new(big.Int).Set(n.value)
	case VARIABLE:
		if v, ok := model[n.name]; ok && v != nil {
			return truncate(v, n.width)
		}
		return new(big.Int).Set(n.value)
	case REFERENCE:
		return eval(n.expr.AST())
	case ARRAY, STORE:
		return new(big.Int)
	case SELECT:
		return n.computeSelect(eval)
	}

	switch {
	case n.kind.IsUnary():
		return computeUnary(n.kind, eval(n.children[0]), n.width)
	case n.kind.IsBinary():
		return computeBinary(n.kind, eval(n.children[0]), eval(n.children[1]), n.width)
	case n.kind.IsCompare():
		return boolValue(computeCompare(n.kind, eval(n.children[0]), eval(n.children[1]), n.children[0].width))
	case n.kind.IsLogical():
		return n.computeLogical(eval)
	}

	switch n.kind {
	case EXTRACT:
		v := new(big.Int).Rsh(eval(n.children[0]), n.low)
		return v.And(v, bitmask(n.width))
	case CONCAT:
		v := new(big.Int)
		for _, child := range n.children {
			v.Lsh(v, child.width)
			v.Or(v, eval(child))
		}
		return v
	case ZX:
		return eval(n.children[0])
	case SX:
		return truncate(toSigned(eval(n.children[0]), n.children[0].width), n.width)
	case ITE:
		if eval(n.children[0]).Sign() != 0 {
			return eval(n.children[1])
		}
		return eval(n.children[2])
	}

	assert(false, "unexpected node kind: %s", n.kind)
	return nil
}

// computeSelect walks the store chain from the most recent update and returns
// the first byte written at the selected index.
func (n *Node) computeSelect(eval func(*Node) *big.Int) *big.Int {
	index := eval(n.children[1])
	for array := n.children[0]; array.kind == STORE; array = array.children[0] {
		if eval(array.children[1]).Cmp(index) == 0 {
			return eval(array.children[2])
		}
	}
	return new(big.Int)
}

func (n *Node) computeLogical(eval func(*Node) *big.Int) *big.Int {
	switch n.kind {
	case LAND:
		for _, child := range n.children {
			if eval(child).Sign() == 0 {
				return boolValue(false)
			}
		}
		return boolValue(true)
	case LOR:
		for _, child := range n.children {
			if eval(child).Sign() != 0 {
				return boolValue(true)
			}
		}
		return boolValue(false)
	default: // LNOT
		return boolValue(eval(n.children[0]).Sign() == 0)
	}
}

func boolValue(v bool) *big.Int {
	if v {
		return big.NewInt(1)
	}
	return big.NewInt(0)
}

func computeUnary(op Kind, x *big.Int, width uint) *big.Int {
	switch op {
	case BVNOT:
		return new(big.Int).Xor(x, bitmask(width))
	default: // BVNEG
		return truncate(new(big.Int).Neg(x), width)
	}
}

// shiftAmount returns y as a shift count and whether it is less than width.
func shiftAmount(y *big.Int, width uint) (uint, bool) {
	if y.Cmp(new(big.Int).SetUint64(uint64(width))) >= 0 {
		return 0, false
	}
	return uint(y.Uint64()), true
}

func computeBinary(op Kind, x, y *big.Int, width uint) *big.Int {
	mask := bitmask(width)

	switch op {
	case BVADD:
		return truncate(new(big.Int).Add(x, y), width)
	case BVSUB:
		return truncate(new(big.Int).Sub(x, y), width)
	case BVMUL:
		return truncate(new(big.Int).Mul(x, y), width)

	case BVUDIV:
		if y.Sign() == 0 {
			return mask
		}
		return new(big.Int).Quo(x, y)
	case BVUREM:
		if y.Sign() == 0 {
			return new(big.Int).Set(x)
		}
		return new(big.Int).Rem(x, y)

	case BVSDIV:
		sx := toSigned(x, width)
		if y.Sign() == 0 {
			if sx.Sign() < 0 {
				return big.NewInt(1)
			}
			return mask
		}
		return truncate(new(big.Int).Quo(sx, toSigned(y, width)), width)
	case BVSREM:
		if y.Sign() == 0 {
			return new(big.Int).Set(x)
		}
		return truncate(new(big.Int).Rem(toSigned(x, width), toSigned(y, width)), width)
	case BVSMOD:
		if y.Sign() == 0 {
			return new(big.Int).Set(x)
		}
		sy := toSigned(y, width)
		r := new(big.Int).Rem(toSigned(x, width), sy)
		if r.Sign() != 0 && r.Sign() != sy.Sign() {
			r.Add(r, sy)
		}
		return truncate(r, width)

	case BVAND:
		return new(big.Int).And(x, y)
	case BVOR:
		return new(big.Int).Or(x, y)
	case BVXOR:
		return new(big.Int).Xor(x, y)
	case BVNAND:
		v := new(big.Int).And(x, y)
		return v.Xor(v, mask)
	case BVNOR:
		v := new(big.Int).Or(x, y)
		return v.Xor(v, mask)
	case BVXNOR:
		v := new(big.Int).Xor(x, y)
		return v.Xor(v, mask)

	case BVSHL:
		s, ok := shiftAmount(y, width)
		if !ok {
			return new(big.Int)
		}
		return truncate(new(big.Int).Lsh(x, s), width)
	case BVLSHR:
		s, ok := shiftAmount(y, width)
		if !ok {
			return new(big.Int)
		}
		return new(big.Int).Rsh(x, s)
	case BVASHR:
		s, ok := shiftAmount(y, width)
		if !ok {
			if x.Bit(int(width)-1) == 1 {
				return mask
			}
			return new(big.Int)
		}
		return truncate(new(big.Int).Rsh(toSigned(x, width), s), width)

	case BVROL, BVROR:
		r := uint(new(big.Int).Rem(y, new(big.Int).SetUint64(uint64(width))).Uint64())
		if r == 0 {
			return new(big.Int).Set(x)
		}
		if op == BVROR {
			r = width - r
		}
		hi := new(big.Int).Lsh(x, r)
		lo := new(big.Int).Rsh(x, width-r)
		return truncate(hi.Or(hi, lo), width)
	}

	assert(false, "unexpected binary operator: %s", op)
	return nil
}

func computeCompare(op Kind, x, y *big.Int, width uint) bool {
	switch op {
	case EQUAL:
		return x.Cmp(y) == 0
	case DISTINCT:
		return x.Cmp(y) != 0
	case BVULT:
		return x.Cmp(y) < 0
	case BVULE:
		return x.Cmp(y) <= 0
	case BVUGT:
		return x.Cmp(y) > 0
	case BVUGE:
		return x.Cmp(y) >= 0
	}

	sx, sy := toSigned(x, width), toSigned(y, width)
	switch op {
	case BVSLT:
		return sx.Cmp(sy) < 0
	case BVSLE:
		return sx.Cmp(sy) <= 0
	case BVSGT:
		return sx.Cmp(sy) > 0
	case BVSGE:
		return sx.Cmp(sy) >= 0
	}

	assert(false, "unexpected comparison: %s", op)
	return false
}
