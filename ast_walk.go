package symex

import (
	"sort"

	"github.com/hashicorp/go-set"
)

// NodeVisitor represents a visitor that can be passed to Walk().
type NodeVisitor interface {
	// Executed once for every distinct node. Return nil to skip the children.
	Visit(n *Node) NodeVisitor
}

// NodeVisitorFunc is a function that implements NodeVisitor.
type NodeVisitorFunc func(n *Node) bool

func (fn NodeVisitorFunc) Visit(n *Node) NodeVisitor {
	if fn(n) {
		return fn
	}
	return nil
}

// Walk visits every distinct node reachable from root in depth-first order.
// Shared subgraphs are visited once. References are not followed.
func Walk(v NodeVisitor, root *Node) {
	walk(v, root, set.New[*Node](0), false)
}

// walkDeep is like Walk but also descends into the ASTs of referenced expressions.
func walkDeep(v NodeVisitor, root *Node) {
	walk(v, root, set.New[*Node](0), true)
}

func walk(v NodeVisitor, n *Node, visited *set.Set[*Node], deep bool) {
	if n == nil || visited.Contains(n) {
		return
	}
	visited.Insert(n)

	if v = v.Visit(n); v == nil {
		return
	}
	for _, child := range n.children {
		walk(v, child, visited, deep)
	}
	if deep && n.kind == REFERENCE {
		walk(v, n.expr.AST(), visited, deep)
	}
}

// NodeCount returns the number of distinct nodes reachable from root.
func NodeCount(root *Node) int {
	var count int
	Walk(NodeVisitorFunc(func(*Node) bool { count++; return true }), root)
	return count
}

// Depth returns the length of the longest path from root to a leaf. A leaf has depth 1.
func Depth(root *Node) int {
	memo := make(map[*Node]int)
	var depth func(*Node) int
	depth = func(n *Node) int {
		if d, ok := memo[n]; ok {
			return d
		}
		var max int
		for _, child := range n.children {
			if d := depth(child); d > max {
				max = d
			}
		}
		memo[n] = max + 1
		return max + 1
	}
	return depth(root)
}

// Variables returns the free variables reachable from the given roots,
// including through references, sorted by name.
func Variables(roots ...*Node) []*Node {
	return collectLeaves(VARIABLE, roots)
}

// Arrays returns the base arrays reachable from the given roots, sorted by name.
func Arrays(roots ...*Node) []*Node {
	return collectLeaves(ARRAY, roots)
}

func collectLeaves(kind Kind, roots []*Node) []*Node {
	found := set.New[*Node](0)
	v := NodeVisitorFunc(func(n *Node) bool {
		if n.kind == kind {
			found.Insert(n)
		}
		return true
	})
	for _, root := range roots {
		walkDeep(v, root)
	}

	a := found.Slice()
	sort.Slice(a, func(i, j int) bool { return a[i].name < a[j].name })
	return a
}

// References returns the symbolic expressions referenced from the given roots,
// transitively. Every expression appears after the expressions its AST refers to.
func References(roots ...*Node) []*SymbolicExpression {
	var a []*SymbolicExpression
	visited := set.New[*Node](0)
	done := set.New[*SymbolicExpression](0)

	var visit func(n *Node)
	visit = func(n *Node) {
		if visited.Contains(n) {
			return
		}
		visited.Insert(n)

		for _, child := range n.children {
			visit(child)
		}
		if n.kind == REFERENCE && !done.Contains(n.expr) {
			visit(n.expr.AST())
			done.Insert(n.expr)
			a = append(a, n.expr)
		}
	}
	for _, root := range roots {
		visit(root)
	}
	return a
}

// Unroll returns root with every reference replaced by the AST of the
// referenced expression, recursively.
func Unroll(b *Builder, root *Node) (*Node, error) {
	memo := make(map[*Node]*Node)

	var unroll func(n *Node) (*Node, error)
	unroll = func(n *Node) (*Node, error) {
		if other, ok := memo[n]; ok {
			return other, nil
		}

		var other *Node
		if n.kind == REFERENCE {
			v, err := unroll(n.expr.AST())
			if err != nil {
				return nil, err
			}
			other = v
		} else {
			children := make([]*Node, len(n.children))
			for i, child := range n.children {
				v, err := unroll(child)
				if err != nil {
					return nil, err
				}
				children[i] = v
			}
			v, err := b.rebuild(n, children)
			if err != nil {
				return nil, err
			}
			other = v
		}

		memo[n] = other
		return other, nil
	}
	return unroll(root)
}

// dependsOn returns true if root reaches expr through references.
func dependsOn(root *Node, expr *SymbolicExpression) bool {
	var found bool
	walkDeep(NodeVisitorFunc(func(n *Node) bool {
		if n.kind == REFERENCE && n.expr == expr {
			found = true
		}
		return !found
	}), root)
	return found
}
