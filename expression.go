package symex

import (
	"fmt"
	"sort"
	"sync"
	"weak"

	"tlog.app/go/errors"
)

// ExpressionKind describes what a symbolic expression defines.
type ExpressionKind int

const (
	ExpressionVolatile ExpressionKind = iota
	ExpressionRegister
	ExpressionMemory
)

var expressionKinds = [...]string{
	ExpressionVolatile: "volatile",
	ExpressionRegister: "register",
	ExpressionMemory:   "memory",
}

// String returns the name of the kind.
func (k ExpressionKind) String() string {
	if k >= 0 && int(k) < len(expressionKinds) {
		return expressionKinds[k]
	}
	return fmt.Sprintf("ExpressionKind<%d>", int(k))
}

// Origin identifies the location an expression defines. Register is used by
// register expressions and Address by memory expressions.
type Origin struct {
	Register *Register
	Address  uint64
}

// SymbolicExpression binds an AST to the location it defines.
type SymbolicExpression struct {
	id      uint64
	ast     *Node
	kind    ExpressionKind
	origin  Origin
	comment string
	tainted bool
}

// ID returns the registry-assigned identifier.
func (e *SymbolicExpression) ID() uint64 { return e.id }

// AST returns the root of the expression graph.
func (e *SymbolicExpression) AST() *Node { return e.ast }

// Comment returns the user supplied comment.
func (e *SymbolicExpression) Comment() string { return e.comment }

// Kind returns the kind of location the expression defines.
func (e *SymbolicExpression) Kind() ExpressionKind { return e.kind }

// OriginRegister returns the defined register, if any.
func (e *SymbolicExpression) OriginRegister() *Register { return e.origin.Register }

// OriginAddress returns the defined address of a memory expression.
func (e *SymbolicExpression) OriginAddress() uint64 { return e.origin.Address }

// IsRegister returns true if the expression defines a register.
func (e *SymbolicExpression) IsRegister() bool { return e.kind == ExpressionRegister }

// IsMemory returns true if the expression defines memory.
func (e *SymbolicExpression) IsMemory() bool { return e.kind == ExpressionMemory }

// IsVolatile returns true if the expression defines no location.
func (e *SymbolicExpression) IsVolatile() bool { return e.kind == ExpressionVolatile }

// IsTainted returns the taint recorded when the expression was assigned.
func (e *SymbolicExpression) IsTainted() bool { return e.tainted }

// SetComment replaces the comment.
func (e *SymbolicExpression) SetComment(comment string) { e.comment = comment }

// SetTainted overrides the recorded taint.
func (e *SymbolicExpression) SetTainted(v bool) { e.tainted = v }

// SetAST replaces the root. The new root must have the same sort and must
// not refer back to e.
func (e *SymbolicExpression) SetAST(root *Node) error {
	if root == nil {
		return errors.Wrap(ErrInvalidNode, "expression %d: nil ast", e.id)
	} else if root.width != e.ast.width || root.logical != e.ast.logical {
		return errors.Wrap(ErrWidthMismatch, "expression %d: %d != %d", e.id, root.width, e.ast.width)
	} else if dependsOn(root, e) {
		return errors.Wrap(ErrInvalidNode, "expression %d: ast refers to itself", e.id)
	}
	e.ast = root
	return nil
}

// String returns the SMT form of the expression definition.
func (e *SymbolicExpression) String() string {
	return NewRepresentation().RenderExpression(e)
}

// Registry assigns identifiers to symbolic expressions and looks them up by id.
// Expressions are held weakly: once nothing else refers to an expression it
// is dropped from the registry. Identifiers are never reused.
type Registry struct {
	mu     sync.Mutex
	nextID uint64
	exprs  map[uint64]weak.Pointer[SymbolicExpression]
}

// NewRegistry returns a new instance of Registry.
func NewRegistry() *Registry {
	return &Registry{exprs: make(map[uint64]weak.Pointer[SymbolicExpression])}
}

// New creates an expression with the next identifier.
func (r *Registry) New(root *Node, kind ExpressionKind, origin Origin, comment string) (*SymbolicExpression, error) {
	if root == nil {
		return nil, errors.Wrap(ErrInvalidNode, "new expression: nil ast")
	} else if root.IsArray() {
		return nil, errors.Wrap(ErrInvalidNode, "new expression: array ast")
	}

	switch kind {
	case ExpressionVolatile:
	case ExpressionRegister:
		if origin.Register == nil {
			return nil, errors.Wrap(ErrInvalidOperand, "new expression: register required")
		} else if root.width != origin.Register.BitSize() {
			return nil, errors.Wrap(ErrWidthMismatch, "new expression: %s: %d != %d", origin.Register.Name(), root.width, origin.Register.BitSize())
		}
	case ExpressionMemory:
		if root.logical || root.width%8 != 0 {
			return nil, errors.Wrap(ErrInvalidWidth, "new expression: memory width %d", root.width)
		}
	default:
		return nil, errors.Wrap(ErrInvalidNode, "new expression: kind %s", kind)
	}

	e := &SymbolicExpression{ast: root, kind: kind, origin: origin, comment: comment}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	e.id = r.nextID
	r.exprs[e.id] = weak.Make(e)
	return e, nil
}

// Get returns the expression with the given id.
func (r *Registry) Get(id uint64) (*SymbolicExpression, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.exprs[id]; ok {
		if e := p.Value(); e != nil {
			return e, nil
		}
		delete(r.exprs, id)
	}
	return nil, errors.Wrap(ErrExpressionNotFound, "id %d", id)
}

// SetAST replaces the root of the expression with the given id.
func (r *Registry) SetAST(id uint64, root *Node) error {
	e, err := r.Get(id)
	if err != nil {
		return err
	}
	return e.SetAST(root)
}

// SetTaint overrides the recorded taint of the expression with the given id.
func (r *Registry) SetTaint(id uint64, v bool) error {
	e, err := r.Get(id)
	if err != nil {
		return err
	}
	e.SetTainted(v)
	return nil
}

// LastID returns the most recently assigned identifier.
func (r *Registry) LastID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextID
}

// Expressions returns the live expressions, sorted by id.
func (r *Registry) Expressions() []*SymbolicExpression {
	r.mu.Lock()
	defer r.mu.Unlock()

	a := make([]*SymbolicExpression, 0, len(r.exprs))
	for id, p := range r.exprs {
		if e := p.Value(); e != nil {
			a = append(a, e)
		} else {
			delete(r.exprs, id)
		}
	}
	sort.Slice(a, func(i, j int) bool { return a[i].id < a[j].id })
	return a
}

// Len returns the number of live expressions.
func (r *Registry) Len() int {
	return len(r.Expressions())
}
