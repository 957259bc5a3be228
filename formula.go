package symex

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sort"

	"tlog.app/go/errors"
)

// Formula is an SMT-LIB script asserting a set of constraints, along with the
// free variables and arrays it declares.
type Formula struct {
	Script      string
	Constraints []*Node
	Variables   []*Node
	Arrays      []*Node
}

// BuildFormula returns a formula asserting every constraint. Referenced
// expressions become define-fun declarations, ordered so that each is defined
// before it is used.
func BuildFormula(constraints ...*Node) (*Formula, error) {
	for i, c := range constraints {
		if c == nil || !c.logical {
			return nil, errors.Wrap(ErrInvalidNode, "constraint %d: logical node expected", i)
		}
	}

	f := &Formula{
		Constraints: append([]*Node(nil), constraints...),
		Variables:   Variables(constraints...),
		Arrays:      Arrays(constraints...),
	}

	var buf bytes.Buffer
	for _, v := range f.Variables {
		fmt.Fprintf(&buf, "(declare-fun %s () %s)\n", v.name, smtSort(v))
	}
	for _, a := range f.Arrays {
		fmt.Fprintf(&buf, "(declare-fun %s () %s)\n", a.name, smtSort(a))
	}
	for _, e := range References(constraints...) {
		fmt.Fprintf(&buf, "(define-fun %s () %s %s)\n", smtRef(e.id), smtSort(e.ast), renderSMT(e.ast))
	}
	for _, c := range constraints {
		fmt.Fprintf(&buf, "(assert %s)\n", renderSMT(c))
	}
	f.Script = buf.String()

	return f, nil
}

// Model is the result of a solver query.
type Model struct {
	Satisfiable bool
	Values      map[string]*big.Int // variable name -> value
}

// Names returns the variable names in the model, sorted.
func (m *Model) Names() []string {
	a := make([]string, 0, len(m.Values))
	for name := range m.Values {
		a = append(a, name)
	}
	sort.Strings(a)
	return a
}

// Solver decides the satisfiability of a formula.
type Solver interface {
	Solve(ctx context.Context, f *Formula) (*Model, error)
}
