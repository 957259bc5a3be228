package symex_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/benbjohnson/symex"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestBuildFormula(t *testing.T) {
	b := symex.NewBuilder()
	registry := symex.NewRegistry()
	x := MustVariable(b, "x", 8, 0)
	y := MustVariable(b, "y", 8, 0)

	e1, err := registry.New(MustNode(b.Binary(symex.BVADD, x, y)), symex.ExpressionVolatile, symex.Origin{}, "")
	require.NoError(t, err)
	e2, err := registry.New(MustNode(b.Binary(symex.BVMUL, MustNode(b.Reference(e1)), MustConstant(b, 2, 8))), symex.ExpressionVolatile, symex.Origin{}, "")
	require.NoError(t, err)

	t.Run("OK", func(t *testing.T) {
		f, err := symex.BuildFormula(
			MustNode(b.Binary(symex.EQUAL, MustNode(b.Reference(e2)), MustConstant(b, 10, 8))),
			MustNode(b.Binary(symex.BVULT, x, y)),
		)
		require.NoError(t, err)

		if diff := cmp.Diff(""+
			"(declare-fun x () (_ BitVec 8))\n"+
			"(declare-fun y () (_ BitVec 8))\n"+
			"(define-fun ref!1 () (_ BitVec 8) (bvadd x y))\n"+
			"(define-fun ref!2 () (_ BitVec 8) (bvmul ref!1 (_ bv2 8)))\n"+
			"(assert (= ref!2 (_ bv10 8)))\n"+
			"(assert (bvult x y))\n",
			f.Script); diff != "" {
			t.Fatal(diff)
		}
		require.Equal(t, []*symex.Node{x, y}, f.Variables)
		require.Len(t, f.Constraints, 2)
	})

	t.Run("Arrays", func(t *testing.T) {
		arr := MustNode(b.Array("memory", 64))
		sel := MustNode(b.Select(arr, MustVariable(b, "addr", 64, 0)))
		f, err := symex.BuildFormula(MustNode(b.Binary(symex.EQUAL, sel, x)))
		require.NoError(t, err)
		require.Equal(t, ""+
			"(declare-fun addr () (_ BitVec 64))\n"+
			"(declare-fun x () (_ BitVec 8))\n"+
			"(declare-fun memory () (Array (_ BitVec 64) (_ BitVec 8)))\n"+
			"(assert (= (select memory addr) x))\n",
			f.Script)
	})

	t.Run("ErrNotLogical", func(t *testing.T) {
		_, err := symex.BuildFormula(x)
		require.True(t, errors.Is(err, symex.ErrInvalidNode), "err=%v", err)
	})
}

// BruteForceSolver is a Solver for formulas over a single narrow variable.
// It tries every value of the variable in increasing order.
type BruteForceSolver struct{}

func (BruteForceSolver) Solve(ctx context.Context, f *symex.Formula) (*symex.Model, error) {
	if len(f.Variables) != 1 || f.Variables[0].Width() > 16 {
		return nil, symex.ErrSolverUnknown
	}
	v := f.Variables[0]

	for i := int64(0); i < 1<<v.Width(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, symex.ErrSolverCanceled
		}

		model := map[string]*big.Int{v.Name(): big.NewInt(i)}
		sat := true
		for _, c := range f.Constraints {
			if c.EvaluateWith(model).Sign() == 0 {
				sat = false
				break
			}
		}
		if sat {
			return &symex.Model{Satisfiable: true, Values: model}, nil
		}
	}
	return &symex.Model{}, nil
}

func TestModel_Names(t *testing.T) {
	m := &symex.Model{Values: map[string]*big.Int{"b": big.NewInt(1), "a": big.NewInt(2)}}
	require.Equal(t, []string{"a", "b"}, m.Names())
}
