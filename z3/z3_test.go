package z3_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/benbjohnson/symex"
	"github.com/benbjohnson/symex/z3"
	"github.com/google/go-cmp/cmp"
)

func TestSolver_Solve(t *testing.T) {
	t.Run("Constant", func(t *testing.T) {
		t.Run("True", func(t *testing.T) {
			s := z3.NewSolver()
			defer MustCloseSolver(s)
			b := symex.NewBuilder()
			if m, err := s.Solve(context.Background(), MustBuildFormula(b.Bool(true))); err != nil {
				t.Fatal(err)
			} else if !m.Satisfiable {
				t.Fatal("expected satisfiable")
			}
		})
		t.Run("False", func(t *testing.T) {
			s := z3.NewSolver()
			defer MustCloseSolver(s)
			b := symex.NewBuilder()
			if m, err := s.Solve(context.Background(), MustBuildFormula(b.Bool(false))); err != nil {
				t.Fatal(err)
			} else if m.Satisfiable {
				t.Fatal("expected unsatisfiable")
			}
		})
	})

	t.Run("Variable", func(t *testing.T) {
		t.Run("Add", func(t *testing.T) {
			s := z3.NewSolver()
			defer MustCloseSolver(s)

			// x + 5 == 12
			b := symex.NewBuilder()
			x := MustVariable(b, "x", 64)
			sum := MustNode(b.Binary(symex.BVADD, x, MustConstant(b, 5, 64)))
			if m, err := s.Solve(context.Background(), MustBuildFormula(
				MustNode(b.Binary(symex.EQUAL, sum, MustConstant(b, 12, 64))),
			)); err != nil {
				t.Fatal(err)
			} else if !m.Satisfiable {
				t.Fatal("expected satisfiable")
			} else if diff := cmp.Diff(map[string]string{"x": "7"}, values(m)); diff != "" {
				t.Fatal(diff)
			}
		})

		t.Run("Signed", func(t *testing.T) {
			s := z3.NewSolver()
			defer MustCloseSolver(s)

			// x <s 0 && x >u 0xfd
			b := symex.NewBuilder()
			x := MustVariable(b, "x", 8)
			if m, err := s.Solve(context.Background(), MustBuildFormula(
				MustNode(b.Binary(symex.BVSLT, x, MustConstant(b, 0, 8))),
				MustNode(b.Binary(symex.BVUGT, x, MustConstant(b, 0xfd, 8))),
				MustNode(b.Binary(symex.DISTINCT, x, MustConstant(b, 0xff, 8))),
			)); err != nil {
				t.Fatal(err)
			} else if diff := cmp.Diff(map[string]string{"x": "254"}, values(m)); diff != "" {
				t.Fatal(diff)
			}
		})

		t.Run("Unconstrained", func(t *testing.T) {
			s := z3.NewSolver()
			defer MustCloseSolver(s)

			// y is declared but any value satisfies the formula.
			b := symex.NewBuilder()
			x, y := MustVariable(b, "x", 16), MustVariable(b, "y", 16)
			cond := MustNode(b.Logical(symex.LOR,
				MustNode(b.Binary(symex.EQUAL, x, MustConstant(b, 3, 16))),
				MustNode(b.Binary(symex.EQUAL, y, y)),
			))
			if m, err := s.Solve(context.Background(), MustBuildFormula(cond)); err != nil {
				t.Fatal(err)
			} else if !m.Satisfiable {
				t.Fatal("expected satisfiable")
			} else if diff := cmp.Diff([]string{"x", "y"}, m.Names()); diff != "" {
				t.Fatal(diff)
			} else if cond.EvaluateWith(m.Values).Sign() == 0 {
				t.Fatal("model does not satisfy formula")
			}
		})

		t.Run("Unsatisfiable", func(t *testing.T) {
			s := z3.NewSolver()
			defer MustCloseSolver(s)

			b := symex.NewBuilder()
			x := MustVariable(b, "x", 8)
			if m, err := s.Solve(context.Background(), MustBuildFormula(
				MustNode(b.Binary(symex.BVULT, x, MustConstant(b, 2, 8))),
				MustNode(b.Binary(symex.BVUGT, x, MustConstant(b, 5, 8))),
			)); err != nil {
				t.Fatal(err)
			} else if m.Satisfiable {
				t.Fatal("expected unsatisfiable")
			}
		})
	})

	t.Run("Reference", func(t *testing.T) {
		s := z3.NewSolver()
		defer MustCloseSolver(s)

		// ref!1 = x ^ 0xff, ref!2 = ref!1 << 1, ref!2 == 0x1e
		b := symex.NewBuilder()
		registry := symex.NewRegistry()
		x := MustVariable(b, "x", 8)
		e1 := MustExpression(registry.New(MustNode(b.Binary(symex.BVXOR, x, MustConstant(b, 0xff, 8))), symex.ExpressionVolatile, symex.Origin{}, ""))
		e2 := MustExpression(registry.New(MustNode(b.Binary(symex.BVSHL, MustNode(b.Reference(e1)), MustConstant(b, 1, 8))), symex.ExpressionVolatile, symex.Origin{}, ""))
		cond := MustNode(b.Logical(symex.LAND,
			MustNode(b.Binary(symex.EQUAL, MustNode(b.Reference(e2)), MustConstant(b, 0x1e, 8))),
			MustNode(b.Binary(symex.BVULT, x, MustConstant(b, 0x80, 8))),
		))

		if m, err := s.Solve(context.Background(), MustBuildFormula(cond)); err != nil {
			t.Fatal(err)
		} else if diff := cmp.Diff(map[string]string{"x": "112"}, values(m)); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("Structural", func(t *testing.T) {
		s := z3.NewSolver()
		defer MustCloseSolver(s)

		// concat(x, 0x00)[15..8] == 0x41 && sx(x) != 0
		b := symex.NewBuilder()
		x := MustVariable(b, "x", 8)
		hi := MustNode(b.Extract(15, 8, MustNode(b.Concat(x, MustConstant(b, 0, 8)))))
		if m, err := s.Solve(context.Background(), MustBuildFormula(
			MustNode(b.Binary(symex.EQUAL, hi, MustConstant(b, 0x41, 8))),
			MustNode(b.Binary(symex.DISTINCT, MustNode(b.SignExtend(8, x)), MustConstant(b, 0, 16))),
		)); err != nil {
			t.Fatal(err)
		} else if diff := cmp.Diff(map[string]string{"x": "65"}, values(m)); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("Rotate", func(t *testing.T) {
		s := z3.NewSolver()
		defer MustCloseSolver(s)

		// rol(0x81, n) == 0x03 && n <u 8
		b := symex.NewBuilder()
		n := MustVariable(b, "n", 8)
		rol := MustNode(b.Binary(symex.BVROL, MustConstant(b, 0x81, 8), n))
		if m, err := s.Solve(context.Background(), MustBuildFormula(
			MustNode(b.Binary(symex.EQUAL, rol, MustConstant(b, 0x03, 8))),
			MustNode(b.Binary(symex.BVULT, n, MustConstant(b, 8, 8))),
		)); err != nil {
			t.Fatal(err)
		} else if diff := cmp.Diff(map[string]string{"n": "1"}, values(m)); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("Array", func(t *testing.T) {
		s := z3.NewSolver()
		defer MustCloseSolver(s)

		// store(memory, 0x10, 0xaa)[addr] == 0xaa && addr != 0x10 is satisfied
		// by the unconstrained base array.
		b := symex.NewBuilder()
		addr := MustVariable(b, "addr", 64)
		arr := MustNode(b.Store(MustNode(b.Array("memory", 64)), MustConstant(b, 0x10, 64), MustConstant(b, 0xaa, 8)))
		if m, err := s.Solve(context.Background(), MustBuildFormula(
			MustNode(b.Binary(symex.EQUAL, MustNode(b.Select(arr, addr)), MustConstant(b, 0xaa, 8))),
			MustNode(b.Binary(symex.EQUAL, addr, MustConstant(b, 0x20, 64))),
		)); err != nil {
			t.Fatal(err)
		} else if diff := cmp.Diff(map[string]string{"addr": "32"}, values(m)); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("ErrCanceled", func(t *testing.T) {
		s := z3.NewSolver()
		defer MustCloseSolver(s)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		b := symex.NewBuilder()
		x := MustVariable(b, "x", 64)
		if _, err := s.Solve(ctx, MustBuildFormula(MustNode(b.Binary(symex.EQUAL, x, x)))); !errors.Is(err, symex.ErrSolverCanceled) {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ErrTimeout", func(t *testing.T) {
		s := z3.NewSolver()
		defer MustCloseSolver(s)

		ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
		defer cancel()

		b := symex.NewBuilder()
		x := MustVariable(b, "x", 64)
		if _, err := s.Solve(ctx, MustBuildFormula(MustNode(b.Binary(symex.EQUAL, x, x)))); !errors.Is(err, symex.ErrSolverTimeout) {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ErrParse", func(t *testing.T) {
		s := z3.NewSolver()
		defer MustCloseSolver(s)

		var e *z3.Error
		if _, err := s.Solve(context.Background(), &symex.Formula{Script: "(assert (bvadd undeclared 1))"}); err == nil {
			t.Fatal("expected error")
		} else if !errors.As(err, &e) {
			t.Fatalf("unexpected error: %#v", err)
		} else if e.Op != "Z3_parse_smtlib2_string" {
			t.Fatalf("unexpected op: %s", e.Op)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		s := z3.NewSolver()
		defer MustCloseSolver(s)

		b := symex.NewBuilder()
		for i := 0; i < 3; i++ {
			if _, err := s.Solve(context.Background(), MustBuildFormula(b.Bool(true))); err != nil {
				t.Fatal(err)
			}
		}
		if got := s.Stats().SolveN; got != 3 {
			t.Fatalf("SolveN=%d", got)
		}
	})
}

// values returns the model values as decimal strings.
func values(m *symex.Model) map[string]string {
	a := make(map[string]string, len(m.Values))
	for name, v := range m.Values {
		a[name] = v.String()
	}
	return a
}

// MustCloseSolver closes s. Panic on error.
func MustCloseSolver(s *z3.Solver) {
	if err := s.Close(); err != nil {
		panic(err)
	}
}

// MustBuildFormula returns a formula asserting constraints. Panic on error.
func MustBuildFormula(constraints ...*symex.Node) *symex.Formula {
	f, err := symex.BuildFormula(constraints...)
	if err != nil {
		panic(err)
	}
	return f
}

// MustVariable returns a variable with a zero concrete value. Panic on error.
func MustVariable(b *symex.Builder, name string, width uint) *symex.Node {
	return MustNode(b.Variable(name, width, new(big.Int)))
}

// MustConstant returns a constant node. Panic on error.
func MustConstant(b *symex.Builder, v uint64, width uint) *symex.Node {
	return MustNode(b.Constant64(v, width))
}

// MustNode panics if err is not nil and returns n otherwise.
func MustNode(n *symex.Node, err error) *symex.Node {
	if err != nil {
		panic(err)
	}
	return n
}

// MustExpression panics if err is not nil and returns e otherwise.
func MustExpression(e *symex.SymbolicExpression, err error) *symex.SymbolicExpression {
	if err != nil {
		panic(err)
	}
	return e
}
