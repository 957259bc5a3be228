package symex_test

import (
	"errors"
	"runtime"
	"testing"

	"github.com/benbjohnson/symex"
	"github.com/stretchr/testify/require"
)

func TestRegistry_New(t *testing.T) {
	b := symex.NewBuilder()
	rax, _ := symex.NewRegister(1, "rax", 64)
	x64 := MustVariable(b, "x64", 64, 0)
	x8 := MustVariable(b, "x8", 8, 0)

	t.Run("MonotonicIDs", func(t *testing.T) {
		registry := symex.NewRegistry()
		var prev uint64
		for i := 0; i < 10; i++ {
			e, err := registry.New(x8, symex.ExpressionVolatile, symex.Origin{}, "")
			require.NoError(t, err)
			require.Greater(t, e.ID(), prev)
			prev = e.ID()
		}
		require.Equal(t, prev, registry.LastID())
	})

	t.Run("Register", func(t *testing.T) {
		e, err := symex.NewRegistry().New(x64, symex.ExpressionRegister, symex.Origin{Register: rax}, "mov rax, x")
		require.NoError(t, err)
		require.True(t, e.IsRegister())
		require.Same(t, rax, e.OriginRegister())
		require.Equal(t, "mov rax, x", e.Comment())
		require.Equal(t, "register", e.Kind().String())
	})

	t.Run("Memory", func(t *testing.T) {
		e, err := symex.NewRegistry().New(x8, symex.ExpressionMemory, symex.Origin{Address: 0x1000}, "")
		require.NoError(t, err)
		require.True(t, e.IsMemory())
		require.Equal(t, uint64(0x1000), e.OriginAddress())
	})

	t.Run("ErrRegisterWidth", func(t *testing.T) {
		_, err := symex.NewRegistry().New(x8, symex.ExpressionRegister, symex.Origin{Register: rax}, "")
		require.True(t, errors.Is(err, symex.ErrWidthMismatch), "err=%v", err)
	})

	t.Run("ErrMemoryWidth", func(t *testing.T) {
		_, err := symex.NewRegistry().New(MustNode(b.Extract(3, 0, x8)), symex.ExpressionMemory, symex.Origin{}, "")
		require.True(t, errors.Is(err, symex.ErrInvalidWidth), "err=%v", err)
	})

	t.Run("ErrNil", func(t *testing.T) {
		_, err := symex.NewRegistry().New(nil, symex.ExpressionVolatile, symex.Origin{}, "")
		require.True(t, errors.Is(err, symex.ErrInvalidNode), "err=%v", err)
	})
}

func TestRegistry_Get(t *testing.T) {
	b := symex.NewBuilder()
	registry := symex.NewRegistry()
	x := MustVariable(b, "x", 8, 0)

	e, err := registry.New(x, symex.ExpressionVolatile, symex.Origin{}, "")
	require.NoError(t, err)

	t.Run("OK", func(t *testing.T) {
		other, err := registry.Get(e.ID())
		require.NoError(t, err)
		require.Same(t, e, other)
	})

	t.Run("ErrNotFound", func(t *testing.T) {
		_, err := registry.Get(100)
		require.True(t, errors.Is(err, symex.ErrExpressionNotFound), "err=%v", err)
	})

	t.Run("SetTaint", func(t *testing.T) {
		require.NoError(t, registry.SetTaint(e.ID(), true))
		require.True(t, e.IsTainted())
		require.True(t, errors.Is(registry.SetTaint(100, true), symex.ErrExpressionNotFound))
	})

	t.Run("Expressions", func(t *testing.T) {
		e2, err := registry.New(x, symex.ExpressionVolatile, symex.Origin{}, "")
		require.NoError(t, err)
		require.Equal(t, []*symex.SymbolicExpression{e, e2}, registry.Expressions())
		require.Equal(t, 2, registry.Len())
		runtime.KeepAlive(e2)
	})

	runtime.KeepAlive(e)
}

func TestSymbolicExpression_SetAST(t *testing.T) {
	b := symex.NewBuilder()
	registry := symex.NewRegistry()
	x := MustVariable(b, "x", 8, 0)

	e1, err := registry.New(x, symex.ExpressionVolatile, symex.Origin{}, "")
	require.NoError(t, err)
	e2, err := registry.New(MustNode(b.Binary(symex.BVADD, MustNode(b.Reference(e1)), x)), symex.ExpressionVolatile, symex.Origin{}, "")
	require.NoError(t, err)

	t.Run("OK", func(t *testing.T) {
		root := MustConstant(b, 1, 8)
		require.NoError(t, registry.SetAST(e1.ID(), root))
		require.Same(t, root, e1.AST())
	})

	t.Run("ErrWidth", func(t *testing.T) {
		err := e1.SetAST(MustConstant(b, 1, 16))
		require.True(t, errors.Is(err, symex.ErrWidthMismatch), "err=%v", err)
	})

	t.Run("ErrSelfReference", func(t *testing.T) {
		err := e2.SetAST(MustNode(b.Unary(symex.BVNOT, MustNode(b.Reference(e2)))))
		require.True(t, errors.Is(err, symex.ErrInvalidNode), "err=%v", err)
	})

	t.Run("ErrCycle", func(t *testing.T) {
		// e1 may not refer to e2 since e2 refers to e1.
		err := e1.SetAST(MustNode(b.Reference(e2)))
		require.True(t, errors.Is(err, symex.ErrInvalidNode), "err=%v", err)
	})

	t.Run("ErrNil", func(t *testing.T) {
		require.True(t, errors.Is(e1.SetAST(nil), symex.ErrInvalidNode))
	})
}
