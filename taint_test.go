package symex_test

import (
	"errors"
	"testing"

	"github.com/benbjohnson/symex"
	"github.com/stretchr/testify/require"
)

func TestTaintEngine(t *testing.T) {
	regs := NewRegisters()
	imm, _ := symex.NewImmediate(1, 8)

	t.Run("Register", func(t *testing.T) {
		te := symex.NewTaintEngine()
		v, err := te.Taint(regs.AH)
		require.NoError(t, err)
		require.True(t, v)

		// Taint is tracked per parent register.
		require.True(t, te.IsTainted(regs.RAX))
		require.True(t, te.IsTainted(regs.AL))
		require.False(t, te.IsTainted(regs.RBX))
		require.Equal(t, []symex.RegID{regs.RAX.ID()}, te.TaintedRegisters())

		v, err = te.Untaint(regs.EAX)
		require.NoError(t, err)
		require.False(t, v)
		require.False(t, te.IsTainted(regs.RAX))
	})

	t.Run("Memory", func(t *testing.T) {
		te := symex.NewTaintEngine()
		m, _ := symex.NewMemoryAccess(0x1000, 4)
		_, err := te.Taint(m)
		require.NoError(t, err)
		require.Equal(t, []uint64{0x1000, 0x1001, 0x1002, 0x1003}, te.TaintedMemory())

		require.True(t, te.IsMemoryTainted(0x0ffd, 4))
		require.False(t, te.IsMemoryTainted(0x0ffc, 4))
		require.True(t, te.IsMemoryTainted(0x1003, 1))
		require.False(t, te.IsMemoryTainted(0x1004, 8))

		b, _ := symex.NewMemoryAccess(0x1001, 2)
		_, err = te.Untaint(b)
		require.NoError(t, err)
		require.Equal(t, []uint64{0x1000, 0x1003}, te.TaintedMemory())
	})

	t.Run("ErrImmediate", func(t *testing.T) {
		te := symex.NewTaintEngine()
		_, err := te.Taint(imm)
		require.True(t, errors.Is(err, symex.ErrInvalidOperand), "err=%v", err)
		require.False(t, te.IsTainted(imm))
	})

	t.Run("Assign", func(t *testing.T) {
		te := symex.NewTaintEngine()
		_, err := te.Taint(regs.RBX)
		require.NoError(t, err)

		v, err := te.Assign(regs.RAX, regs.RCX, regs.RBX, imm)
		require.NoError(t, err)
		require.True(t, v)
		require.True(t, te.IsTainted(regs.RAX))

		// Assigning from untainted sources clears the destination.
		v, err = te.Assign(regs.RAX, regs.RCX, imm)
		require.NoError(t, err)
		require.False(t, v)
		require.False(t, te.IsTainted(regs.RAX))

		m, _ := symex.NewMemoryAccess(0x2000, 8)
		v, err = te.Assign(m, regs.RBX)
		require.NoError(t, err)
		require.True(t, v)
		require.True(t, te.IsMemoryTainted(0x2007, 1))

		_, err = te.Assign(imm, regs.RBX)
		require.True(t, errors.Is(err, symex.ErrInvalidOperand), "err=%v", err)
		_, err = te.Assign(nil, regs.RBX)
		require.True(t, errors.Is(err, symex.ErrInvalidOperand), "err=%v", err)
	})

	t.Run("Union", func(t *testing.T) {
		te := symex.NewTaintEngine()
		require.False(t, te.TaintUnion())
		require.False(t, te.TaintUnion(regs.RAX, imm))
		_, _ = te.Taint(regs.AL)
		require.True(t, te.TaintUnion(imm, regs.AH))
	})

	t.Run("Disabled", func(t *testing.T) {
		te := symex.NewTaintEngine()
		_, _ = te.Taint(regs.RBX)
		te.Enable(false)
		require.False(t, te.Enabled())

		require.False(t, te.IsTainted(regs.RBX))
		v, err := te.Taint(regs.RAX)
		require.NoError(t, err)
		require.False(t, v)
		v, err = te.Assign(regs.RCX, regs.RBX)
		require.NoError(t, err)
		require.False(t, v)

		// Re-enabling exposes the taint recorded before disabling.
		te.Enable(true)
		require.True(t, te.IsTainted(regs.RBX))
		require.False(t, te.IsTainted(regs.RAX))
		require.False(t, te.IsTainted(regs.RCX))
	})
}
