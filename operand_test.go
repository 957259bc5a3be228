package symex_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/benbjohnson/symex"
	"github.com/stretchr/testify/require"
)

func TestBitVector(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		bv, err := symex.NewBitVector(15, 8)
		require.NoError(t, err)
		require.Equal(t, uint32(15), bv.High())
		require.Equal(t, uint32(8), bv.Low())
		require.Equal(t, uint(8), bv.BitSize())
		require.Equal(t, "bv[15..8]", bv.String())
	})

	t.Run("ErrInvertedRange", func(t *testing.T) {
		_, err := symex.NewBitVector(7, 8)
		require.True(t, errors.Is(err, symex.ErrInvalidWidth), "err=%v", err)
	})

	t.Run("ErrNonStandardWidth", func(t *testing.T) {
		_, err := symex.NewBitVector(11, 0)
		require.True(t, errors.Is(err, symex.ErrInvalidWidth), "err=%v", err)
	})

	t.Run("SetPair", func(t *testing.T) {
		bv, err := symex.NewBitVector(63, 0)
		require.NoError(t, err)

		require.NoError(t, bv.SetPair(31, 0))
		require.Equal(t, uint(32), bv.BitSize())

		// Invalid pairs leave the vector unchanged.
		require.Error(t, bv.SetPair(0, 31))
		require.Equal(t, "bv[31..0]", bv.String())
	})
}

func TestImmediate(t *testing.T) {
	t.Run("String", func(t *testing.T) {
		imm, err := symex.NewImmediate(0x1234, 2)
		require.NoError(t, err)
		require.Equal(t, "0x1234:16 bv[15..0]", imm.String())
		require.Equal(t, uint(2), imm.Size())
		require.Equal(t, symex.OperandImmediate, imm.Type())
	})

	t.Run("Truncate", func(t *testing.T) {
		imm, err := symex.NewImmediate(0x1ff, 1)
		require.NoError(t, err)
		require.Equal(t, int64(0xff), imm.Value().Int64())

		imm.SetValue(big.NewInt(-1))
		require.Equal(t, int64(0xff), imm.Value().Int64())
	})

	t.Run("Wide", func(t *testing.T) {
		v := new(big.Int).Lsh(big.NewInt(1), 500)
		imm, err := symex.NewImmediateBig(v, 64)
		require.NoError(t, err)
		require.Equal(t, 0, imm.Value().Cmp(v))
		require.Equal(t, uint(512), imm.BitSize())
	})

	t.Run("ErrSizeZero", func(t *testing.T) {
		_, err := symex.NewImmediate(1, 0)
		require.True(t, errors.Is(err, symex.ErrInvalidWidth))
		require.Contains(t, err.Error(), "size cannot be zero")
	})

	t.Run("ErrSizeUnaligned", func(t *testing.T) {
		for _, size := range []uint{3, 5, 7, 12, 65} {
			_, err := symex.NewImmediate(1, size)
			require.True(t, errors.Is(err, symex.ErrInvalidWidth), "size=%d", size)
			require.Contains(t, err.Error(), "size must be aligned")
		}
	})

	t.Run("Compare", func(t *testing.T) {
		a, _ := symex.NewImmediate(1, 8)
		b, _ := symex.NewImmediate(1, 8)
		c, _ := symex.NewImmediate(1, 4)
		d, _ := symex.NewImmediate(2, 8)

		require.True(t, a.Equal(b))
		require.False(t, a.Equal(c))
		require.True(t, a.Less(d))
		require.False(t, d.Less(a))
	})
}

func TestRegister(t *testing.T) {
	rax, err := symex.NewRegister(1, "rax", 64)
	require.NoError(t, err)
	ah, err := symex.NewSubRegister(2, "ah", rax, 15, 8)
	require.NoError(t, err)

	t.Run("Parent", func(t *testing.T) {
		require.True(t, rax.IsParent())
		require.Same(t, rax, rax.Parent())
		require.False(t, ah.IsParent())
		require.Same(t, rax, ah.Parent())
	})

	t.Run("String", func(t *testing.T) {
		require.Equal(t, "rax:64 bv[63..0]", rax.String())
		require.Equal(t, "ah:8 bv[15..8]", ah.String())
		require.Equal(t, uint(1), ah.Size())
	})

	t.Run("SubOfSub", func(t *testing.T) {
		eax, err := symex.NewSubRegister(3, "eax", rax, 31, 0)
		require.NoError(t, err)
		ax, err := symex.NewSubRegister(4, "ax", eax, 15, 0)
		require.NoError(t, err)
		require.Same(t, rax, ax.Parent())
	})

	t.Run("ErrOutOfParent", func(t *testing.T) {
		eax, _ := symex.NewRegister(5, "eax", 32)
		_, err := symex.NewSubRegister(6, "bad", eax, 63, 32)
		require.True(t, errors.Is(err, symex.ErrInvalidWidth))
	})

	t.Run("ErrWidth", func(t *testing.T) {
		_, err := symex.NewRegister(7, "flag", 1)
		require.True(t, errors.Is(err, symex.ErrInvalidWidth))
	})

	t.Run("RegisterFile", func(t *testing.T) {
		f := symex.NewRegisterFile()
		require.NoError(t, f.Add(ah))
		require.NoError(t, f.Add(rax))
		require.Error(t, f.Add(rax))

		require.Same(t, rax, f.Lookup("rax"))
		require.Same(t, ah, f.Register(2))
		require.Nil(t, f.Lookup("rbx"))

		regs := f.Registers()
		require.Len(t, regs, 2)
		require.Same(t, rax, regs[0])
	})
}

func TestMemoryAccess(t *testing.T) {
	t.Run("String", func(t *testing.T) {
		m, err := symex.NewMemoryAccess(0x1000, 4)
		require.NoError(t, err)
		require.Equal(t, "[@0x1000]:32 bv[31..0]", m.String())
		require.Equal(t, symex.OperandMemory, m.Type())
	})

	t.Run("ConcreteValue", func(t *testing.T) {
		m, _ := symex.NewMemoryAccess(0x1000, 1)
		require.False(t, m.IsTrusted())
		m.SetConcreteValue(big.NewInt(0x1ff))
		m.SetTrust(true)
		require.Equal(t, int64(0xff), m.ConcreteValue().Int64())
		require.True(t, m.IsTrusted())
	})

	t.Run("ErrSize", func(t *testing.T) {
		_, err := symex.NewMemoryAccess(0, 0)
		require.True(t, errors.Is(err, symex.ErrInvalidWidth))
	})
}
