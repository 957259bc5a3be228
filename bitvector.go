package symex

import (
	"fmt"
	"math/big"

	"tlog.app/go/errors"
)

// BitVector describes the [high..low] bit range an operand occupies within its
// parent storage unit.
type BitVector struct {
	high uint32
	low  uint32
}

// NewBitVector returns a bit range. The range must be a standard width.
func NewBitVector(high, low uint32) (BitVector, error) {
	var bv BitVector
	if err := bv.SetPair(high, low); err != nil {
		return BitVector{}, err
	}
	return bv, nil
}

// High returns the highest bit of the range.
func (bv BitVector) High() uint32 { return bv.high }

// Low returns the lowest bit of the range.
func (bv BitVector) Low() uint32 { return bv.low }

// BitSize returns the number of bits in the range.
func (bv BitVector) BitSize() uint {
	return uint(bv.high-bv.low) + 1
}

// SetPair updates the range. The vector is unchanged if the new range is invalid.
func (bv *BitVector) SetPair(high, low uint32) error {
	if high < low {
		return errors.Wrap(ErrInvalidWidth, "bit vector: high %d < low %d", high, low)
	} else if width := uint(high-low) + 1; !isStandardWidth(width) {
		return errors.Wrap(ErrInvalidWidth, "bit vector: width %d", width)
	}
	bv.high, bv.low = high, low
	return nil
}

// String returns the string representation of the range.
func (bv BitVector) String() string {
	return fmt.Sprintf("bv[%d..%d]", bv.high, bv.low)
}

// bitmask returns a value with the low width bits set.
func bitmask(width uint) *big.Int {
	m := new(big.Int).Lsh(big.NewInt(1), width)
	return m.Sub(m, big.NewInt(1))
}

// truncate returns v reduced modulo 2^width. Negative values wrap around.
func truncate(v *big.Int, width uint) *big.Int {
	return new(big.Int).And(v, bitmask(width))
}

// toSigned interprets the low width bits of v as a two's complement integer.
func toSigned(v *big.Int, width uint) *big.Int {
	if v.Bit(int(width)-1) == 0 {
		return new(big.Int).Set(v)
	}
	return new(big.Int).Sub(v, new(big.Int).Lsh(big.NewInt(1), width))
}
