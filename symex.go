package symex

import (
	"fmt"

	"tlog.app/go/errors"
	"tlog.app/go/loc"
)

// Standard widths.
const (
	WidthBool = 1
	Width8    = 8
	Width16   = 16
	Width32   = 32
	Width64   = 64
	Width128  = 128
	Width256  = 256
	Width512  = 512
)

// MaxWidth is the widest bit-vector the engine accepts.
const MaxWidth = Width512

var (
	ErrWidthMismatch      = errors.New("width mismatch")
	ErrInvalidWidth       = errors.New("invalid width")
	ErrInvalidNode        = errors.New("invalid node")
	ErrInvalidMode        = errors.New("invalid representation mode")
	ErrInvalidOperand     = errors.New("invalid operand")
	ErrInvalidConfig      = errors.New("invalid config")
	ErrExpressionNotFound = errors.New("symbolic expression not found")
)

var (
	ErrSolverTimeout       = errors.New("Solver timeout")
	ErrSolverCanceled      = errors.New("Solver canceled")
	ErrSolverResourceLimit = errors.New("Solver resource limit")
	ErrSolverUnknown       = errors.New("Solver unknown error")
)

// assert panics if condition is false.
func assert(condition bool, format string, args ...interface{}) {
	if !condition {
		panic(fmt.Sprintf("assert: %v: "+format, append([]interface{}{loc.Caller(1)}, args...)...))
	}
}

// isStandardWidth returns true if width is one of the byte-aligned power of two widths.
func isStandardWidth(width uint) bool {
	switch width {
	case Width8, Width16, Width32, Width64, Width128, Width256, Width512:
		return true
	default:
		return false
	}
}
