package z3

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unsafe"

	"github.com/benbjohnson/symex"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

/*
#cgo LDFLAGS: -lz3
#include <z3.h>
#include <stdlib.h>
*/
import "C"

var _ symex.Solver = (*Solver)(nil)

// Solver decides symex formulas with an embedded Z3 context. A Solver must not
// be used by multiple goroutines at once.
type Solver struct {
	raw   C.Z3_context
	stats Stats

	// Timeout bounds checks whose context has no deadline. Zero means no limit.
	Timeout time.Duration
}

// NewSolver allocates a Z3 context. Close must be called to release it.
func NewSolver() *Solver {
	cfg := C.Z3_mk_config()
	defer C.Z3_del_config(cfg)

	raw := C.Z3_mk_context(cfg)
	C.Z3_set_error_handler(raw, nil) // errors are polled with Z3_get_error_code
	C.Z3_set_ast_print_mode(raw, C.Z3_PRINT_SMTLIB2_COMPLIANT)
	return &Solver{raw: raw}
}

// Close releases the Z3 context.
func (s *Solver) Close() error {
	C.Z3_del_context(s.raw)
	return nil
}

// Stats returns the number of checks run and the time spent in them.
func (s *Solver) Stats() Stats { return s.stats }

// Solve checks the formula and returns a model assigning every declared variable.
// The context deadline becomes the solver timeout; canceling ctx interrupts the check.
func (s *Solver) Solve(ctx context.Context, f *symex.Formula) (_ *symex.Model, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "z3: solve", "vars", len(f.Variables), "arrays", len(f.Arrays))
	defer tr.Finish("err", &err)

	if err := contextError(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		s.stats.SolveN++
		s.stats.SolveTime += time.Since(start)
	}()

	solver := C.Z3_mk_solver(s.raw)
	if err := s.lastError("Z3_mk_solver"); err != nil {
		return nil, err
	}
	C.Z3_solver_inc_ref(s.raw, solver)
	defer C.Z3_solver_dec_ref(s.raw, solver)

	timeout := s.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout != 0 {
		if err := s.setTimeout(solver, timeout); err != nil {
			return nil, err
		}
	}

	if err := s.assertScript(solver, f.Script); err != nil {
		return nil, err
	}

	// Z3_interrupt is the only call that is safe from another thread.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			C.Z3_interrupt(s.raw)
		case <-done:
		}
	}()

	result := C.Z3_solver_check(s.raw, solver)
	if err := s.lastError("Z3_solver_check"); err != nil {
		if cerr := contextError(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}
	switch result {
	case C.Z3_L_FALSE:
		return &symex.Model{}, nil
	case C.Z3_L_UNDEF:
		return nil, unknownError(ctx, C.GoString(C.Z3_solver_get_reason_unknown(s.raw, solver)), timeout != 0)
	}

	m := &symex.Model{Satisfiable: true, Values: make(map[string]*big.Int, len(f.Variables))}
	if len(f.Variables) == 0 {
		return m, nil
	}

	model := C.Z3_solver_get_model(s.raw, solver)
	if err := s.lastError("Z3_solver_get_model"); err != nil {
		return nil, err
	}
	C.Z3_model_inc_ref(s.raw, model)
	defer C.Z3_model_dec_ref(s.raw, model)

	for _, v := range f.Variables {
		if m.Values[v.Name()], err = s.value(model, v.Name(), v.Width()); err != nil {
			return nil, err
		}
	}

	if tlog.If("z3") {
		tr.Printw("model", "model", C.GoString(C.Z3_model_to_string(s.raw, model)))
	}
	return m, nil
}

// contextError maps a done context to ErrSolverTimeout or ErrSolverCanceled.
func contextError(ctx context.Context) error {
	switch ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return symex.ErrSolverTimeout
	default:
		return symex.ErrSolverCanceled
	}
}

// unknownError maps the reason Z3 gives for an undecided check to a symex error.
// A done context takes precedence since Z3 reports it as an interruption. With
// limited set, an interruption on a live context is the solver timeout firing.
func unknownError(ctx context.Context, reason string, limited bool) error {
	if err := contextError(ctx); err != nil {
		return err
	}

	switch {
	case strings.Contains(reason, "timeout"):
		return symex.ErrSolverTimeout
	case strings.Contains(reason, "canceled"), strings.Contains(reason, "interrupted"):
		if limited {
			return symex.ErrSolverTimeout
		}
		return symex.ErrSolverCanceled
	case strings.Contains(reason, "(resource limits reached)"):
		return symex.ErrSolverResourceLimit
	case strings.Contains(reason, "unknown"):
		return symex.ErrSolverUnknown
	default:
		return errors.New("z3: %s", reason)
	}
}

// lastError returns the error of the most recent API call, if any.
func (s *Solver) lastError(op string) error {
	code := C.Z3_get_error_code(s.raw)
	if code == C.Z3_OK {
		return nil
	}
	return &Error{Code: int(code), Op: op, Message: C.GoString(C.Z3_get_error_msg(s.raw, code))}
}

// assertScript parses an SMT-LIB script and asserts each of its formulas.
func (s *Solver) assertScript(solver C.Z3_solver, script string) error {
	cscript := C.CString(script)
	defer C.free(unsafe.Pointer(cscript))

	formulas := C.Z3_parse_smtlib2_string(s.raw, cscript, 0, nil, nil, 0, nil, nil)
	if err := s.lastError("Z3_parse_smtlib2_string"); err != nil {
		return err
	}
	C.Z3_ast_vector_inc_ref(s.raw, formulas)
	defer C.Z3_ast_vector_dec_ref(s.raw, formulas)

	for i, n := C.uint(0), C.Z3_ast_vector_size(s.raw, formulas); i < n; i++ {
		C.Z3_solver_assert(s.raw, solver, C.Z3_ast_vector_get(s.raw, formulas, i))
		if err := s.lastError("Z3_solver_assert"); err != nil {
			return err
		}
	}
	return nil
}

// setTimeout sets the "timeout" parameter of solver, rounded up to a millisecond.
func (s *Solver) setTimeout(solver C.Z3_solver, d time.Duration) error {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}

	params := C.Z3_mk_params(s.raw)
	if err := s.lastError("Z3_mk_params"); err != nil {
		return err
	}
	C.Z3_params_inc_ref(s.raw, params)
	defer C.Z3_params_dec_ref(s.raw, params)

	key := C.CString("timeout")
	defer C.free(unsafe.Pointer(key))
	C.Z3_params_set_uint(s.raw, params, C.Z3_mk_string_symbol(s.raw, key), C.uint(ms))
	if err := s.lastError("Z3_params_set_uint"); err != nil {
		return err
	}

	C.Z3_solver_set_params(s.raw, solver, params)
	return s.lastError("Z3_solver_set_params")
}

// value returns the value of the named bit-vector constant in model.
// Unconstrained constants are completed with an arbitrary value.
func (s *Solver) value(model C.Z3_model, name string, width uint) (*big.Int, error) {
	sort := C.Z3_mk_bv_sort(s.raw, C.uint(width))
	if err := s.lastError("Z3_mk_bv_sort"); err != nil {
		return nil, err
	}

	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	decl := C.Z3_mk_const(s.raw, C.Z3_mk_string_symbol(s.raw, cname), sort)
	if err := s.lastError("Z3_mk_const"); err != nil {
		return nil, err
	}

	var result C.Z3_ast
	C.Z3_model_eval(s.raw, model, decl, C.bool(true), &result)
	if err := s.lastError("Z3_model_eval"); err != nil {
		return nil, err
	}

	numeral := C.GoString(C.Z3_get_numeral_string(s.raw, result))
	if err := s.lastError("Z3_get_numeral_string"); err != nil {
		return nil, err
	}
	v, ok := new(big.Int).SetString(numeral, 10)
	if !ok {
		return nil, errors.New("z3: invalid numeral for %s: %q", name, numeral)
	}
	return v, nil
}

// Error is a failed Z3 API call. Code is the Z3_error_code reported by Z3.
type Error struct {
	Code    int
	Op      string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("z3: %s: %s (code %d)", e.Op, e.Message, e.Code)
}

// Stats holds solver call counts and time spent.
type Stats struct {
	SolveN    int
	SolveTime time.Duration
}
