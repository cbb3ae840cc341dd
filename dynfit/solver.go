package dynfit

import (
	"context"
	"math"

	"github.com/edaniels/golog"
	"github.com/go-nlopt/nlopt"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// ConstrainedProblem is a box-bounded, equality-constrained smooth
// minimization with a sparse constraint Jacobian. Problem implements it; the
// solver is written against the interface so test problems can drive it too.
type ConstrainedProblem interface {
	ProblemSize() int
	ConstraintSize() int
	Bounds() (lower, upper []float64)
	StartingPoint() []float64
	EvalObjective(x []float64) float64
	EvalGradient(x, grad []float64)
	EvalConstraints(x, out []float64)
	// JacobianStructure and JacobianValues describe the constraint Jacobian
	// in triplet form; structure is fixed across iterations.
	JacobianStructure() (rows, cols []int)
	JacobianValues(x, out []float64)
	// Intermediate is called once per objective evaluation with the current
	// objective and constraint infeasibility.
	Intermediate(objective, infeasibility float64, x []float64)
	// Finalize is called with the solver's final iterate.
	Finalize(x []float64)
}

// ConstrainedSolver drives a ConstrainedProblem with SLSQP.
type ConstrainedSolver struct {
	logger golog.Logger

	// Tolerance is the relative objective convergence tolerance.
	Tolerance float64
	// ConstraintTolerance is the per-row equality tolerance.
	ConstraintTolerance float64
	// IterationLimit caps objective evaluations.
	IterationLimit int
}

// NewConstrainedSolver returns a solver with the standard tolerances.
func NewConstrainedSolver(logger golog.Logger) *ConstrainedSolver {
	return &ConstrainedSolver{
		logger:              logger,
		Tolerance:           1e-9,
		ConstraintTolerance: 1e-9,
		IterationLimit:      500,
	}
}

// Solve minimizes the problem and hands the final iterate to
// prob.Finalize. It returns the best objective value found.
func (s *ConstrainedSolver) Solve(ctx context.Context, prob ConstrainedProblem) (float64, error) {
	n := prob.ProblemSize()
	if n == 0 {
		return 0, errors.New("problem has no decision variables")
	}
	opt, err := nlopt.NewNLopt(nlopt.LD_SLSQP, uint(n))
	if err != nil {
		return 0, errors.Wrap(err, "creating nlopt problem")
	}
	defer opt.Destroy()

	lower, upper := prob.Bounds()
	m := prob.ConstraintSize()
	constraintScratch := make([]float64, m)

	infeasibility := func(x []float64) float64 {
		if m == 0 {
			return 0
		}
		prob.EvalConstraints(x, constraintScratch)
		worst := 0.0
		for _, v := range constraintScratch {
			if a := math.Abs(v); a > worst {
				worst = a
			}
		}
		return worst
	}

	err = multierr.Combine(
		opt.SetLowerBounds(lower),
		opt.SetUpperBounds(upper),
		opt.SetFtolRel(s.Tolerance),
		opt.SetXtolRel(s.Tolerance),
		opt.SetMaxEval(s.IterationLimit),
		opt.SetMinObjective(func(x, gradient []float64) float64 {
			obj := prob.EvalObjective(x)
			if len(gradient) > 0 {
				prob.EvalGradient(x, gradient)
			}
			prob.Intermediate(obj, infeasibility(x), x)
			return obj
		}),
	)
	if err != nil {
		return 0, errors.Wrap(err, "configuring nlopt problem")
	}

	if m > 0 {
		rows, cols := prob.JacobianStructure()
		vals := make([]float64, len(rows))
		tol := make([]float64, m)
		for i := range tol {
			tol[i] = s.ConstraintTolerance
		}
		err = opt.AddEqualityMConstraint(func(result, x, gradient []float64) {
			prob.EvalConstraints(x, result)
			if len(gradient) > 0 {
				for i := range gradient {
					gradient[i] = 0
				}
				prob.JacobianValues(x, vals)
				for i := range rows {
					gradient[rows[i]*n+cols[i]] = vals[i]
				}
			}
		}, tol)
		if err != nil {
			return 0, errors.Wrap(err, "adding consistency constraints")
		}
	}

	var solution []float64
	var best float64
	var solveErr error
	done := make(chan struct{})
	utils.PanicCapturingGo(func() {
		defer close(done)
		solution, best, solveErr = opt.Optimize(prob.StartingPoint())
	})

	select {
	case <-ctx.Done():
		opt.ForceStop()
		<-done
		return 0, ctx.Err()
	case <-done:
	}

	if solveErr != nil {
		// Round-off limited progress still yields a usable iterate.
		s.logger.Debugw("solver stopped early", "error", solveErr)
	}
	if solution == nil {
		return 0, errors.Wrap(solveErr, "solving dynamics fit")
	}
	prob.Finalize(solution)
	return best, nil
}
