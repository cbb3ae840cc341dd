package dynfit

import (
	"context"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"
)

// quadraticProblem minimizes (x0-3)^2 + (x1+1)^2 subject to x0 - x1 = 2.
// The constrained minimum is (2, 0).
type quadraticProblem struct {
	finalized []float64
}

func (q *quadraticProblem) ProblemSize() int    { return 2 }
func (q *quadraticProblem) ConstraintSize() int { return 1 }

func (q *quadraticProblem) Bounds() ([]float64, []float64) {
	return []float64{-10, -10}, []float64{10, 10}
}

func (q *quadraticProblem) StartingPoint() []float64 {
	return []float64{5, -4}
}

func (q *quadraticProblem) EvalObjective(x []float64) float64 {
	return (x[0]-3)*(x[0]-3) + (x[1]+1)*(x[1]+1)
}

func (q *quadraticProblem) EvalGradient(x, grad []float64) {
	grad[0] = 2 * (x[0] - 3)
	grad[1] = 2 * (x[1] + 1)
}

func (q *quadraticProblem) EvalConstraints(x, out []float64) {
	out[0] = x[0] - x[1] - 2
}

func (q *quadraticProblem) JacobianStructure() ([]int, []int) {
	return []int{0, 0}, []int{0, 1}
}

func (q *quadraticProblem) JacobianValues(x, out []float64) {
	out[0] = 1
	out[1] = -1
}

func (q *quadraticProblem) Intermediate(objective, infeasibility float64, x []float64) {}

func (q *quadraticProblem) Finalize(x []float64) {
	q.finalized = append([]float64{}, x...)
}

func TestConstrainedSolverQuadratic(t *testing.T) {
	solver := NewConstrainedSolver(golog.NewTestLogger(t))
	prob := &quadraticProblem{}

	best, err := solver.Solve(context.Background(), prob)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, prob.finalized, test.ShouldNotBeNil)
	test.That(t, prob.finalized[0], test.ShouldAlmostEqual, 2, 1e-4)
	test.That(t, prob.finalized[1], test.ShouldAlmostEqual, 0, 1e-4)
	test.That(t, best, test.ShouldAlmostEqual, 2, 1e-6)

	violation := make([]float64, 1)
	prob.EvalConstraints(prob.finalized, violation)
	test.That(t, violation[0], test.ShouldAlmostEqual, 0, 1e-6)
}

func TestConstrainedSolverRejectsEmptyProblem(t *testing.T) {
	type emptyProblem struct{ quadraticProblem }
	prob := &emptyProblem{}
	solver := NewConstrainedSolver(golog.NewTestLogger(t))

	_, err := solver.Solve(context.Background(), &sizedProblem{prob, 0})
	test.That(t, err, test.ShouldNotBeNil)
}

// sizedProblem overrides the reported size.
type sizedProblem struct {
	ConstrainedProblem
	n int
}

func (s *sizedProblem) ProblemSize() int { return s.n }
