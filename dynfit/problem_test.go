package dynfit

import (
	"errors"
	"math"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"github.com/openbiomech/dynafit/skeleton"
)

// problemFixture builds a fit problem over a balanced synthetic trial, with
// the fitting model's mass deliberately off so residuals are nonzero.
func problemFixture(t *testing.T, steps int, massGuess float64, cfg ProblemConfig) (*skeleton.FreeBody, *Initialization, *Problem) {
	t.Helper()
	truth := truthBody()
	trial := balancedTrial(t, truth, steps, 0.01)
	markers, obs := observedMarkers(truth, trial.Poses, 0.01)
	trial.MarkerObservations = obs

	fit := truthBody()
	fit.SetGroupMasses(mat.NewVecDense(1, []float64{massGuess}))

	init, err := NewInitialization(fit, markers, []string{"PSIS"}, []int{0}, []Trial{trial})
	test.That(t, err, test.ShouldBeNil)
	annotateNoMissingGRF(init)

	// Joint observations slightly off the trajectory, so joint terms engage.
	centers := mat.NewDense(3, steps, nil)
	axes := mat.NewDense(6, steps, nil)
	for ts := 0; ts < steps; ts++ {
		world := truth.JointWorldPositions([]int{0}, denseCol(trial.Poses, ts))[0]
		centers.Set(0, ts, world.X+0.01)
		centers.Set(1, ts, world.Y-0.005)
		centers.Set(2, ts, world.Z+0.008)
		axes.Set(0, ts, world.X+0.004)
		axes.Set(1, ts, world.Y)
		axes.Set(2, ts, world.Z-0.006)
		axes.Set(4, ts, 1)
	}
	init.Joints = []int{0}
	init.JointWeights = []float64{1.5}
	init.JointCenters = []*mat.Dense{centers}
	init.JointAxisWeights = []float64{0.8}
	init.JointAxes = []*mat.Dense{axes}

	problem, err := NewProblem(fit, init, cfg, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return fit, init, problem
}

func TestProblemSizePerConfig(t *testing.T) {
	const steps = 5
	paramDims := map[string]int{}

	base := DefaultProblemConfig()
	base.IncludeMasses = false
	base.IncludeCOMs = false
	base.IncludeInertias = false
	base.IncludeBodyScales = false
	base.IncludeMarkerOffsets = false
	base.IncludePoses = false

	// Each flag's marginal contribution to the decision vector.
	flags := []struct {
		name   string
		set    func(*ProblemConfig)
		expect int
	}{
		{"masses", func(c *ProblemConfig) { c.IncludeMasses = true }, 1},
		{"coms", func(c *ProblemConfig) { c.IncludeCOMs = true }, 3},
		{"inertias", func(c *ProblemConfig) { c.IncludeInertias = true }, 6},
		{"scales", func(c *ProblemConfig) { c.IncludeBodyScales = true }, 3},
		{"markerOffsets", func(c *ProblemConfig) { c.IncludeMarkerOffsets = true }, 3 * 2},
		{"poses", func(c *ProblemConfig) { c.IncludePoses = true }, 6 * (3*(steps-2) + 3)},
	}
	for _, flag := range flags {
		cfg := base
		flag.set(&cfg)
		_, _, problem := problemFixture(t, steps, 9, cfg)
		paramDims[flag.name] = problem.ProblemSize()
		test.That(t, problem.ProblemSize(), test.ShouldEqual, flag.expect)
		test.That(t, len(problem.StartingPoint()), test.ShouldEqual, flag.expect)
		lower, upper := problem.Bounds()
		test.That(t, len(lower), test.ShouldEqual, flag.expect)
		test.That(t, len(upper), test.ShouldEqual, flag.expect)
	}

	cfg := DefaultProblemConfig()
	_, _, problem := problemFixture(t, steps, 9, cfg)
	full := 0
	for _, d := range paramDims {
		full += d
	}
	test.That(t, problem.ProblemSize(), test.ShouldEqual, full)
	test.That(t, problem.ConstraintSize(), test.ShouldEqual, 6*((steps-1)+(steps-2)))
}

func TestFlattenRoundTrip(t *testing.T) {
	_, _, problem := problemFixture(t, 5, 9, DefaultProblemConfig())

	x := problem.StartingPoint()
	lower, upper := problem.Bounds()
	for i := range x {
		test.That(t, x[i], test.ShouldBeGreaterThanOrEqualTo, lower[i])
		test.That(t, x[i], test.ShouldBeLessThanOrEqualTo, upper[i])
		x[i] += 1e-3 * float64(i%7-3)
	}
	problem.unflatten(x)
	almostEach(t, problem.StartingPoint(), x, 1e-12, 0)
}

func TestGradientMatchesFD(t *testing.T) {
	for _, useL1 := range []bool{false, true} {
		cfg := DefaultProblemConfig()
		cfg.ResidualUseL1 = useL1
		cfg.MarkerUseL1 = useL1
		cfg.RegularizePoses = 0.1
		_, _, problem := problemFixture(t, 5, 9, cfg)

		x := problem.StartingPoint()
		grad := make([]float64, len(x))
		problem.EvalGradient(x, grad)
		almostEach(t, grad, problem.FDGradient(x), 1e-4, 1e-4)
	}
}

func TestConstraintsZeroOnConsistentTrajectories(t *testing.T) {
	_, _, problem := problemFixture(t, 5, 9, DefaultProblemConfig())

	x := problem.StartingPoint()
	out := make([]float64, problem.ConstraintSize())
	problem.EvalConstraints(x, out)
	for i := range out {
		test.That(t, out[i], test.ShouldAlmostEqual, 0, 1e-10)
	}
}

func TestConstraintRespondsToSinglePerturbation(t *testing.T) {
	_, _, problem := problemFixture(t, 5, 9, DefaultProblemConfig())
	const dt = 0.01

	x := problem.StartingPoint()
	// Bump velocity variable (trial 0, timestep 1, dof 2).
	off := problem.layout.velOffset[0][1] + 2
	x[off] += 0.5

	out := make([]float64, problem.ConstraintSize())
	problem.EvalConstraints(x, out)

	// Row order per timestep: dofs velocity rows then dofs acceleration
	// rows. The bumped velocity appears in its own velocity row scaled by
	// dt, and in the two neighboring acceleration rows with opposite signs.
	velRow := (6+6)*1 + 2
	accRowBefore := 6 + 2
	accRowAfter := (6+6)*1 + 6 + 2
	nonzero := 0
	for i, v := range out {
		if math.Abs(v) > 1e-12 {
			nonzero++
		}
		switch i {
		case velRow:
			test.That(t, v, test.ShouldAlmostEqual, 0.5*dt, 1e-10)
		case accRowBefore:
			test.That(t, v, test.ShouldAlmostEqual, -0.5, 1e-10)
		case accRowAfter:
			test.That(t, v, test.ShouldAlmostEqual, 0.5, 1e-10)
		}
	}
	test.That(t, nonzero, test.ShouldEqual, 3)
}

func TestSparseJacobianMatchesFD(t *testing.T) {
	_, _, problem := problemFixture(t, 5, 9, DefaultProblemConfig())

	rows, cols := problem.JacobianStructure()
	test.That(t, len(rows), test.ShouldEqual, 3*problem.ConstraintSize())
	test.That(t, len(cols), test.ShouldEqual, len(rows))

	x := problem.StartingPoint()
	dense := problem.DenseConstraintJacobian(x)

	m, n := problem.ConstraintSize(), problem.ProblemSize()
	want := mat.NewDense(m, n, nil)
	fd.Jacobian(want, func(y, v []float64) {
		problem.EvalConstraints(v, y)
	}, x, &fd.JacobianSettings{Formula: fd.Central})

	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			test.That(t, dense.At(i, j), test.ShouldAlmostEqual, want.At(i, j), 1e-7)
		}
	}
}

func TestMissingContactAnnotationIsAnError(t *testing.T) {
	truth := truthBody()
	trial := balancedTrial(t, truth, 5, 0.01)
	init, err := NewInitialization(truth, map[string]skeleton.Marker{}, nil, []int{0}, []Trial{trial})
	test.That(t, err, test.ShouldBeNil)

	cfg := DefaultProblemConfig()
	_, err = NewProblem(truth, init, cfg, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, ErrMissingContactAnnotation), test.ShouldBeTrue)

	// With residuals disabled the annotation is not required.
	cfg.ResidualWeight = 0
	_, err = NewProblem(truth, init, cfg, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
}

func TestJointLossIsUnnormalizedWeightedSum(t *testing.T) {
	const steps = 5
	_, _, problem := problemFixture(t, steps, 9, DefaultProblemConfig())

	terms := problem.ExplainLoss(problem.StartingPoint())

	// The fixture offsets every joint-center observation by a constant
	// (0.01, -0.005, 0.008) and every axis observation by (0.004, 0, -0.006)
	// perpendicular to the Y axis, so the terms are closed-form: weighted
	// squared errors summed over timesteps, with no per-timestep division.
	centerSq := 0.01*0.01 + 0.005*0.005 + 0.008*0.008
	axisSq := 0.004*0.004 + 0.006*0.006
	test.That(t, terms["joint_centers"], test.ShouldAlmostEqual, 1.5*centerSq*steps, 1e-12)
	test.That(t, terms["joint_axes"], test.ShouldAlmostEqual, 0.8*axisSq*steps, 1e-12)
}

func TestExplainLossTermGating(t *testing.T) {
	cfg := DefaultProblemConfig()
	cfg.RegularizePoses = 0.1
	_, _, problem := problemFixture(t, 5, 9, cfg)

	terms := problem.ExplainLoss(problem.StartingPoint())
	for _, name := range []string{"residuals", "markers", "joint_centers", "joint_axes", "regularize_poses"} {
		test.That(t, terms[name], test.ShouldBeGreaterThan, 0)
	}
	// At the starting point the parameters sit on their targets.
	test.That(t, terms["regularize_masses"], test.ShouldAlmostEqual, 0)
	test.That(t, terms["regularize_marker_offsets"], test.ShouldAlmostEqual, 0)

	total := 0.0
	for _, v := range terms {
		total += v
	}
	test.That(t, problem.EvalObjective(problem.StartingPoint()), test.ShouldAlmostEqual, total, 1e-12)
}
