package dynfit

import (
	"context"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/openbiomech/dynafit/skeleton"
)

// Fitter runs dynamics fits against one model and reports diagnostics on the
// results. Tolerance and IterationLimit apply to every solve it launches.
type Fitter struct {
	model  skeleton.Model
	logger golog.Logger

	Tolerance      float64
	IterationLimit int
}

// NewFitter returns a fitter with standard solver settings.
func NewFitter(model skeleton.Model, logger golog.Logger) *Fitter {
	return &Fitter{
		model:          model,
		logger:         logger,
		Tolerance:      1e-9,
		IterationLimit: 500,
	}
}

// RunOptimization runs one constrained solve over the initialization and
// writes the result back into it. The residual and marker weights are taken
// as linear scales and squared for L2 scoring, so callers can reason in
// force/distance units either way.
func (f *Fitter) RunOptimization(ctx context.Context, init *Initialization, residualWeight, markerWeight float64, cfg ProblemConfig) (float64, error) {
	cfg.ResidualWeight = residualWeight
	if !cfg.ResidualUseL1 {
		cfg.ResidualWeight = residualWeight * residualWeight
	}
	cfg.MarkerWeight = markerWeight
	if !cfg.MarkerUseL1 {
		cfg.MarkerWeight = markerWeight * markerWeight
	}

	problem, err := NewProblem(f.model, init, cfg, f.logger)
	if err != nil {
		return 0, err
	}
	solver := NewConstrainedSolver(f.logger)
	solver.Tolerance = f.Tolerance
	solver.IterationLimit = f.IterationLimit

	best, err := solver.Solve(ctx, problem)
	if err != nil {
		return 0, errors.Wrap(err, "running dynamics fit")
	}
	f.logger.Infow("dynamics fit finished", "objective", best)
	return best, nil
}

// Fit runs the standard staged pipeline: annotate ground contact, correct the
// total mass from gravity, fit inertial parameters with poses pinned, then
// run the full joint fit.
func (f *Fitter) Fit(ctx context.Context, init *Initialization) error {
	EstimateGroundContacts(f.model, init, f.logger)
	if err := ScaleLinkMassesFromGravity(f.model, init, f.logger); err != nil {
		return err
	}

	stage1 := DefaultProblemConfig()
	stage1.IncludePoses = false
	stage1.IncludeMarkerOffsets = false
	if _, err := f.RunOptimization(ctx, init, 2, 25, stage1); err != nil {
		return errors.Wrap(err, "inertial stage")
	}

	stage2 := DefaultProblemConfig()
	if _, err := f.RunOptimization(ctx, init, 2, 25, stage2); err != nil {
		return errors.Wrap(err, "full stage")
	}
	return nil
}

// AverageMarkerRMSE reports the mean distance between fitted marker world
// positions and their observations, across every observation in every trial.
func (f *Fitter) AverageMarkerRMSE(init *Initialization) (float64, error) {
	init.ApplyToModel(f.model)
	var samples stats.Float64Data
	q := mat.NewVecDense(f.model.NumDofs(), nil)
	for trial := range init.Trials {
		tr := &init.Trials[trial]
		for t, obs := range tr.MarkerObservations {
			if len(obs) == 0 || t >= tr.NumTimesteps() {
				continue
			}
			poseColInto(init.Poses[trial], t, q)
			for name, target := range obs {
				marker, ok := init.Markers[name]
				if !ok {
					continue
				}
				world := f.model.MarkerWorldPositions([]skeleton.Marker{marker}, q)[0]
				samples = append(samples, world.Sub(target).Norm())
			}
		}
	}
	if len(samples) == 0 {
		return 0, errors.New("no marker observations to score")
	}
	return stats.Mean(samples)
}

// AverageResidualForce reports the mean leftover root force and torque
// magnitudes over every acceleration timestep with measured contact.
func (f *Fitter) AverageResidualForce(init *Initialization) (force, torque float64, err error) {
	init.ApplyToModel(f.model)
	helper := NewResidualHelper(f.model, init.GRFBodyIndices, StrategyAnalytical, f.logger)
	var forces, torques stats.Float64Data
	for trial := range init.Trials {
		tr := &init.Trials[trial]
		vels, accs := differentiate(init.Poses[trial], tr.DT)
		_, accSteps := accs.Dims()
		for t := 0; t < accSteps; t++ {
			if init.ProbablyMissingGRF[trial] != nil && init.ProbablyMissingGRF[trial][t] {
				continue
			}
			r := helper.Residual(
				denseCol(init.Poses[trial], t), denseCol(vels, t), denseCol(accs, t),
				init.GRFColumn(trial, t))
			torques = append(torques, vecNorm3(r, 0))
			forces = append(forces, vecNorm3(r, 3))
		}
	}
	if len(forces) == 0 {
		return 0, 0, errors.New("no timesteps to score residuals on")
	}
	force, err = stats.Mean(forces)
	if err != nil {
		return 0, 0, err
	}
	torque, err = stats.Mean(torques)
	return force, torque, err
}

// AverageRealForce reports the mean measured force and torque magnitudes over
// force-active timesteps, the natural yardstick for residual sizes.
func (f *Fitter) AverageRealForce(init *Initialization) (force, torque float64, err error) {
	var forces, torques stats.Float64Data
	for trial := range init.Trials {
		grf := init.GRFTrials[trial]
		rows, steps := grf.Dims()
		for t := 0; t < steps; t++ {
			for i := 0; 6*i < rows; i++ {
				fv := r3.Vector{X: grf.At(6*i+3, t), Y: grf.At(6*i+4, t), Z: grf.At(6*i+5, t)}
				if fv.Dot(fv) <= 1e-3 {
					continue
				}
				tv := r3.Vector{X: grf.At(6*i, t), Y: grf.At(6*i+1, t), Z: grf.At(6*i+2, t)}
				forces = append(forces, fv.Norm())
				torques = append(torques, tv.Norm())
			}
		}
	}
	if len(forces) == 0 {
		return 0, 0, errors.New("no measured forces")
	}
	force, err = stats.Mean(forces)
	if err != nil {
		return 0, 0, err
	}
	torque, err = stats.Mean(torques)
	return force, torque, err
}

// COMPositions returns the whole-body COM trajectory of one trial.
func (f *Fitter) COMPositions(init *Initialization, trial int) []r3.Vector {
	init.ApplyToModel(f.model)
	return comWorldPositions(f.model, init.Poses[trial])
}

// COMAccelerations second-differences the COM trajectory; entry t is the
// acceleration at timestep t+1.
func (f *Fitter) COMAccelerations(init *Initialization, trial int) []r3.Vector {
	return centralAccelerations(f.COMPositions(init, trial), init.Trials[trial].DT)
}

// ImpliedCOMForces converts COM accelerations into the total external force
// the motion implies, gravity removed.
func (f *Fitter) ImpliedCOMForces(init *Initialization, trial int) []r3.Vector {
	masses := init.BodyMasses
	total := 0.0
	for i := 0; i < masses.Len(); i++ {
		total += masses.AtVec(i)
	}
	accs := f.COMAccelerations(init, trial)
	out := make([]r3.Vector, len(accs))
	for t, a := range accs {
		out[t] = a.Sub(r3.Vector{X: 0, Y: -9.81, Z: 0}).Mul(total)
	}
	return out
}

// MeasuredGRFForces sums the measured forces per timestep, aligned with
// ImpliedCOMForces (entry t is timestep t+1).
func (f *Fitter) MeasuredGRFForces(init *Initialization, trial int) []r3.Vector {
	grf := init.GRFTrials[trial]
	rows, steps := grf.Dims()
	if steps < 3 {
		return nil
	}
	out := make([]r3.Vector, steps-2)
	for t := range out {
		var sum r3.Vector
		for i := 0; 6*i < rows; i++ {
			sum = sum.Add(r3.Vector{X: grf.At(6*i+3, t+1), Y: grf.At(6*i+4, t+1), Z: grf.At(6*i+5, t+1)})
		}
		out[t] = sum
	}
	return out
}

func denseCol(m *mat.Dense, col int) *mat.VecDense {
	rows, _ := m.Dims()
	out := mat.NewVecDense(rows, nil)
	for i := 0; i < rows; i++ {
		out.SetVec(i, m.At(i, col))
	}
	return out
}

func vecNorm3(v *mat.VecDense, from int) float64 {
	d := r3.Vector{X: v.AtVec(from), Y: v.AtVec(from + 1), Z: v.AtVec(from + 2)}
	return d.Norm()
}
