package dynfit

import (
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/openbiomech/dynafit/skeleton"
)

// minimumBodyMass floors estimated link masses. Solvers downstream divide by
// inertial terms, so zero or negative masses are never allowed through.
const minimumBodyMass = 0.01

// comWorldPositions evaluates the mass-weighted whole-body COM at every
// timestep of a pose matrix.
func comWorldPositions(model skeleton.Model, poses *mat.Dense) []r3.Vector {
	dofs, steps := poses.Dims()
	masses := model.BodyMasses()
	total := 0.0
	for i := 0; i < masses.Len(); i++ {
		total += masses.AtVec(i)
	}
	q := mat.NewVecDense(dofs, nil)
	out := make([]r3.Vector, steps)
	for t := 0; t < steps; t++ {
		poseColInto(poses, t, q)
		var acc r3.Vector
		for body := 0; body < model.NumBodies(); body++ {
			acc = acc.Add(model.BodyCOMWorldPosition(body, q).Mul(masses.AtVec(body)))
		}
		out[t] = acc.Mul(1 / total)
	}
	return out
}

// bodyCOMWorldPositions evaluates one body's COM trajectory.
func bodyCOMWorldPositions(model skeleton.Model, body int, poses *mat.Dense) []r3.Vector {
	dofs, steps := poses.Dims()
	q := mat.NewVecDense(dofs, nil)
	out := make([]r3.Vector, steps)
	for t := 0; t < steps; t++ {
		poseColInto(poses, t, q)
		out[t] = model.BodyCOMWorldPosition(body, q)
	}
	return out
}

// centralAccelerations second-differences a point trajectory; entry t is the
// acceleration at timestep t+1.
func centralAccelerations(points []r3.Vector, dt float64) []r3.Vector {
	if len(points) < 3 {
		return nil
	}
	out := make([]r3.Vector, len(points)-2)
	for t := range out {
		out[t] = points[t+2].Sub(points[t+1].Mul(2)).Add(points[t]).Mul(1 / (dt * dt))
	}
	return out
}

// totalMeasuredForceY sums the vertical measured force over one trial column.
func totalMeasuredForceY(grf *mat.Dense, t int) float64 {
	rows, _ := grf.Dims()
	sum := 0.0
	for i := 0; 6*i < rows; i++ {
		sum += grf.At(6*i+4, t)
	}
	return sum
}

// ScaleLinkMassesFromGravity rescales every link mass by one global ratio so
// the average measured vertical force matches the vertical force implied by
// the COM acceleration. It is the cheapest possible mass correction and a
// good first pass before the full fit.
func ScaleLinkMassesFromGravity(model skeleton.Model, init *Initialization, logger golog.Logger) error {
	const gravityY = -9.81
	totalGRF := 0.0
	totalImplied := 0.0
	masses := init.BodyMasses
	totalMass := 0.0
	for i := 0; i < masses.Len(); i++ {
		totalMass += masses.AtVec(i)
	}

	for trial := range init.Trials {
		tr := &init.Trials[trial]
		com := comWorldPositions(model, init.Poses[trial])
		accs := centralAccelerations(com, tr.DT)
		for t, a := range accs {
			totalGRF += totalMeasuredForceY(init.GRFTrials[trial], t+1)
			totalImplied += totalMass * (a.Y - gravityY)
		}
	}
	if totalImplied == 0 {
		return errors.New("implied vertical force is zero, cannot scale masses")
	}
	ratio := totalGRF / totalImplied
	logger.Infow("scaling link masses to match measured vertical force", "ratio", ratio)

	scaled := mat.VecDenseCopyOf(masses)
	scaled.ScaleVec(ratio, scaled)
	init.BodyMasses = scaled
	model.SetBodyMasses(scaled)

	groups := mat.VecDenseCopyOf(init.GroupMasses)
	groups.ScaleVec(ratio, groups)
	init.GroupMasses = groups
	model.SetGroupMasses(groups)
	return nil
}

// EstimateLinkMassesFromAcceleration solves a linear least squares for the
// per-link masses that best explain the measured forces through each link's
// COM acceleration, regularized toward the current masses. Results are
// floored at minimumBodyMass.
func EstimateLinkMassesFromAcceleration(model skeleton.Model, init *Initialization, regularizationWeight float64, logger golog.Logger) error {
	const gravityY = -9.81
	numBodies := model.NumBodies()

	accRows := 0
	for trial := range init.Trials {
		accRows += init.Trials[trial].NumTimesteps() - 2
	}
	if accRows == 0 {
		return errors.New("no timesteps to estimate masses from")
	}

	a := mat.NewDense(3*accRows+numBodies, numBodies, nil)
	b := mat.NewVecDense(3*accRows+numBodies, nil)

	row := 0
	for trial := range init.Trials {
		tr := &init.Trials[trial]
		perBody := make([][]r3.Vector, numBodies)
		for body := 0; body < numBodies; body++ {
			perBody[body] = centralAccelerations(
				bodyCOMWorldPositions(model, body, init.Poses[trial]), tr.DT)
		}
		for t := 0; t < tr.NumTimesteps()-2; t++ {
			for body := 0; body < numBodies; body++ {
				acc := perBody[body][t]
				a.Set(row, body, acc.X)
				a.Set(row+1, body, acc.Y-gravityY)
				a.Set(row+2, body, acc.Z)
			}
			grf := init.GRFTrials[trial]
			rows, _ := grf.Dims()
			var fx, fy, fz float64
			for i := 0; 6*i < rows; i++ {
				fx += grf.At(6*i+3, t+1)
				fy += grf.At(6*i+4, t+1)
				fz += grf.At(6*i+5, t+1)
			}
			b.SetVec(row, fx)
			b.SetVec(row+1, fy)
			b.SetVec(row+2, fz)
			row += 3
		}
	}
	for body := 0; body < numBodies; body++ {
		a.Set(row+body, body, regularizationWeight)
		b.SetVec(row+body, regularizationWeight*init.BodyMasses.AtVec(body))
	}

	var qr mat.QR
	qr.Factorize(a)
	solution := mat.NewVecDense(numBodies, nil)
	if err := qr.SolveVecTo(solution, false, b); err != nil {
		return errors.Wrap(err, "solving link mass least squares")
	}

	clamped := 0
	for body := 0; body < numBodies; body++ {
		if solution.AtVec(body) < minimumBodyMass {
			solution.SetVec(body, minimumBodyMass)
			clamped++
		}
	}
	if clamped > 0 {
		logger.Warnw("estimated link masses were floored", "bodies", clamped, "floor", minimumBodyMass)
	}

	init.BodyMasses = solution
	model.SetBodyMasses(solution)
	init.GroupMasses = model.GroupMasses()
	return nil
}
