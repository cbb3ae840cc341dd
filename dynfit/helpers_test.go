package dynfit

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/openbiomech/dynafit/forceplate"
	"github.com/openbiomech/dynafit/skeleton"
)

func truthBody() *skeleton.FreeBody {
	return skeleton.NewFreeBody("trunk", 10, r3.Vector{X: 0.01, Y: -0.15, Z: 0.02},
		[6]float64{0.5, 0.4, 0.45, 0.01, -0.005, 0.008})
}

// gentleTrajectory builds a smooth low-amplitude pose matrix.
func gentleTrajectory(steps int, dt float64) *mat.Dense {
	poses := mat.NewDense(6, steps, nil)
	for t := 0; t < steps; t++ {
		tt := float64(t) * dt
		poses.Set(0, t, 0.15*math.Sin(2*tt))
		poses.Set(1, t, 0.1*math.Cos(3*tt))
		poses.Set(2, t, 0.12*math.Sin(tt+0.5))
		poses.Set(3, t, 0.2*math.Sin(tt))
		poses.Set(4, t, 1.0+0.05*math.Cos(2*tt))
		poses.Set(5, t, 0.1*math.Sin(3*tt))
	}
	return poses
}

// balancingWrench solves for the world wrench whose generalized forces
// exactly cancel M·ddq + C, so the residual is zero by construction.
func balancingWrench(t *testing.T, model skeleton.Model, q, dq, ddq *mat.VecDense) skeleton.Wrench {
	t.Helper()
	tau := mat.NewVecDense(6, nil)
	tau.MulVec(model.MassMatrix(q), ddq)
	tau.AddVec(tau, model.CoriolisAndGravity(q, dq))

	basis := mat.NewDense(6, 6, nil)
	for j := 0; j < 6; j++ {
		unit := make([]float64, 6)
		unit[j] = 1
		col := model.ContactTau(0, q, skeleton.WrenchFromSlice(unit))
		for i := 0; i < 6; i++ {
			basis.Set(i, j, col.AtVec(i))
		}
	}
	w := mat.NewVecDense(6, nil)
	err := w.SolveVec(basis, tau)
	test.That(t, err, test.ShouldBeNil)
	return skeleton.WrenchFromSlice(rawCopy(w))
}

// balancedTrial builds a trial whose force plate exactly explains the truth
// model's motion at every acceleration timestep. Trailing timesteps reuse the
// last balanced wrench so the force stream stays active throughout.
func balancedTrial(t *testing.T, truth skeleton.Model, steps int, dt float64) Trial {
	t.Helper()
	poses := gentleTrajectory(steps, dt)
	vels, accs := differentiate(poses, dt)

	plate := &forceplate.Plate{
		Forces:            make([]r3.Vector, steps),
		Moments:           make([]r3.Vector, steps),
		CentersOfPressure: make([]r3.Vector, steps),
	}
	for ts := 0; ts < steps; ts++ {
		src := ts
		if src > steps-3 {
			src = steps - 3
		}
		w := balancingWrench(t, truth, denseCol(poses, src), denseCol(vels, src), denseCol(accs, src))
		plate.Forces[ts] = w.Force
		plate.Moments[ts] = w.Torque
		plate.CentersOfPressure[ts] = r3.Vector{}
	}
	return Trial{DT: dt, Poses: poses, ForcePlates: []*forceplate.Plate{plate}}
}

// observedMarkers builds a marker set and per-timestep observations of the
// truth model's marker world positions, nudged so errors are nonzero.
func observedMarkers(truth skeleton.Model, poses *mat.Dense, nudge float64) (map[string]skeleton.Marker, []map[string]r3.Vector) {
	markers := map[string]skeleton.Marker{
		"ASIS": {Body: 0, Offset: r3.Vector{X: 0.1, Y: 0.02, Z: -0.05}},
		"PSIS": {Body: 0, Offset: r3.Vector{X: -0.08, Y: 0.03, Z: 0.06}},
	}
	names := []string{"ASIS", "PSIS"}
	_, steps := poses.Dims()
	obs := make([]map[string]r3.Vector, steps)
	for t := 0; t < steps; t++ {
		frame := map[string]r3.Vector{}
		for i, name := range names {
			q := denseCol(poses, t)
			world := truth.MarkerWorldPositions([]skeleton.Marker{markers[name]}, q)[0]
			frame[name] = world.Add(r3.Vector{X: nudge * float64(i+1), Y: -nudge, Z: nudge / 2})
		}
		obs[t] = frame
	}
	return markers, obs
}

// annotateNoMissingGRF marks every timestep as measured.
func annotateNoMissingGRF(init *Initialization) {
	for trial := range init.Trials {
		init.ProbablyMissingGRF[trial] = make([]bool, init.Trials[trial].NumTimesteps())
	}
}

func almostEach(t *testing.T, got, want []float64, atol, rtol float64) {
	t.Helper()
	test.That(t, len(got), test.ShouldEqual, len(want))
	for i := range got {
		test.That(t, got[i], test.ShouldAlmostEqual, want[i], atol+rtol*math.Abs(want[i]))
	}
}
