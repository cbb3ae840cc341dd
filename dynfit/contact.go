package dynfit

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/openbiomech/dynafit/forceplate"
	"github.com/openbiomech/dynafit/skeleton"
)

// defaultPlatePadding grows the fallback plate footprint on every side.
const defaultPlatePadding = 0.1

// EstimateGroundContacts annotates the initialization with everything the
// residual gating needs: which bodies can touch the ground, how big each
// body's contact spheres must be to explain its measured forces, the ground
// height, fallback plate footprints, and the verdict per timestep on whether
// ground reaction force is plausibly missing from the measurements.
//
// All bookkeeping is per GRF body: each body is judged against its own
// assigned wrench column, so one foot measured on a plate never hides the
// other foot's unmeasured contact. A timestep is marked probably-missing when
// any body's contact sphere touches the ground, that body's wrench reads no
// force, and the body is outside every plate footprint. Residual terms are
// skipped there, because the dynamics genuinely cannot balance without the
// unmeasured force.
func EstimateGroundContacts(model skeleton.Model, init *Initialization, logger golog.Logger) {
	grfSet := map[int]bool{}
	for _, body := range init.GRFBodyIndices {
		grfSet[body] = true
	}
	init.ContactBodies = nil
	for _, body := range init.GRFBodyIndices {
		init.ContactBodies = append(init.ContactBodies, descendants(model, body, grfSet))
	}
	numGRF := len(init.GRFBodyIndices)

	trials := len(init.Trials)
	init.GroundHeight = make([]float64, trials)
	init.DefaultForcePlateCorners = make([][]r3.Vector, trials)
	init.ContactSphereRadii = make([][][]float64, trials)
	init.ProbablyMissingGRF = make([][]bool, trials)
	init.GRFBodyForceActive = make([][][]bool, trials)
	init.GRFBodySphereInContact = make([][][]bool, trials)
	init.GRFBodyOffForcePlate = make([][][]bool, trials)

	for trial := range init.Trials {
		tr := &init.Trials[trial]
		ground := groundHeight(tr)
		init.GroundHeight[trial] = ground
		steps := tr.NumTimesteps()

		// Grow each body's closest contact sphere until every frame where that
		// body's wrench is active registers ground contact.
		radii := make([][]float64, numGRF)
		for b := range radii {
			radii[b] = make([]float64, len(init.ContactBodies[b]))
		}
		q := mat.NewVecDense(model.NumDofs(), nil)
		for t := 0; t < steps; t++ {
			poseColInto(tr.Poses, t, q)
			for b := 0; b < numGRF; b++ {
				if !bodyForceActive(init.GRFTrials[trial], t, b) {
					continue
				}
				closest, minDist := -1, math.Inf(1)
				for c, body := range init.ContactBodies[b] {
					h := model.BodyWorldPosition(body, q).Y - ground
					if h < 0 {
						h = 0
					}
					if h < minDist {
						closest, minDist = c, h
					}
				}
				if closest >= 0 && minDist > radii[b][closest] {
					radii[b][closest] = minDist
				}
			}
		}
		init.ContactSphereRadii[trial] = radii

		// If any plate lacks a recorded footprint, synthesize one rectangle
		// per trial boxing every plate's centers of pressure, padded.
		needDefault := false
		for _, plate := range tr.ForcePlates {
			if len(plate.Corners) < 3 {
				needDefault = true
				break
			}
		}
		var defaults []r3.Vector
		if needDefault {
			var cops []r3.Vector
			for _, plate := range tr.ForcePlates {
				cops = append(cops, plate.CentersOfPressure...)
			}
			defaults = forceplate.PaddedBoundingBoxXZ(cops, defaultPlatePadding, ground)
			if defaults != nil {
				logger.Debugw("synthesized force plate footprint", "trial", trial)
			}
		}
		init.DefaultForcePlateCorners[trial] = defaults

		missing := make([]bool, steps)
		forceActive := make([][]bool, steps)
		inContact := make([][]bool, steps)
		offPlate := make([][]bool, steps)
		numMissing := 0
		for t := 0; t < steps; t++ {
			poseColInto(tr.Poses, t, q)
			forceActive[t] = make([]bool, numGRF)
			inContact[t] = make([]bool, numGRF)
			offPlate[t] = make([]bool, numGRF)
			for b := 0; b < numGRF; b++ {
				forceActive[t][b] = bodyForceActive(init.GRFTrials[trial], t, b)
				for c, body := range init.ContactBodies[b] {
					h := model.BodyWorldPosition(body, q).Y - ground
					if h < 0 {
						h = 0
					}
					if h <= radii[b][c] {
						inContact[t][b] = true
						break
					}
				}
				if !inContact[t][b] || forceActive[t][b] {
					continue
				}
				onPlate := false
				for _, body := range init.ContactBodies[b] {
					if onAnyPlate(init, trial, tr, model.BodyWorldPosition(body, q)) {
						onPlate = true
						break
					}
				}
				if !onPlate {
					offPlate[t][b] = true
					missing[t] = true
				}
			}
			if missing[t] {
				numMissing++
			}
		}
		init.ProbablyMissingGRF[trial] = missing
		init.GRFBodyForceActive[trial] = forceActive
		init.GRFBodySphereInContact[trial] = inContact
		init.GRFBodyOffForcePlate[trial] = offPlate
		if numMissing > 0 {
			logger.Infow("timesteps have unmeasured ground contact, residuals will skip them",
				"trial", trial, "timesteps", numMissing, "of", steps)
		}
	}
}

// descendants returns body plus every body below it in the kinematic tree,
// stopping at bodies that carry their own measured wrench.
func descendants(model skeleton.Model, body int, grfSet map[int]bool) []int {
	out := []int{body}
	queue := []int{body}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, child := range model.ChildrenOf(next) {
			if grfSet[child] {
				continue
			}
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

// bodyForceActive reports whether one GRF body's stacked wrench column stanza
// is non-negligible at timestep t.
func bodyForceActive(grf *mat.Dense, t, b int) bool {
	s := 0.0
	for i := 0; i < 6; i++ {
		v := grf.At(6*b+i, t)
		s += v * v
	}
	return s > 1e-3
}

// groundHeight picks the lowest recorded plate corner, or failing that the
// lowest force-active center of pressure.
func groundHeight(tr *Trial) float64 {
	height := math.Inf(1)
	haveCorners := false
	for _, plate := range tr.ForcePlates {
		for _, c := range plate.Corners {
			haveCorners = true
			if c.Y < height {
				height = c.Y
			}
		}
	}
	if haveCorners {
		return height
	}
	for _, plate := range tr.ForcePlates {
		for t := 0; t < plate.NumTimesteps(); t++ {
			if plate.ForceActive(t) && plate.CentersOfPressure[t].Y < height {
				height = plate.CentersOfPressure[t].Y
			}
		}
	}
	if math.IsInf(height, 1) {
		return 0
	}
	return height
}

// onAnyPlate checks a world point against every recorded footprint plus the
// trial's synthesized default footprint.
func onAnyPlate(init *Initialization, trial int, tr *Trial, pos r3.Vector) bool {
	for _, plate := range tr.ForcePlates {
		if plate.ContainsXZ(pos) {
			return true
		}
	}
	if corners := init.DefaultForcePlateCorners[trial]; corners != nil {
		box := forceplate.Plate{Corners: corners}
		return box.ContainsXZ(pos)
	}
	return false
}

func poseColInto(poses *mat.Dense, t int, q *mat.VecDense) {
	dofs, _ := poses.Dims()
	for d := 0; d < dofs; d++ {
		q.SetVec(d, poses.At(d, t))
	}
}
