// Package dynfit fits a skeletal model's inertial parameters, body scales,
// marker offsets and pose trajectories to motion-capture and force-plate
// recordings, minimizing unexplained root forces alongside marker and joint
// error.
package dynfit

import (
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/openbiomech/dynafit/forceplate"
	"github.com/openbiomech/dynafit/skeleton"
)

// Trial is one recorded motion trial: a pose trajectory at a fixed timestep
// plus the force plates that were live during it.
type Trial struct {
	// DT is the seconds between consecutive pose columns.
	DT float64
	// Poses is dofs x T.
	Poses *mat.Dense
	// ForcePlates all span the trial's T timesteps.
	ForcePlates []*forceplate.Plate
	// MarkerObservations maps marker names to observed world positions, one
	// map per timestep. Markers can drop out, so maps may be sparse.
	MarkerObservations []map[string]r3.Vector
}

// NumTimesteps returns the trial length.
func (tr *Trial) NumTimesteps() int {
	_, t := tr.Poses.Dims()
	return t
}

// Initialization carries the full mutable state of a dynamics fit: the
// parameter estimates being optimized and everything derived from the raw
// trials that the loss terms read. Optimizer runs both start from and write
// back into one of these, so passes can be chained.
type Initialization struct {
	GroupMasses   *mat.VecDense
	GroupCOMs     *mat.VecDense
	GroupInertias *mat.VecDense
	GroupScales   *mat.VecDense
	BodyMasses    *mat.VecDense

	// Markers holds the current body attachments, keyed by marker name.
	// Names in TrackingMarkers are regularized loosely; the rest are treated
	// as anatomical and held near their initial offsets.
	Markers         map[string]skeleton.Marker
	TrackingMarkers map[string]bool

	Trials []Trial
	// Poses is the per-trial working copy being optimized, dofs x T each.
	Poses []*mat.Dense
	// OriginalPoses is the smoothed snapshot the pose regularizer pulls
	// toward.
	OriginalPoses []*mat.Dense

	// GRFBodyIndices lists the bodies measured wrenches are applied through.
	GRFBodyIndices []int
	// GRFTrials stacks one [torque; force] world wrench per GRF body per
	// timestep: (6*len(GRFBodyIndices)) x T per trial.
	GRFTrials []*mat.Dense
	// ProbablyMissingGRF marks timesteps where the subject is plausibly in
	// contact that no plate measured. nil per trial until ground contact
	// estimation has run.
	ProbablyMissingGRF [][]bool

	// Ground contact bookkeeping, filled by EstimateGroundContacts.
	// ContactBodies lists, per GRF body, that body plus its non-GRF
	// descendants. ContactSphereRadii is indexed [trial][grf body][contact
	// body]; the per-body flag tables are indexed [trial][timestep][grf body].
	ContactBodies            [][]int
	ContactSphereRadii       [][][]float64
	GroundHeight             []float64
	DefaultForcePlateCorners [][]r3.Vector
	GRFBodyForceActive       [][][]bool
	GRFBodySphereInContact   [][][]bool
	GRFBodyOffForcePlate     [][][]bool

	// Joint-center and joint-axis observations, from an upstream functional
	// joint fit. JointCenters is (3*len(Joints)) x T per trial, JointAxes is
	// (6*len(Joints)) x T per trial with [position; direction] stanzas.
	Joints           []int
	JointWeights     []float64
	JointCenters     []*mat.Dense
	JointAxisWeights []float64
	JointAxes        []*mat.Dense
}

// NewInitialization snapshots the model's current parameters and prepares the
// trial data for fitting. Markers named in trackingMarkers get the loose
// regularization treatment. The pose regularization target is a smoothed copy
// of each trial's input poses.
func NewInitialization(
	model skeleton.Model,
	markers map[string]skeleton.Marker,
	trackingMarkers []string,
	grfBodies []int,
	trials []Trial,
) (*Initialization, error) {
	init := &Initialization{
		GroupMasses:     model.GroupMasses(),
		GroupCOMs:       model.GroupCOMs(),
		GroupInertias:   model.GroupInertias(),
		GroupScales:     model.GroupScales(),
		BodyMasses:      model.BodyMasses(),
		Markers:         map[string]skeleton.Marker{},
		TrackingMarkers: map[string]bool{},
		Trials:          trials,
		GRFBodyIndices:  grfBodies,
	}
	for name, m := range markers {
		init.Markers[name] = m
	}
	for _, name := range trackingMarkers {
		if _, ok := markers[name]; !ok {
			return nil, errors.Errorf("tracking marker %q is not in the marker set", name)
		}
		init.TrackingMarkers[name] = true
	}

	for i := range trials {
		tr := &trials[i]
		dofs, steps := tr.Poses.Dims()
		if dofs != model.NumDofs() {
			return nil, errors.Errorf("trial %d has %d dofs, model has %d", i, dofs, model.NumDofs())
		}
		if steps < 3 {
			return nil, errors.Errorf("trial %d has %d timesteps, need at least 3", i, steps)
		}
		for _, plate := range tr.ForcePlates {
			if err := plate.Validate(); err != nil {
				return nil, errors.Wrapf(err, "trial %d", i)
			}
			if plate.NumTimesteps() != steps {
				return nil, errors.Errorf("trial %d: plate spans %d timesteps, poses span %d",
					i, plate.NumTimesteps(), steps)
			}
		}

		working := mat.DenseCopyOf(tr.Poses)
		init.Poses = append(init.Poses, working)
		init.OriginalPoses = append(init.OriginalPoses, smoothPoses(tr.Poses))
		init.GRFTrials = append(init.GRFTrials, stackGRF(model, grfBodies, tr))
		init.ProbablyMissingGRF = append(init.ProbablyMissingGRF, nil)
	}
	return init, nil
}

// NewInitializationFromKinematicFit splits a concatenated kinematic-fit pose
// matrix back into trials before building an Initialization. Upstream marker
// fits solve all trials as one long trajectory; this is the seam between the
// two pipelines.
func NewInitializationFromKinematicFit(
	model skeleton.Model,
	markers map[string]skeleton.Marker,
	trackingMarkers []string,
	grfBodies []int,
	concatenatedPoses *mat.Dense,
	trialLengths []int,
	dts []float64,
	plates [][]*forceplate.Plate,
	observations [][]map[string]r3.Vector,
) (*Initialization, error) {
	if len(trialLengths) != len(dts) || len(trialLengths) != len(plates) {
		return nil, errors.New("trial lengths, timesteps and plates must align")
	}
	dofs, total := concatenatedPoses.Dims()
	sum := 0
	for _, n := range trialLengths {
		sum += n
	}
	if sum != total {
		return nil, errors.Errorf("trial lengths sum to %d but poses have %d columns", sum, total)
	}

	trials := make([]Trial, 0, len(trialLengths))
	cursor := 0
	for i, n := range trialLengths {
		poses := mat.NewDense(dofs, n, nil)
		poses.Copy(concatenatedPoses.Slice(0, dofs, cursor, cursor+n))
		cursor += n
		tr := Trial{DT: dts[i], Poses: poses, ForcePlates: plates[i]}
		if observations != nil {
			tr.MarkerObservations = observations[i]
		}
		trials = append(trials, tr)
	}
	return NewInitialization(model, markers, trackingMarkers, grfBodies, trials)
}

// smoothPoses returns a centered moving-average copy of poses, used as the
// pose regularization target so the fit is pulled toward low-jerk motion
// rather than toward raw marker noise.
func smoothPoses(poses *mat.Dense) *mat.Dense {
	const halfWindow = 2
	dofs, steps := poses.Dims()
	out := mat.NewDense(dofs, steps, nil)
	for t := 0; t < steps; t++ {
		lo, hi := t-halfWindow, t+halfWindow
		if lo < 0 {
			lo = 0
		}
		if hi > steps-1 {
			hi = steps - 1
		}
		span := float64(hi - lo + 1)
		for d := 0; d < dofs; d++ {
			s := 0.0
			for k := lo; k <= hi; k++ {
				s += poses.At(d, k)
			}
			out.Set(d, t, s/span)
		}
	}
	return out
}

// stackGRF assigns each force plate's per-timestep world wrench to the
// nearest GRF body and accumulates into the stacked (6*bodies) x T matrix.
func stackGRF(model skeleton.Model, grfBodies []int, tr *Trial) *mat.Dense {
	steps := tr.NumTimesteps()
	out := mat.NewDense(6*len(grfBodies), steps, nil)
	if len(grfBodies) == 0 {
		return out
	}
	q := mat.NewVecDense(model.NumDofs(), nil)
	for t := 0; t < steps; t++ {
		for d := 0; d < model.NumDofs(); d++ {
			q.SetVec(d, tr.Poses.At(d, t))
		}
		for _, plate := range tr.ForcePlates {
			if !plate.ForceActive(t) {
				continue
			}
			cop := plate.CentersOfPressure[t]
			best, bestDist := 0, 0.0
			for i, body := range grfBodies {
				d := model.BodyWorldPosition(body, q).Sub(cop).Norm()
				if i == 0 || d < bestDist {
					best, bestDist = i, d
				}
			}
			w := plate.WorldWrench(t)
			row := 6 * best
			out.Set(row, t, out.At(row, t)+w.Torque.X)
			out.Set(row+1, t, out.At(row+1, t)+w.Torque.Y)
			out.Set(row+2, t, out.At(row+2, t)+w.Torque.Z)
			out.Set(row+3, t, out.At(row+3, t)+w.Force.X)
			out.Set(row+4, t, out.At(row+4, t)+w.Force.Y)
			out.Set(row+5, t, out.At(row+5, t)+w.Force.Z)
		}
	}
	return out
}

// GRFColumn copies the stacked wrench column for one timestep of one trial.
func (init *Initialization) GRFColumn(trial, t int) *mat.VecDense {
	rows, _ := init.GRFTrials[trial].Dims()
	out := mat.NewVecDense(rows, nil)
	for i := 0; i < rows; i++ {
		out.SetVec(i, init.GRFTrials[trial].At(i, t))
	}
	return out
}

// ApplyToModel writes the initialization's parameter estimates into the
// model.
func (init *Initialization) ApplyToModel(model skeleton.Model) {
	model.SetGroupMasses(init.GroupMasses)
	model.SetGroupCOMs(init.GroupCOMs)
	model.SetGroupInertias(init.GroupInertias)
	model.SetGroupScales(init.GroupScales)
}

// MarkerNames returns the marker names in a stable (sorted) order, fixing the
// layout of marker-offset decision variables.
func (init *Initialization) MarkerNames() []string {
	names := make([]string, 0, len(init.Markers))
	for name := range init.Markers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
