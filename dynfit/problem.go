package dynfit

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"github.com/openbiomech/dynafit/skeleton"
)

// ErrMissingContactAnnotation is returned when a problem wants residual terms
// but ground contact was never annotated, so missing-measurement timesteps
// cannot be excluded from the loss.
var ErrMissingContactAnnotation = errors.New(
	"residual terms requested but ground contact is not annotated; run EstimateGroundContacts first")

// markerOffsetBound is the box constraint on marker offset coordinates.
const markerOffsetBound = 5.0

// ProblemConfig selects decision variables and weights loss terms. Values are
// copied at problem construction, so a config can be reused and is never
// mutated by a solve.
type ProblemConfig struct {
	IncludeMasses        bool
	IncludeCOMs          bool
	IncludeInertias      bool
	IncludeBodyScales    bool
	IncludeMarkerOffsets bool
	IncludePoses         bool

	ResidualWeight         float64
	ResidualTorqueMultiple float64
	ResidualUseL1          bool
	MarkerWeight           float64
	MarkerUseL1            bool
	JointWeight            float64

	RegularizeMasses                  float64
	RegularizeCOMs                    float64
	RegularizeInertias                float64
	RegularizeBodyScales              float64
	RegularizeTrackingMarkerOffsets   float64
	RegularizeAnatomicalMarkerOffsets float64
	RegularizePoses                   float64

	JacobianStrategy JacobianStrategy
}

// DefaultProblemConfig returns the standard full-fit configuration: every
// parameter group active, L1 scoring for residual and marker terms, and
// regularization pulling toward the initialization.
func DefaultProblemConfig() ProblemConfig {
	return ProblemConfig{
		IncludeMasses:        true,
		IncludeCOMs:          true,
		IncludeInertias:      true,
		IncludeBodyScales:    true,
		IncludeMarkerOffsets: true,
		IncludePoses:         true,

		ResidualWeight:         0.1,
		ResidualTorqueMultiple: 1,
		ResidualUseL1:          true,
		MarkerWeight:           1,
		MarkerUseL1:            true,
		JointWeight:            1,

		RegularizeMasses:                  1,
		RegularizeCOMs:                    1,
		RegularizeInertias:                1,
		RegularizeBodyScales:              0.2,
		RegularizeTrackingMarkerOffsets:   0.05,
		RegularizeAnatomicalMarkerOffsets: 10,
		RegularizePoses:                   0,
	}
}

// Problem is one differentiable constrained fit over a model and an
// initialization. It exposes the flat decision vector, loss, gradient and
// first-order consistency constraints a ConstrainedSolver drives.
type Problem struct {
	model  skeleton.Model
	init   *Initialization
	cfg    ProblemConfig
	layout *layout
	helper *ResidualHelper
	logger golog.Logger

	markerNames []string
	markerIndex map[string]int
	markerList  []skeleton.Marker

	// working trajectory state, written by unflatten
	poses []*mat.Dense
	vels  []*mat.Dense
	accs  []*mat.Dense

	// regularization targets, snapshotted at construction
	targetMasses   *mat.VecDense
	targetCOMs     *mat.VecDense
	targetInertias *mat.VecDense
	targetScales   *mat.VecDense
	targetOffsets  []r3.Vector

	totalAccSteps  int
	totalSteps     int
	markerObsCount int
	lastX          []float64
	bestObjective  float64
	bestX          []float64
	haveBest       bool
}

// NewProblem validates the configuration against the initialization, syncs
// the model's parameters from it and lays out the decision vector.
func NewProblem(model skeleton.Model, init *Initialization, cfg ProblemConfig, logger golog.Logger) (*Problem, error) {
	if cfg.ResidualWeight > 0 {
		for trial := range init.Trials {
			if init.ProbablyMissingGRF[trial] == nil {
				return nil, errors.Wrapf(ErrMissingContactAnnotation, "trial %d", trial)
			}
		}
	}
	init.ApplyToModel(model)

	p := &Problem{
		model:  model,
		init:   init,
		cfg:    cfg,
		helper: NewResidualHelper(model, init.GRFBodyIndices, cfg.JacobianStrategy, logger),
		logger: logger,

		markerNames: init.MarkerNames(),
		markerIndex: map[string]int{},

		targetMasses:   mat.VecDenseCopyOf(init.GroupMasses),
		targetCOMs:     mat.VecDenseCopyOf(init.GroupCOMs),
		targetInertias: mat.VecDenseCopyOf(init.GroupInertias),
		targetScales:   mat.VecDenseCopyOf(init.GroupScales),

		bestObjective: math.Inf(1),
	}
	for i, name := range p.markerNames {
		p.markerIndex[name] = i
		p.markerList = append(p.markerList, init.Markers[name])
		p.targetOffsets = append(p.targetOffsets, init.Markers[name].Offset)
	}

	lengths := make([]int, len(init.Trials))
	for i := range init.Trials {
		steps := init.Trials[i].NumTimesteps()
		lengths[i] = steps
		p.totalSteps += steps
		p.totalAccSteps += steps - 2
		for _, obs := range init.Trials[i].MarkerObservations {
			for name := range obs {
				if _, ok := init.Markers[name]; ok {
					p.markerObsCount++
				}
			}
		}

		poses := mat.DenseCopyOf(init.Poses[i])
		p.poses = append(p.poses, poses)
		vel, acc := differentiate(poses, init.Trials[i].DT)
		p.vels = append(p.vels, vel)
		p.accs = append(p.accs, acc)
	}
	p.layout = newLayout(cfg, model, len(p.markerNames), lengths)
	return p, nil
}

// differentiate computes forward-difference velocities and central-difference
// accelerations from a pose matrix.
func differentiate(poses *mat.Dense, dt float64) (*mat.Dense, *mat.Dense) {
	dofs, steps := poses.Dims()
	vel := mat.NewDense(dofs, steps-1, nil)
	acc := mat.NewDense(dofs, steps-2, nil)
	for t := 0; t < steps-1; t++ {
		for d := 0; d < dofs; d++ {
			vel.Set(d, t, (poses.At(d, t+1)-poses.At(d, t))/dt)
		}
	}
	for t := 0; t < steps-2; t++ {
		for d := 0; d < dofs; d++ {
			acc.Set(d, t, (vel.At(d, t+1)-vel.At(d, t))/dt)
		}
	}
	return vel, acc
}

// ProblemSize is the decision vector dimension.
func (p *Problem) ProblemSize() int {
	return p.layout.dim
}

// ConstraintSize is the number of equality constraint rows.
func (p *Problem) ConstraintSize() int {
	return p.layout.constraintDim(p.model.NumDofs())
}

// Bounds assembles the box constraints block by block.
func (p *Problem) Bounds() (lower, upper []float64) {
	lower = make([]float64, p.layout.dim)
	upper = make([]float64, p.layout.dim)
	for _, b := range p.layout.blocks {
		var lo, hi *mat.VecDense
		switch b.kind {
		case blockGroupMasses:
			lo, hi = p.model.GroupMassesBounds()
		case blockGroupCOMs:
			lo, hi = p.model.GroupCOMsBounds()
		case blockGroupInertias:
			lo, hi = p.model.GroupInertiasBounds()
		case blockGroupScales:
			lo, hi = p.model.GroupScalesBounds()
		case blockMarkerOffsets:
			for i := 0; i < b.length; i++ {
				lower[b.offset+i] = -markerOffsetBound
				upper[b.offset+i] = markerOffsetBound
			}
			continue
		case blockPositions:
			lo, hi = p.model.PositionBounds()
		case blockVelocities:
			lo, hi = p.model.VelocityBounds()
		case blockAccelerations:
			lo, hi = p.model.AccelerationBounds()
		}
		for i := 0; i < b.length; i++ {
			lower[b.offset+i] = lo.AtVec(i)
			upper[b.offset+i] = hi.AtVec(i)
		}
	}
	return lower, upper
}

// StartingPoint flattens the current model parameters and trajectories.
func (p *Problem) StartingPoint() []float64 {
	x := make([]float64, p.layout.dim)
	for _, b := range p.layout.blocks {
		switch b.kind {
		case blockGroupMasses:
			copyVecTo(x[b.offset:], p.model.GroupMasses())
		case blockGroupCOMs:
			copyVecTo(x[b.offset:], p.model.GroupCOMs())
		case blockGroupInertias:
			copyVecTo(x[b.offset:], p.model.GroupInertias())
		case blockGroupScales:
			copyVecTo(x[b.offset:], p.model.GroupScales())
		case blockMarkerOffsets:
			for i, m := range p.markerList {
				x[b.offset+3*i] = m.Offset.X
				x[b.offset+3*i+1] = m.Offset.Y
				x[b.offset+3*i+2] = m.Offset.Z
			}
		case blockPositions:
			copyColTo(x[b.offset:], p.poses[b.trial], b.step)
		case blockVelocities:
			copyColTo(x[b.offset:], p.vels[b.trial], b.step)
		case blockAccelerations:
			copyColTo(x[b.offset:], p.accs[b.trial], b.step)
		}
	}
	return x
}

func copyVecTo(dst []float64, v *mat.VecDense) {
	for i := 0; i < v.Len(); i++ {
		dst[i] = v.AtVec(i)
	}
}

func copyColTo(dst []float64, m *mat.Dense, col int) {
	rows, _ := m.Dims()
	for i := 0; i < rows; i++ {
		dst[i] = m.At(i, col)
	}
}

// unflatten writes a decision vector into the model and working trajectories.
// Re-applying the vector most recently applied is a no-op.
func (p *Problem) unflatten(x []float64) {
	if p.lastX != nil && floatsEqual(p.lastX, x) {
		return
	}
	for _, b := range p.layout.blocks {
		seg := x[b.offset : b.offset+b.length]
		switch b.kind {
		case blockGroupMasses:
			p.model.SetGroupMasses(mat.NewVecDense(b.length, seg))
		case blockGroupCOMs:
			p.model.SetGroupCOMs(mat.NewVecDense(b.length, seg))
		case blockGroupInertias:
			p.model.SetGroupInertias(mat.NewVecDense(b.length, seg))
		case blockGroupScales:
			p.model.SetGroupScales(mat.NewVecDense(b.length, seg))
		case blockMarkerOffsets:
			for i := range p.markerList {
				p.markerList[i].Offset = r3.Vector{X: seg[3*i], Y: seg[3*i+1], Z: seg[3*i+2]}
			}
		case blockPositions:
			setCol(p.poses[b.trial], b.step, seg)
		case blockVelocities:
			setCol(p.vels[b.trial], b.step, seg)
		case blockAccelerations:
			setCol(p.accs[b.trial], b.step, seg)
		}
	}
	p.lastX = append(p.lastX[:0], x...)
}

func setCol(m *mat.Dense, col int, v []float64) {
	for i, x := range v {
		m.Set(i, col, x)
	}
}

func floatsEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (p *Problem) poseCol(trial, t int) *mat.VecDense {
	dofs, _ := p.poses[trial].Dims()
	out := mat.NewVecDense(dofs, nil)
	for d := 0; d < dofs; d++ {
		out.SetVec(d, p.poses[trial].At(d, t))
	}
	return out
}

func (p *Problem) velCol(trial, t int) *mat.VecDense {
	dofs, _ := p.vels[trial].Dims()
	out := mat.NewVecDense(dofs, nil)
	for d := 0; d < dofs; d++ {
		out.SetVec(d, p.vels[trial].At(d, t))
	}
	return out
}

func (p *Problem) accCol(trial, t int) *mat.VecDense {
	dofs, _ := p.accs[trial].Dims()
	out := mat.NewVecDense(dofs, nil)
	for d := 0; d < dofs; d++ {
		out.SetVec(d, p.accs[trial].At(d, t))
	}
	return out
}

// observedAt collects the markers observed at one timestep, with their global
// indices and observed world targets.
func (p *Problem) observedAt(trial, t int) ([]skeleton.Marker, []int, []r3.Vector) {
	obs := p.init.Trials[trial].MarkerObservations
	if t >= len(obs) || len(obs[t]) == 0 {
		return nil, nil, nil
	}
	var ms []skeleton.Marker
	var idxs []int
	var targets []r3.Vector
	for _, name := range p.markerNames {
		if target, ok := obs[t][name]; ok {
			ms = append(ms, p.markerList[p.markerIndex[name]])
			idxs = append(idxs, p.markerIndex[name])
			targets = append(targets, target)
		}
	}
	return ms, idxs, targets
}

// residualActive reports whether the residual term applies at an acceleration
// timestep: residuals are skipped where contact is plausibly unmeasured.
func (p *Problem) residualActive(trial, t int) bool {
	missing := p.init.ProbablyMissingGRF[trial]
	return missing == nil || !missing[t]
}

// ExplainLoss evaluates the loss term by term. ComputeLoss sums the result,
// and diagnostics report it directly.
func (p *Problem) ExplainLoss(x []float64) map[string]float64 {
	p.unflatten(x)
	out := map[string]float64{}
	groups := float64(p.model.NumScaleGroups())

	if p.cfg.IncludeMasses && p.cfg.RegularizeMasses > 0 {
		out["regularize_masses"] = p.cfg.RegularizeMasses / groups *
			sqDistVec(p.model.GroupMasses(), p.targetMasses)
	}
	if p.cfg.IncludeCOMs && p.cfg.RegularizeCOMs > 0 {
		out["regularize_coms"] = p.cfg.RegularizeCOMs / groups *
			sqDistVec(p.model.GroupCOMs(), p.targetCOMs)
	}
	if p.cfg.IncludeInertias && p.cfg.RegularizeInertias > 0 {
		out["regularize_inertias"] = p.cfg.RegularizeInertias / groups *
			sqDistVec(p.model.GroupInertias(), p.targetInertias)
	}
	if p.cfg.IncludeBodyScales && p.cfg.RegularizeBodyScales > 0 {
		out["regularize_body_scales"] = p.cfg.RegularizeBodyScales / groups *
			sqDistVec(p.model.GroupScales(), p.targetScales)
	}
	if p.cfg.IncludeMarkerOffsets && len(p.markerList) > 0 {
		sum := 0.0
		for i, m := range p.markerList {
			d := m.Offset.Sub(p.targetOffsets[i])
			sum += p.markerOffsetRegWeight(i) * d.Dot(d)
		}
		out["regularize_marker_offsets"] = sum / float64(len(p.markerList))
	}

	if p.cfg.ResidualWeight > 0 && p.totalAccSteps > 0 {
		sum := 0.0
		for trial := range p.init.Trials {
			_, accSteps := p.accs[trial].Dims()
			for t := 0; t < accSteps; t++ {
				if !p.residualActive(trial, t) {
					continue
				}
				sum += p.helper.ResidualNorm(
					p.poseCol(trial, t), p.velCol(trial, t), p.accCol(trial, t),
					p.init.GRFColumn(trial, t),
					p.cfg.ResidualTorqueMultiple, p.cfg.ResidualUseL1)
			}
		}
		out["residuals"] = p.cfg.ResidualWeight / float64(p.totalAccSteps) * sum
	}

	if p.cfg.MarkerWeight > 0 && p.markerObsCount > 0 {
		sum := 0.0
		for trial := range p.init.Trials {
			for t := 0; t < p.init.Trials[trial].NumTimesteps(); t++ {
				ms, _, targets := p.observedAt(trial, t)
				if len(ms) == 0 {
					continue
				}
				world := p.model.MarkerWorldPositions(ms, p.poseCol(trial, t))
				for i := range ms {
					d := world[i].Sub(targets[i])
					if p.cfg.MarkerUseL1 {
						sum += d.Norm()
					} else {
						sum += d.Dot(d)
					}
				}
			}
		}
		out["markers"] = p.cfg.MarkerWeight / float64(p.markerObsCount) * sum
	}

	if p.cfg.JointWeight > 0 && len(p.init.Joints) > 0 {
		centers, axes := 0.0, 0.0
		for trial := range p.init.Trials {
			for t := 0; t < p.init.Trials[trial].NumTimesteps(); t++ {
				world := p.model.JointWorldPositions(p.init.Joints, p.poseCol(trial, t))
				for j := range p.init.Joints {
					if p.init.JointCenters != nil {
						d := world[j].Sub(colVec3(p.init.JointCenters[trial], 3*j, t))
						centers += p.init.JointWeights[j] * d.Dot(d)
					}
					if p.init.JointAxes != nil {
						pos := colVec3(p.init.JointAxes[trial], 6*j, t)
						dir := colVec3(p.init.JointAxes[trial], 6*j+3, t)
						d := perpComponent(world[j].Sub(pos), dir)
						axes += p.init.JointAxisWeights[j] * d.Dot(d)
					}
				}
			}
		}
		if p.init.JointCenters != nil {
			out["joint_centers"] = p.cfg.JointWeight * centers
		}
		if p.init.JointAxes != nil {
			out["joint_axes"] = p.cfg.JointWeight * axes
		}
	}

	if p.cfg.IncludePoses && p.cfg.RegularizePoses > 0 {
		sum := 0.0
		for trial := range p.init.Trials {
			var diff mat.Dense
			diff.Sub(p.poses[trial], p.init.OriginalPoses[trial])
			sum += matSqNorm(&diff)
		}
		out["regularize_poses"] = p.cfg.RegularizePoses / float64(p.totalSteps) * sum
	}
	return out
}

func (p *Problem) markerOffsetRegWeight(i int) float64 {
	if p.init.TrackingMarkers[p.markerNames[i]] {
		return p.cfg.RegularizeTrackingMarkerOffsets
	}
	return p.cfg.RegularizeAnatomicalMarkerOffsets
}

func sqDistVec(a, b *mat.VecDense) float64 {
	s := 0.0
	for i := 0; i < a.Len(); i++ {
		d := a.AtVec(i) - b.AtVec(i)
		s += d * d
	}
	return s
}

func matSqNorm(m *mat.Dense) float64 {
	n := mat.Norm(m, 2)
	return n * n
}

func colVec3(m *mat.Dense, row, col int) r3.Vector {
	return r3.Vector{X: m.At(row, col), Y: m.At(row+1, col), Z: m.At(row+2, col)}
}

// perpComponent removes the projection of v onto dir (normalized first).
func perpComponent(v, dir r3.Vector) r3.Vector {
	n := dir.Norm()
	if n == 0 {
		return v
	}
	u := dir.Mul(1 / n)
	return v.Sub(u.Mul(u.Dot(v)))
}

// EvalObjective computes the scalar loss at x.
func (p *Problem) EvalObjective(x []float64) float64 {
	total := 0.0
	for _, v := range p.ExplainLoss(x) {
		total += v
	}
	return total
}

// EvalGradient writes the loss gradient into grad, assembled block by block.
func (p *Problem) EvalGradient(x, grad []float64) {
	p.unflatten(x)
	for i := range grad {
		grad[i] = 0
	}
	groups := float64(p.model.NumScaleGroups())

	for _, b := range p.layout.blocks {
		switch b.kind {
		case blockGroupMasses:
			p.regGradient(grad, b, p.model.GroupMasses(), p.targetMasses, p.cfg.RegularizeMasses/groups)
			p.residualGradient(grad, b, skeleton.GroupMasses)
		case blockGroupCOMs:
			p.regGradient(grad, b, p.model.GroupCOMs(), p.targetCOMs, p.cfg.RegularizeCOMs/groups)
			p.residualGradient(grad, b, skeleton.GroupCOMs)
		case blockGroupInertias:
			p.regGradient(grad, b, p.model.GroupInertias(), p.targetInertias, p.cfg.RegularizeInertias/groups)
			p.residualGradient(grad, b, skeleton.GroupInertias)
		case blockGroupScales:
			p.regGradient(grad, b, p.model.GroupScales(), p.targetScales, p.cfg.RegularizeBodyScales/groups)
			p.residualGradient(grad, b, skeleton.GroupScales)
			p.markerGradientWrtScales(grad, b)
			p.jointGradientWrtScales(grad, b)
		case blockMarkerOffsets:
			p.markerOffsetGradient(grad, b)
		case blockPositions:
			p.positionGradient(grad, b)
		case blockVelocities:
			p.trajectoryResidualGradient(grad, b, skeleton.Velocities)
		case blockAccelerations:
			p.trajectoryResidualGradient(grad, b, skeleton.Accelerations)
		}
	}
}

func (p *Problem) regGradient(grad []float64, b block, current, target *mat.VecDense, weight float64) {
	if weight <= 0 {
		return
	}
	for i := 0; i < b.length; i++ {
		grad[b.offset+i] += 2 * weight * (current.AtVec(i) - target.AtVec(i))
	}
}

// residualGradient accumulates the residual term's sensitivity to a global
// parameter block across every active acceleration timestep.
func (p *Problem) residualGradient(grad []float64, b block, kind skeleton.ParamKind) {
	if p.cfg.ResidualWeight <= 0 || p.totalAccSteps == 0 {
		return
	}
	scale := p.cfg.ResidualWeight / float64(p.totalAccSteps)
	for trial := range p.init.Trials {
		_, accSteps := p.accs[trial].Dims()
		for t := 0; t < accSteps; t++ {
			if !p.residualActive(trial, t) {
				continue
			}
			g := p.helper.ResidualNormGradientWrt(kind,
				p.poseCol(trial, t), p.velCol(trial, t), p.accCol(trial, t),
				p.init.GRFColumn(trial, t),
				p.cfg.ResidualTorqueMultiple, p.cfg.ResidualUseL1)
			for i := 0; i < b.length; i++ {
				grad[b.offset+i] += scale * g.AtVec(i)
			}
		}
	}
}

// trajectoryResidualGradient handles velocity and acceleration blocks, which
// only the residual term reads.
func (p *Problem) trajectoryResidualGradient(grad []float64, b block, kind skeleton.ParamKind) {
	if p.cfg.ResidualWeight <= 0 || p.totalAccSteps == 0 {
		return
	}
	_, accSteps := p.accs[b.trial].Dims()
	if b.step >= accSteps || !p.residualActive(b.trial, b.step) {
		return
	}
	scale := p.cfg.ResidualWeight / float64(p.totalAccSteps)
	g := p.helper.ResidualNormGradientWrt(kind,
		p.poseCol(b.trial, b.step), p.velCol(b.trial, b.step), p.accCol(b.trial, b.step),
		p.init.GRFColumn(b.trial, b.step),
		p.cfg.ResidualTorqueMultiple, p.cfg.ResidualUseL1)
	for i := 0; i < b.length; i++ {
		grad[b.offset+i] += scale * g.AtVec(i)
	}
}

// markerErrorWeights stacks the per-marker loss derivative d(loss_i)/d(world_i).
func (p *Problem) markerErrorWeights(ms []skeleton.Marker, targets []r3.Vector, q *mat.VecDense) *mat.VecDense {
	world := p.model.MarkerWorldPositions(ms, q)
	w := mat.NewVecDense(3*len(ms), nil)
	for i := range ms {
		d := world[i].Sub(targets[i])
		if p.cfg.MarkerUseL1 {
			n := d.Norm()
			if n > 0 {
				d = d.Mul(1 / n)
			} else {
				d = r3.Vector{}
			}
		} else {
			d = d.Mul(2)
		}
		w.SetVec(3*i, d.X)
		w.SetVec(3*i+1, d.Y)
		w.SetVec(3*i+2, d.Z)
	}
	return w
}

func (p *Problem) markerGradientWrtScales(grad []float64, b block) {
	if p.cfg.MarkerWeight <= 0 || p.markerObsCount == 0 {
		return
	}
	scale := p.cfg.MarkerWeight / float64(p.markerObsCount)
	out := mat.NewVecDense(b.length, nil)
	for trial := range p.init.Trials {
		for t := 0; t < p.init.Trials[trial].NumTimesteps(); t++ {
			ms, _, targets := p.observedAt(trial, t)
			if len(ms) == 0 {
				continue
			}
			q := p.poseCol(trial, t)
			jac := p.model.MarkerJacobianWrtGroupScales(ms, q)
			out.MulVec(jac.T(), p.markerErrorWeights(ms, targets, q))
			for i := 0; i < b.length; i++ {
				grad[b.offset+i] += scale * out.AtVec(i)
			}
		}
	}
}

func (p *Problem) jointGradientWrtScales(grad []float64, b block) {
	if p.cfg.JointWeight <= 0 || len(p.init.Joints) == 0 {
		return
	}
	scale := p.cfg.JointWeight
	out := mat.NewVecDense(b.length, nil)
	for trial := range p.init.Trials {
		for t := 0; t < p.init.Trials[trial].NumTimesteps(); t++ {
			q := p.poseCol(trial, t)
			w := p.jointErrorWeights(trial, t, q)
			if w == nil {
				continue
			}
			jac := p.model.JointJacobianWrtGroupScales(p.init.Joints, q)
			out.MulVec(jac.T(), w)
			for i := 0; i < b.length; i++ {
				grad[b.offset+i] += scale * out.AtVec(i)
			}
		}
	}
}

// jointErrorWeights stacks d(joint losses)/d(joint world position).
func (p *Problem) jointErrorWeights(trial, t int, q *mat.VecDense) *mat.VecDense {
	world := p.model.JointWorldPositions(p.init.Joints, q)
	w := mat.NewVecDense(3*len(p.init.Joints), nil)
	any := false
	for j := range p.init.Joints {
		var g r3.Vector
		if p.init.JointCenters != nil {
			d := world[j].Sub(colVec3(p.init.JointCenters[trial], 3*j, t))
			g = g.Add(d.Mul(2 * p.init.JointWeights[j]))
		}
		if p.init.JointAxes != nil {
			pos := colVec3(p.init.JointAxes[trial], 6*j, t)
			dir := colVec3(p.init.JointAxes[trial], 6*j+3, t)
			d := perpComponent(world[j].Sub(pos), dir)
			g = g.Add(d.Mul(2 * p.init.JointAxisWeights[j]))
		}
		if g.Norm() > 0 {
			any = true
		}
		w.SetVec(3*j, g.X)
		w.SetVec(3*j+1, g.Y)
		w.SetVec(3*j+2, g.Z)
	}
	if !any {
		return nil
	}
	return w
}

func (p *Problem) markerOffsetGradient(grad []float64, b block) {
	for i, m := range p.markerList {
		w := 2 * p.markerOffsetRegWeight(i) / float64(len(p.markerList))
		d := m.Offset.Sub(p.targetOffsets[i])
		grad[b.offset+3*i] += w * d.X
		grad[b.offset+3*i+1] += w * d.Y
		grad[b.offset+3*i+2] += w * d.Z
	}
	if p.cfg.MarkerWeight <= 0 || p.markerObsCount == 0 {
		return
	}
	scale := p.cfg.MarkerWeight / float64(p.markerObsCount)
	for trial := range p.init.Trials {
		for t := 0; t < p.init.Trials[trial].NumTimesteps(); t++ {
			ms, idxs, targets := p.observedAt(trial, t)
			if len(ms) == 0 {
				continue
			}
			q := p.poseCol(trial, t)
			jac := p.model.MarkerJacobianWrtOffsets(ms, q)
			out := mat.NewVecDense(3*len(ms), nil)
			out.MulVec(jac.T(), p.markerErrorWeights(ms, targets, q))
			for i, idx := range idxs {
				for k := 0; k < 3; k++ {
					grad[b.offset+3*idx+k] += scale * out.AtVec(3*i+k)
				}
			}
		}
	}
}

// positionGradient accumulates every term that reads a pose column: marker
// error, joint error, pose regularization, and the residual where the
// timestep has an acceleration variable.
func (p *Problem) positionGradient(grad []float64, b block) {
	trial, t := b.trial, b.step
	q := p.poseCol(trial, t)

	if p.cfg.MarkerWeight > 0 && p.markerObsCount > 0 {
		ms, _, targets := p.observedAt(trial, t)
		if len(ms) > 0 {
			scale := p.cfg.MarkerWeight / float64(p.markerObsCount)
			jac := p.model.MarkerJacobianWrtPositions(ms, q)
			out := mat.NewVecDense(b.length, nil)
			out.MulVec(jac.T(), p.markerErrorWeights(ms, targets, q))
			for i := 0; i < b.length; i++ {
				grad[b.offset+i] += scale * out.AtVec(i)
			}
		}
	}

	if p.cfg.JointWeight > 0 && len(p.init.Joints) > 0 {
		if w := p.jointErrorWeights(trial, t, q); w != nil {
			scale := p.cfg.JointWeight
			jac := p.model.JointJacobianWrtPositions(p.init.Joints, q)
			out := mat.NewVecDense(b.length, nil)
			out.MulVec(jac.T(), w)
			for i := 0; i < b.length; i++ {
				grad[b.offset+i] += scale * out.AtVec(i)
			}
		}
	}

	if p.cfg.RegularizePoses > 0 {
		w := 2 * p.cfg.RegularizePoses / float64(p.totalSteps)
		for i := 0; i < b.length; i++ {
			grad[b.offset+i] += w * (p.poses[trial].At(i, t) - p.init.OriginalPoses[trial].At(i, t))
		}
	}

	_, accSteps := p.accs[trial].Dims()
	if p.cfg.ResidualWeight > 0 && t < accSteps && p.residualActive(trial, t) {
		scale := p.cfg.ResidualWeight / float64(p.totalAccSteps)
		g := p.helper.ResidualNormGradientWrt(skeleton.Positions,
			q, p.velCol(trial, t), p.accCol(trial, t),
			p.init.GRFColumn(trial, t),
			p.cfg.ResidualTorqueMultiple, p.cfg.ResidualUseL1)
		for i := 0; i < b.length; i++ {
			grad[b.offset+i] += scale * g.AtVec(i)
		}
	}
}

// FDGradient finite-differences the objective, for self-checking the
// analytical gradient.
func (p *Problem) FDGradient(x []float64) []float64 {
	out := make([]float64, len(x))
	fd.Gradient(out, func(v []float64) float64 {
		return p.EvalObjective(v)
	}, x, &fd.Settings{Formula: fd.Central})
	return out
}

// EvalConstraints writes the first-order consistency residuals: each velocity
// variable must match its pose difference quotient, each acceleration its
// velocity difference quotient.
func (p *Problem) EvalConstraints(x, out []float64) {
	p.unflatten(x)
	dofs := p.model.NumDofs()
	cursor := 0
	for trial := range p.init.Trials {
		if p.layout.velOffset[trial][0] < 0 {
			continue
		}
		dt := p.init.Trials[trial].DT
		_, velSteps := p.vels[trial].Dims()
		_, accSteps := p.accs[trial].Dims()
		for t := 0; t < velSteps; t++ {
			for d := 0; d < dofs; d++ {
				out[cursor] = p.vels[trial].At(d, t)*dt - p.poses[trial].At(d, t+1) + p.poses[trial].At(d, t)
				cursor++
			}
			if t < accSteps {
				for d := 0; d < dofs; d++ {
					out[cursor] = p.accs[trial].At(d, t)*dt - p.vels[trial].At(d, t+1) + p.vels[trial].At(d, t)
					cursor++
				}
			}
		}
	}
}

// JacobianStructure lists the (row, col) positions of the constraint
// Jacobian's nonzeros. Each row has exactly three: the differentiated
// variable and the two variables it differences.
func (p *Problem) JacobianStructure() (rows, cols []int) {
	dofs := p.model.NumDofs()
	row := 0
	for trial := range p.init.Trials {
		velOff := p.layout.velOffset[trial]
		posOff := p.layout.posOffset[trial]
		accOff := p.layout.accOffset[trial]
		if velOff[0] < 0 {
			continue
		}
		for t := 0; t < len(velOff); t++ {
			for d := 0; d < dofs; d++ {
				rows = append(rows, row, row, row)
				cols = append(cols, velOff[t]+d, posOff[t+1]+d, posOff[t]+d)
				row++
			}
			if t < len(accOff) {
				for d := 0; d < dofs; d++ {
					rows = append(rows, row, row, row)
					cols = append(cols, accOff[t]+d, velOff[t+1]+d, velOff[t]+d)
					row++
				}
			}
		}
	}
	return rows, cols
}

// JacobianValues fills the nonzero values in JacobianStructure order.
func (p *Problem) JacobianValues(x, out []float64) {
	p.unflatten(x)
	dofs := p.model.NumDofs()
	cursor := 0
	for trial := range p.init.Trials {
		if p.layout.velOffset[trial][0] < 0 {
			continue
		}
		dt := p.init.Trials[trial].DT
		_, velSteps := p.vels[trial].Dims()
		_, accSteps := p.accs[trial].Dims()
		for t := 0; t < velSteps; t++ {
			for d := 0; d < dofs; d++ {
				out[cursor] = dt
				out[cursor+1] = -1
				out[cursor+2] = 1
				cursor += 3
			}
			if t < accSteps {
				for d := 0; d < dofs; d++ {
					out[cursor] = dt
					out[cursor+1] = -1
					out[cursor+2] = 1
					cursor += 3
				}
			}
		}
	}
}

// DenseConstraintJacobian expands the sparse structure, for verification.
func (p *Problem) DenseConstraintJacobian(x []float64) *mat.Dense {
	rows, cols := p.JacobianStructure()
	vals := make([]float64, len(rows))
	p.JacobianValues(x, vals)
	out := mat.NewDense(p.ConstraintSize(), p.ProblemSize(), nil)
	for i := range rows {
		out.Set(rows[i], cols[i], vals[i])
	}
	return out
}

// Intermediate tracks the best near-feasible iterate seen so far.
func (p *Problem) Intermediate(objective, infeasibility float64, x []float64) {
	if math.Abs(infeasibility) < 1.0 && objective < p.bestObjective {
		p.bestObjective = objective
		p.bestX = append(p.bestX[:0], x...)
		p.haveBest = true
	}
}

// Finalize applies the best tracked iterate (or the final one when nothing
// better was seen) and writes the result back into the initialization.
func (p *Problem) Finalize(x []float64) {
	chosen := x
	if p.haveBest {
		chosen = p.bestX
	}
	p.unflatten(chosen)

	p.init.GroupMasses = p.model.GroupMasses()
	p.init.GroupCOMs = p.model.GroupCOMs()
	p.init.GroupInertias = p.model.GroupInertias()
	p.init.GroupScales = p.model.GroupScales()
	p.init.BodyMasses = p.model.BodyMasses()
	for i, name := range p.markerNames {
		p.init.Markers[name] = p.markerList[i]
	}
	for trial := range p.poses {
		p.init.Poses[trial].Copy(p.poses[trial])
	}
}
