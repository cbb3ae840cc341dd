package dynfit

import (
	"math"

	"github.com/edaniels/golog"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"github.com/openbiomech/dynafit/skeleton"
)

// JacobianStrategy selects how residual sensitivities are computed.
type JacobianStrategy int

const (
	// StrategyAnalytical uses the model's closed-form Jacobians and falls
	// back to central finite differences, with a warning, for parameter
	// kinds the model declines.
	StrategyAnalytical JacobianStrategy = iota
	// StrategyFiniteDifference always finite-differences the residual.
	StrategyFiniteDifference
)

// ResidualHelper evaluates the root residual wrench of one timestep: the
// first six generalized forces left over by M(q)·ddq + C(q,dq) after the
// measured external wrenches are subtracted. A zero residual means the
// observed motion is dynamically consistent with the measured forces.
type ResidualHelper struct {
	model     skeleton.Model
	grfBodies []int
	strategy  JacobianStrategy
	logger    golog.Logger
	warnedFD  map[skeleton.ParamKind]bool
}

// NewResidualHelper builds a helper for the given model and the list of body
// indices that receive measured ground reaction wrenches.
func NewResidualHelper(model skeleton.Model, grfBodies []int, strategy JacobianStrategy, logger golog.Logger) *ResidualHelper {
	return &ResidualHelper{
		model:     model,
		grfBodies: grfBodies,
		strategy:  strategy,
		logger:    logger,
		warnedFD:  map[skeleton.ParamKind]bool{},
	}
}

// wrenchAt reads the i-th body's [torque; force] stanza out of a stacked GRF
// column.
func wrenchAt(grf *mat.VecDense, i int) skeleton.Wrench {
	return skeleton.WrenchFromSlice([]float64{
		grf.AtVec(6 * i), grf.AtVec(6*i + 1), grf.AtVec(6*i + 2),
		grf.AtVec(6*i + 3), grf.AtVec(6*i + 4), grf.AtVec(6*i + 5),
	})
}

// Residual returns the 6-vector of root-joint forces unaccounted for by the
// measured wrenches. grf stacks one [torque; force] wrench about the world
// origin per GRF body.
func (h *ResidualHelper) Residual(q, dq, ddq, grf *mat.VecDense) *mat.VecDense {
	tau := mat.NewVecDense(h.model.NumDofs(), nil)
	tau.MulVec(h.model.MassMatrix(q), ddq)
	tau.AddVec(tau, h.model.CoriolisAndGravity(q, dq))
	for i, body := range h.grfBodies {
		tau.SubVec(tau, h.model.ContactTau(body, q, wrenchAt(grf, i)))
	}
	out := mat.NewVecDense(6, nil)
	for i := 0; i < 6; i++ {
		out.SetVec(i, tau.AtVec(i))
	}
	return out
}

// ResidualNorm scores the residual. The torque rows are scaled by
// torquesMultiple before scoring. With useL1 the score is the torque norm
// plus the force norm; otherwise it is the squared norm.
func (h *ResidualHelper) ResidualNorm(q, dq, ddq, grf *mat.VecDense, torquesMultiple float64, useL1 bool) float64 {
	r := h.Residual(q, dq, ddq, grf)
	for i := 0; i < 3; i++ {
		r.SetVec(i, r.AtVec(i)*torquesMultiple)
	}
	if useL1 {
		return norm3(r, 0) + norm3(r, 3)
	}
	return mat.Dot(r, r)
}

func norm3(v *mat.VecDense, from int) float64 {
	s := 0.0
	for i := from; i < from+3; i++ {
		s += v.AtVec(i) * v.AtVec(i)
	}
	return math.Sqrt(s)
}

// ResidualJacobianWrt returns the 6 x ParamDim(kind) sensitivity of the
// residual. Analytical pieces are assembled from the model's Jacobians; if
// any piece is unavailable, or the helper was built with
// StrategyFiniteDifference, the whole residual is finite-differenced.
func (h *ResidualHelper) ResidualJacobianWrt(kind skeleton.ParamKind, q, dq, ddq, grf *mat.VecDense) *mat.Dense {
	if h.strategy == StrategyAnalytical {
		if jac, ok := h.analyticalJacobian(kind, q, dq, ddq, grf); ok {
			return jac
		}
		if !h.warnedFD[kind] {
			h.warnedFD[kind] = true
			h.logger.Warnw("no analytical residual Jacobian, falling back to finite differences",
				"kind", kind.String())
		}
	}
	return h.fdJacobian(kind, q, dq, ddq, grf)
}

func (h *ResidualHelper) analyticalJacobian(kind skeleton.ParamKind, q, dq, ddq, grf *mat.VecDense) (*mat.Dense, bool) {
	dofs := h.model.NumDofs()
	n := h.model.ParamDim(kind)

	jm, ok := h.model.JacobianOfM(q, ddq, kind)
	if !ok {
		return nil, false
	}
	jc, ok := h.model.JacobianOfC(q, dq, kind)
	if !ok {
		return nil, false
	}
	full := mat.NewDense(dofs, n, nil)
	full.Add(jm, jc)
	for i, body := range h.grfBodies {
		jt, ok := h.model.JacobianOfContactTau(body, q, wrenchAt(grf, i), kind)
		if !ok {
			return nil, false
		}
		full.Sub(full, jt)
	}
	return full.Slice(0, 6, 0, n).(*mat.Dense), true
}

func (h *ResidualHelper) fdJacobian(kind skeleton.ParamKind, q, dq, ddq, grf *mat.VecDense) *mat.Dense {
	n := h.model.ParamDim(kind)
	var base []float64
	var eval func(y, x []float64)

	replaceTrajectory := func(target *mat.VecDense) (func(y, x []float64), []float64) {
		orig := mat.VecDenseCopyOf(target)
		return func(y, x []float64) {
			sub := mat.NewVecDense(len(x), x)
			qq, dd, aa := q, dq, ddq
			switch target {
			case q:
				qq = sub
			case dq:
				dd = sub
			default:
				aa = sub
			}
			r := h.Residual(qq, dd, aa, grf)
			for i := 0; i < 6; i++ {
				y[i] = r.AtVec(i)
			}
		}, rawCopy(orig)
	}

	switch kind {
	case skeleton.Positions:
		eval, base = replaceTrajectory(q)
	case skeleton.Velocities:
		eval, base = replaceTrajectory(dq)
	case skeleton.Accelerations:
		eval, base = replaceTrajectory(ddq)
	default:
		saved := h.model.Param(kind)
		base = rawCopy(saved)
		eval = func(y, x []float64) {
			h.model.SetParam(kind, mat.NewVecDense(len(x), x))
			r := h.Residual(q, dq, ddq, grf)
			h.model.SetParam(kind, saved)
			for i := 0; i < 6; i++ {
				y[i] = r.AtVec(i)
			}
		}
	}

	jac := mat.NewDense(6, n, nil)
	fd.Jacobian(jac, eval, base, &fd.JacobianSettings{Formula: fd.Central})
	return jac
}

// ResidualNormGradientWrt returns the gradient of ResidualNorm with respect
// to a parameter kind.
func (h *ResidualHelper) ResidualNormGradientWrt(kind skeleton.ParamKind, q, dq, ddq, grf *mat.VecDense, torquesMultiple float64, useL1 bool) *mat.VecDense {
	jac := h.ResidualJacobianWrt(kind, q, dq, ddq, grf)
	r := h.Residual(q, dq, ddq, grf)
	n := h.model.ParamDim(kind)
	out := mat.NewVecDense(n, nil)

	if useL1 {
		// d|T·r_head|/dx + d|r_tail|/dx with safe normalization.
		scaled := mat.VecDenseCopyOf(r)
		for i := 0; i < 3; i++ {
			scaled.SetVec(i, scaled.AtVec(i)*torquesMultiple)
		}
		headNorm := norm3(scaled, 0)
		tailNorm := norm3(scaled, 3)
		w := mat.NewVecDense(6, nil)
		if headNorm > 0 {
			for i := 0; i < 3; i++ {
				w.SetVec(i, torquesMultiple*scaled.AtVec(i)/headNorm)
			}
		}
		if tailNorm > 0 {
			for i := 3; i < 6; i++ {
				w.SetVec(i, scaled.AtVec(i)/tailNorm)
			}
		}
		out.MulVec(jac.T(), w)
		return out
	}

	w := mat.NewVecDense(6, nil)
	for i := 0; i < 6; i++ {
		scale := 2.0
		if i < 3 {
			scale = 2 * torquesMultiple * torquesMultiple
		}
		w.SetVec(i, scale*r.AtVec(i))
	}
	out.MulVec(jac.T(), w)
	return out
}

func rawCopy(v *mat.VecDense) []float64 {
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out
}
