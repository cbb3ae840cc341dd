package skeleton

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// FreeBody is a single unconstrained rigid body with a 6-DOF free joint. The
// generalized coordinates are [rx ry rz tx ty tz]: XYZ Euler angles of the
// body frame followed by the world position of the body origin. The center of
// mass sits at a scalable body-frame offset from the origin, and the inertia
// is expressed about the center of mass in body coordinates as
// [Ixx Iyy Izz Ixy Ixz Iyz].
//
// FreeBody answers every inertial-parameter Jacobian analytically; center of
// mass and scale sensitivities, plus position sensitivities of the Coriolis
// vector, are declined so callers exercise their finite-difference paths.
type FreeBody struct {
	name    string
	mass    float64
	com     r3.Vector
	inertia [6]float64
	scales  r3.Vector
	gravity r3.Vector
}

var _ Model = (*FreeBody)(nil)

// NewFreeBody builds a free body with unit scales and standard gravity along
// negative Y.
func NewFreeBody(name string, mass float64, com r3.Vector, inertia [6]float64) *FreeBody {
	return &FreeBody{
		name:    name,
		mass:    mass,
		com:     com,
		inertia: inertia,
		scales:  r3.Vector{X: 1, Y: 1, Z: 1},
		gravity: r3.Vector{X: 0, Y: -9.81, Z: 0},
	}
}

func (fb *FreeBody) NumDofs() int   { return 6 }
func (fb *FreeBody) NumBodies() int { return 1 }

func (fb *FreeBody) BodyName(body int) string { return fb.name }

func (fb *FreeBody) ChildrenOf(body int) []int { return nil }

func (fb *FreeBody) NumScaleGroups() int { return 1 }
func (fb *FreeBody) GroupScaleDim() int  { return 3 }

func (fb *FreeBody) GroupMasses() *mat.VecDense {
	return mat.NewVecDense(1, []float64{fb.mass})
}

func (fb *FreeBody) SetGroupMasses(v *mat.VecDense) {
	fb.mass = v.AtVec(0)
}

func (fb *FreeBody) GroupCOMs() *mat.VecDense {
	return mat.NewVecDense(3, []float64{fb.com.X, fb.com.Y, fb.com.Z})
}

func (fb *FreeBody) SetGroupCOMs(v *mat.VecDense) {
	fb.com = r3.Vector{X: v.AtVec(0), Y: v.AtVec(1), Z: v.AtVec(2)}
}

func (fb *FreeBody) GroupInertias() *mat.VecDense {
	out := mat.NewVecDense(6, nil)
	for i, x := range fb.inertia {
		out.SetVec(i, x)
	}
	return out
}

func (fb *FreeBody) SetGroupInertias(v *mat.VecDense) {
	for i := range fb.inertia {
		fb.inertia[i] = v.AtVec(i)
	}
}

func (fb *FreeBody) GroupScales() *mat.VecDense {
	return mat.NewVecDense(3, []float64{fb.scales.X, fb.scales.Y, fb.scales.Z})
}

func (fb *FreeBody) SetGroupScales(v *mat.VecDense) {
	fb.scales = r3.Vector{X: v.AtVec(0), Y: v.AtVec(1), Z: v.AtVec(2)}
}

func (fb *FreeBody) BodyMasses() *mat.VecDense {
	return fb.GroupMasses()
}

func (fb *FreeBody) SetBodyMasses(v *mat.VecDense) {
	fb.SetGroupMasses(v)
}

func constVec(n int, v float64) *mat.VecDense {
	out := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		out.SetVec(i, v)
	}
	return out
}

func (fb *FreeBody) GroupMassesBounds() (*mat.VecDense, *mat.VecDense) {
	return constVec(1, 1e-3), constVec(1, 1e3)
}

func (fb *FreeBody) GroupCOMsBounds() (*mat.VecDense, *mat.VecDense) {
	return constVec(3, -2), constVec(3, 2)
}

func (fb *FreeBody) GroupInertiasBounds() (*mat.VecDense, *mat.VecDense) {
	lower := mat.NewVecDense(6, []float64{1e-6, 1e-6, 1e-6, -1e3, -1e3, -1e3})
	return lower, constVec(6, 1e3)
}

func (fb *FreeBody) GroupScalesBounds() (*mat.VecDense, *mat.VecDense) {
	return constVec(3, 0.2), constVec(3, 5)
}

func (fb *FreeBody) PositionBounds() (*mat.VecDense, *mat.VecDense) {
	lower := mat.NewVecDense(6, []float64{-4 * math.Pi, -4 * math.Pi, -4 * math.Pi, -50, -50, -50})
	upper := mat.NewVecDense(6, []float64{4 * math.Pi, 4 * math.Pi, 4 * math.Pi, 50, 50, 50})
	return lower, upper
}

func (fb *FreeBody) VelocityBounds() (*mat.VecDense, *mat.VecDense) {
	return constVec(6, -1e3), constVec(6, 1e3)
}

func (fb *FreeBody) AccelerationBounds() (*mat.VecDense, *mat.VecDense) {
	return constVec(6, -1e5), constVec(6, 1e5)
}

func (fb *FreeBody) ParamDim(kind ParamKind) int {
	switch kind {
	case GroupMasses:
		return 1
	case GroupCOMs, GroupScales:
		return 3
	default:
		return 6
	}
}

func (fb *FreeBody) Param(kind ParamKind) *mat.VecDense {
	switch kind {
	case GroupMasses:
		return fb.GroupMasses()
	case GroupCOMs:
		return fb.GroupCOMs()
	case GroupInertias:
		return fb.GroupInertias()
	case GroupScales:
		return fb.GroupScales()
	}
	return nil
}

func (fb *FreeBody) SetParam(kind ParamKind, v *mat.VecDense) {
	switch kind {
	case GroupMasses:
		fb.SetGroupMasses(v)
	case GroupCOMs:
		fb.SetGroupCOMs(v)
	case GroupInertias:
		fb.SetGroupInertias(v)
	case GroupScales:
		fb.SetGroupScales(v)
	}
}

// scaledCOM is the body-frame COM offset with scales applied.
func (fb *FreeBody) scaledCOM() r3.Vector {
	return r3.Vector{X: fb.scales.X * fb.com.X, Y: fb.scales.Y * fb.com.Y, Z: fb.scales.Z * fb.com.Z}
}

func angles(q *mat.VecDense) (a, b, g float64) {
	return q.AtVec(0), q.AtVec(1), q.AtVec(2)
}

func translation(q *mat.VecDense) r3.Vector {
	return r3.Vector{X: q.AtVec(3), Y: q.AtVec(4), Z: q.AtVec(5)}
}

// comJacobian returns B, whose k-th column is dR/dθ_k applied to the scaled
// COM offset, so that the world COM velocity is ṗ + B·θ̇.
func comJacobian(a, b, g float64, c r3.Vector) m3 {
	var out m3
	for k := 0; k < 3; k++ {
		col := eulerXYZPartial(a, b, g, k).apply(c)
		out[k] = col.X
		out[3+k] = col.Y
		out[6+k] = col.Z
	}
	return out
}

// comJacobianPartial returns dB/dθ_l, built from second rotation partials.
func comJacobianPartial(a, b, g float64, c r3.Vector, l int) m3 {
	var out m3
	for k := 0; k < 3; k++ {
		col := eulerXYZSecondPartial(a, b, g, k, l).apply(c)
		out[k] = col.X
		out[3+k] = col.Y
		out[6+k] = col.Z
	}
	return out
}

func setBlock3(dst *mat.Dense, row, col int, b m3) {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			dst.Set(row+i, col+j, b[i*3+j])
		}
	}
}

func inertiaMatrix(in [6]float64) m3 {
	return symmetric3(in[0], in[1], in[2], in[3], in[4], in[5])
}

// massMatrixWith assembles the 6x6 generalized mass matrix for the given mass
// and inertia, holding the pose and the stored COM and scales fixed. M is
// linear in both arguments, which the parameter Jacobians exploit.
func (fb *FreeBody) massMatrixWith(q *mat.VecDense, mass float64, inertia [6]float64) *mat.Dense {
	a, b, g := angles(q)
	e := eulerRateMatrix(b, g)
	bj := comJacobian(a, b, g, fb.scaledCOM())
	ic := inertiaMatrix(inertia)

	tt := e.t().mul(ic).mul(e).add(bj.t().mul(bj).scale(mass))
	tp := bj.t().scale(mass)
	pt := bj.scale(mass)
	pp := diag3(r3.Vector{X: mass, Y: mass, Z: mass})

	out := mat.NewDense(6, 6, nil)
	setBlock3(out, 0, 0, tt)
	setBlock3(out, 0, 3, tp)
	setBlock3(out, 3, 0, pt)
	setBlock3(out, 3, 3, pp)
	return out
}

// massMatrixPartial returns dM/dθ_l for l in 0..2. M does not depend on the
// translational coordinates.
func (fb *FreeBody) massMatrixPartial(q *mat.VecDense, mass float64, inertia [6]float64, l int) *mat.Dense {
	a, b, g := angles(q)
	e := eulerRateMatrix(b, g)
	de := eulerRateMatrixPartial(b, g, l)
	c := fb.scaledCOM()
	bj := comJacobian(a, b, g, c)
	dbj := comJacobianPartial(a, b, g, c, l)
	ic := inertiaMatrix(inertia)

	tt := de.t().mul(ic).mul(e).
		add(e.t().mul(ic).mul(de)).
		add(dbj.t().mul(bj).add(bj.t().mul(dbj)).scale(mass))
	tp := dbj.t().scale(mass)
	pt := dbj.scale(mass)

	out := mat.NewDense(6, 6, nil)
	setBlock3(out, 0, 0, tt)
	setBlock3(out, 0, 3, tp)
	setBlock3(out, 3, 0, pt)
	return out
}

// coriolisAndGravityWith evaluates C(q, dq) for the given mass and inertia:
// Ṁ·dq minus half the stacked quadratic forms dqᵀ(dM/dθ_k)dq, plus the
// gravity generalized force. Like M, it is linear in (mass, inertia).
func (fb *FreeBody) coriolisAndGravityWith(q, dq *mat.VecDense, mass float64, inertia [6]float64) *mat.VecDense {
	parts := [3]*mat.Dense{}
	for k := 0; k < 3; k++ {
		parts[k] = fb.massMatrixPartial(q, mass, inertia, k)
	}

	out := mat.NewVecDense(6, nil)
	var mkdq [3]*mat.VecDense
	for k := 0; k < 3; k++ {
		v := mat.NewVecDense(6, nil)
		v.MulVec(parts[k], dq)
		mkdq[k] = v
		out.AddScaledVec(out, dq.AtVec(k), v)
	}
	for i := 0; i < 3; i++ {
		out.SetVec(i, out.AtVec(i)-0.5*mat.Dot(dq, mkdq[i]))
	}

	a, b, g := angles(q)
	bg := comJacobian(a, b, g, fb.scaledCOM()).t().apply(fb.gravity)
	out.SetVec(0, out.AtVec(0)-mass*bg.X)
	out.SetVec(1, out.AtVec(1)-mass*bg.Y)
	out.SetVec(2, out.AtVec(2)-mass*bg.Z)
	out.SetVec(3, out.AtVec(3)-mass*fb.gravity.X)
	out.SetVec(4, out.AtVec(4)-mass*fb.gravity.Y)
	out.SetVec(5, out.AtVec(5)-mass*fb.gravity.Z)
	return out
}

func (fb *FreeBody) MassMatrix(q *mat.VecDense) *mat.Dense {
	return fb.massMatrixWith(q, fb.mass, fb.inertia)
}

func (fb *FreeBody) CoriolisAndGravity(q, dq *mat.VecDense) *mat.VecDense {
	return fb.coriolisAndGravityWith(q, dq, fb.mass, fb.inertia)
}

func (fb *FreeBody) ContactTau(body int, q *mat.VecDense, w Wrench) *mat.VecDense {
	a, b, g := angles(q)
	p := translation(q)
	u := w.Torque.Sub(p.Cross(w.Force))
	top := eulerRateMatrix(b, g).t().apply(eulerXYZ(a, b, g).t().apply(u))
	return mat.NewVecDense(6, []float64{top.X, top.Y, top.Z, w.Force.X, w.Force.Y, w.Force.Z})
}

func unitInertia(j int) [6]float64 {
	var out [6]float64
	out[j] = 1
	return out
}

func (fb *FreeBody) JacobianOfM(q, ddq *mat.VecDense, kind ParamKind) (*mat.Dense, bool) {
	switch kind {
	case Accelerations:
		out := mat.NewDense(6, 6, nil)
		out.Copy(fb.MassMatrix(q))
		return out, true
	case Velocities:
		return mat.NewDense(6, 6, nil), true
	case Positions:
		out := mat.NewDense(6, 6, nil)
		col := mat.NewVecDense(6, nil)
		for k := 0; k < 3; k++ {
			col.MulVec(fb.massMatrixPartial(q, fb.mass, fb.inertia, k), ddq)
			for i := 0; i < 6; i++ {
				out.Set(i, k, col.AtVec(i))
			}
		}
		return out, true
	case GroupMasses:
		col := mat.NewVecDense(6, nil)
		col.MulVec(fb.massMatrixWith(q, 1, [6]float64{}), ddq)
		out := mat.NewDense(6, 1, nil)
		for i := 0; i < 6; i++ {
			out.Set(i, 0, col.AtVec(i))
		}
		return out, true
	case GroupInertias:
		out := mat.NewDense(6, 6, nil)
		col := mat.NewVecDense(6, nil)
		for j := 0; j < 6; j++ {
			col.MulVec(fb.massMatrixWith(q, 0, unitInertia(j)), ddq)
			for i := 0; i < 6; i++ {
				out.Set(i, j, col.AtVec(i))
			}
		}
		return out, true
	}
	return nil, false
}

func (fb *FreeBody) JacobianOfC(q, dq *mat.VecDense, kind ParamKind) (*mat.Dense, bool) {
	switch kind {
	case Accelerations:
		return mat.NewDense(6, 6, nil), true
	case Velocities:
		// d(Ṁ·dq)/d(dq) = Ṁ + [M_0·dq | M_1·dq | M_2·dq | 0 | 0 | 0],
		// and the quadratic-form term contributes -(M_i·dq)ᵀ to row i < 3.
		out := mat.NewDense(6, 6, nil)
		var mkdq [3]*mat.VecDense
		for k := 0; k < 3; k++ {
			part := fb.massMatrixPartial(q, fb.mass, fb.inertia, k)
			v := mat.NewVecDense(6, nil)
			v.MulVec(part, dq)
			mkdq[k] = v
			var scaled mat.Dense
			scaled.Scale(dq.AtVec(k), part)
			out.Add(out, &scaled)
		}
		for k := 0; k < 3; k++ {
			for i := 0; i < 6; i++ {
				out.Set(i, k, out.At(i, k)+mkdq[k].AtVec(i))
			}
			for j := 0; j < 6; j++ {
				out.Set(k, j, out.At(k, j)-mkdq[k].AtVec(j))
			}
		}
		return out, true
	case GroupMasses:
		col := fb.coriolisAndGravityWith(q, dq, 1, [6]float64{})
		out := mat.NewDense(6, 1, nil)
		for i := 0; i < 6; i++ {
			out.Set(i, 0, col.AtVec(i))
		}
		return out, true
	case GroupInertias:
		out := mat.NewDense(6, 6, nil)
		for j := 0; j < 6; j++ {
			col := fb.coriolisAndGravityWith(q, dq, 0, unitInertia(j))
			for i := 0; i < 6; i++ {
				out.Set(i, j, col.AtVec(i))
			}
		}
		return out, true
	}
	return nil, false
}

func (fb *FreeBody) JacobianOfContactTau(body int, q *mat.VecDense, w Wrench, kind ParamKind) (*mat.Dense, bool) {
	switch kind {
	case Positions:
		a, b, g := angles(q)
		p := translation(q)
		u := w.Torque.Sub(p.Cross(w.Force))
		r := eulerXYZ(a, b, g)
		e := eulerRateMatrix(b, g)
		out := mat.NewDense(6, 6, nil)
		for k := 0; k < 3; k++ {
			dr := eulerXYZPartial(a, b, g, k)
			de := eulerRateMatrixPartial(b, g, k)
			col := de.t().apply(r.t().apply(u)).Add(e.t().apply(dr.t().apply(u)))
			out.Set(0, k, col.X)
			out.Set(1, k, col.Y)
			out.Set(2, k, col.Z)
		}
		for j := 0; j < 3; j++ {
			ej := r3.Vector{}
			switch j {
			case 0:
				ej.X = 1
			case 1:
				ej.Y = 1
			default:
				ej.Z = 1
			}
			col := e.t().apply(r.t().apply(w.Force.Cross(ej)))
			out.Set(0, 3+j, col.X)
			out.Set(1, 3+j, col.Y)
			out.Set(2, 3+j, col.Z)
		}
		return out, true
	case Velocities, Accelerations, GroupInertias:
		return mat.NewDense(6, 6, nil), true
	case GroupMasses:
		return mat.NewDense(6, 1, nil), true
	case GroupCOMs, GroupScales:
		return mat.NewDense(6, 3, nil), true
	}
	return nil, false
}

func (fb *FreeBody) BodyWorldPosition(body int, q *mat.VecDense) r3.Vector {
	return translation(q)
}

func (fb *FreeBody) BodyCOMWorldPosition(body int, q *mat.VecDense) r3.Vector {
	a, b, g := angles(q)
	return translation(q).Add(eulerXYZ(a, b, g).apply(fb.scaledCOM()))
}

func (fb *FreeBody) scaledOffset(o r3.Vector) r3.Vector {
	return r3.Vector{X: fb.scales.X * o.X, Y: fb.scales.Y * o.Y, Z: fb.scales.Z * o.Z}
}

func (fb *FreeBody) MarkerWorldPositions(markers []Marker, q *mat.VecDense) []r3.Vector {
	a, b, g := angles(q)
	r := eulerXYZ(a, b, g)
	p := translation(q)
	out := make([]r3.Vector, len(markers))
	for i, m := range markers {
		out[i] = p.Add(r.apply(fb.scaledOffset(m.Offset)))
	}
	return out
}

func (fb *FreeBody) MarkerJacobianWrtPositions(markers []Marker, q *mat.VecDense) *mat.Dense {
	a, b, g := angles(q)
	out := mat.NewDense(3*len(markers), 6, nil)
	var dr [3]m3
	for k := 0; k < 3; k++ {
		dr[k] = eulerXYZPartial(a, b, g, k)
	}
	for i, m := range markers {
		so := fb.scaledOffset(m.Offset)
		for k := 0; k < 3; k++ {
			col := dr[k].apply(so)
			out.Set(3*i, k, col.X)
			out.Set(3*i+1, k, col.Y)
			out.Set(3*i+2, k, col.Z)
		}
		for j := 0; j < 3; j++ {
			out.Set(3*i+j, 3+j, 1)
		}
	}
	return out
}

func (fb *FreeBody) MarkerJacobianWrtOffsets(markers []Marker, q *mat.VecDense) *mat.Dense {
	a, b, g := angles(q)
	rs := eulerXYZ(a, b, g).mul(diag3(fb.scales))
	out := mat.NewDense(3*len(markers), 3*len(markers), nil)
	for i := range markers {
		setBlock3(out, 3*i, 3*i, rs)
	}
	return out
}

func (fb *FreeBody) MarkerJacobianWrtGroupScales(markers []Marker, q *mat.VecDense) *mat.Dense {
	a, b, g := angles(q)
	r := eulerXYZ(a, b, g)
	out := mat.NewDense(3*len(markers), 3, nil)
	for i, m := range markers {
		block := r.mul(diag3(m.Offset))
		setBlock3(out, 3*i, 0, block)
	}
	return out
}

func (fb *FreeBody) JointWorldPositions(joints []int, q *mat.VecDense) []r3.Vector {
	p := translation(q)
	out := make([]r3.Vector, len(joints))
	for i := range joints {
		out[i] = p
	}
	return out
}

func (fb *FreeBody) JointJacobianWrtPositions(joints []int, q *mat.VecDense) *mat.Dense {
	out := mat.NewDense(3*len(joints), 6, nil)
	for i := range joints {
		for j := 0; j < 3; j++ {
			out.Set(3*i+j, 3+j, 1)
		}
	}
	return out
}

func (fb *FreeBody) JointJacobianWrtGroupScales(joints []int, q *mat.VecDense) *mat.Dense {
	return mat.NewDense(3*len(joints), 3, nil)
}
