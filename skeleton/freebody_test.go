package skeleton

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func testBody() *FreeBody {
	fb := NewFreeBody("pelvis", 12.5, r3.Vector{X: 0.03, Y: -0.11, Z: 0.02},
		[6]float64{0.4, 0.3, 0.35, 0.01, -0.02, 0.015})
	fb.SetGroupScales(mat.NewVecDense(3, []float64{1.1, 0.9, 1.05}))
	return fb
}

func testPose() (*mat.VecDense, *mat.VecDense, *mat.VecDense) {
	q := mat.NewVecDense(6, []float64{0.3, -0.4, 0.7, 0.5, 1.2, -0.8})
	dq := mat.NewVecDense(6, []float64{0.9, -1.3, 0.4, 0.2, -0.6, 1.1})
	ddq := mat.NewVecDense(6, []float64{2.1, 0.5, -1.7, 0.8, -0.3, 1.4})
	return q, dq, ddq
}

const fdStep = 1e-6

// centralDiffCol perturbs x[k] and central-differences f.
func centralDiffCol(f func(x *mat.VecDense) *mat.VecDense, x *mat.VecDense, k int) *mat.VecDense {
	plus := mat.VecDenseCopyOf(x)
	plus.SetVec(k, x.AtVec(k)+fdStep)
	minus := mat.VecDenseCopyOf(x)
	minus.SetVec(k, x.AtVec(k)-fdStep)
	fp := f(plus)
	fm := f(minus)
	out := mat.NewVecDense(fp.Len(), nil)
	out.SubVec(fp, fm)
	out.ScaleVec(1/(2*fdStep), out)
	return out
}

func matchColumns(t *testing.T, got *mat.Dense, f func(x *mat.VecDense) *mat.VecDense, x *mat.VecDense, tol float64) {
	t.Helper()
	rows, cols := got.Dims()
	for k := 0; k < cols; k++ {
		want := centralDiffCol(f, x, k)
		for i := 0; i < rows; i++ {
			test.That(t, got.At(i, k), test.ShouldAlmostEqual, want.AtVec(i), tol)
		}
	}
}

func TestMassMatrixShape(t *testing.T) {
	fb := testBody()
	q, _, _ := testPose()
	m := fb.MassMatrix(q)

	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			test.That(t, m.At(i, j), test.ShouldAlmostEqual, m.At(j, i), 1e-12)
		}
	}
	for i := 3; i < 6; i++ {
		test.That(t, m.At(i, i), test.ShouldAlmostEqual, 12.5, 1e-12)
	}
}

func TestMassMatrixPartialAgainstFD(t *testing.T) {
	fb := testBody()
	q, _, _ := testPose()

	for l := 0; l < 3; l++ {
		part := fb.massMatrixPartial(q, fb.mass, fb.inertia, l)
		col := centralDiffCol(func(x *mat.VecDense) *mat.VecDense {
			m := fb.MassMatrix(x)
			flat := mat.NewVecDense(36, nil)
			for i := 0; i < 6; i++ {
				for j := 0; j < 6; j++ {
					flat.SetVec(i*6+j, m.At(i, j))
				}
			}
			return flat
		}, q, l)
		for i := 0; i < 6; i++ {
			for j := 0; j < 6; j++ {
				test.That(t, part.At(i, j), test.ShouldAlmostEqual, col.AtVec(i*6+j), 1e-5)
			}
		}
	}
}

func TestCoriolisStaticIsGravityOnly(t *testing.T) {
	fb := testBody()
	q, _, _ := testPose()
	zero := mat.NewVecDense(6, nil)

	c := fb.CoriolisAndGravity(q, zero)
	test.That(t, c.AtVec(3), test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, c.AtVec(4), test.ShouldAlmostEqual, 12.5*9.81, 1e-9)
	test.That(t, c.AtVec(5), test.ShouldAlmostEqual, 0, 1e-12)
}

func TestContactTauPowerConsistency(t *testing.T) {
	fb := testBody()
	q, dq, _ := testPose()
	w := Wrench{Torque: r3.Vector{X: 3, Y: -2, Z: 5}, Force: r3.Vector{X: 40, Y: 180, Z: -25}}

	tau := fb.ContactTau(0, q, w)
	power := mat.Dot(tau, dq)

	a, b, g := angles(q)
	thetaDot := r3.Vector{X: dq.AtVec(0), Y: dq.AtVec(1), Z: dq.AtVec(2)}
	omega := eulerXYZ(a, b, g).apply(eulerRateMatrix(b, g).apply(thetaDot))
	pDot := r3.Vector{X: dq.AtVec(3), Y: dq.AtVec(4), Z: dq.AtVec(5)}
	vOrigin := pDot.Sub(omega.Cross(translation(q)))
	want := w.Torque.Dot(omega) + w.Force.Dot(vOrigin)

	test.That(t, power, test.ShouldAlmostEqual, want, 1e-9)
}

func TestJacobianOfMAgainstFD(t *testing.T) {
	fb := testBody()
	q, _, ddq := testPose()

	mTimes := func(x *mat.VecDense) *mat.VecDense {
		out := mat.NewVecDense(6, nil)
		out.MulVec(fb.MassMatrix(q), x)
		return out
	}

	jac, ok := fb.JacobianOfM(q, ddq, Accelerations)
	test.That(t, ok, test.ShouldBeTrue)
	matchColumns(t, jac, mTimes, ddq, 1e-7)

	jac, ok = fb.JacobianOfM(q, ddq, Positions)
	test.That(t, ok, test.ShouldBeTrue)
	matchColumns(t, jac, func(x *mat.VecDense) *mat.VecDense {
		out := mat.NewVecDense(6, nil)
		out.MulVec(fb.MassMatrix(x), ddq)
		return out
	}, q, 1e-5)

	for _, kind := range []ParamKind{GroupMasses, GroupInertias} {
		jac, ok = fb.JacobianOfM(q, ddq, kind)
		test.That(t, ok, test.ShouldBeTrue)
		matchColumns(t, jac, func(x *mat.VecDense) *mat.VecDense {
			saved := fb.Param(kind)
			fb.SetParam(kind, x)
			out := mat.NewVecDense(6, nil)
			out.MulVec(fb.MassMatrix(q), ddq)
			fb.SetParam(kind, saved)
			return out
		}, fb.Param(kind), 1e-5)
	}

	_, ok = fb.JacobianOfM(q, ddq, GroupCOMs)
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = fb.JacobianOfM(q, ddq, GroupScales)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestJacobianOfCAgainstFD(t *testing.T) {
	fb := testBody()
	q, dq, _ := testPose()

	jac, ok := fb.JacobianOfC(q, dq, Velocities)
	test.That(t, ok, test.ShouldBeTrue)
	matchColumns(t, jac, func(x *mat.VecDense) *mat.VecDense {
		return fb.CoriolisAndGravity(q, x)
	}, dq, 1e-5)

	for _, kind := range []ParamKind{GroupMasses, GroupInertias} {
		jac, ok = fb.JacobianOfC(q, dq, kind)
		test.That(t, ok, test.ShouldBeTrue)
		matchColumns(t, jac, func(x *mat.VecDense) *mat.VecDense {
			saved := fb.Param(kind)
			fb.SetParam(kind, x)
			out := fb.CoriolisAndGravity(q, dq)
			fb.SetParam(kind, saved)
			return out
		}, fb.Param(kind), 1e-5)
	}

	_, ok = fb.JacobianOfC(q, dq, Positions)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestJacobianOfContactTauAgainstFD(t *testing.T) {
	fb := testBody()
	q, _, _ := testPose()
	w := Wrench{Torque: r3.Vector{X: 1, Y: 2, Z: -3}, Force: r3.Vector{X: -30, Y: 200, Z: 10}}

	jac, ok := fb.JacobianOfContactTau(0, q, w, Positions)
	test.That(t, ok, test.ShouldBeTrue)
	matchColumns(t, jac, func(x *mat.VecDense) *mat.VecDense {
		return fb.ContactTau(0, x, w)
	}, q, 1e-6)
}

func TestMarkerJacobiansAgainstFD(t *testing.T) {
	fb := testBody()
	q, _, _ := testPose()
	markers := []Marker{
		{Body: 0, Offset: r3.Vector{X: 0.1, Y: 0.05, Z: -0.07}},
		{Body: 0, Offset: r3.Vector{X: -0.04, Y: 0.12, Z: 0.09}},
	}

	worldFlat := func(ms []Marker, x *mat.VecDense) *mat.VecDense {
		pts := fb.MarkerWorldPositions(ms, x)
		out := mat.NewVecDense(3*len(pts), nil)
		for i, p := range pts {
			out.SetVec(3*i, p.X)
			out.SetVec(3*i+1, p.Y)
			out.SetVec(3*i+2, p.Z)
		}
		return out
	}

	matchColumns(t, fb.MarkerJacobianWrtPositions(markers, q), func(x *mat.VecDense) *mat.VecDense {
		return worldFlat(markers, x)
	}, q, 1e-6)

	offsets := mat.NewVecDense(6, []float64{0.1, 0.05, -0.07, -0.04, 0.12, 0.09})
	matchColumns(t, fb.MarkerJacobianWrtOffsets(markers, q), func(x *mat.VecDense) *mat.VecDense {
		ms := make([]Marker, len(markers))
		for i := range ms {
			ms[i] = Marker{Body: 0, Offset: r3.Vector{X: x.AtVec(3 * i), Y: x.AtVec(3*i + 1), Z: x.AtVec(3*i + 2)}}
		}
		return worldFlat(ms, q)
	}, offsets, 1e-7)

	matchColumns(t, fb.MarkerJacobianWrtGroupScales(markers, q), func(x *mat.VecDense) *mat.VecDense {
		saved := fb.GroupScales()
		fb.SetGroupScales(x)
		out := worldFlat(markers, q)
		fb.SetGroupScales(saved)
		return out
	}, fb.GroupScales(), 1e-7)
}

func TestJointKinematics(t *testing.T) {
	fb := testBody()
	q, _, _ := testPose()

	pts := fb.JointWorldPositions([]int{0}, q)
	test.That(t, len(pts), test.ShouldEqual, 1)
	test.That(t, pts[0].X, test.ShouldAlmostEqual, 0.5)
	test.That(t, pts[0].Y, test.ShouldAlmostEqual, 1.2)
	test.That(t, pts[0].Z, test.ShouldAlmostEqual, -0.8)

	matchColumns(t, fb.JointJacobianWrtPositions([]int{0}, q), func(x *mat.VecDense) *mat.VecDense {
		p := fb.JointWorldPositions([]int{0}, x)[0]
		return mat.NewVecDense(3, []float64{p.X, p.Y, p.Z})
	}, q, 1e-9)
}
