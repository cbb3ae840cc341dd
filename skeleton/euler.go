package skeleton

import (
	"math"

	"github.com/golang/geo/r3"
)

// m3 is a row-major 3x3 matrix. Small fixed-size rotation algebra stays local
// rather than going through general dense matrices.
type m3 [9]float64

func (a m3) mul(b m3) m3 {
	var out m3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			s := 0.0
			for k := 0; k < 3; k++ {
				s += a[i*3+k] * b[k*3+j]
			}
			out[i*3+j] = s
		}
	}
	return out
}

func (a m3) t() m3 {
	return m3{
		a[0], a[3], a[6],
		a[1], a[4], a[7],
		a[2], a[5], a[8],
	}
}

func (a m3) add(b m3) m3 {
	var out m3
	for i := range a {
		out[i] = a[i] + b[i]
	}
	return out
}

func (a m3) scale(s float64) m3 {
	var out m3
	for i := range a {
		out[i] = a[i] * s
	}
	return out
}

func (a m3) apply(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: a[0]*v.X + a[1]*v.Y + a[2]*v.Z,
		Y: a[3]*v.X + a[4]*v.Y + a[5]*v.Z,
		Z: a[6]*v.X + a[7]*v.Y + a[8]*v.Z,
	}
}

func (a m3) col(j int) r3.Vector {
	return r3.Vector{X: a[j], Y: a[3+j], Z: a[6+j]}
}

func diag3(v r3.Vector) m3 {
	return m3{v.X, 0, 0, 0, v.Y, 0, 0, 0, v.Z}
}

func symmetric3(xx, yy, zz, xy, xz, yz float64) m3 {
	return m3{
		xx, xy, xz,
		xy, yy, yz,
		xz, yz, zz,
	}
}

func rotX(a float64) m3 {
	c, s := math.Cos(a), math.Sin(a)
	return m3{1, 0, 0, 0, c, -s, 0, s, c}
}

func rotXD(a float64) m3 {
	c, s := math.Cos(a), math.Sin(a)
	return m3{0, 0, 0, 0, -s, -c, 0, c, -s}
}

func rotXDD(a float64) m3 {
	c, s := math.Cos(a), math.Sin(a)
	return m3{0, 0, 0, 0, -c, s, 0, -s, -c}
}

func rotY(a float64) m3 {
	c, s := math.Cos(a), math.Sin(a)
	return m3{c, 0, s, 0, 1, 0, -s, 0, c}
}

func rotYD(a float64) m3 {
	c, s := math.Cos(a), math.Sin(a)
	return m3{-s, 0, c, 0, 0, 0, -c, 0, -s}
}

func rotYDD(a float64) m3 {
	c, s := math.Cos(a), math.Sin(a)
	return m3{-c, 0, -s, 0, 0, 0, s, 0, -c}
}

func rotZ(a float64) m3 {
	c, s := math.Cos(a), math.Sin(a)
	return m3{c, -s, 0, s, c, 0, 0, 0, 1}
}

func rotZD(a float64) m3 {
	c, s := math.Cos(a), math.Sin(a)
	return m3{-s, -c, 0, c, -s, 0, 0, 0, 0}
}

func rotZDD(a float64) m3 {
	c, s := math.Cos(a), math.Sin(a)
	return m3{-c, s, 0, -s, -c, 0, 0, 0, 0}
}

// eulerXYZ returns R = Rx(a)·Ry(b)·Rz(g).
func eulerXYZ(a, b, g float64) m3 {
	return rotX(a).mul(rotY(b)).mul(rotZ(g))
}

// eulerXYZPartial returns dR/d(angle k), k in {0: a, 1: b, 2: g}.
func eulerXYZPartial(a, b, g float64, k int) m3 {
	switch k {
	case 0:
		return rotXD(a).mul(rotY(b)).mul(rotZ(g))
	case 1:
		return rotX(a).mul(rotYD(b)).mul(rotZ(g))
	default:
		return rotX(a).mul(rotY(b)).mul(rotZD(g))
	}
}

// eulerXYZSecondPartial returns d²R/(d angle j · d angle k).
func eulerXYZSecondPartial(a, b, g float64, j, k int) m3 {
	fx, fy, fz := rotX(a), rotY(b), rotZ(g)
	switch {
	case j == 0:
		fx = rotXD(a)
	case j == 1:
		fy = rotYD(b)
	default:
		fz = rotZD(g)
	}
	switch {
	case k == 0:
		if j == 0 {
			fx = rotXDD(a)
		} else {
			fx = rotXD(a)
		}
	case k == 1:
		if j == 1 {
			fy = rotYDD(b)
		} else {
			fy = rotYD(b)
		}
	default:
		if j == 2 {
			fz = rotZDD(g)
		} else {
			fz = rotZD(g)
		}
	}
	return fx.mul(fy).mul(fz)
}

// eulerRateMatrix returns E(θ) mapping XYZ Euler angle rates to body-frame
// angular velocity, ω_body = E·θ̇.
func eulerRateMatrix(b, g float64) m3 {
	cb, sb := math.Cos(b), math.Sin(b)
	cg, sg := math.Cos(g), math.Sin(g)
	return m3{
		cb * cg, sg, 0,
		-cb * sg, cg, 0,
		sb, 0, 1,
	}
}

// eulerRateMatrixPartial returns dE/d(angle k). E is independent of the first
// angle.
func eulerRateMatrixPartial(b, g float64, k int) m3 {
	cb, sb := math.Cos(b), math.Sin(b)
	cg, sg := math.Cos(g), math.Sin(g)
	switch k {
	case 0:
		return m3{}
	case 1:
		return m3{
			-sb * cg, 0, 0,
			sb * sg, 0, 0,
			cb, 0, 0,
		}
	default:
		return m3{
			-cb * sg, cg, 0,
			-cb * cg, -sg, 0,
			0, 0, 0,
		}
	}
}
