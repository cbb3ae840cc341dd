// Package skeleton defines the articulated-skeleton collaborator contract the
// dynamics-fitting pipeline is written against, plus a free-floating rigid
// body implementation of it.
//
// Dynamics queries are functional: pose, velocity and acceleration vectors are
// passed in and never retained, so a Model can be shared by every evaluator in
// a single-threaded solve without any save/restore discipline. Inertial and
// scale parameters are the only mutable state, and only the optimizer's
// unflatten step writes them.
package skeleton

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// ParamKind enumerates the parameter groups a dynamics Jacobian can be taken
// with respect to.
type ParamKind int

// The recognized parameter kinds.
const (
	Positions ParamKind = iota
	Velocities
	Accelerations
	GroupMasses
	GroupCOMs
	GroupInertias
	GroupScales
)

func (k ParamKind) String() string {
	switch k {
	case Positions:
		return "positions"
	case Velocities:
		return "velocities"
	case Accelerations:
		return "accelerations"
	case GroupMasses:
		return "group masses"
	case GroupCOMs:
		return "group COMs"
	case GroupInertias:
		return "group inertias"
	case GroupScales:
		return "group scales"
	}
	return "unknown"
}

// Marker is a motion-capture marker rigidly attached to a body at a local
// offset. The offset is the soft-tissue-corrected attachment point and is a
// decision variable during fitting.
type Marker struct {
	Body   int
	Offset r3.Vector
}

// Wrench is a 6-DOF spatial force: a torque/force pair expressed in world
// coordinates about the world origin.
type Wrench struct {
	Torque r3.Vector
	Force  r3.Vector
}

// WrenchFromSlice reads a wrench from a 6-element [torque; force] slice.
func WrenchFromSlice(v []float64) Wrench {
	return Wrench{
		Torque: r3.Vector{X: v[0], Y: v[1], Z: v[2]},
		Force:  r3.Vector{X: v[3], Y: v[4], Z: v[5]},
	}
}

// Model is the skeletal-model collaborator consumed by the fitting pipeline.
//
// Jacobian methods return ok == false when the model has no analytical path
// for that parameter kind; callers must then fall back to finite differencing.
type Model interface {
	NumDofs() int
	NumBodies() int
	BodyName(body int) string
	// ChildrenOf returns the immediate kinematic children of a body.
	ChildrenOf(body int) []int

	NumScaleGroups() int
	GroupScaleDim() int

	GroupMasses() *mat.VecDense
	SetGroupMasses(v *mat.VecDense)
	GroupCOMs() *mat.VecDense
	SetGroupCOMs(v *mat.VecDense)
	GroupInertias() *mat.VecDense
	SetGroupInertias(v *mat.VecDense)
	GroupScales() *mat.VecDense
	SetGroupScales(v *mat.VecDense)

	BodyMasses() *mat.VecDense
	SetBodyMasses(v *mat.VecDense)

	GroupMassesBounds() (lower, upper *mat.VecDense)
	GroupCOMsBounds() (lower, upper *mat.VecDense)
	GroupInertiasBounds() (lower, upper *mat.VecDense)
	GroupScalesBounds() (lower, upper *mat.VecDense)
	PositionBounds() (lower, upper *mat.VecDense)
	VelocityBounds() (lower, upper *mat.VecDense)
	AccelerationBounds() (lower, upper *mat.VecDense)

	// MassMatrix returns M(q), dofs x dofs.
	MassMatrix(q *mat.VecDense) *mat.Dense
	// CoriolisAndGravity returns C(q, dq), the combined Coriolis, centrifugal
	// and gravity generalized forces, so that M·ddq + C = tau.
	CoriolisAndGravity(q, dq *mat.VecDense) *mat.VecDense
	// ContactTau maps a world wrench applied through a body to generalized
	// forces.
	ContactTau(body int, q *mat.VecDense, w Wrench) *mat.VecDense

	// JacobianOfM returns d(M(q)·ddq)/d(kind).
	JacobianOfM(q, ddq *mat.VecDense, kind ParamKind) (*mat.Dense, bool)
	// JacobianOfC returns d(C(q,dq))/d(kind).
	JacobianOfC(q, dq *mat.VecDense, kind ParamKind) (*mat.Dense, bool)
	// JacobianOfContactTau returns d(ContactTau)/d(kind).
	JacobianOfContactTau(body int, q *mat.VecDense, w Wrench, kind ParamKind) (*mat.Dense, bool)

	// ParamDim is the dimension of a parameter kind's flat vector.
	ParamDim(kind ParamKind) int
	// Param and SetParam give numerical-fallback code a uniform handle on the
	// stored parameter groups. Trajectory kinds (positions, velocities,
	// accelerations) are caller state and are not addressable here.
	Param(kind ParamKind) *mat.VecDense
	SetParam(kind ParamKind, v *mat.VecDense)

	BodyWorldPosition(body int, q *mat.VecDense) r3.Vector
	BodyCOMWorldPosition(body int, q *mat.VecDense) r3.Vector

	MarkerWorldPositions(markers []Marker, q *mat.VecDense) []r3.Vector
	// MarkerJacobianWrtPositions is d(stacked marker world positions)/dq,
	// (3*len(markers)) x dofs.
	MarkerJacobianWrtPositions(markers []Marker, q *mat.VecDense) *mat.Dense
	MarkerJacobianWrtOffsets(markers []Marker, q *mat.VecDense) *mat.Dense
	MarkerJacobianWrtGroupScales(markers []Marker, q *mat.VecDense) *mat.Dense

	JointWorldPositions(joints []int, q *mat.VecDense) []r3.Vector
	JointJacobianWrtPositions(joints []int, q *mat.VecDense) *mat.Dense
	JointJacobianWrtGroupScales(joints []int, q *mat.VecDense) *mat.Dense
}
