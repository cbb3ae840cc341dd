// Package forceplate models ground force plates: per-timestep force, moment
// and center-of-pressure streams plus the plate's outline on the ground.
package forceplate

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/openbiomech/dynafit/skeleton"
)

// Plate is one force plate's recording over a trial. Forces, Moments and
// CentersOfPressure are parallel slices, one entry per timestep, all in world
// coordinates. Corners traces the plate outline on the ground plane in order;
// it may be empty when the hardware did not report a footprint.
type Plate struct {
	Forces            []r3.Vector
	Moments           []r3.Vector
	CentersOfPressure []r3.Vector
	Corners           []r3.Vector
}

// NumTimesteps returns the length of the recording.
func (p *Plate) NumTimesteps() int {
	return len(p.Forces)
}

// Validate checks that the per-timestep streams agree in length.
func (p *Plate) Validate() error {
	if len(p.Moments) != len(p.Forces) || len(p.CentersOfPressure) != len(p.Forces) {
		return errors.Errorf(
			"force plate streams disagree: %d forces, %d moments, %d centers of pressure",
			len(p.Forces), len(p.Moments), len(p.CentersOfPressure))
	}
	return nil
}

// WorldWrench expresses the plate's measurement at timestep t as a spatial
// wrench about the world origin. The recorded moment acts about the center of
// pressure, so shifting the reference point adds the cop x force couple.
func (p *Plate) WorldWrench(t int) skeleton.Wrench {
	return skeleton.Wrench{
		Torque: p.Moments[t].Add(p.CentersOfPressure[t].Cross(p.Forces[t])),
		Force:  p.Forces[t],
	}
}

// ForceActive reports whether the plate reads a non-negligible force at
// timestep t.
func (p *Plate) ForceActive(t int) bool {
	f := p.Forces[t]
	return f.Dot(f) > 1e-3
}

// ContainsXZ reports whether a world point falls inside the plate outline,
// projected onto the ground (XZ) plane. Plates with fewer than three corners
// contain nothing.
func (p *Plate) ContainsXZ(pt r3.Vector) bool {
	n := len(p.Corners)
	if n < 3 {
		return false
	}
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		ci, cj := p.Corners[i], p.Corners[j]
		if (ci.Z > pt.Z) != (cj.Z > pt.Z) &&
			pt.X < (cj.X-ci.X)*(pt.Z-ci.Z)/(cj.Z-ci.Z)+ci.X {
			inside = !inside
		}
	}
	return inside
}

// PaddedBoundingBoxXZ returns the four corners, at ground height y, of the
// axis-aligned XZ bounding box of points grown by pad on every side. It is
// the fallback plate footprint when no corners were recorded.
func PaddedBoundingBoxXZ(points []r3.Vector, pad, y float64) []r3.Vector {
	if len(points) == 0 {
		return nil
	}
	minX, maxX := points[0].X, points[0].X
	minZ, maxZ := points[0].Z, points[0].Z
	for _, pt := range points[1:] {
		if pt.X < minX {
			minX = pt.X
		}
		if pt.X > maxX {
			maxX = pt.X
		}
		if pt.Z < minZ {
			minZ = pt.Z
		}
		if pt.Z > maxZ {
			maxZ = pt.Z
		}
	}
	minX -= pad
	maxX += pad
	minZ -= pad
	maxZ += pad
	return []r3.Vector{
		{X: minX, Y: y, Z: minZ},
		{X: maxX, Y: y, Z: minZ},
		{X: maxX, Y: y, Z: maxZ},
		{X: minX, Y: y, Z: maxZ},
	}
}
