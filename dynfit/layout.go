package dynfit

import (
	"github.com/openbiomech/dynafit/skeleton"
)

// blockKind names one segment type of the flat decision vector.
type blockKind int

const (
	blockGroupMasses blockKind = iota
	blockGroupCOMs
	blockGroupInertias
	blockGroupScales
	blockMarkerOffsets
	blockPositions
	blockVelocities
	blockAccelerations
)

// block is one contiguous segment of the decision vector. Global parameter
// blocks carry trial == -1; trajectory blocks name their trial and timestep.
type block struct {
	kind   blockKind
	trial  int
	step   int
	offset int
	length int
}

// layout is the declarative schema of the flat decision vector for one
// problem configuration. Flattening, unflattening, bounds assembly, gradient
// assembly and the constraint Jacobian all walk the same block list, so the
// segments can never drift out of agreement.
//
// Trajectory variables interleave as [pos_t vel_t acc_t] per acceleration
// timestep, then close with [pos_A vel_A pos_A+1] where A = T-2. Velocities
// span T-1 timesteps and accelerations T-2.
type layout struct {
	blocks []block
	dim    int

	// posOffset[trial][t] is the decision-vector offset of pose timestep t,
	// or -1 when poses are not decision variables. Same for vel and acc.
	posOffset [][]int
	velOffset [][]int
	accOffset [][]int
}

func newLayout(cfg ProblemConfig, model skeleton.Model, numMarkers int, trialLengths []int) *layout {
	l := &layout{}
	dofs := model.NumDofs()

	global := func(kind blockKind, length int) {
		l.blocks = append(l.blocks, block{kind: kind, trial: -1, step: -1, offset: l.dim, length: length})
		l.dim += length
	}
	if cfg.IncludeMasses {
		global(blockGroupMasses, model.ParamDim(skeleton.GroupMasses))
	}
	if cfg.IncludeCOMs {
		global(blockGroupCOMs, model.ParamDim(skeleton.GroupCOMs))
	}
	if cfg.IncludeInertias {
		global(blockGroupInertias, model.ParamDim(skeleton.GroupInertias))
	}
	if cfg.IncludeBodyScales {
		global(blockGroupScales, model.ParamDim(skeleton.GroupScales))
	}
	if cfg.IncludeMarkerOffsets {
		global(blockMarkerOffsets, 3*numMarkers)
	}

	for trial, steps := range trialLengths {
		pos := make([]int, steps)
		vel := make([]int, steps-1)
		acc := make([]int, steps-2)
		for t := range pos {
			pos[t] = -1
		}
		for t := range vel {
			vel[t] = -1
		}
		for t := range acc {
			acc[t] = -1
		}
		if cfg.IncludePoses {
			traj := func(kind blockKind, step int, table []int) {
				l.blocks = append(l.blocks, block{kind: kind, trial: trial, step: step, offset: l.dim, length: dofs})
				table[step] = l.dim
				l.dim += dofs
			}
			for t := 0; t < steps-2; t++ {
				traj(blockPositions, t, pos)
				traj(blockVelocities, t, vel)
				traj(blockAccelerations, t, acc)
			}
			traj(blockPositions, steps-2, pos)
			traj(blockVelocities, steps-2, vel)
			traj(blockPositions, steps-1, pos)
		}
		l.posOffset = append(l.posOffset, pos)
		l.velOffset = append(l.velOffset, vel)
		l.accOffset = append(l.accOffset, acc)
	}
	return l
}

// constraintDim returns the number of first-order consistency constraint
// rows: one per velocity and acceleration timestep per dof.
func (l *layout) constraintDim(dofs int) int {
	if len(l.velOffset) == 0 {
		return 0
	}
	n := 0
	for trial := range l.velOffset {
		if l.velOffset[trial][0] < 0 {
			continue
		}
		n += dofs * (len(l.velOffset[trial]) + len(l.accOffset[trial]))
	}
	return n
}
