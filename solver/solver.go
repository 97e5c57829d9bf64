// Package solver estimates the fixed camera-to-base transform from paired
// gripper and marker observations (hand-eye calibration).
package solver

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// MinViews is the smallest number of paired views a solve can work with.
// Below this the problem is numerically under-determined.
const MinViews = 3

var (
	// ErrSolverDidNotConverge is returned when the numerical solve fails.
	ErrSolverDidNotConverge = errors.New("hand-eye solver did not converge")
	// ErrDegenerateInput is returned when the paired views carry no usable
	// rotation signal (too few views, mismatched sequences, or no relative
	// rotation between any two views).
	ErrDegenerateInput = errors.New("degenerate hand-eye calibration input")
)

// Input holds parallel sequences of per-view rotations and translations.
// Index i across all four slices describes the same view.
type Input struct {
	RGripperToBase  []*mat.Dense
	TGripperToBase  []*mat.VecDense
	RObjectToCamera []*mat.Dense
	TObjectToCamera []*mat.VecDense
}

// Views returns the number of paired views in the input.
func (in Input) Views() int {
	return len(in.RGripperToBase)
}

func (in Input) validate() error {
	n := in.Views()
	if len(in.TGripperToBase) != n || len(in.RObjectToCamera) != n || len(in.TObjectToCamera) != n {
		return fmt.Errorf("%w: sequence lengths differ (%d, %d, %d, %d)", ErrDegenerateInput,
			n, len(in.TGripperToBase), len(in.RObjectToCamera), len(in.TObjectToCamera))
	}
	if n < MinViews {
		return fmt.Errorf("%w: need at least %d views, have %d", ErrDegenerateInput, MinViews, n)
	}
	return nil
}

// Solver turns accumulated paired views into a single camera-to-base
// rotation and translation.
type Solver interface {
	Solve(in Input) (*mat.Dense, *mat.VecDense, error)
}
