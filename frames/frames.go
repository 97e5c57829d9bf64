// Package frames converts between raw pose vectors, spatialmath poses and
// 4x4 homogeneous transforms.
//
// Two pose directions show up in calibration and are easy to confuse: the
// pose of the gripper in the base frame and the pose of the base in the
// gripper frame. This package never guesses a direction; callers that need
// the opposite convention go through Invert so the flip is visible in the
// code that does it.
package frames

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"
)

// OrientationMode selects how the orientation tail of a pose vector is
// encoded.
type OrientationMode int

const (
	// ModeEuler expects a 6-element vector: x, y, z, roll, pitch, yaw
	// (angles in radians).
	ModeEuler OrientationMode = iota
	// ModeQuaternion expects a 7-element vector: x, y, z, qx, qy, qz, qw.
	ModeQuaternion
)

func (m OrientationMode) String() string {
	switch m {
	case ModeEuler:
		return "euler"
	case ModeQuaternion:
		return "quaternion"
	default:
		return fmt.Sprintf("orientation-mode(%d)", int(m))
	}
}

// ErrInvalidOrientationEncoding is returned when a pose vector's length does
// not match the declared orientation mode.
var ErrInvalidOrientationEncoding = errors.New("pose vector does not match orientation encoding")

// FromVector converts a pose vector (3 position components followed by an
// orientation encoding selected by mode) into a 4x4 homogeneous transform.
func FromVector(pose []float64, mode OrientationMode) (*mat.Dense, error) {
	var ori spatialmath.Orientation
	switch mode {
	case ModeEuler:
		if len(pose) != 6 {
			return nil, fmt.Errorf("%w: euler mode needs 6 elements, got %d", ErrInvalidOrientationEncoding, len(pose))
		}
		ori = &spatialmath.EulerAngles{Roll: pose[3], Pitch: pose[4], Yaw: pose[5]}
	case ModeQuaternion:
		if len(pose) != 7 {
			return nil, fmt.Errorf("%w: quaternion mode needs 7 elements, got %d", ErrInvalidOrientationEncoding, len(pose))
		}
		norm := math.Sqrt(pose[3]*pose[3] + pose[4]*pose[4] + pose[5]*pose[5] + pose[6]*pose[6])
		if norm == 0 {
			return nil, fmt.Errorf("%w: zero quaternion", ErrInvalidOrientationEncoding)
		}
		ori = &spatialmath.Quaternion{
			Real: pose[6] / norm,
			Imag: pose[3] / norm,
			Jmag: pose[4] / norm,
			Kmag: pose[5] / norm,
		}
	default:
		return nil, fmt.Errorf("%w: unknown orientation mode %d", ErrInvalidOrientationEncoding, int(mode))
	}
	p := spatialmath.NewPose(r3.Vector{X: pose[0], Y: pose[1], Z: pose[2]}, ori)
	return FromPose(p), nil
}

// FromPose converts a spatialmath pose into a 4x4 homogeneous transform.
func FromPose(p spatialmath.Pose) *mat.Dense {
	rm := p.Orientation().RotationMatrix()
	pt := p.Point()
	t := Identity()
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			t.Set(r, c, rm.At(r, c))
		}
	}
	t.Set(0, 3, pt.X)
	t.Set(1, 3, pt.Y)
	t.Set(2, 3, pt.Z)
	return t
}

// ToVector flattens a spatialmath pose into the 7-element quaternion vector
// form accepted by FromVector with ModeQuaternion.
func ToVector(p spatialmath.Pose) []float64 {
	pt := p.Point()
	q := p.Orientation().Quaternion()
	return []float64{pt.X, pt.Y, pt.Z, q.Imag, q.Jmag, q.Kmag, q.Real}
}

// Identity returns a 4x4 identity transform.
func Identity() *mat.Dense {
	t := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		t.Set(i, i, 1)
	}
	return t
}

// Invert inverts a rigid transform using the closed form (transposed
// rotation, negated rotated translation) instead of a general matrix
// inverse, which is exact for a valid rigid transform.
func Invert(t *mat.Dense) *mat.Dense {
	inv := Identity()
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			inv.Set(r, c, t.At(c, r))
		}
	}
	for r := 0; r < 3; r++ {
		v := 0.0
		for c := 0; c < 3; c++ {
			v -= t.At(c, r) * t.At(c, 3)
		}
		inv.Set(r, 3, v)
	}
	return inv
}

// Split breaks a 4x4 homogeneous transform into its 3x3 rotation block and
// 3-element translation column.
func Split(t *mat.Dense) (*mat.Dense, *mat.VecDense) {
	rot := mat.NewDense(3, 3, nil)
	trans := mat.NewVecDense(3, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			rot.Set(r, c, t.At(r, c))
		}
		trans.SetVec(r, t.At(r, 3))
	}
	return rot, trans
}

// Compose builds a 4x4 homogeneous transform from a 3x3 rotation and a
// 3-element translation, with the bottom row fixed to [0 0 0 1].
func Compose(rot *mat.Dense, trans *mat.VecDense) *mat.Dense {
	t := Identity()
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			t.Set(r, c, rot.At(r, c))
		}
		t.Set(r, 3, trans.AtVec(r))
	}
	return t
}

// Mul multiplies two 4x4 homogeneous transforms.
func Mul(a, b *mat.Dense) *mat.Dense {
	out := mat.NewDense(4, 4, nil)
	out.Mul(a, b)
	return out
}
