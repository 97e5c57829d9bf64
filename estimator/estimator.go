// Package estimator defines the marker pose estimation contract the
// calibration session consumes, plus the camera intrinsics model it needs
// before any estimate can be made. The detection itself (fiducial corners,
// pose from correspondences) lives behind the PoseEstimator interface.
package estimator

import (
	"context"
	"errors"
	"image"

	"go.viam.com/rdk/components/camera"
	"gonum.org/v1/gonum/mat"
)

// ErrIntrinsicsUnavailable means the estimator cannot be invoked
// meaningfully yet; frames arriving before the first intrinsics load are
// dropped, not queued.
var ErrIntrinsicsUnavailable = errors.New("camera intrinsics not loaded yet")

// Intrinsics is the pinhole model of the calibration camera.
type Intrinsics struct {
	Fx float64
	Fy float64
	Cx float64
	Cy float64
	// Distortion coefficients; zeros when the camera does not report any.
	Distortion []float64
}

// Matrix returns the 3x3 camera matrix K.
func (i Intrinsics) Matrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		i.Fx, 0, i.Cx,
		0, i.Fy, i.Cy,
		0, 0, 1,
	})
}

// FromCameraProperties extracts intrinsics from a camera component's
// reported properties. Cameras that have not been calibrated report no
// usable parameters, which maps to ErrIntrinsicsUnavailable.
func FromCameraProperties(props camera.Properties) (Intrinsics, error) {
	p := props.IntrinsicParams
	if p == nil || (p.Fx == 0 && p.Fy == 0) {
		return Intrinsics{}, ErrIntrinsicsUnavailable
	}
	return Intrinsics{
		Fx:         p.Fx,
		Fy:         p.Fy,
		Cx:         p.Ppx,
		Cy:         p.Ppy,
		Distortion: make([]float64, 5),
	}, nil
}

// MarkerPose is one detected marker's pose in the camera frame.
type MarkerPose struct {
	ID          int
	Rotation    *mat.Dense    // 3x3
	Translation *mat.VecDense // 3
}

// PoseEstimator returns zero or more marker poses for a camera frame. The
// caller filters for its configured target ID and keeps at most one.
type PoseEstimator interface {
	EstimatePoses(ctx context.Context, img image.Image, intr Intrinsics, markerSizeMM float64) ([]MarkerPose, error)
}
