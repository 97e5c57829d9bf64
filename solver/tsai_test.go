package solver

import (
	"errors"
	"math"
	"testing"

	"go.viam.com/rdk/logging"
	"gonum.org/v1/gonum/mat"

	"eyeinhand/frames"
)

// buildInput generates paired views for a known camera-to-base transform
// truth and a marker fixed at k in the base frame. gripperPoses are
// gripper-in-base transforms; the gripper side of a sample is stored as its
// inverse, matching what the session feeds the solver.
func buildInput(t *testing.T, truth, k *mat.Dense, gripperPoses []*mat.Dense) Input {
	t.Helper()
	in := Input{}
	truthInv := frames.Invert(truth)
	for _, gib := range gripperPoses {
		f := frames.Invert(gib)
		b := frames.Mul(truthInv, frames.Mul(gib, k))
		rf, tf := frames.Split(f)
		rb, tb := frames.Split(b)
		in.RGripperToBase = append(in.RGripperToBase, rf)
		in.TGripperToBase = append(in.TGripperToBase, tf)
		in.RObjectToCamera = append(in.RObjectToCamera, rb)
		in.TObjectToCamera = append(in.TObjectToCamera, tb)
	}
	return in
}

func mustTransform(t *testing.T, pose []float64) *mat.Dense {
	t.Helper()
	tf, err := frames.FromVector(pose, frames.ModeEuler)
	if err != nil {
		t.Fatalf("bad test pose %v: %v", pose, err)
	}
	return tf
}

func rotationAngle(r *mat.Dense) float64 {
	c := (r.At(0, 0) + r.At(1, 1) + r.At(2, 2) - 1) / 2
	if c > 1 {
		c = 1
	} else if c < -1 {
		c = -1
	}
	return math.Acos(c)
}

// rotationError is the angle of rGot * rWant^T, i.e. how far apart the two
// rotations are in radians.
func rotationError(rGot, rWant *mat.Dense) float64 {
	var d mat.Dense
	d.Mul(rGot, rWant.T())
	return rotationAngle(&d)
}

func translationError(tGot, tWant *mat.VecDense) float64 {
	total := 0.0
	for i := 0; i < 3; i++ {
		d := tGot.AtVec(i) - tWant.AtVec(i)
		total += d * d
	}
	return math.Sqrt(total)
}

func TestSolveRecoversIdentityFromFixedAxisViews(t *testing.T) {
	truth := frames.Identity()
	k := mustTransform(t, []float64{50, -30, 500, 0.2, 0.1, -0.4})

	// Three gripper orientations about a single fixed axis, same position.
	gripperPoses := []*mat.Dense{
		mustTransform(t, []float64{100, 200, 300, 0, 0, 0}),
		mustTransform(t, []float64{100, 200, 300, 0, 0, math.Pi / 4}),
		mustTransform(t, []float64{100, 200, 300, 0, 0, math.Pi / 2}),
	}

	in := buildInput(t, truth, k, gripperPoses)
	rx, tx, err := NewTsai(logging.NewTestLogger(t)).Solve(in)
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	if angle := rotationAngle(rx); angle > 1e-3 {
		t.Errorf("recovered rotation is %g rad from identity, want < 1e-3", angle)
	}
	if norm := translationError(tx, mat.NewVecDense(3, nil)); norm > 1e-3 {
		t.Errorf("recovered translation is %g from zero, want < 1e-3", norm)
	}
}

func TestSolveRecoversGeneralTransform(t *testing.T) {
	truth := mustTransform(t, []float64{12, -34, 56, 0.5, -0.3, 0.9})
	k := mustTransform(t, []float64{-80, 40, 650, 1.1, 0.2, -0.6})

	// Rotations about varied axes so the problem is fully determined.
	gripperPoses := []*mat.Dense{
		mustTransform(t, []float64{100, 0, 250, 0.9, 0, 0}),
		mustTransform(t, []float64{150, 60, 220, 0, -0.7, 0}),
		mustTransform(t, []float64{90, -40, 310, 0.3, 0.4, 1.2}),
		mustTransform(t, []float64{120, 20, 280, -0.5, 0.8, -0.2}),
	}

	in := buildInput(t, truth, k, gripperPoses)
	rx, tx, err := NewTsai(logging.NewTestLogger(t)).Solve(in)
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	rWant, tWant := frames.Split(truth)
	if angle := rotationError(rx, rWant); angle > 1e-6 {
		t.Errorf("rotation error %g rad, want < 1e-6", angle)
	}
	if norm := translationError(tx, tWant); norm > 1e-6 {
		t.Errorf("translation error %g, want < 1e-6", norm)
	}
}

func TestSolveWithRefinementRecoversGeneralTransform(t *testing.T) {
	truth := mustTransform(t, []float64{-5, 18, -42, -0.4, 0.6, 0.3})
	k := mustTransform(t, []float64{30, 30, 480, 0.7, -0.1, 0.5})

	gripperPoses := []*mat.Dense{
		mustTransform(t, []float64{200, 0, 100, 1.1, 0, 0}),
		mustTransform(t, []float64{180, 50, 120, 0, 0.9, 0}),
		mustTransform(t, []float64{210, -30, 90, 0.2, -0.3, 0.8}),
	}

	in := buildInput(t, truth, k, gripperPoses)
	rx, tx, err := NewTsaiWithRefinement(logging.NewTestLogger(t)).Solve(in)
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	rWant, tWant := frames.Split(truth)
	if angle := rotationError(rx, rWant); angle > 1e-5 {
		t.Errorf("rotation error %g rad, want < 1e-5", angle)
	}
	if norm := translationError(tx, tWant); norm > 1e-5 {
		t.Errorf("translation error %g, want < 1e-5", norm)
	}
}

func TestSolveRejectsDegenerateRotationSet(t *testing.T) {
	// Three identical views: no relative rotation anywhere.
	truth := frames.Identity()
	k := mustTransform(t, []float64{0, 0, 400, 0, 0, 0})
	pose := mustTransform(t, []float64{100, 200, 300, 0.5, 0.2, -0.1})
	in := buildInput(t, truth, k, []*mat.Dense{pose, pose, pose})

	_, _, err := NewTsai(logging.NewTestLogger(t)).Solve(in)
	if !errors.Is(err, ErrDegenerateInput) {
		t.Errorf("got %v, want ErrDegenerateInput", err)
	}
}

func TestSolveRejectsShortAndMismatchedInput(t *testing.T) {
	truth := frames.Identity()
	k := mustTransform(t, []float64{0, 0, 400, 0, 0, 0})
	gripperPoses := []*mat.Dense{
		mustTransform(t, []float64{100, 0, 0, 0.4, 0, 0}),
		mustTransform(t, []float64{100, 0, 0, 0, 0.4, 0}),
	}
	short := buildInput(t, truth, k, gripperPoses)
	if _, _, err := NewTsai(logging.NewTestLogger(t)).Solve(short); !errors.Is(err, ErrDegenerateInput) {
		t.Errorf("2 views: got %v, want ErrDegenerateInput", err)
	}

	gripperPoses = append(gripperPoses, mustTransform(t, []float64{100, 0, 0, 0, 0, 0.4}))
	mismatched := buildInput(t, truth, k, gripperPoses)
	mismatched.TObjectToCamera = mismatched.TObjectToCamera[:2]
	if _, _, err := NewTsai(logging.NewTestLogger(t)).Solve(mismatched); !errors.Is(err, ErrDegenerateInput) {
		t.Errorf("mismatched lengths: got %v, want ErrDegenerateInput", err)
	}
}
