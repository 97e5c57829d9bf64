package solver

import (
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"eyeinhand/frames"
)

// Tsai solves AX = XB hand-eye calibration with Tsai's closed-form method:
// a linear least-squares pass over modified Rodrigues vectors for the
// rotation, then a second stacked least-squares pass for the translation.
// Both passes use an SVD minimum-norm solve, so a rotation set that only
// spins about a single fixed axis still yields the minimum-norm answer for
// the unobservable component instead of blowing up.
type Tsai struct {
	logger logging.Logger
	refine bool
}

// NewTsai returns the plain closed-form solver.
func NewTsai(logger logging.Logger) *Tsai {
	return &Tsai{logger: logger}
}

// NewTsaiWithRefinement adds a Nelder-Mead polish on top of the closed-form
// estimate. The polish is kept only when it improves cross-view consistency;
// its failure to converge falls back to the closed form and is never fatal.
func NewTsaiWithRefinement(logger logging.Logger) *Tsai {
	return &Tsai{logger: logger, refine: true}
}

type motion struct {
	ra *mat.Dense    // relative rotation on the gripper side
	ta *mat.VecDense // relative translation on the gripper side
	rb *mat.Dense    // relative rotation on the camera side
	tb *mat.VecDense // relative translation on the camera side
	pa r3.Vector     // modified Rodrigues vector of ra
	pb r3.Vector     // modified Rodrigues vector of rb
}

// Solve implements Solver.
func (t *Tsai) Solve(in Input) (*mat.Dense, *mat.VecDense, error) {
	if err := in.validate(); err != nil {
		return nil, nil, err
	}

	motions, maxAngle := relativeMotions(in)
	if maxAngle < 1e-10 {
		return nil, nil, ErrDegenerateInput
	}

	rx, err := solveRotation(motions)
	if err != nil {
		return nil, nil, err
	}
	tx, err := solveTranslation(motions, rx)
	if err != nil {
		return nil, nil, err
	}

	if t.refine {
		rx, tx = t.polish(in, rx, tx)
	}
	return rx, tx, nil
}

// relativeMotions builds the AX = XB motion pairs from consecutive views:
// A = F(i+1)^-1 * F(i) on the gripper side, B = B(i+1) * B(i)^-1 on the
// camera side. It also reports the largest relative rotation angle seen,
// which is the degeneracy signal.
func relativeMotions(in Input) ([]motion, float64) {
	n := in.Views()
	motions := make([]motion, 0, n-1)
	maxAngle := 0.0
	for i := 0; i < n-1; i++ {
		var ra mat.Dense
		ra.Mul(in.RGripperToBase[i+1].T(), in.RGripperToBase[i])
		var dt mat.VecDense
		dt.SubVec(in.TGripperToBase[i], in.TGripperToBase[i+1])
		ta := mat.NewVecDense(3, nil)
		ta.MulVec(in.RGripperToBase[i+1].T(), &dt)

		var rb mat.Dense
		rb.Mul(in.RObjectToCamera[i+1], in.RObjectToCamera[i].T())
		var rt mat.VecDense
		rt.MulVec(&rb, in.TObjectToCamera[i])
		tb := mat.NewVecDense(3, nil)
		tb.SubVec(in.TObjectToCamera[i+1], &rt)

		thetaA, axisA := rotationAngleAxis(&ra)
		thetaB, axisB := rotationAngleAxis(&rb)
		maxAngle = math.Max(maxAngle, math.Max(thetaA, thetaB))

		motions = append(motions, motion{
			ra: &ra,
			ta: ta,
			rb: &rb,
			tb: tb,
			pa: axisA.Mul(2 * math.Sin(thetaA/2)),
			pb: axisB.Mul(2 * math.Sin(thetaB/2)),
		})
	}
	return motions, maxAngle
}

// solveRotation stacks skew(pa+pb) x = pb - pa over all motions and
// reconstructs the rotation from the minimum-norm solution.
func solveRotation(motions []motion) (*mat.Dense, error) {
	m := len(motions)
	a := mat.NewDense(3*m, 3, nil)
	b := mat.NewVecDense(3*m, nil)
	for k, mo := range motions {
		sum := mo.pa.Add(mo.pb)
		sk := skew(sum)
		diff := mo.pb.Sub(mo.pa)
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				a.Set(3*k+r, c, sk.At(r, c))
			}
		}
		b.SetVec(3*k+0, diff.X)
		b.SetVec(3*k+1, diff.Y)
		b.SetVec(3*k+2, diff.Z)
	}

	x, err := minNormSolve(a, b)
	if err != nil {
		return nil, err
	}
	xv := r3.Vector{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}
	pcg := xv.Mul(2 / math.Sqrt(1+xv.Norm2()))

	nn := pcg.Norm2()
	alpha := math.Sqrt(math.Max(0, 4-nn))
	sk := skew(pcg)
	rx := mat.NewDense(3, 3, nil)
	p := []float64{pcg.X, pcg.Y, pcg.Z}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			v := 0.5 * (p[r]*p[c] + alpha*sk.At(r, c))
			if r == c {
				v += 1 - nn/2
			}
			rx.Set(r, c, v)
		}
	}
	return orthonormalize(rx)
}

// solveTranslation stacks (ra - I) t = rx*tb - ta over all motions.
func solveTranslation(motions []motion, rx *mat.Dense) (*mat.VecDense, error) {
	m := len(motions)
	a := mat.NewDense(3*m, 3, nil)
	b := mat.NewVecDense(3*m, nil)
	for k, mo := range motions {
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				v := mo.ra.At(r, c)
				if r == c {
					v -= 1
				}
				a.Set(3*k+r, c, v)
			}
		}
		var rtb mat.VecDense
		rtb.MulVec(rx, mo.tb)
		for r := 0; r < 3; r++ {
			b.SetVec(3*k+r, rtb.AtVec(r)-mo.ta.AtVec(r))
		}
	}
	return minNormSolve(a, b)
}

// polish runs Nelder-Mead on the 6-DoF parameterization (rotation vector +
// translation), minimizing the spread of F_i * X * B_i across views. The
// closed-form estimate is the starting point and the floor: a worse or
// failed polish is discarded.
func (t *Tsai) polish(in Input, r0 *mat.Dense, t0 *mat.VecDense) (*mat.Dense, *mat.VecDense) {
	theta, axis := rotationAngleAxis(r0)
	x0 := []float64{
		theta * axis.X, theta * axis.Y, theta * axis.Z,
		t0.AtVec(0), t0.AtVec(1), t0.AtVec(2),
	}
	objective := func(x []float64) float64 {
		rot := rodrigues(r3.Vector{X: x[0], Y: x[1], Z: x[2]})
		trans := mat.NewVecDense(3, []float64{x[3], x[4], x[5]})
		return consistencyResidual(in, rot, trans)
	}
	baseline := objective(x0)

	problem := optimize.Problem{Func: objective}
	settings := &optimize.Settings{
		MajorIterations: 2000,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-12,
			Iterations: 100,
		},
	}
	result, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
	if err != nil || result == nil {
		t.logger.Warnf("refinement did not converge, keeping closed-form estimate: %v", err)
		return r0, t0
	}
	if result.F >= baseline {
		return r0, t0
	}
	t.logger.Debugf("refinement improved consistency residual from %g to %g", baseline, result.F)
	rot := rodrigues(r3.Vector{X: result.X[0], Y: result.X[1], Z: result.X[2]})
	trans := mat.NewVecDense(3, []float64{result.X[3], result.X[4], result.X[5]})
	return rot, trans
}

// consistencyResidual measures how far the per-view marker-in-base
// transforms F_i * X * B_i drift from each other. A perfect calibration
// makes them identical (the marker is fixed in the base frame).
func consistencyResidual(in Input, rx *mat.Dense, tx *mat.VecDense) float64 {
	x := frames.Compose(rx, tx)
	var first *mat.Dense
	total := 0.0
	for i := 0; i < in.Views(); i++ {
		f := frames.Compose(in.RGripperToBase[i], in.TGripperToBase[i])
		b := frames.Compose(in.RObjectToCamera[i], in.TObjectToCamera[i])
		m := frames.Mul(frames.Mul(f, x), b)
		if first == nil {
			first = m
			continue
		}
		for r := 0; r < 4; r++ {
			for c := 0; c < 4; c++ {
				d := m.At(r, c) - first.At(r, c)
				total += d * d
			}
		}
	}
	return total
}

// minNormSolve returns the minimum-norm least-squares solution of a*x = b
// using a truncated SVD, so rank-deficient systems resolve to the smallest
// consistent answer instead of failing.
func minNormSolve(a *mat.Dense, b *mat.VecDense) (*mat.VecDense, error) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, ErrSolverDidNotConverge
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	vals := svd.Values(nil)

	rows, cols := a.Dims()
	x := mat.NewVecDense(cols, nil)
	if len(vals) == 0 || vals[0] == 0 {
		return x, nil
	}
	tol := 1e-9 * vals[0]
	for j := 0; j < len(vals); j++ {
		if vals[j] <= tol {
			continue
		}
		d := 0.0
		for i := 0; i < rows; i++ {
			d += u.At(i, j) * b.AtVec(i)
		}
		d /= vals[j]
		for i := 0; i < cols; i++ {
			x.SetVec(i, x.AtVec(i)+d*v.At(i, j))
		}
	}
	return x, nil
}

// orthonormalize projects an approximate rotation onto SO(3) via SVD.
func orthonormalize(r *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if !svd.Factorize(r, mat.SVDFull) {
		return nil, ErrSolverDidNotConverge
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var out mat.Dense
	out.Mul(&u, v.T())
	if mat.Det(&out) < 0 {
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		out.Mul(&u, v.T())
	}
	return mat.DenseCopyOf(&out), nil
}

func skew(p r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -p.Z, p.Y,
		p.Z, 0, -p.X,
		-p.Y, p.X, 0,
	})
}

// rotationAngleAxis extracts the angle-axis form of a rotation matrix. A
// zero rotation yields a zero axis.
func rotationAngleAxis(r *mat.Dense) (float64, r3.Vector) {
	tr := r.At(0, 0) + r.At(1, 1) + r.At(2, 2)
	c := (tr - 1) / 2
	if c > 1 {
		c = 1
	} else if c < -1 {
		c = -1
	}
	theta := math.Acos(c)
	if theta < 1e-12 {
		return 0, r3.Vector{}
	}
	v := r3.Vector{
		X: r.At(2, 1) - r.At(1, 2),
		Y: r.At(0, 2) - r.At(2, 0),
		Z: r.At(1, 0) - r.At(0, 1),
	}
	if math.Pi-theta > 1e-6 {
		return theta, v.Mul(1 / (2 * math.Sin(theta)))
	}

	// Near pi the antisymmetric part vanishes; recover the axis from the
	// diagonal and fix signs from the symmetric part.
	axis := r3.Vector{
		X: math.Sqrt(math.Max(0, (r.At(0, 0)+1)/2)),
		Y: math.Sqrt(math.Max(0, (r.At(1, 1)+1)/2)),
		Z: math.Sqrt(math.Max(0, (r.At(2, 2)+1)/2)),
	}
	switch {
	case axis.X >= axis.Y && axis.X >= axis.Z:
		if r.At(0, 1)+r.At(1, 0) < 0 {
			axis.Y = -axis.Y
		}
		if r.At(0, 2)+r.At(2, 0) < 0 {
			axis.Z = -axis.Z
		}
	case axis.Y >= axis.X && axis.Y >= axis.Z:
		if r.At(0, 1)+r.At(1, 0) < 0 {
			axis.X = -axis.X
		}
		if r.At(1, 2)+r.At(2, 1) < 0 {
			axis.Z = -axis.Z
		}
	default:
		if r.At(0, 2)+r.At(2, 0) < 0 {
			axis.X = -axis.X
		}
		if r.At(1, 2)+r.At(2, 1) < 0 {
			axis.Y = -axis.Y
		}
	}
	n := axis.Norm()
	if n == 0 {
		return theta, r3.Vector{X: 1}
	}
	return theta, axis.Mul(1 / n)
}

// rodrigues converts a rotation vector (angle times unit axis) back into a
// rotation matrix.
func rodrigues(v r3.Vector) *mat.Dense {
	theta := v.Norm()
	out := mat.NewDense(3, 3, nil)
	if theta < 1e-12 {
		for i := 0; i < 3; i++ {
			out.Set(i, i, 1)
		}
		return out
	}
	k := skew(v.Mul(1 / theta))
	var k2 mat.Dense
	k2.Mul(k, k)
	s := math.Sin(theta)
	cc := 1 - math.Cos(theta)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			val := s*k.At(r, c) + cc*k2.At(r, c)
			if r == c {
				val += 1
			}
			out.Set(r, c, val)
		}
	}
	return out
}
