// Package session implements the interactive eye-in-hand calibration
// session: sample pairing, solve triggering and result persistence.
//
// The session is a two-state machine. It starts Collecting and moves to
// Terminated on the operator's stop signal; there is no way back. Each
// operator tick pairs the latest cached object-in-camera transform with the
// latest tracked end-effector pose, and once enough views have accumulated
// every further tick also attempts a solve.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.viam.com/rdk/logging"
	"gonum.org/v1/gonum/mat"

	"eyeinhand/frames"
	"eyeinhand/solver"
)

// State of the calibration session.
type State int

const (
	// Collecting is the initial state: ticks are accepted.
	Collecting State = iota
	// Terminated is final: no further samples or solves.
	Terminated
)

func (s State) String() string {
	switch s {
	case Collecting:
		return "collecting"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Command is one operator tick consumed by Run.
type Command int

const (
	// CommandSample requests one sample-and-maybe-solve tick.
	CommandSample Command = iota
	// CommandStop terminates the session.
	CommandStop
)

var (
	// ErrNoMarkerDetected means the latest frame held no target marker;
	// the tick contributed nothing.
	ErrNoMarkerDetected = errors.New("no marker detected")
	// ErrPoseUnavailable means no end-effector pose has been received yet.
	ErrPoseUnavailable = errors.New("no end-effector pose received yet")
	// ErrInsufficientViews is returned after a tick that accepted a sample
	// but still has too few views to attempt a solve.
	ErrInsufficientViews = errors.New("not enough views collected for calibration")
	// ErrSessionTerminated rejects ticks after the stop signal.
	ErrSessionTerminated = errors.New("calibration session is terminated")
)

// PoseSample is one accepted view.
type PoseSample struct {
	// ObjectInCamera is the marker's pose in the camera frame at sample
	// time.
	ObjectInCamera *mat.Dense
	// BaseInGripper is the inverse of the tracked gripper-in-base pose at
	// the same tick. It is stored pre-inverted because the solver expects
	// its gripper-side contributions in that direction; the inversion
	// happens exactly once, on acceptance.
	BaseInGripper *mat.Dense
}

// Store persists one solve result per view count.
type Store interface {
	Save(result *mat.Dense, viewCount int) error
}

// SampleResult reports what a tick did.
type SampleResult struct {
	// Views is the accumulated sample count after the tick.
	Views int
	// Solved is true when this tick produced and persisted a calibration.
	Solved bool
	// Result is the camera-in-base transform when Solved.
	Result *mat.Dense
}

// Session accumulates paired samples and decides when to solve. Methods are
// safe for concurrent use; the producers feeding the cache and pose
// registers run on their own goroutines.
type Session struct {
	mu       sync.Mutex
	logger   logging.Logger
	cache    *TransformCache
	poses    *PoseRegister
	solver   solver.Solver
	store    Store
	minViews int
	samples  []PoseSample
	state    State
}

// New builds a session in the Collecting state. minViews below the solver's
// floor is raised to it.
func New(logger logging.Logger, cache *TransformCache, poses *PoseRegister, slv solver.Solver, st Store, minViews int) *Session {
	if minViews < solver.MinViews {
		minViews = solver.MinViews
	}
	return &Session{
		logger:   logger,
		cache:    cache,
		poses:    poses,
		solver:   slv,
		store:    st,
		minViews: minViews,
	}
}

// Sample performs one operator tick: pair the latest cached marker transform
// with the latest tracked pose, append the sample, and attempt a solve once
// enough views exist. Every error it returns is recoverable; the session
// keeps collecting.
func (s *Session) Sample(ctx context.Context) (SampleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Terminated {
		return SampleResult{Views: len(s.samples)}, ErrSessionTerminated
	}

	objectInCamera, ok := s.cache.Latest()
	if !ok {
		s.logger.Error("no marker detected")
		return SampleResult{Views: len(s.samples)}, ErrNoMarkerDetected
	}
	pose, mode, ok := s.poses.Latest()
	if !ok {
		s.logger.Warn("no end-effector pose received yet")
		return SampleResult{Views: len(s.samples)}, ErrPoseUnavailable
	}
	gripperInBase, err := frames.FromVector(pose, mode)
	if err != nil {
		s.logger.Errorf("tracked pose rejected: %v", err)
		return SampleResult{Views: len(s.samples)}, fmt.Errorf("tracked pose rejected: %w", err)
	}

	s.samples = append(s.samples, PoseSample{
		ObjectInCamera: objectInCamera,
		BaseInGripper:  frames.Invert(gripperInBase),
	})
	views := len(s.samples)
	s.logger.Infof("Calibration data collected. %d views.", views)

	if views < s.minViews {
		s.logger.Warnf("Not enough views collected for calibration: have %d, need %d.", views, s.minViews)
		return SampleResult{Views: views}, ErrInsufficientViews
	}

	rot, trans, err := s.solver.Solve(s.solverInput())
	if err != nil {
		// Non-fatal: the next qualifying tick retries with one more view.
		s.logger.Errorf("hand-eye solve failed at %d views: %v", views, err)
		return SampleResult{Views: views}, err
	}

	result := frames.Compose(rot, trans)
	s.logger.Infof("Current calibration at %d views:\n%v", views, mat.Formatted(result))

	if err := s.store.Save(result, views); err != nil {
		// The in-memory session is unaffected; the operator can retry on
		// the next qualifying tick.
		s.logger.Errorf("failed to persist calibration result: %v", err)
		return SampleResult{Views: views, Solved: true, Result: result}, fmt.Errorf("persist calibration result: %w", err)
	}
	return SampleResult{Views: views, Solved: true, Result: result}, nil
}

// solverInput splits the accumulated samples into the solver's parallel
// rotation/translation sequences. Callers must hold s.mu.
func (s *Session) solverInput() solver.Input {
	in := solver.Input{
		RGripperToBase:  make([]*mat.Dense, 0, len(s.samples)),
		TGripperToBase:  make([]*mat.VecDense, 0, len(s.samples)),
		RObjectToCamera: make([]*mat.Dense, 0, len(s.samples)),
		TObjectToCamera: make([]*mat.VecDense, 0, len(s.samples)),
	}
	for _, sample := range s.samples {
		rg, tg := frames.Split(sample.BaseInGripper)
		ro, to := frames.Split(sample.ObjectInCamera)
		in.RGripperToBase = append(in.RGripperToBase, rg)
		in.TGripperToBase = append(in.TGripperToBase, tg)
		in.RObjectToCamera = append(in.RObjectToCamera, ro)
		in.TObjectToCamera = append(in.TObjectToCamera, to)
	}
	return in
}

// Stop moves the session to Terminated. Safe to call more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Collecting {
		s.state = Terminated
		s.logger.Infof("Calibration session terminated with %d views.", len(s.samples))
	}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Views returns the accumulated sample count.
func (s *Session) Views() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

// Samples returns a copy of the accumulated sample sequence in acquisition
// order.
func (s *Session) Samples() []PoseSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PoseSample, len(s.samples))
	copy(out, s.samples)
	return out
}

// MinViews returns the solve threshold.
func (s *Session) MinViews() int {
	return s.minViews
}

// Run consumes operator commands until a stop command arrives, the channel
// closes, or the context ends. Tick failures are already logged by Sample
// and never end the loop.
func (s *Session) Run(ctx context.Context, cmds <-chan Command) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-cmds:
			if !ok {
				return
			}
			switch cmd {
			case CommandSample:
				// Recoverable failures are logged inside Sample.
				_, _ = s.Sample(ctx)
			case CommandStop:
				s.Stop()
				return
			}
		}
	}
}
