// Package eyeinhand exposes an interactive eye-in-hand camera/robot
// calibration session as a Viam modular service. A detection worker keeps
// the latest marker-in-camera transform cached, a pose worker keeps the
// latest end-effector pose registered, and each operator "sample" command
// pairs the two, accumulating views until the hand-eye solve can run.
package eyeinhand

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/robot/framesystem"
	genericservice "go.viam.com/rdk/services/generic"
	rdk_utils "go.viam.com/utils"
	"gonum.org/v1/gonum/mat"

	"eyeinhand/estimator"
	"eyeinhand/frames"
	"eyeinhand/session"
	"eyeinhand/solver"
	"eyeinhand/store"
)

// CalibrationSession is the model this module registers.
var CalibrationSession = resource.NewModel("viam", "eye-in-hand-calibration", "session")

func init() {
	resource.RegisterService(genericservice.API, CalibrationSession,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newCalibrationSession,
		},
	)
}

// Config for the calibration session service.
type Config struct {
	MarkerID             int     `json:"marker_id,omitempty"` // defaults to 582
	MarkerSizeMM         float64 `json:"marker_size_mm,omitempty"`
	CameraName           string  `json:"camera_name"`
	EndEffectorName      string  `json:"end_effector_name"`
	PoseEstimatorName    string  `json:"pose_estimator_name"`
	IntrinsicsCameraName string  `json:"intrinsics_camera_name,omitempty"`
	MinViews             int     `json:"min_views,omitempty"`
	OutputDir            string  `json:"output_dir,omitempty"`
	DetectionRateHz      float64 `json:"detection_rate_hz,omitempty"`
	PoseRateHz           float64 `json:"pose_rate_hz,omitempty"`
	RefineSolution       bool    `json:"refine_solution,omitempty"`
}

// Validate ensures all parts of the config are valid and important fields exist.
// Returns implicit required (first return) and optional (second return) dependencies based on the config.
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.CameraName == "" {
		return nil, nil, errors.New("camera_name is required")
	}
	if cfg.EndEffectorName == "" {
		return nil, nil, errors.New("end_effector_name is required")
	}
	if cfg.PoseEstimatorName == "" {
		return nil, nil, errors.New("pose_estimator_name is required")
	}
	if cfg.MarkerID < 0 {
		return nil, nil, errors.New("marker_id must not be negative")
	}
	if cfg.MarkerID == 0 {
		cfg.MarkerID = 582
	}
	if cfg.MarkerSizeMM < 0 {
		return nil, nil, errors.New("marker_size_mm must not be negative")
	}
	if cfg.MarkerSizeMM == 0 {
		cfg.MarkerSizeMM = 78.0
	}
	if cfg.MinViews == 0 {
		cfg.MinViews = solver.MinViews
	}
	if cfg.MinViews < solver.MinViews {
		return nil, nil, fmt.Errorf("min_views must be at least %d", solver.MinViews)
	}
	if cfg.DetectionRateHz < 0 || cfg.PoseRateHz < 0 {
		return nil, nil, errors.New("detection_rate_hz and pose_rate_hz must not be negative")
	}
	if cfg.DetectionRateHz == 0 {
		cfg.DetectionRateHz = 10.0
	}
	if cfg.PoseRateHz == 0 {
		cfg.PoseRateHz = 20.0
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}
	if cfg.IntrinsicsCameraName == "" {
		cfg.IntrinsicsCameraName = cfg.CameraName
	}
	deps := []string{cfg.CameraName, cfg.PoseEstimatorName}
	if cfg.IntrinsicsCameraName != cfg.CameraName {
		deps = append(deps, cfg.IntrinsicsCameraName)
	}
	return deps, nil, nil
}

type calibrationSession struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *Config

	cam         camera.Camera
	intrCam     camera.Camera
	frameSystem framesystem.Service
	estimator   estimator.PoseEstimator

	cache      *session.TransformCache
	poses      *session.PoseRegister
	intrinsics *session.IntrinsicsRegister
	session    *session.Session

	worker *rdk_utils.StoppableWorkers
}

// estimatorFromDependencies resolves the external pose estimator, a generic
// resource addressed by name.
func estimatorFromDependencies(deps resource.Dependencies, name string) (resource.Resource, error) {
	res, err := deps.Lookup(resource.NewName(generic.API, name))
	if err != nil {
		return nil, fmt.Errorf("failed to get pose estimator resource: %w", err)
	}
	return res, nil
}

func newCalibrationSession(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}
	return NewCalibrationSession(ctx, deps, rawConf.ResourceName(), conf, logger)
}

// NewCalibrationSession wires the session manager to its camera, pose feed
// and estimator dependencies and starts the background workers.
func NewCalibrationSession(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger) (resource.Resource, error) {
	cam, err := camera.FromDependencies(deps, conf.CameraName)
	if err != nil {
		return nil, fmt.Errorf("failed to get camera %q: %w", conf.CameraName, err)
	}
	intrCam := cam
	if conf.IntrinsicsCameraName != conf.CameraName {
		intrCam, err = camera.FromDependencies(deps, conf.IntrinsicsCameraName)
		if err != nil {
			return nil, fmt.Errorf("failed to get intrinsics camera %q: %w", conf.IntrinsicsCameraName, err)
		}
	}

	frameSystem, err := framesystem.FromDependencies(deps)
	if err != nil {
		return nil, fmt.Errorf("failed to get frame system service: %w", err)
	}

	estimatorClient, err := estimatorFromDependencies(deps, conf.PoseEstimatorName)
	if err != nil {
		return nil, err
	}

	cache := &session.TransformCache{}
	poses := &session.PoseRegister{}

	var slv solver.Solver
	if conf.RefineSolution {
		slv = solver.NewTsaiWithRefinement(logger)
	} else {
		slv = solver.NewTsai(logger)
	}

	s := &calibrationSession{
		name:        name,
		logger:      logger,
		cfg:         conf,
		cam:         cam,
		intrCam:     intrCam,
		frameSystem: frameSystem,
		estimator:   estimator.NewDoCommandEstimator(estimatorClient, logger),
		cache:       cache,
		poses:       poses,
		intrinsics:  &session.IntrinsicsRegister{},
		session:     session.New(logger, cache, poses, slv, store.NewFileStore(conf.OutputDir, logger), conf.MinViews),
		worker:      rdk_utils.NewBackgroundStoppableWorkers(),
	}

	s.worker.Add(s.detectionLoop)
	s.worker.Add(s.poseLoop)
	logger.Infof("Eye-in-hand calibration session started for marker %d.", conf.MarkerID)
	return s, nil
}

func (s *calibrationSession) Name() resource.Name {
	return s.name
}

// Close implements resource.Resource.
func (s *calibrationSession) Close(ctx context.Context) error {
	s.worker.Stop()
	s.session.Stop()
	return nil
}

func (s *calibrationSession) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	switch cmd["command"] {
	case "sample":
		res, err := s.session.Sample(ctx)
		switch {
		case err == nil, errors.Is(err, session.ErrInsufficientViews):
			// Sample accepted; below the threshold no solve is attempted.
		case errors.Is(err, solver.ErrSolverDidNotConverge), errors.Is(err, solver.ErrDegenerateInput):
			// Sample accepted, solve failed; the session keeps collecting.
			return map[string]interface{}{
				"views":  res.Views,
				"solved": false,
				"error":  err.Error(),
			}, nil
		default:
			return nil, err
		}
		out := map[string]interface{}{
			"views":  res.Views,
			"solved": res.Solved,
		}
		if res.Solved {
			out["camera_to_base"] = matrixRows(res.Result)
		}
		return out, nil

	case "stop":
		s.session.Stop()
		return map[string]interface{}{
			"state": s.session.State().String(),
			"views": s.session.Views(),
		}, nil

	case "status":
		_, intrinsicsLoaded := s.intrinsics.Get()
		_, markerCached := s.cache.Latest()
		_, _, poseTracked := s.poses.Latest()
		return map[string]interface{}{
			"state":             s.session.State().String(),
			"views":             s.session.Views(),
			"min_views":         s.session.MinViews(),
			"intrinsics_loaded": intrinsicsLoaded,
			"marker_visible":    markerCached,
			"pose_tracked":      poseTracked,
		}, nil

	case "get-samples":
		samples := s.session.Samples()
		list := make([]interface{}, 0, len(samples))
		for _, sample := range samples {
			list = append(list, map[string]interface{}{
				"object_in_camera": matrixRows(sample.ObjectInCamera),
				"base_in_gripper":  matrixRows(sample.BaseInGripper),
			})
		}
		return map[string]interface{}{"samples": list}, nil

	default:
		return nil, fmt.Errorf("invalid command: %v", cmd["command"])
	}
}

// detectionLoop runs the marker detection cycle at the configured rate,
// overwriting the transform cache with whatever the latest frame shows.
func (s *calibrationSession) detectionLoop(ctx context.Context) {
	interval := time.Duration(float64(time.Second) / s.cfg.DetectionRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.detectOnce(ctx); err != nil {
				s.logger.Debugf("detection cycle: %v", err)
			}
		}
	}
}

func (s *calibrationSession) detectOnce(ctx context.Context) error {
	intr, ok := s.intrinsics.Get()
	if !ok {
		props, err := s.intrCam.Properties(ctx)
		if err != nil {
			s.logger.Warnf("dropping frame, intrinsics not loaded: %v", err)
			return nil
		}
		loaded, err := estimator.FromCameraProperties(props)
		if err != nil {
			s.logger.Warnf("dropping frame: %v", err)
			return nil
		}
		if s.intrinsics.Load(loaded) {
			s.logger.Info("Camera intrinsics loaded.")
		}
		intr, _ = s.intrinsics.Get()
	}

	imgs, _, err := s.cam.Images(ctx, []string{"color"}, nil)
	if err != nil {
		return fmt.Errorf("get image: %w", err)
	}
	if len(imgs) == 0 {
		return errors.New("no images returned from camera")
	}
	img, err := imgs[0].Image(ctx)
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}

	markers, err := s.estimator.EstimatePoses(ctx, img, intr, s.cfg.MarkerSizeMM)
	if err != nil {
		s.cache.Clear()
		return fmt.Errorf("estimate poses: %w", err)
	}
	for _, m := range markers {
		if m.ID == s.cfg.MarkerID {
			s.cache.Set(frames.Compose(m.Rotation, m.Translation))
			return nil
		}
	}
	// The target marker was not in this frame; the next operator tick will
	// surface that as an explicit error.
	s.cache.Clear()
	return nil
}

// poseLoop keeps the end-effector pose register current.
func (s *calibrationSession) poseLoop(ctx context.Context) {
	interval := time.Duration(float64(time.Second) / s.cfg.PoseRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pif, err := s.frameSystem.GetPose(ctx, s.cfg.EndEffectorName, "", []*referenceframe.LinkInFrame{}, map[string]interface{}{})
			if err != nil {
				s.logger.Debugf("end-effector pose read: %v", err)
				continue
			}
			s.poses.Set(frames.ToVector(pif.Pose()), frames.ModeQuaternion)
		}
	}
}

func matrixRows(m *mat.Dense) [][]float64 {
	r, c := m.Dims()
	rows := make([][]float64, r)
	for i := 0; i < r; i++ {
		rows[i] = make([]float64, c)
		for j := 0; j < c; j++ {
			rows[i][j] = m.At(i, j)
		}
	}
	return rows
}
