package estimator

import (
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/cougars-auv/fgo/preintegration"
	"github.com/cougars-auv/fgo/solver"
)

// StallPolicy decides what happens when a keyframe trigger fires with no IMU
// accumulated since the previous keyframe.
type StallPolicy string

const (
	// StallPolicyZeroInfoPrior creates the keyframe anyway, chaining it to the
	// previous node with a weak motion prior. Degraded but live: the other
	// sensors keep constraining the estimate while the IMU is silent.
	StallPolicyZeroInfoPrior = StallPolicy("zero-info-prior")
	// StallPolicyHoldKeyframes parks non-IMU measurements until IMU resumes.
	StallPolicyHoldKeyframes = StallPolicy("hold-keyframes")
)

// Config is the estimator's external configuration surface. It is loaded for us
// by whatever config layer the vehicle runs; the estimator only validates it.
type Config struct {
	// WindowSize is how many keyframes stay fully optimizable before the oldest
	// is marginalized into a prior.
	WindowSize int `json:"window_size"`
	// KeyframeTriggerPeriod is the elapsed measurement time that forces a new
	// keyframe even without motion.
	KeyframeTriggerPeriod time.Duration `json:"keyframe_trigger_period"`
	// KeyframeMotionThreshold triggers a keyframe once the preintegrated
	// rotation (radians) plus translation (meters) magnitude exceeds it.
	KeyframeMotionThreshold float64 `json:"keyframe_motion_threshold"`

	SolverMaxIterations        int     `json:"solver_max_iterations"`
	SolverConvergenceTolerance float64 `json:"solver_convergence_tolerance"`

	// ImuQueueCapacity bounds the IMU ingest queue; samples beyond it are
	// dropped with a counted loss rather than blocking the producer.
	ImuQueueCapacity int `json:"imu_queue_capacity"`
	// MeasurementQueueCapacity bounds the non-IMU queue, which blocks producers
	// under backpressure instead of dropping.
	MeasurementQueueCapacity int `json:"measurement_queue_capacity"`

	Preintegration preintegration.Params `json:"preintegration"`

	// InitialBias seeds the first keyframe's bias estimate.
	InitialBias preintegration.Bias `json:"initial_bias"`
	// Anchor prior sigmas for the first keyframe.
	InitialOrientationSigma float64 `json:"initial_orientation_sigma"`
	InitialPositionSigma    float64 `json:"initial_position_sigma"`
	InitialVelocitySigma    float64 `json:"initial_velocity_sigma"`
	InitialBiasSigma        float64 `json:"initial_bias_sigma"`

	StallPolicy StallPolicy `json:"stall_policy"`
}

// DefaultConfig returns a configuration suitable for a slow-moving AUV with a
// low-cost MEMS IMU.
func DefaultConfig() Config {
	return Config{
		WindowSize:                 10,
		KeyframeTriggerPeriod:      time.Second,
		KeyframeMotionThreshold:    1.0,
		SolverMaxIterations:        solver.DefaultOptions().MaxIterations,
		SolverConvergenceTolerance: solver.DefaultOptions().RelativeCostTolerance,
		ImuQueueCapacity:           512,
		MeasurementQueueCapacity:   64,
		Preintegration:             preintegration.DefaultParams(),
		InitialOrientationSigma:    0.1,
		InitialPositionSigma:       1.0,
		InitialVelocitySigma:       0.25,
		InitialBiasSigma:           0.1,
		StallPolicy:                StallPolicyZeroInfoPrior,
	}
}

// Validate ensures all parts of the config are usable, filling defaulted fields.
func (c *Config) Validate(path string) error {
	if c.WindowSize < 2 {
		return goutils.NewConfigValidationError(path, errors.New("window_size must be at least 2"))
	}
	if c.KeyframeTriggerPeriod <= 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "keyframe_trigger_period")
	}
	if c.KeyframeMotionThreshold < 0 {
		return goutils.NewConfigValidationError(path, errors.New("keyframe_motion_threshold cannot be negative"))
	}
	if c.ImuQueueCapacity <= 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "imu_queue_capacity")
	}
	if c.MeasurementQueueCapacity <= 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "measurement_queue_capacity")
	}
	if c.Preintegration.GyroNoiseSigma <= 0 || c.Preintegration.AccelNoiseSigma <= 0 ||
		c.Preintegration.GyroBiasWalkSigma <= 0 || c.Preintegration.AccelBiasWalkSigma <= 0 {
		return goutils.NewConfigValidationError(path, errors.New("preintegration noise sigmas must be positive"))
	}
	if c.Preintegration.Gravity.Norm() == 0 {
		return goutils.NewConfigValidationError(path, errors.New("preintegration gravity cannot be zero"))
	}
	for _, sigma := range []float64{
		c.InitialOrientationSigma, c.InitialPositionSigma, c.InitialVelocitySigma, c.InitialBiasSigma,
	} {
		if sigma <= 0 {
			return goutils.NewConfigValidationError(path, errors.New("initial prior sigmas must be positive"))
		}
	}
	switch c.StallPolicy {
	case "":
		c.StallPolicy = StallPolicyZeroInfoPrior
	case StallPolicyZeroInfoPrior, StallPolicyHoldKeyframes:
	default:
		return goutils.NewConfigValidationError(path, errors.Errorf("unknown stall_policy %q", c.StallPolicy))
	}
	if c.SolverMaxIterations <= 0 {
		c.SolverMaxIterations = solver.DefaultOptions().MaxIterations
	}
	if c.SolverConvergenceTolerance <= 0 {
		c.SolverConvergenceTolerance = solver.DefaultOptions().RelativeCostTolerance
	}
	return nil
}

func (c Config) solverOptions() solver.Options {
	return solver.Options{
		MaxIterations:         c.SolverMaxIterations,
		RelativeCostTolerance: c.SolverConvergenceTolerance,
	}
}

func (c Config) anchorSigmas() []float64 {
	sigmas := make([]float64, 0, 15)
	for i := 0; i < 3; i++ {
		sigmas = append(sigmas, c.InitialOrientationSigma)
	}
	for i := 0; i < 3; i++ {
		sigmas = append(sigmas, c.InitialPositionSigma)
	}
	for i := 0; i < 3; i++ {
		sigmas = append(sigmas, c.InitialVelocitySigma)
	}
	for i := 0; i < 6; i++ {
		sigmas = append(sigmas, c.InitialBiasSigma)
	}
	return sigmas
}
