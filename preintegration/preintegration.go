// Package preintegration folds high-rate IMU samples arriving between two keyframes
// into one relative-motion measurement: a rotation, velocity, and position delta with
// a 15x15 covariance and the bias Jacobians needed for first-order re-biasing. The
// solver re-linearizes against the stored Jacobians instead of re-integrating, which
// keeps each iteration cheap.
package preintegration

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/cougars-auv/fgo/spatial"
)

// StateDim is the dimension of the preintegrated error state:
// [dtheta, dposition, dvelocity, dgyrobias, daccelbias].
const StateDim = 15

// Tangent-block offsets shared with the factor graph.
const (
	ThetaOffset    = 0
	PositionOffset = 3
	VelocityOffset = 6
	GyroBiasOffset = 9
	AccBiasOffset  = 12
)

// ErrSampleOutOfWindow reports an IMU sample that does not fall strictly inside the
// open keyframe interval being accumulated, or that arrives out of order.
var ErrSampleOutOfWindow = errors.New("imu sample outside preintegration window")

// Bias holds slowly varying gyro and accelerometer offsets, in sensor units.
type Bias struct {
	Gyro  r3.Vector `json:"gyro"`
	Accel r3.Vector `json:"accel"`
}

// Sub returns b - other, elementwise.
func (b Bias) Sub(other Bias) Bias {
	return Bias{Gyro: b.Gyro.Sub(other.Gyro), Accel: b.Accel.Sub(other.Accel)}
}

// Add returns b + other, elementwise.
func (b Bias) Add(other Bias) Bias {
	return Bias{Gyro: b.Gyro.Add(other.Gyro), Accel: b.Accel.Add(other.Accel)}
}

// Params are the continuous-time IMU noise densities and the gravity vector in the
// world frame, positive Z down by convention for a pressure-referenced AUV.
type Params struct {
	GyroNoiseSigma     float64   `json:"gyro_noise_sigma"`
	AccelNoiseSigma    float64   `json:"accel_noise_sigma"`
	GyroBiasWalkSigma  float64   `json:"gyro_bias_walk_sigma"`
	AccelBiasWalkSigma float64   `json:"accel_bias_walk_sigma"`
	Gravity            r3.Vector `json:"gravity"`
}

// DefaultParams returns noise densities typical of a low-cost MEMS IMU.
func DefaultParams() Params {
	return Params{
		GyroNoiseSigma:     1e-3,
		AccelNoiseSigma:    1e-2,
		GyroBiasWalkSigma:  1e-5,
		AccelBiasWalkSigma: 1e-4,
		Gravity:            r3.Vector{Z: 9.80665},
	}
}

// Delta is the finalized preintegrated motion between two keyframe instants,
// expressed in the frame of the first keyframe and referenced to the bias estimate
// it was integrated with. Deltas are immutable once produced.
type Delta struct {
	StartNanos int64
	EndNanos   int64
	Duration   float64

	Rot quat.Number
	Vel r3.Vector
	Pos r3.Vector

	// Cov is the 15x15 covariance of the preintegrated error state.
	Cov *mat.SymDense

	// ReferenceBias is the bias the deltas were integrated with.
	ReferenceBias Bias

	// First-order sensitivities of the deltas to a change in the reference bias.
	RotByGyroBias *mat.Dense
	VelByGyroBias *mat.Dense
	VelByAccBias  *mat.Dense
	PosByGyroBias *mat.Dense
	PosByAccBias  *mat.Dense

	// SampleCount is how many IMU samples went into the delta. Zero marks a
	// stale-preintegration placeholder.
	SampleCount int
}

// Corrected applies the stored first-order bias correction, returning the delta this
// interval would have produced had it been integrated with the given bias.
func (d *Delta) Corrected(bias Bias) (quat.Number, r3.Vector, r3.Vector) {
	db := bias.Sub(d.ReferenceBias)
	dbg := spatial.Vec(db.Gyro)
	dba := spatial.Vec(db.Accel)

	var dTheta, dVg, dVa, dPg, dPa mat.VecDense
	dTheta.MulVec(d.RotByGyroBias, dbg)
	dVg.MulVec(d.VelByGyroBias, dbg)
	dVa.MulVec(d.VelByAccBias, dba)
	dPg.MulVec(d.PosByGyroBias, dbg)
	dPa.MulVec(d.PosByAccBias, dba)

	rot := quat.Mul(d.Rot, spatial.Exp(spatial.R3(&dTheta)))
	vel := d.Vel.Add(spatial.R3(&dVg)).Add(spatial.R3(&dVa))
	pos := d.Pos.Add(spatial.R3(&dPg)).Add(spatial.R3(&dPa))
	return rot, vel, pos
}

// Compose chains two adjacent deltas into the delta spanning both intervals,
// expressed in the first interval's start frame. Covariance is not composed here;
// chained intervals keep their own factors in the graph.
func Compose(first, second *Delta) (quat.Number, r3.Vector, r3.Vector) {
	rot := spatial.Normalize(quat.Mul(first.Rot, second.Rot))
	vel := first.Vel.Add(spatial.Rotate(first.Rot, second.Vel))
	pos := first.Pos.
		Add(first.Vel.Mul(second.Duration)).
		Add(spatial.Rotate(first.Rot, second.Pos))
	return rot, vel, pos
}

// Preintegrator accumulates IMU samples for one keyframe interval. It is not safe
// for concurrent use; the estimation loop owns it exclusively.
type Preintegrator struct {
	params Params
	bias   Bias

	startNanos int64
	lastNanos  int64
	finalized  bool

	havePrev  bool
	prevGyro  r3.Vector
	prevAccel r3.Vector

	rot quat.Number
	vel r3.Vector
	pos r3.Vector

	cov *mat.SymDense

	rotByGyroBias *mat.Dense
	velByGyroBias *mat.Dense
	velByAccBias  *mat.Dense
	posByGyroBias *mat.Dense
	posByAccBias  *mat.Dense

	sampleCount int
}

// New starts accumulation at the given keyframe instant using the given bias estimate.
func New(params Params, bias Bias, startNanos int64) *Preintegrator {
	return &Preintegrator{
		params:        params,
		bias:          bias,
		startNanos:    startNanos,
		lastNanos:     startNanos,
		rot:           quat.Number{Real: 1},
		cov:           mat.NewSymDense(StateDim, nil),
		rotByGyroBias: mat.NewDense(3, 3, nil),
		velByGyroBias: mat.NewDense(3, 3, nil),
		velByAccBias:  mat.NewDense(3, 3, nil),
		posByGyroBias: mat.NewDense(3, 3, nil),
		posByAccBias:  mat.NewDense(3, 3, nil),
	}
}

// StartNanos returns the opening instant of the interval.
func (p *Preintegrator) StartNanos() int64 { return p.startNanos }

// LastNanos returns the timestamp of the newest accepted sample, or the start
// instant when no samples have arrived.
func (p *Preintegrator) LastNanos() int64 { return p.lastNanos }

// SampleCount returns how many samples have been folded in so far.
func (p *Preintegrator) SampleCount() int { return p.sampleCount }

// AccumulatedRotation returns the rotation angle integrated so far, in radians.
// The sliding-window manager uses it for the motion-based keyframe trigger.
func (p *Preintegrator) AccumulatedRotation() float64 {
	return spatial.Log(p.rot).Norm()
}

// AccumulatedTranslation returns the magnitude of the position delta so far, meters.
func (p *Preintegrator) AccumulatedTranslation() float64 {
	return p.pos.Norm()
}

// Add folds one IMU sample into the accumulated delta using midpoint integration
// between consecutive samples. Samples must fall strictly after the interval start
// and must not move backward in time.
func (p *Preintegrator) Add(gyro, accel r3.Vector, timestampNanos int64) error {
	if p.finalized {
		return errors.Wrap(ErrSampleOutOfWindow, "interval already finalized")
	}
	if timestampNanos <= p.startNanos {
		return errors.Wrapf(ErrSampleOutOfWindow,
			"sample at %d not after interval start %d", timestampNanos, p.startNanos)
	}
	if p.havePrev && timestampNanos < p.lastNanos {
		return errors.Wrapf(ErrSampleOutOfWindow,
			"sample at %d precedes previous sample %d", timestampNanos, p.lastNanos)
	}

	dt := float64(timestampNanos-p.lastNanos) * 1e-9
	gyroMid, accelMid := gyro, accel
	if p.havePrev {
		gyroMid = p.prevGyro.Add(gyro).Mul(0.5)
		accelMid = p.prevAccel.Add(accel).Mul(0.5)
	}
	if dt > 0 {
		p.integrate(gyroMid, accelMid, dt)
	}

	p.prevGyro, p.prevAccel = gyro, accel
	p.havePrev = true
	p.lastNanos = timestampNanos
	p.sampleCount++
	return nil
}

// Finalize closes the interval at the given keyframe instant and returns the
// accumulated delta. The tail gap between the newest sample and the end instant is
// integrated by holding the newest sample's readings. The preintegrator rejects
// further samples afterward.
func (p *Preintegrator) Finalize(endNanos int64) (*Delta, error) {
	if p.finalized {
		return nil, errors.New("preintegrator already finalized")
	}
	if endNanos < p.lastNanos {
		return nil, errors.Wrapf(ErrSampleOutOfWindow,
			"interval end %d precedes newest sample %d", endNanos, p.lastNanos)
	}
	if tail := float64(endNanos-p.lastNanos) * 1e-9; tail > 0 && p.havePrev {
		p.integrate(p.prevGyro, p.prevAccel, tail)
	}
	p.finalized = true

	cov := mat.NewSymDense(StateDim, nil)
	cov.CopySym(p.cov)
	return &Delta{
		StartNanos:    p.startNanos,
		EndNanos:      endNanos,
		Duration:      float64(endNanos-p.startNanos) * 1e-9,
		Rot:           p.rot,
		Vel:           p.vel,
		Pos:           p.pos,
		Cov:           cov,
		ReferenceBias: p.bias,
		RotByGyroBias: mat.DenseCopyOf(p.rotByGyroBias),
		VelByGyroBias: mat.DenseCopyOf(p.velByGyroBias),
		VelByAccBias:  mat.DenseCopyOf(p.velByAccBias),
		PosByGyroBias: mat.DenseCopyOf(p.posByGyroBias),
		PosByAccBias:  mat.DenseCopyOf(p.posByAccBias),
		SampleCount:   p.sampleCount,
	}, nil
}

// integrate advances the deltas, bias Jacobians, and covariance by one step of
// duration dt with the given (midpoint) readings.
func (p *Preintegrator) integrate(gyro, accel r3.Vector, dt float64) {
	w := gyro.Sub(p.bias.Gyro)   // unbiased angular rate
	a := accel.Sub(p.bias.Accel) // unbiased specific force

	wdt := w.Mul(dt)
	stepRot := spatial.Exp(wdt)
	stepRotMat := spatial.RotationMatrix(stepRot)
	jr := spatial.RightJacobian(wdt)

	oldRotMat := spatial.RotationMatrix(p.rot)      // A = R(Delta R_k)
	aWorld := spatial.Rotate(p.rot, a)              // accel rotated into the start frame
	aSkew := spatial.Skew(a)                        // [a - ba]_x
	var rotASkew mat.Dense                          // A [a]_x
	rotASkew.Mul(oldRotMat, aSkew)

	p.propagateCovariance(stepRotMat, jr, &rotASkew, dt)
	p.propagateBiasJacobians(stepRotMat, jr, oldRotMat, &rotASkew, dt)

	// Midpoint update of the deltas themselves: position uses the velocity at the
	// start of the step plus half the step's acceleration.
	p.pos = p.pos.Add(p.vel.Mul(dt)).Add(aWorld.Mul(0.5 * dt * dt))
	p.vel = p.vel.Add(aWorld.Mul(dt))
	p.rot = spatial.Normalize(quat.Mul(p.rot, stepRot))
}

func (p *Preintegrator) propagateBiasJacobians(stepRotMat, jr, oldRotMat, rotASkew *mat.Dense, dt float64) {
	var stepRotT, tmp mat.Dense
	stepRotT.CloneFrom(stepRotMat.T())

	// dR/dbg <- Exp(w dt)^T dR/dbg - Jr dt
	var newRotByGyro mat.Dense
	newRotByGyro.Mul(&stepRotT, p.rotByGyroBias)
	tmp.Scale(dt, jr)
	newRotByGyro.Sub(&newRotByGyro, &tmp)

	// dP/d* <- dP/d* + dV/d* dt - 0.5 A [a]_x dR/dbg dt^2  (gyro)
	//          dP/d* + dV/d* dt - 0.5 A dt^2               (accel)
	var coupled mat.Dense
	coupled.Mul(rotASkew, p.rotByGyroBias)
	tmp.Scale(dt, p.velByGyroBias)
	p.posByGyroBias.Add(p.posByGyroBias, &tmp)
	tmp.Scale(0.5*dt*dt, &coupled)
	p.posByGyroBias.Sub(p.posByGyroBias, &tmp)

	tmp.Scale(dt, p.velByAccBias)
	p.posByAccBias.Add(p.posByAccBias, &tmp)
	tmp.Scale(0.5*dt*dt, oldRotMat)
	p.posByAccBias.Sub(p.posByAccBias, &tmp)

	// dV/dbg <- dV/dbg - A [a]_x dR/dbg dt ; dV/dba <- dV/dba - A dt
	tmp.Scale(dt, &coupled)
	p.velByGyroBias.Sub(p.velByGyroBias, &tmp)
	tmp.Scale(dt, oldRotMat)
	p.velByAccBias.Sub(p.velByAccBias, &tmp)

	p.rotByGyroBias.CloneFrom(&newRotByGyro)
}

// propagateCovariance applies P <- F P F^T + Q for one step. The error-state
// transition F couples rotation error into velocity and position through the
// rotated specific force, and gyro bias error into rotation through Jr.
func (p *Preintegrator) propagateCovariance(stepRotMat, jr, rotASkew *mat.Dense, dt float64) {
	f := mat.NewDense(StateDim, StateDim, nil)
	for i := 0; i < StateDim; i++ {
		f.Set(i, i, 1)
	}
	setBlock(f, ThetaOffset, ThetaOffset, stepRotMat.T())
	scaleInto(f, ThetaOffset, GyroBiasOffset, jr, -dt)

	scaleInto(f, VelocityOffset, ThetaOffset, rotASkew, -dt)
	for i := 0; i < 3; i++ {
		f.Set(PositionOffset+i, VelocityOffset+i, dt)
	}
	scaleInto(f, PositionOffset, ThetaOffset, rotASkew, -0.5*dt*dt)

	var fp, fpf mat.Dense
	fp.Mul(f, p.cov)
	fpf.Mul(&fp, f.T())

	q := p.stepNoise(jr, dt)
	next := mat.NewSymDense(StateDim, nil)
	for i := 0; i < StateDim; i++ {
		for j := i; j < StateDim; j++ {
			next.SetSym(i, j, 0.5*(fpf.At(i, j)+fpf.At(j, i))+q.At(i, j))
		}
	}
	p.cov = next
}

// stepNoise builds the additive discrete noise for one step of duration dt from the
// continuous noise densities.
func (p *Preintegrator) stepNoise(jr *mat.Dense, dt float64) *mat.SymDense {
	q := mat.NewSymDense(StateDim, nil)

	// Rotation: Jr (sigma_g^2 dt) Jr^T.
	var jrT, jrjr mat.Dense
	jrT.CloneFrom(jr.T())
	jrjr.Mul(jr, &jrT)
	sg2 := p.params.GyroNoiseSigma * p.params.GyroNoiseSigma * dt
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			q.SetSym(ThetaOffset+i, ThetaOffset+j, sg2*jrjr.At(i, j))
		}
	}

	sa2 := p.params.AccelNoiseSigma * p.params.AccelNoiseSigma
	for i := 0; i < 3; i++ {
		q.SetSym(VelocityOffset+i, VelocityOffset+i, sa2*dt)
		q.SetSym(PositionOffset+i, PositionOffset+i, 0.25*sa2*dt*dt*dt)
		q.SetSym(PositionOffset+i, VelocityOffset+i, 0.5*sa2*dt*dt)
	}

	sbg2 := p.params.GyroBiasWalkSigma * p.params.GyroBiasWalkSigma * dt
	sba2 := p.params.AccelBiasWalkSigma * p.params.AccelBiasWalkSigma * dt
	for i := 0; i < 3; i++ {
		q.SetSym(GyroBiasOffset+i, GyroBiasOffset+i, sbg2)
		q.SetSym(AccBiasOffset+i, AccBiasOffset+i, sba2)
	}
	return q
}

func setBlock(dst *mat.Dense, row, col int, src mat.Matrix) {
	r, c := src.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			dst.Set(row+i, col+j, src.At(i, j))
		}
	}
}

func scaleInto(dst *mat.Dense, row, col int, src mat.Matrix, scale float64) {
	r, c := src.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			dst.Set(row+i, col+j, scale*src.At(i, j))
		}
	}
}
