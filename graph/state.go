// Package graph holds the estimator's factor graph: navigation state nodes in a
// flat arena keyed by stable indices, the closed set of factor variants that
// constrain them, and a JSON snapshot codec. Factors reference nodes by index only;
// removal and marginalization are local bookkeeping, never a pointer-graph traversal.
package graph

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/cougars-auv/fgo/preintegration"
	"github.com/cougars-auv/fgo/spatial"
)

// NodeDim is the tangent-space dimension of one navigation state node:
// [dtheta, dposition, dvelocity, dgyrobias, daccelbias].
const NodeDim = preintegration.StateDim

// Tangent-block offsets, shared with the preintegration engine.
const (
	ThetaOffset    = preintegration.ThetaOffset
	PositionOffset = preintegration.PositionOffset
	VelocityOffset = preintegration.VelocityOffset
	GyroBiasOffset = preintegration.GyroBiasOffset
	AccBiasOffset  = preintegration.AccBiasOffset
)

// NavState is the vehicle state at one keyframe: orientation and position of the
// body in the world frame (NED, Z positive down), world-frame linear velocity, and
// the IMU bias. It is a value type; the Store owns the authoritative copy.
type NavState struct {
	Rot  quat.Number
	Pos  r3.Vector
	Vel  r3.Vector
	Bias preintegration.Bias
}

// NewNavState returns the identity state: level, at the origin, at rest, unbiased.
func NewNavState() NavState {
	return NavState{Rot: quat.Number{Real: 1}}
}

// Retract applies a tangent-space update to the state. The rotation component is
// applied multiplicatively on the right so the orientation stays on the manifold.
func (s NavState) Retract(delta []float64) NavState {
	dTheta := r3.Vector{X: delta[ThetaOffset], Y: delta[ThetaOffset+1], Z: delta[ThetaOffset+2]}
	return NavState{
		Rot: spatial.Normalize(quat.Mul(s.Rot, spatial.Exp(dTheta))),
		Pos: s.Pos.Add(r3.Vector{
			X: delta[PositionOffset], Y: delta[PositionOffset+1], Z: delta[PositionOffset+2],
		}),
		Vel: s.Vel.Add(r3.Vector{
			X: delta[VelocityOffset], Y: delta[VelocityOffset+1], Z: delta[VelocityOffset+2],
		}),
		Bias: s.Bias.Add(preintegration.Bias{
			Gyro: r3.Vector{
				X: delta[GyroBiasOffset], Y: delta[GyroBiasOffset+1], Z: delta[GyroBiasOffset+2],
			},
			Accel: r3.Vector{
				X: delta[AccBiasOffset], Y: delta[AccBiasOffset+1], Z: delta[AccBiasOffset+2],
			},
		}),
	}
}

// Local returns the tangent-space coordinates of other relative to s, the inverse
// of Retract: s.Retract(s.Local(other)) == other.
func (s NavState) Local(other NavState) []float64 {
	delta := make([]float64, NodeDim)
	dTheta := spatial.Log(quat.Mul(quat.Conj(s.Rot), other.Rot))
	delta[ThetaOffset], delta[ThetaOffset+1], delta[ThetaOffset+2] = dTheta.X, dTheta.Y, dTheta.Z

	dp := other.Pos.Sub(s.Pos)
	delta[PositionOffset], delta[PositionOffset+1], delta[PositionOffset+2] = dp.X, dp.Y, dp.Z

	dv := other.Vel.Sub(s.Vel)
	delta[VelocityOffset], delta[VelocityOffset+1], delta[VelocityOffset+2] = dv.X, dv.Y, dv.Z

	db := other.Bias.Sub(s.Bias)
	delta[GyroBiasOffset], delta[GyroBiasOffset+1], delta[GyroBiasOffset+2] = db.Gyro.X, db.Gyro.Y, db.Gyro.Z
	delta[AccBiasOffset], delta[AccBiasOffset+1], delta[AccBiasOffset+2] = db.Accel.X, db.Accel.Y, db.Accel.Z
	return delta
}

// Predict propagates the state across a preintegrated delta, re-biased to the
// state's own bias estimate, under the given gravity.
func Predict(s NavState, delta *preintegration.Delta, gravity r3.Vector) NavState {
	rot, vel, pos := delta.Corrected(s.Bias)
	dt := delta.Duration
	return NavState{
		Rot:  spatial.Normalize(quat.Mul(s.Rot, rot)),
		Pos:  s.Pos.Add(s.Vel.Mul(dt)).Add(gravity.Mul(0.5 * dt * dt)).Add(spatial.Rotate(s.Rot, pos)),
		Vel:  s.Vel.Add(gravity.Mul(dt)).Add(spatial.Rotate(s.Rot, vel)),
		Bias: s.Bias,
	}
}
