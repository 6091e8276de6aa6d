package graph

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/cougars-auv/fgo/preintegration"
	"github.com/cougars-auv/fgo/spatial"
)

// Step used for the central-difference Jacobians of the nonlinear factors.
const jacobianStep = 1e-7

// Factor is one measurement constraint over one or more nodes. Residuals are
// whitened: the solver minimizes the plain sum of squared residuals. The variant
// set is closed; only this package implements the interface.
type Factor interface {
	// Keys lists the nodes the factor touches, in residual evaluation order.
	Keys() []NodeIndex
	// Dim is the residual dimension.
	Dim() int
	// Residual evaluates the whitened residual at the given states, ordered per Keys.
	Residual(states []NavState) (*mat.VecDense, error)
	// Linearize evaluates the whitened residual and one Dim x NodeDim Jacobian
	// block per key.
	Linearize(states []NavState) (*Linearization, error)

	factorVariant()
}

// Linearization is a factor's first-order expansion at a linearization point.
type Linearization struct {
	Residual  *mat.VecDense
	Jacobians []*mat.Dense
}

// IsFinite reports whether every entry of the linearization is a normal float.
func (l *Linearization) IsFinite() bool {
	if !vecIsFinite(l.Residual) {
		return false
	}
	for _, j := range l.Jacobians {
		r, c := j.Dims()
		for i := 0; i < r; i++ {
			for k := 0; k < c; k++ {
				if v := j.At(i, k); math.IsNaN(v) || math.IsInf(v, 0) {
					return false
				}
			}
		}
	}
	return true
}

func vecIsFinite(v *mat.VecDense) bool {
	for i := 0; i < v.Len(); i++ {
		if x := v.AtVec(i); math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// numericalLinearize builds the Jacobian blocks of f by central differences on the
// node tangent spaces, the same finite-difference jump approach the IK solver uses
// for its gradients. Whitening lives in Residual, so the blocks come out whitened.
func numericalLinearize(f Factor, states []NavState) (*Linearization, error) {
	res, err := f.Residual(states)
	if err != nil {
		return nil, err
	}
	jacobians := make([]*mat.Dense, len(states))
	work := make([]NavState, len(states))
	delta := make([]float64, NodeDim)
	for k := range states {
		jac := mat.NewDense(f.Dim(), NodeDim, nil)
		for d := 0; d < NodeDim; d++ {
			copy(work, states)
			delta[d] = jacobianStep
			work[k] = states[k].Retract(delta)
			plus, err := f.Residual(work)
			if err != nil {
				return nil, err
			}
			delta[d] = -jacobianStep
			work[k] = states[k].Retract(delta)
			minus, err := f.Residual(work)
			if err != nil {
				return nil, err
			}
			delta[d] = 0
			for i := 0; i < f.Dim(); i++ {
				jac.Set(i, d, (plus.AtVec(i)-minus.AtVec(i))/(2*jacobianStep))
			}
		}
		jacobians[k] = jac
	}
	return &Linearization{Residual: res, Jacobians: jacobians}, nil
}

// sqrtInformation returns W with W^T W = cov^-1, i.e. the inverse of the lower
// Cholesky factor of cov. Whitening a residual is then W * r.
func sqrtInformation(cov *mat.SymDense) (*mat.Dense, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return nil, errors.New("covariance is not positive definite")
	}
	var l mat.TriDense
	chol.LTo(&l)
	var w mat.Dense
	if err := w.Inverse(&l); err != nil {
		return nil, errors.Wrap(err, "inverting cholesky factor")
	}
	return &w, nil
}

// ImuFactor constrains two consecutive nodes with a preintegrated IMU delta. The
// residual re-biases the delta to the first node's current bias estimate through
// the stored first-order Jacobians, so evaluation never re-integrates.
type ImuFactor struct {
	From NodeIndex
	To   NodeIndex
	// Delta is the preintegrated motion, immutable once the factor is built.
	Delta   *preintegration.Delta
	Gravity r3.Vector

	sqrtInfo *mat.Dense
}

// NewImuFactor builds an IMU factor from a finalized preintegration delta.
func NewImuFactor(from, to NodeIndex, delta *preintegration.Delta, gravity r3.Vector) (*ImuFactor, error) {
	if delta == nil {
		return nil, errors.New("imu factor needs a delta")
	}
	w, err := sqrtInformation(delta.Cov)
	if err != nil {
		return nil, errors.Wrap(err, "imu factor covariance")
	}
	return &ImuFactor{From: from, To: to, Delta: delta, Gravity: gravity, sqrtInfo: w}, nil
}

func (f *ImuFactor) factorVariant() {}

// Keys returns the two nodes the delta spans, oldest first.
func (f *ImuFactor) Keys() []NodeIndex { return []NodeIndex{f.From, f.To} }

// Dim returns the residual dimension.
func (f *ImuFactor) Dim() int { return NodeDim }

// Residual compares the delta predicted by the two states against the re-biased
// preintegrated measurement, all in the first node's body frame.
func (f *ImuFactor) Residual(states []NavState) (*mat.VecDense, error) {
	if len(states) != 2 {
		return nil, errors.Errorf("imu factor got %d states", len(states))
	}
	si, sj := states[0], states[1]
	dt := f.Delta.Duration

	measRot, measVel, measPos := f.Delta.Corrected(si.Bias)

	rotInv := quat.Conj(si.Rot)
	predRot := quat.Mul(rotInv, sj.Rot)
	predVel := spatial.Rotate(rotInv, sj.Vel.Sub(si.Vel).Sub(f.Gravity.Mul(dt)))
	predPos := spatial.Rotate(rotInv,
		sj.Pos.Sub(si.Pos).Sub(si.Vel.Mul(dt)).Sub(f.Gravity.Mul(0.5*dt*dt)))

	raw := mat.NewVecDense(NodeDim, nil)
	setTangentBlock(raw, ThetaOffset, spatial.Log(quat.Mul(quat.Conj(measRot), predRot)))
	setTangentBlock(raw, PositionOffset, predPos.Sub(measPos))
	setTangentBlock(raw, VelocityOffset, predVel.Sub(measVel))
	setTangentBlock(raw, GyroBiasOffset, sj.Bias.Gyro.Sub(si.Bias.Gyro))
	setTangentBlock(raw, AccBiasOffset, sj.Bias.Accel.Sub(si.Bias.Accel))

	var whitened mat.VecDense
	whitened.MulVec(f.sqrtInfo, raw)
	return &whitened, nil
}

// Linearize evaluates the residual and Jacobians at the given states.
func (f *ImuFactor) Linearize(states []NavState) (*Linearization, error) {
	return numericalLinearize(f, states)
}

// VelocityFactor is a unary DVL constraint: the node's world velocity rotated into
// the body frame must match the measured water-track velocity.
type VelocityFactor struct {
	Node     NodeIndex
	Measured r3.Vector
	Variance r3.Vector
}

func (f *VelocityFactor) factorVariant() {}

// Keys returns the constrained node.
func (f *VelocityFactor) Keys() []NodeIndex { return []NodeIndex{f.Node} }

// Dim returns the residual dimension.
func (f *VelocityFactor) Dim() int { return 3 }

// Residual is the per-axis sigma-scaled body-frame velocity error.
func (f *VelocityFactor) Residual(states []NavState) (*mat.VecDense, error) {
	if len(states) != 1 {
		return nil, errors.Errorf("velocity factor got %d states", len(states))
	}
	s := states[0]
	body := spatial.Rotate(quat.Conj(s.Rot), s.Vel)
	err := body.Sub(f.Measured)
	return mat.NewVecDense(3, []float64{
		err.X / math.Sqrt(f.Variance.X),
		err.Y / math.Sqrt(f.Variance.Y),
		err.Z / math.Sqrt(f.Variance.Z),
	}), nil
}

// Linearize evaluates the residual and Jacobian at the given states.
func (f *VelocityFactor) Linearize(states []NavState) (*Linearization, error) {
	return numericalLinearize(f, states)
}

// DepthFactor is a unary pressure-depth constraint on the node's down coordinate.
type DepthFactor struct {
	Node     NodeIndex
	Meters   float64
	Variance float64
}

func (f *DepthFactor) factorVariant() {}

// Keys returns the constrained node.
func (f *DepthFactor) Keys() []NodeIndex { return []NodeIndex{f.Node} }

// Dim returns the residual dimension.
func (f *DepthFactor) Dim() int { return 1 }

// Residual is the sigma-scaled depth error.
func (f *DepthFactor) Residual(states []NavState) (*mat.VecDense, error) {
	if len(states) != 1 {
		return nil, errors.Errorf("depth factor got %d states", len(states))
	}
	return mat.NewVecDense(1, []float64{
		(states[0].Pos.Z - f.Meters) / math.Sqrt(f.Variance),
	}), nil
}

// Linearize evaluates the residual and Jacobian at the given states.
func (f *DepthFactor) Linearize(states []NavState) (*Linearization, error) {
	return numericalLinearize(f, states)
}

// RangeFactor is a unary acoustic-range constraint between the node's position and
// a peer vehicle's last reported position, treated as fixed. Peer pose uncertainty
// is folded into the range variance by the caller.
type RangeFactor struct {
	Node     NodeIndex
	PeerID   string
	PeerPos  r3.Vector
	Meters   float64
	Variance float64
}

func (f *RangeFactor) factorVariant() {}

// Keys returns the constrained node.
func (f *RangeFactor) Keys() []NodeIndex { return []NodeIndex{f.Node} }

// Dim returns the residual dimension.
func (f *RangeFactor) Dim() int { return 1 }

// Residual is the sigma-scaled euclidean range error. Degenerate geometry (node on
// top of the peer) produces a non-finite Jacobian and is handled by the solver's
// fault path rather than here.
func (f *RangeFactor) Residual(states []NavState) (*mat.VecDense, error) {
	if len(states) != 1 {
		return nil, errors.Errorf("range factor got %d states", len(states))
	}
	dist := states[0].Pos.Sub(f.PeerPos).Norm()
	return mat.NewVecDense(1, []float64{
		(dist - f.Meters) / math.Sqrt(f.Variance),
	}), nil
}

// Linearize evaluates the residual and Jacobian at the given states.
func (f *RangeFactor) Linearize(states []NavState) (*Linearization, error) {
	return numericalLinearize(f, states)
}

// PriorFactor is a linearized Gaussian over one or more nodes: the marginal prior
// produced when a node leaves the window, the anchor prior on the first keyframe,
// and the weak motion prior used when preintegration is stale. The residual is
// SqrtInfo * local(ref, x) - Rhs in the stacked tangent space of its keys.
type PriorFactor struct {
	Nodes []NodeIndex
	// Ref is the linearization reference per key.
	Ref []NavState
	// SqrtInfo is the square-root information matrix over the stacked tangent.
	SqrtInfo *mat.Dense
	// Rhs carries the linear term from marginalization; zero for direct priors.
	Rhs *mat.VecDense
}

// NewDiagonalPrior builds a unary prior pinning a node to ref with the given
// per-dimension sigmas.
func NewDiagonalPrior(node NodeIndex, ref NavState, sigmas []float64) (*PriorFactor, error) {
	if len(sigmas) != NodeDim {
		return nil, errors.Errorf("need %d sigmas, got %d", NodeDim, len(sigmas))
	}
	w := mat.NewDense(NodeDim, NodeDim, nil)
	for i, s := range sigmas {
		if s <= 0 {
			return nil, errors.Errorf("sigma[%d] must be positive", i)
		}
		w.Set(i, i, 1/s)
	}
	return &PriorFactor{
		Nodes:    []NodeIndex{node},
		Ref:      []NavState{ref},
		SqrtInfo: w,
		Rhs:      mat.NewVecDense(NodeDim, nil),
	}, nil
}

func (f *PriorFactor) factorVariant() {}

// Keys returns the nodes covered by the prior.
func (f *PriorFactor) Keys() []NodeIndex { return f.Nodes }

// Dim returns the residual dimension.
func (f *PriorFactor) Dim() int { return f.Rhs.Len() }

// Residual evaluates the linearized Gaussian at the given states.
func (f *PriorFactor) Residual(states []NavState) (*mat.VecDense, error) {
	if len(states) != len(f.Nodes) {
		return nil, errors.Errorf("prior factor got %d states for %d keys", len(states), len(f.Nodes))
	}
	delta := mat.NewVecDense(NodeDim*len(states), nil)
	for k, s := range states {
		local := f.Ref[k].Local(s)
		for i, v := range local {
			delta.SetVec(k*NodeDim+i, v)
		}
	}
	var res mat.VecDense
	res.MulVec(f.SqrtInfo, delta)
	res.SubVec(&res, f.Rhs)
	return &res, nil
}

// Linearize returns the (already linear) Jacobian blocks: the columns of SqrtInfo
// belonging to each key. Curvature of the local coordinates is ignored, as usual
// for a marginal prior.
func (f *PriorFactor) Linearize(states []NavState) (*Linearization, error) {
	res, err := f.Residual(states)
	if err != nil {
		return nil, err
	}
	jacobians := make([]*mat.Dense, len(f.Nodes))
	for k := range f.Nodes {
		jac := mat.NewDense(f.Dim(), NodeDim, nil)
		for i := 0; i < f.Dim(); i++ {
			for j := 0; j < NodeDim; j++ {
				jac.Set(i, j, f.SqrtInfo.At(i, k*NodeDim+j))
			}
		}
		jacobians[k] = jac
	}
	return &Linearization{Residual: res, Jacobians: jacobians}, nil
}

func setTangentBlock(v *mat.VecDense, offset int, val r3.Vector) {
	v.SetVec(offset, val.X)
	v.SetVec(offset+1, val.Y)
	v.SetVec(offset+2, val.Z)
}
