// Package spatial provides the small set of SO(3) operations the estimator needs:
// exponential and logarithm maps between rotation vectors and unit quaternions,
// skew-symmetric matrices, and the right Jacobian used in covariance propagation.
package spatial

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Angles below this are treated with the small-angle series expansions to avoid
// dividing by a vanishing sine term.
const smallAngleEpsilon = 1e-10

// Exp maps a rotation vector (axis * angle, radians) to a unit quaternion.
func Exp(w r3.Vector) quat.Number {
	theta := w.Norm()
	if theta < smallAngleEpsilon {
		// First-order expansion keeps the quaternion normalized to machine precision
		// for the tiny increments produced by a single IMU sample.
		return Normalize(quat.Number{Real: 1, Imag: w.X / 2, Jmag: w.Y / 2, Kmag: w.Z / 2})
	}
	s := math.Sin(theta/2) / theta
	return quat.Number{
		Real: math.Cos(theta / 2),
		Imag: w.X * s,
		Jmag: w.Y * s,
		Kmag: w.Z * s,
	}
}

// Log maps a unit quaternion to its rotation vector. The result angle is in [0, pi].
func Log(q quat.Number) r3.Vector {
	if q.Real < 0 {
		// q and -q are the same rotation; keep the short way around.
		q = quat.Scale(-1, q)
	}
	v := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	sinHalf := v.Norm()
	if sinHalf < smallAngleEpsilon {
		return v.Mul(2)
	}
	theta := 2 * math.Atan2(sinHalf, q.Real)
	return v.Mul(theta / sinHalf)
}

// Normalize returns q scaled to unit norm. The zero quaternion normalizes to identity.
func Normalize(q quat.Number) quat.Number {
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// Rotate applies the rotation q to the vector v, i.e. computes q * v * q^-1.
func Rotate(q quat.Number, v r3.Vector) r3.Vector {
	qv := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, qv), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// RotationMatrix returns the 3x3 rotation matrix of q.
func RotationMatrix(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// Skew returns the skew-symmetric (hat) matrix of v, so that Skew(a)*b = a x b.
func Skew(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

// RightJacobian returns the right Jacobian of SO(3) at the rotation vector w,
// relating additive perturbations of w to multiplicative perturbations of Exp(w).
func RightJacobian(w r3.Vector) *mat.Dense {
	theta := w.Norm()
	jr := identity3()
	if theta < smallAngleEpsilon {
		skew := Skew(w)
		skew.Scale(0.5, skew)
		jr.Sub(jr, skew)
		return jr
	}
	skew := Skew(w)
	var skew2 mat.Dense
	skew2.Mul(skew, skew)

	a := (1 - math.Cos(theta)) / (theta * theta)
	b := (theta - math.Sin(theta)) / (theta * theta * theta)

	var term mat.Dense
	term.Scale(a, skew)
	jr.Sub(jr, &term)
	term.Scale(b, &skew2)
	jr.Add(jr, &term)
	return jr
}

// Vec returns v as a 3-element gonum vector.
func Vec(v r3.Vector) *mat.VecDense {
	return mat.NewVecDense(3, []float64{v.X, v.Y, v.Z})
}

// R3 converts a 3-element gonum vector back into an r3.Vector.
func R3(v mat.Vector) r3.Vector {
	return r3.Vector{X: v.AtVec(0), Y: v.AtVec(1), Z: v.AtVec(2)}
}

// QuaternionAlmostEqual reports whether two unit quaternions represent rotations
// within tol radians of each other.
func QuaternionAlmostEqual(a, b quat.Number, tol float64) bool {
	diff := quat.Mul(quat.Conj(a), b)
	return Log(diff).Norm() < tol
}

func identity3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
}
