package preintegration

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/cougars-auv/fgo/spatial"
)

const nanosPerSample = int64(10_000_000) // 100 Hz

// synthetic body-frame signals: slow yaw with a gentle surge.
func sampleAt(tNanos int64) (r3.Vector, r3.Vector) {
	ts := float64(tNanos) * 1e-9
	gyro := r3.Vector{Z: 0.2 + 0.05*math.Sin(ts)}
	accel := r3.Vector{X: 0.3 * math.Cos(0.5*ts), Z: -9.80665}
	return gyro, accel
}

func integrateRange(t *testing.T, p *Preintegrator, startNanos, endNanos int64) *Delta {
	t.Helper()
	for ts := startNanos + nanosPerSample; ts <= endNanos; ts += nanosPerSample {
		gyro, accel := sampleAt(ts)
		test.That(t, p.Add(gyro, accel, ts), test.ShouldBeNil)
	}
	delta, err := p.Finalize(endNanos)
	test.That(t, err, test.ShouldBeNil)
	return delta
}

func TestWindowRejection(t *testing.T) {
	p := New(DefaultParams(), Bias{}, 1000)

	// At or before the start instant is outside the open interval.
	err := p.Add(r3.Vector{}, r3.Vector{Z: -9.8}, 1000)
	test.That(t, errors.Is(err, ErrSampleOutOfWindow), test.ShouldBeTrue)
	err = p.Add(r3.Vector{}, r3.Vector{Z: -9.8}, 500)
	test.That(t, errors.Is(err, ErrSampleOutOfWindow), test.ShouldBeTrue)

	test.That(t, p.Add(r3.Vector{}, r3.Vector{Z: -9.8}, 2000), test.ShouldBeNil)
	err = p.Add(r3.Vector{}, r3.Vector{Z: -9.8}, 1500)
	test.That(t, errors.Is(err, ErrSampleOutOfWindow), test.ShouldBeTrue)

	// Finalizing before the newest sample is rejected; after it is fine.
	_, err = p.Finalize(1800)
	test.That(t, errors.Is(err, ErrSampleOutOfWindow), test.ShouldBeTrue)
	d, err := p.Finalize(3000)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d.SampleCount, test.ShouldEqual, 1)

	// Closed intervals accept nothing further.
	err = p.Add(r3.Vector{}, r3.Vector{Z: -9.8}, 4000)
	test.That(t, errors.Is(err, ErrSampleOutOfWindow), test.ShouldBeTrue)
}

func TestStationaryDeltaIsSmall(t *testing.T) {
	params := DefaultParams()
	p := New(params, Bias{}, 0)
	end := int64(1_000_000_000)
	for ts := nanosPerSample; ts <= end; ts += nanosPerSample {
		// Perfectly still vehicle: accel reads minus gravity, gyro reads zero.
		test.That(t, p.Add(r3.Vector{}, params.Gravity.Mul(-1), ts), test.ShouldBeNil)
	}
	d, err := p.Finalize(end)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, spatial.Log(d.Rot).Norm(), test.ShouldAlmostEqual, 0, 1e-12)
	// The delta excludes gravity compensation, so a still vehicle accumulates -g*t.
	test.That(t, d.Vel.Z, test.ShouldAlmostEqual, -9.80665, 1e-9)
	test.That(t, d.Pos.Z, test.ShouldAlmostEqual, -9.80665/2, 1e-6)
	test.That(t, d.Duration, test.ShouldAlmostEqual, 1.0)
}

func TestIncrementalMatchesSinglePass(t *testing.T) {
	params := DefaultParams()
	bias := Bias{Gyro: r3.Vector{Z: 0.01}, Accel: r3.Vector{X: 0.05}}

	const (
		start = int64(0)
		mid   = int64(1_000_000_000)
		end   = int64(2_500_000_000)
	)

	whole := integrateRange(t, New(params, bias, start), start, end)

	firstHalf := integrateRange(t, New(params, bias, start), start, mid)
	secondHalf := integrateRange(t, New(params, bias, mid), mid, end)
	rot, vel, pos := Compose(firstHalf, secondHalf)

	// The split loses one midpoint pairing at the boundary; the signals are smooth
	// so the difference stays well under the measurement noise floor.
	test.That(t, spatial.QuaternionAlmostEqual(rot, whole.Rot, 1e-6), test.ShouldBeTrue)
	test.That(t, vel.X, test.ShouldAlmostEqual, whole.Vel.X, 1e-5)
	test.That(t, vel.Y, test.ShouldAlmostEqual, whole.Vel.Y, 1e-5)
	test.That(t, vel.Z, test.ShouldAlmostEqual, whole.Vel.Z, 1e-5)
	test.That(t, pos.X, test.ShouldAlmostEqual, whole.Pos.X, 1e-4)
	test.That(t, pos.Y, test.ShouldAlmostEqual, whole.Pos.Y, 1e-4)
	test.That(t, pos.Z, test.ShouldAlmostEqual, whole.Pos.Z, 1e-4)
}

func TestBiasCorrectionMatchesReintegration(t *testing.T) {
	params := DefaultParams()
	refBias := Bias{Gyro: r3.Vector{Z: 0.01}, Accel: r3.Vector{X: 0.02}}
	perturb := Bias{Gyro: r3.Vector{X: 2e-3, Z: -1e-3}, Accel: r3.Vector{Y: 5e-3}}
	newBias := refBias.Add(perturb)

	const (
		start = int64(0)
		end   = int64(2_000_000_000)
	)

	reference := integrateRange(t, New(params, refBias, start), start, end)
	reintegrated := integrateRange(t, New(params, newBias, start), start, end)

	rot, vel, pos := reference.Corrected(newBias)

	// First-order correction tracks re-integration to roughly the square of the
	// bias perturbation over the interval.
	test.That(t, spatial.QuaternionAlmostEqual(rot, reintegrated.Rot, 1e-5), test.ShouldBeTrue)
	test.That(t, vel.Sub(reintegrated.Vel).Norm(), test.ShouldBeLessThan, 1e-4)
	test.That(t, pos.Sub(reintegrated.Pos).Norm(), test.ShouldBeLessThan, 1e-4)
}

func TestCorrectedAtReferenceBiasIsIdentity(t *testing.T) {
	bias := Bias{Gyro: r3.Vector{Y: 0.003}}
	d := integrateRange(t, New(DefaultParams(), bias, 0), 0, 1_000_000_000)
	rot, vel, pos := d.Corrected(bias)
	test.That(t, spatial.QuaternionAlmostEqual(rot, d.Rot, 1e-12), test.ShouldBeTrue)
	test.That(t, vel, test.ShouldResemble, d.Vel)
	test.That(t, pos, test.ShouldResemble, d.Pos)
}

func TestCovarianceGrowsAndStaysSymmetric(t *testing.T) {
	d := integrateRange(t, New(DefaultParams(), Bias{}, 0), 0, 1_000_000_000)

	for i := 0; i < StateDim; i++ {
		test.That(t, d.Cov.At(i, i), test.ShouldBeGreaterThan, 0.0)
		for j := 0; j < StateDim; j++ {
			test.That(t, d.Cov.At(i, j), test.ShouldAlmostEqual, d.Cov.At(j, i), 1e-15)
		}
	}

	longer := integrateRange(t, New(DefaultParams(), Bias{}, 0), 0, 4_000_000_000)
	for i := 0; i < StateDim; i++ {
		test.That(t, longer.Cov.At(i, i), test.ShouldBeGreaterThan, d.Cov.At(i, i))
	}
}
