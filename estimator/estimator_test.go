package estimator

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"github.com/cougars-auv/fgo/measurement"
)

const restAccelZ = -9.80665

func imuRecord(nanos int64) measurement.Record {
	return measurement.Record{
		Kind:           measurement.KindIMU,
		TimestampNanos: nanos,
		Payload:        []float64{0, 0, 0, 0, 0, restAccelZ},
	}
}

func depthRecord(nanos int64, meters float64) measurement.Record {
	return measurement.Record{
		Kind:           measurement.KindDepth,
		TimestampNanos: nanos,
		Payload:        []float64{meters, 0.01},
	}
}

func velocityRecord(nanos int64) measurement.Record {
	return measurement.Record{
		Kind:           measurement.KindVelocity,
		TimestampNanos: nanos,
		Payload:        []float64{0, 0, 0, 0.01, 0.01, 0.01},
	}
}

func syncEstimator(t *testing.T, cfg Config) *Estimator {
	t.Helper()
	e, err := newEstimator(cfg, golog.NewTestLogger(t), clock.New())
	test.That(t, err, test.ShouldBeNil)
	return e
}

func TestStationaryScenario(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSize = 3
	cfg.KeyframeTriggerPeriod = 500 * time.Millisecond
	cfg.KeyframeMotionThreshold = 10
	e := syncEstimator(t, cfg)

	// Four seconds at rest: 50 Hz IMU, 4 Hz depth and DVL, all noiseless.
	var records []measurement.Record
	for nanos := int64(0); nanos <= 4_000_000_000; nanos += 20_000_000 {
		records = append(records, imuRecord(nanos))
	}
	for nanos := int64(250_000_000); nanos <= 4_000_000_000; nanos += 250_000_000 {
		records = append(records, depthRecord(nanos, 0))
		records = append(records, velocityRecord(nanos))
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].TimestampNanos < records[j].TimestampNanos
	})
	for _, rec := range records {
		test.That(t, e.processRecord(rec), test.ShouldBeNil)
	}

	est, ok := e.LatestEstimate()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, est.Converged, test.ShouldBeTrue)
	test.That(t, est.StalePreintegration, test.ShouldBeFalse)
	test.That(t, est.Pos.Norm(), test.ShouldBeLessThan, 0.5)
	test.That(t, est.Vel.Norm(), test.ShouldBeLessThan, 0.5)
	test.That(t, est.Covariance, test.ShouldNotBeNil)

	stats := e.Stats()
	test.That(t, stats.Keyframes, test.ShouldBeGreaterThan, 4)
	test.That(t, stats.StaleKeyframes, test.ShouldEqual, 0)
	test.That(t, stats.MalformedMeasurements, test.ShouldEqual, 0)
	test.That(t, stats.OutOfOrderMeasurements, test.ShouldEqual, 0)

	// Older keyframes were marginalized, not kept.
	test.That(t, e.store.NumNodes(), test.ShouldEqual, cfg.WindowSize)
}

func TestGyroBiasRecovery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSize = 5
	cfg.KeyframeTriggerPeriod = 500 * time.Millisecond
	cfg.KeyframeMotionThreshold = 10
	e := syncEstimator(t, cfg)

	// Static vehicle with a constant gyro bias about X. The biased rotation
	// estimate leaks gravity into predicted velocity, which the zero-velocity
	// DVL readings contradict, so the solver has to pin the bias down.
	const trueBias = 0.01
	var records []measurement.Record
	for nanos := int64(0); nanos <= 8_000_000_000; nanos += 20_000_000 {
		records = append(records, measurement.Record{
			Kind:           measurement.KindIMU,
			TimestampNanos: nanos,
			Payload:        []float64{trueBias, 0, 0, 0, 0, restAccelZ},
		})
	}
	for nanos := int64(250_000_000); nanos <= 8_000_000_000; nanos += 250_000_000 {
		records = append(records, velocityRecord(nanos))
		records = append(records, depthRecord(nanos, 0))
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].TimestampNanos < records[j].TimestampNanos
	})
	for _, rec := range records {
		test.That(t, e.processRecord(rec), test.ShouldBeNil)
	}

	est, ok := e.LatestEstimate()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, est.Bias.Gyro.X, test.ShouldBeGreaterThan, trueBias*0.2)
	test.That(t, est.Bias.Gyro.X, test.ShouldBeLessThan, trueBias*5)
	test.That(t, est.Pos.Norm(), test.ShouldBeLessThan, 2)
}

func TestOutOfOrderRejected(t *testing.T) {
	cfg := DefaultConfig()
	e := syncEstimator(t, cfg)

	test.That(t, e.processRecord(depthRecord(1_000_000_000, 2)), test.ShouldBeNil)
	before := e.store.NumFactors()

	test.That(t, e.processRecord(depthRecord(500_000_000, 2)), test.ShouldBeNil)
	test.That(t, e.Stats().OutOfOrderMeasurements, test.ShouldEqual, 1)
	test.That(t, e.store.NumFactors(), test.ShouldEqual, before)

	// Within attach tolerance of the existing keyframe: accepted.
	test.That(t, e.processRecord(depthRecord(1_010_000_000, 2)), test.ShouldBeNil)
	test.That(t, e.Stats().OutOfOrderMeasurements, test.ShouldEqual, 1)
	test.That(t, e.store.NumFactors(), test.ShouldEqual, before+1)
}

func TestMalformedCounted(t *testing.T) {
	e := syncEstimator(t, DefaultConfig())
	rec := depthRecord(0, 1)
	rec.Payload = rec.Payload[:1]
	test.That(t, e.processRecord(rec), test.ShouldBeNil)
	test.That(t, e.Stats().MalformedMeasurements, test.ShouldEqual, 1)
	test.That(t, e.store.NumNodes(), test.ShouldEqual, 0)
}

func TestStallPolicyZeroInfoPrior(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StallPolicy = StallPolicyZeroInfoPrior
	e := syncEstimator(t, cfg)

	test.That(t, e.processRecord(depthRecord(0, 1)), test.ShouldBeNil)
	test.That(t, e.processRecord(depthRecord(1_000_000_000, 1)), test.ShouldBeNil)

	est, ok := e.LatestEstimate()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, est.StalePreintegration, test.ShouldBeTrue)
	test.That(t, e.Stats().StaleKeyframes, test.ShouldEqual, 1)
	test.That(t, e.store.NumNodes(), test.ShouldEqual, 2)
}

func TestStallPolicyHoldKeyframes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StallPolicy = StallPolicyHoldKeyframes
	cfg.KeyframeMotionThreshold = 10
	e := syncEstimator(t, cfg)

	test.That(t, e.processRecord(depthRecord(0, 1)), test.ShouldBeNil)
	factorsBefore := e.store.NumFactors()

	// No IMU since the first keyframe: the depth reading is parked.
	test.That(t, e.processRecord(depthRecord(1_000_000_000, 1)), test.ShouldBeNil)
	test.That(t, e.Stats().Keyframes, test.ShouldEqual, 1)
	test.That(t, e.store.NumFactors(), test.ShouldEqual, factorsBefore)
	test.That(t, e.Stats().StaleKeyframes, test.ShouldEqual, 0)

	// IMU resumes; the elapsed-time trigger fires a keyframe and the parked
	// reading lands on it.
	for nanos := int64(10_000_000); nanos <= 1_000_000_000; nanos += 10_000_000 {
		test.That(t, e.processRecord(imuRecord(nanos)), test.ShouldBeNil)
	}
	test.That(t, e.Stats().Keyframes, test.ShouldEqual, 2)
	test.That(t, e.store.NumFactors(), test.ShouldEqual, factorsBefore+2)

	est, ok := e.LatestEstimate()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, est.StalePreintegration, test.ShouldBeFalse)
}

func TestAsyncPipeline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSize = 3
	cfg.KeyframeTriggerPeriod = 200 * time.Millisecond
	cfg.KeyframeMotionThreshold = 10
	e, err := New(cfg, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	ctx := context.Background()
	for nanos := int64(0); nanos <= 1_000_000_000; nanos += 20_000_000 {
		test.That(t, e.AddMeasurement(ctx, imuRecord(nanos)), test.ShouldBeNil)
		if nanos%200_000_000 == 0 {
			test.That(t, e.AddMeasurement(ctx, depthRecord(nanos, 0)), test.ShouldBeNil)
		}
	}

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		est, ok := e.LatestEstimate()
		test.That(tb, ok, test.ShouldBeTrue)
		test.That(tb, est.TimestampNanos, test.ShouldBeGreaterThan, 0)
		test.That(tb, e.Stats().Keyframes, test.ShouldBeGreaterThan, 2)
	})

	test.That(t, e.Close(ctx), test.ShouldBeNil)
}

func TestImuStallWatchdog(t *testing.T) {
	logger, logs := golog.NewObservedTestLogger(t)
	mock := clock.NewMock()
	mock.Add(time.Second)

	cfg := DefaultConfig()
	cfg.KeyframeTriggerPeriod = 100 * time.Millisecond
	e, err := NewWithClock(cfg, logger, mock)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, e.Close(context.Background()), test.ShouldBeNil)
	}()

	test.That(t, e.AddMeasurement(context.Background(), imuRecord(0)), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, e.Stats().Keyframes, test.ShouldEqual, 1)
	})

	testutils.WaitForAssertionWithSleep(t, 10*time.Millisecond, 200, func(tb testing.TB) {
		tb.Helper()
		mock.Add(200 * time.Millisecond)
		test.That(tb, logs.FilterMessageSnippet("imu stream stalled").Len(),
			test.ShouldBeGreaterThan, 0)
	})
}
