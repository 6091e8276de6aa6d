// Package estimator runs the sliding-window factor graph odometry pipeline:
// measurements in, smoothed navigation states out.
package estimator

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/cougars-auv/fgo/graph"
	"github.com/cougars-auv/fgo/measurement"
	"github.com/cougars-auv/fgo/preintegration"
	"github.com/cougars-auv/fgo/solver"
)

// attachToleranceNanos is how far a non-IMU measurement's timestamp may sit from
// an existing keyframe and still constrain that keyframe directly instead of
// spawning a new one.
const attachToleranceNanos = int64(20 * time.Millisecond)

// stalePriorSigma is the per-dimension sigma of the weak prior chaining in a
// keyframe created without IMU support. Large enough to carry almost no
// information, small enough to keep the normal equations nonsingular.
const stalePriorSigma = 1e3

// Estimate is one published navigation solution, tied to the latest keyframe.
type Estimate struct {
	KeyframeIndex  graph.NodeIndex
	TimestampNanos int64

	Rot  quat.Number
	Pos  r3.Vector
	Vel  r3.Vector
	Bias preintegration.Bias

	// Covariance is the marginal over the keyframe's 15-dim tangent, or nil
	// when recovery failed.
	Covariance *mat.SymDense

	// Converged is false when the last optimization hit its iteration cap.
	Converged bool
	// StalePreintegration is true when the latest keyframe was created without
	// any IMU accumulated behind it.
	StalePreintegration bool
}

// Stats is a snapshot of the estimator's health counters.
type Stats struct {
	MalformedMeasurements  int64
	OutOfOrderMeasurements int64
	DroppedImuSamples      int64
	NumericalFaults        int64
	StaleKeyframes         int64
	Keyframes              int64
}

type counters struct {
	malformed       atomic.Int64
	outOfOrder      atomic.Int64
	droppedImu      atomic.Int64
	numericalFaults atomic.Int64
	staleKeyframes  atomic.Int64
	keyframes       atomic.Int64
}

type windowEntry struct {
	node  graph.NodeIndex
	nanos int64
	stale bool
}

// Estimator owns the factor graph and the single goroutine that mutates it.
// Producers feed it via AddMeasurement; consumers poll LatestEstimate.
type Estimator struct {
	cfg    Config
	logger golog.Logger
	clk    clock.Clock

	imuQueue  chan measurement.Record
	measQueue chan measurement.Record

	latest      atomic.Pointer[Estimate]
	stats       counters
	lastImuWall atomic.Int64

	subMu sync.Mutex
	subs  []chan Estimate

	cancelCtx               context.Context
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup

	// Everything below is owned by the estimation goroutine (or the caller of
	// processRecord in synchronous use) and never touched concurrently.
	adapter    *measurement.Adapter
	store      *graph.Store
	solver     *solver.Solver
	preint     *preintegration.Preintegrator
	window     []windowEntry
	held       []measurement.Measurement
	lastResult solver.Result
}

// New validates cfg, builds the estimator, and starts its background workers.
func New(cfg Config, logger golog.Logger) (*Estimator, error) {
	return NewWithClock(cfg, logger, clock.New())
}

// NewWithClock is New with an injected clock for the IMU stall watchdog.
func NewWithClock(cfg Config, logger golog.Logger, clk clock.Clock) (*Estimator, error) {
	e, err := newEstimator(cfg, logger, clk)
	if err != nil {
		return nil, err
	}
	e.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer e.activeBackgroundWorkers.Done()
		e.run()
	})
	e.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer e.activeBackgroundWorkers.Done()
		e.watchImuStream()
	})
	return e, nil
}

func newEstimator(cfg Config, logger golog.Logger, clk clock.Clock) (*Estimator, error) {
	if err := cfg.Validate(""); err != nil {
		return nil, err
	}
	cancelCtx, cancel := context.WithCancel(context.Background())
	return &Estimator{
		cfg:       cfg,
		logger:    logger,
		clk:       clk,
		imuQueue:  make(chan measurement.Record, cfg.ImuQueueCapacity),
		measQueue: make(chan measurement.Record, cfg.MeasurementQueueCapacity),
		cancelCtx: cancelCtx,
		cancel:    cancel,
		adapter:   measurement.NewAdapter(),
		store:     graph.NewStore(),
		solver:    solver.New(cfg.solverOptions(), logger),
	}, nil
}

// AddMeasurement hands one raw record to the pipeline. IMU records are dropped
// (and counted) when their queue is full; everything else blocks until the
// pipeline catches up or ctx ends.
func (e *Estimator) AddMeasurement(ctx context.Context, rec measurement.Record) error {
	if rec.Kind == measurement.KindIMU {
		select {
		case e.imuQueue <- rec:
		case <-e.cancelCtx.Done():
			return errors.New("estimator closed")
		default:
			e.stats.droppedImu.Inc()
		}
		return nil
	}
	select {
	case e.measQueue <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.cancelCtx.Done():
		return errors.New("estimator closed")
	}
}

// LatestEstimate returns the most recently published solution, if any.
func (e *Estimator) LatestEstimate() (Estimate, bool) {
	est := e.latest.Load()
	if est == nil {
		return Estimate{}, false
	}
	return *est, true
}

// Estimates returns a stream carrying every published solution. The stream is
// buffered; a slow consumer loses estimates rather than stalling the pipeline.
func (e *Estimator) Estimates() <-chan Estimate {
	ch := make(chan Estimate, 64)
	e.subMu.Lock()
	e.subs = append(e.subs, ch)
	e.subMu.Unlock()
	return ch
}

// Stats snapshots the health counters.
func (e *Estimator) Stats() Stats {
	return Stats{
		MalformedMeasurements:  e.stats.malformed.Load(),
		OutOfOrderMeasurements: e.stats.outOfOrder.Load(),
		DroppedImuSamples:      e.stats.droppedImu.Load(),
		NumericalFaults:        e.stats.numericalFaults.Load(),
		StaleKeyframes:         e.stats.staleKeyframes.Load(),
		Keyframes:              e.stats.keyframes.Load(),
	}
}

// Close stops the workers and waits for them. Queued records are discarded.
func (e *Estimator) Close(ctx context.Context) error {
	e.cancel()
	e.activeBackgroundWorkers.Wait()
	return nil
}

func (e *Estimator) run() {
	for {
		// IMU drains first so high-rate samples never age out of the
		// preintegration window behind a slow non-IMU record.
		select {
		case <-e.cancelCtx.Done():
			return
		case rec := <-e.imuQueue:
			e.ingest(rec)
			continue
		default:
		}
		select {
		case <-e.cancelCtx.Done():
			return
		case rec := <-e.imuQueue:
			e.ingest(rec)
		case rec := <-e.measQueue:
			e.ingest(rec)
		}
	}
}

func (e *Estimator) watchImuStream() {
	interval := 2 * e.cfg.KeyframeTriggerPeriod
	ticker := e.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.cancelCtx.Done():
			return
		case <-ticker.C:
		}
		last := e.lastImuWall.Load()
		if last == 0 {
			continue
		}
		if silent := e.clk.Now().UnixNano() - last; silent > interval.Nanoseconds() {
			e.logger.Warnw("imu stream stalled",
				"silent", time.Duration(silent).String())
		}
	}
}

func (e *Estimator) ingest(rec measurement.Record) {
	if rec.Kind == measurement.KindIMU {
		e.lastImuWall.Store(e.clk.Now().UnixNano())
	}
	if err := e.processRecord(rec); err != nil {
		e.logger.Errorw("processing measurement", "kind", rec.Kind.String(), "error", err)
	}
}

// processRecord converts and routes one raw record. Rejections are counted, not
// returned: a bad record must never stall the pipeline.
func (e *Estimator) processRecord(rec measurement.Record) error {
	m, err := e.adapter.Convert(rec)
	switch {
	case errors.Is(err, measurement.ErrMalformedMeasurement):
		e.stats.malformed.Inc()
		e.logger.Debugw("rejected malformed record", "kind", rec.Kind.String(), "error", err)
		return nil
	case errors.Is(err, measurement.ErrOutOfOrderTimestamp):
		e.stats.outOfOrder.Inc()
		e.logger.Debugw("rejected out-of-order record",
			"kind", rec.Kind.String(), "timestamp_nanos", rec.TimestampNanos)
		return nil
	case err != nil:
		return err
	}
	return e.processMeasurement(m)
}

func (e *Estimator) processMeasurement(m measurement.Measurement) error {
	switch v := m.(type) {
	case measurement.IMU:
		return e.processImu(v)
	case measurement.Velocity:
		return e.processAiding(m, v.TimestampNanos)
	case measurement.Depth:
		return e.processAiding(m, v.TimestampNanos)
	case measurement.Range:
		return e.processAiding(m, v.TimestampNanos)
	default:
		return errors.Errorf("unhandled measurement type %T", m)
	}
}

func (e *Estimator) processImu(m measurement.IMU) error {
	if len(e.window) == 0 {
		return e.initialize(m.TimestampNanos)
	}
	if e.preint == nil {
		e.resetPreintegrator(e.latestEntry().nanos)
	}
	if m.TimestampNanos <= e.preint.StartNanos() {
		e.stats.outOfOrder.Inc()
		return nil
	}
	if err := e.preint.Add(m.AngularVelocity, m.LinearAcceleration, m.TimestampNanos); err != nil {
		if errors.Is(err, preintegration.ErrSampleOutOfWindow) {
			e.stats.outOfOrder.Inc()
			return nil
		}
		return err
	}

	motion := e.preint.AccumulatedRotation() + e.preint.AccumulatedTranslation()
	elapsed := m.TimestampNanos - e.latestEntry().nanos
	if motion < e.cfg.KeyframeMotionThreshold &&
		elapsed < e.cfg.KeyframeTriggerPeriod.Nanoseconds() {
		return nil
	}
	if err := e.createImuKeyframe(m.TimestampNanos); err != nil {
		return err
	}
	e.replayHeld()
	return e.solveAndPublish()
}

func (e *Estimator) processAiding(m measurement.Measurement, nanos int64) error {
	if len(e.window) == 0 {
		if err := e.initialize(nanos); err != nil {
			return err
		}
	}
	node, ok := e.nodeFor(nanos)
	if !ok {
		// The measurement is ahead of every keyframe; it needs one of its own.
		hasImu := e.preint != nil && e.preint.SampleCount() > 0
		switch {
		case hasImu:
			if err := e.createImuKeyframe(nanos); err != nil {
				return err
			}
		case e.cfg.StallPolicy == StallPolicyHoldKeyframes:
			e.held = append(e.held, m)
			e.logger.Debugw("holding measurement until imu resumes",
				"timestamp_nanos", nanos, "held", len(e.held))
			return nil
		default:
			e.createStaleKeyframe(nanos)
		}
		node = e.latestEntry().node
	}
	if err := e.attach(m, node); err != nil {
		return err
	}
	return e.solveAndPublish()
}

// nodeFor picks the keyframe a measurement at nanos should constrain: the
// nearest one when within tolerance, the newest not-later one when the
// measurement is late, and none when it is ahead of the whole window.
func (e *Estimator) nodeFor(nanos int64) (graph.NodeIndex, bool) {
	best := -1
	var bestGap int64
	for i, entry := range e.window {
		gap := entry.nanos - nanos
		if gap < 0 {
			gap = -gap
		}
		if best < 0 || gap < bestGap {
			best, bestGap = i, gap
		}
	}
	if best >= 0 && bestGap <= attachToleranceNanos {
		return e.window[best].node, true
	}
	if nanos > e.latestEntry().nanos {
		return 0, false
	}
	for i := len(e.window) - 1; i >= 0; i-- {
		if e.window[i].nanos <= nanos {
			e.logger.Debugw("attaching late measurement to older keyframe",
				"timestamp_nanos", nanos, "keyframe_nanos", e.window[i].nanos)
			return e.window[i].node, true
		}
	}
	return e.window[0].node, true
}

func (e *Estimator) attach(m measurement.Measurement, node graph.NodeIndex) error {
	var f graph.Factor
	switch v := m.(type) {
	case measurement.Velocity:
		f = &graph.VelocityFactor{Node: node, Measured: v.Linear, Variance: v.Variance}
	case measurement.Depth:
		f = &graph.DepthFactor{Node: node, Meters: v.Meters, Variance: v.Variance}
	case measurement.Range:
		f = &graph.RangeFactor{
			Node:     node,
			PeerID:   v.Peer.ID,
			PeerPos:  v.Peer.Position,
			Meters:   v.Meters,
			Variance: v.Variance,
		}
	default:
		return errors.Errorf("cannot attach measurement type %T", m)
	}
	if _, err := e.store.AddFactor(f); err != nil {
		if errors.Is(err, graph.ErrNonFiniteResidual) {
			e.stats.numericalFaults.Inc()
			e.logger.Warnw("factor rejected at insertion", "node", int(node), "error", err)
			return nil
		}
		return err
	}
	return nil
}

// initialize creates the first keyframe, anchored by the configured prior, and
// opens the first preintegration window.
func (e *Estimator) initialize(nanos int64) error {
	state := graph.NewNavState()
	state.Bias = e.cfg.InitialBias
	node := e.store.AddNode(state)
	prior, err := graph.NewDiagonalPrior(node, state, e.cfg.anchorSigmas())
	if err != nil {
		return err
	}
	if _, err := e.store.AddFactor(prior); err != nil {
		return err
	}
	e.window = append(e.window, windowEntry{node: node, nanos: nanos})
	e.preint = preintegration.New(e.cfg.Preintegration, e.cfg.InitialBias, nanos)
	e.stats.keyframes.Inc()
	e.logger.Infow("initialized first keyframe", "node", int(node), "timestamp_nanos", nanos)
	return nil
}

// createImuKeyframe closes the open preintegration window and appends a keyframe
// constrained by the resulting IMU factor.
func (e *Estimator) createImuKeyframe(nanos int64) error {
	// Finalizing before the last integrated sample would mean splitting the
	// window; nudge the keyframe forward instead. With a high-rate IMU the
	// shift is below the attach tolerance.
	if last := e.preint.LastNanos(); nanos < last {
		nanos = last
	}
	delta, err := e.preint.Finalize(nanos)
	if err != nil {
		return errors.Wrap(err, "finalizing preintegration")
	}
	prev := e.latestEntry()
	prevState, err := e.store.State(prev.node)
	if err != nil {
		return err
	}
	next := graph.Predict(prevState, delta, e.cfg.Preintegration.Gravity)
	node := e.store.AddNode(next)
	f, err := graph.NewImuFactor(prev.node, node, delta, e.cfg.Preintegration.Gravity)
	if err != nil {
		return errors.Wrap(err, "building imu factor")
	}
	if _, err := e.store.AddFactor(f); err != nil {
		return err
	}
	e.window = append(e.window, windowEntry{node: node, nanos: nanos})
	e.resetPreintegrator(nanos)
	e.stats.keyframes.Inc()
	return e.enforceWindow()
}

// createStaleKeyframe appends a keyframe with no IMU behind it, seeded at the
// previous estimate and held there by a weak prior so the aiding factor about to
// land on it cannot make the system singular.
func (e *Estimator) createStaleKeyframe(nanos int64) {
	prev := e.latestEntry()
	prevState, err := e.store.State(prev.node)
	if err != nil {
		prevState = graph.NewNavState()
	}
	node := e.store.AddNode(prevState)
	sigmas := make([]float64, graph.NodeDim)
	for i := range sigmas {
		sigmas[i] = stalePriorSigma
	}
	prior, priorErr := graph.NewDiagonalPrior(node, prevState, sigmas)
	if priorErr == nil {
		_, priorErr = e.store.AddFactor(prior)
	}
	if priorErr != nil {
		e.logger.Errorw("weak prior on stale keyframe", "node", int(node), "error", priorErr)
	}
	e.window = append(e.window, windowEntry{node: node, nanos: nanos, stale: true})
	e.resetPreintegrator(nanos)
	e.stats.keyframes.Inc()
	e.stats.staleKeyframes.Inc()
	e.logger.Warnw("keyframe created without imu support",
		"node", int(node), "timestamp_nanos", nanos)
	if err := e.enforceWindow(); err != nil {
		e.logger.Errorw("window enforcement after stale keyframe", "error", err)
	}
}

func (e *Estimator) resetPreintegrator(startNanos int64) {
	bias := e.cfg.InitialBias
	if st, err := e.store.State(e.latestEntry().node); err == nil {
		bias = st.Bias
	}
	e.preint = preintegration.New(e.cfg.Preintegration, bias, startNanos)
}

// replayHeld attaches measurements parked by the hold-keyframes stall policy now
// that an IMU-backed keyframe exists for them to land near.
func (e *Estimator) replayHeld() {
	if len(e.held) == 0 {
		return
	}
	held := e.held
	e.held = nil
	for _, m := range held {
		node := e.latestEntry().node
		if n, ok := e.nodeFor(heldNanos(m)); ok {
			node = n
		}
		if err := e.attach(m, node); err != nil {
			e.logger.Errorw("replaying held measurement", "error", err)
		}
	}
}

func heldNanos(m measurement.Measurement) int64 {
	switch v := m.(type) {
	case measurement.Velocity:
		return v.TimestampNanos
	case measurement.Depth:
		return v.TimestampNanos
	case measurement.Range:
		return v.TimestampNanos
	default:
		return 0
	}
}

// enforceWindow marginalizes oldest keyframes until the window fits.
func (e *Estimator) enforceWindow() error {
	for len(e.window) > e.cfg.WindowSize {
		victim := e.window[0]
		if err := marginalize(e.store, victim.node); err != nil {
			// Elimination failed; dropping the node outright loses its
			// information but keeps the pipeline alive.
			e.logger.Errorw("marginalization failed, discarding keyframe",
				"node", int(victim.node), "error", err)
			if dropErr := e.discardNode(victim.node); dropErr != nil {
				return dropErr
			}
		}
		e.window = e.window[1:]
	}
	return nil
}

func (e *Estimator) discardNode(node graph.NodeIndex) error {
	for _, h := range e.store.Neighbors(node) {
		if err := e.store.RemoveFactor(h); err != nil {
			return err
		}
	}
	return e.store.RemoveNode(node)
}

func (e *Estimator) solveAndPublish() error {
	res, err := e.solver.Solve(e.store)
	if err != nil {
		return errors.Wrap(err, "optimizing window")
	}
	if n := len(res.Faults); n > 0 {
		e.stats.numericalFaults.Add(int64(n))
	}
	e.lastResult = res
	e.publish()
	return nil
}

func (e *Estimator) publish() {
	entry := e.latestEntry()
	state, err := e.store.State(entry.node)
	if err != nil {
		e.logger.Errorw("reading keyframe state", "node", int(entry.node), "error", err)
		return
	}
	est := &Estimate{
		KeyframeIndex:       entry.node,
		TimestampNanos:      entry.nanos,
		Rot:                 state.Rot,
		Pos:                 state.Pos,
		Vel:                 state.Vel,
		Bias:                state.Bias,
		Converged:           e.lastResult.Converged,
		StalePreintegration: entry.stale,
	}
	if cov, err := e.solver.MarginalCovariance(e.store, entry.node); err == nil {
		est.Covariance = cov
	} else {
		e.logger.Debugw("marginal covariance unavailable", "error", err)
	}
	e.latest.Store(est)

	e.subMu.Lock()
	for _, ch := range e.subs {
		select {
		case ch <- *est:
		default:
		}
	}
	e.subMu.Unlock()
}

func (e *Estimator) latestEntry() windowEntry {
	return e.window[len(e.window)-1]
}
