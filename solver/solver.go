// Package solver implements the sliding-window nonlinear least-squares refinement:
// Gauss-Newton iterations with Levenberg-Marquardt damping over the whitened
// residuals of every active factor. The window stays small, so the normal
// equations are assembled dense in node-sized blocks and solved by Cholesky.
package solver

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/cougars-auv/fgo/graph"
)

// ErrNumericalFault marks a factor that produced a non-finite residual or
// Jacobian. The factor is dropped for the iteration, never the solve.
var ErrNumericalFault = errors.New("numerical fault in factor")

// ErrDidNotConverge is surfaced as a quality flag: the iteration cap was reached
// before the relative cost decrease met tolerance. The last estimate stands.
var ErrDidNotConverge = errors.New("solver did not converge")

// Options tune the iteration loop.
type Options struct {
	MaxIterations         int     `json:"max_iterations"`
	RelativeCostTolerance float64 `json:"relative_cost_tolerance"`
	InitialLambda         float64 `json:"initial_lambda"`
}

// DefaultOptions returns the iteration settings used when the config is silent.
func DefaultOptions() Options {
	return Options{
		MaxIterations:         10,
		RelativeCostTolerance: 1e-6,
		InitialLambda:         1e-6,
	}
}

// Fault records one factor dropped from one iteration.
type Fault struct {
	Handle    graph.FactorHandle
	Iteration int
	Err       error
}

// Result summarizes one solve.
type Result struct {
	InitialCost float64
	FinalCost   float64
	Iterations  int
	Converged   bool
	Faults      []Fault
}

// Solver refines all active node estimates in place.
type Solver struct {
	opts   Options
	logger golog.Logger
}

// New returns a solver with the given options; zero options fall back to defaults.
func New(opts Options, logger golog.Logger) *Solver {
	def := DefaultOptions()
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = def.MaxIterations
	}
	if opts.RelativeCostTolerance <= 0 {
		opts.RelativeCostTolerance = def.RelativeCostTolerance
	}
	if opts.InitialLambda <= 0 {
		opts.InitialLambda = def.InitialLambda
	}
	return &Solver{opts: opts, logger: logger}
}

// Solve iterates on the live factors of the store until the relative cost decrease
// drops below tolerance or the iteration cap is hit. Node estimates are mutated in
// place through the store; a capped solve still leaves the best estimate found.
func (s *Solver) Solve(store *graph.Store) (Result, error) {
	active := store.Nodes()
	if len(active) == 0 {
		return Result{Converged: true}, nil
	}
	offsets := blockOffsets(active)
	dim := len(active) * graph.NodeDim

	var res Result
	cost, faults, err := s.evaluateCost(store, 0)
	if err != nil {
		return res, err
	}
	res.InitialCost = cost
	res.FinalCost = cost
	res.Faults = faults

	lambda := s.opts.InitialLambda
	for iter := 1; iter <= s.opts.MaxIterations; iter++ {
		res.Iterations = iter

		hess, grad, iterFaults, err := s.assemble(store, offsets, dim, iter)
		if err != nil {
			return res, err
		}
		res.Faults = append(res.Faults, iterFaults...)

		prevCost := cost
		accepted := false
		for attempt := 0; attempt < 6; attempt++ {
			step, err := solveDamped(hess, grad, lambda)
			if err != nil {
				lambda *= 10
				continue
			}
			backup, err := applyStep(store, active, offsets, step)
			if err != nil {
				return res, err
			}
			newCost, _, err := s.evaluateCost(store, iter)
			if err != nil {
				return res, err
			}
			if newCost < prevCost {
				cost, accepted = newCost, true
				lambda = math.Max(lambda*0.5, 1e-12)
				break
			}
			// Worse: roll back and damp harder.
			restoreStates(store, active, backup)
			lambda *= 10
		}
		res.FinalCost = cost
		if !accepted {
			// No damping level could lower the cost: we are at a minimum.
			res.Converged = true
			return res, nil
		}
		if prevCost == 0 || (prevCost-cost)/prevCost < s.opts.RelativeCostTolerance {
			res.Converged = true
			return res, nil
		}
	}
	return res, nil
}

// evaluateCost sums half the squared whitened residuals over all live factors,
// dropping faulted factors and recording them against the given iteration.
func (s *Solver) evaluateCost(store *graph.Store, iteration int) (float64, []Fault, error) {
	var cost float64
	var faults []Fault
	for _, h := range store.Factors() {
		f, err := store.Factor(h)
		if err != nil {
			return 0, nil, err
		}
		states, err := store.StatesFor(f.Keys())
		if err != nil {
			return 0, nil, err
		}
		r, err := f.Residual(states)
		if err != nil {
			faults = append(faults, Fault{Handle: h, Iteration: iteration, Err: errors.Wrap(ErrNumericalFault, err.Error())})
			continue
		}
		n := mat.Norm(r, 2)
		if math.IsNaN(n) || math.IsInf(n, 0) {
			faults = append(faults, Fault{Handle: h, Iteration: iteration, Err: ErrNumericalFault})
			continue
		}
		cost += 0.5 * n * n
	}
	return cost, faults, nil
}

// assemble linearizes every live factor at the current estimates and accumulates
// the normal equations. Factors with non-finite linearizations are dropped for
// this iteration and reported as faults.
func (s *Solver) assemble(
	store *graph.Store,
	offsets map[graph.NodeIndex]int,
	dim, iteration int,
) (*mat.SymDense, *mat.VecDense, []Fault, error) {
	hess := mat.NewSymDense(dim, nil)
	grad := mat.NewVecDense(dim, nil)
	var faults []Fault

	for _, h := range store.Factors() {
		f, err := store.Factor(h)
		if err != nil {
			return nil, nil, nil, err
		}
		states, err := store.StatesFor(f.Keys())
		if err != nil {
			return nil, nil, nil, err
		}
		lin, err := f.Linearize(states)
		if err != nil {
			faults = append(faults, Fault{Handle: h, Iteration: iteration, Err: errors.Wrap(ErrNumericalFault, err.Error())})
			s.logger.Warnw("dropping factor for this iteration", "factor", h, "error", err)
			continue
		}
		if !lin.IsFinite() {
			faults = append(faults, Fault{Handle: h, Iteration: iteration, Err: ErrNumericalFault})
			s.logger.Warnw("dropping factor with non-finite linearization", "factor", h)
			continue
		}
		accumulate(hess, grad, f.Keys(), lin, offsets)
	}
	return hess, grad, faults, nil
}

// accumulate adds one factor's J^T J and J^T r contributions into the stacked system.
func accumulate(
	hess *mat.SymDense,
	grad *mat.VecDense,
	keys []graph.NodeIndex,
	lin *graph.Linearization,
	offsets map[graph.NodeIndex]int,
) {
	for a, ka := range keys {
		offA, ok := offsets[ka]
		if !ok {
			continue
		}
		ja := lin.Jacobians[a]

		var jr mat.VecDense
		jr.MulVec(ja.T(), lin.Residual)
		for i := 0; i < graph.NodeDim; i++ {
			grad.SetVec(offA+i, grad.AtVec(offA+i)+jr.AtVec(i))
		}

		for b, kb := range keys {
			offB, ok := offsets[kb]
			if !ok || offB < offA {
				continue
			}
			var jj mat.Dense
			jj.Mul(ja.T(), lin.Jacobians[b])
			for i := 0; i < graph.NodeDim; i++ {
				jStart := 0
				if offA == offB {
					jStart = i
				}
				for j := jStart; j < graph.NodeDim; j++ {
					hess.SetSym(offA+i, offB+j, hess.At(offA+i, offB+j)+jj.At(i, j))
				}
			}
		}
	}
}

// solveDamped solves (H + lambda I) dx = -g.
func solveDamped(hess *mat.SymDense, grad *mat.VecDense, lambda float64) (*mat.VecDense, error) {
	dim := grad.Len()
	damped := mat.NewSymDense(dim, nil)
	damped.CopySym(hess)
	for i := 0; i < dim; i++ {
		damped.SetSym(i, i, damped.At(i, i)+lambda)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(damped); !ok {
		return nil, errors.New("damped normal equations not positive definite")
	}
	neg := mat.NewVecDense(dim, nil)
	neg.ScaleVec(-1, grad)
	step := mat.NewVecDense(dim, nil)
	if err := chol.SolveVecTo(step, neg); err != nil {
		return nil, errors.Wrap(err, "cholesky solve")
	}
	return step, nil
}

// applyStep retracts every active node along its block of the step, returning the
// previous states for rollback.
func applyStep(
	store *graph.Store,
	active []graph.NodeIndex,
	offsets map[graph.NodeIndex]int,
	step *mat.VecDense,
) ([]graph.NavState, error) {
	backup := make([]graph.NavState, len(active))
	block := make([]float64, graph.NodeDim)
	for i, idx := range active {
		st, err := store.State(idx)
		if err != nil {
			return nil, err
		}
		backup[i] = st
		off := offsets[idx]
		for d := 0; d < graph.NodeDim; d++ {
			block[d] = step.AtVec(off + d)
		}
		if err := store.SetState(idx, st.Retract(block)); err != nil {
			return nil, err
		}
	}
	return backup, nil
}

func restoreStates(store *graph.Store, active []graph.NodeIndex, backup []graph.NavState) {
	for i, idx := range active {
		// States were just read; writing them back cannot fail.
		_ = store.SetState(idx, backup[i])
	}
}

func blockOffsets(active []graph.NodeIndex) map[graph.NodeIndex]int {
	offsets := make(map[graph.NodeIndex]int, len(active))
	for i, idx := range active {
		offsets[idx] = i * graph.NodeDim
	}
	return offsets
}

// MarginalCovariance inverts the full information matrix at the current estimates
// and returns the 15x15 covariance block of one node.
func (s *Solver) MarginalCovariance(store *graph.Store, node graph.NodeIndex) (*mat.SymDense, error) {
	active := store.Nodes()
	offsets := blockOffsets(active)
	off, ok := offsets[node]
	if !ok {
		return nil, errors.Wrapf(graph.ErrUnknownNode, "node %d", node)
	}
	dim := len(active) * graph.NodeDim

	hess, _, _, err := s.assemble(store, offsets, dim, 0)
	if err != nil {
		return nil, err
	}
	// Light damping keeps weakly determined directions invertible.
	for i := 0; i < dim; i++ {
		hess.SetSym(i, i, hess.At(i, i)+1e-12)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(hess); !ok {
		return nil, errors.New("information matrix not positive definite")
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil, errors.Wrap(err, "inverting information matrix")
	}
	out := mat.NewSymDense(graph.NodeDim, nil)
	for i := 0; i < graph.NodeDim; i++ {
		for j := i; j < graph.NodeDim; j++ {
			out.SetSym(i, j, inv.At(off+i, off+j))
		}
	}
	return out, nil
}
