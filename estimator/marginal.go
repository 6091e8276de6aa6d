package estimator

import (
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/cougars-auv/fgo/graph"
)

// marginalize eliminates one node from the graph, replacing it and every factor
// touching it with a single linearized Gaussian prior over the node's neighbors.
// The elimination is the Schur complement of the node's 15-dim block in the local
// normal equations assembled from exactly those factors, so the information they
// carried about the neighbors survives.
func marginalize(store *graph.Store, victim graph.NodeIndex) error {
	handles := store.Neighbors(victim)
	if len(handles) == 0 {
		return store.RemoveNode(victim)
	}

	// Involved nodes: the victim first, then its neighbors in index order.
	seen := map[graph.NodeIndex]bool{victim: true}
	var kept []graph.NodeIndex
	for _, h := range handles {
		f, err := store.Factor(h)
		if err != nil {
			return err
		}
		for _, k := range f.Keys() {
			if !seen[k] {
				seen[k] = true
				kept = append(kept, k)
			}
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i] < kept[j] })

	ordering := append([]graph.NodeIndex{victim}, kept...)
	offsets := make(map[graph.NodeIndex]int, len(ordering))
	for i, idx := range ordering {
		offsets[idx] = i * graph.NodeDim
	}
	dim := len(ordering) * graph.NodeDim

	hess := mat.NewDense(dim, dim, nil)
	grad := mat.NewVecDense(dim, nil)
	for _, h := range handles {
		f, err := store.Factor(h)
		if err != nil {
			return err
		}
		states, err := store.StatesFor(f.Keys())
		if err != nil {
			return err
		}
		lin, err := f.Linearize(states)
		if err != nil {
			return errors.Wrapf(err, "linearizing factor %d for marginalization", h)
		}
		if !lin.IsFinite() {
			// A faulted factor contributes nothing; its information is lost but
			// the elimination stays well defined.
			continue
		}
		for a, ka := range f.Keys() {
			ja := lin.Jacobians[a]
			var jr mat.VecDense
			jr.MulVec(ja.T(), lin.Residual)
			offA := offsets[ka]
			for i := 0; i < graph.NodeDim; i++ {
				grad.SetVec(offA+i, grad.AtVec(offA+i)+jr.AtVec(i))
			}
			for b, kb := range f.Keys() {
				var jj mat.Dense
				jj.Mul(ja.T(), lin.Jacobians[b])
				offB := offsets[kb]
				for i := 0; i < graph.NodeDim; i++ {
					for j := 0; j < graph.NodeDim; j++ {
						hess.Set(offA+i, offB+j, hess.At(offA+i, offB+j)+jj.At(i, j))
					}
				}
			}
		}
	}

	var prior *graph.PriorFactor
	if len(kept) > 0 {
		var err error
		prior, err = schurPrior(store, kept, hess, grad)
		if err != nil {
			return err
		}
	}

	for _, h := range handles {
		if err := store.RemoveFactor(h); err != nil {
			return err
		}
	}
	if err := store.RemoveNode(victim); err != nil {
		return err
	}
	if prior != nil {
		if _, err := store.AddFactor(prior); err != nil {
			return errors.Wrap(err, "inserting marginal prior")
		}
	}
	return nil
}

// schurPrior eliminates the leading block of the assembled system and packages
// the complement as a prior over the kept nodes, linearized at their current
// estimates.
func schurPrior(
	store *graph.Store,
	kept []graph.NodeIndex,
	hess *mat.Dense,
	grad *mat.VecDense,
) (*graph.PriorFactor, error) {
	m := graph.NodeDim
	keptDim := len(kept) * graph.NodeDim

	h11 := hess.Slice(0, m, 0, m)
	h12 := hess.Slice(0, m, m, m+keptDim)
	h21 := hess.Slice(m, m+keptDim, 0, m)
	h22 := hess.Slice(m, m+keptDim, m, m+keptDim)
	g1 := grad.SliceVec(0, m)
	g2 := grad.SliceVec(m, m+keptDim)

	h11inv, err := invertWithJitter(h11, m)
	if err != nil {
		return nil, errors.Wrap(err, "eliminated block not invertible")
	}

	// H22' = H22 - H21 H11^-1 H12 ; g2' = g2 - H21 H11^-1 g1
	var h21h11inv mat.Dense
	h21h11inv.Mul(h21, h11inv)
	var correction mat.Dense
	correction.Mul(&h21h11inv, h12)
	schur := mat.NewDense(keptDim, keptDim, nil)
	schur.Sub(h22, &correction)

	var gCorrection mat.VecDense
	gCorrection.MulVec(&h21h11inv, g1)
	schurGrad := mat.NewVecDense(keptDim, nil)
	schurGrad.SubVec(g2, &gCorrection)

	// Square root form: R^T R = H22', with R upper triangular from Cholesky.
	sym := mat.NewSymDense(keptDim, nil)
	for i := 0; i < keptDim; i++ {
		for j := i; j < keptDim; j++ {
			sym.SetSym(i, j, 0.5*(schur.At(i, j)+schur.At(j, i)))
		}
	}
	var chol mat.Cholesky
	jitter := 0.0
	for attempt := 0; ; attempt++ {
		if ok := chol.Factorize(sym); ok {
			break
		}
		if attempt >= 4 {
			return nil, errors.New("schur complement not positive definite")
		}
		// Marginalization can leave directions with almost no information; a
		// floor keeps the square root factorable without distorting the rest.
		if jitter == 0 {
			jitter = 1e-9
		} else {
			jitter *= 100
		}
		for i := 0; i < keptDim; i++ {
			sym.SetSym(i, i, sym.At(i, i)+jitter)
		}
	}
	var lower mat.TriDense
	chol.LTo(&lower)
	sqrtInfo := mat.NewDense(keptDim, keptDim, nil)
	sqrtInfo.CloneFrom(lower.T())

	// Residual form R delta - rhs reproduces the linear term: R^T rhs = -g2'.
	rhs := mat.NewVecDense(keptDim, nil)
	var negG mat.VecDense
	negG.ScaleVec(-1, schurGrad)
	if err := rhs.SolveVec(&lower, &negG); err != nil {
		return nil, errors.Wrap(err, "solving for prior rhs")
	}

	refs := make([]graph.NavState, len(kept))
	for i, idx := range kept {
		st, err := store.State(idx)
		if err != nil {
			return nil, err
		}
		refs[i] = st
	}
	return &graph.PriorFactor{
		Nodes:    append([]graph.NodeIndex(nil), kept...),
		Ref:      refs,
		SqrtInfo: sqrtInfo,
		Rhs:      rhs,
	}, nil
}

func invertWithJitter(block mat.Matrix, dim int) (*mat.Dense, error) {
	work := mat.NewDense(dim, dim, nil)
	work.CloneFrom(block)
	jitter := 0.0
	for attempt := 0; ; attempt++ {
		var inv mat.Dense
		if err := inv.Inverse(work); err == nil {
			return &inv, nil
		}
		if attempt >= 4 {
			return nil, errors.New("singular block")
		}
		if jitter == 0 {
			jitter = 1e-9
		} else {
			jitter *= 100
		}
		for i := 0; i < dim; i++ {
			work.Set(i, i, work.At(i, i)+jitter)
		}
	}
}
