package estimator

import (
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/cougars-auv/fgo/graph"
	"github.com/cougars-auv/fgo/solver"
)

func uniformSigmas(v float64) []float64 {
	sigmas := make([]float64, graph.NodeDim)
	for i := range sigmas {
		sigmas[i] = v
	}
	return sigmas
}

// relativeCoupling builds a linear two-node factor whose residual penalizes the
// difference of the two tangent deviations, weighted by w.
func relativeCoupling(a, b graph.NodeIndex, refA, refB graph.NavState, w float64) *graph.PriorFactor {
	sqrtInfo := mat.NewDense(graph.NodeDim, 2*graph.NodeDim, nil)
	for i := 0; i < graph.NodeDim; i++ {
		sqrtInfo.Set(i, i, -w)
		sqrtInfo.Set(i, graph.NodeDim+i, w)
	}
	return &graph.PriorFactor{
		Nodes:    []graph.NodeIndex{a, b},
		Ref:      []graph.NavState{refA, refB},
		SqrtInfo: sqrtInfo,
		Rhs:      mat.NewVecDense(graph.NodeDim, nil),
	}
}

func TestMarginalizePreservesInformation(t *testing.T) {
	store := graph.NewStore()
	s0 := graph.NewNavState()
	s0.Pos = r3.Vector{X: 1, Y: 2, Z: 3}
	s1 := graph.NewNavState()
	s1.Pos = r3.Vector{X: 4, Y: 5, Z: 6}
	n0 := store.AddNode(s0)
	n1 := store.AddNode(s1)

	p0, err := graph.NewDiagonalPrior(n0, s0, uniformSigmas(1.0))
	test.That(t, err, test.ShouldBeNil)
	_, err = store.AddFactor(p0)
	test.That(t, err, test.ShouldBeNil)
	p1, err := graph.NewDiagonalPrior(n1, s1, uniformSigmas(2.0))
	test.That(t, err, test.ShouldBeNil)
	_, err = store.AddFactor(p1)
	test.That(t, err, test.ShouldBeNil)
	_, err = store.AddFactor(relativeCoupling(n0, n1, s0, s1, 2.0))
	test.That(t, err, test.ShouldBeNil)

	s := solver.New(solver.Options{}, golog.NewTestLogger(t))
	covBefore, err := s.MarginalCovariance(store, n1)
	test.That(t, err, test.ShouldBeNil)

	// All factors are linear, so eliminating n0 must leave n1's marginal exactly
	// where the joint system put it.
	test.That(t, marginalize(store, n0), test.ShouldBeNil)
	test.That(t, store.NumNodes(), test.ShouldEqual, 1)

	covAfter, err := s.MarginalCovariance(store, n1)
	test.That(t, err, test.ShouldBeNil)
	for i := 0; i < graph.NodeDim; i++ {
		for j := 0; j < graph.NodeDim; j++ {
			test.That(t, covAfter.At(i, j), test.ShouldAlmostEqual, covBefore.At(i, j), 1e-6)
		}
	}

	// The system was at its optimum before elimination; it must still be after.
	res, err := s.Solve(store)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.InitialCost, test.ShouldAlmostEqual, 0, 1e-9)
	after, err := store.State(n1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, after.Pos.Sub(s1.Pos).Norm(), test.ShouldAlmostEqual, 0, 1e-9)
}

func TestMarginalizeIsolatedNode(t *testing.T) {
	store := graph.NewStore()
	n0 := store.AddNode(graph.NewNavState())
	test.That(t, marginalize(store, n0), test.ShouldBeNil)
	test.That(t, store.NumNodes(), test.ShouldEqual, 0)
}

func TestMarginalizeLeafNode(t *testing.T) {
	// A chain 0-1 with an anchor on 0 only: after eliminating 0, the prior on 1
	// has to carry the anchor's information or the system goes singular.
	store := graph.NewStore()
	s0 := graph.NewNavState()
	s1 := graph.NewNavState()
	s1.Pos = r3.Vector{X: 1}
	n0 := store.AddNode(s0)
	n1 := store.AddNode(s1)

	p0, err := graph.NewDiagonalPrior(n0, s0, uniformSigmas(0.5))
	test.That(t, err, test.ShouldBeNil)
	_, err = store.AddFactor(p0)
	test.That(t, err, test.ShouldBeNil)
	_, err = store.AddFactor(relativeCoupling(n0, n1, s0, s1, 1.0))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, marginalize(store, n0), test.ShouldBeNil)

	s := solver.New(solver.Options{}, golog.NewTestLogger(t))
	cov, err := s.MarginalCovariance(store, n1)
	test.That(t, err, test.ShouldBeNil)
	// var(n1) = var(anchor) + var(coupling) = 0.25 + 1.
	for i := 0; i < graph.NodeDim; i++ {
		test.That(t, cov.At(i, i), test.ShouldAlmostEqual, 1.25, 1e-6)
	}
}
