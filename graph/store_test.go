package graph

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
)

func testStoreWithNodes(t *testing.T, n int) (*Store, []NodeIndex) {
	t.Helper()
	s := NewStore()
	indices := make([]NodeIndex, n)
	for i := range indices {
		st := NewNavState()
		st.Pos = r3.Vector{X: float64(i)}
		indices[i] = s.AddNode(st)
	}
	return s, indices
}

func TestAddNodeIndicesMonotonic(t *testing.T) {
	s, indices := testStoreWithNodes(t, 3)
	test.That(t, indices, test.ShouldResemble, []NodeIndex{0, 1, 2})
	test.That(t, s.NumNodes(), test.ShouldEqual, 3)

	// A removed node's index is never reused.
	test.That(t, s.RemoveNode(indices[2]), test.ShouldBeNil)
	next := s.AddNode(NewNavState())
	test.That(t, next, test.ShouldEqual, NodeIndex(3))
}

func TestFactorLifecycle(t *testing.T) {
	s, indices := testStoreWithNodes(t, 2)

	h1, err := s.AddFactor(&DepthFactor{Node: indices[0], Meters: 0, Variance: 0.01})
	test.That(t, err, test.ShouldBeNil)
	h2, err := s.AddFactor(&VelocityFactor{
		Node:     indices[0],
		Measured: r3.Vector{},
		Variance: r3.Vector{X: 0.01, Y: 0.01, Z: 0.01},
	})
	test.That(t, err, test.ShouldBeNil)

	test.That(t, s.Neighbors(indices[0]), test.ShouldResemble, []FactorHandle{h1, h2})
	test.That(t, s.Neighbors(indices[1]), test.ShouldHaveLength, 0)

	// Node with live factors cannot be removed.
	err = s.RemoveNode(indices[0])
	test.That(t, errors.Is(err, ErrNodeStillReferenced), test.ShouldBeTrue)

	test.That(t, s.RemoveFactor(h1), test.ShouldBeNil)
	test.That(t, s.Neighbors(indices[0]), test.ShouldResemble, []FactorHandle{h2})
	test.That(t, s.RemoveFactor(h2), test.ShouldBeNil)
	test.That(t, s.RemoveNode(indices[0]), test.ShouldBeNil)

	// Dead handles and indices stay dead.
	err = s.RemoveFactor(h1)
	test.That(t, errors.Is(err, ErrUnknownFactor), test.ShouldBeTrue)
	_, err = s.State(indices[0])
	test.That(t, errors.Is(err, ErrUnknownNode), test.ShouldBeTrue)
}

func TestAddFactorUnknownNodeRejected(t *testing.T) {
	s, _ := testStoreWithNodes(t, 1)
	_, err := s.AddFactor(&DepthFactor{Node: 42, Meters: 1, Variance: 0.1})
	test.That(t, errors.Is(err, ErrUnknownNode), test.ShouldBeTrue)
	test.That(t, s.NumFactors(), test.ShouldEqual, 0)
}

func TestAddFactorNonFiniteRejectedAtomically(t *testing.T) {
	s, indices := testStoreWithNodes(t, 1)

	// Zero variance whitens to an infinite residual; nothing may be inserted.
	_, err := s.AddFactor(&DepthFactor{Node: indices[0], Meters: 1, Variance: 0})
	test.That(t, errors.Is(err, ErrNonFiniteResidual), test.ShouldBeTrue)
	test.That(t, s.NumFactors(), test.ShouldEqual, 0)
	test.That(t, s.Neighbors(indices[0]), test.ShouldHaveLength, 0)
}

func TestSetState(t *testing.T) {
	s, indices := testStoreWithNodes(t, 1)
	st, err := s.State(indices[0])
	test.That(t, err, test.ShouldBeNil)
	st.Pos = r3.Vector{X: 9, Y: 8, Z: 7}
	test.That(t, s.SetState(indices[0], st), test.ShouldBeNil)
	got, err := s.State(indices[0])
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Pos, test.ShouldResemble, r3.Vector{X: 9, Y: 8, Z: 7})
}
