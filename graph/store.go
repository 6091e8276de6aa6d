package graph

import (
	"github.com/pkg/errors"
)

// NodeIndex identifies a state node for its whole lifetime. Indices increase
// monotonically and are never reused.
type NodeIndex int

// FactorHandle identifies an inserted factor. Handles are never reused.
type FactorHandle int

// ErrNodeStillReferenced reports an attempt to remove a node that live factors
// still touch.
var ErrNodeStillReferenced = errors.New("node still referenced by factors")

// ErrUnknownNode reports a reference to a node the store does not hold.
var ErrUnknownNode = errors.New("unknown node")

// ErrUnknownFactor reports a reference to a factor the store does not hold.
var ErrUnknownFactor = errors.New("unknown factor")

// ErrNonFiniteResidual reports a factor whose residual at the current
// linearization point is not finite; insertion of such a factor is rejected whole.
var ErrNonFiniteResidual = errors.New("factor residual not finite at insertion")

type nodeEntry struct {
	state NavState
	alive bool
}

type factorEntry struct {
	factor Factor
	alive  bool
}

// Store owns the nodes and factors of the graph and the adjacency between them.
// Nodes and factors live in flat arenas addressed by index; dead entries are
// tombstoned so identities stay stable. Insertion is O(1) amortized, removal
// O(degree), and a node's incident factors iterate in insertion order. The store
// is not safe for concurrent use; the estimation loop owns it exclusively.
type Store struct {
	nodes    []nodeEntry
	factors  []factorEntry
	incident map[NodeIndex][]FactorHandle

	liveNodes   int
	liveFactors int
}

// NewStore returns an empty graph.
func NewStore() *Store {
	return &Store{incident: map[NodeIndex][]FactorHandle{}}
}

// AddNode inserts a node seeded with the given predicted state and returns its index.
func (s *Store) AddNode(predicted NavState) NodeIndex {
	idx := NodeIndex(len(s.nodes))
	s.nodes = append(s.nodes, nodeEntry{state: predicted, alive: true})
	s.liveNodes++
	return idx
}

// State returns the current estimate for a node.
func (s *Store) State(idx NodeIndex) (NavState, error) {
	if !s.nodeAlive(idx) {
		return NavState{}, errors.Wrapf(ErrUnknownNode, "node %d", idx)
	}
	return s.nodes[idx].state, nil
}

// SetState overwrites the current estimate for a node. Solver iterations mutate
// the linearization point through this.
func (s *Store) SetState(idx NodeIndex, state NavState) error {
	if !s.nodeAlive(idx) {
		return errors.Wrapf(ErrUnknownNode, "node %d", idx)
	}
	s.nodes[idx].state = state
	return nil
}

// AddFactor inserts a factor. Insertion is atomic: if any referenced node is
// missing, or the factor's residual at the current linearization point is not
// finite, nothing is inserted.
func (s *Store) AddFactor(f Factor) (FactorHandle, error) {
	states, err := s.StatesFor(f.Keys())
	if err != nil {
		return 0, err
	}
	res, err := f.Residual(states)
	if err != nil {
		return 0, errors.Wrap(err, "evaluating factor at insertion")
	}
	if !vecIsFinite(res) {
		return 0, ErrNonFiniteResidual
	}

	h := FactorHandle(len(s.factors))
	s.factors = append(s.factors, factorEntry{factor: f, alive: true})
	for _, k := range f.Keys() {
		s.incident[k] = append(s.incident[k], h)
	}
	s.liveFactors++
	return h, nil
}

// Factor returns the factor behind a handle.
func (s *Store) Factor(h FactorHandle) (Factor, error) {
	if !s.factorAlive(h) {
		return nil, errors.Wrapf(ErrUnknownFactor, "factor %d", h)
	}
	return s.factors[h].factor, nil
}

// RemoveFactor drops a factor and unlinks it from its nodes.
func (s *Store) RemoveFactor(h FactorHandle) error {
	if !s.factorAlive(h) {
		return errors.Wrapf(ErrUnknownFactor, "factor %d", h)
	}
	f := s.factors[h].factor
	for _, k := range f.Keys() {
		handles := s.incident[k]
		for i, other := range handles {
			if other == h {
				s.incident[k] = append(handles[:i], handles[i+1:]...)
				break
			}
		}
		if len(s.incident[k]) == 0 {
			delete(s.incident, k)
		}
	}
	s.factors[h].alive = false
	s.factors[h].factor = nil
	s.liveFactors--
	return nil
}

// RemoveNode drops a node. Every factor touching it must already have been
// removed or folded into a marginal prior.
func (s *Store) RemoveNode(idx NodeIndex) error {
	if !s.nodeAlive(idx) {
		return errors.Wrapf(ErrUnknownNode, "node %d", idx)
	}
	if len(s.incident[idx]) > 0 {
		return errors.Wrapf(ErrNodeStillReferenced, "node %d has %d live factors", idx, len(s.incident[idx]))
	}
	s.nodes[idx].alive = false
	s.liveNodes--
	return nil
}

// Neighbors returns the handles of the live factors incident to a node, in
// insertion order.
func (s *Store) Neighbors(idx NodeIndex) []FactorHandle {
	handles := s.incident[idx]
	out := make([]FactorHandle, len(handles))
	copy(out, handles)
	return out
}

// Nodes returns the live node indices in increasing order.
func (s *Store) Nodes() []NodeIndex {
	out := make([]NodeIndex, 0, s.liveNodes)
	for i := range s.nodes {
		if s.nodes[i].alive {
			out = append(out, NodeIndex(i))
		}
	}
	return out
}

// Factors returns the live factor handles in insertion order.
func (s *Store) Factors() []FactorHandle {
	out := make([]FactorHandle, 0, s.liveFactors)
	for i := range s.factors {
		if s.factors[i].alive {
			out = append(out, FactorHandle(i))
		}
	}
	return out
}

// NumNodes returns the live node count.
func (s *Store) NumNodes() int { return s.liveNodes }

// NumFactors returns the live factor count.
func (s *Store) NumFactors() int { return s.liveFactors }

// StatesFor gathers the current estimates for the given keys, in order.
func (s *Store) StatesFor(keys []NodeIndex) ([]NavState, error) {
	states := make([]NavState, len(keys))
	for i, k := range keys {
		st, err := s.State(k)
		if err != nil {
			return nil, err
		}
		states[i] = st
	}
	return states, nil
}

func (s *Store) nodeAlive(idx NodeIndex) bool {
	return idx >= 0 && int(idx) < len(s.nodes) && s.nodes[idx].alive
}

func (s *Store) factorAlive(h FactorHandle) bool {
	return h >= 0 && int(h) < len(s.factors) && s.factors[h].alive
}
