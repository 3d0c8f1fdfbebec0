// Package state runs a plan.Plan: it holds the live tensor for every node,
// each node's operator state, and session-wide scratch, and drives one
// Run from input placeholders to declared outputs.
package state

import (
	"fmt"

	"github.com/itohio/ngcore/pkg/graph"
	"github.com/itohio/ngcore/pkg/graph/plan"
	"github.com/itohio/ngcore/pkg/logger"
	"github.com/itohio/ngcore/pkg/ops"
	"github.com/itohio/ngcore/pkg/tensor"
)

// State is one mutable execution context for a Plan. Values and operator
// states are indexed by node id, not by step.
type State struct {
	Plan     *plan.Plan
	Session  graph.SessionState
	values   []tensor.Tensor
	opStates []graph.OpState
}

// New builds a State for p, constructing every node's initial operator
// state up front.
func New(p *plan.Plan) (*State, error) {
	n := len(p.Model.Nodes())
	s := &State{
		Plan:     p,
		values:   make([]tensor.Tensor, n),
		opStates: make([]graph.OpState, n),
	}
	if err := s.ResetOpStates(); err != nil {
		return nil, err
	}
	return s, nil
}

// ResetWires clears every node's held value. Called automatically at the
// end of Run so a State is immediately ready for the next one.
func (s *State) ResetWires() {
	for i := range s.values {
		s.values[i] = tensor.Tensor{}
	}
}

// ResetOpStates rebuilds every node's operator state from scratch,
// discarding whatever a stateful op (e.g. Delay) had accumulated.
func (s *State) ResetOpStates() error {
	for _, node := range s.Plan.Model.Nodes() {
		st, err := node.Op.NewState()
		if err != nil {
			return fmt.Errorf("state: node %q: new_state: %w", node.Name, err)
		}
		s.opStates[node.ID] = st
	}
	return nil
}

// SetInputs assigns the model's declared input placeholders, in order.
func (s *State) SetInputs(values []tensor.Tensor) error {
	inputs := s.Plan.Model.Inputs()
	if len(values) != len(inputs) {
		return fmt.Errorf("state: set_inputs: got %d values, model declares %d inputs", len(values), len(inputs))
	}
	for i, id := range inputs {
		s.values[id] = values[i]
	}
	return nil
}

// SetInput assigns a single input placeholder, addressed by its position
// in the model's declared input list.
func (s *State) SetInput(index int, value tensor.Tensor) error {
	inputs := s.Plan.Model.Inputs()
	if index < 0 || index >= len(inputs) {
		return fmt.Errorf("state: set_input: index %d out of range (model has %d inputs)", index, len(inputs))
	}
	s.values[inputs[index]] = value
	return nil
}

// SetValue directly injects node id's output value, bypassing evaluation.
// Used to seed constants folded in by declutter, or to resume a partially
// computed graph via ComputeRecursively.
func (s *State) SetValue(nodeID int, value tensor.Tensor) {
	s.values[nodeID] = value
}

// Value returns node id's currently held value, if any.
func (s *State) Value(nodeID int) (tensor.Tensor, bool) {
	v := s.values[nodeID]
	return v, v.Valid()
}

// Run executes every step of the plan's order, evaluating each node once,
// flushing values no longer needed after that step, and returns the
// model's declared outputs. Matches SimpleState::run.
func (s *State) Run() ([]tensor.Tensor, error) {
	m := s.Plan.Model

	for step, id := range s.Plan.Order {
		node := m.Node(id)
		logger.Log.Debug().Int("node", id).Str("name", node.Name).Int("step", step).Msg("run: step")

		if _, isSource := node.Op.(*ops.Source); isSource {
			if !s.values[id].Valid() {
				return nil, fmt.Errorf("state: run: source node %q has no injected value", node.Name)
			}
		} else {
			inputs := make([]tensor.Tensor, len(node.Inputs))
			for i, in := range node.Inputs {
				v := s.values[in.Node]
				if !v.Valid() {
					return nil, fmt.Errorf("state: run: node %q input %d (from %q) has no value", node.Name, i, m.Node(in.Node).Name)
				}
				inputs[i] = v
			}

			outputs, err := s.eval(node, inputs)
			if err != nil {
				return nil, fmt.Errorf("state: run: step %d, node %q: %w", step, node.Name, err)
			}
			if len(outputs) != 1 {
				return nil, fmt.Errorf("state: run: node %q produced %d outputs, only single-output nodes are supported", node.Name, len(outputs))
			}
			s.values[id] = outputs[0]
		}

		for _, flushID := range s.Plan.FlushLists[step] {
			logger.Log.Warn().Int("node", flushID).Int("step", step).Msg("run: flush")
			s.values[flushID] = tensor.Tensor{}
		}
	}

	outs := m.Outputs()
	result := make([]tensor.Tensor, len(outs))
	for i, o := range outs {
		v := s.values[o.Node]
		if !v.Valid() {
			return nil, fmt.Errorf("state: run: output %d (node %q) has no value", i, m.Node(o.Node).Name)
		}
		result[i] = v
	}
	s.ResetWires()
	return result, nil
}

func (s *State) eval(node *graph.Node, inputs []tensor.Tensor) ([]tensor.Tensor, error) {
	if st := s.opStates[node.ID]; st != nil {
		return st.Eval(&s.Session, node.Op, inputs)
	}
	so, ok := node.Op.(graph.StatelessOp)
	if !ok {
		return nil, fmt.Errorf("op %q is neither stateful nor stateless", node.Op.Name())
	}
	return so.Eval(inputs)
}

// ComputeOne evaluates exactly node id's own operator, given that every
// input it reads already holds a value (its precursors must have been
// computed first, e.g. via ComputeRecursively).
func (s *State) ComputeOne(nodeID int) error {
	node := s.Plan.Model.Node(nodeID)
	if node == nil {
		return fmt.Errorf("state: compute_one: no such node %d", nodeID)
	}
	inputs := make([]tensor.Tensor, len(node.Inputs))
	for i, in := range node.Inputs {
		v := s.values[in.Node]
		if !v.Valid() {
			return fmt.Errorf("state: compute_one: node %q input %d (from %q) has no value", node.Name, i, s.Plan.Model.Node(in.Node).Name)
		}
		inputs[i] = v
	}
	outputs, err := s.eval(node, inputs)
	if err != nil {
		return fmt.Errorf("state: compute_one: node %q: %w", node.Name, err)
	}
	if len(outputs) != 1 {
		return fmt.Errorf("state: compute_one: node %q produced %d outputs, only single-output nodes are supported", node.Name, len(outputs))
	}
	s.values[nodeID] = outputs[0]
	return nil
}

// ComputeRecursively ensures nodeID has a value, computing every missing
// precursor first via a depth-first walk. Not cycle-tolerant; the model
// is acyclic by contract.
func (s *State) ComputeRecursively(nodeID int) (tensor.Tensor, error) {
	if v, ok := s.Value(nodeID); ok {
		return v, nil
	}
	node := s.Plan.Model.Node(nodeID)
	if node == nil {
		return tensor.Tensor{}, fmt.Errorf("state: compute_recursively: no such node %d", nodeID)
	}
	for _, in := range node.Inputs {
		if _, err := s.ComputeRecursively(in.Node); err != nil {
			return tensor.Tensor{}, err
		}
	}
	if err := s.ComputeOne(nodeID); err != nil {
		return tensor.Tensor{}, err
	}
	v, _ := s.Value(nodeID)
	return v, nil
}

// TakeByName moves the current value of the node named name out, clearing
// its slot exactly as Take does.
func (s *State) TakeByName(name string) (tensor.Tensor, error) {
	n, err := s.Plan.Model.NodeByName(name)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return s.Take(n.ID)
}

// Take moves node id's current value out, clearing its slot, and fails if
// it has none.
func (s *State) Take(nodeID int) (tensor.Tensor, error) {
	v, ok := s.Value(nodeID)
	if !ok {
		return tensor.Tensor{}, fmt.Errorf("state: take: node %d has no value", nodeID)
	}
	s.values[nodeID] = tensor.Tensor{}
	return v, nil
}
