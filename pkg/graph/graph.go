// Package graph is the model/operator/plan surface the executor and the
// convolution rewrites build on: an immutable DAG of nodes, a small
// capability-interface operator contract, and the patch machinery rewrites
// use to splice replacement subgraphs in. Optional operator capabilities
// are probed with interface assertions, so the op set stays open.
package graph

import (
	"fmt"

	"github.com/itohio/ngcore/pkg/tensor"
)

// OutletId identifies one output slot of one node: a (source node id,
// output slot) pair, used both as a node input connection and as a model
// output reference.
type OutletId struct {
	Node int
	Slot int
}

// Fact is the per-output typed fact a node carries: shape descriptor,
// dtype, and an optional constant value (full shape inference is the
// declared out-of-scope collaborator; Fact only carries its result).
type Fact struct {
	Shape    tensor.Shape
	DataType tensor.DataType
	Const    *tensor.Tensor
	// Pulse is non-nil only inside a pulsified (streaming) model: it
	// marks which axis carries the stream and how wide/delayed the
	// current chunk is. Ordinary models never set it.
	Pulse *PulseInfo
}

// PulseInfo annotates a streaming Fact: Axis is the model axis carrying
// the stream, Pulse is the current chunk width on that axis, Delay is how
// many leading positions of the stream are buffering rather than live
// data, and Dim, if known, is the remaining total stream length.
type PulseInfo struct {
	Axis  int
	Pulse int
	Delay int
	Dim   *int
}

// OpState is per-node mutable state for stateful operators. Implementations
// must be deep-cloneable (Clone) so an op state can be snapshotted
// independently of later evaluation.
type OpState interface {
	// Eval runs one step of a stateful operator given session-wide scratch
	// and this step's input tensors.
	Eval(session *SessionState, op Operator, inputs []tensor.Tensor) ([]tensor.Tensor, error)
	// Clone returns a deep, independent copy of this state.
	Clone() OpState
}

// SessionState is per-inference scratch shared across ops within one run,
// reset implicitly between sessions.
type SessionState struct {
	// KnownStreamLen carries the concrete length of a streaming axis once
	// pulsed execution has observed it; nil until then.
	KnownStreamLen *int
}

// Operator is the capability surface every node's op must implement. The
// executor only ever needs NewState (called once per node to build a
// State) and, via StatelessOp, Eval for stateless nodes. declutter/codegen/
// pulsify/rules are optional capabilities implemented through separate
// interfaces and probed with a type assertion, so the op set stays open.
type Operator interface {
	Name() string
	// NewState returns an initial state for a stateful operator, or
	// (nil, nil) for a stateless one.
	NewState() (OpState, error)
}

// StatelessOp is implemented by operators with no per-node mutable state.
// The executor requires this from any node whose NewState returned nil.
type StatelessOp interface {
	Operator
	Eval(inputs []tensor.Tensor) ([]tensor.Tensor, error)
}

// Declutterer participates in algebraic graph simplification.
type Declutterer interface {
	Declutter(model *Model, node *Node) (*ModelPatch, error)
}

// Codegenerator lowers a high-level op to executable micro-kernel-backed
// ops once shapes are concrete.
type Codegenerator interface {
	Codegen(model *Model, node *Node) (*ModelPatch, error)
}

// Pulsifier embeds an operator into a streaming model where one axis
// carries a fixed-width pulse of a potentially unbounded stream.
type Pulsifier interface {
	Pulsify(source *Model, node *Node, target *Model, mapping map[OutletId]OutletId) ([]OutletId, error)
}

// RulesDeclarer declares the shape/dtype relationship between an
// operator's inputs and outputs (a stand-in for full shape-inference
// solver participation, which is out of scope here).
type RulesDeclarer interface {
	Rules(inputs, outputs []Fact) error
}

// Node is one vertex of a Model: a unique id, a name, an operator, its
// input connections, and per-output facts.
type Node struct {
	ID      int
	Name    string
	Op      Operator
	Inputs  []OutletId
	Outputs []Fact
}

// Model is an immutable (once built) directed acyclic graph of nodes.
type Model struct {
	nodes   []*Node
	byName  map[string]int
	inputs  []int
	outputs []OutletId
}

// NewModel returns an empty model ready for AddNode calls.
func NewModel() *Model {
	return &Model{byName: map[string]int{}}
}

// AddNode appends a new node, returning its id. Node ids are assigned in
// append order, so an id always refers to a node added no later than
// itself -- the invariant EvalOrder and the plan rely on.
func (m *Model) AddNode(name string, op Operator, inputs []OutletId, outputs []Fact) (int, error) {
	if _, exists := m.byName[name]; exists {
		return 0, fmt.Errorf("graph: duplicate node name %q", name)
	}
	id := len(m.nodes)
	n := &Node{
		ID:      id,
		Name:    name,
		Op:      op,
		Inputs:  append([]OutletId(nil), inputs...),
		Outputs: append([]Fact(nil), outputs...),
	}
	m.nodes = append(m.nodes, n)
	m.byName[name] = id
	return id, nil
}

// Node returns the node with the given id, or nil if out of range.
func (m *Model) Node(id int) *Node {
	if id < 0 || id >= len(m.nodes) {
		return nil
	}
	return m.nodes[id]
}

// Nodes returns all nodes in id order.
func (m *Model) Nodes() []*Node { return m.nodes }

// NodeByName looks a node up by its unique name.
func (m *Model) NodeByName(name string) (*Node, error) {
	id, ok := m.byName[name]
	if !ok {
		return nil, fmt.Errorf("graph: no node named %q", name)
	}
	return m.nodes[id], nil
}

// SetInputs declares which node ids are the model's input placeholders.
func (m *Model) SetInputs(ids []int) { m.inputs = append([]int(nil), ids...) }

// Inputs returns the model's ordered input node ids.
func (m *Model) Inputs() []int { return m.inputs }

// SetOutputs declares the model's output outlets.
func (m *Model) SetOutputs(outlets []OutletId) { m.outputs = append([]OutletId(nil), outlets...) }

// Outputs returns the model's ordered output outlets.
func (m *Model) Outputs() []OutletId { return m.outputs }

// consumers returns the ids of every node that reads outlet as an input.
func (m *Model) consumers(outlet OutletId) []int {
	var ids []int
	for _, n := range m.nodes {
		for _, in := range n.Inputs {
			if in == outlet {
				ids = append(ids, n.ID)
				break
			}
		}
	}
	return ids
}

// SinglePrec returns node id's sole predecessor, if it has exactly one
// input and that predecessor's output is read by nothing but this node.
func (m *Model) SinglePrec(id int) (*Node, bool) {
	n := m.Node(id)
	if n == nil || len(n.Inputs) != 1 {
		return nil, false
	}
	in := n.Inputs[0]
	cons := m.consumers(in)
	if len(cons) != 1 || cons[0] != id {
		return nil, false
	}
	return m.Node(in.Node), true
}

// SingleSucc returns node id's sole consumer, if its output slot 0 is read
// by exactly one downstream node and that node reads nothing else.
func (m *Model) SingleSucc(id int) (*Node, bool) {
	n := m.Node(id)
	if n == nil || len(n.Outputs) == 0 {
		return nil, false
	}
	cons := m.consumers(OutletId{Node: id, Slot: 0})
	if len(cons) != 1 {
		return nil, false
	}
	succ := m.Node(cons[0])
	if succ == nil || len(succ.Inputs) != 1 {
		return nil, false
	}
	return succ, true
}

// redirectConsumers rewrites every input connection and output outlet
// equal to old so that it reads newOutlet instead.
func (m *Model) redirectConsumers(old, newOutlet OutletId) {
	for _, n := range m.nodes {
		for i, in := range n.Inputs {
			if in == old {
				n.Inputs[i] = newOutlet
			}
		}
	}
	for i, o := range m.outputs {
		if o == old {
			m.outputs[i] = newOutlet
		}
	}
}

// uniqueName returns name if unused in m, otherwise a numbered variant.
func uniqueName(m *Model, name string) string {
	if _, exists := m.byName[name]; !exists {
		return name
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s.%d", name, i)
		if _, exists := m.byName[candidate]; !exists {
			return candidate
		}
	}
}

// EvalOrder returns a topological order over every node id in m:
// every node's inputs appear earlier in the order than the node itself.
// Nodes unreachable from any model output are still included (in
// definition order after the reachable set), so plan construction can
// index them, but they are never read back out.
func EvalOrder(m *Model) ([]int, error) {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(m.nodes))
	order := make([]int, 0, len(m.nodes))

	var visit func(id int) error
	visit = func(id int) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("graph: eval_order: cycle detected at node %d", id)
		}
		color[id] = gray
		n := m.Node(id)
		if n == nil {
			return fmt.Errorf("graph: eval_order: no such node %d", id)
		}
		for _, in := range n.Inputs {
			if err := visit(in.Node); err != nil {
				return err
			}
		}
		color[id] = black
		order = append(order, id)
		return nil
	}

	for _, o := range m.outputs {
		if err := visit(o.Node); err != nil {
			return nil, err
		}
	}
	for _, n := range m.nodes {
		if err := visit(n.ID); err != nil {
			return nil, err
		}
	}
	return order, nil
}
