package graph

import (
	"fmt"

	"github.com/itohio/ngcore/pkg/tensor"
)

// tapOp is the placeholder operator a ModelPatch uses to represent an
// outlet borrowed from the model it will later be spliced into. It never
// survives ApplyTo: references to it are rewritten to the real outlet.
type tapOp struct{}

func (tapOp) Name() string               { return "tap" }
func (tapOp) NewState() (OpState, error) { return nil, nil }
func (tapOp) Eval(_ []tensor.Tensor) ([]tensor.Tensor, error) {
	return nil, fmt.Errorf("graph: tap placeholder was evaluated directly, patch was never applied")
}

type shunt struct{ From, To OutletId }

// ModelPatch is a small candidate sub-model plus the splice instructions
// needed to graft it into another model: which external outlets it reads
// (TapModel) and which existing outlets its own outlets should replace
// once spliced (ShuntOutside). Application is transactional; a patch that
// fails validation leaves the target untouched.
type ModelPatch struct {
	Model  *Model
	tapped map[int]OutletId
	shunts []shunt
}

// NewModelPatch returns an empty patch.
func NewModelPatch() *ModelPatch {
	return &ModelPatch{Model: NewModel(), tapped: map[int]OutletId{}}
}

// TapModel imports outlet from source as a patch-local input: it adds a
// passthrough node to the patch carrying source's fact, and records which
// source outlet must supply it once the patch is spliced.
func (p *ModelPatch) TapModel(source *Model, outlet OutletId) (OutletId, error) {
	srcNode := source.Node(outlet.Node)
	if srcNode == nil {
		return OutletId{}, fmt.Errorf("graph: tap_model: no such node %d", outlet.Node)
	}
	if outlet.Slot < 0 || outlet.Slot >= len(srcNode.Outputs) {
		return OutletId{}, fmt.Errorf("graph: tap_model: no such outlet %v", outlet)
	}
	fact := srcNode.Outputs[outlet.Slot]
	name := fmt.Sprintf("tap-%d-%d", outlet.Node, outlet.Slot)
	id, err := p.Model.AddNode(name, tapOp{}, nil, []Fact{fact})
	if err != nil {
		return OutletId{}, err
	}
	p.tapped[id] = outlet
	return OutletId{Node: id, Slot: 0}, nil
}

// Chain appends a node to the patch wired to the given patch-local inputs,
// returning its id.
func (p *ModelPatch) Chain(name string, op Operator, inputs []OutletId, outputs []Fact) (int, error) {
	return p.Model.AddNode(name, op, inputs, outputs)
}

// ShuntOutside records that, once this patch is applied, every consumer of
// old in the target model must be rewired to read newOutlet (a patch-local
// outlet) instead.
func (p *ModelPatch) ShuntOutside(old, newOutlet OutletId) {
	p.shunts = append(p.shunts, shunt{From: old, To: newOutlet})
}

// resolve maps a patch-local outlet to its final outlet in the target
// model: tapped outlets resolve to the original target outlet they stood
// in for, other patch nodes resolve through localToTarget.
func (p *ModelPatch) resolve(o OutletId, localToTarget map[int]int) OutletId {
	if outlet, ok := p.tapped[o.Node]; ok {
		return outlet
	}
	return OutletId{Node: localToTarget[o.Node], Slot: o.Slot}
}

// ApplyTo splices this patch into target. Every reference is validated
// before any node is added, so a failing patch leaves target unchanged.
func (p *ModelPatch) ApplyTo(target *Model) error {
	for id, outlet := range p.tapped {
		if target.Node(outlet.Node) == nil {
			return fmt.Errorf("graph: apply patch: tap_model outlet %v (patch node %d) not in target", outlet, id)
		}
	}

	seen := make(map[int]bool, len(p.Model.nodes))
	for _, n := range p.Model.nodes {
		if _, isTap := p.tapped[n.ID]; isTap {
			seen[n.ID] = true
			continue
		}
		for _, in := range n.Inputs {
			if _, isTap := p.tapped[in.Node]; !isTap && !seen[in.Node] {
				return fmt.Errorf("graph: apply patch: node %q references unresolved patch input %v", n.Name, in)
			}
		}
		seen[n.ID] = true
	}

	for _, s := range p.shunts {
		if target.Node(s.From.Node) == nil {
			return fmt.Errorf("graph: apply patch: shunt_outside: no such node %d in target", s.From.Node)
		}
		if _, isTap := p.tapped[s.To.Node]; !isTap && !seen[s.To.Node] {
			return fmt.Errorf("graph: apply patch: shunt_outside: unresolved patch outlet %v", s.To)
		}
	}

	localToTarget := make(map[int]int, len(p.Model.nodes))
	for _, n := range p.Model.nodes {
		if _, isTap := p.tapped[n.ID]; isTap {
			continue
		}
		newInputs := make([]OutletId, len(n.Inputs))
		for i, in := range n.Inputs {
			newInputs[i] = p.resolve(in, localToTarget)
		}
		newID, err := target.AddNode(uniqueName(target, n.Name), n.Op, newInputs, n.Outputs)
		if err != nil {
			return err
		}
		localToTarget[n.ID] = newID
	}

	for _, s := range p.shunts {
		target.redirectConsumers(s.From, p.resolve(s.To, localToTarget))
	}
	return nil
}

// SingleUnaryOp builds a patch that replaces a 1-input/1-output node with
// op, fed by the node's current input and producing the node's current
// output fact.
func SingleUnaryOp(model *Model, node *Node, op Operator) (*ModelPatch, error) {
	if len(node.Inputs) != 1 || len(node.Outputs) != 1 {
		return nil, fmt.Errorf("graph: single_unary_op: node %q is not 1-in/1-out", node.Name)
	}
	patch := NewModelPatch()
	tapped, err := patch.TapModel(model, node.Inputs[0])
	if err != nil {
		return nil, err
	}
	out, err := patch.Chain(node.Name, op, []OutletId{tapped}, []Fact{node.Outputs[0]})
	if err != nil {
		return nil, err
	}
	patch.ShuntOutside(OutletId{Node: node.ID, Slot: 0}, OutletId{Node: out, Slot: 0})
	return patch, nil
}
