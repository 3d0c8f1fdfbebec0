package ops

import (
	"fmt"

	"github.com/itohio/ngcore/pkg/graph"
	"github.com/itohio/ngcore/pkg/tensor"
)

// AddDims inserts a length-1 axis at each position in Axes (ascending,
// positions given in the *output* rank). ConvUnary.Declutter matches an
// AddDims -> ConvUnary -> RmDims sandwich on one axis and collapses it
// into a single reduced-rank ConvUnary.
type AddDims struct {
	NodeName string
	Axes     []int
}

func NewAddDims(name string, axes []int) *AddDims {
	return &AddDims{NodeName: name, Axes: append([]int(nil), axes...)}
}

func (op *AddDims) Name() string                     { return op.NodeName }
func (op *AddDims) NewState() (graph.OpState, error) { return nil, nil }

func (op *AddDims) Eval(inputs []tensor.Tensor) ([]tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ops: add_dims: expected 1 input, got %d", len(inputs))
	}
	in := inputs[0]
	shape := in.Shape()
	inserted := make(map[int]bool, len(op.Axes))
	for _, a := range op.Axes {
		inserted[a] = true
	}
	newShape := make(tensor.Shape, 0, len(shape)+len(op.Axes))
	src := 0
	for pos := 0; len(newShape) < len(shape)+len(op.Axes); pos++ {
		if inserted[pos] {
			newShape = append(newShape, 1)
			continue
		}
		newShape = append(newShape, shape[src])
		src++
	}
	out, err := in.Reshape(newShape)
	if err != nil {
		return nil, fmt.Errorf("ops: add_dims: %w", err)
	}
	return []tensor.Tensor{out}, nil
}

// RmDims removes the length-1 axes named in Axes. Fails if any named axis
// does not actually have size 1.
type RmDims struct {
	NodeName string
	Axes     []int
}

func NewRmDims(name string, axes []int) *RmDims {
	return &RmDims{NodeName: name, Axes: append([]int(nil), axes...)}
}

func (op *RmDims) Name() string                     { return op.NodeName }
func (op *RmDims) NewState() (graph.OpState, error) { return nil, nil }

func (op *RmDims) Eval(inputs []tensor.Tensor) ([]tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ops: rm_dims: expected 1 input, got %d", len(inputs))
	}
	in := inputs[0]
	shape := in.Shape()
	removed := make(map[int]bool, len(op.Axes))
	for _, a := range op.Axes {
		removed[a] = true
	}
	newShape := make(tensor.Shape, 0, len(shape)-len(op.Axes))
	for i, d := range shape {
		if removed[i] {
			if d != 1 {
				return nil, fmt.Errorf("ops: rm_dims: axis %d has size %d, not 1", i, d)
			}
			continue
		}
		newShape = append(newShape, d)
	}
	out, err := in.Reshape(newShape)
	if err != nil {
		return nil, fmt.Errorf("ops: rm_dims: %w", err)
	}
	return []tensor.Tensor{out}, nil
}
