package ops

import (
	"fmt"

	"github.com/itohio/ngcore/pkg/graph"
	"github.com/itohio/ngcore/pkg/tensor"
)

// MatMulUnaryA multiplies a constant 2-D matrix A (outputChannels x inner)
// against a variable input whose last axis is the matching inner
// dimension, producing an output whose last axis is outputChannels and
// whose leading axes are carried through unchanged. This is the fast path
// ConvUnary.Codegen produces for a 1x1, unit-stride, ungrouped, unpadded,
// unbiased, NHWC/HWIO convolution, where A is the kernel reshaped to 2-D
// and the "leading axes" are the input's batch and spatial positions
// (already channel-last, so no repacking is needed).
type MatMulUnaryA struct {
	NodeName string
	A        tensor.Tensor
}

// NewMatMulUnaryA builds a MatMulUnaryA op. a must be a constant rank-2
// tensor (outputChannels, inner).
func NewMatMulUnaryA(name string, a tensor.Tensor) *MatMulUnaryA {
	return &MatMulUnaryA{NodeName: name, A: a}
}

func (op *MatMulUnaryA) Name() string                     { return op.NodeName }
func (op *MatMulUnaryA) NewState() (graph.OpState, error) { return nil, nil }

// Eval implements graph.StatelessOp.
func (op *MatMulUnaryA) Eval(inputs []tensor.Tensor) ([]tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ops: matmul_unary_a: expected 1 input, got %d", len(inputs))
	}
	in := inputs[0]
	if in.DataType() != tensor.DTFP32 {
		return nil, fmt.Errorf("ops: matmul_unary_a: unsupported dtype %s", in.DataType())
	}
	aShape := op.A.Shape()
	if aShape.Rank() != 2 {
		return nil, fmt.Errorf("ops: matmul_unary_a: A must be rank 2, got %v", aShape)
	}
	outputChannels, inner := aShape[0], aShape[1]

	inShape := in.Shape()
	if inShape.Rank() == 0 || inShape[inShape.Rank()-1] != inner {
		return nil, fmt.Errorf("ops: matmul_unary_a: input's last axis is %v, expected %d", inShape, inner)
	}
	positions := inShape.Size() / inner

	aData, err := op.A.Float32()
	if err != nil {
		return nil, err
	}
	inData, err := in.Float32()
	if err != nil {
		return nil, err
	}

	outShape := make(tensor.Shape, inShape.Rank())
	copy(outShape, inShape)
	outShape[len(outShape)-1] = outputChannels
	out := tensor.New(tensor.DTFP32, outShape)
	outData, err := out.Float32()
	if err != nil {
		return nil, err
	}

	for p := 0; p < positions; p++ {
		inRow := inData[p*inner : (p+1)*inner]
		outRow := outData[p*outputChannels : (p+1)*outputChannels]
		for o := 0; o < outputChannels; o++ {
			aRow := aData[o*inner : (o+1)*inner]
			var sum float32
			for i := 0; i < inner; i++ {
				sum += aRow[i] * inRow[i]
			}
			outRow[o] = sum
		}
	}

	return []tensor.Tensor{out.Shared()}, nil
}
