package conv

import (
	"fmt"

	"github.com/itohio/ngcore/pkg/conv/pack"
	"github.com/itohio/ngcore/pkg/conv/patch"
	"github.com/itohio/ngcore/pkg/graph"
	"github.com/itohio/ngcore/pkg/linalg"
	"github.com/itohio/ngcore/pkg/tensor"
)

// Direct dispatches the micro-kernel library's sliding-window convolution
// kernel straight against a packed kernel and raw input, skipping im2col
// materialization. Valid only when padding is strictly Valid on every
// spatial axis, group is 1, bias is absent, and dtype is f32 -- the
// preconditions ConvUnary.Codegen checks before building one.
type Direct struct {
	NodeName       string
	Patch          *patch.Patch
	OutputChannels int
	Kernel         *linalg.ConvKernel
	PackedA        []float32
}

// NewDirect builds a Direct op from a resolved patch, a 2-D
// (outputChannels, inner) kernel view and the input channel count.
// Only group 1 is handled and Patch carries no group count, so the caller
// must enforce that codegen precondition.
func NewDirect(name string, p *patch.Patch, inputChannels, outputChannels int, kernel2D tensor.Tensor) (*Direct, error) {
	for d := 0; d < p.SpatialRank(); d++ {
		if !p.ValidDim(d) {
			return nil, fmt.Errorf("conv: new_direct: axis %d is not Valid-padded", d)
		}
	}

	taps := len(p.DataField)
	channelStride := rowMajorStride(p.InputShape, p.ChannelAxis())

	kernelOffsets := make([]int, 0, inputChannels*taps)
	for c := 0; c < inputChannels; c++ {
		for _, off := range p.DataField {
			kernelOffsets = append(kernelOffsets, c*channelStride+off)
		}
	}

	positions := 1
	for _, s := range p.OutputSpatial {
		positions *= s
	}
	dataOffsets := make([]int, positions)
	for j := 0; j < positions; j++ {
		coord := coordOf(j, p.OutputSpatial)
		offset := 0
		for d := 0; d < p.SpatialRank(); d++ {
			offset += coord[d] * p.Strides[d] * p.InputSpatialStrides[d]
		}
		dataOffsets[j] = offset
	}

	kernel := linalg.SConv(outputChannels, kernelOffsets, dataOffsets)

	data, rowStride, colStride, err := pack.Float32View2D(kernel2D)
	if err != nil {
		return nil, err
	}
	packedA := make([]float32, kernel.PackedALen())
	kernel.PackA(packedA, data, rowStride, colStride)

	return &Direct{NodeName: name, Patch: p, OutputChannels: outputChannels, Kernel: kernel, PackedA: packedA}, nil
}

func (op *Direct) Name() string                     { return op.NodeName }
func (op *Direct) NewState() (graph.OpState, error) { return nil, nil }

// Eval implements graph.StatelessOp.
func (op *Direct) Eval(inputs []tensor.Tensor) ([]tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("conv: direct: expected 1 input, got %d", len(inputs))
	}
	in := inputs[0]
	if in.DataType() != tensor.DTFP32 {
		return nil, fmt.Errorf("conv: direct: unsupported dtype %s", in.DataType())
	}
	shape := in.Shape()
	if !shape.Equal(tensor.NewShape(op.Patch.InputShape...)) {
		return nil, fmt.Errorf("conv: direct: input shape %v does not match patch's expected shape %v", shape, op.Patch.InputShape)
	}
	data, err := in.Float32()
	if err != nil {
		return nil, err
	}
	strides := in.Strides()
	batch := shape[op.Patch.BatchAxis()]
	batchStride := strides[op.Patch.BatchAxis()]

	positions := len(op.Kernel.DataOffsets)
	outShape := op.Patch.OutputShape(batch, op.OutputChannels)
	out := tensor.New(tensor.DTFP32, tensor.NewShape(outShape...))
	outData, err := out.Float32()
	if err != nil {
		return nil, err
	}
	outStrides := out.Strides()
	channelStride := outStrides[op.Patch.ChannelAxis()]
	posStride := outStrides[op.Patch.SpatialAxis(op.Patch.SpatialRank()-1)]
	outBatchStride := outStrides[op.Patch.BatchAxis()]

	slab := make([]float32, op.OutputChannels*positions)
	for b := 0; b < batch; b++ {
		if err := op.Kernel.Run(slab, op.PackedA, data, b*batchStride); err != nil {
			return nil, fmt.Errorf("conv: direct: %w", err)
		}
		outBase := b * outBatchStride
		for c := 0; c < op.OutputChannels; c++ {
			row := slab[c*positions : c*positions+positions]
			dstBase := outBase + c*channelStride
			for p := 0; p < positions; p++ {
				outData[dstBase+p*posStride] = row[p]
			}
		}
	}
	return []tensor.Tensor{out.Shared()}, nil
}

// coordOf decodes a row-major linear index into a multi-axis coordinate
// for the given shape.
func coordOf(linear int, shape []int) []int {
	rank := len(shape)
	coord := make([]int, rank)
	for d := rank - 1; d >= 0; d-- {
		coord[d] = linear % shape[d]
		linear /= shape[d]
	}
	return coord
}

// rowMajorStride returns the element stride of axis in a row-major tensor
// of the given shape.
func rowMajorStride(shape []int, axis int) int {
	stride := 1
	for i := axis + 1; i < len(shape); i++ {
		stride *= shape[i]
	}
	return stride
}
