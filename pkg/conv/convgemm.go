package conv

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/itohio/ngcore/pkg/conv/pack"
	"github.com/itohio/ngcore/pkg/conv/patch"
	"github.com/itohio/ngcore/pkg/graph"
	"github.com/itohio/ngcore/pkg/linalg"
	"github.com/itohio/ngcore/pkg/tensor"
)

// ConvGemm runs a per-group packed GEMM of the packed kernel against the
// packed columns Im2Col produced, adds the optional bias, and writes the
// result in the target data layout.
type ConvGemm struct {
	NodeName       string
	Patch          *patch.Patch
	OutputChannels int
	Group          int
	MatMul         *linalg.MatMul
	// PackedA holds one packed kernel panel per group.
	PackedA [][]float32
	// Bias, if non-nil, holds one value per output channel, added with
	// broadcast along the channel axis.
	Bias *tensor.Tensor
}

// NewConvGemm builds a ConvGemm op: it packs kernel2D's output-channel
// axis into group-sized bands and packs each through matMul.
func NewConvGemm(name string, p *patch.Patch, outputChannels, group int, matMul *linalg.MatMul, kernel2D tensor.Tensor, bias *tensor.Tensor) (*ConvGemm, error) {
	data, rowStride, colStride, err := pack.Float32View2D(kernel2D)
	if err != nil {
		return nil, err
	}
	packedA := make([][]float32, group)
	for g := 0; g < group; g++ {
		rowStart, rowCount, err := pack.GroupBand(outputChannels, group, g)
		if err != nil {
			return nil, err
		}
		if rowCount != matMul.M {
			return nil, fmt.Errorf("conv: new_convgemm: group %d has %d output channels, matmul expects m=%d", g, rowCount, matMul.M)
		}
		buf := make([]float32, matMul.PackedALen())
		matMul.PackA(buf, data[rowStart*rowStride:], rowStride, colStride)
		packedA[g] = buf
	}
	return &ConvGemm{
		NodeName:       name,
		Patch:          p,
		OutputChannels: outputChannels,
		Group:          group,
		MatMul:         matMul,
		PackedA:        packedA,
		Bias:           bias,
	}, nil
}

func (op *ConvGemm) Name() string                     { return op.NodeName }
func (op *ConvGemm) NewState() (graph.OpState, error) { return nil, nil }

// Eval implements graph.StatelessOp. Its single input is Im2Col's packed-B
// output, shaped (batch, group, packedBLen).
func (op *ConvGemm) Eval(inputs []tensor.Tensor) ([]tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("conv: convgemm: expected 1 input, got %d", len(inputs))
	}
	b := inputs[0]
	if b.DataType() != tensor.DTFP32 {
		return nil, fmt.Errorf("conv: convgemm: unsupported dtype %s", b.DataType())
	}
	bShape := b.Shape()
	if bShape.Rank() != 3 || bShape[1] != op.Group {
		return nil, fmt.Errorf("conv: convgemm: expected packed-B shape (batch, %d, packed_len), got %v", op.Group, bShape)
	}
	bData, err := b.Float32()
	if err != nil {
		return nil, err
	}
	batch := bShape[0]
	packedLen := bShape[2]

	outputsPerGroup := op.OutputChannels / op.Group
	positions := op.MatMul.N

	outShape := op.Patch.OutputShape(batch, op.OutputChannels)
	out := tensor.New(tensor.DTFP32, tensor.NewShape(outShape...))
	outData, err := out.Float32()
	if err != nil {
		return nil, err
	}
	outStrides := out.Strides()
	channelStride := outStrides[op.Patch.ChannelAxis()]
	posStride := outStrides[op.Patch.SpatialAxis(op.Patch.SpatialRank()-1)]
	batchStride := outStrides[op.Patch.BatchAxis()]

	for sample := 0; sample < batch; sample++ {
		for g := 0; g < op.Group; g++ {
			bSlice := bData[(sample*op.Group+g)*packedLen : (sample*op.Group+g+1)*packedLen]
			base := sample*batchStride + g*outputsPerGroup*channelStride
			if err := op.MatMul.Run(op.PackedA[g], bSlice, outData[base:], channelStride, posStride); err != nil {
				return nil, fmt.Errorf("conv: convgemm: group %d: %w", g, err)
			}
		}
	}

	if op.Bias != nil {
		biasData, err := op.Bias.Float32()
		if err != nil {
			return nil, fmt.Errorf("conv: convgemm: bias: %w", err)
		}
		if len(biasData) != op.OutputChannels {
			return nil, fmt.Errorf("conv: convgemm: bias has %d elements, want %d output channels", len(biasData), op.OutputChannels)
		}
		for c, bv := range biasData {
			if math32.IsNaN(bv) || math32.IsInf(bv, 0) {
				return nil, fmt.Errorf("conv: convgemm: bias channel %d is not finite: %v", c, bv)
			}
		}
		for sample := 0; sample < batch; sample++ {
			for c := 0; c < op.OutputChannels; c++ {
				base := sample*batchStride + c*channelStride
				bv := biasData[c]
				for p := 0; p < positions; p++ {
					outData[base+p*posStride] += bv
				}
			}
		}
	}

	return []tensor.Tensor{out.Shared()}, nil
}
