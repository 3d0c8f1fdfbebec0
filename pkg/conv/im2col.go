package conv

import (
	"fmt"

	"github.com/itohio/ngcore/pkg/conv/patch"
	"github.com/itohio/ngcore/pkg/graph"
	"github.com/itohio/ngcore/pkg/linalg"
	"github.com/itohio/ngcore/pkg/tensor"
)

// Im2Col materializes the implicit column matrix for one convolution's
// input, out-of-bounds taps (from non-Valid padding) reading as zero, and
// packs it directly into the micro-kernel's B-panel layout.
type Im2Col struct {
	NodeName      string
	Patch         *patch.Patch
	Group         int
	InputChannels int
	MatMul        *linalg.MatMul
}

// NewIm2Col builds an Im2Col op. matMul must have been obtained from
// linalg.PackedMatMul(m, k, n) with k = (inputChannels/group)*taps and n
// equal to the number of output spatial positions.
func NewIm2Col(name string, p *patch.Patch, group, inputChannels int, matMul *linalg.MatMul) *Im2Col {
	return &Im2Col{NodeName: name, Patch: p, Group: group, InputChannels: inputChannels, MatMul: matMul}
}

func (op *Im2Col) Name() string                     { return op.NodeName }
func (op *Im2Col) NewState() (graph.OpState, error) { return nil, nil }

// Eval implements graph.StatelessOp.
func (op *Im2Col) Eval(inputs []tensor.Tensor) ([]tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("conv: im2col: expected 1 input, got %d", len(inputs))
	}
	in := inputs[0]
	if in.DataType() != tensor.DTFP32 {
		return nil, fmt.Errorf("conv: im2col: unsupported dtype %s", in.DataType())
	}
	shape := in.Shape()
	if !shape.Equal(tensor.NewShape(op.Patch.InputShape...)) {
		return nil, fmt.Errorf("conv: im2col: input shape %v does not match patch's expected shape %v", shape, op.Patch.InputShape)
	}
	data, err := in.Float32()
	if err != nil {
		return nil, err
	}
	strides := in.Strides()

	spatialRank := op.Patch.SpatialRank()
	perGroupChannels := op.InputChannels / op.Group
	taps := len(op.Patch.DataField)
	k := perGroupChannels * taps
	n := 1
	for _, s := range op.Patch.OutputSpatial {
		n *= s
	}
	batch := shape[op.Patch.BatchAxis()]
	batchStride := strides[op.Patch.BatchAxis()]
	channelStride := strides[op.Patch.ChannelAxis()]

	packedLen := op.MatMul.PackedBLen()
	out := tensor.New(tensor.DTFP32, tensor.NewShape(batch, op.Group, packedLen))
	outData, err := out.Float32()
	if err != nil {
		return nil, err
	}

	column := make([]float32, k*n)
	for b := 0; b < batch; b++ {
		for g := 0; g < op.Group; g++ {
			groupChannelBase := g * perGroupChannels
			for c := 0; c < perGroupChannels; c++ {
				channelBase := b*batchStride + (groupChannelBase+c)*channelStride
				for t := 0; t < taps; t++ {
					tapCoord := coordOf(t, op.Patch.Kernel)
					row := c*taps + t
					for j := 0; j < n; j++ {
						posCoord := coordOf(j, op.Patch.OutputSpatial)
						valid := true
						offset := 0
						for d := 0; d < spatialRank; d++ {
							coord := posCoord[d]*op.Patch.Strides[d] - op.Patch.Before[d] + tapCoord[d]*op.Patch.Dilations[d]
							axisSize := op.Patch.InputShape[op.Patch.SpatialAxis(d)]
							if coord < 0 || coord >= axisSize {
								valid = false
								break
							}
							offset += coord * op.Patch.InputSpatialStrides[d]
						}
						var v float32
						if valid {
							v = data[channelBase+offset]
						}
						column[row*n+j] = v
					}
				}
			}
			dst := outData[(b*op.Group+g)*packedLen : (b*op.Group+g+1)*packedLen]
			op.MatMul.PackB(dst, column, n, 1)
		}
	}

	return []tensor.Tensor{out.Shared()}, nil
}
