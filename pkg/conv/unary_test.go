package conv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/ngcore/pkg/conv/patch"
	"github.com/itohio/ngcore/pkg/graph"
	"github.com/itohio/ngcore/pkg/graph/plan"
	"github.com/itohio/ngcore/pkg/graph/state"
	"github.com/itohio/ngcore/pkg/ops"
	"github.com/itohio/ngcore/pkg/tensor"
)

// buildAndRun wires Source -> convOp -> output, applies convOp's Codegen (if
// it fires), builds a plan and runs it once against input, returning the
// sole output tensor and which operator type the conv node ended up as.
func buildAndRun(t *testing.T, convOp *ConvUnary, outFact graph.Fact, input tensor.Tensor) (tensor.Tensor, graph.Operator) {
	t.Helper()
	m := graph.NewModel()
	srcID, err := m.AddNode("input", ops.NewSource("input"), nil, []graph.Fact{{Shape: input.Shape(), DataType: tensor.DTFP32}})
	require.NoError(t, err)
	convID, err := m.AddNode("conv", convOp, []graph.OutletId{{Node: srcID, Slot: 0}}, []graph.Fact{outFact})
	require.NoError(t, err)
	m.SetInputs([]int{srcID})
	m.SetOutputs([]graph.OutletId{{Node: convID, Slot: 0}})

	node := m.Node(convID)
	if cg, ok := node.Op.(graph.Codegenerator); ok {
		p, err := cg.Codegen(m, node)
		require.NoError(t, err)
		if p != nil {
			require.NoError(t, p.ApplyTo(m))
		}
	}

	pl, err := plan.Build(m)
	require.NoError(t, err)
	st, err := state.New(pl)
	require.NoError(t, err)
	require.NoError(t, st.SetInputs([]tensor.Tensor{input}))
	outs, err := st.Run()
	require.NoError(t, err)
	require.Len(t, outs, 1)

	// The conv node's replacement (if any) is whatever now feeds the sole
	// model output.
	finalOutlet := m.Outputs()[0]
	return outs[0], m.Node(finalOutlet.Node).Op
}

// S1: identity 1x1 conv, NHWC/HWIO, kernel=1 per channel, no bias -> codegen
// rewrites to MatMulUnaryA, output equals input.
func TestS1_Identity1x1Conv_CodegensToMatMulUnaryA(t *testing.T) {
	kernel := tensor.FromFloat32(tensor.NewShape(1, 1, 1, 1), []float32{1})
	convOp := &ConvUnary{
		NodeName:        "conv",
		DataFormat:      patch.NHWC,
		KernelFormat:    patch.HWIO,
		Padding:         patch.Padding{Kind: patch.Valid},
		Dilations:       []int{1, 1},
		Strides:         []int{1, 1},
		Kernel:          kernel,
		Group:           1,
		FullInputShape:  []int{1, 2, 2, 1},
		FullOutputShape: []int{1, 2, 2, 1},
	}
	input := tensor.FromFloat32(tensor.NewShape(1, 2, 2, 1), []float32{1, 2, 3, 4})
	outFact := graph.Fact{Shape: tensor.NewShape(1, 2, 2, 1), DataType: tensor.DTFP32}

	out, op := buildAndRun(t, convOp, outFact, input)
	_, isMatMul := op.(*ops.MatMulUnaryA)
	assert.True(t, isMatMul, "expected codegen to pick MatMulUnaryA, got %T", op)

	got, err := out.Float32()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, got)
}

// S2: Valid 3x3 conv over an all-ones 5x5 NCHW input with an all-ones kernel
// -> codegen rewrites to Direct, every output element equals 9.
func TestS2_Valid3x3AllOnes_CodegensToDirect(t *testing.T) {
	kernel := tensor.FromFloat32(tensor.NewShape(1, 1, 3, 3), ones(9))
	convOp := &ConvUnary{
		NodeName:        "conv",
		DataFormat:      patch.NCHW,
		KernelFormat:    patch.OIHW,
		Padding:         patch.Padding{Kind: patch.Valid},
		Dilations:       []int{1, 1},
		Strides:         []int{1, 1},
		Kernel:          kernel,
		Group:           1,
		FullInputShape:  []int{1, 1, 5, 5},
		FullOutputShape: []int{1, 1, 3, 3},
	}
	input := tensor.FromFloat32(tensor.NewShape(1, 1, 5, 5), ones(25))
	outFact := graph.Fact{Shape: tensor.NewShape(1, 1, 3, 3), DataType: tensor.DTFP32}

	out, op := buildAndRun(t, convOp, outFact, input)
	_, isDirect := op.(*Direct)
	assert.True(t, isDirect, "expected codegen to pick Direct, got %T", op)

	got, err := out.Float32()
	require.NoError(t, err)
	for _, v := range got {
		assert.Equal(t, float32(9), v)
	}
}

// S3: Same-padded 3x3 conv over the same input -> codegen falls back to
// Im2Col+ConvGemm; corner outputs 4, edge outputs 6, interior 9.
func TestS3_SamePadded3x3_CodegensToIm2colConvGemm(t *testing.T) {
	kernel := tensor.FromFloat32(tensor.NewShape(1, 1, 3, 3), ones(9))
	convOp := &ConvUnary{
		NodeName:        "conv",
		DataFormat:      patch.NCHW,
		KernelFormat:    patch.OIHW,
		Padding:         patch.Padding{Kind: patch.SameUpper},
		Dilations:       []int{1, 1},
		Strides:         []int{1, 1},
		Kernel:          kernel,
		Group:           1,
		FullInputShape:  []int{1, 1, 5, 5},
		FullOutputShape: []int{1, 1, 5, 5},
	}
	input := tensor.FromFloat32(tensor.NewShape(1, 1, 5, 5), ones(25))
	outFact := graph.Fact{Shape: tensor.NewShape(1, 1, 5, 5), DataType: tensor.DTFP32}

	out, op := buildAndRun(t, convOp, outFact, input)
	_, isConvGemm := op.(*ConvGemm)
	assert.True(t, isConvGemm, "expected codegen to pick ConvGemm, got %T", op)

	got, err := out.Float32()
	require.NoError(t, err)
	// Row-major 5x5: corners 4, edges (non-corner border) 6, interior 9.
	expected := []float32{
		4, 6, 6, 6, 4,
		6, 9, 9, 9, 6,
		6, 9, 9, 9, 6,
		6, 9, 9, 9, 6,
		4, 6, 6, 6, 4,
	}
	assert.Equal(t, expected, got)
}

// When the Direct preconditions hold, its output must equal the
// Im2Col+ConvGemm output exactly, not merely within tolerance.
func TestDirectPath_EqualsIm2colPathExactly(t *testing.T) {
	newConv := func(directDisabled bool) *ConvUnary {
		return &ConvUnary{
			NodeName:        "conv",
			DataFormat:      patch.NCHW,
			KernelFormat:    patch.OIHW,
			Padding:         patch.Padding{Kind: patch.Valid},
			Dilations:       []int{1, 1},
			Strides:         []int{1, 1},
			Kernel:          tensor.FromFloat32(tensor.NewShape(1, 1, 3, 3), []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}),
			Group:           1,
			FullInputShape:  []int{1, 1, 5, 5},
			FullOutputShape: []int{1, 1, 3, 3},
			DirectDisabled:  directDisabled,
		}
	}
	data := make([]float32, 25)
	for i := range data {
		data[i] = float32(i + 1)
	}
	outFact := graph.Fact{Shape: tensor.NewShape(1, 1, 3, 3), DataType: tensor.DTFP32}

	directOut, directOp := buildAndRun(t, newConv(false), outFact, tensor.FromFloat32(tensor.NewShape(1, 1, 5, 5), data))
	_, isDirect := directOp.(*Direct)
	require.True(t, isDirect, "expected the default path to be Direct, got %T", directOp)

	gemmOut, gemmOp := buildAndRun(t, newConv(true), outFact, tensor.FromFloat32(tensor.NewShape(1, 1, 5, 5), data))
	_, isConvGemm := gemmOp.(*ConvGemm)
	require.True(t, isConvGemm, "expected the disabled path to be ConvGemm, got %T", gemmOp)

	want, err := gemmOut.Float32()
	require.NoError(t, err)
	got, err := directOut.Float32()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

// S4: grouped conv (group=2, 4 in/out channels, 1x1 kernel) -- output
// channels 0-1 must depend only on input channels 0-1, and 2-3 only on 2-3.
func TestS4_GroupedConv_IsolatesGroups(t *testing.T) {
	runWithInput := func(in []float32) []float32 {
		kernel := tensor.FromFloat32(tensor.NewShape(4, 2, 1, 1), ones(8))
		convOp := &ConvUnary{
			NodeName:        "conv",
			DataFormat:      patch.NCHW,
			KernelFormat:    patch.OIHW,
			Padding:         patch.Padding{Kind: patch.Valid},
			Dilations:       []int{1, 1},
			Strides:         []int{1, 1},
			Kernel:          kernel,
			Group:           2,
			FullInputShape:  []int{1, 4, 1, 1},
			FullOutputShape: []int{1, 4, 1, 1},
		}
		input := tensor.FromFloat32(tensor.NewShape(1, 4, 1, 1), in)
		outFact := graph.Fact{Shape: tensor.NewShape(1, 4, 1, 1), DataType: tensor.DTFP32}
		out, op := buildAndRun(t, convOp, outFact, input)
		_, isConvGemm := op.(*ConvGemm)
		assert.True(t, isConvGemm, "expected codegen to pick ConvGemm, got %T", op)
		got, err := out.Float32()
		require.NoError(t, err)
		return got
	}

	base := runWithInput([]float32{1, 2, 3, 4})
	changedGroup1 := runWithInput([]float32{1, 2, 30, 40})
	changedGroup0 := runWithInput([]float32{10, 20, 3, 4})

	// Changing group-1 inputs (channels 2,3) must not move group-0 outputs.
	assert.Equal(t, base[0:2], changedGroup1[0:2])
	// Changing group-0 inputs (channels 0,1) must not move group-1 outputs.
	assert.Equal(t, base[2:4], changedGroup0[2:4])
	// But it must move the group it actually belongs to.
	assert.NotEqual(t, base[2:4], changedGroup1[2:4])
	assert.NotEqual(t, base[0:2], changedGroup0[0:2])
}

// S6: a ConvUnary sandwiched between AddDims(axis)/RmDims(axis) with a
// size-1 kernel on that axis declutters to a single reduced-rank ConvUnary.
func TestS6_Declutter_CollapsesAddRmDimsSandwich(t *testing.T) {
	kernel := tensor.FromFloat32(tensor.NewShape(1, 1, 1, 3), ones(3))
	convOp := &ConvUnary{
		NodeName:        "conv",
		DataFormat:      patch.NCHW,
		KernelFormat:    patch.OIHW,
		Padding:         patch.Padding{Kind: patch.Valid},
		Dilations:       []int{1, 1},
		Strides:         []int{1, 1},
		Kernel:          kernel,
		Group:           1,
		FullInputShape:  []int{1, 1, 1, 5},
		FullOutputShape: []int{1, 1, 1, 3},
	}

	m := graph.NewModel()
	srcID, err := m.AddNode("input", ops.NewSource("input"), nil, []graph.Fact{{Shape: tensor.NewShape(1, 1, 5), DataType: tensor.DTFP32}})
	require.NoError(t, err)
	addID, err := m.AddNode("add", ops.NewAddDims("add", []int{2}), []graph.OutletId{{Node: srcID, Slot: 0}}, []graph.Fact{{Shape: tensor.NewShape(1, 1, 1, 5), DataType: tensor.DTFP32}})
	require.NoError(t, err)
	convID, err := m.AddNode("conv", convOp, []graph.OutletId{{Node: addID, Slot: 0}}, []graph.Fact{{Shape: tensor.NewShape(1, 1, 1, 3), DataType: tensor.DTFP32}})
	require.NoError(t, err)
	rmID, err := m.AddNode("rm", ops.NewRmDims("rm", []int{2}), []graph.OutletId{{Node: convID, Slot: 0}}, []graph.Fact{{Shape: tensor.NewShape(1, 1, 3), DataType: tensor.DTFP32}})
	require.NoError(t, err)
	m.SetInputs([]int{srcID})
	m.SetOutputs([]graph.OutletId{{Node: rmID, Slot: 0}})

	node := m.Node(convID)
	p, err := convOp.Declutter(m, node)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NoError(t, p.ApplyTo(m))

	finalOutlet := m.Outputs()[0]
	reduced, ok := m.Node(finalOutlet.Node).Op.(*ConvUnary)
	require.True(t, ok, "expected the spliced node to be a reduced ConvUnary")
	assert.Equal(t, []int{1, 1, 5}, reduced.FullInputShape)
	assert.Equal(t, []int{1, 1, 3}, reduced.FullOutputShape)
	assert.True(t, reduced.Kernel.Shape().Equal(tensor.NewShape(1, 1, 3)))
}

func TestRmDummyAxis_OnlyFiresUnderAllPreconditions(t *testing.T) {
	kernel := tensor.FromFloat32(tensor.NewShape(1, 1, 1, 3), ones(3))
	base := &ConvUnary{
		NodeName:        "conv",
		DataFormat:      patch.NCHW,
		KernelFormat:    patch.OIHW,
		Padding:         patch.Padding{Kind: patch.Valid},
		Dilations:       []int{1, 1},
		Strides:         []int{1, 1},
		Kernel:          kernel,
		Group:           1,
		FullInputShape:  []int{1, 1, 1, 5},
		FullOutputShape: []int{1, 1, 1, 3},
	}
	_, ok := base.rmDummyAxis(2)
	assert.True(t, ok)

	strided := *base
	strided.Strides = []int{2, 1}
	_, ok = strided.rmDummyAxis(2)
	assert.False(t, ok, "non-unit stride on the axis must block rm_dummy_axis")

	dilated := *base
	dilated.Dilations = []int{2, 1}
	_, ok = dilated.rmDummyAxis(2)
	assert.False(t, ok, "non-unit dilation on the axis must block rm_dummy_axis")

	padded := *base
	padded.Padding = patch.Padding{Kind: patch.Explicit, Before: []int{1, 0}, After: []int{0, 0}}
	_, ok = padded.rmDummyAxis(2)
	assert.False(t, ok, "non-Valid padding on the axis must block rm_dummy_axis")

	_, ok = base.rmDummyAxis(1)
	assert.False(t, ok, "the channel axis is never spatial, must block rm_dummy_axis")
}

func ones(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
