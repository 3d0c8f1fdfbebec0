// Command ngcore-run builds a small synthetic convolution model, lowers it
// via ConvUnary.Codegen, runs it once, and prints the output shape. It
// exists to give the engine a runnable demo surface.
package main

import (
	"flag"
	"fmt"

	"github.com/itohio/ngcore/pkg/config"
	"github.com/itohio/ngcore/pkg/conv"
	"github.com/itohio/ngcore/pkg/conv/patch"
	"github.com/itohio/ngcore/pkg/graph"
	"github.com/itohio/ngcore/pkg/graph/plan"
	"github.com/itohio/ngcore/pkg/graph/state"
	"github.com/itohio/ngcore/pkg/logger"
	"github.com/itohio/ngcore/pkg/ops"
	"github.com/itohio/ngcore/pkg/tensor"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML runtime config (optional)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			panic(err)
		}
	}

	model, err := buildModel(cfg)
	if err != nil {
		panic(err)
	}

	if err := lower(model); err != nil {
		panic(err)
	}

	p, err := plan.Build(model)
	if err != nil {
		panic(err)
	}
	st, err := state.New(p)
	if err != nil {
		panic(err)
	}

	input := tensor.FromFloat32(tensor.NewShape(1, 1, 5, 5), ones(25))
	if err := st.SetInputs([]tensor.Tensor{input}); err != nil {
		panic(err)
	}
	outputs, err := st.Run()
	if err != nil {
		panic(err)
	}

	for i, out := range outputs {
		fmt.Printf("output[%d]: shape=%v dtype=%s\n", i, out.Shape(), out.DataType())
	}
}

// buildModel wires Source -> ConvUnary -> (model output): a 3x3 Valid
// convolution over a single-channel 5x5 NCHW input with an all-ones
// kernel, which Codegen lowers to the Direct fast path.
func buildModel(cfg config.Config) (*graph.Model, error) {
	df, err := cfg.DataFormat()
	if err != nil {
		return nil, err
	}
	kf, err := cfg.KernelFormat()
	if err != nil {
		return nil, err
	}

	m := graph.NewModel()
	inputShape := tensor.NewShape(1, 1, 5, 5)
	srcID, err := m.AddNode("input", ops.NewSource("input"), nil, []graph.Fact{{Shape: inputShape, DataType: tensor.DTFP32}})
	if err != nil {
		return nil, err
	}

	kernel := tensor.FromFloat32(tensor.NewShape(1, 1, 3, 3), ones(9))
	convOp := &conv.ConvUnary{
		NodeName:        "conv",
		DataFormat:      df,
		KernelFormat:    kf,
		Padding:         patch.Padding{Kind: patch.Valid},
		Dilations:       []int{1, 1},
		Strides:         []int{1, 1},
		Kernel:          kernel,
		Group:           1,
		FullInputShape:  []int{1, 1, 5, 5},
		FullOutputShape: []int{1, 1, 3, 3},
		DirectDisabled:  !cfg.DirectConvEnabled,
	}
	convID, err := m.AddNode("conv", convOp, []graph.OutletId{{Node: srcID, Slot: 0}}, []graph.Fact{{Shape: tensor.NewShape(1, 1, 3, 3), DataType: tensor.DTFP32}})
	if err != nil {
		return nil, err
	}

	m.SetInputs([]int{srcID})
	m.SetOutputs([]graph.OutletId{{Node: convID, Slot: 0}})
	return m, nil
}

// lower calls Codegen once on every node that offers it. A codegen'd node
// is left in place (splicing only redirects its consumers), so each node
// id is only ever tried once -- otherwise a stale, now-unreferenced
// ConvUnary would keep re-lowering itself forever.
func lower(m *graph.Model) error {
	seen := map[int]bool{}
	for {
		var next *graph.Node
		for _, n := range m.Nodes() {
			if seen[n.ID] {
				continue
			}
			if _, ok := n.Op.(graph.Codegenerator); ok {
				next = n
				break
			}
			seen[n.ID] = true
		}
		if next == nil {
			return nil
		}
		seen[next.ID] = true

		cg := next.Op.(graph.Codegenerator)
		patchG, err := cg.Codegen(m, next)
		if err != nil {
			return err
		}
		if patchG == nil {
			continue
		}
		if err := patchG.ApplyTo(m); err != nil {
			return err
		}
		logger.Log.Info().Str("node", next.Name).Msg("lowered")
	}
}

func ones(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
