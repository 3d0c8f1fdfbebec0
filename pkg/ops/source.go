// Package ops holds the small graph-level operators the executor and the
// convolution rewrites splice around ConvUnary: the model-input
// placeholder, axis squeeze/unsqueeze used by declutter, the streaming
// buffer pulsify inserts, and the plain constant-times-input matmul
// codegen's 1x1-conv fast path produces.
package ops

import (
	"fmt"

	"github.com/itohio/ngcore/pkg/graph"
	"github.com/itohio/ngcore/pkg/tensor"
)

// Source is the model-input placeholder operator. It has no inputs; the
// executor injects its value directly via State.SetInput/SetInputs and
// never calls Eval on it during a normal run.
type Source struct {
	NodeName string
}

func NewSource(name string) *Source { return &Source{NodeName: name} }

func (op *Source) Name() string                     { return op.NodeName }
func (op *Source) NewState() (graph.OpState, error) { return nil, nil }

// Eval exists only to satisfy graph.StatelessOp; reaching it is a
// programming error (the value should already have been injected).
func (op *Source) Eval(_ []tensor.Tensor) ([]tensor.Tensor, error) {
	return nil, fmt.Errorf("ops: source %q has no evaluation; its value must be injected before run", op.NodeName)
}
