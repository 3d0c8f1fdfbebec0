package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/itohio/ngcore/pkg/tensor"
)

func TestSource_EvalIsAProgrammingError(t *testing.T) {
	op := NewSource("in")
	assert.Equal(t, "in", op.Name())

	state, err := op.NewState()
	assert.NoError(t, err)
	assert.Nil(t, state)

	_, err = op.Eval([]tensor.Tensor{tensor.FromFloat32(tensor.NewShape(1), []float32{1})})
	assert.Error(t, err)
}
