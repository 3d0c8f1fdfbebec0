package ops

import (
	"fmt"

	"github.com/itohio/ngcore/pkg/graph"
	"github.com/itohio/ngcore/pkg/tensor"
)

// Delay buffers the trailing Length positions of a streaming axis so a
// pulsed consumer sees overlap with the previous pulse it wouldn't
// otherwise have. ConvUnary.Pulsify inserts one ahead of every conv
// pulsified along a spatial axis.
type Delay struct {
	NodeName string
	Axis     int
	Length   int
}

// NewDelay builds a Delay op buffering length positions of axis.
func NewDelay(name string, axis, length int) *Delay {
	return &Delay{NodeName: name, Axis: axis, Length: length}
}

func (op *Delay) Name() string { return op.NodeName }

func (op *Delay) NewState() (graph.OpState, error) {
	return &delayState{axis: op.Axis, length: op.Length}, nil
}

// delayState holds the last Length positions (along Axis) seen so far;
// zero-filled until the first pulse arrives.
type delayState struct {
	axis, length int
	tail         tensor.Tensor
}

func (s *delayState) Clone() graph.OpState {
	c := &delayState{axis: s.axis, length: s.length}
	if s.tail.Valid() {
		c.tail = s.tail.Clone()
	}
	return c
}

// Eval implements graph.OpState: it prepends the buffered tail to the new
// pulse and keeps the new tail's last Length positions for next time.
func (s *delayState) Eval(_ *graph.SessionState, _ graph.Operator, inputs []tensor.Tensor) ([]tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ops: delay: expected 1 input, got %d", len(inputs))
	}
	in := inputs[0]
	if in.DataType() != tensor.DTFP32 {
		return nil, fmt.Errorf("ops: delay: unsupported dtype %s", in.DataType())
	}

	buffered := s.tail
	if !buffered.Valid() {
		zeroShape := in.Shape().Clone()
		if s.axis < 0 || s.axis >= len(zeroShape) {
			return nil, fmt.Errorf("ops: delay: axis %d out of range for shape %v", s.axis, in.Shape())
		}
		zeroShape[s.axis] = s.length
		buffered = tensor.New(tensor.DTFP32, zeroShape)
	}

	out, err := concatAxis(buffered, in, s.axis)
	if err != nil {
		return nil, fmt.Errorf("ops: delay: %w", err)
	}

	tail, err := sliceAxisTail(out, s.axis, s.length)
	if err != nil {
		return nil, fmt.Errorf("ops: delay: %w", err)
	}
	s.tail = tail

	return []tensor.Tensor{out.Shared()}, nil
}

// concatAxis joins a then b along axis; both must share every other
// dimension. Assumes row-major contiguous backing, which every tensor
// allocated by this package's tensor.New has.
func concatAxis(a, b tensor.Tensor, axis int) (tensor.Tensor, error) {
	as, bs := a.Shape(), b.Shape()
	if as.Rank() != bs.Rank() {
		return tensor.Tensor{}, fmt.Errorf("concat_axis: rank mismatch %v vs %v", as, bs)
	}
	for i := range as {
		if i != axis && as[i] != bs[i] {
			return tensor.Tensor{}, fmt.Errorf("concat_axis: shape mismatch at axis %d: %v vs %v", i, as, bs)
		}
	}
	outer, inner := outerInner(as, axis)
	aAxis, bAxis := as[axis], bs[axis]
	outAxis := aAxis + bAxis

	outShape := as.Clone()
	outShape[axis] = outAxis
	out := tensor.New(tensor.DTFP32, outShape)

	aData, err := a.Float32()
	if err != nil {
		return tensor.Tensor{}, err
	}
	bData, err := b.Float32()
	if err != nil {
		return tensor.Tensor{}, err
	}
	outData, err := out.Float32()
	if err != nil {
		return tensor.Tensor{}, err
	}

	for o := 0; o < outer; o++ {
		aBase := o * aAxis * inner
		bBase := o * bAxis * inner
		outBase := o * outAxis * inner
		copy(outData[outBase:outBase+aAxis*inner], aData[aBase:aBase+aAxis*inner])
		copy(outData[outBase+aAxis*inner:outBase+outAxis*inner], bData[bBase:bBase+bAxis*inner])
	}
	return out, nil
}

// sliceAxisTail extracts the last length positions of axis from t.
func sliceAxisTail(t tensor.Tensor, axis, length int) (tensor.Tensor, error) {
	shape := t.Shape()
	if length > shape[axis] {
		return tensor.Tensor{}, fmt.Errorf("slice_axis_tail: length %d exceeds axis %d size %d", length, axis, shape[axis])
	}
	outer, inner := outerInner(shape, axis)
	axisSize := shape[axis]
	start := axisSize - length

	outShape := shape.Clone()
	outShape[axis] = length
	out := tensor.New(tensor.DTFP32, outShape)

	data, err := t.Float32()
	if err != nil {
		return tensor.Tensor{}, err
	}
	outData, err := out.Float32()
	if err != nil {
		return tensor.Tensor{}, err
	}

	for o := 0; o < outer; o++ {
		srcBase := o*axisSize*inner + start*inner
		dstBase := o * length * inner
		copy(outData[dstBase:dstBase+length*inner], data[srcBase:srcBase+length*inner])
	}
	return out, nil
}

// outerInner returns the product of dims before axis and the product of
// dims after axis, for row-major linearization.
func outerInner(shape tensor.Shape, axis int) (outer, inner int) {
	outer, inner = 1, 1
	for i := 0; i < axis; i++ {
		outer *= shape[i]
	}
	for i := axis + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	return outer, inner
}
