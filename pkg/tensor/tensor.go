// Package tensor is the engine's dtype-tagged N-D array facade. Rather
// than hand-roll element storage and strided iteration, it wraps
// gorgonia.org/tensor.Dense, which already provides shape, strides and
// views. Graph/executor and conv-lowering code talk to Tensor, never to
// gorgonia.org/tensor directly.
package tensor

import (
	"fmt"

	"github.com/chewxy/math32"
	gt "gorgonia.org/tensor"
)

// DataType identifies the element type stored by a Tensor.
type DataType uint8

const (
	DTUnknown DataType = iota
	DTFP32             // 32-bit floating point (default for conv kernels)
	DTFP64             // 64-bit floating point
	DTINT8             // 8-bit integer
	DTINT16            // 16-bit integer
)

func (dt DataType) String() string {
	switch dt {
	case DTFP32:
		return "f32"
	case DTFP64:
		return "f64"
	case DTINT8:
		return "i8"
	case DTINT16:
		return "i16"
	default:
		return "unknown"
	}
}

// IsFloat reports whether dt belongs to the float family ConvUnary's
// eval path dispatches on.
func (dt DataType) IsFloat() bool {
	return dt == DTFP32 || dt == DTFP64
}

func toGorgoniaDtype(dt DataType) gt.Dtype {
	switch dt {
	case DTFP32:
		return gt.Float32
	case DTFP64:
		return gt.Float64
	case DTINT8:
		return gt.Int8
	case DTINT16:
		return gt.Int16
	default:
		return gt.Float32
	}
}

func fromGorgoniaDtype(dt gt.Dtype) DataType {
	switch dt {
	case gt.Float32:
		return DTFP32
	case gt.Float64:
		return DTFP64
	case gt.Int8:
		return DTINT8
	case gt.Int16:
		return DTINT16
	default:
		return DTUnknown
	}
}

// Shape represents tensor dimensions, outermost axis first.
type Shape []int

// NewShape returns a Shape holding a copy of dims.
func NewShape(dims ...int) Shape {
	s := make(Shape, len(dims))
	copy(s, dims)
	return s
}

// Rank returns the number of dimensions.
func (s Shape) Rank() int { return len(s) }

// Size returns the total element count; a rank-0 shape reports 1.
func (s Shape) Size() int {
	if len(s) == 0 {
		return 1
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Equal reports whether s and other have the same rank and dimensions.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of s.
func (s Shape) Clone() Shape {
	return NewShape(s...)
}

// Tensor is a dtype-tagged N-D array. It may be an owned buffer (freshly
// allocated, safe for the holder to mutate) or a shared read-only handle
// (passed between operators so several consumers may alias the same
// backing storage cheaply). Go's slice semantics make the backing array
// itself always shared; the `shared` flag only records the *intent* so
// evaluation code can tell an injected input from a handle it must not
// mutate in place.
type Tensor struct {
	dense  *gt.Dense
	shared bool
}

// Valid reports whether t wraps an allocated buffer.
func (t Tensor) Valid() bool { return t.dense != nil }

// New allocates a zero-filled owned tensor of the given dtype and shape.
func New(dt DataType, shape Shape) Tensor {
	d := gt.New(gt.WithShape(shape...), gt.Of(toGorgoniaDtype(dt)))
	return Tensor{dense: d}
}

// NewAs allocates a zero-filled tensor with the same dtype and shape as t.
func NewAs(t Tensor) Tensor {
	return New(t.DataType(), t.Shape())
}

// FromFloat32 wraps an existing []float32 backing as an owned f32 tensor.
// If data is nil, a fresh zero-filled buffer is allocated.
func FromFloat32(shape Shape, data []float32) Tensor {
	backing := data
	if backing == nil {
		backing = make([]float32, shape.Size())
	}
	d := gt.New(gt.WithShape(shape...), gt.Of(gt.Float32), gt.WithBacking(backing))
	return Tensor{dense: d}
}

// FromFloat64 wraps an existing []float64 backing as an owned f64 tensor.
func FromFloat64(shape Shape, data []float64) Tensor {
	backing := data
	if backing == nil {
		backing = make([]float64, shape.Size())
	}
	d := gt.New(gt.WithShape(shape...), gt.Of(gt.Float64), gt.WithBacking(backing))
	return Tensor{dense: d}
}

// Shape returns a copy of t's dimensions.
func (t Tensor) Shape() Shape {
	if t.dense == nil {
		return nil
	}
	return NewShape(t.dense.Shape()...)
}

// Strides returns a copy of t's element strides.
func (t Tensor) Strides() []int {
	if t.dense == nil {
		return nil
	}
	s := t.dense.Strides()
	out := make([]int, len(s))
	copy(out, s)
	return out
}

// DataType returns t's element type.
func (t Tensor) DataType() DataType {
	if t.dense == nil {
		return DTUnknown
	}
	return fromGorgoniaDtype(t.dense.Dtype())
}

// Rank returns the number of dimensions.
func (t Tensor) Rank() int {
	if t.dense == nil {
		return 0
	}
	return t.dense.Dims()
}

// Size returns the total element count.
func (t Tensor) Size() int {
	if t.dense == nil {
		return 0
	}
	return t.dense.Size()
}

// Data returns the underlying backing storage as an untyped slice.
func (t Tensor) Data() any {
	if t.dense == nil {
		return nil
	}
	return t.dense.Data()
}

// Float32 returns the backing storage as []float32, failing if t is not f32.
func (t Tensor) Float32() ([]float32, error) {
	d, ok := t.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("tensor: expected f32 data, got dtype %s", t.DataType())
	}
	return d, nil
}

// Float64 returns the backing storage as []float64, failing if t is not f64.
func (t Tensor) Float64() ([]float64, error) {
	d, ok := t.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("tensor: expected f64 data, got dtype %s", t.DataType())
	}
	return d, nil
}

// Reshape returns a copy of t's elements under shape; the result does not
// share t's backing storage. Fails if the element counts disagree.
func (t Tensor) Reshape(shape Shape) (Tensor, error) {
	if t.dense == nil {
		return Tensor{}, fmt.Errorf("tensor: reshape on invalid tensor")
	}
	if t.Size() != shape.Size() {
		return Tensor{}, fmt.Errorf("tensor: reshape %v -> %v: size mismatch", t.Shape(), shape)
	}
	cloned := t.dense.Clone().(*gt.Dense)
	if err := cloned.Reshape(shape...); err != nil {
		return Tensor{}, fmt.Errorf("tensor: reshape %v -> %v: %w", t.Shape(), shape, err)
	}
	return Tensor{dense: cloned, shared: t.shared}, nil
}

// Clone returns an independent owned copy of t.
func (t Tensor) Clone() Tensor {
	if t.dense == nil {
		return Tensor{}
	}
	return Tensor{dense: t.dense.Clone().(*gt.Dense)}
}

// Shared returns a handle aliasing t's backing storage, marked as shared so
// downstream consumers treat it as read-only.
func (t Tensor) Shared() Tensor {
	c := t
	c.shared = true
	return c
}

// IsShared reports whether t was obtained through Shared.
func (t Tensor) IsShared() bool { return t.shared }

// ZerosLike allocates a zero-filled tensor with t's dtype and shape.
func ZerosLike(t Tensor) Tensor { return New(t.DataType(), t.Shape()) }

// AllClose reports whether a and b have equal length and every pair of
// elements differs by no more than eps, the same per-element tolerance
// check used throughout the kinematics stack's near-singularity guards.
func AllClose(a, b []float32, eps float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math32.Abs(a[i]-b[i]) > eps {
			return false
		}
	}
	return true
}
