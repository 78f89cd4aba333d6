// Package parammap defines the typed ParameterMap container shared by every
// component that crosses a trust or transport boundary: the tensor codec,
// the privacy codecs, the anomaly engine, the aggregator, and the global
// model registry all operate on this type rather than on duck-typed maps.
package parammap

import (
	"fmt"
	"sort"
)

// DType identifies the scalar type backing a Tensor's raw bytes.
type DType uint8

const (
	DTypeFloat32 DType = iota
	DTypeFloat64
	DTypeInt32
	DTypeInt64
)

func (d DType) String() string {
	switch d {
	case DTypeFloat32:
		return "float32"
	case DTypeFloat64:
		return "float64"
	case DTypeInt32:
		return "int32"
	case DTypeInt64:
		return "int64"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// ElemSize returns the byte width of one scalar element of this dtype.
func (d DType) ElemSize() int {
	switch d {
	case DTypeFloat32, DTypeInt32:
		return 4
	case DTypeFloat64, DTypeInt64:
		return 8
	default:
		return 0
	}
}

// Tensor is a single named parameter: dtype, shape, and contiguous raw bytes.
type Tensor struct {
	DType DType
	Shape []int
	Data  []byte
}

// NumElements returns the product of Shape.
func (t Tensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Float64 returns the tensor's values widened to float64, regardless of the
// underlying dtype. Used by the anomaly engine's featurizer and by SAM's
// elementwise arithmetic, both of which operate in float64 space.
func (t Tensor) Float64() ([]float64, error) {
	n := t.NumElements()
	es := t.DType.ElemSize()
	if es == 0 {
		return nil, fmt.Errorf("parammap: unsupported dtype %s", t.DType)
	}
	if len(t.Data) != n*es {
		return nil, fmt.Errorf("parammap: tensor data length %d does not match shape %v dtype %s", len(t.Data), t.Shape, t.DType)
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		switch t.DType {
		case DTypeFloat32:
			out[i] = float64(decodeFloat32(t.Data[i*4 : i*4+4]))
		case DTypeFloat64:
			out[i] = decodeFloat64(t.Data[i*8 : i*8+8])
		case DTypeInt32:
			out[i] = float64(decodeInt32(t.Data[i*4 : i*4+4]))
		case DTypeInt64:
			out[i] = float64(decodeInt64(t.Data[i*8 : i*8+8]))
		}
	}
	return out, nil
}

// ParameterMap is an ordered mapping from parameter name to Tensor. Key
// order is not semantically significant but iteration is made
// deterministic via Names() so that conformance checks, codecs, and
// aggregation all walk parameters in the same order.
type ParameterMap map[string]Tensor

// Names returns the map's keys in sorted order.
func (m ParameterMap) Names() []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy of m.
func (m ParameterMap) Clone() ParameterMap {
	out := make(ParameterMap, len(m))
	for k, v := range m {
		shape := make([]int, len(v.Shape))
		copy(shape, v.Shape)
		data := make([]byte, len(v.Data))
		copy(data, v.Data)
		out[k] = Tensor{DType: v.DType, Shape: shape, Data: data}
	}
	return out
}

// Conformant reports whether a and b share identical key sets and, for
// every key, identical dtype and shape. Two conformant maps may still
// differ in their raw byte content.
func Conformant(a, b ParameterMap) bool {
	if len(a) != len(b) {
		return false
	}
	for k, ta := range a {
		tb, ok := b[k]
		if !ok {
			return false
		}
		if ta.DType != tb.DType || !equalShape(ta.Shape, tb.Shape) {
			return false
		}
	}
	return true
}

// ConformantAll reports whether every map in maps is pairwise conformant.
// A nil or single-element slice is trivially conformant.
func ConformantAll(maps []ParameterMap) bool {
	if len(maps) < 2 {
		return true
	}
	first := maps[0]
	for _, m := range maps[1:] {
		if !Conformant(first, m) {
			return false
		}
	}
	return true
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
