package parammap

import (
	"encoding/binary"
	"math"
)

func decodeFloat32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

func decodeFloat64(b []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

func decodeInt32(b []byte) int32 {
	return int32(binary.LittleEndian.Uint32(b))
}

func decodeInt64(b []byte) int64 {
	return int64(binary.LittleEndian.Uint64(b))
}

// EncodeFloat64Slice packs vals into dtype-appropriate raw bytes for a
// tensor of the given dtype. Used by SAM and tests to build tensors from
// plain float64 slices without duplicating the byte-packing logic.
func EncodeFloat64Slice(dtype DType, vals []float64) []byte {
	switch dtype {
	case DTypeFloat32:
		out := make([]byte, len(vals)*4)
		for i, v := range vals {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(float32(v)))
		}
		return out
	case DTypeFloat64:
		out := make([]byte, len(vals)*8)
		for i, v := range vals {
			binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
		}
		return out
	case DTypeInt32:
		out := make([]byte, len(vals)*4)
		for i, v := range vals {
			binary.LittleEndian.PutUint32(out[i*4:], uint32(int32(v)))
		}
		return out
	case DTypeInt64:
		out := make([]byte, len(vals)*8)
		for i, v := range vals {
			binary.LittleEndian.PutUint64(out[i*8:], uint64(int64(v)))
		}
		return out
	default:
		return nil
	}
}
