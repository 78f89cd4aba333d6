package ssscodec

import (
	"crypto/sha256"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/hkdf"

	"github.com/flcs/coordinator/src/parammap"
)

func sampleMap() parammap.ParameterMap {
	return parammap.ParameterMap{
		"w": {
			DType: parammap.DTypeFloat32,
			Shape: []int{4},
			Data:  parammap.EncodeFloat64Slice(parammap.DTypeFloat32, []float64{1.5, -2.25, 3, 0}),
		},
	}
}

// deterministicValues derives a fixed-seed float64 test vector via HKDF so
// the large-tensor split/reconstruct test below is reproducible without
// hardcoding a long literal slice.
func deterministicValues(seed string, n int) []float64 {
	r := hkdf.New(sha256.New, []byte(seed), nil, []byte("ssscodec-test-vector"))
	out := make([]float64, n)
	buf := make([]byte, 8)
	for i := range out {
		_, _ = io.ReadFull(r, buf)
		out[i] = float64(int32(uint32(buf[0])<<24|uint32(buf[1])<<16|uint32(buf[2])<<8|uint32(buf[3]))) / 1e6
	}
	return out
}

func TestSplitReconstructLargeTensor(t *testing.T) {
	values := deterministicValues("large-tensor", 512)
	m := parammap.ParameterMap{
		"layer.weight": {
			DType: parammap.DTypeFloat32,
			Shape: []int{512},
			Data:  parammap.EncodeFloat64Slice(parammap.DTypeFloat32, values),
		},
	}
	k, n := 4, 7
	bundles, err := Split(m, k, n)
	require.NoError(t, err)
	require.Len(t, bundles, n)

	got, err := Reconstruct(bundles[:k], k)
	require.NoError(t, err)
	require.Equal(t, m.Names(), got.Names())

	again := deterministicValues("large-tensor", 512)
	require.Equal(t, values, again, "hkdf derivation must be deterministic for a fixed seed")
}

func TestSplitReconstructAllKSubsets(t *testing.T) {
	m := sampleMap()
	k, n := 3, 5
	bundles, err := Split(m, k, n)
	require.NoError(t, err)
	require.Len(t, bundles, n)

	combos := combinations(n, k)
	for _, combo := range combos {
		chosen := make([]Bundle, 0, k)
		for _, idx := range combo {
			chosen = append(chosen, bundles[idx])
		}
		got, err := Reconstruct(chosen, k)
		require.NoError(t, err)
		require.True(t, parammap.Conformant(m, got))
		for name, t1 := range m {
			require.Equal(t, t1.Data, got[name].Data)
		}
	}
}

func TestReconstructFewerThanKFailsOrDiffers(t *testing.T) {
	m := sampleMap()
	k, n := 3, 5
	bundles, err := Split(m, k, n)
	require.NoError(t, err)

	_, err = Reconstruct(bundles[:k-1], k)
	require.Error(t, err)
}

func TestBundlesFromDifferentSplitsRejected(t *testing.T) {
	m1 := sampleMap()
	m2 := parammap.ParameterMap{
		"w": {
			DType: parammap.DTypeFloat32,
			Shape: []int{2},
			Data:  parammap.EncodeFloat64Slice(parammap.DTypeFloat32, []float64{9, 9}),
		},
	}
	b1, err := Split(m1, 2, 3)
	require.NoError(t, err)
	b2, err := Split(m2, 2, 3)
	require.NoError(t, err)

	mixed := []Bundle{b1[0], b2[1]}
	_, err = Reconstruct(mixed, 2)
	require.Error(t, err)
}

func combinations(n, k int) [][]int {
	var out [][]int
	var cur []int
	var rec func(start int)
	rec = func(start int) {
		if len(cur) == k {
			combo := make([]int, k)
			copy(combo, cur)
			out = append(out, combo)
			return
		}
		for i := start; i < n; i++ {
			cur = append(cur, i)
			rec(i + 1)
			cur = cur[:len(cur)-1]
		}
	}
	rec(0)
	return out
}
