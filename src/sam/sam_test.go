package sam

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flcs/coordinator/src/parammap"
)

func mkMap(vals []float64) parammap.ParameterMap {
	return parammap.ParameterMap{
		"w": {
			DType: parammap.DTypeFloat64,
			Shape: []int{len(vals)},
			Data:  parammap.EncodeFloat64Slice(parammap.DTypeFloat64, vals),
		},
	}
}

func floats(t *testing.T, m parammap.ParameterMap, name string) []float64 {
	t.Helper()
	vs, err := m[name].Float64()
	require.NoError(t, err)
	return vs
}

func TestFedAvgEmptyInputReturnsGlobalUnchanged(t *testing.T) {
	a := New(Config{})
	global := mkMap([]float64{1, 2, 3})
	out, err := a.Aggregate(MethodFedAvg, nil, global)
	require.NoError(t, err)
	require.Equal(t, floats(t, global, "w"), floats(t, out, "w"))
}

func TestFedAvgMeanOfDeltas(t *testing.T) {
	a := New(Config{})
	global := mkMap([]float64{0, 0})
	deltas := []parammap.ParameterMap{mkMap([]float64{1, 1}), mkMap([]float64{3, 3})}
	out, err := a.Aggregate(MethodFedAvg, deltas, global)
	require.NoError(t, err)
	require.InDeltaSlice(t, []float64{2, 2}, floats(t, out, "w"), 1e-9)
}

func TestNonConformantDeltasIsAggregationError(t *testing.T) {
	a := New(Config{})
	global := mkMap([]float64{0, 0})
	bad := parammap.ParameterMap{
		"w": {DType: parammap.DTypeFloat64, Shape: []int{3}, Data: parammap.EncodeFloat64Slice(parammap.DTypeFloat64, []float64{1, 2, 3})},
	}
	_, err := a.Aggregate(MethodFedAvg, []parammap.ParameterMap{mkMap([]float64{1, 1}), bad}, global)
	require.Error(t, err)
}

func TestFedAdamMomentBuffersPersistAcrossCalls(t *testing.T) {
	a := New(Config{})
	global := mkMap([]float64{0, 0})
	deltas := []parammap.ParameterMap{mkMap([]float64{1, 1})}

	out1, err := a.Aggregate(MethodFedAdam, deltas, global)
	require.NoError(t, err)
	out2, err := a.Aggregate(MethodFedAdam, deltas, out1)
	require.NoError(t, err)

	require.NotEqual(t, floats(t, out1, "w"), floats(t, out2, "w"))
}

func TestHomomorphicAggregationMatchesFedAdam(t *testing.T) {
	a1 := New(Config{})
	a2 := New(Config{})
	global := mkMap([]float64{0, 0})
	deltas := []parammap.ParameterMap{mkMap([]float64{1, 1})}

	out1, err := a1.Aggregate(MethodFedAdam, deltas, global)
	require.NoError(t, err)
	out2, err := a2.Aggregate(MethodHomomorphicAgg, deltas, global)
	require.NoError(t, err)

	require.InDeltaSlice(t, floats(t, out1, "w"), floats(t, out2, "w"), 1e-12)
}
