// Package sam implements C10: the secure aggregation dispatcher —
// FedAvg, FedAdam, and HE-aware aggregation over client-submitted
// deltas. Grounded on spec.md §4.10 directly; the per-element numeric
// loop style follows the teacher's federated baseline weighted-average
// merge code.
package sam

import (
	"math"
	"sync"

	"github.com/flcs/coordinator/src/flerrors"
	"github.com/flcs/coordinator/src/parammap"
)

// Method selects the aggregation algorithm.
type Method string

const (
	MethodFedAvg            Method = "fedavg"
	MethodFedAdam           Method = "fedadam"
	MethodHomomorphicAgg    Method = "homomorphic_aggregation"
)

// FedAdam defaults, per spec.md §4.10.
const (
	defaultBeta1 = 0.9
	defaultBeta2 = 0.99
	defaultEps   = 1e-8
	defaultEta   = 0.01
)

// Config tunes the FedAdam hyperparameters.
type Config struct {
	Beta1 float64
	Beta2 float64
	Eps   float64
	Eta   float64
}

func (c Config) withDefaults() Config {
	if c.Beta1 == 0 {
		c.Beta1 = defaultBeta1
	}
	if c.Beta2 == 0 {
		c.Beta2 = defaultBeta2
	}
	if c.Eps == 0 {
		c.Eps = defaultEps
	}
	if c.Eta == 0 {
		c.Eta = defaultEta
	}
	return c
}

// Aggregator is C10. FedAdam's moment buffers (m, v) persist across
// calls, keyed by parameter name; every other part of the call is
// stateless.
type Aggregator struct {
	mu  sync.Mutex
	cfg Config
	m   map[string][]float64
	v   map[string][]float64
}

// New constructs an Aggregator.
func New(cfg Config) *Aggregator {
	return &Aggregator{
		cfg: cfg.withDefaults(),
		m:   make(map[string][]float64),
		v:   make(map[string][]float64),
	}
}

// Aggregate combines deltas (one ParameterMap per client, each the
// client-computed delta from global) into a new global ParameterMap
// using method. Empty deltas returns global unchanged; non-conformant
// deltas is an AggregationError and the caller must abandon the round
// (spec.md §4.10).
func (a *Aggregator) Aggregate(method Method, deltas []parammap.ParameterMap, global parammap.ParameterMap) (parammap.ParameterMap, error) {
	if len(deltas) == 0 {
		return global.Clone(), nil
	}
	if !parammap.ConformantAll(deltas) {
		return nil, flerrors.New(flerrors.KindAggregationError, "client deltas are not shape/dtype conformant")
	}
	if len(global) > 0 && !parammap.Conformant(global, deltas[0]) {
		return nil, flerrors.New(flerrors.KindAggregationError, "client deltas are not conformant with the global model")
	}

	mean := meanDelta(deltas)

	switch method {
	case MethodFedAvg:
		return applyDelta(global, mean), nil
	case MethodFedAdam, MethodHomomorphicAgg:
		return a.fedAdam(mean, global)
	default:
		return nil, flerrors.New(flerrors.KindAggregationError, "unknown aggregation method: "+string(method))
	}
}

func meanDelta(deltas []parammap.ParameterMap) parammap.ParameterMap {
	n := float64(len(deltas))
	out := make(parammap.ParameterMap, len(deltas[0]))
	for _, name := range deltas[0].Names() {
		dtype := deltas[0][name].DType
		shape := deltas[0][name].Shape
		sum, _ := deltas[0][name].Float64()
		acc := make([]float64, len(sum))
		copy(acc, sum)
		for _, d := range deltas[1:] {
			vs, _ := d[name].Float64()
			for i, v := range vs {
				acc[i] += v
			}
		}
		for i := range acc {
			acc[i] /= n
		}
		out[name] = parammap.Tensor{DType: dtype, Shape: shape, Data: parammap.EncodeFloat64Slice(dtype, acc)}
	}
	return out
}

func applyDelta(global, delta parammap.ParameterMap) parammap.ParameterMap {
	out := make(parammap.ParameterMap, len(delta))
	for _, name := range delta.Names() {
		dt := delta[name]
		dvals, _ := dt.Float64()
		sum := make([]float64, len(dvals))
		if g, ok := global[name]; ok {
			gvals, _ := g.Float64()
			for i, v := range gvals {
				sum[i] = v + dvals[i]
			}
		} else {
			copy(sum, dvals)
		}
		out[name] = parammap.Tensor{DType: dt.DType, Shape: dt.Shape, Data: parammap.EncodeFloat64Slice(dt.DType, sum)}
	}
	return out
}

// fedAdam applies the server-side Adam step to the mean delta. Bias
// correction divides by (1−β1) and (1−β2) literally, with no per-step β^t
// term, so it differs from canonical Adam.
func (a *Aggregator) fedAdam(meanDelta, global parammap.ParameterMap) (parammap.ParameterMap, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(parammap.ParameterMap, len(meanDelta))
	for _, name := range meanDelta.Names() {
		dt := meanDelta[name]
		g, err := dt.Float64()
		if err != nil {
			return nil, flerrors.Wrap(flerrors.KindAggregationError, "decode delta for fedadam", err)
		}

		m, ok := a.m[name]
		if !ok {
			m = make([]float64, len(g))
		}
		v, ok := a.v[name]
		if !ok {
			v = make([]float64, len(g))
		}

		newGlobal := make([]float64, len(g))
		var gl []float64
		if gt, ok := global[name]; ok {
			gl, _ = gt.Float64()
		} else {
			gl = make([]float64, len(g))
		}

		for i := range g {
			m[i] = a.cfg.Beta1*m[i] + (1-a.cfg.Beta1)*g[i]
			v[i] = a.cfg.Beta2*v[i] + (1-a.cfg.Beta2)*g[i]*g[i]

			mHat := m[i] / (1 - a.cfg.Beta1)
			vHat := v[i] / (1 - a.cfg.Beta2)

			newGlobal[i] = gl[i] + a.cfg.Eta*mHat/(math.Sqrt(vHat)+a.cfg.Eps)
		}

		a.m[name] = m
		a.v[name] = v
		out[name] = parammap.Tensor{DType: dt.DType, Shape: dt.Shape, Data: parammap.EncodeFloat64Slice(dt.DType, newGlobal)}
	}
	return out, nil
}
