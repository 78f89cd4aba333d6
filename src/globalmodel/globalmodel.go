// Package globalmodel implements C11: the global model registry —
// version/parameter state, held-out evaluation bookkeeping, versioned
// best-accuracy snapshots, and the aggregation metrics log. Grounded on
// the teacher's src/repository/local.go and src/repository/base.go local
// persistence shape; the optional S3 mirror follows aws-sdk-go-v2's own
// standard client-construction idiom.
package globalmodel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/flcs/coordinator/src/flerrors"
	"github.com/flcs/coordinator/src/parammap"
	"github.com/flcs/coordinator/src/persist"
)

// EvaluateFunc is the externally supplied held-out evaluation callback.
type EvaluateFunc func(params parammap.ParameterMap) (accuracy, loss float64, err error)

// MetricRecord is one row of the aggregation metrics history.
type MetricRecord struct {
	Round     uint64    `json:"round"`
	Timestamp time.Time `json:"timestamp"`
	Method    string    `json:"method"`
	Accuracy  float64   `json:"accuracy"`
	Loss      float64   `json:"loss"`
}

// AggregationEvent records the first and last aggregation observed for a
// round, per spec.md §4.11.
type AggregationEvent struct {
	Round     uint64            `json:"round"`
	First     time.Time         `json:"first"`
	Last      time.Time         `json:"last"`
	Metrics   map[string]float64 `json:"metrics"`
}

// Config configures the registry.
type Config struct {
	SavedModelsDir      string // saved_models/
	MetricsHistoryPath  string // database/logs/model_metrics_history.json
	ConvergenceWindow   int    // default 10

	// S3Bucket, if non-empty, mirrors every strictly-improving snapshot
	// to S3 (SPEC_FULL.md §11). A mirror failure is logged, never fatal
	// — the local versioned file on disk is always the durable copy.
	S3Bucket string
	S3Prefix string
}

// Registry is C11.
type Registry struct {
	mu sync.Mutex

	version    uint64
	params     parammap.ParameterMap
	bestAcc    float64
	sinceImprove int

	aggEvents map[uint64]*AggregationEvent
	metrics   []MetricRecord

	cfg Config
	log zerolog.Logger
	s3  *s3.Client
}

// New constructs a Registry with an empty global model at version 0,
// loading any prior metrics history from disk.
func New(cfg Config, log zerolog.Logger) (*Registry, error) {
	if cfg.ConvergenceWindow == 0 {
		cfg.ConvergenceWindow = 10
	}
	r := &Registry{
		params:    parammap.ParameterMap{},
		aggEvents: make(map[uint64]*AggregationEvent),
		cfg:       cfg,
		log:       log,
	}

	found, err := persist.ReadJSON(cfg.MetricsHistoryPath, &r.metrics)
	if err != nil {
		return nil, err
	}
	if found {
		for _, m := range r.metrics {
			if m.Accuracy > r.bestAcc {
				r.bestAcc = m.Accuracy
			}
		}
	}

	if cfg.S3Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, flerrors.Wrap(flerrors.KindFatalStartup, "load aws config for s3 mirror", err)
		}
		r.s3 = s3.NewFromConfig(awsCfg)
	}

	return r, nil
}

// State returns a read-only snapshot of the current parameters.
func (r *Registry) State() (version uint64, params parammap.ParameterMap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version, r.params.Clone()
}

// Apply swaps in newParams and bumps the version.
func (r *Registry) Apply(newParams parammap.ParameterMap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.params = newParams.Clone()
	r.version++
}

// Evaluate runs fn against the current parameters, updates
// best_accuracy_so_far/rounds_since_last_improvement, and — on strict
// improvement — writes a versioned snapshot to disk (and, if configured,
// mirrors it to S3).
func (r *Registry) Evaluate(fn EvaluateFunc) (metrics map[string]float64, err error) {
	r.mu.Lock()
	version := r.version
	params := r.params.Clone()
	r.mu.Unlock()

	accuracy, loss, err := fn(params)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	improved := accuracy > r.bestAcc
	if improved {
		r.bestAcc = accuracy
		r.sinceImprove = 0
	} else {
		r.sinceImprove++
	}
	r.mu.Unlock()

	if improved {
		if err := r.writeSnapshot(version, accuracy, params); err != nil {
			return nil, err
		}
	}

	return map[string]float64{"accuracy": accuracy, "loss": loss}, nil
}

func (r *Registry) writeSnapshot(version uint64, accuracy float64, params parammap.ParameterMap) error {
	pct := int(accuracy * 100)
	name := fmt.Sprintf("best_model_v%d_acc%d.json", version, pct)
	path := filepath.Join(r.cfg.SavedModelsDir, name)

	if err := persist.WriteJSONAtomic(path, params); err != nil {
		return err
	}

	if r.s3 != nil {
		data, err := json.MarshalIndent(params, "", "  ")
		if err != nil {
			return flerrors.Wrap(flerrors.KindPersistenceError, "marshal model snapshot for s3 mirror", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		key := r.cfg.S3Prefix + name
		_, err = r.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(r.cfg.S3Bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			r.log.Warn().Err(err).Str("key", key).Msg("s3 snapshot mirror failed")
		}
	}
	return nil
}

// HasConverged reports whether rounds_since_last_improvement has reached
// ConvergenceWindow.
func (r *Registry) HasConverged() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sinceImprove >= r.cfg.ConvergenceWindow
}

// RecordAggregationEvent stores the first and last aggregation details
// observed for round.
func (r *Registry) RecordAggregationEvent(round uint64, metrics map[string]float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	ev, ok := r.aggEvents[round]
	if !ok {
		r.aggEvents[round] = &AggregationEvent{Round: round, First: now, Last: now, Metrics: metrics}
		return
	}
	ev.Last = now
	ev.Metrics = metrics
}

// AddMetrics appends a MetricRecord and persists the history to disk.
func (r *Registry) AddMetrics(round uint64, metrics map[string]float64, method string) error {
	r.mu.Lock()
	rec := MetricRecord{
		Round:     round,
		Timestamp: time.Now(),
		Method:    method,
		Accuracy:  metrics["accuracy"],
		Loss:      metrics["loss"],
	}
	r.metrics = append(r.metrics, rec)
	snapshot := make([]MetricRecord, len(r.metrics))
	copy(snapshot, r.metrics)
	r.mu.Unlock()

	return r.persistMetrics(snapshot)
}

func (r *Registry) persistMetrics(metrics []MetricRecord) error {
	return persist.WriteJSONAtomic(r.cfg.MetricsHistoryPath, metrics)
}

// Metrics returns a copy of the full metrics history (admin REST metrics
// endpoint).
func (r *Registry) Metrics() []MetricRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MetricRecord, len(r.metrics))
	copy(out, r.metrics)
	return out
}
