// Package engine implements C8: the two-stage ADRM detector — featurize,
// per-update champion screening with challenger training-buffer
// accumulation, per-round peer outlier detection via modified z-score,
// and the evaluate-and-swap cycle. Grounded on spec.md §4.8 directly;
// the float64-slice handling idiom follows the teacher's federated
// baseline aggregation code.
package engine

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/flcs/coordinator/src/adrm/modelmgr"
	"github.com/flcs/coordinator/src/adrm/response"
	"github.com/flcs/coordinator/src/flerrors"
	"github.com/flcs/coordinator/src/parammap"
)

// crossClientThreshold is the default modified-z cutoff for stage 2
// (spec.md §4.8).
const crossClientThreshold = 3.5

// Blocker is the subset of C6 stage 1 consults.
type Blocker interface {
	IsBlocked(clientID string) bool
	Trigger(clientID string, severity response.Severity, reason, details string) error
}

// Config configures the engine.
type Config struct {
	ChallengerBatchSize int // default 32
	CrossClientThreshold float64
}

// Engine is C8.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	models  *modelmgr.Manager
	resp    Blocker
	log     zerolog.Logger
	buffer  []modelmgr.FeatureRow
}

// New constructs an Engine.
func New(cfg Config, models *modelmgr.Manager, resp Blocker, log zerolog.Logger) *Engine {
	if cfg.ChallengerBatchSize == 0 {
		cfg.ChallengerBatchSize = 32
	}
	if cfg.CrossClientThreshold == 0 {
		cfg.CrossClientThreshold = crossClientThreshold
	}
	return &Engine{cfg: cfg, models: models, resp: resp, log: log}
}

// Featurize concatenates every tensor's values into a single 1-D vector
// and reduces it to (mean, std, min, max, L2-norm) per spec.md §4.8.
func Featurize(m parammap.ParameterMap) (modelmgr.FeatureRow, error) {
	var values []float64
	for _, name := range m.Names() {
		vs, err := m[name].Float64()
		if err != nil {
			return modelmgr.FeatureRow{}, err
		}
		values = append(values, vs...)
	}
	return featurizeSlice(values), nil
}

func featurizeSlice(values []float64) modelmgr.FeatureRow {
	if len(values) == 0 {
		return modelmgr.FeatureRow{}
	}
	mean, min, max := 0.0, values[0], values[0]
	for _, v := range values {
		mean += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	mean /= float64(len(values))

	var variance, sumSq float64
	for _, v := range values {
		d := v - mean
		variance += d * d
		sumSq += v * v
	}
	variance /= float64(len(values))
	std := math.Sqrt(variance)
	l2 := math.Sqrt(sumSq)

	return modelmgr.FeatureRow{mean, std, min, max, l2}
}

// ProcessUpdate is stage 1: featurize, ask the champion, and on
// "anomalous" trigger a high-severity response and reject; on "normal"
// buffer the features and retrain the challenger once the buffer fills.
// The returned bool is false whenever the update must be rejected; the
// error is then a *flerrors.Error of KindClientBlocked or
// KindStageOneAnomaly so callers can report the rejection instead of
// silently dropping the update.
func (e *Engine) ProcessUpdate(clientID string, m parammap.ParameterMap) (bool, error) {
	if e.resp.IsBlocked(clientID) {
		return false, flerrors.New(flerrors.KindClientBlocked, fmt.Sprintf("client %q is currently blocked", clientID))
	}

	row, err := Featurize(m)
	if err != nil {
		return false, err
	}

	if e.models.Champion().Predict(row) {
		if err := e.resp.Trigger(clientID, response.SeverityHigh, "stage1_anomaly", "champion model flagged update as anomalous"); err != nil {
			return false, err
		}
		return false, flerrors.New(flerrors.KindStageOneAnomaly, fmt.Sprintf("update from %q flagged anomalous by champion model", clientID))
	}

	e.mu.Lock()
	e.buffer = append(e.buffer, row)
	var batch []modelmgr.FeatureRow
	if len(e.buffer) >= e.cfg.ChallengerBatchSize {
		batch = e.buffer
		e.buffer = nil
	}
	e.mu.Unlock()

	if batch != nil {
		if err := e.models.TrainChallenger(batch); err != nil {
			return false, err
		}
	}
	return true, nil
}

// UpdateMagnitude is one client's update paired with its L2 magnitude,
// for stage-2 outlier detection.
type UpdateMagnitude struct {
	ClientID  string
	Magnitude float64
}

// DetectOutliers implements stage 2: modified z-score over update
// magnitudes via median absolute deviation. Requires at least 3 updates;
// fewer yields no outliers (spec.md §4.8). Any flagged client is
// triggered at high severity.
func (e *Engine) DetectOutliers(updates map[string]parammap.ParameterMap) ([]string, error) {
	if len(updates) < 3 {
		return nil, nil
	}

	mags := make([]UpdateMagnitude, 0, len(updates))
	for cid, m := range updates {
		row, err := Featurize(m)
		if err != nil {
			return nil, err
		}
		mags = append(mags, UpdateMagnitude{ClientID: cid, Magnitude: row[4]})
	}
	sort.Slice(mags, func(i, j int) bool { return mags[i].ClientID < mags[j].ClientID })

	values := make([]float64, len(mags))
	for i, um := range mags {
		values[i] = um.Magnitude
	}
	median := medianOf(values)

	deviations := make([]float64, len(values))
	for i, v := range values {
		deviations[i] = math.Abs(v - median)
	}
	mad := medianOf(deviations)
	if mad == 0 {
		mad = 1e-9
	}

	e.mu.Lock()
	threshold := e.cfg.CrossClientThreshold
	e.mu.Unlock()

	var outliers []string
	for _, um := range mags {
		modifiedZ := 0.6745 * (um.Magnitude - median) / mad
		if modifiedZ > threshold {
			outliers = append(outliers, um.ClientID)
			rejectErr := flerrors.New(flerrors.KindStageTwoOutlier,
				fmt.Sprintf("client %q flagged as cross-client outlier (modified z-score %.2f > %.2f)", um.ClientID, modifiedZ, threshold))
			e.log.Warn().Err(rejectErr).Str("client_id", um.ClientID).Msg("stage-2 outlier detected")
			if err := e.resp.Trigger(um.ClientID, response.SeverityHigh, "stage2_peer_outlier", "modified z-score exceeded cross-client threshold"); err != nil {
				return outliers, err
			}
		}
	}
	return outliers, nil
}

// UpdateConfig applies live-updatable stage-1/stage-2 tunables from PUT
// /api/admin/adrm/config (spec.md §6). Nil fields are left unchanged.
func (e *Engine) UpdateConfig(challengerBatchSize *int, crossClientThreshold *float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if challengerBatchSize != nil {
		e.cfg.ChallengerBatchSize = *challengerBatchSize
	}
	if crossClientThreshold != nil {
		e.cfg.CrossClientThreshold = *crossClientThreshold
	}
}

func medianOf(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// LabeledRow pairs a feature row with its ground-truth anomaly label.
type LabeledRow struct {
	Row   modelmgr.FeatureRow
	Label bool
}

// EvaluateAndSwap computes F1 for both champion and challenger over
// externally labeled data and invokes the model manager's record/promote
// cycle (spec.md §4.8).
func (e *Engine) EvaluateAndSwap(labeled []LabeledRow) (promoted bool, err error) {
	rows := make([]modelmgr.FeatureRow, len(labeled))
	labels := make([]bool, len(labeled))
	for i, lr := range labeled {
		rows[i] = lr.Row
		labels[i] = lr.Label
	}

	champScore := e.models.Champion().Score(rows, labels)
	challScore := e.models.Challenger().Score(rows, labels)

	if err := e.models.RecordPerformance(champScore, challScore); err != nil {
		return false, err
	}
	return e.models.PromoteIfBetter(champScore, challScore)
}
