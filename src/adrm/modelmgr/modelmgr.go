// Package modelmgr implements C7: the champion/challenger AnomalyModel
// lifecycle — training-buffer-driven challenger fitting, performance
// logging, and threshold-based promotion. Grounded on spec.md §4.7
// directly; file-persistence shape follows the teacher's
// src/repository/local.go local-filesystem read/write pattern.
package modelmgr

import (
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flcs/coordinator/src/persist"
)

// FeatureRow is a single (mean, std, min, max, l2norm) observation, as
// produced by C8's featurize step.
type FeatureRow [5]float64

// Model is an opaque anomaly detector: centroid-distance over the
// five-element feature row, with a per-feature standard deviation used
// as the distance's normalizer. An untrained Model (Fitted == false)
// always predicts "not anomalous", satisfying spec.md §4.3's invariant
// that both slots are always present and usable.
type Model struct {
	Fitted    bool       `json:"fitted"`
	Mean      FeatureRow `json:"mean"`
	StdDev    FeatureRow `json:"std_dev"`
	Threshold float64    `json:"threshold"` // distance threshold, default 3.0
	N         int        `json:"n"`         // rows seen across all Train calls
}

// NewModel returns a fresh, untrained model.
func NewModel() *Model {
	return &Model{Threshold: 3.0}
}

// Train (re)fits the model's centroid and per-feature spread from rows.
// An empty rows set leaves the model untouched.
func (m *Model) Train(rows []FeatureRow) {
	if len(rows) == 0 {
		return
	}
	var mean FeatureRow
	for _, r := range rows {
		for i := range r {
			mean[i] += r[i]
		}
	}
	for i := range mean {
		mean[i] /= float64(len(rows))
	}
	var variance FeatureRow
	for _, r := range rows {
		for i := range r {
			d := r[i] - mean[i]
			variance[i] += d * d
		}
	}
	var std FeatureRow
	for i := range variance {
		std[i] = math.Sqrt(variance[i] / float64(len(rows)))
		if std[i] < 1e-9 {
			std[i] = 1e-9
		}
	}
	m.Mean = mean
	m.StdDev = std
	m.Fitted = true
	m.N += len(rows)
}

// Predict returns true ("anomalous") if row's normalized distance from
// the fitted centroid exceeds Threshold. An untrained model never flags
// anomalies.
func (m *Model) Predict(row FeatureRow) bool {
	if !m.Fitted {
		return false
	}
	var sumSq float64
	for i := range row {
		z := (row[i] - m.Mean[i]) / m.StdDev[i]
		sumSq += z * z
	}
	return math.Sqrt(sumSq) > m.Threshold
}

// Score returns the F1 score of m against labeled rows, treating
// Predict's "anomalous" as the positive class.
func (m *Model) Score(rows []FeatureRow, labels []bool) float64 {
	var tp, fp, fn int
	for i, r := range rows {
		pred := m.Predict(r)
		actual := labels[i]
		switch {
		case pred && actual:
			tp++
		case pred && !actual:
			fp++
		case !pred && actual:
			fn++
		}
	}
	if tp == 0 {
		return 0
	}
	precision := float64(tp) / float64(tp+fp)
	recall := float64(tp) / float64(tp+fn)
	if precision+recall == 0 {
		return 0
	}
	return 2 * precision * recall / (precision + recall)
}

// PerformanceEntry is one row of the ADRM performance log.
type PerformanceEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	ChampionScore  float64 `json:"champion_score"`
	ChallengerScore float64 `json:"challenger_score"`
	Promoted     bool      `json:"promoted"`
}

// Config configures the model manager.
type Config struct {
	ModelsDir           string
	PerformanceLogPath  string
	PromotionThreshold  float64 // default 1.1
}

// Manager is C7.
type Manager struct {
	mu         sync.Mutex
	champion   *Model
	challenger *Model
	cfg        Config
	log        zerolog.Logger
}

// New constructs a Manager, loading champion/challenger from disk if
// present; a missing file yields a fresh untrained model (spec.md §4.7).
func New(cfg Config, log zerolog.Logger) (*Manager, error) {
	if cfg.PromotionThreshold == 0 {
		cfg.PromotionThreshold = 1.1
	}
	mgr := &Manager{cfg: cfg, log: log}

	champ, err := loadModel(filepath.Join(cfg.ModelsDir, "champion"))
	if err != nil {
		return nil, err
	}
	mgr.champion = champ

	chall, err := loadModel(filepath.Join(cfg.ModelsDir, "challenger"))
	if err != nil {
		return nil, err
	}
	mgr.challenger = chall

	return mgr, nil
}

func loadModel(path string) (*Model, error) {
	var m Model
	found, err := persist.ReadJSON(path, &m)
	if err != nil {
		return nil, err
	}
	if !found {
		return NewModel(), nil
	}
	return &m, nil
}

func saveModel(path string, m *Model) error {
	return persist.WriteJSONAtomic(path, m)
}

// Champion returns the current champion model.
func (mgr *Manager) Champion() *Model {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.champion
}

// Challenger returns the current challenger model.
func (mgr *Manager) Challenger() *Model {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.challenger
}

// TrainChallenger fits the challenger on a batch of buffered feature
// rows and persists it.
func (mgr *Manager) TrainChallenger(rows []FeatureRow) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.challenger.Train(rows)
	return saveModel(filepath.Join(mgr.cfg.ModelsDir, "challenger"), mgr.challenger)
}

// RecordPerformance appends a performance log entry.
func (mgr *Manager) RecordPerformance(champScore, challScore float64) error {
	entries, err := mgr.readLog()
	if err != nil {
		return err
	}
	entries = append(entries, PerformanceEntry{
		Timestamp:       time.Now(),
		ChampionScore:   champScore,
		ChallengerScore: challScore,
	})
	return mgr.writeLog(entries)
}

// PromoteIfBetter archives the champion under a timestamped name,
// promotes the challenger, and resets the challenger slot if the
// challenger's score is meaningfully better than the champion's (spec.md
// §4.7). Returns whether a promotion occurred.
func (mgr *Manager) PromoteIfBetter(champScore, challScore float64) (bool, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if champScore > 0 && !(challScore > champScore*mgr.cfg.PromotionThreshold) {
		return false, nil
	}
	if champScore == 0 && challScore == 0 {
		return false, nil
	}

	archiveName := fmt.Sprintf("champion_archive_%s", time.Now().Format("20060102_150405"))
	if err := saveModel(filepath.Join(mgr.cfg.ModelsDir, archiveName), mgr.champion); err != nil {
		return false, err
	}

	mgr.champion = mgr.challenger
	mgr.challenger = NewModel()

	if err := saveModel(filepath.Join(mgr.cfg.ModelsDir, "champion"), mgr.champion); err != nil {
		return false, err
	}
	if err := saveModel(filepath.Join(mgr.cfg.ModelsDir, "challenger"), mgr.challenger); err != nil {
		return false, err
	}
	mgr.log.Info().Str("archive", archiveName).Msg("adrm challenger promoted to champion")
	return true, nil
}

func (mgr *Manager) readLog() ([]PerformanceEntry, error) {
	var entries []PerformanceEntry
	if _, err := persist.ReadJSON(mgr.cfg.PerformanceLogPath, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (mgr *Manager) writeLog(entries []PerformanceEntry) error {
	return persist.WriteJSONAtomic(mgr.cfg.PerformanceLogPath, entries)
}
