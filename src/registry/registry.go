// Package registry implements C5: the persistent, in-memory client
// registry — upsert/heartbeat/deregister/penalize/selection — backed by
// atomic JSON snapshots. Grounded on the teacher's repository/base.go
// mutex+snapshot persistence shape and audit/trail append-only history.
package registry

import (
	"math"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flcs/coordinator/src/persist"
)

// Status is a ClientRecord's connection status.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// maxReputationHistory bounds ClientRecord.ReputationHistory (SPEC_FULL.md
// §12.5): the reference implementation this spec was distilled from grows
// this list unboundedly, a known resource leak the distillation didn't
// surface.
const maxReputationHistory = 200

// ReputationEvent is one entry in a client's reputation history.
type ReputationEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Delta     int       `json:"delta"`
	Reason    string    `json:"reason"`
	Resulting int       `json:"resulting"`
}

// ParticipationEvent records one round a client took part in.
type ParticipationEvent struct {
	Round     uint64            `json:"round"`
	Timestamp time.Time         `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
}

// Record is a ClientRecord per spec.md §3.
type Record struct {
	ClientID            string               `json:"client_id"`
	IPAddress           string               `json:"ip_address"`
	TransportTag        string               `json:"transport_tag"`
	Status              Status               `json:"status"`
	LastHeartbeatTS      time.Time            `json:"last_heartbeat_ts"`
	UptimeStartTS        time.Time            `json:"uptime_start_ts"`
	Reputation          int                  `json:"reputation"`
	ReputationHistory    []ReputationEvent    `json:"reputation_history"`
	LastSuccessfulRound  uint64               `json:"last_successful_round"`
	LastRoundSelected    uint64               `json:"last_round_selected"`
	ParticipationHistory []ParticipationEvent `json:"participation_history"`
	LastLatencyMS        float64              `json:"last_latency_ms"`

	// PendingRoundNotice is the orchestrator's one-shot "you were selected
	// and have not yet been notified" flag (spec.md §4.12).
	PendingRoundNotice bool `json:"pending_round_notice"`
}

// BlockChecker is C6's is_blocked query, injected to avoid an import cycle
// between registry and adrm/response (both directions are used for
// different, non-reentrant operations — see spec.md §9).
type BlockChecker interface {
	IsBlocked(clientID string) bool
}

// Registry is C5.
type Registry struct {
	mu       sync.Mutex
	records  map[string]*Record
	snapshot string
	log      zerolog.Logger
	blocked  BlockChecker

	repThreshold int // selection eligibility floor on reputation, default 50
}

// Config configures the registry.
type Config struct {
	SnapshotDir         string
	ReputationThreshold int // default 50, per spec.md §4.5
}

// New constructs a Registry, loading any prior snapshot from disk.
func New(cfg Config, log zerolog.Logger, blocked BlockChecker) (*Registry, error) {
	threshold := cfg.ReputationThreshold
	if threshold == 0 {
		threshold = 50
	}
	r := &Registry{
		records:      make(map[string]*Record),
		snapshot:     filepath.Join(cfg.SnapshotDir, "client_data.json"),
		log:          log,
		blocked:      blocked,
		repThreshold: threshold,
	}
	var loaded map[string]*Record
	found, err := persist.ReadJSON(r.snapshot, &loaded)
	if err != nil {
		return nil, err
	}
	if found {
		r.records = loaded
	}
	return r, nil
}

// Upsert creates or refreshes a client's record: resets status to
// connected and bumps last_heartbeat_ts (spec.md §4.5).
func (r *Registry) Upsert(clientID, ip, transportTag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	rec, ok := r.records[clientID]
	if !ok {
		rec = &Record{
			ClientID:     clientID,
			Reputation:   100,
			UptimeStartTS: now,
		}
		r.records[clientID] = rec
	}
	rec.IPAddress = ip
	rec.TransportTag = transportTag
	rec.Status = StatusConnected
	rec.LastHeartbeatTS = now

	return r.snapshotLocked()
}

// Heartbeat bumps last_heartbeat_ts monotonically. If the client was
// disconnected it transitions back to connected and resets
// uptime_start_ts. Heartbeats never change reputation (spec.md §8).
func (r *Registry) Heartbeat(clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[clientID]
	if !ok {
		return errClientNotFound(clientID)
	}
	now := time.Now()
	if rec.Status == StatusDisconnected {
		rec.Status = StatusConnected
		rec.UptimeStartTS = now
	}
	rec.LastHeartbeatTS = now
	return r.snapshotLocked()
}

// Deregister removes a client's record entirely.
func (r *Registry) Deregister(clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, clientID)
	return r.snapshotLocked()
}

// Penalize subtracts penalty from a client's reputation, clamped to
// [0, 100], and appends to the reputation history (capped, SPEC_FULL.md
// §12.5). This is an ordinary synchronous call, never fire-and-forget
// (SPEC_FULL.md §13.2): the caller observes the updated reputation before
// this returns.
func (r *Registry) Penalize(clientID string, penalty int, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[clientID]
	if !ok {
		return errClientNotFound(clientID)
	}
	rec.Reputation -= penalty
	if rec.Reputation < 0 {
		rec.Reputation = 0
	}
	if rec.Reputation > 100 {
		rec.Reputation = 100
	}
	rec.ReputationHistory = append(rec.ReputationHistory, ReputationEvent{
		Timestamp: time.Now(),
		Delta:     -penalty,
		Reason:    reason,
		Resulting: rec.Reputation,
	})
	if len(rec.ReputationHistory) > maxReputationHistory {
		rec.ReputationHistory = rec.ReputationHistory[len(rec.ReputationHistory)-maxReputationHistory:]
	}
	return r.snapshotLocked()
}

// RecordRoundParticipation appends a participation entry and bumps
// last_successful_round.
func (r *Registry) RecordRoundParticipation(clientID string, round uint64, metrics map[string]float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[clientID]
	if !ok {
		return errClientNotFound(clientID)
	}
	rec.LastSuccessfulRound = round
	rec.ParticipationHistory = append(rec.ParticipationHistory, ParticipationEvent{
		Round:     round,
		Timestamp: time.Now(),
		Metrics:   metrics,
	})
	return r.snapshotLocked()
}

// MarkSelected records that a client was selected for a round and sets its
// one-shot pending-notice flag.
func (r *Registry) MarkSelected(clientID string, round uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[clientID]; ok {
		rec.LastRoundSelected = round
		rec.PendingRoundNotice = true
	}
}

// ConsumePendingNotice returns and clears the one-shot "new round
// available" flag for a client, so the transport layer can piggyback it
// on the client's next heartbeat without duplicating (spec.md §4.12).
func (r *Registry) ConsumePendingNotice(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[clientID]
	if !ok || !rec.PendingRoundNotice {
		return false
	}
	rec.PendingRoundNotice = false
	return true
}

// EligibleCount returns the number of connected, not-blocked clients with
// reputation above the threshold.
func (r *Registry) EligibleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if r.isEligibleLocked(rec) {
			n++
		}
	}
	return n
}

// SelectForRound returns up to k client IDs using the fairness+quality
// scoring algorithm of spec.md §4.5. Fewer than k eligible candidates
// yields an empty slice (the caller treats that as "pause").
func (r *Registry) SelectForRound(k int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	type scored struct {
		rec   *Record
		score float64
	}
	var candidates []scored
	now := time.Now()
	for _, rec := range r.records {
		if !r.isEligibleLocked(rec) {
			continue
		}
		candidates = append(candidates, scored{rec: rec, score: selectionScore(rec, now)})
	}
	if len(candidates) < k {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.rec.LastRoundSelected != b.rec.LastRoundSelected {
			return a.rec.LastRoundSelected < b.rec.LastRoundSelected
		}
		return a.score > b.score
	})

	out := make([]string, k)
	for i := 0; i < k; i++ {
		out[i] = candidates[i].rec.ClientID
	}
	return out
}

func (r *Registry) isEligibleLocked(rec *Record) bool {
	if rec.Status != StatusConnected {
		return false
	}
	if rec.Reputation <= r.repThreshold {
		return false
	}
	if r.blocked != nil && r.blocked.IsBlocked(rec.ClientID) {
		return false
	}
	return true
}

func selectionScore(rec *Record, now time.Time) float64 {
	uptimeSeconds := now.Sub(rec.UptimeStartTS).Seconds()
	if uptimeSeconds < 0 {
		uptimeSeconds = 0
	}
	latency := rec.LastLatencyMS
	if latency > 500 {
		latency = 500
	}
	return 0.6*(float64(rec.Reputation)/100) +
		0.3*math.Min(1, uptimeSeconds/3600) +
		0.1*(1-latency/500)
}

// Get returns a copy of a client's record, for read-only external use
// (e.g. admin REST /api/client_health).
func (r *Registry) Get(clientID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[clientID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// All returns a copy of every client record, sorted by client ID.
func (r *Registry) All() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// RunHeartbeatSweeper periodically scans records and drives the
// connected -> disconnected -> deregistered status transitions of
// spec.md §4.5. Blocks until done is closed.
func (r *Registry) RunHeartbeatSweeper(done <-chan struct{}, interval, heartbeatTimeout, gracePeriod time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.sweepOnce(heartbeatTimeout, gracePeriod)
		}
	}
}

func (r *Registry) sweepOnce(heartbeatTimeout, gracePeriod time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var toDelete []string
	for id, rec := range r.records {
		idle := now.Sub(rec.LastHeartbeatTS)
		switch rec.Status {
		case StatusConnected:
			if idle > heartbeatTimeout {
				rec.Status = StatusDisconnected
				r.log.Info().Str("client_id", id).Msg("client marked disconnected on heartbeat timeout")
			}
		case StatusDisconnected:
			if idle > heartbeatTimeout+gracePeriod {
				toDelete = append(toDelete, id)
			}
		}
	}
	for _, id := range toDelete {
		delete(r.records, id)
		r.log.Info().Str("client_id", id).Msg("client deregistered after grace period")
	}
	if err := r.snapshotLocked(); err != nil {
		r.log.Error().Err(err).Msg("persist registry snapshot after heartbeat sweep")
	}
}

func (r *Registry) snapshotLocked() error {
	err := persist.WriteJSONAtomic(r.snapshot, r.records)
	if err != nil && r.log.GetLevel() <= zerolog.ErrorLevel {
		r.log.Error().Err(err).Msg("persist client registry snapshot")
	}
	return err
}

type notFoundError struct{ clientID string }

func (e *notFoundError) Error() string { return "registry: client not found: " + e.clientID }

func errClientNotFound(clientID string) error { return &notFoundError{clientID: clientID} }
