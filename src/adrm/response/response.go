// Package response implements C6: the ADRM response system — the
// blocklist, graduated penalties, and quarantine queue triggered by
// stage-1/stage-2 anomaly detection. Grounded on the teacher's
// src/queue/redis_queue.go (redis-backed fan-out shape, repurposed here
// as an optional mirror rather than the durable queue itself — the
// durable queue is the JSON snapshot) and src/security/ratelimit/limiter.go
// (graduated-severity configuration pattern).
package response

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/flcs/coordinator/src/persist"
)

// Severity is a BlockRecord's severity, per spec.md §4.6.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// BlockRecord is the C6-owned block entry (spec.md §3).
type BlockRecord struct {
	ClientID      string    `json:"client_id"`
	BlockTS       time.Time `json:"block_ts"`
	ExpirationTS  time.Time `json:"expiration_ts"`
	Severity      Severity  `json:"severity"`
	Reason        string    `json:"reason"`
	Details       string    `json:"details"`
}

// QuarantineEntry is an offending update set aside for manual review on a
// high-severity trigger.
type QuarantineEntry struct {
	ClientID  string    `json:"client_id"`
	Round     uint64    `json:"round"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	Details   string    `json:"details"`
}

// Penalizer is the subset of C5 the response system drives.
type Penalizer interface {
	Penalize(clientID string, penalty int, reason string) error
}

// Config configures graduated penalty/block durations per spec.md §6.
type Config struct {
	SnapshotDir               string
	BlockDurationMinutes      int // "high" duration; "medium" uses half
	ReputationPenaltyForBlock int // applied on medium/high block, default 40
	LowSeverityPenalty        int // default 25

	// RedisAddr, if non-empty, mirrors block/quarantine events onto a
	// redis pub/sub channel for external dashboards (SPEC_FULL.md §12.4).
	// FLCS's durable state is always the JSON snapshot; redis is a
	// best-effort mirror only — a publish failure is logged, never fatal.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Channel       string
}

type state struct {
	Blocks      map[string]BlockRecord `json:"blocks"`
	Quarantine  []QuarantineEntry      `json:"quarantine"`
}

// System is C6.
type System struct {
	mu       sync.Mutex
	st       state
	snapshot string
	cfg      Config
	log      zerolog.Logger
	reg      Penalizer
	redis    *redis.Client
}

// New constructs a response System, loading any prior snapshot.
func New(cfg Config, log zerolog.Logger, reg Penalizer) (*System, error) {
	if cfg.BlockDurationMinutes == 0 {
		cfg.BlockDurationMinutes = 60
	}
	if cfg.ReputationPenaltyForBlock == 0 {
		cfg.ReputationPenaltyForBlock = 40
	}
	if cfg.LowSeverityPenalty == 0 {
		cfg.LowSeverityPenalty = 25
	}
	if cfg.Channel == "" {
		cfg.Channel = "flcs:adrm:events"
	}

	s := &System{
		st:       state{Blocks: make(map[string]BlockRecord)},
		snapshot: filepath.Join(cfg.SnapshotDir, "adrm_blocked_clients.json"),
		cfg:      cfg,
		log:      log,
		reg:      reg,
	}
	var loaded state
	found, err := persist.ReadJSON(s.snapshot, &loaded)
	if err != nil {
		return nil, err
	}
	if found {
		if loaded.Blocks == nil {
			loaded.Blocks = make(map[string]BlockRecord)
		}
		s.st = loaded
	}

	if cfg.RedisAddr != "" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}
	return s, nil
}

// Trigger applies the graduated response of spec.md §4.6. It is an
// ordinary synchronous call, never dispatched via a fire-and-forget task
// (SPEC_FULL.md §13.2): the caller observes the block/penalty before this
// returns.
func (s *System) Trigger(clientID string, severity Severity, reason, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	switch severity {
	case SeverityLow:
		if err := s.reg.Penalize(clientID, s.cfg.LowSeverityPenalty, reason); err != nil {
			return err
		}
		s.log.Info().Str("client_id", clientID).Str("severity", "low").Str("reason", reason).Msg("adrm low-severity penalty applied")
		return nil

	case SeverityMedium:
		dur := time.Duration(s.cfg.BlockDurationMinutes) * time.Minute / 2
		s.blockLocked(clientID, severity, reason, details, now, dur)

	case SeverityHigh:
		dur := time.Duration(s.cfg.BlockDurationMinutes) * time.Minute
		s.blockLocked(clientID, severity, reason, details, now, dur)
		s.st.Quarantine = append(s.st.Quarantine, QuarantineEntry{
			ClientID:  clientID,
			Timestamp: now,
			Reason:    reason,
			Details:   details,
		})

	default:
		return nil
	}

	if err := s.reg.Penalize(clientID, s.cfg.ReputationPenaltyForBlock, reason); err != nil {
		return err
	}
	if err := s.snapshotLocked(); err != nil {
		return err
	}
	s.mirror(clientID, severity, reason)
	s.log.Warn().Str("client_id", clientID).Str("severity", string(severity)).Str("reason", reason).Msg("adrm block applied")
	return nil
}

func (s *System) blockLocked(clientID string, severity Severity, reason, details string, now time.Time, dur time.Duration) {
	s.st.Blocks[clientID] = BlockRecord{
		ClientID:     clientID,
		BlockTS:      now,
		ExpirationTS: now.Add(dur),
		Severity:     severity,
		Reason:       reason,
		Details:      details,
	}
}

// IsBlocked returns whether clientID currently carries an unexpired
// BlockRecord, silently removing it first if it has expired (spec.md
// §4.6). Satisfies registry.BlockChecker.
func (s *System) IsBlocked(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.st.Blocks[clientID]
	if !ok {
		return false
	}
	if !rec.ExpirationTS.After(time.Now()) {
		delete(s.st.Blocks, clientID)
		_ = s.snapshotLocked()
		return false
	}
	return true
}

// Unblock administratively removes a client's BlockRecord.
func (s *System) Unblock(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.st.Blocks, clientID)
	return s.snapshotLocked()
}

// Blocks returns a copy of all current BlockRecords.
func (s *System) Blocks() []BlockRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BlockRecord, 0, len(s.st.Blocks))
	for _, b := range s.st.Blocks {
		out = append(out, b)
	}
	return out
}

// QuarantineQueue returns a copy of the pending manual-review entries
// (SPEC_FULL.md §12.4 admin introspection).
func (s *System) QuarantineQueue() []QuarantineEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QuarantineEntry, len(s.st.Quarantine))
	copy(out, s.st.Quarantine)
	return out
}

// UpdateConfig applies live-updatable block/penalty tunables from PUT
// /api/admin/adrm/config (spec.md §6). Nil fields are left unchanged.
func (s *System) UpdateConfig(blockDurationMinutes, reputationPenaltyForBlock, lowSeverityPenalty *int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if blockDurationMinutes != nil {
		s.cfg.BlockDurationMinutes = *blockDurationMinutes
	}
	if reputationPenaltyForBlock != nil {
		s.cfg.ReputationPenaltyForBlock = *reputationPenaltyForBlock
	}
	if lowSeverityPenalty != nil {
		s.cfg.LowSeverityPenalty = *lowSeverityPenalty
	}
}

func (s *System) snapshotLocked() error {
	return persist.WriteJSONAtomic(s.snapshot, s.st)
}

func (s *System) mirror(clientID string, severity Severity, reason string) {
	if s.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload := string(severity) + ":" + clientID + ":" + reason
	if err := s.redis.Publish(ctx, s.cfg.Channel, payload).Err(); err != nil {
		s.log.Warn().Err(err).Msg("adrm redis mirror publish failed")
	}
}

// Close releases the optional redis client.
func (s *System) Close() error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Close()
}
